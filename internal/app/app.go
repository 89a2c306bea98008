package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hl-delta-bot/internal/account"
	"hl-delta-bot/internal/alerts"
	"hl-delta-bot/internal/api"
	"hl-delta-bot/internal/config"
	"hl-delta-bot/internal/engine"
	"hl-delta-bot/internal/hl/exchange"
	"hl-delta-bot/internal/hl/rest"
	"hl-delta-bot/internal/hl/ws"
	"hl-delta-bot/internal/market"
	"hl-delta-bot/internal/metrics"
	"hl-delta-bot/internal/state/sqlite"
	"hl-delta-bot/internal/timescale"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App owns process-lifetime resources and wires the engine to the
// exchange, the control API, and the observability sinks.
type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	rest     *rest.Client
	ws       *ws.Client
	exchange *exchange.Client
	market   *market.MarketData
	account  *account.Account
	engine   *engine.Engine
	api      *api.Server
	prom     *metrics.Prometheus
	alerts   *alerts.Telegram
	recorder *timescale.Writer
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	wsClient := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	marketData := market.New(restClient, wsClient, log)

	walletAddress := strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	if walletAddress == "" {
		return nil, errors.New("HL_WALLET_ADDRESS is required")
	}
	privateKey := strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY"))
	if privateKey == "" {
		return nil, errors.New("HL_PRIVATE_KEY is required")
	}
	accountAddress := strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS"))
	if accountAddress == "" {
		accountAddress = walletAddress
	}
	vaultAddress := strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS"))
	isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
	signer, err := exchange.NewSigner(privateKey, isMainnet)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(walletAddress, signer.Address().Hex()) {
		return nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", walletAddress, signer.Address().Hex())
	}
	exClient, err := exchange.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, vaultAddress, log)
	if err != nil {
		return nil, err
	}

	accountWS := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	accountClient := account.New(restClient, accountWS, log, accountAddress)

	var prom *metrics.Prometheus
	engineMetrics := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		engineMetrics = prom.Metrics
	}
	alertsClient := alerts.NewTelegram(cfg.Telegram, log)
	recorder, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
		recorder = nil
	}

	eng := engine.New(cfg.Engine, engine.Deps{
		Log:      log,
		Store:    store,
		Market:   marketData,
		Account:  accountClient,
		Exchange: exClient,
		Metrics:  engineMetrics,
		Alerts:   alertsClient,
		Recorder: recorder,
	})

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, eng, log)
	}

	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		rest:     restClient,
		ws:       wsClient,
		exchange: exClient,
		market:   marketData,
		account:  accountClient,
		engine:   eng,
		api:      apiServer,
		prom:     prom,
		alerts:   alertsClient,
		recorder: recorder,
	}, nil
}

// Run starts every subsystem and blocks until the context is canceled
// or one of them fails. Market data and the user account stream come
// up before the engine so the first tick sees real state.
func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
		a.log.Warn("nonce store init failed", zap.Error(err))
	}

	st, err := a.account.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}
	a.log.Info("reconciled account",
		zap.Float64("perp_account_value", st.PerpAccountValue),
		zap.Int("spot_balances", len(st.SpotBalances)),
		zap.Int("perp_positions", len(st.PerpPositions)),
		zap.Int("open_orders", len(st.OpenOrders)),
	)

	if err := a.market.Start(ctx); err != nil {
		return fmt.Errorf("market start: %w", err)
	}
	if err := a.account.Start(ctx); err != nil {
		return fmt.Errorf("account start: %w", err)
	}
	if a.recorder != nil {
		a.recorder.Start(ctx)
		defer a.recorder.Close()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.engine.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if a.api != nil {
		g.Go(func() error {
			a.log.Info("control api listening", zap.String("addr", a.cfg.API.Addr))
			return a.api.Run(ctx)
		})
	}
	if a.prom != nil {
		g.Go(func() error {
			return a.serveMetrics(ctx)
		})
	}
	return g.Wait()
}

// Engine exposes the engine for callers that drive it directly.
func (a *App) Engine() *engine.Engine {
	return a.engine
}

func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("metrics listening", zap.String("addr", a.cfg.Metrics.Addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
