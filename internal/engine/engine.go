package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"hl-delta-bot/internal/account"
	"hl-delta-bot/internal/alerts"
	"hl-delta-bot/internal/config"
	"hl-delta-bot/internal/exec"
	"hl-delta-bot/internal/hl/exchange"
	"hl-delta-bot/internal/market"
	"hl-delta-bot/internal/metrics"
	"hl-delta-bot/internal/state"
	"hl-delta-bot/internal/strategy"
	"hl-delta-bot/internal/timescale"

	"go.uber.org/zap"
)

var (
	// ErrNotRunning rejects commands that need a live control loop.
	ErrNotRunning = errors.New("engine is not running")
	// ErrPositionHeld rejects a manual create while a pair is held.
	ErrPositionHeld = errors.New("position already held")
	// ErrNoPosition rejects a manual close with nothing to close.
	ErrNoPosition = errors.New("no position held")
)

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdClose
	cmdCreate
	cmdUpdateConfig
)

type command struct {
	kind   commandKind
	symbol string
	patch  config.EnginePatch
	reply  chan error
}

// Engine is the position manager: a single goroutine owns every state
// transition and every order, fed by a ticker and a command channel.
// Control requests from other goroutines are funneled through the
// channel, so a command can never interrupt a leg sequence mid-flight.
type Engine struct {
	log      *zap.Logger
	store    state.Store
	market   *market.MarketData
	account  *account.Account
	executor *exec.Executor
	exchange *exchange.Client
	metrics  *metrics.Metrics
	alerts   *alerts.Telegram
	recorder *timescale.Writer

	machine  *strategy.StateMachine
	commands chan command

	cfgMu sync.RWMutex
	cfg   config.EngineConfig

	mu             sync.RWMutex
	position       *state.PositionRecord
	lastTick       time.Time
	lastErr        string
	dayStart       time.Time
	dayStartEquity float64
	equity         float64
}

type Deps struct {
	Log      *zap.Logger
	Store    state.Store
	Market   *market.MarketData
	Account  *account.Account
	Exchange *exchange.Client
	Metrics  *metrics.Metrics
	Alerts   *alerts.Telegram
	Recorder *timescale.Writer
}

func New(cfg config.EngineConfig, deps Deps) *Engine {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	e := &Engine{
		log:      deps.Log,
		store:    deps.Store,
		market:   deps.Market,
		account:  deps.Account,
		exchange: deps.Exchange,
		metrics:  deps.Metrics,
		alerts:   deps.Alerts,
		recorder: deps.Recorder,
		machine:  strategy.NewStateMachine(strategy.StateStopped),
		commands: make(chan command, 16),
		cfg:      cfg,
	}
	venue := &hlVenue{exchange: deps.Exchange, market: deps.Market, account: deps.Account}
	e.executor = exec.New(venue, deps.Store, deps.Log)
	return e
}

// Run drives the engine until the context ends. Commands queued while
// a tick is executing are drained before the next scheduled tick, so
// manual requests always win over timer work.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.restore(ctx); err != nil {
		e.log.Warn("state restore failed", zap.Error(err))
	}
	interval := e.EngineConfig().RefreshInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.persistState(context.Background())
			return ctx.Err()
		case cmd := <-e.commands:
			e.handleCommand(ctx, cmd)
		case <-ticker.C:
			e.drainCommands(ctx)
			e.tick(ctx)
		}
		if next := e.EngineConfig().RefreshInterval; next != interval {
			interval = next
			ticker.Reset(interval)
		}
	}
}

// restore reloads persisted engine state so a restart resumes
// reconciliation instead of re-opening. Transient states collapse to
// their nearest stable ancestor; an interrupted leg sequence shows up
// as drift on the next HOLDING tick.
func (e *Engine) restore(ctx context.Context) error {
	rec, ok, err := state.LoadPosition(ctx, e.store)
	if err != nil {
		return err
	}
	if ok {
		e.mu.Lock()
		e.position = &rec
		e.mu.Unlock()
	}
	raw, found, err := state.LoadEngineState(ctx, e.store)
	if err != nil || !found {
		return err
	}
	restored := strategy.StateStopped
	switch strategy.State(raw) {
	case strategy.StateStopped:
	default:
		if ok {
			restored = strategy.StateHolding
		} else {
			restored = strategy.StateScanning
		}
	}
	e.machine.Reset(restored)
	e.log.Info("engine state restored",
		zap.String("state", string(restored)),
		zap.Bool("position", ok))
	return nil
}

func (e *Engine) drainCommands(ctx context.Context) {
	for {
		select {
		case cmd := <-e.commands:
			e.handleCommand(ctx, cmd)
		default:
			return
		}
	}
}

func (e *Engine) handleCommand(ctx context.Context, cmd command) {
	var err error
	switch cmd.kind {
	case cmdStart:
		err = e.handleStart(ctx)
	case cmdStop:
		err = e.handleStop(ctx)
	case cmdClose:
		err = e.handleClose(ctx, cmd.symbol)
	case cmdCreate:
		err = e.handleCreate(ctx, cmd.symbol)
	case cmdUpdateConfig:
		err = e.handleUpdateConfig(cmd.patch)
	}
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func (e *Engine) handleStart(ctx context.Context) error {
	switch e.machine.Current() {
	case strategy.StateStopped, strategy.StateError:
		e.machine.Apply(strategy.EventStart)
		e.persistState(ctx)
		e.log.Info("engine started")
		return nil
	default:
		return nil
	}
}

// handleStop halts decision making without touching the held pair;
// the position stays open on the venue and survives restart via the
// persisted record.
func (e *Engine) handleStop(ctx context.Context) error {
	if e.machine.Current() == strategy.StateStopped {
		return nil
	}
	e.machine.Apply(strategy.EventClose)
	e.machine.Apply(strategy.EventStopped)
	e.persistState(ctx)
	e.log.Info("engine stopped", zap.Bool("position_retained", e.Position() != nil))
	return nil
}

// handleClose unwinds the held pair. An empty symbol closes whatever
// is held; a non-empty one must name the held coin.
func (e *Engine) handleClose(ctx context.Context, symbol string) error {
	rec := e.Position()
	if rec == nil {
		return ErrNoPosition
	}
	if symbol != "" && !strings.EqualFold(symbol, rec.Symbol) {
		return fmt.Errorf("%w: holding %s, not %s", ErrNoPosition, rec.Symbol, symbol)
	}
	e.machine.Apply(strategy.EventClose)
	if err := e.closePosition(ctx, *rec); err != nil {
		e.machine.Apply(strategy.EventFail)
		e.persistState(ctx)
		return err
	}
	e.machine.Apply(strategy.EventStopped)
	e.persistState(ctx)
	return nil
}

func (e *Engine) handleCreate(ctx context.Context, symbol string) error {
	if e.machine.Current() == strategy.StateStopped {
		return ErrNotRunning
	}
	if e.Position() != nil {
		return ErrPositionHeld
	}
	quote, err := e.market.Quote(ctx, symbol)
	if err != nil {
		return fmt.Errorf("no market data for %s: %w", symbol, err)
	}
	cand := strategy.Candidate{
		Symbol:         quote.Symbol,
		AnnualizedRate: quote.AnnualizedFundingRate,
		SpotPrice:      quote.SpotPrice,
		PerpPrice:      quote.PerpMarkPrice,
	}
	e.machine.Apply(strategy.EventOpen)
	err = e.openPosition(ctx, cand)
	e.persistState(ctx)
	return err
}

func (e *Engine) handleUpdateConfig(patch config.EnginePatch) error {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	next, err := config.ApplyPatch(e.cfg, patch)
	if err != nil {
		return err
	}
	e.cfg = next
	e.log.Info("engine config updated", zap.Any("config", next))
	return nil
}

func (e *Engine) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case e.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Start(ctx context.Context) error {
	return e.send(ctx, command{kind: cmdStart})
}

func (e *Engine) Stop(ctx context.Context) error {
	return e.send(ctx, command{kind: cmdStop})
}

func (e *Engine) ClosePosition(ctx context.Context, symbol string) error {
	return e.send(ctx, command{kind: cmdClose, symbol: symbol})
}

func (e *Engine) CreatePosition(ctx context.Context, symbol string) error {
	return e.send(ctx, command{kind: cmdCreate, symbol: symbol})
}

func (e *Engine) UpdateConfig(ctx context.Context, patch config.EnginePatch) (config.EngineConfig, error) {
	if err := e.send(ctx, command{kind: cmdUpdateConfig, patch: patch}); err != nil {
		return e.EngineConfig(), err
	}
	return e.EngineConfig(), nil
}

func (e *Engine) EngineConfig() config.EngineConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	cfg := e.cfg
	cfg.TrackedCoins = append([]string(nil), e.cfg.TrackedCoins...)
	return cfg
}

func (e *Engine) Position() *state.PositionRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.position == nil {
		return nil
	}
	rec := *e.position
	return &rec
}

func (e *Engine) persistState(ctx context.Context) {
	if err := state.SaveEngineState(ctx, e.store, string(e.machine.Current())); err != nil {
		e.log.Warn("engine state persist failed", zap.Error(err))
	}
}

func (e *Engine) setPosition(ctx context.Context, rec *state.PositionRecord) {
	e.mu.Lock()
	e.position = rec
	e.mu.Unlock()
	var err error
	if rec == nil {
		err = state.DeletePosition(ctx, e.store)
	} else {
		err = state.SavePosition(ctx, e.store, *rec)
	}
	if err != nil {
		e.log.Warn("position persist failed", zap.Error(err))
	}
}

func (e *Engine) setLastError(err error) {
	e.mu.Lock()
	if err == nil {
		e.lastErr = ""
	} else {
		e.lastErr = err.Error()
	}
	e.mu.Unlock()
}

func (e *Engine) notify(ctx context.Context, message string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Send(ctx, message); err != nil {
		e.log.Warn("alert send failed", zap.Error(err))
	}
}
