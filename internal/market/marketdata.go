package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"hl-delta-bot/internal/hl/rest"
	"hl-delta-bot/internal/hl/ws"

	"go.uber.org/zap"
)

// hoursPerYear converts an hourly funding rate into an annualized one.
const hoursPerYear = 24 * 365

// spotAliases maps perp coin names to the token names their spot pairs
// trade under. Hyperliquid lists BTC spot as UBTC and ETH spot as UETH.
var spotAliases = map[string]string{
	"BTC": "UBTC",
	"ETH": "UETH",
}

type PerpContext struct {
	Index       int
	FundingRate float64
	MarkPrice   float64
	OraclePrice float64
	SzDecimals  int
}

type SpotContext struct {
	Symbol         string
	Base           string
	Quote          string
	Index          int
	BaseSzDecimals int
	RawName        string
	MidKey         string
}

// AssetQuote is a point-in-time view of one coin across both venues.
// AnnualizedFundingRate is the perp hourly funding scaled to a yearly
// figure; positive means shorts collect.
type AssetQuote struct {
	Symbol                string
	SpotPrice             float64
	PerpMarkPrice         float64
	HourlyFundingRate     float64
	AnnualizedFundingRate float64
	ObservedAt            time.Time
}

type MarketData struct {
	rest *rest.Client
	ws   *ws.Client
	log  *zap.Logger

	mu               sync.RWMutex
	midPrices        map[string]float64
	perpCtx          map[string]PerpContext
	spotCtx          map[string]SpotContext
	lastCtxRefresh   time.Time
	ctxRefreshWindow time.Duration
}

func New(restClient *rest.Client, wsClient *ws.Client, log *zap.Logger) *MarketData {
	return &MarketData{
		rest:             restClient,
		ws:               wsClient,
		log:              log,
		midPrices:        make(map[string]float64),
		perpCtx:          make(map[string]PerpContext),
		spotCtx:          make(map[string]SpotContext),
		ctxRefreshWindow: 30 * time.Second,
	}
}

// Start connects the websocket, subscribes to allMids, primes the
// perp/spot contexts over REST and spawns the read loop. The engine
// stays functional without the socket; Mid falls back to REST.
func (m *MarketData) Start(ctx context.Context) error {
	if err := m.RefreshContexts(ctx); err != nil {
		m.log.Warn("context refresh failed", zap.Error(err))
	}
	if m.ws == nil {
		return nil
	}
	if err := m.ws.Connect(ctx); err != nil {
		return err
	}
	sub := map[string]any{"method": "subscribe", "subscription": map[string]any{"type": "allMids"}}
	if err := m.ws.Subscribe(ctx, sub); err != nil {
		return err
	}
	go func() {
		_ = m.ws.Run(ctx, m.handleMessage)
	}()
	return nil
}

// RefreshContexts pulls perp and spot metadata plus live asset
// contexts. Calls inside the refresh window are no-ops so the engine
// can invoke it on every tick.
func (m *MarketData) RefreshContexts(ctx context.Context) error {
	if m.rest == nil {
		return nil
	}
	if !m.shouldRefresh() {
		return nil
	}
	perpResp, err := m.rest.InfoAny(ctx, rest.InfoRequest{Type: "metaAndAssetCtxs"})
	if err != nil {
		return err
	}
	spotResp, err := m.rest.InfoAny(ctx, rest.InfoRequest{Type: "spotMetaAndAssetCtxs"})
	if err != nil {
		return err
	}
	perpCtx, err := parsePerpContexts(perpResp)
	if err != nil {
		return err
	}
	spotCtx, err := parseSpotContexts(spotResp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.perpCtx = perpCtx
	m.spotCtx = spotCtx
	m.lastCtxRefresh = time.Now().UTC()
	m.mu.Unlock()
	return nil
}

func (m *MarketData) shouldRefresh() bool {
	m.mu.RLock()
	last := m.lastCtxRefresh
	window := m.ctxRefreshWindow
	m.mu.RUnlock()
	if last.IsZero() {
		return true
	}
	return time.Since(last) >= window
}

// Quote assembles the funding view for one perp coin. The spot price
// comes from the aliased spot pair's mid when available, falling back
// to the perp mark.
func (m *MarketData) Quote(ctx context.Context, symbol string) (AssetQuote, error) {
	m.mu.RLock()
	pctx, ok := m.perpCtx[symbol]
	m.mu.RUnlock()
	if !ok {
		return AssetQuote{}, fmt.Errorf("no perp context for %s", symbol)
	}
	spotPx := pctx.MarkPrice
	if sctx, ok := m.SpotContext(symbol); ok {
		if mid, err := m.Mid(ctx, sctx.MidKey); err == nil && mid > 0 {
			spotPx = mid
		}
	}
	return AssetQuote{
		Symbol:                symbol,
		SpotPrice:             spotPx,
		PerpMarkPrice:         pctx.MarkPrice,
		HourlyFundingRate:     pctx.FundingRate,
		AnnualizedFundingRate: pctx.FundingRate * hoursPerYear,
		ObservedAt:            time.Now().UTC(),
	}, nil
}

// Quotes returns quotes for the given symbols, skipping any that are
// missing a perp context rather than failing the whole scan.
func (m *MarketData) Quotes(ctx context.Context, symbols []string) []AssetQuote {
	quotes := make([]AssetQuote, 0, len(symbols))
	for _, sym := range symbols {
		q, err := m.Quote(ctx, sym)
		if err != nil {
			m.log.Debug("quote unavailable", zap.String("symbol", sym), zap.Error(err))
			continue
		}
		quotes = append(quotes, q)
	}
	return quotes
}

func (m *MarketData) Mid(ctx context.Context, asset string) (float64, error) {
	m.mu.RLock()
	price, ok := m.midPrices[asset]
	m.mu.RUnlock()
	if ok {
		return price, nil
	}
	resp, err := m.rest.Info(ctx, rest.InfoRequest{Type: "allMids"})
	if err != nil {
		return 0, err
	}
	m.updateMids(resp)
	m.mu.RLock()
	price, ok = m.midPrices[asset]
	m.mu.RUnlock()
	if !ok {
		return 0, errors.New("mid price not found")
	}
	return price, nil
}

func (m *MarketData) FundingRate(asset string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.perpCtx[asset]
	return ctx.FundingRate, ok
}

// PerpSymbols lists every perp coin seen in the last context refresh.
func (m *MarketData) PerpSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	symbols := make([]string, 0, len(m.perpCtx))
	for symbol := range m.perpCtx {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func (m *MarketData) PerpContext(asset string) (PerpContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.perpCtx[asset]
	return ctx, ok
}

// SpotContext resolves a coin to its USDC spot pair, trying the alias
// table (BTC -> UBTC) before the raw name.
func (m *MarketData) SpotContext(asset string) (SpotContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range spotLookupNames(asset) {
		if ctx, ok := m.spotCtx[name]; ok {
			return ctx, true
		}
	}
	return SpotContext{}, false
}

func (m *MarketData) PerpAssetID(asset string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.perpCtx[asset]
	if !ok {
		return 0, false
	}
	return ctx.Index, true
}

// SpotAssetID returns the exchange asset id for a coin's spot pair.
// Spot order ids sit in the 10000+ range above the pair index.
func (m *MarketData) SpotAssetID(asset string) (int, bool) {
	ctx, ok := m.SpotContext(asset)
	if !ok {
		return 0, false
	}
	return 10000 + ctx.Index, true
}

func spotLookupNames(asset string) []string {
	names := make([]string, 0, 4)
	if alias, ok := spotAliases[asset]; ok {
		names = append(names, alias+"/USDC", alias)
	}
	names = append(names, asset)
	if !strings.Contains(asset, "/") {
		names = append(names, asset+"/USDC")
	}
	return names
}

func (m *MarketData) handleMessage(msg json.RawMessage) {
	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		m.log.Debug("ws decode error", zap.Error(err))
		return
	}
	m.updateMids(payload)
}

func (m *MarketData) updateMids(payload map[string]any) {
	var mids map[string]any
	if data, ok := payload["data"].(map[string]any); ok {
		if raw, ok := data["mids"].(map[string]any); ok {
			mids = raw
		}
	}
	if mids == nil {
		if raw, ok := payload["mids"].(map[string]any); ok {
			mids = raw
		}
	}
	if mids == nil {
		// /info allMids returns a flat map of symbol -> mid.
		if _, hasData := payload["data"]; !hasData {
			mids = payload
		}
	}
	if mids == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for asset, v := range mids {
		if f, ok := floatFromAny(v); ok {
			m.midPrices[asset] = f
		}
	}
}
