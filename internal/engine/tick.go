package engine

import (
	"context"
	"time"

	"hl-delta-bot/internal/account"
	"hl-delta-bot/internal/market"
	"hl-delta-bot/internal/state"
	"hl-delta-bot/internal/strategy"
	"hl-delta-bot/internal/timescale"

	"go.uber.org/zap"
)

// tick runs one decision cycle: refresh market truth, reconcile the
// account, then dispatch on the current state. Transient failures end
// the cycle early; the next tick retries from scratch.
func (e *Engine) tick(ctx context.Context) {
	st := e.machine.Current()
	if st == strategy.StateStopped {
		return
	}
	if err := e.market.RefreshContexts(ctx); err != nil {
		e.log.Warn("market refresh failed", zap.Error(err))
	}
	acct, err := e.account.Reconcile(ctx)
	if err != nil {
		e.log.Warn("account reconcile failed", zap.Error(err))
		e.setLastError(err)
		return
	}
	cfg := e.EngineConfig()
	quotes := e.market.Quotes(ctx, cfg.TrackedCoins)
	candidates := toCandidates(quotes)
	equity := e.computeEquity(acct, quotes)
	e.updateEquity(equity)
	e.recordFunding(quotes)

	if st == strategy.StateError {
		st = e.machine.Apply(strategy.EventRescan)
		e.log.Info("re-evaluating after error", zap.String("state", string(st)))
	}
	switch st {
	case strategy.StateScanning:
		e.scan(ctx, candidates)
	case strategy.StateHolding:
		e.hold(ctx, acct, candidates)
	}
	e.mu.Lock()
	e.lastTick = time.Now().UTC()
	e.mu.Unlock()
	e.persistState(ctx)
	e.recordSnapshot(acct)
}

func (e *Engine) scan(ctx context.Context, candidates []strategy.Candidate) {
	cfg := e.EngineConfig()
	rec := e.Position()
	best, ok := strategy.Best(candidates, nil, cfg.RebalanceThreshold)
	if rec == nil {
		if !ok {
			return
		}
		e.machine.Apply(strategy.EventOpen)
		if err := e.openPosition(ctx, best); err != nil {
			e.log.Warn("open failed", zap.String("symbol", best.Symbol), zap.Error(err))
			e.setLastError(err)
		}
		return
	}
	if ok && strategy.ShouldRotate(rec.Symbol, e.heldRate(candidates, *rec), best, cfg.RotationHysteresis) {
		e.machine.Apply(strategy.EventRotate)
		e.rotate(ctx, *rec, best)
		return
	}
	e.machine.Apply(strategy.EventHold)
}

func (e *Engine) hold(ctx context.Context, acct *account.State, candidates []strategy.Candidate) {
	cfg := e.EngineConfig()
	rec := e.Position()
	if rec == nil {
		// record vanished under us, likely closed out of band
		e.log.Warn("holding without a position record")
		e.machine.Apply(strategy.EventFail)
		return
	}
	quote, err := e.market.Quote(ctx, rec.Symbol)
	if err != nil {
		e.log.Warn("held symbol has no quote", zap.String("symbol", rec.Symbol), zap.Error(err))
		e.setLastError(err)
		return
	}

	notional := rec.SpotSize*quote.SpotPrice + rec.PerpSize*quote.PerpMarkPrice
	if err := strategy.CheckRisk(cfg, notional, e.dailyLoss()); err != nil {
		e.metrics.RiskBreaches.Inc()
		e.log.Error("risk limit breached, closing position", zap.Error(err))
		e.notify(ctx, "Risk limit breached on "+rec.Symbol+", closing: "+err.Error())
		e.machine.Apply(strategy.EventClose)
		if closeErr := e.closePosition(ctx, *rec); closeErr != nil {
			e.setLastError(closeErr)
			e.machine.Apply(strategy.EventFail)
			return
		}
		e.machine.Apply(strategy.EventStopped)
		return
	}

	actualSpot := acct.SpotBalances[e.baseToken(rec.Symbol)]
	actualPerp := acct.PerpPositions[rec.Symbol]
	report := strategy.Reconcile(rec.Symbol, rec.SpotSize, rec.PerpSize, actualSpot, actualPerp, cfg.RebalanceThreshold)
	if !report.WithinThreshold {
		e.log.Info("drift beyond threshold",
			zap.Float64("spot_delta", report.SpotDelta),
			zap.Float64("perp_delta", report.PerpDelta))
		e.machine.Apply(strategy.EventDrift)
		e.metrics.Rebalances.Inc()
		if err := e.rebalance(ctx, *rec, report); err != nil {
			e.setLastError(err)
			e.machine.Apply(strategy.EventFail)
			return
		}
		now := time.Now().UTC()
		rec.LastRebalancedAt = now
		e.setPosition(ctx, rec)
		e.machine.Apply(strategy.EventSettled)
		return
	}

	best, ok := strategy.Best(candidates, nil, cfg.RebalanceThreshold)
	if ok && strategy.ShouldRotate(rec.Symbol, e.heldRate(candidates, *rec), best, cfg.RotationHysteresis) {
		e.machine.Apply(strategy.EventRotate)
		e.rotate(ctx, *rec, best)
	}
}

// heldRate prefers the live funding rate for the held coin and falls
// back to what it paid at entry when the coin left the tracked set.
func (e *Engine) heldRate(candidates []strategy.Candidate, rec state.PositionRecord) float64 {
	for _, c := range candidates {
		if c.Symbol == rec.Symbol {
			return c.AnnualizedRate
		}
	}
	if rate, ok := e.market.FundingRate(rec.Symbol); ok {
		return rate * 24 * 365
	}
	return rec.EntryFundingRate
}

// computeEquity values the account across both venues: perp margin
// equity plus spot USDC plus tracked holdings at their current mid.
func (e *Engine) computeEquity(acct *account.State, quotes []market.AssetQuote) float64 {
	equity := acct.PerpAccountValue + acct.SpotBalances["USDC"]
	for _, q := range quotes {
		token := e.baseToken(q.Symbol)
		if bal := acct.SpotBalances[token]; bal > 0 {
			equity += bal * q.SpotPrice
		}
	}
	return equity
}

func (e *Engine) baseToken(symbol string) string {
	if ctx, ok := e.market.SpotContext(symbol); ok && ctx.Base != "" {
		return ctx.Base
	}
	return symbol
}

func (e *Engine) updateEquity(equity float64) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	e.mu.Lock()
	e.equity = equity
	if !e.dayStart.Equal(today) {
		e.dayStart = today
		e.dayStartEquity = equity
	}
	e.mu.Unlock()
}

// dailyLoss is today's drawdown against the first equity mark of the
// UTC day; gains report as zero loss.
func (e *Engine) dailyLoss() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	loss := e.dayStartEquity - e.equity
	if loss < 0 {
		return 0
	}
	return loss
}

func toCandidates(quotes []market.AssetQuote) []strategy.Candidate {
	candidates := make([]strategy.Candidate, 0, len(quotes))
	for _, q := range quotes {
		candidates = append(candidates, strategy.Candidate{
			Symbol:         q.Symbol,
			AnnualizedRate: q.AnnualizedFundingRate,
			SpotPrice:      q.SpotPrice,
			PerpPrice:      q.PerpMarkPrice,
		})
	}
	return candidates
}

func (e *Engine) recordFunding(quotes []market.AssetQuote) {
	if e.recorder == nil {
		return
	}
	for _, q := range quotes {
		e.recorder.EnqueueFunding(timescale.FundingSample{
			Time:           q.ObservedAt,
			Symbol:         q.Symbol,
			HourlyRate:     q.HourlyFundingRate,
			AnnualizedRate: q.AnnualizedFundingRate,
			SpotPrice:      q.SpotPrice,
			PerpMarkPrice:  q.PerpMarkPrice,
		})
	}
}

func (e *Engine) recordSnapshot(acct *account.State) {
	if e.recorder == nil {
		return
	}
	snap := timescale.PositionSnapshot{
		Time:      time.Now().UTC(),
		State:     string(e.machine.Current()),
		EquityUSD: e.currentEquity(),
	}
	if rec := e.Position(); rec != nil {
		snap.Symbol = rec.Symbol
		snap.SpotSize = rec.SpotSize
		snap.PerpSize = rec.PerpSize
		if quote, err := e.market.Quote(context.Background(), rec.Symbol); err == nil {
			snap.SpotPrice = quote.SpotPrice
			snap.PerpPrice = quote.PerpMarkPrice
			snap.FundingRate = quote.AnnualizedFundingRate
			snap.SpotExposureUSD = rec.SpotSize * quote.SpotPrice
			snap.PerpExposureUSD = rec.PerpSize * quote.PerpMarkPrice
		}
		cfg := e.EngineConfig()
		report := strategy.Reconcile(rec.Symbol, rec.SpotSize, rec.PerpSize,
			acct.SpotBalances[e.baseToken(rec.Symbol)], acct.PerpPositions[rec.Symbol], cfg.RebalanceThreshold)
		snap.SpotDrift = report.SpotDelta
		snap.PerpDrift = report.PerpDelta
	}
	e.recorder.EnqueuePosition(snap)
}

func (e *Engine) currentEquity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.equity
}
