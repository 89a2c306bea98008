package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"hl-delta-bot/internal/exec"
	"hl-delta-bot/internal/state"
	"hl-delta-bot/internal/strategy"

	"go.uber.org/zap"
)

const (
	// spotBufferPct keeps a slice of spot USDC unspent so fees and
	// rounding never bounce an order.
	spotBufferPct = 0.9
	flatEpsilon   = 1e-9
)

// openPosition executes the two-leg entry: spot buy first, perp short
// second, the perp sized to what the spot leg actually filled. If the
// perp leg fails the freshly bought spot is sold straight back so the
// book never carries an unhedged leg.
func (e *Engine) openPosition(ctx context.Context, cand strategy.Candidate) error {
	cfg := e.EngineConfig()
	acct, err := e.account.Reconcile(ctx)
	if err != nil {
		e.machine.Apply(strategy.EventRescan)
		return err
	}
	equity := e.computeEquity(acct, e.market.Quotes(ctx, cfg.TrackedCoins))
	spotDec, perpDec := e.sizeDecimals(cand.Symbol)
	plan, err := strategy.BuildPlan(cfg, equity, cand, spotDec, perpDec)
	if err != nil {
		e.machine.Apply(strategy.EventRescan)
		return err
	}
	pairNotional := plan.SpotNotionalUSD + plan.PerpSize*cand.PerpPrice
	if err := strategy.CheckRisk(cfg, pairNotional, e.dailyLoss()); err != nil {
		e.metrics.RiskBreaches.Inc()
		e.machine.Apply(strategy.EventRescan)
		return err
	}
	if err := e.ensureSpotUSDC(ctx, plan.SpotNotionalUSD); err != nil {
		e.machine.Apply(strategy.EventRescan)
		return err
	}

	cloid := fmt.Sprintf("open-%s-%d", cand.Symbol, time.Now().UnixMilli())
	spotManaged, err := e.submitLeg(ctx, exec.Order{
		Symbol:        cand.Symbol,
		Market:        exec.MarketSpot,
		Side:          exec.SideBuy,
		Size:          plan.SpotSize,
		ClientOrderID: cloid + "-spot",
	}, cfg.OrderTimeout)
	if err != nil {
		if spotManaged != nil && spotManaged.FilledSize > 0 {
			e.compensateSpot(ctx, cand.Symbol, spotManaged.FilledSize, spotDec)
		}
		e.machine.Apply(strategy.EventRescan)
		return err
	}
	spotFilled := spotManaged.FilledSize
	if spotFilled <= 0 {
		e.machine.Apply(strategy.EventRescan)
		return errors.New("spot leg did not fill")
	}

	perpSize := roundDown(math.Min(plan.PerpSize, spotFilled), perpDec)
	perpManaged, err := e.submitLeg(ctx, exec.Order{
		Symbol:        cand.Symbol,
		Market:        exec.MarketPerp,
		Side:          exec.SideSell,
		Size:          perpSize,
		ClientOrderID: cloid + "-perp",
	}, cfg.OrderTimeout)
	perpFilled := 0.0
	if perpManaged != nil {
		perpFilled = perpManaged.FilledSize
	}
	if err != nil || perpFilled <= 0 {
		if err == nil {
			err = errors.New("perp leg did not fill")
		}
		e.metrics.Compensations.Inc()
		e.log.Error("perp leg failed, compensating spot leg",
			zap.String("symbol", cand.Symbol),
			zap.Float64("spot_filled", spotFilled),
			zap.Error(err))
		if cerr := e.compensateSpot(ctx, cand.Symbol, spotFilled, spotDec); cerr != nil {
			e.machine.Apply(strategy.EventFail)
			e.notify(ctx, "UNHEDGED: spot compensation failed for "+cand.Symbol+": "+cerr.Error())
			return fmt.Errorf("perp leg failed (%v) and spot compensation failed: %w", err, cerr)
		}
		e.machine.Apply(strategy.EventRescan)
		return err
	}

	// trim spot bought beyond what the short actually covers
	if residual := roundDown(spotFilled-perpFilled, spotDec); residual > 0 &&
		residual*cand.SpotPrice >= strategy.MinOrderNotionalUSD {
		if cerr := e.compensateSpot(ctx, cand.Symbol, residual, spotDec); cerr != nil {
			e.log.Warn("residual spot trim failed", zap.Error(cerr))
		} else {
			spotFilled -= residual
		}
	}

	now := time.Now().UTC()
	rec := state.PositionRecord{
		Symbol:           cand.Symbol,
		SpotSize:         spotFilled,
		PerpSize:         perpFilled,
		EntryFundingRate: cand.AnnualizedRate,
		OpenedAt:         now,
		LastRebalancedAt: now,
	}
	e.setPosition(ctx, &rec)
	e.machine.Apply(strategy.EventHold)
	e.metrics.PositionsOpened.Inc()
	e.setLastError(nil)
	e.log.Info("opened delta-neutral position",
		zap.String("symbol", cand.Symbol),
		zap.Float64("spot_size", spotFilled),
		zap.Float64("perp_size", perpFilled),
		zap.Float64("annualized_rate", cand.AnnualizedRate))
	e.notify(ctx, fmt.Sprintf("Opened %s: spot %.6f / perp short %.6f (funding %.2f%% APR)",
		cand.Symbol, spotFilled, perpFilled, cand.AnnualizedRate*100))
	return nil
}

// closePosition unwinds both legs, perp first so the account is never
// net short while the spot sells. The record tracks what actually
// closed; a partial close leaves the remainder for the next attempt.
func (e *Engine) closePosition(ctx context.Context, rec state.PositionRecord) error {
	cfg := e.EngineConfig()
	spotDec, perpDec := e.sizeDecimals(rec.Symbol)
	cloid := fmt.Sprintf("close-%s-%d", rec.Symbol, time.Now().UnixMilli())

	if rec.PerpSize > flatEpsilon {
		managed, err := e.submitLeg(ctx, exec.Order{
			Symbol:        rec.Symbol,
			Market:        exec.MarketPerp,
			Side:          exec.SideBuy,
			Size:          roundDown(rec.PerpSize, perpDec),
			ReduceOnly:    true,
			ClientOrderID: cloid + "-perp",
		}, cfg.OrderTimeout)
		if managed != nil {
			rec.PerpSize -= managed.FilledSize
			if rec.PerpSize < flatEpsilon {
				rec.PerpSize = 0
			}
		}
		if err != nil {
			e.setPosition(ctx, &rec)
			return fmt.Errorf("perp close leg: %w", err)
		}
		if rec.PerpSize > flatEpsilon {
			e.setPosition(ctx, &rec)
			return fmt.Errorf("perp close left %.8f unclosed", rec.PerpSize)
		}
	}

	if rec.SpotSize > flatEpsilon {
		managed, err := e.submitLeg(ctx, exec.Order{
			Symbol:        rec.Symbol,
			Market:        exec.MarketSpot,
			Side:          exec.SideSell,
			Size:          roundDown(rec.SpotSize, spotDec),
			ClientOrderID: cloid + "-spot",
		}, cfg.OrderTimeout)
		if managed != nil {
			rec.SpotSize -= managed.FilledSize
			if rec.SpotSize < flatEpsilon {
				rec.SpotSize = 0
			}
		}
		if err != nil {
			e.setPosition(ctx, &rec)
			return fmt.Errorf("spot close leg: %w", err)
		}
		if rec.SpotSize > flatEpsilon {
			// only write off the remainder against a live quote; with no
			// price there is no telling dust from a real unclosed leg
			price := e.spotPrice(ctx, rec.Symbol)
			if price <= 0 || rec.SpotSize*price >= strategy.MinOrderNotionalUSD {
				e.setPosition(ctx, &rec)
				return fmt.Errorf("spot close left %.8f unclosed", rec.SpotSize)
			}
			// sub-minimum dust is unsellable, write it off
			e.log.Info("ignoring spot dust", zap.String("symbol", rec.Symbol), zap.Float64("size", rec.SpotSize))
		}
	}

	e.setPosition(ctx, nil)
	e.metrics.PositionsClosed.Inc()
	e.log.Info("closed position", zap.String("symbol", rec.Symbol))
	e.notify(ctx, "Closed "+rec.Symbol+" pair")
	return nil
}

// rotate swaps the held pair for a better-funded coin: full close,
// then a fresh open sized off post-close equity.
func (e *Engine) rotate(ctx context.Context, rec state.PositionRecord, best strategy.Candidate) {
	e.log.Info("rotating position",
		zap.String("from", rec.Symbol),
		zap.String("to", best.Symbol),
		zap.Float64("to_rate", best.AnnualizedRate))
	if err := e.closePosition(ctx, rec); err != nil {
		e.log.Error("rotation close failed", zap.Error(err))
		e.setLastError(err)
		e.machine.Apply(strategy.EventFail)
		return
	}
	e.metrics.Rotations.Inc()
	if err := e.openPosition(ctx, best); err != nil {
		e.log.Error("rotation open failed", zap.String("symbol", best.Symbol), zap.Error(err))
		e.setLastError(err)
	}
}

// rebalance issues corrective orders sized to exactly the measured
// drift per leg. Gaps under the venue minimum are left for funding and
// price to wash out.
func (e *Engine) rebalance(ctx context.Context, rec state.PositionRecord, report strategy.DriftReport) error {
	cfg := e.EngineConfig()
	spotDec, perpDec := e.sizeDecimals(rec.Symbol)
	quote, err := e.market.Quote(ctx, rec.Symbol)
	if err != nil {
		return err
	}
	cloid := fmt.Sprintf("rebal-%s-%d", rec.Symbol, time.Now().UnixMilli())

	spotGap := rec.SpotSize - report.ActualSpot
	spotFilled := 0.0
	if size := roundDown(math.Abs(spotGap), spotDec); size*quote.SpotPrice >= strategy.MinOrderNotionalUSD {
		side := exec.SideBuy
		if spotGap < 0 {
			side = exec.SideSell
		}
		if spotGap > 0 {
			if err := e.ensureSpotUSDC(ctx, size*quote.SpotPrice); err != nil {
				return err
			}
		}
		managed, err := e.submitLeg(ctx, exec.Order{
			Symbol:        rec.Symbol,
			Market:        exec.MarketSpot,
			Side:          side,
			Size:          size,
			ClientOrderID: cloid + "-spot",
		}, cfg.OrderTimeout)
		if err != nil {
			return fmt.Errorf("spot corrective leg: %w", err)
		}
		spotFilled = managed.FilledSize
	}

	perpGap := rec.PerpSize - math.Abs(report.ActualPerp)
	perpFilled := 0.0
	if size := roundDown(math.Abs(perpGap), perpDec); size*quote.PerpMarkPrice >= strategy.MinOrderNotionalUSD {
		side := exec.SideSell
		reduceOnly := false
		if perpGap < 0 {
			side = exec.SideBuy
			reduceOnly = true
		}
		managed, err := e.submitLeg(ctx, exec.Order{
			Symbol:        rec.Symbol,
			Market:        exec.MarketPerp,
			Side:          side,
			Size:          size,
			ReduceOnly:    reduceOnly,
			ClientOrderID: cloid + "-perp",
		}, cfg.OrderTimeout)
		if err != nil {
			return fmt.Errorf("perp corrective leg: %w", err)
		}
		perpFilled = managed.FilledSize
	}
	e.log.Info("rebalanced position",
		zap.String("symbol", rec.Symbol),
		zap.Float64("spot_gap", spotGap),
		zap.Float64("spot_filled", spotFilled),
		zap.Float64("perp_gap", perpGap),
		zap.Float64("perp_filled", perpFilled))
	return nil
}

// submitLeg places one order and waits it out. The ManagedOrder comes
// back even on error so callers can see how much filled before things
// went sideways.
func (e *Engine) submitLeg(ctx context.Context, order exec.Order, timeout time.Duration) (*exec.ManagedOrder, error) {
	managed, err := e.executor.Submit(ctx, order)
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		return nil, err
	}
	e.metrics.OrdersPlaced.Inc()
	if err := e.executor.Await(ctx, managed, timeout); err != nil {
		e.metrics.OrdersFailed.Inc()
		return managed, err
	}
	return managed, nil
}

func (e *Engine) compensateSpot(ctx context.Context, symbol string, size float64, spotDec int) error {
	size = roundDown(size, spotDec)
	if size <= 0 {
		return nil
	}
	cfg := e.EngineConfig()
	managed, err := e.submitLeg(ctx, exec.Order{
		Symbol:        symbol,
		Market:        exec.MarketSpot,
		Side:          exec.SideSell,
		Size:          size,
		ClientOrderID: fmt.Sprintf("comp-%s-%d", symbol, time.Now().UnixMilli()),
	}, cfg.OrderTimeout)
	if err != nil {
		return err
	}
	if managed.FilledSize+flatEpsilon < size {
		return fmt.Errorf("compensation filled %.8f of %.8f", managed.FilledSize, size)
	}
	return nil
}

// ensureSpotUSDC tops up the spot wallet from perp margin when the
// planned buy exceeds what is safely spendable there.
func (e *Engine) ensureSpotUSDC(ctx context.Context, requiredUSD float64) error {
	if requiredUSD <= 0 {
		return nil
	}
	acct, err := e.account.Reconcile(ctx)
	if err != nil {
		return err
	}
	spendable := acct.SpotBalances["USDC"] * spotBufferPct
	shortfall := requiredUSD - spendable
	if shortfall <= 0 {
		return nil
	}
	if e.exchange == nil {
		return errors.New("exchange client is required for transfers")
	}
	if err := e.exchange.USDClassTransfer(ctx, shortfall, false); err != nil {
		return err
	}
	e.log.Info("transferred USDC to spot wallet", zap.Float64("amount", shortfall))
	_, err = e.account.Reconcile(ctx)
	return err
}

func (e *Engine) sizeDecimals(symbol string) (int, int) {
	spotDec := -1
	if ctx, ok := e.market.SpotContext(symbol); ok {
		spotDec = ctx.BaseSzDecimals
	}
	perpDec := -1
	if ctx, ok := e.market.PerpContext(symbol); ok {
		perpDec = ctx.SzDecimals
	}
	return spotDec, perpDec
}

func (e *Engine) spotPrice(ctx context.Context, symbol string) float64 {
	quote, err := e.market.Quote(ctx, symbol)
	if err != nil {
		return 0
	}
	return quote.SpotPrice
}
