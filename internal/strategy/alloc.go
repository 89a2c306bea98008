package strategy

import (
	"fmt"

	"hl-delta-bot/internal/config"

	"github.com/shopspring/decimal"
)

// MinOrderNotionalUSD is the venue's floor for a single order.
const MinOrderNotionalUSD = 10

// Plan sizes one delta-neutral pair. SpotNotionalUSD is the spot buy
// budget, PerpNotionalUSD the margin set aside for the short leg.
// PerpSize mirrors SpotSize so the legs cancel; they differ only by
// per-venue size rounding.
type Plan struct {
	Symbol          string
	SpotNotionalUSD float64
	PerpNotionalUSD float64
	SpotSize        float64
	PerpSize        float64
	PerpMarginUSD   float64
}

// BuildPlan allocates equity across the two legs. All notional math
// runs in decimals so repeated rebalances do not accumulate float
// drift; sizes round down to the venue lot size, never up.
func BuildPlan(cfg config.EngineConfig, equityUSD float64, cand Candidate, spotSzDecimals, perpSzDecimals int) (Plan, error) {
	if cand.Symbol == "" {
		return Plan{}, fmt.Errorf("%w: allocation needs a symbol", config.ErrInvalid)
	}
	if equityUSD <= 0 {
		return Plan{}, fmt.Errorf("%w: equity must be > 0, got %v", config.ErrInvalid, equityUSD)
	}
	if cand.SpotPrice <= 0 || cand.PerpPrice <= 0 {
		return Plan{}, fmt.Errorf("%w: prices must be > 0 for %s", config.ErrInvalid, cand.Symbol)
	}
	if cfg.SpotPct < 0 || cfg.PerpPct < 0 {
		return Plan{}, fmt.Errorf("%w: allocation percentages must be >= 0", config.ErrInvalid)
	}

	equity := decimal.NewFromFloat(equityUSD)
	hundred := decimal.NewFromInt(100)
	spotNotional := equity.Mul(decimal.NewFromFloat(cfg.SpotPct)).Div(hundred)
	perpNotional := equity.Mul(decimal.NewFromFloat(cfg.PerpPct)).Div(hundred)

	spotPrice := decimal.NewFromFloat(cand.SpotPrice)
	perpPrice := decimal.NewFromFloat(cand.PerpPrice)
	spotSize := spotNotional.Div(spotPrice).RoundDown(int32(clampDecimals(spotSzDecimals)))
	perpSize := spotSize.RoundDown(int32(clampDecimals(perpSzDecimals)))

	minNotional := decimal.NewFromInt(MinOrderNotionalUSD)
	if spotSize.Mul(spotPrice).LessThan(minNotional) {
		return Plan{}, fmt.Errorf("%w: spot leg for %s below $%d minimum", config.ErrInvalid, cand.Symbol, MinOrderNotionalUSD)
	}
	if perpSize.Mul(perpPrice).LessThan(minNotional) {
		return Plan{}, fmt.Errorf("%w: perp leg for %s below $%d minimum", config.ErrInvalid, cand.Symbol, MinOrderNotionalUSD)
	}

	leverage := decimal.NewFromInt(int64(cfg.Leverage))
	requiredMargin := perpSize.Mul(perpPrice).Div(leverage)
	if requiredMargin.GreaterThan(equity.Mul(leverage)) {
		return Plan{}, fmt.Errorf("%w: perp leg for %s needs $%s margin with %dx leverage",
			config.ErrInvalid, cand.Symbol, requiredMargin.StringFixed(2), cfg.Leverage)
	}

	return Plan{
		Symbol:          cand.Symbol,
		SpotNotionalUSD: spotNotional.InexactFloat64(),
		PerpNotionalUSD: perpNotional.InexactFloat64(),
		SpotSize:        spotSize.InexactFloat64(),
		PerpSize:        perpSize.InexactFloat64(),
		PerpMarginUSD:   requiredMargin.InexactFloat64(),
	}, nil
}

func clampDecimals(d int) int {
	if d < 0 {
		return 8
	}
	return d
}
