package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"hl-delta-bot/internal/account"
	"hl-delta-bot/internal/exec"
	"hl-delta-bot/internal/hl/exchange"
	"hl-delta-bot/internal/market"
)

// marketableOffset pushes limit prices through the touch so an order
// fills like a taker while still capping slippage.
const marketableOffset = 0.005

// hlVenue adapts the signed exchange client plus market metadata onto
// the executor's venue interface. It owns symbol-to-asset-id
// resolution and limit price derivation; the executor stays free of
// venue specifics.
type hlVenue struct {
	exchange *exchange.Client
	market   *market.MarketData
	account  *account.Account
}

func (v *hlVenue) PlaceOrder(ctx context.Context, order exec.Order) (exec.Placement, error) {
	assetID, limit, szDecimals, err := v.resolve(ctx, order)
	if err != nil {
		return exec.Placement{}, err
	}
	size := roundDown(order.Size, szDecimals)
	if size <= 0 || limit <= 0 {
		return exec.Placement{}, fmt.Errorf("derived size %v or limit %v invalid for %s %s", size, limit, order.Symbol, order.Market)
	}
	wire, err := exchange.LimitOrderWire(assetID, order.Side == exec.SideBuy, size, limit, order.ReduceOnly, exchange.TifGtc, order.ClientOrderID)
	if err != nil {
		return exec.Placement{}, err
	}
	result, err := v.exchange.PlaceOrder(ctx, wire)
	if err != nil {
		return exec.Placement{}, err
	}
	if result.ErrMsg != "" {
		return exec.Placement{}, fmt.Errorf("order rejected: %s", result.ErrMsg)
	}
	return exec.Placement{
		OrderID:    result.OrderID,
		FilledSize: result.FilledSize,
		Resting:    result.Resting,
	}, nil
}

func (v *hlVenue) OrderStatus(ctx context.Context, order exec.Order, orderID int64) (exec.Status, error) {
	state, err := v.account.OrderStatus(ctx, orderID)
	if err != nil {
		return exec.Status{}, err
	}
	filled := state.FilledSize
	if wsFilled := v.account.FillSize(orderID); wsFilled > filled {
		filled = wsFilled
	}
	return exec.Status{FilledSize: filled, Terminal: state.Terminal()}, nil
}

func (v *hlVenue) CancelOrder(ctx context.Context, order exec.Order, orderID int64) error {
	assetID, ok := v.assetID(order)
	if !ok {
		return fmt.Errorf("no asset id for %s %s", order.Symbol, order.Market)
	}
	return v.exchange.CancelOrder(ctx, assetID, orderID)
}

func (v *hlVenue) assetID(order exec.Order) (int, bool) {
	if order.Market == exec.MarketSpot {
		return v.market.SpotAssetID(order.Symbol)
	}
	return v.market.PerpAssetID(order.Symbol)
}

func (v *hlVenue) resolve(ctx context.Context, order exec.Order) (int, float64, int, error) {
	assetID, ok := v.assetID(order)
	if !ok {
		return 0, 0, 0, fmt.Errorf("no asset id for %s %s", order.Symbol, order.Market)
	}
	var mid float64
	szDecimals := -1
	if order.Market == exec.MarketSpot {
		spotCtx, ok := v.market.SpotContext(order.Symbol)
		if !ok {
			return 0, 0, 0, fmt.Errorf("no spot context for %s", order.Symbol)
		}
		szDecimals = spotCtx.BaseSzDecimals
		var err error
		mid, err = v.market.Mid(ctx, spotCtx.MidKey)
		if err != nil {
			return 0, 0, 0, err
		}
	} else {
		perpCtx, ok := v.market.PerpContext(order.Symbol)
		if !ok {
			return 0, 0, 0, fmt.Errorf("no perp context for %s", order.Symbol)
		}
		szDecimals = perpCtx.SzDecimals
		mid, _ = v.market.Mid(ctx, order.Symbol)
		if mid == 0 {
			mid = perpCtx.MarkPrice
		}
	}
	if mid <= 0 {
		return 0, 0, 0, errors.New("no reference price for limit derivation")
	}
	limit := mid * (1 + marketableOffset)
	if order.Side == exec.SideSell {
		limit = mid * (1 - marketableOffset)
	}
	limit = normalizeLimitPrice(limit, order.Market == exec.MarketSpot, szDecimals)
	return assetID, limit, szDecimals, nil
}

func roundDown(value float64, decimals int) float64 {
	if decimals < 0 {
		return value
	}
	if decimals == 0 {
		return math.Floor(value)
	}
	factor := math.Pow10(decimals)
	return math.Floor(value*factor) / factor
}

func roundTo(value float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(value)
	}
	factor := math.Pow10(decimals)
	return math.Round(value*factor) / factor
}

// normalizeLimitPrice clips a price to 5 significant figures and the
// venue's decimal budget: 8 minus size decimals on spot, 6 minus size
// decimals on perps.
func normalizeLimitPrice(price float64, isSpot bool, szDecimals int) float64 {
	if price == 0 {
		return 0
	}
	if sig, err := strconv.ParseFloat(strconv.FormatFloat(price, 'g', 5, 64), 64); err == nil {
		price = sig
	}
	decimals := 6
	if isSpot {
		decimals = 8
	}
	if szDecimals >= 0 {
		decimals -= szDecimals
		if decimals < 0 {
			decimals = 0
		}
	}
	return roundTo(price, decimals)
}
