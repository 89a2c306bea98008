package strategy

import (
	"errors"
	"math"
	"testing"

	"hl-delta-bot/internal/config"
)

func allocConfig() config.EngineConfig {
	return config.EngineConfig{
		SpotPct:  70,
		PerpPct:  30,
		Leverage: 3,
	}
}

func TestBuildPlanSplitsEquity(t *testing.T) {
	cand := Candidate{Symbol: "BTC", SpotPrice: 100000, PerpPrice: 100000}
	plan, err := BuildPlan(allocConfig(), 10000, cand, 5, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(plan.SpotNotionalUSD-7000) > 1e-9 {
		t.Fatalf("expected spot notional 7000, got %f", plan.SpotNotionalUSD)
	}
	if math.Abs(plan.PerpNotionalUSD-3000) > 1e-9 {
		t.Fatalf("expected perp notional 3000, got %f", plan.PerpNotionalUSD)
	}
	if math.Abs(plan.SpotSize-0.07) > 1e-9 {
		t.Fatalf("expected spot size 0.07, got %f", plan.SpotSize)
	}
	if plan.PerpSize != plan.SpotSize {
		t.Fatalf("perp size must mirror spot size, got %f vs %f", plan.PerpSize, plan.SpotSize)
	}
	if math.Abs(plan.PerpMarginUSD-7000.0/3.0) > 1e-6 {
		t.Fatalf("expected margin %.2f, got %f", 7000.0/3.0, plan.PerpMarginUSD)
	}
}

func TestBuildPlanRoundsSizesDown(t *testing.T) {
	cand := Candidate{Symbol: "SOL", SpotPrice: 150, PerpPrice: 150}
	plan, err := BuildPlan(allocConfig(), 10000, cand, 2, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 7000 / 150 = 46.666..., spot truncates at 2 decimals, perp at 1.
	if math.Abs(plan.SpotSize-46.66) > 1e-9 {
		t.Fatalf("expected spot size 46.66, got %f", plan.SpotSize)
	}
	if math.Abs(plan.PerpSize-46.6) > 1e-9 {
		t.Fatalf("expected perp size 46.6, got %f", plan.PerpSize)
	}
}

func TestBuildPlanRejectsDustLegs(t *testing.T) {
	cand := Candidate{Symbol: "BTC", SpotPrice: 100000, PerpPrice: 100000}
	_, err := BuildPlan(allocConfig(), 10, cand, 5, 5)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for sub-minimum legs, got %v", err)
	}
}

func TestBuildPlanRejectsExcessMargin(t *testing.T) {
	cfg := allocConfig()
	cfg.SpotPct = 100
	cfg.PerpPct = 0
	cfg.Leverage = 1
	cand := Candidate{Symbol: "XYZ", SpotPrice: 1, PerpPrice: 3}
	_, err := BuildPlan(cfg, 1000, cand, 0, 0)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for margin above equity*leverage, got %v", err)
	}
}

func TestBuildPlanRejectsBadInputs(t *testing.T) {
	cand := Candidate{Symbol: "BTC", SpotPrice: 100, PerpPrice: 100}
	if _, err := BuildPlan(allocConfig(), 0, cand, 2, 2); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for zero equity, got %v", err)
	}
	if _, err := BuildPlan(allocConfig(), 1000, Candidate{Symbol: "BTC"}, 2, 2); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for zero prices, got %v", err)
	}
	if _, err := BuildPlan(allocConfig(), 1000, Candidate{SpotPrice: 1, PerpPrice: 1}, 2, 2); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid for missing symbol, got %v", err)
	}
}
