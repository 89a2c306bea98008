package engine

import (
	"time"

	"hl-delta-bot/internal/state"
	"hl-delta-bot/internal/strategy"
)

// Status is an immutable snapshot of the engine for the control
// surface. It is safe to read concurrently with the control loop.
type Status struct {
	State     strategy.State        `json:"state"`
	Position  *state.PositionRecord `json:"position,omitempty"`
	EquityUSD float64               `json:"equity_usd"`
	LastTick  time.Time             `json:"last_tick,omitzero"`
	LastError string                `json:"last_error,omitempty"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status := Status{
		State:     e.machine.Current(),
		EquityUSD: e.equity,
		LastTick:  e.lastTick,
		LastError: e.lastErr,
	}
	if e.position != nil {
		rec := *e.position
		status.Position = &rec
	}
	return status
}
