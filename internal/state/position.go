package state

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

const (
	positionKey    = "engine:position"
	engineStateKey = "engine:state"
)

// PositionRecord is the engine's belief about the currently held
// delta-neutral pair. At most one record exists at a time; it must
// round-trip exactly across restarts so a restart resumes reconciliation
// instead of re-opening.
type PositionRecord struct {
	Symbol           string    `json:"symbol"`
	SpotSize         float64   `json:"spot_size"`
	PerpSize         float64   `json:"perp_size"`
	EntryFundingRate float64   `json:"entry_funding_rate"`
	OpenedAt         time.Time `json:"opened_at"`
	LastRebalancedAt time.Time `json:"last_rebalanced_at"`
}

func LoadPosition(ctx context.Context, store Store) (PositionRecord, bool, error) {
	if store == nil {
		return PositionRecord{}, false, nil
	}
	raw, ok, err := store.Get(ctx, positionKey)
	if err != nil {
		return PositionRecord{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return PositionRecord{}, false, nil
	}
	var rec PositionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return PositionRecord{}, false, err
	}
	return rec, true, nil
}

func SavePosition(ctx context.Context, store Store, rec PositionRecord) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return store.Set(ctx, positionKey, string(payload))
}

func DeletePosition(ctx context.Context, store Store) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, positionKey)
}

func LoadEngineState(ctx context.Context, store Store) (string, bool, error) {
	if store == nil {
		return "", false, nil
	}
	raw, ok, err := store.Get(ctx, engineStateKey)
	if err != nil || !ok {
		return "", false, err
	}
	return strings.TrimSpace(raw), raw != "", nil
}

func SaveEngineState(ctx context.Context, store Store, state string) error {
	if store == nil {
		return nil
	}
	return store.Set(ctx, engineStateKey, state)
}
