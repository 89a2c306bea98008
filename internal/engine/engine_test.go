package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hl-delta-bot/internal/config"
	"hl-delta-bot/internal/state"
	"hl-delta-bot/internal/strategy"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		TrackedCoins:       []string{"BTC", "ETH"},
		SpotPct:            70,
		PerpPct:            30,
		RebalanceThreshold: 0.05,
		RotationHysteresis: 0.01,
		Leverage:           1,
		RefreshInterval:    time.Hour,
		OrderTimeout:       time.Minute,
	}
}

// startEngine runs the command loop with a ticker too slow to fire, so
// tests drive the engine purely through commands.
func startEngine(t *testing.T, store *memoryStore) (*Engine, func()) {
	t.Helper()
	eng := New(testConfig(), Deps{Log: zap.NewNop(), Store: store})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = eng.Run(ctx)
		close(done)
	}()
	return eng, func() {
		cancel()
		<-done
	}
}

func TestEngineStartAndStop(t *testing.T) {
	store := newMemoryStore()
	eng, stop := startEngine(t, store)
	defer stop()
	ctx := context.Background()

	if got := eng.Status().State; got != strategy.StateStopped {
		t.Fatalf("expected %s, got %s", strategy.StateStopped, got)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := eng.Status().State; got != strategy.StateScanning {
		t.Fatalf("expected %s, got %s", strategy.StateScanning, got)
	}
	// Starting twice is idempotent.
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("second start must be a no-op: %v", err)
	}
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := eng.Status().State; got != strategy.StateStopped {
		t.Fatalf("expected %s, got %s", strategy.StateStopped, got)
	}
	if raw, _, _ := store.Get(ctx, "engine:state"); raw != string(strategy.StateStopped) {
		t.Fatalf("expected persisted STOPPED, got %q", raw)
	}
}

func TestEngineCreateWhileStopped(t *testing.T) {
	eng, stop := startEngine(t, newMemoryStore())
	defer stop()
	err := eng.CreatePosition(context.Background(), "BTC")
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestEngineCloseWithoutPosition(t *testing.T) {
	eng, stop := startEngine(t, newMemoryStore())
	defer stop()
	err := eng.ClosePosition(context.Background(), "")
	if !errors.Is(err, ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
}

func TestEngineCloseSymbolMismatch(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	rec := state.PositionRecord{Symbol: "BTC", SpotSize: 0.07, PerpSize: 0.07, OpenedAt: time.Now().UTC()}
	if err := state.SavePosition(ctx, store, rec); err != nil {
		t.Fatal(err)
	}
	if err := state.SaveEngineState(ctx, store, string(strategy.StateHolding)); err != nil {
		t.Fatal(err)
	}

	eng, stop := startEngine(t, store)
	defer stop()
	err := eng.ClosePosition(ctx, "ETH")
	if !errors.Is(err, ErrNoPosition) {
		t.Fatalf("close for a coin not held must fail, got %v", err)
	}
	if pos := eng.Position(); pos == nil || pos.Symbol != "BTC" {
		t.Fatalf("mismatched close must leave the record alone, got %+v", pos)
	}
	if got := eng.Status().State; got != strategy.StateHolding {
		t.Fatalf("expected %s, got %s", strategy.StateHolding, got)
	}
}

func TestEngineStopRetainsPosition(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	rec := state.PositionRecord{Symbol: "BTC", SpotSize: 0.07, PerpSize: 0.07, OpenedAt: time.Now().UTC()}
	if err := state.SavePosition(ctx, store, rec); err != nil {
		t.Fatal(err)
	}
	if err := state.SaveEngineState(ctx, store, string(strategy.StateHolding)); err != nil {
		t.Fatal(err)
	}

	eng, stop := startEngine(t, store)
	defer stop()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := eng.Status().State; got != strategy.StateStopped {
		t.Fatalf("expected %s, got %s", strategy.StateStopped, got)
	}
	if pos := eng.Position(); pos == nil || pos.Symbol != "BTC" {
		t.Fatalf("stop must retain the position record, got %+v", pos)
	}
	if _, ok, _ := store.Get(ctx, "engine:position"); !ok {
		t.Fatalf("persisted position must survive a stop")
	}
}

func TestEngineRestoreCollapsesTransientStates(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()
	rec := state.PositionRecord{Symbol: "ETH", SpotSize: 1, PerpSize: 1}
	if err := state.SavePosition(ctx, store, rec); err != nil {
		t.Fatal(err)
	}
	if err := state.SaveEngineState(ctx, store, string(strategy.StateRebalancing)); err != nil {
		t.Fatal(err)
	}
	eng, stop := startEngine(t, store)
	defer stop()
	waitForState(t, eng, strategy.StateHolding)

	// Without a record the same interrupted state lands in SCANNING.
	store2 := newMemoryStore()
	if err := state.SaveEngineState(ctx, store2, string(strategy.StateOpening)); err != nil {
		t.Fatal(err)
	}
	eng2, stop2 := startEngine(t, store2)
	defer stop2()
	waitForState(t, eng2, strategy.StateScanning)
}

func waitForState(t *testing.T, eng *Engine, want strategy.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if eng.Status().State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected state %s, got %s", want, eng.Status().State)
}

func TestEngineUpdateConfig(t *testing.T) {
	eng, stop := startEngine(t, newMemoryStore())
	defer stop()
	ctx := context.Background()

	threshold := 0.1
	next, err := eng.UpdateConfig(ctx, config.EnginePatch{RebalanceThreshold: &threshold})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.RebalanceThreshold != 0.1 {
		t.Fatalf("expected threshold 0.1, got %v", next.RebalanceThreshold)
	}

	bad := -1.0
	_, err = eng.UpdateConfig(ctx, config.EnginePatch{RebalanceThreshold: &bad})
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if got := eng.EngineConfig().RebalanceThreshold; got != 0.1 {
		t.Fatalf("rejected patch must leave config unchanged, got %v", got)
	}
}
