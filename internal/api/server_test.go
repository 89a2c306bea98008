package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hl-delta-bot/internal/config"
	"hl-delta-bot/internal/engine"
	"hl-delta-bot/internal/strategy"

	"go.uber.org/zap"
)

type fakeController struct {
	cfg       config.EngineConfig
	status    engine.Status
	startErr  error
	closeErr  error
	createErr error
	updateErr error
	created   string
	closed    string
}

func newFakeController() *fakeController {
	return &fakeController{
		cfg: config.EngineConfig{
			TrackedCoins:       []string{"BTC", "ETH"},
			SpotPct:            70,
			PerpPct:            30,
			RebalanceThreshold: 0.05,
			Leverage:           1,
			RefreshInterval:    30 * time.Second,
			OrderTimeout:       time.Minute,
		},
		status: engine.Status{State: strategy.StateStopped},
	}
}

func (f *fakeController) Start(ctx context.Context) error { return f.startErr }
func (f *fakeController) Stop(ctx context.Context) error  { return nil }
func (f *fakeController) ClosePosition(ctx context.Context, symbol string) error {
	f.closed = symbol
	return f.closeErr
}
func (f *fakeController) CreatePosition(ctx context.Context, symbol string) error {
	f.created = symbol
	return f.createErr
}
func (f *fakeController) Status() engine.Status { return f.status }
func (f *fakeController) EngineConfig() config.EngineConfig {
	cfg := f.cfg
	cfg.TrackedCoins = append([]string(nil), f.cfg.TrackedCoins...)
	return cfg
}
func (f *fakeController) UpdateConfig(ctx context.Context, patch config.EnginePatch) (config.EngineConfig, error) {
	if f.updateErr != nil {
		return f.cfg, f.updateErr
	}
	next, err := config.ApplyPatch(f.cfg, patch)
	if err != nil {
		return f.cfg, err
	}
	f.cfg = next
	return next, nil
}

func newTestServer(controller Controller, apiKey string) *httptest.Server {
	srv := NewServer(config.APIConfig{Addr: ":0", APIKey: apiKey}, controller, zap.NewNop())
	return httptest.NewServer(srv.Handler())
}

func doJSON(t *testing.T, method, url, body, apiKey string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(newFakeController(), "secret")
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/status", "", "secret")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", resp.StatusCode)
	}

	// Health stays open for probes.
	resp, err = http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", resp.StatusCode)
	}
}

func TestStartAndStatus(t *testing.T) {
	controller := newFakeController()
	controller.status = engine.Status{State: strategy.StateScanning, EquityUSD: 10000}
	ts := newTestServer(controller, "")
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/bot/start", "", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status engine.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.State != strategy.StateScanning || status.EquityUSD != 10000 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestCreatePosition(t *testing.T) {
	controller := newFakeController()
	ts := newTestServer(controller, "")
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/bot/create", `{"symbol": "sol"}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if controller.created != "SOL" {
		t.Fatalf("expected upper-cased symbol SOL, got %q", controller.created)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/bot/create", `{}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing symbol, got %d", resp.StatusCode)
	}
}

func TestClosePosition(t *testing.T) {
	controller := newFakeController()
	ts := newTestServer(controller, "")
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/bot/close", `{"symbol": "btc"}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if controller.closed != "BTC" {
		t.Fatalf("expected upper-cased symbol BTC, got %q", controller.closed)
	}

	// No body at all means close whatever is held.
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/bot/close", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 without body, got %d", resp.StatusCode)
	}
	if controller.closed != "" {
		t.Fatalf("expected empty symbol without body, got %q", controller.closed)
	}
}

func TestEngineErrorMapping(t *testing.T) {
	controller := newFakeController()
	controller.createErr = engine.ErrPositionHeld
	controller.closeErr = engine.ErrNoPosition
	ts := newTestServer(controller, "")
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/bot/create", `{"symbol": "BTC"}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for held position, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/bot/close", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for no position, got %d", resp.StatusCode)
	}

	controller.createErr = engine.ErrNotRunning
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/bot/create", `{"symbol": "BTC"}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 while stopped, got %d", resp.StatusCode)
	}
}

func TestPatchConfig(t *testing.T) {
	controller := newFakeController()
	ts := newTestServer(controller, "")
	defer ts.Close()

	resp := doJSON(t, http.MethodPatch, ts.URL+"/api/config", `{"rebalance_threshold": 0.1}`, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var updated config.EngineConfig
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatal(err)
	}
	if updated.RebalanceThreshold != 0.1 {
		t.Fatalf("expected threshold 0.1, got %v", updated.RebalanceThreshold)
	}
}

func TestPatchConfigInvalid(t *testing.T) {
	controller := newFakeController()
	ts := newTestServer(controller, "")
	defer ts.Close()

	resp := doJSON(t, http.MethodPatch, ts.URL+"/api/config", `{"spot_pct": 90}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for overallocation, got %d", resp.StatusCode)
	}
	if controller.cfg.SpotPct != 70 {
		t.Fatalf("rejected patch must not change config, got %v", controller.cfg.SpotPct)
	}
}

func TestCoinManagement(t *testing.T) {
	controller := newFakeController()
	ts := newTestServer(controller, "")
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/coins", `{"symbol": "hype"}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if len(controller.cfg.TrackedCoins) != 3 || controller.cfg.TrackedCoins[2] != "HYPE" {
		t.Fatalf("expected HYPE tracked, got %v", controller.cfg.TrackedCoins)
	}

	// Adding an already-tracked coin is a no-op.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/coins", `{"symbol": "BTC"}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/coins/ETH", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	for _, c := range controller.cfg.TrackedCoins {
		if c == "ETH" {
			t.Fatalf("ETH must be removed, got %v", controller.cfg.TrackedCoins)
		}
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/coins/DOGE", "", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for untracked coin, got %d", resp.StatusCode)
	}
}
