package account

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return payload
}

func TestParseBalances(t *testing.T) {
	payload := decode(t, `{"balances": [
		{"coin": "USDC", "total": "1234.5", "hold": "0"},
		{"coin": "UBTC", "total": "0.07"},
		{"total": "9"}
	]}`)
	balances := parseBalances(payload)
	if balances["USDC"] != 1234.5 {
		t.Fatalf("expected USDC 1234.5, got %v", balances["USDC"])
	}
	if balances["UBTC"] != 0.07 {
		t.Fatalf("expected UBTC 0.07, got %v", balances["UBTC"])
	}
	if len(balances) != 2 {
		t.Fatalf("entries without a token must be skipped: %v", balances)
	}
}

func TestParsePositions(t *testing.T) {
	payload := decode(t, `{"assetPositions": [
		{"position": {"coin": "BTC", "szi": "-0.07"}},
		{"position": {"coin": "ETH", "szi": "0"}}
	]}`)
	positions := parsePositions(payload)
	if positions["BTC"] != -0.07 {
		t.Fatalf("expected BTC -0.07, got %v", positions["BTC"])
	}
	if _, ok := positions["ETH"]; ok {
		t.Fatalf("flat positions must be skipped: %v", positions)
	}
}

func TestParseOpenOrders(t *testing.T) {
	var payload any
	raw := `[
		{"oid": 123, "cloid": "open-BTC-1", "coin": "BTC", "side": "B"},
		{"coin": "ETH", "side": "A"}
	]`
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatal(err)
	}
	orders := parseOpenOrders(payload)
	if len(orders) != 1 {
		t.Fatalf("orders without any id must be skipped, got %v", orders)
	}
	if orders[0].OrderID != 123 || orders[0].Cloid != "open-BTC-1" || orders[0].Symbol != "BTC" {
		t.Fatalf("unexpected order ref: %+v", orders[0])
	}
}

func TestFloatFromPath(t *testing.T) {
	payload := decode(t, `{"marginSummary": {"accountValue": "4567.89"}}`)
	if got := floatFromPath(payload, "marginSummary", "accountValue"); got != 4567.89 {
		t.Fatalf("expected 4567.89, got %v", got)
	}
	if got := floatFromPath(payload, "marginSummary", "missing"); got != 0 {
		t.Fatalf("expected 0 for missing path, got %v", got)
	}
}

func TestApplyFillsDedup(t *testing.T) {
	a := New(nil, nil, nil, "0xabc")
	fills := []Fill{
		{OrderID: 1, Asset: "BTC", Size: 0.02, Hash: "h1", TimeMS: 100},
		{OrderID: 1, Asset: "BTC", Size: 0.03, Hash: "h2", TimeMS: 101},
		{OrderID: 1, Asset: "BTC", Size: 0.02, Hash: "h1", TimeMS: 100},
	}
	a.applyFills(fills)
	a.applyFills(fills[:1])
	if got := a.FillSize(1); got != 0.05 {
		t.Fatalf("expected cumulative fill 0.05, got %v", got)
	}
	if got := a.FillSize(2); got != 0 {
		t.Fatalf("expected no fill for unknown order, got %v", got)
	}
}
