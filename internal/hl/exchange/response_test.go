package exchange

import (
	"encoding/json"
	"testing"
)

func decodeResp(t *testing.T, raw string) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return resp
}

func TestParsePlaceResponseFilled(t *testing.T) {
	resp := decodeResp(t, `{
		"status": "ok",
		"response": {"data": {"statuses": [
			{"filled": {"oid": 1234, "totalSz": "0.07", "avgPx": "100000.0"}}
		]}}
	}`)
	result, err := ParsePlaceResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OrderID != 1234 || result.FilledSize != 0.07 || result.Resting {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestParsePlaceResponseResting(t *testing.T) {
	resp := decodeResp(t, `{
		"status": "ok",
		"response": {"data": {"statuses": [
			{"resting": {"oid": 5678}}
		]}}
	}`)
	result, err := ParsePlaceResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.OrderID != 5678 || !result.Resting {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestParsePlaceResponseOrderError(t *testing.T) {
	resp := decodeResp(t, `{
		"status": "ok",
		"response": {"data": {"statuses": [
			{"error": "Insufficient margin to place order."}
		]}}
	}`)
	result, err := ParsePlaceResponse(resp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ErrMsg == "" {
		t.Fatalf("expected error message, got %+v", result)
	}
}

func TestParsePlaceResponseBadStatus(t *testing.T) {
	if _, err := ParsePlaceResponse(decodeResp(t, `{"status": "err"}`)); err == nil {
		t.Fatalf("expected error for non-ok status")
	}
	if _, err := ParsePlaceResponse(decodeResp(t, `{"status": "ok", "response": {"data": {"statuses": []}}}`)); err == nil {
		t.Fatalf("expected error for empty statuses")
	}
}

func TestParseCancelResponse(t *testing.T) {
	ok := decodeResp(t, `{"status": "ok", "response": {"data": {"statuses": ["success"]}}}`)
	if err := ParseCancelResponse(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	failed := decodeResp(t, `{"status": "ok", "response": {"data": {"statuses": [{"error": "Order already canceled"}]}}}`)
	if err := ParseCancelResponse(failed); err == nil {
		t.Fatalf("expected cancel error")
	}
}
