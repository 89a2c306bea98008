package exchange

import (
	"fmt"
	"strconv"
)

// PlaceResult is the decoded outcome of a single-order action.
type PlaceResult struct {
	OrderID    int64
	FilledSize float64
	Resting    bool
	ErrMsg     string
}

// ParsePlaceResponse extracts the first order status from an /exchange
// response. The venue answers with
// {"status":"ok","response":{"data":{"statuses":[{filled|resting|error}]}}}.
func ParsePlaceResponse(resp map[string]any) (PlaceResult, error) {
	status, _ := resp["status"].(string)
	if status != "ok" {
		return PlaceResult{}, fmt.Errorf("exchange response status %q", status)
	}
	entry, ok := firstStatus(resp)
	if !ok {
		return PlaceResult{}, fmt.Errorf("exchange response has no order statuses")
	}
	if msg, ok := entry["error"].(string); ok {
		return PlaceResult{ErrMsg: msg}, nil
	}
	if filled, ok := entry["filled"].(map[string]any); ok {
		oid, _ := intFromAny(filled["oid"])
		size, _ := floatFromAny(filled["totalSz"])
		return PlaceResult{OrderID: oid, FilledSize: size}, nil
	}
	if resting, ok := entry["resting"].(map[string]any); ok {
		oid, _ := intFromAny(resting["oid"])
		return PlaceResult{OrderID: oid, Resting: true}, nil
	}
	return PlaceResult{}, fmt.Errorf("unrecognized order status payload")
}

// ParseCancelResponse reports whether the first cancel status succeeded.
func ParseCancelResponse(resp map[string]any) error {
	status, _ := resp["status"].(string)
	if status != "ok" {
		return fmt.Errorf("exchange response status %q", status)
	}
	entry, ok := firstStatusAny(resp)
	if !ok {
		return fmt.Errorf("exchange response has no cancel statuses")
	}
	if s, ok := entry.(string); ok && s == "success" {
		return nil
	}
	if m, ok := entry.(map[string]any); ok {
		if msg, ok := m["error"].(string); ok {
			return fmt.Errorf("cancel failed: %s", msg)
		}
	}
	return nil
}

func firstStatus(resp map[string]any) (map[string]any, bool) {
	entry, ok := firstStatusAny(resp)
	if !ok {
		return nil, false
	}
	m, ok := entry.(map[string]any)
	return m, ok
}

func firstStatusAny(resp map[string]any) (any, bool) {
	response, ok := resp["response"].(map[string]any)
	if !ok {
		return nil, false
	}
	data, ok := response["data"].(map[string]any)
	if !ok {
		return nil, false
	}
	statuses, ok := data["statuses"].([]any)
	if !ok || len(statuses) == 0 {
		return nil, false
	}
	return statuses[0], true
}

func intFromAny(v any) (int64, bool) {
	switch val := v.(type) {
	case float64:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	case string:
		parsed, err := strconv.ParseInt(val, 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case string:
		parsed, err := strconv.ParseFloat(val, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
