package account

import (
	"context"
	"errors"
	"strings"
)

type Fill struct {
	OrderID int64
	Asset   string
	Side    string
	Size    float64
	Price   float64
	TimeMS  int64
	Hash    string
}

// OrderState is the venue's view of one order, fetched over REST.
type OrderState struct {
	Status     string
	FilledSize float64
	TotalSize  float64
}

func (s OrderState) Terminal() bool {
	switch strings.ToLower(s.Status) {
	case "open", "live", "pending", "":
		return false
	default:
		return true
	}
}

func (s OrderState) Filled() bool {
	return strings.ToLower(s.Status) == "filled"
}

func (a *Account) UserFillsByTime(ctx context.Context, startTimeMS, endTimeMS int64) ([]Fill, error) {
	if a.rest == nil {
		return nil, errors.New("rest client is required")
	}
	if a.user == "" {
		return nil, errors.New("account user is required")
	}
	if startTimeMS <= 0 {
		return nil, errors.New("start time must be > 0")
	}
	req := map[string]any{
		"type":      "userFillsByTime",
		"user":      a.user,
		"startTime": startTimeMS,
	}
	if endTimeMS > 0 {
		req["endTime"] = endTimeMS
	}
	resp, err := a.rest.InfoAny(ctx, req)
	if err != nil {
		return nil, err
	}
	return parseFills(resp), nil
}

// OrderStatus queries one order by exchange id. The orderStatus info
// endpoint reports original and remaining size; filled is the
// difference.
func (a *Account) OrderStatus(ctx context.Context, orderID int64) (OrderState, error) {
	if a.rest == nil {
		return OrderState{}, errors.New("rest client is required")
	}
	if a.user == "" {
		return OrderState{}, errors.New("account user is required")
	}
	resp, err := a.rest.Info(ctx, map[string]any{
		"type": "orderStatus",
		"user": a.user,
		"oid":  orderID,
	})
	if err != nil {
		return OrderState{}, err
	}
	return parseOrderStatus(resp)
}

func parseOrderStatus(payload map[string]any) (OrderState, error) {
	if payload == nil {
		return OrderState{}, errors.New("empty orderStatus response")
	}
	if stringFromAny(payload["status"]) == "unknownOid" {
		return OrderState{}, errors.New("order not found")
	}
	wrapper, ok := payload["order"].(map[string]any)
	if !ok {
		return OrderState{}, errors.New("orderStatus missing order")
	}
	state := OrderState{Status: stringFromAny(wrapper["status"])}
	if order, ok := wrapper["order"].(map[string]any); ok {
		state.TotalSize = floatOrZero(order["origSz"])
		remaining := floatOrZero(order["sz"])
		if state.TotalSize > 0 {
			state.FilledSize = state.TotalSize - remaining
		}
	}
	if state.Filled() && state.FilledSize == 0 {
		state.FilledSize = state.TotalSize
	}
	return state, nil
}

func parseFills(payload any) []Fill {
	if payload == nil {
		return nil
	}
	raw, ok := payload.([]any)
	if !ok {
		if m, ok := payload.(map[string]any); ok {
			if list, ok := m["fills"].([]any); ok {
				raw = list
			}
		}
	}
	if len(raw) == 0 {
		return nil
	}
	fills := make([]Fill, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fills = append(fills, Fill{
			OrderID: int64FromAny(entry["oid"]),
			Asset:   stringFromAny(entry["coin"]),
			Side:    stringFromAny(entry["side"]),
			Size:    floatOrZero(entry["sz"]),
			Price:   floatOrZero(entry["px"]),
			TimeMS:  int64FromAny(entry["time"]),
			Hash:    stringFromAny(entry["hash"]),
		})
	}
	return fills
}
