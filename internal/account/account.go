package account

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"

	"hl-delta-bot/internal/hl/rest"
	"hl-delta-bot/internal/hl/ws"

	"go.uber.org/zap"
)

const maxTrackedFills = 2000

// State is the venue-truth snapshot the engine reconciles against.
// PerpAccountValue is the margin account equity in USDC; SpotBalances
// holds token totals keyed by token name (USDC included).
type State struct {
	PerpAccountValue float64
	PerpWithdrawable float64
	SpotBalances     map[string]float64
	PerpPositions    map[string]float64
	OpenOrders       []OrderRef
}

// OrderRef identifies a resting order well enough to cancel it.
type OrderRef struct {
	OrderID int64
	Cloid   string
	Symbol  string
	Side    string
}

type Account struct {
	rest *rest.Client
	ws   *ws.Client
	log  *zap.Logger
	user string

	mu             sync.RWMutex
	state          State
	fillsByOrderID map[int64]float64
	fillOrder      []int64
	seenFillKeys   map[string]struct{}
	seenFillOrder  []string
}

func New(restClient *rest.Client, wsClient *ws.Client, log *zap.Logger, user string) *Account {
	return &Account{
		rest:           restClient,
		ws:             wsClient,
		log:            log,
		user:           strings.TrimSpace(user),
		fillsByOrderID: make(map[int64]float64),
		seenFillKeys:   make(map[string]struct{}),
	}
}

func (a *Account) User() string { return a.user }

// Reconcile queries both clearinghouses and the open-order book over
// REST and replaces the cached snapshot. This is the ground truth the
// engine trusts over anything it remembers.
func (a *Account) Reconcile(ctx context.Context) (*State, error) {
	if a.rest == nil {
		return nil, errors.New("rest client is required")
	}
	if a.user == "" {
		return nil, errors.New("account user is required")
	}
	spot, err := a.rest.Info(ctx, rest.InfoRequest{Type: "spotClearinghouseState", User: a.user})
	if err != nil {
		return nil, err
	}
	perp, err := a.rest.Info(ctx, rest.InfoRequest{Type: "clearinghouseState", User: a.user})
	if err != nil {
		return nil, err
	}
	orders, err := a.rest.InfoAny(ctx, rest.InfoRequest{Type: "openOrders", User: a.user})
	if err != nil {
		return nil, err
	}
	state := State{
		PerpAccountValue: floatFromPath(perp, "marginSummary", "accountValue"),
		PerpWithdrawable: floatOrZero(perp["withdrawable"]),
		SpotBalances:     parseBalances(spot),
		PerpPositions:    parsePositions(perp),
		OpenOrders:       parseOpenOrders(orders),
	}
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
	return &state, nil
}

// Start subscribes to userFills so order fill sizes accumulate without
// polling. The engine works without the socket; FillSize just stays
// empty and callers fall back to REST order status.
func (a *Account) Start(ctx context.Context) error {
	if a.ws == nil {
		return nil
	}
	if a.user == "" {
		return errors.New("account user is required for ws subscriptions")
	}
	if err := a.ws.Connect(ctx); err != nil {
		return err
	}
	sub := map[string]any{
		"method": "subscribe",
		"subscription": map[string]any{
			"type": "userFills",
			"user": a.user,
		},
	}
	if err := a.ws.Subscribe(ctx, sub); err != nil {
		return err
	}
	go func() {
		_ = a.ws.Run(ctx, a.handleMessage)
	}()
	return nil
}

func (a *Account) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyState(a.state)
}

// FillSize reports the cumulative absolute fill size observed for an
// order over the websocket.
func (a *Account) FillSize(orderID int64) float64 {
	if orderID == 0 {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fillsByOrderID[orderID]
}

func (a *Account) handleMessage(msg json.RawMessage) {
	var payload map[string]any
	if err := json.Unmarshal(msg, &payload); err != nil {
		if a.log != nil {
			a.log.Debug("account ws decode failed", zap.Error(err))
		}
		return
	}
	if stringFromAny(payload["channel"]) != "userFills" {
		return
	}
	a.applyFills(parseFills(payload["data"]))
}

func (a *Account) applyFills(fills []Fill) {
	if len(fills) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, fill := range fills {
		if fill.OrderID == 0 || fill.Size == 0 {
			continue
		}
		key := fill.Hash
		if key == "" {
			key = strconv.FormatInt(fill.OrderID, 10) + ":" + strconv.FormatInt(fill.TimeMS, 10) + ":" + strconv.FormatFloat(fill.Size, 'g', 12, 64)
		}
		if _, ok := a.seenFillKeys[key]; ok {
			continue
		}
		a.seenFillKeys[key] = struct{}{}
		a.seenFillOrder = append(a.seenFillOrder, key)
		if _, ok := a.fillsByOrderID[fill.OrderID]; !ok {
			a.fillOrder = append(a.fillOrder, fill.OrderID)
		}
		a.fillsByOrderID[fill.OrderID] += math.Abs(fill.Size)
	}
	if len(a.seenFillOrder) > maxTrackedFills {
		for _, key := range a.seenFillOrder[:len(a.seenFillOrder)-maxTrackedFills] {
			delete(a.seenFillKeys, key)
		}
		a.seenFillOrder = a.seenFillOrder[len(a.seenFillOrder)-maxTrackedFills:]
	}
	for len(a.fillOrder) > maxTrackedFills {
		delete(a.fillsByOrderID, a.fillOrder[0])
		a.fillOrder = a.fillOrder[1:]
	}
}

func parseBalances(payload map[string]any) map[string]float64 {
	balances := make(map[string]float64)
	if payload == nil {
		return balances
	}
	raw, ok := payload["balances"].([]any)
	if !ok {
		return balances
	}
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		token := stringFromAny(entry["coin"])
		if token == "" {
			token = stringFromAny(entry["token"])
		}
		if token == "" {
			continue
		}
		if val, ok := floatFromAny(entry["total"]); ok {
			balances[token] = val
		}
	}
	return balances
}

func parsePositions(payload map[string]any) map[string]float64 {
	positions := make(map[string]float64)
	if payload == nil {
		return positions
	}
	raw, ok := payload["assetPositions"].([]any)
	if !ok {
		return positions
	}
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		pos := entry
		if nested, ok := entry["position"].(map[string]any); ok {
			pos = nested
		}
		asset := stringFromAny(pos["coin"])
		if asset == "" {
			continue
		}
		if size, ok := floatFromAny(pos["szi"]); ok && size != 0 {
			positions[asset] = size
		}
	}
	return positions
}

func parseOpenOrders(payload any) []OrderRef {
	raw, ok := payload.([]any)
	if !ok {
		if m, ok := payload.(map[string]any); ok {
			raw, _ = m["orders"].([]any)
		}
	}
	if len(raw) == 0 {
		return nil
	}
	refs := make([]OrderRef, 0, len(raw))
	for _, item := range raw {
		order, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ref := OrderRef{
			OrderID: int64FromAny(order["oid"]),
			Cloid:   stringFromAny(order["cloid"]),
			Symbol:  stringFromAny(order["coin"]),
			Side:    stringFromAny(order["side"]),
		}
		if ref.OrderID == 0 && ref.Cloid == "" {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func copyState(state State) State {
	out := State{
		PerpAccountValue: state.PerpAccountValue,
		PerpWithdrawable: state.PerpWithdrawable,
		SpotBalances:     copyFloatMap(state.SpotBalances),
		PerpPositions:    copyFloatMap(state.PerpPositions),
	}
	if len(state.OpenOrders) > 0 {
		out.OpenOrders = append([]OrderRef(nil), state.OpenOrders...)
	}
	return out
}

func copyFloatMap(src map[string]float64) map[string]float64 {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func floatFromPath(payload map[string]any, keys ...string) float64 {
	current := payload
	for i, key := range keys {
		if current == nil {
			return 0
		}
		if i == len(keys)-1 {
			return floatOrZero(current[key])
		}
		next, ok := current[key].(map[string]any)
		if !ok {
			return 0
		}
		current = next
	}
	return 0
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case float64:
		return strconv.FormatFloat(val, 'f', 0, 64)
	case json.Number:
		return val.String()
	default:
		return ""
	}
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func floatOrZero(v any) float64 {
	if f, ok := floatFromAny(v); ok {
		return f
	}
	return 0
}

func int64FromAny(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	case json.Number:
		i, err := val.Int64()
		if err == nil {
			return i
		}
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err == nil {
			return i
		}
	}
	return 0
}
