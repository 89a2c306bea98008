package exec

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"hl-delta-bot/internal/state"

	"go.uber.org/zap"
)

// ErrOrderTimeout marks an order that never reached a terminal state
// within the configured budget. The order is canceled before this is
// returned; any fill accumulated so far stays on the ManagedOrder.
var ErrOrderTimeout = errors.New("order timed out")

// ErrNoFill marks an order the venue closed without executing anything,
// typically a cancel or expiry on the venue side. The leg did not trade
// and callers must not treat it as settled.
var ErrNoFill = errors.New("order closed with no fill")

type Market string

const (
	MarketSpot Market = "spot"
	MarketPerp Market = "perp"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type Order struct {
	Symbol        string
	Market        Market
	Side          Side
	Size          float64
	ReduceOnly    bool
	ClientOrderID string
}

// Placement is the venue's synchronous answer to a submit.
type Placement struct {
	OrderID    int64
	FilledSize float64
	Resting    bool
}

// Status is the venue's asynchronous view of a resting order.
type Status struct {
	FilledSize float64
	Terminal   bool
}

// Venue is the slice of the exchange the executor needs. The engine
// adapts the signed exchange client and account reads onto it.
type Venue interface {
	PlaceOrder(ctx context.Context, order Order) (Placement, error)
	OrderStatus(ctx context.Context, order Order, orderID int64) (Status, error)
	CancelOrder(ctx context.Context, order Order, orderID int64) error
}

type OrderState string

const (
	OrderSubmitted OrderState = "SUBMITTED"
	OrderFilled    OrderState = "FILLED"
	OrderPartial   OrderState = "PARTIAL"
	OrderCanceled  OrderState = "CANCELED"
	OrderTimedOut  OrderState = "TIMED_OUT"
)

// ManagedOrder is the executor's record of one order. FilledSize is
// what downstream reconciliation uses, never the requested size.
type ManagedOrder struct {
	Order      Order
	OrderID    int64
	FilledSize float64
	State      OrderState
}

const (
	pollInitialBackoff = 200 * time.Millisecond
	pollMaxBackoff     = 5 * time.Second
	partialFillGrace   = 15 * time.Second
	submitAttempts     = 5
)

type Executor struct {
	venue Venue
	store state.Store
	log   *zap.Logger

	mu    sync.Mutex
	cache map[string]int64
}

func New(venue Venue, store state.Store, log *zap.Logger) *Executor {
	return &Executor{
		venue: venue,
		store: store,
		log:   log,
		cache: make(map[string]int64),
	}
}

// Submit places an order, retrying transient failures. The client
// order id doubles as an idempotency key: a retried submit after a
// network timeout resolves to the already-placed order instead of
// placing a second one.
func (e *Executor) Submit(ctx context.Context, order Order) (*ManagedOrder, error) {
	if order.ClientOrderID != "" {
		if oid, ok, err := e.cachedOrderID(ctx, order.ClientOrderID); err != nil {
			return nil, err
		} else if ok {
			e.log.Info("submit resolved from idempotency cache",
				zap.String("cloid", order.ClientOrderID), zap.Int64("oid", oid))
			return &ManagedOrder{Order: order, OrderID: oid, State: OrderSubmitted}, nil
		}
	}
	var placement Placement
	err := e.retry(ctx, func() error {
		var err error
		placement, err = e.venue.PlaceOrder(ctx, order)
		return err
	})
	if err != nil {
		return nil, err
	}
	if order.ClientOrderID != "" {
		e.rememberOrderID(ctx, order.ClientOrderID, placement.OrderID)
	}
	managed := &ManagedOrder{
		Order:      order,
		OrderID:    placement.OrderID,
		FilledSize: placement.FilledSize,
		State:      OrderSubmitted,
	}
	if !placement.Resting {
		managed.State = OrderFilled
	}
	return managed, nil
}

// Await polls a resting order until it fills, stalls, or runs out of
// time. A partial fill that makes no progress for the grace period is
// accepted as terminal after the remainder is canceled. An order that
// never fills within the timeout is canceled and reported as
// ErrOrderTimeout; one the venue closes with nothing filled is reported
// as ErrNoFill.
func (e *Executor) Await(ctx context.Context, managed *ManagedOrder, timeout time.Duration) error {
	if managed.State == OrderFilled {
		return nil
	}
	deadline := time.Now().Add(timeout)
	backoff := pollInitialBackoff
	lastProgress := time.Now()
	for {
		status, err := e.venue.OrderStatus(ctx, managed.Order, managed.OrderID)
		if err != nil {
			e.log.Debug("order status poll failed", zap.Int64("oid", managed.OrderID), zap.Error(err))
		} else {
			if status.FilledSize > managed.FilledSize {
				managed.FilledSize = status.FilledSize
				lastProgress = time.Now()
			}
			if status.Terminal || managed.FilledSize >= managed.Order.Size {
				if managed.FilledSize <= 0 {
					managed.State = OrderCanceled
					return fmt.Errorf("order %d for %s %s: %w",
						managed.OrderID, managed.Order.Symbol, managed.Order.Market, ErrNoFill)
				}
				managed.State = OrderFilled
				if managed.FilledSize < managed.Order.Size {
					managed.State = OrderPartial
				}
				return nil
			}
			if managed.FilledSize > 0 && time.Since(lastProgress) > partialFillGrace {
				e.log.Warn("partial fill stalled, canceling remainder",
					zap.Int64("oid", managed.OrderID),
					zap.Float64("filled", managed.FilledSize),
					zap.Float64("requested", managed.Order.Size))
				_ = e.Cancel(ctx, managed)
				managed.State = OrderPartial
				return nil
			}
		}
		if time.Now().After(deadline) {
			_ = e.Cancel(ctx, managed)
			managed.State = OrderTimedOut
			return fmt.Errorf("order %d for %s %s: %w",
				managed.OrderID, managed.Order.Symbol, managed.Order.Market, ErrOrderTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > pollMaxBackoff {
			backoff = pollMaxBackoff
		}
	}
}

func (e *Executor) Cancel(ctx context.Context, managed *ManagedOrder) error {
	err := e.retry(ctx, func() error {
		return e.venue.CancelOrder(ctx, managed.Order, managed.OrderID)
	})
	if err != nil {
		return err
	}
	if managed.State == OrderSubmitted {
		managed.State = OrderCanceled
	}
	return nil
}

func (e *Executor) cachedOrderID(ctx context.Context, cloid string) (int64, bool, error) {
	key := "cloid:" + cloid
	e.mu.Lock()
	if oid, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return oid, true, nil
	}
	e.mu.Unlock()
	if e.store == nil {
		return 0, false, nil
	}
	raw, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	oid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	e.mu.Lock()
	e.cache[key] = oid
	e.mu.Unlock()
	return oid, true, nil
}

func (e *Executor) rememberOrderID(ctx context.Context, cloid string, oid int64) {
	key := "cloid:" + cloid
	if e.store != nil {
		if err := e.store.Set(ctx, key, strconv.FormatInt(oid, 10)); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[key] = oid
	e.mu.Unlock()
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := pollInitialBackoff
	var lastErr error
	for attempt := 0; attempt < submitAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("retry budget exhausted: %w", lastErr)
}
