package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced    Counter
	OrdersFailed    Counter
	PositionsOpened Counter
	PositionsClosed Counter
	Rotations       Counter
	Rebalances      Counter
	Compensations   Counter
	RiskBreaches    Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:    n,
		OrdersFailed:    n,
		PositionsOpened: n,
		PositionsClosed: n,
		Rotations:       n,
		Rebalances:      n,
		Compensations:   n,
		RiskBreaches:    n,
	}
}
