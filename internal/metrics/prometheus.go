package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_delta_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	ordersPlaced := newCounter("orders_placed_total", "Total number of orders placed.")
	ordersFailed := newCounter("orders_failed_total", "Total number of order placement failures.")
	positionsOpened := newCounter("positions_opened_total", "Total number of delta-neutral pairs opened.")
	positionsClosed := newCounter("positions_closed_total", "Total number of delta-neutral pairs closed.")
	rotations := newCounter("rotations_total", "Total number of rotations to a better-funded coin.")
	rebalances := newCounter("rebalances_total", "Total number of drift-corrective rebalances.")
	compensations := newCounter("compensations_total", "Total number of one-sided legs compensated after a failed pair open.")
	riskBreaches := newCounter("risk_breaches_total", "Total number of forced closes from risk limit breaches.")

	return &Prometheus{
		Metrics: &Metrics{
			OrdersPlaced:    promCounter{ordersPlaced},
			OrdersFailed:    promCounter{ordersFailed},
			PositionsOpened: promCounter{positionsOpened},
			PositionsClosed: promCounter{positionsClosed},
			Rotations:       promCounter{rotations},
			Rebalances:      promCounter{rebalances},
			Compensations:   promCounter{compensations},
			RiskBreaches:    promCounter{riskBreaches},
		},
		registry: registry,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
