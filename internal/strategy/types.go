package strategy

type State string

type Event string

const (
	StateStopped     State = "STOPPED"
	StateScanning    State = "SCANNING"
	StateOpening     State = "OPENING"
	StateHolding     State = "HOLDING"
	StateRebalancing State = "REBALANCING"
	StateRotating    State = "ROTATING"
	StateClosing     State = "CLOSING"
	StateError       State = "ERROR"
)

const (
	EventStart   Event = "START"
	EventOpen    Event = "OPEN"
	EventHold    Event = "HOLD"
	EventRotate  Event = "ROTATE"
	EventDrift   Event = "DRIFT"
	EventSettled Event = "SETTLED"
	EventClose   Event = "CLOSE"
	EventStopped Event = "STOPPED"
	EventFail    Event = "FAIL"
	EventRescan  Event = "RESCAN"
)

// Candidate is one coin's funding view as seen by the selector. Rates
// are annualized fractions; 0.12 means 12% a year paid to the short.
type Candidate struct {
	Symbol         string
	AnnualizedRate float64
	SpotPrice      float64
	PerpPrice      float64
}
