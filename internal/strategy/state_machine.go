package strategy

import "sync"

// StateMachine guards the engine lifecycle. Transitions not listed in
// nextState leave the state unchanged, so a stray event can never put
// the engine somewhere the table does not allow.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine(initial State) *StateMachine {
	if initial == "" {
		initial = StateStopped
	}
	return &StateMachine{state: initial}
}

// Reset forces the machine to a known state, bypassing the transition
// table. Only startup restore uses it.
func (s *StateMachine) Reset(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nextState(s.state, event)
	return s.state
}

func nextState(current State, event Event) State {
	switch current {
	case StateStopped:
		if event == EventStart {
			return StateScanning
		}
	case StateScanning:
		switch event {
		case EventOpen:
			return StateOpening
		case EventHold:
			return StateHolding
		case EventRotate:
			return StateRotating
		case EventClose:
			return StateClosing
		case EventFail:
			return StateError
		}
	case StateOpening:
		switch event {
		case EventHold:
			return StateHolding
		case EventRescan:
			return StateScanning
		case EventFail:
			return StateError
		}
	case StateHolding:
		switch event {
		case EventDrift:
			return StateRebalancing
		case EventRotate:
			return StateRotating
		case EventClose:
			return StateClosing
		case EventFail:
			return StateError
		}
	case StateRebalancing:
		switch event {
		case EventSettled:
			return StateHolding
		case EventFail:
			return StateError
		}
	case StateRotating:
		switch event {
		case EventHold:
			return StateHolding
		case EventRescan:
			return StateScanning
		case EventFail:
			return StateError
		}
	case StateClosing:
		switch event {
		case EventStopped:
			return StateStopped
		case EventFail:
			return StateError
		}
	case StateError:
		switch event {
		case EventStart, EventRescan:
			return StateScanning
		case EventStopped:
			return StateStopped
		}
	}
	return current
}
