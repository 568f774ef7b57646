package status

import (
	"slices"
	"time"

	"github.com/matheus3301/chatlink/internal/model"
)

// Event is an input to the connection state machine.
type Event int

const (
	// Connect is an explicit request from the user or the session. It is
	// the only event that leaves ERROR or a stopped client.
	Connect Event = iota
	// Retry fires when a scheduled reconnect timer expires.
	Retry
	// Nudge asks for one immediate reconnect, e.g. after a failed publish.
	Nudge
	// Dialed reports that the broker acknowledged the STOMP CONNECT.
	Dialed
	// DialFailed reports that a connect attempt failed.
	DialFailed
	// Lost reports that an established connection went away.
	Lost
	// AuthMissing reports that no token was available for the attempt.
	AuthMissing
	// Disconnect is an explicit shutdown; no automatic reconnect follows.
	Disconnect
)

var eventNames = [...]string{"Connect", "Retry", "Nudge", "Dialed", "DialFailed", "Lost", "AuthMissing", "Disconnect"}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "Event(?)"
}

// EffectKind names a side effect the client must carry out after a
// transition.
type EffectKind int

const (
	Dial EffectKind = iota
	ScheduleRetry
	CancelRetry
	CloseConn
)

// Effect is one side effect. Delay is set for ScheduleRetry.
type Effect struct {
	Kind  EffectKind
	Delay time.Duration
}

// Snapshot is the complete machine state.
type Snapshot struct {
	State model.ConnectionState
	// Failures counts consecutive failed attempts since the last
	// successful connect.
	Failures int
	// Stopped is set by Disconnect and cleared by Connect.
	Stopped bool
}

// Initial is the state of a client that has never connected.
func Initial() Snapshot {
	return Snapshot{State: model.Disconnected}
}

// Exhausted reports whether the reconnect budget is spent.
func (s Snapshot) Exhausted() bool {
	return s.State == model.Error
}

// validTransitions defines allowed state changes. Self-transitions are
// always allowed and are not listed.
var validTransitions = map[model.ConnectionState][]model.ConnectionState{
	model.Disconnected: {model.Connecting},
	model.Connecting:   {model.Connected, model.Disconnected, model.Error},
	model.Connected:    {model.Connecting, model.Disconnected, model.Error},
	model.Error:        {model.Connecting, model.Disconnected},
}

// Allowed reports whether from -> to is a legal state change.
func Allowed(from, to model.ConnectionState) bool {
	return from == to || slices.Contains(validTransitions[from], to)
}

// Transition is the pure connection state machine. It never blocks and
// never touches timers or sockets; the caller executes the returned
// effects in order.
func Transition(s Snapshot, ev Event, p Policy) (Snapshot, []Effect) {
	switch ev {
	case Connect:
		if !s.Stopped && (s.State == model.Connecting || s.State == model.Connected) {
			return s, nil
		}
		return Snapshot{State: model.Connecting}, []Effect{{Kind: CancelRetry}, {Kind: Dial}}

	case Retry:
		if s.Stopped || s.State != model.Disconnected {
			return s, nil
		}
		s.State = model.Connecting
		return s, []Effect{{Kind: Dial}}

	case Nudge:
		if s.Stopped {
			return s, nil
		}
		switch s.State {
		case model.Connected:
			s.State = model.Connecting
			return s, []Effect{{Kind: CloseConn}, {Kind: Dial}}
		case model.Disconnected:
			s.State = model.Connecting
			return s, []Effect{{Kind: CancelRetry}, {Kind: Dial}}
		}
		return s, nil

	case Dialed:
		if s.Stopped || s.State != model.Connecting {
			// A connection nobody is waiting for.
			return s, []Effect{{Kind: CloseConn}}
		}
		return Snapshot{State: model.Connected}, nil

	case DialFailed, Lost:
		if s.Stopped || (s.State != model.Connecting && s.State != model.Connected) {
			return s, nil
		}
		s.Failures++
		delay, ok := p.Delay(s.Failures)
		if !ok {
			s.State = model.Error
			return s, []Effect{{Kind: CloseConn}}
		}
		s.State = model.Disconnected
		return s, []Effect{{Kind: CloseConn}, {Kind: ScheduleRetry, Delay: delay}}

	case AuthMissing:
		if s.Stopped {
			return s, nil
		}
		return Snapshot{State: model.Disconnected}, []Effect{{Kind: CancelRetry}, {Kind: CloseConn}}

	case Disconnect:
		return Snapshot{State: model.Disconnected, Stopped: true}, []Effect{{Kind: CancelRetry}, {Kind: CloseConn}}
	}
	return s, nil
}

// StateChange is the payload delivered to state listeners and published
// on the bus.
type StateChange struct {
	From model.ConnectionState
	To   model.ConnectionState
	// Exhausted is set when To is ERROR because the reconnect budget ran out.
	Exhausted bool
}
