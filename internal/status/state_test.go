package status

import (
	"testing"
	"time"

	"github.com/matheus3301/chatlink/internal/model"
)

func TestInitialState(t *testing.T) {
	s := Initial()
	if s.State != model.Disconnected || s.Stopped || s.Failures != 0 {
		t.Errorf("Initial() = %+v, want clean DISCONNECTED", s)
	}
}

func TestHappyPath(t *testing.T) {
	p := DefaultPolicy()
	s, eff := Transition(Initial(), Connect, p)
	if s.State != model.Connecting {
		t.Fatalf("state = %s, want CONNECTING", s.State)
	}
	if !hasEffect(eff, Dial) {
		t.Errorf("effects = %v, want Dial", eff)
	}
	s, _ = Transition(s, Dialed, p)
	if s.State != model.Connected {
		t.Errorf("state = %s, want CONNECTED", s.State)
	}
}

// TestBackoffSequence drives consecutive failures and checks the delays
// handed to the scheduler, then that the sixth failure schedules nothing.
func TestBackoffSequence(t *testing.T) {
	p := DefaultPolicy()
	s, _ := Transition(Initial(), Connect, p)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		var eff []Effect
		s, eff = Transition(s, DialFailed, p)
		if s.State != model.Disconnected {
			t.Fatalf("failure %d: state = %s, want DISCONNECTED", i+1, s.State)
		}
		got, ok := retryDelay(eff)
		if !ok || got != w {
			t.Fatalf("failure %d: retry delay = %v (scheduled=%v), want %v", i+1, got, ok, w)
		}
		s, eff = Transition(s, Retry, p)
		if s.State != model.Connecting || !hasEffect(eff, Dial) {
			t.Fatalf("retry %d: state = %s effects = %v", i+1, s.State, eff)
		}
	}

	s, eff := Transition(s, DialFailed, p)
	if s.State != model.Error {
		t.Errorf("state after 6th failure = %s, want ERROR", s.State)
	}
	if _, ok := retryDelay(eff); ok {
		t.Error("6th failure scheduled a retry; policy should be exhausted")
	}

	// A stray timer must not revive an exhausted client.
	s, eff = Transition(s, Retry, p)
	if s.State != model.Error || len(eff) != 0 {
		t.Errorf("Retry from ERROR: state = %s effects = %v", s.State, eff)
	}

	// Only an explicit Connect leaves ERROR, with a fresh budget.
	s, _ = Transition(s, Connect, p)
	if s.State != model.Connecting || s.Failures != 0 {
		t.Errorf("Connect from ERROR = %+v", s)
	}
}

func TestDelayCappedAtMax(t *testing.T) {
	p := DefaultPolicy()
	p.MaxRetries = 10
	d, ok := p.Delay(8)
	if !ok || d != 30*time.Second {
		t.Errorf("Delay(8) = %v, %v; want 30s capped", d, ok)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	p := DefaultPolicy()
	s := walkTo(t, model.Connecting, p)
	s, _ = Transition(s, DialFailed, p)
	s, _ = Transition(s, DialFailed, p) // ignored: not connecting
	if s.Failures != 1 {
		t.Fatalf("failures = %d, want 1", s.Failures)
	}
	s, _ = Transition(s, Retry, p)
	s, _ = Transition(s, Dialed, p)
	s, eff := Transition(s, Lost, p)
	if d, _ := retryDelay(eff); d != time.Second {
		t.Errorf("delay after loss of a fresh connection = %v, want 1s", d)
	}
}

func TestDisconnectIsTerminal(t *testing.T) {
	p := DefaultPolicy()
	s := walkTo(t, model.Connected, p)

	s, eff := Transition(s, Disconnect, p)
	if s.State != model.Disconnected || !s.Stopped {
		t.Fatalf("after Disconnect = %+v", s)
	}
	if !hasEffect(eff, CancelRetry) || !hasEffect(eff, CloseConn) {
		t.Errorf("effects = %v, want CancelRetry+CloseConn", eff)
	}

	for _, ev := range []Event{Retry, Nudge, Lost, DialFailed, AuthMissing} {
		next, eff := Transition(s, ev, p)
		if next != s || len(eff) != 0 {
			t.Errorf("%s after Disconnect: %+v %v, want no-op", ev, next, eff)
		}
	}

	// A dial that completes after Disconnect is closed, not adopted.
	next, eff := Transition(s, Dialed, p)
	if next.State != model.Disconnected || !hasEffect(eff, CloseConn) {
		t.Errorf("late Dialed: %+v %v", next, eff)
	}

	s, _ = Transition(s, Connect, p)
	if s.Stopped || s.State != model.Connecting {
		t.Errorf("Connect after Disconnect = %+v", s)
	}
}

func TestAuthMissingSchedulesNothing(t *testing.T) {
	p := DefaultPolicy()
	s := walkTo(t, model.Connecting, p)
	s, eff := Transition(s, AuthMissing, p)
	if s.State != model.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", s.State)
	}
	if _, ok := retryDelay(eff); ok {
		t.Error("AuthMissing scheduled a retry")
	}
}

func TestNudge(t *testing.T) {
	p := DefaultPolicy()

	s, eff := Transition(walkTo(t, model.Connected, p), Nudge, p)
	if s.State != model.Connecting || !hasEffect(eff, CloseConn) || !hasEffect(eff, Dial) {
		t.Errorf("Nudge from CONNECTED: %+v %v", s, eff)
	}

	s, eff = Transition(walkTo(t, model.Connecting, p), Nudge, p)
	if len(eff) != 0 {
		t.Errorf("Nudge while CONNECTING should be a no-op, got %v", eff)
	}

	waiting, _ := Transition(walkTo(t, model.Connecting, p), DialFailed, p)
	s, eff = Transition(waiting, Nudge, p)
	if s.State != model.Connecting || !hasEffect(eff, CancelRetry) {
		t.Errorf("Nudge while waiting for retry: %+v %v", s, eff)
	}
}

// TestTransitionsStayLegal feeds every event to every reachable state and
// checks the result against validTransitions.
func TestTransitionsStayLegal(t *testing.T) {
	p := DefaultPolicy()
	events := []Event{Connect, Retry, Nudge, Dialed, DialFailed, Lost, AuthMissing, Disconnect}
	starts := []Snapshot{
		Initial(),
		walkTo(t, model.Connecting, p),
		walkTo(t, model.Connected, p),
		walkTo(t, model.Error, p),
		{State: model.Disconnected, Stopped: true},
	}
	for _, s := range starts {
		for _, ev := range events {
			next, _ := Transition(s, ev, p)
			if !Allowed(s.State, next.State) {
				t.Errorf("%s --%s--> %s is not a valid transition", s.State, ev, next.State)
			}
		}
	}
}

// walkTo drives a fresh machine to the target state.
func walkTo(t *testing.T, target model.ConnectionState, p Policy) Snapshot {
	t.Helper()
	s := Initial()
	paths := map[model.ConnectionState][]Event{
		model.Disconnected: {},
		model.Connecting:   {Connect},
		model.Connected:    {Connect, Dialed},
		model.Error:        {Connect, DialFailed, Retry, DialFailed, Retry, DialFailed, Retry, DialFailed, Retry, DialFailed, Retry, DialFailed},
	}
	evs, ok := paths[target]
	if !ok {
		t.Fatalf("walkTo(%s): no path", target)
	}
	for _, ev := range evs {
		s, _ = Transition(s, ev, p)
	}
	if s.State != target {
		t.Fatalf("walkTo(%s): ended in %s", target, s.State)
	}
	return s
}

func hasEffect(eff []Effect, k EffectKind) bool {
	for _, e := range eff {
		if e.Kind == k {
			return true
		}
	}
	return false
}

func retryDelay(eff []Effect) (time.Duration, bool) {
	for _, e := range eff {
		if e.Kind == ScheduleRetry {
			return e.Delay, true
		}
	}
	return 0, false
}
