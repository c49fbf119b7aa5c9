package mode

import (
	"errors"
	"testing"

	"github.com/ent0n29/convmode/internal/events"
)

func newTestMachine(t *testing.T) (*Machine, *events.Subscription) {
	t.Helper()
	bus := events.NewBus(events.Options{})
	sub := bus.Subscribe(events.KindModeChanged)
	t.Cleanup(sub.Close)
	return NewMachine(bus, Options{}), sub
}

func drainChanges(sub *events.Subscription) []Change {
	var out []Change
	for {
		select {
		case evt := <-sub.Events():
			c, _ := events.PayloadAs[Change](evt)
			out = append(out, c)
		default:
			return out
		}
	}
}

func TestMachineFullVoiceCycle(t *testing.T) {
	m, sub := newTestMachine(t)
	steps := []struct {
		ev   Event
		want State
	}{
		{EventActivateVoice, StateInitializing},
		{EventReady, StateActive},
		{EventStartProcessing, StateProcessing},
		{EventStopProcessing, StateActive},
		{EventStartProcessing, StateProcessing},
		{EventDeactivateVoice, StateTransitioningToText},
		{EventComplete, StateIdle},
	}
	for _, step := range steps {
		res := m.Transition(step.ev, Payload{})
		if !res.Accepted {
			t.Fatalf("Transition(%s) rejected from %s", step.ev, res.From)
		}
		if got := m.Current(); got != step.want {
			t.Fatalf("after %s state = %s, want %s", step.ev, got, step.want)
		}
	}

	changes := drainChanges(sub)
	if len(changes) != len(steps) {
		t.Fatalf("notifications = %d, want %d", len(changes), len(steps))
	}
	for i, c := range changes {
		if c.Previous == c.Next {
			t.Fatalf("change %d repeats state %s", i, c.Next)
		}
		if i > 0 && changes[i-1].Next != c.Previous {
			t.Fatalf("change %d previous = %s, want %s", i, c.Previous, changes[i-1].Next)
		}
	}
}

func TestMachineRejectsIllegalEventsSilently(t *testing.T) {
	m, sub := newTestMachine(t)
	cases := []Event{EventReady, EventStartProcessing, EventStopProcessing, EventDeactivateVoice, EventComplete, EventReset}
	for _, ev := range cases {
		res := m.Transition(ev, Payload{})
		if res.Accepted {
			t.Fatalf("Transition(%s) accepted in idle", ev)
		}
		if !errors.Is(res.Err(), ErrTransitionRejected) {
			t.Fatalf("Err() = %v, want ErrTransitionRejected", res.Err())
		}
		if res.To != StateIdle {
			t.Fatalf("rejected result To = %s, want idle", res.To)
		}
	}
	if got := m.Current(); got != StateIdle {
		t.Fatalf("state = %s, want idle", got)
	}
	if changes := drainChanges(sub); len(changes) != 0 {
		t.Fatalf("rejected events produced notifications: %+v", changes)
	}
}

func TestMachineSecondActivateIsRejected(t *testing.T) {
	m, _ := newTestMachine(t)
	if res := m.Transition(EventActivateVoice, Payload{}); !res.Accepted {
		t.Fatalf("first activate rejected")
	}
	if res := m.Transition(EventActivateVoice, Payload{}); res.Accepted {
		t.Fatalf("second activate accepted while initializing")
	}
	if ep := m.Episode(); ep != 1 {
		t.Fatalf("Episode() = %d, want 1", ep)
	}
}

func TestMachineFaultFromAnyStateAndExplicitReset(t *testing.T) {
	for _, setup := range [][]Event{
		nil,
		{EventActivateVoice},
		{EventActivateVoice, EventReady},
		{EventActivateVoice, EventReady, EventStartProcessing},
		{EventActivateVoice, EventReady, EventDeactivateVoice},
	} {
		m, _ := newTestMachine(t)
		for _, ev := range setup {
			m.Transition(ev, Payload{})
		}
		res := m.Transition(EventFault, Payload{Err: errors.New("stt disconnected")})
		if !res.Accepted || res.To != StateError {
			t.Fatalf("fault after %v = %+v, want accepted error", setup, res)
		}
		if got := m.Snapshot().LastError; got != "stt disconnected" {
			t.Fatalf("LastError = %q", got)
		}
		if res := m.Transition(EventFault, Payload{}); res.Accepted {
			t.Fatalf("fault accepted while already in error")
		}
		if res := m.Transition(EventActivateVoice, Payload{}); res.Accepted {
			t.Fatalf("activate accepted in error; only reset may leave error")
		}
		if res := m.Transition(EventReset, Payload{}); !res.Accepted || res.To != StateIdle {
			t.Fatalf("reset = %+v, want idle", res)
		}
		if got := m.Snapshot().LastError; got != "" {
			t.Fatalf("LastError after reset = %q, want empty", got)
		}
	}
}

func TestMachineNotifiesBeforeEffects(t *testing.T) {
	bus := events.NewBus(events.Options{})
	sub := bus.Subscribe(events.KindModeChanged)
	defer sub.Close()
	m := NewMachine(bus, Options{})

	var seenBeforeEffect []uint64
	dispose := m.OnTransition(func(c Change) {
		select {
		case evt := <-sub.Events():
			seenBeforeEffect = append(seenBeforeEffect, evt.Seq)
		default:
			t.Errorf("effect for %s ran before notification was published", c.Next)
		}
	})
	m.Transition(EventActivateVoice, Payload{})
	m.Transition(EventReady, Payload{})
	dispose()
	m.Transition(EventDeactivateVoice, Payload{})

	if len(seenBeforeEffect) != 2 {
		t.Fatalf("effect runs = %d, want 2 (disposed before third transition)", len(seenBeforeEffect))
	}
}

func TestStatePredicates(t *testing.T) {
	if !StateProcessing.VoiceActive() || !StateInitializing.VoiceActive() {
		t.Fatalf("processing/initializing should be voice active")
	}
	if StateTransitioningToText.VoiceActive() || StateError.VoiceActive() || StateIdle.VoiceActive() {
		t.Fatalf("unexpected voice active state")
	}
	if StateInitializing.Listening() || !StateActive.Listening() {
		t.Fatalf("Listening() mismatch")
	}
}
