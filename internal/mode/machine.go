package mode

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/convmode/internal/events"
	"github.com/ent0n29/convmode/internal/logging"
	"github.com/ent0n29/convmode/internal/observability"
)

type State string

const (
	StateIdle                 State = "idle"
	StateInitializing         State = "initializing"
	StateActive               State = "active"
	StateProcessing           State = "processing"
	StateTransitioningToVoice State = "transitioning_to_voice"
	StateTransitioningToText  State = "transitioning_to_text"
	StateError                State = "error"
)

// VoiceActive reports whether the state belongs to a live voice episode.
func (s State) VoiceActive() bool {
	switch s {
	case StateInitializing, StateActive, StateProcessing, StateTransitioningToVoice:
		return true
	default:
		return false
	}
}

// Listening reports whether transcription input is accepted.
func (s State) Listening() bool {
	return s == StateActive || s == StateProcessing
}

type Event string

const (
	EventActivateVoice   Event = "activate_voice"
	EventReady           Event = "ready"
	EventStartProcessing Event = "start_processing"
	EventStopProcessing  Event = "stop_processing"
	EventDeactivateVoice Event = "deactivate_voice"
	EventComplete        Event = "complete"
	EventFault           Event = "fault"
	EventReset           Event = "reset"
)

var ErrTransitionRejected = errors.New("transition rejected")

// adjacency lists every legal edge except fault, which is accepted from any
// state other than error.
var adjacency = map[State]map[Event]State{
	StateIdle: {
		EventActivateVoice: StateInitializing,
	},
	StateInitializing: {
		EventReady: StateActive,
	},
	StateActive: {
		EventStartProcessing: StateProcessing,
		EventDeactivateVoice: StateTransitioningToText,
	},
	StateProcessing: {
		EventStopProcessing:  StateActive,
		EventDeactivateVoice: StateTransitioningToText,
	},
	StateTransitioningToText: {
		EventComplete: StateIdle,
	},
	StateError: {
		EventReset: StateIdle,
	},
}

func nextState(from State, ev Event) (State, bool) {
	if ev == EventFault {
		return StateError, from != StateError
	}
	to, ok := adjacency[from][ev]
	return to, ok
}

// ModeState is the single piece of shared mutable state of a coordinator.
type ModeState struct {
	Current        State     `json:"current"`
	Previous       State     `json:"previous"`
	TransitionedAt time.Time `json:"transitioned_at"`
	LastError      string    `json:"last_error,omitempty"`
	Episode        uint64    `json:"episode"`
}

// Payload carries optional event context.
type Payload struct {
	Reason string
	Err    error
}

// Change is the mode-changed notification payload.
type Change struct {
	Previous State     `json:"previous"`
	Next     State     `json:"next"`
	Event    Event     `json:"event"`
	At       time.Time `json:"at"`
	Episode  uint64    `json:"episode"`
	Reason   string    `json:"reason,omitempty"`
}

// Result describes the outcome of one Transition call. A rejected result is a
// normal return value, not an error.
type Result struct {
	Accepted bool      `json:"accepted"`
	Event    Event     `json:"event"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
	Episode  uint64    `json:"episode"`
}

// Err converts a rejected result into an ErrTransitionRejected error.
func (r Result) Err() error {
	if r.Accepted {
		return nil
	}
	return fmt.Errorf("%w: %s not allowed in %s", ErrTransitionRejected, r.Event, r.From)
}

type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Machine is the voice/text mode finite-state machine.
type Machine struct {
	mu         sync.Mutex
	state      ModeState
	bus        *events.Bus
	effects    map[int]func(Change)
	nextEffect int

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewMachine(bus *events.Bus, opts Options) *Machine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		state: ModeState{
			Current:        StateIdle,
			Previous:       StateIdle,
			TransitionedAt: opts.Now().UTC(),
		},
		bus:     bus,
		effects: make(map[int]func(Change)),
		logger:  logging.OrDiscard(opts.Logger).With("component", "mode"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
}

// Transition is the sole mutator of ModeState. On success it publishes exactly
// one mode-changed event and only then runs registered effects, in
// registration order, outside the machine lock.
func (m *Machine) Transition(ev Event, p Payload) Result {
	m.mu.Lock()
	from := m.state.Current
	to, ok := nextState(from, ev)
	now := m.now().UTC()
	if !ok {
		episode := m.state.Episode
		m.mu.Unlock()
		m.metrics.ObserveRejected(string(from), string(ev))
		m.logger.Debug("mode event rejected", "state", from, "event", ev)
		return Result{Event: ev, From: from, To: from, At: now, Episode: episode}
	}

	if ev == EventActivateVoice {
		m.state.Episode++
	}
	switch ev {
	case EventFault:
		m.state.LastError = p.Reason
		if p.Err != nil {
			m.state.LastError = p.Err.Error()
		}
	case EventReset:
		m.state.LastError = ""
	}
	m.state.Previous = from
	m.state.Current = to
	m.state.TransitionedAt = now

	change := Change{
		Previous: from,
		Next:     to,
		Event:    ev,
		At:       now,
		Episode:  m.state.Episode,
		Reason:   p.Reason,
	}
	if p.Err != nil && change.Reason == "" {
		change.Reason = p.Err.Error()
	}
	if m.bus != nil {
		m.bus.Publish(events.KindModeChanged, change)
	}
	effects := m.effectsLocked()
	m.mu.Unlock()

	m.metrics.ObserveTransition(string(from), string(to), string(ev))
	m.logger.Info("mode changed", "from", from, "to", to, "event", ev, "episode", change.Episode)

	for _, fn := range effects {
		fn(change)
	}
	return Result{Accepted: true, Event: ev, From: from, To: to, At: now, Episode: change.Episode}
}

// OnTransition registers an effect run after every accepted transition. The
// returned function removes it.
func (m *Machine) OnTransition(fn func(Change)) (dispose func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEffect++
	id := m.nextEffect
	m.effects[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.effects, id)
	}
}

func (m *Machine) effectsLocked() []func(Change) {
	if len(m.effects) == 0 {
		return nil
	}
	ids := make([]int, 0, len(m.effects))
	for id := range m.effects {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		out = append(out, m.effects[id])
	}
	return out
}

func (m *Machine) Snapshot() ModeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Current
}

func (m *Machine) Episode() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Episode
}

// CanTransition reports whether ev would be accepted right now.
func (m *Machine) CanTransition(ev Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := nextState(m.state.Current, ev)
	return ok
}
