package turn

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/convmode/internal/events"
	"github.com/ent0n29/convmode/internal/logging"
	"github.com/ent0n29/convmode/internal/mode"
	"github.com/ent0n29/convmode/internal/observability"
)

const (
	SpeakerNone  = "none"
	SpeakerHuman = "human"
)

const defaultSilenceTimeout = 1500 * time.Millisecond

var (
	// ErrOutputUnavailable means the mode gate is in a state where no
	// participant may produce output.
	ErrOutputUnavailable = errors.New("output unavailable in current mode")
	ErrFloorBusy         = errors.New("another agent holds the floor")
)

type Reason string

const (
	ReasonAgentOutputStarted Reason = "agent_output_started"
	ReasonAgentOutputEnded   Reason = "agent_output_ended"
	ReasonHumanSpeech        Reason = "human_speech"
	ReasonBargeIn            Reason = "barge_in"
	ReasonHumanTurnEnded     Reason = "human_turn_ended"
	ReasonSilenceTimeout     Reason = "silence_timeout"
	ReasonPolicyChanged      Reason = "policy_changed"
	ReasonReset              Reason = "reset"
)

// Gate exposes the mode the floor decisions depend on.
type Gate interface {
	Current() mode.State
}

type State struct {
	CurrentSpeaker   string    `json:"current_speaker"`
	TurnStartedAt    time.Time `json:"turn_started_at"`
	Interruptible    bool      `json:"interruptible"`
	HumanChannelOpen bool      `json:"human_channel_open"`
}

// Change is the turn-changed payload.
type Change struct {
	Previous      string    `json:"previous"`
	Current       string    `json:"current"`
	Reason        Reason    `json:"reason"`
	Interruptible bool      `json:"interruptible"`
	At            time.Time `json:"at"`
}

type Options struct {
	// SilenceTimeout releases a human floor that received no speech signal.
	SilenceTimeout time.Duration
	// Interruptible is the initial policy for agent turns.
	Interruptible bool

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Coordinator arbitrates who holds the floor. Human-turn assignment is
// idempotent so the several independent "human started talking" signals a
// voice pipeline produces never double-fire.
type Coordinator struct {
	mu     sync.Mutex
	state  State
	policy bool

	bus     *events.Bus
	gate    Gate
	silence time.Duration
	timer   *time.Timer
	gen     uint64

	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewCoordinator(bus *events.Bus, gate Gate, opts Options) *Coordinator {
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = defaultSilenceTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		state: State{
			CurrentSpeaker: SpeakerNone,
			Interruptible:  opts.Interruptible,
		},
		policy:  opts.Interruptible,
		bus:     bus,
		gate:    gate,
		silence: opts.SilenceTimeout,
		now:     opts.Now,
		logger:  logging.OrDiscard(opts.Logger).With("component", "turn"),
		metrics: opts.Metrics,
	}
}

func outputPossible(s mode.State) bool {
	switch s {
	case mode.StateIdle, mode.StateActive, mode.StateProcessing:
		return true
	default:
		return false
	}
}

func isAgent(speaker string) bool {
	return speaker != SpeakerNone && speaker != SpeakerHuman
}

// BeginAgentOutput hands the floor to agentID. A human holding the floor
// yields implicitly; another agent does not.
func (c *Coordinator) BeginAgentOutput(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !outputPossible(c.gate.Current()) {
		return ErrOutputUnavailable
	}
	switch prev := c.state.CurrentSpeaker; {
	case prev == agentID:
		return nil
	case isAgent(prev):
		return ErrFloorBusy
	}
	c.stopTimerLocked()
	c.state.Interruptible = c.policy
	c.state.HumanChannelOpen = c.policy && c.gate.Current().VoiceActive()
	c.assignLocked(agentID, ReasonAgentOutputStarted)
	return nil
}

// EndAgentOutput releases the floor held by agentID and re-opens the human
// channel when voice mode is active. It reports whether agentID held the floor.
func (c *Coordinator) EndAgentOutput(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.CurrentSpeaker != agentID || !isAgent(agentID) {
		return false
	}
	c.state.Interruptible = c.policy
	c.state.HumanChannelOpen = c.gate.Current().VoiceActive()
	c.assignLocked(SpeakerNone, ReasonAgentOutputEnded)
	return true
}

// HumanSpeech records a human speech signal. It returns whether the human
// holds the floor afterwards and, on barge-in, which agent was cut off.
func (c *Coordinator) HumanSpeech() (granted bool, interrupted string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.state.CurrentSpeaker
	switch {
	case current == SpeakerHuman:
		c.armTimerLocked()
		return true, ""
	case !c.gate.Current().Listening():
		return false, ""
	case isAgent(current) && !c.state.Interruptible:
		c.logger.Debug("human speech ignored while agent speaks", "agent_id", current)
		return false, ""
	}

	reason := ReasonHumanSpeech
	if isAgent(current) {
		reason = ReasonBargeIn
		interrupted = current
	}
	c.state.Interruptible = c.policy
	c.state.HumanChannelOpen = true
	c.assignLocked(SpeakerHuman, reason)
	c.armTimerLocked()
	return true, interrupted
}

// EndHumanTurn releases a human floor, e.g. once an utterance is committed.
func (c *Coordinator) EndHumanTurn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseHumanLocked(ReasonHumanTurnEnded)
}

func (c *Coordinator) releaseHumanLocked(reason Reason) bool {
	if c.state.CurrentSpeaker != SpeakerHuman {
		return false
	}
	c.stopTimerLocked()
	c.state.HumanChannelOpen = c.gate.Current().VoiceActive()
	c.assignLocked(SpeakerNone, reason)
	return true
}

// SetInterruptible changes the policy. An agent currently speaking picks it up
// immediately rather than at the next turn boundary.
func (c *Coordinator) SetInterruptible(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = v
	if c.state.Interruptible == v {
		return
	}
	c.state.Interruptible = v
	if isAgent(c.state.CurrentSpeaker) {
		c.state.HumanChannelOpen = v && c.gate.Current().VoiceActive()
		c.publishLocked(c.state.CurrentSpeaker, ReasonPolicyChanged)
	}
}

// Reset clears the floor and cancels the silence timer. The policy survives.
func (c *Coordinator) Reset(reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	c.gen++
	c.state.HumanChannelOpen = false
	c.state.Interruptible = c.policy
	if c.state.CurrentSpeaker == SpeakerNone {
		return
	}
	if reason == "" {
		reason = ReasonReset
	}
	c.assignLocked(SpeakerNone, reason)
}

func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Speaker() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.CurrentSpeaker
}

func (c *Coordinator) assignLocked(speaker string, reason Reason) {
	prev := c.state.CurrentSpeaker
	c.state.CurrentSpeaker = speaker
	c.state.TurnStartedAt = c.now().UTC()
	c.publishLocked(prev, reason)
}

func (c *Coordinator) publishLocked(prev string, reason Reason) {
	change := Change{
		Previous:      prev,
		Current:       c.state.CurrentSpeaker,
		Reason:        reason,
		Interruptible: c.state.Interruptible,
		At:            c.now().UTC(),
	}
	if c.bus != nil {
		c.bus.Publish(events.KindTurnChanged, change)
	}
	c.metrics.ObserveTurn(string(reason))
	c.logger.Debug("turn changed", "previous", prev, "current", change.Current, "reason", reason)
}

func (c *Coordinator) armTimerLocked() {
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(c.silence, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen {
			return
		}
		c.timer = nil
		c.releaseHumanLocked(ReasonSilenceTimeout)
	})
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
