// Package coordinator composes the conversation-mode components into one
// explicitly constructed context object. Every entry point is serialized on
// an operation lock, which stands in for a single-threaded event loop: state
// checked before an await is re-validated after it, since other entry points
// may have run in between.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/convmode/internal/brain"
	"github.com/ent0n29/convmode/internal/correlate"
	"github.com/ent0n29/convmode/internal/events"
	"github.com/ent0n29/convmode/internal/logging"
	"github.com/ent0n29/convmode/internal/mode"
	"github.com/ent0n29/convmode/internal/observability"
	"github.com/ent0n29/convmode/internal/session"
	"github.com/ent0n29/convmode/internal/transcript"
	"github.com/ent0n29/convmode/internal/turn"
)

var (
	ErrNotListening       = errors.New("voice mode is not listening")
	ErrNoAgents           = errors.New("no agents to respond")
	ErrUnknownUtterance   = errors.New("unknown utterance")
	ErrResponseDiscarded  = errors.New("response discarded: owning voice episode ended")
	ErrGenerationFailed   = errors.New("response generation failed")
	ErrFaulted            = errors.New("coordinator is in error state")
	ErrEpisodeInterrupted = errors.New("voice activation interrupted")
	ErrClosed             = errors.New("coordinator closed")
	ErrEmptyText          = errors.New("text is required")
)

// Error-reported codes.
const (
	CodeTransitionRejected        = "transition_rejected"
	CodeDuplicateSuppressed       = "duplicate_suppressed"
	CodeSessionCreationFailed     = "session_creation_failed"
	CodeResponseGenerationFailed  = "response_generation_failed"
	CodeDuplicateResponseRejected = "duplicate_response_rejected"
	CodeResponseDiscarded         = "response_discarded"
	CodePlaybackTimeout           = "playback_timeout"
)

// Generator is the model-invocation collaborator.
type Generator = brain.Generator

// ContextSource supplies the conversation history copied into new sessions.
type ContextSource interface {
	Snapshot(ctx context.Context, conversationID string, limit int) ([]session.ContextEntry, error)
}

type Options struct {
	ConversationID string
	Generator      Generator
	Context        ContextSource
	// Bus is created when nil and closed by Close.
	Bus *events.Bus

	Dedup      transcript.Options
	Turn       turn.Options
	Session    session.Options
	Correlator correlate.Options

	ContextFetchTimeout time.Duration
	ContextLimit        int
	// PlaybackTimeout releases the floor when a spoken response is never
	// acknowledged with PlaybackComplete.
	PlaybackTimeout time.Duration
	// AutoRespond triggers GenerateResponses for every committed utterance.
	AutoRespond   bool
	DefaultAgents []string
	// GenerationConcurrency bounds parallel per-agent generation.
	GenerationConcurrency int

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Response is one agent reply for one utterance.
type Response struct {
	ID           string     `json:"response_id"`
	UtteranceID  string     `json:"utterance_id"`
	AgentID      string     `json:"agent_id"`
	SessionID    string     `json:"session_id,omitempty"`
	Text         string     `json:"text"`
	Mode         mode.State `json:"mode"`
	Episode      uint64     `json:"episode"`
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt time.Time  `json:"dispatched_at,omitempty"`
}

type AgentFailure struct {
	AgentID string `json:"agent_id"`
	Error   string `json:"error"`
}

// ResponseSet is the outcome of one GenerateResponses call.
type ResponseSet struct {
	UtteranceID string         `json:"utterance_id"`
	Responses   []Response     `json:"responses"`
	Failures    []AgentFailure `json:"failures,omitempty"`
	Discarded   bool           `json:"discarded,omitempty"`
}

type Snapshot struct {
	ConversationID  string                 `json:"conversation_id"`
	Mode            mode.ModeState         `json:"mode"`
	Turn            turn.State             `json:"turn"`
	Sessions        []session.AgentSession `json:"sessions"`
	Agents          []string               `json:"agents"`
	QueuedResponses int                    `json:"queued_responses"`
	Speaking        *Response              `json:"speaking,omitempty"`
	LastSeq         uint64                 `json:"last_seq"`
}

type Coordinator struct {
	id   string
	opts Options

	// op serializes entry points. Machine effects and component hooks run
	// while it is held and never take it themselves.
	op sync.Mutex

	bus        *events.Bus
	ownsBus    bool
	machine    *mode.Machine
	dedup      *transcript.Deduplicator
	turns      *turn.Coordinator
	sessions   *session.Registry
	correlator *correlate.Correlator
	gen        Generator
	ctxSrc     ContextSource

	// guarded by mu
	mu         sync.Mutex
	agents     []string
	queue      []Response
	speaking   *Response
	playback   *time.Timer
	pendingGen int
	closed     bool

	baseCtx  context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	disposer []func()

	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
}

func New(opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ContextFetchTimeout <= 0 {
		opts.ContextFetchTimeout = 350 * time.Millisecond
	}
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = 12
	}
	if opts.PlaybackTimeout <= 0 {
		opts.PlaybackTimeout = 30 * time.Second
	}
	if opts.GenerationConcurrency <= 0 {
		opts.GenerationConcurrency = 4
	}
	if opts.Generator == nil {
		opts.Generator = brain.NewMock()
	}
	id := strings.TrimSpace(opts.ConversationID)
	if id == "" {
		id = uuid.NewString()
	}
	logger := logging.OrDiscard(opts.Logger).With("conversation_id", id)
	metrics := opts.Metrics

	bus, ownsBus := opts.Bus, false
	if bus == nil {
		bus = events.NewBus(events.Options{
			Now:    opts.Now,
			OnDrop: func(k events.Kind) { metrics.ObserveBusDrop(string(k)) },
		})
		ownsBus = true
	}

	machine := mode.NewMachine(bus, mode.Options{Logger: logger, Metrics: metrics, Now: opts.Now})

	dedupOpts := opts.Dedup
	dedupOpts.Now, dedupOpts.Logger, dedupOpts.Metrics = opts.Now, logger, metrics
	turnOpts := opts.Turn
	turnOpts.Now, turnOpts.Logger, turnOpts.Metrics = opts.Now, logger, metrics
	sessOpts := opts.Session
	sessOpts.Now, sessOpts.Logger, sessOpts.Metrics = opts.Now, logger, metrics
	corrOpts := opts.Correlator
	corrOpts.Now, corrOpts.Logger = opts.Now, logger

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		id:         id,
		opts:       opts,
		bus:        bus,
		ownsBus:    ownsBus,
		machine:    machine,
		dedup:      transcript.NewDeduplicator(bus, dedupOpts),
		turns:      turn.NewCoordinator(bus, machine, turnOpts),
		sessions:   session.NewRegistry(bus, sessOpts),
		correlator: correlate.New(corrOpts),
		gen:        opts.Generator,
		ctxSrc:     opts.Context,
		baseCtx:    ctx,
		cancel:     cancel,
		now:        opts.Now,
		logger:     logger,
		metrics:    metrics,
	}
	c.disposer = append(c.disposer,
		machine.OnTransition(c.onModeChange),
		c.dedup.OnCommit(c.onCommit),
	)
	return c
}

func (c *Coordinator) ID() string { return c.id }

// Bus exposes the event hub for subscribers.
func (c *Coordinator) Bus() *events.Bus { return c.bus }

// StartJanitor prunes retired sessions until ctx ends.
func (c *Coordinator) StartJanitor(ctx context.Context, interval time.Duration) {
	c.sessions.StartJanitor(ctx, interval)
}

// onModeChange tears down episode-scoped state whenever a voice episode ends,
// whichever way it ends. It runs after the mode-changed notification.
func (c *Coordinator) onModeChange(ch mode.Change) {
	switch ch.Next {
	case mode.StateTransitioningToText, mode.StateError, mode.StateIdle:
	default:
		return
	}
	reason := string(ch.Event)
	retired := c.sessions.RetireAll(reason)
	c.turns.Reset(turn.ReasonReset)
	c.dedup.Reset()

	c.mu.Lock()
	dropped := len(c.queue)
	if c.speaking != nil {
		dropped++
	}
	c.queue = nil
	c.setSpeakingLocked(nil)
	c.agents = nil
	c.mu.Unlock()

	if len(retired) > 0 || dropped > 0 {
		c.logger.Info("voice episode torn down", "episode", ch.Episode, "next", ch.Next, "sessions_retired", len(retired), "responses_dropped", dropped)
	}
}

func (c *Coordinator) onCommit(u transcript.Utterance) {
	c.correlator.Remember(u)
	if !c.opts.AutoRespond {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.workers.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.workers.Done()
		if _, err := c.GenerateResponses(c.baseCtx, u.ID, nil); err != nil {
			c.logger.Debug("auto response not produced", "utterance_id", u.ID, "err", err)
		}
	}()
}

func (c *Coordinator) report(code, detail, subject string, fatal bool) {
	c.bus.Publish(events.KindErrorReported, events.ErrorReport{
		Code:      code,
		Component: "coordinator",
		Detail:    detail,
		Subject:   subject,
		Fatal:     fatal,
	})
}

func (c *Coordinator) rejected(res mode.Result) error {
	err := res.Err()
	c.report(CodeTransitionRejected, err.Error(), string(res.Event), false)
	return err
}

// ActivateVoiceMode enters voice mode and creates one ephemeral session per
// agent. Calling it again while a voice episode is live returns the existing
// sessions and creates nothing.
func (c *Coordinator) ActivateVoiceMode(ctx context.Context, agentIDs []string, history []session.ContextEntry) ([]session.AgentSession, error) {
	c.op.Lock()
	defer c.op.Unlock()
	if c.isClosed() {
		return nil, ErrClosed
	}

	switch cur := c.machine.Current(); cur {
	case mode.StateInitializing, mode.StateActive, mode.StateProcessing:
		c.logger.Debug("voice already active", "state", cur)
		return c.sessions.Live(), nil
	}

	agents := normalizeAgents(agentIDs)
	if len(agents) == 0 {
		agents = normalizeAgents(c.opts.DefaultAgents)
	}
	if len(agents) == 0 {
		return nil, ErrNoAgents
	}

	started := c.now()
	res := c.machine.Transition(mode.EventActivateVoice, mode.Payload{Reason: "activate"})
	if !res.Accepted {
		return nil, c.rejected(res)
	}
	episode := res.Episode
	c.mu.Lock()
	c.agents = agents
	c.mu.Unlock()

	snapshot, degraded := history, false
	if snapshot == nil && c.ctxSrc != nil {
		var err error
		c.op.Unlock()
		snapshot, err = c.fetchContext(ctx)
		c.op.Lock()
		if err != nil {
			degraded = true
			snapshot = nil
			c.logger.Warn("context snapshot unavailable, sessions start empty", "err", err)
			c.report(CodeSessionCreationFailed, err.Error(), "", false)
		}
		if c.machine.Episode() != episode || c.machine.Current() != mode.StateInitializing {
			return nil, ErrEpisodeInterrupted
		}
	}

	for _, agentID := range agents {
		if _, _, err := c.sessions.Create(agentID, snapshot, session.CreateOptions{Episode: episode, Degraded: degraded}); err != nil {
			c.report(CodeSessionCreationFailed, err.Error(), agentID, false)
		}
	}

	if res := c.machine.Transition(mode.EventReady, mode.Payload{}); !res.Accepted {
		return nil, c.rejected(res)
	}
	c.metrics.ObserveStage("activate_to_ready", c.now().Sub(started))
	return c.sessions.Live(), nil
}

func (c *Coordinator) fetchContext(ctx context.Context) ([]session.ContextEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ContextFetchTimeout)
	defer cancel()
	started := c.now()
	entries, err := c.ctxSrc.Snapshot(ctx, c.id, c.opts.ContextLimit)
	c.metrics.ObserveStage("context_fetch", c.now().Sub(started))
	if err != nil {
		return nil, fmt.Errorf("fetch context snapshot: %w", err)
	}
	return entries, nil
}

// DeactivateVoiceMode leaves voice mode. In-flight generation is not aborted;
// its result is discarded when it completes.
func (c *Coordinator) DeactivateVoiceMode() error {
	c.op.Lock()
	defer c.op.Unlock()

	started := c.now()
	res := c.machine.Transition(mode.EventDeactivateVoice, mode.Payload{Reason: "deactivate"})
	if !res.Accepted {
		return c.rejected(res)
	}
	if res := c.machine.Transition(mode.EventComplete, mode.Payload{}); !res.Accepted {
		return c.rejected(res)
	}
	c.metrics.ObserveStage("deactivate_to_idle", c.now().Sub(started))
	return nil
}

// SubmitTranscription feeds one speech-to-text callback through the
// deduplicator. Any speech signal also claims the floor for the human when
// the turn rules allow it; when they do not, the text is ignored.
func (c *Coordinator) SubmitTranscription(text string, isFinal bool) (transcript.Decision, error) {
	c.op.Lock()
	defer c.op.Unlock()

	st := c.machine.Current()
	if !st.Listening() {
		return transcript.Decision{}, ErrNotListening
	}
	if strings.TrimSpace(text) == "" {
		return transcript.Decision{Outcome: transcript.OutcomeIgnored}, nil
	}

	granted, interrupted := c.turns.HumanSpeech()
	if !granted {
		// Human channel closed: a non-interruptible agent holds the floor.
		c.logger.Debug("transcription dropped, human channel closed", "final", isFinal)
		return transcript.Decision{Outcome: transcript.OutcomeIgnored}, nil
	}
	if interrupted != "" {
		c.bargeInLocked(interrupted)
	}

	dec := c.dedup.Submit(transcript.Transcription{
		Text:      text,
		IsFinal:   isFinal,
		Timestamp: c.now(),
		Origin:    transcript.Origin{Mode: st, Episode: c.machine.Episode()},
	})
	switch dec.Outcome {
	case transcript.OutcomeSuppressed:
		c.report(CodeDuplicateSuppressed, "transcription matched a handled utterance", dec.RecordID, false)
	case transcript.OutcomeCommitted, transcript.OutcomeDeferred:
		c.turns.EndHumanTurn()
		c.pumpLocked()
	}
	return dec, nil
}

// SubmitText commits typed input as an utterance without deduplication.
func (c *Coordinator) SubmitText(text string) (transcript.Utterance, error) {
	c.op.Lock()
	defer c.op.Unlock()

	text = strings.TrimSpace(text)
	if text == "" {
		return transcript.Utterance{}, ErrEmptyText
	}
	st := c.machine.Current()
	if st == mode.StateError {
		return transcript.Utterance{}, ErrFaulted
	}
	u := transcript.Utterance{
		ID:         uuid.NewString(),
		Content:    text,
		Speaker:    transcript.SpeakerHuman,
		Timestamp:  c.now().UTC(),
		OriginMode: st,
		Episode:    c.machine.Episode(),
	}
	c.bus.Publish(events.KindUtteranceCommitted, u)
	c.metrics.ObserveUtterance(string(st))
	c.onCommit(u)
	return u, nil
}

func (c *Coordinator) SetInterruptible(v bool) {
	c.op.Lock()
	defer c.op.Unlock()
	c.turns.SetInterruptible(v)
}

// Fault moves the machine to error from any state; sessions are torn down by
// the transition effect.
func (c *Coordinator) Fault(err error) bool {
	c.op.Lock()
	defer c.op.Unlock()
	return c.faultLocked(err)
}

func (c *Coordinator) faultLocked(err error) bool {
	res := c.machine.Transition(mode.EventFault, mode.Payload{Err: err})
	if res.Accepted {
		c.logger.Error("coordinator faulted", "err", err)
	}
	return res.Accepted
}

// Reset is the only way out of the error state.
func (c *Coordinator) Reset() error {
	c.op.Lock()
	defer c.op.Unlock()
	res := c.machine.Transition(mode.EventReset, mode.Payload{Reason: "manual reset"})
	if !res.Accepted {
		return c.rejected(res)
	}
	return nil
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	agents := append([]string(nil), c.agents...)
	queued := len(c.queue)
	var speaking *Response
	if c.speaking != nil {
		s := *c.speaking
		speaking = &s
	}
	c.mu.Unlock()
	return Snapshot{
		ConversationID:  c.id,
		Mode:            c.machine.Snapshot(),
		Turn:            c.turns.Snapshot(),
		Sessions:        c.sessions.Live(),
		Agents:          agents,
		QueuedResponses: queued,
		Speaking:        speaking,
		LastSeq:         c.bus.LastSeq(),
	}
}

// Responses returns the response ids correlated with an utterance.
func (c *Coordinator) Responses(utteranceID string) []string {
	return c.correlator.Responses(utteranceID)
}

// Close stops background work, ends any live voice episode and closes an
// owned bus. Auto-respond workers are waited for.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.setSpeakingLocked(nil)
	c.mu.Unlock()

	c.cancel()
	c.workers.Wait()

	c.op.Lock()
	if c.machine.Current().VoiceActive() {
		c.sessions.RetireAll("closed")
	}
	c.dedup.Reset()
	c.turns.Reset(turn.ReasonReset)
	for _, dispose := range c.disposer {
		dispose()
	}
	c.op.Unlock()

	if c.ownsBus {
		c.bus.Close()
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Coordinator) episodeAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.agents...)
}

func normalizeAgents(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
