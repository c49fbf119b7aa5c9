package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/convmode/internal/events"
	"github.com/ent0n29/convmode/internal/logging"
	"github.com/ent0n29/convmode/internal/observability"
)

var (
	ErrNotFound       = errors.New("session not found")
	ErrEmptyAgentID   = errors.New("base agent id is required")
	ErrAlreadyRetired = errors.New("session already retired")
)

const defaultRetention = 2 * time.Minute

type Options struct {
	// Retention is how long retired sessions stay addressable before the
	// janitor drops them.
	Retention time.Duration

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Registry owns the ephemeral agent sessions of one coordinator. At most one
// live session exists per base agent.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*AgentSession
	liveByAgt map[string]string
	retention time.Duration

	bus     *events.Bus
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewRegistry(bus *events.Bus, opts Options) *Registry {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		sessions:  make(map[string]*AgentSession),
		liveByAgt: make(map[string]string),
		retention: opts.Retention,
		bus:       bus,
		now:       opts.Now,
		logger:    logging.OrDiscard(opts.Logger).With("component", "session"),
		metrics:   opts.Metrics,
	}
}

// Create returns the live session for baseAgentID, creating one with a copy
// of snapshot when none exists. created is false for the idempotent path.
func (r *Registry) Create(baseAgentID string, snapshot []ContextEntry, opts CreateOptions) (AgentSession, bool, error) {
	baseAgentID = strings.TrimSpace(baseAgentID)
	if baseAgentID == "" {
		return AgentSession{}, false, ErrEmptyAgentID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.liveByAgt[baseAgentID]; ok {
		return clone(r.sessions[id]), false, nil
	}

	s := &AgentSession{
		ID:             uuid.NewString(),
		BaseAgentID:    baseAgentID,
		IsEphemeral:    true,
		SkipTextStages: true,
		Status:         StatusLive,
		Episode:        opts.Episode,
		Context:        append([]ContextEntry(nil), snapshot...),
		Degraded:       opts.Degraded,
		CreatedAt:      r.now().UTC(),
	}
	r.sessions[s.ID] = s
	r.liveByAgt[baseAgentID] = s.ID

	out := clone(s)
	if r.bus != nil {
		r.bus.Publish(events.KindSessionCreated, out)
	}
	r.metrics.ObserveSessionEvent("created")
	r.metrics.AddLiveSessions(1)
	r.logger.Info("agent session created", "session_id", s.ID, "agent_id", baseAgentID, "episode", s.Episode, "degraded", s.Degraded)
	return out, true, nil
}

func (r *Registry) Retire(sessionID, reason string) (AgentSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return AgentSession{}, ErrNotFound
	}
	if !s.Live() {
		return clone(s), ErrAlreadyRetired
	}
	r.retireLocked(s, reason)
	return clone(s), nil
}

// RetireAll retires every live session and returns them. It is safe to call
// repeatedly; later calls retire nothing.
func (r *Registry) RetireAll(reason string) []AgentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.liveByAgt) == 0 {
		return nil
	}
	live := make([]*AgentSession, 0, len(r.liveByAgt))
	for _, id := range r.liveByAgt {
		live = append(live, r.sessions[id])
	}
	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })

	out := make([]AgentSession, 0, len(live))
	for _, s := range live {
		r.retireLocked(s, reason)
		out = append(out, clone(s))
	}
	r.logger.Info("agent sessions retired", "count", len(out), "reason", reason)
	return out
}

func (r *Registry) retireLocked(s *AgentSession, reason string) {
	s.Status = StatusRetired
	s.RetiredAt = r.now().UTC()
	s.RetireReason = reason
	delete(r.liveByAgt, s.BaseAgentID)
	if r.bus != nil {
		r.bus.Publish(events.KindSessionRetired, RetiredEvent{Session: clone(s), Reason: reason})
	}
	r.metrics.ObserveSessionEvent("retired")
	r.metrics.AddLiveSessions(-1)
}

func (r *Registry) Get(sessionID string) (AgentSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return AgentSession{}, ErrNotFound
	}
	return clone(s), nil
}

// LiveFor returns the live session for a base agent, if any.
func (r *Registry) LiveFor(baseAgentID string) (AgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.liveByAgt[baseAgentID]
	if !ok {
		return AgentSession{}, false
	}
	return clone(r.sessions[id]), true
}

// Live lists live sessions ordered by creation time.
func (r *Registry) Live() []AgentSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentSession, 0, len(r.liveByAgt))
	for _, id := range r.liveByAgt {
		out = append(out, clone(r.sessions[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.liveByAgt)
}

// StartJanitor drops retired sessions older than the retention period until
// ctx is cancelled.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.pruneRetired()
			}
		}
	}()
}

func (r *Registry) pruneRetired() int {
	now := r.now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	pruned := 0
	for id, s := range r.sessions {
		if s.Live() || now.Sub(s.RetiredAt) < r.retention {
			continue
		}
		delete(r.sessions, id)
		pruned++
	}
	if pruned > 0 {
		r.logger.Debug("retired sessions pruned", "count", pruned)
	}
	return pruned
}

func clone(s *AgentSession) AgentSession {
	c := *s
	c.Context = append([]ContextEntry(nil), s.Context...)
	return c
}
