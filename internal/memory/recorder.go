package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/convmode/internal/coordinator"
	"github.com/ent0n29/convmode/internal/events"
	"github.com/ent0n29/convmode/internal/logging"
	"github.com/ent0n29/convmode/internal/session"
	"github.com/ent0n29/convmode/internal/transcript"
)

type RecorderOptions struct {
	ConversationID string
	// Redact strips PII before anything is written.
	Redact       bool
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// Recorder persists committed utterances and dispatched replies as they are
// published on the bus.
type Recorder struct {
	store  Store
	opts   RecorderOptions
	logger *slog.Logger
	sub    *events.Subscription
}

func NewRecorder(store Store, opts RecorderOptions) *Recorder {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	return &Recorder{
		store:  store,
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger).With("component", "memory"),
	}
}

// Attach starts recording from bus. Close stops it.
func (r *Recorder) Attach(bus *events.Bus) {
	r.sub = bus.SubscribeFunc(func(evt events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.WriteTimeout)
		defer cancel()
		if err := r.Record(ctx, evt); err != nil {
			r.logger.Warn("turn not persisted", "kind", evt.Kind, "seq", evt.Seq, "err", err)
		}
	}, events.KindUtteranceCommitted, events.KindResponseDispatched)
}

// Record writes one event. Kinds other than utterances and replies are ignored.
func (r *Recorder) Record(ctx context.Context, evt events.Event) error {
	var rec TurnRecord
	switch p := evt.Payload.(type) {
	case transcript.Utterance:
		rec = TurnRecord{
			ID:          p.ID,
			UtteranceID: p.ID,
			Speaker:     p.Speaker,
			Role:        RoleUser,
			Content:     p.Content,
			Mode:        string(p.OriginMode),
			CreatedAt:   p.Timestamp,
		}
	case coordinator.Response:
		rec = TurnRecord{
			ID:          p.ID,
			UtteranceID: p.UtteranceID,
			Speaker:     p.AgentID,
			Role:        RoleAssistant,
			Content:     p.Text,
			Mode:        string(p.Mode),
			CreatedAt:   p.DispatchedAt,
		}
	default:
		return nil
	}
	rec.ConversationID = r.opts.ConversationID
	if r.opts.Redact {
		rec.Content, rec.PIIRedacted = RedactPII(rec.Content)
	}
	if err := r.store.SaveTurn(ctx, rec); err != nil {
		return fmt.Errorf("save %s turn: %w", rec.Role, err)
	}
	return nil
}

func (r *Recorder) Close() {
	if r.sub == nil {
		return
	}
	r.sub.Close()
	<-r.sub.Done()
}

// ContextSource serves stored history as session context snapshots.
type ContextSource struct {
	store Store
}

func NewContextSource(store Store) *ContextSource {
	return &ContextSource{store: store}
}

func (c *ContextSource) Snapshot(ctx context.Context, conversationID string, limit int) ([]session.ContextEntry, error) {
	records, err := c.store.RecentContext(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]session.ContextEntry, 0, len(records))
	for _, rec := range records {
		out = append(out, session.ContextEntry{
			Role:      rec.Role,
			Speaker:   rec.Speaker,
			Content:   rec.Content,
			Timestamp: rec.CreatedAt,
		})
	}
	return out, nil
}
