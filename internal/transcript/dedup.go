package transcript

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/convmode/internal/events"
	"github.com/ent0n29/convmode/internal/logging"
	"github.com/ent0n29/convmode/internal/mode"
	"github.com/ent0n29/convmode/internal/observability"
)

const SpeakerHuman = "human"

const (
	defaultWindow          = 500 * time.Millisecond
	defaultShortThreshold  = 0.9
	defaultLongThreshold   = 0.8
	defaultShortLen        = 15
	defaultAlwaysCommitLen = 10
	defaultMinContain      = 4
	defaultCommitCooldown  = 40 * time.Millisecond
	defaultCommitBackoff   = 25 * time.Millisecond
)

type Outcome string

const (
	OutcomeTracked    Outcome = "tracked"
	OutcomeMerged     Outcome = "merged"
	OutcomeCommitted  Outcome = "committed"
	OutcomeDeferred   Outcome = "deferred"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeIgnored    Outcome = "ignored"
)

// Origin ties a transcription to the mode context it arrived in.
type Origin struct {
	Mode    mode.State
	Episode uint64
}

// Transcription is one speech-to-text callback.
type Transcription struct {
	Text      string
	IsFinal   bool
	Timestamp time.Time
	Origin    Origin
}

type Record struct {
	ID                    string    `json:"id"`
	Text                  string    `json:"text"`
	Timestamp             time.Time `json:"timestamp"`
	IsFinal               bool      `json:"is_final"`
	Processed             bool      `json:"processed"`
	CorrelatedUtteranceID string    `json:"correlated_utterance_id,omitempty"`
}

type Utterance struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Speaker    string     `json:"speaker"`
	Timestamp  time.Time  `json:"timestamp"`
	OriginMode mode.State `json:"origin_mode"`
	Episode    uint64     `json:"episode"`
}

// Decision is the result of one Submit call. Utterance is set only when the
// submission itself committed.
type Decision struct {
	Outcome   Outcome    `json:"outcome"`
	RecordID  string     `json:"record_id,omitempty"`
	Utterance *Utterance `json:"utterance,omitempty"`
}

type Options struct {
	// Window is how long a record stays live after its last update.
	Window         time.Duration
	ShortThreshold float64
	LongThreshold  float64
	// ShortLen selects ShortThreshold when the shorter text has fewer runes.
	ShortLen int
	// Finals with fewer runes than AlwaysCommitLen are only suppressed when
	// they exactly repeat a final already committed inside the window.
	AlwaysCommitLen int
	MinContain      int
	CommitCooldown  time.Duration
	CommitBackoff   time.Duration

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = defaultWindow
	}
	if o.ShortThreshold <= 0 {
		o.ShortThreshold = defaultShortThreshold
	}
	if o.LongThreshold <= 0 {
		o.LongThreshold = defaultLongThreshold
	}
	if o.ShortLen <= 0 {
		o.ShortLen = defaultShortLen
	}
	if o.AlwaysCommitLen <= 0 {
		o.AlwaysCommitLen = defaultAlwaysCommitLen
	}
	if o.MinContain <= 0 {
		o.MinContain = defaultMinContain
	}
	if o.CommitCooldown <= 0 {
		o.CommitCooldown = defaultCommitCooldown
	}
	if o.CommitBackoff <= 0 {
		o.CommitBackoff = defaultCommitBackoff
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type record struct {
	Record
	norm     string
	lastSeen time.Time
	origin   Origin
	pending  bool
}

// Deduplicator collapses noisy interim/final STT callbacks into exactly one
// committed Utterance per spoken turn.
type Deduplicator struct {
	mu   sync.Mutex
	opts Options
	bus  *events.Bus

	records []*record
	pending []*record

	lockHeld   bool
	lockTimer  *time.Timer
	retryTimer *time.Timer
	evictTimer *time.Timer
	// gen invalidates timers armed before the last Reset.
	gen uint64

	hooks    map[int]func(Utterance)
	nextHook int

	logger *slog.Logger
}

func NewDeduplicator(bus *events.Bus, opts Options) *Deduplicator {
	return &Deduplicator{
		opts:   opts.withDefaults(),
		bus:    bus,
		hooks:  make(map[int]func(Utterance)),
		logger: logging.OrDiscard(opts.Logger).With("component", "transcript"),
	}
}

// OnCommit registers fn to observe every committed utterance, including those
// committed later by the deferred-commit retry. fn runs without the
// deduplicator lock held.
func (d *Deduplicator) OnCommit(fn func(Utterance)) (dispose func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHook++
	id := d.nextHook
	d.hooks[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.hooks, id)
	}
}

func (d *Deduplicator) Submit(t Transcription) Decision {
	d.mu.Lock()
	dec, committed := d.submitLocked(t)
	hooks := d.hooksLocked(committed)
	d.mu.Unlock()

	d.opts.Metrics.ObserveDedup(string(dec.Outcome))
	runHooks(hooks, committed)
	return dec
}

func (d *Deduplicator) submitLocked(t Transcription) (Decision, *Utterance) {
	text := strings.TrimSpace(t.Text)
	norm := Normalize(text)
	if norm == "" {
		return Decision{Outcome: OutcomeIgnored}, nil
	}

	now := d.opts.Now()
	d.evictLocked(now)
	d.armEvictionLocked()

	stamp := t.Timestamp
	if stamp.IsZero() {
		stamp = now
	}
	rec := &record{
		Record: Record{
			ID:        uuid.NewString(),
			Text:      text,
			Timestamp: stamp.UTC(),
			IsFinal:   t.IsFinal,
		},
		norm:     norm,
		lastSeen: now,
		origin:   t.Origin,
	}

	if !t.IsFinal {
		return d.submitInterimLocked(rec), nil
	}
	return d.submitFinalLocked(rec)
}

func (d *Deduplicator) submitInterimLocked(rec *record) Decision {
	// An interim resembling anything already committed or queued for commit is
	// a late redelivery of an utterance that is already handled.
	for _, other := range d.records {
		if !(other.Processed || other.pending) {
			continue
		}
		if d.similar(rec.norm, other.norm) {
			other.lastSeen = rec.lastSeen
			rec.Processed = true
			rec.CorrelatedUtteranceID = other.CorrelatedUtteranceID
			d.records = append(d.records, rec)
			d.logger.Debug("late interim suppressed", "record_id", rec.ID, "matched", other.ID)
			return Decision{Outcome: OutcomeSuppressed, RecordID: rec.ID}
		}
	}

	var best *record
	bestScore := 0.0
	for _, other := range d.records {
		if other.IsFinal || other.Processed {
			continue
		}
		score := Similarity(rec.norm, other.norm, d.opts.MinContain)
		if score >= d.threshold(rec.norm, other.norm) && score > bestScore {
			best, bestScore = other, score
		}
	}
	if best != nil {
		best.Text = rec.Text
		best.norm = rec.norm
		best.Timestamp = rec.Timestamp
		best.lastSeen = rec.lastSeen
		return Decision{Outcome: OutcomeMerged, RecordID: best.ID}
	}

	d.records = append(d.records, rec)
	return Decision{Outcome: OutcomeTracked, RecordID: rec.ID}
}

func (d *Deduplicator) submitFinalLocked(rec *record) (Decision, *Utterance) {
	short := runeLen(rec.norm) < d.opts.AlwaysCommitLen
	for _, other := range d.records {
		if !other.IsFinal || !(other.Processed || other.pending) {
			continue
		}
		dup := rec.norm == other.norm
		if !short && !dup {
			dup = d.similar(rec.norm, other.norm)
		}
		if !dup {
			continue
		}
		other.lastSeen = rec.lastSeen
		rec.Processed = true
		rec.CorrelatedUtteranceID = other.CorrelatedUtteranceID
		d.records = append(d.records, rec)
		d.logger.Debug("duplicate final suppressed", "record_id", rec.ID, "matched", other.ID)
		return Decision{Outcome: OutcomeSuppressed, RecordID: rec.ID}, nil
	}

	d.records = append(d.records, rec)
	if d.lockHeld || len(d.pending) > 0 {
		rec.pending = true
		d.pending = append(d.pending, rec)
		d.armRetryLocked()
		d.logger.Debug("commit deferred", "record_id", rec.ID, "queued", len(d.pending))
		return Decision{Outcome: OutcomeDeferred, RecordID: rec.ID}, nil
	}
	u := d.commitLocked(rec)
	return Decision{Outcome: OutcomeCommitted, RecordID: rec.ID, Utterance: &u}, &u
}

// commitLocked turns a final record into an Utterance, takes the commit lock
// and publishes utterance-committed. Live interims describing the same speech
// are folded into the utterance so later redeliveries are recognized.
func (d *Deduplicator) commitLocked(rec *record) Utterance {
	u := Utterance{
		ID:         uuid.NewString(),
		Content:    rec.Text,
		Speaker:    SpeakerHuman,
		Timestamp:  d.opts.Now().UTC(),
		OriginMode: rec.origin.Mode,
		Episode:    rec.origin.Episode,
	}
	rec.pending = false
	rec.Processed = true
	rec.CorrelatedUtteranceID = u.ID
	for _, other := range d.records {
		if other.IsFinal || other.Processed {
			continue
		}
		if Similarity(rec.norm, other.norm, d.opts.MinContain) >= d.threshold(rec.norm, other.norm) {
			other.Processed = true
			other.CorrelatedUtteranceID = u.ID
		}
	}

	d.lockHeld = true
	gen := d.gen
	if d.lockTimer != nil {
		d.lockTimer.Stop()
	}
	d.lockTimer = time.AfterFunc(d.opts.CommitCooldown, func() { d.releaseLock(gen) })

	if d.bus != nil {
		d.bus.Publish(events.KindUtteranceCommitted, u)
	}
	d.opts.Metrics.ObserveUtterance(string(u.OriginMode))
	d.logger.Info("utterance committed", "utterance_id", u.ID, "episode", u.Episode, "origin", u.OriginMode)
	return u
}

func (d *Deduplicator) releaseLock(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen {
		return
	}
	d.lockHeld = false
	d.lockTimer = nil
}

func (d *Deduplicator) armRetryLocked() {
	if d.retryTimer != nil {
		return
	}
	gen := d.gen
	d.retryTimer = time.AfterFunc(d.opts.CommitBackoff, func() { d.retryPending(gen) })
}

// retryPending commits the oldest deferred final once the lock is free and
// re-arms itself while work remains.
func (d *Deduplicator) retryPending(gen uint64) {
	d.mu.Lock()
	if gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.retryTimer = nil
	var committed *Utterance
	if !d.lockHeld && len(d.pending) > 0 {
		next := d.pending[0]
		d.pending = d.pending[1:]
		u := d.commitLocked(next)
		committed = &u
	}
	if len(d.pending) > 0 {
		d.armRetryLocked()
	}
	hooks := d.hooksLocked(committed)
	d.mu.Unlock()

	if committed != nil {
		d.opts.Metrics.ObserveDedup(string(OutcomeCommitted))
	}
	runHooks(hooks, committed)
}

func (d *Deduplicator) armEvictionLocked() {
	if d.evictTimer != nil {
		d.evictTimer.Stop()
	}
	gen := d.gen
	d.evictTimer = time.AfterFunc(d.opts.Window, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if gen != d.gen {
			return
		}
		d.evictLocked(d.opts.Now())
	})
}

// evictLocked drops records idle for longer than the window. Deferred finals
// stay until they are committed.
func (d *Deduplicator) evictLocked(now time.Time) {
	kept := d.records[:0]
	for _, rec := range d.records {
		if rec.pending || now.Sub(rec.lastSeen) < d.opts.Window {
			kept = append(kept, rec)
		}
	}
	for i := len(kept); i < len(d.records); i++ {
		d.records[i] = nil
	}
	d.records = kept
}

func (d *Deduplicator) threshold(a, b string) float64 {
	n := runeLen(a)
	if m := runeLen(b); m < n {
		n = m
	}
	if n < d.opts.ShortLen {
		return d.opts.ShortThreshold
	}
	return d.opts.LongThreshold
}

func (d *Deduplicator) similar(a, b string) bool {
	return Similarity(a, b, d.opts.MinContain) >= d.threshold(a, b)
}

func (d *Deduplicator) hooksLocked(u *Utterance) []func(Utterance) {
	if u == nil || len(d.hooks) == 0 {
		return nil
	}
	ids := make([]int, 0, len(d.hooks))
	for id := range d.hooks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Utterance), 0, len(ids))
	for _, id := range ids {
		out = append(out, d.hooks[id])
	}
	return out
}

func runHooks(hooks []func(Utterance), u *Utterance) {
	if u == nil {
		return
	}
	for _, fn := range hooks {
		fn(*u)
	}
}

// Reset cancels every timer, drops live records and abandons deferred
// commits. It is called when the owning voice episode ends.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gen++
	for _, t := range []*time.Timer{d.lockTimer, d.retryTimer, d.evictTimer} {
		if t != nil {
			t.Stop()
		}
	}
	d.lockTimer, d.retryTimer, d.evictTimer = nil, nil, nil
	if n := len(d.pending); n > 0 {
		d.logger.Info("deferred commits abandoned", "count", n)
	}
	d.lockHeld = false
	d.records = nil
	d.pending = nil
}

// Records returns the live records, oldest first.
func (d *Deduplicator) Records() []Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Record, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec.Record)
	}
	return out
}

// Pending reports how many finals wait for the commit lock.
func (d *Deduplicator) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
