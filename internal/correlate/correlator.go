package correlate

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/convmode/internal/logging"
	"github.com/ent0n29/convmode/internal/transcript"
)

var (
	// ErrDuplicateResponse rejects a second trigger while generation for the
	// same utterance is still in flight.
	ErrDuplicateResponse = errors.New("response generation already in flight for utterance")
	// ErrAlreadyResponded rejects a trigger for an utterance that already has
	// a recorded response set.
	ErrAlreadyResponded = errors.New("utterance already has a response set")
	ErrStaleTicket      = errors.New("in-flight marker no longer owned by ticket")
	ErrEmptyUtterance   = errors.New("utterance id is required")
)

const (
	defaultMaxEntries = 1024
	defaultTTL        = 10 * time.Minute
)

type slotKind uint8

const (
	kindResponses slotKind = iota + 1
	kindDispatched
	kindUtterance
)

type slotKey struct {
	kind slotKind
	id   string
}

type slot struct {
	startedAt time.Time
	responses []string
	utterance transcript.Utterance
}

type marker struct {
	ticket    uint64
	startedAt time.Time
}

// Ticket proves ownership of an utterance's in-flight marker.
type Ticket struct {
	UtteranceID string    `json:"utterance_id"`
	StartedAt   time.Time `json:"started_at"`
	seq         uint64
}

type Options struct {
	// MaxEntries bounds the shared tracking cache. In-flight markers are not
	// counted and never evicted.
	MaxEntries int
	TTL        time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Correlator guarantees one response-generation attempt per utterance and
// first-delivery-only dispatch per response id. In-flight markers stay
// pinned until Complete or Release; the correlation table, dispatched ids and
// the utterance index share one bounded Cache.
type Correlator struct {
	mu       sync.Mutex
	seq      uint64
	inFlight map[string]marker
	cache    *Cache[slotKey, slot]
	now      func() time.Time
	logger   *slog.Logger
}

func New(opts Options) *Correlator {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Correlator{
		inFlight: make(map[string]marker),
		cache:    NewCache[slotKey, slot](opts.MaxEntries, opts.TTL, opts.Now),
		now:      opts.Now,
		logger:   logging.OrDiscard(opts.Logger).With("component", "correlate"),
	}
}

// Begin claims the in-flight marker for utteranceID.
func (c *Correlator) Begin(utteranceID string) (Ticket, error) {
	if utteranceID == "" {
		return Ticket{}, ErrEmptyUtterance
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.inFlight[utteranceID]; ok {
		c.logger.Warn("duplicate response trigger rejected", "utterance_id", utteranceID)
		return Ticket{}, ErrDuplicateResponse
	}
	if set, ok := c.cache.Get(slotKey{kindResponses, utteranceID}); ok && len(set.responses) > 0 {
		c.logger.Warn("response trigger for answered utterance rejected", "utterance_id", utteranceID)
		return Ticket{}, ErrAlreadyResponded
	}
	c.seq++
	t := Ticket{UtteranceID: utteranceID, StartedAt: c.now().UTC(), seq: c.seq}
	c.inFlight[utteranceID] = marker{ticket: t.seq, startedAt: t.StartedAt}
	return t, nil
}

// Valid reports whether t still owns its marker. Callers re-check this after
// every await.
func (c *Correlator) Valid(t Ticket) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.inFlight[t.UtteranceID]
	return ok && cur.ticket == t.seq
}

// Complete clears the marker whatever the outcome. On success the response
// ids are appended to the correlation table; existing ids are never replaced.
func (c *Correlator) Complete(t Ticket, responseIDs []string, genErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.inFlight[t.UtteranceID]
	if !ok || cur.ticket != t.seq {
		return ErrStaleTicket
	}
	delete(c.inFlight, t.UtteranceID)
	if genErr != nil || len(responseIDs) == 0 {
		return nil
	}
	c.cache.Update(slotKey{kindResponses, t.UtteranceID}, func(prev slot, _ bool) (slot, bool) {
		seen := make(map[string]struct{}, len(prev.responses))
		for _, id := range prev.responses {
			seen[id] = struct{}{}
		}
		next := append([]string(nil), prev.responses...)
		for _, id := range responseIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			next = append(next, id)
		}
		prev.responses = next
		return prev, true
	})
	return nil
}

// Release drops a marker without recording anything, e.g. when the owning
// episode ended before generation started.
func (c *Correlator) Release(t Ticket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.inFlight[t.UtteranceID]; ok && cur.ticket == t.seq {
		delete(c.inFlight, t.UtteranceID)
	}
}

func (c *Correlator) InFlight(utteranceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[utteranceID]
	return ok
}

// Responses returns the response ids recorded for an utterance.
func (c *Correlator) Responses(utteranceID string) []string {
	set, ok := c.cache.Get(slotKey{kindResponses, utteranceID})
	if !ok {
		return nil
	}
	return append([]string(nil), set.responses...)
}

// MarkDispatched records the first delivery of responseID and reports whether
// this call was it.
func (c *Correlator) MarkDispatched(responseID string) bool {
	if responseID == "" {
		return false
	}
	return c.cache.Add(slotKey{kindDispatched, responseID}, slot{startedAt: c.now().UTC()})
}

func (c *Correlator) Dispatched(responseID string) bool {
	_, ok := c.cache.Get(slotKey{kindDispatched, responseID})
	return ok
}

// Remember indexes a committed utterance for later GenerateResponses calls.
func (c *Correlator) Remember(u transcript.Utterance) {
	c.cache.Set(slotKey{kindUtterance, u.ID}, slot{utterance: u})
}

func (c *Correlator) Utterance(id string) (transcript.Utterance, bool) {
	s, ok := c.cache.Get(slotKey{kindUtterance, id})
	return s.utterance, ok
}

// Len reports how many tracking entries are live, in-flight markers
// included.
func (c *Correlator) Len() int {
	c.mu.Lock()
	n := len(c.inFlight)
	c.mu.Unlock()
	return n + c.cache.Len()
}
