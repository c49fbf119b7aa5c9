package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind names a typed notification published on the bus.
type Kind string

const (
	KindModeChanged        Kind = "mode-changed"
	KindUtteranceCommitted Kind = "utterance-committed"
	KindTurnChanged        Kind = "turn-changed"
	KindSessionCreated     Kind = "session-created"
	KindSessionRetired     Kind = "session-retired"
	KindResponseDispatched Kind = "response-dispatched"
	KindErrorReported      Kind = "error-reported"
)

// Event is one published notification. Seq is assigned at publish time and is
// strictly increasing across all kinds, so subscribers can verify commit order.
type Event struct {
	Seq     uint64    `json:"seq"`
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// ErrorReport is the payload of KindErrorReported. Fatal is set only when the
// reporting component escalated the failure to the mode machine.
type ErrorReport struct {
	Code      string `json:"code"`
	Component string `json:"component"`
	Detail    string `json:"detail,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Fatal     bool   `json:"fatal"`
}

const (
	defaultBuffer  = 256
	defaultHistory = 128
)

// Options tunes a Bus. Zero values select defaults.
type Options struct {
	// Buffer is the per-subscription queue length.
	Buffer int
	// History is how many recent events Recent can return.
	History int
	// OnDrop is called (under the bus lock) when a full subscription misses an event.
	OnDrop func(kind Kind)
	Now    func() time.Time
}

// Bus is an in-process publish/subscribe hub. Delivery never blocks the
// publisher. A channel subscriber that falls behind its buffer loses events
// and the loss is counted on its Subscription; SubscribeFunc subscribers queue
// without bound and never lose events.
type Bus struct {
	mu        sync.Mutex
	seq       uint64
	subs      map[int]*Subscription
	nextSubID int
	recent    []Event
	recentMax int
	buffer    int
	onDrop    func(Kind)
	now       func() time.Time
	closed    bool
}

func NewBus(opts Options) *Bus {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.History <= 0 {
		opts.History = defaultHistory
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Bus{
		subs:      make(map[int]*Subscription),
		recentMax: opts.History,
		buffer:    opts.Buffer,
		onDrop:    opts.OnDrop,
		now:       opts.Now,
	}
}

// Publish stamps and fans out one event. It returns the stamped event.
func (b *Bus) Publish(kind Kind, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	evt := Event{
		Seq:     b.seq,
		Kind:    kind,
		At:      b.now().UTC(),
		Payload: payload,
	}
	if b.closed {
		return evt
	}

	b.recent = append(b.recent, evt)
	if len(b.recent) > b.recentMax {
		trimFrom := len(b.recent) - b.recentMax
		b.recent = append([]Event(nil), b.recent[trimFrom:]...)
	}

	for _, sub := range b.subs {
		if !sub.wants(kind) {
			continue
		}
		if sub.wake != nil {
			sub.queue = append(sub.queue, evt)
			sub.notify()
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(kind)
			}
		}
	}
	return evt
}

// Subscribe registers a channel subscription for the given kinds (all kinds
// when none are given). Close on the returned handle is the only way to
// unsubscribe.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	sub := b.newSubscription(kinds)
	sub.ch = make(chan Event, b.buffer)
	b.register(sub)
	return sub
}

// SubscribeFunc delivers matching events to fn on a dedicated goroutine, in
// publish order and without loss. fn may call Close on the returned handle;
// events queued before Close are still delivered.
func (b *Bus) SubscribeFunc(fn func(Event), kinds ...Kind) *Subscription {
	sub := b.newSubscription(kinds)
	sub.wake = make(chan struct{}, 1)
	sub.done = make(chan struct{})
	b.register(sub)
	go sub.run(fn)
	return sub
}

func (b *Bus) newSubscription(kinds []Kind) *Subscription {
	sub := &Subscription{bus: b}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}
	return sub
}

func (b *Bus) register(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.shutLocked()
		return
	}
	b.nextSubID++
	sub.id = b.nextSubID
	b.subs[sub.id] = sub
}

// Recent returns up to n of the most recently published events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// LastSeq reports the sequence number of the most recent event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// SubscriberCount is mostly useful for leak checks in tests.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close detaches and closes every subscription. Later publishes are stamped
// but not delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.shutLocked()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	delete(b.subs, sub.id)
	sub.shutLocked()
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus     *Bus
	id      int
	kinds   map[Kind]struct{}
	ch      chan Event
	dropped atomic.Uint64
	done    chan struct{}
	wake    chan struct{}

	// guarded by bus.mu
	closed bool
	queue  []Event
}

func (s *Subscription) shutLocked() {
	s.closed = true
	if s.ch != nil {
		close(s.ch)
	}
	if s.wake != nil {
		s.notify()
	}
}

func (s *Subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run(fn func(Event)) {
	defer close(s.done)
	for {
		s.bus.mu.Lock()
		batch, closed := s.queue, s.closed
		s.queue = nil
		s.bus.mu.Unlock()

		for _, evt := range batch {
			fn(evt)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}

// Events is closed once the subscription is closed. It is nil for
// SubscribeFunc subscriptions.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped counts events lost because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

// Done is closed when a SubscribeFunc goroutine has drained and exited. For
// plain subscriptions it returns nil.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) wants(kind Kind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// PayloadAs extracts a typed payload from an event.
func PayloadAs[T any](evt Event) (T, bool) {
	v, ok := evt.Payload.(T)
	return v, ok
}
