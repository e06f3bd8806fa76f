// Package bus implements the in-process publish/subscribe transport the desk
// pipeline runs on: synchronous fan-out, bounded replay history, and lazy
// subscription teardown.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openhedge/desk/id"
)

// Message is the immutable unit of information published on a topic.
type Message struct {
	Topic     string
	Payload   any
	CreatedAt time.Time
	Metadata  map[string]string
}

// Envelope wraps a message with a unique, time-sortable delivery id.
type Envelope struct {
	ID      string
	Message Message
}

// Handler receives envelopes for matching topics. Handlers run synchronously
// on the publishing goroutine and may publish further envelopes themselves,
// provided they never publish the topic they consume (see Publish).
type Handler func(Envelope)

// Subscription ties a handler to a topic filter. A nil or empty topic list,
// or a list containing "*", matches every topic.
type Subscription struct {
	ID      string
	topics  []string
	handler Handler
	active  atomic.Bool
}

// Active reports whether the subscription still receives deliveries.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

func (s *Subscription) matches(topic string) bool {
	if !s.active.Load() {
		return false
	}
	if len(s.topics) == 0 {
		return true
	}
	for _, t := range s.topics {
		if t == "*" || t == topic {
			return true
		}
	}
	return false
}

// Bus is a thread-safe pub/sub bus with a bounded replay buffer.
//
// The lock is held only while mutating the history ring and snapshotting the
// subscriber list; handler invocation happens outside the lock so handlers
// can publish re-entrantly without deadlocking.
type Bus struct {
	mu    sync.Mutex
	ring  []Envelope
	start int
	count int
	subs  []*Subscription
	byID  map[string]*Subscription
}

const defaultHistory = 512

// New allocates a bus whose replay history holds at most maxHistory
// envelopes; the oldest envelope is dropped on overflow.
func New(maxHistory int) *Bus {
	if maxHistory <= 0 {
		maxHistory = defaultHistory
	}
	return &Bus{
		ring: make([]Envelope, maxHistory),
		byID: make(map[string]*Subscription),
	}
}

// Publish appends an envelope to the history ring and delivers it to every
// matching subscriber synchronously, in subscriber-registration order, on the
// calling goroutine.
//
// Handlers may call Publish recursively. The pipeline relies on stages never
// re-publishing the topic they consume; the bus does not guard against such
// cycles.
//
// Handler panics are not recovered here; the tick driver owns per-stage
// failure isolation.
func (b *Bus) Publish(topic string, payload any, metadata map[string]string) Envelope {
	env := Envelope{
		ID: id.New(),
		Message: Message{
			Topic:     topic,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
			Metadata:  metadata,
		},
	}

	b.mu.Lock()
	b.append(env)
	subs := make([]*Subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.matches(topic) {
			sub.handler(env)
		}
	}
	return env
}

// Subscribe registers a handler for the given topics (nil for all). When
// replayLast > 0, up to the last replayLast matching envelopes already held
// in history are delivered to the handler before Subscribe returns, closing
// the race where a late subscriber misses events published just before it
// registered.
func (b *Bus) Subscribe(handler Handler, topics []string, replayLast int) *Subscription {
	sub := &Subscription{
		ID:      id.New(),
		topics:  append([]string(nil), topics...),
		handler: handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.byID[sub.ID] = sub
	var history []Envelope
	if replayLast > 0 {
		history = b.snapshotHistory(0)
	}
	b.mu.Unlock()

	if replayLast > 0 {
		var matching []Envelope
		for _, env := range history {
			if sub.matches(env.Message.Topic) {
				matching = append(matching, env)
			}
		}
		if len(matching) > replayLast {
			matching = matching[len(matching)-replayLast:]
		}
		for _, env := range matching {
			handler(env)
		}
	}
	return sub
}

// Unsubscribe marks the subscription inactive and detaches it. Deactivation
// rather than immediate deletion means an in-flight fan-out holding a stale
// subscriber snapshot will not invoke the handler again.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.byID[id]
	if !ok {
		return
	}
	sub.active.Store(false)
	delete(b.byID, id)
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
}

// History returns up to the last limit envelopes in publish order. A limit
// <= 0 returns the full retained history.
func (b *Bus) History(limit int) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotHistory(limit)
}

// Depth returns the number of envelopes currently retained.
func (b *Bus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Subscriptions returns the ids of active subscriptions in registration order.
func (b *Bus) Subscriptions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.subs))
	for _, sub := range b.subs {
		ids = append(ids, sub.ID)
	}
	return ids
}

// append assumes b.mu is held.
func (b *Bus) append(env Envelope) {
	if b.count < len(b.ring) {
		b.ring[(b.start+b.count)%len(b.ring)] = env
		b.count++
		return
	}
	// full: overwrite the oldest slot
	b.ring[b.start] = env
	b.start = (b.start + 1) % len(b.ring)
}

// snapshotHistory assumes b.mu is held.
func (b *Bus) snapshotHistory(limit int) []Envelope {
	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Envelope, 0, n)
	for i := b.count - n; i < b.count; i++ {
		out = append(out, b.ring[(b.start+i)%len(b.ring)])
	}
	return out
}
