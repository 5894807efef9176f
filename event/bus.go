// Package event implements the in-process topic bus that carries change
// notifications from the status writer and lifecycle manager out to external
// subscribers (the SSE layer, tests, operators). Delivery is best-effort and
// fire-and-forget: publishing never blocks and never returns an error into
// the writer that triggered it.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/lager/v3"
)

// Topics used by the core engine.
const (
	TopicStateChange    = "state:change"
	TopicTaskUpdated    = "task:updated"
	TopicLifecycleBlock = "lifecycle_block"
	TopicSeedUploaded   = "seed:uploaded"
)

// StateChange is published after every committed status document write.
type StateChange struct {
	JobID     string    `json:"jobId"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskUpdated is published after a task record create-or-update.
type TaskUpdated struct {
	JobID  string `json:"jobId"`
	TaskID string `json:"taskId"`
	Task   any    `json:"task"`
}

// LifecycleBlock is published when the lifecycle policy rejects an operation.
type LifecycleBlock struct {
	JobID  string `json:"jobId"`
	TaskID string `json:"taskId"`
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// SeedUploaded is published when a new seed file lands in the pending bucket.
type SeedUploaded struct {
	Name string `json:"name"`
}

// Envelope wraps a published payload with its topic.
type Envelope struct {
	Topic       string
	Payload     any
	PublishedAt time.Time
}

// DefaultBuffer is the per-subscriber backlog before deliveries are dropped.
const DefaultBuffer = 64

// Bus is a topic-based publish/subscribe hub. Subscribers receive events in
// publication order per topic; a subscriber that falls more than its buffer
// behind loses events rather than stalling publishers.
type Bus struct {
	logger lager.Logger

	mu     sync.RWMutex
	closed bool
	subs   map[string][]*Subscription
}

// Subscription is one subscriber's feed for a single topic.
type Subscription struct {
	C <-chan Envelope

	bus     *Bus
	topic   string
	ch      chan Envelope
	once    sync.Once
	dropped atomic.Int64
}

// NewBus creates a Bus that logs dropped deliveries to the given logger.
func NewBus(logger lager.Logger) *Bus {
	return &Bus{
		logger: logger.Session("event-bus"),
		subs:   map[string][]*Subscription{},
	}
}

// Subscribe registers a new subscriber on topic with the given channel buffer.
// A non-positive buffer falls back to DefaultBuffer.
func (b *Bus) Subscribe(topic string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	sub := &Subscription{bus: b, topic: topic, ch: make(chan Envelope, buffer)}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Publish delivers payload to every subscriber of topic. It never blocks: a
// full subscriber buffer drops the event and increments the subscriber's drop
// count.
func (b *Bus) Publish(topic string, payload any) {
	env := Envelope{Topic: topic, Payload: payload, PublishedAt: time.Now().UTC()}

	// Deliveries happen under the read lock so a concurrent Close cannot
	// close a channel with a send in flight. Sends are non-blocking, so the
	// lock is held only briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- env:
		default:
			sub.dropped.Add(1)
			b.logger.Debug("dropped-event", lager.Data{"topic": topic})
		}
	}
}

// Close terminates all subscriptions. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = map[string][]*Subscription{}
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	subs := s.bus.subs[s.topic]
	for i, other := range subs {
		if other == s {
			s.bus.subs[s.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	s.once.Do(func() { close(s.ch) })
	s.bus.mu.Unlock()
}

// Dropped reports how many deliveries were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}
