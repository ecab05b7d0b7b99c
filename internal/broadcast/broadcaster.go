// Package broadcast fans execution log messages out to live subscribers.
//
// Execution workers call Publish from their own goroutines. A single
// delivery loop (Run) owns every send to subscribers. The per-execution
// queue between the two is bounded and never blocks the producer: when it
// is full the newest message is dropped. Each execution also keeps a short
// replay cache so a subscriber that connects late starts from recent history.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/edvin/sshcron/internal/metrics"
	"github.com/edvin/sshcron/internal/model"
)

// ErrUnknownExecution is returned by Subscribe when the execution has no
// live topic, either because it never ran here or because it was retired.
var ErrUnknownExecution = errors.New("no live log stream for execution")

const (
	DefaultCacheSize = 256
	DefaultQueueSize = 1024
)

// Subscriber receives messages from the delivery loop. Send must not block;
// an error removes the subscriber. Close is called exactly once when the
// subscriber is removed for any reason.
type Subscriber interface {
	Send(msg model.LogMessage) error
	Close()
}

type subscription struct {
	sub Subscriber
	// lastSeq is the highest sequence number already sent to sub, so the
	// live tail never repeats a message delivered by replay.
	lastSeq uint64
}

type topic struct {
	seq   uint64
	cache []model.LogMessage
	queue chan model.LogMessage
	subs  map[Subscriber]*subscription
}

type Broadcaster struct {
	cacheSize int
	queueSize int
	logger    zerolog.Logger

	mu     sync.Mutex
	topics map[string]*topic
	wake   chan struct{}
}

func New(cacheSize, queueSize int, logger zerolog.Logger) *Broadcaster {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		cacheSize: cacheSize,
		queueSize: queueSize,
		logger:    logger.With().Str("component", "broadcaster").Logger(),
		topics:    make(map[string]*topic),
		wake:      make(chan struct{}, 1),
	}
}

// SubscriberBufferSize is the channel size a ChanSubscriber needs to take a
// full cache replay followed by a full queue without being dropped.
func (b *Broadcaster) SubscriberBufferSize() int {
	return b.cacheSize + b.queueSize
}

// topicLocked returns the topic for id, creating it if needed. b.mu must be held.
func (b *Broadcaster) topicLocked(id string) *topic {
	t, ok := b.topics[id]
	if !ok {
		t = &topic{
			queue: make(chan model.LogMessage, b.queueSize),
			subs:  make(map[Subscriber]*subscription),
		}
		b.topics[id] = t
	}
	return t
}

// Open creates the topic for an execution so subscribers can attach before
// the first message is published.
func (b *Broadcaster) Open(executionID string) {
	b.mu.Lock()
	b.topicLocked(executionID)
	b.mu.Unlock()
}

// Has reports whether executionID has a live topic.
func (b *Broadcaster) Has(executionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[executionID]
	return ok
}

// Publish records msg in the replay cache and queues it for delivery. It
// never blocks on subscribers.
func (b *Broadcaster) Publish(executionID string, msg model.LogMessage) {
	b.mu.Lock()
	t := b.topicLocked(executionID)
	t.seq++
	msg.Seq = t.seq
	msg.ExecutionID = executionID

	t.cache = append(t.cache, msg)
	if over := len(t.cache) - b.cacheSize; over > 0 {
		// Copy so the evicted prefix can be collected.
		t.cache = append([]model.LogMessage(nil), t.cache[over:]...)
	}

	select {
	case t.queue <- msg:
	default:
		metrics.BroadcastDropped.Inc()
		b.logger.Debug().Str("execution_id", executionID).Uint64("seq", msg.Seq).Msg("delivery queue full, dropping message")
	}
	b.mu.Unlock()

	metrics.BroadcastPublished.Inc()
	b.signal()
}

func (b *Broadcaster) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Subscribe attaches sub to an execution's stream and replays the cached
// backlog to it in order. If the backlog already contains the final
// message, sub is closed after replay and not registered.
func (b *Broadcaster) Subscribe(executionID string, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		return ErrUnknownExecution
	}

	s := &subscription{sub: sub}
	for _, msg := range t.cache {
		if err := sub.Send(msg); err != nil {
			sub.Close()
			return err
		}
		s.lastSeq = msg.Seq
		if msg.Final() {
			sub.Close()
			return nil
		}
	}
	t.subs[sub] = s
	metrics.BroadcastSubscribers.Inc()
	return nil
}

// Unsubscribe detaches sub. It is a no-op if sub is not attached.
func (b *Broadcaster) Unsubscribe(executionID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[executionID]
	if !ok {
		return
	}
	if _, ok := t.subs[sub]; ok {
		b.removeLocked(t, sub)
	}
}

func (b *Broadcaster) removeLocked(t *topic, sub Subscriber) {
	delete(t.subs, sub)
	metrics.BroadcastSubscribers.Dec()
	sub.Close()
}

// Retire delivers whatever is still queued for the execution, closes its
// subscribers and forgets the topic. Idempotent.
func (b *Broadcaster) Retire(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[executionID]
	if !ok {
		return
	}
	b.drainLocked(executionID, t)
	for sub := range t.subs {
		b.removeLocked(t, sub)
	}
	delete(b.topics, executionID)
}

// Subscribers returns the number of subscribers attached to executionID.
func (b *Broadcaster) Subscribers(executionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[executionID]; ok {
		return len(t.subs)
	}
	return 0
}

// Run is the delivery loop. It returns when ctx is cancelled, closing every
// remaining subscriber.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.logger.Info().Msg("delivery loop started")
	for {
		b.deliver()
		select {
		case <-ctx.Done():
			b.closeAll()
			b.logger.Info().Msg("delivery loop stopped")
			return nil
		case <-b.wake:
		}
	}
}

func (b *Broadcaster) deliver() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.topics {
		b.drainLocked(id, t)
	}
}

// drainLocked pops every queued message of t and sends it to each
// subscriber. With no subscribers the messages are discarded; the replay
// cache still holds them.
func (b *Broadcaster) drainLocked(executionID string, t *topic) {
	for {
		var msg model.LogMessage
		select {
		case msg = <-t.queue:
		default:
			return
		}
		for sub, s := range t.subs {
			if msg.Seq <= s.lastSeq {
				continue
			}
			if err := sub.Send(msg); err != nil {
				b.logger.Debug().Err(err).Str("execution_id", executionID).Msg("removing subscriber")
				b.removeLocked(t, sub)
				continue
			}
			s.lastSeq = msg.Seq
			if msg.Final() {
				b.removeLocked(t, sub)
			}
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		for sub := range t.subs {
			b.removeLocked(t, sub)
		}
	}
}
