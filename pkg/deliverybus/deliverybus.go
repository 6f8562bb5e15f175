// Package deliverybus implements the Delivery Bus: a
// best-effort, in-process pub/sub fan-out of TranslationResults per call.
// Unlike the Ingest Stream it is not durable and does not redeliver —
// slow or disconnected subscribers simply miss messages, using the same
// non-blocking-send-and-drop idiom as pkg/session's event channel.
package deliverybus

import (
	"sync"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

// Subscription is a single subscriber's best-effort delivery channel.
type Subscription struct {
	ch     chan pipeline.TranslationResult
	bus    *Bus
	callID string
	id     uint64
}

// C returns the channel to receive published results on.
func (s *Subscription) C() <-chan pipeline.TranslationResult { return s.ch }

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.callID, s.id)
}

// Bus fans out TranslationResults to every live subscriber of a call.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]chan pipeline.TranslationResult
	nextID      uint64
	bufferSize  int
	logger      pipeline.Logger
}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(l pipeline.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

func New(bufferSize int, opts ...Option) *Bus {
	b := &Bus{
		subscribers: make(map[string]map[uint64]chan pipeline.TranslationResult),
		bufferSize:  bufferSize,
		logger:      &pipeline.NoOpLogger{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers interest in callID's published results.
func (b *Bus) Subscribe(callID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan pipeline.TranslationResult, b.bufferSize)
	if b.subscribers[callID] == nil {
		b.subscribers[callID] = make(map[uint64]chan pipeline.TranslationResult)
	}
	b.subscribers[callID][id] = ch

	return &Subscription{ch: ch, bus: b, callID: callID, id: id}
}

func (b *Bus) unsubscribe(callID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[callID]
	if subs == nil {
		return
	}
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(b.subscribers, callID)
	}
}

// Publish fans result out to every live subscriber of result.CallID. A
// subscriber whose channel is full misses the message; Publish never
// blocks and never retries.
func (b *Bus) Publish(result pipeline.TranslationResult) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[result.CallID] {
		select {
		case ch <- result:
		default:
			b.logger.Warn("delivery bus: subscriber channel full, dropping result", "call_id", result.CallID, "utterance_id", result.UtteranceID)
		}
	}
}

// SubscriberCount returns the number of live subscribers for callID.
func (b *Bus) SubscriberCount(callID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[callID])
}
