// Package ingest implements the Ingest Stream: an in-memory queue of
// PCMChunks with Poll/Ack delivery, ordered per session and bounded per session
// with backpressure-by-dropping-oldest.
//
// No message-broker library (Redis, NATS, Kafka, AMQP) is available, so
// this is an in-process implementation — a single process-wide stream
// keyed by session id per record. The non-blocking-send-with-drop idiom
// and visibility-timeout reclaim loop follow the same event-emission shape
// used in pkg/session.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-relay/pkg/pipeline"
)

// record is one in-flight PCMChunk plus its consumer-group delivery state.
type record struct {
	chunk       pipeline.PCMChunk
	deliveredAt time.Time
	acked       bool
}

// Stream is the process-wide Ingest Stream. Each session has its own
// bounded, ordered queue; consumers pull with Poll and must Ack within the
// configured visibility timeout or the record is redelivered.
type Stream struct {
	mu                sync.Mutex
	queues            map[string][]*record
	inFlight          map[string]*record // recordID -> record
	backpressureMax   int
	visibilityTimeout time.Duration
	logger            pipeline.Logger

	dropped uint64
}

// Option configures a Stream.
type Option func(*Stream)

func WithLogger(l pipeline.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

func New(backpressureMax int, visibilityTimeout time.Duration, opts ...Option) *Stream {
	s := &Stream{
		queues:            make(map[string][]*record),
		inFlight:          make(map[string]*record),
		backpressureMax:   backpressureMax,
		visibilityTimeout: visibilityTimeout,
		logger:            &pipeline.NoOpLogger{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Publish enqueues chunk on its session's queue. If the queue is already at
// backpressureMax, the oldest unacked record for that session is dropped to
// make room, per the "drop oldest" backpressure contract.
func (s *Stream) Publish(chunk pipeline.PCMChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[chunk.SessionID]
	for len(q) > 0 && q[0].acked {
		q = q[1:]
	}
	if len(q) >= s.backpressureMax {
		dropped := q[0]
		q = q[1:]
		delete(s.inFlight, recordID(chunk.SessionID, dropped.chunk.Seq))
		s.dropped++
		s.logger.Warn("ingest stream backpressure: dropped oldest chunk", "session_id", chunk.SessionID, "seq", dropped.chunk.Seq)
	}

	q = append(q, &record{chunk: chunk})
	s.queues[chunk.SessionID] = q
}

// Poll returns the next unclaimed, in-order record for sessionID, marking it
// in-flight under a visibility timeout. It returns ok=false if the queue is
// empty or the head record is already claimed and still within its
// visibility window.
func (s *Stream) Poll(sessionID string) (pipeline.PCMChunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[sessionID]
	for len(q) > 0 {
		head := q[0]
		if head.acked {
			q = q[1:]
			continue
		}
		if !head.deliveredAt.IsZero() && time.Since(head.deliveredAt) < s.visibilityTimeout {
			s.queues[sessionID] = q
			return pipeline.PCMChunk{}, false
		}
		head.deliveredAt = time.Now()
		s.inFlight[recordID(sessionID, head.chunk.Seq)] = head
		s.queues[sessionID] = q
		return head.chunk, true
	}
	s.queues[sessionID] = q
	return pipeline.PCMChunk{}, false
}

// Ack confirms processing of a delivered record, removing it from the
// session's queue permanently.
func (s *Stream) Ack(sessionID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.inFlight[recordID(sessionID, seq)]; ok {
		r.acked = true
		delete(s.inFlight, recordID(sessionID, seq))
	}
}

// Dropped returns the total number of chunks dropped to backpressure since
// construction.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Depth returns the current queue length for sessionID.
func (s *Stream) Depth(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[sessionID])
}

func recordID(sessionID string, seq uint64) string {
	return fmt.Sprintf("%s:%d", sessionID, seq)
}

// Consume runs fn over every delivered record for sessionID until ctx is
// canceled, acking on success and leaving the record to be redelivered
// after the visibility timeout on error. It polls at pollInterval when the
// queue is empty.
func Consume(ctx context.Context, s *Stream, sessionID string, pollInterval time.Duration, fn func(pipeline.PCMChunk) error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chunk, ok := s.Poll(sessionID)
			if !ok {
				continue
			}
			if err := fn(chunk); err != nil {
				s.logger.Warn("ingest consume failed, will redeliver", "session_id", sessionID, "seq", chunk.Seq, "error", err)
				continue
			}
			s.Ack(sessionID, chunk.Seq)
		}
	}
}
