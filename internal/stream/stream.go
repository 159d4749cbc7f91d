package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"itcenter.org/staffauth/internal/auth"
)

// Stream fan-outs recorded audit events to all active subscribers (SSE clients).
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]chan auth.AuditEvent
	next    int
	buffer  int
	dropped atomic.Uint64
}

// New initialises an empty stream. buffer sizes each subscriber channel.
func New(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{
		subs:   make(map[int]chan auth.AuditEvent),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan auth.AuditEvent {
	ch := make(chan auth.AuditEvent, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt auth.AuditEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking the audit write path.
			s.dropped.Add(1)
		}
	}
}

// Subscribers reports the number of active subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}
