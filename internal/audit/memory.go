package audit

import (
	"context"
	"sort"
	"sync"

	"itcenter.org/staffauth/internal/auth"
	"itcenter.org/staffauth/internal/page"
)

// MemoryStore is an append-only in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	events []auth.AuditEvent
	nextID int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, evt auth.AuditEvent) (auth.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	evt.ID = s.nextID
	s.events = append(s.events, evt)
	return evt, nil
}

func (s *MemoryStore) Find(_ context.Context, c Criteria, req page.Request) ([]auth.AuditEvent, int64, error) {
	s.mu.RLock()
	matched := s.matchLocked(c)
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return page.Slice(matched, req), int64(len(matched)), nil
}

func (s *MemoryStore) Count(_ context.Context, c Criteria) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.matchLocked(c))), nil
}

// Len reports the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemoryStore) matchLocked(c Criteria) []auth.AuditEvent {
	out := make([]auth.AuditEvent, 0)
	for _, evt := range s.events {
		if matches(evt, c) {
			out = append(out, evt)
		}
	}
	return out
}

func matches(evt auth.AuditEvent, c Criteria) bool {
	if c.UserID != "" && evt.UserID != c.UserID {
		return false
	}
	if c.EventType != "" && evt.EventType != c.EventType {
		return false
	}
	if !c.From.IsZero() && evt.CreatedAt.Before(c.From) {
		return false
	}
	if !c.To.IsZero() && evt.CreatedAt.After(c.To) {
		return false
	}
	if c.Success != nil && evt.Success != *c.Success {
		return false
	}
	return true
}
