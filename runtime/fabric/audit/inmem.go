package audit

import (
	"context"
	"sync"

	"goa.design/fabric/runtime/fabric/session"
)

// defaultListLimit bounds ListSession when the caller passes zero.
const defaultListLimit = 50

// InMemSink is a map-backed Sink for tests and single-process development.
type InMemSink struct {
	mu      sync.RWMutex
	byTurn  map[string]*Record
	byKey   map[session.Key][]*Record
}

// NewInMemSink returns an empty in-memory sink.
func NewInMemSink() *InMemSink {
	return &InMemSink{
		byTurn: make(map[string]*Record),
		byKey:  make(map[session.Key][]*Record),
	}
}

// SaveTurn stores the record unless its TurnID was already saved.
func (s *InMemSink) SaveTurn(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byTurn[rec.TurnID]; exists {
		return nil
	}
	cp := *rec
	s.byTurn[rec.TurnID] = &cp
	s.byKey[rec.SessionKey] = append(s.byKey[rec.SessionKey], &cp)
	return nil
}

// LoadTurn returns the stored record or ErrNotFound.
func (s *InMemSink) LoadTurn(_ context.Context, turnID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byTurn[turnID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// ListSession returns the session's records newest first.
func (s *InMemSink) ListSession(_ context.Context, key session.Key, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.byKey[key]
	out := make([]*Record, 0, min(limit, len(recs)))
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *recs[i]
		out = append(out, &cp)
	}
	return out, nil
}
