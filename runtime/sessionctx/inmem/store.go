// Package inmem provides an in-memory implementation of sessionctx.Store.
//
// It is intended for tests and local development. Production deployments should
// use a durable implementation (for example features/context/mongo).
package inmem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/elva-ai/contextd/runtime/sessionctx"
)

type (
	// Store is an in-memory implementation of sessionctx.Store.
	// It is safe for concurrent use.
	Store struct {
		mu      sync.RWMutex
		records map[string]sessionctx.Record
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{records: make(map[string]sessionctx.Record)}
}

// Put implements sessionctx.Store.
func (s *Store) Put(_ context.Context, rec sessionctx.Record) (sessionctx.Record, error) {
	if rec.SessionID == "" {
		return sessionctx.Record{}, errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[rec.SessionID]
	out := sessionctx.Record{
		SessionID:   rec.SessionID,
		Intent:      rec.Intent,
		Data:        cloneMap(rec.Data),
		CreatedAt:   rec.CreatedAt.UTC(),
		LastUpdated: rec.LastUpdated.UTC(),
		ExpiresAt:   rec.ExpiresAt.UTC(),
	}
	if ok {
		out.CreatedAt = existing.CreatedAt
		out.Appends = existing.Appends
	}
	s.records[rec.SessionID] = out

	stored := out
	stored.Data = cloneMap(out.Data)
	stored.Appends = nil
	return stored, nil
}

// Get implements sessionctx.Store.
func (s *Store) Get(_ context.Context, sessionID string) (sessionctx.Record, error) {
	if sessionID == "" {
		return sessionctx.Record{}, errors.New("session id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return sessionctx.Record{}, sessionctx.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Append implements sessionctx.Store.
func (s *Store) Append(_ context.Context, sessionID string, entry sessionctx.AppendEntry, lastUpdated, expiresAt time.Time) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[sessionID]
	if !ok {
		return sessionctx.ErrNotFound
	}
	entry.Output = cloneMap(entry.Output)
	entry.AppendedAt = entry.AppendedAt.UTC()
	rec.Appends = append(rec.Appends, entry)
	rec.LastUpdated = lastUpdated.UTC()
	rec.ExpiresAt = expiresAt.UTC()
	s.records[sessionID] = rec
	return nil
}

// Delete implements sessionctx.Store.
func (s *Store) Delete(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
	return nil
}

func cloneRecord(rec sessionctx.Record) sessionctx.Record {
	out := rec
	out.Data = cloneMap(rec.Data)
	if rec.Appends != nil {
		out.Appends = make([]sessionctx.AppendEntry, len(rec.Appends))
		for i, e := range rec.Appends {
			e.Output = cloneMap(e.Output)
			out.Appends[i] = e
		}
	}
	return out
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
