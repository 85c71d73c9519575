package sessionctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/elva-ai/contextd/runtime/telemetry"
)

// DefaultTTL is the context time-to-live applied when none is configured.
const DefaultTTL = 24 * time.Hour

type (
	// Service orchestrates reads and writes across the hot cache and the
	// durable store. Writes go through the cache best-effort and must land in
	// the durable store; reads try the cache first and fall back.
	Service struct {
		store   Store
		cache   Cache
		ttl     time.Duration
		logger  telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time
	}

	// ServiceOption configures optional aspects of the Service.
	ServiceOption func(*Service)
)

// WithCache attaches a hot cache tier. Without one the service operates on the
// durable store alone.
func WithCache(c Cache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// WithTTL overrides the context TTL (default 24h).
func WithTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLogger sets the logger used to report cache degradation.
func WithLogger(l telemetry.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides the wall clock. Used by tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a Service on top of the given durable store.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("durable store is required")
	}
	s := &Service{
		store:   store,
		ttl:     DefaultTTL,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// TTL reports the configured context time-to-live.
func (s *Service) TTL() time.Duration { return s.ttl }

// Write replaces the record's intent and data wholesale and resets its TTL.
// The hot cache is written best-effort first; the durable store must succeed
// or the call fails with ErrStorageUnavailable. The durable store owns
// CreatedAt: on a rewrite the original creation time is propagated back into
// the cache and the returned record.
func (s *Service) Write(ctx context.Context, sessionID, intent string, data map[string]any) (Record, error) {
	if sessionID == "" {
		return Record{}, fmt.Errorf("%w: session id is required", ErrInvalidPayload)
	}
	if intent == "" {
		return Record{}, fmt.Errorf("%w: intent is required", ErrInvalidPayload)
	}
	if data == nil {
		data = map[string]any{}
	}

	now := s.now().UTC()
	rec := Record{
		SessionID:   sessionID,
		Intent:      intent,
		Data:        data,
		CreatedAt:   now,
		LastUpdated: now,
		ExpiresAt:   now.Add(s.ttl),
	}

	if s.cache != nil {
		// Appends stays nil so the cached append log is preserved.
		if err := s.cache.Put(ctx, rec, s.ttl); err != nil {
			s.logger.Warn(ctx, "hot cache write failed", "session_id", sessionID, "err", err.Error())
			s.metrics.IncCounter("context_cache_errors", 1, "op", "write")
		}
	}
	stored, err := s.store.Put(ctx, rec)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !stored.CreatedAt.Equal(rec.CreatedAt) {
		// Existing session: the durable tier kept the original creation time.
		// Rewrite the cached record so both tiers report the same CreatedAt.
		rec.CreatedAt = stored.CreatedAt
		if s.cache != nil {
			if err := s.cache.Put(ctx, rec, s.ttl); err != nil {
				s.logger.Warn(ctx, "hot cache write failed", "session_id", sessionID, "err", err.Error())
				s.metrics.IncCounter("context_cache_errors", 1, "op", "write")
			}
		}
	}
	s.metrics.IncCounter("context_writes", 1)
	return rec, nil
}

// Read returns the record for the session, trying the hot cache first and
// falling back to the durable store. On durable fallback the cache is
// repopulated best-effort. Returns ErrNotFound when absent from both tiers.
func (s *Service) Read(ctx context.Context, sessionID string) (Record, error) {
	if sessionID == "" {
		return Record{}, fmt.Errorf("%w: session id is required", ErrInvalidPayload)
	}

	if s.cache != nil {
		rec, ok, err := s.cache.Get(ctx, sessionID)
		if err != nil {
			s.logger.Warn(ctx, "hot cache read failed", "session_id", sessionID, "err", err.Error())
			s.metrics.IncCounter("context_cache_errors", 1, "op", "read")
		} else if ok {
			s.metrics.IncCounter("context_cache_hits", 1)
			return rec, nil
		}
	}

	rec, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	s.metrics.IncCounter("context_cache_misses", 1)
	s.repopulate(ctx, rec)
	return rec, nil
}

// Append adds one entry to the session's append log and refreshes the TTL in
// both tiers. The durable store is the correctness tier and goes first; the
// cache follows best-effort. Returns ErrNotFound when no record exists.
func (s *Service) Append(ctx context.Context, sessionID, source string, output map[string]any) (AppendEntry, error) {
	if sessionID == "" {
		return AppendEntry{}, fmt.Errorf("%w: session id is required", ErrInvalidPayload)
	}
	if source == "" {
		return AppendEntry{}, fmt.Errorf("%w: source is required", ErrInvalidPayload)
	}
	if output == nil {
		output = map[string]any{}
	}

	now := s.now().UTC()
	entry := AppendEntry{
		ID:         uuid.NewString(),
		Source:     source,
		Output:     output,
		AppendedAt: now,
	}
	if err := s.store.Append(ctx, sessionID, entry, now, now.Add(s.ttl)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return AppendEntry{}, ErrNotFound
		}
		return AppendEntry{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if s.cache != nil {
		if err := s.cache.Append(ctx, sessionID, entry, s.ttl); err != nil {
			s.logger.Warn(ctx, "hot cache append failed", "session_id", sessionID, "err", err.Error())
			s.metrics.IncCounter("context_cache_errors", 1, "op", "append")
			// The cached log is now missing this entry. Evict the record so
			// the next read falls back to the durable tier instead of serving
			// a short log from a hit.
			if derr := s.cache.Delete(ctx, sessionID); derr != nil {
				s.logger.Warn(ctx, "hot cache evict failed", "session_id", sessionID, "err", derr.Error())
			}
		}
	}
	s.metrics.IncCounter("context_appends", 1, "source", source)
	return entry, nil
}

// Delete removes the session from both tiers. Idempotent: deleting an absent
// session succeeds.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidPayload)
	}
	if s.cache != nil {
		if err := s.cache.Delete(ctx, sessionID); err != nil {
			s.logger.Warn(ctx, "hot cache delete failed", "session_id", sessionID, "err", err.Error())
			s.metrics.IncCounter("context_cache_errors", 1, "op", "delete")
		}
	}
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// repopulate pushes a durably-read record back into the hot cache with the
// remaining TTL. Failures only cost the next read a durable round-trip.
func (s *Service) repopulate(ctx context.Context, rec Record) {
	if s.cache == nil {
		return
	}
	remaining := rec.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		return
	}
	if rec.Appends == nil {
		// Force cached append log replacement so the tiers agree.
		rec.Appends = []AppendEntry{}
	}
	if err := s.cache.Put(context.WithoutCancel(ctx), rec, remaining); err != nil {
		s.logger.Warn(ctx, "hot cache repopulate failed", "session_id", rec.SessionID, "err", err.Error())
		s.metrics.IncCounter("context_cache_errors", 1, "op", "repopulate")
	}
}
