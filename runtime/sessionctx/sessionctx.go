// Package sessionctx defines the per-conversation context primitives and the
// service that orchestrates them across a volatile hot tier and a durable tier.
//
// A Record is the first-class context container. Its identity is the opaque
// session id owned by the calling application. The record's intent and data
// are replaced wholesale on every write; the append log only ever grows and
// is never reordered.
package sessionctx

import (
	"context"
	"errors"
	"time"
)

type (
	// Record captures the context accumulated for one session.
	//
	// Contract:
	// - Session IDs are stable and caller-provided.
	// - Intent and Data reflect the most recent write; earlier values are gone.
	// - Appends is append-only and preserves insertion order.
	// - ExpiresAt governs hot-tier eviction only; the durable copy is retained
	//   until explicitly deleted.
	Record struct {
		// SessionID is the durable identifier of the session.
		SessionID string
		// Intent is the last-known primary intent for the session.
		Intent string
		// Data holds the intent-specific fields from the most recent write.
		Data map[string]any
		// Appends is the ordered log of downstream outputs for the session.
		Appends []AppendEntry
		// CreatedAt records when the record was first written.
		CreatedAt time.Time
		// LastUpdated records the most recent write or append.
		LastUpdated time.Time
		// ExpiresAt is LastUpdated plus the configured TTL.
		ExpiresAt time.Time
	}

	// AppendEntry is one element of a record's append log.
	AppendEntry struct {
		// ID uniquely identifies the entry.
		ID string
		// Source names the producer of the output (for example "orchestrator").
		Source string
		// Output is the structured payload being recorded.
		Output map[string]any
		// AppendedAt records when the entry was added.
		AppendedAt time.Time
	}

	// Store persists context records durably. It is the source of truth:
	// failures are surfaced to callers, never swallowed.
	Store interface {
		// Put inserts or replaces the record's intent and data. The append log
		// is not touched. Returns the stored record: for an existing session
		// CreatedAt is the original creation time, not the one passed in. The
		// returned record's Appends is nil (Put never reads the log).
		Put(ctx context.Context, rec Record) (Record, error)
		// Get loads an existing record including its append log.
		// Returns ErrNotFound when the session does not exist.
		Get(ctx context.Context, sessionID string) (Record, error)
		// Append adds one entry to the record's append log and refreshes the
		// record's LastUpdated and ExpiresAt. It must be atomic with respect to
		// concurrent appends on the same session: both entries survive.
		// Returns ErrNotFound when the session does not exist.
		Append(ctx context.Context, sessionID string, entry AppendEntry, lastUpdated, expiresAt time.Time) error
		// Delete removes the record and its append log. Deleting an absent
		// session is not an error.
		Delete(ctx context.Context, sessionID string) error
	}

	// Cache is the volatile hot tier. Implementations must rely on the cache's
	// native TTL mechanism for eviction. Cache failures degrade latency only;
	// the Service never fails a call because of them.
	Cache interface {
		// Put stores the record under the given TTL. When rec.Appends is
		// non-nil the cached append log is replaced wholesale; when nil the
		// cached log is left untouched.
		Put(ctx context.Context, rec Record, ttl time.Duration) error
		// Get returns the cached record and whether it was present.
		Get(ctx context.Context, sessionID string) (Record, bool, error)
		// Append extends the cached append log and refreshes the TTL on both
		// the record and the log.
		Append(ctx context.Context, sessionID string, entry AppendEntry, ttl time.Duration) error
		// Delete evicts the record and its append log.
		Delete(ctx context.Context, sessionID string) error
	}
)

var (
	// ErrNotFound indicates no context exists for the session in any tier.
	ErrNotFound = errors.New("context not found")
	// ErrInvalidPayload indicates a malformed write or append input, rejected
	// before touching storage.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrStorageUnavailable indicates the durable tier failed. Writes and
	// appends are fatal on this error; callers may retry.
	ErrStorageUnavailable = errors.New("durable store unavailable")
)
