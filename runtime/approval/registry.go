package approval

import (
	"sync"
	"time"
)

// DefaultMaxAge is the staleness window after which an unresolved action is
// purged without dispatching. The legacy behavior tied expiry loosely to chat
// session resets; here it is an explicit configuration value.
const DefaultMaxAge = 30 * time.Minute

type (
	// Registry is the in-memory table mapping session id to its single
	// outstanding pending action. It is safe for concurrent use: all
	// mutations are O(1) map operations under one lock, so same-session
	// calls are serialized and removal is atomic (a taken action can never
	// be taken twice).
	Registry struct {
		mu      sync.Mutex
		actions map[string]Action
		maxAge  time.Duration
		now     func() time.Time
	}

	// RegistryOption configures the Registry.
	RegistryOption func(*Registry)
)

// WithMaxAge overrides the staleness window (default 30m). Zero or negative
// disables age-based expiry.
func WithMaxAge(d time.Duration) RegistryOption {
	return func(r *Registry) { r.maxAge = d }
}

// WithRegistryClock overrides the wall clock. Used by tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		actions: make(map[string]Action),
		maxAge:  DefaultMaxAge,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Put registers the action for its session, replacing any unresolved one.
// Returns true when an earlier action was discarded.
func (r *Registry) Put(a Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.liveLocked(a.SessionID)
	r.actions[a.SessionID] = a.clone()
	return replaced
}

// Get returns a copy of the session's pending action.
// Returns ErrNothingPending when none exists or the entry aged out.
func (r *Registry) Get(sessionID string) (Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.liveLocked(sessionID)
	if !ok {
		return Action{}, ErrNothingPending
	}
	return a.clone(), nil
}

// Update applies fn to the session's pending action under the registry lock
// and returns the updated copy. Returns ErrNothingPending when none exists.
func (r *Registry) Update(sessionID string, fn func(*Action)) (Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.liveLocked(sessionID)
	if !ok {
		return Action{}, ErrNothingPending
	}
	fn(&a)
	r.actions[sessionID] = a
	return a.clone(), nil
}

// Take atomically removes and returns the session's pending action. Exactly
// one caller can take a given action; everyone else gets ErrNothingPending.
func (r *Registry) Take(sessionID string) (Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.liveLocked(sessionID)
	if !ok {
		return Action{}, ErrNothingPending
	}
	delete(r.actions, sessionID)
	return a, nil
}

// ExpireStale purges every action older than the staleness window and returns
// the number purged. A purge never dispatches.
func (r *Registry) ExpireStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxAge <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.maxAge)
	purged := 0
	for sid, a := range r.actions {
		if a.CreatedAt.Before(cutoff) {
			delete(r.actions, sid)
			purged++
		}
	}
	return purged
}

// Len reports the number of pending actions across all sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

// liveLocked returns the session's action, lazily purging it when it has aged
// out. Callers must hold r.mu.
func (r *Registry) liveLocked(sessionID string) (Action, bool) {
	a, ok := r.actions[sessionID]
	if !ok {
		return Action{}, false
	}
	if r.maxAge > 0 && a.CreatedAt.Before(r.now().Add(-r.maxAge)) {
		delete(r.actions, sessionID)
		return Action{}, false
	}
	return a, true
}
