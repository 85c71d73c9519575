// Package redis provides the hot cache tier for session context records.
//
// Records live under a context key with the cache's native TTL; the append log
// lives in a Redis list under a sibling key that shares the TTL. Eviction is
// entirely Redis-driven so the context service never polls for expiry.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/elva-ai/contextd/runtime/sessionctx"
)

const (
	contextKeyPrefix = "ctx:context:"
	appendKeyPrefix  = "ctx:append:"
	defaultOpTimeout = 500 * time.Millisecond
	cacheClientName  = "context-redis"
)

type (
	// commands is the subset of go-redis commands the cache relies on. It is
	// satisfied by *goredis.Client and fakeable in tests.
	commands interface {
		Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
		Get(ctx context.Context, key string) *goredis.StringCmd
		RPush(ctx context.Context, key string, values ...any) *goredis.IntCmd
		LRange(ctx context.Context, key string, start, stop int64) *goredis.StringSliceCmd
		Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd
		Del(ctx context.Context, keys ...string) *goredis.IntCmd
		Ping(ctx context.Context) *goredis.StatusCmd
	}

	// Cache implements sessionctx.Cache on top of Redis.
	Cache struct {
		rdb     commands
		timeout time.Duration
	}

	// Options configures the Redis cache.
	Options struct {
		// Client is the Redis client. Required.
		Client *goredis.Client
		// Timeout bounds each Redis operation. The cache is a latency
		// optimization, so the default is sub-second (500ms).
		Timeout time.Duration
	}

	cachedRecord struct {
		SessionID   string         `json:"session_id"`
		Intent      string         `json:"intent"`
		Data        map[string]any `json:"data"`
		CreatedAt   time.Time      `json:"created_at"`
		LastUpdated time.Time      `json:"last_updated"`
		ExpiresAt   time.Time      `json:"expires_at"`
	}

	cachedEntry struct {
		ID         string         `json:"id"`
		Source     string         `json:"source"`
		Output     map[string]any `json:"output,omitempty"`
		AppendedAt time.Time      `json:"appended_at"`
	}
)

// New returns a Cache backed by the provided Redis client.
func New(opts Options) (*Cache, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Cache{rdb: opts.Client, timeout: timeout}, nil
}

func newCacheWithCommands(rdb commands, timeout time.Duration) *Cache {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Cache{rdb: rdb, timeout: timeout}
}

// Name implements health.Pinger.
func (c *Cache) Name() string {
	return cacheClientName
}

// Ping implements health.Pinger.
func (c *Cache) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.rdb.Ping(ctx).Err()
}

// Put implements sessionctx.Cache. A nil Appends slice leaves the cached
// append log untouched; a non-nil slice replaces it wholesale. The TTL is
// refreshed on both keys either way so the record and its log evict together.
func (c *Cache) Put(ctx context.Context, rec sessionctx.Record, ttl time.Duration) error {
	if rec.SessionID == "" {
		return errors.New("session id is required")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	body, err := json.Marshal(cachedRecord{
		SessionID:   rec.SessionID,
		Intent:      rec.Intent,
		Data:        rec.Data,
		CreatedAt:   rec.CreatedAt.UTC(),
		LastUpdated: rec.LastUpdated.UTC(),
		ExpiresAt:   rec.ExpiresAt.UTC(),
	})
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, contextKeyPrefix+rec.SessionID, body, ttl).Err(); err != nil {
		return err
	}
	appendKey := appendKeyPrefix + rec.SessionID
	if rec.Appends == nil {
		// The log key must stay on the record key's clock: refreshing only one
		// would let the list evict first and a later hit would report an empty
		// log. EXPIRE on an absent key is a no-op.
		return c.rdb.Expire(ctx, appendKey, ttl).Err()
	}

	if err := c.rdb.Del(ctx, appendKey).Err(); err != nil {
		return err
	}
	if len(rec.Appends) == 0 {
		return nil
	}
	values := make([]any, 0, len(rec.Appends))
	for _, e := range rec.Appends {
		item, err := json.Marshal(fromEntry(e))
		if err != nil {
			return err
		}
		values = append(values, item)
	}
	if err := c.rdb.RPush(ctx, appendKey, values...).Err(); err != nil {
		return err
	}
	return c.rdb.Expire(ctx, appendKey, ttl).Err()
}

// Get implements sessionctx.Cache. A missing context key is a miss, not an
// error; real transport failures are returned so the service can log them.
func (c *Cache) Get(ctx context.Context, sessionID string) (sessionctx.Record, bool, error) {
	if sessionID == "" {
		return sessionctx.Record{}, false, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	body, err := c.rdb.Get(ctx, contextKeyPrefix+sessionID).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return sessionctx.Record{}, false, nil
		}
		return sessionctx.Record{}, false, err
	}
	var doc cachedRecord
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return sessionctx.Record{}, false, err
	}

	items, err := c.rdb.LRange(ctx, appendKeyPrefix+sessionID, 0, -1).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return sessionctx.Record{}, false, err
	}
	entries := make([]sessionctx.AppendEntry, 0, len(items))
	for _, item := range items {
		var e cachedEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return sessionctx.Record{}, false, err
		}
		entries = append(entries, e.toEntry())
	}

	return sessionctx.Record{
		SessionID:   doc.SessionID,
		Intent:      doc.Intent,
		Data:        doc.Data,
		Appends:     entries,
		CreatedAt:   doc.CreatedAt,
		LastUpdated: doc.LastUpdated,
		ExpiresAt:   doc.ExpiresAt,
	}, true, nil
}

// Append implements sessionctx.Cache. The TTL is refreshed on both keys so the
// record and its log evict together.
func (c *Cache) Append(ctx context.Context, sessionID string, entry sessionctx.AppendEntry, ttl time.Duration) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if ttl <= 0 {
		return errors.New("ttl must be positive")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	item, err := json.Marshal(fromEntry(entry))
	if err != nil {
		return err
	}
	appendKey := appendKeyPrefix + sessionID
	if err := c.rdb.RPush(ctx, appendKey, item).Err(); err != nil {
		return err
	}
	if err := c.rdb.Expire(ctx, appendKey, ttl).Err(); err != nil {
		return err
	}
	return c.rdb.Expire(ctx, contextKeyPrefix+sessionID, ttl).Err()
}

// Delete implements sessionctx.Cache.
func (c *Cache) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.rdb.Del(ctx, contextKeyPrefix+sessionID, appendKeyPrefix+sessionID).Err()
}

func (c *Cache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

func fromEntry(e sessionctx.AppendEntry) cachedEntry {
	return cachedEntry{
		ID:         e.ID,
		Source:     e.Source,
		Output:     e.Output,
		AppendedAt: e.AppendedAt.UTC(),
	}
}

func (e cachedEntry) toEntry() sessionctx.AppendEntry {
	return sessionctx.AppendEntry{
		ID:         e.ID,
		Source:     e.Source,
		Output:     e.Output,
		AppendedAt: e.AppendedAt,
	}
}

var _ sessionctx.Cache = (*Cache)(nil)
