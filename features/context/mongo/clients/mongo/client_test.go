package mongo

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/elva-ai/contextd/runtime/sessionctx"
)

func TestEnsureIndexes(t *testing.T) {
	contexts := newFakeContextsCollection()
	appends := newFakeAppendsCollection()
	err := ensureIndexes(context.Background(), contexts, appends)
	require.NoError(t, err)
	require.Equal(t, 1, contexts.indexCreated)
	require.Equal(t, 2, appends.indexCreated)
}

func TestPutThenLoad(t *testing.T) {
	client := mustNewTestClient()
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := sessionctx.Record{
		SessionID:   "s1",
		Intent:      "send_email",
		Data:        map[string]any{"recipient": "bob@x.com"},
		CreatedAt:   now,
		LastUpdated: now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
	stored, err := client.PutContext(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, stored.CreatedAt.Equal(now))

	loaded, err := client.LoadContext(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "send_email", loaded.Intent)
	require.Equal(t, map[string]any{"recipient": "bob@x.com"}, loaded.Data)
	require.True(t, loaded.CreatedAt.Equal(now))
	require.Empty(t, loaded.Appends)
}

func TestPutPreservesCreatedAt(t *testing.T) {
	client := mustNewTestClient()
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := sessionctx.Record{
		SessionID:   "s1",
		Intent:      "send_email",
		Data:        map[string]any{},
		CreatedAt:   now,
		LastUpdated: now,
		ExpiresAt:   now.Add(time.Hour),
	}
	_, err := client.PutContext(context.Background(), rec)
	require.NoError(t, err)

	later := now.Add(time.Minute)
	rec.Intent = "create_event"
	rec.CreatedAt = later
	rec.LastUpdated = later
	stored, err := client.PutContext(context.Background(), rec)
	require.NoError(t, err)

	// The returned record reflects what Mongo kept, not what was passed in.
	require.True(t, stored.CreatedAt.Equal(now))
	require.True(t, stored.LastUpdated.Equal(later))

	loaded, err := client.LoadContext(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "create_event", loaded.Intent)
	require.True(t, loaded.CreatedAt.Equal(now))
	require.True(t, loaded.LastUpdated.Equal(later))
}

func TestLoadMissingIsNotFound(t *testing.T) {
	client := mustNewTestClient()
	_, err := client.LoadContext(context.Background(), "nope")
	require.ErrorIs(t, err, sessionctx.ErrNotFound)
}

func TestAppendRequiresContext(t *testing.T) {
	client := mustNewTestClient()
	now := time.Now().UTC()
	err := client.AppendOutput(context.Background(), "nope", sessionctx.AppendEntry{
		ID:         "e1",
		Source:     "x",
		AppendedAt: now,
	}, now, now.Add(time.Hour))
	require.ErrorIs(t, err, sessionctx.ErrNotFound)
}

func TestAppendOrderPreserved(t *testing.T) {
	client := mustNewTestClient()
	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err := client.PutContext(context.Background(), sessionctx.Record{
		SessionID:   "s1",
		Intent:      "send_email",
		Data:        map[string]any{},
		CreatedAt:   now,
		LastUpdated: now,
		ExpiresAt:   now.Add(time.Hour),
	})
	require.NoError(t, err)

	for i, src := range []string{"x", "y", "z"} {
		at := now.Add(time.Duration(i+1) * time.Second)
		require.NoError(t, client.AppendOutput(context.Background(), "s1", sessionctx.AppendEntry{
			ID:         src,
			Source:     src,
			Output:     map[string]any{"i": i},
			AppendedAt: at,
		}, at, at.Add(time.Hour)))
	}

	loaded, err := client.LoadContext(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, loaded.Appends, 3)
	require.Equal(t, "x", loaded.Appends[0].Source)
	require.Equal(t, "y", loaded.Appends[1].Source)
	require.Equal(t, "z", loaded.Appends[2].Source)
}

func TestAppendRefreshesExpiry(t *testing.T) {
	client := mustNewTestClient()
	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err := client.PutContext(context.Background(), sessionctx.Record{
		SessionID:   "s1",
		Intent:      "send_email",
		Data:        map[string]any{},
		CreatedAt:   now,
		LastUpdated: now,
		ExpiresAt:   now.Add(time.Hour),
	})
	require.NoError(t, err)

	later := now.Add(30 * time.Minute)
	require.NoError(t, client.AppendOutput(context.Background(), "s1", sessionctx.AppendEntry{
		ID:         "e1",
		Source:     "x",
		AppendedAt: later,
	}, later, later.Add(time.Hour)))

	loaded, err := client.LoadContext(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, loaded.LastUpdated.Equal(later))
	require.True(t, loaded.ExpiresAt.Equal(later.Add(time.Hour)))
}

func TestDeleteRemovesContextAndAppends(t *testing.T) {
	client := mustNewTestClient()
	now := time.Now().UTC()
	_, err := client.PutContext(context.Background(), sessionctx.Record{
		SessionID:   "s1",
		Intent:      "send_email",
		Data:        map[string]any{},
		CreatedAt:   now,
		LastUpdated: now,
		ExpiresAt:   now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.NoError(t, client.AppendOutput(context.Background(), "s1", sessionctx.AppendEntry{
		ID:         "e1",
		Source:     "x",
		AppendedAt: now,
	}, now, now.Add(time.Hour)))

	require.NoError(t, client.DeleteContext(context.Background(), "s1"))
	_, err = client.LoadContext(context.Background(), "s1")
	require.ErrorIs(t, err, sessionctx.ErrNotFound)

	// Idempotent.
	require.NoError(t, client.DeleteContext(context.Background(), "s1"))
}

func mustNewTestClient() *client {
	contexts := newFakeContextsCollection()
	appends := newFakeAppendsCollection()
	cl, err := newClientWithCollections(nil, contexts, appends, time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

type fakeContextsCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         map[string]contextDocument
}

func newFakeContextsCollection() *fakeContextsCollection {
	return &fakeContextsCollection{docs: make(map[string]contextDocument)}
}

func (c *fakeContextsCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID := filter.(bson.M)["session_id"].(string)
	doc, ok := c.docs[sessionID]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeContextsCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	return newFakeCursor(nil), nil
}

func (c *fakeContextsCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessionID := filter.(bson.M)["session_id"].(string)
	doc, ok := c.docs[sessionID]

	upsert := false
	if len(opts) > 0 && opts[0] != nil && opts[0].Upsert != nil {
		upsert = *opts[0].Upsert
	}
	if !ok && !upsert {
		return &mongodriver.UpdateResult{MatchedCount: 0}, nil
	}

	up := update.(bson.M)
	if !ok {
		if soi, sok := up["$setOnInsert"].(bson.M); sok {
			if v, vok := soi["session_id"].(string); vok {
				doc.SessionID = v
			}
			if v, vok := soi["created_at"].(time.Time); vok {
				doc.CreatedAt = v
			}
		}
	}
	if set, sok := up["$set"].(bson.M); sok {
		if v, vok := set["intent"].(string); vok {
			doc.Intent = v
		}
		if v, vok := set["data"].(map[string]any); vok {
			doc.Data = v
		}
		if v, vok := set["last_updated"].(time.Time); vok {
			doc.LastUpdated = v
		}
		if v, vok := set["expires_at"].(time.Time); vok {
			doc.ExpiresAt = v
		}
	}
	c.docs[sessionID] = doc
	matched := int64(0)
	if ok {
		matched = 1
	}
	return &mongodriver.UpdateResult{MatchedCount: matched, UpsertedCount: 1 - matched}, nil
}

func (c *fakeContextsCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessionID := filter.(bson.M)["session_id"].(string)
	doc, ok := c.docs[sessionID]

	upsert := false
	if len(opts) > 0 && opts[0] != nil && opts[0].Upsert != nil {
		upsert = *opts[0].Upsert
	}
	if !ok && !upsert {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}

	up := update.(bson.M)
	if !ok {
		if soi, sok := up["$setOnInsert"].(bson.M); sok {
			if v, vok := soi["session_id"].(string); vok {
				doc.SessionID = v
			}
			if v, vok := soi["created_at"].(time.Time); vok {
				doc.CreatedAt = v
			}
		}
	}
	if set, sok := up["$set"].(bson.M); sok {
		if v, vok := set["intent"].(string); vok {
			doc.Intent = v
		}
		if v, vok := set["data"].(map[string]any); vok {
			doc.Data = v
		}
		if v, vok := set["last_updated"].(time.Time); vok {
			doc.LastUpdated = v
		}
		if v, vok := set["expires_at"].(time.Time); vok {
			doc.ExpiresAt = v
		}
	}
	c.docs[sessionID] = doc
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeContextsCollection) InsertOne(ctx context.Context, document any,
	opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return nil, errors.New("contexts collection does not accept inserts")
}

func (c *fakeContextsCollection) DeleteMany(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID := filter.(bson.M)["session_id"].(string)
	n := int64(0)
	if _, ok := c.docs[sessionID]; ok {
		delete(c.docs, sessionID)
		n = 1
	}
	return &mongodriver.DeleteResult{DeletedCount: n}, nil
}

func (c *fakeContextsCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeAppendsCollection struct {
	mu           sync.Mutex
	indexCreated int
	docs         []appendDocument
}

func newFakeAppendsCollection() *fakeAppendsCollection {
	return &fakeAppendsCollection{}
}

func (c *fakeAppendsCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeAppendsCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID := filter.(bson.M)["session_id"].(string)
	matched := make([]appendDocument, 0, len(c.docs))
	for _, doc := range c.docs {
		if doc.SessionID == sessionID {
			matched = append(matched, doc)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].AppendedAt.Before(matched[j].AppendedAt)
	})
	out := make([]any, len(matched))
	for i := range matched {
		copyDoc := matched[i]
		out[i] = &copyDoc
	}
	return newFakeCursor(out), nil
}

func (c *fakeAppendsCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return nil, errors.New("appends collection does not accept updates")
}

func (c *fakeAppendsCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) singleResult {
	return fakeSingleResult{err: errors.New("appends collection does not accept updates")}
}

func (c *fakeAppendsCollection) InsertOne(ctx context.Context, document any,
	opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := document.(appendDocument)
	c.docs = append(c.docs, doc)
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeAppendsCollection) DeleteMany(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessionID := filter.(bson.M)["session_id"].(string)
	kept := c.docs[:0]
	n := int64(0)
	for _, doc := range c.docs {
		if doc.SessionID == sessionID {
			n++
			continue
		}
		kept = append(kept, doc)
	}
	c.docs = kept
	return &mongodriver.DeleteResult{DeletedCount: n}, nil
}

func (c *fakeAppendsCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeIndexView struct {
	parent *int
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.parent++
	return "idx", nil
}

type fakeSingleResult struct {
	doc any
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	switch typed := val.(type) {
	case *contextDocument:
		*typed = *(r.doc.(*contextDocument))
	case *appendDocument:
		*typed = *(r.doc.(*appendDocument))
	default:
		return errors.New("unsupported target")
	}
	return nil
}

type fakeCursor struct {
	docs []any
	idx  int
}

func newFakeCursor(docs []any) *fakeCursor {
	return &fakeCursor{docs: docs, idx: -1}
}

func (c *fakeCursor) Close(ctx context.Context) error { return nil }

func (c *fakeCursor) Decode(val any) error {
	if c.idx < 0 || c.idx >= len(c.docs) {
		return errors.New("no document")
	}
	switch typed := val.(type) {
	case *contextDocument:
		*typed = *(c.docs[c.idx].(*contextDocument))
	case *appendDocument:
		*typed = *(c.docs[c.idx].(*appendDocument))
	default:
		return errors.New("unsupported target")
	}
	return nil
}

func (c *fakeCursor) Err() error { return nil }

func (c *fakeCursor) Next(ctx context.Context) bool {
	c.idx++
	return c.idx < len(c.docs)
}
