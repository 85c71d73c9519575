// Package mongo hosts the MongoDB client used by the durable context store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/elva-ai/contextd/runtime/sessionctx"
)

const (
	defaultContextsCollection = "session_contexts"
	defaultAppendsCollection  = "context_appends"
	defaultOpTimeout          = 5 * time.Second
	contextClientName         = "context-mongo"
)

// Client exposes Mongo-backed operations for session context records.
type Client interface {
	health.Pinger

	PutContext(ctx context.Context, rec sessionctx.Record) (sessionctx.Record, error)
	LoadContext(ctx context.Context, sessionID string) (sessionctx.Record, error)
	AppendOutput(ctx context.Context, sessionID string, entry sessionctx.AppendEntry, lastUpdated, expiresAt time.Time) error
	DeleteContext(ctx context.Context, sessionID string) error
}

// Options configures the Mongo context client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	ContextsCollection string
	AppendsCollection  string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	contexts collection
	appends  collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	contextsCollection := opts.ContextsCollection
	if contextsCollection == "" {
		contextsCollection = defaultContextsCollection
	}
	appendsCollection := opts.AppendsCollection
	if appendsCollection == "" {
		appendsCollection = defaultAppendsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	ctxColl := opts.Client.Database(opts.Database).Collection(contextsCollection)
	appColl := opts.Client.Database(opts.Database).Collection(appendsCollection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctxWrapper := mongoCollection{coll: ctxColl}
	appWrapper := mongoCollection{coll: appColl}
	if err := ensureIndexes(ctx, ctxWrapper, appWrapper); err != nil {
		return nil, err
	}
	return newClientWithCollections(opts.Client, ctxWrapper, appWrapper, timeout)
}

func (c *client) Name() string {
	return contextClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) PutContext(ctx context.Context, rec sessionctx.Record) (sessionctx.Record, error) {
	if rec.SessionID == "" {
		return sessionctx.Record{}, errors.New("session id is required")
	}
	if rec.LastUpdated.IsZero() {
		return sessionctx.Record{}, errors.New("last_updated is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": rec.SessionID}
	update := bson.M{
		"$set": bson.M{
			"intent":       rec.Intent,
			"data":         rec.Data,
			"last_updated": rec.LastUpdated.UTC(),
			"expires_at":   rec.ExpiresAt.UTC(),
		},
		"$setOnInsert": bson.M{
			"session_id": rec.SessionID,
			"created_at": rec.CreatedAt.UTC(),
		},
	}
	// FindOneAndUpdate returns the post-upsert document so the caller sees
	// the stored created_at, which $setOnInsert preserves on rewrites.
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var doc contextDocument
	if err := c.contexts.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return sessionctx.Record{}, err
	}
	return doc.toRecord(nil), nil
}

func (c *client) LoadContext(ctx context.Context, sessionID string) (sessionctx.Record, error) {
	if sessionID == "" {
		return sessionctx.Record{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": sessionID}
	var doc contextDocument
	if err := c.contexts.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return sessionctx.Record{}, sessionctx.ErrNotFound
		}
		return sessionctx.Record{}, err
	}

	cur, err := c.appends.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "appended_at", Value: 1}}))
	if err != nil {
		return sessionctx.Record{}, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var entries []sessionctx.AppendEntry
	for cur.Next(ctx) {
		var app appendDocument
		if err := cur.Decode(&app); err != nil {
			return sessionctx.Record{}, err
		}
		entries = append(entries, app.toEntry())
	}
	if err := cur.Err(); err != nil {
		return sessionctx.Record{}, err
	}
	return doc.toRecord(entries), nil
}

func (c *client) AppendOutput(ctx context.Context, sessionID string, entry sessionctx.AppendEntry, lastUpdated, expiresAt time.Time) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if entry.ID == "" {
		return errors.New("append id is required")
	}
	if entry.AppendedAt.IsZero() {
		return errors.New("appended_at is required")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// Refresh the record's timestamps first; a zero match means there is no
	// context to append to.
	filter := bson.M{"session_id": sessionID}
	update := bson.M{
		"$set": bson.M{
			"last_updated": lastUpdated.UTC(),
			"expires_at":   expiresAt.UTC(),
		},
	}
	res, err := c.contexts.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return sessionctx.ErrNotFound
	}

	doc := appendDocument{
		AppendID:   entry.ID,
		SessionID:  sessionID,
		Source:     entry.Source,
		Output:     entry.Output,
		AppendedAt: entry.AppendedAt.UTC(),
	}
	_, err = c.appends.InsertOne(ctx, doc)
	return err
}

func (c *client) DeleteContext(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"session_id": sessionID}
	if _, err := c.contexts.DeleteMany(ctx, filter); err != nil {
		return err
	}
	_, err := c.appends.DeleteMany(ctx, filter)
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type contextDocument struct {
	SessionID   string         `bson:"session_id"`
	Intent      string         `bson:"intent"`
	Data        map[string]any `bson:"data"`
	CreatedAt   time.Time      `bson:"created_at"`
	LastUpdated time.Time      `bson:"last_updated"`
	ExpiresAt   time.Time      `bson:"expires_at"`
}

type appendDocument struct {
	AppendID   string         `bson:"append_id"`
	SessionID  string         `bson:"session_id"`
	Source     string         `bson:"source"`
	Output     map[string]any `bson:"output,omitempty"`
	AppendedAt time.Time      `bson:"appended_at"`
}

func (doc contextDocument) toRecord(entries []sessionctx.AppendEntry) sessionctx.Record {
	return sessionctx.Record{
		SessionID:   doc.SessionID,
		Intent:      doc.Intent,
		Data:        doc.Data,
		Appends:     entries,
		CreatedAt:   doc.CreatedAt.UTC(),
		LastUpdated: doc.LastUpdated.UTC(),
		ExpiresAt:   doc.ExpiresAt.UTC(),
	}
}

func (doc appendDocument) toEntry() sessionctx.AppendEntry {
	return sessionctx.AppendEntry{
		ID:         doc.AppendID,
		Source:     doc.Source,
		Output:     doc.Output,
		AppendedAt: doc.AppendedAt.UTC(),
	}
}

func ensureIndexes(ctx context.Context, contextsColl, appendsColl collection) error {
	contextIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := contextsColl.Indexes().CreateOne(ctx, contextIndex); err != nil {
		return err
	}
	appendIDIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "append_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := appendsColl.Indexes().CreateOne(ctx, appendIDIndex); err != nil {
		return err
	}
	appendSessionIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "session_id", Value: 1},
			{Key: "appended_at", Value: 1},
		},
	}
	if _, err := appendsColl.Indexes().CreateOne(ctx, appendSessionIndex); err != nil {
		return err
	}
	return nil
}

func newClientWithCollections(mongoClient *mongodriver.Client, contextsColl, appendsColl collection, timeout time.Duration) (*client, error) {
	if contextsColl == nil || appendsColl == nil {
		return nil, errors.New("collections are required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:    mongoClient,
		contexts: contextsColl,
		appends:  appendsColl,
		timeout:  timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	FindOneAndUpdate(ctx context.Context, filter any, update any,
		opts ...*options.FindOneAndUpdateOptions) singleResult
	InsertOne(ctx context.Context, document any,
		opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	DeleteMany(ctx context.Context, filter any,
		opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...*options.FindOneAndUpdateOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOneAndUpdate(ctx, filter, update, opts...)}
}

func (c mongoCollection) InsertOne(ctx context.Context, document any,
	opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, document, opts...)
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any,
	opts ...*options.DeleteOptions) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
