package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/elva-ai/contextd/features/context/mongo/clients/mongo"
	"github.com/elva-ai/contextd/runtime/sessionctx"
)

// Store implements sessionctx.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// NewStoreFromMongo is a helper that instantiates the underlying client using
// the given options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(client)
}

// Put stores the record's intent and data, leaving the append log untouched,
// and returns the stored record as Mongo sees it.
func (s *Store) Put(ctx context.Context, rec sessionctx.Record) (sessionctx.Record, error) {
	return s.client.PutContext(ctx, rec)
}

// Get loads the record and its append log.
func (s *Store) Get(ctx context.Context, sessionID string) (sessionctx.Record, error) {
	return s.client.LoadContext(ctx, sessionID)
}

// Append adds one entry to the session's append log.
func (s *Store) Append(ctx context.Context, sessionID string, entry sessionctx.AppendEntry, lastUpdated, expiresAt time.Time) error {
	return s.client.AppendOutput(ctx, sessionID, entry, lastUpdated, expiresAt)
}

// Delete removes the record and its append log.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.DeleteContext(ctx, sessionID)
}
