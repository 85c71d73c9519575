// Package mongo provides the MongoDB-backed implementation of the durable
// context store. Build the low-level client via features/context/mongo/clients/mongo
// and pass it to NewStore to obtain a sessionctx.Store that is the source of
// truth for per-session context records.
package mongo
