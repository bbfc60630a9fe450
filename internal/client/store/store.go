// Package store is the durable chunk buffer of the client.
//
// The Store interface is what the upload buffer and the retry engine consume.
// SQLiteStore persists records in an embedded SQLite database migrated with
// goose; MemoryStore keeps them in a map and is used by tests and dry runs.
//
// Typical usage:
//
//	s, _ := store.OpenSQLite(ctx, "~/.chunkrelay/db/client.db")
//	defer s.Close()
//	_ = s.Save(ctx, rec)
//	all, _ := s.LoadAll(ctx)
package store

import (
	"context"

	"github.com/dmitrijs2005/chunkrelay/internal/client/models"
)

// Store is a crash-durable key to ChunkRecord mapping. Implementations must
// be safe for concurrent use.
type Store interface {
	// Initialize prepares the backing storage. It is safe to call twice.
	Initialize(ctx context.Context) error

	// Save inserts or replaces the record stored under rec.ID.
	Save(ctx context.Context, rec *models.ChunkRecord) error

	// Load returns common.ErrNotFound when key is absent.
	Load(ctx context.Context, key string) (*models.ChunkRecord, error)

	// LoadAll returns every buffered record ordered by file name and index.
	LoadAll(ctx context.Context) ([]*models.ChunkRecord, error)

	// Delete reports whether a record was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// DeleteFile removes the records of fileName with an index of fromIndex
	// or more and returns how many were removed.
	DeleteFile(ctx context.Context, fileName string, fromIndex int) (int, error)

	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys.
	List(ctx context.Context) ([]string, error)

	// Clear removes all records and returns how many were removed.
	Clear(ctx context.Context) (int, error)

	Close() error
}
