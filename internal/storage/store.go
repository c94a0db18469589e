package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Jank() JankStore
	Policies() PolicyStore
}

// JankStore accumulates jank statistics. Counters only ever grow; a flush
// adds a delta rather than overwriting.
type JankStore interface {
	ApplyDelta(ctx context.Context, delta JankDelta) error
	GetStats(ctx context.Context, key string) (*JankStats, error)
	ListStats(ctx context.Context) ([]JankStats, error)
	DeleteStats(ctx context.Context, key string) error
}

// PolicyStore persists display manager policies by name.
type PolicyStore interface {
	Get(ctx context.Context, name string) (*PolicyRecord, error)
	Put(ctx context.Context, record PolicyRecord) error
	Delete(ctx context.Context, name string) error
}
