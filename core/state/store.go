package state

import (
	"context"

	"d2dtreasury/native/treasury"
	"d2dtreasury/storage"
)

// Store adapts a storage.Database to treasury.Store. Every Update runs in one
// database transaction.
type Store struct {
	db storage.Database
}

// NewStore wraps db.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

var _ treasury.Store = (*Store)(nil)

func (s *Store) Update(ctx context.Context, fn func(treasury.State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx storage.Tx) error {
		return fn(NewManager(tx))
	})
}

func (s *Store) View(ctx context.Context, fn func(treasury.State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(r storage.Reader) error {
		return fn(NewManager(storage.ReadOnly(r)))
	})
}

// Snapshot reads state outside the engine, for inspection tooling.
func (s *Store) Snapshot(fn func(*Manager) error) error {
	return s.db.View(func(r storage.Reader) error {
		return fn(NewManager(storage.ReadOnly(r)))
	})
}
