// Package store provides data access over Postgres for tenant bindings and
// consolidated order snapshots.
package store

import (
	"errors"

	"prato.app/ingest/core/db"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

type Stores struct {
	db *db.DB
}

func NewStores(database *db.DB) *Stores {
	return &Stores{db: database}
}

func (s *Stores) Bindings() BindingStore {
	return &pgBindingStore{db: s.db}
}

func (s *Stores) Snapshots() SnapshotStore {
	return &pgSnapshotStore{db: s.db}
}
