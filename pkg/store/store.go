// Package store holds the local record index and record payloads.
//
// EventStore answers "which records do I have" and is what reconciliation is
// seeded from. RecordSource serves full records on demand, standing in for
// the local relay the host application publishes to.
package store

import (
	"context"
	"errors"

	"github.com/juanpablocruz/blesync/pkg/model"
)

var ErrNotFound = errors.New("store: record not found")

// EventStore indexes record ids with their creation time. Insert is
// idempotent: the same record may arrive from two peers at once.
type EventStore interface {
	Exists(ctx context.Context, id model.ID) (bool, error)
	// Insert reports true only when the record was not present before.
	Insert(ctx context.Context, rec *model.Record) (bool, error)
	AllIDs(ctx context.Context) ([]model.Item, error)
	ClearAll(ctx context.Context) error
}

// RecordSource fetches and publishes full records.
type RecordSource interface {
	// Fetch returns ErrNotFound when the record is unknown.
	Fetch(ctx context.Context, id model.ID) (*model.Record, error)
	Publish(ctx context.Context, rec *model.Record) error
}

var (
	_ EventStore   = (*Memory)(nil)
	_ RecordSource = (*Memory)(nil)
	_ EventStore   = (*SQLite)(nil)
	_ RecordSource = (*SQLite)(nil)
)
