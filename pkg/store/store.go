// Package store persists instance records and their secondary indexes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/wisbric/chainowl/pkg/instance"
)

// ErrAlreadyExists is returned by Register when the instance id is taken.
var ErrAlreadyExists = errors.New("instance already exists")

// Store is the durable mapping of instance_id to records, with secondary
// indexes by external handle and expiry. Register and Unregister are atomic
// with respect to the indexes: either all writes are visible or none.
type Store interface {
	// Register inserts the record together with its external-id index entry
	// and expiry index entry. Fails with ErrAlreadyExists if the instance id
	// is already present.
	Register(ctx context.Context, rec *instance.Record) error

	// Get returns a snapshot of the record with current metadata merged in,
	// or nil if the instance is unknown.
	Get(ctx context.Context, instanceID string) (*instance.Record, error)

	// GetByExternal resolves the public handle to a record, or nil.
	GetByExternal(ctx context.Context, externalID string) (*instance.Record, error)

	// List returns all currently registered records.
	List(ctx context.Context) ([]*instance.Record, error)

	// Unregister removes the record, its index entries, and its metadata,
	// returning the removed record for the caller's cleanup. Returns nil if
	// the instance is unknown.
	Unregister(ctx context.Context, instanceID string) (*instance.Record, error)

	// UpdateMetadata merges the patch into the instance's metadata bag.
	// Values are stored as JSON; writes to individual keys are independent.
	UpdateMetadata(ctx context.Context, instanceID string, patch map[string]any) error

	// GetExpired returns every record with expires_at <= now. Stores without
	// an expiry index return an empty slice.
	GetExpired(ctx context.Context, now time.Time) ([]*instance.Record, error)

	// Ping reports whether the underlying storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying storage handle.
	Close() error
}
