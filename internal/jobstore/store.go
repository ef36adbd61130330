package jobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for unknown or expired job ids.
var ErrNotFound = errors.New("jobstore: job not found")

// Stats summarises the live contents of a store.
type Stats struct {
	// Jobs is the number of unexpired job records.
	Jobs int `json:"jobs"`

	// ByStatus counts jobs per lifecycle status.
	ByStatus map[Status]int `json:"by_status"`
}

// Store persists jobs. Writes are last-writer-wins; every Put refreshes the
// job's TTL so active jobs outlive idle ones.
type Store interface {
	// Put saves job, overwriting any previous state.
	Put(ctx context.Context, job *Job) error

	// Get returns the job with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns up to limit jobs, newest first by creation time.
	// limit <= 0 means no cap.
	List(ctx context.Context, limit int) ([]*Job, error)

	// Delete removes a job; deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// DeleteAll wipes every job. Used by the factory-reset admin operation.
	DeleteAll(ctx context.Context) (int, error)

	// Sweep drops expired jobs and reports how many were removed. Stores
	// with native TTL expiry may return 0 without scanning.
	Sweep(ctx context.Context) (int, error)

	// Stats counts the live jobs by status.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the underlying connection.
	Close() error
}
