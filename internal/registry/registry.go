// Package registry holds the live status of in-flight extraction jobs.
//
// A registry is a fast, non-durable mirror of the job rows in the store.
// Readers consult it first and fall back to the store on a miss, so losing
// entries (restart, expiry) degrades latency but never correctness.
package registry

import (
	"context"

	"github.com/dunamismax/receiptflow/internal/domain"
)

type Registry interface {
	Put(ctx context.Context, view domain.JobView) error
	Get(ctx context.Context, jobID string) (domain.JobView, bool, error)
	// Update applies a partial change to an existing entry and returns the
	// result. It fails with domain.ErrNotFound when the entry is absent.
	Update(ctx context.Context, jobID string, patch domain.JobUpdate) (domain.JobView, error)
	Close() error
}
