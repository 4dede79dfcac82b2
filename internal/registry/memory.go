package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/receiptflow/internal/domain"
)

type memoryEntry struct {
	view      domain.JobView
	expiresAt time.Time
}

// MemoryRegistry is a process-local registry. Entries are immutable
// snapshots swapped in with compare-and-swap, so readers and writers of
// different jobs never wait on each other.
type MemoryRegistry struct {
	entries sync.Map
	ttl     time.Duration
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type MemoryOption func(*MemoryRegistry)

// WithTTL expires entries ttl after their last write. Zero keeps entries for
// the lifetime of the registry.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(r *MemoryRegistry) { r.ttl = ttl }
}

func withClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) { r.now = now }
}

func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.ttl > 0 {
		go r.janitor(sweepInterval(r.ttl))
	} else {
		close(r.done)
	}
	return r
}

func sweepInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	return interval
}

func (r *MemoryRegistry) Put(_ context.Context, view domain.JobView) error {
	if view.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	r.entries.Store(view.JobID, &memoryEntry{view: view, expiresAt: r.expiry()})
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, jobID string) (domain.JobView, bool, error) {
	value, ok := r.entries.Load(jobID)
	if !ok {
		return domain.JobView{}, false, nil
	}
	entry := value.(*memoryEntry)
	if r.expired(entry) {
		r.entries.CompareAndDelete(jobID, value)
		return domain.JobView{}, false, nil
	}
	return entry.view, true, nil
}

func (r *MemoryRegistry) Update(_ context.Context, jobID string, patch domain.JobUpdate) (domain.JobView, error) {
	for {
		value, ok := r.entries.Load(jobID)
		if !ok || r.expired(value.(*memoryEntry)) {
			return domain.JobView{}, fmt.Errorf("registry entry %s: %w", jobID, domain.ErrNotFound)
		}

		next, err := patch.Apply(value.(*memoryEntry).view)
		if err != nil {
			return domain.JobView{}, err
		}
		if r.entries.CompareAndSwap(jobID, value, &memoryEntry{view: next, expiresAt: r.expiry()}) {
			return next, nil
		}
	}
}

// Len counts live entries.
func (r *MemoryRegistry) Len() int {
	n := 0
	r.entries.Range(func(_, value any) bool {
		if !r.expired(value.(*memoryEntry)) {
			n++
		}
		return true
	})
	return n
}

// Close stops the expiry janitor. The registry stays readable.
func (r *MemoryRegistry) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

func (r *MemoryRegistry) expiry() time.Time {
	if r.ttl <= 0 {
		return time.Time{}
	}
	return r.now().Add(r.ttl)
}

func (r *MemoryRegistry) expired(entry *memoryEntry) bool {
	return !entry.expiresAt.IsZero() && !r.now().Before(entry.expiresAt)
}

func (r *MemoryRegistry) sweep() {
	r.entries.Range(func(key, value any) bool {
		if r.expired(value.(*memoryEntry)) {
			r.entries.CompareAndDelete(key, value)
		}
		return true
	})
}

func (r *MemoryRegistry) janitor(interval time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}
