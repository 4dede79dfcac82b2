package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dunamismax/receiptflow/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisRegistry(t *testing.T, ttl time.Duration) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg, err := NewRedisRegistry(client, ttl, "")
	require.NoError(t, err)
	return reg, mr
}

func registries(t *testing.T) map[string]Registry {
	t.Helper()
	mem := NewMemoryRegistry()
	t.Cleanup(func() { _ = mem.Close() })
	rds, _ := newRedisRegistry(t, 0)
	return map[string]Registry{
		"memory": mem,
		"redis":  rds,
	}
}

func queued(jobID string, receiptID int64) domain.JobView {
	return domain.Job{ID: jobID, ReceiptID: receiptID, Status: domain.JobStatusQueued}.View()
}

func TestRegistryContract(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := reg.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, reg.Put(ctx, queued("job-1", 42)))

			view, ok, err := reg.Get(ctx, "job-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, domain.JobStatusQueued, view.Status)
			assert.Equal(t, int64(42), view.ReceiptID)
			assert.Nil(t, view.Error)

			view, err = reg.Update(ctx, "job-1", domain.StatusUpdate(domain.JobStatusProcessing))
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusProcessing, view.Status)

			view, err = reg.Update(ctx, "job-1", domain.FailedUpdate("LR missing"))
			require.NoError(t, err)

			stored, ok, err := reg.Get(ctx, "job-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, view, stored)
			assert.Equal(t, domain.JobStatusFailed, stored.Status)
			assert.Equal(t, "LR missing", stored.ErrorMessage())

			_, err = reg.Update(ctx, "missing", domain.ProgressUpdate(50))
			assert.ErrorIs(t, err, domain.ErrNotFound)

			_, ok, err = reg.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok, "update must not create entries")
		})
	}
}

func TestRegistryRefusesInvalidTransitions(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, reg.Put(ctx, queued("job-1", 42)))
			_, err := reg.Update(ctx, "job-1", domain.FailedUpdate("Dispatch queue is full"))
			require.NoError(t, err)

			_, err = reg.Update(ctx, "job-1", domain.CompletedUpdate())
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			_, err = reg.Update(ctx, "job-1", domain.StatusUpdate(domain.JobStatusProcessing))
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			_, err = reg.Update(ctx, "job-1", domain.ProgressUpdate(60))
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)

			view, ok, err := reg.Get(ctx, "job-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, domain.JobStatusFailed, view.Status)
			assert.Equal(t, 0, view.Progress)
			assert.Equal(t, "Dispatch queue is full", view.ErrorMessage())

			// A second claim of the same job loses.
			require.NoError(t, reg.Put(ctx, queued("job-2", 43)))
			_, err = reg.Update(ctx, "job-2", domain.StatusUpdate(domain.JobStatusProcessing))
			require.NoError(t, err)
			_, err = reg.Update(ctx, "job-2", domain.StatusUpdate(domain.JobStatusProcessing))
			assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		})
	}
}

func TestRegistryConcurrentDistinctJobs(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const jobs = 32

			var wg sync.WaitGroup
			for i := 0; i < jobs; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					jobID := fmt.Sprintf("job-%d", i)
					assert.NoError(t, reg.Put(ctx, queued(jobID, int64(i))))
					for p := 10; p <= 100; p += 10 {
						_, err := reg.Update(ctx, jobID, domain.ProgressUpdate(p))
						assert.NoError(t, err)
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < jobs; i++ {
				view, ok, err := reg.Get(ctx, fmt.Sprintf("job-%d", i))
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, 100, view.Progress)
			}
		})
	}
}

func TestMemoryRegistryConcurrentSameJob(t *testing.T) {
	reg := NewMemoryRegistry()
	defer reg.Close()
	ctx := context.Background()
	require.NoError(t, reg.Put(ctx, queued("job-1", 1)))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(p int) {
			defer wg.Done()
			_, err := reg.Update(ctx, "job-1", domain.ProgressUpdate(p))
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			_, _, err := reg.Get(ctx, "job-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	view, ok, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, view.Progress, 0)
	assert.Less(t, view.Progress, 50)
}

func TestMemoryRegistryTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	reg := NewMemoryRegistry(WithTTL(time.Hour), withClock(clock))
	defer reg.Close()
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, queued("job-1", 1)))
	advance(30 * time.Minute)
	_, err := reg.Update(ctx, "job-1", domain.StatusUpdate(domain.JobStatusProcessing))
	require.NoError(t, err)

	advance(45 * time.Minute)
	_, ok, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, ok, "update refreshes the expiry")

	advance(20 * time.Minute)
	_, ok, err = reg.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())

	_, err = reg.Update(ctx, "job-1", domain.ProgressUpdate(10))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRegistryCloseIsIdempotent(t *testing.T) {
	reg := NewMemoryRegistry(WithTTL(time.Minute))
	require.NoError(t, reg.Close())
	require.NoError(t, reg.Close())
}

func TestRedisRegistryTTL(t *testing.T) {
	reg, mr := newRedisRegistry(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, reg.Put(ctx, queued("job-1", 9)))
	assert.Equal(t, time.Hour, mr.TTL("receiptflow:job:job-1"))

	mr.FastForward(2 * time.Hour)
	_, ok, err := reg.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisRegistryRejectsCorruptEntry(t *testing.T) {
	reg, mr := newRedisRegistry(t, 0)
	mr.HSet("receiptflow:job:job-1", "job_id", "job-1", "lr_id", "not-a-number", "progress", "0")

	_, _, err := reg.Get(context.Background(), "job-1")
	assert.Error(t, err)
}
