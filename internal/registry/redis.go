package registry

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/receiptflow/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix  = "receiptflow:job"
	maxUpdateAttempts = 8
)

// RedisRegistry keeps one hash per job so several API and worker processes
// can share job status.
type RedisRegistry struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
}

func NewRedisRegistry(client redis.UniversalClient, ttl time.Duration, keyPrefix string) (*RedisRegistry, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl < 0 {
		return nil, fmt.Errorf("ttl must not be negative")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisRegistry{
		client:    client,
		ttl:       ttl,
		keyPrefix: keyPrefix,
	}, nil
}

func (r *RedisRegistry) key(jobID string) string {
	return r.keyPrefix + ":" + jobID
}

func (r *RedisRegistry) Put(ctx context.Context, view domain.JobView) error {
	if view.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	key := r.key(view.JobID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodeView(view))
		r.expire(ctx, pipe, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put registry entry %s: %w", view.JobID, err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, jobID string) (domain.JobView, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.key(jobID)).Result()
	if err != nil {
		return domain.JobView{}, false, fmt.Errorf("get registry entry %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return domain.JobView{}, false, nil
	}
	view, err := decodeView(fields)
	if err != nil {
		return domain.JobView{}, false, fmt.Errorf("decode registry entry %s: %w", jobID, err)
	}
	return view, true, nil
}

// Update runs an optimistic WATCH/MULTI transaction so concurrent writers of
// the same job never lose each other's changes.
func (r *RedisRegistry) Update(ctx context.Context, jobID string, patch domain.JobUpdate) (domain.JobView, error) {
	key := r.key(jobID)

	var next domain.JobView
	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("registry entry %s: %w", jobID, domain.ErrNotFound)
		}
		current, err := decodeView(fields)
		if err != nil {
			return err
		}
		next, err = patch.Apply(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeView(next))
			r.expire(ctx, pipe, key)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return domain.JobView{}, err
	}
	return domain.JobView{}, fmt.Errorf("update registry entry %s: too much contention", jobID)
}

// Close is a no-op; the redis client is owned by the caller.
func (r *RedisRegistry) Close() error {
	return nil
}

func (r *RedisRegistry) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if r.ttl > 0 {
		pipe.PExpire(ctx, key, r.ttl)
	} else {
		pipe.Persist(ctx, key)
	}
}

func encodeView(view domain.JobView) map[string]any {
	return map[string]any{
		"job_id":   view.JobID,
		"lr_id":    strconv.FormatInt(view.ReceiptID, 10),
		"status":   string(view.Status),
		"progress": strconv.Itoa(view.Progress),
		"error":    view.ErrorMessage(),
	}
}

func decodeView(fields map[string]string) (domain.JobView, error) {
	receiptID, err := strconv.ParseInt(fields["lr_id"], 10, 64)
	if err != nil {
		return domain.JobView{}, fmt.Errorf("parse lr_id: %w", err)
	}
	progress, err := strconv.Atoi(fields["progress"])
	if err != nil {
		return domain.JobView{}, fmt.Errorf("parse progress: %w", err)
	}
	view := domain.JobView{
		JobID:     fields["job_id"],
		ReceiptID: receiptID,
		Status:    domain.JobStatus(fields["status"]),
		Progress:  progress,
	}
	if msg := fields["error"]; msg != "" {
		view.Error = &msg
	}
	return view, nil
}
