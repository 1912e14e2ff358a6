package staging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rfidops/ingestpipe/internal/core"
	"github.com/rfidops/ingestpipe/internal/metrics"
)

const (
	readyZSetKey  = "staging:ready"
	leasedSetKey  = "staging:leased"
	itemKeyPrefix = "staging:item:"
)

// RedisQueueConfig configures the durable backing store.
type RedisQueueConfig struct {
	Addr         string
	Password     string
	DB           int
	MaxQueueSize int
	MaxMemoryMB  int
}

// RedisQueue is the durable Queue implementation described in
// SPEC_FULL.md §4.D: ready items live in a sorted set scored by
// next_retry_at; payload and retry metadata live in a parallel hash
// per item, each carrying its own TTL.
type RedisQueue struct {
	client *redis.Client
	cfg    RedisQueueConfig
	logger *slog.Logger
}

// NewRedisQueue connects to Redis and verifies reachability with Ping.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig, logger *slog.Logger) (*RedisQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("staging: redis unreachable: %w", err)
	}

	return &RedisQueue{client: client, cfg: cfg, logger: logger}, nil
}

func itemKey(id string) string { return itemKeyPrefix + id }

func (q *RedisQueue) itemSize(ctx context.Context) (int64, error) {
	readyN, err := q.client.ZCard(ctx, readyZSetKey).Result()
	if err != nil {
		return 0, err
	}
	leasedN, err := q.client.SCard(ctx, leasedSetKey).Result()
	if err != nil {
		return 0, err
	}
	return readyN + leasedN, nil
}

// memoryUsagePct probes `INFO memory`'s used_memory against
// MaxMemoryMB. Per spec.md §4.D, a probe error fails open (does not
// block enqueue); the size check above never does.
func (q *RedisQueue) memoryUsagePct(ctx context.Context) float64 {
	if q.cfg.MaxMemoryMB <= 0 {
		return 0
	}
	info, err := q.client.Info(ctx, "memory").Result()
	if err != nil {
		q.logger.Warn("staging: memory probe failed, failing open", "error", err)
		return 0
	}
	for _, line := range strings.Split(info, "\r\n") {
		if strings.HasPrefix(line, "used_memory:") {
			v, err := strconv.ParseInt(strings.TrimPrefix(line, "used_memory:"), 10, 64)
			if err != nil {
				return 0
			}
			usedMB := float64(v) / (1024 * 1024)
			return usedMB / float64(q.cfg.MaxMemoryMB) * 100
		}
	}
	return 0
}

// Enqueue implements the capacity policy: a configured size of 0
// rejects every enqueue outright (spec.md §8's "Capacity = 0 → every
// enqueue returns false; no crash"); otherwise reject when size >=
// max, or when the memory probe (not a probe error) reports >= 100%.
func (q *RedisQueue) Enqueue(ctx context.Context, target string, payload []byte) (bool, error) {
	if q.cfg.MaxQueueSize <= 0 {
		metrics.StagingEnqueueTotal.WithLabelValues("redis", "rejected").Inc()
		return false, nil
	}
	size, err := q.itemSize(ctx)
	if err != nil {
		return false, fmt.Errorf("staging: size check: %w", err)
	}
	if size >= int64(q.cfg.MaxQueueSize) {
		metrics.StagingEnqueueTotal.WithLabelValues("redis", "rejected").Inc()
		return false, nil
	}
	if q.memoryUsagePct(ctx) >= 100 {
		metrics.StagingEnqueueTotal.WithLabelValues("redis", "rejected").Inc()
		return false, nil
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	item := &core.StagingItem{
		ID:          id,
		TargetPath:  target,
		Payload:     payload,
		Attempts:    0,
		AddedAt:     now,
		NextRetryAt: now,
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, itemKey(id), itemFields(item)...)
	pipe.Expire(ctx, itemKey(id), ItemTTL)
	pipe.ZAdd(ctx, readyZSetKey, redis.Z{Score: float64(now.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("staging: enqueue: %w", err)
	}

	metrics.StagingEnqueueTotal.WithLabelValues("redis", "accepted").Inc()
	return true, nil
}

func itemFields(item *core.StagingItem) []any {
	return []any{
		"target_path", item.TargetPath,
		"payload", string(item.Payload),
		"attempts", item.Attempts,
		"added_at", item.AddedAt.Format(time.RFC3339Nano),
		"next_retry_at", item.NextRetryAt.Format(time.RFC3339Nano),
		"auth_retried", item.AuthRetried,
	}
}

func itemFromMap(id string, m map[string]string) (*core.StagingItem, error) {
	attempts, _ := strconv.Atoi(m["attempts"])
	addedAt, _ := time.Parse(time.RFC3339Nano, m["added_at"])
	nextRetryAt, _ := time.Parse(time.RFC3339Nano, m["next_retry_at"])
	return &core.StagingItem{
		ID:          id,
		TargetPath:  m["target_path"],
		Payload:     []byte(m["payload"]),
		Attempts:    attempts,
		AddedAt:     addedAt,
		NextRetryAt: nextRetryAt,
		AuthRetried: m["auth_retried"] == "1" || m["auth_retried"] == "true",
	}, nil
}

// LeaseReady atomically removes up to max ready items from the sorted
// set and marks them leased, so a concurrently-running lease can never
// observe the same member (invariant 4: no double lease).
func (q *RedisQueue) LeaseReady(ctx context.Context, now time.Time, max int) ([]*core.StagingItem, error) {
	var leased []*core.StagingItem

	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		ids, err := tx.ZRangeByScore(ctx, readyZSetKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.Unix(), 10),
			Count: int64(max),
		}).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			members := make([]any, len(ids))
			for i, id := range ids {
				members[i] = id
			}
			pipe.ZRem(ctx, readyZSetKey, members...)
			pipe.SAdd(ctx, leasedSetKey, members...)
			return nil
		})
		if err != nil {
			return err
		}

		for _, id := range ids {
			m, err := q.client.HGetAll(ctx, itemKey(id)).Result()
			if err != nil || len(m) == 0 {
				continue
			}
			item, err := itemFromMap(id, m)
			if err != nil {
				continue
			}
			leased = append(leased, item)
		}
		return nil
	}, readyZSetKey)

	if err != nil {
		return nil, fmt.Errorf("staging: lease_ready: %w", err)
	}
	return leased, nil
}

// Complete removes the item permanently. Idempotent: deleting an
// already-gone key is not an error.
func (q *RedisQueue) Complete(ctx context.Context, item *core.StagingItem) error {
	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, leasedSetKey, item.ID)
	pipe.Del(ctx, itemKey(item.ID))
	_, err := pipe.Exec(ctx)
	return err
}

// Reschedule returns the item to the ready set with a new NextRetryAt,
// storing its Attempts as the caller set them.
func (q *RedisQueue) Reschedule(ctx context.Context, item *core.StagingItem, nextAt time.Time) error {
	item.NextRetryAt = nextAt
	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, leasedSetKey, item.ID)
	pipe.HSet(ctx, itemKey(item.ID), itemFields(item)...)
	pipe.Expire(ctx, itemKey(item.ID), ItemTTL)
	pipe.ZAdd(ctx, readyZSetKey, redis.Z{Score: float64(nextAt.Unix()), Member: item.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// Discard removes the item permanently and records the drop reason.
func (q *RedisQueue) Discard(ctx context.Context, item *core.StagingItem, reason string) error {
	metrics.StagingDiscardedTotal.WithLabelValues(reason).Inc()
	return q.Complete(ctx, item)
}

// Stats reports current size/capacity/memory utilisation.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	size, err := q.itemSize(ctx)
	if err != nil {
		return Stats{}, err
	}
	ready, err := q.client.ZCard(ctx, readyZSetKey).Result()
	if err != nil {
		return Stats{}, err
	}
	var capPct float64
	if q.cfg.MaxQueueSize > 0 {
		capPct = float64(size) / float64(q.cfg.MaxQueueSize) * 100
	}
	metrics.StagingQueueSize.WithLabelValues("redis").Set(float64(size))
	return Stats{
		Size:        int(size),
		Ready:       int(ready),
		CapacityPct: capPct,
		MemoryPct:   q.memoryUsagePct(ctx),
	}, nil
}

// Close closes the underlying Redis client.
func (q *RedisQueue) Close() error { return q.client.Close() }

// Ping reports whether the backing Redis instance is reachable, used
// by Store's promotion probe.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
