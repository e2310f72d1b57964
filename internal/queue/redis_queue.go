package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on three Redis keys: a pending list
// (producer LPUSH, consumer BRPOP), a claims hash mapping receipt to
// payload, and a visibility zset scoring each receipt by the time its
// claim expires. A worker crash between dequeue and ack leaves the
// claim in the hash until RequeueExpired sweeps it back to pending.
type RedisQueue struct {
	rdb        *redis.Client
	name       string
	popWindow  time.Duration
	visibility time.Duration
}

type RedisQueueConfig struct {
	// Name prefixes the Redis keys (default "reelforge:jobs").
	Name string
	// PopWindow bounds how long a single Dequeue blocks (default 5s).
	PopWindow time.Duration
	// Visibility is how long a claim stays invisible before it is
	// eligible for redelivery (default 15m, sized to transform latency).
	Visibility time.Duration
}

func NewRedisQueue(rdb *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	if cfg.Name == "" {
		cfg.Name = "reelforge:jobs"
	}
	if cfg.PopWindow <= 0 {
		cfg.PopWindow = 5 * time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 15 * time.Minute
	}
	return &RedisQueue{
		rdb:        rdb,
		name:       cfg.Name,
		popWindow:  cfg.PopWindow,
		visibility: cfg.Visibility,
	}
}

func (q *RedisQueue) pendingKey() string    { return q.name + ":pending" }
func (q *RedisQueue) claimsKey() string     { return q.name + ":claims" }
func (q *RedisQueue) visibilityKey() string { return q.name + ":visibility" }

func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(Message{
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, q.pendingKey(), payload).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	res, err := q.rdb.BRPop(ctx, q.popWindow, q.pendingKey()).Result()
	if err == redis.Nil {
		return Delivery{}, ErrEmpty
	}
	if err != nil {
		return Delivery{}, err
	}
	if len(res) < 2 {
		return Delivery{}, ErrEmpty
	}

	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		// Undecodable payload: drop it rather than poison the queue.
		return Delivery{}, ErrEmpty
	}
	msg.Delivery++

	payload, err := json.Marshal(msg)
	if err != nil {
		return Delivery{}, err
	}

	receipt := uuid.NewString()
	visibleAt := time.Now().UTC().Add(q.visibility)

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.claimsKey(), receipt, payload)
	pipe.ZAdd(ctx, q.visibilityKey(), redis.Z{
		Score:  float64(visibleAt.UnixMilli()),
		Member: receipt,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return Delivery{}, err
	}

	return Delivery{Message: msg, Receipt: receipt}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d Delivery) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.claimsKey(), d.Receipt)
	pipe.ZRem(ctx, q.visibilityKey(), d.Receipt)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Nack(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d.Message)
	if err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.pendingKey(), payload)
	pipe.HDel(ctx, q.claimsKey(), d.Receipt)
	pipe.ZRem(ctx, q.visibilityKey(), d.Receipt)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, max int) (int, error) {
	if max <= 0 {
		max = 100
	}

	receipts, err := q.rdb.ZRangeByScore(ctx, q.visibilityKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(max),
	}).Result()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, receipt := range receipts {
		payload, err := q.rdb.HGet(ctx, q.claimsKey(), receipt).Result()
		if err == redis.Nil {
			// Acked between the scan and now; just drop the marker.
			_ = q.rdb.ZRem(ctx, q.visibilityKey(), receipt).Err()
			continue
		}
		if err != nil {
			return recovered, err
		}

		pipe := q.rdb.TxPipeline()
		pipe.LPush(ctx, q.pendingKey(), payload)
		pipe.HDel(ctx, q.claimsKey(), receipt)
		pipe.ZRem(ctx, q.visibilityKey(), receipt)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}
