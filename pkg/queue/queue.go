// Package queue implements the two named priority queues ("plan" and
// "execute") that hand work to agent workers: claim/ack/nack semantics,
// a per-claim visibility timeout, FIFO tiebreak within a priority band,
// and a dead-letter move after repeated nacks.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	sharederrors "github.com/jordigilh/wrenchbot/pkg/shared/errors"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

// ErrDuplicate is returned by Enqueue when the task id is already pending
// or claimed in the named queue.
var ErrDuplicate = errors.New("duplicate")

// ErrNotClaimed is returned by Ack/Nack when the task id is not currently
// claimed in the named queue (it may have already been acked, or the
// claim may have expired and been reaped by another worker).
var ErrNotClaimed = errors.New("not-claimed")

const defaultMaxAttempts = 5

// entry is the JSON payload stored alongside each queue item.
type entry struct {
	TaskID     string    `json:"task_id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
}

// Queue is a Redis-backed implementation of the two named priority
// queues. One Queue instance serves all queue names; they are namespaced
// by Redis key prefix.
type Queue struct {
	rdb             *redis.Client
	visibility      time.Duration
	maxAttempts     int
	keyPrefix       string
}

// Config configures a Queue.
type Config struct {
	// Visibility is how long a claimed item is invisible to other
	// claimants before it is eligible for reaping.
	Visibility time.Duration
	// MaxAttempts is the number of nacks (including timeouts) before an
	// item moves to the dead-letter list. Zero uses the default of 5.
	MaxAttempts int
	// KeyPrefix namespaces all Redis keys this Queue touches.
	KeyPrefix string
}

// New builds a Queue backed by rdb.
func New(rdb *redis.Client, cfg Config) *Queue {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = defaultMaxAttempts
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "wrenchbot"
	}
	return &Queue{
		rdb:         rdb,
		visibility:  cfg.Visibility,
		maxAttempts: maxAttempts,
		keyPrefix:   prefix,
	}
}

func (q *Queue) pendingKey(name types.QueueName) string  { return fmt.Sprintf("%s:queue:%s:pending", q.keyPrefix, name) }
func (q *Queue) claimedKey(name types.QueueName) string  { return fmt.Sprintf("%s:queue:%s:claimed", q.keyPrefix, name) }
func (q *Queue) deadlinesKey(name types.QueueName) string { return fmt.Sprintf("%s:queue:%s:deadlines", q.keyPrefix, name) }
func (q *Queue) deadLetterKey(name types.QueueName) string { return fmt.Sprintf("%s:queue:%s:deadletter", q.keyPrefix, name) }

// score orders by priority descending then enqueue time ascending, so
// ZRANGE in ascending score order yields highest priority, oldest first.
func score(priority types.Priority, enqueuedAt time.Time) float64 {
	const priorityBand = 1e13
	return float64(types.PriorityCritical-priority)*priorityBand + float64(enqueuedAt.UnixMilli())
}

// Enqueue adds taskID to the named queue at the given priority. It
// returns ErrDuplicate if taskID is already pending or claimed there.
func (q *Queue) Enqueue(ctx context.Context, name types.QueueName, taskID string, priority types.Priority) error {
	exists, err := q.isKnown(ctx, name, taskID)
	if err != nil {
		return sharederrors.FailedTo("check duplicate", "queue", taskID, err)
	}
	if exists {
		return ErrDuplicate
	}

	e := entry{TaskID: taskID, Priority: int(priority), EnqueuedAt: time.Now().UTC()}
	payload, err := json.Marshal(e)
	if err != nil {
		return sharederrors.FailedTo("marshal entry", "queue", taskID, err)
	}

	if err := q.rdb.ZAdd(ctx, q.pendingKey(name), redis.Z{
		Score:  score(priority, e.EnqueuedAt),
		Member: payload,
	}).Err(); err != nil {
		return sharederrors.FailedTo("enqueue", "queue", taskID, err)
	}
	return nil
}

func (q *Queue) isKnown(ctx context.Context, name types.QueueName, taskID string) (bool, error) {
	members, err := q.rdb.ZRange(ctx, q.pendingKey(name), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	for _, m := range members {
		var e entry
		if json.Unmarshal([]byte(m), &e) == nil && e.TaskID == taskID {
			return true, nil
		}
	}
	return q.rdb.HExists(ctx, q.claimedKey(name), taskID).Result()
}

// Claim atomically pops the highest-priority, oldest-enqueued item from
// the named queue and marks it claimed until now+visibility. It returns
// (nil, nil) when the queue is empty.
func (q *Queue) Claim(ctx context.Context, name types.QueueName) (*types.QueueItem, error) {
	for {
		results, err := q.rdb.ZRangeWithScores(ctx, q.pendingKey(name), 0, 0).Result()
		if err != nil {
			return nil, sharederrors.FailedTo("claim", "queue", string(name), err)
		}
		if len(results) == 0 {
			return nil, nil
		}
		member := results[0].Member.(string)

		removed, err := q.rdb.ZRem(ctx, q.pendingKey(name), member).Result()
		if err != nil {
			return nil, sharederrors.FailedTo("claim", "queue", string(name), err)
		}
		if removed == 0 {
			// Another worker raced us; try again.
			continue
		}

		var e entry
		if err := json.Unmarshal([]byte(member), &e); err != nil {
			return nil, sharederrors.FailedTo("unmarshal claimed entry", "queue", string(name), err)
		}

		deadline := time.Now().Add(q.visibility)
		e.Attempts++
		claimed, err := json.Marshal(e)
		if err != nil {
			return nil, sharederrors.FailedTo("marshal claimed entry", "queue", e.TaskID, err)
		}
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, q.claimedKey(name), e.TaskID, claimed)
		pipe.ZAdd(ctx, q.deadlinesKey(name), redis.Z{Score: float64(deadline.UnixMilli()), Member: e.TaskID})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, sharederrors.FailedTo("record claim", "queue", e.TaskID, err)
		}

		return &types.QueueItem{
			Queue:         name,
			TaskID:        e.TaskID,
			Priority:      types.Priority(e.Priority),
			EnqueuedAt:    e.EnqueuedAt,
			ClaimDeadline: deadline,
			Attempts:      e.Attempts,
		}, nil
	}
}

// Ack removes a claimed item, completing its processing.
func (q *Queue) Ack(ctx context.Context, name types.QueueName, taskID string) error {
	pipe := q.rdb.TxPipeline()
	hdel := pipe.HDel(ctx, q.claimedKey(name), taskID)
	pipe.ZRem(ctx, q.deadlinesKey(name), taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return sharederrors.FailedTo("ack", "queue", taskID, err)
	}
	if hdel.Val() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// NackResult reports what Nack (or the visibility-timeout reaper) did
// with the claimed item.
type NackResult struct {
	Requeued     bool
	DeadLettered bool
	Attempts     int
}

// Nack returns a claimed item to the pending set, keeping the attempt
// count its claim recorded, or moves it to the dead-letter list once that
// count has reached the configured maximum attempts.
func (q *Queue) Nack(ctx context.Context, name types.QueueName, taskID string) (NackResult, error) {
	raw, err := q.rdb.HGet(ctx, q.claimedKey(name), taskID).Result()
	if err == redis.Nil {
		return NackResult{}, ErrNotClaimed
	}
	if err != nil {
		return NackResult{}, sharederrors.FailedTo("nack", "queue", taskID, err)
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return NackResult{}, sharederrors.FailedTo("unmarshal entry", "queue", taskID, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, q.claimedKey(name), taskID)
	pipe.ZRem(ctx, q.deadlinesKey(name), taskID)

	if e.Attempts >= q.maxAttempts {
		payload, _ := json.Marshal(e)
		pipe.RPush(ctx, q.deadLetterKey(name), payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return NackResult{}, sharederrors.FailedTo("dead-letter", "queue", taskID, err)
		}
		return NackResult{DeadLettered: true, Attempts: e.Attempts}, nil
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return NackResult{}, sharederrors.FailedTo("marshal entry", "queue", taskID, err)
	}
	pipe.ZAdd(ctx, q.pendingKey(name), redis.Z{Score: score(types.Priority(e.Priority), e.EnqueuedAt), Member: payload})
	if _, err := pipe.Exec(ctx); err != nil {
		return NackResult{}, sharederrors.FailedTo("requeue", "queue", taskID, err)
	}
	return NackResult{Requeued: true, Attempts: e.Attempts}, nil
}

// Extend pushes a claimed item's visibility deadline out to now+visibility,
// used by a worker's heartbeat to hold a claim across a long-running
// subprocess. It is a no-op error if the item is no longer claimed (the
// worker should treat that as a sign its claim already expired).
func (q *Queue) Extend(ctx context.Context, name types.QueueName, taskID string) error {
	exists, err := q.rdb.HExists(ctx, q.claimedKey(name), taskID).Result()
	if err != nil {
		return sharederrors.FailedTo("check claim", "queue", taskID, err)
	}
	if !exists {
		return ErrNotClaimed
	}
	deadline := time.Now().Add(q.visibility)
	if err := q.rdb.ZAdd(ctx, q.deadlinesKey(name), redis.Z{Score: float64(deadline.UnixMilli()), Member: taskID}).Err(); err != nil {
		return sharederrors.FailedTo("extend claim", "queue", taskID, err)
	}
	return nil
}

// ReapExpired finds claims past their visibility deadline and nacks them
// as if the worker holding them had crashed. It returns the task ids
// that were reaped along with their nack outcome.
func (q *Queue) ReapExpired(ctx context.Context, name types.QueueName) (map[string]NackResult, error) {
	now := float64(time.Now().UnixMilli())
	expired, err := q.rdb.ZRangeByScore(ctx, q.deadlinesKey(name), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return nil, sharederrors.FailedTo("scan expired claims", "queue", string(name), err)
	}

	results := make(map[string]NackResult, len(expired))
	for _, taskID := range expired {
		res, err := q.Nack(ctx, name, taskID)
		if err != nil && !errors.Is(err, ErrNotClaimed) {
			return results, err
		}
		results[taskID] = res
	}
	return results, nil
}

// DeadLetterLen returns the number of items currently dead-lettered for
// the named queue.
func (q *Queue) DeadLetterLen(ctx context.Context, name types.QueueName) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.deadLetterKey(name)).Result()
	if err != nil {
		return 0, sharederrors.FailedTo("length", "dead-letter", string(name), err)
	}
	return n, nil
}

// Depth returns the number of pending (unclaimed) items in the named
// queue, used for the queue-high-water backpressure check.
func (q *Queue) Depth(ctx context.Context, name types.QueueName) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.pendingKey(name)).Result()
	if err != nil {
		return 0, sharederrors.FailedTo("depth", "queue", string(name), err)
	}
	return n, nil
}
