package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Benjamindaoson/agentic-delivery-os/internal/corerr"
)

// RedisQueue is the distributed Task Queue backend: a single sorted set
// keyed by (priority rank, enqueue time) score holds pending task ids, a
// JSON string key per task id holds its row, and a second sorted set keyed by lease
// expiry backs lease-sweep without a full table scan.
type RedisQueue struct {
	rdb       *redis.Client
	namespace string
	now       func() time.Time
}

// OpenRedisQueue wraps an already-configured client; addr/auth/TLS are the
// caller's concern (wired from config.Queue in cmd/engine).
func OpenRedisQueue(rdb *redis.Client, namespace string) *RedisQueue {
	if namespace == "" {
		namespace = "agentic"
	}
	return &RedisQueue{rdb: rdb, namespace: namespace, now: time.Now}
}

func (q *RedisQueue) key(suffix string) string {
	return fmt.Sprintf("%s:queue:%s", q.namespace, suffix)
}

func (q *RedisQueue) taskKey(id string) string { return q.key("task:" + id) }

// score combines priority rank and enqueue time so ZRANGE already yields
// priority order; the aging bonus is folded in by recomputing the score on
// every Dequeue rather than re-deriving it at read time, since Redis sorted
// sets can't express a time-varying comparator directly.
func score(priority string, enqueuedAt time.Time, now time.Time) float64 {
	const agingBonusEvery = 30 * time.Second
	rank := Rank(priority)
	bonus := int(now.Sub(enqueuedAt) / agingBonusEvery)
	rank -= bonus
	if rank < 0 {
		rank = 0
	}
	// Sub-rank ordering by enqueue time (older first) within the same rank,
	// scaled so it never crosses a rank boundary.
	return float64(rank)*1e12 + float64(enqueuedAt.UnixNano())/1e9
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = 3
	}
	task.State = StatePending
	task.EnqueuedAt = q.now().UTC()

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("queue: enqueue: marshal: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.taskKey(task.ID), payload, 0)
	pipe.ZAdd(ctx, q.key("pending"), redis.Z{
		Score:  score(task.Priority, task.EnqueuedAt, task.EnqueuedAt),
		Member: task.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) loadTask(ctx context.Context, id string) (Task, error) {
	raw, err := q.rdb.Get(ctx, q.taskKey(id)).Bytes()
	if err != nil {
		return Task{}, err
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (q *RedisQueue) saveTask(ctx context.Context, t Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.rdb.Set(ctx, q.taskKey(t.ID), raw, 0).Err()
}

// Dequeue re-scores the pending set for aging, then pops the lowest-score
// (highest priority) task whose capabilities are satisfied. Leasing is a
// Lua-scripted compare-and-swap so two workers racing on the same task id
// never both win the lease.
var leaseScript = redis.NewScript(`
local taskKey = KEYS[1]
local pendingKey = KEYS[2]
local leasedKey = KEYS[3]
local taskID = ARGV[1]
local leaseID = ARGV[2]
local expiryUnix = ARGV[3]
local payload = ARGV[4]

local removed = redis.call('ZREM', pendingKey, taskID)
if removed == 0 then
  return 0
end
redis.call('SET', taskKey, payload)
redis.call('ZADD', leasedKey, expiryUnix, taskID)
return 1
`)

func (q *RedisQueue) Dequeue(ctx context.Context, workerCapabilities []string, leaseDuration time.Duration) (Task, bool, error) {
	if _, err := q.SweepExpiredLeases(ctx); err != nil {
		return Task{}, false, err
	}

	now := q.now().UTC()
	ids, err := q.rdb.ZRange(ctx, q.key("pending"), 0, -1).Result()
	if err != nil {
		return Task{}, false, fmt.Errorf("queue: dequeue: %w", err)
	}

	// Re-score for aging so subsequent reads (and other workers) observe
	// the up-to-date priority order.
	if len(ids) > 0 {
		pipe := q.rdb.Pipeline()
		tasks := make(map[string]Task, len(ids))
		for _, id := range ids {
			t, err := q.loadTask(ctx, id)
			if err != nil {
				continue
			}
			tasks[id] = t
			pipe.ZAdd(ctx, q.key("pending"), redis.Z{Score: score(t.Priority, t.EnqueuedAt, now), Member: id})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return Task{}, false, fmt.Errorf("queue: dequeue: rescore: %w", err)
		}

		ordered, err := q.rdb.ZRange(ctx, q.key("pending"), 0, -1).Result()
		if err != nil {
			return Task{}, false, fmt.Errorf("queue: dequeue: %w", err)
		}
		for _, id := range ordered {
			t, ok := tasks[id]
			if !ok {
				t, err = q.loadTask(ctx, id)
				if err != nil {
					continue
				}
			}
			if !capabilitiesSatisfied(t.Capabilities, workerCapabilities) {
				continue
			}

			leaseID := uuid.NewString()
			expiry := now.Add(leaseDuration)
			t.State = StateLeased
			t.LeaseHolder = leaseID
			t.LeaseExpiry = expiry
			payload, err := json.Marshal(t)
			if err != nil {
				return Task{}, false, fmt.Errorf("queue: dequeue: marshal: %w", err)
			}

			res, err := leaseScript.Run(ctx, q.rdb,
				[]string{q.taskKey(t.ID), q.key("pending"), q.key("leased")},
				t.ID, leaseID, float64(expiry.Unix()), payload).Int()
			if err != nil {
				return Task{}, false, fmt.Errorf("queue: dequeue: lease: %w", err)
			}
			if res == 1 {
				return t, true, nil
			}
			// lost the race to another worker; try the next candidate
		}
	}
	return Task{}, false, nil
}

func (q *RedisQueue) Ack(ctx context.Context, leaseID string, result Result) error {
	id, err := q.findByLease(ctx, leaseID)
	if err != nil {
		return err
	}
	t, err := q.loadTask(ctx, id)
	if err != nil {
		return fmt.Errorf("queue: ack: %w: %s", corerr.ErrLeaseExpired, leaseID)
	}
	if t.LeaseHolder != leaseID {
		return fmt.Errorf("queue: ack: %w: %s", corerr.ErrLeaseExpired, leaseID)
	}

	t.State = StateSucceeded
	if result.Status == StateFailed {
		t.State = StateFailed
	}
	t.LeaseHolder = ""

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("leased"), id)
	pipe.Set(ctx, q.taskKey(id), mustMarshal(t), 0)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, leaseID string, reason string, retry bool) error {
	id, err := q.findByLease(ctx, leaseID)
	if err != nil {
		return err
	}
	t, err := q.loadTask(ctx, id)
	if err != nil || t.LeaseHolder != leaseID {
		return fmt.Errorf("queue: nack: %w: %s", corerr.ErrLeaseExpired, leaseID)
	}

	t.Attempt++
	t.LeaseHolder = ""
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.key("leased"), id)

	if !retry || t.Attempt >= t.MaxAttempts {
		t.State = StateDead
		pipe.SAdd(ctx, q.key("dead"), id)
		pipe.Set(ctx, q.taskKey(id), mustMarshal(t), 0)
	} else {
		t.State = StatePending
		pipe.Set(ctx, q.taskKey(id), mustMarshal(t), 0)
		pipe.ZAdd(ctx, q.key("pending"), redis.Z{Score: score(t.Priority, t.EnqueuedAt, q.now()), Member: id})
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: nack: %w", err)
	}
	return nil
}

func (q *RedisQueue) findByLease(ctx context.Context, leaseID string) (string, error) {
	ids, err := q.rdb.ZRange(ctx, q.key("leased"), 0, -1).Result()
	if err != nil {
		return "", fmt.Errorf("queue: %w", err)
	}
	for _, id := range ids {
		t, err := q.loadTask(ctx, id)
		if err == nil && t.LeaseHolder == leaseID {
			return id, nil
		}
	}
	return "", fmt.Errorf("queue: %w: %s", corerr.ErrLeaseExpired, leaseID)
}

func (q *RedisQueue) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{ByPriority: make(map[string]int)}

	pendingIDs, err := q.rdb.ZRange(ctx, q.key("pending"), 0, -1).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("queue: snapshot: %w", err)
	}
	snap.Pending = len(pendingIDs)
	for _, id := range pendingIDs {
		if t, err := q.loadTask(ctx, id); err == nil {
			snap.ByPriority[t.Priority]++
		}
	}

	leased, err := q.rdb.ZCard(ctx, q.key("leased")).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("queue: snapshot: %w", err)
	}
	snap.Leased = int(leased)

	deadIDs, err := q.rdb.SMembers(ctx, q.key("dead")).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("queue: snapshot: %w", err)
	}
	snap.Dead = len(deadIDs)

	return snap, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context) ([]Task, error) {
	ids, err := q.rdb.SMembers(ctx, q.key("dead")).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}
	var out []Task
	for _, id := range ids {
		t, err := q.loadTask(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (q *RedisQueue) SweepExpiredLeases(ctx context.Context) (int, error) {
	now := q.now().UTC()
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("leased"), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: sweep: %w", err)
	}

	count := 0
	for _, id := range ids {
		t, err := q.loadTask(ctx, id)
		if err != nil {
			continue
		}
		t.Attempt++
		t.LeaseHolder = ""

		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("leased"), id)
		if t.Attempt >= t.MaxAttempts {
			t.State = StateDead
			pipe.SAdd(ctx, q.key("dead"), id)
			pipe.Set(ctx, q.taskKey(id), mustMarshal(t), 0)
		} else {
			t.State = StatePending
			pipe.Set(ctx, q.taskKey(id), mustMarshal(t), 0)
			pipe.ZAdd(ctx, q.key("pending"), redis.Z{Score: score(t.Priority, t.EnqueuedAt, now), Member: id})
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return count, fmt.Errorf("queue: sweep: %w", err)
		}
		count++
	}
	return count, nil
}

func mustMarshal(t Task) []byte {
	raw, _ := json.Marshal(t)
	return raw
}
