// Package queue is a Redis-backed queue of provisioning job ids.
//
// Ids move between a ready list, a processing list, a delayed sorted set
// (scored by due time in unix milliseconds) and a failed list. A worker holds
// a job through a lease key created with SET NX, so a duplicate id delivered
// while a lease is live is dropped instead of being run twice.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrLeaseLost is returned by Extend when the lease expired or is held by
// another worker.
var ErrLeaseLost = errors.New("queue: lease lost")

var extendLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Options configure a Queue.
type Options struct {
	Prefix        string
	PollInterval  time.Duration
	LeaseTTL      time.Duration
	KeepCompleted int
}

// Lease is an exclusive hold on one job id.
type Lease struct {
	JobID uuid.UUID
	Token string
}

// Depth is the number of ids in each part of the queue.
type Depth struct {
	Ready      int64
	Processing int64
	Delayed    int64
	Failed     int64
}

// Queue moves job ids through Redis.
type Queue struct {
	rdb  redis.UniversalClient
	opts Options
	now  func() time.Time
}

// New creates a Queue. PollInterval is raised to one second, the smallest
// timeout BLMOVE accepts.
func New(rdb redis.UniversalClient, opts Options) *Queue {
	if opts.Prefix == "" {
		opts.Prefix = "provisioning"
	}
	if opts.PollInterval < time.Second {
		opts.PollInterval = time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 15 * time.Minute
	}
	return &Queue{rdb: rdb, opts: opts, now: time.Now}
}

func (q *Queue) key(name string) string { return q.opts.Prefix + ":" + name }

func (q *Queue) leaseKey(id uuid.UUID) string { return q.opts.Prefix + ":lease:" + id.String() }

// Enqueue makes a job available to workers.
func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	if err := q.rdb.LPush(ctx, q.key("ready"), jobID.String()).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}
	return nil
}

// Schedule makes a job available once at has passed.
func (q *Queue) Schedule(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	err := q.rdb.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(at.UnixMilli()), Member: jobID.String()}).Err()
	if err != nil {
		return fmt.Errorf("queue: schedule %s: %w", jobID, err)
	}
	return nil
}

// promoteDue moves delayed ids whose time has come to the ready list.
// ZREM decides which caller wins when several promote concurrently.
func (q *Queue) promoteDue(ctx context.Context) error {
	due, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: read delayed: %w", err)
	}
	for _, member := range due {
		removed, err := q.rdb.ZRem(ctx, q.key("delayed"), member).Result()
		if err != nil {
			return fmt.Errorf("queue: promote %s: %w", member, err)
		}
		if removed == 1 {
			if err := q.rdb.LPush(ctx, q.key("ready"), member).Err(); err != nil {
				return fmt.Errorf("queue: promote %s: %w", member, err)
			}
		}
	}
	return nil
}

// Dequeue blocks until a job id is available and returns a lease on it. It
// returns ctx.Err() once ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.promoteDue(ctx); err != nil {
			return nil, err
		}

		raw, err := q.rdb.BLMove(ctx, q.key("ready"), q.key("processing"), "RIGHT", "LEFT", q.opts.PollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("queue: dequeue: %w", err)
		}

		id, err := uuid.Parse(raw)
		if err != nil {
			log.Warn().Str("entry", raw).Msg("Dropping malformed queue entry")
			q.dropProcessing(ctx, raw)
			continue
		}

		token := uuid.NewString()
		ok, err := q.rdb.SetNX(ctx, q.leaseKey(id), token, q.opts.LeaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: lease %s: %w", id, err)
		}
		if !ok {
			log.Debug().Str("job_id", raw).Msg("Dropping duplicate delivery of leased job")
			q.dropProcessing(ctx, raw)
			continue
		}
		return &Lease{JobID: id, Token: token}, nil
	}
}

// dropProcessing removes one processing entry that will never be acked.
func (q *Queue) dropProcessing(ctx context.Context, raw string) {
	if err := q.rdb.LRem(ctx, q.key("processing"), 1, raw).Err(); err != nil {
		log.Warn().Err(err).Str("entry", raw).Msg("Failed to drop processing entry")
	}
}

// Extend re-arms the lease TTL while the holder is still working on the job.
func (q *Queue) Extend(ctx context.Context, lease *Lease) error {
	ok, err := extendLease.Run(ctx, q.rdb, []string{q.leaseKey(lease.JobID)}, lease.Token, q.opts.LeaseTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("queue: extend %s: %w", lease.JobID, err)
	}
	if ok == 0 {
		return fmt.Errorf("queue: extend %s: %w", lease.JobID, ErrLeaseLost)
	}
	return nil
}

// finish removes the lease and the processing entry, then runs then in the
// same transaction.
func (q *Queue) finish(ctx context.Context, op string, lease *Lease, then func(redis.Pipeliner)) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("processing"), 1, lease.JobID.String())
		pipe.Del(ctx, q.leaseKey(lease.JobID))
		if then != nil {
			then(pipe)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: %s %s: %w", op, lease.JobID, err)
	}
	return nil
}

// Ack drops a finished job from the queue. With KeepCompleted set the id is
// kept in a capped completed list.
func (q *Queue) Ack(ctx context.Context, lease *Lease) error {
	return q.finish(ctx, "ack", lease, func(pipe redis.Pipeliner) {
		if q.opts.KeepCompleted > 0 {
			pipe.LPush(ctx, q.key("completed"), lease.JobID.String())
			pipe.LTrim(ctx, q.key("completed"), 0, int64(q.opts.KeepCompleted-1))
		}
	})
}

// Retry schedules the job to be delivered again after delay.
func (q *Queue) Retry(ctx context.Context, lease *Lease, delay time.Duration) error {
	due := q.now().Add(delay)
	return q.finish(ctx, "retry", lease, func(pipe redis.Pipeliner) {
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(due.UnixMilli()), Member: lease.JobID.String()})
	})
}

// Bury moves the job to the failed list. Buried jobs are never delivered
// again.
func (q *Queue) Bury(ctx context.Context, lease *Lease, reason string) error {
	return q.finish(ctx, "bury", lease, func(pipe redis.Pipeliner) {
		pipe.LPush(ctx, q.key("failed"), lease.JobID.String())
		pipe.HSet(ctx, q.key("failed:reasons"), lease.JobID.String(), reason)
	})
}

// Release hands an unfinished job back to the front of the ready list.
func (q *Queue) Release(ctx context.Context, lease *Lease) error {
	return q.finish(ctx, "release", lease, func(pipe redis.Pipeliner) {
		pipe.RPush(ctx, q.key("ready"), lease.JobID.String())
	})
}

// Recover returns processing entries whose lease has expired to the ready
// list. It reports how many were recovered.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	entries, err := q.rdb.LRange(ctx, q.key("processing"), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: recover: %w", err)
	}
	recovered := 0
	for _, raw := range entries {
		id, err := uuid.Parse(raw)
		if err != nil {
			q.dropProcessing(ctx, raw)
			continue
		}
		held, err := q.rdb.Exists(ctx, q.leaseKey(id)).Result()
		if err != nil {
			return recovered, fmt.Errorf("queue: recover %s: %w", raw, err)
		}
		if held > 0 {
			continue
		}
		removed, err := q.rdb.LRem(ctx, q.key("processing"), 1, raw).Result()
		if err != nil {
			return recovered, fmt.Errorf("queue: recover %s: %w", raw, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.RPush(ctx, q.key("ready"), raw).Err(); err != nil {
			return recovered, fmt.Errorf("queue: recover %s: %w", raw, err)
		}
		recovered++
	}
	return recovered, nil
}

// FailedReason returns the reason recorded when a job was buried.
func (q *Queue) FailedReason(ctx context.Context, jobID uuid.UUID) (string, error) {
	reason, err := q.rdb.HGet(ctx, q.key("failed:reasons"), jobID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return reason, err
}

// Depth reports the size of each part of the queue.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.rdb.Pipeline()
	ready := pipe.LLen(ctx, q.key("ready"))
	processing := pipe.LLen(ctx, q.key("processing"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("queue: depth: %w", err)
	}
	return Depth{
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Failed:     failed.Val(),
	}, nil
}
