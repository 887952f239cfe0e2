// internal/queue/queue.go
// Redis-backed tiered job queue. Three independent classes (standard, priority,
// vip), per-key dedup, delayed retries with exponential backoff, bounded
// completed-job retention. Claimed jobs sit on a per-class active set until
// they are settled; a maintenance reaper re-pends claims that outlive their
// visibility timeout, so a crashed worker cannot lose a job.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	keyPrefix = "kujuana:queue"

	jobTTL      = 7 * 24 * time.Hour
	dedupTTL    = 24 * time.Hour
	maxBackoff  = 10 * time.Minute
	promoteTick = time.Second
)

// Options configure per-job behaviour at enqueue time
type Options struct {
	JobKey      string // dedup key, required
	Priority    int    // dispatched ahead of lower-priority same-class jobs
	MaxAttempts int    // 0 falls back to the queue default
}

// Config holds queue-wide defaults
type Config struct {
	MaxAttempts        int
	BaseBackoff        time.Duration
	CompletedRetention int
	// VisibilityTimeout bounds how long a claimed job may stay unsettled
	// before the reaper re-pends it.
	VisibilityTimeout time.Duration
}

// Queue is the tiered job queue. One instance serves all three classes.
type Queue struct {
	rdb *redis.Client
	cfg Config
	log *logrus.Logger
}

// New creates a queue over the given Redis client
func New(rdb *redis.Client, cfg Config, log *logrus.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = 1000
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	return &Queue{rdb: rdb, cfg: cfg, log: log}
}

func pendingKey(class Class) string { return fmt.Sprintf("%s:%s:pending", keyPrefix, class) }
func delayedKey(class Class) string { return fmt.Sprintf("%s:%s:delayed", keyPrefix, class) }
func activeKey(class Class) string  { return fmt.Sprintf("%s:%s:active", keyPrefix, class) }
func failedKey(class Class) string  { return fmt.Sprintf("%s:%s:failed", keyPrefix, class) }
func doneKey(class Class) string    { return fmt.Sprintf("%s:%s:completed", keyPrefix, class) }
func jobKey(id string) string       { return fmt.Sprintf("%s:job:%s", keyPrefix, id) }
func dedupKey(class Class, key string) string {
	return fmt.Sprintf("%s:%s:dedup:%s", keyPrefix, class, key)
}

// Enqueue adds a job to a class. Re-enqueuing the same job key while a prior
// job with that key is still live is a no-op: the existing job id is returned
// with enqueued=false.
func (q *Queue) Enqueue(ctx context.Context, class Class, payload json.RawMessage, opts Options) (string, bool, error) {
	if opts.JobKey == "" {
		return "", false, fmt.Errorf("job key is required")
	}

	id := uuid.NewString()

	// The dedup key is the transport-level uniqueness guard. It is held until
	// the job reaches a terminal state.
	ok, err := q.rdb.SetNX(ctx, dedupKey(class, opts.JobKey), id, dedupTTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("dedup check: %w", err)
	}
	if !ok {
		existing, err := q.rdb.Get(ctx, dedupKey(class, opts.JobKey)).Result()
		if err != nil && err != redis.Nil {
			return "", false, fmt.Errorf("dedup lookup: %w", err)
		}
		return existing, false, nil
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	now := time.Now().UTC()
	job := &Job{
		ID:          id,
		QueueClass:  class,
		JobKey:      opts.JobKey,
		Priority:    opts.Priority,
		Payload:     payload,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		Backoff:     Backoff{Type: "exponential", BaseDelay: q.cfg.BaseBackoff},
		EnqueuedAt:  now,
	}

	if err := q.persistJob(ctx, job); err != nil {
		q.rdb.Del(ctx, dedupKey(class, opts.JobKey))
		return "", false, err
	}

	if err := q.rdb.ZAdd(ctx, pendingKey(class), &redis.Z{
		Score:  pendingScore(opts.Priority, now),
		Member: id,
	}).Err(); err != nil {
		q.rdb.Del(ctx, dedupKey(class, opts.JobKey))
		return "", false, fmt.Errorf("enqueue: %w", err)
	}

	RecordEnqueued(string(class))
	q.log.WithFields(logrus.Fields{
		"queue":    class,
		"job_id":   id,
		"job_key":  opts.JobKey,
		"priority": opts.Priority,
	}).Info("job enqueued")

	return id, true, nil
}

// Dequeue claims the highest-priority pending job of a class. Returns nil when
// the class is idle. ZPOPMIN makes the claim atomic, so a job is dispatched to
// exactly one worker per attempt. The claim is parked on the active set until
// Complete or Fail settles it; if the worker dies first, the reaper re-pends
// it once the visibility timeout passes.
func (q *Queue) Dequeue(ctx context.Context, class Class) (*Job, error) {
	popped, err := q.rdb.ZPopMin(ctx, pendingKey(class), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}

	id, _ := popped[0].Member.(string)
	deadline := time.Now().UTC().Add(q.cfg.VisibilityTimeout)
	if err := q.rdb.ZAdd(ctx, activeKey(class), &redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: id,
	}).Err(); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", id, err)
	}

	raw, err := q.rdb.Get(ctx, jobKey(id)).Result()
	if err == redis.Nil {
		// Job record expired under the pending entry; nothing to run.
		q.rdb.ZRem(ctx, activeKey(class), id)
		return nil, nil
	}
	if err != nil {
		// The claim stays on the active set; the reaper re-pends it.
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	job, err := DecodeJob([]byte(raw))
	if err != nil {
		return nil, err
	}

	job.Attempts++
	if err := q.persistJob(ctx, job); err != nil {
		return nil, err
	}

	return job, nil
}

// Complete marks a job finished, releases its dedup key, and prunes the
// completed list to the configured retention.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.QueueClass), job.ID)
	pipe.LPush(ctx, doneKey(job.QueueClass), job.ID)
	pipe.LTrim(ctx, doneKey(job.QueueClass), 0, int64(q.cfg.CompletedRetention-1))
	pipe.Del(ctx, dedupKey(job.QueueClass, job.JobKey))
	pipe.Expire(ctx, jobKey(job.ID), time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	RecordCompleted(string(job.QueueClass))
	return nil
}

// Fail records a failed attempt. If attempts remain the job is parked on the
// delayed set with exponential backoff; otherwise it moves to the failed hash
// and the dedup key is released. Returns true when the failure is terminal.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error) (bool, error) {
	job.LastError = jobErr.Error()

	if job.Attempts < job.MaxAttempts {
		delay := job.Backoff.NextBackoff(job.Attempts, maxBackoff)
		if err := q.persistJob(ctx, job); err != nil {
			return false, err
		}
		readyAt := time.Now().UTC().Add(delay)
		if err := q.rdb.ZAdd(ctx, delayedKey(job.QueueClass), &redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: job.ID,
		}).Err(); err != nil {
			return false, fmt.Errorf("schedule retry for %s: %w", job.ID, err)
		}
		if err := q.rdb.ZRem(ctx, activeKey(job.QueueClass), job.ID).Err(); err != nil {
			return false, fmt.Errorf("release claim for %s: %w", job.ID, err)
		}

		RecordRetried(string(job.QueueClass))
		q.log.WithFields(logrus.Fields{
			"queue":   job.QueueClass,
			"job_id":  job.ID,
			"attempt": job.Attempts,
			"delay":   delay.String(),
		}).Warn("job failed, retry scheduled: " + jobErr.Error())
		return false, nil
	}

	encoded, err := job.Encode()
	if err != nil {
		return true, err
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, activeKey(job.QueueClass), job.ID)
	pipe.HSet(ctx, failedKey(job.QueueClass), job.ID, encoded)
	pipe.Del(ctx, dedupKey(job.QueueClass, job.JobKey))
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("park failed job %s: %w", job.ID, err)
	}

	RecordFailed(string(job.QueueClass))
	q.log.WithFields(logrus.Fields{
		"queue":    job.QueueClass,
		"job_id":   job.ID,
		"attempts": job.Attempts,
	}).Error("job failed permanently: " + jobErr.Error())
	return true, nil
}

// RunMaintenance promotes due delayed jobs, reclaims stalled claims and keeps
// the depth gauges current until the context is cancelled. Run once per
// process.
func (q *Queue) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(promoteTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, class := range Classes {
				if err := q.promoteDue(ctx, class); err != nil && ctx.Err() == nil {
					q.log.WithField("queue", class).Warn("delayed promotion failed: " + err.Error())
				}
				if err := q.reapExpired(ctx, class); err != nil && ctx.Err() == nil {
					q.log.WithField("queue", class).Warn("claim reap failed: " + err.Error())
				}
				if depth, err := q.PendingCount(ctx, class); err == nil {
					RecordDepth(string(class), depth)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) promoteDue(ctx context.Context, class Class) error {
	now := float64(time.Now().UTC().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, delayedKey(class), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		// Only the remover of the delayed entry re-queues; concurrent
		// maintenance loops cannot double-promote.
		removed, err := q.rdb.ZRem(ctx, delayedKey(class), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		priority, ok := q.jobPriority(ctx, id)
		if !ok {
			continue
		}
		if err := q.rdb.ZAdd(ctx, pendingKey(class), &redis.Z{
			Score:  pendingScore(priority, time.Now().UTC()),
			Member: id,
		}).Err(); err != nil {
			return err
		}
	}
	return nil
}

// reapExpired re-pends claims whose visibility deadline has passed. A job
// whose worker crashed mid-run comes back as a regular redelivery.
func (q *Queue) reapExpired(ctx context.Context, class Class) error {
	now := float64(time.Now().UTC().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, activeKey(class), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", now),
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		removed, err := q.rdb.ZRem(ctx, activeKey(class), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		priority, ok := q.jobPriority(ctx, id)
		if !ok {
			// Record expired along with the claim; nothing left to run.
			continue
		}
		if err := q.rdb.ZAdd(ctx, pendingKey(class), &redis.Z{
			Score:  pendingScore(priority, time.Now().UTC()),
			Member: id,
		}).Err(); err != nil {
			return err
		}
		q.log.WithFields(logrus.Fields{
			"queue":  class,
			"job_id": id,
		}).Warn("stalled claim reclaimed")
	}
	return nil
}

func (q *Queue) jobPriority(ctx context.Context, id string) (int, bool) {
	raw, err := q.rdb.Get(ctx, jobKey(id)).Result()
	if err != nil {
		return 0, false
	}
	job, err := DecodeJob([]byte(raw))
	if err != nil {
		return 0, false
	}
	return job.Priority, true
}

// PendingCount reports the pending depth of a class (health/metrics)
func (q *Queue) PendingCount(ctx context.Context, class Class) (int64, error) {
	return q.rdb.ZCard(ctx, pendingKey(class)).Result()
}

func (q *Queue) persistJob(ctx context.Context, job *Job) error {
	encoded, err := job.Encode()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.rdb.Set(ctx, jobKey(job.ID), encoded, jobTTL).Err(); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}
