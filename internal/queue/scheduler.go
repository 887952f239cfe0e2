// internal/queue/scheduler.go
// Idempotent cron triggers. A trigger is registered once under a fixed id;
// each due run enqueues a job whose key embeds the run time, so overlapping
// scheduler instances collapse to a single queued unit.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// cron specs are the standard 5-field form, evaluated in UTC
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Schedule is a registered recurring trigger
type Schedule struct {
	ID         string          `json:"id"`
	Spec       string          `json:"spec"`
	QueueClass Class           `json:"queueClass"`
	Payload    json.RawMessage `json:"payload"`
}

// Scheduler evaluates registered cron triggers and enqueues due runs
type Scheduler struct {
	queue *Queue
	log   *logrus.Logger

	schedules map[string]Schedule
	next      map[string]time.Time
}

// NewScheduler creates an empty scheduler over a queue
func NewScheduler(q *Queue, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		queue:     q,
		log:       log,
		schedules: make(map[string]Schedule),
		next:      make(map[string]time.Time),
	}
}

// Register adds a recurring trigger. Registering an id twice keeps the first
// registration and is not an error.
func (s *Scheduler) Register(ctx context.Context, id, spec string, class Class, payload json.RawMessage) error {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid cron spec %q for trigger %s: %w", spec, id, err)
	}

	if _, exists := s.schedules[id]; exists {
		return nil
	}

	// Per-run dedup happens through the job key below, so overlapping
	// scheduler instances need no shared registry.
	entry := Schedule{ID: id, Spec: spec, QueueClass: class, Payload: payload}
	s.schedules[id] = entry
	s.next[id] = sched.Next(time.Now().UTC())

	s.log.WithFields(logrus.Fields{
		"trigger": id,
		"spec":    spec,
		"queue":   class,
	}).Info("cron trigger registered")
	return nil
}

// Run fires due triggers until the context is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.fireDue(ctx, time.Now().UTC())
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	for id, entry := range s.schedules {
		runAt, ok := s.next[id]
		if !ok || now.Before(runAt) {
			continue
		}

		// Job key embeds the run time: two instances firing the same run
		// collapse at the queue's dedup layer.
		_, enqueued, err := s.queue.Enqueue(ctx, entry.QueueClass, entry.Payload, Options{
			JobKey: fmt.Sprintf("%s:%d", id, runAt.Unix()),
		})
		if err != nil {
			s.log.WithField("trigger", id).Error("cron enqueue failed: " + err.Error())
			// Leave next unchanged so the run is retried on the next tick.
			continue
		}
		if enqueued {
			s.log.WithFields(logrus.Fields{
				"trigger": id,
				"run_at":  runAt.Format(time.RFC3339),
			}).Info("cron trigger fired")
		}

		sched, err := cronParser.Parse(entry.Spec)
		if err != nil {
			continue
		}
		s.next[id] = sched.Next(now)
	}
}

// NextRun reports the next evaluation time of a trigger (tests, introspection)
func (s *Scheduler) NextRun(id string) (time.Time, bool) {
	t, ok := s.next[id]
	return t, ok
}
