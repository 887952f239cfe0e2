package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Class identifies one of the three independent queue classes.
type Class string

const (
	ClassStandard Class = "standard"
	ClassPriority Class = "priority"
	ClassVip      Class = "vip"
)

// Classes lists every queue class in dispatch-independent order.
var Classes = []Class{ClassStandard, ClassPriority, ClassVip}

// ParseClass validates a queue class name
func ParseClass(s string) (Class, error) {
	switch Class(s) {
	case ClassStandard, ClassPriority, ClassVip:
		return Class(s), nil
	}
	return "", fmt.Errorf("unknown queue class: %q", s)
}

// Backoff describes the retry delay policy of a job
type Backoff struct {
	Type      string        `json:"type"` // always "exponential"
	BaseDelay time.Duration `json:"baseDelayMs"`
}

// Job is the persisted unit of work. The payload is opaque to the queue;
// consumers decode it against their own tagged union at dequeue time.
type Job struct {
	ID          string          `json:"id"`
	QueueClass  Class           `json:"queueClass"`
	JobKey      string          `json:"jobKey"` // dedup key
	Priority    int             `json:"priority,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     Backoff         `json:"backoff"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// Encode serializes the job for the transport
func (j *Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob deserializes a job from the transport
func DecodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("malformed job record: %w", err)
	}
	if _, err := ParseClass(string(job.QueueClass)); err != nil {
		return nil, err
	}
	if job.ID == "" || job.JobKey == "" {
		return nil, fmt.Errorf("job record missing id or job key")
	}
	return &job, nil
}

// NextBackoff returns the delay before the given attempt is retried.
// base * 2^(attempt-1), capped at maxBackoff.
func (b Backoff) NextBackoff(attempt int, maxBackoff time.Duration) time.Duration {
	if attempt <= 1 {
		return b.BaseDelay
	}
	delay := time.Duration(float64(b.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxBackoff || delay <= 0 {
		return maxBackoff
	}
	return delay
}

// pendingScore orders dispatch within a class: higher numeric priority first,
// enqueue time second. ZPOPMIN takes the lowest score.
func pendingScore(priority int, at time.Time) float64 {
	return -float64(priority)*1e15 + float64(at.UnixMilli())
}
