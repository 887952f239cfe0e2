// internal/matching/jobs.go
// Typed job payloads per queue class. The queue transports opaque JSON; the
// tagged envelope here is decoded and validated at dequeue time.

package matching

import (
	"encoding/json"
	"fmt"
)

// Payload type tags
const (
	JobStandardMatch = "standard_match"
	JobPriorityMatch = "priority_match"
	JobVipCuration   = "vip_curation"
	JobNightlyBatch  = "nightly_batch"
)

// JobEnvelope wraps every queued payload with its type tag
type JobEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StandardMatchJob computes the nightly best-above-floor match for one member
type StandardMatchJob struct {
	UserID    int64 `json:"user_id"`
	RequestID int64 `json:"request_id"`
}

// PriorityMatchJob computes an on-demand single best match
type PriorityMatchJob struct {
	UserID    int64 `json:"user_id"`
	RequestID int64 `json:"request_id"`
}

// VipCurationJob selects a curated top-N candidate set
type VipCurationJob struct {
	UserID    int64 `json:"user_id"`
	RequestID int64 `json:"request_id"`
	Limit     int   `json:"limit"`
}

// NightlyBatchJob is the cron-triggered fan-out over standard-tier members
type NightlyBatchJob struct{}

// EncodePayload wraps a typed job in its envelope
func EncodePayload(jobType string, data interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(JobEnvelope{Type: jobType, Data: raw})
}

// DecodePayload validates and unwraps a queued payload into its typed form
func DecodePayload(raw json.RawMessage) (string, interface{}, error) {
	var env JobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("malformed job envelope: %w", err)
	}

	switch env.Type {
	case JobStandardMatch:
		var job StandardMatchJob
		if err := json.Unmarshal(env.Data, &job); err != nil {
			return env.Type, nil, fmt.Errorf("malformed standard match payload: %w", err)
		}
		if job.UserID == 0 || job.RequestID == 0 {
			return env.Type, nil, fmt.Errorf("standard match payload missing user or request id")
		}
		return env.Type, job, nil

	case JobPriorityMatch:
		var job PriorityMatchJob
		if err := json.Unmarshal(env.Data, &job); err != nil {
			return env.Type, nil, fmt.Errorf("malformed priority match payload: %w", err)
		}
		if job.UserID == 0 || job.RequestID == 0 {
			return env.Type, nil, fmt.Errorf("priority match payload missing user or request id")
		}
		return env.Type, job, nil

	case JobVipCuration:
		var job VipCurationJob
		if err := json.Unmarshal(env.Data, &job); err != nil {
			return env.Type, nil, fmt.Errorf("malformed vip curation payload: %w", err)
		}
		if job.UserID == 0 || job.RequestID == 0 {
			return env.Type, nil, fmt.Errorf("vip curation payload missing user or request id")
		}
		if job.Limit <= 0 {
			return env.Type, nil, fmt.Errorf("vip curation payload missing limit")
		}
		return env.Type, job, nil

	case JobNightlyBatch:
		return env.Type, NightlyBatchJob{}, nil

	default:
		return env.Type, nil, fmt.Errorf("unknown job payload type: %q", env.Type)
	}
}
