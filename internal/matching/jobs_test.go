package matching

import (
	"encoding/json"
	"testing"
)

func TestPayloadRoundTrip(t *testing.T) {
	raw, err := EncodePayload(JobVipCuration, VipCurationJob{UserID: 7, RequestID: 12, Limit: 5})
	if err != nil {
		t.Fatalf("EncodePayload: %v", err)
	}

	jobType, data, err := DecodePayload(raw)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if jobType != JobVipCuration {
		t.Errorf("type: %s", jobType)
	}
	job := data.(VipCurationJob)
	if job.UserID != 7 || job.RequestID != 12 || job.Limit != 5 {
		t.Errorf("payload: %+v", job)
	}
}

func TestDecodePayloadValidation(t *testing.T) {
	cases := map[string]json.RawMessage{
		"unknown type":       json.RawMessage(`{"type":"mystery","data":{}}`),
		"missing request id": json.RawMessage(`{"type":"standard_match","data":{"user_id":1}}`),
		"missing vip limit":  json.RawMessage(`{"type":"vip_curation","data":{"user_id":1,"request_id":2}}`),
		"broken envelope":    json.RawMessage(`{{`),
	}
	for name, raw := range cases {
		if _, _, err := DecodePayload(raw); err == nil {
			t.Errorf("%s: accepted %s", name, raw)
		}
	}
}

func TestNightlyBatchPayload(t *testing.T) {
	raw, err := EncodePayload(JobNightlyBatch, NightlyBatchJob{})
	if err != nil {
		t.Fatal(err)
	}
	jobType, data, err := DecodePayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	if jobType != JobNightlyBatch {
		t.Errorf("type: %s", jobType)
	}
	if _, ok := data.(NightlyBatchJob); !ok {
		t.Errorf("payload type: %T", data)
	}
}
