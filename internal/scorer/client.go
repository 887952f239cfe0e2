// internal/scorer/client.go
// HTTP adapter for the external compatibility scoring service. The core
// pipeline only sees the matching.Scorer contract; everything about the
// remote protocol stays here.

package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/donmaleek/Kujuana-sub002/internal/matching"
)

const defaultTimeout = 5 * time.Second

type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	Seeker    *matching.ProfileSnapshot `json:"seeker"`
	Candidate *matching.ProfileSnapshot `json:"candidate"`
}

type scoreResponse struct {
	PassesHardFilters bool                     `json:"passes_hard_filters"`
	Breakdown         *matching.ScoreBreakdown `json:"breakdown"`
}

func (c *Client) PassesHardFilters(ctx context.Context, seeker, candidate *matching.ProfileSnapshot) (bool, error) {
	resp, err := c.post(ctx, "/v1/filters", scoreRequest{Seeker: seeker, Candidate: candidate})
	if err != nil {
		return false, err
	}
	return resp.PassesHardFilters, nil
}

func (c *Client) Score(ctx context.Context, seeker, candidate *matching.ProfileSnapshot) (*matching.ScoreBreakdown, error) {
	resp, err := c.post(ctx, "/v1/score", scoreRequest{Seeker: seeker, Candidate: candidate})
	if err != nil {
		return nil, err
	}
	if resp.Breakdown == nil {
		return nil, fmt.Errorf("scoring service returned no breakdown")
	}
	return resp.Breakdown, nil
}

func (c *Client) post(ctx context.Context, path string, body scoreRequest) (*scoreResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scoring service unreachable: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("scoring service returned %d: %s", res.StatusCode, snippet)
	}

	var out scoreResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding scoring response: %w", err)
	}
	return &out, nil
}
