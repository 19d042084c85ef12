package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"thsrsniper/internal/domain"
)

// RunnerClient calls the booking-runner service over HTTP. The runner hosts
// the browser automation and captcha OCR; one POST is one full booking
// attempt and may take minutes.
type RunnerClient struct {
	baseURL string
	client  *http.Client
}

func NewRunnerClient(baseURL string, timeout time.Duration) *RunnerClient {
	return &RunnerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *RunnerClient) Attempt(ctx context.Context, params domain.JourneyParams) (Outcome, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/attempt", bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Outcome{}, &TransientError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Outcome{}, &TransientError{
			Reason: fmt.Sprintf("runner returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	var out Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Outcome{}, &TransientError{Reason: "undecodable runner response: " + err.Error()}
	}
	return out, nil
}
