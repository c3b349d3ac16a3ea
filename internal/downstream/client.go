// Package downstream calls the remote batch API that does the actual
// grading and document extraction. The API is opaque here: one POST per
// sub-batch, results come back per item.
package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/lumenlearn/gradeq/internal/domain"
)

// Processor handles one sub-batch for one job kind.
type Processor interface {
	ProcessBatch(ctx context.Context, items []domain.WorkItem) ([]domain.Result, error)
}

// CallError is a non-success downstream response. Transient says whether
// the executor should retry it.
type CallError struct {
	StatusCode int
	Body       string
}

func (e *CallError) Error() string {
	return "downstream returned " + http.StatusText(e.StatusCode) + ": " + e.Body
}

// Transient covers throttling and server-side failures; 4xx is a lost cause.
func (e *CallError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTransient reports whether err is worth retrying with backoff. Transport
// errors (timeouts, resets) count as transient.
func IsTransient(err error) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Transient()
	}
	return true
}

// Client posts sub-batches to one endpoint.
type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	return &Client{url: url, http: &http.Client{Timeout: timeout}}
}

type batchRequest struct {
	Items []domain.WorkItem `json:"items"`
}

type batchResponse struct {
	Results []domain.Result `json:"results"`
}

func (c *Client) ProcessBatch(ctx context.Context, items []domain.WorkItem) ([]domain.Result, error) {
	body, err := json.Marshal(batchRequest{Items: items})
	if err != nil {
		return nil, errors.Wrap(err, "marshal batch")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "call downstream")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &CallError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}
	return out.Results, nil
}
