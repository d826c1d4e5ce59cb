package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kasagent/kasagentd/internal/model"
)

// Client submits execution receipts to the consumer's ingestion endpoint.
// It implements Sink.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a receipt submission client for the given consumer base
// URL, e.g. "http://localhost:8420".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Submit posts the receipt to /v1/execution-receipts. Non-2xx responses are
// returned as errors so the poller's retry schedule applies.
func (c *Client) Submit(ctx context.Context, receipt model.ExecutionReceipt) error {
	body, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/execution-receipts", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit receipt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("submit receipt: status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
