package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// urlUpdatedType is the notification type sent for every submission.
const urlUpdatedType = "URL_UPDATED"

// maxErrorBody bounds how much of an error response body is read.
const maxErrorBody = 8 << 10

// IndexingClient submits URLs to the external indexing API's publish
// endpoint using a bearer token.
type IndexingClient struct {
	client   *http.Client
	endpoint string
}

// NewIndexingClient creates a client for the given publish endpoint.
func NewIndexingClient(endpoint string, timeout time.Duration) *IndexingClient {
	return &IndexingClient{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
	}
}

type publishRequest struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

type publishError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Submit notifies the indexing API that the URL was updated. Any 2xx
// response is success; a transport error or non-2xx status is a
// submission failure carrying the provider's message when present.
func (c *IndexingClient) Submit(ctx context.Context, rawURL, token string) error {
	payload, err := json.Marshal(publishRequest{URL: rawURL, Type: urlUpdatedType})
	if err != nil {
		return fmt.Errorf("encode publish request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	return fmt.Errorf("submit %s: %s", rawURL, providerMessage(resp))
}

// providerMessage extracts the provider error message from a failed
// response, falling back to the HTTP status.
func providerMessage(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil && len(body) > 0 {
		var pe publishError
		if json.Unmarshal(body, &pe) == nil && pe.Error.Message != "" {
			return pe.Error.Message
		}
	}
	return fmt.Sprintf("unexpected status %d", resp.StatusCode)
}
