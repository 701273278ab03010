// Package clip calls an external embedding service that turns image bytes
// into a fixed-dimension vector. A single call makes a single attempt; retry
// policy belongs to the caller.
package clip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fairyhunter13/image-indexer/internal/domain"
)

// Client embeds images via the model service HTTP API.
type Client struct {
	baseURL    string
	dimension  int
	httpClient *http.Client
}

// New constructs a Client. dimension is the vector size the service is
// expected to return.
func New(baseURL string, dimension int, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		dimension:  dimension,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Dimension returns the declared vector size.
func (c *Client) Dimension() int { return c.dimension }

// EmbedImage posts the raw image bytes and returns the embedding vector.
func (c *Client) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed/image", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("op=clip.embed: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=clip.embed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("op=clip.embed: status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=clip.embed decode: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding in response", domain.ErrEmbeddingFailed)
	}
	return out.Embedding, nil
}

// Healthy probes the model service health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}
