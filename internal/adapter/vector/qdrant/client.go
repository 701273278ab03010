// Package qdrant implements the vector-store port over the Qdrant HTTP API.
// One collection holds one point per product; upserts by product id are
// idempotent.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/image-indexer/internal/domain"
)

// Store is a Qdrant-backed vector store bound to a single collection.
type Store struct {
	baseURL    string
	apiKey     string
	collection string
	httpClient *http.Client
}

// New constructs a Store for the given collection. apiKey may be empty for
// unauthenticated deployments.
func New(baseURL, apiKey, collection string) *Store {
	return &Store{
		baseURL:    baseURL,
		apiKey:     apiKey,
		collection: collection,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// pointID derives the deterministic Qdrant point id for a product, so that
// re-indexing the same product always overwrites its previous point.
func pointID(productID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(productID)).String()
}

// EnsureCollection creates the collection with the given vector size and
// distance metric if it does not already exist.
func (s *Store) EnsureCollection(ctx context.Context, vectorSize int, distance string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/collections/%s", s.baseURL, s.collection), nil)
	if err != nil {
		return fmt.Errorf("op=qdrant.ensure: %w", err)
	}
	s.setHeaders(req)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=qdrant.ensure get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	payload := map[string]any{
		"vectors": map[string]any{"size": vectorSize, "distance": distance},
	}
	b, _ := json.Marshal(payload)
	req, err = http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s", s.baseURL, s.collection), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("op=qdrant.ensure: %w", err)
	}
	s.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err = s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=qdrant.ensure create: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=qdrant.ensure create: status %d", resp.StatusCode)
	}
	return nil
}

// Upsert writes the point for productID, replacing any previous vector and
// payload for the same product.
func (s *Store) Upsert(ctx context.Context, productID string, vector []float32, payload map[string]any) error {
	body := map[string]any{
		"points": []map[string]any{{
			"id":      pointID(productID),
			"vector":  vector,
			"payload": payload,
		}},
	}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s/points?wait=true", s.baseURL, s.collection), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("op=qdrant.upsert: %w", err)
	}
	s.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("op=qdrant.upsert product=%s: %w", productID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("op=qdrant.upsert product=%s: status %d", productID, resp.StatusCode)
	}
	return nil
}

// Search returns the top-limit nearest points with payloads.
func (s *Store) Search(ctx context.Context, vector []float32, limit int) ([]domain.SearchHit, error) {
	body := map[string]any{"vector": vector, "limit": limit, "with_payload": true}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/search", s.baseURL, s.collection), bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("op=qdrant.search: %w", err)
	}
	s.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=qdrant.search: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("op=qdrant.search: status %d", resp.StatusCode)
	}
	var out struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=qdrant.search decode: %w", err)
	}
	hits := make([]domain.SearchHit, 0, len(out.Result))
	for _, r := range out.Result {
		hits = append(hits, domain.SearchHit{ID: r.ID, Score: r.Score, Payload: r.Payload})
	}
	return hits, nil
}

// Healthy probes the Qdrant readiness endpoint.
func (s *Store) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/readyz", nil)
	if err != nil {
		return false
	}
	s.setHeaders(req)
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (s *Store) setHeaders(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
}
