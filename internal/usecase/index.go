// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/image-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/image-indexer/internal/domain"
	"github.com/fairyhunter13/image-indexer/internal/staging"
)

// Processing modes reported back to the client.
const (
	ModeAsync = "async"
	ModeSync  = "sync"
)

var validate = validator.New()

// SubmitInput carries one index-image submission.
type SubmitInput struct {
	ProductID   string
	Name        string
	Description string
	MetadataRaw string // optional JSON object
	Filename    string
	Image       []byte
}

// SubmitResult reports how a submission was handled. JobID is empty when the
// synchronous fallback indexed the image directly.
type SubmitResult struct {
	JobID string
	Mode  string
}

// IndexService accepts image submissions and routes them onto the queue, or
// through the synchronous fallback when the queue's store is unavailable.
type IndexService struct {
	Queue   domain.JobQueue
	Embed   domain.Embedder
	Vectors domain.VectorStore
	Staging *staging.Dir
}

// NewIndexService constructs an IndexService with its dependencies.
func NewIndexService(q domain.JobQueue, e domain.Embedder, v domain.VectorStore, st *staging.Dir) IndexService {
	return IndexService{Queue: q, Embed: e, Vectors: v, Staging: st}
}

// imageExtensions accepted when content sniffing is inconclusive.
var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".webp": {}, ".gif": {},
}

func looksLikeImage(filename string, data []byte) bool {
	if strings.HasPrefix(mimetype.Detect(data).String(), "image/") {
		return true
	}
	_, ok := imageExtensions[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// parseMetadata decodes the optional metadata JSON. Anything that is not a
// JSON object is treated as absent rather than rejected; metadata is
// best-effort payload enrichment, never a submission gate.
func parseMetadata(raw string) map[string]any {
	meta := map[string]any{}
	if raw == "" {
		return meta
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		slog.Debug("ignoring malformed metadata", slog.Any("error", err))
		return map[string]any{}
	}
	return meta
}

// Submit validates the submission, stages the image, and enqueues an indexing
// job. When the queue's store is down, or the enqueue itself fails, it falls
// back to indexing synchronously in the request path.
func (s IndexService) Submit(ctx context.Context, in SubmitInput) (SubmitResult, error) {
	if err := validate.Var(in.ProductID, "required,max=255"); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: product_id required (max 255 chars)", domain.ErrInvalidArgument)
	}
	if len(in.Image) == 0 {
		return SubmitResult{}, fmt.Errorf("%w: empty image payload", domain.ErrInvalidArgument)
	}
	if !looksLikeImage(in.Filename, in.Image) {
		return SubmitResult{}, fmt.Errorf("%w: payload is not an image", domain.ErrInvalidArgument)
	}
	meta := parseMetadata(in.MetadataRaw)

	if !s.Queue.Available(ctx) {
		slog.Warn("queue store unavailable, indexing synchronously", slog.String("product_id", in.ProductID))
		return s.submitSync(ctx, in, meta)
	}

	j := domain.NewJob(in.ProductID, "", in.Name, in.Description, meta)
	path, err := s.Staging.Put(j.ID, in.Filename, in.Image)
	if err != nil {
		return SubmitResult{}, err
	}
	j.ImageRef = path

	if err := s.Queue.Enqueue(ctx, j); err != nil {
		slog.Warn("enqueue failed, indexing synchronously",
			slog.String("product_id", in.ProductID),
			slog.Any("error", err))
		staging.Discard(path)
		return s.submitSync(ctx, in, meta)
	}
	return SubmitResult{JobID: j.ID, Mode: ModeAsync}, nil
}

// submitSync runs the embedding + upsert pipeline inline. The image never
// touches the staging dir on this path.
func (s IndexService) submitSync(ctx context.Context, in SubmitInput, meta map[string]any) (SubmitResult, error) {
	observability.SyncFallback()

	vec, err := s.Embed.EmbedImage(ctx, in.Image)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %w", domain.ErrEmbeddingFailed, err)
	}
	if len(vec) != s.Embed.Dimension() {
		return SubmitResult{}, fmt.Errorf("%w: embedding dimension %d, want %d", domain.ErrEmbeddingFailed, len(vec), s.Embed.Dimension())
	}

	payload := make(map[string]any, len(meta)+5)
	for k, v := range meta {
		payload[k] = v
	}
	payload["product_id"] = in.ProductID
	payload["name"] = in.Name
	payload["description"] = in.Description
	payload["has_image"] = true
	payload["indexed_at"] = time.Now().UTC().Format(time.RFC3339)

	if err := s.Vectors.Upsert(ctx, in.ProductID, vec, payload); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %w", domain.ErrVectorStoreFailed, err)
	}
	slog.Info("indexed synchronously", slog.String("product_id", in.ProductID))
	return SubmitResult{Mode: ModeSync}, nil
}

// SearchByImage embeds the query image and returns the nearest indexed
// products.
func (s IndexService) SearchByImage(ctx context.Context, filename string, image []byte, limit int) ([]domain.SearchHit, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image payload", domain.ErrInvalidArgument)
	}
	if !looksLikeImage(filename, image) {
		return nil, fmt.Errorf("%w: payload is not an image", domain.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = 10
	}
	vec, err := s.Embed.EmbedImage(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingFailed, err)
	}
	hits, err := s.Vectors.Search(ctx, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrVectorStoreFailed, err)
	}
	return hits, nil
}
