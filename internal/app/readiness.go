package app

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/image-indexer/internal/adapter/embedding/clip"
	"github.com/fairyhunter13/image-indexer/internal/adapter/store/redisstore"
	"github.com/fairyhunter13/image-indexer/internal/adapter/vector/qdrant"
)

// BuildReadinessChecks returns the store, qdrant, and embedder probes used by
// /readyz. The embedder check is nil when the in-process stub is active: it
// has no failure mode worth probing.
func BuildReadinessChecks(store *redisstore.Client, vectors *qdrant.Store, embedder *clip.Client) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	storeCheck := func(ctx context.Context) error {
		if store == nil {
			return fmt.Errorf("store not configured")
		}
		return store.Ping(ctx)
	}
	qdrantCheck := func(ctx context.Context) error {
		if vectors == nil {
			return fmt.Errorf("qdrant not configured")
		}
		if !vectors.Healthy(ctx) {
			return fmt.Errorf("qdrant not ready")
		}
		return nil
	}
	var embedderCheck func(ctx context.Context) error
	if embedder != nil {
		embedderCheck = func(ctx context.Context) error {
			if !embedder.Healthy(ctx) {
				return fmt.Errorf("embedding service not ready")
			}
			return nil
		}
	}
	return storeCheck, qdrantCheck, embedderCheck
}
