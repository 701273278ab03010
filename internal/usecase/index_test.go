package usecase

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/image-indexer/internal/domain"
	"github.com/fairyhunter13/image-indexer/internal/staging"
)

// pngBytes is a minimal payload content sniffing recognizes as image/png.
var pngBytes = []byte("\x89PNG\r\n\x1a\n0000000000")

type fakeQueue struct {
	available bool
	enqueueErr error
	enqueued  []domain.Job
	retried   []string
	retryOK   bool
	retryErr  error
}

func (f *fakeQueue) Enqueue(_ context.Context, j domain.Job) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, j)
	return nil
}

func (f *fakeQueue) Retry(_ context.Context, jobID string) (bool, error) {
	f.retried = append(f.retried, jobID)
	return f.retryOK, f.retryErr
}

func (f *fakeQueue) Available(context.Context) bool { return f.available }

type fakeEmbedder struct {
	dim  int
	err  error
	call int
}

func (f *fakeEmbedder) EmbedImage(context.Context, []byte) ([]float32, error) {
	f.call++
	if f.err != nil {
		return nil, f.err
	}
	return make([]float32, f.dim), nil
}

func (f *fakeEmbedder) Dimension() int { return f.dim }

type fakeVectors struct {
	err     error
	upserts []string
	hits    []domain.SearchHit
}

func (f *fakeVectors) Upsert(_ context.Context, productID string, _ []float32, _ map[string]any) error {
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, productID)
	return nil
}

func (f *fakeVectors) Search(context.Context, []float32, int) ([]domain.SearchHit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

func newIndexService(t *testing.T, q *fakeQueue, e *fakeEmbedder, v *fakeVectors) IndexService {
	t.Helper()
	st, err := staging.New(t.TempDir())
	require.NoError(t, err)
	return NewIndexService(q, e, v, st)
}

func TestSubmit_Queued(t *testing.T) {
	q := &fakeQueue{available: true}
	e := &fakeEmbedder{dim: 4}
	v := &fakeVectors{}
	svc := newIndexService(t, q, e, v)

	res, err := svc.Submit(context.Background(), SubmitInput{
		ProductID:   "prod-1",
		Name:        "Widget",
		MetadataRaw: `{"brand":"acme"}`,
		Filename:    "widget.png",
		Image:       pngBytes,
	})
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, res.Mode)
	assert.NotEmpty(t, res.JobID)

	require.Len(t, q.enqueued, 1)
	j := q.enqueued[0]
	assert.Equal(t, "prod-1", j.ProductID)
	assert.Equal(t, map[string]any{"brand": "acme"}, j.Metadata)
	assert.NotEmpty(t, j.ImageRef)
	// The image is staged, not embedded inline.
	assert.Equal(t, 0, e.call)
	data, err := os.ReadFile(j.ImageRef)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestSubmit_Validation(t *testing.T) {
	svc := newIndexService(t, &fakeQueue{available: true}, &fakeEmbedder{dim: 4}, &fakeVectors{})
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitInput{Filename: "a.png", Image: pngBytes})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "missing product_id")

	_, err = svc.Submit(ctx, SubmitInput{ProductID: "p", Filename: "a.png"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "empty image")

	_, err = svc.Submit(ctx, SubmitInput{ProductID: "p", Filename: "a.txt", Image: []byte("plain text, not an image")})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "non-image payload")
}

func TestSubmit_ImageExtensionFallback(t *testing.T) {
	// Content sniffing may not recognize every encoder's output; a known
	// image extension is accepted.
	q := &fakeQueue{available: true}
	svc := newIndexService(t, q, &fakeEmbedder{dim: 4}, &fakeVectors{})

	_, err := svc.Submit(context.Background(), SubmitInput{
		ProductID: "prod-ext",
		Filename:  "photo.jpg",
		Image:     []byte{0x00, 0x01, 0x02},
	})
	require.NoError(t, err)
	require.Len(t, q.enqueued, 1)
}

func TestSubmit_MalformedMetadataIgnored(t *testing.T) {
	q := &fakeQueue{available: true}
	svc := newIndexService(t, q, &fakeEmbedder{dim: 4}, &fakeVectors{})

	_, err := svc.Submit(context.Background(), SubmitInput{
		ProductID:   "prod-meta",
		MetadataRaw: "{not json",
		Filename:    "a.png",
		Image:       pngBytes,
	})
	require.NoError(t, err)
	require.Len(t, q.enqueued, 1)
	assert.Empty(t, q.enqueued[0].Metadata)
}

func TestSubmit_SyncFallbackWhenStoreDown(t *testing.T) {
	q := &fakeQueue{available: false}
	e := &fakeEmbedder{dim: 4}
	v := &fakeVectors{}
	svc := newIndexService(t, q, e, v)

	res, err := svc.Submit(context.Background(), SubmitInput{
		ProductID: "prod-sync",
		Filename:  "a.png",
		Image:     pngBytes,
	})
	require.NoError(t, err)
	assert.Equal(t, ModeSync, res.Mode)
	assert.Empty(t, res.JobID)
	assert.Empty(t, q.enqueued)
	assert.Equal(t, []string{"prod-sync"}, v.upserts)
}

func TestSubmit_SyncFallbackWhenEnqueueFails(t *testing.T) {
	q := &fakeQueue{available: true, enqueueErr: errors.New("connection reset")}
	e := &fakeEmbedder{dim: 4}
	v := &fakeVectors{}
	svc := newIndexService(t, q, e, v)

	res, err := svc.Submit(context.Background(), SubmitInput{
		ProductID: "prod-fallback",
		Filename:  "a.png",
		Image:     pngBytes,
	})
	require.NoError(t, err)
	assert.Equal(t, ModeSync, res.Mode)
	assert.Equal(t, []string{"prod-fallback"}, v.upserts)
}

func TestSubmit_SyncFallbackErrors(t *testing.T) {
	t.Run("embedding fails", func(t *testing.T) {
		q := &fakeQueue{available: false}
		svc := newIndexService(t, q, &fakeEmbedder{dim: 4, err: errors.New("down")}, &fakeVectors{})
		_, err := svc.Submit(context.Background(), SubmitInput{ProductID: "p", Filename: "a.png", Image: pngBytes})
		assert.ErrorIs(t, err, domain.ErrEmbeddingFailed)
	})
	t.Run("upsert fails", func(t *testing.T) {
		q := &fakeQueue{available: false}
		svc := newIndexService(t, q, &fakeEmbedder{dim: 4}, &fakeVectors{err: errors.New("down")})
		_, err := svc.Submit(context.Background(), SubmitInput{ProductID: "p", Filename: "a.png", Image: pngBytes})
		assert.ErrorIs(t, err, domain.ErrVectorStoreFailed)
	})
}

func TestSearchByImage(t *testing.T) {
	v := &fakeVectors{hits: []domain.SearchHit{
		{ID: "m1", Score: 0.9, Payload: map[string]any{"product_id": "prod-1"}},
	}}
	svc := newIndexService(t, &fakeQueue{available: true}, &fakeEmbedder{dim: 4}, v)

	hits, err := svc.SearchByImage(context.Background(), "q.png", pngBytes, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 0.9, hits[0].Score)

	_, err = svc.SearchByImage(context.Background(), "q.png", nil, 5)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
