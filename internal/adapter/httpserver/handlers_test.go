package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/image-indexer/internal/adapter/httpserver"
	"github.com/fairyhunter13/image-indexer/internal/config"
	"github.com/fairyhunter13/image-indexer/internal/domain"
	"github.com/fairyhunter13/image-indexer/internal/staging"
	"github.com/fairyhunter13/image-indexer/internal/usecase"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n0000000000")

type stubQueue struct {
	available  bool
	enqueueErr error
	enqueued   []domain.Job
	retryOK    bool
}

func (s *stubQueue) Enqueue(_ context.Context, j domain.Job) error {
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.enqueued = append(s.enqueued, j)
	return nil
}

func (s *stubQueue) Retry(context.Context, string) (bool, error) { return s.retryOK, nil }
func (s *stubQueue) Available(context.Context) bool              { return s.available }

type stubTracker struct {
	jobs    map[string]domain.Job
	stats   domain.QueueStats
	workers []domain.WorkerHeartbeat
}

func (s *stubTracker) Status(_ context.Context, jobID string) (domain.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	return j, nil
}

func (s *stubTracker) Stats(context.Context) (domain.QueueStats, error) { return s.stats, nil }
func (s *stubTracker) Workers(context.Context) ([]domain.WorkerHeartbeat, error) {
	return s.workers, nil
}

type stubEmbedder struct{ dim int }

func (s *stubEmbedder) EmbedImage(context.Context, []byte) ([]float32, error) {
	return make([]float32, s.dim), nil
}
func (s *stubEmbedder) Dimension() int { return s.dim }

type stubVectors struct{ hits []domain.SearchHit }

func (s *stubVectors) Upsert(context.Context, string, []float32, map[string]any) error { return nil }
func (s *stubVectors) Search(context.Context, []float32, int) ([]domain.SearchHit, error) {
	return s.hits, nil
}

type serverDeps struct {
	queue   *stubQueue
	tracker *stubTracker
	vectors *stubVectors
}

func newTestServer(t *testing.T, deps serverDeps) *httpserver.Server {
	t.Helper()
	if deps.queue == nil {
		deps.queue = &stubQueue{available: true}
	}
	if deps.tracker == nil {
		deps.tracker = &stubTracker{}
	}
	if deps.vectors == nil {
		deps.vectors = &stubVectors{}
	}
	st, err := staging.New(t.TempDir())
	require.NoError(t, err)
	cfg := config.Config{MaxUploadMB: 10, SearchTopK: 10}
	index := usecase.NewIndexService(deps.queue, &stubEmbedder{dim: 4}, deps.vectors, st)
	query := usecase.NewQueryService(deps.tracker, deps.queue)
	return httpserver.NewServer(cfg, index, query, nil, nil, nil)
}

func newRouter(s *httpserver.Server) chi.Router {
	r := chi.NewRouter()
	r.Post("/v1/index-image", s.IndexImageHandler())
	r.Get("/v1/queue/status/{job_id}", s.JobStatusHandler())
	r.Get("/v1/queue/stats", s.QueueStatsHandler())
	r.Post("/v1/queue/retry/{job_id}", s.RetryHandler())
	r.Get("/v1/queue/workers", s.WorkersHandler())
	r.Post("/v1/search-image", s.SearchImageHandler())
	r.Get("/readyz", s.ReadyzHandler())
	r.Get("/healthz", httpserver.HealthzHandler())
	return r
}

func multipartImage(t *testing.T, fields map[string]string, filename string, image []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if image != nil {
		fw, err := mw.CreateFormFile("image_file", filename)
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeBody(t *testing.T, body io.Reader) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.NewDecoder(body).Decode(&m))
	return m
}

func TestIndexImage_Accepted(t *testing.T) {
	q := &stubQueue{available: true}
	r := newRouter(newTestServer(t, serverDeps{queue: q}))

	body, ct := multipartImage(t, map[string]string{
		"product_id": "prod-1",
		"name":       "Widget",
		"metadata":   `{"brand":"acme"}`,
	}, "widget.png", pngBytes)
	req := httptest.NewRequest(http.MethodPost, "/v1/index-image", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decodeBody(t, rec.Body)
	assert.NotEmpty(t, resp["job_id"])
	assert.Equal(t, "prod-1", resp["product_id"])
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, "async", resp["processing_mode"])
	assert.Equal(t, "/v1/queue/status/"+resp["job_id"].(string), resp["status_url"])
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, "prod-1", q.enqueued[0].ProductID)
}

func TestIndexImage_SyncFallback(t *testing.T) {
	q := &stubQueue{available: false}
	r := newRouter(newTestServer(t, serverDeps{queue: q}))

	body, ct := multipartImage(t, map[string]string{"product_id": "prod-2"}, "a.png", pngBytes)
	req := httptest.NewRequest(http.MethodPost, "/v1/index-image", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec.Body)
	assert.Equal(t, "indexed", resp["status"])
	assert.Equal(t, "sync", resp["processing_mode"])
	assert.NotContains(t, resp, "status_url", "a synchronously indexed submission has no job to poll")
	assert.Empty(t, q.enqueued)
}

func TestIndexImage_Validation(t *testing.T) {
	r := newRouter(newTestServer(t, serverDeps{}))

	t.Run("missing image part", func(t *testing.T) {
		body, ct := multipartImage(t, map[string]string{"product_id": "p"}, "", nil)
		req := httptest.NewRequest(http.MethodPost, "/v1/index-image", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing product_id", func(t *testing.T) {
		body, ct := multipartImage(t, nil, "a.png", pngBytes)
		req := httptest.NewRequest(http.MethodPost, "/v1/index-image", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeBody(t, rec.Body)
		errObj := resp["error"].(map[string]any)
		assert.Equal(t, "INVALID_ARGUMENT", errObj["code"])
	})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/index-image", bytes.NewReader([]byte("{}")))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestJobStatus(t *testing.T) {
	now := time.Now().UTC()
	tr := &stubTracker{jobs: map[string]domain.Job{
		"job-ok": {
			ID: "job-ok", ProductID: "prod-1", Status: domain.JobFailed,
			RetryCount: 1, MaxRetries: 3, CreatedAt: now, UpdatedAt: now,
			ErrorMessage: "embedding-failed: boom",
		},
	}}
	r := newRouter(newTestServer(t, serverDeps{tracker: tr}))

	t.Run("found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queue/status/job-ok", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody(t, rec.Body)
		assert.Equal(t, "job-ok", resp["job_id"])
		assert.Equal(t, "failed", resp["status"])
		assert.Equal(t, float64(1), resp["retry_count"])
		assert.Equal(t, "embedding-failed: boom", resp["error_message"])
	})

	t.Run("not found", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queue/status/job-gone", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
		resp := decodeBody(t, rec.Body)
		assert.Equal(t, "NOT_FOUND", resp["error"].(map[string]any)["code"])
	})
}

func TestQueueStats(t *testing.T) {
	tr := &stubTracker{stats: domain.QueueStats{
		Available: true, Pending: 2, Queued: 2, Processing: 1,
		Completed: 5, Failed: 1, Total: 9, Timestamp: time.Now().UTC(),
	}}
	r := newRouter(newTestServer(t, serverDeps{tracker: tr}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec.Body)
	assert.Equal(t, true, resp["available"])
	assert.Equal(t, float64(2), resp["pending_in_queue"])
	jobs := resp["jobs"].(map[string]any)
	assert.Equal(t, float64(2), jobs["queued"])
	assert.Equal(t, float64(1), jobs["processing"])
	assert.Equal(t, float64(5), jobs["completed"])
	assert.Equal(t, float64(1), jobs["failed"])
	assert.Equal(t, float64(9), jobs["total"])
}

func TestRetry(t *testing.T) {
	tr := &stubTracker{jobs: map[string]domain.Job{
		"job-f": {ID: "job-f", Status: domain.JobFailed, RetryCount: 0, MaxRetries: 3},
		"job-x": {ID: "job-x", Status: domain.JobFailed, RetryCount: 3, MaxRetries: 3},
		"job-c": {ID: "job-c", Status: domain.JobCompleted},
	}}

	t.Run("retryable", func(t *testing.T) {
		q := &stubQueue{available: true, retryOK: true}
		r := newRouter(newTestServer(t, serverDeps{tracker: tr, queue: q}))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queue/retry/job-f", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody(t, rec.Body)
		assert.Equal(t, "retrying", resp["status"])
		assert.Equal(t, "job-f", resp["job_id"])
	})

	t.Run("exhausted answers 400", func(t *testing.T) {
		r := newRouter(newTestServer(t, serverDeps{tracker: tr}))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queue/retry/job-x", nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		resp := decodeBody(t, rec.Body)
		assert.Equal(t, "RETRY_EXHAUSTED", resp["error"].(map[string]any)["code"])
	})

	t.Run("completed answers 400", func(t *testing.T) {
		r := newRouter(newTestServer(t, serverDeps{tracker: tr}))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queue/retry/job-c", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown answers 404", func(t *testing.T) {
		r := newRouter(newTestServer(t, serverDeps{tracker: tr}))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queue/retry/job-gone", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestWorkers(t *testing.T) {
	tr := &stubTracker{workers: []domain.WorkerHeartbeat{
		{WorkerID: "worker-1", Status: domain.WorkerRunning, TasksProcessed: 5, TasksFailed: 1, LastSeen: time.Now().UTC()},
		{WorkerID: "worker-2", Status: domain.WorkerRunning, TasksProcessed: 3, LastSeen: time.Now().UTC()},
	}}
	r := newRouter(newTestServer(t, serverDeps{tracker: tr}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queue/workers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec.Body)
	assert.Equal(t, float64(2), resp["count"])
	assert.Equal(t, float64(8), resp["total_tasks_processed"])
	assert.Equal(t, float64(1), resp["total_tasks_failed"])
}

func TestSearchImage(t *testing.T) {
	v := &stubVectors{hits: []domain.SearchHit{
		{ID: "m1", Score: 0.92, Payload: map[string]any{"product_id": "prod-1"}},
	}}
	r := newRouter(newTestServer(t, serverDeps{vectors: v}))

	body, ct := multipartImage(t, map[string]string{"limit": "3"}, "q.png", pngBytes)
	req := httptest.NewRequest(http.MethodPost, "/v1/search-image", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec.Body)
	assert.Equal(t, float64(1), resp["count"])
	results := resp["results"].([]any)
	assert.Equal(t, "prod-1", results[0].(map[string]any)["payload"].(map[string]any)["product_id"])
}

func TestSearchImage_BadLimit(t *testing.T) {
	r := newRouter(newTestServer(t, serverDeps{}))

	body, ct := multipartImage(t, map[string]string{"limit": "0"}, "q.png", pngBytes)
	req := httptest.NewRequest(http.MethodPost, "/v1/search-image", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadyz(t *testing.T) {
	st, err := staging.New(t.TempDir())
	require.NoError(t, err)
	cfg := config.Config{MaxUploadMB: 10, SearchTopK: 10}
	index := usecase.NewIndexService(&stubQueue{available: true}, &stubEmbedder{dim: 4}, &stubVectors{}, st)
	query := usecase.NewQueryService(&stubTracker{}, &stubQueue{})

	t.Run("all checks pass", func(t *testing.T) {
		s := httpserver.NewServer(cfg, index, query,
			func(context.Context) error { return nil },
			func(context.Context) error { return nil },
			func(context.Context) error { return nil })
		rec := httptest.NewRecorder()
		newRouter(s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("failing store check", func(t *testing.T) {
		s := httpserver.NewServer(cfg, index, query,
			func(context.Context) error { return errors.New("store down") },
			func(context.Context) error { return nil },
			nil)
		rec := httptest.NewRecorder()
		newRouter(s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestHealthz(t *testing.T) {
	r := newRouter(newTestServer(t, serverDeps{}))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
