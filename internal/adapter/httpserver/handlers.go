package httpserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/image-indexer/internal/config"
	"github.com/fairyhunter13/image-indexer/internal/domain"
	"github.com/fairyhunter13/image-indexer/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg   config.Config
	Index usecase.IndexService
	Query usecase.QueryService

	StoreCheck    func(ctx context.Context) error
	QdrantCheck   func(ctx context.Context) error
	EmbedderCheck func(ctx context.Context) error
}

// NewServer constructs a Server with all handlers and checks wired.
func NewServer(cfg config.Config, index usecase.IndexService, query usecase.QueryService, storeCheck, qdrantCheck, embedderCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:           cfg,
		Index:         index,
		Query:         query,
		StoreCheck:    storeCheck,
		QdrantCheck:   qdrantCheck,
		EmbedderCheck: embedderCheck,
	}
}

// readImageForm parses a multipart submission and returns the image part plus
// its filename. The body is capped at MaxUploadMB.
func (s *Server) readImageForm(w http.ResponseWriter, r *http.Request) (data []byte, filename string, err error) {
	if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
		return nil, "", fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument)
	}
	maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "too large") {
			return nil, "", fmt.Errorf("%w: payload exceeds %d MB", domain.ErrInvalidArgument, s.Cfg.MaxUploadMB)
		}
		return nil, "", fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	file, header, err := r.FormFile("image_file")
	if err != nil {
		return nil, "", fmt.Errorf("%w: image_file part required", domain.ErrInvalidArgument)
	}
	defer func() { _ = file.Close() }()
	data, err = io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("%w: image read: %v", domain.ErrInvalidArgument, err)
	}
	return data, header.Filename, nil
}

// IndexImageHandler accepts a product image submission. A queued submission
// answers 202 with the job id; the synchronous fallback answers 200.
func (s *Server) IndexImageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, filename, err := s.readImageForm(w, r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		in := usecase.SubmitInput{
			ProductID:   r.FormValue("product_id"),
			Name:        r.FormValue("name"),
			Description: r.FormValue("description"),
			MetadataRaw: r.FormValue("metadata"),
			Filename:    filename,
			Image:       data,
		}
		res, err := s.Index.Submit(r.Context(), in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if res.Mode == usecase.ModeSync {
			writeJSON(w, http.StatusOK, map[string]any{
				"status":          "indexed",
				"processing_mode": res.Mode,
				"product_id":      in.ProductID,
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id":          res.JobID,
			"product_id":      in.ProductID,
			"status":          string(domain.JobQueued),
			"processing_mode": res.Mode,
			"status_url":      "/v1/queue/status/" + res.JobID,
		})
	}
}

// jobResponse is the wire form of a job record.
func jobResponse(j domain.Job) map[string]any {
	resp := map[string]any{
		"job_id":      j.ID,
		"product_id":  j.ProductID,
		"status":      string(j.Status),
		"retry_count": j.RetryCount,
		"max_retries": j.MaxRetries,
		"created_at":  j.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  j.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if j.ErrorMessage != "" {
		resp["error_message"] = j.ErrorMessage
	}
	return resp
}

// JobStatusHandler returns the record for one job.
func (s *Server) JobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		j, err := s.Query.Status(r.Context(), jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse(j))
	}
}

// QueueStatsHandler returns aggregate queue counters.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Query.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"available":        stats.Available,
			"pending_in_queue": stats.Pending,
			"jobs": map[string]any{
				"queued":     stats.Queued,
				"processing": stats.Processing,
				"completed":  stats.Completed,
				"failed":     stats.Failed,
				"total":      stats.Total,
			},
			"timestamp": stats.Timestamp.UTC().Format(time.RFC3339),
		})
	}
}

// RetryHandler re-queues a failed job on operator request.
func (s *Server) RetryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		if err := s.Query.Retry(r.Context(), jobID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("job retry requested", "job_id", jobID)
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id": jobID,
			"status": "retrying",
		})
	}
}

// WorkersHandler lists live worker heartbeats.
func (s *Server) WorkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers, err := s.Query.Workers(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(workers))
		var processed, failed int64
		for _, hb := range workers {
			processed += hb.TasksProcessed
			failed += hb.TasksFailed
			out = append(out, map[string]any{
				"worker_id":       hb.WorkerID,
				"status":          hb.Status,
				"tasks_processed": hb.TasksProcessed,
				"tasks_failed":    hb.TasksFailed,
				"last_seen":       hb.LastSeen.UTC().Format(time.RFC3339Nano),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"workers":               out,
			"count":                 len(out),
			"total_tasks_processed": processed,
			"total_tasks_failed":    failed,
		})
	}
}

// SearchImageHandler embeds the query image and returns the nearest products.
func (s *Server) SearchImageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, filename, err := s.readImageForm(w, r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		limit := s.Cfg.SearchTopK
		if v := r.FormValue("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 || n > 100 {
				writeError(w, r, fmt.Errorf("%w: limit must be 1-100", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}
		hits, err := s.Index.SearchByImage(r.Context(), filename, data, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		results := make([]map[string]any, 0, len(hits))
		for _, h := range hits {
			results = append(results, map[string]any{
				"id":      h.ID,
				"score":   h.Score,
				"payload": h.Payload,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
	}
}

// ReadyzHandler probes the store, the vector store, and the embedder.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		probe := func(name string, fn func(context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: name, OK: true})
			}
		}
		probe("store", s.StoreCheck)
		probe("qdrant", s.QdrantCheck)
		probe("embedder", s.EmbedderCheck)

		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// HealthzHandler is the trivial liveness probe.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
