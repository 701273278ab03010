// Package httpserver contains the HTTP handlers and middleware of the
// image-indexing API: submission, status polling, queue observability, and
// the operator retry endpoint.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/image-indexer/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details any) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrRetryExhausted):
		code = http.StatusBadRequest
		codeStr = "RETRY_EXHAUSTED"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrStoreUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "STORE_UNAVAILABLE"
	case errors.Is(err, domain.ErrEmbeddingFailed):
		code = http.StatusBadGateway
		codeStr = "EMBEDDING_FAILED"
	case errors.Is(err, domain.ErrVectorStoreFailed):
		code = http.StatusBadGateway
		codeStr = "VECTOR_STORE_FAILED"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
