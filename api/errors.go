package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/elva-ai/contextd/runtime/approval"
	"github.com/elva-ai/contextd/runtime/sessionctx"
)

// errorBody is the uniform error envelope for every non-2xx response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// writeServiceError maps domain errors to HTTP statuses. Missing sessions and
// absent pending actions are informational (the state is simply not there);
// invalid input is the caller's fault; a durable store failure is a 503 with
// a generic message so backend details never leak to clients.
func (s *Service) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessionctx.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "no context exists for this session")
	case errors.Is(err, approval.ErrNothingPending):
		writeError(w, http.StatusNotFound, "nothing_pending", "no pending action for this session")
	case errors.Is(err, sessionctx.ErrInvalidPayload),
		errors.Is(err, approval.ErrInvalidAction),
		errors.Is(err, approval.ErrInvalidDecision):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, sessionctx.ErrStorageUnavailable):
		s.logger.Error(ctx, "durable store unavailable", "err", err.Error())
		s.metrics.IncCounter("http_storage_errors", 1)
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage temporarily unavailable")
	default:
		s.logger.Error(ctx, "unexpected handler error", "err", err.Error())
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
