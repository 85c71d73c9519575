package api

import (
	"net/http"
	"time"

	"github.com/elva-ai/contextd/runtime/approval"
	"github.com/elva-ai/contextd/runtime/sessionctx"
)

type (
	contextWriteRequest struct {
		SessionID string         `json:"session_id"`
		Intent    string         `json:"intent"`
		Data      map[string]any `json:"data"`
	}

	contextAppendRequest struct {
		SessionID string         `json:"session_id"`
		Source    string         `json:"source"`
		Output    map[string]any `json:"output"`
	}

	actionProposeRequest struct {
		SessionID string         `json:"session_id"`
		MessageID string         `json:"message_id"`
		Intent    string         `json:"intent"`
		Data      map[string]any `json:"data"`
	}

	actionEditRequest struct {
		SessionID string         `json:"session_id"`
		Updates   map[string]any `json:"updates"`
	}

	actionResolveRequest struct {
		SessionID string `json:"session_id"`
		Decision  string `json:"decision"`
		Message   string `json:"message"`
	}

	contextView struct {
		SessionID   string         `json:"session_id"`
		Intent      string         `json:"intent"`
		Data        map[string]any `json:"data"`
		Appends     []appendView   `json:"appends"`
		CreatedAt   time.Time      `json:"created_at"`
		LastUpdated time.Time      `json:"last_updated"`
		ExpiresAt   time.Time      `json:"expires_at"`
	}

	appendView struct {
		ID         string         `json:"id"`
		Source     string         `json:"source"`
		Output     map[string]any `json:"output"`
		AppendedAt time.Time      `json:"appended_at"`
	}

	actionView struct {
		SessionID string         `json:"session_id"`
		MessageID string         `json:"message_id"`
		Intent    string         `json:"intent"`
		Status    string         `json:"status"`
		Payload   map[string]any `json:"payload"`
		Summary   string         `json:"summary"`
	}

	resolveResponse struct {
		SessionID string         `json:"session_id"`
		Decision  string         `json:"decision"`
		Status    string         `json:"status"`
		Delivery  string         `json:"delivery,omitempty"`
		Payload   map[string]any `json:"payload,omitempty"`
		Error     string         `json:"error,omitempty"`
	}
)

func newContextView(rec sessionctx.Record) contextView {
	appends := make([]appendView, len(rec.Appends))
	for i, e := range rec.Appends {
		appends[i] = appendView{ID: e.ID, Source: e.Source, Output: e.Output, AppendedAt: e.AppendedAt}
	}
	return contextView{
		SessionID:   rec.SessionID,
		Intent:      rec.Intent,
		Data:        rec.Data,
		Appends:     appends,
		CreatedAt:   rec.CreatedAt,
		LastUpdated: rec.LastUpdated,
		ExpiresAt:   rec.ExpiresAt,
	}
}

func newActionView(a approval.Action) actionView {
	final := a.FinalPayload()
	return actionView{
		SessionID: a.SessionID,
		MessageID: a.MessageID,
		Intent:    a.Intent,
		Status:    string(a.Status),
		Payload:   final,
		Summary:   approval.Summary(a.Intent, final),
	}
}

func (s *Service) handleContextWrite(w http.ResponseWriter, r *http.Request) {
	var req contextWriteRequest
	if err := decodeBody(r, "context_write.json", &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rec, err := s.contexts.Write(r.Context(), req.SessionID, req.Intent, req.Data)
	if err != nil {
		s.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newContextView(rec))
}

func (s *Service) handleContextRead(w http.ResponseWriter, r *http.Request) {
	rec, err := s.contexts.Read(r.Context(), r.PathValue("session_id"))
	if err != nil {
		s.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newContextView(rec))
}

func (s *Service) handleContextAppend(w http.ResponseWriter, r *http.Request) {
	var req contextAppendRequest
	if err := decodeBody(r, "context_append.json", &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	entry, err := s.contexts.Append(r.Context(), req.SessionID, req.Source, req.Output)
	if err != nil {
		s.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, appendView{
		ID:         entry.ID,
		Source:     entry.Source,
		Output:     entry.Output,
		AppendedAt: entry.AppendedAt,
	})
}

func (s *Service) handleContextDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.contexts.Delete(r.Context(), r.PathValue("session_id")); err != nil {
		s.writeServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleActionPropose(w http.ResponseWriter, r *http.Request) {
	var req actionProposeRequest
	if err := decodeBody(r, "action_propose.json", &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	a, err := s.orchestrator.Propose(r.Context(), req.SessionID, req.MessageID, req.Intent, req.Data)
	if err != nil {
		s.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newActionView(a))
}

func (s *Service) handleActionEdit(w http.ResponseWriter, r *http.Request) {
	var req actionEditRequest
	if err := decodeBody(r, "action_edit.json", &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	a, err := s.orchestrator.Edit(r.Context(), req.SessionID, req.Updates)
	if err != nil {
		s.writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, newActionView(a))
}

// handleActionResolve finalizes a pending action. The decision comes either
// from the explicit "decision" field or from interpreting a free-text
// "message" ("yes go ahead", "cancel that"). A dispatch failure after an
// approval is still a 200: the decision is final, only delivery failed.
func (s *Service) handleActionResolve(w http.ResponseWriter, r *http.Request) {
	var req actionResolveRequest
	if err := decodeBody(r, "action_resolve.json", &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	decision := approval.Decision(req.Decision)
	if req.Decision == "" {
		decision = approval.Interpret(req.Message)
		if decision == approval.DecisionNone {
			writeError(w, http.StatusBadRequest, "no_decision",
				"message expresses neither approval nor rejection")
			return
		}
	}

	res, err := s.orchestrator.Resolve(r.Context(), req.SessionID, decision)
	if err != nil {
		s.writeServiceError(r.Context(), w, err)
		return
	}

	resp := resolveResponse{
		SessionID: req.SessionID,
		Decision:  string(decision),
		Status:    string(res.Action.Status),
	}
	if res.Dispatch != nil {
		resp.Payload = res.FinalPayload
		if res.Dispatch.Success {
			resp.Delivery = "success"
		} else {
			resp.Delivery = "failed"
			resp.Error = res.Dispatch.Err
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
