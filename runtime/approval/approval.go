// Package approval manages the lifecycle of AI-proposed actions that require
// human confirmation before being dispatched to the external automation
// endpoint.
//
// Each session holds at most one pending action. A new proposal always
// supersedes an unresolved one, user edits merge field-by-field over the
// proposed payload, and a recognized approval or rejection phrase resolves the
// action. Resolution is final: once an action is removed from the registry it
// is never dispatched twice, and a dispatch failure never reopens it.
package approval

import (
	"errors"
	"time"
)

type (
	// Status is the lifecycle state of a pending action.
	Status string

	// Decision is the outcome of interpreting a user's free-text reply.
	Decision string

	// Action is an AI-proposed operation awaiting explicit human approval.
	Action struct {
		// SessionID identifies the owning conversation.
		SessionID string
		// MessageID is the chat turn that produced the proposal.
		MessageID string
		// Intent is the classified intent of the proposed operation.
		Intent string
		// ProposedData is the AI-generated payload.
		ProposedData map[string]any
		// EditedData holds user modifications, last-write-wins per field.
		// Empty until the first edit.
		EditedData map[string]any
		// Status is the current lifecycle state.
		Status Status
		// CreatedAt records when the proposal was registered.
		CreatedAt time.Time
	}
)

const (
	// StatusProposed indicates the action awaits its first user response.
	StatusProposed Status = "proposed"
	// StatusEdited indicates the user modified one or more fields.
	StatusEdited Status = "edited"
	// StatusApproved indicates the user approved the action; dispatch pending.
	StatusApproved Status = "approved"
	// StatusRejected indicates the user rejected the action. Terminal, no dispatch.
	StatusRejected Status = "rejected"
	// StatusDispatched indicates the approved payload was delivered. Terminal.
	StatusDispatched Status = "dispatched"
	// StatusExpired indicates the action aged out unresolved. Terminal, no dispatch.
	StatusExpired Status = "expired"
)

const (
	// DecisionApprove resolves the pending action and dispatches it.
	DecisionApprove Decision = "approve"
	// DecisionReject resolves the pending action without dispatching.
	DecisionReject Decision = "reject"
	// DecisionNone means the text matched neither phrase set; the message is
	// ordinary chat and the pending action is untouched.
	DecisionNone Decision = "none"
)

var (
	// ErrNothingPending indicates no pending action exists for the session.
	// Surfaced to the user as an informational "nothing to approve" message.
	ErrNothingPending = errors.New("no pending action for session")
	// ErrInvalidDecision indicates Resolve was called with a decision other
	// than approve or reject.
	ErrInvalidDecision = errors.New("decision must be approve or reject")
	// ErrInvalidAction indicates a malformed proposal or edit, rejected before
	// touching the registry.
	ErrInvalidAction = errors.New("invalid action")
)

// FinalPayload computes the payload to dispatch: edited fields win over the
// proposal, fields never edited fall back to the proposed values.
func (a Action) FinalPayload() map[string]any {
	out := make(map[string]any, len(a.ProposedData)+len(a.EditedData))
	for k, v := range a.ProposedData {
		out[k] = v
	}
	for k, v := range a.EditedData {
		out[k] = v
	}
	return out
}

func (a Action) clone() Action {
	out := a
	out.ProposedData = cloneMap(a.ProposedData)
	out.EditedData = cloneMap(a.EditedData)
	return out
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
