package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elva-ai/contextd/runtime/dispatch"
	"github.com/elva-ai/contextd/runtime/sessionctx"
	"github.com/elva-ai/contextd/runtime/telemetry"
)

// AppendSource is the source recorded on context append entries written by
// the orchestrator after a dispatch.
const AppendSource = "orchestrator"

type (
	// ContextAppender records dispatch outcomes in the session's context
	// append log. Implemented by *sessionctx.Service.
	ContextAppender interface {
		Append(ctx context.Context, sessionID, source string, output map[string]any) (sessionctx.AppendEntry, error)
	}

	// Resolution reports the outcome of resolving a pending action. The
	// decision is always final once returned; Dispatch describes delivery
	// separately so callers can surface "approved but delivery failed".
	Resolution struct {
		// Action is the resolved action in its terminal state.
		Action Action
		// FinalPayload is the dispatched payload; nil on rejection.
		FinalPayload map[string]any
		// Dispatch is the delivery result; nil on rejection.
		Dispatch *dispatch.Result
	}

	// Orchestrator owns the PendingAction lifecycle: it accepts proposals,
	// merges user edits, and on approval hands the final payload to the
	// dispatcher exactly once.
	Orchestrator struct {
		registry   *Registry
		dispatcher dispatch.Dispatcher
		contexts   ContextAppender
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		now        func() time.Time
	}

	// OrchestratorOption configures the Orchestrator.
	OrchestratorOption func(*Orchestrator)
)

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides the wall clock. Used by tests.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator wires the registry, dispatcher, and context appender.
func NewOrchestrator(registry *Registry, dispatcher dispatch.Dispatcher, contexts ContextAppender, opts ...OrchestratorOption) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if contexts == nil {
		return nil, errors.New("context appender is required")
	}
	o := &Orchestrator{
		registry:   registry,
		dispatcher: dispatcher,
		contexts:   contexts,
		logger:     telemetry.NewNoopLogger(),
		metrics:    telemetry.NewNoopMetrics(),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Propose registers a new pending action for the session, superseding any
// unresolved one: the latest AI turn always wins over a stale proposal.
func (o *Orchestrator) Propose(ctx context.Context, sessionID, messageID, intent string, data map[string]any) (Action, error) {
	if sessionID == "" {
		return Action{}, fmt.Errorf("%w: session id is required", ErrInvalidAction)
	}
	if messageID == "" {
		return Action{}, fmt.Errorf("%w: message id is required", ErrInvalidAction)
	}
	if intent == "" {
		return Action{}, fmt.Errorf("%w: intent is required", ErrInvalidAction)
	}
	if data == nil {
		data = map[string]any{}
	}

	a := Action{
		SessionID:    sessionID,
		MessageID:    messageID,
		Intent:       intent,
		ProposedData: data,
		Status:       StatusProposed,
		CreatedAt:    o.now().UTC(),
	}
	if replaced := o.registry.Put(a); replaced {
		o.logger.Info(ctx, "pending action superseded", "session_id", sessionID, "message_id", messageID)
		o.metrics.IncCounter("approval_superseded", 1)
	}
	o.metrics.IncCounter("approval_proposed", 1, "intent", intent)
	return a, nil
}

// Edit merges field updates into the pending action's edited data. Repeated
// edits stay in Edited; unspecified fields keep their prior value, falling
// back to the proposal for fields never edited.
func (o *Orchestrator) Edit(ctx context.Context, sessionID string, updates map[string]any) (Action, error) {
	if sessionID == "" {
		return Action{}, fmt.Errorf("%w: session id is required", ErrInvalidAction)
	}
	if len(updates) == 0 {
		return Action{}, fmt.Errorf("%w: field updates are required", ErrInvalidAction)
	}

	updated, err := o.registry.Update(sessionID, func(a *Action) {
		if a.EditedData == nil {
			a.EditedData = make(map[string]any, len(updates))
		}
		for k, v := range updates {
			a.EditedData[k] = v
		}
		a.Status = StatusEdited
	})
	if err != nil {
		return Action{}, err
	}
	o.metrics.IncCounter("approval_edited", 1)
	return updated, nil
}

// Resolve finalizes the pending action. Approve removes the action, sends the
// final payload exactly once, and records the outcome in the context append
// log; a dispatch failure does not roll back the decision. Reject removes the
// action without dispatching. Returns ErrNothingPending when the session has
// no pending action so the caller can surface "nothing to approve".
func (o *Orchestrator) Resolve(ctx context.Context, sessionID string, decision Decision) (Resolution, error) {
	if sessionID == "" {
		return Resolution{}, fmt.Errorf("%w: session id is required", ErrInvalidAction)
	}
	if decision != DecisionApprove && decision != DecisionReject {
		return Resolution{}, ErrInvalidDecision
	}

	a, err := o.registry.Take(sessionID)
	if err != nil {
		return Resolution{}, err
	}

	if decision == DecisionReject {
		a.Status = StatusRejected
		o.logger.Info(ctx, "pending action rejected", "session_id", sessionID, "intent", a.Intent)
		o.metrics.IncCounter("approval_rejected", 1, "intent", a.Intent)
		return Resolution{Action: a}, nil
	}

	final := a.FinalPayload()
	a.Status = StatusApproved

	started := o.now()
	res := o.dispatcher.Send(ctx, dispatch.Payload{
		SessionID: a.SessionID,
		MessageID: a.MessageID,
		Intent:    a.Intent,
		Data:      final,
		Timestamp: started.UTC(),
	})
	o.metrics.RecordTimer("dispatch_duration", o.now().Sub(started), "intent", a.Intent)

	if res.Success {
		a.Status = StatusDispatched
		o.metrics.IncCounter("approval_dispatched", 1, "intent", a.Intent)
	} else {
		o.logger.Error(ctx, "dispatch failed after approval",
			"session_id", sessionID, "intent", a.Intent, "err", res.Err)
		o.metrics.IncCounter("dispatch_failures", 1, "intent", a.Intent)
	}

	o.recordOutcome(ctx, a, final, res)

	return Resolution{Action: a, FinalPayload: final, Dispatch: &res}, nil
}

// ExpireStale purges unresolved actions older than the registry's staleness
// window. A purge never dispatches.
func (o *Orchestrator) ExpireStale(ctx context.Context) int {
	purged := o.registry.ExpireStale()
	if purged > 0 {
		o.logger.Info(ctx, "purged stale pending actions", "count", purged)
		o.metrics.IncCounter("approval_expired", float64(purged))
	}
	return purged
}

// recordOutcome appends the dispatch outcome to the session's context for
// audit. A missing context or unavailable store only costs the audit entry,
// never the decision.
func (o *Orchestrator) recordOutcome(ctx context.Context, a Action, final map[string]any, res dispatch.Result) {
	status := "success"
	if !res.Success {
		status = "failed"
	}
	output := map[string]any{
		"action":          "approval_result",
		"intent":          a.Intent,
		"message_id":      a.MessageID,
		"data":            final,
		"dispatch_status": status,
	}
	if res.Err != "" {
		output["error"] = res.Err
	}
	if res.Response != nil {
		output["response"] = res.Response
	}
	if _, err := o.contexts.Append(ctx, a.SessionID, AppendSource, output); err != nil {
		o.logger.Warn(ctx, "context append after dispatch failed",
			"session_id", a.SessionID, "err", err.Error())
	}
}
