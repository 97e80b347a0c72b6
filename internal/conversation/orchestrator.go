// ABOUTME: Builds and issues exactly one model call per turn and feeds its stream to the processor
// ABOUTME: No internal retry; failures become one persisted error event and a non-retryable error

package conversation

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/backend"
	"github.com/2389/loom/internal/trace"
)

// runTurn issues one model call and processes its stream to completion.
// For a normal turn the request carries the full message log; for an
// approval resumption it carries the decision payload and the continuation
// token stored when the approval was requested. Retrying is a host
// concern: the conversation may already have persisted part of the stream
// by the time a failure is observed.
func (c *Conversation) runTurn(ctx context.Context, decision *backend.ApprovalDecision, token string) error {
	req := c.buildRequest(decision, token)

	c.mu.Lock()
	c.turnUsage = turnUsage{}
	c.mu.Unlock()

	started := now()
	var callErr error

	events, err := c.streamer.Stream(ctx, req)
	if err != nil {
		callErr = wrapCallError(err)
	} else {
		for ev := range events {
			if ev.Err != nil {
				callErr = wrapCallError(ev.Err)
				continue
			}
			c.process(ev)
		}
	}

	span := trace.Span{
		TaskID:    c.taskID,
		AgentID:   c.agentID,
		Name:      "llm.call",
		Model:     req.Model,
		StartedAt: started,
		Duration:  now().Sub(started),
	}

	if callErr != nil {
		c.persistCallError(callErr)
		span.Error = callErr.Error()
	} else {
		c.mu.Lock()
		span.InputTokens = c.turnUsage.input
		span.OutputTokens = c.turnUsage.output
		span.TotalTokens = c.turnUsage.total
		c.mu.Unlock()
	}
	c.traces.Emit(span)

	return callErr
}

// buildRequest assembles the single outbound call shape from the current
// state. When token is non-empty it overrides the live continuation token;
// approval resumptions must continue from the response that asked.
func (c *Conversation) buildRequest(decision *backend.ApprovalDecision, token string) backend.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := backend.Request{
		Model:            c.state.Model.Model,
		Instructions:     c.state.Model.Instructions,
		Tools:            c.state.Tools,
		ReasoningEffort:  c.state.Model.ReasoningEffort,
		Verbosity:        c.state.Model.Verbosity,
		CompactThreshold: c.state.Model.CompactThreshold,
	}

	req.PreviousResponseID = c.state.LastResponseID
	if token != "" {
		req.PreviousResponseID = token
	}

	if decision != nil {
		req.Approval = decision
		return req
	}

	req.Input = make([]backend.InputMessage, len(c.state.Messages))
	for i, m := range c.state.Messages {
		req.Input[i] = backend.InputMessage{Role: string(m.Role), Content: m.Content}
	}
	return req
}

// persistCallError records a turn failure as an in-band error event so any
// observer sees it in the log.
func (c *Conversation) persistCallError(callErr error) {
	source := backend.SourceInternal
	var ce *backend.CallError
	if errors.As(callErr, &ce) {
		source = ce.Source
	}

	payload, err := json.Marshal(map[string]string{
		"source":  string(source),
		"message": callErr.Error(),
	})
	if err != nil {
		payload = nil
	}

	ev := &ResponseEvent{
		ID:        uuid.New().String(),
		Kind:      KindError,
		Payload:   payload,
		Timestamp: now(),
	}

	c.mu.Lock()
	c.state.AppendEvent(ev)
	c.mu.Unlock()
	c.saveEvent(ev)
}

// wrapCallError normalizes failures into the call-error taxonomy.
func wrapCallError(err error) error {
	var ce *backend.CallError
	if errors.As(err, &ce) {
		return err
	}
	return &backend.CallError{Source: backend.SourceInternal, Err: err}
}
