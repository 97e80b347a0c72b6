// ABOUTME: Run-loop execution of message batches and approval resolutions
// ABOUTME: One turn at a time; errors surface in-band as persisted error events

package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/backend"
)

// executeMessages appends the batch and runs one turn per user message in
// strict sequence. A second in-flight call before the first resolves would
// corrupt continuation ordering, so turns are never parallelized.
func (c *Conversation) executeMessages(ctx context.Context, j *job) {
	c.mu.Lock()
	c.state.Messages = append(c.state.Messages, j.batch...)
	c.mu.Unlock()
	for _, msg := range j.batch {
		c.saveMessage(msg)
	}

	for _, msg := range j.batch {
		if msg.Role != RoleUser {
			continue
		}

		c.persistEcho(msg)
		if err := c.runTurn(ctx, nil, ""); err != nil {
			// The log may already be partially mutated; the caller must
			// not blindly re-deliver this batch.
			j.err = fmt.Errorf("turn failed (non-retryable): %w", err)
			break
		}
	}

	c.mu.Lock()
	j.messages = make([]Message, len(c.state.Messages))
	copy(j.messages, c.state.Messages)
	c.mu.Unlock()

	c.checkpoint()
}

// executeApproval resolves one pending approval. The entry leaves the
// registry exactly once, on success, together with exactly one terminal
// status update to its persisted event. A failed continuation call keeps
// the entry pending so a re-delivered decision can try again.
func (c *Conversation) executeApproval(ctx context.Context, id string, approved bool) ApprovalResult {
	result := ApprovalResult{ID: id, Approved: approved}

	c.mu.Lock()
	req, ok := c.state.PendingApprovals[id]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("approval not pending, treating as already resolved", "approval_id", id)
		result.Err = ErrApprovalNotFound
		return result
	}
	token := req.ContinuationToken
	c.mu.Unlock()

	decision := &backend.ApprovalDecision{ApprovalRequestID: id, Approve: approved}
	if err := c.runTurn(ctx, decision, token); err != nil {
		result.Err = err
		return result
	}

	status := EventStatusCompleted
	reqStatus := ApprovalApproved
	if !approved {
		status = EventStatusFailed
		reqStatus = ApprovalDenied
	}

	c.mu.Lock()
	req.Status = reqStatus
	delete(c.state.PendingApprovals, id)
	var eventID string
	if ev, found := c.state.approvalEvent(id); found {
		ev.Status = status
		eventID = ev.ID
	}
	c.mu.Unlock()

	if eventID != "" {
		saveCtx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if err := c.journal.UpdateEventStatus(saveCtx, c.taskID, eventID, status); err != nil {
			c.logger.Error("failed to update event status", "error", err, "event_id", eventID)
		}
		cancel()
	}
	c.checkpoint()

	c.logger.Debug("approval resolved", "approval_id", id, "approved", approved)
	result.Processed = true
	return result
}

// persistEcho appends the observer-visible copy of an inbound user
// message to the event log.
func (c *Conversation) persistEcho(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		payload = nil
	}
	ev := &ResponseEvent{
		ID:        uuid.New().String(),
		Kind:      KindEcho,
		Payload:   payload,
		Timestamp: now(),
	}

	c.mu.Lock()
	c.state.AppendEvent(ev)
	c.mu.Unlock()
	c.saveEvent(ev)
}
