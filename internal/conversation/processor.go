// ABOUTME: Classifies streamed backend events, persists finalized ones, forwards deltas
// ABOUTME: Deduplicates by id and maintains messages, approvals, and the continuation token

package conversation

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/backend"
)

// process handles one incoming stream event. Delta kinds bypass the
// durable path entirely; everything else persists exactly once and may
// update derived state (assistant messages, pending approvals, the
// continuation token).
func (c *Conversation) process(ev backend.Event) {
	if IsDelta(ev.Type) {
		c.deltas.PublishDelta(Delta{
			TaskID:    c.taskID,
			Type:      ev.Type,
			Payload:   ev.Raw,
			Timestamp: now(),
		})
		return
	}

	var env rawEnvelope
	if len(ev.Raw) > 0 {
		if err := json.Unmarshal(ev.Raw, &env); err != nil {
			// Malformed payloads are stored as-is under a fresh id; the
			// conversation continues.
			c.logger.Warn("malformed event payload", "type", ev.Type, "error", err)
		}
	}

	id := deriveEventID(ev.Type, &env)
	if id == "" {
		id = uuid.New().String()
	}

	itemID := env.ItemID
	if itemID == "" && env.Item != nil {
		itemID = env.Item.ID
	}

	rec := &ResponseEvent{
		ID:        id,
		Kind:      ClassifyKind(ev.Type),
		ItemID:    itemID,
		Payload:   ev.Raw,
		Timestamp: now(),
	}

	c.mu.Lock()
	if c.state.HasEvent(id) {
		c.mu.Unlock()
		c.logger.Warn("duplicate event ignored", "event_id", id, "type", ev.Type)
		return
	}

	var finalized []Message
	var approvalEvents []*ResponseEvent

	switch rec.Kind {
	case KindResponseCreated:
		if env.Response != nil && c.state.SetLastResponseID(env.Response.ID) {
			c.logger.Debug("continuation token updated", "response_id", env.Response.ID)
		}

	case KindResponseCompleted:
		if env.Response != nil {
			if env.Response.Usage != nil {
				c.turnUsage = turnUsage{
					input:  env.Response.Usage.InputTokens,
					output: env.Response.Usage.OutputTokens,
					total:  env.Response.Usage.TotalTokens,
				}
			}
			finalized, approvalEvents = c.processCompletedOutput(env.Response.Output)
		}

	case KindItemDone:
		if msg := c.processFinalizedItem(rec, env.Item); msg != nil {
			finalized = append(finalized, *msg)
		}
	}

	c.state.AppendEvent(rec)
	c.mu.Unlock()

	for _, approvalEv := range approvalEvents {
		c.saveEvent(approvalEv)
	}
	c.saveEvent(rec)
	for _, msg := range finalized {
		c.saveMessage(msg)
	}
}

// processCompletedOutput covers streams where the final assembled output
// arrives only inside the completed event. Items that already came
// through their own output_item.done event are skipped, so streams that
// deliver both shapes never double-apply. Approval requests found here
// get their own persisted waiting-approval event, keyed stably by item
// id. Must be called with mu held.
func (c *Conversation) processCompletedOutput(output []json.RawMessage) ([]Message, []*ResponseEvent) {
	var msgs []Message
	var approvalEvents []*ResponseEvent
	for _, raw := range output {
		var item rawItem
		if err := json.Unmarshal(raw, &item); err != nil {
			c.logger.Warn("malformed output item on completed event", "error", err)
			continue
		}
		if item.ID != "" && c.state.hasFinalizedItem(item.ID) {
			continue
		}

		switch item.Type {
		case "message":
			if msg := c.finalizeAssistantMessage(&item); msg != nil {
				msgs = append(msgs, *msg)
			}

		case "mcp_approval_request":
			ev := &ResponseEvent{
				ID:        "mcp_approval_request:" + item.ID,
				Kind:      KindApprovalRequested,
				Status:    EventStatusWaitingApproval,
				ItemID:    item.ID,
				Payload:   raw,
				Timestamp: now(),
			}
			if c.state.AppendEvent(ev) {
				c.registerPendingApproval(&item)
				approvalEvents = append(approvalEvents, ev)
			}
		}
	}
	return msgs, approvalEvents
}

// processFinalizedItem applies the state effects of a finalized output
// item and returns any message that joined the log, for journaling outside
// the lock. Must be called with mu held.
func (c *Conversation) processFinalizedItem(rec *ResponseEvent, item *rawItem) *Message {
	if item == nil {
		return nil
	}

	switch item.Type {
	case "message":
		return c.finalizeAssistantMessage(item)

	case "mcp_approval_request":
		rec.Kind = KindApprovalRequested
		rec.Status = EventStatusWaitingApproval
		c.registerPendingApproval(item)
	}
	return nil
}

// finalizeAssistantMessage appends a finalized assistant message item to
// the log so it is part of context for the next turn. Must be called with
// mu held.
func (c *Conversation) finalizeAssistantMessage(item *rawItem) *Message {
	if item.Role != string(RoleAssistant) {
		return nil
	}
	text := item.text()
	if text == "" {
		return nil
	}
	msg := Message{Role: RoleAssistant, Content: text}
	c.state.Messages = append(c.state.Messages, msg)
	return &msg
}

// registerPendingApproval records a paused tool call in the registry with
// the continuation token that was current when the request arrived. Must
// be called with mu held.
func (c *Conversation) registerPendingApproval(item *rawItem) {
	c.state.PendingApprovals[item.ID] = &ApprovalRequest{
		ID:                item.ID,
		ToolName:          item.Name,
		Arguments:         item.Arguments,
		ServerLabel:       item.ServerLabel,
		ContinuationToken: c.state.LastResponseID,
		Status:            ApprovalPending,
	}
	c.logger.Info("approval requested",
		"approval_id", item.ID,
		"tool", item.Name,
		"server_label", item.ServerLabel)
}
