// ABOUTME: Persisted response event model, the closed kind set, and raw event classification
// ABOUTME: Delta kinds are stream-only; everything else persists exactly once by id

package conversation

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// EventKind is the closed set of persisted event kinds. Raw backend types
// that match nothing below persist under KindOther with their payload
// untouched, so unknown upstream additions are stored rather than rejected.
type EventKind string

const (
	// KindEcho is the locally generated copy of an inbound user message,
	// persisted so observers see the turn's input in the event log.
	KindEcho EventKind = "echo"

	KindResponseCreated   EventKind = "response_created"
	KindResponseCompleted EventKind = "response_completed"
	KindItemAdded         EventKind = "item_added"
	KindItemDone          EventKind = "item_done"
	KindToolInProgress    EventKind = "tool_in_progress"
	KindToolCompleted     EventKind = "tool_completed"
	KindToolFailed        EventKind = "tool_failed"
	KindToolList          EventKind = "tool_list"
	KindApprovalRequested EventKind = "approval_requested"
	KindError             EventKind = "error"
	KindOther             EventKind = "other"
)

// Event statuses carried on approval-request events.
const (
	EventStatusWaitingApproval = "waiting-approval"
	EventStatusCompleted       = "completed"
	EventStatusFailed          = "failed"
)

// ResponseEvent is one persisted entry in the conversation event log.
// Payload is the raw upstream JSON, passed through unmodified.
type ResponseEvent struct {
	ID             string          `json:"id"`
	Kind           EventKind       `json:"kind"`
	SequenceNumber int64           `json:"sequence_number"`
	ItemID         string          `json:"item_id,omitempty"`
	Status         string          `json:"status,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// IsDelta reports whether a raw backend event type is an incremental
// partial update. Delta events are forwarded to the live sink and never
// persisted.
func IsDelta(rawType string) bool {
	return strings.Contains(rawType, ".delta")
}

// ClassifyKind maps a raw backend event type onto the persisted kind set.
func ClassifyKind(rawType string) EventKind {
	switch rawType {
	case "response.created":
		return KindResponseCreated
	case "response.completed":
		return KindResponseCompleted
	case "response.output_item.added":
		return KindItemAdded
	case "response.output_item.done":
		return KindItemDone
	case "error", "response.failed":
		return KindError
	}
	if strings.Contains(rawType, "list_tools") {
		return KindToolList
	}
	// Tool-call progress events share a suffix grammar across tool
	// families (mcp_call, web_search_call, code_interpreter_call, ...).
	switch {
	case strings.HasSuffix(rawType, ".in_progress"), strings.HasSuffix(rawType, ".searching"), strings.HasSuffix(rawType, ".interpreting"):
		return KindToolInProgress
	case strings.HasSuffix(rawType, "_call.completed"):
		return KindToolCompleted
	case strings.HasSuffix(rawType, "_call.failed"):
		return KindToolFailed
	}
	return KindOther
}

// rawEnvelope is the slice of an upstream event payload the processor
// inspects. Everything else stays opaque.
type rawEnvelope struct {
	ID       string  `json:"id"`
	ItemID   string  `json:"item_id"`
	Item     *rawItem `json:"item"`
	Response *struct {
		ID string `json:"id"`
		// Output is the final assembled item list on a completed event.
		// Items are kept raw so the processor can persist them verbatim.
		Output []json.RawMessage `json:"output"`
		Usage  *struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
			TotalTokens  int64 `json:"total_tokens"`
		} `json:"usage"`
	} `json:"response"`
}

// rawItem is a finalized output item inside an output_item event.
type rawItem struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Role        string `json:"role"`
	Status      string `json:"status"`
	Name        string `json:"name"`
	Arguments   string `json:"arguments"`
	ServerLabel string `json:"server_label"`
	Content     []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// text concatenates the item's output_text content parts.
func (it *rawItem) text() string {
	var b strings.Builder
	for _, part := range it.Content {
		if part.Type == "output_text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// deriveEventID produces a stable id for an incoming raw event so
// re-delivered events deduplicate. Preference order: explicit event id,
// then item id qualified by type, then response id qualified by type.
// Events with no identifying material get an empty id and the caller
// assigns a fresh one.
func deriveEventID(rawType string, env *rawEnvelope) string {
	if env == nil {
		return ""
	}
	if env.ID != "" {
		return env.ID
	}
	itemID := env.ItemID
	if itemID == "" && env.Item != nil {
		itemID = env.Item.ID
	}
	if itemID != "" {
		return rawType + ":" + itemID
	}
	if env.Response != nil && env.Response.ID != "" {
		return rawType + ":" + env.Response.ID
	}
	return ""
}

// sortEventsBySequence returns a copy ordered ascending by sequence
// number, with id as a tiebreak for determinism.
func sortEventsBySequence(events []*ResponseEvent) []*ResponseEvent {
	out := make([]*ResponseEvent, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SequenceNumber != out[j].SequenceNumber {
			return out[i].SequenceNumber < out[j].SequenceNumber
		}
		return out[i].ID < out[j].ID
	})
	return out
}
