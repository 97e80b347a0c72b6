// ABOUTME: Request/event types and error taxonomy for the model backend contract
// ABOUTME: One call per turn, streamed raw events, no internal retry

package backend

import (
	"encoding/json"
	"fmt"

	"github.com/2389/loom/internal/catalog"
)

// Source classifies where a call failure originated.
type Source string

const (
	SourceBackend  Source = "backend"
	SourceNetwork  Source = "network"
	SourceInternal Source = "internal"
)

// CallError wraps a failed model call with its origin. Calls are never
// retried at this layer: by the time a failure is observed the conversation
// may already have persisted part of the stream.
type CallError struct {
	Source Source
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("llm call failed (%s): %v", e.Source, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// InputMessage is one conversational input item.
type InputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ApprovalDecision resumes a paused remote-tool call with a human verdict.
// When present on a Request it replaces fresh message input entirely.
type ApprovalDecision struct {
	ApprovalRequestID string
	Approve           bool
}

// Request describes exactly one outbound model call.
type Request struct {
	Model        string
	Instructions string

	// Input carries the message log for a normal turn. Ignored when
	// Approval is set.
	Input    []InputMessage
	Approval *ApprovalDecision

	Tools              []catalog.ToolDescriptor
	PreviousResponseID string
	ReasoningEffort    string
	Verbosity          string

	// CompactThreshold, when positive, attaches a server-side context
	// compaction directive to the call. Zero disables compaction.
	CompactThreshold int
}

// Event is one raw streamed event from the backend, passed through
// verbatim. Unknown Type values are valid and must be preserved. A
// terminal stream failure arrives as a final Event with Err set.
type Event struct {
	Type           string
	SequenceNumber int64
	Raw            json.RawMessage
	Err            error
}
