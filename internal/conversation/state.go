// ABOUTME: Conversation state value, lifecycle statuses, and error taxonomy
// ABOUTME: Mutated only by the actor loop; checkpointed as one JSON blob

package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/loom/internal/catalog"
)

// Sentinel errors for the orchestrator's taxonomy.
var (
	// ErrInitializationTimeout means a caller gave up waiting for the
	// conversation to finish loading configuration. State is unchanged.
	ErrInitializationTimeout = errors.New("conversation initialization timed out")

	// ErrConversationEnded rejects any mutation after the end signal.
	ErrConversationEnded = errors.New("conversation ended")

	// ErrApprovalNotFound means the approval id is not pending. Callers
	// must treat this as "already resolved", not a crash.
	ErrApprovalNotFound = errors.New("approval not found")

	// ErrConversationNotFound is returned by the manager for unknown tasks.
	ErrConversationNotFound = errors.New("conversation not found")
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleDeveloper Role = "developer"
)

// Message is one entry in the append-only message log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ApprovalStatus tracks a pending approval through its terminal decision.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// ApprovalRequest is one paused remote-tool call awaiting a human verdict.
// ContinuationToken is the response id that was current when the request
// arrived; the resume call continues from there, not from whatever the
// conversation has moved on to.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	ToolName          string         `json:"tool_name"`
	Arguments         string         `json:"arguments"`
	ServerLabel       string         `json:"server_label"`
	ContinuationToken string         `json:"continuation_token"`
	Status            ApprovalStatus `json:"status"`
}

// State is the complete durable state of one conversation. It has no
// behavior of its own beyond transition helpers; the actor owns all
// mutation and the whole value round-trips through JSON for checkpoints.
type State struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`

	Messages []Message        `json:"messages"`
	Events   []*ResponseEvent `json:"events"`

	LastResponseID   string                      `json:"last_response_id,omitempty"`
	PendingApprovals map[string]*ApprovalRequest `json:"pending_approvals"`

	Model catalog.AgentConfig      `json:"model_config"`
	Tools []catalog.ToolDescriptor `json:"tool_config"`

	Initialized bool `json:"initialized"`
	Ended       bool `json:"ended"`

	// NextSequence is the next sequence number to assign. Every persisted
	// event gets its number from this counter, so the log carries one
	// monotonic timeline across turns.
	NextSequence int64 `json:"next_sequence"`

	eventsByID map[string]*ResponseEvent
}

// NewState creates the state for a fresh conversation.
func NewState(taskID, agentID string) *State {
	return &State{
		TaskID:           taskID,
		AgentID:          agentID,
		PendingApprovals: make(map[string]*ApprovalRequest),
		NextSequence:     1,
		eventsByID:       make(map[string]*ResponseEvent),
	}
}

// DecodeState restores a checkpointed state blob and rebuilds the event
// index.
func DecodeState(blob []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	if s.PendingApprovals == nil {
		s.PendingApprovals = make(map[string]*ApprovalRequest)
	}
	s.eventsByID = make(map[string]*ResponseEvent, len(s.Events))
	for _, ev := range s.Events {
		s.eventsByID[ev.ID] = ev
		if ev.SequenceNumber >= s.NextSequence {
			s.NextSequence = ev.SequenceNumber + 1
		}
	}
	if s.NextSequence < 1 {
		s.NextSequence = 1
	}
	return &s, nil
}

// Encode serializes the state for checkpointing.
func (s *State) Encode() ([]byte, error) {
	blob, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding checkpoint: %w", err)
	}
	return blob, nil
}

// HasEvent reports whether an event id is already in the log.
func (s *State) HasEvent(id string) bool {
	_, ok := s.eventsByID[id]
	return ok
}

// Event returns a persisted event by id.
func (s *State) Event(id string) (*ResponseEvent, bool) {
	ev, ok := s.eventsByID[id]
	return ev, ok
}

// AppendEvent adds an event to the log. The sequence number is always
// assigned from the conversation-local counter: each model response
// restarts its upstream numbering, so keeping upstream numbers verbatim
// would interleave turns in the sorted view. Arrival order is the causal
// order. Returns false without mutating anything if the id is already
// present.
func (s *State) AppendEvent(ev *ResponseEvent) bool {
	if _, dup := s.eventsByID[ev.ID]; dup {
		return false
	}
	ev.SequenceNumber = s.NextSequence
	s.NextSequence++
	s.Events = append(s.Events, ev)
	s.eventsByID[ev.ID] = ev
	return true
}

// SetLastResponseID updates the continuation token. Setting the same value
// again is a no-op; the return value reports whether anything changed.
func (s *State) SetLastResponseID(id string) bool {
	if id == "" || s.LastResponseID == id {
		return false
	}
	s.LastResponseID = id
	return true
}

// hasFinalizedItem reports whether an output item was already applied
// through its own finalized-item event.
func (s *State) hasFinalizedItem(itemID string) bool {
	for _, ev := range s.Events {
		if ev.ItemID == itemID && (ev.Kind == KindItemDone || ev.Kind == KindApprovalRequested) {
			return true
		}
	}
	return false
}

// approvalEvent finds the persisted approval-request event for an item id.
func (s *State) approvalEvent(itemID string) (*ResponseEvent, bool) {
	for _, ev := range s.Events {
		if ev.Kind == KindApprovalRequested && ev.ItemID == itemID {
			return ev, true
		}
	}
	return nil, false
}

// now is a seam for tests that need deterministic timestamps.
var now = time.Now
