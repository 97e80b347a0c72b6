// ABOUTME: Store interface and row types for loom persistence
// ABOUTME: Defines the durable shape of conversations, events, messages, and checkpoints

package store

import (
	"context"
	"errors"
	"time"

	"github.com/2389/loom/internal/conversation"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a conversation that
// already exists.
var ErrDuplicateConversation = errors.New("conversation already exists")

// ConversationRecord is the stored identity of one agent task's
// conversation.
type ConversationRecord struct {
	TaskID    string
	AgentID   string
	Ended     bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventRecord is one persisted response event row.
type EventRecord struct {
	EventID        string
	TaskID         string
	Kind           string
	SequenceNumber int64
	ItemID         string
	Status         string
	Payload        []byte
	Timestamp      time.Time
}

// MessageRecord is one message-log row.
type MessageRecord struct {
	ID        string
	TaskID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store is the persistence interface for conversation durability and
// introspection. It satisfies conversation.Archive.
type Store interface {
	conversation.Archive

	GetConversation(ctx context.Context, taskID string) (*ConversationRecord, error)
	MarkEnded(ctx context.Context, taskID string) error
	ListEventsByTask(ctx context.Context, taskID string, limit int) ([]*EventRecord, error)
	ListMessagesByTask(ctx context.Context, taskID string, limit int) ([]*MessageRecord, error)

	// Close releases any resources held by the store.
	Close() error
}
