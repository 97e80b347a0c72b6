// ABOUTME: Registry of live conversation actors, one per agent task
// ABOUTME: Creates, restores from checkpoints, and shuts down conversations

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrConversationExists indicates a conversation for the task is already
// running.
var ErrConversationExists = errors.New("conversation already exists")

// ErrNoCheckpoint is returned by Archive implementations when a task has
// no stored checkpoint yet.
var ErrNoCheckpoint = errors.New("no checkpoint")

// TaskRef identifies one stored conversation.
type TaskRef struct {
	TaskID  string
	AgentID string
	Ended   bool
}

// Archive extends the journal with the read side the manager needs to
// create conversations and restore them after a restart.
type Archive interface {
	Journal
	CreateConversation(ctx context.Context, taskID, agentID string) error
	ListConversations(ctx context.Context) ([]TaskRef, error)
	LoadCheckpoint(ctx context.Context, taskID string) ([]byte, error)
}

// Manager owns all conversation actors in the process. Conversations run
// independently and share nothing mutable; the manager only tracks and
// routes to them.
type Manager struct {
	deps    Deps
	archive Archive
	logger  *slog.Logger

	mu            sync.Mutex
	conversations map[string]*Conversation
}

// NewManager creates a conversation manager. The archive doubles as the
// journal wired into every conversation.
func NewManager(archive Archive, deps Deps) *Manager {
	deps.Journal = archive
	deps.fillDefaults()
	return &Manager{
		deps:          deps,
		archive:       archive,
		logger:        deps.Logger.With("component", "manager"),
		conversations: make(map[string]*Conversation),
	}
}

// Create starts a new conversation actor for an agent task.
func (m *Manager) Create(ctx context.Context, taskID, agentID string) (*Conversation, error) {
	m.mu.Lock()
	if _, exists := m.conversations[taskID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConversationExists, taskID)
	}
	conv := New(taskID, agentID, m.deps)
	m.conversations[taskID] = conv
	m.mu.Unlock()

	if err := m.archive.CreateConversation(ctx, taskID, agentID); err != nil {
		m.mu.Lock()
		delete(m.conversations, taskID)
		m.mu.Unlock()
		return nil, fmt.Errorf("recording conversation: %w", err)
	}

	go func() {
		if err := conv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Error("conversation run failed", "task_id", taskID, "error", err)
		}
	}()

	m.logger.Info("conversation created", "task_id", taskID, "agent_id", agentID)
	return conv, nil
}

// Get returns the live conversation for a task.
func (m *Manager) Get(taskID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, taskID)
	}
	return conv, nil
}

// Restore brings every non-ended stored conversation back to life from its
// checkpoint. Conversations whose checkpoint predates initialization
// reload configuration; initialized ones resume with their recorded
// config untouched.
func (m *Manager) Restore(ctx context.Context) error {
	refs, err := m.archive.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("listing conversations: %w", err)
	}

	restored := 0
	for _, ref := range refs {
		if ref.Ended {
			continue
		}

		blob, err := m.archive.LoadCheckpoint(ctx, ref.TaskID)
		var conv *Conversation
		switch {
		case err == nil:
			state, decodeErr := DecodeState(blob)
			if decodeErr != nil {
				m.logger.Error("skipping unreadable checkpoint", "task_id", ref.TaskID, "error", decodeErr)
				continue
			}
			conv = Resume(state, m.deps)
		case errors.Is(err, ErrNoCheckpoint):
			// The conversation was created but never got past
			// initialization. Start it fresh.
			conv = New(ref.TaskID, ref.AgentID, m.deps)
		default:
			m.logger.Error("skipping conversation, checkpoint load failed", "task_id", ref.TaskID, "error", err)
			continue
		}

		m.mu.Lock()
		if _, exists := m.conversations[ref.TaskID]; exists {
			m.mu.Unlock()
			continue
		}
		m.conversations[ref.TaskID] = conv
		m.mu.Unlock()

		taskID := ref.TaskID
		go func() {
			if err := conv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("restored conversation run failed", "task_id", taskID, "error", err)
			}
		}()
		restored++
	}

	m.logger.Info("conversations restored", "count", restored)
	return nil
}

// Shutdown stops every conversation's run loop and waits, bounded, for
// them to drain. This is a process-level stop, not a conversation end:
// checkpointed state stays resumable, so Restore brings the same
// conversations back after a restart.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	convs := make([]*Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		convs = append(convs, conv)
	}
	m.mu.Unlock()

	for _, conv := range convs {
		conv.Stop()
	}

	deadline := time.After(timeout)
	for _, conv := range convs {
		select {
		case <-conv.Done():
		case <-deadline:
			m.logger.Warn("shutdown timed out waiting for conversations")
			return
		}
	}
}
