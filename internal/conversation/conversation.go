// ABOUTME: Single-writer conversation actor serializing all mutations onto one causal timeline
// ABOUTME: Entry points block callers while the run loop executes turns one at a time

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/loom/internal/backend"
	"github.com/2389/loom/internal/catalog"
	"github.com/2389/loom/internal/trace"
)

// DefaultInitTimeout bounds how long HandleMessages waits for
// initialization before failing the calling request.
const DefaultInitTimeout = 60 * time.Second

// journalTimeout bounds each write-through so persistence survives caller
// context cancellation.
const journalTimeout = 5 * time.Second

// Streamer is what the conversation needs from the model backend.
type Streamer interface {
	Stream(ctx context.Context, req backend.Request) (<-chan backend.Event, error)
}

// Journal is the write-through persistence the conversation needs. Journal
// failures are logged, never raised: the in-memory state is authoritative
// within a process lifetime and the checkpoint recovers the rest.
type Journal interface {
	SaveEvent(ctx context.Context, taskID string, ev *ResponseEvent) error
	UpdateEventStatus(ctx context.Context, taskID, eventID, status string) error
	SaveMessage(ctx context.Context, taskID string, msg Message) error
	SaveCheckpoint(ctx context.Context, taskID string, state []byte) error
}

// NopJournal discards all writes. Used by tests exercising pure
// state-machine behavior.
type NopJournal struct{}

func (NopJournal) SaveEvent(context.Context, string, *ResponseEvent) error       { return nil }
func (NopJournal) UpdateEventStatus(context.Context, string, string, string) error { return nil }
func (NopJournal) SaveMessage(context.Context, string, Message) error            { return nil }
func (NopJournal) SaveCheckpoint(context.Context, string, []byte) error          { return nil }

// Delta is one incremental partial-content frame for live display.
type Delta struct {
	TaskID    string    `json:"task_id"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// DeltaSink receives delta frames. Publish must not block; deltas carry no
// ordering guarantee relative to persisted events and never affect durable
// state.
type DeltaSink interface {
	PublishDelta(delta Delta)
}

// NopDeltaSink discards delta frames.
type NopDeltaSink struct{}

func (NopDeltaSink) PublishDelta(Delta) {}

// Deps bundles the collaborators a conversation is wired with.
type Deps struct {
	Directory catalog.Directory
	Streamer  Streamer
	Journal   Journal
	Deltas    DeltaSink
	Traces    trace.Sink
	Logger    *slog.Logger

	// InitTimeout overrides DefaultInitTimeout when positive.
	InitTimeout time.Duration
}

func (d *Deps) fillDefaults() {
	if d.Journal == nil {
		d.Journal = NopJournal{}
	}
	if d.Deltas == nil {
		d.Deltas = NopDeltaSink{}
	}
	if d.Traces == nil {
		d.Traces = trace.NopSink{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.InitTimeout <= 0 {
		d.InitTimeout = DefaultInitTimeout
	}
}

// Snapshot is the read-only external view of a conversation.
type Snapshot struct {
	Events         []ResponseEvent `json:"events"`
	Messages       []Message       `json:"messages"`
	TaskID         string          `json:"task_id"`
	AgentID        string          `json:"agent_id"`
	LastResponseID string          `json:"last_response_id,omitempty"`
	Initialized    bool            `json:"initialized"`
}

// ApprovalResult is the structured outcome of an approval resolution.
// Failures are reported here, never raised: once a human has acted the
// outcome must not be lost.
type ApprovalResult struct {
	ID        string `json:"id"`
	Approved  bool   `json:"approved"`
	Processed bool   `json:"processed"`
	Err       error  `json:"-"`
}

// jobKind discriminates units of work on the actor's mailbox.
type jobKind int

const (
	jobMessages jobKind = iota
	jobApproval
)

// job is one serialized unit of work. The submitting goroutine blocks on
// doneCh; the run loop fills in results before closing it.
type job struct {
	kind   jobKind
	doneCh chan struct{}

	// messages job
	batch    []Message
	messages []Message

	// approval job
	approvalID string
	approved   bool
	approval   ApprovalResult

	err error
}

func newJob(kind jobKind) *job {
	return &job{kind: kind, doneCh: make(chan struct{})}
}

func (j *job) finish() { close(j.doneCh) }

// Conversation is the single-writer actor for one agent task. All mutation
// flows through the run loop; mu guards the state value so Snapshot can
// observe a consistent view between individual mutations without waiting
// for an in-flight turn.
type Conversation struct {
	taskID  string
	agentID string

	directory catalog.Directory
	streamer  Streamer
	journal   Journal
	deltas    DeltaSink
	traces    trace.Sink
	logger    *slog.Logger

	initTimeout time.Duration

	mu        sync.Mutex
	state     *State
	turnUsage turnUsage

	initialized chan struct{}
	initErr     error
	restored    bool

	mailbox  chan *job
	endCh    chan struct{}
	endOnce  sync.Once
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// turnUsage accumulates token counts from the current turn's completed
// event for the call span.
type turnUsage struct {
	input, output, total int64
}

// New creates a fresh conversation for an agent task. The conversation is
// inert until Run is called.
func New(taskID, agentID string, deps Deps) *Conversation {
	deps.fillDefaults()
	return &Conversation{
		taskID:      taskID,
		agentID:     agentID,
		directory:   deps.Directory,
		streamer:    deps.Streamer,
		journal:     deps.Journal,
		deltas:      deps.Deltas,
		traces:      deps.Traces,
		logger:      deps.Logger.With("component", "conversation", "task_id", taskID),
		initTimeout: deps.InitTimeout,
		state:       NewState(taskID, agentID),
		initialized: make(chan struct{}),
		mailbox:     make(chan *job),
		endCh:       make(chan struct{}),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Resume reconstructs a conversation from a checkpointed state. If the
// checkpoint predates initialization the directory is consulted as usual;
// otherwise the checkpointed configuration is kept verbatim so the event
// log stays replayable even if the manifest changed since.
func Resume(state *State, deps Deps) *Conversation {
	c := New(state.TaskID, state.AgentID, deps)
	c.state = state
	c.restored = state.Initialized
	return c
}

// Run executes the conversation's lifecycle until the end signal or ctx
// cancellation. It must be called exactly once, on its own goroutine.
func (c *Conversation) Run(ctx context.Context) error {
	defer close(c.done)

	if err := c.initialize(ctx); err != nil {
		c.initErr = err
		close(c.initialized)
		c.logger.Error("conversation initialization failed", "error", err)
		return err
	}
	close(c.initialized)
	c.logger.Debug("conversation ready", "agent_id", c.agentID)

	for {
		select {
		case <-c.endCh:
			c.shutdown(true)
			return nil
		case <-c.stopCh:
			c.shutdown(false)
			return nil
		case <-ctx.Done():
			c.shutdown(false)
			return ctx.Err()
		case j := <-c.mailbox:
			// End beats queued work when both are ready.
			select {
			case <-c.endCh:
				j.err = ErrConversationEnded
				j.approval = ApprovalResult{ID: j.approvalID, Approved: j.approved, Err: ErrConversationEnded}
				j.finish()
				c.shutdown(true)
				return nil
			default:
			}
			c.execute(ctx, j)
		}
	}
}

// initialize loads model and tool configuration exactly once. A restored
// conversation that already initialized skips the directory entirely.
func (c *Conversation) initialize(ctx context.Context) error {
	if c.restored {
		return nil
	}

	cfg, err := c.directory.AgentConfig(c.agentID)
	if err != nil {
		return err
	}
	tools, err := c.directory.ToolConfig(c.agentID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.state.Model = *cfg
	c.state.Tools = tools
	c.state.Initialized = true
	c.mu.Unlock()

	c.checkpoint()
	return nil
}

// execute dispatches one unit of work on the run loop.
func (c *Conversation) execute(ctx context.Context, j *job) {
	defer j.finish()
	switch j.kind {
	case jobMessages:
		c.executeMessages(ctx, j)
	case jobApproval:
		j.approval = c.executeApproval(ctx, j.approvalID, j.approved)
	}
}

// shutdown drains queued work and writes a final checkpoint. Only an
// explicit end flips the durable Ended flag; a process stop leaves it
// unset so the checkpoint resumes the conversation after a restart. An
// in-flight turn has already finished by the time this runs, so the
// event log is never left mid-turn.
func (c *Conversation) shutdown(markEnded bool) {
	if markEnded {
		c.mu.Lock()
		c.state.Ended = true
		c.mu.Unlock()
	}

	for {
		select {
		case j := <-c.mailbox:
			j.err = ErrConversationEnded
			j.approval = ApprovalResult{ID: j.approvalID, Approved: j.approved, Err: ErrConversationEnded}
			j.finish()
		default:
			c.checkpoint()
			if markEnded {
				c.logger.Info("conversation ended")
			} else {
				c.logger.Info("conversation stopped")
			}
			return
		}
	}
}

// End delivers the end signal. Future turns are cancelled; an in-flight
// call finishes and its terminal events are still processed. Safe to call
// multiple times.
func (c *Conversation) End() {
	c.endOnce.Do(func() { close(c.endCh) })
}

// Stop halts the run loop for a process shutdown without ending the
// conversation. The checkpointed state keeps Ended false, so a restart
// restores the conversation and it accepts work again. Safe to call
// multiple times.
func (c *Conversation) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Done is closed when the run loop has exited.
func (c *Conversation) Done() <-chan struct{} { return c.done }

// Ended reports whether the conversation is terminal.
func (c *Conversation) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Ended
}

// HandleMessages appends a batch to the message log and runs one model
// turn per user message, strictly in sequence. It blocks until the
// conversation is initialized, bounded by the configured timeout; a
// timeout fails only this call, never the conversation. On a turn failure
// the error is persisted in-band and re-raised as non-retryable, aborting
// the remainder of the batch. Returns the updated message log on success.
func (c *Conversation) HandleMessages(ctx context.Context, batch []Message) ([]Message, error) {
	if err := c.awaitInitialized(ctx); err != nil {
		return nil, err
	}

	j := newJob(jobMessages)
	j.batch = batch
	if err := c.submit(ctx, j); err != nil {
		return nil, err
	}

	select {
	case <-j.doneCh:
		return j.messages, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveApproval resumes a paused tool call with a human verdict. The
// outcome is always a structured result: an unknown id reports
// ErrApprovalNotFound with Processed false (treat as already resolved),
// and continuation-call failures are caught, never raised.
func (c *Conversation) ResolveApproval(ctx context.Context, id string, approved bool) ApprovalResult {
	result := ApprovalResult{ID: id, Approved: approved}

	if err := c.awaitInitialized(ctx); err != nil {
		result.Err = err
		return result
	}

	j := newJob(jobApproval)
	j.approvalID = id
	j.approved = approved
	if err := c.submit(ctx, j); err != nil {
		result.Err = err
		return result
	}

	select {
	case <-j.doneCh:
		return j.approval
	case <-ctx.Done():
		result.Err = ctx.Err()
		return result
	}
}

// Snapshot returns a consistent read-only view. Safe to call while a turn
// is in flight: it observes the state between individual mutations, never
// a partial one. Events are always sorted ascending by sequence number.
func (c *Conversation) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	sorted := sortEventsBySequence(c.state.Events)
	events := make([]ResponseEvent, len(sorted))
	for i, ev := range sorted {
		events[i] = *ev
	}
	messages := make([]Message, len(c.state.Messages))
	copy(messages, c.state.Messages)

	return &Snapshot{
		Events:         events,
		Messages:       messages,
		TaskID:         c.state.TaskID,
		AgentID:        c.state.AgentID,
		LastResponseID: c.state.LastResponseID,
		Initialized:    c.state.Initialized,
	}
}

// awaitInitialized suspends the caller until configuration loading has
// finished, bounded by the init timeout. Timing out fails only the waiting
// caller and mutates nothing.
func (c *Conversation) awaitInitialized(ctx context.Context) error {
	select {
	case <-c.initialized:
		return c.initErr
	default:
	}

	timer := time.NewTimer(c.initTimeout)
	defer timer.Stop()

	select {
	case <-c.initialized:
		return c.initErr
	case <-timer.C:
		return ErrInitializationTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit hands a job to the run loop. The mailbox is unbuffered so
// submission handshakes with the actor; racing callers queue up here and
// are served one at a time.
func (c *Conversation) submit(ctx context.Context, j *job) error {
	if c.Ended() {
		return ErrConversationEnded
	}
	select {
	case c.mailbox <- j:
		return nil
	case <-c.endCh:
		return ErrConversationEnded
	case <-c.done:
		return ErrConversationEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkpoint writes the full state blob through the journal with its own
// timeout so persistence is not tied to any caller's context.
func (c *Conversation) checkpoint() {
	c.mu.Lock()
	blob, err := c.state.Encode()
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("failed to encode checkpoint", "error", err)
		return
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := c.journal.SaveCheckpoint(saveCtx, c.taskID, blob); err != nil {
		c.logger.Error("failed to save checkpoint", "error", err)
	}
}

// saveEvent writes one event through the journal, detached from the
// request context.
func (c *Conversation) saveEvent(ev *ResponseEvent) {
	saveCtx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := c.journal.SaveEvent(saveCtx, c.taskID, ev); err != nil {
		c.logger.Error("failed to save event", "error", err, "event_id", ev.ID, "kind", ev.Kind)
	}
}

// saveMessage writes one message through the journal.
func (c *Conversation) saveMessage(msg Message) {
	saveCtx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := c.journal.SaveMessage(saveCtx, c.taskID, msg); err != nil {
		c.logger.Error("failed to save message", "error", err, "role", msg.Role)
	}
}
