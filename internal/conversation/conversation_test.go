// ABOUTME: Tests for the conversation actor lifecycle, turns, and approvals
// ABOUTME: Uses a scripted streamer to drive deterministic event streams

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/backend"
	"github.com/2389/loom/internal/catalog"
)

// fakeDirectory implements catalog.Directory for testing
type fakeDirectory struct {
	cfg   *catalog.AgentConfig
	tools []catalog.ToolDescriptor
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (d *fakeDirectory) AgentConfig(agentID string) (*catalog.AgentConfig, error) {
	d.calls.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.cfg, nil
}

func (d *fakeDirectory) ToolConfig(agentID string) ([]catalog.ToolDescriptor, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.tools, nil
}

func testDirectory() *fakeDirectory {
	return &fakeDirectory{
		cfg: &catalog.AgentConfig{
			ID:           "researcher",
			Model:        "gpt-5",
			Instructions: "be helpful",
		},
		tools: []catalog.ToolDescriptor{
			{Type: catalog.ToolTypeMCP, ServerLabel: "ops", ServerURL: "https://ops.example", RequireApproval: catalog.ApprovalAlways},
		},
	}
}

// scriptedStreamer returns a pre-scripted event stream per call and records
// every request it receives.
type scriptedStreamer struct {
	mu       sync.Mutex
	requests []backend.Request
	turns    [][]backend.Event
	errs     []error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (s *scriptedStreamer) Stream(ctx context.Context, req backend.Request) (<-chan backend.Event, error) {
	s.mu.Lock()
	call := len(s.requests)
	s.requests = append(s.requests, req)
	var turn []backend.Event
	if call < len(s.turns) {
		turn = s.turns[call]
	}
	var err error
	if call < len(s.errs) {
		err = s.errs[call]
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	n := s.inFlight.Add(1)
	for {
		max := s.maxInFlight.Load()
		if n <= max || s.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}

	ch := make(chan backend.Event, len(turn))
	go func() {
		defer close(ch)
		defer s.inFlight.Add(-1)
		for _, ev := range turn {
			ch <- ev
		}
	}()
	return ch, nil
}

func (s *scriptedStreamer) recorded() []backend.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// collectSink records published deltas
type collectSink struct {
	mu     sync.Mutex
	deltas []Delta
}

func (c *collectSink) PublishDelta(d Delta) {
	c.mu.Lock()
	c.deltas = append(c.deltas, d)
	c.mu.Unlock()
}

func (c *collectSink) all() []Delta {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Delta, len(c.deltas))
	copy(out, c.deltas)
	return out
}

func rawEvent(typ string, seq int64, payload string) backend.Event {
	return backend.Event{Type: typ, SequenceNumber: seq, Raw: json.RawMessage(payload)}
}

// assistantTurn scripts a complete turn that answers with one message.
// Upstream sequence numbers restart at 1 on every response, as real
// streams do.
func assistantTurn(responseID, text string) []backend.Event {
	return []backend.Event{
		rawEvent("response.created", 1, fmt.Sprintf(`{"response":{"id":%q}}`, responseID)),
		rawEvent("response.output_item.done", 2, fmt.Sprintf(
			`{"item":{"id":"msg-%s","type":"message","role":"assistant","content":[{"type":"output_text","text":%q}]}}`,
			responseID, text)),
		rawEvent("response.completed", 3, fmt.Sprintf(
			`{"response":{"id":%q,"usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15}}}`, responseID)),
	}
}

// approvalTurn scripts a turn that pauses on a remote tool approval.
func approvalTurn(responseID, approvalID string) []backend.Event {
	return []backend.Event{
		rawEvent("response.created", 1, fmt.Sprintf(`{"response":{"id":%q}}`, responseID)),
		rawEvent("response.output_item.done", 2, fmt.Sprintf(
			`{"item":{"id":%q,"type":"mcp_approval_request","name":"deploy","arguments":"{\"env\":\"prod\"}","server_label":"ops"}}`,
			approvalID)),
		rawEvent("response.completed", 3, fmt.Sprintf(`{"response":{"id":%q}}`, responseID)),
	}
}

// startConversation runs a conversation on its own goroutine and cleans it
// up when the test finishes.
func startConversation(t *testing.T, deps Deps) *Conversation {
	t.Helper()
	c := New("task-1", "researcher", deps)
	go c.Run(context.Background())
	t.Cleanup(func() {
		c.End()
		select {
		case <-c.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("conversation did not shut down")
		}
	})
	return c
}

func userBatch(contents ...string) []Message {
	batch := make([]Message, len(contents))
	for i, c := range contents {
		batch[i] = Message{Role: RoleUser, Content: c}
	}
	return batch
}

func TestConversation_HandleMessages_RunsOneTurnPerUserMessage(t *testing.T) {
	streamer := &scriptedStreamer{turns: [][]backend.Event{
		assistantTurn("resp-1", "first answer"),
		assistantTurn("resp-2", "second answer"),
	}}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	messages, err := c.HandleMessages(context.Background(), []Message{
		{Role: RoleDeveloper, Content: "context note"},
		{Role: RoleUser, Content: "question one"},
		{Role: RoleUser, Content: "question two"},
	})
	require.NoError(t, err)

	// Developer messages join the log but do not trigger turns.
	requests := streamer.recorded()
	require.Len(t, requests, 2)

	// 3 inbound + 2 assistant replies
	require.Len(t, messages, 5)
	assert.Equal(t, "first answer", messages[3].Content)
	assert.Equal(t, RoleAssistant, messages[3].Role)
	assert.Equal(t, "second answer", messages[4].Content)

	// The second turn continues from the first response.
	assert.Equal(t, "", requests[0].PreviousResponseID)
	assert.Equal(t, "resp-1", requests[1].PreviousResponseID)

	snap := c.Snapshot()
	assert.Equal(t, "resp-2", snap.LastResponseID)
}

func TestConversation_HandleMessages_CarriesModelConfig(t *testing.T) {
	streamer := &scriptedStreamer{turns: [][]backend.Event{assistantTurn("resp-1", "ok")}}
	dir := testDirectory()
	dir.cfg.ReasoningEffort = "high"
	dir.cfg.CompactThreshold = 200000
	c := startConversation(t, Deps{Directory: dir, Streamer: streamer})

	_, err := c.HandleMessages(context.Background(), userBatch("hello"))
	require.NoError(t, err)

	requests := streamer.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "gpt-5", requests[0].Model)
	assert.Equal(t, "be helpful", requests[0].Instructions)
	assert.Equal(t, "high", requests[0].ReasoningEffort)
	assert.Equal(t, 200000, requests[0].CompactThreshold)
	require.Len(t, requests[0].Tools, 1)
	assert.Equal(t, "ops", requests[0].Tools[0].ServerLabel)
}

func TestConversation_EchoEventPrecedesTurnOutput(t *testing.T) {
	streamer := &scriptedStreamer{turns: [][]backend.Event{assistantTurn("resp-1", "hi")}}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	_, err := c.HandleMessages(context.Background(), userBatch("hello"))
	require.NoError(t, err)

	snap := c.Snapshot()
	require.NotEmpty(t, snap.Events)
	assert.Equal(t, KindEcho, snap.Events[0].Kind)

	var echoed Message
	require.NoError(t, json.Unmarshal(snap.Events[0].Payload, &echoed))
	assert.Equal(t, "hello", echoed.Content)

	// Events come back sorted ascending by sequence number.
	for i := 1; i < len(snap.Events); i++ {
		assert.LessOrEqual(t, snap.Events[i-1].SequenceNumber, snap.Events[i].SequenceNumber)
	}
}

func TestConversation_SequenceNumbersStayMonotonicAcrossTurns(t *testing.T) {
	// Upstream restarts sequence numbers at 1 for every response. The log
	// must still read in arrival order, so events get conversation-local
	// numbers instead of the upstream ones.
	streamer := &scriptedStreamer{turns: [][]backend.Event{
		assistantTurn("resp-1", "first"),
		assistantTurn("resp-2", "second"),
	}}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	_, err := c.HandleMessages(context.Background(), userBatch("one"))
	require.NoError(t, err)
	_, err = c.HandleMessages(context.Background(), userBatch("two"))
	require.NoError(t, err)

	snap := c.Snapshot()
	for i := 1; i < len(snap.Events); i++ {
		require.Less(t, snap.Events[i-1].SequenceNumber, snap.Events[i].SequenceNumber,
			"event %d out of order", i)
	}

	// The second turn's created event must land after the first turn's
	// completed event, not interleave with it.
	firstCompleted, secondCreated := -1, -1
	for i, ev := range snap.Events {
		if ev.Kind == KindResponseCompleted && firstCompleted == -1 {
			firstCompleted = i
		}
		if ev.Kind == KindResponseCreated && firstCompleted != -1 && secondCreated == -1 {
			secondCreated = i
		}
	}
	require.NotEqual(t, -1, firstCompleted)
	require.NotEqual(t, -1, secondCreated)
	assert.Less(t, firstCompleted, secondCreated)
}

func TestConversation_DuplicateEventsPersistOnce(t *testing.T) {
	turn := assistantTurn("resp-1", "hi")
	// Redeliver the whole turn inside the same stream.
	turn = append(turn, assistantTurn("resp-1", "hi")...)
	streamer := &scriptedStreamer{turns: [][]backend.Event{turn}}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	messages, err := c.HandleMessages(context.Background(), userBatch("hello"))
	require.NoError(t, err)

	// The assistant message joined the log exactly once.
	require.Len(t, messages, 2)

	snap := c.Snapshot()
	seen := make(map[string]int)
	for _, ev := range snap.Events {
		seen[ev.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "event %s persisted %d times", id, n)
	}
	// echo + 3 distinct stream events
	assert.Len(t, snap.Events, 4)
}

func TestConversation_CompletedEventCarriesFinalOutput(t *testing.T) {
	// Some streams deliver the assembled output only on the completed
	// event, with no output_item.done beforehand.
	turn := []backend.Event{
		rawEvent("response.created", 1, `{"response":{"id":"r1"}}`),
		rawEvent("response.completed", 2,
			`{"response":{"id":"r1","output":[{"type":"message","role":"assistant","status":"completed","content":[{"type":"output_text","text":"Hello"}]}]}}`),
	}
	streamer := &scriptedStreamer{turns: [][]backend.Event{turn}}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	messages, err := c.HandleMessages(context.Background(), userBatch("Hi"))
	require.NoError(t, err)

	require.Len(t, messages, 2)
	assert.Equal(t, Message{Role: RoleUser, Content: "Hi"}, messages[0])
	assert.Equal(t, Message{Role: RoleAssistant, Content: "Hello"}, messages[1])
	assert.Equal(t, "r1", c.Snapshot().LastResponseID)
}

func TestConversation_CompletedOutputSkipsItemsAlreadyFinalized(t *testing.T) {
	// Streams that emit both output_item.done and the assembled output on
	// the completed event must apply each item exactly once.
	turn := []backend.Event{
		rawEvent("response.created", 1, `{"response":{"id":"r1"}}`),
		rawEvent("response.output_item.done", 2,
			`{"item":{"id":"msg-1","type":"message","role":"assistant","content":[{"type":"output_text","text":"Hello"}]}}`),
		rawEvent("response.completed", 3,
			`{"response":{"id":"r1","output":[{"id":"msg-1","type":"message","role":"assistant","content":[{"type":"output_text","text":"Hello"}]}]}}`),
	}
	streamer := &scriptedStreamer{turns: [][]backend.Event{turn}}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	messages, err := c.HandleMessages(context.Background(), userBatch("Hi"))
	require.NoError(t, err)

	require.Len(t, messages, 2)
	assert.Equal(t, "Hello", messages[1].Content)
}

func TestConversation_ApprovalDeliveredOnlyInCompletedOutput(t *testing.T) {
	turn := []backend.Event{
		rawEvent("response.created", 1, `{"response":{"id":"resp-1"}}`),
		rawEvent("response.completed", 2,
			`{"response":{"id":"resp-1","output":[{"id":"appr-1","type":"mcp_approval_request","name":"deploy","arguments":"{}","server_label":"ops"}]}}`),
	}
	streamer := &scriptedStreamer{turns: [][]backend.Event{
		turn,
		assistantTurn("resp-2", "deployed"),
	}}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	_, err := c.HandleMessages(context.Background(), userBatch("deploy"))
	require.NoError(t, err)

	snap := c.Snapshot()
	var approvalEv *ResponseEvent
	for i := range snap.Events {
		if snap.Events[i].Kind == KindApprovalRequested {
			approvalEv = &snap.Events[i]
		}
	}
	require.NotNil(t, approvalEv, "approval request event not persisted")
	assert.Equal(t, EventStatusWaitingApproval, approvalEv.Status)
	assert.Equal(t, "appr-1", approvalEv.ItemID)

	result := c.ResolveApproval(context.Background(), "appr-1", true)
	require.NoError(t, result.Err)
	assert.True(t, result.Processed)

	requests := streamer.recorded()
	require.Len(t, requests, 2)
	assert.Equal(t, "resp-1", requests[1].PreviousResponseID)
}

func TestConversation_DeltasStreamOnlyNeverPersisted(t *testing.T) {
	sink := &collectSink{}
	turn := []backend.Event{
		rawEvent("response.created", 1, `{"response":{"id":"resp-1"}}`),
		rawEvent("response.output_text.delta", 2, `{"item_id":"msg-1","delta":"par"}`),
		rawEvent("response.output_text.delta", 3, `{"item_id":"msg-1","delta":"tial"}`),
		rawEvent("response.completed", 4, `{"response":{"id":"resp-1"}}`),
	}
	streamer := &scriptedStreamer{turns: [][]backend.Event{turn}}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer, Deltas: sink})

	_, err := c.HandleMessages(context.Background(), userBatch("hello"))
	require.NoError(t, err)

	deltas := sink.all()
	require.Len(t, deltas, 2)
	assert.Equal(t, "response.output_text.delta", deltas[0].Type)
	assert.Equal(t, "task-1", deltas[0].TaskID)

	snap := c.Snapshot()
	for _, ev := range snap.Events {
		assert.NotContains(t, string(ev.Payload), `"delta"`)
	}
}

func TestConversation_ApprovalRoundTrip(t *testing.T) {
	streamer := &scriptedStreamer{turns: [][]backend.Event{
		approvalTurn("resp-1", "appr-1"),
		assistantTurn("resp-2", "deployed"),
	}}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	_, err := c.HandleMessages(context.Background(), userBatch("deploy to prod"))
	require.NoError(t, err)

	snap := c.Snapshot()
	var approvalEv *ResponseEvent
	for i := range snap.Events {
		if snap.Events[i].Kind == KindApprovalRequested {
			approvalEv = &snap.Events[i]
		}
	}
	require.NotNil(t, approvalEv, "approval request event not persisted")
	assert.Equal(t, EventStatusWaitingApproval, approvalEv.Status)
	assert.Equal(t, "appr-1", approvalEv.ItemID)

	result := c.ResolveApproval(context.Background(), "appr-1", true)
	require.NoError(t, result.Err)
	assert.True(t, result.Processed)

	requests := streamer.recorded()
	require.Len(t, requests, 2)
	require.NotNil(t, requests[1].Approval)
	assert.Equal(t, "appr-1", requests[1].Approval.ApprovalRequestID)
	assert.True(t, requests[1].Approval.Approve)
	// The continuation resumes from the response that asked.
	assert.Equal(t, "resp-1", requests[1].PreviousResponseID)
	assert.Empty(t, requests[1].Input, "approval turns carry no message input")

	snap = c.Snapshot()
	for i := range snap.Events {
		if snap.Events[i].Kind == KindApprovalRequested {
			assert.Equal(t, EventStatusCompleted, snap.Events[i].Status)
		}
	}

	// Resolving again reports not-pending without a model call.
	again := c.ResolveApproval(context.Background(), "appr-1", true)
	assert.ErrorIs(t, again.Err, ErrApprovalNotFound)
	assert.False(t, again.Processed)
	assert.Len(t, streamer.recorded(), 2)
}

func TestConversation_DeniedApprovalMarksEventFailed(t *testing.T) {
	streamer := &scriptedStreamer{turns: [][]backend.Event{
		approvalTurn("resp-1", "appr-1"),
		assistantTurn("resp-2", "understood, skipping"),
	}}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	_, err := c.HandleMessages(context.Background(), userBatch("deploy to prod"))
	require.NoError(t, err)

	result := c.ResolveApproval(context.Background(), "appr-1", false)
	require.NoError(t, result.Err)
	assert.True(t, result.Processed)
	assert.False(t, result.Approved)

	requests := streamer.recorded()
	require.Len(t, requests, 2)
	assert.False(t, requests[1].Approval.Approve)

	snap := c.Snapshot()
	for i := range snap.Events {
		if snap.Events[i].Kind == KindApprovalRequested {
			assert.Equal(t, EventStatusFailed, snap.Events[i].Status)
		}
	}
}

func TestConversation_FailedContinuationKeepsApprovalPending(t *testing.T) {
	streamer := &scriptedStreamer{
		turns: [][]backend.Event{
			approvalTurn("resp-1", "appr-1"),
			nil,
			assistantTurn("resp-2", "done"),
		},
		errs: []error{nil, errors.New("backend unavailable")},
	}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	_, err := c.HandleMessages(context.Background(), userBatch("deploy"))
	require.NoError(t, err)

	result := c.ResolveApproval(context.Background(), "appr-1", true)
	require.Error(t, result.Err)
	assert.False(t, result.Processed)

	// The decision was not consumed; a redelivery succeeds.
	retry := c.ResolveApproval(context.Background(), "appr-1", true)
	require.NoError(t, retry.Err)
	assert.True(t, retry.Processed)
}

func TestConversation_TurnFailureAbortsBatch(t *testing.T) {
	streamer := &scriptedStreamer{
		turns: [][]backend.Event{nil},
		errs:  []error{errors.New("model overloaded")},
	}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	_, err := c.HandleMessages(context.Background(), userBatch("one", "two"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-retryable")

	// The second user message never reached the backend.
	assert.Len(t, streamer.recorded(), 1)

	// The failure is visible in-band as a persisted error event.
	snap := c.Snapshot()
	var foundError bool
	for _, ev := range snap.Events {
		if ev.Kind == KindError {
			foundError = true
			var body map[string]string
			require.NoError(t, json.Unmarshal(ev.Payload, &body))
			assert.Equal(t, "internal", body["source"])
		}
	}
	assert.True(t, foundError, "error event not persisted")

	// The conversation itself survives.
	assert.False(t, c.Ended())
}

func TestConversation_MidStreamErrorStillProcessesEarlierEvents(t *testing.T) {
	turn := []backend.Event{
		rawEvent("response.created", 1, `{"response":{"id":"resp-1"}}`),
		{Type: "", Err: errors.New("connection reset")},
	}
	streamer := &scriptedStreamer{turns: [][]backend.Event{turn}}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	_, err := c.HandleMessages(context.Background(), userBatch("hello"))
	require.Error(t, err)

	// The continuation token from before the failure is retained.
	snap := c.Snapshot()
	assert.Equal(t, "resp-1", snap.LastResponseID)
}

func TestConversation_SerializesConcurrentBatches(t *testing.T) {
	turns := make([][]backend.Event, 8)
	for i := range turns {
		turns[i] = assistantTurn(fmt.Sprintf("resp-%d", i), "ok")
	}
	streamer := &scriptedStreamer{turns: turns}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.HandleMessages(context.Background(), userBatch(fmt.Sprintf("message %d", i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), streamer.maxInFlight.Load(), "turns must never overlap")
	assert.Len(t, streamer.recorded(), 8)
}

func TestConversation_EndRejectsFurtherWork(t *testing.T) {
	streamer := &scriptedStreamer{turns: [][]backend.Event{assistantTurn("resp-1", "hi")}}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})

	_, err := c.HandleMessages(context.Background(), userBatch("hello"))
	require.NoError(t, err)

	c.End()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not exit after End")
	}

	assert.True(t, c.Ended())

	_, err = c.HandleMessages(context.Background(), userBatch("too late"))
	assert.ErrorIs(t, err, ErrConversationEnded)

	result := c.ResolveApproval(context.Background(), "appr-1", true)
	assert.ErrorIs(t, result.Err, ErrConversationEnded)

	// End is idempotent.
	c.End()

	// The snapshot stays readable after the end.
	snap := c.Snapshot()
	assert.Equal(t, "resp-1", snap.LastResponseID)
}

func TestConversation_InitializationTimeoutFailsOnlyTheCall(t *testing.T) {
	dir := testDirectory()
	dir.delay = 500 * time.Millisecond
	streamer := &scriptedStreamer{turns: [][]backend.Event{assistantTurn("resp-1", "hi")}}
	c := startConversation(t, Deps{Directory: dir, Streamer: streamer, InitTimeout: 50 * time.Millisecond})

	_, err := c.HandleMessages(context.Background(), userBatch("hello"))
	assert.ErrorIs(t, err, ErrInitializationTimeout)

	// Once initialization completes, the conversation works normally.
	time.Sleep(600 * time.Millisecond)
	_, err = c.HandleMessages(context.Background(), userBatch("hello again"))
	require.NoError(t, err)
}

func TestConversation_InitializationFailureSurfacesToCallers(t *testing.T) {
	dir := &fakeDirectory{err: catalog.ErrAgentNotFound}
	c := New("task-1", "ghost", Deps{Directory: dir, Streamer: &scriptedStreamer{}})
	go c.Run(context.Background())
	t.Cleanup(c.End)

	_, err := c.HandleMessages(context.Background(), userBatch("hello"))
	assert.ErrorIs(t, err, catalog.ErrAgentNotFound)
}

func TestConversation_ResumeSkipsDirectoryAndKeepsToken(t *testing.T) {
	// Build a state the way a prior run would have left it.
	streamer := &scriptedStreamer{turns: [][]backend.Event{assistantTurn("resp-1", "hi")}}
	c := startConversation(t, Deps{Directory: testDirectory(), Streamer: streamer})
	_, err := c.HandleMessages(context.Background(), userBatch("hello"))
	require.NoError(t, err)

	c.mu.Lock()
	blob, err := c.state.Encode()
	c.mu.Unlock()
	require.NoError(t, err)

	state, err := DecodeState(blob)
	require.NoError(t, err)

	// A directory that always errors proves resumption never consults it.
	failingDir := &fakeDirectory{err: errors.New("manifest gone")}
	streamer2 := &scriptedStreamer{turns: [][]backend.Event{assistantTurn("resp-2", "welcome back")}}
	resumed := Resume(state, Deps{Directory: failingDir, Streamer: streamer2})
	go resumed.Run(context.Background())
	t.Cleanup(func() {
		resumed.End()
		<-resumed.Done()
	})

	messages, err := resumed.HandleMessages(context.Background(), userBatch("continue"))
	require.NoError(t, err)
	assert.Equal(t, "welcome back", messages[len(messages)-1].Content)

	requests := streamer2.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "resp-1", requests[0].PreviousResponseID)
	assert.Equal(t, "gpt-5", requests[0].Model, "checkpointed model config must survive")
}
