// ABOUTME: Tests for raw event classification, delta detection, and id derivation
// ABOUTME: Covers the suffix grammar shared across tool-call families

package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyKind(t *testing.T) {
	cases := []struct {
		rawType string
		want    EventKind
	}{
		{"response.created", KindResponseCreated},
		{"response.completed", KindResponseCompleted},
		{"response.output_item.added", KindItemAdded},
		{"response.output_item.done", KindItemDone},
		{"error", KindError},
		{"response.failed", KindError},
		{"response.mcp_list_tools.completed", KindToolList},
		{"response.mcp_call.in_progress", KindToolInProgress},
		{"response.web_search_call.searching", KindToolInProgress},
		{"response.code_interpreter_call.interpreting", KindToolInProgress},
		{"response.mcp_call.completed", KindToolCompleted},
		{"response.web_search_call.completed", KindToolCompleted},
		{"response.mcp_call.failed", KindToolFailed},
		{"response.reasoning_summary_part.added", KindOther},
		{"some.future.event", KindOther},
	}

	for _, tc := range cases {
		t.Run(tc.rawType, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyKind(tc.rawType))
		})
	}
}

func TestIsDelta(t *testing.T) {
	assert.True(t, IsDelta("response.output_text.delta"))
	assert.True(t, IsDelta("response.function_call_arguments.delta"))
	assert.True(t, IsDelta("response.reasoning_summary_text.delta"))
	assert.False(t, IsDelta("response.output_text.done"))
	assert.False(t, IsDelta("response.created"))
}

func TestDeriveEventID(t *testing.T) {
	decode := func(raw string) *rawEnvelope {
		var env rawEnvelope
		require.NoError(t, json.Unmarshal([]byte(raw), &env))
		return &env
	}

	t.Run("explicit id wins", func(t *testing.T) {
		env := decode(`{"id":"evt-1","item_id":"item-1"}`)
		assert.Equal(t, "evt-1", deriveEventID("response.created", env))
	})

	t.Run("falls back to item id qualified by type", func(t *testing.T) {
		env := decode(`{"item_id":"item-1"}`)
		assert.Equal(t, "response.output_item.done:item-1", deriveEventID("response.output_item.done", env))
	})

	t.Run("uses nested item id", func(t *testing.T) {
		env := decode(`{"item":{"id":"item-2","type":"message"}}`)
		assert.Equal(t, "response.output_item.done:item-2", deriveEventID("response.output_item.done", env))
	})

	t.Run("falls back to response id", func(t *testing.T) {
		env := decode(`{"response":{"id":"resp-1"}}`)
		assert.Equal(t, "response.created:resp-1", deriveEventID("response.created", env))
	})

	t.Run("empty when nothing identifies the event", func(t *testing.T) {
		env := decode(`{}`)
		assert.Equal(t, "", deriveEventID("response.created", env))
		assert.Equal(t, "", deriveEventID("response.created", nil))
	})
}

func TestRawItemText(t *testing.T) {
	var item rawItem
	require.NoError(t, json.Unmarshal([]byte(`{
		"id":"msg-1","type":"message","role":"assistant",
		"content":[
			{"type":"output_text","text":"Hello, "},
			{"type":"refusal","text":"ignored"},
			{"type":"output_text","text":"world"}
		]}`), &item))

	assert.Equal(t, "Hello, world", item.text())
}

func TestSortEventsBySequence(t *testing.T) {
	events := []*ResponseEvent{
		{ID: "c", SequenceNumber: 3},
		{ID: "b", SequenceNumber: 1},
		{ID: "a", SequenceNumber: 1},
		{ID: "d", SequenceNumber: 2},
	}

	sorted := sortEventsBySequence(events)
	ids := make([]string, len(sorted))
	for i, ev := range sorted {
		ids[i] = ev.ID
	}
	assert.Equal(t, []string{"a", "b", "d", "c"}, ids)

	// The input slice is untouched.
	assert.Equal(t, "c", events[0].ID)
}
