// Package conversation implements the durable, resumable orchestrator for a
// single agent task's dialogue with the model backend.
//
// # Overview
//
// Each task gets one Conversation: a single-writer actor that serializes
// every mutation — new user message batches, human approval decisions, the
// end signal — onto one causal timeline. At most one model call is in
// flight per conversation; the streamed response events feed a processor
// that maintains the persisted event log, the message log, and the pending
// approval registry.
//
// # Entry points
//
// Only two operations mutate a conversation:
//
//   - HandleMessages(ctx, batch): append a batch and run one model turn per
//     user message, strictly in sequence
//   - ResolveApproval(ctx, id, approved): resume a paused remote-tool call
//     with a human verdict
//
// Snapshot() is read-only and safe to call mid-turn; it always returns
// events sorted by sequence number.
//
// # Event log
//
// Streamed events are split into two classes. Delta events (incremental
// partial content) go straight to the injected live sink and are never
// persisted. Everything else lands in the event log exactly once, keyed by
// id for idempotence under re-delivery, and is written through to the
// journal so a restarted host can resume the conversation.
//
// # Lifecycle
//
//	Uninitialized -> Initializing -> Ready <-> Processing -> Ended
//
// Configuration and tool loading happen exactly once during
// initialization; the end signal cancels future turns only, letting an
// in-flight call finish so the log is never left mid-turn.
package conversation
