// Package store persists conversation state: the event log, message log,
// and per-task checkpoints the orchestrator resumes from after a restart.
// The SQLite implementation is the source of truth for introspection
// queries; live conversations write through to it on every mutation.
package store
