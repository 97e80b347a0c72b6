// Package live is the side channel for delta events: incremental
// partial-content frames meant for live display only. Frames bypass the
// serialized mutation path, carry no ordering guarantee relative to
// persisted events, and are dropped rather than ever blocking a
// conversation.
package live
