// Package api exposes the conversation manager over a versioned JSON HTTP API.
//
// # Routes
//
//	POST /v1/tasks                       create a task conversation
//	POST /v1/tasks/{task_id}/messages    enqueue a user message batch
//	POST /v1/tasks/{task_id}/approvals   resolve a pending tool approval
//	POST /v1/tasks/{task_id}/end         end the conversation
//	GET  /v1/tasks/{task_id}/snapshot    read-only state snapshot
//	GET  /v1/tasks/{task_id}/live        WebSocket stream of output deltas
//	GET  /health                         liveness probe (unauthenticated)
//
// Message requests may carry a request_id; redelivered ids return the
// current message log without reprocessing. When a JWT verifier is
// configured all /v1/ routes require a bearer token.
package api
