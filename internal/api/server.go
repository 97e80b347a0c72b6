// ABOUTME: HTTP API handlers for task lifecycle, messaging, approvals, and snapshots.
// ABOUTME: Exposes the conversation manager over a versioned JSON API.

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/auth"
	"github.com/2389/loom/internal/conversation"
	"github.com/2389/loom/internal/dedupe"
	"github.com/2389/loom/internal/live"
	"github.com/2389/loom/internal/store"
)

// CreateTaskRequest is the JSON request body for POST /v1/tasks.
type CreateTaskRequest struct {
	TaskID  string `json:"task_id,omitempty"`
	AgentID string `json:"agent_id"`
}

// CreateTaskResponse is the JSON response for POST /v1/tasks.
type CreateTaskResponse struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
}

// SendMessagesRequest is the JSON request body for POST /v1/tasks/{task_id}/messages.
type SendMessagesRequest struct {
	RequestID string                 `json:"request_id,omitempty"`
	Messages  []conversation.Message `json:"messages"`
}

// SendMessagesResponse is the JSON response for POST /v1/tasks/{task_id}/messages.
type SendMessagesResponse struct {
	TaskID    string                 `json:"task_id"`
	Messages  []conversation.Message `json:"messages"`
	Duplicate bool                   `json:"duplicate,omitempty"`
}

// ApprovalRequest is the JSON request body for POST /v1/tasks/{task_id}/approvals.
type ApprovalRequest struct {
	ApprovalID string `json:"approval_id"`
	Approve    bool   `json:"approve"`
}

// ApprovalResponse is the JSON response for approval resolution.
type ApprovalResponse struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Processed  bool   `json:"processed"`
	Error      string `json:"error,omitempty"`
}

// Server wires the conversation manager to HTTP routes.
type Server struct {
	manager  *conversation.Manager
	archive  store.Store
	hub      *live.Hub
	requests *dedupe.Cache
	verifier auth.TokenVerifier
	logger   *slog.Logger
}

// NewServer creates an API server. The verifier may be nil, in which case
// the API is served unauthenticated.
func NewServer(manager *conversation.Manager, archive store.Store, hub *live.Hub, requests *dedupe.Cache, verifier auth.TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:  manager,
		archive:  archive,
		hub:      hub,
		requests: requests,
		verifier: verifier,
		logger:   logger.With("component", "api"),
	}
}

// Handler builds the route table. Authenticated routes live under /v1/,
// health endpoints are always open.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	api := http.NewServeMux()
	api.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	api.HandleFunc("POST /v1/tasks/{task_id}/messages", s.handleSendMessages)
	api.HandleFunc("POST /v1/tasks/{task_id}/approvals", s.handleApproval)
	api.HandleFunc("POST /v1/tasks/{task_id}/end", s.handleEndTask)
	api.HandleFunc("GET /v1/tasks/{task_id}/snapshot", s.handleSnapshot)
	api.HandleFunc("GET /v1/tasks/{task_id}/live", s.handleLive)

	if s.verifier != nil {
		mux.Handle("/v1/", auth.Middleware(s.verifier)(api))
	} else {
		mux.Handle("/v1/", api)
	}

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AgentID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if req.TaskID == "" {
		req.TaskID = uuid.New().String()
	}

	if _, err := s.manager.Create(r.Context(), req.TaskID, req.AgentID); err != nil {
		if errors.Is(err, conversation.ErrConversationExists) || errors.Is(err, store.ErrDuplicateConversation) {
			s.sendJSONError(w, http.StatusConflict, "task already exists")
			return
		}
		s.logger.Error("create task failed", "task_id", req.TaskID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	s.writeJSON(w, http.StatusCreated, CreateTaskResponse{TaskID: req.TaskID, AgentID: req.AgentID})
}

func (s *Server) handleSendMessages(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	conv, err := s.manager.Get(taskID)
	if err != nil {
		s.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}

	req, err := parseSendRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Redelivered requests return the current log without reprocessing.
	if req.RequestID != "" && s.requests != nil && s.requests.Mark(taskID+"/"+req.RequestID) {
		snap := conv.Snapshot()
		s.writeJSON(w, http.StatusOK, SendMessagesResponse{
			TaskID:    taskID,
			Messages:  snap.Messages,
			Duplicate: true,
		})
		return
	}

	messages, err := conv.HandleMessages(r.Context(), req.Messages)
	if err != nil {
		s.writeConversationError(w, taskID, err)
		return
	}

	s.writeJSON(w, http.StatusOK, SendMessagesResponse{TaskID: taskID, Messages: messages})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	conv, err := s.manager.Get(taskID)
	if err != nil {
		s.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}

	var req ApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ApprovalID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "approval_id is required")
		return
	}

	result := conv.ResolveApproval(r.Context(), req.ApprovalID, req.Approve)
	if result.Err != nil && !result.Processed {
		if errors.Is(result.Err, conversation.ErrApprovalNotFound) {
			// Already resolved or never existed; report without failing.
			s.writeJSON(w, http.StatusOK, ApprovalResponse{
				ApprovalID: req.ApprovalID,
				Approved:   req.Approve,
				Processed:  false,
				Error:      result.Err.Error(),
			})
			return
		}
		s.writeConversationError(w, taskID, result.Err)
		return
	}

	resp := ApprovalResponse{
		ApprovalID: result.ID,
		Approved:   result.Approved,
		Processed:  result.Processed,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEndTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	conv, err := s.manager.Get(taskID)
	if err != nil {
		s.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}

	conv.End()

	if err := s.archive.MarkEnded(r.Context(), taskID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("mark ended failed", "task_id", taskID, "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	conv, err := s.manager.Get(taskID)
	if err != nil {
		s.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}

	s.writeJSON(w, http.StatusOK, conv.Snapshot())
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	if _, err := s.manager.Get(taskID); err != nil {
		s.sendJSONError(w, http.StatusNotFound, "task not found")
		return
	}

	s.hub.ServeTask(w, r, taskID)
}

// writeConversationError maps conversation sentinels to HTTP statuses.
func (s *Server) writeConversationError(w http.ResponseWriter, taskID string, err error) {
	switch {
	case errors.Is(err, conversation.ErrConversationEnded):
		s.sendJSONError(w, http.StatusConflict, "task has ended")
	case errors.Is(err, conversation.ErrInitializationTimeout):
		s.sendJSONError(w, http.StatusGatewayTimeout, "task initialization timed out")
	default:
		s.logger.Error("request failed", "task_id", taskID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseSendRequest parses and validates a SendMessagesRequest from the given
// reader. Returns an error if the JSON is invalid or the batch is unusable.
func parseSendRequest(r io.Reader) (*SendMessagesRequest, error) {
	var req SendMessagesRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if len(req.Messages) == 0 {
		return nil, errors.New("messages is required")
	}

	for _, m := range req.Messages {
		if m.Content == "" {
			return nil, errors.New("message content is required")
		}
		switch m.Role {
		case conversation.RoleUser, conversation.RoleDeveloper:
		default:
			return nil, errors.New("message role must be user or developer")
		}
	}

	return &req, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
