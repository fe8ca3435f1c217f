// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package server

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/flow"
	"github.com/relaygate/relaygate/internal/orchestrator"
	"github.com/relaygate/relaygate/internal/request"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/task"
)

// Server exposes the broker over HTTP to the wrapper and the hook client.
type Server struct {
	orch     *orchestrator.Orchestrator
	sessions *session.Registry
	tasks    *task.Queue
	auth     *auth.Middleware
	log      zerolog.Logger
}

func New(orch *orchestrator.Orchestrator, sessions *session.Registry, tasks *task.Queue, mw *auth.Middleware, log zerolog.Logger) *Server {
	return &Server{
		orch:     orch,
		sessions: sessions,
		tasks:    tasks,
		auth:     mw,
		log:      log.With().Str("component", "http").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Requests
	mux.HandleFunc("POST /requests", s.auth.RequireAuthFunc(s.handleIntake))
	mux.HandleFunc("GET /requests/{requestId}", s.auth.RequireAuthFunc(s.handlePoll))
	mux.HandleFunc("POST /requests/{requestId}/cancel", s.auth.RequireAuthFunc(s.handleCancel))

	// Sessions
	mux.HandleFunc("POST /sessions", s.auth.RequireAuthFunc(s.handleRegisterSession))
	mux.HandleFunc("GET /sessions", s.auth.RequireAuthFunc(s.handleListSessions))
	mux.HandleFunc("DELETE /sessions/{sessionId}", s.auth.RequireAuthFunc(s.handleUnregisterSession))
	mux.HandleFunc("POST /sessions/{sessionId}/touch", s.auth.RequireAuthFunc(s.handleTouchSession))
	mux.HandleFunc("GET /sessions/{sessionId}/tasks", s.auth.RequireAuthFunc(s.handleSessionTasks))

	// Tasks
	mux.HandleFunc("POST /tasks/{taskId}/ack", s.auth.RequireAuthFunc(s.handleAckTask))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

type intakeBody struct {
	SessionID    string             `json:"sessionId"`
	Kind         request.Kind       `json:"kind"`
	ToolName     string             `json:"toolName"`
	ToolInput    string             `json:"toolInput"`
	Cwd          string             `json:"cwd"`
	Question     string             `json:"question"`
	Options      []request.Option   `json:"options"`
	SubQuestions []flow.SubQuestion `json:"subQuestions"`
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var body intakeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "E52001: malformed request body", http.StatusBadRequest)
		return
	}
	if body.Kind != request.KindAuthorization && body.Kind != request.KindQuestion {
		http.Error(w, "E52002: kind must be authorization or question", http.StatusBadRequest)
		return
	}

	res := s.orch.Intake(r.Context(), orchestrator.IntakeParams{
		SessionID:    body.SessionID,
		Kind:         body.Kind,
		ToolName:     body.ToolName,
		ToolInput:    body.ToolInput,
		Cwd:          body.Cwd,
		Question:     body.Question,
		Options:      body.Options,
		SubQuestions: body.SubQuestions,
	})
	writeJSON(w, http.StatusCreated, res)
}

// handlePoll always answers 200; not_found is a protocol status, not a
// transport error, so the hook client reads one shape on every poll.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	res := s.orch.Poll(r.Context(), r.PathValue("requestId"))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	res := s.orch.Cancel(r.Context(), r.PathValue("requestId"))
	writeJSON(w, http.StatusOK, res)
}

type registerBody struct {
	Name string `json:"name"`
	Cwd  string `json:"cwd"`
}

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "E52001: malformed request body", http.StatusBadRequest)
		return
	}
	sess := s.sessions.Register(body.Name, body.Cwd)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.ListAll()})
}

func (s *Server) handleUnregisterSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Unregister(r.PathValue("sessionId")) {
		http.Error(w, "E52010: session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTouchSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.Touch(r.PathValue("sessionId")) {
		http.Error(w, "E52010: session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionTasks returns the session's pending tasks. Polling counts as
// activity, so the idle sweep never reaps a session with a live wrapper.
func (s *Server) handleSessionTasks(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	sess := s.sessions.Get(sessionID)
	if sess == nil {
		http.Error(w, "E52010: session not found", http.StatusNotFound)
		return
	}
	s.sessions.Touch(sess.ID)
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.tasks.Pending(sess.ID)})
}

type ackBody struct {
	Outcome string `json:"outcome"`
}

type ackResponse struct {
	Task *task.PendingTask `json:"task"`
	// Session is nil when the owning session was evicted between delivery
	// and acknowledgement.
	Session *session.Session `json:"session,omitempty"`
}

func (s *Server) handleAckTask(w http.ResponseWriter, r *http.Request) {
	var body ackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "E52001: malformed request body", http.StatusBadRequest)
		return
	}
	t := s.tasks.Acknowledge(r.PathValue("taskId"), body.Outcome)
	if t == nil {
		http.Error(w, "E52020: task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Task: t, Session: s.sessions.Get(t.SessionID)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
