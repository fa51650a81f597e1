// Package httpapi is the supervisor's HTTP surface (spec.md §6): a thin
// net/http layer over the Agent Registration Service, Status Evaluator,
// Session Backend, and Team State Store, returning the uniform {success, data|error,
// message?} envelope. Grounded on the teacher's cmd/wtd daemon handlers for
// the envelope shape and status-code conventions; kept on net/http rather
// than a router library because the teacher itself uses bare
// http.ServeMux for wtd.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/agentmux/supervisor/internal/supervisor/model"
	"github.com/agentmux/supervisor/internal/supervisor/status"
	"github.com/agentmux/supervisor/internal/supervisor/sverr"
)

// envelope is the uniform response shape spec.md §6 requires.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch sverr.KindOf(err) {
	case sverr.InvalidSessionName, sverr.InvalidInput:
		status = http.StatusBadRequest
	case sverr.SessionNotFound:
		status = http.StatusNotFound
	case sverr.DuplicateSession:
		status = http.StatusConflict
	case sverr.RateLimited, sverr.RestartInProgress:
		status = http.StatusTooManyRequests
	case sverr.Timeout, sverr.NotReady:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, envelope{Success: false, Error: string(sverr.KindOf(err)), Message: err.Error()})
}

// AgentService is the slice of the Agent Registration Service the HTTP
// surface drives.
type AgentService interface {
	CreateAgentSession(ctx context.Context, sessionName string, rt model.RuntimeType, role model.Role, projectPath string) error
	TerminateAgentSession(ctx context.Context, sessionName string, role model.Role) error
	SendMessageToAgent(ctx context.Context, sessionName, payload string) error
	SendCommandToAgent(sessionName, payload string) error
	SendKeyToAgent(sessionName, key string) error
}

// StatusEvaluator is the slice of the Status Evaluator the HTTP surface
// exposes as a read endpoint.
type StatusEvaluator interface {
	Effective(sessionName string) status.Result
}

// Sessions is the slice of the Session Backend the HTTP surface needs for
// read-only capture/listing endpoints.
type Sessions interface {
	ListSessions() []string
	CaptureOutput(sessionName string, lines int) (string, error)
}

// Roles answers what role a tracked session belongs to, so the message
// gate (spec.md §4.8) can tell an orchestrator from a team member.
type Roles interface {
	SessionRole(sessionName string) (model.Role, bool)
}

// Enqueuer is the slice of the Sub-Agent Message Queue the HTTP surface
// drives when a message's target isn't active yet (spec.md §4.8).
type Enqueuer interface {
	Enqueue(sessionName string, msg model.Message)
}

// Rehydrator kicks off a suspended agent's background rehydration, with
// its own single-flight guard (spec.md §4.8).
type Rehydrator interface {
	RehydrateAsync(sessionName string)
}

// Server wires the above collaborators into net/http handlers.
type Server struct {
	agents    AgentService
	status    StatusEvaluator
	sessions  Sessions
	roles     Roles
	queue     Enqueuer
	rehydrate Rehydrator
}

// NewServer builds a Server. Any collaborator may be nil; routes backed by
// a nil collaborator respond 501 Not Implemented, and optional
// collaborators (roles, queue, rehydrate) simply disable the gating
// behavior they support. Use the With* setters to wire the optional ones.
func NewServer(agents AgentService, status StatusEvaluator, sessions Sessions) *Server {
	return &Server{agents: agents, status: status, sessions: sessions}
}

// WithMessageGate wires the collaborators spec.md §4.8's message-queue
// gating policy needs: role lookup, the queue itself, and best-effort
// suspend rehydration. Called once at startup; all three may be nil.
func (s *Server) WithMessageGate(roles Roles, queue Enqueuer, rehydrate Rehydrator) *Server {
	s.roles, s.queue, s.rehydrate = roles, queue, rehydrate
	return s
}

// Routes registers the supervisor's HTTP API on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{name}/output", s.handleCaptureOutput)
	mux.HandleFunc("GET /api/sessions/{name}/status", s.handleStatus)
	mux.HandleFunc("POST /api/sessions/{name}/message", s.handleSendMessage)
	mux.HandleFunc("POST /api/sessions/{name}/key", s.handleSendKey)
	mux.HandleFunc("DELETE /api/sessions/{name}", s.handleTerminate)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeJSON(w, http.StatusNotImplemented, envelope{Success: false, Error: "not_implemented"})
		return
	}
	writeOK(w, s.sessions.ListSessions())
}

func (s *Server) handleCaptureOutput(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeJSON(w, http.StatusNotImplemented, envelope{Success: false, Error: "not_implemented"})
		return
	}
	name := r.PathValue("name")
	out, err := s.sessions.CaptureOutput(name, 200)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]string{"output": out})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusNotImplemented, envelope{Success: false, Error: "not_implemented"})
		return
	}
	name := r.PathValue("name")
	result := s.status.Effective(name)
	writeOK(w, map[string]string{"status": string(result.Status), "message": result.Message})
}

type sendMessageRequest struct {
	Payload string            `json:"payload"`
	Mode    model.MessageMode `json:"mode"`
}

// handleSendMessage implements spec.md §4.8's gating policy at the write
// edge: a command always goes straight through; a chat message to a
// tracked, non-orchestrator session whose effective status isn't active is
// queued instead of sent, and returns 202 with a "queued" response rather
// than attempting (and likely stalling on) a live write. A suspended
// target also kicks off best-effort rehydration in the background.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeJSON(w, http.StatusNotImplemented, envelope{Success: false, Error: "not_implemented"})
		return
	}
	name := r.PathValue("name")
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, sverr.Wrap("httpapi.handleSendMessage", sverr.InvalidInput, err))
		return
	}
	if req.Mode == "" {
		req.Mode = model.ModeMessage
	}

	if req.Mode == model.ModeCommand {
		if err := s.agents.SendCommandToAgent(name, req.Payload); err != nil {
			writeErr(w, err)
			return
		}
		writeOK(w, nil)
		return
	}

	if s.gateForQueue(name) {
		result := s.status.Effective(name)
		if result.Status == model.StatusSuspended && s.rehydrate != nil {
			s.rehydrate.RehydrateAsync(name)
		}
		s.queue.Enqueue(name, model.Message{
			ID: uuid.NewString(), SessionName: name, Payload: req.Payload, Mode: req.Mode,
		})
		writeJSON(w, http.StatusAccepted, envelope{Success: true, Message: "queued"})
		return
	}

	if err := s.agents.SendMessageToAgent(r.Context(), name, req.Payload); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

// gateForQueue reports whether a message to sessionName should be queued
// rather than sent live: the collaborators it needs (role lookup, status
// evaluator, queue) must all be wired, the session must be a tracked,
// non-orchestrator member, and its effective status must not be active.
func (s *Server) gateForQueue(sessionName string) bool {
	if s.roles == nil || s.status == nil || s.queue == nil {
		return false
	}
	role, tracked := s.roles.SessionRole(sessionName)
	if !tracked || role == model.RoleOrchestrator {
		return false
	}
	return s.status.Effective(sessionName).Status != model.StatusActive
}

type sendKeyRequest struct {
	Key string `json:"key"`
}

func (s *Server) handleSendKey(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeJSON(w, http.StatusNotImplemented, envelope{Success: false, Error: "not_implemented"})
		return
	}
	name := r.PathValue("name")
	var req sendKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, sverr.Wrap("httpapi.handleSendKey", sverr.InvalidInput, err))
		return
	}
	if err := s.agents.SendKeyToAgent(name, req.Key); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		writeJSON(w, http.StatusNotImplemented, envelope{Success: false, Error: "not_implemented"})
		return
	}
	name := r.PathValue("name")
	role := model.Role(r.URL.Query().Get("role"))
	if err := s.agents.TerminateAgentSession(r.Context(), name, role); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, nil)
}
