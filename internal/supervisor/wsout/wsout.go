// Package wsout is the WebSocket fan-out Hub (spec.md §6): it accepts
// inbound WebSocket connections and broadcasts terminal_output,
// team_member_status, orchestrator_status, and orchestrator:restarted
// events to every connected client. Grounded on the teacher's
// internal/ws.Client — its connection bookkeeping and JSON envelope
// idiom — repurposed from an outbound reconnecting client to an inbound
// broadcast hub, since the supervisor is the server side of this
// relationship rather than the client.
package wsout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

// writeTimeout bounds how long a single broadcast write may take before the
// connection is considered dead and dropped.
const writeTimeout = 10 * time.Second

// Envelope is the uniform shape of every event the hub emits.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type terminalOutputData struct {
	SessionName string `json:"sessionName"`
	Chunk       string `json:"chunk"`
}

type teamMemberStatusData struct {
	SessionName   string            `json:"sessionName"`
	MemberID      string            `json:"memberId"`
	Status        model.AgentStatus `json:"status"`
	WorkingStatus string            `json:"workingStatus,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

type orchestratorStatusData struct {
	Status model.AgentStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

type orchestratorRestartedData struct {
	TotalRestarts int `json:"totalRestarts"`
}

// Hub tracks connected WebSocket clients and broadcasts events to all of
// them. The zero value is not usable; construct with New.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	onWarn  func(error)
}

// New builds an empty Hub. A nil onWarn discards per-client write failures.
func New(onWarn func(error)) *Hub {
	if onWarn == nil {
		onWarn = func(error) {}
	}
	return &Hub{clients: make(map[*websocket.Conn]struct{}), onWarn: onWarn}
}

// Accept registers an already-upgraded WebSocket connection with the hub.
// The caller performs the HTTP upgrade (websocket.Accept) and hands the
// connection in; Accept blocks until the connection closes (it reads pings/close
// frames but ignores any inbound application data — this channel is
// output-only per spec.md §6).
func (h *Hub) Accept(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	ctx := context.Background()
	for {
		_, _, err := conn.Read(ctx)
		if err != nil {
			return
		}
	}
}

func (h *Hub) broadcast(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.onWarn(err)
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			h.onWarn(err)
		}
	}
}

// BroadcastTerminalOutput emits a terminal_output event.
func (h *Hub) BroadcastTerminalOutput(sessionName string, chunk []byte) {
	h.broadcast(Envelope{Type: "terminal_output", Data: terminalOutputData{SessionName: sessionName, Chunk: string(chunk)}})
}

// BroadcastTeamMemberStatus emits a team_member_status event.
func (h *Hub) BroadcastTeamMemberStatus(sessionName, memberID string, status model.AgentStatus, workingStatus, reason string) {
	h.broadcast(Envelope{Type: "team_member_status", Data: teamMemberStatusData{
		SessionName: sessionName, MemberID: memberID, Status: status, WorkingStatus: workingStatus, Reason: reason,
	}})
}

// BroadcastOrchestratorStatus emits an orchestrator_status event.
func (h *Hub) BroadcastOrchestratorStatus(status model.AgentStatus, reason string) {
	h.broadcast(Envelope{Type: "orchestrator_status", Data: orchestratorStatusData{Status: status, Reason: reason}})
}

// BroadcastOrchestratorRestarted emits an orchestrator:restarted event.
func (h *Hub) BroadcastOrchestratorRestarted(totalRestarts int) {
	h.broadcast(Envelope{Type: "orchestrator:restarted", Data: orchestratorRestartedData{TotalRestarts: totalRestarts}})
}

// ClientCount reports the number of currently-connected clients, mainly
// for tests and health reporting.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

