// Package model holds the plain data types shared across the supervisor:
// sessions, agent status, messages, and restart windows. None of these
// types own goroutines or locks of their own — the owning packages
// (ptyhost, statestore, restart, ...) do.
package model

import "time"

// RuntimeType identifies which AI-CLI variant a session is running.
type RuntimeType string

const (
	RuntimeClaude RuntimeType = "claude"
	RuntimeGemini RuntimeType = "gemini"
	RuntimeCodex  RuntimeType = "codex"
)

func (r RuntimeType) Valid() bool {
	switch r {
	case RuntimeClaude, RuntimeGemini, RuntimeCodex:
		return true
	}
	return false
}

// Role is a member's function within a team. Orchestrator is distinguished;
// the rest are free-form but a handful of well-known values are named here.
type Role string

const (
	RoleOrchestrator Role = "orchestrator"
	RoleDeveloper    Role = "developer"
	RoleReviewer     Role = "reviewer"
	RoleTPM          Role = "tpm"
)

// AgentStatus is the tagged lifecycle value stored per session. See
// ValidTransition below for the allowed edges.
type AgentStatus string

const (
	StatusInactive   AgentStatus = "inactive"
	StatusStarting   AgentStatus = "starting"
	StatusStarted    AgentStatus = "started"
	StatusActivating AgentStatus = "activating"
	StatusActive     AgentStatus = "active"
	StatusSuspended  AgentStatus = "suspended"
)

// ValidTransition reports whether moving from "from" to "to" is one of the
// happy-path or failure edges described in spec.md §3. Any state may move
// to Inactive (failure transition); only Active may move to Suspended.
func ValidTransition(from, to AgentStatus) bool {
	if to == StatusInactive {
		return true
	}
	switch from {
	case StatusInactive:
		return to == StatusStarting
	case StatusStarting:
		return to == StatusStarted
	case StatusStarted:
		return to == StatusActivating || to == StatusActive
	case StatusActivating:
		return to == StatusActive
	case StatusActive:
		return to == StatusSuspended
	case StatusSuspended:
		return to == StatusActive
	}
	return false
}

// Session is the metadata record for one live PTY-hosted agent process.
// The PTY handle itself lives in ptyhost.Session; this is the part that is
// safe to copy and log.
type Session struct {
	SessionName     string
	RuntimeType     RuntimeType
	Role            Role
	ProjectPath     string
	ChildPID        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastActivityAt  time.Time
}

// MessageMode distinguishes a raw terminal command from a paste-safe chat
// message (see the two-stage write in spec.md §4.5).
type MessageMode string

const (
	ModeCommand MessageMode = "command"
	ModeMessage MessageMode = "message"
)

// Message is one unit of outbound text destined for a session.
type Message struct {
	ID          string
	SessionName string
	Payload     string
	Mode        MessageMode
	EnqueueAt   time.Time
}

// RestartWindow tracks restart attempts for a single session within the
// rate-limiting cooldown window. Callers must hold their own lock; this
// type has no internal synchronization.
type RestartWindow struct {
	Timestamps    []time.Time
	TotalRestarts int
	LastRestartAt time.Time
	IsRestarting  bool
}

// Prune drops timestamps older than "since" from the front of the window.
func (w *RestartWindow) Prune(since time.Time) {
	i := 0
	for i < len(w.Timestamps) && w.Timestamps[i].Before(since) {
		i++
	}
	if i > 0 {
		w.Timestamps = append([]time.Time(nil), w.Timestamps[i:]...)
	}
}

// CountSince reports how many restarts are recorded at or after "since".
func (w *RestartWindow) CountSince(since time.Time) int {
	w.Prune(since)
	return len(w.Timestamps)
}

// RecordRestart appends a restart timestamp and bumps the lifetime total.
func (w *RestartWindow) RecordRestart(at time.Time) {
	w.Timestamps = append(w.Timestamps, at)
	w.TotalRestarts++
	w.LastRestartAt = at
}
