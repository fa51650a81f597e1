// Package iface collects the external collaborator interfaces the
// supervisor core consumes (spec.md §6): storage, memory, task tracking,
// notification, and suspend-rehydration. These are deliberately small,
// data-free Go interfaces — mirroring the teacher's internal/interfaces
// package — so the core can be tested against hand-rolled fakes in each
// package's tests without pulling in the real git/Slack/storage implementations, which are
// explicit non-goals of this spec.
package iface

import (
	"context"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

// Memory is the best-effort memory boundary (spec.md §6): failures are
// logged and never block lifecycle progression.
type Memory interface {
	InitializeForSession(ctx context.Context, sessionName string, role model.Role, projectPath string) error
	OnSessionEnd(ctx context.Context, sessionName string, role model.Role, lastCaptureText string) error
}

// Task is the minimal shape the Task Tracking interface exposes to the Exit
// Monitor and Restart Controller (spec.md §4.6 step 5).
type Task struct {
	ID          string
	Description string
}

// TaskTracker answers "does this member have in-progress work" for the
// Exit Monitor's orchestrator/non-orchestrator branch.
type TaskTracker interface {
	InProgressTasksForMember(ctx context.Context, teamID, memberID string) ([]Task, error)
}

// Notifier is a best-effort external notification sink (e.g. Slack). A
// failure here is never fatal (spec.md §7).
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// AgentSuspend rehydrates a suspended agent in the background, with its own
// single-flight guard, per spec.md §4.8's gating policy.
type AgentSuspend interface {
	RehydrateAsync(sessionName string)
}

// StatusBroadcaster emits the WebSocket-boundary events from spec.md §6.
type StatusBroadcaster interface {
	BroadcastTeamMemberStatus(sessionName, memberID string, status model.AgentStatus, workingStatus, reason string)
	BroadcastOrchestratorStatus(status model.AgentStatus, reason string)
	BroadcastOrchestratorRestarted(totalRestarts int)
}
