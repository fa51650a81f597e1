// Package status implements the Status Evaluator (spec.md §4.9): the single
// source of truth for what an external observer should see as a session's
// agent status, reconciling the stored value against the live PTY and
// child-process liveness.
package status

import (
	"github.com/agentmux/supervisor/internal/supervisor/model"
)

// Store is the slice of the Session State Store the evaluator needs.
type Store interface {
	GetAgentStatus(sessionName string) model.AgentStatus
	UpdateAgentStatus(sessionName string, from, to model.AgentStatus) bool
}

// Sessions is the slice of the Session Backend the evaluator needs.
type Sessions interface {
	SessionExists(name string) bool
	IsChildProcessAlive(name string) bool
}

// Result is the effective status plus an optional human-facing note (e.g.
// "starting up" for the transient states).
type Result struct {
	Status  model.AgentStatus
	Message string
}

// Evaluator derives effective status per the five ordered rules in
// spec.md §4.9.
type Evaluator struct {
	store    Store
	sessions Sessions

	onActivated func(sessionName string)
}

func New(store Store, sessions Sessions) *Evaluator {
	return &Evaluator{store: store, sessions: sessions}
}

// SetOnActivated registers a hook fired when Effective's self-heal rule
// (rule 2) flips a session's stored status from inactive to active. The
// Sub-Agent Message Queue's drain (spec.md §4.8) is wired through here: a
// session only becomes eligible to have its queued messages flushed at
// the moment it is observed to have actually come back up.
func (e *Evaluator) SetOnActivated(hook func(sessionName string)) {
	e.onActivated = hook
}

// Effective computes the effective status for a session, applying
// self-healing writes to the store where the rules call for it.
func (e *Evaluator) Effective(sessionName string) Result {
	stored := e.store.GetAgentStatus(sessionName)
	ptyExists := e.sessions.SessionExists(sessionName)

	// Rule 1: stored active but PTY gone -> inactive.
	if stored == model.StatusActive && !ptyExists {
		e.store.UpdateAgentStatus(sessionName, stored, model.StatusInactive)
		return Result{Status: model.StatusInactive}
	}

	// Rule 2: stored inactive but PTY exists and child alive -> self-heal.
	if stored == model.StatusInactive && ptyExists && e.sessions.IsChildProcessAlive(sessionName) {
		e.store.UpdateAgentStatus(sessionName, stored, model.StatusActive)
		if e.onActivated != nil {
			e.onActivated(sessionName)
		}
		return Result{Status: model.StatusActive}
	}

	// Rule 3: stored started and PTY exists -> active (report only).
	if stored == model.StatusStarted && ptyExists {
		return Result{Status: model.StatusActive}
	}

	// Rule 4: transient states without a PTY -> report the transient state.
	if !ptyExists && (stored == model.StatusStarting || stored == model.StatusActivating || stored == model.StatusStarted) {
		return Result{Status: stored, Message: "starting up"}
	}

	// Rule 5: otherwise, report as stored.
	return Result{Status: stored}
}
