// Package restart is the Restart Controller (spec.md §4.7): it rate-limits
// and sequences agent and orchestrator restarts after the Exit Monitor
// confirms a process is gone. Grounded on the teacher's internal/ws.Backoff
// (exponential doubling capped at a ceiling) for the retry-delay shape, and
// on internal/egg/server.go's SIGTERM/SIGKILL/respawn sequencing for the
// orchestrator-restart path.
package restart

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentmux/supervisor/internal/supervisor/model"
	"github.com/agentmux/supervisor/internal/supervisor/sverr"
)

// Backoff is an exponential-doubling delay generator capped at Max,
// adapted from the teacher's internal/ws.Backoff.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

func (b *Backoff) Reset() { b.attempt = 0 }

// Default window parameters, per spec.md §4.7: COOLDOWN_WINDOW defaults to
// 60 minutes, MAX_RESTARTS_PER_WINDOW to 3.
const (
	DefaultWindow            = 60 * time.Minute
	DefaultMaxRestarts       = 3
	OrchestratorRestartDelay = 2 * time.Second
)

// AgentLauncher is the slice of the Agent Registration Service the
// Restart Controller drives to bring an agent session back up.
type AgentLauncher interface {
	CreateAgentSession(ctx context.Context, sessionName string, rt model.RuntimeType, role model.Role, projectPath string) error
}

// Memory is the best-effort memory boundary (spec.md §6).
type Memory interface {
	InitializeForSession(ctx context.Context, sessionName string, role model.Role, projectPath string) error
}

// StatusStore is the subset of the Team State Store the controller needs
// to perform the CAS transitions spec.md §3 requires around a restart.
type StatusStore interface {
	UpdateAgentStatus(sessionName string, from, to model.AgentStatus) bool
	GetAgentStatus(sessionName string) model.AgentStatus
}

// Notifier is the best-effort external notification sink (Slack, etc).
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Broadcaster emits the WebSocket-boundary restart events (spec.md §6).
type Broadcaster interface {
	BroadcastTeamMemberStatus(sessionName, memberID string, status model.AgentStatus, workingStatus, reason string)
	BroadcastOrchestratorRestarted(totalRestarts int)
}

// AuditLog mirrors restart attempts to durable storage for later
// inspection (SPEC_FULL.md's domain-stack sqlite audit mirror). Never
// consulted for decision-making, so a nil AuditLog is always safe.
type AuditLog interface {
	RecordRestart(ctx context.Context, sessionName, role, reason string, succeeded bool) error
}

// Controller rate-limits and performs restarts. Zero value is not usable;
// construct with New.
type Controller struct {
	launcher AgentLauncher
	memory   Memory
	store    StatusStore
	notifier Notifier
	bcast    Broadcaster
	onWarn   func(error)
	audit    AuditLog

	window      time.Duration
	maxRestarts int
	limiter     *rate.Limiter

	mu       sync.Mutex
	windows  map[string]*model.RestartWindow
	backoffs map[string]*Backoff
}

// globalRestartRate caps how often ANY session may relaunch, on top of the
// per-session sliding window above: a burst of several sessions dying at
// once (e.g. a shared dependency outage) still relaunches at a bounded pace
// instead of all at once.
const (
	globalRestartRate  = 1 * time.Second
	globalRestartBurst = 3
)

// New builds a Controller. notifier and bcast may be nil (best-effort /
// optional boundaries); a nil onWarn discards warnings.
func New(launcher AgentLauncher, memory Memory, store StatusStore, notifier Notifier, bcast Broadcaster, onWarn func(error)) *Controller {
	if onWarn == nil {
		onWarn = func(error) {}
	}
	return &Controller{
		launcher: launcher, memory: memory, store: store, notifier: notifier, bcast: bcast, onWarn: onWarn,
		window: DefaultWindow, maxRestarts: DefaultMaxRestarts,
		limiter:  rate.NewLimiter(rate.Every(globalRestartRate), globalRestartBurst),
		windows:  make(map[string]*model.RestartWindow),
		backoffs: make(map[string]*Backoff),
	}
}

// SetAuditLog attaches an optional durable audit mirror; safe to call with
// nil to disable auditing.
func (c *Controller) SetAuditLog(audit AuditLog) {
	c.audit = audit
}

func (c *Controller) recordAudit(ctx context.Context, sessionName, role, reason string, succeeded bool) {
	if c.audit == nil {
		return
	}
	if err := c.audit.RecordRestart(ctx, sessionName, role, reason, succeeded); err != nil {
		c.onWarn(err)
	}
}

func (c *Controller) windowFor(sessionName string) *model.RestartWindow {
	w, ok := c.windows[sessionName]
	if !ok {
		w = &model.RestartWindow{}
		c.windows[sessionName] = w
	}
	return w
}

func (c *Controller) backoffFor(sessionName string) *Backoff {
	b, ok := c.backoffs[sessionName]
	if !ok {
		b = NewBackoff(1*time.Second, 30*time.Second)
		c.backoffs[sessionName] = b
	}
	return b
}

// RestartAgent implements spec.md §4.7's non-orchestrator restart path:
// rate-limit check, non-reentrant guard, status transition to Starting,
// relaunch, memory reinitialize, and status/broadcast bookkeeping.
func (c *Controller) RestartAgent(ctx context.Context, sessionName string, rt model.RuntimeType, role model.Role, projectPath, memberID string) error {
	const op = "restart.RestartAgent"

	c.mu.Lock()
	w := c.windowFor(sessionName)
	now := time.Now()
	if w.IsRestarting {
		c.mu.Unlock()
		return sverr.New(op, sverr.RestartInProgress)
	}
	if w.CountSince(now.Add(-c.window)) >= c.maxRestarts {
		c.mu.Unlock()
		return sverr.New(op, sverr.RateLimited)
	}
	w.IsRestarting = true
	bo := c.backoffFor(sessionName)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		w.IsRestarting = false
		c.mu.Unlock()
	}()

	delay := bo.Next()
	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.store.UpdateAgentStatus(sessionName, c.store.GetAgentStatus(sessionName), model.StatusInactive)
	c.store.UpdateAgentStatus(sessionName, model.StatusInactive, model.StatusStarting)
	if c.bcast != nil {
		c.bcast.BroadcastTeamMemberStatus(sessionName, memberID, model.StatusStarting, "", "restarting")
	}

	if err := c.launcher.CreateAgentSession(ctx, sessionName, rt, role, projectPath); err != nil {
		c.store.UpdateAgentStatus(sessionName, model.StatusStarting, model.StatusInactive)
		c.recordAudit(ctx, sessionName, string(role), "relaunch_failed", false)
		return sverr.Wrap(op, sverr.SpawnError, err)
	}

	if c.memory != nil {
		if err := c.memory.InitializeForSession(ctx, sessionName, role, projectPath); err != nil {
			c.onWarn(err)
		}
	}

	c.mu.Lock()
	w.RecordRestart(time.Now())
	bo.Reset()
	c.mu.Unlock()
	c.recordAudit(ctx, sessionName, string(role), "relaunch_succeeded", true)

	return nil
}

// RestartOrchestrator implements spec.md §4.7's orchestrator path: the same
// non-reentrant guard and window check as RestartAgent, a fixed settle delay, kill-then-recreate on the well-known orchestrator session
// name, best-effort Slack notification, and a restart-count broadcast.
func (c *Controller) RestartOrchestrator(ctx context.Context, sessionName string, projectPath string) error {
	const op = "restart.RestartOrchestrator"

	c.mu.Lock()
	w := c.windowFor(sessionName)
	if w.IsRestarting {
		c.mu.Unlock()
		return sverr.New(op, sverr.RestartInProgress)
	}
	if w.CountSince(time.Now().Add(-c.window)) >= c.maxRestarts {
		c.mu.Unlock()
		return sverr.New(op, sverr.RateLimited)
	}
	w.IsRestarting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		w.IsRestarting = false
		c.mu.Unlock()
	}()

	if err := sleepCtx(ctx, OrchestratorRestartDelay); err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.store.UpdateAgentStatus(sessionName, c.store.GetAgentStatus(sessionName), model.StatusInactive)
	c.store.UpdateAgentStatus(sessionName, model.StatusInactive, model.StatusStarting)

	if err := c.launcher.CreateAgentSession(ctx, sessionName, model.RuntimeClaude, model.RoleOrchestrator, projectPath); err != nil {
		c.store.UpdateAgentStatus(sessionName, model.StatusStarting, model.StatusInactive)
		c.recordAudit(ctx, sessionName, string(model.RoleOrchestrator), "relaunch_failed", false)
		return sverr.Wrap(op, sverr.SpawnError, err)
	}

	if c.memory != nil {
		if err := c.memory.InitializeForSession(ctx, sessionName, model.RoleOrchestrator, projectPath); err != nil {
			c.onWarn(err)
		}
	}

	c.mu.Lock()
	w.RecordRestart(time.Now())
	total := w.TotalRestarts
	c.mu.Unlock()
	c.recordAudit(ctx, sessionName, string(model.RoleOrchestrator), "relaunch_succeeded", true)

	if c.notifier != nil {
		if err := c.notifier.Notify(ctx, "orchestrator restarted"); err != nil {
			c.onWarn(err)
		}
	}
	if c.bcast != nil {
		c.bcast.BroadcastOrchestratorRestarted(total)
	}

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
