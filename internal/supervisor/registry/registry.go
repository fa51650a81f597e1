// Package registry is the Agent Registration Service (spec.md §4.5): it
// creates, tears down, and messages agent sessions, combining the Session
// Backend, Runtime Service, and Team State Store into the lifecycle
// operations the rest of the supervisor calls. Grounded on the teacher's
// internal/egg/server.go for the spawn-then-wait-for-ready shape and on
// internal/ws/client.go's write-then-verify retry pattern for the two-stage
// message send.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentmux/supervisor/internal/supervisor/model"
	"github.com/agentmux/supervisor/internal/supervisor/msgqueue"
	"github.com/agentmux/supervisor/internal/supervisor/ptyhost"
	"github.com/agentmux/supervisor/internal/supervisor/runtime"
	"github.com/agentmux/supervisor/internal/supervisor/statestore"
	"github.com/agentmux/supervisor/internal/supervisor/sverr"
)

// Default timing parameters, per spec.md §4.5.
const (
	DefaultReadyTimeout  = 60 * time.Second
	DefaultReadyInterval = 2 * time.Second

	// sendRetries is the number of retries after the initial attempt, for
	// a total of sendRetries+1 tries, per spec.md §4.5's "retry up to 3
	// times with exponential backoff".
	sendRetries = 3
	// sendBackoffBase and sendBackoffMax bound the 1s/2s/4s capped
	// exponential backoff between retries.
	sendBackoffBase = 1 * time.Second
	sendBackoffMax  = 4 * time.Second

	// minEchoDelay/maxEchoDelay bound the scaled pause between writing the
	// payload and submitting it: min(1000 + ceil(len/10), 5000) ms.
	minEchoDelay = 1000 * time.Millisecond
	maxEchoDelay = 5000 * time.Millisecond

	// backupEnterDelay is the pause before the backup carriage return
	// that guards against a paste-mode race swallowing the first one.
	backupEnterDelay = 500 * time.Millisecond

	// echoVerifyLen is the number of leading payload characters checked
	// against the post-submit capture.
	echoVerifyLen = 64
)

// StatusStore is the Team State Store slice the registry needs.
type StatusStore interface {
	UpdateAgentStatus(sessionName string, from, to model.AgentStatus) bool
	SaveSessionRecord(rec statestore.SessionRecord)
	RemoveSessionRecord(sessionName string)
}

// Memory is the best-effort memory boundary (spec.md §6).
type Memory interface {
	InitializeForSession(ctx context.Context, sessionName string, role model.Role, projectPath string) error
	OnSessionEnd(ctx context.Context, sessionName string, role model.Role, lastCaptureText string) error
}

// CheckInCanceller cancels any scheduled check-ins for a session on
// termination (spec.md §4.5 step "terminateAgentSession").
type CheckInCanceller interface {
	CancelForSession(sessionName string)
}

// Service is the Agent Registration Service.
type Service struct {
	backend  *ptyhost.Backend
	runtimes *runtime.Service
	store    StatusStore
	memory   Memory
	checkins CheckInCanceller
	queue    *msgqueue.Queue

	shellCommand string
	onStarted    func(sessionName string, rt model.RuntimeType)
}

// New builds a Service. memory and checkins may be nil (best-effort /
// optional). shellCommand overrides the command used to launch a session's
// PTY-hosted shell before the runtime's init script runs; empty defaults to
// "/bin/bash".
func New(backend *ptyhost.Backend, runtimes *runtime.Service, store StatusStore, memory Memory, checkins CheckInCanceller, queue *msgqueue.Queue, shellCommand string) *Service {
	if shellCommand == "" {
		shellCommand = "/bin/bash"
	}
	return &Service{backend: backend, runtimes: runtimes, store: store, memory: memory, checkins: checkins, queue: queue, shellCommand: shellCommand}
}

// SetOnStarted registers a hook invoked once a session reaches Started,
// before post-init runs. The Exit Monitor's Watch is wired through here so
// every newly-registered agent is monitored for exit/crash conditions.
func (s *Service) SetOnStarted(hook func(sessionName string, rt model.RuntimeType)) {
	s.onStarted = hook
}

// CreateAgentSession implements spec.md §4.5's createAgentSession: if a
// session by this name already exists it is killed and recreated (rather
// than reused), then a PTY-hosted shell is spawned, the runtime's init
// script is executed, and the caller waits for readiness before marking the
// agent Started.
func (s *Service) CreateAgentSession(ctx context.Context, sessionName string, rt model.RuntimeType, role model.Role, projectPath string) error {
	const op = "registry.CreateAgentSession"

	if s.backend.SessionExists(sessionName) {
		if err := s.backend.KillSession(sessionName); err != nil {
			return sverr.Wrap(op, sverr.SpawnError, err)
		}
	}

	s.store.UpdateAgentStatus(sessionName, "", model.StatusStarting)

	_, err := s.backend.CreateSession(ptyhost.Config{
		SessionName: sessionName,
		Command:     s.shellCommand,
		Cwd:         projectPath,
	})
	if err != nil {
		s.store.UpdateAgentStatus(sessionName, model.StatusStarting, model.StatusInactive)
		return sverr.Wrap(op, sverr.SpawnError, err)
	}

	if err := s.runtimes.ExecuteRuntimeInitScript(ctx, sessionName, rt, projectPath, nil); err != nil {
		s.store.UpdateAgentStatus(sessionName, model.StatusStarting, model.StatusInactive)
		return sverr.Wrap(op, sverr.SpawnError, err)
	}

	ready, err := s.runtimes.WaitForRuntimeReady(ctx, sessionName, rt, DefaultReadyTimeout, DefaultReadyInterval)
	if err != nil {
		s.store.UpdateAgentStatus(sessionName, model.StatusStarting, model.StatusInactive)
		return sverr.Wrap(op, sverr.NotReady, err)
	}
	if !ready {
		s.store.UpdateAgentStatus(sessionName, model.StatusStarting, model.StatusInactive)
		return sverr.New(op, sverr.NotReady)
	}

	s.store.UpdateAgentStatus(sessionName, model.StatusStarting, model.StatusStarted)
	if s.onStarted != nil {
		s.onStarted(sessionName, rt)
	}

	if err := s.runtimes.PostInitialize(ctx, sessionName, rt, projectPath); err != nil {
		// Post-init failures (e.g. Gemini's /directory add) are recorded
		// but don't unwind an otherwise-healthy session, per spec.md §7.
		_ = err
	}

	s.store.SaveSessionRecord(statestore.SessionRecord{
		SessionName: sessionName, RuntimeType: rt, Role: role, ProjectPath: projectPath,
	})

	if s.memory != nil {
		if err := s.memory.InitializeForSession(ctx, sessionName, role, projectPath); err != nil {
			_ = err // best-effort, per spec.md §6
		}
	}

	return nil
}

// TerminateAgentSession implements spec.md §4.5's terminateAgentSession:
// kill the PTY, cancel any scheduled check-ins, snapshot memory, and mark
// the agent Inactive.
func (s *Service) TerminateAgentSession(ctx context.Context, sessionName string, role model.Role) error {
	const op = "registry.TerminateAgentSession"

	var lastCapture string
	if out, err := s.backend.CaptureOutput(sessionName, 200); err == nil {
		lastCapture = out
	}

	if err := s.backend.KillSession(sessionName); err != nil && sverr.KindOf(err) != sverr.SessionNotFound {
		return sverr.Wrap(op, sverr.SpawnError, err)
	}

	if s.checkins != nil {
		s.checkins.CancelForSession(sessionName)
	}
	if s.queue != nil {
		s.queue.Clear(sessionName)
	}

	if s.memory != nil {
		if err := s.memory.OnSessionEnd(ctx, sessionName, role, lastCapture); err != nil {
			_ = err
		}
	}

	s.store.UpdateAgentStatus(sessionName, "", model.StatusInactive)
	s.store.RemoveSessionRecord(sessionName)
	return nil
}

// symbolicKeys maps the symbolic key names spec.md §4.5 names to the VT
// escape/control sequences a PTY expects.
var symbolicKeys = map[string]string{
	"enter":     "\r",
	"return":    "\r",
	"escape":    "\x1b",
	"tab":       "\t",
	"backspace": "\x7f",
	"delete":    "\x1b[3~",
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"left":      "\x1b[D",
	"right":     "\x1b[C",
	"home":      "\x1b[H",
	"end":       "\x1b[F",
	"pageup":    "\x1b[5~",
	"pagedown":  "\x1b[6~",
	"c-c":       "\x03",
	"c-d":       "\x04",
	"c-z":       "\x1a",
	"c-l":       "\x0c",
	"ctrl-c":    "\x03",
}

// SendKeyToAgent writes the escape/control sequence for a named key
// (spec.md §4.5's sendKeyToAgent).
func (s *Service) SendKeyToAgent(sessionName, key string) error {
	const op = "registry.SendKeyToAgent"
	seq, ok := symbolicKeys[strings.ToLower(key)]
	if !ok {
		return sverr.New(op, sverr.InvalidInput)
	}
	if err := s.backend.Write(sessionName, []byte(seq)); err != nil {
		return sverr.Wrap(op, sverr.SessionDead, err)
	}
	return nil
}

// SendCommandToAgent writes a raw command payload followed by a bare
// Enter, for model.ModeCommand traffic (spec.md §4.8). Unlike
// SendMessageToAgent it makes no attempt at paste-safe echo verification:
// commands are short, typed text a shell prompt is always ready for.
func (s *Service) SendCommandToAgent(sessionName, payload string) error {
	const op = "registry.SendCommandToAgent"
	if !s.backend.SessionExists(sessionName) {
		return sverr.New(op, sverr.SessionNotFound)
	}
	if err := s.backend.Write(sessionName, []byte(payload)); err != nil {
		return sverr.Wrap(op, sverr.SessionDead, err)
	}
	return s.backend.Write(sessionName, []byte("\r"))
}

// SendMessageToAgent implements spec.md §4.5's reliable two-stage
// paste-safe write: the payload is written without a trailing newline, a
// length-scaled pause gives a TUI's paste-mode buffer time to settle, a
// carriage return submits it, a second backup carriage return follows
// ~500ms later to cover a paste-mode race that can swallow the first one,
// and only then is the echo verified by substring match against the
// payload's leading characters. A failed verification is retried up to
// sendRetries times with exponential backoff (1s/2s/4s, capped); if every
// attempt fails, SendMessageToAgent returns sverr.StuckAgent.
func (s *Service) SendMessageToAgent(ctx context.Context, sessionName, payload string) error {
	const op = "registry.SendMessageToAgent"

	if !s.backend.SessionExists(sessionName) {
		return sverr.New(op, sverr.SessionNotFound)
	}

	backoff := NewSendBackoff()
	var lastErr error
	for attempt := 0; attempt <= sendRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff.Next()); err != nil {
				return err
			}
		}

		if err := s.backend.Write(sessionName, []byte(payload)); err != nil {
			lastErr = err
			continue
		}
		if err := sleepCtx(ctx, scaledEchoDelay(payload)); err != nil {
			return err
		}
		if err := s.backend.Write(sessionName, []byte("\r")); err != nil {
			lastErr = err
			continue
		}
		if err := sleepCtx(ctx, backupEnterDelay); err != nil {
			return err
		}
		if err := s.backend.Write(sessionName, []byte("\r")); err != nil {
			lastErr = err
			continue
		}

		out, err := s.backend.CaptureOutput(sessionName, 20)
		if err != nil {
			lastErr = err
			continue
		}
		if strings.Contains(out, echoPrefix(payload)) {
			return nil
		}
		lastErr = fmt.Errorf("echo not observed for session %s on attempt %d", sessionName, attempt+1)
	}
	return sverr.Wrap(op, sverr.StuckAgent, lastErr)
}

// scaledEchoDelay returns min(1000ms + ceil(len(payload)/10)ms, 5000ms), the
// spec.md §4.5 pause between writing a payload and submitting it.
func scaledEchoDelay(payload string) time.Duration {
	ceilTenth := (len(payload) + 9) / 10
	d := minEchoDelay + time.Duration(ceilTenth)*time.Millisecond
	if d > maxEchoDelay {
		return maxEchoDelay
	}
	return d
}

// echoPrefix returns the leading echoVerifyLen characters of payload, the
// substring spec.md §4.5 checks for in the post-submit capture.
func echoPrefix(payload string) string {
	if len(payload) > echoVerifyLen {
		return payload[:echoVerifyLen]
	}
	return payload
}

// NewSendBackoff builds the 1s/2s/4s-capped backoff SendMessageToAgent
// retries with.
func NewSendBackoff() *Backoff {
	return &Backoff{base: sendBackoffBase, max: sendBackoffMax}
}

// Backoff is a small exponential-doubling delay generator, mirroring the
// shape of restart.Backoff without importing the restart package.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func (b *Backoff) Next() time.Duration {
	d := b.base << b.attempt
	if d <= 0 || d > b.max {
		d = b.max
	}
	b.attempt++
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
