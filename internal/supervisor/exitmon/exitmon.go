// Package exitmon is the Exit Monitor (spec.md §4.6): it watches PTY
// output and child-process liveness, applies grace periods and a
// confirmation debounce, and invokes recovery once an exit is confirmed.
// Grounded on the teacher's startupWatchdog (internal/egg/server.go) for
// the "nothing happened within N seconds" shape, generalized to the fuller
// pattern+liveness state machine spec.md requires.
package exitmon

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agentmux/supervisor/internal/supervisor/model"
	"github.com/agentmux/supervisor/internal/supervisor/runtime"
)

const (
	// RollingBufferSize is the Exit Monitor's per-session rolling output
	// window (spec.md §3).
	RollingBufferSize = 64 * 1024

	// ConfirmDebounce is how long a pattern match waits for corroboration
	// before confirmAndReact runs (spec.md §4.6).
	ConfirmDebounce = 500 * time.Millisecond

	// ProcessPollInterval is how often liveness is polled.
	ProcessPollInterval = 5 * time.Second

	// ProcessPollGracePeriod ignores liveness-poll results for this long
	// after session creation.
	ProcessPollGracePeriod = 30 * time.Second

	// GeminiMaxRetries bounds the failure-retry loop.
	GeminiMaxRetries = 5
	// GeminiInitialBackoff/Multiplier/MaxBackoff parameterize the
	// exponential backoff between failure-retry re-captures.
	GeminiInitialBackoff = 1 * time.Second
	GeminiBackoffMultiplier = 2
	GeminiMaxBackoff        = 30 * time.Second
)

// Reason values passed to ExitHandler.
const (
	ReasonPatternMatch     = "pattern_match"
	ReasonChildDead        = "child_dead"
	ReasonGeminiUnresponsive = "gemini_unresponsive"
)

// Terminal is the slice of the Session Backend the monitor needs to poll
// liveness and re-capture output during Gemini failure-retry.
type Terminal interface {
	IsChildProcessAlive(sessionName string) bool
	CaptureOutput(sessionName string, lines int) (string, error)
}

// Subscriber lets the monitor attach to a session's PTY data stream.
type Subscriber interface {
	Subscribe(sessionName string, handler func(sessionName string, chunk []byte)) (unsubscribe func(), ok bool)
}

// ExitHandler reacts to a confirmed exit. Implementations must be
// idempotent-tolerant: the monitor already guards against duplicate calls
// for the same exit, but a second independent Watch on an already-exited
// session could still invoke it once more.
type ExitHandler func(sessionName, reason string)

type monitoredSession struct {
	sessionName string
	runtimeType model.RuntimeType
	capability  runtime.Capability

	rolling   *byteRing
	startTime time.Time

	mu                     sync.Mutex
	exitDetected           bool
	geminiFailureRetries   int
	lastExitPatternMatchAt time.Time
	debounceTimer          *time.Timer
	pendingPattern         runtime.ExitPattern

	unsubscribe func()
	pollCancel  context.CancelFunc
}

// Monitor watches one or more sessions for exit/stuck conditions.
type Monitor struct {
	term       Terminal
	subscriber Subscriber
	registry   *runtime.Registry
	onExit     ExitHandler

	mu       sync.Mutex
	sessions map[string]*monitoredSession
}

// New creates a Monitor. onExit is called once per Watch of a session after
// an exit is confirmed, per the debounce/confirmAndReact rules.
func New(term Terminal, subscriber Subscriber, registry *runtime.Registry, onExit ExitHandler) *Monitor {
	if registry == nil {
		registry = runtime.DefaultRegistry()
	}
	return &Monitor{term: term, subscriber: subscriber, registry: registry, onExit: onExit, sessions: make(map[string]*monitoredSession)}
}

// Watch begins monitoring sessionName as runtimeType: subscribes to its PTY
// output, starts the rolling buffer, and starts the process-liveness
// poller.
func (m *Monitor) Watch(sessionName string, runtimeType model.RuntimeType) {
	cap, _ := m.registry.Lookup(runtimeType)

	ms := &monitoredSession{
		sessionName: sessionName,
		runtimeType: runtimeType,
		capability:  cap,
		rolling:     newByteRing(RollingBufferSize),
		startTime:   time.Now(),
	}

	unsub, ok := m.subscriber.Subscribe(sessionName, func(_ string, chunk []byte) {
		m.onData(ms, chunk)
	})
	if ok {
		ms.unsubscribe = unsub
	}

	ctx, cancel := context.WithCancel(context.Background())
	ms.pollCancel = cancel
	go m.pollLoop(ctx, ms)

	m.mu.Lock()
	m.sessions[sessionName] = ms
	m.mu.Unlock()
}

// Forget stops monitoring a session without treating it as an exit (e.g.
// the caller is tearing the session down deliberately).
func (m *Monitor) Forget(sessionName string) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionName]
	delete(m.sessions, sessionName)
	m.mu.Unlock()
	if ok {
		m.stop(ms)
	}
}

func (m *Monitor) stop(ms *monitoredSession) {
	if ms.unsubscribe != nil {
		ms.unsubscribe()
	}
	if ms.pollCancel != nil {
		ms.pollCancel()
	}
	ms.mu.Lock()
	if ms.debounceTimer != nil {
		ms.debounceTimer.Stop()
	}
	ms.mu.Unlock()
}

func (m *Monitor) onData(ms *monitoredSession, chunk []byte) {
	ms.rolling.Write(chunk)

	if time.Since(ms.startTime) < ms.capability.StartupGrace {
		return
	}

	text := ms.rolling.String()
	for _, pat := range ms.capability.ExitPatterns {
		if !pat.Regexp.MatchString(text) {
			continue
		}
		ms.mu.Lock()
		ms.lastExitPatternMatchAt = time.Now()
		ms.pendingPattern = pat
		if ms.debounceTimer != nil {
			ms.debounceTimer.Stop()
		}
		ms.debounceTimer = time.AfterFunc(ConfirmDebounce, func() {
			m.confirmAndReact(ms)
		})
		ms.mu.Unlock()
		return // first matching pattern wins this chunk
	}
}

// confirmAndReact implements spec.md §4.6's post-debounce decision: Gemini
// failure-retry semantics, the force bypass, or the shell-prompt
// corroboration check.
func (m *Monitor) confirmAndReact(ms *monitoredSession) {
	ms.mu.Lock()
	pat := ms.pendingPattern
	already := ms.exitDetected
	ms.mu.Unlock()
	if already {
		return
	}

	if ms.runtimeType == model.RuntimeGemini && pat.FailureRetry {
		go m.geminiFailureRetry(ms)
		return
	}

	if pat.Force || containsShellPrompt(ms.rolling.String()) {
		m.triggerExit(ms, ReasonPatternMatch)
	}
	// Otherwise: legitimate mid-conversation mention of the phrase. Do
	// nothing, per spec.md §4.6 step 2.
}

func containsShellPrompt(s string) bool {
	return strings.Contains(s, "$") || strings.Contains(s, "#") || strings.Contains(s, "user@host:")
}

// geminiFailureRetry implements spec.md §4.6's Gemini failure-retry
// semantics: back off, re-capture, and either reset the counter (runtime
// recovered) or keep retrying until GeminiMaxRetries is exhausted, at which
// point it falls through to the standard exit handler.
func (m *Monitor) geminiFailureRetry(ms *monitoredSession) {
	ms.mu.Lock()
	ms.geminiFailureRetries++
	n := ms.geminiFailureRetries
	ms.mu.Unlock()

	if n > GeminiMaxRetries {
		m.triggerExit(ms, ReasonGeminiUnresponsive)
		return
	}

	backoff := GeminiInitialBackoff
	for i := 1; i < n; i++ {
		backoff *= GeminiBackoffMultiplier
		if backoff > GeminiMaxBackoff {
			backoff = GeminiMaxBackoff
			break
		}
	}
	time.Sleep(backoff)

	out, err := m.term.CaptureOutput(ms.sessionName, 0)
	if err == nil {
		for _, ready := range ms.capability.ReadyPatterns {
			if strings.Contains(out, ready) {
				ms.mu.Lock()
				ms.geminiFailureRetries = 0
				ms.mu.Unlock()
				return
			}
		}
	}
	// Still not ready: recurse to try again (bounded by GeminiMaxRetries).
	m.geminiFailureRetry(ms)
}

func (m *Monitor) pollLoop(ctx context.Context, ms *monitoredSession) {
	ticker := time.NewTicker(ProcessPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(ms.startTime) < ProcessPollGracePeriod {
				continue
			}
			if !m.term.IsChildProcessAlive(ms.sessionName) {
				m.triggerExit(ms, ReasonChildDead)
				return
			}
		}
	}
}

// triggerExit implements the idempotent exit handler entry (spec.md §4.6
// steps 1-2): the first caller wins, stops the poller, and unsubscribes;
// everything after is delegated to the injected ExitHandler.
func (m *Monitor) triggerExit(ms *monitoredSession, reason string) {
	ms.mu.Lock()
	if ms.exitDetected {
		ms.mu.Unlock()
		return
	}
	ms.exitDetected = true
	ms.mu.Unlock()

	m.stop(ms)

	if m.onExit != nil {
		m.onExit(ms.sessionName, reason)
	}
}
