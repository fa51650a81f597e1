package exitmon

import (
	"sync"
	"testing"
	"time"

	"github.com/agentmux/supervisor/internal/supervisor/model"
	"github.com/agentmux/supervisor/internal/supervisor/runtime"
)

type fakeTerm struct {
	mu       sync.Mutex
	alive    bool
	captures []string
	capIdx   int
}

func (f *fakeTerm) IsChildProcessAlive(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeTerm) CaptureOutput(string, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.captures) == 0 {
		return "", nil
	}
	idx := f.capIdx
	if idx >= len(f.captures) {
		idx = len(f.captures) - 1
	}
	f.capIdx++
	return f.captures[idx], nil
}

func (f *fakeTerm) setAlive(v bool) {
	f.mu.Lock()
	f.alive = v
	f.mu.Unlock()
}

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]func(string, []byte)
	unsubbed map[string]bool
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: make(map[string]func(string, []byte)), unsubbed: make(map[string]bool)}
}

func (f *fakeSubscriber) Subscribe(sessionName string, h func(string, []byte)) (func(), bool) {
	f.mu.Lock()
	f.handlers[sessionName] = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.unsubbed[sessionName] = true
		f.mu.Unlock()
	}, true
}

func (f *fakeSubscriber) push(sessionName string, chunk []byte) {
	f.mu.Lock()
	h := f.handlers[sessionName]
	f.mu.Unlock()
	if h != nil {
		h(sessionName, chunk)
	}
}

func recordingExitHandler() (ExitHandler, func() []string) {
	var mu sync.Mutex
	var reasons []string
	return func(sessionName, reason string) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		}, func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), reasons...)
		}
}

func TestPatternMatchWithShellPromptTriggersExit(t *testing.T) {
	term := &fakeTerm{alive: true}
	sub := newFakeSubscriber()
	handler, reasons := recordingExitHandler()
	m := New(term, sub, nil, handler)

	m.Watch("s1", model.RuntimeClaude)
	sub.push("s1", []byte("claude: command not found\nuser@host:~$ "))

	time.Sleep(ConfirmDebounce + 100*time.Millisecond)

	got := reasons()
	if len(got) != 1 || got[0] != ReasonPatternMatch {
		t.Fatalf("expected one pattern_match exit, got %v", got)
	}
}

func TestPatternMatchWithoutCorroborationDoesNotExit(t *testing.T) {
	term := &fakeTerm{alive: true}
	sub := newFakeSubscriber()
	handler, reasons := recordingExitHandler()
	m := New(term, sub, nil, handler)

	m.Watch("s1", model.RuntimeClaude)
	// "claude: command not found" matches an exit pattern but there is no
	// shell-prompt corroboration and the pattern isn't Force, so this must
	// be treated as a legitimate in-conversation mention, not an exit.
	sub.push("s1", []byte("the user asked about claude: command not found errors in bash scripts"))

	time.Sleep(ConfirmDebounce + 100*time.Millisecond)

	if got := reasons(); len(got) != 0 {
		t.Fatalf("expected no exit without corroboration, got %v", got)
	}
}

func TestForcePatternBypassesCorroboration(t *testing.T) {
	term := &fakeTerm{alive: true}
	sub := newFakeSubscriber()
	handler, reasons := recordingExitHandler()
	m := New(term, sub, nil, handler)

	m.Watch("s1", model.RuntimeGemini)
	// Move the session past Gemini's StartupGrace so the match is not
	// suppressed as a startup banner.
	m.mu.Lock()
	m.sessions["s1"].startTime = time.Now().Add(-time.Minute)
	m.mu.Unlock()
	sub.push("s1", []byte("auto-update in progress, please wait"))

	time.Sleep(ConfirmDebounce + 100*time.Millisecond)

	got := reasons()
	if len(got) != 1 || got[0] != ReasonPatternMatch {
		t.Fatalf("expected force pattern to trigger exit without corroboration, got %v", got)
	}
}

func TestChildDeadExitIsIdempotent(t *testing.T) {
	term := &fakeTerm{alive: true}
	sub := newFakeSubscriber()
	handler, reasons := recordingExitHandler()
	m := New(term, sub, nil, handler)

	m.mu.Lock()
	m.sessions["s1"] = &monitoredSession{sessionName: "s1", runtimeType: model.RuntimeClaude, rolling: newByteRing(1024), startTime: time.Now().Add(-ProcessPollGracePeriod - time.Second)}
	m.mu.Unlock()

	ms := m.sessions["s1"]
	term.setAlive(false)
	m.triggerExit(ms, ReasonChildDead)

	if got := reasons(); len(got) != 1 || got[0] != ReasonChildDead {
		t.Fatalf("expected one child_dead exit, got %v", got)
	}

	// A second call must be a no-op (idempotent exit).
	m.triggerExit(ms, ReasonChildDead)
	if got := reasons(); len(got) != 1 {
		t.Fatalf("expected triggerExit to be idempotent, got %v", got)
	}
}

func TestGeminiFailureRetryRecoversWithoutExit(t *testing.T) {
	term := &fakeTerm{alive: true, captures: []string{"still loading", "Type your message to begin"}}
	sub := newFakeSubscriber()
	handler, reasons := recordingExitHandler()
	m := New(term, sub, nil, handler)

	ms := &monitoredSession{
		sessionName: "s1",
		runtimeType: model.RuntimeGemini,
		capability:  mustGemini(m),
		rolling:     newByteRing(1024),
		startTime:   time.Now(),
	}

	m.geminiFailureRetry(ms)

	if got := reasons(); len(got) != 0 {
		t.Fatalf("expected recovery to avoid exit, got %v", got)
	}
	ms.mu.Lock()
	retries := ms.geminiFailureRetries
	ms.mu.Unlock()
	if retries != 0 {
		t.Fatalf("expected retry counter reset to 0 after recovery, got %d", retries)
	}
}

func TestGeminiFailureRetryExhaustionTriggersExit(t *testing.T) {
	term := &fakeTerm{alive: true, captures: []string{"still loading"}}
	sub := newFakeSubscriber()
	handler, reasons := recordingExitHandler()
	m := New(term, sub, nil, handler)

	ms := &monitoredSession{
		sessionName: "s1",
		runtimeType: model.RuntimeGemini,
		capability:  mustGemini(m),
		rolling:     newByteRing(1024),
		startTime:   time.Now(),
		geminiFailureRetries: GeminiMaxRetries,
	}

	m.geminiFailureRetry(ms)

	got := reasons()
	if len(got) != 1 || got[0] != ReasonGeminiUnresponsive {
		t.Fatalf("expected gemini_unresponsive exit after exhausting retries, got %v", got)
	}
}

func mustGemini(m *Monitor) runtime.Capability {
	c, _ := m.registry.Lookup(model.RuntimeGemini)
	return c
}
