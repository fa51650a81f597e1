package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

// fakeTerminal is a minimal in-memory stand-in for ptyhost.Backend.
type fakeTerminal struct {
	mu      sync.Mutex
	buf     string
	writes  int
	onWrite func(p []byte)
}

func (f *fakeTerminal) Write(sessionName string, p []byte) error {
	f.mu.Lock()
	f.writes++
	if f.onWrite != nil {
		f.onWrite(p)
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeTerminal) CaptureOutput(sessionName string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf, nil
}

func (f *fakeTerminal) setBuf(s string) {
	f.mu.Lock()
	f.buf = s
	f.mu.Unlock()
}

func TestWaitForRuntimeReadySucceeds(t *testing.T) {
	term := &fakeTerminal{}
	svc := NewService(term, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		term.setBuf("Welcome\n? for shortcuts\n")
	}()

	ok, err := svc.WaitForRuntimeReady(context.Background(), "s1", model.RuntimeClaude, 2*time.Second, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected ready")
	}
}

func TestWaitForRuntimeReadyTimesOut(t *testing.T) {
	term := &fakeTerminal{}
	svc := NewService(term, nil)
	ok, err := svc.WaitForRuntimeReady(context.Background(), "s1", model.RuntimeClaude, 100*time.Millisecond, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected timeout (false)")
	}
}

func TestWaitForRuntimeReadyErrorPatternShortensWait(t *testing.T) {
	term := &fakeTerminal{buf: "Invalid API key\n"}
	svc := NewService(term, nil)
	ok, err := svc.WaitForRuntimeReady(context.Background(), "s1", model.RuntimeClaude, 5*time.Second, 10*time.Millisecond)
	if err == nil {
		t.Fatalf("expected error from error pattern")
	}
	if ok {
		t.Fatalf("expected not-ready")
	}
}

func TestDetectGeminiGrowth(t *testing.T) {
	term := &fakeTerminal{buf: "gemini>"}
	term.onWrite = func(p []byte) {
		if string(p) == "/" {
			term.buf += "\n/help /quit /directory ..."
		}
	}
	svc := NewService(term, nil)
	ok, err := svc.DetectRuntime(context.Background(), "s1", model.RuntimeGemini, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected gemini detected")
	}
}

func TestDetectRuntimeCachedAndSingleFlighted(t *testing.T) {
	term := &fakeTerminal{buf: "gemini>"}
	var probes int
	var mu sync.Mutex
	term.onWrite = func(p []byte) {
		if string(p) == "/" {
			mu.Lock()
			probes++
			mu.Unlock()
			term.buf += "xxxxxxxxxx"
		}
	}
	svc := NewService(term, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.DetectRuntime(context.Background(), "s1", model.RuntimeGemini, false)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if probes != 1 {
		t.Fatalf("expected exactly 1 probe across 10 concurrent calls, got %d", probes)
	}
}

func TestInjectFlagsBeforeMarker(t *testing.T) {
	got := injectFlags("claude --dangerously-skip-permissions", []string{"--model", "opus"})
	want := "claude --model opus --dangerously-skip-permissions"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestInjectFlagsNoMarkerAppends(t *testing.T) {
	got := injectFlags("codex", []string{"--foo"})
	if got != "codex --foo" {
		t.Fatalf("got %q", got)
	}
}

func TestLoadInitLinesStripsCommentsAndBlanks(t *testing.T) {
	lines := loadInitLines("claude")
	if len(lines) == 0 {
		t.Fatalf("expected non-empty init lines for claude")
	}
	for _, l := range lines {
		if l == "" || l[0] == '#' {
			t.Fatalf("unexpected raw line leaked through: %q", l)
		}
	}
}

func TestExecuteRuntimeInitScriptWritesCdFirst(t *testing.T) {
	term := &fakeTerminal{}
	var first string
	var n int
	term.onWrite = func(p []byte) {
		if n == 0 {
			first = string(p)
		}
		n++
	}
	svc := NewService(term, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Use a tiny sleep by overriding via short timeout is not directly
	// possible since ExecuteRuntimeInitScript sleeps 500ms per line; just
	// verify the first write is the cd.
	done := make(chan error, 1)
	go func() { done <- svc.ExecuteRuntimeInitScript(ctx, "s1", model.RuntimeClaude, "/tmp/proj", nil) }()
	select {
	case err := <-done:
		if err != nil && err != context.DeadlineExceeded {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
	}
	want := fmt.Sprintf("cd %q\r", "/tmp/proj")
	if first != want {
		t.Fatalf("got first write %q, want %q", first, want)
	}
}
