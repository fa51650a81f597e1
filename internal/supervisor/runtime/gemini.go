package runtime

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

// geminiLengthDelta is the minimum growth in captured output that counts as
// evidence the command palette opened, per spec.md §4.4.
const geminiLengthDelta = 6

func geminiCapability() Capability {
	return Capability{
		Name:          model.RuntimeGemini,
		ReadyPatterns: []string{"Type your message", "gemini>"},
		ErrorPatterns: []string{"API key not valid", "PERMISSION_DENIED"},
		ExitPatterns: []ExitPattern{
			{Regexp: regexp.MustCompile(`RESOURCE_EXHAUSTED`), FailureRetry: true},
			{Regexp: regexp.MustCompile(`(?i)connection error`), FailureRetry: true},
			{Regexp: regexp.MustCompile(`(?i)request cancelled`), FailureRetry: true},
			{Regexp: regexp.MustCompile(`(?i)auto-update`), Force: true},
			{Regexp: regexp.MustCompile(`(?i)gemini: command not found`)},
		},
		InitLines:    loadInitLines("gemini"),
		Detect:       detectGemini,
		PostInit:     geminiPostInit,
		StartupGrace: 3 * time.Second,
	}
}

// detectGemini captures current output, sends '/' to open the command
// palette, captures again, and declares the runtime running iff the new
// capture grew by at least geminiLengthDelta bytes. It undoes the probe
// with a Backspace — never Ctrl+C or Escape, which would quit the TUI or
// defocus it permanently — per spec.md §4.4.
func detectGemini(ctx context.Context, term Terminal, sessionName string) (bool, error) {
	before, err := term.CaptureOutput(sessionName, 0)
	if err != nil {
		return false, err
	}
	if err := term.Write(sessionName, []byte("/")); err != nil {
		return false, err
	}
	if err := sleepCtx(ctx, 200*time.Millisecond); err != nil {
		return false, err
	}
	after, err := term.CaptureOutput(sessionName, 0)
	if err != nil {
		return false, err
	}

	// Undo regardless of outcome so we never leave '/' sitting in the
	// input line.
	_ = term.Write(sessionName, []byte{0x7f}) // Backspace

	return len(after)-len(before) >= geminiLengthDelta, nil
}

// geminiPostInit waits for the auto-update banner to settle, then issues
// "/directory add <path> " for the target project path, retrying up to 3
// times using output-length delta to verify success. It adds no other
// directory (neither the agentmux home nor the runtime's project root) and
// writes no MCP config file.
func geminiPostInit(ctx context.Context, svc *Service, sessionName, targetProjectPath string) error {
	if err := sleepCtx(ctx, 3*time.Second); err != nil {
		return err
	}

	paths := []string{targetProjectPath}
	for _, p := range paths {
		if err := addDirectoryWithRetry(ctx, svc.term, sessionName, p); err != nil {
			return err
		}
	}
	return nil
}

func addDirectoryWithRetry(ctx context.Context, term Terminal, sessionName, path string) error {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		before, _ := term.CaptureOutput(sessionName, 0)
		cmd := fmt.Sprintf("/directory add %s ", path)
		if err := term.Write(sessionName, []byte(cmd)); err != nil {
			lastErr = err
			continue
		}
		if err := sleepCtx(ctx, 2*time.Second); err != nil {
			return err
		}
		after, _ := term.CaptureOutput(sessionName, 0)
		if len(after) > len(before) {
			return nil
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("runtime: gemini postInit: directory add for %q did not verify after %d attempts", path, attempts)
}
