package runtime

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

// codexHelpDelta is the minimum growth in captured output that counts as
// evidence the help overlay opened, analogous to Gemini's probe.
const codexHelpDelta = 4

func codexCapability() Capability {
	return Capability{
		Name:          model.RuntimeCodex,
		ReadyPatterns: []string{"Codex", "▌"},
		ErrorPatterns: []string{"failed to authenticate", "quota exceeded"},
		ExitPatterns: []ExitPattern{
			{Regexp: regexp.MustCompile(`(?i)conversation interrupted`), Force: true},
			{Regexp: regexp.MustCompile(`(?i)codex: command not found`)},
			{Regexp: regexp.MustCompile(`(?i)session terminated`)},
		},
		InitLines: loadInitLines("codex"),
		Detect:    detectCodex,
	}
}

// detectCodex is Codex's analogue of the Gemini keystroke probe: '?' opens
// a help overlay in Codex's TUI. Evidence of success is output growth;
// undone with Backspace for the same reason as Gemini (Ctrl+C/Escape would
// quit or defocus the TUI).
func detectCodex(ctx context.Context, term Terminal, sessionName string) (bool, error) {
	before, err := term.CaptureOutput(sessionName, 0)
	if err != nil {
		return false, err
	}
	if err := term.Write(sessionName, []byte("?")); err != nil {
		return false, err
	}
	if err := sleepCtx(ctx, 200*time.Millisecond); err != nil {
		return false, err
	}
	after, err := term.CaptureOutput(sessionName, 0)
	if err != nil {
		return false, err
	}
	_ = term.Write(sessionName, []byte{0x7f})

	if len(after)-len(before) >= codexHelpDelta {
		return true, nil
	}
	return strings.Contains(after, "Codex"), nil
}
