package runtime

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

// claudePromptMarker is the rounded-box prompt border Claude Code draws
// around its input once it is running — distinctive enough vs. a bare
// shell that printing it is strong evidence the runtime (not just a shell)
// is live.
const claudePromptMarker = "╭"

func claudeCapability() Capability {
	return Capability{
		Name:          model.RuntimeClaude,
		ReadyPatterns: []string{claudePromptMarker, "? for shortcuts"},
		ErrorPatterns: []string{"Invalid API key", "rate_limit_error"},
		ExitPatterns: []ExitPattern{
			{Regexp: regexp.MustCompile(`(?i)conversation ended`)},
			{Regexp: regexp.MustCompile(`(?i)claude: command not found`)},
		},
		InitLines: loadInitLines("claude"),
		Detect:    detectClaude,
		// Claude prints its banner quickly; no startup suppression needed.
	}
}

// detectClaude sends a known no-op keystroke (Escape, which Claude's TUI
// swallows harmlessly when no menu is open) and checks whether the
// distinctive prompt border is now present, per spec.md §4.4.
func detectClaude(ctx context.Context, term Terminal, sessionName string) (bool, error) {
	if err := term.Write(sessionName, []byte{0x1b}); err != nil {
		return false, err
	}
	if err := sleepCtx(ctx, 200*time.Millisecond); err != nil {
		return false, err
	}
	out, err := term.CaptureOutput(sessionName, 0)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, claudePromptMarker), nil
}
