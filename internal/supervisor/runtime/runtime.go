// Package runtime is the polymorphic Runtime Service (spec.md §4.4): it
// encapsulates everything that differs per CLI — initialization, running
// vs. plain-shell detection, readiness, exit/error patterns, and
// post-initialization. Grounded on the teacher's per-CLI files
// (internal/agent/claude.go, gemini.go, codex.go) for per-runtime quirks,
// re-targeted from "exec the CLI and stream JSON" to "drive a long-lived
// PTY session and watch its terminal output", since that is the model
// spec.md requires. Implemented as a flat capability record per runtime
// (spec.md §9's "avoid deep inheritance" note), not a class hierarchy.
package runtime

import (
	"context"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

//go:embed initscripts/*.yaml
var initScriptFS embed.FS

// DetectCacheTTL is how long a detection result is cached per
// (session, runtime) pair, per spec.md §4.4.
const DetectCacheTTL = 30 * time.Second

// Terminal is the narrow slice of the Session Backend the runtime service
// needs: write bytes and capture recent output. Kept as an interface so
// tests can supply a fake instead of a real PTY.
type Terminal interface {
	Write(sessionName string, p []byte) error
	CaptureOutput(sessionName string, lines int) (string, error)
}

// ExitPattern is one regex whose match is evidence of runtime termination
// or unrecoverable failure (spec.md §4.4/§4.6).
type ExitPattern struct {
	Regexp *regexp.Regexp
	// Force, when true, means the Exit Monitor should skip the
	// shell-prompt corroboration check and proceed straight to the exit
	// handler once debounced (the "force" sub-list in spec.md §4.6).
	Force bool
	// FailureRetry marks a Gemini-specific pattern that should trigger
	// failure-retry semantics instead of an immediate exit (spec.md §4.6).
	FailureRetry bool
}

// Capability is the flat per-runtime operation set, spec.md §4.4's
// "capability set". One instance exists per RuntimeType.
type Capability struct {
	Name          model.RuntimeType
	ReadyPatterns []string
	ErrorPatterns []string
	ExitPatterns  []ExitPattern
	InitLines     []string

	// Detect runs the runtime-specific probe described in spec.md §4.4 and
	// reports whether the runtime (as opposed to a bare shell) is running
	// in the session.
	Detect func(ctx context.Context, term Terminal, sessionName string) (bool, error)

	// PostInit runs once after readiness (spec.md §4.4). The default (nil)
	// is a no-op, matching Claude and Codex.
	PostInit func(ctx context.Context, svc *Service, sessionName, targetProjectPath string) error

	// StartupGrace suppresses exit-pattern matches within this long of
	// session creation (spec.md §4.6).
	StartupGrace time.Duration
}

type initScriptFile struct {
	Lines []string `yaml:"lines"`
}

// loadInitLines reads initscripts/<name>.yaml, stripping comments and blank
// lines, per spec.md §4.4 step 2.
func loadInitLines(name string) []string {
	raw, err := initScriptFS.ReadFile("initscripts/" + name + ".yaml")
	if err != nil {
		return nil
	}
	var f initScriptFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil
	}
	var out []string
	for _, l := range f.Lines {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Registry holds the built-in capability set, keyed by RuntimeType.
type Registry struct {
	caps map[model.RuntimeType]Capability
}

// DefaultRegistry builds the Claude/Gemini/Codex capability set.
func DefaultRegistry() *Registry {
	r := &Registry{caps: make(map[model.RuntimeType]Capability)}
	r.caps[model.RuntimeClaude] = claudeCapability()
	r.caps[model.RuntimeGemini] = geminiCapability()
	r.caps[model.RuntimeCodex] = codexCapability()
	return r
}

// Lookup returns the capability for rt, or ok=false if unknown.
func (r *Registry) Lookup(rt model.RuntimeType) (Capability, bool) {
	c, ok := r.caps[rt]
	return c, ok
}

type detectCacheEntry struct {
	result    bool
	expiresAt time.Time
}

// Service drives Capability operations against a Terminal, caching
// detection results and collapsing concurrent probes for the same session.
type Service struct {
	registry *Registry
	term     Terminal

	mu    sync.Mutex
	cache map[string]detectCacheEntry
	group singleflight.Group
}

// NewService builds a Service over the given Terminal and Registry. A nil
// registry uses DefaultRegistry().
func NewService(term Terminal, registry *Registry) *Service {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Service{registry: registry, term: term, cache: make(map[string]detectCacheEntry)}
}

func (s *Service) Capability(rt model.RuntimeType) (Capability, bool) {
	return s.registry.Lookup(rt)
}

func cacheKey(sessionName string, rt model.RuntimeType) string {
	return string(rt) + "|" + sessionName
}

// DetectRuntime reports whether rt is actually running in sessionName, per
// spec.md §4.4: cached for DetectCacheTTL, single-flighted per key.
func (s *Service) DetectRuntime(ctx context.Context, sessionName string, rt model.RuntimeType, forceRefresh bool) (bool, error) {
	key := cacheKey(sessionName, rt)

	if !forceRefresh {
		s.mu.Lock()
		entry, ok := s.cache[key]
		s.mu.Unlock()
		if ok && time.Now().Before(entry.expiresAt) {
			return entry.result, nil
		}
	}

	cap, ok := s.registry.Lookup(rt)
	if !ok || cap.Detect == nil {
		return false, fmt.Errorf("runtime: no detector registered for %s", rt)
	}

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		return cap.Detect(ctx, s.term, sessionName)
	})
	if err != nil {
		return false, err
	}
	result := v.(bool)

	s.mu.Lock()
	s.cache[key] = detectCacheEntry{result: result, expiresAt: time.Now().Add(DetectCacheTTL)}
	s.mu.Unlock()

	return result, nil
}

// ExecuteRuntimeInitScript runs the init sequence from spec.md §4.4: cd to
// targetPath, then each init line with Enter and a ~500ms pause, with
// optional flag injection rewriting lines so flags land before the
// "--dangerously-skip-permissions" marker.
func (s *Service) ExecuteRuntimeInitScript(ctx context.Context, sessionName string, rt model.RuntimeType, targetPath string, flags []string) error {
	cap, ok := s.registry.Lookup(rt)
	if !ok {
		return fmt.Errorf("runtime: unknown runtime %s", rt)
	}

	if err := s.writeLine(sessionName, fmt.Sprintf("cd %q", targetPath)); err != nil {
		return err
	}
	if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
		return err
	}

	for _, line := range cap.InitLines {
		line = injectFlags(line, flags)
		if err := s.writeLine(sessionName, line); err != nil {
			return err
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

const skipPermissionsMarker = "--dangerously-skip-permissions"

// injectFlags rewrites a command line so any extra flags appear before the
// skip-permissions marker (or equivalent), per spec.md §4.4 step 3.
func injectFlags(line string, flags []string) string {
	if len(flags) == 0 {
		return line
	}
	idx := strings.Index(line, skipPermissionsMarker)
	if idx < 0 {
		return strings.TrimRight(line, " ") + " " + strings.Join(flags, " ")
	}
	before := strings.TrimRight(line[:idx], " ")
	after := line[idx:]
	return before + " " + strings.Join(flags, " ") + " " + after
}

func (s *Service) writeLine(sessionName, line string) error {
	return s.term.Write(sessionName, []byte(line+"\r"))
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

// WaitForRuntimeReady polls CaptureOutput every interval until timeout,
// returning true on first readyPatterns match, false on timeout, or an
// immediate failure if an error pattern appears first — spec.md §4.4.
func (s *Service) WaitForRuntimeReady(ctx context.Context, sessionName string, rt model.RuntimeType, timeout, interval time.Duration) (bool, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	cap, ok := s.registry.Lookup(rt)
	if !ok {
		return false, fmt.Errorf("runtime: unknown runtime %s", rt)
	}

	deadline := time.Now().Add(timeout)
	for {
		out, err := s.term.CaptureOutput(sessionName, 0)
		if err == nil {
			for _, pat := range cap.ErrorPatterns {
				if strings.Contains(out, pat) {
					return false, fmt.Errorf("runtime: error pattern %q observed while waiting for ready", pat)
				}
			}
			for _, pat := range cap.ReadyPatterns {
				if strings.Contains(out, pat) {
					return true, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return false, err
		}
	}
}

// PostInitialize runs the capability's post-init hook, if any.
func (s *Service) PostInitialize(ctx context.Context, sessionName string, rt model.RuntimeType, targetProjectPath string) error {
	cap, ok := s.registry.Lookup(rt)
	if !ok || cap.PostInit == nil {
		return nil
	}
	return cap.PostInit(ctx, s, sessionName, targetProjectPath)
}
