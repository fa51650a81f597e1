// Package memory is the Memory boundary's default on-disk implementation
// (spec.md §6: InitializeForSession/OnSessionEnd, best-effort, failures
// never block lifecycle progression). Grounded on the teacher's
// internal/memory.MemoryStore: the same YAML-frontmatter-over-Markdown
// file shape and in-process cache, repurposed here from a single shared
// knowledge base into one note-per-session under a member's memory
// directory, written fresh on session start and appended to on exit.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

// Store keeps one Markdown note per session under dir, named
// "<sessionName>.md", with YAML frontmatter recording role, project path,
// and timestamps. Grounded on the teacher's MemoryStore.parseFile/
// parseFrontmatter split, adapted to also write files, not just read them.
type Store struct {
	dir   string
	cache map[string]*note
}

type note struct {
	frontmatter map[string]any
	body        string
}

// New builds a Store rooted at dir, creating it if necessary. A failure to
// create the directory is not fatal here; it surfaces on first use.
func New(dir string) *Store {
	_ = os.MkdirAll(dir, 0o755)
	return &Store{dir: dir, cache: make(map[string]*note)}
}

func (s *Store) path(sessionName string) string {
	return filepath.Join(s.dir, sessionName+".md")
}

// InitializeForSession writes (or refreshes) the session's memory note with
// a frontmatter header recording role, project path, and start time. An
// existing note's body is preserved; only the frontmatter is refreshed.
func (s *Store) InitializeForSession(ctx context.Context, sessionName string, role model.Role, projectPath string) error {
	body := ""
	if existing, err := s.load(sessionName); err == nil {
		body = existing.body
	}

	fm := map[string]any{
		"session":      sessionName,
		"role":         string(role),
		"project_path": projectPath,
		"started_at":   time.Now().UTC().Format(time.RFC3339),
	}
	return s.write(sessionName, fm, body)
}

// OnSessionEnd appends a dated "## Exit" section containing the tail of the
// session's last captured terminal output, so a relaunched agent (or an
// operator) can see what happened before it died.
func (s *Store) OnSessionEnd(ctx context.Context, sessionName string, role model.Role, lastCaptureText string) error {
	existing, err := s.load(sessionName)
	if err != nil {
		existing = &note{frontmatter: map[string]any{
			"session": sessionName,
			"role":    string(role),
		}}
	}

	section := fmt.Sprintf("\n## Exit (%s)\n\n```\n%s\n```\n", time.Now().UTC().Format(time.RFC3339), strings.TrimSpace(lastCaptureText))
	body := existing.body + section
	return s.write(sessionName, existing.frontmatter, body)
}

// Load returns the frontmatter-stripped body of a session's note, or empty
// string if it has never been written.
func (s *Store) Load(sessionName string) string {
	n, err := s.load(sessionName)
	if err != nil {
		return ""
	}
	return n.body
}

func (s *Store) load(sessionName string) (*note, error) {
	if n, ok := s.cache[sessionName]; ok {
		return n, nil
	}
	data, err := os.ReadFile(s.path(sessionName))
	if err != nil {
		return nil, err
	}
	fm, body := parseFrontmatter(data)
	n := &note{frontmatter: fm, body: body}
	s.cache[sessionName] = n
	return n, nil
}

func (s *Store) write(sessionName string, fm map[string]any, body string) error {
	yamlBlock, err := yaml.Marshal(fm)
	if err != nil {
		return fmt.Errorf("memory: marshal frontmatter: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(yamlBlock)
	sb.WriteString("---\n\n")
	sb.WriteString(body)

	if err := os.WriteFile(s.path(sessionName), []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("memory: write %s: %w", sessionName, err)
	}
	s.cache[sessionName] = &note{frontmatter: fm, body: body}
	return nil
}

// parseFrontmatter splits YAML frontmatter (between --- fences) from the
// body, exactly as the teacher's internal/memory.parseFrontmatter does.
func parseFrontmatter(data []byte) (map[string]any, string) {
	content := string(data)

	if !strings.HasPrefix(content, "---\n") {
		return nil, content
	}

	end := strings.Index(content[4:], "\n---")
	if end < 0 {
		return nil, content
	}

	yamlBlock := content[4 : 4+end]
	body := content[4+end+4:]
	body = strings.TrimLeft(body, "\n")

	var fm map[string]any
	if err := yaml.Unmarshal([]byte(yamlBlock), &fm); err != nil {
		return nil, content
	}
	return fm, body
}
