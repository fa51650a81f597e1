package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

func TestInitializeForSessionWritesFrontmatter(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.InitializeForSession(context.Background(), "sess1", model.RoleDeveloper, "/proj"); err != nil {
		t.Fatalf("InitializeForSession: %v", err)
	}

	raw, err := s.load("sess1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if raw.frontmatter["role"] != string(model.RoleDeveloper) {
		t.Fatalf("expected role in frontmatter, got %v", raw.frontmatter)
	}
	if raw.frontmatter["project_path"] != "/proj" {
		t.Fatalf("expected project_path in frontmatter, got %v", raw.frontmatter)
	}
}

func TestInitializeForSessionPreservesBody(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ctx := context.Background()

	if err := s.InitializeForSession(ctx, "sess1", model.RoleDeveloper, "/proj"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := s.OnSessionEnd(ctx, "sess1", model.RoleDeveloper, "child exited"); err != nil {
		t.Fatalf("end: %v", err)
	}

	// Re-initializing should preserve the appended exit section rather than
	// wiping it out.
	s2 := New(dir)
	if err := s2.InitializeForSession(ctx, "sess1", model.RoleDeveloper, "/proj"); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	body := s2.Load("sess1")
	if !strings.Contains(body, "child exited") {
		t.Fatalf("expected prior exit section preserved, got %q", body)
	}
}

func TestOnSessionEndAppendsExitSection(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	ctx := context.Background()

	if err := s.OnSessionEnd(ctx, "sess2", model.RoleOrchestrator, "last output here"); err != nil {
		t.Fatalf("OnSessionEnd: %v", err)
	}

	body := s.Load("sess2")
	if !strings.Contains(body, "last output here") {
		t.Fatalf("expected exit text in body, got %q", body)
	}
	if !strings.Contains(body, "## Exit") {
		t.Fatalf("expected an Exit heading, got %q", body)
	}
}

func TestLoadMissingSessionReturnsEmpty(t *testing.T) {
	s := New(t.TempDir())
	if got := s.Load("nope"); got != "" {
		t.Fatalf("expected empty string for missing session, got %q", got)
	}
}
