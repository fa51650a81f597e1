package statestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

func TestOpenMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sessions.json"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if len(s.ListSessionRecords()) != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestWriteThenReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.SaveSessionRecord(SessionRecord{SessionName: "dev-alice", RuntimeType: model.RuntimeGemini, ProjectPath: "/tmp/proj"})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	recs := s2.ListSessionRecords()
	if len(recs) != 1 || recs[0].SessionName != "dev-alice" {
		t.Fatalf("expected 1 record for dev-alice, got %+v", recs)
	}
}

func TestAgentStatusCompareAndSet(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "sessions.json"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	s.UpdateAgentStatus("dev-alice", "", model.StatusStarting)
	if got := s.GetAgentStatus("dev-alice"); got != model.StatusStarting {
		t.Fatalf("got %s, want starting", got)
	}

	// Wrong "from" must not apply.
	ok := s.UpdateAgentStatus("dev-alice", model.StatusActive, model.StatusInactive)
	if ok {
		t.Fatalf("expected CAS to fail on mismatched from")
	}
	if got := s.GetAgentStatus("dev-alice"); got != model.StatusStarting {
		t.Fatalf("status should be unchanged, got %s", got)
	}

	ok = s.UpdateAgentStatus("dev-alice", model.StatusStarting, model.StatusStarted)
	if !ok {
		t.Fatalf("expected CAS to succeed")
	}
	if got := s.GetAgentStatus("dev-alice"); got != model.StatusStarted {
		t.Fatalf("got %s, want started", got)
	}
}

func TestCoalescedFlush(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	for i := 0; i < 5; i++ {
		s.SaveSessionRecord(SessionRecord{SessionName: "s"})
	}
	// A single flush timer should still be pending, not one per mutation.
	s.flushMu.Lock()
	pending := s.flushPending
	s.flushMu.Unlock()
	if !pending {
		t.Fatalf("expected a flush to be scheduled")
	}

	time.Sleep(CoalesceWindow + 100*time.Millisecond)
	s.flushMu.Lock()
	pending = s.flushPending
	s.flushMu.Unlock()
	if pending {
		t.Fatalf("expected flush to have completed")
	}
}
