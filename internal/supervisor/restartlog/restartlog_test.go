package restartlog

import (
	"context"
	"testing"
)

func TestRecordAndListRestarts(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.RecordRestart(ctx, "s1", "developer", "pattern_match", true); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordRestart(ctx, "s1", "developer", "child_dead", false); err != nil {
		t.Fatalf("record: %v", err)
	}

	events, err := s.ListForSession(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Reason != "child_dead" {
		t.Fatalf("expected most recent first, got %s", events[0].Reason)
	}
}

func TestNilStoreIsNoOp(t *testing.T) {
	var s *Store
	if err := s.RecordRestart(context.Background(), "s1", "developer", "x", true); err != nil {
		t.Fatalf("expected nil-store record to be a no-op, got %v", err)
	}
	events, err := s.ListForSession(context.Background(), "s1")
	if err != nil || events != nil {
		t.Fatalf("expected nil-store list to return (nil, nil), got (%v, %v)", events, err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("expected nil-store close to be a no-op, got %v", err)
	}
}
