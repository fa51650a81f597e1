package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"
)

type countingSender struct {
	mu      sync.Mutex
	payloads []string
}

func (c *countingSender) SendMessageToAgent(ctx context.Context, sessionName, payload string) error {
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()
	return nil
}

func (c *countingSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.payloads)
}

func TestCronParseNextBoundary(t *testing.T) {
	cs, err := parseCron("*/30 * * * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	from := time.Date(2026, 7, 29, 10, 5, 0, 0, time.UTC)
	next := cs.next(from)
	if next.Minute() != 30 {
		t.Fatalf("expected minute 30, got %d", next.Minute())
	}
}

func TestCronParseInvalidFieldCount(t *testing.T) {
	_, err := parseCron("* * *")
	if err == nil {
		t.Fatalf("expected error for malformed expression")
	}
}

func TestCancelForSessionStopsJobs(t *testing.T) {
	sender := &countingSender{}
	sched := New(sender, nil)

	id, err := sched.Schedule(Job{SessionName: "s1", Message: "check-in", IntervalMinutes: 0, IsRecurring: true})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	_ = id

	sched.CancelForSession("s1")
	if len(sched.Jobs()) != 0 {
		t.Fatalf("expected no jobs remaining after cancel")
	}
}

func TestOneShotJobRemovedOnCancel(t *testing.T) {
	sender := &countingSender{}
	sched := New(sender, nil)

	// IntervalMinutes of 0 is clamped to a 1-minute wait internally, too
	// slow for a unit test to wait out a firing; instead verify bookkeeping:
	// a non-recurring job is registered on Schedule and removed by Cancel.
	id, err := sched.Schedule(Job{SessionName: "s1", Message: "hi", IsRecurring: false})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if len(sched.Jobs()) != 1 {
		t.Fatalf("expected job registered")
	}
	sched.Cancel(id)
	if len(sched.Jobs()) != 0 {
		t.Fatalf("expected job removed after cancel")
	}
}
