package msgqueue

import (
	"context"
	"fmt"
	"testing"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

type recordingSender struct {
	order []string
	failAt int // -1 disables
}

func (r *recordingSender) SendMessageToAgent(ctx context.Context, sessionName, payload string) error {
	if r.failAt == len(r.order) {
		return fmt.Errorf("boom")
	}
	r.order = append(r.order, payload)
	return nil
}

func TestFIFOOrder(t *testing.T) {
	q := New(nil)
	q.Enqueue("s1", model.Message{Payload: "A"})
	q.Enqueue("s1", model.Message{Payload: "B"})

	sender := &recordingSender{failAt: -1}
	if err := q.Drain(context.Background(), "s1", sender); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(sender.order) != 2 || sender.order[0] != "A" || sender.order[1] != "B" {
		t.Fatalf("expected [A B], got %v", sender.order)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	var dropped []model.Message
	q := New(func(sessionName string, msg model.Message) { dropped = append(dropped, msg) })
	for i := 0; i < Max+2; i++ {
		q.Enqueue("s1", model.Message{Payload: fmt.Sprintf("m%d", i)})
	}
	if q.Len("s1") != Max {
		t.Fatalf("expected queue capped at %d, got %d", Max, q.Len("s1"))
	}
	if len(dropped) != 2 {
		t.Fatalf("expected 2 drops, got %d", len(dropped))
	}
	if dropped[0].Payload != "m0" || dropped[1].Payload != "m1" {
		t.Fatalf("expected oldest dropped first, got %+v", dropped)
	}
}

func TestClear(t *testing.T) {
	q := New(nil)
	q.Enqueue("s1", model.Message{Payload: "A"})
	q.Clear("s1")
	if q.Len("s1") != 0 {
		t.Fatalf("expected empty after clear")
	}
}

func TestDrainFailureRequeues(t *testing.T) {
	q := New(nil)
	q.Enqueue("s1", model.Message{Payload: "A"})
	q.Enqueue("s1", model.Message{Payload: "B"})

	sender := &recordingSender{failAt: 0}
	err := q.Drain(context.Background(), "s1", sender)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if q.Len("s1") != 2 {
		t.Fatalf("expected both messages requeued, got %d", q.Len("s1"))
	}
}
