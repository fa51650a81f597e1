// Package msgqueue is the Sub-Agent Message Queue (spec.md §4.8): it holds
// messages destined for an agent whose effective status is not active, and
// flushes them in FIFO order once it becomes active.
package msgqueue

import (
	"context"
	"sync"
	"time"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

// Max is the per-session queue cap (spec.md §4.8); overflow drops the
// oldest message.
const Max = 64

// DrainSpacing is the pause between successive sends during a drain.
const DrainSpacing = 250 * time.Millisecond

// Sender delivers one message through the reliable send path (Agent
// Registration Service). Defined here, not imported from registry, so
// msgqueue has no dependency on it — registry depends on msgqueue instead.
type Sender interface {
	SendMessageToAgent(ctx context.Context, sessionName, payload string) error
}

// DropWarner is called when the oldest message is dropped due to overflow.
type DropWarner func(sessionName string, dropped model.Message)

// Queue holds per-session FIFO message buffers.
type Queue struct {
	mu       sync.Mutex
	bysession map[string][]model.Message
	draining  map[string]*sync.Mutex
	onDrop   DropWarner
}

// New creates an empty Queue. onDrop may be nil.
func New(onDrop DropWarner) *Queue {
	if onDrop == nil {
		onDrop = func(string, model.Message) {}
	}
	return &Queue{bysession: make(map[string][]model.Message), onDrop: onDrop}
}

// Enqueue appends msg to sessionName's queue, always succeeding; when the
// queue is at capacity the oldest message is dropped first.
func (q *Queue) Enqueue(sessionName string, msg model.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.bysession[sessionName]
	if len(list) >= Max {
		dropped := list[0]
		list = list[1:]
		q.onDrop(sessionName, dropped)
	}
	q.bysession[sessionName] = append(list, msg)
}

// Len reports the number of queued messages for a session.
func (q *Queue) Len(sessionName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bysession[sessionName])
}

// Clear drops all queued messages for a session (called on terminate).
func (q *Queue) Clear(sessionName string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.bysession, sessionName)
}

// Drain sends every queued message for sessionName, in FIFO order, one at a
// time with DrainSpacing between sends, via sender. If a send fails, the
// failed message (and everything after it) is put back at the front of the
// queue and Drain returns the error, so a later Drain call can retry.
// Concurrent Drain calls for the same session run one after another.
func (q *Queue) Drain(ctx context.Context, sessionName string, sender Sender) error {
	q.mu.Lock()
	if q.draining == nil {
		q.draining = make(map[string]*sync.Mutex)
	}
	dl := q.draining[sessionName]
	if dl == nil {
		dl = &sync.Mutex{}
		q.draining[sessionName] = dl
	}
	q.mu.Unlock()
	dl.Lock()
	defer dl.Unlock()

	q.mu.Lock()
	pending := q.bysession[sessionName]
	delete(q.bysession, sessionName)
	q.mu.Unlock()

	for i, msg := range pending {
		if err := sender.SendMessageToAgent(ctx, sessionName, msg.Payload); err != nil {
			q.mu.Lock()
			remaining := append(append([]model.Message(nil), pending[i:]...), q.bysession[sessionName]...)
			q.bysession[sessionName] = remaining
			q.mu.Unlock()
			return err
		}
		if i < len(pending)-1 {
			select {
			case <-time.After(DrainSpacing):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
