package status

import (
	"testing"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

type fakeStore struct {
	status map[string]model.AgentStatus
}

func newFakeStore() *fakeStore { return &fakeStore{status: map[string]model.AgentStatus{}} }

func (f *fakeStore) GetAgentStatus(name string) model.AgentStatus { return f.status[name] }
func (f *fakeStore) UpdateAgentStatus(name string, from, to model.AgentStatus) bool {
	if from != "" && f.status[name] != from {
		return false
	}
	f.status[name] = to
	return true
}

type fakeSessions struct {
	exists map[string]bool
	alive  map[string]bool
}

func (f *fakeSessions) SessionExists(name string) bool     { return f.exists[name] }
func (f *fakeSessions) IsChildProcessAlive(name string) bool { return f.alive[name] }

func TestRule1ActiveButPTYGone(t *testing.T) {
	store := newFakeStore()
	store.status["s1"] = model.StatusActive
	sessions := &fakeSessions{exists: map[string]bool{}}
	ev := New(store, sessions)

	r := ev.Effective("s1")
	if r.Status != model.StatusInactive {
		t.Fatalf("got %s, want inactive", r.Status)
	}
	if store.status["s1"] != model.StatusInactive {
		t.Fatalf("expected stored status updated to inactive")
	}
}

func TestRule2SelfHeal(t *testing.T) {
	store := newFakeStore()
	store.status["s1"] = model.StatusInactive
	sessions := &fakeSessions{exists: map[string]bool{"s1": true}, alive: map[string]bool{"s1": true}}
	ev := New(store, sessions)

	r := ev.Effective("s1")
	if r.Status != model.StatusActive {
		t.Fatalf("got %s, want active", r.Status)
	}
	if store.status["s1"] != model.StatusActive {
		t.Fatalf("expected self-heal write")
	}
}

func TestRule2SelfHealFiresOnActivatedHook(t *testing.T) {
	store := newFakeStore()
	store.status["s1"] = model.StatusInactive
	sessions := &fakeSessions{exists: map[string]bool{"s1": true}, alive: map[string]bool{"s1": true}}
	ev := New(store, sessions)

	var fired string
	ev.SetOnActivated(func(sessionName string) { fired = sessionName })

	ev.Effective("s1")
	if fired != "s1" {
		t.Fatalf("expected onActivated hook to fire for s1, got %q", fired)
	}
}

func TestRule3StartedWithPTY(t *testing.T) {
	store := newFakeStore()
	store.status["s1"] = model.StatusStarted
	sessions := &fakeSessions{exists: map[string]bool{"s1": true}}
	ev := New(store, sessions)

	r := ev.Effective("s1")
	if r.Status != model.StatusActive {
		t.Fatalf("got %s, want active", r.Status)
	}
	// Rule 3 reports only; it must not rewrite the stored value.
	if store.status["s1"] != model.StatusStarted {
		t.Fatalf("rule 3 must not persist, stored=%s", store.status["s1"])
	}
}

func TestRule4TransientWithoutPTY(t *testing.T) {
	store := newFakeStore()
	store.status["s1"] = model.StatusActivating
	sessions := &fakeSessions{exists: map[string]bool{}}
	ev := New(store, sessions)

	r := ev.Effective("s1")
	if r.Status != model.StatusActivating || r.Message != "starting up" {
		t.Fatalf("got %+v", r)
	}
}

func TestRule5Otherwise(t *testing.T) {
	store := newFakeStore()
	store.status["s1"] = model.StatusSuspended
	sessions := &fakeSessions{exists: map[string]bool{"s1": true}, alive: map[string]bool{"s1": true}}
	ev := New(store, sessions)

	r := ev.Effective("s1")
	if r.Status != model.StatusSuspended {
		t.Fatalf("got %s, want suspended", r.Status)
	}
}
