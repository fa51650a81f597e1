// Package statestore implements the Session State Store (spec.md §4.3): a
// JSON document persisted atomically (temp file + rename), read-tolerant of
// a missing file, with writes coalesced within a 200ms window. Grounded on
// the teacher's atomic-rename idiom (cmd/wt/update.go: os.Rename(tmp, exe))
// generalized from a single binary swap to an arbitrary JSON document, plus
// an fsnotify watch (domain-stack addition) so external edits to the file
// invalidate the in-memory read cache.
package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentmux/supervisor/internal/supervisor/model"
)

// CoalesceWindow is how long writes are buffered before being flushed to
// disk, per spec.md §4.3.
const CoalesceWindow = 200 * time.Millisecond

// SessionRecord is the restorable metadata for one session — names, roles,
// project paths — that survives process restarts. The PTY itself is not
// restored; re-creation goes through Agent Registration (spec.md §6).
type SessionRecord struct {
	SessionName string          `json:"sessionName"`
	RuntimeType model.RuntimeType `json:"runtimeType"`
	Role        model.Role      `json:"role"`
	ProjectPath string          `json:"projectPath"`
	TeamID      string          `json:"teamId,omitempty"`
	MemberID    string          `json:"memberId,omitempty"`
}

// TeamMember is one member of a Team.
type TeamMember struct {
	MemberID    string `json:"memberId"`
	SessionName string `json:"sessionName"`
	Role        model.Role `json:"role"`
}

// Team groups members under a team id.
type Team struct {
	TeamID  string       `json:"teamId"`
	Members []TeamMember `json:"members"`
}

// OrchestratorStatus is the orchestrator's own persisted state.
type OrchestratorStatus struct {
	SessionName string            `json:"sessionName"`
	RuntimeType model.RuntimeType `json:"runtimeType"`
	Status      model.AgentStatus `json:"status"`
}

// Document is the full persisted JSON document.
type Document struct {
	Orchestrator  OrchestratorStatus           `json:"orchestrator"`
	Sessions      map[string]SessionRecord     `json:"sessions"`
	Teams         map[string]Team              `json:"teams"`
	AgentStatuses map[string]model.AgentStatus `json:"agentStatuses"`
}

func emptyDocument() *Document {
	return &Document{
		Sessions:      make(map[string]SessionRecord),
		Teams:         make(map[string]Team),
		AgentStatuses: make(map[string]model.AgentStatus),
	}
}

// Store persists a Document under a single path. All reads and writes are
// serialized through Store's own mutex (single-writer discipline per
// spec.md §5); writes are additionally coalesced within CoalesceWindow.
type Store struct {
	path string

	mu  sync.Mutex
	doc *Document

	flushMu      sync.Mutex
	flushPending bool
	flushTimer   *time.Timer

	watcher *fsnotify.Watcher
	onWarn  func(msg string, err error)
}

// Open loads path (tolerating a missing file by returning an empty
// document) and starts a best-effort fsnotify watch on it.
func Open(path string, onWarn func(msg string, err error)) (*Store, error) {
	if onWarn == nil {
		onWarn = func(string, error) {}
	}
	s := &Store{path: path, onWarn: onWarn}

	doc, err := load(path)
	if err != nil {
		return nil, err
	}
	s.doc = doc

	if w, err := fsnotify.NewWatcher(); err == nil {
		if err := w.Add(filepath.Dir(path)); err == nil {
			s.watcher = w
			go s.watchLoop()
		} else {
			w.Close()
			onWarn("statestore: watch failed", err)
		}
	} else {
		onWarn("statestore: fsnotify unavailable", err)
	}

	return s, nil
}

func load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyDocument(), nil
		}
		return nil, err
	}
	doc := emptyDocument()
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]SessionRecord)
	}
	if doc.Teams == nil {
		doc.Teams = make(map[string]Team)
	}
	if doc.AgentStatuses == nil {
		doc.AgentStatuses = make(map[string]model.AgentStatus)
	}
	return doc, nil
}

// watchLoop invalidates the in-memory document when the backing file
// changes on disk from outside this process. Best-effort: a failed reload
// just logs and keeps the last-known-good document.
func (s *Store) watchLoop() {
	for event := range s.watcher.Events {
		if filepath.Clean(event.Name) != filepath.Clean(s.path) {
			continue
		}
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}
		doc, err := load(s.path)
		if err != nil {
			s.onWarn("statestore: external reload failed", err)
			continue
		}
		s.mu.Lock()
		s.doc = doc
		s.mu.Unlock()
	}
}

// Close stops the watcher and flushes any pending write.
func (s *Store) Close() error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	return s.flushNow()
}

// view runs fn with the current document under lock and returns its result.
func (s *Store) view(fn func(*Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.doc)
}

// mutate runs fn with the current document under lock, then schedules a
// coalesced flush.
func (s *Store) mutate(fn func(*Document)) {
	s.mu.Lock()
	fn(s.doc)
	s.mu.Unlock()
	s.scheduleFlush()
}

func (s *Store) scheduleFlush() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	if s.flushPending {
		return
	}
	s.flushPending = true
	s.flushTimer = time.AfterFunc(CoalesceWindow, func() {
		if err := s.flushNow(); err != nil {
			s.onWarn("statestore: flush failed", err)
		}
	})
}

// flushNow writes the current document atomically (temp file + rename).
func (s *Store) flushNow() error {
	s.flushMu.Lock()
	s.flushPending = false
	s.flushMu.Unlock()

	s.mu.Lock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".statestore-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// GetOrchestratorStatus returns the persisted orchestrator status.
func (s *Store) GetOrchestratorStatus() OrchestratorStatus {
	var out OrchestratorStatus
	s.view(func(d *Document) { out = d.Orchestrator })
	return out
}

// UpdateOrchestratorStatus persists a new orchestrator status.
func (s *Store) UpdateOrchestratorStatus(status model.AgentStatus) {
	s.mutate(func(d *Document) { d.Orchestrator.Status = status })
}

// UpdateOrchestratorRuntimeType persists the orchestrator's configured
// runtime.
func (s *Store) UpdateOrchestratorRuntimeType(rt model.RuntimeType) {
	s.mutate(func(d *Document) { d.Orchestrator.RuntimeType = rt })
}

// FindMemberBySessionName looks up which team/member owns a session name.
func (s *Store) FindMemberBySessionName(name string) (team Team, member TeamMember, ok bool) {
	s.view(func(d *Document) {
		for _, t := range d.Teams {
			for _, m := range t.Members {
				if m.SessionName == name {
					team, member, ok = t, m, true
					return
				}
			}
		}
	})
	return
}

// UpdateAgentStatus performs a compare-and-set write of a session's status:
// it only writes when "from" matches the currently-stored value (or "from"
// is empty, meaning "unconditional"), implementing the single-writer
// invariant from spec.md §9's open question — only the Agent Registration
// Service should blind-write; other callers pass the status they observed.
func (s *Store) UpdateAgentStatus(sessionName string, from, to model.AgentStatus) bool {
	ok := false
	s.mutate(func(d *Document) {
		cur := d.AgentStatuses[sessionName]
		if from != "" && cur != from {
			return
		}
		d.AgentStatuses[sessionName] = to
		ok = true
	})
	return ok
}

// GetAgentStatus returns the stored status for a session (StatusInactive if
// unknown).
func (s *Store) GetAgentStatus(sessionName string) model.AgentStatus {
	status := model.StatusInactive
	s.view(func(d *Document) {
		if v, found := d.AgentStatuses[sessionName]; found {
			status = v
		}
	})
	return status
}

// SessionRole returns a session's recorded role, if any, for callers that
// only need to branch on orchestrator-vs-member without the rest of the
// record.
func (s *Store) SessionRole(sessionName string) (model.Role, bool) {
	var role model.Role
	var ok bool
	s.view(func(d *Document) {
		if rec, found := d.Sessions[sessionName]; found {
			role, ok = rec.Role, true
		}
	})
	return role, ok
}

// SaveSessionRecord upserts a session's restorable metadata.
func (s *Store) SaveSessionRecord(rec SessionRecord) {
	s.mutate(func(d *Document) { d.Sessions[rec.SessionName] = rec })
}

// RemoveSessionRecord deletes a session's restorable metadata.
func (s *Store) RemoveSessionRecord(name string) {
	s.mutate(func(d *Document) { delete(d.Sessions, name) })
}

// ListSessionRecords returns all known restorable sessions.
func (s *Store) ListSessionRecords() []SessionRecord {
	var out []SessionRecord
	s.view(func(d *Document) {
		for _, r := range d.Sessions {
			out = append(out, r)
		}
	})
	return out
}

// SaveTeam upserts a team.
func (s *Store) SaveTeam(team Team) {
	s.mutate(func(d *Document) { d.Teams[team.TeamID] = team })
}

// GetTeams returns all teams.
func (s *Store) GetTeams() []Team {
	var out []Team
	s.view(func(d *Document) {
		for _, t := range d.Teams {
			out = append(out, t)
		}
	})
	return out
}
