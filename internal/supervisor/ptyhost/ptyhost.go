// Package ptyhost is the Session Backend (spec.md §4.1): it spawns child
// processes attached to a PTY, exposes byte-oriented read/write, reports
// liveness, and terminates sessions. Grounded on the teacher's
// internal/egg/server.go (pty.StartWithSize, the SIGTERM-then-SIGKILL
// shutdown sequence, and the readPTY fan-out goroutine), simplified from a
// separate-process "egg" model to an in-process one per SPEC_FULL.md.
package ptyhost

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/agentmux/supervisor/internal/supervisor/model"
	"github.com/agentmux/supervisor/internal/supervisor/sverr"
	"github.com/agentmux/supervisor/internal/supervisor/termbuf"
)

// sessionNamePattern matches spec.md §4.1's validation rule: alphanumeric,
// '-', '_'; 1-64 chars.
var sessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// killGrace is how long killSession waits after SIGTERM before SIGKILL.
const killGrace = 3 * time.Second

// writeChunkSize bounds a single PTY write so large payloads don't stall.
const writeChunkSize = 4096

// Config describes a session to spawn.
type Config struct {
	SessionName string
	Command     string
	Args        []string
	Cwd         string
	Env         []string
	Cols        int
	Rows        int
}

// DataHandler receives each chunk of bytes the PTY emits.
type DataHandler func(sessionName string, chunk []byte)

// Subscription is returned by OnData. Unsubscribe is safe to call
// concurrently, including from inside the handler itself, any number of
// times.
type Subscription struct {
	unsub func()
	once  sync.Once
}

func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.unsub != nil {
			s.unsub()
		}
	})
}

// Session is the live handle for one PTY-hosted process.
type Session struct {
	Meta model.Session

	mu     sync.Mutex
	ptmx   *os.File
	cmd    *exec.Cmd
	Buffer *termbuf.Buffer

	subMu       sync.Mutex
	subscribers map[int]DataHandler
	nextSubID   int

	killed bool
}

func (s *Session) fanOut(chunk []byte) {
	s.subMu.Lock()
	handlers := make([]DataHandler, 0, len(s.subscribers))
	for _, h := range s.subscribers {
		handlers = append(handlers, h)
	}
	s.subMu.Unlock()
	for _, h := range handlers {
		h(s.Meta.SessionName, chunk)
	}
}

// OnData registers a subscriber for this session's PTY output.
func (s *Session) OnData(h DataHandler) *Subscription {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = h
	s.subMu.Unlock()
	return &Subscription{unsub: func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}}
}

// Backend is the Session Backend: it owns the live session table.
type Backend struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates an empty Backend.
func New() *Backend {
	return &Backend{sessions: make(map[string]*Session)}
}

// CreateSession spawns a PTY-hosted child process per cfg.
func (b *Backend) CreateSession(cfg Config) (*Session, error) {
	const op = "ptyhost.CreateSession"
	if !sessionNamePattern.MatchString(cfg.SessionName) {
		return nil, sverr.New(op, sverr.InvalidSessionName)
	}

	b.mu.Lock()
	if _, exists := b.sessions[cfg.SessionName]; exists {
		b.mu.Unlock()
		return nil, sverr.New(op, sverr.DuplicateSession)
	}
	// Reserve the slot before releasing the lock so a concurrent create
	// with the same name fails fast instead of racing the spawn below.
	b.sessions[cfg.SessionName] = nil
	b.mu.Unlock()

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	cols, rows := cfg.Cols, cfg.Rows
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		b.mu.Lock()
		delete(b.sessions, cfg.SessionName)
		b.mu.Unlock()
		return nil, sverr.Wrap(op, sverr.SpawnError, err)
	}

	now := time.Now()
	sess := &Session{
		Meta: model.Session{
			SessionName:    cfg.SessionName,
			ProjectPath:    cfg.Cwd,
			ChildPID:       cmd.Process.Pid,
			CreatedAt:      now,
			UpdatedAt:      now,
			LastActivityAt: now,
		},
		ptmx:        ptmx,
		cmd:         cmd,
		Buffer:      termbuf.New(termbuf.DefaultCapacity),
		subscribers: make(map[int]DataHandler),
	}

	b.mu.Lock()
	b.sessions[cfg.SessionName] = sess
	b.mu.Unlock()

	go sess.readLoop()
	// Reap the child once it exits, so kill(pid, 0) reports ESRCH instead of
	// finding a zombie that still counts as alive.
	go func() { _ = cmd.Wait() }()

	return sess, nil
}

// readLoop is the single reader goroutine for this session's PTY. It feeds
// the terminal buffer and fans out to subscribers until EOF/error.
func (s *Session) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.Buffer.Write(chunk)
			s.mu.Lock()
			s.Meta.LastActivityAt = time.Now()
			s.mu.Unlock()
			s.fanOut(chunk)
		}
		if err != nil {
			return
		}
	}
}

// ListSessions returns the names of all live sessions.
func (b *Backend) ListSessions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.sessions))
	for name, s := range b.sessions {
		if s != nil {
			names = append(names, name)
		}
	}
	return names
}

// SessionExists reports whether a live session with the given name exists.
func (b *Backend) SessionExists(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[name]
	return ok && s != nil
}

// GetSession returns the live session handle, or nil if not found.
func (b *Backend) GetSession(name string) *Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[name]
}

// Write sends bytes to the session's PTY, chunked to avoid stalling on
// large payloads.
func (b *Backend) Write(name string, p []byte) error {
	const op = "ptyhost.Write"
	sess := b.GetSession(name)
	if sess == nil {
		return sverr.New(op, sverr.SessionNotFound)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.killed {
		return sverr.New(op, sverr.SessionDead)
	}
	for len(p) > 0 {
		n := len(p)
		if n > writeChunkSize {
			n = writeChunkSize
		}
		if _, err := sess.ptmx.Write(p[:n]); err != nil {
			return sverr.Wrap(op, sverr.SessionDead, err)
		}
		p = p[n:]
	}
	return nil
}

// CaptureOutput returns an ANSI-stripped capture of the session's recent
// output, per spec.md §4.1.
func (b *Backend) CaptureOutput(name string, lines int) (string, error) {
	const op = "ptyhost.CaptureOutput"
	sess := b.GetSession(name)
	if sess == nil {
		return "", sverr.New(op, sverr.SessionNotFound)
	}
	return sess.Buffer.Capture(lines, termbuf.DefaultCaptureByteLimit), nil
}

// Subscribe is a Backend-level convenience over Session.OnData: it looks up
// the session by name and registers h, returning ok=false if the session
// does not exist.
func (b *Backend) Subscribe(name string, h DataHandler) (*Subscription, bool) {
	sess := b.GetSession(name)
	if sess == nil {
		return nil, false
	}
	return sess.OnData(h), true
}

// IsChildProcessAlive uses kill(pid, 0) semantics: ESRCH means dead, EPERM
// (and success) mean alive.
func (b *Backend) IsChildProcessAlive(name string) bool {
	sess := b.GetSession(name)
	if sess == nil {
		return false
	}
	return isPidAlive(sess.Meta.ChildPID)
}

func isPidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == syscall.EPERM {
		return true
	}
	return false
}

// KillSession sends SIGTERM, waits killGrace, then SIGKILL, and always
// removes the session from the live set even if the child was already dead.
func (b *Backend) KillSession(name string) error {
	const op = "ptyhost.KillSession"
	sess := b.GetSession(name)
	if sess == nil {
		return sverr.New(op, sverr.SessionNotFound)
	}
	defer func() {
		b.mu.Lock()
		delete(b.sessions, name)
		b.mu.Unlock()
	}()

	sess.mu.Lock()
	sess.killed = true
	pid := sess.Meta.ChildPID
	ptmx := sess.ptmx
	sess.mu.Unlock()

	if pid > 0 {
		_ = syscall.Kill(pid, syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), killGrace)
			defer cancel()
			for {
				if !isPidAlive(pid) {
					close(done)
					return
				}
				select {
				case <-ctx.Done():
					close(done)
					return
				case <-time.After(50 * time.Millisecond):
				}
			}
		}()
		<-done
		if isPidAlive(pid) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
		}
	}
	if ptmx != nil {
		_ = ptmx.Close()
	}
	return nil
}
