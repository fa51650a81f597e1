// Package mcpconfig manages the access-token file that gates
// AGENTMUX_MCP_PORT (SPEC_FULL.md's domain-stack wiring of
// golang.org/x/crypto/bcrypt). Grounded on the teacher's atomic
// temp-file-then-rename write idiom (internal/statestore, itself adapted
// from cmd/wt/update.go's os.Rename(tmp, exe)) for crash-safe persistence,
// and on the bcrypt-hashed-secret pattern used across the example pack's
// web-service repos for credential storage: a client's bearer token is
// hashed before it ever touches disk, so a stolen config file does not
// hand out a usable token.
package mcpconfig

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Grant is one named MCP client's hashed bearer token.
type Grant struct {
	Label      string `json:"label"`
	HashedSecret string `json:"hashed_secret"`
}

// Store is the on-disk set of Grants backing AGENTMUX_MCP_PORT access
// control. Zero value is not usable; construct with Open.
type Store struct {
	mu     sync.Mutex
	path   string
	grants map[string]string // label -> hashed secret
}

// Open loads path (if it exists) into memory. A missing file is not an
// error; it starts empty, mirroring the teacher's "missing file means
// defaults" config tolerance.
func Open(path string) (*Store, error) {
	s := &Store{path: path, grants: make(map[string]string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mcpconfig: read %s: %w", path, err)
	}

	var grants []Grant
	if err := json.Unmarshal(data, &grants); err != nil {
		return nil, fmt.Errorf("mcpconfig: parse %s: %w", path, err)
	}
	for _, g := range grants {
		s.grants[g.Label] = g.HashedSecret
	}
	return s, nil
}

// Merge hashes and stores a token for label (overwriting any existing grant
// for that label) and atomically rewrites the backing file. The plaintext
// token is never persisted.
func (s *Store) Merge(label, plaintextToken string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintextToken), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("mcpconfig: hash token: %w", err)
	}

	s.mu.Lock()
	s.grants[label] = string(hashed)
	err = s.saveLocked()
	s.mu.Unlock()
	return err
}

// Revoke removes label's grant, if any, and atomically rewrites the file.
func (s *Store) Revoke(label string) error {
	s.mu.Lock()
	delete(s.grants, label)
	err := s.saveLocked()
	s.mu.Unlock()
	return err
}

// Verify reports whether plaintextToken matches the stored hash for label.
// A missing label always fails closed.
func (s *Store) Verify(label, plaintextToken string) bool {
	s.mu.Lock()
	hashed, ok := s.grants[label]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plaintextToken)) == nil
}

func (s *Store) saveLocked() error {
	grants := make([]Grant, 0, len(s.grants))
	for label, hashed := range s.grants {
		grants = append(grants, Grant{Label: label, HashedSecret: hashed})
	}
	data, err := json.MarshalIndent(grants, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".mcpconfig-*.tmp")
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
