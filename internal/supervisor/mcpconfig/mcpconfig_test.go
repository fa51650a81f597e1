package mcpconfig

import (
	"path/filepath"
	"testing"
)

func TestMergeAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Merge("claude-desktop", "s3cr3t"); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !s.Verify("claude-desktop", "s3cr3t") {
		t.Fatal("expected correct token to verify")
	}
	if s.Verify("claude-desktop", "wrong") {
		t.Fatal("expected wrong token to fail verification")
	}
}

func TestPlaintextNeverPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, _ := Open(path)
	if err := s.Merge("client", "top-secret-value"); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !reopened.Verify("client", "top-secret-value") {
		t.Fatal("expected grant to survive reload")
	}
	if reopened.grants["client"] == "top-secret-value" {
		t.Fatal("plaintext token must not be stored verbatim")
	}
}

func TestRevoke(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, _ := Open(path)
	_ = s.Merge("client", "secret")
	if err := s.Revoke("client"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if s.Verify("client", "secret") {
		t.Fatal("expected revoked grant to fail verification")
	}
}

func TestVerifyUnknownLabelFailsClosed(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "tokens.json"))
	if s.Verify("nobody", "anything") {
		t.Fatal("expected unknown label to fail verification")
	}
}
