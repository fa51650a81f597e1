package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WEB_PORT", "")
	t.Setenv("AGENTMUX_MCP_PORT", "")
	t.Setenv("DEFAULT_CHECK_INTERVAL", "")
	t.Setenv("AUTO_COMMIT_INTERVAL", "")

	c := Load(nil)
	if c.WebPort != 3001 {
		t.Fatalf("expected default web port 3001, got %d", c.WebPort)
	}
	if c.CheckInterval != 3*time.Minute {
		t.Fatalf("expected default check interval 3m, got %v", c.CheckInterval)
	}
}

func TestLoadInvalidFallsBackAndWarns(t *testing.T) {
	t.Setenv("WEB_PORT", "not-a-number")

	var warnings []string
	c := Load(func(msg string) { warnings = append(warnings, msg) })

	if c.WebPort != 3001 {
		t.Fatalf("expected fallback to default on invalid WEB_PORT, got %d", c.WebPort)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %v", warnings)
	}
}

func TestSlackAllowedUsersSplit(t *testing.T) {
	t.Setenv("SLACK_ALLOWED_USERS", "u1,u2,,u3")
	c := Load(nil)
	if len(c.SlackAllowedUsers) != 3 {
		t.Fatalf("expected 3 users, got %v", c.SlackAllowedUsers)
	}
}
