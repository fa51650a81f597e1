// Package config is the supervisor's configuration layer (SPEC_FULL.md
// ambient stack). Grounded on the teacher's internal/config.Manager
// (userConfig/projectConfig merge with getStringValue/getIntValue
// fallbacks) but re-sourced from environment variables per spec.md §2,
// since the supervisor has no project-level settings file of its own.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every supervisor-level tunable named in spec.md §2 and §4.7.
type Config struct {
	WebPort         int
	MCPPort         int
	AgentmuxHome    string
	CheckInterval   time.Duration
	AutoCommitEvery time.Duration

	SlackBotToken      string
	SlackAppToken      string
	SlackSigningSecret string
	SlackDefaultChannel string
	SlackAllowedUsers  []string

	NtfyTopic string
	NtfyToken string
}

// Warner receives one message per env var that was present but invalid and
// had to fall back to its default (spec.md §7's "never crash on bad config"
// rule).
type Warner func(message string)

// Load reads the process environment into a Config, applying the defaults
// from spec.md §2 whenever a variable is absent or fails to parse. Invalid
// values are reported to warn (which may be nil) and then treated as
// absent, mirroring the teacher's loadConfig's "missing file means
// defaults" tolerance.
func Load(warn Warner) *Config {
	if warn == nil {
		warn = func(string) {}
	}
	c := &Config{
		WebPort:         3001,
		MCPPort:         3002,
		AgentmuxHome:    defaultAgentmuxHome(),
		CheckInterval:   3 * time.Minute,
		AutoCommitEvery: 30 * time.Minute,
	}

	c.WebPort = intEnv(warn, "WEB_PORT", c.WebPort)
	c.MCPPort = intEnv(warn, "AGENTMUX_MCP_PORT", c.MCPPort)
	if v := os.Getenv("AGENTMUX_HOME"); v != "" {
		c.AgentmuxHome = v
	}
	c.CheckInterval = durationMinutesEnv(warn, "DEFAULT_CHECK_INTERVAL", c.CheckInterval)
	c.AutoCommitEvery = durationMinutesEnv(warn, "AUTO_COMMIT_INTERVAL", c.AutoCommitEvery)

	c.SlackBotToken = os.Getenv("SLACK_BOT_TOKEN")
	c.SlackAppToken = os.Getenv("SLACK_APP_TOKEN")
	c.SlackSigningSecret = os.Getenv("SLACK_SIGNING_SECRET")
	c.SlackDefaultChannel = os.Getenv("SLACK_DEFAULT_CHANNEL")
	c.SlackAllowedUsers = splitNonEmpty(os.Getenv("SLACK_ALLOWED_USERS"))

	c.NtfyTopic = os.Getenv("NTFY_TOPIC")
	c.NtfyToken = os.Getenv("NTFY_TOKEN")

	return c
}

func defaultAgentmuxHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentmux"
	}
	return home + string(os.PathSeparator) + ".agentmux"
}

func intEnv(warn Warner, key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		warn(key + ": invalid integer " + strconv.Quote(v) + ", using default")
		return def
	}
	return n
}

func durationMinutesEnv(warn Warner, key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		warn(key + ": invalid minute count " + strconv.Quote(v) + ", using default")
		return def
	}
	return time.Duration(n) * time.Minute
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
