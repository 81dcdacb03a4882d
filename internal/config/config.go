// Package config loads and validates the orchestrator's environment-variable
// configuration table (spec §6). It follows the teacher's
// LoadConfigFromEnv(getenv, readFile)-injection idiom so tests can supply a
// fake environment without touching the process's real one.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	swarmderrors "github.com/andywolf/swarmd/internal/errors"
)

// Config is the fully-resolved orchestrator configuration.
type Config struct {
	ClaudeCodeOAuthToken string
	GHToken              string
	GitHubRepo           string // owner/name
	TargetRepoPath       string
	BaseBranch           string

	MaxConcurrentAgents int
	AgentMaxTurnsImplement int
	AgentMaxTurnsFix       int
	AgentTimeout         time.Duration
	PollInterval         time.Duration
	PRPollInterval       time.Duration
	IssueLabel           string
	TriggerMention       string
	MaxIssueRetries      int
	MaxPRFixRetries      int
	RateLimitRetryInterval time.Duration
	MaxRateLimitResumes  int
	SkillsEnabled        bool
	CapabilitiesDir      string
	WorktreeDir          string
	DBPath               string
	DashboardPort        int
}

// defaults mirrors the table in spec.md §6.
var defaults = Config{
	BaseBranch:             "main",
	MaxConcurrentAgents:    3,
	AgentMaxTurnsImplement: 30,
	AgentMaxTurnsFix:       20,
	AgentTimeout:           1800 * time.Second,
	PollInterval:           300 * time.Second,
	PRPollInterval:         120 * time.Second,
	IssueLabel:             "agent",
	TriggerMention:         "@claude-swarm",
	MaxIssueRetries:        3,
	MaxPRFixRetries:        5,
	RateLimitRetryInterval: 300 * time.Second,
	MaxRateLimitResumes:    5,
	SkillsEnabled:          true,
	CapabilitiesDir:        "orchestrator/capabilities",
	DBPath:                 "orchestrator/swarm.db",
	DashboardPort:          8420,
}

// Load resolves configuration from the real process environment.
func Load() (*Config, error) {
	return LoadFromEnv(os.Getenv)
}

// LoadFromEnv resolves configuration using the supplied getenv function,
// allowing tests to inject a fake environment.
func LoadFromEnv(getenv func(string) string) (*Config, error) {
	cfg := defaults

	cfg.ClaudeCodeOAuthToken = getenv("CLAUDE_CODE_OAUTH_TOKEN")
	cfg.GHToken = getenv("GH_TOKEN")
	cfg.GitHubRepo = getenv("GITHUB_REPO")
	cfg.TargetRepoPath = getenv("TARGET_REPO_PATH")

	if v := getenv("BASE_BRANCH"); v != "" {
		cfg.BaseBranch = v
	}
	if v := getenv("MAX_CONCURRENT_AGENTS"); v != "" {
		n, err := parseInt(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_CONCURRENT_AGENTS: %w", err)
		}
		cfg.MaxConcurrentAgents = n
	}
	if v := getenv("AGENT_MAX_TURNS_IMPLEMENT"); v != "" {
		n, err := parseInt(v)
		if err != nil {
			return nil, fmt.Errorf("AGENT_MAX_TURNS_IMPLEMENT: %w", err)
		}
		cfg.AgentMaxTurnsImplement = n
	}
	if v := getenv("AGENT_MAX_TURNS_FIX"); v != "" {
		n, err := parseInt(v)
		if err != nil {
			return nil, fmt.Errorf("AGENT_MAX_TURNS_FIX: %w", err)
		}
		cfg.AgentMaxTurnsFix = n
	}
	if v := getenv("AGENT_TIMEOUT_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return nil, fmt.Errorf("AGENT_TIMEOUT_SECONDS: %w", err)
		}
		cfg.AgentTimeout = d
	}
	if v := getenv("POLL_INTERVAL_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return nil, fmt.Errorf("POLL_INTERVAL_SECONDS: %w", err)
		}
		cfg.PollInterval = d
	}
	if v := getenv("PR_POLL_INTERVAL_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return nil, fmt.Errorf("PR_POLL_INTERVAL_SECONDS: %w", err)
		}
		cfg.PRPollInterval = d
	}
	if v := getenv("ISSUE_LABEL"); v != "" {
		cfg.IssueLabel = v
	}
	// TRIGGER_MENTION is read unconditionally: an explicitly empty value
	// must disable the gate, so presence in the environment (even as "")
	// has to take precedence over the default. LookupEnv semantics are
	// approximated here by treating getenv's zero value as "unset".
	if v, ok := lookup(getenv, "TRIGGER_MENTION"); ok {
		cfg.TriggerMention = v
	}
	if v := getenv("MAX_ISSUE_RETRIES"); v != "" {
		n, err := parseInt(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_ISSUE_RETRIES: %w", err)
		}
		cfg.MaxIssueRetries = n
	}
	if v := getenv("MAX_PR_FIX_RETRIES"); v != "" {
		n, err := parseInt(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_PR_FIX_RETRIES: %w", err)
		}
		cfg.MaxPRFixRetries = n
	}
	if v := getenv("RATE_LIMIT_RETRY_INTERVAL"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return nil, fmt.Errorf("RATE_LIMIT_RETRY_INTERVAL: %w", err)
		}
		cfg.RateLimitRetryInterval = d
	}
	if v := getenv("MAX_RATE_LIMIT_RESUMES"); v != "" {
		n, err := parseInt(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_RATE_LIMIT_RESUMES: %w", err)
		}
		cfg.MaxRateLimitResumes = n
	}
	if v := getenv("SKILLS_ENABLED"); v != "" {
		cfg.SkillsEnabled = v != "false" && v != "0"
	}
	if v := getenv("CAPABILITIES_DIR"); v != "" {
		cfg.CapabilitiesDir = v
	}
	if v := getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("DASHBOARD_PORT"); v != "" {
		n, err := parseInt(v)
		if err != nil {
			return nil, fmt.Errorf("DASHBOARD_PORT: %w", err)
		}
		cfg.DashboardPort = n
	}

	if v := getenv("WORKTREE_DIR"); v != "" {
		cfg.WorktreeDir = v
	} else if cfg.TargetRepoPath != "" {
		base := filepath.Base(cfg.TargetRepoPath)
		cfg.WorktreeDir = filepath.Join(filepath.Dir(cfg.TargetRepoPath), base+"-worktrees")
	}

	return &cfg, nil
}

func lookup(getenv func(string) string, key string) (string, bool) {
	v := getenv(key)
	return v, v != ""
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func parseSeconds(s string) (time.Duration, error) {
	n, err := parseInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// Validate checks that all required fields are present and well-formed
// before any control loop starts (spec §7 "Configuration / environment
// error at startup").
func (c *Config) Validate() error {
	var missing []string
	if c.ClaudeCodeOAuthToken == "" {
		missing = append(missing, "CLAUDE_CODE_OAUTH_TOKEN")
	}
	if c.GHToken == "" {
		missing = append(missing, "GH_TOKEN")
	}
	if c.GitHubRepo == "" {
		missing = append(missing, "GITHUB_REPO")
	}
	if c.TargetRepoPath == "" {
		missing = append(missing, "TARGET_REPO_PATH")
	}
	if len(missing) > 0 {
		return swarmderrors.NewConfig("missing required environment variables: %v", missing)
	}

	info, err := os.Stat(c.TargetRepoPath)
	if err != nil {
		return swarmderrors.NewConfig("TARGET_REPO_PATH %q: %v", c.TargetRepoPath, err)
	}
	if !info.IsDir() {
		return swarmderrors.NewConfig("TARGET_REPO_PATH %q is not a directory", c.TargetRepoPath)
	}
	if _, err := os.Stat(filepath.Join(c.TargetRepoPath, ".git")); err != nil {
		return swarmderrors.NewConfig("TARGET_REPO_PATH %q is not a git repository: %v", c.TargetRepoPath, err)
	}

	if c.MaxConcurrentAgents <= 0 {
		return swarmderrors.NewConfig("MAX_CONCURRENT_AGENTS must be positive")
	}
	if c.MaxIssueRetries <= 0 {
		return swarmderrors.NewConfig("MAX_ISSUE_RETRIES must be positive")
	}
	if c.MaxPRFixRetries <= 0 {
		return swarmderrors.NewConfig("MAX_PR_FIX_RETRIES must be positive")
	}

	return nil
}

// Redacted returns a copy of the config with secret fields masked, suitable
// for a one-line startup log (spec §7: "stderr ... carries redacted
// configuration at startup").
func (c *Config) Redacted() map[string]interface{} {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***REDACTED***"
	}
	return map[string]interface{}{
		"claude_code_oauth_token":   mask(c.ClaudeCodeOAuthToken),
		"gh_token":                  mask(c.GHToken),
		"github_repo":               c.GitHubRepo,
		"target_repo_path":          c.TargetRepoPath,
		"base_branch":               c.BaseBranch,
		"max_concurrent_agents":     c.MaxConcurrentAgents,
		"agent_timeout":             c.AgentTimeout.String(),
		"poll_interval":             c.PollInterval.String(),
		"pr_poll_interval":          c.PRPollInterval.String(),
		"issue_label":               c.IssueLabel,
		"trigger_mention":           c.TriggerMention,
		"max_issue_retries":         c.MaxIssueRetries,
		"max_pr_fix_retries":        c.MaxPRFixRetries,
		"rate_limit_retry_interval": c.RateLimitRetryInterval.String(),
		"max_rate_limit_resumes":    c.MaxRateLimitResumes,
		"skills_enabled":            c.SkillsEnabled,
		"capabilities_dir":          c.CapabilitiesDir,
		"worktree_dir":              c.WorktreeDir,
		"db_path":                   c.DBPath,
		"dashboard_port":            c.DashboardPort,
	}
}
