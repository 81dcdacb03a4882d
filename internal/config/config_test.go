package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEnv(overrides map[string]string) func(string) string {
	return func(key string) string {
		if v, ok := overrides[key]; ok {
			return v
		}
		return ""
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	env := fakeEnv(map[string]string{
		"CLAUDE_CODE_OAUTH_TOKEN": "tok",
		"GH_TOKEN":                "ghtok",
		"GITHUB_REPO":             "acme/widgets",
		"TARGET_REPO_PATH":        "/repo",
	})
	cfg, err := LoadFromEnv(env)
	require.NoError(t, err)

	assert.Equal(t, "main", cfg.BaseBranch)
	assert.Equal(t, 3, cfg.MaxConcurrentAgents)
	assert.Equal(t, 30*time.Minute, cfg.AgentTimeout)
	assert.Equal(t, "agent", cfg.IssueLabel)
	assert.Equal(t, "@claude-swarm", cfg.TriggerMention)
	assert.Equal(t, "/repo-worktrees", cfg.WorktreeDir)
	assert.Equal(t, 8420, cfg.DashboardPort)
	assert.Equal(t, "orchestrator/capabilities", cfg.CapabilitiesDir)
}

func TestLoadFromEnv_CapabilitiesDirOverride(t *testing.T) {
	env := fakeEnv(map[string]string{
		"CLAUDE_CODE_OAUTH_TOKEN": "tok",
		"GH_TOKEN":                "ghtok",
		"GITHUB_REPO":             "acme/widgets",
		"TARGET_REPO_PATH":        "/repo",
		"CAPABILITIES_DIR":        "/etc/swarmd/capabilities",
	})
	cfg, err := LoadFromEnv(env)
	require.NoError(t, err)
	assert.Equal(t, "/etc/swarmd/capabilities", cfg.CapabilitiesDir)
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	env := fakeEnv(map[string]string{
		"CLAUDE_CODE_OAUTH_TOKEN": "tok",
		"GH_TOKEN":                "ghtok",
		"GITHUB_REPO":             "acme/widgets",
		"TARGET_REPO_PATH":        "/repo",
		"MAX_CONCURRENT_AGENTS":   "7",
		"AGENT_TIMEOUT_SECONDS":   "60",
		"WORKTREE_DIR":            "/custom/worktrees",
		"DASHBOARD_PORT":          "9090",
	})
	cfg, err := LoadFromEnv(env)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.MaxConcurrentAgents)
	assert.Equal(t, 60*time.Second, cfg.AgentTimeout)
	assert.Equal(t, "/custom/worktrees", cfg.WorktreeDir)
	assert.Equal(t, 9090, cfg.DashboardPort)
}

func TestLoadFromEnv_BadInt(t *testing.T) {
	env := fakeEnv(map[string]string{
		"MAX_CONCURRENT_AGENTS": "not-a-number",
	})
	_, err := LoadFromEnv(env)
	assert.Error(t, err)
}

func TestValidate_MissingRequired(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "CLAUDE_CODE_OAUTH_TOKEN")
	assert.Contains(t, err.Error(), "GH_TOKEN")
	assert.Contains(t, err.Error(), "GITHUB_REPO")
	assert.Contains(t, err.Error(), "TARGET_REPO_PATH")
}

func TestValidate_TargetRepoMustBeGitDir(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		ClaudeCodeOAuthToken: "t",
		GHToken:              "g",
		GitHubRepo:           "a/b",
		TargetRepoPath:       dir,
		MaxConcurrentAgents:  1,
		MaxIssueRetries:      1,
		MaxPRFixRetries:      1,
	}
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not a git repository")
}

func TestRedacted_MasksSecrets(t *testing.T) {
	cfg := &Config{ClaudeCodeOAuthToken: "sk-secret", GHToken: "ghp_secret", GitHubRepo: "acme/widgets"}
	red := cfg.Redacted()
	assert.Equal(t, "***REDACTED***", red["claude_code_oauth_token"])
	assert.Equal(t, "***REDACTED***", red["gh_token"])
	assert.Equal(t, "acme/widgets", red["github_repo"])
}
