package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuild_Implement(t *testing.T) {
	out := Build(Context{
		Kind:        Implement,
		Repository:  "acme/widgets",
		BaseBranch:  "main",
		IssueNumber: 42,
		IssueTitle:  "Widgets leak memory",
		IssueBody:   "Widgets leak when resized.",
		MaxTurns:    30,
		Capabilities: []string{"db-schema", "release-notes"},
	})

	assert.Contains(t, out, "acme/widgets")
	assert.Contains(t, out, "#42")
	assert.Contains(t, out, "Widgets leak when resized.")
	assert.Contains(t, out, "db-schema, release-notes")
	assert.Contains(t, out, "Target turn budget: 30")
}

func TestBuild_FixReview_IncludesThreadsAndCI(t *testing.T) {
	out := Build(Context{
		Kind:       FixReview,
		Repository: "acme/widgets",
		PRNumber:   7,
		BranchName: "swarmd/issue-42-memory-leak",
		CIFailures: []string{"unit-tests", "lint"},
		Threads: []Thread{
			{File: "widget.go", Line: 10, Author: "reviewer1", Body: "please add a nil check"},
		},
	})

	assert.Contains(t, out, "#7")
	assert.Contains(t, out, "swarmd/issue-42-memory-leak")
	assert.Contains(t, out, "unit-tests")
	assert.Contains(t, out, "widget.go:10")
	assert.Contains(t, out, "please add a nil check")
}

func TestBuild_Resume_MentionsRateLimit(t *testing.T) {
	out := Build(Context{Kind: Resume, Repository: "acme/widgets", ResumeOf: "run-abc123"})
	assert.Contains(t, out, "rate limit")
	assert.Contains(t, out, "run-abc123")
}

func TestBuild_IsPure(t *testing.T) {
	ctx := Context{Kind: Implement, Repository: "acme/widgets", IssueNumber: 1, IssueTitle: "x"}
	a := Build(ctx)
	b := Build(ctx)
	assert.Equal(t, a, b)
}

func TestBuild_NoCapabilities_OmitsSection(t *testing.T) {
	out := Build(Context{Kind: Implement, Repository: "acme/widgets", IssueNumber: 1, IssueTitle: "x"})
	assert.False(t, strings.Contains(out, "capability-invocation"))
}
