// Package prompt builds the text sent to an agent process. It follows the
// teacher's claudecode.Adapter.BuildPrompt idiom of a single builder over a
// structured context, but per Design Notes §9 the builder here is pure: no
// I/O, no globals, just string assembly over a Context value.
package prompt

import (
	"fmt"
	"strings"
)

// Kind distinguishes the two dispatch shapes the supervisor composes
// prompts for (spec §4.4 Dispatch).
type Kind int

const (
	// Implement is the initial attempt at a work item driven by an issue.
	Implement Kind = iota
	// FixReview addresses unresolved review threads and/or failing CI on
	// an existing PR branch.
	FixReview
	// Resume continues a rate-limited run in its preserved worktree.
	Resume
)

// Thread is one unresolved review comment thread the fix_review prompt
// must address.
type Thread struct {
	File    string
	Line    int
	Author  string
	Body    string
	Context string // surrounding diff context, if available
}

// Context is the structured input to Build. It carries everything a prompt
// template might need; which fields matter depends on Kind.
type Context struct {
	Kind Kind

	Repository string
	BaseBranch string

	IssueNumber int
	IssueTitle  string
	IssueBody   string

	PRNumber     int
	BranchName   string
	Threads      []Thread
	CIFailures   []string

	Capabilities []string // names discovered by internal/capability

	MaxTurns int

	// RetryHint carries context about prior failed attempts on this work
	// item, e.g. "attempt 2 of 3; previous run timed out".
	RetryHint string

	// ResumeOf is the prior session/run identifier a Resume prompt should
	// instruct the agent to continue from.
	ResumeOf string
}

// Build composes the full prompt string for ctx. It is pure: given the same
// Context it always returns the same string.
func Build(ctx Context) string {
	switch ctx.Kind {
	case FixReview:
		return buildFixReview(ctx)
	case Resume:
		return buildResume(ctx)
	default:
		return buildImplement(ctx)
	}
}

func buildImplement(ctx Context) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are working on repository: %s\n\n", ctx.Repository)
	fmt.Fprintf(&sb, "Resolve GitHub issue #%d: %s\n\n", ctx.IssueNumber, ctx.IssueTitle)
	if ctx.IssueBody != "" {
		sb.WriteString(ctx.IssueBody)
		sb.WriteString("\n\n")
	}

	sb.WriteString("Instructions:\n")
	fmt.Fprintf(&sb, "1. The repository worktree is already checked out on a branch based on %s.\n", ctx.BaseBranch)
	sb.WriteString("2. Implement a complete fix or feature addressing the issue.\n")
	sb.WriteString("3. Run the project's existing tests and add new ones for the change.\n")
	sb.WriteString("4. Commit your changes with a descriptive message referencing the issue.\n")
	sb.WriteString("5. Push the branch and open a pull request that closes the issue.\n\n")
	sb.WriteString("Use the 'gh' CLI for GitHub operations and 'git' for version control.\n")

	appendCapabilities(&sb, ctx.Capabilities)
	appendBudgetAndRetry(&sb, ctx)

	return sb.String()
}

func buildFixReview(ctx Context) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are working on repository: %s\n\n", ctx.Repository)
	fmt.Fprintf(&sb, "Address review feedback on pull request #%d (branch %s).\n\n", ctx.PRNumber, ctx.BranchName)

	if len(ctx.CIFailures) > 0 {
		sb.WriteString("Failing checks:\n")
		for _, f := range ctx.CIFailures {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
		sb.WriteString("\n")
	}

	if len(ctx.Threads) > 0 {
		sb.WriteString("Unresolved review threads:\n\n")
		for i, t := range ctx.Threads {
			fmt.Fprintf(&sb, "%d. %s:%d (%s)\n", i+1, t.File, t.Line, t.Author)
			sb.WriteString("   " + strings.ReplaceAll(t.Body, "\n", "\n   ") + "\n")
			if t.Context != "" {
				sb.WriteString("   context:\n   " + strings.ReplaceAll(t.Context, "\n", "\n   ") + "\n")
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("Instructions:\n")
	sb.WriteString("1. The worktree is already checked out on the PR's branch.\n")
	sb.WriteString("2. Address every unresolved thread above and fix any failing checks.\n")
	sb.WriteString("3. Reply to or resolve threads you have addressed using the 'gh' CLI.\n")
	sb.WriteString("4. Commit and push to the existing branch; do not open a new pull request.\n\n")

	appendCapabilities(&sb, ctx.Capabilities)
	appendBudgetAndRetry(&sb, ctx)

	return sb.String()
}

func buildResume(ctx Context) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are resuming work on repository: %s\n\n", ctx.Repository)
	if ctx.ResumeOf != "" {
		fmt.Fprintf(&sb, "This continues prior session %s, which stopped due to a rate limit.\n", ctx.ResumeOf)
	} else {
		sb.WriteString("The prior run stopped due to a rate limit.\n")
	}
	sb.WriteString("Re-read the current version-control state (git status, git log, git diff) in this worktree ")
	sb.WriteString("before taking any action — work may already be partially complete.\n\n")
	sb.WriteString("Continue until the task described in the earlier instructions is finished, then commit, ")
	sb.WriteString("push, and ensure a pull request exists or is updated.\n")

	appendCapabilities(&sb, ctx.Capabilities)
	appendBudgetAndRetry(&sb, ctx)

	return sb.String()
}

func appendCapabilities(sb *strings.Builder, caps []string) {
	if len(caps) == 0 {
		return
	}
	sb.WriteString("\nAdditional capabilities are available via the capability-invocation tool: ")
	sb.WriteString(strings.Join(caps, ", "))
	sb.WriteString(".\n")
}

func appendBudgetAndRetry(sb *strings.Builder, ctx Context) {
	if ctx.MaxTurns > 0 {
		fmt.Fprintf(sb, "\nTarget turn budget: %d. The real limit is a wall-clock timeout; use turns efficiently.\n", ctx.MaxTurns)
	}
	if ctx.RetryHint != "" {
		fmt.Fprintf(sb, "\nNote: %s\n", ctx.RetryHint)
	}
}
