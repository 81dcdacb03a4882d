// Package ghclient wraps the "gh" command-line client, the only way this
// system is permitted to talk to the hosting service (spec §1: accessed
// exclusively through a command-line client consuming a token from the
// environment). It follows the wandb-catnip PR sync manager's pattern of
// shelling out to "gh api graphql" with exec.Command and decoding the JSON
// response, generalized to cover issue discovery, review threads, CI
// status, and merge state, and extended with google/go-github request/
// response structs wherever a call hits a plain REST endpoint whose JSON
// shape already matches the GitHub API (so those calls get typed decoding
// instead of ad-hoc maps).
package ghclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
)

// Client issues gh CLI subprocesses scoped to one repository.
type Client struct {
	owner, repo string
	env         []string // extra env vars, e.g. GH_TOKEN=...
}

// New constructs a Client for "owner/name".
func New(ownerRepo string, ghToken string) (*Client, error) {
	parts := strings.SplitN(ownerRepo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("ghclient: invalid repository %q, want owner/name", ownerRepo)
	}
	return &Client{
		owner: parts[0],
		repo:  parts[1],
		env:   []string{"GH_TOKEN=" + ghToken},
	}, nil
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Env = append(cmd.Environ(), c.env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("gh %v: %w: %s", args, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Issue is a trigger-gate-relevant subset of an open issue.
type Issue struct {
	Number   int
	Title    string
	Body     string
	Comments []string
}

// ListLabeledIssues returns open issues carrying label, with enough comment
// text to evaluate the trigger-mention gate (spec §4.5).
func (c *Client) ListLabeledIssues(ctx context.Context, label string) ([]Issue, error) {
	out, err := c.run(ctx, "issue", "list",
		"--repo", c.owner+"/"+c.repo,
		"--label", label,
		"--state", "open",
		"--json", "number,title,body,comments",
		"--limit", "200",
	)
	if err != nil {
		return nil, fmt.Errorf("ghclient: list labeled issues: %w", err)
	}

	var raw []struct {
		Number   int    `json:"number"`
		Title    string `json:"title"`
		Body     string `json:"body"`
		Comments []struct {
			Body string `json:"body"`
		} `json:"comments"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("ghclient: decode issue list: %w", err)
	}

	issues := make([]Issue, 0, len(raw))
	for _, r := range raw {
		iss := Issue{Number: r.Number, Title: r.Title, Body: r.Body}
		for _, com := range r.Comments {
			iss.Comments = append(iss.Comments, com.Body)
		}
		issues = append(issues, iss)
	}
	return issues, nil
}

// HasTriggerMention reports whether any comment body contains mention,
// case-sensitively (spec §4.5 trigger gate).
func HasTriggerMention(issue Issue, mention string) bool {
	if mention == "" {
		return true
	}
	for _, c := range issue.Comments {
		if strings.Contains(c, mention) {
			return true
		}
	}
	return false
}

// FindOpenPRByBranch returns the PR number of an open PR whose head branch
// equals branch, or 0 if none exists (spec §4.5 existing-PR detection, and
// §4.3 PR-recovery step one).
func (c *Client) FindOpenPRByBranch(ctx context.Context, branch string) (int, error) {
	out, err := c.run(ctx, "pr", "list",
		"--repo", c.owner+"/"+c.repo,
		"--head", branch,
		"--state", "open",
		"--json", "number",
	)
	if err != nil {
		return 0, fmt.Errorf("ghclient: find pr by branch %s: %w", branch, err)
	}

	var raw []struct {
		Number int `json:"number"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return 0, fmt.Errorf("ghclient: decode pr list: %w", err)
	}
	if len(raw) == 0 {
		return 0, nil
	}
	return raw[0].Number, nil
}

// BranchPushed reports whether branch exists on origin (spec §4.3
// PR-recovery step two).
func (c *Client) BranchPushed(ctx context.Context, branch string) (bool, error) {
	_, err := c.run(ctx, "api", fmt.Sprintf("repos/%s/%s/branches/%s", c.owner, c.repo, branch))
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, fmt.Errorf("ghclient: check branch %s: %w", branch, err)
	}
	return true, nil
}

// CreatePR opens a pull request from branch into base, returning the new PR
// number. It decodes the response with go-github's PullRequest type since
// "gh api repos/.../pulls" returns the exact GitHub REST shape. This is the
// last rung of the PR-recovery ladder (spec §4.3): only reached once an
// existing open PR and a pushed branch have both been ruled out.
func (c *Client) CreatePR(ctx context.Context, branch, base, title, body string) (int, error) {
	payload, err := json.Marshal(map[string]string{
		"title": title,
		"head":  branch,
		"base":  base,
		"body":  body,
	})
	if err != nil {
		return 0, err
	}
	return c.createPRViaStdin(ctx, payload)
}

func (c *Client) createPRViaStdin(ctx context.Context, payload []byte) (int, error) {
	cmd := exec.CommandContext(ctx, "gh", "api", fmt.Sprintf("repos/%s/%s/pulls", c.owner, c.repo), "--method", "POST", "--input", "-")
	cmd.Env = append(cmd.Environ(), c.env...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ghclient: create pr: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var pr github.PullRequest
	if err := json.Unmarshal(stdout.Bytes(), &pr); err != nil {
		return 0, fmt.Errorf("ghclient: decode created pr: %w", err)
	}
	return pr.GetNumber(), nil
}

// AddLabel applies a label to an issue or PR (spec §4.6 escalation, §7).
func (c *Client) AddLabel(ctx context.Context, issueOrPRNumber int, label string) error {
	_, err := c.run(ctx, "issue", "edit", fmt.Sprintf("%d", issueOrPRNumber),
		"--repo", c.owner+"/"+c.repo, "--add-label", label)
	if err != nil {
		return fmt.Errorf("ghclient: add label %s to #%d: %w", label, issueOrPRNumber, err)
	}
	return nil
}

// MergeState reports whether a PR has been merged.
func (c *Client) MergeState(ctx context.Context, prNumber int) (merged bool, err error) {
	out, err := c.run(ctx, "pr", "view", fmt.Sprintf("%d", prNumber),
		"--repo", c.owner+"/"+c.repo, "--json", "state,mergedAt")
	if err != nil {
		return false, fmt.Errorf("ghclient: merge state for #%d: %w", prNumber, err)
	}

	var raw struct {
		State    string     `json:"state"`
		MergedAt *time.Time `json:"mergedAt"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return false, fmt.Errorf("ghclient: decode pr view: %w", err)
	}
	return raw.State == "MERGED" || raw.MergedAt != nil, nil
}

// reviewThreadsQuery mirrors the catnip PR sync manager's pattern of
// building a single GraphQL query string and invoking it via
// "gh api graphql -f query=...", rather than pulling in a full GraphQL
// client for one query shape.
const reviewThreadsQuery = `
query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $number) {
      reviewThreads(first: 100) {
        nodes { isResolved }
      }
    }
  }
}`

// UnresolvedReviewThreads returns the count of unresolved review threads on
// a PR. If the GraphQL query fails (older gh versions, permission issues),
// it falls back to a raw issue-comment count per the Design Notes
// "review-thread fallback" note, and usedFallback reports which path ran.
func (c *Client) UnresolvedReviewThreads(ctx context.Context, prNumber int) (count int, usedFallback bool, err error) {
	out, err := c.run(ctx, "api", "graphql",
		"-f", "query="+reviewThreadsQuery,
		"-f", "owner="+c.owner,
		"-f", "repo="+c.repo,
		"-F", fmt.Sprintf("number=%d", prNumber),
	)
	if err == nil {
		if unresolved, perr := parseReviewThreadsResponse(out); perr == nil {
			return unresolved, false, nil
		}
	}

	// Fallback: a PR with any comments at all is treated as having feedback
	// outstanding until a merge-state or CI transition clears it. This is
	// coarser than real thread resolution but keeps the monitor loop
	// functioning when GraphQL is unavailable.
	n, ferr := c.commentCount(ctx, prNumber)
	if ferr != nil {
		return 0, true, fmt.Errorf("ghclient: review threads for #%d: graphql failed (%w) and comment fallback failed: %v", prNumber, err, ferr)
	}
	return n, true, nil
}

func parseReviewThreadsResponse(out []byte) (unresolved int, err error) {
	var resp struct {
		Data struct {
			Repository struct {
				PullRequest struct {
					ReviewThreads struct {
						Nodes []struct {
							IsResolved bool `json:"isResolved"`
						} `json:"nodes"`
					} `json:"reviewThreads"`
				} `json:"pullRequest"`
			} `json:"repository"`
		} `json:"data"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return 0, err
	}
	for _, n := range resp.Data.Repository.PullRequest.ReviewThreads.Nodes {
		if !n.IsResolved {
			unresolved++
		}
	}
	return unresolved, nil
}

// reviewThreadDetailsQuery is the richer sibling of reviewThreadsQuery: it
// pulls enough of each unresolved thread's first comment (path, line,
// author, body) for the fix_review prompt to quote it directly, instead of
// just counting threads (spec §4.3 "prompt is composed from the
// unresolved-thread snapshot passed by the PR Monitor").
const reviewThreadDetailsQuery = `
query($owner: String!, $repo: String!, $number: Int!) {
  repository(owner: $owner, name: $repo) {
    pullRequest(number: $number) {
      reviewThreads(first: 100) {
        nodes {
          isResolved
          path
          line
          comments(first: 1) {
            nodes { body author { login } }
          }
        }
      }
    }
  }
}`

// ThreadDetail is one unresolved review thread's content, carried through
// ReviewIteration.CommentsJSON so the fix_review prompt can quote it.
type ThreadDetail struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Author string `json:"author"`
	Body   string `json:"body"`
}

// UnresolvedReviewThreadDetails returns the content of every unresolved
// review thread on a PR. Unlike UnresolvedReviewThreads it has no
// comment-count fallback: if the GraphQL query fails, the caller gets an
// empty slice and the fix prompt simply falls back to its generic
// "address review feedback" framing.
func (c *Client) UnresolvedReviewThreadDetails(ctx context.Context, prNumber int) ([]ThreadDetail, error) {
	out, err := c.run(ctx, "api", "graphql",
		"-f", "query="+reviewThreadDetailsQuery,
		"-f", "owner="+c.owner,
		"-f", "repo="+c.repo,
		"-F", fmt.Sprintf("number=%d", prNumber),
	)
	if err != nil {
		return nil, fmt.Errorf("ghclient: review thread details for #%d: %w", prNumber, err)
	}
	return parseReviewThreadDetails(out)
}

func parseReviewThreadDetails(out []byte) ([]ThreadDetail, error) {
	var resp struct {
		Data struct {
			Repository struct {
				PullRequest struct {
					ReviewThreads struct {
						Nodes []struct {
							IsResolved bool   `json:"isResolved"`
							Path       string `json:"path"`
							Line       int    `json:"line"`
							Comments   struct {
								Nodes []struct {
									Body   string `json:"body"`
									Author struct {
										Login string `json:"login"`
									} `json:"author"`
								} `json:"nodes"`
							} `json:"comments"`
						} `json:"nodes"`
					} `json:"reviewThreads"`
				} `json:"pullRequest"`
			} `json:"repository"`
		} `json:"data"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, err
	}

	var details []ThreadDetail
	for _, n := range resp.Data.Repository.PullRequest.ReviewThreads.Nodes {
		if n.IsResolved {
			continue
		}
		d := ThreadDetail{File: n.Path, Line: n.Line}
		if len(n.Comments.Nodes) > 0 {
			d.Body = n.Comments.Nodes[0].Body
			d.Author = n.Comments.Nodes[0].Author.Login
		}
		details = append(details, d)
	}
	return details, nil
}

// FailingCheckNames returns the names of every check run in a failing state
// on a PR, for the fix_review prompt's "Failing checks" section.
func (c *Client) FailingCheckNames(ctx context.Context, prNumber int) ([]string, error) {
	out, err := c.run(ctx, "pr", "checks", fmt.Sprintf("%d", prNumber),
		"--repo", c.owner+"/"+c.repo, "--json", "name,state")
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("ghclient: failing checks for #%d: %w", prNumber, err)
	}
	return parseFailingCheckNames(out)
}

func parseFailingCheckNames(out []byte) ([]string, error) {
	var raw []struct {
		Name  string `json:"name"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("ghclient: decode ci checks: %w", err)
	}
	var names []string
	for _, r := range raw {
		switch strings.ToUpper(r.State) {
		case "FAILURE", "ERROR", "CANCELLED", "TIMED_OUT":
			names = append(names, r.Name)
		}
	}
	return names, nil
}

func (c *Client) commentCount(ctx context.Context, prNumber int) (int, error) {
	out, err := c.run(ctx, "api", fmt.Sprintf("repos/%s/%s/issues/%d/comments", c.owner, c.repo, prNumber))
	if err != nil {
		return 0, err
	}
	var comments []github.IssueComment
	if err := json.Unmarshal(out, &comments); err != nil {
		return 0, fmt.Errorf("decode comments: %w", err)
	}
	return len(comments), nil
}

// CIBucket is the normalized outcome of a PR's check runs.
type CIBucket string

const (
	CIPending CIBucket = "pending"
	CIPassed  CIBucket = "passed"
	CIFailed  CIBucket = "failed"
)

// CIStatus normalizes a PR's check-run statuses into one bucket: any
// pending/queued/in_progress run makes the whole PR "pending"; any failed
// or errored run (with none pending) makes it "failed"; otherwise "passed".
func (c *Client) CIStatus(ctx context.Context, prNumber int) (CIBucket, error) {
	out, err := c.run(ctx, "pr", "checks", fmt.Sprintf("%d", prNumber),
		"--repo", c.owner+"/"+c.repo, "--json", "state")
	if err != nil {
		// gh exits non-zero when any check failed; its stdout is still valid
		// JSON describing which ones, so only bail if stdout is empty.
		if len(out) == 0 {
			return CIPending, fmt.Errorf("ghclient: ci status for #%d: %w", prNumber, err)
		}
	}
	return parseCIChecks(out)
}

func parseCIChecks(out []byte) (CIBucket, error) {
	var raw []struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return CIPending, fmt.Errorf("ghclient: decode ci checks: %w", err)
	}
	if len(raw) == 0 {
		return CIPending, nil
	}

	sawFailed := false
	for _, r := range raw {
		switch strings.ToUpper(r.State) {
		case "PENDING", "QUEUED", "IN_PROGRESS", "EXPECTED":
			return CIPending, nil
		case "FAILURE", "ERROR", "CANCELLED", "TIMED_OUT":
			sawFailed = true
		}
	}
	if sawFailed {
		return CIFailed, nil
	}
	return CIPassed, nil
}

// PRBranch returns the head branch name for an existing PR.
func (c *Client) PRBranch(ctx context.Context, prNumber int) (string, error) {
	out, err := c.run(ctx, "pr", "view", fmt.Sprintf("%d", prNumber),
		"--repo", c.owner+"/"+c.repo, "--json", "headRefName")
	if err != nil {
		return "", fmt.Errorf("ghclient: pr branch for #%d: %w", prNumber, err)
	}
	var raw struct {
		HeadRefName string `json:"headRefName"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return "", fmt.Errorf("ghclient: decode pr view: %w", err)
	}
	return raw.HeadRefName, nil
}
