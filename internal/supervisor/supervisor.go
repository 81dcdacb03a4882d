// Package supervisor implements the Agent Pool Supervisor (spec §4.3): it
// owns the live process handles for every running agent, dispatches work
// items and review iterations that are waiting for one, and reconciles each
// process's conclusion (completed/failed/timeout/rate-limited) back into
// the state store. It is the one component that wires together
// internal/agentproc, internal/ingest, internal/worktree, internal/prompt,
// internal/ghclient, and internal/store, mirroring how the teacher's
// controller.Controller composes its own adapter/container-pool/event-sink
// stack into a single run loop.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andywolf/swarmd/internal/agentproc"
	"github.com/andywolf/swarmd/internal/capability"
	"github.com/andywolf/swarmd/internal/ingest"
	"github.com/andywolf/swarmd/internal/logx"
	"github.com/andywolf/swarmd/internal/metrics"
	"github.com/andywolf/swarmd/internal/prompt"
	"github.com/andywolf/swarmd/internal/store"
	"github.com/andywolf/swarmd/internal/worktree"
)

// Hoster is the subset of ghclient.Client the supervisor needs, both to
// recover a PR number after an agent run and to act on review context.
type Hoster interface {
	FindOpenPRByBranch(ctx context.Context, branch string) (int, error)
	BranchPushed(ctx context.Context, branch string) (bool, error)
	CreatePR(ctx context.Context, branch, base, title, body string) (int, error)
	PRBranch(ctx context.Context, prNumber int) (string, error)
	AddLabel(ctx context.Context, issueOrPRNumber int, label string) error
}

// Supervisor owns every live agent process and dispatches new ones.
type Supervisor struct {
	store *store.Store
	host  Hoster
	wt    *worktree.Manager
	met   *metrics.Registry
	log   *logx.Logger

	repository   string
	baseBranch   string
	claudeToken  string
	ghToken      string
	maxConcurrent int
	maxTurnsImplement int
	maxTurnsFix       int
	agentTimeout      time.Duration
	maxRateLimitResumes int
	maxIssueRetries     int
	needsHumanLabel     string
	agentCommand        string
	agentArgs           []string
	capabilities        []capability.Entry

	mu      sync.Mutex
	handles map[string]*liveRun
}

type liveRun struct {
	handle         *agentproc.Handle
	kind           string
	workItemNumber int
	prNumber       int
	iterationID    int64
	worktreePath   string
	branchName     string

	mu               sync.Mutex
	discoveredPR     int
	discoveredViaRegex bool
}

// Config bundles the constructor's scalar parameters to keep New's
// signature manageable.
type Config struct {
	Repository          string
	BaseBranch          string
	ClaudeCodeOAuthToken string
	GHToken              string
	MaxConcurrentAgents  int
	MaxTurnsImplement    int
	MaxTurnsFix          int
	AgentTimeout         time.Duration
	MaxRateLimitResumes  int

	// MaxIssueRetries caps implement-dispatch attempts per work item (spec
	// §3, §8 invariant 4): a failed/timed-out run whose work item has
	// reached this ceiling escalates to needs_human instead of requeuing.
	MaxIssueRetries int
	// NeedsHumanLabel is applied to the underlying issue on escalation
	// (spec §4.6, §7 "Escalation").
	NeedsHumanLabel string

	// AgentCommand/AgentArgs override the spawned CLI program, defaulting
	// to the real "claude --print --verbose --output-format stream-json
	// --dangerously-skip-permissions" invocation. Tests substitute a
	// trivial program to exercise dispatch/reconcile without requiring the
	// real CLI to be installed.
	AgentCommand string
	AgentArgs    []string

	// CapabilityDir, if set, is scanned once at construction time for a
	// capability manifest whose entries are injected into every prompt
	// (filtered by phase). Empty means no capabilities are advertised.
	CapabilityDir string
}

// New constructs a Supervisor.
func New(st *store.Store, host Hoster, wt *worktree.Manager, met *metrics.Registry, log *logx.Logger, cfg Config) *Supervisor {
	needsHumanLabel := cfg.NeedsHumanLabel
	if needsHumanLabel == "" {
		needsHumanLabel = "needs-human"
	}

	command := cfg.AgentCommand
	args := cfg.AgentArgs
	if command == "" {
		command = "claude"
		args = []string{"--print", "--verbose", "--output-format", "stream-json", "--dangerously-skip-permissions"}
	}

	var caps []capability.Entry
	if cfg.CapabilityDir != "" {
		entries, err := capability.Discover(cfg.CapabilityDir)
		if err != nil {
			log.Warn("capability discovery in %s: %v", cfg.CapabilityDir, err)
		} else {
			caps = entries
		}
	}

	return &Supervisor{
		store:               st,
		host:                host,
		wt:                  wt,
		met:                 met,
		log:                 log,
		repository:          cfg.Repository,
		baseBranch:          cfg.BaseBranch,
		claudeToken:         cfg.ClaudeCodeOAuthToken,
		ghToken:             cfg.GHToken,
		maxConcurrent:       cfg.MaxConcurrentAgents,
		maxTurnsImplement:   cfg.MaxTurnsImplement,
		maxTurnsFix:         cfg.MaxTurnsFix,
		agentTimeout:        cfg.AgentTimeout,
		maxRateLimitResumes: cfg.MaxRateLimitResumes,
		maxIssueRetries:     cfg.MaxIssueRetries,
		needsHumanLabel:     needsHumanLabel,
		agentCommand:        command,
		agentArgs:           args,
		capabilities:        caps,
		handles:             make(map[string]*liveRun),
	}
}

// DispatchCycle scans for pending work items and fixable review iterations,
// dispatching an agent for as many as current capacity allows. It is
// intended to be called on a short ticker from the orchestrator's main
// loop, alongside the poller and PR monitor loops.
func (sup *Supervisor) DispatchCycle(ctx context.Context) {
	pending, err := sup.store.ListWorkItemsByStatus(store.WorkItemPending)
	if err != nil {
		sup.log.Error("dispatch cycle: list pending: %v", err)
		return
	}
	for _, item := range pending {
		if sup.liveCount() >= sup.maxConcurrent {
			return
		}
		if err := sup.dispatchImplement(ctx, item); err != nil {
			sup.log.Warn("dispatch implement for issue #%d: %v", item.Number, err)
		}
	}

	iterations, err := sup.pendingIterations()
	if err != nil {
		sup.log.Error("dispatch cycle: list pending iterations: %v", err)
		return
	}
	for _, iter := range iterations {
		if sup.liveCount() >= sup.maxConcurrent {
			return
		}
		if err := sup.dispatchFixReview(ctx, iter); err != nil {
			sup.log.Warn("dispatch fix_review for pr #%d: %v", iter.PRNumber, err)
		}
	}
}

func (sup *Supervisor) pendingIterations() ([]store.ReviewIteration, error) {
	all, err := sup.store.ListReviewIterations()
	if err != nil {
		return nil, err
	}
	var pending []store.ReviewIteration
	for _, it := range all {
		if it.Status == store.IterationPending {
			pending = append(pending, it)
		}
	}
	return pending, nil
}

func (sup *Supervisor) liveCount() int {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	return len(sup.handles)
}

func (sup *Supervisor) dispatchImplement(ctx context.Context, item store.WorkItem) error {
	if err := sup.wt.EnsureRepoUpdated(ctx); err != nil {
		return fmt.Errorf("ensure repo updated: %w", err)
	}

	worktreePath, branch, err := sup.wt.CreateForImplement(ctx, item.Number)
	if err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}

	agentID := uuid.NewString()
	run, err := sup.store.DispatchImplement(item.Number, agentID, worktreePath, branch, sup.maxConcurrent)
	if err != nil {
		_ = sup.wt.Cleanup(ctx, worktreePath)
		if err == store.ErrAtCapacity || err == store.ErrAlreadyActive {
			return nil // benign race with another dispatch attempt; retry next cycle
		}
		return fmt.Errorf("claim work item: %w", err)
	}

	promptText := prompt.Build(prompt.Context{
		Kind:         prompt.Implement,
		Repository:   sup.repository,
		BaseBranch:   sup.baseBranch,
		IssueNumber:  item.Number,
		IssueTitle:   item.Title,
		IssueBody:    item.Body,
		MaxTurns:     sup.maxTurnsImplement,
		Capabilities: capability.Names(capability.ForPhase(sup.capabilities, "implement")),
	})

	sup.spawn(ctx, run.AgentID, store.KindImplement, item.Number, 0, 0, worktreePath, branch, promptText)
	return nil
}

func (sup *Supervisor) dispatchFixReview(ctx context.Context, iter store.ReviewIteration) error {
	branch, err := sup.host.PRBranch(ctx, iter.PRNumber)
	if err != nil {
		return fmt.Errorf("resolve pr branch: %w", err)
	}

	worktreePath, err := sup.wt.CreateForFix(ctx, iter.PRNumber, branch)
	if err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}

	agentID := uuid.NewString()
	run, err := sup.store.DispatchFixReview(iter.PRNumber, agentID, worktreePath, branch, sup.maxConcurrent)
	if err != nil {
		_ = sup.wt.Cleanup(ctx, worktreePath)
		if err == store.ErrAtCapacity || err == store.ErrAlreadyActive {
			return nil
		}
		return fmt.Errorf("claim pr: %w", err)
	}

	if err := sup.store.LinkFixAgent(iter.ID, run.AgentID); err != nil {
		sup.log.Warn("link fix agent %s to iteration %d: %v", run.AgentID, iter.ID, err)
	}

	threads, ciFailures := sup.reviewSnapshot(iter)

	promptText := prompt.Build(prompt.Context{
		Kind:         prompt.FixReview,
		Repository:   sup.repository,
		PRNumber:     iter.PRNumber,
		BranchName:   branch,
		Threads:      threads,
		CIFailures:   ciFailures,
		MaxTurns:     sup.maxTurnsFix,
		Capabilities: capability.Names(capability.ForPhase(sup.capabilities, "fix_review")),
	})

	sup.spawn(ctx, run.AgentID, store.KindFixReview, 0, iter.PRNumber, iter.ID, worktreePath, branch, promptText)
	return nil
}

// reviewSnapshot decodes the unresolved-thread/CI-failure content the PR
// Monitor persisted as CommentsJSON (internal/prmonitor.ReviewSnapshot),
// so the fix_review prompt can quote it instead of only knowing a bare
// thread count (spec §4.3: "prompt is composed from the unresolved-thread
// snapshot passed by the PR Monitor"). The two packages share this shape
// through JSON rather than an imported type, matching how internal/store
// treats CommentsJSON as an opaque string.
func (sup *Supervisor) reviewSnapshot(iter store.ReviewIteration) ([]prompt.Thread, []string) {
	if iter.CommentsJSON == nil {
		return nil, nil
	}
	var snap struct {
		Threads []struct {
			File   string `json:"file"`
			Line   int    `json:"line"`
			Author string `json:"author"`
			Body   string `json:"body"`
		} `json:"threads"`
		CIFailures []string `json:"ci_failures"`
	}
	if err := json.Unmarshal([]byte(*iter.CommentsJSON), &snap); err != nil {
		sup.log.Warn("decode review snapshot for iteration %d: %v", iter.ID, err)
		return nil, nil
	}

	threads := make([]prompt.Thread, 0, len(snap.Threads))
	for _, t := range snap.Threads {
		threads = append(threads, prompt.Thread{File: t.File, Line: t.Line, Author: t.Author, Body: t.Body})
	}
	return threads, snap.CIFailures
}

// spawn starts the external agent process and a reconciliation goroutine
// that blocks on its completion.
func (sup *Supervisor) spawn(ctx context.Context, agentID, kind string, workItemNumber, prNumber int, iterationID int64, worktreePath, branch, promptText string) {
	lr := &liveRun{
		kind: kind, workItemNumber: workItemNumber, prNumber: prNumber,
		iterationID: iterationID, worktreePath: worktreePath, branchName: branch,
	}

	sink := ingest.NewSink(agentID, sup.store,
		func(n int, viaRegex bool) {
			lr.mu.Lock()
			lr.discoveredPR = n
			lr.discoveredViaRegex = viaRegex
			lr.mu.Unlock()
		},
		func(line string) { sup.onRateLimitDetected(agentID, line) },
	)

	handle, err := agentproc.Spawn(ctx, agentID, agentproc.SpawnConfig{
		Command: sup.agentCommand,
		Args:    append(append([]string{}, sup.agentArgs...), promptText),
		Env: map[string]string{
			"CLAUDE_CODE_OAUTH_TOKEN": sup.claudeToken,
			"GH_TOKEN":                sup.ghToken,
		},
		Dir:          worktreePath,
		OnStdoutLine: sink.OnStdoutLine,
		OnStderrLine: sink.OnStderrLine,
		Timeout:      sup.agentTimeout,
	})
	if err != nil {
		sup.log.Error("spawn agent %s: %v", agentID, err)
		_ = sup.store.RecordAgentStatus(agentID, store.AgentRunFailed, err.Error())
		_ = sup.wt.Cleanup(ctx, worktreePath)
		return
	}
	_ = sup.store.RecordAgentPID(agentID, handle.Pid)

	lr.handle = handle
	sup.mu.Lock()
	sup.handles[agentID] = lr
	sup.mu.Unlock()
	sup.met.RunningAgents.Inc()

	go sup.reconcile(context.Background(), agentID)
}

func (sup *Supervisor) onRateLimitDetected(agentID, line string) {
	sup.met.RateLimitHeuristicHit.WithLabelValues(firstMatchedPattern(line)).Inc()

	sup.mu.Lock()
	lr, ok := sup.handles[agentID]
	sup.mu.Unlock()
	if !ok {
		return
	}
	lr.handle.Terminate(10 * time.Second)
}

func firstMatchedPattern(line string) string {
	lower := strings.ToLower(line)
	for _, p := range []string{"rate limit", "429", "too many requests", "overloaded", "usage limit"} {
		if strings.Contains(lower, p) {
			return p
		}
	}
	return "unknown"
}

// reconcile blocks until the agent process concludes, then reconciles its
// terminal AgentRun status, PR recovery, and work-item/iteration state.
func (sup *Supervisor) reconcile(ctx context.Context, agentID string) {
	sup.mu.Lock()
	lr, ok := sup.handles[agentID]
	sup.mu.Unlock()
	if !ok {
		return
	}

	result := lr.handle.Wait()
	lr.handle.WaitReaders()

	sup.mu.Lock()
	delete(sup.handles, agentID)
	sup.mu.Unlock()
	sup.met.RunningAgents.Dec()

	switch result.Outcome {
	case agentproc.OutcomeTimeout:
		sup.met.AgentTimeouts.Inc()
		_ = sup.store.RecordAgentStatus(agentID, store.AgentRunTimeout, "agent exceeded AGENT_TIMEOUT_SECONDS")
		sup.onAgentConcluded(ctx, lr, false)
		sup.cleanupWorktree(ctx, lr)
	case agentproc.OutcomeKilled:
		_ = sup.store.RecordAgentStatus(agentID, store.AgentRunRateLimited, "")
		// Worktree is preserved; the rate-limit resume loop will continue it.
	case agentproc.OutcomeCompleted:
		_ = sup.store.RecordAgentStatus(agentID, store.AgentRunCompleted, "")
		sup.onAgentConcluded(ctx, lr, true)
		sup.cleanupWorktree(ctx, lr)
	default:
		msg := ""
		if result.Err != nil {
			msg = result.Err.Error()
		}
		_ = sup.store.RecordAgentStatus(agentID, store.AgentRunFailed, msg)
		sup.onAgentConcluded(ctx, lr, false)
		sup.cleanupWorktree(ctx, lr)
	}
}

// cleanupWorktree removes a concluded run's worktree (spec §3: "schedule
// worktree cleanup unless status=rate_limited", §4.3 Completion). Called for
// every terminal outcome except OutcomeKilled, whose worktree the rate-limit
// resume loop still needs.
func (sup *Supervisor) cleanupWorktree(ctx context.Context, lr *liveRun) {
	if lr.worktreePath == "" {
		return
	}
	if err := sup.wt.Cleanup(ctx, lr.worktreePath); err != nil {
		sup.log.Warn("cleanup worktree %s: %v", lr.worktreePath, err)
	}
}

// onAgentConcluded runs the PR-recovery ladder for an implement run and
// updates work-item/iteration state for both kinds (spec §4.3 PR recovery,
// §8 invariant: every terminal state transition is driven from here).
func (sup *Supervisor) onAgentConcluded(ctx context.Context, lr *liveRun, succeeded bool) {
	if lr.kind == store.KindFixReview {
		status := store.IterationFailed
		if succeeded {
			status = store.IterationFixed
		}
		if lr.iterationID != 0 {
			if err := sup.store.RecordIterationStatus(lr.iterationID, status); err != nil {
				sup.log.Warn("record iteration %d status: %v", lr.iterationID, err)
			}
		}
		return
	}

	if !succeeded {
		sup.requeueOrEscalate(ctx, lr.workItemNumber)
		return
	}

	prNumber, path := sup.recoverPRNumber(ctx, lr)
	sup.met.PRRecoveryPath.WithLabelValues(path).Inc()

	if prNumber == 0 {
		sup.log.Warn("work item %d: agent completed but no pr could be recovered", lr.workItemNumber)
		sup.requeueOrEscalate(ctx, lr.workItemNumber)
		return
	}

	if err := sup.store.RecordPRCreated(lr.workItemNumber, prNumber); err != nil {
		sup.log.Warn("record pr created for work item %d: %v", lr.workItemNumber, err)
	}
}

// requeueOrEscalate implements the §4.3/§8 attempts-ceiling decision for a
// concluded (non-rate-limited) implement failure: attempts was already
// incremented at claim time (store.DispatchImplement), so a work item that
// has now reached MaxIssueRetries escalates straight to needs_human and gets
// labelled on the hosting service, instead of being requeued for another
// attempt that DispatchCycle would never be allowed to make anyway.
func (sup *Supervisor) requeueOrEscalate(ctx context.Context, workItemNumber int) {
	item, err := sup.store.GetWorkItem(workItemNumber)
	if err != nil || item == nil {
		sup.log.Warn("requeue/escalate work item %d: load: %v", workItemNumber, err)
		if rerr := sup.store.RequeueWorkItem(workItemNumber); rerr != nil {
			sup.log.Warn("requeue work item %d: %v", workItemNumber, rerr)
		}
		return
	}

	if item.Attempts >= sup.maxIssueRetries {
		if err := sup.store.RecordNeedsHuman(workItemNumber); err != nil {
			sup.log.Warn("escalate work item %d: %v", workItemNumber, err)
			return
		}
		if err := sup.host.AddLabel(ctx, workItemNumber, sup.needsHumanLabel); err != nil {
			sup.log.Warn("work item %d: add %s label: %v", workItemNumber, sup.needsHumanLabel, err)
		}
		return
	}

	if err := sup.store.RequeueWorkItem(workItemNumber); err != nil {
		sup.log.Warn("requeue work item %d: %v", workItemNumber, err)
	}
}

// recoverPRNumber implements the PR-recovery fallback ladder: an open PR
// already exists for the branch, or the branch was pushed but no PR opened
// (agent forgot the final step), or neither — in which case the supervisor
// opens the PR itself from the worktree's committed state.
func (sup *Supervisor) recoverPRNumber(ctx context.Context, lr *liveRun) (int, string) {
	lr.mu.Lock()
	discovered, viaRegex := lr.discoveredPR, lr.discoveredViaRegex
	lr.mu.Unlock()
	if discovered > 0 {
		if viaRegex {
			sup.log.Warn("pr number for %s resolved only via regex fallback, not the structured result field", lr.branchName)
			return discovered, metrics.PathRegexFallback
		}
		return discovered, metrics.PathStructuredField
	}

	if n, err := sup.host.FindOpenPRByBranch(ctx, lr.branchName); err == nil && n > 0 {
		return n, metrics.PathExistingBranch
	}

	pushed, err := sup.host.BranchPushed(ctx, lr.branchName)
	if err == nil && pushed {
		n, err := sup.host.CreatePR(ctx, lr.branchName, sup.baseBranch,
			fmt.Sprintf("Fix issue #%d", lr.workItemNumber),
			fmt.Sprintf("Resolves #%d", lr.workItemNumber))
		if err == nil {
			return n, metrics.PathPushedCommits
		}
		sup.log.Warn("create pr for pushed branch %s: %v", lr.branchName, err)
	}

	return 0, metrics.PathNone
}

// RateLimitWatcher periodically probes rate-limited runs and resumes the
// eligible ones (spec §4.3 "rate-limit resume loop").
func (sup *Supervisor) RateLimitWatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sup.resumeEligibleRateLimited(ctx)
		}
	}
}

// probeAvailability spawns a trivial one-shot "reply OK" invocation of the
// agent program with a single-turn cap (spec §4.3 "rate-limit watcher").
// Only a clean, completed exit counts as availability; any other outcome
// (non-zero exit, timeout, spawn failure) is treated as still rate-limited,
// per the testable property that a failed probe must not resume any agent.
func (sup *Supervisor) probeAvailability(ctx context.Context) bool {
	probeID := "probe-" + uuid.NewString()
	args := append(append([]string{}, sup.agentArgs...), "reply OK, nothing else. This is a single-turn availability check.")

	handle, err := agentproc.Spawn(ctx, probeID, agentproc.SpawnConfig{
		Command: sup.agentCommand,
		Args:    args,
		Env: map[string]string{
			"CLAUDE_CODE_OAUTH_TOKEN": sup.claudeToken,
			"GH_TOKEN":                sup.ghToken,
		},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		sup.log.Warn("rate-limit availability probe: spawn: %v", err)
		return false
	}

	result := handle.Wait()
	handle.WaitReaders()
	return result.Outcome == agentproc.OutcomeCompleted
}

func (sup *Supervisor) resumeEligibleRateLimited(ctx context.Context) {
	runs, err := sup.store.ListAgentRunsByStatus(store.AgentRunRateLimited)
	if err != nil {
		sup.log.Error("list rate_limited runs: %v", err)
		return
	}
	if len(runs) == 0 {
		return
	}

	if !sup.probeAvailability(ctx) {
		sup.met.RateLimitProbeFailures.Inc()
		sup.log.Info("rate-limit availability probe failed, deferring %d resumable run(s) to next tick", len(runs))
		return
	}

	for _, prior := range runs {
		if prior.ResumeCount >= sup.maxRateLimitResumes {
			continue
		}

		newAgentID := uuid.NewString()
		run, err := sup.store.DispatchResume(prior.AgentID, newAgentID, prior.WorktreePath, prior.BranchName)
		if err != nil {
			sup.log.Warn("resume %s: %v", prior.AgentID, err)
			continue
		}

		kind := prior.Kind
		var workItemNumber, prNumber int
		if prior.WorkItemNumber != nil {
			workItemNumber = *prior.WorkItemNumber
		}
		if prior.PRNumber != nil {
			prNumber = *prior.PRNumber
		}

		promptCtx := prompt.Context{Kind: prompt.Resume, Repository: sup.repository}
		if prior.SessionID != nil {
			promptCtx.ResumeOf = *prior.SessionID
		}
		promptText := prompt.Build(promptCtx)

		sup.spawn(ctx, run.AgentID, kind, workItemNumber, prNumber, 0, prior.WorktreePath, prior.BranchName, promptText)
	}
}
