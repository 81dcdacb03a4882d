// Package prmonitor implements the PR Monitor control loop (spec §4.6): it
// watches open PRs for unresolved review feedback and failing CI, opens one
// ReviewIteration per observed delta, escalates PRs that exceed the fix
// ceiling, and marks a PR resolved once the hosting service reports it
// merged. Like internal/poller, it only records state; internal/supervisor
// is the one that actually dispatches a fix_review agent for an iteration.
package prmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andywolf/swarmd/internal/ghclient"
	"github.com/andywolf/swarmd/internal/logx"
	"github.com/andywolf/swarmd/internal/store"
)

// PRSource is the subset of ghclient.Client the monitor needs.
type PRSource interface {
	UnresolvedReviewThreads(ctx context.Context, prNumber int) (count int, usedFallback bool, err error)
	UnresolvedReviewThreadDetails(ctx context.Context, prNumber int) ([]ghclient.ThreadDetail, error)
	FailingCheckNames(ctx context.Context, prNumber int) ([]string, error)
	CIStatus(ctx context.Context, prNumber int) (ghclient.CIBucket, error)
	MergeState(ctx context.Context, prNumber int) (bool, error)
	AddLabel(ctx context.Context, issueOrPRNumber int, label string) error
}

// MonitorStore is the subset of internal/store.Store the monitor needs.
type MonitorStore interface {
	ListWorkItemsByStatus(status string) ([]store.WorkItem, error)
	RecordResolved(workItemNumber int) error
	RecordNeedsHuman(workItemNumber int) error
	LatestReviewIteration(prNumber int) (*store.ReviewIteration, error)
	HasOpenIteration(prNumber int) (bool, error)
	NextIteration(prNumber int) (int, error)
	CreateReviewIteration(prNumber, iteration, commentsCount int, commentsJSON string) (*store.ReviewIteration, error)
	CountIterationsForPR(prNumber int) (int, error)
}

// Monitor runs the review/CI watch loop over all pr_created work items.
type Monitor struct {
	source PRSource
	store  MonitorStore
	log    *logx.Logger

	maxPRFixRetries int
	needsHumanLabel string
}

// New constructs a Monitor.
func New(source PRSource, st MonitorStore, log *logx.Logger, maxPRFixRetries int, needsHumanLabel string) *Monitor {
	return &Monitor{source: source, store: st, log: log, maxPRFixRetries: maxPRFixRetries, needsHumanLabel: needsHumanLabel}
}

// Run loops CheckAll on interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.CheckAll(ctx); err != nil {
			m.log.Error("check failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReviewSnapshot is both what gets compared against the last recorded
// iteration to decide whether a delta actually occurred, and the full
// unresolved-thread/CI-failure content persisted as ReviewIteration's
// CommentsJSON so the supervisor can compose the fix_review prompt from it
// (spec §4.3 "prompt is composed from the unresolved-thread snapshot passed
// by the PR Monitor") without a second round-trip to the hosting service.
type ReviewSnapshot struct {
	UnresolvedThreads int                     `json:"unresolved_threads"`
	CIStatus          ghclient.CIBucket       `json:"ci_status"`
	Threads           []ghclient.ThreadDetail `json:"threads,omitempty"`
	CIFailures        []string                `json:"ci_failures,omitempty"`
}

// CheckAll inspects every work item currently in pr_created status.
func (m *Monitor) CheckAll(ctx context.Context) error {
	items, err := m.store.ListWorkItemsByStatus(store.WorkItemPRCreated)
	if err != nil {
		return fmt.Errorf("prmonitor: list pr_created work items: %w", err)
	}

	for _, item := range items {
		if item.PRNumber == nil {
			continue // invariant violation elsewhere; skip defensively
		}
		if err := m.checkOne(ctx, item.Number, *item.PRNumber); err != nil {
			m.log.Warn("pr #%d (work item #%d): %v", *item.PRNumber, item.Number, err)
		}
	}
	return nil
}

func (m *Monitor) checkOne(ctx context.Context, workItemNumber, prNumber int) error {
	merged, err := m.source.MergeState(ctx, prNumber)
	if err != nil {
		return fmt.Errorf("merge state: %w", err)
	}
	if merged {
		return m.store.RecordResolved(workItemNumber)
	}

	unresolved, _, err := m.source.UnresolvedReviewThreads(ctx, prNumber)
	if err != nil {
		return fmt.Errorf("unresolved threads: %w", err)
	}
	ci, err := m.source.CIStatus(ctx, prNumber)
	if err != nil {
		return fmt.Errorf("ci status: %w", err)
	}

	if unresolved == 0 && ci != ghclient.CIFailed {
		return nil // clean; nothing to fix
	}

	open, err := m.store.HasOpenIteration(prNumber)
	if err != nil {
		return fmt.Errorf("check open iteration: %w", err)
	}
	if open {
		return nil // a fix agent is already addressing the current delta
	}

	if !m.isNewDelta(prNumber, unresolved, ci) {
		return nil
	}

	count, err := m.store.CountIterationsForPR(prNumber)
	if err != nil {
		return fmt.Errorf("count iterations: %w", err)
	}
	if count >= m.maxPRFixRetries {
		if err := m.store.RecordNeedsHuman(workItemNumber); err != nil {
			return fmt.Errorf("record needs_human: %w", err)
		}
		if err := m.source.AddLabel(ctx, prNumber, m.needsHumanLabel); err != nil {
			m.log.Warn("pr #%d: add %s label: %v", prNumber, m.needsHumanLabel, err)
		}
		return nil
	}

	next, err := m.store.NextIteration(prNumber)
	if err != nil {
		return fmt.Errorf("next iteration: %w", err)
	}

	state := ReviewSnapshot{UnresolvedThreads: unresolved, CIStatus: ci}
	if threads, err := m.source.UnresolvedReviewThreadDetails(ctx, prNumber); err != nil {
		m.log.Warn("pr #%d: fetch thread details: %v", prNumber, err)
	} else {
		state.Threads = threads
	}
	if ci == ghclient.CIFailed {
		if names, err := m.source.FailingCheckNames(ctx, prNumber); err != nil {
			m.log.Warn("pr #%d: fetch failing check names: %v", prNumber, err)
		} else {
			state.CIFailures = names
		}
	}
	blob, _ := json.Marshal(state)

	_, err = m.store.CreateReviewIteration(prNumber, next, unresolved, string(blob))
	if err != nil {
		return fmt.Errorf("create review iteration: %w", err)
	}
	return nil
}

// isNewDelta compares the observed state against the last recorded
// iteration's comments_count. A coarse but sufficient proxy: CI status
// isn't persisted in comments_count, so any CI failure with an otherwise
// unchanged unresolved count still counts as new if no prior iteration
// recorded a failure at all.
func (m *Monitor) isNewDelta(prNumber int, unresolved int, ci ghclient.CIBucket) bool {
	last, err := m.store.LatestReviewIteration(prNumber)
	if err != nil || last == nil {
		return true
	}
	if unresolved != last.CommentsCount {
		return true
	}
	if last.CommentsJSON == nil {
		return ci == ghclient.CIFailed
	}
	var prev ReviewSnapshot
	if json.Unmarshal([]byte(*last.CommentsJSON), &prev) != nil {
		return true
	}
	return prev.CIStatus != ci
}
