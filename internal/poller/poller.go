// Package poller implements the Issue Poller control loop (spec §4.5): it
// discovers labeled issues worth automating and enqueues them as pending
// work items, gated by an optional trigger-mention comment. It never
// dispatches an agent itself — internal/supervisor owns that — mirroring
// the teacher's separation between a discovery loop and a worker pool.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/andywolf/swarmd/internal/ghclient"
	"github.com/andywolf/swarmd/internal/logx"
)

// IssueSource is the subset of ghclient.Client the poller needs.
type IssueSource interface {
	ListLabeledIssues(ctx context.Context, label string) ([]ghclient.Issue, error)
	FindOpenPRByBranch(ctx context.Context, branch string) (int, error)
}

// WorkItemStore is the subset of internal/store.Store the poller needs.
type WorkItemStore interface {
	UpsertWorkItem(number int, title, body string) error
	SeedExistingPR(number int, title, body string, prNumber int) error
}

// Poller runs the trigger-gated issue discovery loop.
type Poller struct {
	source IssueSource
	store  WorkItemStore
	log    *logx.Logger

	label          string
	triggerMention string
	baseBackoff    time.Duration
	maxBackoff     time.Duration
}

// New constructs a Poller. baseBackoff is the starting consecutive-error
// backoff; it doubles on each consecutive failure up to maxBackoff (spec §7
// "transient error backoff", capped as the Design Notes specify at 10
// minutes by convention of the caller passing maxBackoff=10*time.Minute).
func New(source IssueSource, store WorkItemStore, log *logx.Logger, label, triggerMention string, baseBackoff, maxBackoff time.Duration) *Poller {
	return &Poller{
		source:         source,
		store:          store,
		log:            log,
		label:          label,
		triggerMention: triggerMention,
		baseBackoff:    baseBackoff,
		maxBackoff:     maxBackoff,
	}
}

// Run loops PollOnce on interval until ctx is cancelled, applying
// exponential consecutive-error backoff (min(base*2^k, max)) on top of the
// regular interval whenever PollOnce fails.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	consecutiveErrors := 0

	for {
		if err := p.PollOnce(ctx); err != nil {
			consecutiveErrors++
			p.log.Error("poll failed (consecutive=%d): %v", consecutiveErrors, err)
		} else {
			consecutiveErrors = 0
		}

		wait := interval
		if consecutiveErrors > 0 {
			backoff := p.baseBackoff << uint(consecutiveErrors-1)
			if backoff > p.maxBackoff || backoff <= 0 {
				backoff = p.maxBackoff
			}
			wait = backoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// PollOnce lists labeled issues, applies the trigger-mention gate, and
// enqueues each passing issue: as a seeded pr_created work item if a PR
// already exists for its branch, otherwise as a fresh pending work item
// (spec §4.5).
func (p *Poller) PollOnce(ctx context.Context) error {
	issues, err := p.source.ListLabeledIssues(ctx, p.label)
	if err != nil {
		return fmt.Errorf("poller: list labeled issues: %w", err)
	}

	for _, issue := range issues {
		if !ghclient.HasTriggerMention(issue, p.triggerMention) {
			continue
		}

		branch := fmt.Sprintf("fix/issue-%d", issue.Number)
		prNumber, err := p.source.FindOpenPRByBranch(ctx, branch)
		if err != nil {
			p.log.Warn("issue #%d: find existing pr for %s: %v", issue.Number, branch, err)
			continue
		}

		if prNumber > 0 {
			if err := p.store.SeedExistingPR(issue.Number, issue.Title, issue.Body, prNumber); err != nil {
				p.log.Warn("issue #%d: seed existing pr #%d: %v", issue.Number, prNumber, err)
			}
			continue
		}

		if err := p.store.UpsertWorkItem(issue.Number, issue.Title, issue.Body); err != nil {
			p.log.Warn("issue #%d: upsert work item: %v", issue.Number, err)
		}
	}

	return nil
}
