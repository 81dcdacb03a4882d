package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// ErrAtCapacity is returned by Dispatch* when the global running-agent
// ceiling is already reached.
var ErrAtCapacity = fmt.Errorf("store: at capacity")

// ErrAlreadyActive is returned by Dispatch* when the target work item or PR
// already has a run in {running, rate_limited}.
var ErrAlreadyActive = fmt.Errorf("store: already has an active run")

// DispatchImplement atomically checks the concurrency invariants (spec §3,
// §8 invariants 1-2) and, if clear, claims the work item and creates the
// running AgentRun row in a single transaction — "capacity check + claim"
// is atomic with respect to the store (spec §5).
func (s *Store) DispatchImplement(workItemNumber int, agentID, worktreePath, branchName string, maxConcurrent int) (*AgentRun, error) {
	var run *AgentRun
	err := s.withTx(func(tx *sqlx.Tx) error {
		running, err := countRunning(tx)
		if err != nil {
			return err
		}
		if running >= maxConcurrent {
			return ErrAtCapacity
		}

		active, err := hasActiveRunForWorkItem(tx, workItemNumber)
		if err != nil {
			return err
		}
		if active {
			return ErrAlreadyActive
		}

		res, err := tx.Exec(`
			UPDATE work_items SET status = ?, assigned_agent_id = ?, attempts = attempts + 1, updated_at = CURRENT_TIMESTAMP
			WHERE number = ? AND status = ?
		`, WorkItemInProgress, agentID, workItemNumber, WorkItemPending)
		if err != nil {
			return fmt.Errorf("store: claim work item %d: %w", workItemNumber, err)
		}
		if err := requireRowsAffected(res, "work item %d not pending", workItemNumber); err != nil {
			return err
		}

		run, err = insertAgentRun(tx, agentRunSeed{
			AgentID:        agentID,
			WorkItemNumber: &workItemNumber,
			Kind:           KindImplement,
			WorktreePath:   worktreePath,
			BranchName:     branchName,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// DispatchFixReview atomically checks capacity and the per-PR concurrency
// invariant (spec §8 invariant 3), then creates the running AgentRun row.
// It does not mutate WorkItem; the PR Monitor manages ReviewIteration
// linkage separately.
func (s *Store) DispatchFixReview(prNumber int, agentID, worktreePath, branchName string, maxConcurrent int) (*AgentRun, error) {
	var run *AgentRun
	err := s.withTx(func(tx *sqlx.Tx) error {
		running, err := countRunning(tx)
		if err != nil {
			return err
		}
		if running >= maxConcurrent {
			return ErrAtCapacity
		}

		active, err := hasActiveRunForPR(tx, prNumber)
		if err != nil {
			return err
		}
		if active {
			return ErrAlreadyActive
		}

		run, err = insertAgentRun(tx, agentRunSeed{
			AgentID:      agentID,
			PRNumber:     &prNumber,
			Kind:         KindFixReview,
			WorktreePath: worktreePath,
			BranchName:   branchName,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// DispatchResume creates a successor AgentRun for a rate-limited resume,
// bypassing the capacity/active-run checks (the prior run already holds the
// work item's/PR's active slot; this call flips it to resumed atomically
// with the new row's creation).
func (s *Store) DispatchResume(priorAgentID, newAgentID, worktreePath, branchName string) (*AgentRun, error) {
	var run *AgentRun
	err := s.withTx(func(tx *sqlx.Tx) error {
		var prior AgentRun
		if err := tx.Get(&prior, `SELECT * FROM agent_runs WHERE agent_id = ?`, priorAgentID); err != nil {
			return fmt.Errorf("store: load prior run %s: %w", priorAgentID, err)
		}

		res, err := tx.Exec(`
			UPDATE agent_runs SET status = ?, finished_at = CURRENT_TIMESTAMP
			WHERE agent_id = ? AND status = ?
		`, AgentRunResumed, priorAgentID, AgentRunRateLimited)
		if err != nil {
			return fmt.Errorf("store: mark %s resumed: %w", priorAgentID, err)
		}
		if err := requireRowsAffected(res, "run %s not rate_limited", priorAgentID); err != nil {
			return err
		}

		run, err = insertAgentRun(tx, agentRunSeed{
			AgentID:        newAgentID,
			WorkItemNumber: prior.WorkItemNumber,
			PRNumber:       prior.PRNumber,
			Kind:           prior.Kind,
			WorktreePath:   worktreePath,
			BranchName:     branchName,
			ResumeCount:    prior.ResumeCount + 1,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

type agentRunSeed struct {
	AgentID        string
	WorkItemNumber *int
	PRNumber       *int
	Kind           string
	WorktreePath   string
	BranchName     string
	ResumeCount    int
}

func insertAgentRun(tx *sqlx.Tx, seed agentRunSeed) (*AgentRun, error) {
	_, err := tx.Exec(`
		INSERT INTO agent_runs (agent_id, work_item_number, pr_number, kind, status, worktree_path, branch_name, resume_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, seed.AgentID, seed.WorkItemNumber, seed.PRNumber, seed.Kind, AgentRunRunning, seed.WorktreePath, seed.BranchName, seed.ResumeCount)
	if err != nil {
		return nil, fmt.Errorf("store: insert agent run %s: %w", seed.AgentID, err)
	}

	var run AgentRun
	if err := tx.Get(&run, `SELECT * FROM agent_runs WHERE agent_id = ?`, seed.AgentID); err != nil {
		return nil, fmt.Errorf("store: reload agent run %s: %w", seed.AgentID, err)
	}
	return &run, nil
}

func countRunning(tx *sqlx.Tx) (int, error) {
	var n int
	if err := tx.Get(&n, `SELECT COUNT(*) FROM agent_runs WHERE status = ?`, AgentRunRunning); err != nil {
		return 0, fmt.Errorf("store: count running: %w", err)
	}
	return n, nil
}

func hasActiveRunForWorkItem(tx *sqlx.Tx, workItemNumber int) (bool, error) {
	var n int
	err := tx.Get(&n, `
		SELECT COUNT(*) FROM agent_runs
		WHERE work_item_number = ? AND status IN (?, ?)
	`, workItemNumber, AgentRunRunning, AgentRunRateLimited)
	if err != nil {
		return false, fmt.Errorf("store: check active run for work item %d: %w", workItemNumber, err)
	}
	return n > 0, nil
}

func hasActiveRunForPR(tx *sqlx.Tx, prNumber int) (bool, error) {
	var n int
	err := tx.Get(&n, `
		SELECT COUNT(*) FROM agent_runs
		WHERE pr_number = ? AND status IN (?, ?)
	`, prNumber, AgentRunRunning, AgentRunRateLimited)
	if err != nil {
		return false, fmt.Errorf("store: check active run for pr %d: %w", prNumber, err)
	}
	return n > 0, nil
}
