package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/andywolf/swarmd/internal/logx"
)

// LivenessProbe reports whether pid still refers to a live process on the
// host. internal/agentproc supplies the real implementation (a signal-0
// kill check); tests can substitute a fake.
type LivenessProbe func(pid int) bool

// RecoveryResult summarizes what Recover did, for startup logging.
type RecoveryResult struct {
	Inspected int
	LeftAlone int
	Orphaned  int
}

// Recover implements the spec §4.1 startup recovery pass: for every
// AgentRun in {running, rate_limited}, if its pid is still alive, leave it
// alone (the agent is a detached process that outlives orchestrator
// restarts); otherwise mark it failed/orphaned, requeue its work item if it
// has no PR, and let the caller schedule worktree cleanup.
//
// Idempotence (spec §8): running this twice in a row after the first pass
// has already reconciled state is a no-op, because the second pass finds no
// rows left in {running, rate_limited} whose pid is dead.
func (s *Store) Recover(probe LivenessProbe, log *logx.Logger) (*RecoveryResult, []AgentRun, error) {
	if log == nil {
		log = logx.New("store")
	}

	runs, err := s.ListRunningOrRateLimited()
	if err != nil {
		return nil, nil, err
	}

	result := &RecoveryResult{Inspected: len(runs)}
	var orphanedWorktrees []AgentRun

	for _, run := range runs {
		if run.PID != nil && probe(*run.PID) {
			result.LeftAlone++
			log.Info("recovery: agent %s (pid %d) still alive, leaving in place", run.AgentID, *run.PID)
			continue
		}

		result.Orphaned++
		log.Warn("recovery: agent %s has no live process, marking orphaned", run.AgentID)

		err := s.withTx(func(tx *sqlx.Tx) error {
			if _, err := tx.Exec(`
				UPDATE agent_runs SET status = ?, error_message = 'orphaned', finished_at = CURRENT_TIMESTAMP
				WHERE agent_id = ?
			`, AgentRunFailed, run.AgentID); err != nil {
				return fmt.Errorf("store: mark %s orphaned: %w", run.AgentID, err)
			}

			if run.WorkItemNumber != nil {
				if _, err := tx.Exec(`
					UPDATE work_items SET status = ?, assigned_agent_id = NULL, updated_at = CURRENT_TIMESTAMP
					WHERE number = ? AND status = ? AND pr_number IS NULL
				`, WorkItemPending, *run.WorkItemNumber, WorkItemInProgress); err != nil {
					return fmt.Errorf("store: requeue work item %d: %w", *run.WorkItemNumber, err)
				}
			}
			return nil
		})
		if err != nil {
			return result, orphanedWorktrees, err
		}

		orphanedWorktrees = append(orphanedWorktrees, run)
	}

	return result, orphanedWorktrees, nil
}
