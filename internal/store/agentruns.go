package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// RecordAgentStatus transitions an AgentRun to a terminal or rate-limited
// status, optionally stamping an error message and finished_at (spec §4.3,
// §9 "guard each transition with a predicate over the current persisted
// state").
func (s *Store) RecordAgentStatus(agentID, status string, errMsg string) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			UPDATE agent_runs SET
				status = ?,
				error_message = CASE WHEN ? = '' THEN error_message ELSE ? END,
				rate_limited_at = CASE WHEN ? = ? THEN CURRENT_TIMESTAMP ELSE rate_limited_at END,
				finished_at = CASE WHEN ? IN (?, ?, ?) THEN CURRENT_TIMESTAMP ELSE finished_at END
			WHERE agent_id = ?
		`, status, errMsg, errMsg, status, AgentRunRateLimited,
			status, AgentRunCompleted, AgentRunFailed, AgentRunTimeout,
			agentID)
		if err != nil {
			return fmt.Errorf("store: record agent status for %s: %w", agentID, err)
		}
		return nil
	})
}

// RecordAgentSession persists the continuation session id the first time it
// is observed in the event stream (spec §4.4: "first occurrence wins").
func (s *Store) RecordAgentSession(agentID, sessionID string) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			UPDATE agent_runs SET session_id = ?
			WHERE agent_id = ? AND session_id IS NULL
		`, sessionID, agentID)
		if err != nil {
			return fmt.Errorf("store: record session for %s: %w", agentID, err)
		}
		return nil
	})
}

// RecordAgentPID persists the OS process id, used by crash recovery to
// probe liveness after a restart.
func (s *Store) RecordAgentPID(agentID string, pid int) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`UPDATE agent_runs SET pid = ? WHERE agent_id = ?`, pid, agentID)
		if err != nil {
			return fmt.Errorf("store: record pid for %s: %w", agentID, err)
		}
		return nil
	})
}

// GetAgentRun fetches one agent run by id.
func (s *Store) GetAgentRun(agentID string) (*AgentRun, error) {
	var r AgentRun
	err := s.db.Get(&r, `SELECT * FROM agent_runs WHERE agent_id = ?`, agentID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent run %s: %w", agentID, err)
	}
	return &r, nil
}

// ListAgentRuns returns all agent runs, most recently started first.
func (s *Store) ListAgentRuns() ([]AgentRun, error) {
	var runs []AgentRun
	if err := s.db.Select(&runs, `SELECT * FROM agent_runs ORDER BY started_at DESC`); err != nil {
		return nil, fmt.Errorf("store: list agent runs: %w", err)
	}
	return runs, nil
}

// ListAgentRunsByStatus returns all agent runs in the given status.
func (s *Store) ListAgentRunsByStatus(status string) ([]AgentRun, error) {
	var runs []AgentRun
	if err := s.db.Select(&runs, `SELECT * FROM agent_runs WHERE status = ? ORDER BY started_at`, status); err != nil {
		return nil, fmt.Errorf("store: list agent runs by status %s: %w", status, err)
	}
	return runs, nil
}

// ListRunningOrRateLimited returns the rows crash recovery needs to inspect
// on startup (spec §4.1 Recovery).
func (s *Store) ListRunningOrRateLimited() ([]AgentRun, error) {
	var runs []AgentRun
	err := s.db.Select(&runs, `
		SELECT * FROM agent_runs WHERE status IN (?, ?)
	`, AgentRunRunning, AgentRunRateLimited)
	if err != nil {
		return nil, fmt.Errorf("store: list running/rate_limited: %w", err)
	}
	return runs, nil
}

// AverageTurnsUsed computes the average turns_used (count of assistant
// events) over completed runs, for the dashboard metrics aggregate.
func (s *Store) AverageTurnsUsed() (float64, error) {
	var avg sql.NullFloat64
	err := s.db.Get(&avg, `
		SELECT AVG(turns) FROM (
			SELECT r.agent_id AS agent_id, COUNT(e.id) AS turns
			FROM agent_runs r
			LEFT JOIN agent_events e ON e.agent_id = r.agent_id AND e.event_type = ?
			WHERE r.status = ?
			GROUP BY r.agent_id
		)
	`, EventAssistant, AgentRunCompleted)
	if err != nil {
		return 0, fmt.Errorf("store: average turns used: %w", err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}

// CountByStatus returns the number of agent runs in each status, for the
// dashboard metrics aggregate.
func (s *Store) AgentRunStatusCounts() (map[string]int, error) {
	rows, err := s.db.Queryx(`SELECT status, COUNT(*) AS n FROM agent_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: agent run status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
