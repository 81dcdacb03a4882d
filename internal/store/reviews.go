package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// NextIteration returns the next dense, 1-based iteration number for a PR
// (spec §8: "iteration values ... strictly monotonic, dense from 1").
func (s *Store) NextIteration(prNumber int) (int, error) {
	var max sql.NullInt64
	err := s.db.Get(&max, `SELECT MAX(iteration) FROM review_iterations WHERE pr_number = ?`, prNumber)
	if err != nil {
		return 0, fmt.Errorf("store: next iteration for pr %d: %w", prNumber, err)
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

// HasOpenIteration reports whether an earlier iteration for prNumber is
// still in status=fixing — only one fix agent may be outstanding per PR at
// a time (spec §4.6).
func (s *Store) HasOpenIteration(prNumber int) (bool, error) {
	var n int
	err := s.db.Get(&n, `
		SELECT COUNT(*) FROM review_iterations WHERE pr_number = ? AND status = ?
	`, prNumber, IterationFixing)
	if err != nil {
		return false, fmt.Errorf("store: check open iteration for pr %d: %w", prNumber, err)
	}
	return n > 0, nil
}

// CreateReviewIteration opens a new iteration row in status=pending. The
// caller (PR Monitor) is responsible for the "one per observed delta" and
// ceiling checks before calling this.
func (s *Store) CreateReviewIteration(prNumber, iteration, commentsCount int, commentsJSON string) (*ReviewIteration, error) {
	var ri ReviewIteration
	err := s.withTx(func(tx *sqlx.Tx) error {
		var cj interface{}
		if commentsJSON != "" {
			cj = commentsJSON
		}
		res, err := tx.Exec(`
			INSERT INTO review_iterations (pr_number, iteration, comments_count, comments_json, status)
			VALUES (?, ?, ?, ?, ?)
		`, prNumber, iteration, commentsCount, cj, IterationPending)
		if err != nil {
			return fmt.Errorf("store: create review iteration pr=%d iter=%d: %w", prNumber, iteration, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		return tx.Get(&ri, `SELECT * FROM review_iterations WHERE id = ?`, id)
	})
	if err != nil {
		return nil, err
	}
	return &ri, nil
}

// LinkFixAgent attaches the dispatched fix agent to an iteration and flips
// it to status=fixing.
func (s *Store) LinkFixAgent(iterationID int64, agentID string) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			UPDATE review_iterations SET agent_id = ?, status = ? WHERE id = ?
		`, agentID, IterationFixing, iterationID)
		if err != nil {
			return fmt.Errorf("store: link fix agent to iteration %d: %w", iterationID, err)
		}
		return nil
	})
}

// RecordIterationStatus transitions an iteration to fixed or failed.
func (s *Store) RecordIterationStatus(iterationID int64, status string) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`UPDATE review_iterations SET status = ? WHERE id = ?`, status, iterationID)
		if err != nil {
			return fmt.Errorf("store: record iteration %d status: %w", iterationID, err)
		}
		return nil
	})
}

// CountIterationsForPR returns how many ReviewIteration rows exist for a PR,
// checked against MAX_PR_FIX_RETRIES by the PR Monitor.
func (s *Store) CountIterationsForPR(prNumber int) (int, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM review_iterations WHERE pr_number = ?`, prNumber); err != nil {
		return 0, fmt.Errorf("store: count iterations for pr %d: %w", prNumber, err)
	}
	return n, nil
}

// LatestReviewIteration returns the highest-numbered iteration for a PR, or
// nil if none exists yet. The PR Monitor uses this to decide whether a
// newly observed review state is actually a new delta (spec §4.6: "one
// iteration per observed delta") rather than a repeat of what the last
// iteration already captured.
func (s *Store) LatestReviewIteration(prNumber int) (*ReviewIteration, error) {
	var ri ReviewIteration
	err := s.db.Get(&ri, `
		SELECT * FROM review_iterations WHERE pr_number = ? ORDER BY iteration DESC LIMIT 1
	`, prNumber)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest review iteration for pr %d: %w", prNumber, err)
	}
	return &ri, nil
}

// ListReviewIterations returns all iterations, most recent first, for the
// dashboard's /api/prs endpoint.
func (s *Store) ListReviewIterations() ([]ReviewIteration, error) {
	var rows []ReviewIteration
	if err := s.db.Select(&rows, `SELECT * FROM review_iterations ORDER BY pr_number, iteration`); err != nil {
		return nil, fmt.Errorf("store: list review iterations: %w", err)
	}
	return rows, nil
}
