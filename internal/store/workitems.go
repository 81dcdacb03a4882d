package store

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UpsertWorkItem inserts a new pending work item or, if one already exists,
// only touches title/body/updated_at — it never resets a non-pending status
// (spec §8 idempotence: "a second upsert never resets a non-pending status").
func (s *Store) UpsertWorkItem(number int, title, body string) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO work_items (number, title, body, status)
			VALUES (?, ?, ?, 'pending')
			ON CONFLICT(number) DO UPDATE SET
				title = excluded.title,
				body = excluded.body,
				updated_at = CURRENT_TIMESTAMP
		`, number, title, body)
		if err != nil {
			return fmt.Errorf("store: upsert work item %d: %w", number, err)
		}
		return nil
	})
}

// SeedExistingPR seeds a brand-new work item directly as pr_created with the
// discovered PR linked, without ever dispatching an implement agent (spec
// §4.5 "Existing-PR detection").
func (s *Store) SeedExistingPR(number int, title, body string, prNumber int) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO work_items (number, title, body, status, pr_number)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(number) DO UPDATE SET
				title = excluded.title,
				body = excluded.body,
				pr_number = COALESCE(work_items.pr_number, excluded.pr_number),
				status = CASE WHEN work_items.status = 'pending' THEN excluded.status ELSE work_items.status END,
				updated_at = CURRENT_TIMESTAMP
		`, number, title, body, WorkItemPRCreated, prNumber)
		if err != nil {
			return fmt.Errorf("store: seed existing-pr work item %d: %w", number, err)
		}
		return nil
	})
}

// GetWorkItem fetches a single work item by number.
func (s *Store) GetWorkItem(number int) (*WorkItem, error) {
	var wi WorkItem
	err := s.db.Get(&wi, `SELECT * FROM work_items WHERE number = ?`, number)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get work item %d: %w", number, err)
	}
	return &wi, nil
}

// ListWorkItemsByStatus returns all work items in the given status.
func (s *Store) ListWorkItemsByStatus(status string) ([]WorkItem, error) {
	var items []WorkItem
	if err := s.db.Select(&items, `SELECT * FROM work_items WHERE status = ? ORDER BY number`, status); err != nil {
		return nil, fmt.Errorf("store: list work items by status %s: %w", status, err)
	}
	return items, nil
}

// ListWorkItems returns all tracked work items, newest first.
func (s *Store) ListWorkItems() ([]WorkItem, error) {
	var items []WorkItem
	if err := s.db.Select(&items, `SELECT * FROM work_items ORDER BY number DESC`); err != nil {
		return nil, fmt.Errorf("store: list work items: %w", err)
	}
	return items, nil
}

// RecordPRCreated transitions in_progress -> pr_created with PR linkage.
func (s *Store) RecordPRCreated(workItemNumber, prNumber int) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE work_items SET status = ?, pr_number = ?, updated_at = CURRENT_TIMESTAMP
			WHERE number = ? AND status = ?
		`, WorkItemPRCreated, prNumber, workItemNumber, WorkItemInProgress)
		if err != nil {
			return fmt.Errorf("store: record pr created for %d: %w", workItemNumber, err)
		}
		return requireRowsAffected(res, "work item %d not in_progress", workItemNumber)
	})
}

// RecordResolved marks a work item resolved. Only valid from pr_created, and
// only to be called after an external merge confirmation (spec §3, §8
// invariant 6).
func (s *Store) RecordResolved(workItemNumber int) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			UPDATE work_items SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE number = ?
		`, WorkItemResolved, workItemNumber)
		if err != nil {
			return fmt.Errorf("store: record resolved for %d: %w", workItemNumber, err)
		}
		return nil
	})
}

// RecordNeedsHuman marks a work item for human escalation (attempts ceiling
// or PR iteration ceiling reached).
func (s *Store) RecordNeedsHuman(workItemNumber int) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			UPDATE work_items SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE number = ?
		`, WorkItemNeedsHuman, workItemNumber)
		if err != nil {
			return fmt.Errorf("store: record needs_human for %d: %w", workItemNumber, err)
		}
		return nil
	})
}

// RequeueWorkItem resets a work item from in_progress back to pending,
// releasing its agent assignment, without touching attempts (used on
// orphan-recovery per spec §4.1, not on ordinary agent failure which goes
// through the attempts-increment path in DispatchImplement's caller).
func (s *Store) RequeueWorkItem(workItemNumber int) error {
	return s.withTx(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			UPDATE work_items SET status = ?, assigned_agent_id = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE number = ? AND status = ? AND pr_number IS NULL
		`, WorkItemPending, workItemNumber, WorkItemInProgress)
		if err != nil {
			return fmt.Errorf("store: requeue work item %d: %w", workItemNumber, err)
		}
		return nil
	})
}

// StatusCounts returns the number of work items in each status, for the
// dashboard's /api/metrics aggregate.
func (s *Store) StatusCounts() (map[string]int, error) {
	rows, err := s.db.Queryx(`SELECT status, COUNT(*) AS n FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: status counts: %w", err)
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

func requireRowsAffected(res sql.Result, format string, args ...interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf(format, args...)
	}
	return nil
}
