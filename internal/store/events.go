package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// AppendEvent always succeeds for a well-formed call: events are
// append-only and ordered by the auto-incrementing id (spec §4.4).
func (s *Store) AppendEvent(agentID, eventType, data string) (int64, error) {
	var id int64
	err := s.withTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO agent_events (agent_id, event_type, event_data) VALUES (?, ?, ?)
		`, agentID, eventType, data)
		if err != nil {
			return fmt.Errorf("store: append event for %s: %w", agentID, err)
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListEventsSince returns events for agentID with id > since, ascending —
// the shape the dashboard's incremental logs endpoint needs.
func (s *Store) ListEventsSince(agentID string, since int64) ([]AgentEvent, error) {
	var events []AgentEvent
	err := s.db.Select(&events, `
		SELECT * FROM agent_events WHERE agent_id = ? AND id > ? ORDER BY id ASC
	`, agentID, since)
	if err != nil {
		return nil, fmt.Errorf("store: list events since %d for %s: %w", since, agentID, err)
	}
	return events, nil
}

// CountAssistantEvents returns turns_used for a single run (count of
// assistant events), per spec §3's derived field.
func (s *Store) CountAssistantEvents(agentID string) (int, error) {
	var n int
	err := s.db.Get(&n, `
		SELECT COUNT(*) FROM agent_events WHERE agent_id = ? AND event_type = ?
	`, agentID, EventAssistant)
	if err != nil {
		return 0, fmt.Errorf("store: count assistant events for %s: %w", agentID, err)
	}
	return n, nil
}
