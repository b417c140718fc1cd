package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/tasker-systems/tasker/pkg/workflow"
)

// ListTransitions implements storage.TransitionStore. The record may be a
// task or a step; the two logs live in separate tables so both are probed.
func (s *Store) ListTransitions(ctx context.Context, recordID uuid.UUID) ([]workflow.Transition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id AS record_id, from_state, to_state, metadata,
		    sort_key, most_recent, created_at
		 FROM task_transitions WHERE task_id = $1
		 UNION ALL
		 SELECT id, workflow_step_id, from_state, to_state, metadata,
		    sort_key, most_recent, created_at
		 FROM workflow_step_transitions WHERE workflow_step_id = $1
		 ORDER BY sort_key`, recordID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transitions: %w", err)
	}
	defer rows.Close()

	var out []workflow.Transition
	for rows.Next() {
		var t workflow.Transition
		var metaJSON []byte
		err := rows.Scan(&t.ID, &t.RecordID, &t.FromState, &t.ToState,
			&metaJSON, &t.SortKey, &t.MostRecent, &t.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan transition: %w", err)
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &t.Metadata)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
