package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/musterlabs/muster/pkg/models"
)

// Record is one durable snapshot of a workflow's state.
type Record struct {
	// WorkflowID identifies the workflow the snapshot belongs to.
	WorkflowID string `json:"workflow_id"`
	// Seq orders records within a workflow. Appending an existing
	// (workflow_id, seq) pair is a no-op, so a replayed write after a
	// crash cannot clobber the original.
	Seq int64 `json:"seq"`
	// Status mirrors the snapshot's workflow status so prune queries
	// don't have to decode state blobs.
	Status models.WorkflowStatus `json:"status"`
	// State is the JSON-encoded workflow.
	State []byte `json:"state"`
	// CreatedAt is when the record was appended.
	CreatedAt time.Time `json:"created_at"`
}

// NewRecord snapshots the workflow at the given sequence number.
func NewRecord(w *models.Workflow, seq int64) (Record, error) {
	state, err := json.Marshal(w)
	if err != nil {
		return Record{}, fmt.Errorf("encode workflow %s: %w", w.ID, err)
	}
	return Record{
		WorkflowID: w.ID,
		Seq:        seq,
		Status:     w.Status,
		State:      state,
	}, nil
}

// Workflow decodes the snapshot back into a workflow.
func (r *Record) Workflow() (*models.Workflow, error) {
	var w models.Workflow
	if err := json.Unmarshal(r.State, &w); err != nil {
		return nil, fmt.Errorf("decode workflow %s seq %d: %w", r.WorkflowID, r.Seq, err)
	}
	return &w, nil
}

// Summary describes a workflow by its latest checkpoint record.
type Summary struct {
	WorkflowID     string                `json:"workflow_id"`
	Seq            int64                 `json:"seq"`
	Status         models.WorkflowStatus `json:"status"`
	CheckpointedAt time.Time             `json:"checkpointed_at"`
}

// Append writes a checkpoint record. Re-appending an existing
// (workflow_id, seq) pair leaves the original record untouched.
func (db *DB) Append(rec Record) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT OR IGNORE INTO checkpoints (workflow_id, seq, status, state, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.WorkflowID, rec.Seq, string(rec.Status), rec.State, formatTime(createdAt))
	if err != nil {
		return fmt.Errorf("append checkpoint %s/%d: %w", rec.WorkflowID, rec.Seq, err)
	}
	return nil
}

// Latest returns the highest-seq record for the workflow, or nil when
// the workflow has no checkpoints.
func (db *DB) Latest(workflowID string) (*Record, error) {
	row := db.QueryRow(`
		SELECT workflow_id, seq, status, state, created_at
		FROM checkpoints WHERE workflow_id = ?
		ORDER BY seq DESC LIMIT 1
	`, workflowID)

	rec, err := scanRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint %s: %w", workflowID, err)
	}
	return rec, nil
}

// History returns every record for the workflow in append order.
func (db *DB) History(workflowID string) ([]Record, error) {
	rows, err := db.Query(`
		SELECT workflow_id, seq, status, state, created_at
		FROM checkpoints WHERE workflow_id = ?
		ORDER BY seq ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint history %s: %w", workflowID, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Workflows summarizes every known workflow by its latest record,
// most recently checkpointed first.
func (db *DB) Workflows() ([]Summary, error) {
	rows, err := db.Query(`
		SELECT c.workflow_id, c.seq, c.status, c.created_at
		FROM checkpoints c
		JOIN (
			SELECT workflow_id, MAX(seq) AS max_seq
			FROM checkpoints GROUP BY workflow_id
		) m ON c.workflow_id = m.workflow_id AND c.seq = m.max_seq
		ORDER BY c.created_at DESC, c.workflow_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var s Summary
		var createdAt string
		if err := rows.Scan(&s.WorkflowID, &s.Seq, &s.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan workflow summary: %w", err)
		}
		s.CheckpointedAt, _ = parseTime(createdAt)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Prune deletes all records of workflows whose latest record is
// terminal and older than the given age. Returns the number of records
// deleted. Running workflows are never touched.
func (db *DB) Prune(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))

	result, err := db.Exec(`
		DELETE FROM checkpoints WHERE workflow_id IN (
			SELECT c.workflow_id
			FROM checkpoints c
			JOIN (
				SELECT workflow_id, MAX(seq) AS max_seq
				FROM checkpoints GROUP BY workflow_id
			) m ON c.workflow_id = m.workflow_id AND c.seq = m.max_seq
			WHERE c.status IN (?, ?, ?) AND c.created_at < ?
		)
	`, string(models.WorkflowStatusCompleted), string(models.WorkflowStatusFailed),
		string(models.WorkflowStatusCancelled), cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// scanRecord reads one checkpoint row via the given scan function.
func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var rec Record
	var status string
	var createdAt string
	if err := scan(&rec.WorkflowID, &rec.Seq, &status, &rec.State, &createdAt); err != nil {
		return nil, err
	}
	rec.Status = models.WorkflowStatus(status)
	rec.CreatedAt, _ = parseTime(createdAt)
	return &rec, nil
}
