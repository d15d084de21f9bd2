package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/r3e-forks/data-core/db"
	"github.com/r3e-forks/data-core/errs"
)

// PostgresRunRepository implements RunRepository against the
// `workflow_runs`/`workflow_raw_items`/`workflow_run_logs` tables using
// direct pgx queries rather than GORM.
type PostgresRunRepository struct {
	db *db.PostgresDB
}

// NewPostgresRunRepository creates a new PostgreSQL run repository.
func NewPostgresRunRepository(pg *db.PostgresDB) *PostgresRunRepository {
	return &PostgresRunRepository{db: pg}
}

// InsertRunQueued implements step 1 of the per-run algorithm (§4.7).
func (r *PostgresRunRepository) InsertRunQueued(ctx context.Context, workflowUUID, triggerID string) (string, error) {
	runUUID := uuid.New().String()
	err := r.db.Exec(ctx, `
		INSERT INTO workflow_runs (uuid, workflow_uuid, trigger_id, status, created_at)
		VALUES ($1, $2, $3, 'queued', NOW())
	`, runUUID, workflowUUID, triggerID)
	if err != nil {
		return "", errs.Database(err)
	}
	return runUUID, nil
}

// TransitionRun applies the guarded status transition from §4.7: `running`
// is only accepted from `queued`; `success`/`failed` only from `running`.
func (r *PostgresRunRepository) TransitionRun(ctx context.Context, runUUID string, from, to RunStatus) error {
	var timestampCol string
	switch {
	case from == RunStatusQueued && to == RunStatusRunning:
		timestampCol = "started_at"
	case from == RunStatusRunning && (to == RunStatusSuccess || to == RunStatusFailed):
		timestampCol = "finished_at"
	default:
		return errs.Conflict(fmt.Sprintf("invalid run transition %q -> %q", from, to))
	}

	query := fmt.Sprintf(`
		UPDATE workflow_runs
		SET status = $1, %s = NOW()
		WHERE uuid = $2 AND status = $3
	`, timestampCol)

	tag, err := r.db.Pool().Exec(ctx, query, string(to), runUUID, string(from))
	if err != nil {
		return errs.Database(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Conflict(fmt.Sprintf("run %s is not in status %q", runUUID, from))
	}
	return nil
}

// InsertRawItems implements step 4: assigns seq_no as
// max(seq_no over run) + 1 + i.
func (r *PostgresRunRepository) InsertRawItems(ctx context.Context, runUUID string, payloads []map[string]interface{}) error {
	var maxSeq int
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq_no), -1) FROM workflow_raw_items WHERE run_uuid = $1
	`, runUUID).Scan(&maxSeq)
	if err != nil {
		return errs.Database(err)
	}

	for i, payload := range payloads {
		jsonPayload, err := json.Marshal(payload)
		if err != nil {
			return errs.Serialization(err)
		}
		err = r.db.Exec(ctx, `
			INSERT INTO workflow_raw_items (id, run_uuid, seq_no, payload, status, created_at)
			VALUES ($1, $2, $3, $4, 'queued', NOW())
		`, uuid.New().String(), runUUID, maxSeq+1+i, jsonPayload)
		if err != nil {
			return errs.Database(err)
		}
	}
	return nil
}

// FetchStagedRawItems implements the fetch half of step 5.
func (r *PostgresRunRepository) FetchStagedRawItems(ctx context.Context, runUUID string, batchSize int) ([]RawItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, seq_no, payload, status
		FROM workflow_raw_items
		WHERE run_uuid = $1 AND status = 'queued'
		ORDER BY seq_no ASC
		LIMIT $2
	`, runUUID, batchSize)
	if err != nil {
		return nil, errs.Database(err)
	}
	defer rows.Close()

	var items []RawItem
	for rows.Next() {
		var (
			id      string
			seqNo   int
			payload []byte
			status  string
		)
		if err := rows.Scan(&id, &seqNo, &payload, &status); err != nil {
			return nil, errs.Database(err)
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, errs.Serialization(err)
		}
		items = append(items, RawItem{
			ID:      id,
			RunUUID: runUUID,
			SeqNo:   seqNo,
			Payload: decoded,
			Status:  RawItemStatus(status),
		})
	}
	return items, rows.Err()
}

// SetRawItemStatus implements the per-item write half of step 5.
func (r *PostgresRunRepository) SetRawItemStatus(ctx context.Context, itemID string, status RawItemStatus, errMessage string) error {
	err := r.db.Exec(ctx, `
		UPDATE workflow_raw_items SET status = $1, error = $2, processed_at = NOW()
		WHERE id = $3
	`, string(status), errMessage, itemID)
	if err != nil {
		return errs.Database(err)
	}
	return nil
}

// MarkRawItemsProcessed is the step-6 safety net for any stragglers left
// in `queued` after the main loop exits.
func (r *PostgresRunRepository) MarkRawItemsProcessed(ctx context.Context, runUUID string) error {
	err := r.db.Exec(ctx, `
		UPDATE workflow_raw_items SET status = 'processed', processed_at = NOW()
		WHERE run_uuid = $1 AND status = 'queued'
	`, runUUID)
	if err != nil {
		return errs.Database(err)
	}
	return nil
}

// CompleteRun transitions a run to its terminal state with item counts.
func (r *PostgresRunRepository) CompleteRun(ctx context.Context, runUUID string, status RunStatus, processedItems, failedItems int, message string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE workflow_runs
		SET status = $1, processed_items = $2, failed_items = $3, message = $4, finished_at = NOW()
		WHERE uuid = $5 AND status = 'running'
	`, string(status), processedItems, failedItems, message, runUUID)
	if err != nil {
		return errs.Database(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Conflict(fmt.Sprintf("run %s is not running", runUUID))
	}
	return nil
}

// AppendRunLog writes one significant-event entry per step 7.
func (r *PostgresRunRepository) AppendRunLog(ctx context.Context, runUUID string, level LogLevel, message string, meta map[string]interface{}) error {
	var jsonMeta []byte
	if meta != nil {
		var err error
		jsonMeta, err = json.Marshal(meta)
		if err != nil {
			return errs.Serialization(err)
		}
	}
	err := r.db.Exec(ctx, `
		INSERT INTO workflow_run_logs (id, run_uuid, level, message, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), runUUID, string(level), message, jsonMeta)
	if err != nil {
		return errs.Database(err)
	}
	return nil
}

// GetRunHistory retrieves past runs for a workflow, newest first.
func (r *PostgresRunRepository) GetRunHistory(ctx context.Context, workflowUUID string, limit int) ([]*WorkflowRun, error) {
	rows, err := r.db.Query(ctx, `
		SELECT uuid, status, processed_items, failed_items, message, started_at, finished_at, created_at
		FROM workflow_runs
		WHERE workflow_uuid = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, workflowUUID, limit)
	if err != nil {
		return nil, errs.Database(err)
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		var (
			run        WorkflowRun
			status     string
			startedAt  *time.Time
			finishedAt *time.Time
		)
		if err := rows.Scan(&run.UUID, &status, &run.ProcessedItems, &run.FailedItems, &run.Message, &startedAt, &finishedAt, &run.CreatedAt); err != nil {
			return nil, errs.Database(err)
		}
		run.WorkflowUUID = workflowUUID
		run.Status = RunStatus(status)
		run.StartedAt = startedAt
		run.FinishedAt = finishedAt
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
