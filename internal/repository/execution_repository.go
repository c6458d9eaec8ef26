package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vrtx-crm/be-automation/internal/database"
	"github.com/vrtx-crm/be-automation/internal/errors"
)

// ExecutionRepository manages transition executions and their action logs.
type ExecutionRepository struct {
	db *database.DB
}

// NewExecutionRepository creates a new ExecutionRepository.
func NewExecutionRepository(db *database.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

const executionSelect = `
	SELECT id, blueprint_id, transition_id, record_id, module_id,
	       from_state_id, to_state_id, executed_by, status,
	       requirements_data, error_message,
	       created_at, updated_at, completed_at
	FROM transition_executions`

// Create inserts a new execution in its initial status.
func (r *ExecutionRepository) Create(ctx context.Context, e *TransitionExecution) error {
	dataJSON, err := marshalMap(e.RequirementsData)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal requirements data")
	}

	e.ID = uuid.NewString()
	query := `
		INSERT INTO transition_executions
		    (id, blueprint_id, transition_id, record_id, module_id,
		     from_state_id, to_state_id, executed_by, status, requirements_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		e.ID, e.BlueprintID, e.TransitionID, e.RecordID, e.ModuleID,
		e.FromStateID, e.ToStateID, e.ExecutedBy, e.Status, dataJSON,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
}

// GetByID retrieves an execution by its primary key.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*TransitionExecution, error) {
	e, err := scanExecution(r.db.QueryRow(ctx, executionSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("transition_execution", id)
	}
	return e, err
}

// ListByRecord returns all executions for a record within a blueprint,
// newest first.
func (r *ExecutionRepository) ListByRecord(ctx context.Context, blueprintID, recordID string) ([]*TransitionExecution, error) {
	query := executionSelect + `
		WHERE blueprint_id = $1 AND record_id = $2
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, blueprintID, recordID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list executions")
	}
	defer rows.Close()

	var executions []*TransitionExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, nil
}

// UpdateStatus transitions an execution between statuses, guarded by the
// expected current status so concurrent writers cannot double-advance.
func (r *ExecutionRepository) UpdateStatus(ctx context.Context, id string, from, to ExecutionStatus) error {
	query := `
		UPDATE transition_executions
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id, from, to).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Conflict("execution is not in status " + string(from))
	}
	return err
}

// SetRequirementsData stores submitted requirements data and advances the
// status in one statement.
func (r *ExecutionRepository) SetRequirementsData(ctx context.Context, id string, data map[string]any, to ExecutionStatus) error {
	dataJSON, err := marshalMap(data)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal requirements data")
	}
	query := `
		UPDATE transition_executions
		SET requirements_data = $2, status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
		RETURNING id
	`
	var returnedID string
	err = r.db.QueryRow(ctx, query, id, dataJSON, to, ExecutionPendingRequirements).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Conflict("execution is not pending requirements")
	}
	return err
}

// MarkCompleted stamps completion inside the transition transaction.
func (r *ExecutionRepository) MarkCompleted(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	query := `
		UPDATE transition_executions
		SET status = $2, completed_at = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
		RETURNING id
	`
	var returnedID string
	err := tx.QueryRow(ctx, query, id, ExecutionCompleted, at, ExecutionPending, ExecutionApproved).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Conflict("execution cannot be completed from its current status")
	}
	return err
}

// MarkFailed records a failure with its reason.
func (r *ExecutionRepository) MarkFailed(ctx context.Context, id, reason string) error {
	query := `
		UPDATE transition_executions
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id, ExecutionFailed, reason).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("transition_execution", id)
	}
	return err
}

// SetError records a status change together with an error/rejection reason.
func (r *ExecutionRepository) SetError(ctx context.Context, id string, status ExecutionStatus, reason string) error {
	query := `
		UPDATE transition_executions
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, reason).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("transition_execution", id)
	}
	return err
}

// ── action logs ──────────────────────────────────────────────────────────────

// AppendActionLog records the outcome of one executed action.
func (r *ExecutionRepository) AppendActionLog(ctx context.Context, log *ActionLog) error {
	resultJSON, err := marshalMap(log.Result)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal action result")
	}
	log.ID = uuid.NewString()
	query := `
		INSERT INTO transition_action_logs (id, execution_id, kind, status, result)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		log.ID, log.ExecutionID, log.Kind, log.Status, resultJSON,
	).Scan(&log.CreatedAt)
}

// ActionLogs returns the action logs for an execution oldest-first.
func (r *ExecutionRepository) ActionLogs(ctx context.Context, executionID string) ([]*ActionLog, error) {
	query := `
		SELECT id, execution_id, kind, status, result, created_at
		FROM transition_action_logs
		WHERE execution_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list action logs")
	}
	defer rows.Close()

	var logs []*ActionLog
	for rows.Next() {
		log := &ActionLog{}
		var resultJSON []byte
		if err := rows.Scan(&log.ID, &log.ExecutionID, &log.Kind, &log.Status, &resultJSON, &log.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan action log")
		}
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &log.Result); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal action result")
			}
		}
		logs = append(logs, log)
	}
	return logs, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanExecution(row rowScanner) (*TransitionExecution, error) {
	e := &TransitionExecution{}
	var dataJSON []byte
	err := row.Scan(
		&e.ID, &e.BlueprintID, &e.TransitionID, &e.RecordID, &e.ModuleID,
		&e.FromStateID, &e.ToStateID, &e.ExecutedBy, &e.Status,
		&dataJSON, &e.ErrorMessage,
		&e.CreatedAt, &e.UpdatedAt, &e.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &e.RequirementsData); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal requirements data")
		}
	}
	return e, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
