package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vrtx-crm/be-automation/internal/database"
	"github.com/vrtx-crm/be-automation/internal/errors"
	"github.com/vrtx-crm/be-automation/internal/eval"
)

// WorkflowRepository manages workflow rules, executions, step logs and
// immutable rule versions.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

const ruleSelect = `
	SELECT id, module_id, name, trigger_event, watched_fields,
	       conditions, steps, is_active, version, created_at, updated_at
	FROM workflow_rules`

// CreateRule inserts a rule at version 1 and writes its first version
// snapshot in the same transaction.
func (r *WorkflowRepository) CreateRule(ctx context.Context, rule *WorkflowRule, createdBy string) error {
	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal conditions")
	}
	stepsJSON, err := json.Marshal(rule.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal steps")
	}
	watchedJSON, err := json.Marshal(emptyIfNil(rule.WatchedFields))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal watched fields")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		rule.ID = uuid.NewString()
		rule.Version = 1
		err := tx.QueryRow(ctx, `
			INSERT INTO workflow_rules
			    (id, module_id, name, trigger_event, watched_fields,
			     conditions, steps, is_active, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at, updated_at
		`, rule.ID, rule.ModuleID, rule.Name, rule.TriggerEvent, watchedJSON,
			conditionsJSON, stepsJSON, rule.IsActive, rule.Version,
		).Scan(&rule.CreatedAt, &rule.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow rule")
		}
		return r.insertVersion(ctx, tx, rule, createdBy)
	})
}

// UpdateRule persists rule changes, bumps the version and snapshots it.
func (r *WorkflowRepository) UpdateRule(ctx context.Context, rule *WorkflowRule, updatedBy string) error {
	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal conditions")
	}
	stepsJSON, err := json.Marshal(rule.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal steps")
	}
	watchedJSON, err := json.Marshal(emptyIfNil(rule.WatchedFields))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal watched fields")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE workflow_rules
			SET name = $2, trigger_event = $3, watched_fields = $4,
			    conditions = $5, steps = $6, is_active = $7,
			    version = version + 1, updated_at = NOW()
			WHERE id = $1
			RETURNING version, updated_at
		`, rule.ID, rule.Name, rule.TriggerEvent, watchedJSON,
			conditionsJSON, stepsJSON, rule.IsActive,
		).Scan(&rule.Version, &rule.UpdatedAt)
		if err == pgx.ErrNoRows {
			return errors.NotFound("workflow_rule", rule.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update workflow rule")
		}
		return r.insertVersion(ctx, tx, rule, updatedBy)
	})
}

// GetRule retrieves a rule by its primary key.
func (r *WorkflowRepository) GetRule(ctx context.Context, id string) (*WorkflowRule, error) {
	rule, err := scanRule(r.db.QueryRow(ctx, ruleSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_rule", id)
	}
	return rule, err
}

// ListActiveByModuleEvent returns active rules matching a module and trigger
// event, oldest first.
func (r *WorkflowRepository) ListActiveByModuleEvent(ctx context.Context, moduleID, triggerEvent string) ([]*WorkflowRule, error) {
	rows, err := r.db.Query(ctx, ruleSelect+`
		WHERE module_id = $1 AND trigger_event = $2 AND is_active = TRUE
		ORDER BY created_at ASC`, moduleID, triggerEvent)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow rules")
	}
	defer rows.Close()

	var rules []*WorkflowRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow rule")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// ── executions ───────────────────────────────────────────────────────────────

const workflowExecutionSelect = `
	SELECT id, rule_id, rule_version, module_id, record_id, trigger_event,
	       status, context, error_message, started_at, completed_at,
	       created_at, updated_at
	FROM workflow_executions`

// CreateExecution inserts a queued execution with its context snapshot.
func (r *WorkflowRepository) CreateExecution(ctx context.Context, e *WorkflowExecution) error {
	contextJSON, err := marshalMap(e.Context)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal execution context")
	}
	e.ID = uuid.NewString()
	query := `
		INSERT INTO workflow_executions
		    (id, rule_id, rule_version, module_id, record_id, trigger_event, status, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		e.ID, e.RuleID, e.RuleVersion, e.ModuleID, e.RecordID, e.TriggerEvent, e.Status, contextJSON,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
}

// GetExecution retrieves an execution by its primary key.
func (r *WorkflowRepository) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	e, err := scanWorkflowExecution(r.db.QueryRow(ctx, workflowExecutionSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_execution", id)
	}
	return e, err
}

// MarkRunning flips a queued execution to running exactly once.
func (r *WorkflowRepository) MarkRunning(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE workflow_executions
		SET status = $2, started_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id, WorkflowRunning, at).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Conflict("workflow execution is not queued")
	}
	return err
}

// Finish records the terminal status of an execution.
func (r *WorkflowRepository) Finish(ctx context.Context, id string, status WorkflowExecutionStatus, errMessage *string, at time.Time) error {
	query := `
		UPDATE workflow_executions
		SET status = $2, error_message = $3, completed_at = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, errMessage, at).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_execution", id)
	}
	return err
}

// AppendStepLog records one step attempt.
func (r *WorkflowRepository) AppendStepLog(ctx context.Context, log *WorkflowStepLog) error {
	resultJSON, err := marshalMap(log.Result)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal step result")
	}
	log.ID = uuid.NewString()
	query := `
		INSERT INTO workflow_step_logs (id, execution_id, step_id, attempt, status, result)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		log.ID, log.ExecutionID, log.StepID, log.Attempt, log.Status, resultJSON,
	).Scan(&log.CreatedAt)
}

// StepLogs returns all attempts for an execution oldest-first.
func (r *WorkflowRepository) StepLogs(ctx context.Context, executionID string) ([]*WorkflowStepLog, error) {
	query := `
		SELECT id, execution_id, step_id, attempt, status, result, created_at
		FROM workflow_step_logs
		WHERE execution_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, executionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list step logs")
	}
	defer rows.Close()

	var logs []*WorkflowStepLog
	for rows.Next() {
		log := &WorkflowStepLog{}
		var resultJSON []byte
		if err := rows.Scan(&log.ID, &log.ExecutionID, &log.StepID, &log.Attempt, &log.Status, &resultJSON, &log.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan step log")
		}
		if len(resultJSON) > 0 {
			if err := json.Unmarshal(resultJSON, &log.Result); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal step result")
			}
		}
		logs = append(logs, log)
	}
	return logs, nil
}

// ── versions ─────────────────────────────────────────────────────────────────

// ListVersions returns all snapshots of a rule, newest first.
func (r *WorkflowRepository) ListVersions(ctx context.Context, ruleID string) ([]*WorkflowVersion, error) {
	query := `
		SELECT id, rule_id, version, snapshot, created_by, created_at
		FROM workflow_versions
		WHERE rule_id = $1
		ORDER BY version DESC
	`
	rows, err := r.db.Query(ctx, query, ruleID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow versions")
	}
	defer rows.Close()

	var versions []*WorkflowVersion
	for rows.Next() {
		v := &WorkflowVersion{}
		if err := rows.Scan(&v.ID, &v.RuleID, &v.Version, &v.Snapshot, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow version")
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// GetVersion retrieves one snapshot of a rule.
func (r *WorkflowRepository) GetVersion(ctx context.Context, ruleID string, version int) (*WorkflowVersion, error) {
	v := &WorkflowVersion{}
	err := r.db.QueryRow(ctx, `
		SELECT id, rule_id, version, snapshot, created_by, created_at
		FROM workflow_versions
		WHERE rule_id = $1 AND version = $2
	`, ruleID, version).Scan(&v.ID, &v.RuleID, &v.Version, &v.Snapshot, &v.CreatedBy, &v.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_version", ruleID)
	}
	return v, err
}

func (r *WorkflowRepository) insertVersion(ctx context.Context, tx pgx.Tx, rule *WorkflowRule, createdBy string) error {
	snapshot, err := json.Marshal(ruleSnapshot{
		ModuleID:      rule.ModuleID,
		Name:          rule.Name,
		TriggerEvent:  rule.TriggerEvent,
		WatchedFields: emptyIfNil(rule.WatchedFields),
		Conditions:    rule.Conditions,
		Steps:         rule.Steps,
		IsActive:      rule.IsActive,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule snapshot")
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO workflow_versions (id, rule_id, version, snapshot, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), rule.ID, rule.Version, snapshot, createdBy)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert workflow version")
	}
	return nil
}

// DecodeRuleSnapshot rebuilds rule content from a version snapshot. The
// returned rule has no identity fields; callers supply id and version.
func DecodeRuleSnapshot(snapshot json.RawMessage) (*WorkflowRule, error) {
	var s ruleSnapshot
	if err := json.Unmarshal(snapshot, &s); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule snapshot")
	}
	return &WorkflowRule{
		ModuleID:      s.ModuleID,
		Name:          s.Name,
		TriggerEvent:  s.TriggerEvent,
		WatchedFields: s.WatchedFields,
		Conditions:    s.Conditions,
		Steps:         s.Steps,
		IsActive:      s.IsActive,
	}, nil
}

// ruleSnapshot is the immutable JSON shape stored per version.
type ruleSnapshot struct {
	ModuleID      string         `json:"module_id"`
	Name          string         `json:"name"`
	TriggerEvent  string         `json:"trigger_event"`
	WatchedFields []string       `json:"watched_fields"`
	Conditions    eval.RuleSet   `json:"conditions"`
	Steps         []WorkflowStep `json:"steps"`
	IsActive      bool           `json:"is_active"`
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanRule(row rowScanner) (*WorkflowRule, error) {
	rule := &WorkflowRule{}
	var watchedJSON, conditionsJSON, stepsJSON []byte
	err := row.Scan(
		&rule.ID, &rule.ModuleID, &rule.Name, &rule.TriggerEvent, &watchedJSON,
		&conditionsJSON, &stepsJSON, &rule.IsActive, &rule.Version,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(watchedJSON) > 0 {
		if err := json.Unmarshal(watchedJSON, &rule.WatchedFields); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal watched fields")
		}
	}
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &rule.Conditions); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal conditions")
		}
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &rule.Steps); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal steps")
		}
	}
	return rule, nil
}

func scanWorkflowExecution(row rowScanner) (*WorkflowExecution, error) {
	e := &WorkflowExecution{}
	var contextJSON []byte
	err := row.Scan(
		&e.ID, &e.RuleID, &e.RuleVersion, &e.ModuleID, &e.RecordID, &e.TriggerEvent,
		&e.Status, &contextJSON, &e.ErrorMessage, &e.StartedAt, &e.CompletedAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &e.Context); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal execution context")
		}
	}
	return e, nil
}
