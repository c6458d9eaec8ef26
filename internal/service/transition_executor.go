package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vrtx-crm/be-automation/internal/errors"
	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
)

// txRunner runs a function inside one database transaction.
type txRunner interface {
	InTransaction(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// recordStateStore is the state-pointer access the executor and engine need.
type recordStateStore interface {
	Get(ctx context.Context, blueprintID, recordID string) (*repository.RecordState, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, blueprintID, recordID string) (*repository.RecordState, error)
	Create(ctx context.Context, rs *repository.RecordState) error
	UpdateState(ctx context.Context, tx pgx.Tx, id, toStateID string, enteredAt time.Time) error
}

// executionStore is the transition-execution access the executor and engine
// need.
type executionStore interface {
	Create(ctx context.Context, e *repository.TransitionExecution) error
	GetByID(ctx context.Context, id string) (*repository.TransitionExecution, error)
	ListByRecord(ctx context.Context, blueprintID, recordID string) ([]*repository.TransitionExecution, error)
	UpdateStatus(ctx context.Context, id string, from, to repository.ExecutionStatus) error
	SetRequirementsData(ctx context.Context, id string, data map[string]any, to repository.ExecutionStatus) error
	MarkCompleted(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// txRecordStore extends RecordStore with a transactional field write.
type txRecordStore interface {
	RecordStore
	UpdateFieldTx(ctx context.Context, tx pgx.Tx, moduleID, recordID, field string, value any) (bool, error)
}

// TransitionExecutor applies a cleared transition to a record: it moves the
// state pointer and writes the new value into the blueprint's trigger field,
// in one transaction with the record-state row locked. Two executions racing
// on the same (blueprint, record) serialize on that lock; the loser fails its
// from-state check and rolls back.
type TransitionExecutor struct {
	db           txRunner
	recordStates recordStateStore
	executions   executionStore
	records      txRecordStore
	clock        eval.Clock
	log          *logger.Logger
}

// NewTransitionExecutor creates a new transition executor.
func NewTransitionExecutor(
	db txRunner,
	recordStates recordStateStore,
	executions executionStore,
	records txRecordStore,
	clock eval.Clock,
	log *logger.Logger,
) *TransitionExecutor {
	return &TransitionExecutor{
		db:           db,
		recordStates: recordStates,
		executions:   executions,
		records:      records,
		clock:        clock,
		log:          log,
	}
}

// Apply atomically advances the record to the transition's target state and
// marks the execution completed. fieldName and optionValue describe the write
// into the blueprint's trigger field.
func (e *TransitionExecutor) Apply(
	ctx context.Context,
	execution *repository.TransitionExecution,
	transition *repository.Transition,
	fieldName, optionValue string,
) error {
	now := e.clock.Now()

	err := e.db.InTransaction(ctx, func(tx pgx.Tx) error {
		rs, err := e.recordStates.GetForUpdate(ctx, tx, execution.BlueprintID, execution.RecordID)
		if err != nil {
			return err
		}
		if rs == nil {
			return errors.Conflict("record has no state pointer")
		}
		if transition.FromStateID != nil && rs.CurrentStateID != *transition.FromStateID {
			return errors.Conflict("record is no longer in the transition's source state")
		}

		if err := e.recordStates.UpdateState(ctx, tx, rs.ID, transition.ToStateID, now); err != nil {
			return err
		}

		applied, err := e.records.UpdateFieldTx(ctx, tx, execution.ModuleID, execution.RecordID, fieldName, optionValue)
		if err != nil {
			return err
		}
		if !applied {
			e.log.Warn().
				Str("module_id", execution.ModuleID).
				Str("field", fieldName).
				Msg("trigger field write skipped: unknown module or field")
		}

		return e.executions.MarkCompleted(ctx, tx, execution.ID, now)
	})
	if err != nil {
		return err
	}

	execution.Status = repository.ExecutionCompleted
	execution.CompletedAt = &now
	e.log.Info().
		Str("execution_id", execution.ID).
		Str("record_id", execution.RecordID).
		Str("to_state_id", transition.ToStateID).
		Msg("transition applied")
	return nil
}

// Rollback reverses an applied transition: the state pointer and the trigger
// field move back to the source state and the execution is marked failed.
// Only defined for transitions with a concrete source state; a wildcard
// transition has no state to return to.
func (e *TransitionExecutor) Rollback(
	ctx context.Context,
	execution *repository.TransitionExecution,
	transition *repository.Transition,
	fieldName, fromOptionValue, reason string,
) error {
	if transition.FromStateID == nil {
		return errors.InvalidInput("transition", "a wildcard transition cannot be rolled back")
	}
	now := e.clock.Now()

	err := e.db.InTransaction(ctx, func(tx pgx.Tx) error {
		rs, err := e.recordStates.GetForUpdate(ctx, tx, execution.BlueprintID, execution.RecordID)
		if err != nil {
			return err
		}
		if rs == nil {
			return errors.Conflict("record has no state pointer")
		}
		if rs.CurrentStateID != transition.ToStateID {
			return errors.Conflict("record has moved on since the transition was applied")
		}

		if err := e.recordStates.UpdateState(ctx, tx, rs.ID, *transition.FromStateID, now); err != nil {
			return err
		}

		applied, err := e.records.UpdateFieldTx(ctx, tx, execution.ModuleID, execution.RecordID, fieldName, fromOptionValue)
		if err != nil {
			return err
		}
		if !applied {
			e.log.Warn().
				Str("module_id", execution.ModuleID).
				Str("field", fieldName).
				Msg("trigger field revert skipped: unknown module or field")
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := e.executions.MarkFailed(ctx, execution.ID, reason); err != nil {
		return err
	}
	execution.Status = repository.ExecutionFailed
	execution.ErrorMessage = &reason
	e.log.Info().
		Str("execution_id", execution.ID).
		Str("record_id", execution.RecordID).
		Str("from_state_id", *transition.FromStateID).
		Msg("transition rolled back")
	return nil
}
