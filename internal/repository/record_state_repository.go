package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vrtx-crm/be-automation/internal/database"
	"github.com/vrtx-crm/be-automation/internal/errors"
)

// RecordStateRepository manages the current state pointer per (blueprint,
// record) pair. The pointer is only mutated by the transition executor, which
// locks the row for the duration of its transaction.
type RecordStateRepository struct {
	db *database.DB
}

// NewRecordStateRepository creates a new RecordStateRepository.
func NewRecordStateRepository(db *database.DB) *RecordStateRepository {
	return &RecordStateRepository{db: db}
}

const recordStateSelect = `
	SELECT id, blueprint_id, record_id, current_state_id, state_entered_at,
	       created_at, updated_at
	FROM blueprint_record_states`

// Get returns the state pointer for a (blueprint, record) pair, or nil when
// the record has not been initialized yet.
func (r *RecordStateRepository) Get(ctx context.Context, blueprintID, recordID string) (*RecordState, error) {
	rs, err := scanRecordState(r.db.QueryRow(ctx,
		recordStateSelect+` WHERE blueprint_id = $1 AND record_id = $2`, blueprintID, recordID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rs, err
}

// GetForUpdate locks and returns the state pointer inside a transaction.
// Serializes concurrent transitions on the same (blueprint, record).
func (r *RecordStateRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, blueprintID, recordID string) (*RecordState, error) {
	rs, err := scanRecordState(tx.QueryRow(ctx,
		recordStateSelect+` WHERE blueprint_id = $1 AND record_id = $2 FOR UPDATE`, blueprintID, recordID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rs, err
}

// Create inserts a new state pointer. The unique (blueprint_id, record_id)
// constraint makes lazy initialization race-safe.
func (r *RecordStateRepository) Create(ctx context.Context, rs *RecordState) error {
	rs.ID = uuid.NewString()
	query := `
		INSERT INTO blueprint_record_states
		    (id, blueprint_id, record_id, current_state_id, state_entered_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (blueprint_id, record_id) DO NOTHING
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		rs.ID, rs.BlueprintID, rs.RecordID, rs.CurrentStateID, rs.StateEnteredAt,
	).Scan(&rs.ID, &rs.CreatedAt, &rs.UpdatedAt)
	if err == pgx.ErrNoRows {
		// Lost the race; the caller re-reads the winner's row.
		return errors.Conflict("record state already initialized")
	}
	return err
}

// UpdateState moves the pointer to a new state within a transaction.
func (r *RecordStateRepository) UpdateState(ctx context.Context, tx pgx.Tx, id, toStateID string, enteredAt time.Time) error {
	query := `
		UPDATE blueprint_record_states
		SET current_state_id = $2,
		    state_entered_at = $3,
		    updated_at       = NOW()
		WHERE id = $1
		RETURNING id
	`
	var returnedID string
	err := tx.QueryRow(ctx, query, id, toStateID, enteredAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("record_state", id)
	}
	return err
}

func scanRecordState(row rowScanner) (*RecordState, error) {
	rs := &RecordState{}
	err := row.Scan(
		&rs.ID, &rs.BlueprintID, &rs.RecordID, &rs.CurrentStateID, &rs.StateEnteredAt,
		&rs.CreatedAt, &rs.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rs, nil
}
