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

// SLARepository manages per-state SLA configs and their running instances.
type SLARepository struct {
	db *database.DB
}

// NewSLARepository creates a new SLARepository.
func NewSLARepository(db *database.DB) *SLARepository {
	return &SLARepository{db: db}
}

const slaSelect = `
	SELECT id, state_id, blueprint_id, is_active, duration_hours,
	       business_hours_only, exclude_weekends, escalations,
	       created_at, updated_at
	FROM state_slas`

// CreateSLA inserts an SLA config for a state. One per state.
func (r *SLARepository) CreateSLA(ctx context.Context, sla *StateSLA) error {
	escalationsJSON, err := json.Marshal(sla.Escalations)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal escalations")
	}
	sla.ID = uuid.NewString()
	query := `
		INSERT INTO state_slas
		    (id, state_id, blueprint_id, is_active, duration_hours,
		     business_hours_only, exclude_weekends, escalations)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		sla.ID, sla.StateID, sla.BlueprintID, sla.IsActive, sla.DurationHours,
		sla.BusinessHoursOnly, sla.ExcludeWeekends, escalationsJSON,
	).Scan(&sla.CreatedAt, &sla.UpdatedAt)
}

// GetSLAForState returns the active SLA config of a state, or nil.
func (r *SLARepository) GetSLAForState(ctx context.Context, stateID string) (*StateSLA, error) {
	sla, err := scanSLA(r.db.QueryRow(ctx,
		slaSelect+` WHERE state_id = $1 AND is_active = TRUE LIMIT 1`, stateID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return sla, err
}

// GetSLA retrieves an SLA config by its primary key.
func (r *SLARepository) GetSLA(ctx context.Context, id string) (*StateSLA, error) {
	sla, err := scanSLA(r.db.QueryRow(ctx, slaSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("state_sla", id)
	}
	return sla, err
}

// ── instances ────────────────────────────────────────────────────────────────

const slaInstanceSelect = `
	SELECT id, sla_id, blueprint_id, record_id, module_id, state_id,
	       state_entered_at, due_at, status, breached_at, completed_at,
	       triggered_escalations, created_at, updated_at
	FROM sla_instances`

// StartInstance completes any other active instance for the record within the
// blueprint and inserts the new one, all in one transaction. Keeps the
// one-active-instance-per-record-per-blueprint invariant.
func (r *SLARepository) StartInstance(ctx context.Context, instance *SLAInstance) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE sla_instances
			SET status = $3, completed_at = NOW(), updated_at = NOW()
			WHERE blueprint_id = $1 AND record_id = $2 AND status IN ('active', 'breached')
		`, instance.BlueprintID, instance.RecordID, SLACompleted)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to complete prior SLA instances")
		}

		instance.ID = uuid.NewString()
		return tx.QueryRow(ctx, `
			INSERT INTO sla_instances
			    (id, sla_id, blueprint_id, record_id, module_id, state_id,
			     state_entered_at, due_at, status, triggered_escalations)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '[]'::jsonb)
			RETURNING created_at, updated_at
		`, instance.ID, instance.SLAID, instance.BlueprintID, instance.RecordID,
			instance.ModuleID, instance.StateID, instance.StateEnteredAt,
			instance.DueAt, instance.Status,
		).Scan(&instance.CreatedAt, &instance.UpdatedAt)
	})
}

// GetActiveInstance returns the running instance for a record within a
// blueprint, or nil. Breached instances still count as running.
func (r *SLARepository) GetActiveInstance(ctx context.Context, blueprintID, recordID string) (*SLAInstance, error) {
	instance, err := scanSLAInstance(r.db.QueryRow(ctx, slaInstanceSelect+`
		WHERE blueprint_id = $1 AND record_id = $2 AND status IN ('active', 'breached')
		LIMIT 1`, blueprintID, recordID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return instance, err
}

// ListRunning returns every active or breached instance. Used by the sweep.
func (r *SLARepository) ListRunning(ctx context.Context) ([]*SLAInstance, error) {
	rows, err := r.db.Query(ctx, slaInstanceSelect+`
		WHERE status IN ('active', 'breached')
		ORDER BY due_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list running SLA instances")
	}
	defer rows.Close()

	var instances []*SLAInstance
	for rows.Next() {
		instance, err := scanSLAInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan SLA instance")
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// MarkBreached flips an active instance to breached exactly once.
func (r *SLARepository) MarkBreached(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE sla_instances
		SET status = $2, breached_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id, SLABreached, at).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Conflict("SLA instance is not active")
	}
	return err
}

// CompleteInstance finishes the running instance for a record, if any.
func (r *SLARepository) CompleteInstance(ctx context.Context, blueprintID, recordID string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE sla_instances
		SET status = $3, completed_at = $4, updated_at = NOW()
		WHERE blueprint_id = $1 AND record_id = $2 AND status IN ('active', 'breached')
	`, blueprintID, recordID, SLACompleted, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to complete SLA instance")
	}
	return nil
}

// AddTriggeredEscalation records that an escalation fired for an instance.
// The guard makes each escalation fire at most once even across concurrent
// sweeps.
func (r *SLARepository) AddTriggeredEscalation(ctx context.Context, id, escalationID string) error {
	query := `
		UPDATE sla_instances
		SET triggered_escalations = triggered_escalations || to_jsonb(ARRAY[$2::text]),
		    updated_at = NOW()
		WHERE id = $1
		  AND NOT triggered_escalations @> to_jsonb(ARRAY[$2::text])
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id, escalationID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Conflict("escalation already triggered for this instance")
	}
	return err
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanSLA(row rowScanner) (*StateSLA, error) {
	sla := &StateSLA{}
	var escalationsJSON []byte
	err := row.Scan(
		&sla.ID, &sla.StateID, &sla.BlueprintID, &sla.IsActive, &sla.DurationHours,
		&sla.BusinessHoursOnly, &sla.ExcludeWeekends, &escalationsJSON,
		&sla.CreatedAt, &sla.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(escalationsJSON) > 0 {
		if err := json.Unmarshal(escalationsJSON, &sla.Escalations); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal escalations")
		}
	}
	return sla, nil
}

func scanSLAInstance(row rowScanner) (*SLAInstance, error) {
	instance := &SLAInstance{}
	var triggeredJSON []byte
	err := row.Scan(
		&instance.ID, &instance.SLAID, &instance.BlueprintID, &instance.RecordID,
		&instance.ModuleID, &instance.StateID,
		&instance.StateEnteredAt, &instance.DueAt, &instance.Status,
		&instance.BreachedAt, &instance.CompletedAt,
		&triggeredJSON, &instance.CreatedAt, &instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(triggeredJSON) > 0 {
		if err := json.Unmarshal(triggeredJSON, &instance.TriggeredEscalations); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal triggered escalations")
		}
	}
	return instance, nil
}
