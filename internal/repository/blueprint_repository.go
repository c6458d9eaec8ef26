package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vrtx-crm/be-automation/internal/database"
	"github.com/vrtx-crm/be-automation/internal/errors"
)

// BlueprintRepository manages blueprints, their states and transitions.
// Blueprint + state creation is always done together in a single transaction.
type BlueprintRepository struct {
	db *database.DB
}

// NewBlueprintRepository creates a new BlueprintRepository.
func NewBlueprintRepository(db *database.DB) *BlueprintRepository {
	return &BlueprintRepository{db: db}
}

// Create inserts a blueprint and its initial states in one transaction.
func (r *BlueprintRepository) Create(ctx context.Context, bp *Blueprint, states []*State) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		bp.ID = uuid.NewString()
		bpQuery := `
			INSERT INTO blueprints
			    (id, module_id, name, field_name, is_active)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING created_at, updated_at
		`
		err := tx.QueryRow(ctx, bpQuery,
			bp.ID, bp.ModuleID, bp.Name, bp.FieldName, bp.IsActive,
		).Scan(&bp.CreatedAt, &bp.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create blueprint")
		}

		stateQuery := `
			INSERT INTO blueprint_states
			    (id, blueprint_id, name, field_option_value,
			     is_initial, is_terminal, display_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at, updated_at
		`
		for _, state := range states {
			state.ID = uuid.NewString()
			state.BlueprintID = bp.ID
			err := tx.QueryRow(ctx, stateQuery,
				state.ID, state.BlueprintID, state.Name, state.FieldOptionValue,
				state.IsInitial, state.IsTerminal, state.DisplayOrder,
			).Scan(&state.CreatedAt, &state.UpdatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create blueprint state")
			}
		}
		return nil
	})
}

// GetByID retrieves a blueprint by its primary key.
func (r *BlueprintRepository) GetByID(ctx context.Context, id string) (*Blueprint, error) {
	query := `
		SELECT id, module_id, name, field_name, is_active, created_at, updated_at
		FROM blueprints
		WHERE id = $1
	`
	bp := &Blueprint{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&bp.ID, &bp.ModuleID, &bp.Name, &bp.FieldName, &bp.IsActive,
		&bp.CreatedAt, &bp.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("blueprint", id)
	}
	return bp, err
}

// GetActiveByModuleField returns the active blueprint bound to a module
// field, or nil when none exists.
func (r *BlueprintRepository) GetActiveByModuleField(ctx context.Context, moduleID, fieldName string) (*Blueprint, error) {
	query := `
		SELECT id, module_id, name, field_name, is_active, created_at, updated_at
		FROM blueprints
		WHERE module_id = $1 AND field_name = $2 AND is_active = TRUE
		LIMIT 1
	`
	bp := &Blueprint{}
	err := r.db.QueryRow(ctx, query, moduleID, fieldName).Scan(
		&bp.ID, &bp.ModuleID, &bp.Name, &bp.FieldName, &bp.IsActive,
		&bp.CreatedAt, &bp.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return bp, err
}

// ListActiveByModule returns all active blueprints for a module.
func (r *BlueprintRepository) ListActiveByModule(ctx context.Context, moduleID string) ([]*Blueprint, error) {
	query := `
		SELECT id, module_id, name, field_name, is_active, created_at, updated_at
		FROM blueprints
		WHERE module_id = $1 AND is_active = TRUE
		ORDER BY name ASC
	`
	rows, err := r.db.Query(ctx, query, moduleID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list blueprints")
	}
	defer rows.Close()

	var bps []*Blueprint
	for rows.Next() {
		bp := &Blueprint{}
		if err := rows.Scan(&bp.ID, &bp.ModuleID, &bp.Name, &bp.FieldName, &bp.IsActive,
			&bp.CreatedAt, &bp.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan blueprint")
		}
		bps = append(bps, bp)
	}
	return bps, nil
}

// Deactivate disables a blueprint. Blueprints in use are never hard-deleted.
func (r *BlueprintRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE blueprints
		SET is_active = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("blueprint", id)
	}
	return err
}

// ── states ───────────────────────────────────────────────────────────────────

// States returns all states of a blueprint ordered by display order.
func (r *BlueprintRepository) States(ctx context.Context, blueprintID string) ([]*State, error) {
	query := stateSelect + `
		WHERE blueprint_id = $1
		ORDER BY display_order ASC, created_at ASC
	`
	rows, err := r.db.Query(ctx, query, blueprintID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list blueprint states")
	}
	defer rows.Close()

	var states []*State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// GetState retrieves a state by its primary key.
func (r *BlueprintRepository) GetState(ctx context.Context, id string) (*State, error) {
	state, err := scanState(r.db.QueryRow(ctx, stateSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("blueprint_state", id)
	}
	return state, err
}

// GetStateByOptionValue finds the state representing a field option value.
// Returns nil when no state matches.
func (r *BlueprintRepository) GetStateByOptionValue(ctx context.Context, blueprintID, value string) (*State, error) {
	state, err := scanState(r.db.QueryRow(ctx,
		stateSelect+` WHERE blueprint_id = $1 AND field_option_value = $2`, blueprintID, value))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return state, err
}

// SyncStates reconciles a blueprint's states with the field's option list:
// missing options get new states, states whose option no longer exists are
// removed. Existing states keep their ids (and any SLA attached to them).
func (r *BlueprintRepository) SyncStates(ctx context.Context, blueprintID string, optionValues []string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT id, field_option_value FROM blueprint_states WHERE blueprint_id = $1`, blueprintID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to load states for sync")
		}
		existing := map[string]string{} // option value -> state id
		for rows.Next() {
			var id, value string
			if err := rows.Scan(&id, &value); err != nil {
				rows.Close()
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan state for sync")
			}
			existing[value] = id
		}
		rows.Close()

		wanted := map[string]bool{}
		for i, value := range optionValues {
			wanted[value] = true
			if _, ok := existing[value]; ok {
				continue
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO blueprint_states
				    (id, blueprint_id, name, field_option_value, is_initial, is_terminal, display_order)
				VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
				uuid.NewString(), blueprintID, value, value, i == 0 && len(existing) == 0, i)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert synced state")
			}
		}

		for value, id := range existing {
			if wanted[value] {
				continue
			}
			if _, err := tx.Exec(ctx, `DELETE FROM blueprint_states WHERE id = $1`, id); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete orphaned state")
			}
		}
		return nil
	})
}

// ── transitions ──────────────────────────────────────────────────────────────

// CreateTransition inserts a transition with its condition, requirement,
// approval and action configs.
func (r *BlueprintRepository) CreateTransition(ctx context.Context, t *Transition) error {
	conditionsJSON, err := json.Marshal(t.Conditions)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal conditions")
	}
	requirementsJSON, err := json.Marshal(t.Requirements)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal requirements")
	}
	actionsJSON, err := json.Marshal(t.Actions)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal actions")
	}
	var approvalJSON []byte
	if t.Approval != nil {
		approvalJSON, err = json.Marshal(t.Approval)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval")
		}
	}

	t.ID = uuid.NewString()
	query := `
		INSERT INTO blueprint_transitions
		    (id, blueprint_id, name, from_state_id, to_state_id,
		     is_active, display_order, conditions, requirements, approval, actions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		t.ID, t.BlueprintID, t.Name, t.FromStateID, t.ToStateID,
		t.IsActive, t.DisplayOrder, conditionsJSON, requirementsJSON, approvalJSON, actionsJSON,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
}

// GetTransition retrieves a transition by its primary key.
func (r *BlueprintRepository) GetTransition(ctx context.Context, id string) (*Transition, error) {
	t, err := scanTransition(r.db.QueryRow(ctx, transitionSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("blueprint_transition", id)
	}
	return t, err
}

// Transitions returns all active transitions of a blueprint in display order.
func (r *BlueprintRepository) Transitions(ctx context.Context, blueprintID string) ([]*Transition, error) {
	query := transitionSelect + `
		WHERE blueprint_id = $1 AND is_active = TRUE
		ORDER BY display_order ASC, created_at ASC
	`
	rows, err := r.db.Query(ctx, query, blueprintID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list transitions")
	}
	defer rows.Close()

	var transitions []*Transition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const stateSelect = `
	SELECT id, blueprint_id, name, field_option_value,
	       is_initial, is_terminal, display_order, created_at, updated_at
	FROM blueprint_states`

const transitionSelect = `
	SELECT id, blueprint_id, name, from_state_id, to_state_id,
	       is_active, display_order, conditions, requirements, approval, actions,
	       created_at, updated_at
	FROM blueprint_transitions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*State, error) {
	s := &State{}
	err := row.Scan(
		&s.ID, &s.BlueprintID, &s.Name, &s.FieldOptionValue,
		&s.IsInitial, &s.IsTerminal, &s.DisplayOrder, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func scanTransition(row rowScanner) (*Transition, error) {
	t := &Transition{}
	var conditionsJSON, requirementsJSON, approvalJSON, actionsJSON []byte
	err := row.Scan(
		&t.ID, &t.BlueprintID, &t.Name, &t.FromStateID, &t.ToStateID,
		&t.IsActive, &t.DisplayOrder, &conditionsJSON, &requirementsJSON, &approvalJSON, &actionsJSON,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &t.Conditions); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal conditions")
		}
	}
	if len(requirementsJSON) > 0 {
		if err := json.Unmarshal(requirementsJSON, &t.Requirements); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal requirements")
		}
	}
	if len(approvalJSON) > 0 {
		t.Approval = &TransitionApproval{}
		if err := json.Unmarshal(approvalJSON, t.Approval); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval")
		}
	}
	if len(actionsJSON) > 0 {
		if err := json.Unmarshal(actionsJSON, &t.Actions); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal actions")
		}
	}
	return t, nil
}
