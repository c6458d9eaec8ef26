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

// ApprovalRepository manages approval requests and delegations.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

const approvalSelect = `
	SELECT id, execution_id, blueprint_id, record_id, module_id,
	       status, approval_type, approver_ids, responded_approvers, require_all,
	       requested_by, original_approver_id,
	       escalated, escalated_to, escalated_at,
	       reminder_count, last_reminder_at,
	       decided_by, decided_at, rejection_reason,
	       created_at, updated_at
	FROM approval_requests`

// CreateRequest inserts a new pending approval request.
func (r *ApprovalRepository) CreateRequest(ctx context.Context, req *ApprovalRequest) error {
	approversJSON, err := json.Marshal(req.ApproverIDs)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approvers")
	}
	respondedJSON, err := json.Marshal(emptyIfNil(req.RespondedApprovers))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal responded approvers")
	}

	req.ID = uuid.NewString()
	query := `
		INSERT INTO approval_requests
		    (id, execution_id, blueprint_id, record_id, module_id,
		     status, approval_type, approver_ids, responded_approvers, require_all,
		     requested_by, original_approver_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		req.ID, req.ExecutionID, req.BlueprintID, req.RecordID, req.ModuleID,
		req.Status, req.ApprovalType, approversJSON, respondedJSON, req.RequireAll,
		req.RequestedBy, req.OriginalApproverID,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
}

// GetByID retrieves a request by its primary key.
func (r *ApprovalRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	req, err := scanApproval(r.db.QueryRow(ctx, approvalSelect+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, err
}

// GetByExecutionID returns the request gating an execution, or nil.
func (r *ApprovalRepository) GetByExecutionID(ctx context.Context, executionID string) (*ApprovalRequest, error) {
	req, err := scanApproval(r.db.QueryRow(ctx,
		approvalSelect+` WHERE execution_id = $1 ORDER BY created_at DESC LIMIT 1`, executionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return req, err
}

// ListPending returns all pending requests, oldest first. Used by the
// escalation sweep.
func (r *ApprovalRepository) ListPending(ctx context.Context) ([]*ApprovalRequest, error) {
	query := approvalSelect + `
		WHERE status = 'pending'
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()
	return scanApprovalRows(rows)
}

// ListPendingForUser returns pending requests a user can act on (directly
// targeted or escalated to them).
func (r *ApprovalRepository) ListPendingForUser(ctx context.Context, userID string) ([]*ApprovalRequest, error) {
	query := approvalSelect + `
		WHERE status = 'pending'
		  AND (approver_ids @> to_jsonb(ARRAY[$1::text]) OR escalated_to = $1)
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals for user")
	}
	defer rows.Close()
	return scanApprovalRows(rows)
}

// Decide finalizes a request. Guarded on pending status so a request is
// decided exactly once.
func (r *ApprovalRepository) Decide(ctx context.Context, id string, status ApprovalStatus, decidedBy string, reason *string, at time.Time) error {
	query := `
		UPDATE approval_requests
		SET status = $2, decided_by = $3, decided_at = $4, rejection_reason = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, decidedBy, at, reason).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Conflict("approval request is no longer pending")
	}
	return err
}

// AddRespondedApprover appends a user to the responded set. Returns the
// updated request so the caller can evaluate require_all coverage.
func (r *ApprovalRepository) AddRespondedApprover(ctx context.Context, id, userID string) (*ApprovalRequest, error) {
	query := `
		UPDATE approval_requests
		SET responded_approvers = responded_approvers || to_jsonb(ARRAY[$2::text]),
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		  AND NOT responded_approvers @> to_jsonb(ARRAY[$2::text])
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id, userID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return nil, errors.Conflict("approval already recorded or request not pending")
	}
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// MarkEscalated records escalation exactly once per request.
func (r *ApprovalRepository) MarkEscalated(ctx context.Context, id, escalatedTo string, at time.Time) error {
	query := `
		UPDATE approval_requests
		SET escalated = TRUE, escalated_to = $2, escalated_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND escalated = FALSE
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id, escalatedTo, at).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Conflict("approval request already escalated or not pending")
	}
	return err
}

// RecordReminder bumps the reminder counter.
func (r *ApprovalRepository) RecordReminder(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE approval_requests
		SET reminder_count = reminder_count + 1, last_reminder_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id, at).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Conflict("approval request is no longer pending")
	}
	return err
}

// Reassign replaces the approver set while keeping the request pending.
func (r *ApprovalRepository) Reassign(ctx context.Context, id string, approverIDs []string, originalApprover *string) error {
	approversJSON, err := json.Marshal(approverIDs)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approvers")
	}
	query := `
		UPDATE approval_requests
		SET approver_ids = $2, original_approver_id = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING id
	`
	var returnedID string
	err = r.db.QueryRow(ctx, query, id, approversJSON, originalApprover).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Conflict("approval request is no longer pending")
	}
	return err
}

// ── delegations ──────────────────────────────────────────────────────────────

// CreateDelegation inserts a delegation after enforcing the one-active-per-
// delegator constraint inside a transaction.
func (r *ApprovalRepository) CreateDelegation(ctx context.Context, d *ApprovalDelegation) error {
	if d.DelegatorID == d.DelegateID {
		return errors.InvalidInput("delegate_id", "cannot delegate approvals to yourself")
	}
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var existing string
		err := tx.QueryRow(ctx, `
			SELECT id FROM approval_delegations
			WHERE delegator_id = $1 AND is_active = TRUE AND ends_at >= NOW()
			FOR UPDATE
		`, d.DelegatorID).Scan(&existing)
		if err == nil {
			return errors.Conflict("delegator already has an active delegation")
		}
		if err != pgx.ErrNoRows {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to check existing delegation")
		}

		d.ID = uuid.NewString()
		return tx.QueryRow(ctx, `
			INSERT INTO approval_delegations
			    (id, delegator_id, delegate_id, starts_at, ends_at, is_active, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at
		`, d.ID, d.DelegatorID, d.DelegateID, d.StartsAt, d.EndsAt, d.IsActive, d.Reason,
		).Scan(&d.CreatedAt)
	})
}

// GetActiveDelegation returns the delegation covering the given moment for a
// delegator, or nil.
func (r *ApprovalRepository) GetActiveDelegation(ctx context.Context, delegatorID string, at time.Time) (*ApprovalDelegation, error) {
	query := `
		SELECT id, delegator_id, delegate_id, starts_at, ends_at, is_active, reason, created_at
		FROM approval_delegations
		WHERE delegator_id = $1 AND is_active = TRUE AND starts_at <= $2 AND ends_at >= $2
		LIMIT 1
	`
	d := &ApprovalDelegation{}
	err := r.db.QueryRow(ctx, query, delegatorID, at).Scan(
		&d.ID, &d.DelegatorID, &d.DelegateID, &d.StartsAt, &d.EndsAt, &d.IsActive, &d.Reason, &d.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// DeactivateDelegation revokes a delegation.
func (r *ApprovalRepository) DeactivateDelegation(ctx context.Context, id string) error {
	var returnedID string
	err := r.db.QueryRow(ctx, `
		UPDATE approval_delegations SET is_active = FALSE WHERE id = $1 RETURNING id
	`, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_delegation", id)
	}
	return err
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func scanApprovalRows(rows pgx.Rows) ([]*ApprovalRequest, error) {
	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	return requests, nil
}

func scanApproval(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var approversJSON, respondedJSON []byte
	err := row.Scan(
		&req.ID, &req.ExecutionID, &req.BlueprintID, &req.RecordID, &req.ModuleID,
		&req.Status, &req.ApprovalType, &approversJSON, &respondedJSON, &req.RequireAll,
		&req.RequestedBy, &req.OriginalApproverID,
		&req.Escalated, &req.EscalatedTo, &req.EscalatedAt,
		&req.ReminderCount, &req.LastReminderAt,
		&req.DecidedBy, &req.DecidedAt, &req.RejectionReason,
		&req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(approversJSON) > 0 {
		if err := json.Unmarshal(approversJSON, &req.ApproverIDs); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approvers")
		}
	}
	if len(respondedJSON) > 0 {
		if err := json.Unmarshal(respondedJSON, &req.RespondedApprovers); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal responded approvers")
		}
	}
	return req, nil
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
