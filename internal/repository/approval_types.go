package repository

import "time"

// ── Domain types for approval gating ─────────────────────────────────────────

// ApprovalStatus is the lifecycle of an approval request. Escalation and
// reassignment keep the request pending; they only change the effective
// approver set.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is created when a transition execution enters
// pending_approval. ApproverIDs is the resolved approver set;
// RespondedApprovers tracks who already approved, which is what makes
// require_all gating correct with multiple approvers.
type ApprovalRequest struct {
	ID                 string
	ExecutionID        string
	BlueprintID        string
	RecordID           string
	ModuleID           string
	Status             ApprovalStatus
	ApprovalType       string // specific_users|role_based|manager|field_value
	ApproverIDs        []string
	RespondedApprovers []string
	RequireAll         bool
	RequestedBy        string
	OriginalApproverID *string // set when delegation redirected the request
	Escalated          bool
	EscalatedTo        *string
	EscalatedAt        *time.Time
	ReminderCount      int
	LastReminderAt     *time.Time
	DecidedBy          *string
	DecidedAt          *time.Time
	RejectionReason    *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasResponded reports whether a user already approved this request.
func (r *ApprovalRequest) HasResponded(userID string) bool {
	for _, id := range r.RespondedApprovers {
		if id == userID {
			return true
		}
	}
	return false
}

// AllApproved reports whether every resolved approver has responded.
func (r *ApprovalRequest) AllApproved() bool {
	if len(r.ApproverIDs) == 0 {
		return true
	}
	for _, id := range r.ApproverIDs {
		if !r.HasResponded(id) {
			return false
		}
	}
	return true
}

// ApprovalDelegation routes a delegator's approvals to a delegate for a date
// range. At most one active delegation per delegator at a time.
type ApprovalDelegation struct {
	ID          string
	DelegatorID string
	DelegateID  string
	StartsAt    time.Time
	EndsAt      time.Time
	IsActive    bool
	Reason      *string
	CreatedAt   time.Time
}

// Covers reports whether the delegation is in effect at the given time.
func (d *ApprovalDelegation) Covers(at time.Time) bool {
	return d.IsActive && !at.Before(d.StartsAt) && !at.After(d.EndsAt)
}

// AuditEntry is one immutable record in the automation audit log.
type AuditEntry struct {
	ID           string
	RecordID     string
	ModuleID     string
	ExecutionID  *string
	RequestID    *string
	Action       string // started | requirements_submitted | approved | rejected | escalated | reminded | auto_rejected | delegated | completed | cancelled
	PerformedBy  string
	PerformedAt  time.Time
	StatusBefore *string
	StatusAfter  *string
	Metadata     map[string]any // arbitrary JSON context
}
