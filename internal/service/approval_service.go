package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vrtx-crm/be-automation/internal/client"
	"github.com/vrtx-crm/be-automation/internal/errors"
	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
)

// DirectoryClient resolves roles and manager chains to user ids.
type DirectoryClient interface {
	UsersWithRole(ctx context.Context, role string) ([]string, error)
	ManagerOf(ctx context.Context, userID string) (string, error)
}

// approvalStore is the approval-request persistence the approval and
// escalation services need.
type approvalStore interface {
	CreateRequest(ctx context.Context, req *repository.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	GetByExecutionID(ctx context.Context, executionID string) (*repository.ApprovalRequest, error)
	ListPending(ctx context.Context) ([]*repository.ApprovalRequest, error)
	ListPendingForUser(ctx context.Context, userID string) ([]*repository.ApprovalRequest, error)
	Decide(ctx context.Context, id string, status repository.ApprovalStatus, decidedBy string, reason *string, at time.Time) error
	AddRespondedApprover(ctx context.Context, id, userID string) (*repository.ApprovalRequest, error)
	MarkEscalated(ctx context.Context, id, escalatedTo string, at time.Time) error
	RecordReminder(ctx context.Context, id string, at time.Time) error
	Reassign(ctx context.Context, id string, approverIDs []string, originalApprover *string) error
	CreateDelegation(ctx context.Context, d *repository.ApprovalDelegation) error
	GetActiveDelegation(ctx context.Context, delegatorID string, at time.Time) (*repository.ApprovalDelegation, error)
	DeactivateDelegation(ctx context.Context, id string) error
}

// ApprovalService manages the human-approval gate of transitions: approver
// resolution, delegation redirects, approve/reject decisions and require_all
// gating.
type ApprovalService struct {
	approvalRepo  approvalStore
	executionRepo executionStore
	auditRepo     auditAppender
	directory     DirectoryClient
	notifications NotificationPublisher
	clock         eval.Clock
	log           *logger.Logger
}

// NewApprovalService creates a new approval service.
func NewApprovalService(
	approvalRepo approvalStore,
	executionRepo executionStore,
	auditRepo auditAppender,
	directory DirectoryClient,
	notifications NotificationPublisher,
	clock eval.Clock,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		approvalRepo:  approvalRepo,
		executionRepo: executionRepo,
		auditRepo:     auditRepo,
		directory:     directory,
		notifications: notifications,
		clock:         clock,
		log:           log,
	}
}

// CreateRequest resolves the approver set for a transition's approval config,
// applies active delegations, and opens a pending request for the execution.
func (s *ApprovalService) CreateRequest(
	ctx context.Context,
	execution *repository.TransitionExecution,
	approval *repository.TransitionApproval,
	record map[string]any,
) (*repository.ApprovalRequest, error) {
	approvers, err := s.resolveApprovers(ctx, approval, execution.ExecutedBy, record)
	if err != nil {
		return nil, err
	}
	if len(approvers) == 0 {
		return nil, errors.InvalidInput("approval", "approval gate resolved to an empty approver set")
	}

	approvers, originalApprover := s.applyDelegations(ctx, approvers)

	request := &repository.ApprovalRequest{
		ExecutionID:        execution.ID,
		BlueprintID:        execution.BlueprintID,
		RecordID:           execution.RecordID,
		ModuleID:           execution.ModuleID,
		Status:             repository.ApprovalPending,
		ApprovalType:       approval.ApprovalType,
		ApproverIDs:        approvers,
		RequireAll:         approval.RequireAll,
		RequestedBy:        execution.ExecutedBy,
		OriginalApproverID: originalApprover,
	}
	if err := s.approvalRepo.CreateRequest(ctx, request); err != nil {
		return nil, err
	}

	s.notifications.Publish(ctx, &client.NotificationEvent{
		EventType:    "approval_required",
		ModuleID:     execution.ModuleID,
		RecordID:     execution.RecordID,
		ActorID:      execution.ExecutedBy,
		Recipients:   approvers,
		ResourceType: "approval_request",
		ResourceID:   request.ID,
	})
	s.audit(ctx, request, "approval_requested", execution.ExecutedBy, nil)

	s.log.Info().
		Str("request_id", request.ID).
		Str("execution_id", execution.ID).
		Int("approvers", len(approvers)).
		Bool("require_all", approval.RequireAll).
		Msg("approval request created")
	return request, nil
}

// Approve records one approver's approval. With require_all the request stays
// pending until every resolved approver has responded; otherwise the first
// approval decides it. The returned request carries the status after the call.
func (s *ApprovalService) Approve(ctx context.Context, requestID, userID string) (*repository.ApprovalRequest, error) {
	request, err := s.approvalRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != repository.ApprovalPending {
		return nil, errors.Conflict("approval request is already decided")
	}
	if !s.canDecide(request, userID) {
		return nil, errors.Unauthorized("user is not an approver of this request")
	}

	if request.RequireAll {
		updated, err := s.approvalRepo.AddRespondedApprover(ctx, requestID, userID)
		if err != nil {
			if errors.Is(err, errors.ErrCodeConflict) {
				return nil, errors.Conflict("user already approved this request")
			}
			return nil, err
		}
		if !updated.AllApproved() {
			s.audit(ctx, request, "approved", userID, map[string]any{
				"partial":   true,
				"responded": len(updated.RespondedApprovers),
				"required":  len(updated.ApproverIDs),
			})
			return updated, nil
		}
		request = updated
	}

	if err := s.finalize(ctx, request, repository.ApprovalApproved, userID, nil); err != nil {
		return nil, err
	}
	request.Status = repository.ApprovalApproved
	return request, nil
}

// Reject rejects the request. A single rejection always decides it, even with
// require_all.
func (s *ApprovalService) Reject(ctx context.Context, requestID, userID, reason string) error {
	request, err := s.approvalRepo.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if request.Status != repository.ApprovalPending {
		return errors.Conflict("approval request is already decided")
	}
	if !s.canDecide(request, userID) {
		return errors.Unauthorized("user is not an approver of this request")
	}

	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	return s.finalize(ctx, request, repository.ApprovalRejected, userID, reasonPtr)
}

// Reassign replaces the approver set of a pending request. The first original
// approver is kept on record when the request had a single approver, and the
// new approvers are notified.
func (s *ApprovalService) Reassign(ctx context.Context, requestID string, approverIDs []string, reassignedBy string) (*repository.ApprovalRequest, error) {
	request, err := s.approvalRepo.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if request.Status != repository.ApprovalPending {
		return nil, errors.Conflict("approval request is already decided")
	}

	approvers := dedup(approverIDs)
	if len(approvers) == 0 {
		return nil, errors.InvalidInput("approver_ids", "reassignment needs at least one approver")
	}

	original := request.OriginalApproverID
	if original == nil && len(request.ApproverIDs) == 1 {
		id := request.ApproverIDs[0]
		original = &id
	}
	if err := s.approvalRepo.Reassign(ctx, requestID, approvers, original); err != nil {
		return nil, err
	}
	request.ApproverIDs = approvers
	request.OriginalApproverID = original

	s.notifications.Publish(ctx, &client.NotificationEvent{
		EventType:    "approval_reassigned",
		ModuleID:     request.ModuleID,
		RecordID:     request.RecordID,
		ActorID:      reassignedBy,
		Recipients:   approvers,
		ResourceType: "approval_request",
		ResourceID:   request.ID,
	})
	s.audit(ctx, request, "reassigned", reassignedBy, map[string]any{
		"approver_ids": approvers,
	})

	s.log.Info().
		Str("request_id", request.ID).
		Int("approvers", len(approvers)).
		Str("reassigned_by", reassignedBy).
		Msg("approval request reassigned")
	return request, nil
}

// CancelForExecution expires the pending request of a cancelled execution, if
// one exists.
func (s *ApprovalService) CancelForExecution(ctx context.Context, executionID, cancelledBy string) error {
	request, err := s.approvalRepo.GetByExecutionID(ctx, executionID)
	if err != nil {
		return err
	}
	if request == nil || request.Status != repository.ApprovalPending {
		return nil
	}
	reason := "transition cancelled"
	if err := s.approvalRepo.Decide(ctx, request.ID, repository.ApprovalExpired, cancelledBy, &reason, s.clock.Now()); err != nil {
		if errors.Is(err, errors.ErrCodeConflict) {
			return nil
		}
		return err
	}
	s.audit(ctx, request, "expired", cancelledBy, map[string]any{"reason": reason})
	return nil
}

// PendingForUser lists open requests the user can decide, including requests
// escalated to them.
func (s *ApprovalService) PendingForUser(ctx context.Context, userID string) ([]*repository.ApprovalRequest, error) {
	return s.approvalRepo.ListPendingForUser(ctx, userID)
}

// Delegate routes a delegator's future approvals to a delegate for a period.
func (s *ApprovalService) Delegate(ctx context.Context, delegatorID, delegateID string, d *repository.ApprovalDelegation) (*repository.ApprovalDelegation, error) {
	d.DelegatorID = delegatorID
	d.DelegateID = delegateID
	d.IsActive = true
	if err := s.approvalRepo.CreateDelegation(ctx, d); err != nil {
		return nil, err
	}
	s.log.Info().
		Str("delegator_id", delegatorID).
		Str("delegate_id", delegateID).
		Msg("approval delegation created")
	return d, nil
}

// RevokeDelegation deactivates a delegation.
func (s *ApprovalService) RevokeDelegation(ctx context.Context, delegationID string) error {
	return s.approvalRepo.DeactivateDelegation(ctx, delegationID)
}

func (s *ApprovalService) finalize(
	ctx context.Context,
	request *repository.ApprovalRequest,
	status repository.ApprovalStatus,
	decidedBy string,
	reason *string,
) error {
	now := s.clock.Now()
	if err := s.approvalRepo.Decide(ctx, request.ID, status, decidedBy, reason, now); err != nil {
		return err
	}

	executionStatus := repository.ExecutionApproved
	eventType := "approval_approved"
	if status == repository.ApprovalRejected {
		executionStatus = repository.ExecutionRejected
		eventType = "approval_rejected"
	}
	if err := s.executionRepo.UpdateStatus(ctx, request.ExecutionID, repository.ExecutionPendingApproval, executionStatus); err != nil {
		return err
	}

	s.notifications.Publish(ctx, &client.NotificationEvent{
		EventType:    eventType,
		ModuleID:     request.ModuleID,
		RecordID:     request.RecordID,
		ActorID:      decidedBy,
		Recipients:   []string{request.RequestedBy},
		ResourceType: "approval_request",
		ResourceID:   request.ID,
	})
	s.audit(ctx, request, string(status), decidedBy, nil)

	s.log.Info().
		Str("request_id", request.ID).
		Str("status", string(status)).
		Str("decided_by", decidedBy).
		Msg("approval request decided")
	return nil
}

// canDecide allows resolved approvers and, after escalation, the escalation
// target.
func (s *ApprovalService) canDecide(request *repository.ApprovalRequest, userID string) bool {
	for _, id := range request.ApproverIDs {
		if id == userID {
			return true
		}
	}
	return request.Escalated && request.EscalatedTo != nil && *request.EscalatedTo == userID
}

func (s *ApprovalService) resolveApprovers(
	ctx context.Context,
	approval *repository.TransitionApproval,
	requestedBy string,
	record map[string]any,
) ([]string, error) {
	switch approval.ApprovalType {
	case "specific_users":
		return dedup(approval.ApproverIDs), nil

	case "role_based":
		if approval.Role == "" {
			return nil, errors.InvalidInput("role", "role_based approval requires a role")
		}
		users, err := s.directory.UsersWithRole(ctx, approval.Role)
		if err != nil {
			return nil, err
		}
		return dedup(users), nil

	case "manager":
		manager, err := s.directory.ManagerOf(ctx, requestedBy)
		if err != nil {
			return nil, err
		}
		if manager == "" {
			return nil, errors.InvalidInput("approval", "requesting user has no manager to approve")
		}
		return []string{manager}, nil

	case "field_value":
		if approval.FieldName == "" {
			return nil, errors.InvalidInput("field_name", "field_value approval requires a field name")
		}
		return dedup(toStringList(record[approval.FieldName])), nil
	}
	return nil, errors.InvalidInput("approval_type", fmt.Sprintf("unknown approval type %q", approval.ApprovalType))
}

// applyDelegations replaces approvers that have an active delegation with
// their delegates. When exactly one approver was redirected, the original is
// recorded on the request.
func (s *ApprovalService) applyDelegations(ctx context.Context, approvers []string) ([]string, *string) {
	now := s.clock.Now()
	var original *string
	redirected := 0

	out := make([]string, 0, len(approvers))
	for _, approver := range approvers {
		delegation, err := s.approvalRepo.GetActiveDelegation(ctx, approver, now)
		if err != nil {
			s.log.Warn().Err(err).Str("approver_id", approver).Msg("delegation lookup failed")
			out = append(out, approver)
			continue
		}
		if delegation == nil {
			out = append(out, approver)
			continue
		}
		out = append(out, delegation.DelegateID)
		redirected++
		id := approver
		original = &id
		s.log.Info().
			Str("delegator_id", approver).
			Str("delegate_id", delegation.DelegateID).
			Msg("approval redirected by delegation")
	}
	if redirected != 1 {
		original = nil
	}
	return dedup(out), original
}

func (s *ApprovalService) audit(ctx context.Context, request *repository.ApprovalRequest, action, performedBy string, metadata map[string]any) {
	entry := &repository.AuditEntry{
		RecordID:    request.RecordID,
		ModuleID:    request.ModuleID,
		ExecutionID: &request.ExecutionID,
		RequestID:   &request.ID,
		Action:      action,
		PerformedBy: performedBy,
		Metadata:    metadata,
	}
	if err := s.auditRepo.Append(ctx, entry); err != nil {
		s.log.Error().Err(err).Str("request_id", request.ID).Msg("failed to append approval audit entry")
	}
}

func dedup(ids []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
