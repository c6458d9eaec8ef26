package service

import (
	"context"
	"strings"
	"time"

	"github.com/vrtx-crm/be-automation/internal/client"
	"github.com/vrtx-crm/be-automation/internal/errors"
	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
)

// EscalationService sweeps pending approval requests and applies overdue
// handling in strict priority order: auto-reject, then escalate, then remind.
// At most one of the three fires per request per sweep. The sweep is safe to
// run concurrently because every mutation is guarded at the SQL level.
// transitionGetter loads transitions by id; the sweep needs their approval
// configs.
type transitionGetter interface {
	GetTransition(ctx context.Context, id string) (*repository.Transition, error)
}

type EscalationService struct {
	approvalRepo  approvalStore
	executionRepo executionStore
	blueprintRepo transitionGetter
	auditRepo     auditAppender
	directory     DirectoryClient
	notifications NotificationPublisher
	clock         eval.Clock
	log           *logger.Logger
}

// NewEscalationService creates a new escalation service.
func NewEscalationService(
	approvalRepo approvalStore,
	executionRepo executionStore,
	blueprintRepo transitionGetter,
	auditRepo auditAppender,
	directory DirectoryClient,
	notifications NotificationPublisher,
	clock eval.Clock,
	log *logger.Logger,
) *EscalationService {
	return &EscalationService{
		approvalRepo:  approvalRepo,
		executionRepo: executionRepo,
		blueprintRepo: blueprintRepo,
		auditRepo:     auditRepo,
		directory:     directory,
		notifications: notifications,
		clock:         clock,
		log:           log,
	}
}

// Sweep processes every pending approval request once. Per-request errors are
// logged and never abort the rest of the sweep.
func (s *EscalationService) Sweep(ctx context.Context) {
	requests, err := s.approvalRepo.ListPending(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("escalation sweep: failed to list pending approvals")
		return
	}

	now := s.clock.Now()
	for _, request := range requests {
		if err := s.sweepOne(ctx, request, now); err != nil {
			s.log.Warn().Err(err).
				Str("request_id", request.ID).
				Msg("escalation sweep: request skipped")
		}
	}
}

func (s *EscalationService) sweepOne(ctx context.Context, request *repository.ApprovalRequest, now time.Time) error {
	execution, err := s.executionRepo.GetByID(ctx, request.ExecutionID)
	if err != nil {
		return err
	}
	transition, err := s.blueprintRepo.GetTransition(ctx, execution.TransitionID)
	if err != nil {
		return err
	}
	approval := transition.Approval
	if approval == nil {
		return nil
	}

	age := now.Sub(request.CreatedAt)

	if approval.AutoRejectDays > 0 && age >= time.Duration(approval.AutoRejectDays)*24*time.Hour {
		return s.autoReject(ctx, request, approval, now)
	}
	if approval.EscalationHours > 0 && !request.Escalated &&
		age >= time.Duration(approval.EscalationHours)*time.Hour {
		return s.escalate(ctx, request, approval, now)
	}
	if approval.ReminderHours > 0 && request.ReminderCount < approval.MaxReminders {
		since := request.CreatedAt
		if request.LastReminderAt != nil {
			since = *request.LastReminderAt
		}
		if now.Sub(since) >= time.Duration(approval.ReminderHours)*time.Hour {
			return s.remind(ctx, request, now)
		}
	}
	return nil
}

func (s *EscalationService) autoReject(ctx context.Context, request *repository.ApprovalRequest, approval *repository.TransitionApproval, now time.Time) error {
	reason := "auto-rejected: no decision within the configured window"
	err := s.approvalRepo.Decide(ctx, request.ID, repository.ApprovalExpired, "system", &reason, now)
	if err != nil {
		// Another sweep decided it first.
		if errors.Is(err, errors.ErrCodeConflict) {
			return nil
		}
		return err
	}
	if err := s.executionRepo.UpdateStatus(ctx, request.ExecutionID, repository.ExecutionPendingApproval, repository.ExecutionRejected); err != nil {
		return err
	}

	s.notifications.Publish(ctx, &client.NotificationEvent{
		EventType:    "approval_auto_rejected",
		ModuleID:     request.ModuleID,
		RecordID:     request.RecordID,
		Recipients:   append([]string{request.RequestedBy}, request.ApproverIDs...),
		ResourceType: "approval_request",
		ResourceID:   request.ID,
		Severity:     "warning",
	})
	s.audit(ctx, request, "auto_rejected", map[string]any{"after_days": approval.AutoRejectDays})

	s.log.Info().
		Str("request_id", request.ID).
		Int("after_days", approval.AutoRejectDays).
		Msg("approval request auto-rejected")
	return nil
}

func (s *EscalationService) escalate(ctx context.Context, request *repository.ApprovalRequest, approval *repository.TransitionApproval, now time.Time) error {
	target, err := s.resolveEscalationTarget(ctx, request, approval.EscalateTo)
	if err != nil {
		return err
	}
	if target == "" {
		s.log.Warn().
			Str("request_id", request.ID).
			Str("escalate_to", approval.EscalateTo).
			Msg("escalation target resolved to nobody")
		return nil
	}

	if err := s.approvalRepo.MarkEscalated(ctx, request.ID, target, now); err != nil {
		if errors.Is(err, errors.ErrCodeConflict) {
			return nil
		}
		return err
	}

	s.notifications.Publish(ctx, &client.NotificationEvent{
		EventType:    "approval_escalated",
		ModuleID:     request.ModuleID,
		RecordID:     request.RecordID,
		Recipients:   []string{target},
		ResourceType: "approval_request",
		ResourceID:   request.ID,
		Severity:     "warning",
	})
	s.audit(ctx, request, "escalated", map[string]any{"escalated_to": target})

	s.log.Info().
		Str("request_id", request.ID).
		Str("escalated_to", target).
		Msg("approval request escalated")
	return nil
}

func (s *EscalationService) remind(ctx context.Context, request *repository.ApprovalRequest, now time.Time) error {
	if err := s.approvalRepo.RecordReminder(ctx, request.ID, now); err != nil {
		return err
	}

	recipients := request.ApproverIDs
	if request.Escalated && request.EscalatedTo != nil {
		recipients = append(recipients, *request.EscalatedTo)
	}
	s.notifications.Publish(ctx, &client.NotificationEvent{
		EventType:    "approval_reminder",
		ModuleID:     request.ModuleID,
		RecordID:     request.RecordID,
		Recipients:   recipients,
		ResourceType: "approval_request",
		ResourceID:   request.ID,
	})
	s.audit(ctx, request, "reminded", map[string]any{"reminder_count": request.ReminderCount + 1})

	s.log.Debug().
		Str("request_id", request.ID).
		Int("reminder_count", request.ReminderCount+1).
		Msg("approval reminder sent")
	return nil
}

// resolveEscalationTarget understands three forms: "manager" (manager of the
// first original approver), "user:<id>" and "role:<name>" (first user holding
// the role).
func (s *EscalationService) resolveEscalationTarget(ctx context.Context, request *repository.ApprovalRequest, escalateTo string) (string, error) {
	switch {
	case escalateTo == "manager":
		approver := request.RequestedBy
		if len(request.ApproverIDs) > 0 {
			approver = request.ApproverIDs[0]
		}
		return s.directory.ManagerOf(ctx, approver)

	case strings.HasPrefix(escalateTo, "user:"):
		return strings.TrimPrefix(escalateTo, "user:"), nil

	case strings.HasPrefix(escalateTo, "role:"):
		users, err := s.directory.UsersWithRole(ctx, strings.TrimPrefix(escalateTo, "role:"))
		if err != nil {
			return "", err
		}
		if len(users) == 0 {
			return "", nil
		}
		return users[0], nil
	}
	return "", errors.InvalidInput("escalate_to", "unknown escalation target "+escalateTo)
}

func (s *EscalationService) audit(ctx context.Context, request *repository.ApprovalRequest, action string, metadata map[string]any) {
	entry := &repository.AuditEntry{
		RecordID:    request.RecordID,
		ModuleID:    request.ModuleID,
		ExecutionID: &request.ExecutionID,
		RequestID:   &request.ID,
		Action:      action,
		PerformedBy: "system",
		Metadata:    metadata,
	}
	if err := s.auditRepo.Append(ctx, entry); err != nil {
		s.log.Error().Err(err).Str("request_id", request.ID).Msg("failed to append escalation audit entry")
	}
}
