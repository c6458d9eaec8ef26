package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
)

type escalationFixture struct {
	service    *EscalationService
	approvals  *fakeApprovalStore
	executions *fakeExecutionStore
	blueprints *fakeBlueprintStore
	publisher  *fakePublisher
	audit      *fakeAudit
	directory  *fakeDirectory
	now        time.Time
}

func newEscalationFixture(now time.Time) *escalationFixture {
	f := &escalationFixture{
		approvals:  newFakeApprovalStore(),
		executions: newFakeExecutionStore(),
		blueprints: newFakeBlueprintStore(),
		publisher:  &fakePublisher{},
		audit:      &fakeAudit{},
		directory: &fakeDirectory{
			roles:    map[string][]string{"finance": {"user-f1", "user-f2"}},
			managers: map[string]string{"user-a": "user-mgr"},
		},
		now: now,
	}
	f.service = NewEscalationService(
		f.approvals, f.executions, f.blueprints, f.audit,
		f.directory, f.publisher, eval.FixedClock{T: now}, logger.Nop(),
	)
	return f
}

// pendingRequest wires an execution, its transition approval config, and a
// pending approval request created at the given age before the fixture's now.
func (f *escalationFixture) pendingRequest(t *testing.T, approval *repository.TransitionApproval, age time.Duration) *repository.ApprovalRequest {
	t.Helper()

	transition := &repository.Transition{
		BlueprintID: "bp-1",
		Name:        "Submit for review",
		IsActive:    true,
		Approval:    approval,
	}
	require.NoError(t, f.blueprints.CreateTransition(context.Background(), transition))

	execution := &repository.TransitionExecution{
		BlueprintID:  "bp-1",
		TransitionID: transition.ID,
		RecordID:     "deal-1",
		ModuleID:     "deals",
		Status:       repository.ExecutionPendingApproval,
		ExecutedBy:   "user-req",
	}
	require.NoError(t, f.executions.Create(context.Background(), execution))

	request := &repository.ApprovalRequest{
		ExecutionID: execution.ID,
		BlueprintID: "bp-1",
		RecordID:    "deal-1",
		ModuleID:    "deals",
		Status:      repository.ApprovalPending,
		ApproverIDs: []string{"user-a"},
		RequestedBy: "user-req",
	}
	require.NoError(t, f.approvals.CreateRequest(context.Background(), request))
	f.approvals.requests[request.ID].CreatedAt = f.now.Add(-age)
	return request
}

func TestSweepEscalatesOverdueRequestOnce(t *testing.T) {
	f := newEscalationFixture(time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC))
	req := f.pendingRequest(t, &repository.TransitionApproval{
		ApprovalType:    "specific_users",
		ApproverIDs:     []string{"user-a"},
		EscalationHours: 48,
		EscalateTo:      "manager",
	}, 49*time.Hour)

	f.service.Sweep(context.Background())

	stored := f.approvals.requests[req.ID]
	assert.True(t, stored.Escalated)
	require.NotNil(t, stored.EscalatedTo)
	assert.Equal(t, "user-mgr", *stored.EscalatedTo)
	assert.Equal(t, repository.ApprovalPending, stored.Status)
	assert.Len(t, f.publisher.byType("approval_escalated"), 1)

	// A second sweep must not escalate again.
	f.service.Sweep(context.Background())
	assert.Len(t, f.publisher.byType("approval_escalated"), 1)
	assert.Equal(t, []string{"escalated"}, f.audit.actions())
}

func TestSweepEscalationNotDueYet(t *testing.T) {
	f := newEscalationFixture(time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC))
	req := f.pendingRequest(t, &repository.TransitionApproval{
		ApprovalType:    "specific_users",
		ApproverIDs:     []string{"user-a"},
		EscalationHours: 48,
		EscalateTo:      "manager",
	}, 47*time.Hour)

	f.service.Sweep(context.Background())
	assert.False(t, f.approvals.requests[req.ID].Escalated)
	assert.Empty(t, f.publisher.events)
}

func TestSweepAutoRejectTakesPriority(t *testing.T) {
	f := newEscalationFixture(time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC))
	req := f.pendingRequest(t, &repository.TransitionApproval{
		ApprovalType:    "specific_users",
		ApproverIDs:     []string{"user-a"},
		EscalationHours: 48,
		EscalateTo:      "manager",
		AutoRejectDays:  5,
	}, 6*24*time.Hour)

	f.service.Sweep(context.Background())

	stored := f.approvals.requests[req.ID]
	assert.Equal(t, repository.ApprovalExpired, stored.Status)
	assert.False(t, stored.Escalated)
	require.NotNil(t, stored.RejectionReason)
	assert.Contains(t, *stored.RejectionReason, "auto-rejected")

	execution := f.executions.executions[req.ExecutionID]
	assert.Equal(t, repository.ExecutionRejected, execution.Status)
	assert.Len(t, f.publisher.byType("approval_auto_rejected"), 1)

	// The request is no longer pending, so a second sweep sees nothing.
	f.service.Sweep(context.Background())
	assert.Len(t, f.publisher.byType("approval_auto_rejected"), 1)
}

func TestSweepEscalatesToRole(t *testing.T) {
	f := newEscalationFixture(time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC))
	req := f.pendingRequest(t, &repository.TransitionApproval{
		ApprovalType:    "specific_users",
		ApproverIDs:     []string{"user-a"},
		EscalationHours: 24,
		EscalateTo:      "role:finance",
	}, 25*time.Hour)

	f.service.Sweep(context.Background())

	stored := f.approvals.requests[req.ID]
	require.NotNil(t, stored.EscalatedTo)
	assert.Equal(t, "user-f1", *stored.EscalatedTo)
}

func TestSweepSendsRemindersUpToMax(t *testing.T) {
	f := newEscalationFixture(time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC))
	req := f.pendingRequest(t, &repository.TransitionApproval{
		ApprovalType:  "specific_users",
		ApproverIDs:   []string{"user-a"},
		ReminderHours: 24,
		MaxReminders:  2,
	}, 25*time.Hour)

	// First sweep reminds; the reminder timestamp resets the interval, so an
	// immediate second sweep stays quiet.
	f.service.Sweep(context.Background())
	assert.Equal(t, 1, f.approvals.requests[req.ID].ReminderCount)
	f.service.Sweep(context.Background())
	assert.Equal(t, 1, f.approvals.requests[req.ID].ReminderCount)

	// Age the last reminder past the interval twice more: only one more
	// reminder fires because max_reminders caps it.
	past := f.now.Add(-25 * time.Hour)
	f.approvals.requests[req.ID].LastReminderAt = &past
	f.service.Sweep(context.Background())
	assert.Equal(t, 2, f.approvals.requests[req.ID].ReminderCount)

	f.approvals.requests[req.ID].LastReminderAt = &past
	f.service.Sweep(context.Background())
	assert.Equal(t, 2, f.approvals.requests[req.ID].ReminderCount)

	assert.Len(t, f.publisher.byType("approval_reminder"), 2)
}

func TestSweepSkipsTransitionsWithoutApproval(t *testing.T) {
	f := newEscalationFixture(time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC))
	req := f.pendingRequest(t, nil, 100*time.Hour)

	f.service.Sweep(context.Background())
	assert.Equal(t, repository.ApprovalPending, f.approvals.requests[req.ID].Status)
	assert.Empty(t, f.publisher.events)
}
