package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrtx-crm/be-automation/internal/errors"
	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
)

// engineFixture wires the real orchestration services over in-memory stores,
// so lifecycle tests cover the approval gate, the executor and SLA tracking
// together rather than through mocks of each other.
type engineFixture struct {
	engine       *EngineService
	blueprints   *fakeBlueprintStore
	recordStates *fakeRecordStateStore
	executions   *fakeExecutionStore
	records      *fakeRecordStore
	approvals    *fakeApprovalStore
	slas         *fakeSLAStore
	publisher    *fakePublisher
	audit        *fakeAudit
	now          time.Time
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		blueprints:   newFakeBlueprintStore(),
		recordStates: newFakeRecordStateStore(),
		executions:   newFakeExecutionStore(),
		records:      newFakeRecordStore(),
		approvals:    newFakeApprovalStore(),
		slas:         newFakeSLAStore(),
		publisher:    &fakePublisher{},
		audit:        &fakeAudit{},
		now:          time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC),
	}
	log := logger.Nop()
	clock := eval.FixedClock{T: f.now}
	directory := &fakeDirectory{roles: map[string][]string{}, managers: map[string]string{}}

	approvalSvc := NewApprovalService(f.approvals, f.executions, f.audit, directory, f.publisher, clock, log)
	executor := NewTransitionExecutor(fakeTxRunner{}, f.recordStates, f.executions, f.records, clock, log)
	actionSvc := NewActionService(f.records, f.executions, f.publisher, &fakeWebhook{}, clock, log)
	slaSvc := NewSLAService(f.slas, f.records, actionSvc, f.publisher, clock, log)

	f.engine = NewEngineService(
		f.blueprints, f.recordStates, f.executions, f.records,
		NewConditionService(log), NewRequirementValidator(),
		approvalSvc, executor, actionSvc, slaSvc,
		f.audit, clock, log,
	)
	return f
}

// articleBlueprint builds a three-state blueprint on deals.status and one deal
// record sitting in the first state.
func (f *engineFixture) articleBlueprint(t *testing.T) *repository.Blueprint {
	t.Helper()
	bp, err := f.engine.CreateBlueprintFromField(context.Background(), "deals", "status", "Deal flow", []string{"draft", "review", "published"})
	require.NoError(t, err)
	f.records.put("deals", "deal-1", map[string]any{
		"status":   "draft",
		"amount":   float64(5000),
		"owner_id": "user-7",
	})
	return bp
}

func (f *engineFixture) stateID(t *testing.T, blueprintID, optionValue string) string {
	t.Helper()
	state, err := f.blueprints.GetStateByOptionValue(context.Background(), blueprintID, optionValue)
	require.NoError(t, err)
	require.NotNil(t, state)
	return state.ID
}

func (f *engineFixture) addTransition(t *testing.T, bp *repository.Blueprint, from, to string, mutate func(*repository.Transition)) *repository.Transition {
	t.Helper()
	transition := &repository.Transition{
		BlueprintID: bp.ID,
		Name:        from + " to " + to,
		ToStateID:   f.stateID(t, bp.ID, to),
		IsActive:    true,
	}
	if from != "" {
		fromID := f.stateID(t, bp.ID, from)
		transition.FromStateID = &fromID
	}
	if mutate != nil {
		mutate(transition)
	}
	require.NoError(t, f.engine.AddTransition(context.Background(), transition))
	return transition
}

func TestCreateBlueprintFromFieldConflictsOnDuplicate(t *testing.T) {
	f := newEngineFixture()
	f.articleBlueprint(t)

	_, err := f.engine.CreateBlueprintFromField(context.Background(), "deals", "status", "Second", []string{"a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))
}

func TestAddTransitionValidation(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	draft := f.stateID(t, bp.ID, "draft")

	// Self-targeting transitions are rejected.
	err := f.engine.AddTransition(context.Background(), &repository.Transition{
		BlueprintID: bp.ID,
		FromStateID: &draft,
		ToStateID:   draft,
		IsActive:    true,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	// So are target states from another blueprint.
	other, err := f.engine.CreateBlueprintFromField(context.Background(), "tickets", "stage", "Tickets", []string{"open", "closed"})
	require.NoError(t, err)
	err = f.engine.AddTransition(context.Background(), &repository.Transition{
		BlueprintID: bp.ID,
		ToStateID:   f.stateID(t, other.ID, "open"),
		IsActive:    true,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestInitializeRecordStateIsIdempotent(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	f.slas.slas[f.stateID(t, bp.ID, "draft")] = &repository.StateSLA{
		ID: "sla-draft", StateID: f.stateID(t, bp.ID, "draft"), IsActive: true, DurationHours: 24,
	}

	first, err := f.engine.InitializeRecordState(context.Background(), bp, "deal-1")
	require.NoError(t, err)
	assert.Equal(t, f.stateID(t, bp.ID, "draft"), first.CurrentStateID)
	assert.Len(t, f.slas.instances, 1)

	// A second call returns the existing pointer and does not restart the SLA.
	second, err := f.engine.InitializeRecordState(context.Background(), bp, "deal-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.slas.instances, 1)
}

func TestInitializeRecordStateDerivesFromFieldValue(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	f.records.put("deals", "deal-2", map[string]any{"status": "review"})

	rs, err := f.engine.InitializeRecordState(context.Background(), bp, "deal-2")
	require.NoError(t, err)
	assert.Equal(t, f.stateID(t, bp.ID, "review"), rs.CurrentStateID)

	// An unknown or empty field value falls back to the initial state.
	f.records.put("deals", "deal-3", map[string]any{"status": "limbo"})
	rs, err = f.engine.InitializeRecordState(context.Background(), bp, "deal-3")
	require.NoError(t, err)
	assert.Equal(t, f.stateID(t, bp.ID, "draft"), rs.CurrentStateID)
}

func TestGetAvailableTransitionsFiltersStateAndConditions(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)

	submit := f.addTransition(t, bp, "draft", "review", nil)
	f.addTransition(t, bp, "review", "published", nil) // wrong source state
	anyCancel := f.addTransition(t, bp, "", "draft", nil)
	f.addTransition(t, bp, "draft", "published", func(tr *repository.Transition) {
		tr.Conditions = []repository.TransitionCondition{
			{Field: "amount", Operator: "greater_than", Value: float64(10000)},
		}
	})

	available, err := f.engine.GetAvailableTransitions(context.Background(), bp.ID, "deal-1", "user-1")
	require.NoError(t, err)

	ids := make([]string, len(available))
	for i, tr := range available {
		ids[i] = tr.ID
	}
	assert.ElementsMatch(t, []string{submit.ID, anyCancel.ID}, ids)
}

func TestStartTransitionGuards(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	wrongState := f.addTransition(t, bp, "review", "published", nil)
	conditional := f.addTransition(t, bp, "draft", "review", func(tr *repository.Transition) {
		tr.Conditions = []repository.TransitionCondition{
			{Field: "amount", Operator: "greater_than", Value: float64(10000)},
		}
	})

	_, err := f.engine.StartTransition(context.Background(), bp.ID, wrongState.ID, "deal-1", "user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))

	_, err = f.engine.StartTransition(context.Background(), bp.ID, conditional.ID, "deal-1", "user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
	assert.Contains(t, err.Error(), "condition(s) failed")
}

func TestCompleteTransitionWithoutGates(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	submit := f.addTransition(t, bp, "draft", "review", func(tr *repository.Transition) {
		tr.Actions = []repository.TransitionAction{
			{Kind: repository.ActionAddTag, IsActive: true, Config: map[string]any{"tag": "in-review"}},
		}
	})
	f.slas.slas[f.stateID(t, bp.ID, "review")] = &repository.StateSLA{
		ID: "sla-review", StateID: f.stateID(t, bp.ID, "review"), IsActive: true, DurationHours: 48,
	}

	execution, err := f.engine.StartTransition(context.Background(), bp.ID, submit.ID, "deal-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, repository.ExecutionPending, execution.Status)

	require.NoError(t, f.engine.CompleteTransition(context.Background(), execution.ID, "user-1"))

	// The record moved: state pointer, trigger field, tag action, SLA.
	rs, _ := f.recordStates.Get(context.Background(), bp.ID, "deal-1")
	assert.Equal(t, f.stateID(t, bp.ID, "review"), rs.CurrentStateID)
	assert.Equal(t, "review", f.records.records["deals"]["deal-1"]["status"])
	assert.Equal(t, []string{"in-review"}, f.records.tags["deals|deal-1"])
	assert.Equal(t, repository.ExecutionCompleted, f.executions.executions[execution.ID].Status)

	active, err := f.slas.GetActiveInstance(context.Background(), bp.ID, "deal-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "sla-review", active.SLAID)

	assert.Equal(t, []string{"started", "completed"}, f.audit.actions())
}

func TestFullLifecycleWithRequirementsAndApproval(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	submit := f.addTransition(t, bp, "draft", "review", func(tr *repository.Transition) {
		tr.Requirements = []repository.TransitionRequirement{
			{Type: repository.RequirementNote, Name: "summary", IsRequired: true, MinLength: 10},
		}
		tr.Approval = &repository.TransitionApproval{
			ApprovalType: "specific_users",
			ApproverIDs:  []string{"user-a", "user-b"},
			RequireAll:   true,
		}
	})

	execution, err := f.engine.StartTransition(context.Background(), bp.ID, submit.ID, "deal-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, repository.ExecutionPendingRequirements, execution.Status)

	// Invalid requirement data is reported without advancing the execution.
	failures, _, err := f.engine.SubmitRequirements(context.Background(), execution.ID, "user-1", map[string]any{"summary": "short"})
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, repository.ExecutionPendingRequirements, f.executions.executions[execution.ID].Status)

	failures, updated, err := f.engine.SubmitRequirements(context.Background(), execution.ID, "user-1", map[string]any{"summary": "ready for editorial review"})
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, repository.ExecutionPendingApproval, updated.Status)

	request, err := f.approvals.GetByExecutionID(context.Background(), execution.ID)
	require.NoError(t, err)
	require.NotNil(t, request)

	// First of two require_all approvers: still gated.
	require.NoError(t, f.engine.ApproveTransition(context.Background(), request.ID, "user-a"))
	assert.Equal(t, repository.ExecutionPendingApproval, f.executions.executions[execution.ID].Status)
	assert.Equal(t, "draft", f.records.records["deals"]["deal-1"]["status"])

	// Second approver clears the gate and the record moves.
	require.NoError(t, f.engine.ApproveTransition(context.Background(), request.ID, "user-b"))
	assert.Equal(t, repository.ExecutionCompleted, f.executions.executions[execution.ID].Status)
	assert.Equal(t, "review", f.records.records["deals"]["deal-1"]["status"])

	rs, _ := f.recordStates.Get(context.Background(), bp.ID, "deal-1")
	assert.Equal(t, f.stateID(t, bp.ID, "review"), rs.CurrentStateID)

	assert.Equal(t, []string{
		"started", "approval_requested", "requirements_submitted",
		"approved", "approved", "completed",
	}, f.audit.actions())
}

func TestRejectTransitionEndsExecution(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	submit := f.addTransition(t, bp, "draft", "review", func(tr *repository.Transition) {
		tr.Approval = &repository.TransitionApproval{
			ApprovalType: "specific_users",
			ApproverIDs:  []string{"user-a"},
		}
	})

	execution, err := f.engine.StartTransition(context.Background(), bp.ID, submit.ID, "deal-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, repository.ExecutionPendingApproval, execution.Status)

	request, err := f.approvals.GetByExecutionID(context.Background(), execution.ID)
	require.NoError(t, err)
	require.NoError(t, f.engine.RejectTransition(context.Background(), request.ID, "user-a", "not ready"))

	assert.Equal(t, repository.ExecutionRejected, f.executions.executions[execution.ID].Status)
	assert.Equal(t, "draft", f.records.records["deals"]["deal-1"]["status"])
}

func TestCancelTransitionExpiresApproval(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	submit := f.addTransition(t, bp, "draft", "review", func(tr *repository.Transition) {
		tr.Approval = &repository.TransitionApproval{
			ApprovalType: "specific_users",
			ApproverIDs:  []string{"user-a"},
		}
	})

	execution, err := f.engine.StartTransition(context.Background(), bp.ID, submit.ID, "deal-1", "user-1")
	require.NoError(t, err)

	require.NoError(t, f.engine.CancelTransition(context.Background(), execution.ID, "user-1"))
	assert.Equal(t, repository.ExecutionCancelled, f.executions.executions[execution.ID].Status)

	request, err := f.approvals.GetByExecutionID(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.ApprovalExpired, request.Status)

	// Cancelling twice is a no-op.
	require.NoError(t, f.engine.CancelTransition(context.Background(), execution.ID, "user-1"))
}

func TestCancelCompletedTransitionConflicts(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	submit := f.addTransition(t, bp, "draft", "review", nil)

	execution, err := f.engine.StartTransition(context.Background(), bp.ID, submit.ID, "deal-1", "user-1")
	require.NoError(t, err)
	require.NoError(t, f.engine.CompleteTransition(context.Background(), execution.ID, "user-1"))

	err = f.engine.CancelTransition(context.Background(), execution.ID, "user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))
}

func TestCompleteTransitionWhileGatedConflicts(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	submit := f.addTransition(t, bp, "draft", "review", func(tr *repository.Transition) {
		tr.Requirements = []repository.TransitionRequirement{
			{Type: repository.RequirementNote, Name: "summary", IsRequired: true},
		}
	})

	execution, err := f.engine.StartTransition(context.Background(), bp.ID, submit.ID, "deal-1", "user-1")
	require.NoError(t, err)

	err = f.engine.CompleteTransition(context.Background(), execution.ID, "user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))
}

func TestRacingExecutionsOnlyOneWins(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	submit := f.addTransition(t, bp, "draft", "review", nil)
	discard := f.addTransition(t, bp, "draft", "published", nil)

	first, err := f.engine.StartTransition(context.Background(), bp.ID, submit.ID, "deal-1", "user-1")
	require.NoError(t, err)
	second, err := f.engine.StartTransition(context.Background(), bp.ID, discard.ID, "deal-1", "user-2")
	require.NoError(t, err)

	require.NoError(t, f.engine.CompleteTransition(context.Background(), first.ID, "user-1"))

	// The loser fails its from-state re-check inside the executor and is
	// marked failed.
	err = f.engine.CompleteTransition(context.Background(), second.ID, "user-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))
	assert.Equal(t, repository.ExecutionFailed, f.executions.executions[second.ID].Status)

	rs, _ := f.recordStates.Get(context.Background(), bp.ID, "deal-1")
	assert.Equal(t, f.stateID(t, bp.ID, "review"), rs.CurrentStateID)
}

func TestRollbackRestoresSourceState(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	submit := f.addTransition(t, bp, "draft", "review", nil)

	execution, err := f.engine.StartTransition(context.Background(), bp.ID, submit.ID, "deal-1", "user-1")
	require.NoError(t, err)
	require.NoError(t, f.engine.CompleteTransition(context.Background(), execution.ID, "user-1"))
	assert.Equal(t, "review", f.records.records["deals"]["deal-1"]["status"])

	executor := NewTransitionExecutor(fakeTxRunner{}, f.recordStates, f.executions, f.records, eval.FixedClock{T: f.now}, logger.Nop())
	applied := f.executions.executions[execution.ID]
	require.NoError(t, executor.Rollback(context.Background(), applied, submit, "status", "draft", "manual revert"))

	// State pointer and trigger field are back where they started, and the
	// execution is closed as failed.
	rs, _ := f.recordStates.Get(context.Background(), bp.ID, "deal-1")
	assert.Equal(t, f.stateID(t, bp.ID, "draft"), rs.CurrentStateID)
	assert.Equal(t, "draft", f.records.records["deals"]["deal-1"]["status"])
	assert.Equal(t, repository.ExecutionFailed, f.executions.executions[execution.ID].Status)
	require.NotNil(t, applied.ErrorMessage)
	assert.Equal(t, "manual revert", *applied.ErrorMessage)

	// The record is no longer in the target state, so a second rollback
	// conflicts.
	err = executor.Rollback(context.Background(), applied, submit, "status", "draft", "again")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))
}

func TestRollbackRejectsWildcardTransition(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	anyCancel := f.addTransition(t, bp, "", "draft", nil)

	execution, err := f.engine.StartTransition(context.Background(), bp.ID, anyCancel.ID, "deal-1", "user-1")
	require.NoError(t, err)
	require.NoError(t, f.engine.CompleteTransition(context.Background(), execution.ID, "user-1"))

	executor := NewTransitionExecutor(fakeTxRunner{}, f.recordStates, f.executions, f.records, eval.FixedClock{T: f.now}, logger.Nop())
	err = executor.Rollback(context.Background(), f.executions.executions[execution.ID], anyCancel, "status", "draft", "revert")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestAvailableTransitionsUseRelatedCounts(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	needsContacts := f.addTransition(t, bp, "draft", "review", func(tr *repository.Transition) {
		tr.Conditions = []repository.TransitionCondition{
			{Field: "contacts", Operator: "related_count_greater_than", Value: float64(0)},
		}
	})
	f.addTransition(t, bp, "draft", "published", func(tr *repository.Transition) {
		tr.Conditions = []repository.TransitionCondition{
			{Field: "invoices.deal_id", Operator: "related_count_equals", Value: float64(2)},
		}
	})
	f.records.relate("contacts", "deal_id", "deal-1", 3)
	f.records.relate("invoices", "deal_id", "deal-1", 1)

	available, err := f.engine.GetAvailableTransitions(context.Background(), bp.ID, "deal-1", "user-1")
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, needsContacts.ID, available[0].ID)
}

func TestStartTransitionChecksRelatedCounts(t *testing.T) {
	f := newEngineFixture()
	bp := f.articleBlueprint(t)
	submit := f.addTransition(t, bp, "draft", "review", func(tr *repository.Transition) {
		tr.Conditions = []repository.TransitionCondition{
			{Field: "contacts", Operator: "related_count_greater_than", Value: float64(1)},
		}
	})

	// One related contact: the condition fails and the transition is refused.
	f.records.relate("contacts", "deal_id", "deal-1", 1)
	_, err := f.engine.StartTransition(context.Background(), bp.ID, submit.ID, "deal-1", "user-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))

	f.records.relate("contacts", "deal_id", "deal-1", 2)
	execution, err := f.engine.StartTransition(context.Background(), bp.ID, submit.ID, "deal-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, repository.ExecutionPending, execution.Status)
}
