package service

import (
	"context"
	"fmt"
	"time"

	"github.com/vrtx-crm/be-automation/internal/errors"
	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
)

// blueprintStore is the blueprint/state/transition access the engine needs.
type blueprintStore interface {
	Create(ctx context.Context, bp *repository.Blueprint, states []*repository.State) error
	GetByID(ctx context.Context, id string) (*repository.Blueprint, error)
	GetActiveByModuleField(ctx context.Context, moduleID, fieldName string) (*repository.Blueprint, error)
	ListActiveByModule(ctx context.Context, moduleID string) ([]*repository.Blueprint, error)
	Deactivate(ctx context.Context, id string) error
	States(ctx context.Context, blueprintID string) ([]*repository.State, error)
	GetState(ctx context.Context, id string) (*repository.State, error)
	GetStateByOptionValue(ctx context.Context, blueprintID, value string) (*repository.State, error)
	SyncStates(ctx context.Context, blueprintID string, optionValues []string) error
	CreateTransition(ctx context.Context, t *repository.Transition) error
	GetTransition(ctx context.Context, id string) (*repository.Transition, error)
	Transitions(ctx context.Context, blueprintID string) ([]*repository.Transition, error)
}

// approvalGate is the approval surface the engine drives.
type approvalGate interface {
	CreateRequest(ctx context.Context, execution *repository.TransitionExecution, approval *repository.TransitionApproval, record map[string]any) (*repository.ApprovalRequest, error)
	Approve(ctx context.Context, requestID, userID string) (*repository.ApprovalRequest, error)
	Reject(ctx context.Context, requestID, userID, reason string) error
	CancelForExecution(ctx context.Context, executionID, cancelledBy string) error
}

// slaTracker is the SLA surface the engine drives.
type slaTracker interface {
	StartSLA(ctx context.Context, blueprintID, moduleID, recordID, stateID string, enteredAt time.Time) error
	CompleteSLA(ctx context.Context, blueprintID, recordID string) error
}

// actionRunner executes a transition's after-phase actions.
type actionRunner interface {
	ExecuteAll(ctx context.Context, executionID string, target ActionTarget, actions []repository.TransitionAction)
}

// auditAppender appends immutable audit entries.
type auditAppender interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
}

// EngineService orchestrates the blueprint state-machine lifecycle:
// initialize record state, list available transitions, start, submit
// requirements, approve/reject, complete, cancel.
type EngineService struct {
	blueprints   blueprintStore
	recordStates recordStateStore
	executions   executionStore
	records      RecordStore
	conditions   *ConditionService
	requirements *RequirementValidator
	approvals    approvalGate
	executor     *TransitionExecutor
	actions      actionRunner
	sla          slaTracker
	audit        auditAppender
	clock        eval.Clock
	log          *logger.Logger
}

// NewEngineService creates a new engine service.
func NewEngineService(
	blueprints blueprintStore,
	recordStates recordStateStore,
	executions executionStore,
	records RecordStore,
	conditions *ConditionService,
	requirements *RequirementValidator,
	approvals approvalGate,
	executor *TransitionExecutor,
	actions actionRunner,
	sla slaTracker,
	audit auditAppender,
	clock eval.Clock,
	log *logger.Logger,
) *EngineService {
	return &EngineService{
		blueprints:   blueprints,
		recordStates: recordStates,
		executions:   executions,
		records:      records,
		conditions:   conditions,
		requirements: requirements,
		approvals:    approvals,
		executor:     executor,
		actions:      actions,
		sla:          sla,
		audit:        audit,
		clock:        clock,
		log:          log,
	}
}

// ── blueprint management ─────────────────────────────────────────────────────

// CreateBlueprintFromField derives a blueprint from a field's option list: one
// state per option in order, the first marked initial.
func (s *EngineService) CreateBlueprintFromField(ctx context.Context, moduleID, fieldName, name string, optionValues []string) (*repository.Blueprint, error) {
	if len(optionValues) == 0 {
		return nil, errors.InvalidInput("options", "a blueprint needs at least one field option")
	}
	existing, err := s.blueprints.GetActiveByModuleField(ctx, moduleID, fieldName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.Conflict("an active blueprint already exists for this field")
	}

	bp := &repository.Blueprint{
		ModuleID:  moduleID,
		Name:      name,
		FieldName: fieldName,
		IsActive:  true,
	}
	states := make([]*repository.State, len(optionValues))
	for i, value := range optionValues {
		states[i] = &repository.State{
			Name:             value,
			FieldOptionValue: value,
			IsInitial:        i == 0,
			DisplayOrder:     i,
		}
	}
	if err := s.blueprints.Create(ctx, bp, states); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("blueprint_id", bp.ID).
		Str("module_id", moduleID).
		Str("field", fieldName).
		Int("states", len(states)).
		Msg("blueprint created from field options")
	return bp, nil
}

// SyncBlueprintStates reconciles a blueprint's states with the field's current
// option list: missing options gain states, orphaned states are removed.
func (s *EngineService) SyncBlueprintStates(ctx context.Context, blueprintID string, optionValues []string) error {
	if err := s.blueprints.SyncStates(ctx, blueprintID, optionValues); err != nil {
		return err
	}
	s.log.Info().
		Str("blueprint_id", blueprintID).
		Int("options", len(optionValues)).
		Msg("blueprint states synced")
	return nil
}

// AddTransition validates and stores a new transition on a blueprint.
func (s *EngineService) AddTransition(ctx context.Context, t *repository.Transition) error {
	if _, err := s.blueprints.GetByID(ctx, t.BlueprintID); err != nil {
		return err
	}
	toState, err := s.blueprints.GetState(ctx, t.ToStateID)
	if err != nil {
		return err
	}
	if toState.BlueprintID != t.BlueprintID {
		return errors.InvalidInput("to_state_id", "target state belongs to another blueprint")
	}
	if t.FromStateID != nil {
		fromState, err := s.blueprints.GetState(ctx, *t.FromStateID)
		if err != nil {
			return err
		}
		if fromState.BlueprintID != t.BlueprintID {
			return errors.InvalidInput("from_state_id", "source state belongs to another blueprint")
		}
		if *t.FromStateID == t.ToStateID {
			return errors.InvalidInput("to_state_id", "a transition cannot target its own source state")
		}
	}
	return s.blueprints.CreateTransition(ctx, t)
}

// DeactivateBlueprint retires a blueprint. Blueprints in use are never
// hard-deleted.
func (s *EngineService) DeactivateBlueprint(ctx context.Context, id string) error {
	return s.blueprints.Deactivate(ctx, id)
}

// ── record state ─────────────────────────────────────────────────────────────

// InitializeRecordState lazily creates the state pointer for a record.
// Idempotent: an existing pointer is returned as-is and its SLA is not
// restarted. The initial state is derived from the record's current field
// value, falling back to the blueprint's initial state, then the first state.
func (s *EngineService) InitializeRecordState(ctx context.Context, blueprint *repository.Blueprint, recordID string) (*repository.RecordState, error) {
	existing, err := s.recordStates.Get(ctx, blueprint.ID, recordID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	record, err := s.records.GetRecord(ctx, blueprint.ModuleID, recordID)
	if err != nil {
		return nil, err
	}

	state, err := s.deriveInitialState(ctx, blueprint, record)
	if err != nil {
		return nil, err
	}

	rs := &repository.RecordState{
		BlueprintID:    blueprint.ID,
		RecordID:       recordID,
		CurrentStateID: state.ID,
		StateEnteredAt: s.clock.Now(),
	}
	if err := s.recordStates.Create(ctx, rs); err != nil {
		if errors.Is(err, errors.ErrCodeConflict) {
			// Lost the initialization race; the winner already started the SLA.
			return s.recordStates.Get(ctx, blueprint.ID, recordID)
		}
		return nil, err
	}

	if err := s.sla.StartSLA(ctx, blueprint.ID, blueprint.ModuleID, recordID, state.ID, rs.StateEnteredAt); err != nil {
		s.log.Warn().Err(err).
			Str("record_id", recordID).
			Str("state_id", state.ID).
			Msg("failed to start SLA on record initialization")
	}
	return rs, nil
}

func (s *EngineService) deriveInitialState(ctx context.Context, blueprint *repository.Blueprint, record map[string]any) (*repository.State, error) {
	if value := toStr(record[blueprint.FieldName]); value != "" {
		state, err := s.blueprints.GetStateByOptionValue(ctx, blueprint.ID, value)
		if err != nil {
			return nil, err
		}
		if state != nil {
			return state, nil
		}
	}

	states, err := s.blueprints.States(ctx, blueprint.ID)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, errors.InvalidInput("blueprint", "blueprint has no states")
	}
	for _, state := range states {
		if state.IsInitial {
			return state, nil
		}
	}
	return states[0], nil
}

// GetAvailableTransitions lists the active transitions a user could start for
// a record right now: source state matches (or is the wildcard) and all
// before-phase conditions pass.
func (s *EngineService) GetAvailableTransitions(ctx context.Context, blueprintID, recordID, userID string) ([]*repository.Transition, error) {
	blueprint, err := s.blueprints.GetByID(ctx, blueprintID)
	if err != nil {
		return nil, err
	}
	rs, err := s.InitializeRecordState(ctx, blueprint, recordID)
	if err != nil {
		return nil, err
	}
	record, err := s.records.GetRecord(ctx, blueprint.ModuleID, recordID)
	if err != nil {
		return nil, err
	}
	evalCtx := eval.BuildContext(record, nil, userID, s.clock.Now())

	transitions, err := s.blueprints.Transitions(ctx, blueprintID)
	if err != nil {
		return nil, err
	}

	var countFields []string
	for _, t := range transitions {
		countFields = append(countFields, relatedCountFields(t.Conditions)...)
	}
	attachRelatedCounts(ctx, s.records, blueprint.ModuleID, recordID, countFields, evalCtx, s.log)

	available := []*repository.Transition{}
	for _, t := range transitions {
		if t.FromStateID != nil && *t.FromStateID != rs.CurrentStateID {
			continue
		}
		if !s.conditions.Evaluate(t.Conditions, evalCtx) {
			continue
		}
		available = append(available, t)
	}
	return available, nil
}

// ── transition lifecycle ─────────────────────────────────────────────────────

// StartTransition validates the source state and before-phase conditions, then
// opens an execution in its appropriate initial status: pending_requirements
// when the transition has requirements, pending_approval when it only has an
// approval gate, pending otherwise.
func (s *EngineService) StartTransition(ctx context.Context, blueprintID, transitionID, recordID, userID string) (*repository.TransitionExecution, error) {
	blueprint, err := s.blueprints.GetByID(ctx, blueprintID)
	if err != nil {
		return nil, err
	}
	transition, err := s.blueprints.GetTransition(ctx, transitionID)
	if err != nil {
		return nil, err
	}
	if transition.BlueprintID != blueprintID {
		return nil, errors.InvalidInput("transition_id", "transition belongs to another blueprint")
	}
	if !transition.IsActive {
		return nil, errors.InvalidInput("transition_id", "transition is inactive")
	}

	rs, err := s.InitializeRecordState(ctx, blueprint, recordID)
	if err != nil {
		return nil, err
	}
	if transition.FromStateID != nil && *transition.FromStateID != rs.CurrentStateID {
		return nil, errors.Conflict("record is not in the transition's source state")
	}

	record, err := s.records.GetRecord(ctx, blueprint.ModuleID, recordID)
	if err != nil {
		return nil, err
	}
	evalCtx := eval.BuildContext(record, nil, userID, s.clock.Now())
	attachRelatedCounts(ctx, s.records, blueprint.ModuleID, recordID, relatedCountFields(transition.Conditions), evalCtx, s.log)
	if !s.conditions.Evaluate(transition.Conditions, evalCtx) {
		failed := s.conditions.FailedConditions(transition.Conditions, evalCtx)
		return nil, errors.InvalidInput("conditions", fmt.Sprintf("%d transition condition(s) failed", len(failed)))
	}

	status := repository.ExecutionPending
	switch {
	case len(transition.Requirements) > 0:
		status = repository.ExecutionPendingRequirements
	case transition.Approval != nil:
		status = repository.ExecutionPendingApproval
	}

	execution := &repository.TransitionExecution{
		BlueprintID:  blueprintID,
		TransitionID: transitionID,
		RecordID:     recordID,
		ModuleID:     blueprint.ModuleID,
		FromStateID:  transition.FromStateID,
		ToStateID:    transition.ToStateID,
		ExecutedBy:   userID,
		Status:       status,
	}
	if err := s.executions.Create(ctx, execution); err != nil {
		return nil, err
	}

	if status == repository.ExecutionPendingApproval {
		if _, err := s.approvals.CreateRequest(ctx, execution, transition.Approval, record); err != nil {
			_ = s.executions.MarkFailed(ctx, execution.ID, "approval request creation failed: "+err.Error())
			return nil, err
		}
	}

	s.auditEntry(ctx, execution, "started", userID, nil)
	s.log.Info().
		Str("execution_id", execution.ID).
		Str("transition_id", transitionID).
		Str("record_id", recordID).
		Str("status", string(status)).
		Msg("transition started")
	return execution, nil
}

// SubmitRequirements validates submitted requirement data for an execution in
// pending_requirements. Validation failures are returned without changing the
// execution; on success it advances to pending_approval (opening the approval
// request) or straight to pending.
func (s *EngineService) SubmitRequirements(ctx context.Context, executionID, userID string, data map[string]any) ([]RequirementError, *repository.TransitionExecution, error) {
	execution, err := s.executions.GetByID(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	if execution.Status != repository.ExecutionPendingRequirements {
		return nil, nil, errors.Conflict("execution is not awaiting requirements")
	}
	transition, err := s.blueprints.GetTransition(ctx, execution.TransitionID)
	if err != nil {
		return nil, nil, err
	}
	record, err := s.records.GetRecord(ctx, execution.ModuleID, execution.RecordID)
	if err != nil {
		return nil, nil, err
	}

	if failures := s.requirements.Validate(transition.Requirements, data, record); len(failures) > 0 {
		return failures, execution, nil
	}

	next := repository.ExecutionPending
	if transition.Approval != nil {
		next = repository.ExecutionPendingApproval
	}
	if err := s.executions.SetRequirementsData(ctx, executionID, data, next); err != nil {
		return nil, nil, err
	}
	execution.RequirementsData = data
	execution.Status = next

	if next == repository.ExecutionPendingApproval {
		if _, err := s.approvals.CreateRequest(ctx, execution, transition.Approval, record); err != nil {
			_ = s.executions.MarkFailed(ctx, execution.ID, "approval request creation failed: "+err.Error())
			return nil, nil, err
		}
	}

	s.auditEntry(ctx, execution, "requirements_submitted", userID, nil)
	return nil, execution, nil
}

// ApproveTransition records an approval decision and, once the request is
// fully approved, completes the transition.
func (s *EngineService) ApproveTransition(ctx context.Context, requestID, userID string) error {
	request, err := s.approvals.Approve(ctx, requestID, userID)
	if err != nil {
		return err
	}
	if request.Status != repository.ApprovalApproved {
		return nil
	}
	return s.CompleteTransition(ctx, request.ExecutionID, userID)
}

// RejectTransition rejects the approval request; the execution ends rejected.
func (s *EngineService) RejectTransition(ctx context.Context, requestID, userID, reason string) error {
	return s.approvals.Reject(ctx, requestID, userID, reason)
}

// CompleteTransition applies a cleared execution: atomically moves the record
// to the target state, then restarts SLA tracking and runs after-phase
// actions. Action failures never roll the state move back.
func (s *EngineService) CompleteTransition(ctx context.Context, executionID, userID string) error {
	execution, err := s.executions.GetByID(ctx, executionID)
	if err != nil {
		return err
	}
	if !execution.CanComplete() {
		return errors.Conflict("execution is still gated or already finished")
	}

	blueprint, err := s.blueprints.GetByID(ctx, execution.BlueprintID)
	if err != nil {
		return err
	}
	transition, err := s.blueprints.GetTransition(ctx, execution.TransitionID)
	if err != nil {
		return err
	}
	toState, err := s.blueprints.GetState(ctx, transition.ToStateID)
	if err != nil {
		return err
	}

	if err := s.executor.Apply(ctx, execution, transition, blueprint.FieldName, toState.FieldOptionValue); err != nil {
		_ = s.executions.MarkFailed(ctx, executionID, err.Error())
		return err
	}

	now := s.clock.Now()
	if err := s.sla.CompleteSLA(ctx, execution.BlueprintID, execution.RecordID); err != nil {
		s.log.Warn().Err(err).Str("record_id", execution.RecordID).Msg("failed to complete SLA instance")
	}
	if err := s.sla.StartSLA(ctx, execution.BlueprintID, execution.ModuleID, execution.RecordID, toState.ID, now); err != nil {
		s.log.Warn().Err(err).Str("record_id", execution.RecordID).Msg("failed to start SLA instance")
	}

	record, err := s.records.GetRecord(ctx, execution.ModuleID, execution.RecordID)
	if err != nil {
		s.log.Warn().Err(err).Str("record_id", execution.RecordID).Msg("record reload failed before actions")
		record = map[string]any{"id": execution.RecordID, "module_id": execution.ModuleID}
	}
	target := ActionTarget{
		ModuleID:    execution.ModuleID,
		RecordID:    execution.RecordID,
		ExecutedBy:  userID,
		EvalContext: eval.BuildContext(record, nil, userID, now),
	}
	s.actions.ExecuteAll(ctx, execution.ID, target, transition.Actions)

	s.auditEntry(ctx, execution, "completed", userID, map[string]any{
		"to_state_id": transition.ToStateID,
	})
	return nil
}

// CancelTransition terminally cancels an execution. Legal from any status
// except completed. A pending approval request is expired alongside.
func (s *EngineService) CancelTransition(ctx context.Context, executionID, userID string) error {
	execution, err := s.executions.GetByID(ctx, executionID)
	if err != nil {
		return err
	}
	if execution.Status == repository.ExecutionCompleted {
		return errors.Conflict("a completed transition cannot be cancelled")
	}
	if execution.Status == repository.ExecutionCancelled {
		return nil
	}

	if err := s.executions.UpdateStatus(ctx, executionID, execution.Status, repository.ExecutionCancelled); err != nil {
		return err
	}
	if execution.Status == repository.ExecutionPendingApproval {
		if err := s.approvals.CancelForExecution(ctx, executionID, userID); err != nil {
			s.log.Warn().Err(err).Str("execution_id", executionID).Msg("failed to expire approval request on cancel")
		}
	}

	s.auditEntry(ctx, execution, "cancelled", userID, nil)
	s.log.Info().
		Str("execution_id", executionID).
		Str("cancelled_from", string(execution.Status)).
		Msg("transition cancelled")
	return nil
}

// ExecutionHistory lists a record's transition executions, newest first.
func (s *EngineService) ExecutionHistory(ctx context.Context, blueprintID, recordID string) ([]*repository.TransitionExecution, error) {
	return s.executions.ListByRecord(ctx, blueprintID, recordID)
}

func (s *EngineService) auditEntry(ctx context.Context, execution *repository.TransitionExecution, action, performedBy string, metadata map[string]any) {
	entry := &repository.AuditEntry{
		RecordID:    execution.RecordID,
		ModuleID:    execution.ModuleID,
		ExecutionID: &execution.ID,
		Action:      action,
		PerformedBy: performedBy,
		Metadata:    metadata,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Error().Err(err).Str("execution_id", execution.ID).Msg("failed to append audit entry")
	}
}
