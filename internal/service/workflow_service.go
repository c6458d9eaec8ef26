package service

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/vrtx-crm/be-automation/internal/errors"
	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
)

// stepRunner executes one rendered workflow step.
type stepRunner interface {
	Execute(ctx context.Context, target ActionTarget, kind repository.ActionKind, config map[string]any) (map[string]any, error)
}

// WorkflowService runs queued workflow executions step by step, with per-step
// retry scheduling, and manages rule versions (list, diff, rollback).
type WorkflowService struct {
	workflows  workflowStore
	actions    stepRunner
	dispatcher jobDispatcher
	clock      eval.Clock
	log        *logger.Logger
}

// NewWorkflowService creates a new workflow service.
func NewWorkflowService(
	workflows workflowStore,
	actions stepRunner,
	dispatcher jobDispatcher,
	clock eval.Clock,
	log *logger.Logger,
) *WorkflowService {
	return &WorkflowService{
		workflows:  workflows,
		actions:    actions,
		dispatcher: dispatcher,
		clock:      clock,
		log:        log,
	}
}

// ── rule management ──────────────────────────────────────────────────────────

// CreateRule stores a new rule at version 1.
func (s *WorkflowService) CreateRule(ctx context.Context, rule *repository.WorkflowRule, createdBy string) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	return s.workflows.CreateRule(ctx, rule, createdBy)
}

// UpdateRule persists rule changes as a new version.
func (s *WorkflowService) UpdateRule(ctx context.Context, rule *repository.WorkflowRule, updatedBy string) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	return s.workflows.UpdateRule(ctx, rule, updatedBy)
}

func validateRule(rule *repository.WorkflowRule) error {
	switch rule.TriggerEvent {
	case repository.TriggerRecordCreated, repository.TriggerRecordUpdated,
		repository.TriggerRecordDeleted, repository.TriggerFieldChanged:
	default:
		return errors.InvalidInput("trigger_event", fmt.Sprintf("unknown trigger event %q", rule.TriggerEvent))
	}
	if len(rule.Steps) == 0 {
		return errors.InvalidInput("steps", "a workflow rule needs at least one step")
	}
	return nil
}

// ── execution ────────────────────────────────────────────────────────────────

// Run executes one queued workflow. Steps run in display order against the
// execution's pinned rule version and captured context; a failed step with
// retries remaining schedules a retry job and does not block later steps.
func (s *WorkflowService) Run(ctx context.Context, executionID string) error {
	execution, err := s.workflows.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if err := s.workflows.MarkRunning(ctx, executionID, s.clock.Now()); err != nil {
		if errors.Is(err, errors.ErrCodeConflict) {
			// Already picked up by another worker.
			return nil
		}
		return err
	}

	rule, err := s.ruleAtVersion(ctx, execution.RuleID, execution.RuleVersion)
	if err != nil {
		msg := err.Error()
		_ = s.workflows.Finish(ctx, executionID, repository.WorkflowFailed, &msg, s.clock.Now())
		return err
	}

	steps := make([]repository.WorkflowStep, len(rule.Steps))
	copy(steps, rule.Steps)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].DisplayOrder < steps[j].DisplayOrder
	})

	target := ActionTarget{
		ModuleID:    execution.ModuleID,
		RecordID:    execution.RecordID,
		ExecutedBy:  "workflow",
		EvalContext: execution.Context,
	}

	failed := false
	for _, step := range steps {
		if !s.runStep(ctx, execution, target, step, 1) {
			failed = true
		}
	}

	status := repository.WorkflowCompleted
	var errMessage *string
	if failed {
		status = repository.WorkflowFailed
		msg := "one or more steps failed"
		errMessage = &msg
	}
	if err := s.workflows.Finish(ctx, executionID, status, errMessage, s.clock.Now()); err != nil {
		return err
	}

	s.log.Info().
		Str("execution_id", executionID).
		Str("status", string(status)).
		Int("steps", len(steps)).
		Msg("workflow execution finished")
	return nil
}

// RetryStep runs one previously failed step again. Dispatched as a delayed
// job; it re-reads the execution so a cancelled or superseded run is skipped.
func (s *WorkflowService) RetryStep(ctx context.Context, executionID, stepID string, attempt int) error {
	execution, err := s.workflows.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	rule, err := s.ruleAtVersion(ctx, execution.RuleID, execution.RuleVersion)
	if err != nil {
		return err
	}

	for _, step := range rule.Steps {
		if step.ID != stepID {
			continue
		}
		target := ActionTarget{
			ModuleID:    execution.ModuleID,
			RecordID:    execution.RecordID,
			ExecutedBy:  "workflow",
			EvalContext: execution.Context,
		}
		s.runStep(ctx, execution, target, step, attempt)
		return nil
	}
	return errors.NotFound("workflow_step", stepID)
}

// runStep executes one attempt and logs it. Returns true when the step is not
// a permanent failure (success, or a retry was scheduled).
func (s *WorkflowService) runStep(
	ctx context.Context,
	execution *repository.WorkflowExecution,
	target ActionTarget,
	step repository.WorkflowStep,
	attempt int,
) bool {
	result, err := s.actions.Execute(ctx, target, step.Kind, step.Config)
	if err == nil {
		s.appendStepLog(ctx, execution.ID, step.ID, attempt, "success", result)
		return true
	}

	if result == nil {
		result = map[string]any{}
	}
	result["error"] = err.Error()

	if attempt <= step.MaxRetries {
		delay := time.Duration(step.RetryDelaySeconds) * time.Second
		if delay <= 0 {
			delay = time.Minute
		}
		s.dispatcher.DispatchAfter(ctx, "workflow_step_retry", map[string]any{
			"execution_id": execution.ID,
			"step_id":      step.ID,
			"attempt":      attempt + 1,
		}, delay)
		s.appendStepLog(ctx, execution.ID, step.ID, attempt, "retry_scheduled", result)
		s.log.Warn().Err(err).
			Str("execution_id", execution.ID).
			Str("step_id", step.ID).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("workflow step failed, retry scheduled")
		return true
	}

	s.appendStepLog(ctx, execution.ID, step.ID, attempt, "failed", result)
	s.log.Warn().Err(err).
		Str("execution_id", execution.ID).
		Str("step_id", step.ID).
		Int("attempt", attempt).
		Msg("workflow step failed permanently")
	return false
}

func (s *WorkflowService) appendStepLog(ctx context.Context, executionID, stepID string, attempt int, status string, result map[string]any) {
	entry := &repository.WorkflowStepLog{
		ExecutionID: executionID,
		StepID:      stepID,
		Attempt:     attempt,
		Status:      status,
		Result:      result,
	}
	if err := s.workflows.AppendStepLog(ctx, entry); err != nil {
		s.log.Error().Err(err).
			Str("execution_id", executionID).
			Str("step_id", stepID).
			Msg("failed to append step log")
	}
}

// ruleAtVersion loads rule content as of a given version. The current rule is
// used directly when the versions match, otherwise the immutable snapshot.
func (s *WorkflowService) ruleAtVersion(ctx context.Context, ruleID string, version int) (*repository.WorkflowRule, error) {
	rule, err := s.workflows.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Version == version {
		return rule, nil
	}
	snapshot, err := s.workflows.GetVersion(ctx, ruleID, version)
	if err != nil {
		return nil, err
	}
	decoded, err := repository.DecodeRuleSnapshot(snapshot.Snapshot)
	if err != nil {
		return nil, err
	}
	decoded.ID = ruleID
	decoded.Version = version
	return decoded, nil
}

// ── versions ─────────────────────────────────────────────────────────────────

// Versions lists a rule's version snapshots, newest first.
func (s *WorkflowService) Versions(ctx context.Context, ruleID string) ([]*repository.WorkflowVersion, error) {
	return s.workflows.ListVersions(ctx, ruleID)
}

// VersionDiff summarizes what changed between two versions of a rule.
type VersionDiff struct {
	RuleID        string `json:"rule_id"`
	FromVersion   int    `json:"from_version"`
	ToVersion     int    `json:"to_version"`
	NameChanged   bool   `json:"name_changed"`
	TriggerChange bool   `json:"trigger_changed"`
	FieldsChanged bool   `json:"watched_fields_changed"`
	CondsChanged  bool   `json:"conditions_changed"`
	StepsAdded    int    `json:"steps_added"`
	StepsRemoved  int    `json:"steps_removed"`
	StepsModified int    `json:"steps_modified"`
}

// Diff compares two versions of a rule.
func (s *WorkflowService) Diff(ctx context.Context, ruleID string, fromVersion, toVersion int) (*VersionDiff, error) {
	from, err := s.ruleAtVersion(ctx, ruleID, fromVersion)
	if err != nil {
		return nil, err
	}
	to, err := s.ruleAtVersion(ctx, ruleID, toVersion)
	if err != nil {
		return nil, err
	}

	diff := &VersionDiff{
		RuleID:        ruleID,
		FromVersion:   fromVersion,
		ToVersion:     toVersion,
		NameChanged:   from.Name != to.Name,
		TriggerChange: from.TriggerEvent != to.TriggerEvent,
		FieldsChanged: !reflect.DeepEqual(from.WatchedFields, to.WatchedFields),
		CondsChanged:  !reflect.DeepEqual(from.Conditions, to.Conditions),
	}

	fromSteps := map[string]repository.WorkflowStep{}
	for _, step := range from.Steps {
		fromSteps[step.ID] = step
	}
	for _, step := range to.Steps {
		prev, ok := fromSteps[step.ID]
		if !ok {
			diff.StepsAdded++
			continue
		}
		if !reflect.DeepEqual(prev, step) {
			diff.StepsModified++
		}
		delete(fromSteps, step.ID)
	}
	diff.StepsRemoved = len(fromSteps)
	return diff, nil
}

// Rollback restores a rule's content to an earlier version. The restore is
// itself recorded as a new version, so history stays linear.
func (s *WorkflowService) Rollback(ctx context.Context, ruleID string, toVersion int, performedBy string) (*repository.WorkflowRule, error) {
	restored, err := s.ruleAtVersion(ctx, ruleID, toVersion)
	if err != nil {
		return nil, err
	}
	current, err := s.workflows.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if current.Version == toVersion {
		return current, nil
	}

	restored.ID = ruleID
	if err := s.workflows.UpdateRule(ctx, restored, performedBy); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("rule_id", ruleID).
		Int("restored_version", toVersion).
		Int("new_version", restored.Version).
		Msg("workflow rule rolled back")
	return restored, nil
}
