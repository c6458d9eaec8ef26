package service

import (
	"context"
	"time"

	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
)

// workflowStore is the rule/execution access the trigger and workflow
// services need.
type workflowStore interface {
	CreateRule(ctx context.Context, rule *repository.WorkflowRule, createdBy string) error
	UpdateRule(ctx context.Context, rule *repository.WorkflowRule, updatedBy string) error
	GetRule(ctx context.Context, id string) (*repository.WorkflowRule, error)
	ListActiveByModuleEvent(ctx context.Context, moduleID, triggerEvent string) ([]*repository.WorkflowRule, error)
	CreateExecution(ctx context.Context, e *repository.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*repository.WorkflowExecution, error)
	MarkRunning(ctx context.Context, id string, at time.Time) error
	Finish(ctx context.Context, id string, status repository.WorkflowExecutionStatus, errMessage *string, at time.Time) error
	AppendStepLog(ctx context.Context, log *repository.WorkflowStepLog) error
	StepLogs(ctx context.Context, executionID string) ([]*repository.WorkflowStepLog, error)
	ListVersions(ctx context.Context, ruleID string) ([]*repository.WorkflowVersion, error)
	GetVersion(ctx context.Context, ruleID string, version int) (*repository.WorkflowVersion, error)
}

// jobDispatcher queues named jobs for immediate or delayed execution.
type jobDispatcher interface {
	Dispatch(ctx context.Context, name string, payload map[string]any) error
	DispatchAfter(ctx context.Context, name string, payload map[string]any, delay time.Duration)
}

// RecordEvent is one record lifecycle event fed into the trigger service.
type RecordEvent struct {
	Type     string // record_created | record_updated | record_deleted
	ModuleID string
	RecordID string
	UserID   string
	Record   map[string]any
	OldData  map[string]any // record_updated only
}

// TriggerService matches record events against active workflow rules and
// queues executions for the matches. Matching itself never mutates records;
// the queued job does the work.
type TriggerService struct {
	workflows  workflowStore
	records    relatedCounter
	dispatcher jobDispatcher
	clock      eval.Clock
	log        *logger.Logger
}

// NewTriggerService creates a new trigger service.
func NewTriggerService(workflows workflowStore, records relatedCounter, dispatcher jobDispatcher, clock eval.Clock, log *logger.Logger) *TriggerService {
	return &TriggerService{
		workflows:  workflows,
		records:    records,
		dispatcher: dispatcher,
		clock:      clock,
		log:        log,
	}
}

// HandleEvent evaluates every matching rule for the event and queues one
// workflow execution per match. An update event additionally matches
// field_changed rules whose watched fields actually changed.
func (s *TriggerService) HandleEvent(ctx context.Context, event *RecordEvent) error {
	rules, err := s.workflows.ListActiveByModuleEvent(ctx, event.ModuleID, event.Type)
	if err != nil {
		return err
	}
	if event.Type == repository.TriggerRecordUpdated {
		fieldRules, err := s.workflows.ListActiveByModuleEvent(ctx, event.ModuleID, repository.TriggerFieldChanged)
		if err != nil {
			return err
		}
		rules = append(rules, fieldRules...)
	}
	if len(rules) == 0 {
		return nil
	}

	evalCtx := eval.BuildContext(event.Record, event.OldData, event.UserID, s.clock.Now())
	var countFields []string
	for _, rule := range rules {
		countFields = append(countFields, relatedCountFieldsFromRuleSet(rule.Conditions)...)
	}
	attachRelatedCounts(ctx, s.records, event.ModuleID, event.RecordID, countFields, evalCtx, s.log)
	queued := 0
	for _, rule := range rules {
		if rule.TriggerEvent == repository.TriggerFieldChanged && !watchedFieldChanged(rule.WatchedFields, evalCtx) {
			continue
		}
		if !eval.EvaluateRuleSet(rule.Conditions, evalCtx) {
			continue
		}
		if err := s.queueExecution(ctx, rule, event, evalCtx); err != nil {
			s.log.Warn().Err(err).
				Str("rule_id", rule.ID).
				Str("record_id", event.RecordID).
				Msg("failed to queue workflow execution")
			continue
		}
		queued++
	}

	if queued > 0 {
		s.log.Info().
			Str("event", event.Type).
			Str("record_id", event.RecordID).
			Int("queued", queued).
			Msg("workflow executions queued")
	}
	return nil
}

func (s *TriggerService) queueExecution(ctx context.Context, rule *repository.WorkflowRule, event *RecordEvent, evalCtx map[string]any) error {
	execution := &repository.WorkflowExecution{
		RuleID:       rule.ID,
		RuleVersion:  rule.Version,
		ModuleID:     event.ModuleID,
		RecordID:     event.RecordID,
		TriggerEvent: event.Type,
		Status:       repository.WorkflowQueued,
		Context:      evalCtx,
	}
	if err := s.workflows.CreateExecution(ctx, execution); err != nil {
		return err
	}
	return s.dispatcher.Dispatch(ctx, "workflow_execution", map[string]any{
		"execution_id": execution.ID,
	})
}

// watchedFieldChanged reports whether any watched field is in the event's
// changed set. An empty watch list matches any change.
func watchedFieldChanged(watched []string, evalCtx map[string]any) bool {
	changed, _ := evalCtx["changed_fields"].([]any)
	if len(changed) == 0 {
		return false
	}
	if len(watched) == 0 {
		return true
	}
	changedSet := map[string]bool{}
	for _, f := range changed {
		changedSet[toStr(f)] = true
	}
	for _, f := range watched {
		if changedSet[f] {
			return true
		}
	}
	return false
}
