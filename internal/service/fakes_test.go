package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vrtx-crm/be-automation/internal/client"
	"github.com/vrtx-crm/be-automation/internal/errors"
	"github.com/vrtx-crm/be-automation/internal/repository"
)

// In-memory fakes backing the orchestration tests. They mirror the SQL-level
// guard semantics of the real repositories (conditional updates fail with
// Conflict) so sweep idempotence and race handling are exercised for real.

var fakeIDSeq int

func nextID(prefix string) string {
	fakeIDSeq++
	return fmt.Sprintf("%s-%d", prefix, fakeIDSeq)
}

// ── records ──────────────────────────────────────────────────────────────────

type fakeRecordStore struct {
	records  map[string]map[string]map[string]any // module -> id -> fields
	tags     map[string][]string                  // module|record -> tags
	missing  map[string]bool                      // module|field pairs treated as absent columns
	related  map[string]int                       // relatedModule|fkColumn|record -> count
	failNext error
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{
		records: map[string]map[string]map[string]any{},
		tags:    map[string][]string{},
		missing: map[string]bool{},
		related: map[string]int{},
	}
}

func (f *fakeRecordStore) relate(relatedModule, fkColumn, recordID string, count int) {
	f.related[relatedModule+"|"+fkColumn+"|"+recordID] = count
}

func (f *fakeRecordStore) put(moduleID, recordID string, fields map[string]any) {
	if f.records[moduleID] == nil {
		f.records[moduleID] = map[string]map[string]any{}
	}
	fields["id"] = recordID
	f.records[moduleID][recordID] = fields
}

func (f *fakeRecordStore) GetRecord(_ context.Context, moduleID, recordID string) (map[string]any, error) {
	record, ok := f.records[moduleID][recordID]
	if !ok {
		return nil, errors.NotFound("record", recordID)
	}
	out := map[string]any{"module_id": moduleID}
	for k, v := range record {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRecordStore) UpdateField(_ context.Context, moduleID, recordID, field string, value any) (bool, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return false, err
	}
	if f.missing[moduleID+"|"+field] {
		return false, nil
	}
	record, ok := f.records[moduleID][recordID]
	if !ok {
		return false, nil
	}
	record[field] = value
	return true, nil
}

func (f *fakeRecordStore) UpdateFieldTx(ctx context.Context, _ pgx.Tx, moduleID, recordID, field string, value any) (bool, error) {
	return f.UpdateField(ctx, moduleID, recordID, field, value)
}

func (f *fakeRecordStore) InsertRecord(_ context.Context, moduleID string, values map[string]any) (string, error) {
	id := nextID("rec")
	fields := map[string]any{}
	for k, v := range values {
		fields[k] = v
	}
	f.put(moduleID, id, fields)
	return id, nil
}

func (f *fakeRecordStore) RelatedCount(_ context.Context, relatedModuleID, fkColumn, recordID string) (int, error) {
	return f.related[relatedModuleID+"|"+fkColumn+"|"+recordID], nil
}

func (f *fakeRecordStore) AddTag(_ context.Context, moduleID, recordID, tag string) error {
	key := moduleID + "|" + recordID
	for _, t := range f.tags[key] {
		if t == tag {
			return nil
		}
	}
	f.tags[key] = append(f.tags[key], tag)
	return nil
}

func (f *fakeRecordStore) RemoveTag(_ context.Context, moduleID, recordID, tag string) error {
	key := moduleID + "|" + recordID
	out := f.tags[key][:0]
	for _, t := range f.tags[key] {
		if t != tag {
			out = append(out, t)
		}
	}
	f.tags[key] = out
	return nil
}

// ── record states ────────────────────────────────────────────────────────────

type fakeRecordStateStore struct {
	states map[string]*repository.RecordState // blueprint|record
}

func newFakeRecordStateStore() *fakeRecordStateStore {
	return &fakeRecordStateStore{states: map[string]*repository.RecordState{}}
}

func stateKey(blueprintID, recordID string) string { return blueprintID + "|" + recordID }

func (f *fakeRecordStateStore) Get(_ context.Context, blueprintID, recordID string) (*repository.RecordState, error) {
	rs := f.states[stateKey(blueprintID, recordID)]
	if rs == nil {
		return nil, nil
	}
	copied := *rs
	return &copied, nil
}

func (f *fakeRecordStateStore) GetForUpdate(ctx context.Context, _ pgx.Tx, blueprintID, recordID string) (*repository.RecordState, error) {
	return f.Get(ctx, blueprintID, recordID)
}

func (f *fakeRecordStateStore) Create(_ context.Context, rs *repository.RecordState) error {
	key := stateKey(rs.BlueprintID, rs.RecordID)
	if _, exists := f.states[key]; exists {
		return errors.Conflict("record state already initialized")
	}
	rs.ID = nextID("rs")
	copied := *rs
	f.states[key] = &copied
	return nil
}

func (f *fakeRecordStateStore) UpdateState(_ context.Context, _ pgx.Tx, id, toStateID string, enteredAt time.Time) error {
	for _, rs := range f.states {
		if rs.ID == id {
			rs.CurrentStateID = toStateID
			rs.StateEnteredAt = enteredAt
			return nil
		}
	}
	return errors.NotFound("record_state", id)
}

// ── executions ───────────────────────────────────────────────────────────────

type fakeExecutionStore struct {
	executions map[string]*repository.TransitionExecution
	actionLogs []*repository.ActionLog
}

func newFakeExecutionStore() *fakeExecutionStore {
	return &fakeExecutionStore{executions: map[string]*repository.TransitionExecution{}}
}

func (f *fakeExecutionStore) Create(_ context.Context, e *repository.TransitionExecution) error {
	e.ID = nextID("exec")
	e.CreatedAt = time.Now()
	copied := *e
	f.executions[e.ID] = &copied
	return nil
}

func (f *fakeExecutionStore) GetByID(_ context.Context, id string) (*repository.TransitionExecution, error) {
	e, ok := f.executions[id]
	if !ok {
		return nil, errors.NotFound("transition_execution", id)
	}
	copied := *e
	return &copied, nil
}

func (f *fakeExecutionStore) ListByRecord(_ context.Context, blueprintID, recordID string) ([]*repository.TransitionExecution, error) {
	var out []*repository.TransitionExecution
	for _, e := range f.executions {
		if e.BlueprintID == blueprintID && e.RecordID == recordID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeExecutionStore) UpdateStatus(_ context.Context, id string, from, to repository.ExecutionStatus) error {
	e, ok := f.executions[id]
	if !ok || e.Status != from {
		return errors.Conflict("execution status changed concurrently")
	}
	e.Status = to
	return nil
}

func (f *fakeExecutionStore) SetRequirementsData(_ context.Context, id string, data map[string]any, to repository.ExecutionStatus) error {
	e, ok := f.executions[id]
	if !ok || e.Status != repository.ExecutionPendingRequirements {
		return errors.Conflict("execution is not awaiting requirements")
	}
	e.RequirementsData = data
	e.Status = to
	return nil
}

func (f *fakeExecutionStore) MarkCompleted(_ context.Context, _ pgx.Tx, id string, at time.Time) error {
	e, ok := f.executions[id]
	if !ok || !e.CanComplete() {
		return errors.Conflict("execution cannot complete")
	}
	e.Status = repository.ExecutionCompleted
	e.CompletedAt = &at
	return nil
}

func (f *fakeExecutionStore) MarkFailed(_ context.Context, id, reason string) error {
	e, ok := f.executions[id]
	if !ok {
		return errors.NotFound("transition_execution", id)
	}
	e.Status = repository.ExecutionFailed
	e.ErrorMessage = &reason
	return nil
}

func (f *fakeExecutionStore) AppendActionLog(_ context.Context, log *repository.ActionLog) error {
	log.ID = nextID("alog")
	copied := *log
	f.actionLogs = append(f.actionLogs, &copied)
	return nil
}

// ── blueprints ───────────────────────────────────────────────────────────────

type fakeBlueprintStore struct {
	blueprints  map[string]*repository.Blueprint
	states      map[string]*repository.State
	transitions map[string]*repository.Transition
}

func newFakeBlueprintStore() *fakeBlueprintStore {
	return &fakeBlueprintStore{
		blueprints:  map[string]*repository.Blueprint{},
		states:      map[string]*repository.State{},
		transitions: map[string]*repository.Transition{},
	}
}

func (f *fakeBlueprintStore) Create(_ context.Context, bp *repository.Blueprint, states []*repository.State) error {
	bp.ID = nextID("bp")
	f.blueprints[bp.ID] = bp
	for _, state := range states {
		state.ID = nextID("st")
		state.BlueprintID = bp.ID
		f.states[state.ID] = state
	}
	return nil
}

func (f *fakeBlueprintStore) GetByID(_ context.Context, id string) (*repository.Blueprint, error) {
	bp, ok := f.blueprints[id]
	if !ok {
		return nil, errors.NotFound("blueprint", id)
	}
	return bp, nil
}

func (f *fakeBlueprintStore) GetActiveByModuleField(_ context.Context, moduleID, fieldName string) (*repository.Blueprint, error) {
	for _, bp := range f.blueprints {
		if bp.ModuleID == moduleID && bp.FieldName == fieldName && bp.IsActive {
			return bp, nil
		}
	}
	return nil, nil
}

func (f *fakeBlueprintStore) ListActiveByModule(_ context.Context, moduleID string) ([]*repository.Blueprint, error) {
	var out []*repository.Blueprint
	for _, bp := range f.blueprints {
		if bp.ModuleID == moduleID && bp.IsActive {
			out = append(out, bp)
		}
	}
	return out, nil
}

func (f *fakeBlueprintStore) Deactivate(_ context.Context, id string) error {
	bp, ok := f.blueprints[id]
	if !ok {
		return errors.NotFound("blueprint", id)
	}
	bp.IsActive = false
	return nil
}

func (f *fakeBlueprintStore) States(_ context.Context, blueprintID string) ([]*repository.State, error) {
	var out []*repository.State
	for _, state := range f.states {
		if state.BlueprintID == blueprintID {
			out = append(out, state)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out, nil
}

func (f *fakeBlueprintStore) GetState(_ context.Context, id string) (*repository.State, error) {
	state, ok := f.states[id]
	if !ok {
		return nil, errors.NotFound("state", id)
	}
	return state, nil
}

func (f *fakeBlueprintStore) GetStateByOptionValue(_ context.Context, blueprintID, value string) (*repository.State, error) {
	for _, state := range f.states {
		if state.BlueprintID == blueprintID && state.FieldOptionValue == value {
			return state, nil
		}
	}
	return nil, nil
}

func (f *fakeBlueprintStore) SyncStates(_ context.Context, blueprintID string, optionValues []string) error {
	want := map[string]bool{}
	for _, v := range optionValues {
		want[v] = true
	}
	for id, state := range f.states {
		if state.BlueprintID == blueprintID && !want[state.FieldOptionValue] {
			delete(f.states, id)
		}
		delete(want, state.FieldOptionValue)
	}
	for value := range want {
		id := nextID("st")
		f.states[id] = &repository.State{
			ID: id, BlueprintID: blueprintID, Name: value, FieldOptionValue: value,
		}
	}
	return nil
}

func (f *fakeBlueprintStore) CreateTransition(_ context.Context, t *repository.Transition) error {
	t.ID = nextID("tr")
	f.transitions[t.ID] = t
	return nil
}

func (f *fakeBlueprintStore) GetTransition(_ context.Context, id string) (*repository.Transition, error) {
	t, ok := f.transitions[id]
	if !ok {
		return nil, errors.NotFound("transition", id)
	}
	return t, nil
}

func (f *fakeBlueprintStore) Transitions(_ context.Context, blueprintID string) ([]*repository.Transition, error) {
	var out []*repository.Transition
	for _, t := range f.transitions {
		if t.BlueprintID == blueprintID && t.IsActive {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out, nil
}

// ── approvals ────────────────────────────────────────────────────────────────

type fakeApprovalStore struct {
	requests    map[string]*repository.ApprovalRequest
	delegations []*repository.ApprovalDelegation
}

func newFakeApprovalStore() *fakeApprovalStore {
	return &fakeApprovalStore{requests: map[string]*repository.ApprovalRequest{}}
}

func (f *fakeApprovalStore) CreateRequest(_ context.Context, req *repository.ApprovalRequest) error {
	req.ID = nextID("apr")
	req.CreatedAt = time.Now()
	copied := *req
	f.requests[req.ID] = &copied
	return nil
}

func (f *fakeApprovalStore) GetByID(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	copied := *req
	return &copied, nil
}

func (f *fakeApprovalStore) GetByExecutionID(_ context.Context, executionID string) (*repository.ApprovalRequest, error) {
	for _, req := range f.requests {
		if req.ExecutionID == executionID {
			copied := *req
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeApprovalStore) ListPending(_ context.Context) ([]*repository.ApprovalRequest, error) {
	var out []*repository.ApprovalRequest
	for _, req := range f.requests {
		if req.Status == repository.ApprovalPending {
			copied := *req
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeApprovalStore) ListPendingForUser(_ context.Context, userID string) ([]*repository.ApprovalRequest, error) {
	var out []*repository.ApprovalRequest
	for _, req := range f.requests {
		if req.Status != repository.ApprovalPending {
			continue
		}
		eligible := req.Escalated && req.EscalatedTo != nil && *req.EscalatedTo == userID
		for _, id := range req.ApproverIDs {
			if id == userID {
				eligible = true
			}
		}
		if eligible {
			copied := *req
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeApprovalStore) Decide(_ context.Context, id string, status repository.ApprovalStatus, decidedBy string, reason *string, at time.Time) error {
	req, ok := f.requests[id]
	if !ok || req.Status != repository.ApprovalPending {
		return errors.Conflict("approval request is not pending")
	}
	req.Status = status
	req.DecidedBy = &decidedBy
	req.DecidedAt = &at
	req.RejectionReason = reason
	return nil
}

func (f *fakeApprovalStore) AddRespondedApprover(_ context.Context, id, userID string) (*repository.ApprovalRequest, error) {
	req, ok := f.requests[id]
	if !ok || req.Status != repository.ApprovalPending {
		return nil, errors.Conflict("approval request is not pending")
	}
	for _, existing := range req.RespondedApprovers {
		if existing == userID {
			return nil, errors.Conflict("approver already responded")
		}
	}
	req.RespondedApprovers = append(req.RespondedApprovers, userID)
	copied := *req
	return &copied, nil
}

func (f *fakeApprovalStore) MarkEscalated(_ context.Context, id, escalatedTo string, at time.Time) error {
	req, ok := f.requests[id]
	if !ok || req.Escalated || req.Status != repository.ApprovalPending {
		return errors.Conflict("approval request already escalated")
	}
	req.Escalated = true
	req.EscalatedTo = &escalatedTo
	req.EscalatedAt = &at
	return nil
}

func (f *fakeApprovalStore) RecordReminder(_ context.Context, id string, at time.Time) error {
	req, ok := f.requests[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}
	req.ReminderCount++
	req.LastReminderAt = &at
	return nil
}

func (f *fakeApprovalStore) Reassign(_ context.Context, id string, approverIDs []string, originalApprover *string) error {
	req, ok := f.requests[id]
	if !ok || req.Status != repository.ApprovalPending {
		return errors.Conflict("approval request is no longer pending")
	}
	req.ApproverIDs = approverIDs
	req.OriginalApproverID = originalApprover
	return nil
}

func (f *fakeApprovalStore) CreateDelegation(_ context.Context, d *repository.ApprovalDelegation) error {
	if d.DelegatorID == d.DelegateID {
		return errors.InvalidInput("delegate_id", "cannot delegate approvals to yourself")
	}
	for _, existing := range f.delegations {
		if existing.DelegatorID == d.DelegatorID && existing.IsActive {
			return errors.Conflict("an active delegation already exists")
		}
	}
	d.ID = nextID("del")
	copied := *d
	f.delegations = append(f.delegations, &copied)
	return nil
}

func (f *fakeApprovalStore) GetActiveDelegation(_ context.Context, delegatorID string, at time.Time) (*repository.ApprovalDelegation, error) {
	for _, d := range f.delegations {
		if d.DelegatorID == delegatorID && d.Covers(at) {
			copied := *d
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeApprovalStore) DeactivateDelegation(_ context.Context, id string) error {
	for _, d := range f.delegations {
		if d.ID == id {
			d.IsActive = false
			return nil
		}
	}
	return errors.NotFound("approval_delegation", id)
}

// ── SLA ──────────────────────────────────────────────────────────────────────

type fakeSLAStore struct {
	slas      map[string]*repository.StateSLA // keyed by state id
	instances map[string]*repository.SLAInstance
}

func newFakeSLAStore() *fakeSLAStore {
	return &fakeSLAStore{
		slas:      map[string]*repository.StateSLA{},
		instances: map[string]*repository.SLAInstance{},
	}
}

func (f *fakeSLAStore) GetSLAForState(_ context.Context, stateID string) (*repository.StateSLA, error) {
	sla := f.slas[stateID]
	if sla == nil || !sla.IsActive {
		return nil, nil
	}
	return sla, nil
}

func (f *fakeSLAStore) GetSLA(_ context.Context, id string) (*repository.StateSLA, error) {
	for _, sla := range f.slas {
		if sla.ID == id {
			return sla, nil
		}
	}
	return nil, errors.NotFound("state_sla", id)
}

func (f *fakeSLAStore) StartInstance(_ context.Context, instance *repository.SLAInstance) error {
	now := time.Now()
	for _, existing := range f.instances {
		if existing.BlueprintID == instance.BlueprintID && existing.RecordID == instance.RecordID &&
			existing.Status != repository.SLACompleted {
			existing.Status = repository.SLACompleted
			existing.CompletedAt = &now
		}
	}
	instance.ID = nextID("sla")
	copied := *instance
	f.instances[instance.ID] = &copied
	return nil
}

func (f *fakeSLAStore) GetActiveInstance(_ context.Context, blueprintID, recordID string) (*repository.SLAInstance, error) {
	for _, instance := range f.instances {
		if instance.BlueprintID == blueprintID && instance.RecordID == recordID &&
			instance.Status != repository.SLACompleted {
			copied := *instance
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeSLAStore) ListRunning(_ context.Context) ([]*repository.SLAInstance, error) {
	var out []*repository.SLAInstance
	for _, instance := range f.instances {
		if instance.Status != repository.SLACompleted {
			copied := *instance
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeSLAStore) MarkBreached(_ context.Context, id string, at time.Time) error {
	instance, ok := f.instances[id]
	if !ok || instance.Status != repository.SLAActive {
		return errors.Conflict("SLA instance is not active")
	}
	instance.Status = repository.SLABreached
	instance.BreachedAt = &at
	return nil
}

func (f *fakeSLAStore) CompleteInstance(_ context.Context, blueprintID, recordID string, at time.Time) error {
	for _, instance := range f.instances {
		if instance.BlueprintID == blueprintID && instance.RecordID == recordID &&
			instance.Status != repository.SLACompleted {
			instance.Status = repository.SLACompleted
			instance.CompletedAt = &at
		}
	}
	return nil
}

func (f *fakeSLAStore) AddTriggeredEscalation(_ context.Context, id, escalationID string) error {
	instance, ok := f.instances[id]
	if !ok {
		return errors.NotFound("sla_instance", id)
	}
	for _, existing := range instance.TriggeredEscalations {
		if existing == escalationID {
			return errors.Conflict("escalation already triggered for this instance")
		}
	}
	instance.TriggeredEscalations = append(instance.TriggeredEscalations, escalationID)
	return nil
}

// ── workflows ────────────────────────────────────────────────────────────────

type fakeWorkflowStore struct {
	rules      map[string]*repository.WorkflowRule
	executions map[string]*repository.WorkflowExecution
	stepLogs   []*repository.WorkflowStepLog
	versions   []*repository.WorkflowVersion
}

func newFakeWorkflowStore() *fakeWorkflowStore {
	return &fakeWorkflowStore{
		rules:      map[string]*repository.WorkflowRule{},
		executions: map[string]*repository.WorkflowExecution{},
	}
}

func (f *fakeWorkflowStore) CreateRule(_ context.Context, rule *repository.WorkflowRule, _ string) error {
	rule.ID = nextID("wr")
	rule.Version = 1
	copied := *rule
	f.rules[rule.ID] = &copied
	f.snapshot(rule)
	return nil
}

func (f *fakeWorkflowStore) UpdateRule(_ context.Context, rule *repository.WorkflowRule, _ string) error {
	existing, ok := f.rules[rule.ID]
	if !ok {
		return errors.NotFound("workflow_rule", rule.ID)
	}
	rule.Version = existing.Version + 1
	copied := *rule
	f.rules[rule.ID] = &copied
	f.snapshot(rule)
	return nil
}

func (f *fakeWorkflowStore) snapshot(rule *repository.WorkflowRule) {
	data, _ := json.Marshal(map[string]any{
		"module_id":      rule.ModuleID,
		"name":           rule.Name,
		"trigger_event":  rule.TriggerEvent,
		"watched_fields": rule.WatchedFields,
		"conditions":     rule.Conditions,
		"steps":          rule.Steps,
		"is_active":      rule.IsActive,
	})
	f.versions = append(f.versions, &repository.WorkflowVersion{
		ID:       nextID("wv"),
		RuleID:   rule.ID,
		Version:  rule.Version,
		Snapshot: data,
	})
}

func (f *fakeWorkflowStore) GetRule(_ context.Context, id string) (*repository.WorkflowRule, error) {
	rule, ok := f.rules[id]
	if !ok {
		return nil, errors.NotFound("workflow_rule", id)
	}
	copied := *rule
	return &copied, nil
}

func (f *fakeWorkflowStore) ListActiveByModuleEvent(_ context.Context, moduleID, triggerEvent string) ([]*repository.WorkflowRule, error) {
	var out []*repository.WorkflowRule
	for _, rule := range f.rules {
		if rule.ModuleID == moduleID && rule.TriggerEvent == triggerEvent && rule.IsActive {
			copied := *rule
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeWorkflowStore) CreateExecution(_ context.Context, e *repository.WorkflowExecution) error {
	e.ID = nextID("wexec")
	copied := *e
	f.executions[e.ID] = &copied
	return nil
}

func (f *fakeWorkflowStore) GetExecution(_ context.Context, id string) (*repository.WorkflowExecution, error) {
	e, ok := f.executions[id]
	if !ok {
		return nil, errors.NotFound("workflow_execution", id)
	}
	copied := *e
	return &copied, nil
}

func (f *fakeWorkflowStore) MarkRunning(_ context.Context, id string, at time.Time) error {
	e, ok := f.executions[id]
	if !ok || e.Status != repository.WorkflowQueued {
		return errors.Conflict("workflow execution is not queued")
	}
	e.Status = repository.WorkflowRunning
	e.StartedAt = &at
	return nil
}

func (f *fakeWorkflowStore) Finish(_ context.Context, id string, status repository.WorkflowExecutionStatus, errMessage *string, at time.Time) error {
	e, ok := f.executions[id]
	if !ok {
		return errors.NotFound("workflow_execution", id)
	}
	e.Status = status
	e.ErrorMessage = errMessage
	e.CompletedAt = &at
	return nil
}

func (f *fakeWorkflowStore) AppendStepLog(_ context.Context, log *repository.WorkflowStepLog) error {
	log.ID = nextID("wlog")
	copied := *log
	f.stepLogs = append(f.stepLogs, &copied)
	return nil
}

func (f *fakeWorkflowStore) StepLogs(_ context.Context, executionID string) ([]*repository.WorkflowStepLog, error) {
	var out []*repository.WorkflowStepLog
	for _, log := range f.stepLogs {
		if log.ExecutionID == executionID {
			out = append(out, log)
		}
	}
	return out, nil
}

func (f *fakeWorkflowStore) ListVersions(_ context.Context, ruleID string) ([]*repository.WorkflowVersion, error) {
	var out []*repository.WorkflowVersion
	for _, v := range f.versions {
		if v.RuleID == ruleID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (f *fakeWorkflowStore) GetVersion(_ context.Context, ruleID string, version int) (*repository.WorkflowVersion, error) {
	for _, v := range f.versions {
		if v.RuleID == ruleID && v.Version == version {
			return v, nil
		}
	}
	return nil, errors.NotFound("workflow_version", ruleID)
}

// ── collaborators ────────────────────────────────────────────────────────────

type fakeTxRunner struct{}

func (fakeTxRunner) InTransaction(_ context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

type fakePublisher struct {
	events []*client.NotificationEvent
}

func (f *fakePublisher) Publish(_ context.Context, event *client.NotificationEvent) {
	f.events = append(f.events, event)
}

func (f *fakePublisher) byType(eventType string) []*client.NotificationEvent {
	var out []*client.NotificationEvent
	for _, e := range f.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeWebhook struct {
	calls  []string
	status int
	err    error
}

func (f *fakeWebhook) Post(_ context.Context, url, _ string, _ map[string]string, _ map[string]any) (*client.WebhookResult, error) {
	f.calls = append(f.calls, url)
	status := f.status
	if status == 0 {
		status = 200
	}
	return &client.WebhookResult{StatusCode: status}, f.err
}

type fakeAudit struct {
	entries []*repository.AuditEntry
}

func (f *fakeAudit) Append(_ context.Context, entry *repository.AuditEntry) error {
	entry.ID = nextID("audit")
	entry.PerformedAt = time.Now()
	copied := *entry
	f.entries = append(f.entries, &copied)
	return nil
}

func (f *fakeAudit) actions() []string {
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = e.Action
	}
	return out
}

type fakeDirectory struct {
	roles    map[string][]string
	managers map[string]string
}

func (f *fakeDirectory) UsersWithRole(_ context.Context, role string) ([]string, error) {
	return f.roles[role], nil
}

func (f *fakeDirectory) ManagerOf(_ context.Context, userID string) (string, error) {
	return f.managers[userID], nil
}

type dispatchedJob struct {
	name    string
	payload map[string]any
	delay   time.Duration
}

type fakeDispatcher struct {
	jobs []dispatchedJob
}

func (f *fakeDispatcher) Dispatch(_ context.Context, name string, payload map[string]any) error {
	f.jobs = append(f.jobs, dispatchedJob{name: name, payload: payload})
	return nil
}

func (f *fakeDispatcher) DispatchAfter(_ context.Context, name string, payload map[string]any, delay time.Duration) {
	f.jobs = append(f.jobs, dispatchedJob{name: name, payload: payload, delay: delay})
}
