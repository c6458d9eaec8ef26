package repository

import (
	"encoding/json"
	"time"

	"github.com/vrtx-crm/be-automation/internal/eval"
)

// ── Domain types for the event-driven workflow subsystem ─────────────────────

// Trigger events matched by workflow rules.
const (
	TriggerRecordCreated = "record_created"
	TriggerRecordUpdated = "record_updated"
	TriggerRecordDeleted = "record_deleted"
	TriggerFieldChanged  = "field_changed"
)

// WorkflowRule matches record events and dispatches queued executions.
type WorkflowRule struct {
	ID            string
	ModuleID      string
	Name          string
	TriggerEvent  string
	WatchedFields []string     // field_changed only; empty = any field
	Conditions    eval.RuleSet // JSONB
	Steps         []WorkflowStep
	IsActive      bool
	Version       int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WorkflowStep is one ordered side effect of a workflow rule. Steps reuse the
// blueprint action kinds and handlers.
type WorkflowStep struct {
	ID                string         `json:"id"`
	Kind              ActionKind     `json:"kind"`
	Name              string         `json:"name,omitempty"`
	Config            map[string]any `json:"config"`
	MaxRetries        int            `json:"max_retries,omitempty"`
	RetryDelaySeconds int            `json:"retry_delay_seconds,omitempty"`
	DisplayOrder      int            `json:"display_order"`
}

// WorkflowExecutionStatus is the lifecycle of one workflow run.
type WorkflowExecutionStatus string

const (
	WorkflowQueued    WorkflowExecutionStatus = "queued"
	WorkflowRunning   WorkflowExecutionStatus = "running"
	WorkflowCompleted WorkflowExecutionStatus = "completed"
	WorkflowFailed    WorkflowExecutionStatus = "failed"
)

// WorkflowExecution is one queued/running/finished workflow run with its
// captured context snapshot.
type WorkflowExecution struct {
	ID           string
	RuleID       string
	RuleVersion  int
	ModuleID     string
	RecordID     string
	TriggerEvent string
	Status       WorkflowExecutionStatus
	Context      map[string]any // JSONB evaluation context snapshot
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// WorkflowStepLog records one attempt of one step within an execution.
type WorkflowStepLog struct {
	ID          string
	ExecutionID string
	StepID      string
	Attempt     int
	Status      string // success | failed | retry_scheduled | skipped
	Result      map[string]any
	CreatedAt   time.Time
}

// WorkflowVersion is an immutable snapshot of a rule at a version, enabling
// diff and rollback.
type WorkflowVersion struct {
	ID        string
	RuleID    string
	Version   int
	Snapshot  json.RawMessage
	CreatedBy string
	CreatedAt time.Time
}
