package repository

import (
	"time"

	"github.com/vrtx-crm/be-automation/internal/eval"
)

// ── Domain types for blueprint state machines ────────────────────────────────

// Blueprint is a state machine bound to one module field. Its states mirror
// the field's option list; once in use it is deactivated, never hard-deleted.
type Blueprint struct {
	ID        string
	ModuleID  string
	Name      string
	FieldName string // trigger field whose options back the states
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// State is one position in a blueprint's state machine.
type State struct {
	ID               string
	BlueprintID      string
	Name             string
	FieldOptionValue string // the underlying field value this state represents
	IsInitial        bool
	IsTerminal       bool
	DisplayOrder     int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Transition connects two states, gated by conditions (before phase),
// requirements (during phase) and an optional approval, with after-phase
// actions. FromStateID nil means "from any state".
type Transition struct {
	ID           string
	BlueprintID  string
	Name         string
	FromStateID  *string
	ToStateID    string
	IsActive     bool
	DisplayOrder int
	Conditions   []TransitionCondition   // JSONB
	Requirements []TransitionRequirement // JSONB
	Approval     *TransitionApproval     // JSONB, nil = no approval gate
	Actions      []TransitionAction      // JSONB
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TransitionCondition is a before-phase gate condition. Conditions sharing a
// LogicalGroup are ANDed; groups are combined with AND.
type TransitionCondition struct {
	Field        string `json:"field"`
	Operator     string `json:"operator"`
	Value        any    `json:"value,omitempty"`
	FieldType    string `json:"field_type,omitempty"` // declared type used for value coercion
	LogicalGroup string `json:"logical_group,omitempty"`
}

// RequirementType enumerates the during-phase requirement kinds.
type RequirementType string

const (
	RequirementMandatoryField RequirementType = "mandatory_field"
	RequirementAttachment     RequirementType = "attachment"
	RequirementNote           RequirementType = "note"
	RequirementChecklist      RequirementType = "checklist"
)

// TransitionRequirement gates requirement submission during a transition.
type TransitionRequirement struct {
	Type         RequirementType `json:"type"`
	Name         string          `json:"name,omitempty"` // field name for mandatory_field
	Label        string          `json:"label,omitempty"`
	IsRequired   bool            `json:"is_required"`
	AllowedTypes []string        `json:"allowed_types,omitempty"`   // attachment extensions
	MaxSizeBytes int64           `json:"max_size_bytes,omitempty"`  // attachment size cap
	MinLength    int             `json:"min_length,omitempty"`      // note minimum characters
	Checklist    []ChecklistItem `json:"checklist,omitempty"`
	DisplayOrder int             `json:"display_order,omitempty"`
}

// ChecklistItem is one entry of a checklist requirement.
type ChecklistItem struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
}

// TransitionApproval configures the human-approval gate of a transition.
type TransitionApproval struct {
	ApprovalType    string   `json:"approval_type"` // specific_users|role_based|manager|field_value
	ApproverIDs     []string `json:"approver_ids,omitempty"`
	Role            string   `json:"role,omitempty"`
	FieldName       string   `json:"field_name,omitempty"` // user-lookup field for field_value
	RequireAll      bool     `json:"require_all,omitempty"`
	EscalationHours int      `json:"escalation_hours,omitempty"`
	EscalateTo      string   `json:"escalate_to,omitempty"` // manager | user:<id> | role:<name>
	ReminderHours   int      `json:"reminder_hours,omitempty"`
	MaxReminders    int      `json:"max_reminders,omitempty"`
	AutoRejectDays  int      `json:"auto_reject_days,omitempty"`
}

// ActionKind is the closed set of after-phase action kinds. Dispatch goes
// through a handler registry resolved at startup, not string matching at
// call sites.
type ActionKind string

const (
	ActionSendEmail    ActionKind = "send_email"
	ActionUpdateField  ActionKind = "update_field"
	ActionCreateRecord ActionKind = "create_record"
	ActionCreateTask   ActionKind = "create_task"
	ActionWebhook      ActionKind = "webhook"
	ActionNotifyUser   ActionKind = "notify_user"
	ActionAddTag       ActionKind = "add_tag"
	ActionRemoveTag    ActionKind = "remove_tag"
)

// TransitionAction is one after-phase side effect. Config is templated with
// {{dot.path}} variables resolved against the execution context.
type TransitionAction struct {
	Kind         ActionKind     `json:"kind"`
	Name         string         `json:"name,omitempty"`
	IsActive     bool           `json:"is_active"`
	DisplayOrder int            `json:"display_order"`
	Config       map[string]any `json:"config"`
}

// RecordState is the current state-machine position for one (blueprint,
// record) pair. Mutated only by the transition executor; created lazily.
type RecordState struct {
	ID             string
	BlueprintID    string
	RecordID       string
	CurrentStateID string
	StateEnteredAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExecutionStatus is the lifecycle of one transition execution.
type ExecutionStatus string

const (
	ExecutionPendingRequirements ExecutionStatus = "pending_requirements"
	ExecutionPending             ExecutionStatus = "pending"
	ExecutionPendingApproval     ExecutionStatus = "pending_approval"
	ExecutionApproved            ExecutionStatus = "approved"
	ExecutionRejected            ExecutionStatus = "rejected"
	ExecutionCompleted           ExecutionStatus = "completed"
	ExecutionFailed              ExecutionStatus = "failed"
	ExecutionCancelled           ExecutionStatus = "cancelled"
)

// TransitionExecution is an attempted/ongoing/completed transition instance.
// Append-only audit of the state machine within the state machine.
type TransitionExecution struct {
	ID               string
	BlueprintID      string
	TransitionID     string
	RecordID         string
	ModuleID         string
	FromStateID      *string
	ToStateID        string
	ExecutedBy       string
	Status           ExecutionStatus
	RequirementsData map[string]any // JSONB
	ErrorMessage     *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// CanComplete reports whether the execution has cleared all gates.
func (e *TransitionExecution) CanComplete() bool {
	return e.Status == ExecutionPending || e.Status == ExecutionApproved
}

// IsTerminal reports whether the execution reached a final status.
func (e *TransitionExecution) IsTerminal() bool {
	switch e.Status {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionRejected:
		return true
	}
	return false
}

// ActionLog records the outcome of one executed action.
type ActionLog struct {
	ID          string
	ExecutionID string
	Kind        ActionKind
	Status      string // success | failed | skipped
	Result      map[string]any
	CreatedAt   time.Time
}

// RuleSetFromConditions converts before-phase transition conditions into an
// eval rule set: conditions sharing a logical_group are ANDed inside one
// group, and groups combine with AND.
func RuleSetFromConditions(conditions []TransitionCondition) eval.RuleSet {
	if len(conditions) == 0 {
		return eval.RuleSet{}
	}
	order := []string{}
	grouped := map[string][]eval.Condition{}
	for _, c := range conditions {
		key := c.LogicalGroup
		if _, seen := grouped[key]; !seen {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], eval.Condition{
			Field:    c.Field,
			Operator: c.Operator,
			Value:    c.Value,
		})
	}
	rs := eval.RuleSet{Logic: "and"}
	for _, key := range order {
		rs.Groups = append(rs.Groups, eval.Group{Logic: "and", Conditions: grouped[key]})
	}
	return rs
}
