package repository

import "time"

// ── Domain types for SLA tracking ────────────────────────────────────────────

// StateSLA is the per-state time budget configuration. At most one per state.
type StateSLA struct {
	ID                string
	StateID           string
	BlueprintID       string
	IsActive          bool
	DurationHours     int
	BusinessHoursOnly bool // clamp to the 9-17 window
	ExcludeWeekends   bool
	Escalations       []SLAEscalation // JSONB
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SLAEscalation fires at most once per instance when its trigger condition
// holds.
type SLAEscalation struct {
	ID               string             `json:"id"`
	Trigger          string             `json:"trigger"`                     // approaching | breached
	ThresholdPercent int                `json:"threshold_percent,omitempty"` // approaching only; default 80
	Actions          []TransitionAction `json:"actions,omitempty"`
}

// SLAInstanceStatus is the lifecycle of one SLA instance.
type SLAInstanceStatus string

const (
	SLAActive    SLAInstanceStatus = "active"
	SLABreached  SLAInstanceStatus = "breached"
	SLACompleted SLAInstanceStatus = "completed"
)

// SLAInstance tracks one record's time budget in one state. Exactly one
// active instance per record per blueprint; starting a new one completes any
// prior.
type SLAInstance struct {
	ID                   string
	SLAID                string
	BlueprintID          string
	RecordID             string
	ModuleID             string
	StateID              string
	StateEnteredAt       time.Time
	DueAt                time.Time
	Status               SLAInstanceStatus
	BreachedAt           *time.Time
	CompletedAt          *time.Time
	TriggeredEscalations []string // escalation ids already fired (JSONB)
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HasTriggered reports whether the escalation already fired for this instance.
func (i *SLAInstance) HasTriggered(escalationID string) bool {
	for _, id := range i.TriggeredEscalations {
		if id == escalationID {
			return true
		}
	}
	return false
}
