package service

import (
	"context"
	"time"

	"github.com/vrtx-crm/be-automation/internal/client"
	"github.com/vrtx-crm/be-automation/internal/errors"
	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
)

// Business window used when business_hours_only is set.
const (
	businessDayStartHour = 9
	businessDayEndHour   = 17
)

// slaStore is the SLA persistence the service needs.
type slaStore interface {
	GetSLAForState(ctx context.Context, stateID string) (*repository.StateSLA, error)
	GetSLA(ctx context.Context, id string) (*repository.StateSLA, error)
	StartInstance(ctx context.Context, instance *repository.SLAInstance) error
	GetActiveInstance(ctx context.Context, blueprintID, recordID string) (*repository.SLAInstance, error)
	ListRunning(ctx context.Context) ([]*repository.SLAInstance, error)
	MarkBreached(ctx context.Context, id string, at time.Time) error
	CompleteInstance(ctx context.Context, blueprintID, recordID string, at time.Time) error
	AddTriggeredEscalation(ctx context.Context, id, escalationID string) error
}

// SLAService tracks per-state time budgets: starting an instance when a record
// enters a state, completing it on exit, and sweeping running instances for
// breaches and escalation triggers.
type SLAService struct {
	slaRepo       slaStore
	records       RecordStore
	actions       stepRunner
	notifications NotificationPublisher
	clock         eval.Clock
	log           *logger.Logger
}

// NewSLAService creates a new SLA service.
func NewSLAService(
	slaRepo slaStore,
	records RecordStore,
	actions stepRunner,
	notifications NotificationPublisher,
	clock eval.Clock,
	log *logger.Logger,
) *SLAService {
	return &SLAService{
		slaRepo:       slaRepo,
		records:       records,
		actions:       actions,
		notifications: notifications,
		clock:         clock,
		log:           log,
	}
}

// StartSLA opens an instance for a record entering a state. No-op when the
// state carries no active SLA config. Starting completes any other running
// instance for the record within the blueprint.
func (s *SLAService) StartSLA(ctx context.Context, blueprintID, moduleID, recordID, stateID string, enteredAt time.Time) error {
	sla, err := s.slaRepo.GetSLAForState(ctx, stateID)
	if err != nil {
		return err
	}
	if sla == nil {
		return nil
	}

	instance := &repository.SLAInstance{
		SLAID:          sla.ID,
		BlueprintID:    blueprintID,
		RecordID:       recordID,
		ModuleID:       moduleID,
		StateID:        stateID,
		StateEnteredAt: enteredAt,
		DueAt:          CalculateDueAt(enteredAt, sla.DurationHours, sla.BusinessHoursOnly, sla.ExcludeWeekends),
		Status:         repository.SLAActive,
	}
	if err := s.slaRepo.StartInstance(ctx, instance); err != nil {
		return err
	}

	s.log.Info().
		Str("record_id", recordID).
		Str("state_id", stateID).
		Time("due_at", instance.DueAt).
		Msg("SLA instance started")
	return nil
}

// CompleteSLA finishes the running instance for a record, if any.
func (s *SLAService) CompleteSLA(ctx context.Context, blueprintID, recordID string) error {
	return s.slaRepo.CompleteInstance(ctx, blueprintID, recordID, s.clock.Now())
}

// CheckSLAs sweeps every running instance: flips overdue ones to breached and
// fires due escalations. Each escalation fires at most once per instance even
// across concurrent sweeps. Per-instance errors are logged and skipped.
func (s *SLAService) CheckSLAs(ctx context.Context) {
	instances, err := s.slaRepo.ListRunning(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("SLA sweep: failed to list running instances")
		return
	}

	now := s.clock.Now()
	for _, instance := range instances {
		if err := s.checkOne(ctx, instance, now); err != nil {
			s.log.Warn().Err(err).
				Str("instance_id", instance.ID).
				Msg("SLA sweep: instance skipped")
		}
	}
}

func (s *SLAService) checkOne(ctx context.Context, instance *repository.SLAInstance, now time.Time) error {
	sla, err := s.slaRepo.GetSLA(ctx, instance.SLAID)
	if err != nil {
		return err
	}

	breachedNow := false
	if instance.Status == repository.SLAActive && now.After(instance.DueAt) {
		err := s.slaRepo.MarkBreached(ctx, instance.ID, now)
		switch {
		case err == nil:
			breachedNow = true
		case errors.Is(err, errors.ErrCodeConflict):
			// Another sweep got there first.
		default:
			return err
		}
	}
	if breachedNow {
		instance.Status = repository.SLABreached
		s.notifyBreach(ctx, instance)
		s.log.Info().
			Str("instance_id", instance.ID).
			Str("record_id", instance.RecordID).
			Msg("SLA breached")
	}

	elapsed := elapsedPercent(instance.StateEnteredAt, instance.DueAt, now)
	for _, escalation := range sla.Escalations {
		if instance.HasTriggered(escalation.ID) {
			continue
		}
		if !escalationDue(escalation, instance, elapsed) {
			continue
		}
		err := s.slaRepo.AddTriggeredEscalation(ctx, instance.ID, escalation.ID)
		if err != nil {
			if errors.Is(err, errors.ErrCodeConflict) {
				continue
			}
			return err
		}
		s.runEscalationActions(ctx, instance, escalation)
	}
	return nil
}

func escalationDue(escalation repository.SLAEscalation, instance *repository.SLAInstance, elapsed float64) bool {
	switch escalation.Trigger {
	case "approaching":
		threshold := float64(escalation.ThresholdPercent)
		if threshold <= 0 {
			threshold = 80
		}
		return elapsed >= threshold
	case "breached":
		return elapsed >= 100 || instance.Status == repository.SLABreached
	}
	return false
}

func (s *SLAService) runEscalationActions(ctx context.Context, instance *repository.SLAInstance, escalation repository.SLAEscalation) {
	record, err := s.records.GetRecord(ctx, instance.ModuleID, instance.RecordID)
	if err != nil {
		s.log.Warn().Err(err).
			Str("record_id", instance.RecordID).
			Msg("SLA escalation: record load failed")
		record = map[string]any{"id": instance.RecordID, "module_id": instance.ModuleID}
	}

	target := ActionTarget{
		ModuleID:    instance.ModuleID,
		RecordID:    instance.RecordID,
		ExecutedBy:  "system",
		EvalContext: eval.BuildContext(record, nil, "system", s.clock.Now()),
	}
	for _, action := range escalation.Actions {
		if !action.IsActive {
			continue
		}
		if _, err := s.actions.Execute(ctx, target, action.Kind, action.Config); err != nil {
			s.log.Warn().Err(err).
				Str("instance_id", instance.ID).
				Str("kind", string(action.Kind)).
				Msg("SLA escalation action failed")
		}
	}

	s.log.Info().
		Str("instance_id", instance.ID).
		Str("escalation_id", escalation.ID).
		Str("trigger", escalation.Trigger).
		Msg("SLA escalation fired")
}

func (s *SLAService) notifyBreach(ctx context.Context, instance *repository.SLAInstance) {
	record, err := s.records.GetRecord(ctx, instance.ModuleID, instance.RecordID)
	if err != nil {
		return
	}
	owner := toStr(record["owner_id"])
	if owner == "" {
		return
	}
	s.notifications.Publish(ctx, &client.NotificationEvent{
		EventType:    "sla_breached",
		ModuleID:     instance.ModuleID,
		RecordID:     instance.RecordID,
		Recipients:   []string{owner},
		ResourceType: "sla_instance",
		ResourceID:   instance.ID,
		Severity:     "warning",
	})
}

func elapsedPercent(enteredAt, dueAt, now time.Time) float64 {
	total := dueAt.Sub(enteredAt)
	if total <= 0 {
		return 100
	}
	pct := float64(now.Sub(enteredAt)) / float64(total) * 100
	if pct < 0 {
		return 0
	}
	return pct
}

// CalculateDueAt computes the due timestamp for a duration starting at
// enteredAt. Without either flag it is a flat hour addition. With
// business_hours_only the budget is consumed inside the 9-17 window only,
// rolling leftovers to the next day's window start; with exclude_weekends
// Saturdays and Sundays contribute nothing.
func CalculateDueAt(enteredAt time.Time, durationHours int, businessHoursOnly, excludeWeekends bool) time.Time {
	remaining := time.Duration(durationHours) * time.Hour
	if !businessHoursOnly && !excludeWeekends {
		return enteredAt.Add(remaining)
	}

	cur := enteredAt
	for {
		if excludeWeekends && isWeekend(cur) {
			cur = nextDayStart(cur, businessHoursOnly)
			continue
		}

		windowEnd := cur
		if businessHoursOnly {
			dayStart := time.Date(cur.Year(), cur.Month(), cur.Day(), businessDayStartHour, 0, 0, 0, cur.Location())
			dayEnd := time.Date(cur.Year(), cur.Month(), cur.Day(), businessDayEndHour, 0, 0, 0, cur.Location())
			if cur.Before(dayStart) {
				cur = dayStart
			}
			if !cur.Before(dayEnd) {
				cur = nextDayStart(cur, true)
				continue
			}
			windowEnd = dayEnd
		} else {
			windowEnd = time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, cur.Location()).AddDate(0, 0, 1)
		}

		available := windowEnd.Sub(cur)
		if remaining <= available {
			return cur.Add(remaining)
		}
		remaining -= available
		cur = nextDayStart(cur, businessHoursOnly)
	}
}

func nextDayStart(t time.Time, businessHoursOnly bool) time.Time {
	next := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location()).AddDate(0, 0, 1)
	if businessHoursOnly {
		return next.Add(businessDayStartHour * time.Hour)
	}
	return next
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}
