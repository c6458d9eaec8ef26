package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// NotificationPublisher publishes automation events to NATS JetStream for
// consumption by the platform notification service.
//
// Subject convention: notifications.crm.<event_type>
// Event types: approval_required, approval_reminder, approval_escalated,
//              approval_approved, approval_rejected, approval_auto_rejected,
//              transition_completed, sla_approaching, sla_breached,
//              user_notified
//
// All publish operations are non-fatal. Errors are logged but never propagated
// to the caller, so notification failures never interrupt automation.
type NotificationPublisher struct {
	nats *NATSClient
	log  zerolog.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ModuleID     string         `json:"module_id"`
	RecordID     string         `json:"record_id"`
	ActorID      string         `json:"actor_id,omitempty"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
func NewNotificationPublisher(nats *NATSClient, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// Publish publishes an automation event to NATS.
// Subject: notifications.crm.<eventType>
func (p *NotificationPublisher) Publish(ctx context.Context, event *NotificationEvent) {
	if p.nats == nil {
		return
	}
	if len(event.Recipients) == 0 {
		return
	}
	if event.Severity == "" {
		event.Severity = "info"
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.crm.%s", event.EventType)
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("record_id", event.RecordID).
			Msg("notification: failed to publish event")
	}
}
