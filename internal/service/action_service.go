package service

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/vrtx-crm/be-automation/internal/client"
	"github.com/vrtx-crm/be-automation/internal/errors"
	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
)

// RecordStore is the record access surface the automation services need.
type RecordStore interface {
	GetRecord(ctx context.Context, moduleID, recordID string) (map[string]any, error)
	UpdateField(ctx context.Context, moduleID, recordID, field string, value any) (bool, error)
	InsertRecord(ctx context.Context, moduleID string, values map[string]any) (string, error)
	AddTag(ctx context.Context, moduleID, recordID, tag string) error
	RemoveTag(ctx context.Context, moduleID, recordID, tag string) error
	RelatedCount(ctx context.Context, relatedModuleID, fkColumn, recordID string) (int, error)
}

// NotificationPublisher publishes automation events for the notification
// service. Implementations must be non-fatal.
type NotificationPublisher interface {
	Publish(ctx context.Context, event *client.NotificationEvent)
}

// WebhookPoster posts webhook payloads to external URLs.
type WebhookPoster interface {
	Post(ctx context.Context, url, method string, headers map[string]string, payload map[string]any) (*client.WebhookResult, error)
}

// actionLogAppender records per-action outcomes.
type actionLogAppender interface {
	AppendActionLog(ctx context.Context, log *repository.ActionLog) error
}

// ActionHandler executes one action kind. The returned map becomes the action
// log result.
type ActionHandler func(ctx context.Context, target ActionTarget, config map[string]any) (map[string]any, error)

// ActionTarget identifies the record an action operates on, plus the
// evaluation context its config was templated against.
type ActionTarget struct {
	ModuleID    string
	RecordID    string
	ExecutedBy  string
	EvalContext map[string]any
}

// ActionService executes after-phase actions. Dispatch goes through a handler
// registry keyed by the closed ActionKind set; unknown kinds fail that action
// only. Action failures never abort sibling actions and never roll back the
// transition that triggered them.
type ActionService struct {
	records       RecordStore
	executionRepo actionLogAppender
	notifications NotificationPublisher
	webhooks      WebhookPoster
	handlers      map[repository.ActionKind]ActionHandler
	clock         eval.Clock
	log           *logger.Logger
}

// NewActionService creates an action service with all built-in handlers
// registered.
func NewActionService(
	records RecordStore,
	executionRepo actionLogAppender,
	notifications NotificationPublisher,
	webhooks WebhookPoster,
	clock eval.Clock,
	log *logger.Logger,
) *ActionService {
	s := &ActionService{
		records:       records,
		executionRepo: executionRepo,
		notifications: notifications,
		webhooks:      webhooks,
		handlers:      map[repository.ActionKind]ActionHandler{},
		clock:         clock,
		log:           log,
	}
	s.Register(repository.ActionSendEmail, s.handleSendEmail)
	s.Register(repository.ActionUpdateField, s.handleUpdateField)
	s.Register(repository.ActionCreateRecord, s.handleCreateRecord)
	s.Register(repository.ActionCreateTask, s.handleCreateTask)
	s.Register(repository.ActionWebhook, s.handleWebhook)
	s.Register(repository.ActionNotifyUser, s.handleNotifyUser)
	s.Register(repository.ActionAddTag, s.handleAddTag)
	s.Register(repository.ActionRemoveTag, s.handleRemoveTag)
	return s
}

// Register installs a handler for an action kind. Called at startup only.
func (s *ActionService) Register(kind repository.ActionKind, handler ActionHandler) {
	s.handlers[kind] = handler
}

// ExecuteAll runs a transition's actions in display order. Each action gets
// its own log row; a failed action is recorded and skipped over.
func (s *ActionService) ExecuteAll(ctx context.Context, executionID string, target ActionTarget, actions []repository.TransitionAction) {
	ordered := make([]repository.TransitionAction, len(actions))
	copy(ordered, actions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].DisplayOrder < ordered[j].DisplayOrder
	})

	for _, action := range ordered {
		if !action.IsActive {
			continue
		}
		result, err := s.Execute(ctx, target, action.Kind, action.Config)

		status := "success"
		if err != nil {
			status = "failed"
			if result == nil {
				result = map[string]any{}
			}
			result["error"] = err.Error()
			s.log.Warn().Err(err).
				Str("kind", string(action.Kind)).
				Str("record_id", target.RecordID).
				Msg("action failed")
		}

		logEntry := &repository.ActionLog{
			ExecutionID: executionID,
			Kind:        action.Kind,
			Status:      status,
			Result:      result,
		}
		if logErr := s.executionRepo.AppendActionLog(ctx, logEntry); logErr != nil {
			s.log.Error().Err(logErr).
				Str("execution_id", executionID).
				Msg("failed to append action log")
		}
	}
}

// Execute templates the config against the target's evaluation context and
// dispatches to the registered handler. Workflow steps call this directly.
func (s *ActionService) Execute(ctx context.Context, target ActionTarget, kind repository.ActionKind, config map[string]any) (map[string]any, error) {
	handler, ok := s.handlers[kind]
	if !ok {
		return nil, errors.InvalidInput("kind", fmt.Sprintf("no handler registered for action kind %q", kind))
	}
	rendered := RenderTemplates(config, target.EvalContext)
	return handler(ctx, target, rendered)
}

// ── handlers ─────────────────────────────────────────────────────────────────

func (s *ActionService) handleSendEmail(ctx context.Context, target ActionTarget, config map[string]any) (map[string]any, error) {
	recipients := toStringList(config["to"])
	if len(recipients) == 0 {
		return nil, errors.InvalidInput("to", "send_email requires at least one recipient")
	}
	s.notifications.Publish(ctx, &client.NotificationEvent{
		EventType:  "send_email",
		ModuleID:   target.ModuleID,
		RecordID:   target.RecordID,
		ActorID:    target.ExecutedBy,
		Recipients: recipients,
		Payload: map[string]any{
			"subject":  toStr(config["subject"]),
			"body":     toStr(config["body"]),
			"template": toStr(config["template"]),
		},
	})
	return map[string]any{"recipients": len(recipients)}, nil
}

func (s *ActionService) handleUpdateField(ctx context.Context, target ActionTarget, config map[string]any) (map[string]any, error) {
	field := toStr(config["field"])
	if field == "" {
		return nil, errors.InvalidInput("field", "update_field requires a field name")
	}
	applied, err := s.records.UpdateField(ctx, target.ModuleID, target.RecordID, field, config["value"])
	if err != nil {
		return nil, err
	}
	if !applied {
		// Missing table or column downgrades to a logged no-op.
		s.log.Warn().
			Str("module_id", target.ModuleID).
			Str("field", field).
			Msg("update_field skipped: unknown module or field")
		return map[string]any{"field": field, "applied": false}, nil
	}
	return map[string]any{"field": field, "applied": true}, nil
}

func (s *ActionService) handleCreateRecord(ctx context.Context, target ActionTarget, config map[string]any) (map[string]any, error) {
	moduleID := toStr(config["module"])
	if moduleID == "" {
		return nil, errors.InvalidInput("module", "create_record requires a target module")
	}
	values, _ := config["values"].(map[string]any)
	id, err := s.records.InsertRecord(ctx, moduleID, values)
	if err != nil {
		return nil, err
	}
	return map[string]any{"module": moduleID, "record_id": id}, nil
}

func (s *ActionService) handleCreateTask(ctx context.Context, target ActionTarget, config map[string]any) (map[string]any, error) {
	subject := toStr(config["subject"])
	if subject == "" {
		return nil, errors.InvalidInput("subject", "create_task requires a subject")
	}
	values := map[string]any{
		"subject":           subject,
		"description":       toStr(config["description"]),
		"assignee_id":       toStr(config["assignee"]),
		"related_module_id": target.ModuleID,
		"related_record_id": target.RecordID,
		"status":            "open",
	}
	if days, ok := toFloat(config["due_in_days"]); ok {
		values["due_at"] = s.clock.Now().AddDate(0, 0, int(days))
	}
	id, err := s.records.InsertRecord(ctx, "tasks", values)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": id}, nil
}

func (s *ActionService) handleWebhook(ctx context.Context, target ActionTarget, config map[string]any) (map[string]any, error) {
	url := toStr(config["url"])
	if url == "" {
		return nil, errors.InvalidInput("url", "webhook requires a url")
	}
	headers := map[string]string{}
	if raw, ok := config["headers"].(map[string]any); ok {
		for k, v := range raw {
			headers[k] = toStr(v)
		}
	}
	payload, _ := config["payload"].(map[string]any)
	if payload == nil {
		payload = map[string]any{
			"module_id": target.ModuleID,
			"record_id": target.RecordID,
			"record":    target.EvalContext["record"],
		}
	}
	result, err := s.webhooks.Post(ctx, url, toStr(config["method"]), headers, payload)
	out := map[string]any{}
	if result != nil {
		out["status_code"] = result.StatusCode
	}
	return out, err
}

func (s *ActionService) handleNotifyUser(ctx context.Context, target ActionTarget, config map[string]any) (map[string]any, error) {
	recipients := toStringList(config["users"])
	if single := toStr(config["user_id"]); single != "" {
		recipients = append(recipients, single)
	}
	if len(recipients) == 0 && target.ExecutedBy != "" {
		// Without configured recipients the executing user is notified.
		recipients = []string{target.ExecutedBy}
	}
	if len(recipients) == 0 {
		return nil, errors.InvalidInput("users", "notify_user requires at least one user")
	}
	s.notifications.Publish(ctx, &client.NotificationEvent{
		EventType:  "user_notified",
		ModuleID:   target.ModuleID,
		RecordID:   target.RecordID,
		ActorID:    target.ExecutedBy,
		Recipients: recipients,
		Payload:    map[string]any{"message": toStr(config["message"])},
	})
	return map[string]any{"recipients": len(recipients)}, nil
}

func (s *ActionService) handleAddTag(ctx context.Context, target ActionTarget, config map[string]any) (map[string]any, error) {
	tag := toStr(config["tag"])
	if tag == "" {
		return nil, errors.InvalidInput("tag", "add_tag requires a tag")
	}
	if err := s.records.AddTag(ctx, target.ModuleID, target.RecordID, tag); err != nil {
		return nil, err
	}
	return map[string]any{"tag": tag}, nil
}

func (s *ActionService) handleRemoveTag(ctx context.Context, target ActionTarget, config map[string]any) (map[string]any, error) {
	tag := toStr(config["tag"])
	if tag == "" {
		return nil, errors.InvalidInput("tag", "remove_tag requires a tag")
	}
	if err := s.records.RemoveTag(ctx, target.ModuleID, target.RecordID, tag); err != nil {
		return nil, err
	}
	return map[string]any{"tag": tag}, nil
}

// ── config templating ────────────────────────────────────────────────────────

var templateVarRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// RenderTemplates resolves {{dot.path}} variables in every string of a config
// map against the evaluation context. A string that is exactly one variable
// keeps the resolved value's type; mixed strings are interpolated as text.
// Unresolved variables are left in place.
func RenderTemplates(config map[string]any, ctx map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	out := make(map[string]any, len(config))
	for key, value := range config {
		out[key] = renderValue(value, ctx)
	}
	return out
}

func renderValue(value any, ctx map[string]any) any {
	switch v := value.(type) {
	case string:
		return renderString(v, ctx)
	case map[string]any:
		return RenderTemplates(v, ctx)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = renderValue(item, ctx)
		}
		return out
	}
	return value
}

func renderString(s string, ctx map[string]any) any {
	match := templateVarRe.FindStringSubmatch(s)
	if match != nil && match[0] == strings.TrimSpace(s) {
		if resolved, ok := eval.LookupPath(ctx, match[1]); ok {
			return resolved
		}
		return s
	}
	return templateVarRe.ReplaceAllStringFunc(s, func(m string) string {
		path := templateVarRe.FindStringSubmatch(m)[1]
		if resolved, ok := eval.LookupPath(ctx, path); ok {
			return toStr(resolved)
		}
		return m
	})
}

// ── small conversions shared by the service layer ────────────────────────────

func toStr(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	return fmt.Sprintf("%v", v)
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	}
	return 0, false
}

func toStringList(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s := toStr(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}
