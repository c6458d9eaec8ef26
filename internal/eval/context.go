package eval

import "time"

// Clock supplies the current time. Threading an explicit clock through the
// engine keeps evaluation deterministic and testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used in production wiring.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock returns a constant time. Used in tests.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

// BuildContext assembles the canonical evaluation context consumed by the
// rule evaluator and action templating. Stored condition and action configs
// reference these exact key names via dot paths, so the shape is part of the
// persisted contract:
//
//	record         record id, module_id and all field values at top level
//	old_data       previous field map, or nil
//	changed_fields field names whose value differs from old_data
//	changes        field -> {old, new}
//	user_id        acting user id
//	current_user   acting user map (id at minimum)
//	now            {date, time, datetime, timestamp}
func BuildContext(record map[string]any, oldData map[string]any, userID string, now time.Time) map[string]any {
	ctx := map[string]any{
		"record":   record,
		"old_data": nil,
		"user_id":  userID,
		"current_user": map[string]any{
			"id": userID,
		},
		"now": map[string]any{
			"date":      now.Format("2006-01-02"),
			"time":      now.Format("15:04:05"),
			"datetime":  now.Format("2006-01-02 15:04:05"),
			"timestamp": now.Unix(),
		},
	}

	changedFields := []any{}
	changes := map[string]any{}
	if oldData != nil {
		ctx["old_data"] = oldData
		for field, oldValue := range oldData {
			newValue := record[field]
			if !looseEquals(oldValue, newValue) {
				changedFields = append(changedFields, field)
				changes[field] = map[string]any{"old": oldValue, "new": newValue}
			}
		}
	}
	ctx["changed_fields"] = changedFields
	ctx["changes"] = changes

	return ctx
}

// WithUser enriches the current_user entry with roles and teams so the
// is_in_role / is_in_team operators can resolve.
func WithUser(ctx map[string]any, userID string, roles, teams []string) map[string]any {
	user := map[string]any{"id": userID}
	if len(roles) > 0 {
		user["roles"] = toList(roles)
	}
	if len(teams) > 0 {
		user["teams"] = toList(teams)
	}
	ctx["current_user"] = user
	ctx["user_id"] = userID
	return ctx
}
