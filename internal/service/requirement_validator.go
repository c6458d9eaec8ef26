package service

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vrtx-crm/be-automation/internal/repository"
)

// RequirementValidator checks submitted requirement data against a
// transition's during-phase requirements. Every requirement is checked and
// the failures are returned together, so the user fixes everything in one
// pass; within one attachment or checklist requirement the first violating
// item decides it.
type RequirementValidator struct{}

// NewRequirementValidator creates a new requirement validator.
func NewRequirementValidator() *RequirementValidator {
	return &RequirementValidator{}
}

// RequirementError is one validation failure, keyed by requirement name.
type RequirementError struct {
	Requirement string                     `json:"requirement"`
	Type        repository.RequirementType `json:"type"`
	Message     string                     `json:"message"`
}

// Attachment is the submitted shape for attachment requirements.
type Attachment struct {
	FileName  string `json:"file_name"`
	SizeBytes int64  `json:"size_bytes"`
	URL       string `json:"url,omitempty"`
}

// Validate checks data against requirements. The record is consulted for
// mandatory_field requirements so a field already filled on the record does
// not have to be resubmitted. Returns nil when everything passes.
func (v *RequirementValidator) Validate(
	requirements []repository.TransitionRequirement,
	data map[string]any,
	record map[string]any,
) []RequirementError {
	var failures []RequirementError
	for _, req := range requirements {
		if errs := v.validateOne(req, data, record); len(errs) > 0 {
			failures = append(failures, errs...)
		}
	}
	return failures
}

func (v *RequirementValidator) validateOne(
	req repository.TransitionRequirement,
	data map[string]any,
	record map[string]any,
) []RequirementError {
	switch req.Type {
	case repository.RequirementMandatoryField:
		return v.validateMandatoryField(req, data, record)
	case repository.RequirementAttachment:
		return v.validateAttachment(req, data)
	case repository.RequirementNote:
		return v.validateNote(req, data)
	case repository.RequirementChecklist:
		return v.validateChecklist(req, data)
	}
	return []RequirementError{{
		Requirement: req.Name,
		Type:        req.Type,
		Message:     fmt.Sprintf("unknown requirement type %q", req.Type),
	}}
}

func (v *RequirementValidator) validateMandatoryField(
	req repository.TransitionRequirement,
	data map[string]any,
	record map[string]any,
) []RequirementError {
	value, ok := data[req.Name]
	if !ok && record != nil {
		value, ok = record[req.Name]
	}
	if !ok || isBlank(value) {
		if !req.IsRequired {
			return nil
		}
		return []RequirementError{{
			Requirement: req.Name,
			Type:        req.Type,
			Message:     fmt.Sprintf("field %q must be filled", req.Name),
		}}
	}
	return nil
}

func (v *RequirementValidator) validateAttachment(
	req repository.TransitionRequirement,
	data map[string]any,
) []RequirementError {
	raw, ok := data[req.Name]
	if !ok || isBlank(raw) {
		if !req.IsRequired {
			return nil
		}
		return []RequirementError{{
			Requirement: req.Name,
			Type:        req.Type,
			Message:     "at least one attachment is required",
		}}
	}

	attachments := parseAttachments(raw)
	if len(attachments) == 0 {
		return []RequirementError{{
			Requirement: req.Name,
			Type:        req.Type,
			Message:     "attachment data is malformed",
		}}
	}

	// The first violating file decides the requirement.
	for _, att := range attachments {
		if len(req.AllowedTypes) > 0 && !extensionAllowed(att.FileName, req.AllowedTypes) {
			return []RequirementError{{
				Requirement: req.Name,
				Type:        req.Type,
				Message: fmt.Sprintf("file %q has a disallowed type (allowed: %s)",
					att.FileName, strings.Join(req.AllowedTypes, ", ")),
			}}
		}
		if req.MaxSizeBytes > 0 && att.SizeBytes > req.MaxSizeBytes {
			return []RequirementError{{
				Requirement: req.Name,
				Type:        req.Type,
				Message: fmt.Sprintf("file %q exceeds the maximum size of %d bytes",
					att.FileName, req.MaxSizeBytes),
			}}
		}
	}
	return nil
}

func (v *RequirementValidator) validateNote(
	req repository.TransitionRequirement,
	data map[string]any,
) []RequirementError {
	raw, ok := data[req.Name]
	note, _ := raw.(string)
	note = strings.TrimSpace(note)

	if !ok || note == "" {
		if !req.IsRequired {
			return nil
		}
		return []RequirementError{{
			Requirement: req.Name,
			Type:        req.Type,
			Message:     "a note is required",
		}}
	}
	if req.MinLength > 0 && len(note) < req.MinLength {
		return []RequirementError{{
			Requirement: req.Name,
			Type:        req.Type,
			Message:     fmt.Sprintf("note must be at least %d characters", req.MinLength),
		}}
	}
	return nil
}

func (v *RequirementValidator) validateChecklist(
	req repository.TransitionRequirement,
	data map[string]any,
) []RequirementError {
	checked := map[string]bool{}
	if raw, ok := data[req.Name]; ok {
		if m, ok := raw.(map[string]any); ok {
			for id, val := range m {
				if b, ok := val.(bool); ok {
					checked[id] = b
				}
			}
		}
	}

	// Items are keyed by their id or their position; the first unchecked
	// required item decides the requirement.
	for i, item := range req.Checklist {
		if !item.Required {
			continue
		}
		if checked[item.ID] || checked[strconv.Itoa(i)] {
			continue
		}
		return []RequirementError{{
			Requirement: req.Name,
			Type:        req.Type,
			Message:     fmt.Sprintf("checklist item %q must be completed", item.Label),
		}}
	}
	return nil
}

func parseAttachments(raw any) []Attachment {
	var out []Attachment
	items, ok := raw.([]any)
	if !ok {
		if single, ok := raw.(map[string]any); ok {
			items = []any{single}
		} else {
			return nil
		}
	}
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		att := Attachment{}
		if name, ok := m["file_name"].(string); ok {
			att.FileName = name
		}
		switch size := m["size_bytes"].(type) {
		case float64:
			att.SizeBytes = int64(size)
		case int64:
			att.SizeBytes = size
		case int:
			att.SizeBytes = int64(size)
		}
		if url, ok := m["url"].(string); ok {
			att.URL = url
		}
		if att.FileName != "" {
			out = append(out, att)
		}
	}
	return out
}

func extensionAllowed(fileName string, allowed []string) bool {
	idx := strings.LastIndex(fileName, ".")
	if idx < 0 {
		return false
	}
	ext := strings.ToLower(fileName[idx+1:])
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == ext {
			return true
		}
	}
	return false
}

func isBlank(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}
