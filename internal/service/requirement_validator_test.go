package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrtx-crm/be-automation/internal/repository"
)

func TestValidateMandatoryField(t *testing.T) {
	v := NewRequirementValidator()
	reqs := []repository.TransitionRequirement{
		{Type: repository.RequirementMandatoryField, Name: "amount", IsRequired: true},
	}

	failures := v.Validate(reqs, map[string]any{}, map[string]any{})
	require.Len(t, failures, 1)
	assert.Equal(t, "amount", failures[0].Requirement)

	// Submitted value satisfies it.
	failures = v.Validate(reqs, map[string]any{"amount": 100}, map[string]any{})
	assert.Empty(t, failures)

	// A value already on the record also satisfies it.
	failures = v.Validate(reqs, map[string]any{}, map[string]any{"amount": 100})
	assert.Empty(t, failures)

	// Blank strings do not count as filled.
	failures = v.Validate(reqs, map[string]any{"amount": "   "}, map[string]any{})
	assert.Len(t, failures, 1)
}

func TestValidateAttachment(t *testing.T) {
	v := NewRequirementValidator()
	reqs := []repository.TransitionRequirement{
		{
			Type:         repository.RequirementAttachment,
			Name:         "contract",
			IsRequired:   true,
			AllowedTypes: []string{"pdf"},
			MaxSizeBytes: 1024 * 1024,
		},
	}

	failures := v.Validate(reqs, map[string]any{}, nil)
	require.Len(t, failures, 1)

	docx := map[string]any{"contract": []any{
		map[string]any{"file_name": "contract.docx", "size_bytes": float64(1000)},
	}}
	failures = v.Validate(reqs, docx, nil)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Message, "disallowed type")

	tooBig := map[string]any{"contract": []any{
		map[string]any{"file_name": "contract.pdf", "size_bytes": float64(2 * 1024 * 1024)},
	}}
	failures = v.Validate(reqs, tooBig, nil)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Message, "maximum size")

	ok := map[string]any{"contract": []any{
		map[string]any{"file_name": "Contract.PDF", "size_bytes": float64(1000)},
	}}
	assert.Empty(t, v.Validate(reqs, ok, nil))
}

func TestValidateNote(t *testing.T) {
	v := NewRequirementValidator()
	reqs := []repository.TransitionRequirement{
		{Type: repository.RequirementNote, Name: "review_note", IsRequired: true, MinLength: 10},
	}

	failures := v.Validate(reqs, map[string]any{}, nil)
	require.Len(t, failures, 1)

	failures = v.Validate(reqs, map[string]any{"review_note": "too short"}, nil)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Message, "at least 10")

	assert.Empty(t, v.Validate(reqs, map[string]any{"review_note": "this note is long enough"}, nil))
}

func TestValidateChecklist(t *testing.T) {
	v := NewRequirementValidator()
	reqs := []repository.TransitionRequirement{
		{
			Type:       repository.RequirementChecklist,
			Name:       "qa",
			IsRequired: true,
			Checklist: []repository.ChecklistItem{
				{ID: "c1", Label: "Reviewed copy", Required: true},
				{ID: "c2", Label: "Checked links", Required: true},
				{ID: "c3", Label: "Optional extra", Required: false},
			},
		},
	}

	failures := v.Validate(reqs, map[string]any{"qa": map[string]any{"c1": true}}, nil)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Message, "Checked links")

	done := map[string]any{"qa": map[string]any{"c1": true, "c2": true}}
	assert.Empty(t, v.Validate(reqs, done, nil))
}

func TestValidateChecklistAcceptsPositionalKeys(t *testing.T) {
	v := NewRequirementValidator()
	reqs := []repository.TransitionRequirement{
		{
			Type:       repository.RequirementChecklist,
			Name:       "qa",
			IsRequired: true,
			Checklist: []repository.ChecklistItem{
				{ID: "c1", Label: "Reviewed copy", Required: true},
				{ID: "c2", Label: "Checked links", Required: true},
			},
		},
	}

	// Items ticked by position instead of id.
	done := map[string]any{"qa": map[string]any{"0": true, "1": true}}
	assert.Empty(t, v.Validate(reqs, done, nil))

	// Mixed keys work too.
	mixed := map[string]any{"qa": map[string]any{"c1": true, "1": true}}
	assert.Empty(t, v.Validate(reqs, mixed, nil))
}

func TestValidateFirstViolatingItemDecides(t *testing.T) {
	v := NewRequirementValidator()
	attachmentReq := []repository.TransitionRequirement{
		{
			Type:         repository.RequirementAttachment,
			Name:         "contract",
			IsRequired:   true,
			AllowedTypes: []string{"pdf"},
		},
	}

	// Two bad files report one failure, for the first of them.
	failures := v.Validate(attachmentReq, map[string]any{"contract": []any{
		map[string]any{"file_name": "a.docx", "size_bytes": float64(10)},
		map[string]any{"file_name": "b.docx", "size_bytes": float64(10)},
	}}, nil)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Message, "a.docx")

	checklistReq := []repository.TransitionRequirement{
		{
			Type:       repository.RequirementChecklist,
			Name:       "qa",
			IsRequired: true,
			Checklist: []repository.ChecklistItem{
				{ID: "c1", Label: "Reviewed copy", Required: true},
				{ID: "c2", Label: "Checked links", Required: true},
			},
		},
	}
	failures = v.Validate(checklistReq, map[string]any{"qa": map[string]any{}}, nil)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Message, "Reviewed copy")
}

func TestValidateOptionalRequirementsSkippedWhenAbsent(t *testing.T) {
	v := NewRequirementValidator()
	reqs := []repository.TransitionRequirement{
		{Type: repository.RequirementNote, Name: "note", IsRequired: false, MinLength: 5},
		{Type: repository.RequirementAttachment, Name: "file", IsRequired: false},
	}
	assert.Empty(t, v.Validate(reqs, map[string]any{}, nil))

	// A submitted optional note is still format-checked.
	failures := v.Validate(reqs, map[string]any{"note": "hey"}, nil)
	assert.Len(t, failures, 1)
}

func TestValidateAggregatesAllFailures(t *testing.T) {
	v := NewRequirementValidator()
	reqs := []repository.TransitionRequirement{
		{Type: repository.RequirementMandatoryField, Name: "amount", IsRequired: true},
		{Type: repository.RequirementNote, Name: "note", IsRequired: true},
		{Type: repository.RequirementAttachment, Name: "file", IsRequired: true},
	}
	failures := v.Validate(reqs, map[string]any{}, map[string]any{})
	assert.Len(t, failures, 3)
}
