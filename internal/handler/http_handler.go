package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/vrtx-crm/be-automation/internal/errors"
	"github.com/vrtx-crm/be-automation/internal/eval"
	"github.com/vrtx-crm/be-automation/internal/logger"
	"github.com/vrtx-crm/be-automation/internal/repository"
	"github.com/vrtx-crm/be-automation/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine    *service.EngineService
	approvals *service.ApprovalService
	workflows *service.WorkflowService
	triggers  *service.TriggerService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	engine *service.EngineService,
	approvals *service.ApprovalService,
	workflows *service.WorkflowService,
	triggers *service.TriggerService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		engine:    engine,
		approvals: approvals,
		workflows: workflows,
		triggers:  triggers,
		log:       log,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errors.HTTPStatus(err), map[string]string{
		"code":  string(errors.CodeOf(err)),
		"error": err.Error(),
	})
}

// ── blueprints ───────────────────────────────────────────────────────────────

// CreateBlueprint handles create blueprint HTTP requests
func (h *HTTPHandler) CreateBlueprint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ModuleID  string   `json:"module_id"`
		FieldName string   `json:"field_name"`
		Name      string   `json:"name"`
		Options   []string `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	bp, err := h.engine.CreateBlueprintFromField(r.Context(), req.ModuleID, req.FieldName, req.Name, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bp)
}

// SyncBlueprintStates handles state sync HTTP requests
func (h *HTTPHandler) SyncBlueprintStates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		BlueprintID string   `json:"blueprint_id"`
		Options     []string `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.SyncBlueprintStates(r.Context(), req.BlueprintID, req.Options); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

// DeactivateBlueprint handles blueprint deactivation HTTP requests
func (h *HTTPHandler) DeactivateBlueprint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.DeactivateBlueprint(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// AddTransition handles add transition HTTP requests
func (h *HTTPHandler) AddTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		BlueprintID  string                             `json:"blueprint_id"`
		Name         string                             `json:"name"`
		FromStateID  *string                            `json:"from_state_id,omitempty"`
		ToStateID    string                             `json:"to_state_id"`
		DisplayOrder int                                `json:"display_order"`
		Conditions   []repository.TransitionCondition   `json:"conditions,omitempty"`
		Requirements []repository.TransitionRequirement `json:"requirements,omitempty"`
		Approval     *repository.TransitionApproval     `json:"approval,omitempty"`
		Actions      []repository.TransitionAction      `json:"actions,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	transition := repository.Transition{
		BlueprintID:  req.BlueprintID,
		Name:         req.Name,
		FromStateID:  req.FromStateID,
		ToStateID:    req.ToStateID,
		IsActive:     true,
		DisplayOrder: req.DisplayOrder,
		Conditions:   req.Conditions,
		Requirements: req.Requirements,
		Approval:     req.Approval,
		Actions:      req.Actions,
	}
	if err := h.engine.AddTransition(r.Context(), &transition); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, transition)
}

// AvailableTransitions handles available transitions HTTP requests
func (h *HTTPHandler) AvailableTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	blueprintID := r.URL.Query().Get("blueprint_id")
	recordID := r.URL.Query().Get("record_id")
	if blueprintID == "" || recordID == "" {
		http.Error(w, "Blueprint ID and Record ID are required", http.StatusBadRequest)
		return
	}
	// TODO: Get user ID from JWT token once the identity middleware lands
	userID := r.URL.Query().Get("user_id")

	transitions, err := h.engine.GetAvailableTransitions(r.Context(), blueprintID, recordID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": transitions})
}

// ── transition lifecycle ─────────────────────────────────────────────────────

// StartTransition handles start transition HTTP requests
func (h *HTTPHandler) StartTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		BlueprintID  string `json:"blueprint_id"`
		TransitionID string `json:"transition_id"`
		RecordID     string `json:"record_id"`
		UserID       string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	execution, err := h.engine.StartTransition(r.Context(), req.BlueprintID, req.TransitionID, req.RecordID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, execution)
}

// SubmitRequirements handles requirement submission HTTP requests
func (h *HTTPHandler) SubmitRequirements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ExecutionID string         `json:"execution_id"`
		UserID      string         `json:"user_id"`
		Data        map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	failures, execution, err := h.engine.SubmitRequirements(r.Context(), req.ExecutionID, req.UserID, req.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"failures":  failures,
			"execution": execution,
		})
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

// ApproveTransition handles approval decision HTTP requests
func (h *HTTPHandler) ApproveTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RequestID string `json:"request_id"`
		UserID    string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.ApproveTransition(r.Context(), req.RequestID, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// RejectTransition handles rejection HTTP requests
func (h *HTTPHandler) RejectTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RequestID string `json:"request_id"`
		UserID    string `json:"user_id"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.RejectTransition(r.Context(), req.RequestID, req.UserID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// CompleteTransition handles completion HTTP requests
func (h *HTTPHandler) CompleteTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ExecutionID string `json:"execution_id"`
		UserID      string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.CompleteTransition(r.Context(), req.ExecutionID, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// CancelTransition handles cancellation HTTP requests
func (h *HTTPHandler) CancelTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ExecutionID string `json:"execution_id"`
		UserID      string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.CancelTransition(r.Context(), req.ExecutionID, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ExecutionHistory handles execution history HTTP requests
func (h *HTTPHandler) ExecutionHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	blueprintID := r.URL.Query().Get("blueprint_id")
	recordID := r.URL.Query().Get("record_id")
	if blueprintID == "" || recordID == "" {
		http.Error(w, "Blueprint ID and Record ID are required", http.StatusBadRequest)
		return
	}

	executions, err := h.engine.ExecutionHistory(r.Context(), blueprintID, recordID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

// ── approvals ────────────────────────────────────────────────────────────────

// PendingApprovals handles pending approvals HTTP requests
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	requests, err := h.approvals.PendingForUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

// CreateDelegation handles delegation HTTP requests
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		DelegatorID string    `json:"delegator_id"`
		DelegateID  string    `json:"delegate_id"`
		StartsAt    time.Time `json:"starts_at"`
		EndsAt      time.Time `json:"ends_at"`
		Reason      *string   `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	delegation, err := h.approvals.Delegate(r.Context(), req.DelegatorID, req.DelegateID, &repository.ApprovalDelegation{
		StartsAt: req.StartsAt,
		EndsAt:   req.EndsAt,
		Reason:   req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, delegation)
}

// ReassignApproval handles approval reassignment HTTP requests
func (h *HTTPHandler) ReassignApproval(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RequestID    string   `json:"request_id"`
		ApproverIDs  []string `json:"approver_ids"`
		ReassignedBy string   `json:"reassigned_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	request, err := h.approvals.Reassign(r.Context(), req.RequestID, req.ApproverIDs, req.ReassignedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, request)
}

// RevokeDelegation handles delegation revocation HTTP requests
func (h *HTTPHandler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Delegation ID is required", http.StatusBadRequest)
		return
	}

	if err := h.approvals.RevokeDelegation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── workflows ────────────────────────────────────────────────────────────────

// workflowRuleRequest mirrors the rule payload of the create/update endpoints.
type workflowRuleRequest struct {
	ID            string                    `json:"id,omitempty"`
	ModuleID      string                    `json:"module_id"`
	Name          string                    `json:"name"`
	TriggerEvent  string                    `json:"trigger_event"`
	WatchedFields []string                  `json:"watched_fields,omitempty"`
	Conditions    eval.RuleSet              `json:"conditions"`
	Steps         []repository.WorkflowStep `json:"steps"`
	IsActive      bool                      `json:"is_active"`
	UserID        string                    `json:"user_id"`
}

func (req *workflowRuleRequest) toRule() *repository.WorkflowRule {
	return &repository.WorkflowRule{
		ID:            req.ID,
		ModuleID:      req.ModuleID,
		Name:          req.Name,
		TriggerEvent:  req.TriggerEvent,
		WatchedFields: req.WatchedFields,
		Conditions:    req.Conditions,
		Steps:         req.Steps,
		IsActive:      req.IsActive,
	}
}

// CreateWorkflowRule handles create rule HTTP requests
func (h *HTTPHandler) CreateWorkflowRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req workflowRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rule := req.toRule()
	if err := h.workflows.CreateRule(r.Context(), rule, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// UpdateWorkflowRule handles update rule HTTP requests
func (h *HTTPHandler) UpdateWorkflowRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req workflowRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "Rule ID is required", http.StatusBadRequest)
		return
	}

	rule := req.toRule()
	if err := h.workflows.UpdateRule(r.Context(), rule, req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// WorkflowVersions handles version listing HTTP requests
func (h *HTTPHandler) WorkflowVersions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ruleID := r.URL.Query().Get("rule_id")
	if ruleID == "" {
		http.Error(w, "Rule ID is required", http.StatusBadRequest)
		return
	}

	versions, err := h.workflows.Versions(r.Context(), ruleID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// WorkflowDiff handles version diff HTTP requests
func (h *HTTPHandler) WorkflowDiff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ruleID := r.URL.Query().Get("rule_id")
	from, _ := strconv.Atoi(r.URL.Query().Get("from"))
	to, _ := strconv.Atoi(r.URL.Query().Get("to"))
	if ruleID == "" || from < 1 || to < 1 {
		http.Error(w, "Rule ID and two version numbers are required", http.StatusBadRequest)
		return
	}

	diff, err := h.workflows.Diff(r.Context(), ruleID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// RollbackWorkflowRule handles rollback HTTP requests
func (h *HTTPHandler) RollbackWorkflowRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		RuleID      string `json:"rule_id"`
		ToVersion   int    `json:"to_version"`
		PerformedBy string `json:"performed_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rule, err := h.workflows.Rollback(r.Context(), req.RuleID, req.ToVersion, req.PerformedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// RecordEvent handles record event ingestion HTTP requests
func (h *HTTPHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Type     string         `json:"type"`
		ModuleID string         `json:"module_id"`
		RecordID string         `json:"record_id"`
		UserID   string         `json:"user_id"`
		Record   map[string]any `json:"record"`
		OldData  map[string]any `json:"old_data,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	event := service.RecordEvent{
		Type:     req.Type,
		ModuleID: req.ModuleID,
		RecordID: req.RecordID,
		UserID:   req.UserID,
		Record:   req.Record,
		OldData:  req.OldData,
	}
	if err := h.triggers.HandleEvent(r.Context(), &event); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
