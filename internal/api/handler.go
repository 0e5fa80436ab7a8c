package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-security/kestrel/internal/decision"
	"github.com/opensource-security/kestrel/internal/domain"
	"github.com/opensource-security/kestrel/internal/repository"
	"github.com/opensource-security/kestrel/internal/rules"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo        domain.Repository
	cache       domain.Cache
	coordinator *decision.Coordinator
	ruleSet     *rules.Set
	version     string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, coordinator *decision.Coordinator, ruleSet *rules.Set, version string) *Handler {
	return &Handler{
		repo:        repo,
		cache:       cache,
		coordinator: coordinator,
		ruleSet:     ruleSet,
		version:     version,
	}
}

// EvaluateResponse is the response for POST /events.
type EvaluateResponse struct {
	Decision *domain.Decision `json:"decision"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Evaluate handles POST /events: it runs one auth event through the
// decision pipeline synchronously and returns the decision.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req domain.AuthEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.IP == "" || req.Username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "ip and username are required",
		})
		return
	}
	if !domain.ValidEventType(req.EventType) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "eventType must be one of failed, successful, invalid",
		})
		return
	}

	event := req.ToEvent(tenantID)

	dec, err := h.coordinator.Process(ctx, event)
	if err != nil {
		slog.Error("event evaluation failed",
			"tenant_id", tenantID,
			"username", req.Username,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "event evaluation failed",
		})
		return
	}

	resp := EvaluateResponse{Decision: dec}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version

	writeJSON(w, http.StatusOK, resp)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetEvent retrieves a stored auth event by ID.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	eventID := chi.URLParam(r, "id")

	if eventID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "event id is required",
		})
		return
	}

	event, err := h.repo.GetAuthEvent(ctx, tenantID, eventID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get event", "id", eventID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "event not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// GetDecision retrieves a decision by ID.
func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	decisionID := chi.URLParam(r, "id")

	if decisionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "decision id is required",
		})
		return
	}

	dec, err := h.repo.GetDecision(ctx, tenantID, decisionID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get decision", "id", decisionID, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "decision not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, dec)
}

// GetProfile retrieves a user's learned behavioral profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	username := chi.URLParam(r, "username")

	if username == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "username is required",
		})
		return
	}

	profile, err := h.repo.GetProfile(ctx, tenantID, username)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get profile", "username", username, "error", err)
		}
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "profile not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// ListRules returns the rules currently active in the evaluation set.
// Rules are loaded from the database at startup and can be reloaded via
// POST /rules/reload.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	active := h.ruleSet.Configs()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules":  active,
		"count":  len(active),
		"source": "database",
	})
}

// GetRule retrieves a rule by ID from the active set.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	for _, cfg := range h.ruleSet.Configs() {
		if cfg.ID == ruleID {
			writeJSON(w, http.StatusOK, cfg)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating or updating a rule.
type CreateRuleRequest struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Type             domain.RuleType `json:"ruleType"`
	Conditions       json.RawMessage `json:"conditions,omitempty"`
	Priority         int             `json:"priority"`
	RequiresApproval bool            `json:"requiresApproval"`
	CooldownMinutes  int             `json:"cooldownMinutes,omitempty"`
	Enabled          bool            `json:"enabled"`
}

func (req *CreateRuleRequest) toConfig(tenantID string) *domain.RuleConfig {
	return &domain.RuleConfig{
		ID:               req.ID,
		TenantID:         tenantID,
		Name:             req.Name,
		Description:      req.Description,
		Type:             req.Type,
		Conditions:       req.Conditions,
		Priority:         req.Priority,
		RequiresApproval: req.RequiresApproval,
		CooldownMinutes:  req.CooldownMinutes,
		Enabled:          req.Enabled,
	}
}

// GlobalTenantID scopes rule configurations that apply to all tenants.
const GlobalTenantID = "*"

// CreateRule validates and persists a new rule configuration.
// Rules are saved globally so every tenant is evaluated against them.
// After saving, call POST /rules/reload to activate it.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.ID == "" || req.Name == "" || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and ruleType are required",
		})
		return
	}

	cfg := req.toConfig(GlobalTenantID)

	// Reject configurations that would be excluded at load time.
	if err := h.ruleSet.Validate(cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule configuration: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, cfg); err != nil {
		slog.Error("failed to save rule config", "id", cfg.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save rule",
		})
		return
	}

	slog.Info("rule created", "id", cfg.ID, "name", cfg.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"rule":    cfg,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// UpdateRule validates and upserts an existing rule configuration.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	var req CreateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	req.ID = ruleID

	if req.Name == "" || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name and ruleType are required",
		})
		return
	}

	cfg := req.toConfig(GlobalTenantID)

	if err := h.ruleSet.Validate(cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule configuration: " + err.Error(),
		})
		return
	}

	if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, cfg); err != nil {
		slog.Error("failed to update rule config", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update rule",
		})
		return
	}

	slog.Info("rule updated", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rule":    cfg,
		"message": "Rule updated. Call POST /rules/reload to apply changes.",
	})
}

// DeleteRule removes a rule configuration.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ruleID := chi.URLParam(r, "id")

	if ruleID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id is required",
		})
		return
	}

	if err := h.repo.DeleteRuleConfig(ctx, GlobalTenantID, ruleID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "rule not found",
			})
			return
		}
		slog.Error("failed to delete rule config", "id", ruleID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to delete rule",
		})
		return
	}

	slog.Info("rule deleted", "id", ruleID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Rule deleted. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads the global rules from the database into the
// active set. This enables hot-reloading without server restart.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	configs, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	loadErrs := h.ruleSet.Load(configs)
	excluded := make([]string, 0, len(loadErrs))
	for _, e := range loadErrs {
		excluded = append(excluded, e.Error())
	}

	slog.Info("rules reloaded from database",
		"count", h.ruleSet.Len(),
		"excluded", len(excluded),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "rules reloaded successfully",
		"count":    h.ruleSet.Len(),
		"excluded": excluded,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
