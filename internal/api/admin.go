package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/felipepmaragno/llmmux/internal/auth"
	"github.com/felipepmaragno/llmmux/internal/crypto"
	"github.com/felipepmaragno/llmmux/internal/domain"
	"github.com/felipepmaragno/llmmux/internal/retention"
)

type permissionsInput struct {
	AllowAll      *bool    `json:"allowAll"`
	AllowedModels []string `json:"allowedModels"`
	DeniedModels  []string `json:"deniedModels"`
}

// apply fills omitted fields from base.
func (p *permissionsInput) apply(base domain.ModelPermissions) domain.ModelPermissions {
	if p == nil {
		return base
	}
	if p.AllowAll != nil {
		base.AllowAll = *p.AllowAll
	}
	if p.AllowedModels != nil {
		base.AllowedModels = p.AllowedModels
	}
	if p.DeniedModels != nil {
		base.DeniedModels = p.DeniedModels
	}
	return base
}

type CreateKeyRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Owner        string            `json:"owner"`
	Tags         []string          `json:"tags"`
	RateLimitRPM int               `json:"rateLimitRpm"`
	RateLimitRPD int               `json:"rateLimitRpd"`
	ExpiresAt    *time.Time        `json:"expiresAt"`
	Permissions  *permissionsInput `json:"permissions"`
}

type UpdateKeyRequest struct {
	Name         *string           `json:"name"`
	Description  *string           `json:"description"`
	Owner        *string           `json:"owner"`
	Tags         []string          `json:"tags"`
	RateLimitRPM *int              `json:"rateLimitRpm"`
	RateLimitRPD *int              `json:"rateLimitRpd"`
	IsActive     *bool             `json:"isActive"`
	ExpiresAt    *time.Time        `json:"expiresAt"`
	Permissions  *permissionsInput `json:"permissions"`
}

type CreateKeyResponse struct {
	Message string         `json:"message"`
	APIKey  string         `json:"apiKey"`
	Key     *domain.APIKey `json:"key"`
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", domain.ErrInvalidRequest)
	}
	return nil
}

func validateLimits(rpm, rpd int) error {
	if rpm < 0 || rpd < 0 {
		return fmt.Errorf("%w: rate limits must not be negative", domain.ErrInvalidRequest)
	}
	return nil
}

func (h *Handler) invalidate(r *http.Request, key *domain.APIKey) {
	if h.invalidator != nil {
		h.invalidator.Invalidate(r.Context(), key.KeyHash)
	}
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	keys, err := h.keys.List(ctx)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	stats, err := h.usage.Summary(ctx)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
		"stats": stats,
	})
}

func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeDomainError(w, r, fmt.Errorf("%w: name is required", domain.ErrInvalidRequest))
		return
	}
	if err := validateLimits(req.RateLimitRPM, req.RateLimitRPD); err != nil {
		writeDomainError(w, r, err)
		return
	}

	plaintext, prefix, err := crypto.GenerateAPIKey()
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}

	key := &domain.APIKey{
		ID:           uuid.New().String(),
		KeyHash:      crypto.HashAPIKey(plaintext),
		KeyPrefix:    prefix,
		Name:         req.Name,
		Description:  req.Description,
		Owner:        req.Owner,
		Tags:         tags,
		RateLimitRPM: req.RateLimitRPM,
		RateLimitRPD: req.RateLimitRPD,
		IsActive:     true,
		Permissions:  req.Permissions.apply(domain.DefaultModelPermissions()),
		ExpiresAt:    req.ExpiresAt,
	}

	if err := h.keys.Create(ctx, key); err != nil {
		writeDomainError(w, r, err)
		return
	}

	cred, _ := auth.CredentialFromContext(ctx)
	slog.Info("api key created", "api_key_id", key.ID, "name", key.Name, "created_by", cred.ID)

	writeJSON(w, http.StatusCreated, CreateKeyResponse{
		Message: "API key created successfully",
		APIKey:  plaintext,
		Key:     key,
	})
}

func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key, err := h.keys.GetByID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	keyMetrics, err := h.usage.GetAPIKeyMetrics(ctx, key.ID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if keyMetrics == nil {
		keyMetrics = []domain.APIKeyMetrics{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"config":  key,
		"metrics": keyMetrics,
	})
}

func (h *Handler) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key, err := h.keys.GetByID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	var req UpdateKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeDomainError(w, r, err)
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			writeDomainError(w, r, fmt.Errorf("%w: name must not be empty", domain.ErrInvalidRequest))
			return
		}
		key.Name = name
	}
	if req.Description != nil {
		key.Description = *req.Description
	}
	if req.Owner != nil {
		key.Owner = *req.Owner
	}
	if req.Tags != nil {
		key.Tags = req.Tags
	}
	if req.RateLimitRPM != nil {
		key.RateLimitRPM = *req.RateLimitRPM
	}
	if req.RateLimitRPD != nil {
		key.RateLimitRPD = *req.RateLimitRPD
	}
	if req.IsActive != nil {
		key.IsActive = *req.IsActive
	}
	if req.ExpiresAt != nil {
		key.ExpiresAt = req.ExpiresAt
	}
	key.Permissions = req.Permissions.apply(key.Permissions)

	if err := validateLimits(key.RateLimitRPM, key.RateLimitRPD); err != nil {
		writeDomainError(w, r, err)
		return
	}

	if err := h.keys.Update(ctx, key); err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.invalidate(r, key)

	slog.Info("api key updated", "api_key_id", key.ID)

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "API key updated successfully",
		"key":     key,
	})
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key, err := h.keys.GetByID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	if err := h.keys.Delete(ctx, key.ID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.invalidate(r, key)

	slog.Info("api key deleted", "api_key_id", key.ID)

	writeJSON(w, http.StatusOK, map[string]string{"message": "API key deleted successfully"})
}

func (h *Handler) handleUpdatePermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	key, err := h.keys.GetByID(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	var in permissionsInput
	if err := decodeBody(r, &in); err != nil {
		writeDomainError(w, r, err)
		return
	}
	perms := in.apply(key.Permissions)

	if err := h.keys.UpdatePermissions(ctx, key.ID, perms); err != nil {
		writeDomainError(w, r, err)
		return
	}
	h.invalidate(r, key)

	slog.Info("api key permissions updated", "api_key_id", key.ID, "allow_all", perms.AllowAll)

	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "API key permissions updated successfully",
		"permissions": perms,
	})
}

func (h *Handler) handleCleanupLogs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RetentionDays int `json:"retentionDays"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeDomainError(w, r, err)
			return
		}
	}
	if req.RetentionDays == 0 {
		req.RetentionDays = retention.DefaultRetentionDays
	}

	deleted, err := h.cleaner.Cleanup(r.Context(), req.RetentionDays)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":       fmt.Sprintf("Cleaned up %d old log entries", deleted),
		"retentionDays": req.RetentionDays,
		"deletedCount":  deleted,
	})
}

func (h *Handler) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.usage.Summary(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleKeyMetrics also serves static keys, which have metrics but no stored record.
func (h *Handler) handleKeyMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	keyMetrics, err := h.usage.GetAPIKeyMetrics(ctx, id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	if len(keyMetrics) == 0 {
		if _, err := h.keys.GetByID(ctx, id); errors.Is(err, domain.ErrAPIKeyNotFound) {
			writeDomainError(w, r, err)
			return
		}
		keyMetrics = []domain.APIKeyMetrics{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"apiKeyId": id,
		"metrics":  keyMetrics,
	})
}
