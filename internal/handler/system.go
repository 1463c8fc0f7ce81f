package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nyatishield/nyati/internal/apierr"
	"github.com/nyatishield/nyati/internal/config"
	"github.com/nyatishield/nyati/internal/model"
	"github.com/nyatishield/nyati/internal/service"
)

// SystemStore is the slice of the store the system API reads directly.
type SystemStore interface {
	ListAdmins(ctx context.Context) ([]model.Admin, error)
	GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error)
	ListUsage(ctx context.Context, keyID string, limit int) ([]model.UsageRecord, error)
}

// SystemHandler manages Nyati's own configuration: admins and API keys.
type SystemHandler struct {
	store      SystemStore
	authSvc    *service.AuthService
	keySvc     *service.KeyService
	sessionTTL time.Duration
	logger     *slog.Logger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(store SystemStore, authSvc *service.AuthService, keySvc *service.KeyService, sessionTTL time.Duration, logger *slog.Logger) *SystemHandler {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemHandler{
		store:      store,
		authSvc:    authSvc,
		keySvc:     keySvc,
		sessionTTL: sessionTTL,
		logger:     logger,
	}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// loginRequest is the expected payload for the Login endpoint.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse is the response payload for a successful login.
type loginResponse struct {
	Token     string `json:"session_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
	AdminID   int64  `json:"admin_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
}

// Login authenticates an admin user and returns a JWT session token.
// POST /api/v1/system/admin/session
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(w, r, &req); err != nil {
		rejectBody(w, h.logger, err)
		return
	}

	if req.Email == "" || req.Password == "" {
		writeError(w, apierr.BadRequest, "Email and password are required", "Send a JSON body with \"email\" and \"password\".")
		return
	}

	token, admin, err := h.authSvc.Login(r.Context(), req.Email, req.Password, h.sessionTTL)
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, apierr.Auth, "Invalid credentials", "The email or password is incorrect.")
		return
	case errors.Is(err, service.ErrAccountDisabled):
		writeError(w, apierr.Auth, "Account is disabled", "This admin account has been deactivated.")
		return
	case err != nil:
		h.internal(w, "admin login failed", err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresIn: int(h.sessionTTL.Seconds()),
		AdminID:   admin.ID,
		Email:     admin.Email,
		Name:      admin.Name,
	})
}

// Logout invalidates the current session. Since JWTs are stateless, this is
// a no-op on the server side. Clients should discard their token.
// DELETE /api/v1/system/admin/session
func (h *SystemHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Session invalidated",
	})
}

// ---------------------------------------------------------------------------
// Admin management
// ---------------------------------------------------------------------------

// ListAdmins returns all admin accounts.
// GET /api/v1/system/admin
func (h *SystemHandler) ListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := h.store.ListAdmins(r.Context())
	if err != nil {
		h.internal(w, "list admins failed", err)
		return
	}

	resources := make([]map[string]interface{}, 0, len(admins))
	for i := range admins {
		resources = append(resources, adminToMap(&admins[i]))
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: resources,
		Meta: &model.ResponseMeta{
			Count: len(resources),
		},
	})
}

// CreateAdmin creates a new admin account.
// POST /api/v1/system/admin
func (h *SystemHandler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := readJSON(w, r, &body); err != nil {
		rejectBody(w, h.logger, err)
		return
	}

	if body.Email == "" {
		writeError(w, apierr.BadRequest, "Email is required", "Send a JSON body with an \"email\" field.")
		return
	}
	if len(body.Password) < 8 {
		writeError(w, apierr.BadRequest, "Password must be at least 8 characters", "Choose a longer password.")
		return
	}

	if existing, err := h.store.GetAdminByEmail(r.Context(), body.Email); err == nil && existing != nil {
		writeError(w, apierr.Conflict, "Admin with this email already exists", "Use a different email address.")
		return
	}

	admin, err := h.authSvc.CreateAdmin(r.Context(), body.Email, body.Password, body.Name)
	if err != nil {
		h.internal(w, "create admin failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, adminToMap(admin))
}

// ---------------------------------------------------------------------------
// API Key management
// ---------------------------------------------------------------------------

// ListAPIKeys returns configured API keys (never the key material). An
// owner_id query parameter narrows the list to one account.
// GET /api/v1/system/api-key
func (h *SystemHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keySvc.List(r.Context(), queryString(r, "owner_id"))
	if err != nil {
		h.internal(w, "list api keys failed", err)
		return
	}

	resources := make([]map[string]interface{}, 0, len(keys))
	for i := range keys {
		resources = append(resources, apiKeyToMap(&keys[i]))
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: resources,
		Meta: &model.ResponseMeta{
			Count: len(resources),
		},
	})
}

// createAPIKeyRequest is the expected payload for CreateAPIKey.
type createAPIKeyRequest struct {
	OwnerID   string     `json:"owner_id"`
	Label     string     `json:"label"`
	TargetURL string     `json:"target_url"`
	Tier      model.Tier `json:"tier"`
}

// CreateAPIKey generates a new API key, stores its salted hash, and returns
// the plaintext key exactly once.
// POST /api/v1/system/api-key
func (h *SystemHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := readJSON(w, r, &req); err != nil {
		rejectBody(w, h.logger, err)
		return
	}

	if strings.TrimSpace(req.OwnerID) == "" {
		writeError(w, apierr.BadRequest, "owner_id is required", "Every API key must belong to an owner account.")
		return
	}

	key, plaintext, err := h.keySvc.Create(r.Context(), service.CreateKeyInput{
		OwnerID:   req.OwnerID,
		Label:     req.Label,
		TargetURL: req.TargetURL,
		Tier:      req.Tier,
	})
	if err != nil {
		h.keyError(w, "create api key failed", err)
		return
	}

	// This is the only time the plaintext is visible.
	m := apiKeyToMap(key)
	m["api_key"] = plaintext
	writeJSON(w, http.StatusCreated, m)
}

// GetAPIKey returns one key's metadata.
// GET /api/v1/system/api-key/{keyId}
func (h *SystemHandler) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keySvc.Get(r.Context(), chi.URLParam(r, "keyId"))
	if err != nil {
		h.keyError(w, "get api key failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiKeyToMap(key))
}

// updateAPIKeyRequest carries the mutable fields of a key; absent fields are
// left alone.
type updateAPIKeyRequest struct {
	IsActive  *bool   `json:"is_active"`
	TargetURL *string `json:"target_url"`
	Label     *string `json:"label"`
}

// UpdateAPIKey changes a key's label, target or active flag.
// PATCH /api/v1/system/api-key/{keyId}
func (h *SystemHandler) UpdateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req updateAPIKeyRequest
	if err := readJSON(w, r, &req); err != nil {
		rejectBody(w, h.logger, err)
		return
	}

	key, err := h.keySvc.Update(r.Context(), chi.URLParam(r, "keyId"), service.KeyUpdate{
		IsActive:  req.IsActive,
		TargetURL: req.TargetURL,
		Label:     req.Label,
	})
	if err != nil {
		h.keyError(w, "update api key failed", err)
		return
	}
	writeJSON(w, http.StatusOK, apiKeyToMap(key))
}

// RevokeAPIKey deactivates an API key by ID. Validations cached before the
// revocation keep working until their entry expires.
// POST /api/v1/system/api-key/{keyId}/revoke
func (h *SystemHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := h.keySvc.Revoke(r.Context(), chi.URLParam(r, "keyId")); err != nil {
		h.keyError(w, "revoke api key failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API key revoked",
	})
}

// DeleteAPIKey removes an API key by ID.
// DELETE /api/v1/system/api-key/{keyId}
func (h *SystemHandler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := h.keySvc.Delete(r.Context(), chi.URLParam(r, "keyId")); err != nil {
		h.keyError(w, "delete api key failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API key deleted",
	})
}

// APIKeyUsage returns the most recent usage records for a key, newest first.
// GET /api/v1/system/api-key/{keyId}/usage
func (h *SystemHandler) APIKeyUsage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "keyId")
	if _, err := h.keySvc.Get(r.Context(), id); err != nil {
		h.keyError(w, "get api key failed", err)
		return
	}

	limit := clampInt(queryInt(r, "limit", 100), 1, 1000)
	recs, err := h.store.ListUsage(r.Context(), id, limit)
	if err != nil {
		h.internal(w, "list usage failed", err)
		return
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: recs,
		Meta: &model.ResponseMeta{
			Count: len(recs),
		},
	})
}

// keyError maps key service errors onto responses.
func (h *SystemHandler) keyError(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, config.ErrNotFound):
		writeError(w, apierr.NotFound, "API key not found", "No API key exists with that ID.")
	case errors.Is(err, service.ErrInvalidTarget):
		writeError(w, apierr.BadRequest, "Invalid target_url", err.Error())
	case errors.Is(err, service.ErrInvalidTier):
		writeError(w, apierr.BadRequest, "Invalid tier", "tier must be one of test, free or paid.")
	default:
		h.internal(w, msg, err)
	}
}

func (h *SystemHandler) internal(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, "error", err)
	apierr.Write(w, err)
}

// ---------------------------------------------------------------------------
// Serialization helpers (never expose password hashes, salts or digests)
// ---------------------------------------------------------------------------

func adminToMap(admin *model.Admin) map[string]interface{} {
	m := map[string]interface{}{
		"id":         admin.ID,
		"email":      admin.Email,
		"name":       admin.Name,
		"is_active":  admin.IsActive,
		"created_at": admin.CreatedAt,
		"updated_at": admin.UpdatedAt,
	}
	if admin.LastLoginAt != nil {
		m["last_login_at"] = admin.LastLoginAt
	}
	return m
}

func apiKeyToMap(key *model.APIKey) map[string]interface{} {
	m := map[string]interface{}{
		"id":         key.ID,
		"owner_id":   key.OwnerID,
		"hint":       key.Hint,
		"label":      key.Label,
		"tier":       key.Tier,
		"is_active":  key.IsActive,
		"created_at": key.CreatedAt,
	}
	if key.TargetURL != "" {
		m["target_url"] = key.TargetURL
	}
	if key.LastUsedAt != nil {
		m["last_used_at"] = key.LastUsedAt
	}
	return m
}
