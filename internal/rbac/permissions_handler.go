package rbac

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/assetdesk/assetdesk/internal/platform/httpx"
	"github.com/assetdesk/assetdesk/internal/shared"
)

// Permissions managed by this handler.
var (
	NeedPermissionsView   = Can("permissions", "view", ScopeAll)
	NeedPermissionsManage = Can("permissions", "manage", ScopeAll)
)

// PermissionsHandler manages the permission catalogue endpoints.
type PermissionsHandler struct {
	logger    *slog.Logger
	service   *AdminService
	rbac      Middleware
	validator *validator.Validate
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, service *AdminService, rbac Middleware) *PermissionsHandler {
	return &PermissionsHandler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(NeedPermissionsView, NeedPermissionsManage))
		r.Get("/", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(NeedPermissionsManage))
		r.Post("/", h.createPermission)
		r.Patch("/{id}/active", h.setActive)
	})
}

type permissionRequest struct {
	Name        string `json:"name" validate:"omitempty,max=120"`
	Description string `json:"description" validate:"max=500"`
	Resource    string `json:"resource" validate:"required,max=80"`
	Action      string `json:"action" validate:"required,max=80"`
	Scope       string `json:"scope" validate:"omitempty,oneof=own team all"`
	RiskLevel   string `json:"risk_level" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
}

type activeRequest struct {
	Active *bool `json:"active" validate:"required"`
}

// PermissionView is the JSON form of a permission.
type PermissionView struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	Key           PermissionKey `json:"key"`
	Resource      string        `json:"resource"`
	Action        string        `json:"action"`
	Scope         Scope         `json:"scope"`
	RiskLevel     RiskLevel     `json:"risk_level"`
	RequiresMFA   bool          `json:"requires_mfa"`
	AuditRequired bool          `json:"audit_required"`
	IsActive      bool          `json:"is_active"`
}

// ViewOf renders a permission for JSON responses.
func ViewOf(p Permission) PermissionView {
	return PermissionView{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		Key:           p.Key(),
		Resource:      p.Resource,
		Action:        p.Action,
		Scope:         p.Scope.orAll(),
		RiskLevel:     p.RiskLevel,
		RequiresMFA:   p.RequiresMFA(),
		AuditRequired: p.AuditRequired(),
		IsActive:      p.IsActive,
	}
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.logger.Error("list permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]PermissionView, 0, len(perms))
	for _, p := range perms {
		out = append(out, ViewOf(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (h *PermissionsHandler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actorID, _ := shared.PrincipalID(r.Context())
	p, err := h.service.CreatePermission(r.Context(), actorID, PermissionInput{
		Name:        req.Name,
		Description: req.Description,
		Resource:    req.Resource,
		Action:      req.Action,
		Scope:       req.Scope,
		RiskLevel:   req.RiskLevel,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ViewOf(p))
}

func (h *PermissionsHandler) setActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid permission id")
		return
	}
	var req activeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actorID, _ := shared.PrincipalID(r.Context())
	p, err := h.service.SetPermissionActive(r.Context(), actorID, id, *req.Active)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ViewOf(p))
}
