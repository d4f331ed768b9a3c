package auth

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/assetdesk/assetdesk/internal/platform/httpx"
	"github.com/assetdesk/assetdesk/internal/rbac"
	"github.com/assetdesk/assetdesk/internal/shared"
)

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	service        *Service
	sessionManager *shared.SessionManager
	evaluator      rbac.Evaluator
	validator      *validator.Validate
	loginLimit     int
	now            func() time.Time
}

// NewHandler constructs a Handler instance. loginLimit caps login attempts per
// IP and minute; zero disables the limiter.
func NewHandler(logger *slog.Logger, service *Service, sessions *shared.SessionManager, evaluator rbac.Evaluator, loginLimit int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		service:        service,
		sessionManager: sessions,
		evaluator:      evaluator,
		validator:      validator.New(),
		loginLimit:     loginLimit,
		now:            time.Now,
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h.loginLimit > 0 {
		r.With(httprate.LimitByIP(h.loginLimit, time.Minute)).Post("/login", h.handleLogin)
	} else {
		r.Post("/login", h.handleLogin)
	}
	r.Post("/logout", h.handleLogout)
	r.Get("/me", h.handleMe)
	r.Post("/mfa/enroll", h.handleEnroll)
	r.Post("/mfa/verify", h.handleVerify)
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

type verifyRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type meResponse struct {
	ID          int64                `json:"id"`
	Email       string               `json:"email"`
	Name        string               `json:"name"`
	MFAEnabled  bool                 `json:"mfa_enabled"`
	MFAVerified bool                 `json:"mfa_verified"`
	Roles       []string             `json:"roles"`
	Permissions []rbac.PermissionKey `json:"permissions"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	user, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Info("login rejected", slog.String("email", req.Email), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if err := h.sessionManager.Renew(r.Context(), sess); err != nil {
		h.logger.Error("renew session", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	sess.SetUser(user.ID)
	expiresAt := h.now().Add(h.sessionManager.TTL())
	if err := h.service.RegisterSession(r.Context(), sess.ID, user.ID, expiresAt, r.RemoteAddr, r.UserAgent()); err != nil {
		h.logger.Warn("register session", slog.Any("error", err))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"id": user.ID, "email": user.Email, "mfa_enabled": user.MFAEnabled()})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.service.RemoveSession(r.Context(), sess.ID); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := shared.PrincipalID(r.Context())
	if !ok {
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Unauthorized", Status: http.StatusUnauthorized, Code: string(rbac.ReasonUnauthenticated)})
		return
	}
	user, err := h.service.Profile(r.Context(), userID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	eff, err := h.evaluator.Evaluate(r.Context(), userID)
	if err != nil {
		h.logger.Error("evaluate own permissions", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	roles := eff.Roles
	if roles == nil {
		roles = []string{}
	}
	httpx.JSON(w, http.StatusOK, meResponse{
		ID:          user.ID,
		Email:       user.Email,
		Name:        user.Name,
		MFAEnabled:  user.MFAEnabled(),
		MFAVerified: shared.SessionFromContext(r.Context()).MFAVerifiedWithin(h.now(), rbac.DefaultMFAWindow),
		Roles:       roles,
		Permissions: eff.List(),
	})
}

func (h *Handler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	userID, ok := shared.PrincipalID(r.Context())
	if !ok {
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Unauthorized", Status: http.StatusUnauthorized, Code: string(rbac.ReasonUnauthenticated)})
		return
	}
	enrollment, err := h.service.EnrollMFA(r.Context(), userID)
	if err != nil {
		h.logger.Error("enroll mfa", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, enrollment)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	userID, ok := shared.PrincipalID(r.Context())
	if !ok {
		httpx.WriteProblem(w, httpx.ProblemDetail{Title: "Unauthorized", Status: http.StatusUnauthorized, Code: string(rbac.ReasonUnauthenticated)})
		return
	}
	var req verifyRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.VerifyMFA(r.Context(), userID, req.Code); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sess.MarkMFAVerified(h.now())
	w.WriteHeader(http.StatusNoContent)
}

// HandleLoginForTest exposes the POST handler for tests.
func (h *Handler) HandleLoginForTest(w http.ResponseWriter, r *http.Request) {
	h.handleLogin(w, r)
}
