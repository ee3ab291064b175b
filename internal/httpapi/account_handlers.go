package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bazaar-hub/gatekeeper/internal/audit"
	"github.com/bazaar-hub/gatekeeper/internal/auth"
	"github.com/bazaar-hub/gatekeeper/internal/obs"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type createUserRequest struct {
	Email        string   `json:"email"`
	Name         string   `json:"name"`
	Password     string   `json:"password"`
	Role         string   `json:"role"`
	AccountLevel string   `json:"account_level"`
	Permissions  []string `json:"permissions"`
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req, a.cfg.MaxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.accounts.Login(r.Context(), req.Email, req.Password, originOf(r))
	if err != nil {
		writeAccountError(w, r, err)
		return
	}
	if name := a.guard.CookieName(); name != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    res.Token,
			Path:     "/",
			Expires:  res.ExpiresAt,
			MaxAge:   int(time.Until(res.ExpiresAt).Seconds()),
			HttpOnly: true,
			Secure:   a.cfg.SecureCookies || r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
	}
	writeData(w, http.StatusOK, "login successful", res)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if name := a.guard.CookieName(); name != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   a.cfg.SecureCookies || r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		})
	}
	writeData(w, http.StatusOK, "logged out", nil)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, "current identity", identity(r).View())
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req, a.cfg.MaxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.accounts.ChangePassword(r.Context(), identity(r), req.CurrentPassword, req.NewPassword, originOf(r)); err != nil {
		writeAccountError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "password changed", nil)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req, a.cfg.MaxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.accounts.RegisterUser(r.Context(), identity(r), auth.User{
		Email:        req.Email,
		Name:         strings.TrimSpace(req.Name),
		Role:         auth.Role(req.Role),
		AccountLevel: auth.AccountLevel(strings.ToLower(strings.TrimSpace(req.AccountLevel))),
		Permissions:  req.Permissions,
	}, req.Password, originOf(r))
	if err != nil {
		writeAccountError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/admin/users/"+u.ID)
	writeData(w, http.StatusCreated, "user created", u)
}

func (a *API) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if err := decodeJSON(w, r, &req, a.cfg.MaxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.accounts.ChangeRole(r.Context(), identity(r), chi.URLParam(r, "id"), auth.Role(req.Role), originOf(r))
	if err != nil {
		writeAccountError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "role updated", u)
}

func (a *API) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := decodeJSON(w, r, &req, a.cfg.MaxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.accounts.SetStatus(r.Context(), identity(r), chi.URLParam(r, "id"), auth.Status(req.Status), originOf(r))
	if err != nil {
		writeAccountError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "status updated", u)
}

func (a *API) handleSetPermissions(w http.ResponseWriter, r *http.Request) {
	var req setPermissionsRequest
	if err := decodeJSON(w, r, &req, a.cfg.MaxBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.accounts.SetPermissions(r.Context(), identity(r), chi.URLParam(r, "id"), req.Permissions, originOf(r))
	if err != nil {
		writeAccountError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, "permissions updated", u)
}

func (a *API) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if a.events == nil {
		writeError(w, r, http.StatusNotImplemented, "security event listing is not available for this backend")
		return
	}
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit "+err.Error())
		return
	}
	events, err := a.events.ListSecurityEvents(r.Context(), audit.Filter{
		UserID: strings.TrimSpace(q.Get("user_id")),
		Limit:  limit,
	})
	if err != nil {
		l := obs.Ctx(r.Context())
		l.Error().Err(err).Msg("list security events")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeData(w, http.StatusOK, "security events", events)
}

func writeAccountError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, "resource already exists")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, r, http.StatusBadRequest, strings.TrimPrefix(err.Error(), "auth: "))
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrAccountDisabled):
		writeError(w, r, http.StatusForbidden, "account disabled")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	default:
		l := obs.Ctx(r.Context())
		l.Error().Err(err).Msg("account operation failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
