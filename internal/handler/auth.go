package handler

import (
	"encoding/json"
	"net/http"

	"github.com/dabubble/internal/identity"
	"github.com/dabubble/internal/logger"
	"github.com/dabubble/internal/model"
	"github.com/dabubble/internal/workspace"
)

type AuthHandler struct {
	provider identity.Provider
	ws       *workspace.Workspace
}

func NewAuthHandler(provider identity.Provider, ws *workspace.Workspace) *AuthHandler {
	return &AuthHandler{provider: provider, ws: ws}
}

type SignInRequest struct {
	UID      string `json:"uid"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
}

type SignInResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// SignIn выдаёт сессионный токен. Профиль создаётся/обновляется при первом
// входе — внешний провайдер аутентификации отдаёт только uid и атрибуты.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.UID == "" {
		writeError(w, http.StatusBadRequest, "uid required")
		return
	}

	u, err := h.ws.GetUser(r.Context(), req.UID)
	if err != nil {
		logger.Errorf("sign in get user %s: %v", req.UID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if u == nil {
		u = &model.User{UID: req.UID, Name: req.Name, Email: req.Email, PhotoURL: req.PhotoURL}
		if u.Name == "" {
			u.Name = model.PlaceholderName
		}
		if err := h.ws.SaveUser(r.Context(), *u); err != nil {
			logger.Errorf("sign in save user %s: %v", req.UID, err)
			writeError(w, http.StatusInternalServerError, "failed to save profile")
			return
		}
	}

	token, err := h.provider.SignIn(r.Context(), req.UID)
	if err != nil {
		logger.Errorf("sign in %s: %v", req.UID, err)
		writeError(w, http.StatusInternalServerError, "failed to sign in")
		return
	}
	writeJSON(w, http.StatusOK, SignInResponse{Token: token, User: *u})
}

// SignOut инвалидирует токен. Отсутствующая сессия — тоже успех.
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Session-Token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "X-Session-Token required")
		return
	}
	if err := h.provider.SignOut(r.Context(), token); err != nil {
		logger.Errorf("sign out: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to sign out")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
