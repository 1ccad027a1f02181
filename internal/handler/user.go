package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dabubble/internal/logger"
	"github.com/dabubble/internal/middleware"
	"github.com/dabubble/internal/model"
	"github.com/dabubble/internal/workspace"
)

type UserHandler struct {
	ws *workspace.Workspace
}

func NewUserHandler(ws *workspace.Workspace) *UserHandler {
	return &UserHandler{ws: ws}
}

// List отдаёт всех пользователей (для пикера упоминаний и создания чатов).
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.ws.Users(r.Context())
	if err != nil {
		logger.Errorf("list users: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	u, err := h.ws.GetUser(r.Context(), uid)
	if err != nil {
		logger.Errorf("get user %s: %v", uid, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type UpdateProfileRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	PhotoURL string `json:"photo_url"`
}

// UpdateProfile обновляет собственный профиль.
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	uid := middleware.GetUserID(r.Context())
	var req UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	u, err := h.ws.GetUser(r.Context(), uid)
	if err != nil {
		logger.Errorf("update profile get %s: %v", uid, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if u == nil {
		u = &model.User{UID: uid}
	}
	if req.Name != "" {
		u.Name = req.Name
	}
	if req.Email != "" {
		u.Email = req.Email
	}
	if req.PhotoURL != "" {
		u.PhotoURL = req.PhotoURL
	}
	if err := h.ws.SaveUser(r.Context(), *u); err != nil {
		logger.Errorf("update profile save %s: %v", uid, err)
		writeError(w, http.StatusInternalServerError, "failed to save profile")
		return
	}
	writeJSON(w, http.StatusOK, u)
}
