package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dabubble/internal/docstore"
	"github.com/dabubble/internal/logger"
	"github.com/dabubble/internal/middleware"
	"github.com/dabubble/internal/model"
	"github.com/dabubble/internal/workspace"
)

type ChannelHandler struct {
	ws *workspace.Workspace
}

func NewChannelHandler(ws *workspace.Workspace) *ChannelHandler {
	return &ChannelHandler{ws: ws}
}

// List отдаёт каналы текущего пользователя (живой список — по WebSocket).
func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	uid := middleware.GetUserID(r.Context())
	channels, err := h.ws.ListChannelsFor(r.Context(), uid)
	if err != nil {
		logger.Errorf("list channels user=%s: %v", uid, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, channels)
}

type CreateChannelRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
}

func (h *ChannelHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	uid := middleware.GetUserID(r.Context())
	ch, err := h.ws.CreateChannel(r.Context(), model.Channel{
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   uid,
		Members:     req.Members,
	})
	if err != nil {
		logger.Errorf("create channel user=%s: %v", uid, err)
		writeError(w, http.StatusInternalServerError, "failed to create channel")
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (h *ChannelHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelID")
	ch, err := h.ws.GetChannel(r.Context(), id)
	if err != nil {
		logger.Errorf("get channel %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if ch == nil {
		writeError(w, http.StatusNotFound, "channel not found")
		return
	}
	if !ch.HasMember(middleware.GetUserID(r.Context())) {
		writeError(w, http.StatusForbidden, "not a member")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type UpdateChannelRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (h *ChannelHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelID")
	var req UpdateChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	uid := middleware.GetUserID(r.Context())
	if err := h.ws.UpdateChannel(r.Context(), id, uid, req.Name, req.Description); err != nil {
		h.writeWorkspaceError(w, "update channel", id, uid, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type AddMembersRequest struct {
	UIDs []string `json:"uids"`
}

func (h *ChannelHandler) AddMembers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelID")
	var req AddMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(req.UIDs) == 0 {
		writeError(w, http.StatusBadRequest, "uids required")
		return
	}
	uid := middleware.GetUserID(r.Context())
	if err := h.ws.AddMembers(r.Context(), id, uid, req.UIDs); err != nil {
		h.writeWorkspaceError(w, "add members", id, uid, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveMember удаляет участника; свой uid — выход из канала.
func (h *ChannelHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channelID")
	target := chi.URLParam(r, "uid")
	uid := middleware.GetUserID(r.Context())
	if err := h.ws.RemoveMember(r.Context(), id, uid, target); err != nil {
		h.writeWorkspaceError(w, "remove member", id, uid, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChannelHandler) writeWorkspaceError(w http.ResponseWriter, op, channelID, uid string, err error) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "channel not found")
	case errors.Is(err, workspace.ErrNotMember):
		writeError(w, http.StatusForbidden, "not a member")
	default:
		logger.Errorf("%s channel=%s user=%s: %v", op, channelID, uid, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
