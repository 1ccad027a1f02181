package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dabubble/internal/docstore"
	"github.com/dabubble/internal/engine"
	"github.com/dabubble/internal/logger"
	"github.com/dabubble/internal/middleware"
	"github.com/dabubble/internal/model"
	"github.com/dabubble/internal/workspace"
)

// MessageHandler — REST-доступ к сообщениям (история, отправка, правка).
// Живые обновления идут по WebSocket; эти ручки нужны для первичной загрузки
// и клиентов без сокета.
type MessageHandler struct {
	ws  *workspace.Workspace
	eng *engine.Engine
}

func NewMessageHandler(ws *workspace.Workspace, eng *engine.Engine) *MessageHandler {
	return &MessageHandler{ws: ws, eng: eng}
}

// History отдаёт сообщения контейнера по возрастанию времени.
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	container := r.URL.Query().Get("container")
	uid := middleware.GetUserID(r.Context())
	if !h.authorize(w, r, uid, container) {
		return
	}
	msgs, err := h.eng.ListMessages(r.Context(), container)
	if err != nil {
		logger.Errorf("history container=%s: %v", container, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type SendMessageRequest struct {
	Container   string             `json:"container"`
	Text        string             `json:"text"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	uid := middleware.GetUserID(r.Context())
	if !h.authorize(w, r, uid, req.Container) {
		return
	}
	if req.Text == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "text or attachments required")
		return
	}
	msg, err := h.eng.Send(r.Context(), req.Container, uid, req.Text, req.Attachments)
	if err != nil {
		logger.Errorf("send container=%s user=%s: %v", req.Container, uid, err)
		writeError(w, http.StatusInternalServerError, "failed to send")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type EditMessageRequest struct {
	Container string `json:"container"`
	Text      string `json:"text"`
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text required")
		return
	}
	uid := middleware.GetUserID(r.Context())
	if !h.authorize(w, r, uid, req.Container) {
		return
	}
	if err := h.eng.Edit(r.Context(), req.Container, id, uid, req.Text); err != nil {
		h.writeEngineError(w, "edit", id, uid, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	container := r.URL.Query().Get("container")
	uid := middleware.GetUserID(r.Context())
	if !h.authorize(w, r, uid, container) {
		return
	}
	if err := h.eng.Delete(r.Context(), container, id, uid); err != nil {
		h.writeEngineError(w, "delete", id, uid, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type ToggleReactionRequest struct {
	Container string `json:"container"`
	Emoji     string `json:"emoji"`
}

func (h *MessageHandler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")
	var req ToggleReactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Emoji == "" {
		writeError(w, http.StatusBadRequest, "emoji required")
		return
	}
	uid := middleware.GetUserID(r.Context())
	if !h.authorize(w, r, uid, req.Container) {
		return
	}
	if err := h.eng.ToggleReaction(r.Context(), req.Container, id, uid, req.Emoji); err != nil {
		h.writeEngineError(w, "toggle reaction", id, uid, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorize проверяет, что uid — участник пространства контейнера.
func (h *MessageHandler) authorize(w http.ResponseWriter, r *http.Request, uid, container string) bool {
	if container == "" {
		writeError(w, http.StatusBadRequest, "container required")
		return false
	}
	ok, err := h.ws.CanAccess(r.Context(), uid, container)
	if err != nil {
		logger.Errorf("authorize container=%s user=%s: %v", container, uid, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a member")
		return false
	}
	return true
}

func (h *MessageHandler) writeEngineError(w http.ResponseWriter, op, id, uid string, err error) {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	case errors.Is(err, engine.ErrNotAuthor):
		writeError(w, http.StatusForbidden, "not the author")
	default:
		logger.Errorf("%s message=%s user=%s: %v", op, id, uid, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
