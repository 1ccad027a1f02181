package handler

import (
	"encoding/json"
	"net/http"

	"github.com/dabubble/internal/logger"
	"github.com/dabubble/internal/middleware"
	"github.com/dabubble/internal/workspace"
)

type ChatHandler struct {
	ws *workspace.Workspace
}

func NewChatHandler(ws *workspace.Workspace) *ChatHandler {
	return &ChatHandler{ws: ws}
}

type EnsureChatRequest struct {
	OtherUID string `json:"other_uid"`
}

// Ensure возвращает личный чат с собеседником, создавая его при отсутствии.
// other_uid == свой uid даёт чат с самим собой (заметки).
func (h *ChatHandler) Ensure(w http.ResponseWriter, r *http.Request) {
	var req EnsureChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.OtherUID == "" {
		writeError(w, http.StatusBadRequest, "other_uid required")
		return
	}
	uid := middleware.GetUserID(r.Context())
	chat, err := h.ws.EnsureDirectChat(r.Context(), uid, req.OtherUID)
	if err != nil {
		logger.Errorf("ensure chat user=%s other=%s: %v", uid, req.OtherUID, err)
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}
	writeJSON(w, http.StatusOK, chat)
}
