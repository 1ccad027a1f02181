package handler

import (
	"encoding/json"
	"net/http"

	"github.com/dabubble/internal/logger"
	"github.com/dabubble/internal/mention"
	"github.com/dabubble/internal/middleware"
	"github.com/dabubble/internal/workspace"
)

// MentionHandler — серверная часть автодополнения @user / #channel для
// клиентов без локального кеша пользователей и каналов.
type MentionHandler struct {
	ws     *workspace.Workspace
	editor *mention.Editor
}

func NewMentionHandler(ws *workspace.Workspace) *MentionHandler {
	return &MentionHandler{ws: ws, editor: mention.NewEditor()}
}

type SuggestRequest struct {
	Text   string `json:"text"`
	Cursor int    `json:"cursor"`
}

type SuggestResponse struct {
	Users    mention.Suggestion `json:"users"`
	Channels mention.Suggestion `json:"channels"`
}

// Suggest прогоняет черновик через оба трекера. Кандидаты @ — все
// пользователи, # — каналы текущего пользователя.
func (h *MentionHandler) Suggest(w http.ResponseWriter, r *http.Request) {
	var req SuggestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	uid := middleware.GetUserID(r.Context())

	users, err := h.ws.Users(r.Context())
	if err != nil {
		logger.Errorf("mention suggest users: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	channels, err := h.ws.ListChannelsFor(r.Context(), uid)
	if err != nil {
		logger.Errorf("mention suggest channels user=%s: %v", uid, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	userCands := make([]mention.Candidate, 0, len(users))
	for _, u := range users {
		userCands = append(userCands, mention.Candidate{ID: u.UID, Name: u.Name})
	}
	chanCands := make([]mention.Candidate, 0, len(channels))
	for _, ch := range channels {
		chanCands = append(chanCands, mention.Candidate{ID: ch.ID, Name: ch.Name})
	}

	userSug, chanSug := h.editor.Update(req.Text, req.Cursor, userCands, chanCands)
	writeJSON(w, http.StatusOK, SuggestResponse{Users: userSug, Channels: chanSug})
}

type ApplyRequest struct {
	Text       string             `json:"text"`
	Cursor     int                `json:"cursor"`
	Trigger    string             `json:"trigger"` // "@" or "#"
	Suggestion mention.Suggestion `json:"suggestion"`
	Chosen     mention.Candidate  `json:"chosen"`
}

type ApplyResponse struct {
	Text   string `json:"text"`
	Cursor int    `json:"cursor"`
}

// Apply вклеивает выбранного кандидата в черновик и отдаёт новый текст с
// позицией курсора (в конце текста).
func (h *MentionHandler) Apply(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var text string
	var cursor int
	switch req.Trigger {
	case "@":
		req.Suggestion.Active = true
		text, cursor = h.editor.ApplyUser(req.Text, req.Cursor, req.Suggestion, req.Chosen)
	case "#":
		req.Suggestion.Active = true
		text, cursor = h.editor.ApplyChannel(req.Text, req.Cursor, req.Suggestion, req.Chosen)
	default:
		writeError(w, http.StatusBadRequest, "trigger must be @ or #")
		return
	}
	writeJSON(w, http.StatusOK, ApplyResponse{Text: text, Cursor: cursor})
}
