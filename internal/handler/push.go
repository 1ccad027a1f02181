package handler

import (
	"encoding/json"
	"net/http"

	"github.com/dabubble/internal/logger"
	"github.com/dabubble/internal/middleware"
	"github.com/dabubble/internal/push"
)

type PushHandler struct {
	sender         *push.Sender
	vapidPublicKey string
}

func NewPushHandler(sender *push.Sender, vapidPublicKey string) *PushHandler {
	return &PushHandler{sender: sender, vapidPublicKey: vapidPublicKey}
}

func (h *PushHandler) VAPIDPublic(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		writeError(w, http.StatusServiceUnavailable, "push not configured")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(h.vapidPublicKey))
}

type SubscribeRequest struct {
	Subscription push.Subscription `json:"subscription"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	uid := middleware.GetUserID(r.Context())
	if err := h.sender.Subscribe(r.Context(), uid, req.Subscription); err != nil {
		logger.Errorf("push subscribe user=%s: %v", uid, err)
		writeError(w, http.StatusBadRequest, "subscription (endpoint, keys.p256dh, keys.auth) required")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	uid := middleware.GetUserID(r.Context())
	if err := h.sender.Unsubscribe(r.Context(), uid, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe user=%s: %v", uid, err)
		writeError(w, http.StatusInternalServerError, "failed to unsubscribe")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
