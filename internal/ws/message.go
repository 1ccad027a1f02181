package ws

import (
	"github.com/dabubble/internal/model"
	"github.com/dabubble/internal/workspace"
)

type EventType string

// Client -> server.
const (
	EventSubscribeChannels EventType = "subscribe_channels"
	EventSubscribeChats    EventType = "subscribe_chats"
	EventSubscribeMessages EventType = "subscribe_messages"
	EventSubscribeThread   EventType = "subscribe_thread"
	EventUnsubscribe       EventType = "unsubscribe"
	EventSendMessage       EventType = "send_message"
	EventEditMessage       EventType = "edit_message"
	EventDeleteMessage     EventType = "delete_message"
	EventToggleReaction    EventType = "toggle_reaction"
	EventEnsureChat        EventType = "ensure_chat"
	EventHeartbeat         EventType = "heartbeat"
)

// Server -> client.
const (
	EventChannels    EventType = "channels"
	EventChats       EventType = "chats"
	EventMessages    EventType = "messages"
	EventThread      EventType = "thread"
	EventChatEnsured EventType = "chat_ensured"
	EventMessageSent EventType = "message_sent"
	EventUserOnline  EventType = "user_online"
	EventUserOffline EventType = "user_offline"
	EventError       EventType = "error"
)

// Subscription slot names: a re-subscribe on the same slot replaces the
// previous stream, so switching channels never leaks a subscription.
const (
	slotChannels = "channels"
	slotChats    = "chats"
	slotMessages = "messages"
	slotThread   = "thread"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type EventType `json:"type"`

	// Container path for message/thread subscriptions and mutations.
	Container string `json:"container,omitempty"`

	// For send/edit/delete/reactions
	MessageID   string             `json:"message_id,omitempty"`
	Text        string             `json:"text,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
	Emoji       string             `json:"emoji,omitempty"`

	// For ensure_chat
	OtherUID string `json:"other_uid,omitempty"`

	// For unsubscribe: one of the subscription slot names.
	Slot string `json:"slot,omitempty"`
}

// OutgoingMessage is what the server sends to the client.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type OutgoingMessage struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// MessagesPayload carries a full ordered snapshot of a container.
type MessagesPayload struct {
	Container string          `json:"container"`
	Messages  []model.Message `json:"messages"`
}

// ChatsPayload carries the joined direct-chat list.
type ChatsPayload struct {
	Chats []workspace.ChatView `json:"chats"`
}

// ChannelsPayload carries the membership-scoped channel list.
type ChannelsPayload struct {
	Channels []model.Channel `json:"channels"`
}

// UserStatusPayload is broadcast for online/offline status.
type UserStatusPayload struct {
	UID    string `json:"uid"`
	Online bool   `json:"online"`
}

// ErrorPayload names the failed request type alongside the message.
type ErrorPayload struct {
	Request EventType `json:"request,omitempty"`
	Message string    `json:"message"`
}
