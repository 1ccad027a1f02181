package ws

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dabubble/internal/engine"
	"github.com/dabubble/internal/logger"
	"github.com/dabubble/internal/model"
	"github.com/dabubble/internal/presence"
	"github.com/dabubble/internal/workspace"
)

// PushNotifier отправляет пуш-уведомления. Если nil — пуши не отправляются.
type PushNotifier interface {
	Notify(ctx context.Context, uid, title, body string, data map[string]string)
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	ws       *workspace.Workspace
	eng      *engine.Engine
	presence presence.Store
	push     PushNotifier

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(ws *workspace.Workspace, eng *engine.Engine, pres presence.Store, maxConns int, push PushNotifier) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		ws:         ws,
		eng:        eng,
		presence:   pres,
		push:       push,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.uid)
		c.Close()
		return
	}
	if _, ok := h.clients[c.uid]; !ok {
		h.clients[c.uid] = make(map[*Client]struct{})
	}
	h.clients[c.uid][c] = struct{}{}
	h.total++
	firstClient := len(h.clients[c.uid]) == 1
	h.mu.Unlock()

	if firstClient {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.SetOnline(ctx, c.uid); err != nil {
			logger.Errorf("ws set online user=%s: %v", c.uid, err)
		}
		if err := h.ws.SetUserOnline(ctx, c.uid, true); err != nil {
			logger.Errorf("ws persist online user=%s: %v", c.uid, err)
		}
		h.broadcastUserStatus(c.uid, true)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.uid]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	lastClient := len(clients) == 0
	if lastClient {
		delete(h.clients, c.uid)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()

	if lastClient {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.SetOffline(ctx, c.uid); err != nil {
			logger.Errorf("ws set offline user=%s: %v", c.uid, err)
		}
		if err := h.ws.SetUserOnline(ctx, c.uid, false); err != nil {
			logger.Errorf("ws persist offline user=%s: %v", c.uid, err)
		}
		h.broadcastUserStatus(c.uid, false)
	}
}

// HandleMessage dispatches incoming WebSocket messages.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	switch msg.Type {
	case EventSubscribeChannels:
		h.handleSubscribeChannels(ctx, c)
	case EventSubscribeChats:
		h.handleSubscribeChats(ctx, c)
	case EventSubscribeMessages:
		h.handleSubscribeMessages(ctx, c, msg)
	case EventSubscribeThread:
		h.handleSubscribeThread(ctx, c, msg)
	case EventUnsubscribe:
		c.dropSub(msg.Slot)
	case EventSendMessage:
		h.handleSendMessage(ctx, c, msg)
	case EventEditMessage:
		h.handleEditMessage(ctx, c, msg)
	case EventDeleteMessage:
		h.handleDeleteMessage(ctx, c, msg)
	case EventToggleReaction:
		h.handleToggleReaction(ctx, c, msg)
	case EventEnsureChat:
		h.handleEnsureChat(ctx, c, msg)
	case EventHeartbeat:
		h.handleHeartbeat(ctx, c)
	default:
		h.sendError(c, msg.Type, "unknown event type")
	}
}

func (h *Hub) handleSubscribeChannels(ctx context.Context, c *Client) {
	cancel, err := h.ws.ChannelsFor(ctx, c.uid, func(channels []model.Channel, err error) {
		if err != nil {
			h.sendError(c, EventSubscribeChannels, "channel stream broke, resubscribe")
			return
		}
		h.sendToClient(c, OutgoingMessage{Type: EventChannels, Payload: ChannelsPayload{Channels: channels}})
	})
	if err != nil {
		logger.Errorf("ws subscribe channels user=%s: %v", c.uid, err)
		h.sendError(c, EventSubscribeChannels, "subscription failed")
		return
	}
	c.setSub(slotChannels, cancel)
}

func (h *Hub) handleSubscribeChats(ctx context.Context, c *Client) {
	cancel, err := h.ws.DirectChatsFor(ctx, c.uid, func(chats []workspace.ChatView, err error) {
		if err != nil {
			h.sendError(c, EventSubscribeChats, "chat stream broke, resubscribe")
			return
		}
		h.sendToClient(c, OutgoingMessage{Type: EventChats, Payload: ChatsPayload{Chats: chats}})
	})
	if err != nil {
		logger.Errorf("ws subscribe chats user=%s: %v", c.uid, err)
		h.sendError(c, EventSubscribeChats, "subscription failed")
		return
	}
	c.setSub(slotChats, cancel)
}

// authorizeContainer checks that c's user may access the message container.
// Thread containers inherit from their parent. Sends an error event on denial.
func (h *Hub) authorizeContainer(ctx context.Context, c *Client, request EventType, container string) bool {
	ok, err := h.ws.CanAccess(ctx, c.uid, container)
	if err != nil {
		logger.Errorf("ws authorize user=%s container=%s: %v", c.uid, container, err)
		h.sendError(c, request, "authorization failed")
		return false
	}
	if !ok {
		h.sendError(c, request, "not a member of this container")
		return false
	}
	return true
}

func (h *Hub) handleSubscribeMessages(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.Container == "" {
		h.sendError(c, EventSubscribeMessages, "container required")
		return
	}
	if !h.authorizeContainer(ctx, c, EventSubscribeMessages, msg.Container) {
		return
	}
	container := msg.Container
	cancel, err := h.eng.Messages(ctx, container, func(msgs []model.Message, err error) {
		if err != nil {
			h.sendError(c, EventSubscribeMessages, "message stream broke, resubscribe")
			return
		}
		h.sendToClient(c, OutgoingMessage{Type: EventMessages, Payload: MessagesPayload{Container: container, Messages: msgs}})
	})
	if err != nil {
		logger.Errorf("ws subscribe messages user=%s container=%s: %v", c.uid, container, err)
		h.sendError(c, EventSubscribeMessages, "subscription failed")
		return
	}
	c.setSub(slotMessages, cancel)
}

func (h *Hub) handleSubscribeThread(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.Container == "" || msg.MessageID == "" {
		h.sendError(c, EventSubscribeThread, "container and message_id required")
		return
	}
	if !h.authorizeContainer(ctx, c, EventSubscribeThread, msg.Container) {
		return
	}
	thread := engine.ThreadPath(msg.Container, msg.MessageID)
	cancel, err := h.eng.Messages(ctx, thread, func(msgs []model.Message, err error) {
		if err != nil {
			h.sendError(c, EventSubscribeThread, "thread stream broke, resubscribe")
			return
		}
		h.sendToClient(c, OutgoingMessage{Type: EventThread, Payload: MessagesPayload{Container: thread, Messages: msgs}})
	})
	if err != nil {
		logger.Errorf("ws subscribe thread user=%s container=%s: %v", c.uid, thread, err)
		h.sendError(c, EventSubscribeThread, "subscription failed")
		return
	}
	c.setSub(slotThread, cancel)
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	if msg.Container == "" || (msg.Text == "" && len(msg.Attachments) == 0) {
		h.sendError(c, EventSendMessage, "container and text required")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if !h.authorizeContainer(ctx, c, EventSendMessage, msg.Container) {
		return
	}

	sent, err := h.eng.Send(ctx, msg.Container, c.uid, msg.Text, msg.Attachments)
	if err != nil {
		logger.Errorf("ws send message user=%s container=%s: %v", c.uid, msg.Container, err)
		h.sendError(c, EventSendMessage, "failed to send")
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventMessageSent, Payload: sent})

	if h.push != nil {
		go h.notifyRecipients(msg.Container, c.uid, sent)
	}
}

// notifyRecipients пушит получателям: в личном чате — собеседнику, в канале —
// только упомянутым через @. Отправка вне пути запроса (best effort).
func (h *Hub) notifyRecipients(container, senderUID string, sent model.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender, err := h.ws.GetUser(ctx, senderUID)
	title := model.PlaceholderName
	if err == nil && sender != nil {
		title = sender.Name
	}
	body := sent.Text
	if body == "" {
		body = "Attachment"
	}
	if len(body) > 120 {
		body = body[:117] + "..."
	}
	data := map[string]string{"container": container, "message_id": sent.ID}

	parts := strings.Split(container, "/")
	if len(parts) < 3 {
		return
	}
	switch parts[0] {
	case model.CollectionChats:
		for _, uid := range strings.SplitN(parts[1], "_", 2) {
			if uid != "" && uid != senderUID {
				h.push.Notify(ctx, uid, title, body, data)
			}
		}
	case model.CollectionChannels:
		if !strings.Contains(sent.Text, "@") {
			return
		}
		ch, err := h.ws.GetChannel(ctx, parts[1])
		if err != nil || ch == nil {
			return
		}
		for _, uid := range ch.Members {
			if uid == senderUID {
				continue
			}
			u, err := h.ws.GetUser(ctx, uid)
			if err != nil || u == nil {
				continue
			}
			if mentionsName(sent.Text, u.Name) {
				h.push.Notify(ctx, uid, title+" in #"+ch.Name, body, data)
			}
		}
	}
}

// mentionsName reports whether text contains "@"+name followed by a word
// boundary, so "@Albert" does not also mention a user named "Al".
func mentionsName(text, name string) bool {
	if name == "" {
		return false
	}
	token := "@" + name
	for i := 0; ; {
		j := strings.Index(text[i:], token)
		if j < 0 {
			return false
		}
		end := i + j + len(token)
		if end == len(text) {
			return true
		}
		r, _ := utf8.DecodeRuneInString(text[end:])
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return true
		}
		i = end
	}
}

func (h *Hub) handleEditMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleEditMessage", time.Now())()
	if msg.Container == "" || msg.MessageID == "" || msg.Text == "" {
		h.sendError(c, EventEditMessage, "container, message_id and text required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if !h.authorizeContainer(ctx, c, EventEditMessage, msg.Container) {
		return
	}
	if err := h.eng.Edit(ctx, msg.Container, msg.MessageID, c.uid, msg.Text); err != nil {
		logger.Errorf("ws edit message %s user=%s: %v", msg.MessageID, c.uid, err)
		h.sendError(c, EventEditMessage, "failed to edit")
	}
}

func (h *Hub) handleDeleteMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.handleDeleteMessage", time.Now())()
	if msg.Container == "" || msg.MessageID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if !h.authorizeContainer(ctx, c, EventDeleteMessage, msg.Container) {
		return
	}
	if err := h.eng.Delete(ctx, msg.Container, msg.MessageID, c.uid); err != nil {
		logger.Errorf("ws delete message %s user=%s: %v", msg.MessageID, c.uid, err)
		h.sendError(c, EventDeleteMessage, "failed to delete")
	}
}

func (h *Hub) handleToggleReaction(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.Container == "" || msg.MessageID == "" || msg.Emoji == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if !h.authorizeContainer(ctx, c, EventToggleReaction, msg.Container) {
		return
	}
	if err := h.eng.ToggleReaction(ctx, msg.Container, msg.MessageID, c.uid, msg.Emoji); err != nil {
		logger.Errorf("ws toggle reaction %s user=%s: %v", msg.MessageID, c.uid, err)
		h.sendError(c, EventToggleReaction, "failed to toggle reaction")
	}
}

func (h *Hub) handleEnsureChat(ctx context.Context, c *Client, msg IncomingMessage) {
	if msg.OtherUID == "" {
		h.sendError(c, EventEnsureChat, "other_uid required")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	chat, err := h.ws.EnsureDirectChat(ctx, c.uid, msg.OtherUID)
	if err != nil {
		logger.Errorf("ws ensure chat user=%s other=%s: %v", c.uid, msg.OtherUID, err)
		h.sendError(c, EventEnsureChat, "failed to create chat")
		return
	}
	h.sendToClient(c, OutgoingMessage{Type: EventChatEnsured, Payload: chat})
}

func (h *Hub) handleHeartbeat(ctx context.Context, c *Client) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := h.presence.Heartbeat(ctx, c.uid); err != nil {
		logger.Errorf("ws heartbeat user=%s: %v", c.uid, err)
	}
}

// broadcastUserStatus рассылает смену статуса всем подключённым клиентам:
// в рабочем пространстве присутствие видно всем.
func (h *Hub) broadcastUserStatus(uid string, online bool) {
	evType := EventUserOffline
	if online {
		evType = EventUserOnline
	}
	out := OutgoingMessage{Type: evType, Payload: UserStatusPayload{UID: uid, Online: online}}

	h.mu.RLock()
	targets := make([]*Client, 0, h.total)
	for u, clients := range h.clients {
		if u == uid {
			continue
		}
		for c := range clients {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.sendToClient(c, out)
	}
}

func (h *Hub) sendError(c *Client, request EventType, message string) {
	h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: ErrorPayload{Request: request, Message: message}})
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.uid)
		c.Close()
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
