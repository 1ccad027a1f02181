// Package workspace implements the membership-scoped views of the chat data:
// the channels a user belongs to, their direct chats joined with counterpart
// profiles, and channel lifecycle operations.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dabubble/internal/docstore"
	"github.com/dabubble/internal/logger"
	"github.com/dabubble/internal/model"
)

// ErrNotMember is returned by operations that require channel membership.
var ErrNotMember = errors.New("workspace: not a member")

type Workspace struct {
	store docstore.Store
}

func New(store docstore.Store) *Workspace {
	return &Workspace{store: store}
}

// ChannelsFor delivers the live set of channels uid is a member of, ordered
// by creation time. Exactly the channels whose member list contains uid are
// delivered; nothing else.
func (w *Workspace) ChannelsFor(ctx context.Context, uid string, fn func(channels []model.Channel, err error)) (docstore.CancelFunc, error) {
	q := docstore.Where("members", docstore.OpContains, uid).Ordered("created_at")
	return w.store.SubscribeCollection(ctx, model.CollectionChannels, q, func(docs []docstore.Document, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		fn(decodeChannels(docs), nil)
	})
}

// ListChannelsFor is the one-shot variant of ChannelsFor.
func (w *Workspace) ListChannelsFor(ctx context.Context, uid string) ([]model.Channel, error) {
	defer logger.DeferLogDuration("workspace.ListChannelsFor", time.Now())()
	q := docstore.Where("members", docstore.OpContains, uid).Ordered("created_at")
	docs, err := w.store.List(ctx, model.CollectionChannels, q)
	if err != nil {
		return nil, fmt.Errorf("workspace.ListChannelsFor: %w", err)
	}
	return decodeChannels(docs), nil
}

func decodeChannels(docs []docstore.Document) []model.Channel {
	channels := make([]model.Channel, 0, len(docs))
	for _, d := range docs {
		var ch model.Channel
		if err := json.Unmarshal(d.Data, &ch); err != nil {
			logger.Errorf("workspace: skipping malformed channel %s: %v", d.ID, err)
			continue
		}
		channels = append(channels, ch)
	}
	return channels
}

// ChatView pairs a direct chat with the live profile of its counterpart.
// Other is nil while the counterpart document is unavailable; the chat is
// still delivered so the list never loses entries over a profile failure.
type ChatView struct {
	Chat  model.DirectChat `json:"chat"`
	Other *model.User      `json:"other,omitempty"`
}

// DirectChatsFor delivers the live list of uid's direct chats, each joined
// with the counterpart's user document. Counterpart profiles update in place:
// a rename re-emits the list without any chat-collection change.
func (w *Workspace) DirectChatsFor(ctx context.Context, uid string, fn func(chats []ChatView, err error)) (docstore.CancelFunc, error) {
	j := &chatJoin{
		ws:       w,
		ctx:      ctx,
		uid:      uid,
		fn:       fn,
		others:   make(map[string]*model.User),
		userSubs: make(map[string]docstore.CancelFunc),
	}

	q := docstore.Where("members", docstore.OpContains, uid)
	cancel, err := w.store.SubscribeCollection(ctx, model.CollectionChats, q, j.onChats)
	if err != nil {
		return nil, fmt.Errorf("workspace.DirectChatsFor: %w", err)
	}
	j.mu.Lock()
	j.chatSub = cancel
	cancelled := j.cancelled
	j.mu.Unlock()
	if cancelled {
		// The chat subscription errored during its synchronous initial
		// delivery; everything is torn down already.
		cancel()
	}
	return j.cancel, nil
}

// chatJoin maintains the chat-list join state. Store subscribe/cancel calls
// are never made while mu is held: the store delivers synchronously and would
// re-enter. emitMu serializes emissions so consumers see list versions in
// order.
type chatJoin struct {
	ws  *Workspace
	ctx context.Context
	uid string
	fn  func([]ChatView, error)

	emitMu sync.Mutex

	mu        sync.Mutex
	chatSub   docstore.CancelFunc
	chats     []model.DirectChat
	others    map[string]*model.User
	userSubs  map[string]docstore.CancelFunc
	cancelled bool
}

func (j *chatJoin) onChats(docs []docstore.Document, err error) {
	if err != nil {
		j.fail(err)
		return
	}

	chats := make([]model.DirectChat, 0, len(docs))
	want := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		var c model.DirectChat
		if uerr := json.Unmarshal(d.Data, &c); uerr != nil {
			logger.Errorf("workspace: skipping malformed chat %s: %v", d.ID, uerr)
			continue
		}
		chats = append(chats, c)
		want[c.Counterpart(j.uid)] = struct{}{}
	}
	sort.Slice(chats, func(a, b int) bool { return chats[a].CreatedAt.Before(chats[b].CreatedAt) })

	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		return
	}
	j.chats = chats
	var toCancel []docstore.CancelFunc
	for other, cancel := range j.userSubs {
		if _, keep := want[other]; !keep {
			toCancel = append(toCancel, cancel)
			delete(j.userSubs, other)
			delete(j.others, other)
		}
	}
	var toAdd []string
	for other := range want {
		if _, have := j.userSubs[other]; !have {
			toAdd = append(toAdd, other)
			// Placeholder until the profile subscription lands, so a later
			// failure cannot drop the chat row.
			j.userSubs[other] = nil
		}
	}
	j.mu.Unlock()

	for _, cancel := range toCancel {
		cancel()
	}
	for _, other := range toAdd {
		j.subscribeUser(other)
	}
	j.emit()
}

func (j *chatJoin) subscribeUser(other string) {
	cancel, err := j.ws.store.SubscribeDocument(j.ctx, model.CollectionUsers, other, func(snap docstore.Snapshot, err error) {
		j.onUser(other, snap, err)
	})
	if err != nil {
		// Per-entity isolation: this chat degrades to Other=nil, the rest of
		// the list keeps streaming.
		logger.Errorf("workspace: user subscription for %s failed: %v", other, err)
		return
	}
	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		cancel()
		return
	}
	if _, still := j.userSubs[other]; !still {
		// Counterpart disappeared between diff and subscribe.
		j.mu.Unlock()
		cancel()
		return
	}
	j.userSubs[other] = cancel
	j.mu.Unlock()
}

func (j *chatJoin) onUser(other string, snap docstore.Snapshot, err error) {
	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		return
	}
	switch {
	case err != nil:
		logger.Errorf("workspace: user stream for %s broke: %v", other, err)
		j.others[other] = nil
	case !snap.Exists:
		j.others[other] = nil
	default:
		var u model.User
		if uerr := json.Unmarshal(snap.Doc.Data, &u); uerr != nil {
			logger.Errorf("workspace: malformed user %s: %v", other, uerr)
			j.others[other] = nil
		} else {
			j.others[other] = &u
		}
	}
	j.mu.Unlock()
	j.emit()
}

func (j *chatJoin) emit() {
	j.emitMu.Lock()
	defer j.emitMu.Unlock()

	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		return
	}
	views := make([]ChatView, len(j.chats))
	for i, c := range j.chats {
		views[i] = ChatView{Chat: c, Other: j.others[c.Counterpart(j.uid)]}
	}
	j.mu.Unlock()

	j.fn(views, nil)
}

func (j *chatJoin) fail(err error) {
	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		return
	}
	j.cancelled = true
	subs := j.collectSubsLocked()
	j.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	j.fn(nil, err)
}

func (j *chatJoin) cancel() {
	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		return
	}
	j.cancelled = true
	subs := j.collectSubsLocked()
	j.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
}

func (j *chatJoin) collectSubsLocked() []docstore.CancelFunc {
	subs := make([]docstore.CancelFunc, 0, len(j.userSubs)+1)
	if j.chatSub != nil {
		subs = append(subs, j.chatSub)
	}
	for _, cancel := range j.userSubs {
		if cancel != nil {
			subs = append(subs, cancel)
		}
	}
	j.userSubs = make(map[string]docstore.CancelFunc)
	return subs
}

// EnsureDirectChat returns the direct chat between me and other, creating it
// if absent. The id is deterministic over the unordered uid pair, so both
// sides converge on the same document; me==other yields the notes-to-self
// chat. Creation is an upsert: a concurrent Ensure from the other side writes
// equivalent content.
func (w *Workspace) EnsureDirectChat(ctx context.Context, me, other string) (model.DirectChat, error) {
	defer logger.DeferLogDuration("workspace.EnsureDirectChat", time.Now())()
	if me == "" || other == "" {
		return model.DirectChat{}, errors.New("workspace.EnsureDirectChat: both uids required")
	}
	id := model.DirectChatID(me, other)

	snap, err := w.store.GetOnce(ctx, model.CollectionChats, id)
	if err != nil {
		return model.DirectChat{}, fmt.Errorf("workspace.EnsureDirectChat: %w", err)
	}
	if snap.Exists {
		var c model.DirectChat
		if err := json.Unmarshal(snap.Doc.Data, &c); err != nil {
			return model.DirectChat{}, fmt.Errorf("workspace.EnsureDirectChat: decode %s: %w", id, err)
		}
		return c, nil
	}

	a, b := me, other
	if a > b {
		a, b = b, a
	}
	chat := model.DirectChat{
		ID:        id,
		Members:   []string{a, b},
		Sender:    w.userRef(ctx, me),
		Receiver:  w.userRef(ctx, other),
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(chat)
	if err != nil {
		return model.DirectChat{}, fmt.Errorf("workspace.EnsureDirectChat: %w", err)
	}
	if err := w.store.Set(ctx, model.CollectionChats, id, data); err != nil {
		return model.DirectChat{}, fmt.Errorf("workspace.EnsureDirectChat: %w", err)
	}
	return chat, nil
}

// userRef resolves a display snapshot, falling back to a placeholder so chat
// creation never fails over a missing profile.
func (w *Workspace) userRef(ctx context.Context, uid string) model.UserRef {
	u, err := w.GetUser(ctx, uid)
	if err != nil || u == nil {
		return model.UserRef{UID: uid, Name: model.PlaceholderName}
	}
	return u.Ref()
}

// GetUser returns the user document, or (nil, nil) when absent.
func (w *Workspace) GetUser(ctx context.Context, uid string) (*model.User, error) {
	snap, err := w.store.GetOnce(ctx, model.CollectionUsers, uid)
	if err != nil {
		return nil, fmt.Errorf("workspace.GetUser: %w", err)
	}
	if !snap.Exists {
		return nil, nil
	}
	var u model.User
	if err := json.Unmarshal(snap.Doc.Data, &u); err != nil {
		return nil, fmt.Errorf("workspace.GetUser: decode %s: %w", uid, err)
	}
	return &u, nil
}

// SaveUser upserts a user profile document.
func (w *Workspace) SaveUser(ctx context.Context, u model.User) error {
	defer logger.DeferLogDuration("workspace.SaveUser", time.Now())()
	if err := u.Validate(); err != nil {
		return fmt.Errorf("workspace.SaveUser: %w", err)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("workspace.SaveUser: %w", err)
	}
	if err := w.store.Set(ctx, model.CollectionUsers, u.UID, data); err != nil {
		return fmt.Errorf("workspace.SaveUser: %w", err)
	}
	return nil
}

// SetUserOnline flips the online flag on the profile document so chat-list
// subscribers see presence without a separate stream. Missing profiles are
// not an error: the flag only matters for users that exist.
func (w *Workspace) SetUserOnline(ctx context.Context, uid string, online bool) error {
	err := w.store.Update(ctx, model.CollectionUsers, uid, map[string]any{"online": online})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("workspace.SetUserOnline: %w", err)
	}
	return nil
}

// Users lists all user profiles ordered by name. Feeds the mention picker.
func (w *Workspace) Users(ctx context.Context) ([]model.User, error) {
	docs, err := w.store.List(ctx, model.CollectionUsers, docstore.Query{OrderBy: "name"})
	if err != nil {
		return nil, fmt.Errorf("workspace.Users: %w", err)
	}
	users := make([]model.User, 0, len(docs))
	for _, d := range docs {
		var u model.User
		if err := json.Unmarshal(d.Data, &u); err != nil {
			logger.Errorf("workspace: skipping malformed user %s: %v", d.ID, err)
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

// CreateChannel persists a new channel. The creator is always a member.
func (w *Workspace) CreateChannel(ctx context.Context, ch model.Channel) (model.Channel, error) {
	defer logger.DeferLogDuration("workspace.CreateChannel", time.Now())()
	if ch.ID == "" {
		ch.ID = w.store.NewID()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	if !ch.HasMember(ch.CreatedBy) {
		ch.Members = append(ch.Members, ch.CreatedBy)
	}
	if err := ch.Validate(); err != nil {
		return model.Channel{}, fmt.Errorf("workspace.CreateChannel: %w", err)
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return model.Channel{}, fmt.Errorf("workspace.CreateChannel: %w", err)
	}
	if err := w.store.Set(ctx, model.CollectionChannels, ch.ID, data); err != nil {
		return model.Channel{}, fmt.Errorf("workspace.CreateChannel: %w", err)
	}
	return ch, nil
}

// GetChannel returns the channel, or (nil, nil) when absent.
func (w *Workspace) GetChannel(ctx context.Context, id string) (*model.Channel, error) {
	snap, err := w.store.GetOnce(ctx, model.CollectionChannels, id)
	if err != nil {
		return nil, fmt.Errorf("workspace.GetChannel: %w", err)
	}
	if !snap.Exists {
		return nil, nil
	}
	var ch model.Channel
	if err := json.Unmarshal(snap.Doc.Data, &ch); err != nil {
		return nil, fmt.Errorf("workspace.GetChannel: decode %s: %w", id, err)
	}
	return &ch, nil
}

// UpdateChannel patches name and description. Only members may edit.
func (w *Workspace) UpdateChannel(ctx context.Context, id, actor, name, description string) error {
	defer logger.DeferLogDuration("workspace.UpdateChannel", time.Now())()
	ch, err := w.requireMember(ctx, id, actor)
	if err != nil {
		return fmt.Errorf("workspace.UpdateChannel: %w", err)
	}
	fields := map[string]any{}
	if name != "" && name != ch.Name {
		fields["name"] = name
	}
	if description != ch.Description {
		fields["description"] = description
	}
	if len(fields) == 0 {
		return nil
	}
	if err := w.store.Update(ctx, model.CollectionChannels, id, fields); err != nil {
		return fmt.Errorf("workspace.UpdateChannel: %w", err)
	}
	return nil
}

// AddMembers appends uids to the channel member list, skipping duplicates.
func (w *Workspace) AddMembers(ctx context.Context, id, actor string, uids []string) error {
	defer logger.DeferLogDuration("workspace.AddMembers", time.Now())()
	ch, err := w.requireMember(ctx, id, actor)
	if err != nil {
		return fmt.Errorf("workspace.AddMembers: %w", err)
	}
	members := ch.Members
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		seen[m] = struct{}{}
	}
	added := false
	for _, uid := range uids {
		if uid == "" {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		members = append(members, uid)
		added = true
	}
	if !added {
		return nil
	}
	if err := w.store.Update(ctx, model.CollectionChannels, id, map[string]any{"members": members}); err != nil {
		return fmt.Errorf("workspace.AddMembers: %w", err)
	}
	return nil
}

// RemoveMember drops uid from the channel. Members may remove themselves
// (leave) or others.
func (w *Workspace) RemoveMember(ctx context.Context, id, actor, uid string) error {
	defer logger.DeferLogDuration("workspace.RemoveMember", time.Now())()
	ch, err := w.requireMember(ctx, id, actor)
	if err != nil {
		return fmt.Errorf("workspace.RemoveMember: %w", err)
	}
	members := make([]string, 0, len(ch.Members))
	for _, m := range ch.Members {
		if m != uid {
			members = append(members, m)
		}
	}
	if len(members) == len(ch.Members) {
		return nil
	}
	if err := w.store.Update(ctx, model.CollectionChannels, id, map[string]any{"members": members}); err != nil {
		return fmt.Errorf("workspace.RemoveMember: %w", err)
	}
	return nil
}

// CanAccess reports whether uid may read and write the given message
// container. Channel containers require channel membership; chat containers
// require uid to be one of the pair encoded in the chat id. Thread containers
// inherit from their parent.
func (w *Workspace) CanAccess(ctx context.Context, uid, container string) (bool, error) {
	if uid == "" || container == "" {
		return false, nil
	}
	parts := strings.Split(container, "/")
	if len(parts) < 3 || parts[2] != "messages" {
		return false, nil
	}
	switch parts[0] {
	case model.CollectionChannels:
		ch, err := w.GetChannel(ctx, parts[1])
		if err != nil {
			return false, err
		}
		return ch != nil && ch.HasMember(uid), nil
	case model.CollectionChats:
		for _, m := range strings.SplitN(parts[1], "_", 2) {
			if m == uid {
				return true, nil
			}
		}
		return false, nil
	}
	return false, nil
}

func (w *Workspace) requireMember(ctx context.Context, id, actor string) (*model.Channel, error) {
	ch, err := w.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, docstore.ErrNotFound
	}
	if !ch.HasMember(actor) {
		return nil, ErrNotMember
	}
	return ch, nil
}
