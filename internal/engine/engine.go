// Package engine implements message lifecycle inside a container: sending,
// editing, deleting, thread replies and emoji reactions. A container is the
// message collection of a channel, a direct chat, or a thread.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dabubble/internal/docstore"
	"github.com/dabubble/internal/logger"
	"github.com/dabubble/internal/model"
)

// ErrNotAuthor is returned when someone edits or deletes a message they did
// not write.
var ErrNotAuthor = errors.New("engine: not the author")

// ChannelMessages returns the message container path of a channel.
func ChannelMessages(channelID string) string {
	return model.CollectionChannels + "/" + channelID + "/messages"
}

// ChatMessages returns the message container path of a direct chat.
func ChatMessages(chatID string) string {
	return model.CollectionChats + "/" + chatID + "/messages"
}

// ThreadPath returns the reply container of a message within its container.
func ThreadPath(container, messageID string) string {
	return container + "/" + messageID + "/thread"
}

// parseThread splits a thread container back into the parent message
// location. Returns ok=false for top-level containers.
func parseThread(container string) (parentColl, parentID string, ok bool) {
	if !strings.HasSuffix(container, "/thread") {
		return "", "", false
	}
	trimmed := strings.TrimSuffix(container, "/thread")
	i := strings.LastIndex(trimmed, "/")
	if i < 0 {
		return "", "", false
	}
	return trimmed[:i], trimmed[i+1:], true
}

type Engine struct {
	store docstore.Store
}

func New(store docstore.Store) *Engine {
	return &Engine{store: store}
}

// Send appends a message to container. Channel messages carry the channel
// name as SpaceName; thread replies bump the parent's reply summary.
func (e *Engine) Send(ctx context.Context, container, authorUID, text string, attachments []model.Attachment) (model.Message, error) {
	defer logger.DeferLogDuration("engine.Send", time.Now())()
	if authorUID == "" {
		return model.Message{}, errors.New("engine.Send: author required")
	}
	if text == "" && len(attachments) == 0 {
		return model.Message{}, errors.New("engine.Send: empty message")
	}

	msg := model.Message{
		ID:          e.store.NewID(),
		AuthorUID:   authorUID,
		Text:        text,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC(),
	}
	msg.SpaceName = e.spaceName(ctx, container)

	data, err := json.Marshal(msg)
	if err != nil {
		return model.Message{}, fmt.Errorf("engine.Send: %w", err)
	}
	if err := e.store.Set(ctx, container, msg.ID, data); err != nil {
		return model.Message{}, fmt.Errorf("engine.Send: %w", err)
	}

	if parentColl, parentID, ok := parseThread(container); ok {
		if err := e.bumpThreadSummary(ctx, parentColl, parentID, msg.CreatedAt); err != nil {
			// Summary is denormalized display state; the reply itself stands.
			logger.Errorf("engine: thread summary for %s/%s: %v", parentColl, parentID, err)
		}
	}
	return msg, nil
}

// spaceName resolves the display name of the channel a container belongs to.
// Direct chats and malformed paths yield an empty name.
func (e *Engine) spaceName(ctx context.Context, container string) string {
	base := container
	if parentColl, _, ok := parseThread(container); ok {
		base = parentColl
	}
	parts := strings.Split(base, "/")
	if len(parts) != 3 || parts[0] != model.CollectionChannels || parts[2] != "messages" {
		return ""
	}
	snap, err := e.store.GetOnce(ctx, model.CollectionChannels, parts[1])
	if err != nil || !snap.Exists {
		return ""
	}
	var ch model.Channel
	if err := json.Unmarshal(snap.Doc.Data, &ch); err != nil {
		return ""
	}
	return ch.Name
}

func (e *Engine) bumpThreadSummary(ctx context.Context, parentColl, parentID string, at time.Time) error {
	snap, err := e.store.GetOnce(ctx, parentColl, parentID)
	if err != nil {
		return err
	}
	if !snap.Exists {
		return docstore.ErrNotFound
	}
	var parent model.Message
	if err := json.Unmarshal(snap.Doc.Data, &parent); err != nil {
		return err
	}
	return e.store.Update(ctx, parentColl, parentID, map[string]any{
		"thread_replies": parent.ThreadReplies + 1,
		"last_reply_at":  at.Format(time.RFC3339Nano),
	})
}

// Messages delivers the live, ascending-by-creation-time message list of a
// container. Day separators and ordering are derived from this order by the
// consumer.
func (e *Engine) Messages(ctx context.Context, container string, fn func(msgs []model.Message, err error)) (docstore.CancelFunc, error) {
	q := docstore.Query{OrderBy: "created_at"}
	return e.store.SubscribeCollection(ctx, container, q, func(docs []docstore.Document, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		fn(decodeMessages(docs), nil)
	})
}

// ListMessages is the one-shot variant of Messages.
func (e *Engine) ListMessages(ctx context.Context, container string) ([]model.Message, error) {
	docs, err := e.store.List(ctx, container, docstore.Query{OrderBy: "created_at"})
	if err != nil {
		return nil, fmt.Errorf("engine.ListMessages: %w", err)
	}
	return decodeMessages(docs), nil
}

func decodeMessages(docs []docstore.Document) []model.Message {
	msgs := make([]model.Message, 0, len(docs))
	for _, d := range docs {
		var m model.Message
		if err := json.Unmarshal(d.Data, &m); err != nil {
			logger.Errorf("engine: skipping malformed message %s: %v", d.ID, err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// Edit replaces the text of an own message and stamps edited_at. Identity,
// author and creation time never change.
func (e *Engine) Edit(ctx context.Context, container, id, actorUID, text string) error {
	defer logger.DeferLogDuration("engine.Edit", time.Now())()
	msg, err := e.getMessage(ctx, container, id)
	if err != nil {
		return fmt.Errorf("engine.Edit: %w", err)
	}
	if msg.AuthorUID != actorUID {
		return fmt.Errorf("engine.Edit: %w", ErrNotAuthor)
	}
	fields := map[string]any{
		"text":      text,
		"edited_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := e.store.Update(ctx, container, id, fields); err != nil {
		return fmt.Errorf("engine.Edit: %w", err)
	}
	return nil
}

// Delete removes an own message and cascades into its thread: orphaned
// replies would be unreachable, so they go with the parent.
func (e *Engine) Delete(ctx context.Context, container, id, actorUID string) error {
	defer logger.DeferLogDuration("engine.Delete", time.Now())()
	msg, err := e.getMessage(ctx, container, id)
	if err != nil {
		return fmt.Errorf("engine.Delete: %w", err)
	}
	if msg.AuthorUID != actorUID {
		return fmt.Errorf("engine.Delete: %w", ErrNotAuthor)
	}

	thread := ThreadPath(container, id)
	replies, err := e.store.List(ctx, thread, docstore.Query{})
	if err != nil {
		return fmt.Errorf("engine.Delete: list thread: %w", err)
	}
	for _, r := range replies {
		if err := e.store.Delete(ctx, thread, r.ID); err != nil {
			return fmt.Errorf("engine.Delete: thread reply %s: %w", r.ID, err)
		}
	}
	if err := e.store.Delete(ctx, container, id); err != nil {
		return fmt.Errorf("engine.Delete: %w", err)
	}

	if parentColl, parentID, ok := parseThread(container); ok {
		if err := e.recountThread(ctx, parentColl, parentID, container); err != nil {
			logger.Errorf("engine: thread summary for %s/%s: %v", parentColl, parentID, err)
		}
	}
	return nil
}

// recountThread recomputes the parent's reply summary from the surviving
// replies after a deletion.
func (e *Engine) recountThread(ctx context.Context, parentColl, parentID, thread string) error {
	replies, err := e.store.List(ctx, thread, docstore.Query{OrderBy: "created_at"})
	if err != nil {
		return err
	}
	fields := map[string]any{"thread_replies": len(replies)}
	if len(replies) == 0 {
		fields["last_reply_at"] = nil
	} else {
		var last model.Message
		if err := json.Unmarshal(replies[len(replies)-1].Data, &last); err == nil {
			fields["last_reply_at"] = last.CreatedAt.Format(time.RFC3339Nano)
		}
	}
	return e.store.Update(ctx, parentColl, parentID, fields)
}

// ToggleReaction adds uid to the emoji's author list, or removes it when
// already present. A reaction whose author list empties is dropped entirely.
//
// This is a read-modify-write of the full reaction list. Two users toggling
// the same message concurrently can lose one toggle (last write wins); the
// store offers no transactional update, and a lost emoji toggle is not worth
// a coordination layer.
func (e *Engine) ToggleReaction(ctx context.Context, container, id, uid, emoji string) error {
	defer logger.DeferLogDuration("engine.ToggleReaction", time.Now())()
	if emoji == "" {
		return errors.New("engine.ToggleReaction: emoji required")
	}
	msg, err := e.getMessage(ctx, container, id)
	if err != nil {
		return fmt.Errorf("engine.ToggleReaction: %w", err)
	}

	reactions := make([]model.Reaction, 0, len(msg.Reactions)+1)
	found := false
	for _, r := range msg.Reactions {
		if r.Emoji != emoji {
			reactions = append(reactions, r)
			continue
		}
		found = true
		if r.HasAuthor(uid) {
			authors := make([]string, 0, len(r.Authors)-1)
			for _, a := range r.Authors {
				if a != uid {
					authors = append(authors, a)
				}
			}
			if len(authors) == 0 {
				continue // last author gone, drop the reaction
			}
			r.Authors = authors
		} else {
			r.Authors = append(r.Authors, uid)
		}
		reactions = append(reactions, r)
	}
	if !found {
		reactions = append(reactions, model.Reaction{
			ID:      e.store.NewID(),
			Emoji:   emoji,
			Authors: []string{uid},
		})
	}

	if err := e.store.Update(ctx, container, id, map[string]any{"reactions": reactions}); err != nil {
		return fmt.Errorf("engine.ToggleReaction: %w", err)
	}
	return nil
}

func (e *Engine) getMessage(ctx context.Context, container, id string) (model.Message, error) {
	snap, err := e.store.GetOnce(ctx, container, id)
	if err != nil {
		return model.Message{}, err
	}
	if !snap.Exists {
		return model.Message{}, docstore.ErrNotFound
	}
	var m model.Message
	if err := json.Unmarshal(snap.Doc.Data, &m); err != nil {
		return model.Message{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return m, nil
}
