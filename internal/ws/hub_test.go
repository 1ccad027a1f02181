package ws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storememory "github.com/dabubble/internal/docstore/memory"
	"github.com/dabubble/internal/engine"
	"github.com/dabubble/internal/model"
	presencememory "github.com/dabubble/internal/presence/memory"
	"github.com/dabubble/internal/workspace"
)

func newTestHub(t *testing.T) (*Hub, *workspace.Workspace, *engine.Engine, context.Context) {
	t.Helper()
	store := storememory.New()
	t.Cleanup(func() { store.Close() })
	pres := presencememory.New()
	t.Cleanup(func() { pres.Close() })
	wsp := workspace.New(store)
	eng := engine.New(store)
	return NewHub(wsp, eng, pres, 0, nil), wsp, eng, context.Background()
}

// drain reads everything currently buffered for the client. The memory store
// delivers synchronously, so after HandleMessage returns the buffer is final.
func drain(c *Client) []OutgoingMessage {
	var out []OutgoingMessage
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func seedChannel(t *testing.T, wsp *workspace.Workspace, ctx context.Context, members ...string) model.Channel {
	t.Helper()
	ch, err := wsp.CreateChannel(ctx, model.Channel{Name: "private", CreatedBy: members[0], Members: members})
	require.NoError(t, err)
	return ch
}

func TestSubscribeMessagesRequiresMembership(t *testing.T) {
	h, wsp, eng, ctx := newTestHub(t)
	ch := seedChannel(t, wsp, ctx, "ann")
	container := engine.ChannelMessages(ch.ID)
	_, err := eng.Send(ctx, container, "ann", "classified", nil)
	require.NoError(t, err)

	eve := NewClient(h, nil, "eve")
	h.HandleMessage(ctx, eve, IncomingMessage{Type: EventSubscribeMessages, Container: container})

	events := drain(eve)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)

	// No stream was installed: later traffic never reaches the non-member.
	_, err = eng.Send(ctx, container, "ann", "still classified", nil)
	require.NoError(t, err)
	assert.Empty(t, drain(eve))
}

func TestSubscribeMessagesMemberReceives(t *testing.T) {
	h, wsp, eng, ctx := newTestHub(t)
	ch := seedChannel(t, wsp, ctx, "ann")
	container := engine.ChannelMessages(ch.ID)

	ann := NewClient(h, nil, "ann")
	h.HandleMessage(ctx, ann, IncomingMessage{Type: EventSubscribeMessages, Container: container})

	events := drain(ann)
	require.Len(t, events, 1)
	assert.Equal(t, EventMessages, events[0].Type)

	_, err := eng.Send(ctx, container, "ann", "hi team", nil)
	require.NoError(t, err)
	events = drain(ann)
	require.Len(t, events, 1)
	payload, ok := events[0].Payload.(MessagesPayload)
	require.True(t, ok)
	require.Len(t, payload.Messages, 1)
	assert.Equal(t, "hi team", payload.Messages[0].Text)
}

func TestSubscribeThreadRequiresMembership(t *testing.T) {
	h, wsp, eng, ctx := newTestHub(t)
	ch := seedChannel(t, wsp, ctx, "ann")
	container := engine.ChannelMessages(ch.ID)
	parent, err := eng.Send(ctx, container, "ann", "root", nil)
	require.NoError(t, err)

	eve := NewClient(h, nil, "eve")
	h.HandleMessage(ctx, eve, IncomingMessage{Type: EventSubscribeThread, Container: container, MessageID: parent.ID})

	events := drain(eve)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
}

func TestSendMessageRequiresMembership(t *testing.T) {
	h, wsp, eng, ctx := newTestHub(t)
	ch := seedChannel(t, wsp, ctx, "ann")
	container := engine.ChannelMessages(ch.ID)

	eve := NewClient(h, nil, "eve")
	h.HandleMessage(ctx, eve, IncomingMessage{Type: EventSendMessage, Container: container, Text: "let me in"})

	events := drain(eve)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)

	msgs, err := eng.ListMessages(ctx, container)
	require.NoError(t, err)
	assert.Empty(t, msgs, "nothing was written")
}

func TestSendMessageForeignChatRejected(t *testing.T) {
	h, _, eng, ctx := newTestHub(t)
	container := engine.ChatMessages("ann_bob")

	eve := NewClient(h, nil, "eve")
	h.HandleMessage(ctx, eve, IncomingMessage{Type: EventSendMessage, Container: container, Text: "hi"})

	events := drain(eve)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)

	// A participant of the pair may post.
	ann := NewClient(h, nil, "ann")
	h.HandleMessage(ctx, ann, IncomingMessage{Type: EventSendMessage, Container: container, Text: "hi bob"})
	events = drain(ann)
	require.Len(t, events, 1)
	assert.Equal(t, EventMessageSent, events[0].Type)

	msgs, err := eng.ListMessages(ctx, container)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ann", msgs[0].AuthorUID)
}

func TestToggleReactionRequiresMembership(t *testing.T) {
	h, wsp, eng, ctx := newTestHub(t)
	ch := seedChannel(t, wsp, ctx, "ann")
	container := engine.ChannelMessages(ch.ID)
	sent, err := eng.Send(ctx, container, "ann", "hi", nil)
	require.NoError(t, err)

	eve := NewClient(h, nil, "eve")
	h.HandleMessage(ctx, eve, IncomingMessage{Type: EventToggleReaction, Container: container, MessageID: sent.ID, Emoji: "👀"})
	events := drain(eve)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)

	msgs, err := eng.ListMessages(ctx, container)
	require.NoError(t, err)
	assert.Empty(t, msgs[0].Reactions)
}

func TestMentionsNameWordBoundary(t *testing.T) {
	cases := []struct {
		text, name string
		want       bool
	}{
		{"@Al hi", "Al", true},
		{"hey @Al", "Al", true},
		{"@Al, ping", "Al", true},
		{"@Albert hi", "Al", false},
		{"@Albert hi", "Albert", true},
		{"@Albert and @Al too", "Al", true},
		{"no mention", "Al", false},
		{"@Жанна привет", "Жанна", true},
		{"@Жаннар привет", "Жанна", false},
		{"", "Al", false},
		{"@", "", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, mentionsName(tc.text, tc.name), "text=%q name=%q", tc.text, tc.name)
	}
}
