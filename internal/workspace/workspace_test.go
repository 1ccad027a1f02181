package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dabubble/internal/docstore/memory"
	"github.com/dabubble/internal/model"
)

func newWorkspace(t *testing.T) (*Workspace, context.Context) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	return New(store), context.Background()
}

func seedUser(t *testing.T, w *Workspace, ctx context.Context, uid, name string) {
	t.Helper()
	require.NoError(t, w.SaveUser(ctx, model.User{UID: uid, Name: name}))
}

func TestChannelsForTracksMembership(t *testing.T) {
	w, ctx := newWorkspace(t)

	general, err := w.CreateChannel(ctx, model.Channel{Name: "general", CreatedBy: "u1", Members: []string{"u1", "u2"}})
	require.NoError(t, err)
	_, err = w.CreateChannel(ctx, model.Channel{Name: "random", CreatedBy: "u2", Members: []string{"u2"}})
	require.NoError(t, err)

	var last []model.Channel
	cancel, err := w.ChannelsFor(ctx, "u1", func(channels []model.Channel, err error) {
		require.NoError(t, err)
		last = channels
	})
	require.NoError(t, err)
	defer cancel()

	// Exactly the channels whose member list contains u1.
	require.Len(t, last, 1)
	assert.Equal(t, "general", last[0].Name)

	secret, err := w.CreateChannel(ctx, model.Channel{Name: "secret", CreatedBy: "u3", Members: []string{"u3"}})
	require.NoError(t, err)
	require.Len(t, last, 1, "channels without u1 never appear")

	require.NoError(t, w.AddMembers(ctx, secret.ID, "u3", []string{"u1"}))
	require.Len(t, last, 2)

	require.NoError(t, w.RemoveMember(ctx, general.ID, "u1", "u1"))
	require.Len(t, last, 1)
	assert.Equal(t, "secret", last[0].Name)
}

func TestEnsureDirectChatDeterministicAndIdempotent(t *testing.T) {
	w, ctx := newWorkspace(t)
	seedUser(t, w, ctx, "ann", "Ann")
	seedUser(t, w, ctx, "bob", "Bob")

	c1, err := w.EnsureDirectChat(ctx, "ann", "bob")
	require.NoError(t, err)
	c2, err := w.EnsureDirectChat(ctx, "bob", "ann")
	require.NoError(t, err)

	assert.Equal(t, c1.ID, c2.ID, "both orderings converge on one chat")
	assert.Equal(t, "ann_bob", c1.ID)
	assert.Equal(t, []string{"ann", "bob"}, c2.Members)
	assert.True(t, c2.CreatedAt.Equal(c1.CreatedAt), "second call returns the existing document")
}

func TestEnsureDirectChatSelf(t *testing.T) {
	w, ctx := newWorkspace(t)
	seedUser(t, w, ctx, "ann", "Ann")

	chat, err := w.EnsureDirectChat(ctx, "ann", "ann")
	require.NoError(t, err)
	assert.Equal(t, "ann_ann", chat.ID)
	assert.Equal(t, "ann", chat.Counterpart("ann"))
}

func TestEnsureDirectChatUnknownCounterpart(t *testing.T) {
	w, ctx := newWorkspace(t)
	seedUser(t, w, ctx, "ann", "Ann")

	chat, err := w.EnsureDirectChat(ctx, "ann", "ghost")
	require.NoError(t, err)
	assert.Equal(t, model.PlaceholderName, chat.Receiver.Name)
}

func TestDirectChatsForJoinsCounterpart(t *testing.T) {
	w, ctx := newWorkspace(t)
	seedUser(t, w, ctx, "ann", "Ann")
	seedUser(t, w, ctx, "bob", "Bob")

	_, err := w.EnsureDirectChat(ctx, "ann", "bob")
	require.NoError(t, err)

	var last []ChatView
	cancel, err := w.DirectChatsFor(ctx, "ann", func(chats []ChatView, err error) {
		require.NoError(t, err)
		last = chats
	})
	require.NoError(t, err)
	defer cancel()

	require.Len(t, last, 1)
	require.NotNil(t, last[0].Other)
	assert.Equal(t, "Bob", last[0].Other.Name)

	// A profile rename re-emits the joined list without any chat mutation.
	seedUser(t, w, ctx, "bob", "Robert")
	require.Len(t, last, 1)
	require.NotNil(t, last[0].Other)
	assert.Equal(t, "Robert", last[0].Other.Name)
}

func TestDirectChatsForMissingCounterpartDegrades(t *testing.T) {
	w, ctx := newWorkspace(t)
	seedUser(t, w, ctx, "ann", "Ann")

	_, err := w.EnsureDirectChat(ctx, "ann", "ghost")
	require.NoError(t, err)

	var last []ChatView
	cancel, err := w.DirectChatsFor(ctx, "ann", func(chats []ChatView, err error) {
		require.NoError(t, err)
		last = chats
	})
	require.NoError(t, err)
	defer cancel()

	// The chat still lists; the missing profile yields Other=nil.
	require.Len(t, last, 1)
	assert.Nil(t, last[0].Other)
}

func TestDirectChatsForNewChatAppears(t *testing.T) {
	w, ctx := newWorkspace(t)
	seedUser(t, w, ctx, "ann", "Ann")
	seedUser(t, w, ctx, "bob", "Bob")
	seedUser(t, w, ctx, "eve", "Eve")

	var last []ChatView
	cancel, err := w.DirectChatsFor(ctx, "ann", func(chats []ChatView, err error) {
		require.NoError(t, err)
		last = chats
	})
	require.NoError(t, err)
	defer cancel()
	require.Len(t, last, 0)

	_, err = w.EnsureDirectChat(ctx, "ann", "bob")
	require.NoError(t, err)
	require.Len(t, last, 1)

	_, err = w.EnsureDirectChat(ctx, "eve", "ann")
	require.NoError(t, err)
	require.Len(t, last, 2)

	// A chat between others never shows up for ann.
	_, err = w.EnsureDirectChat(ctx, "bob", "eve")
	require.NoError(t, err)
	require.Len(t, last, 2)
}

func TestDirectChatsForCancelStopsDelivery(t *testing.T) {
	w, ctx := newWorkspace(t)
	seedUser(t, w, ctx, "ann", "Ann")
	seedUser(t, w, ctx, "bob", "Bob")

	calls := 0
	cancel, err := w.DirectChatsFor(ctx, "ann", func(chats []ChatView, err error) { calls++ })
	require.NoError(t, err)
	before := calls
	cancel()
	cancel()

	_, err = w.EnsureDirectChat(ctx, "ann", "bob")
	require.NoError(t, err)
	assert.Equal(t, before, calls)
}

func TestCreateChannelValidation(t *testing.T) {
	w, ctx := newWorkspace(t)

	ch, err := w.CreateChannel(ctx, model.Channel{Name: "dev", CreatedBy: "u1"})
	require.NoError(t, err)
	assert.True(t, ch.HasMember("u1"), "creator is always a member")
	assert.NotEmpty(t, ch.ID)
	assert.False(t, ch.CreatedAt.IsZero())

	_, err = w.CreateChannel(ctx, model.Channel{CreatedBy: "u1"})
	assert.Error(t, err, "empty name rejected")
}

func TestUpdateChannelRequiresMembership(t *testing.T) {
	w, ctx := newWorkspace(t)

	ch, err := w.CreateChannel(ctx, model.Channel{Name: "dev", CreatedBy: "u1"})
	require.NoError(t, err)

	err = w.UpdateChannel(ctx, ch.ID, "intruder", "newname", "")
	assert.ErrorIs(t, err, ErrNotMember)

	require.NoError(t, w.UpdateChannel(ctx, ch.ID, "u1", "newname", "what we build"))
	got, err := w.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, "newname", got.Name)
	assert.Equal(t, "what we build", got.Description)
}

func TestAddMembersSkipsDuplicates(t *testing.T) {
	w, ctx := newWorkspace(t)

	ch, err := w.CreateChannel(ctx, model.Channel{Name: "dev", CreatedBy: "u1"})
	require.NoError(t, err)

	require.NoError(t, w.AddMembers(ctx, ch.ID, "u1", []string{"u2", "u2", "u1", "u3"}))
	got, err := w.GetChannel(ctx, ch.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, got.Members)
}

func TestCanAccess(t *testing.T) {
	w, ctx := newWorkspace(t)

	ch, err := w.CreateChannel(ctx, model.Channel{Name: "dev", CreatedBy: "u1", Members: []string{"u1", "u2"}})
	require.NoError(t, err)

	cases := []struct {
		uid       string
		container string
		want      bool
	}{
		{"u1", "channels/" + ch.ID + "/messages", true},
		{"u3", "channels/" + ch.ID + "/messages", false},
		{"ann", "chats/ann_bob/messages", true},
		{"eve", "chats/ann_bob/messages", false},
		{"u1", "bogus", false},
		{"", "channels/" + ch.ID + "/messages", false},
	}
	for _, tc := range cases {
		ok, err := w.CanAccess(ctx, tc.uid, tc.container)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, "uid=%s container=%s", tc.uid, tc.container)
	}
}

func TestSetUserOnline(t *testing.T) {
	w, ctx := newWorkspace(t)
	seedUser(t, w, ctx, "ann", "Ann")

	require.NoError(t, w.SetUserOnline(ctx, "ann", true))
	u, err := w.GetUser(ctx, "ann")
	require.NoError(t, err)
	assert.True(t, u.Online)

	// Missing profile is not an error.
	require.NoError(t, w.SetUserOnline(ctx, "ghost", true))
}

func TestDirectChatIDOrdering(t *testing.T) {
	assert.Equal(t, model.DirectChatID("b", "a"), model.DirectChatID("a", "b"))
	assert.Equal(t, "a_b", model.DirectChatID("b", "a"))
}

func TestChannelsForOrderedByCreation(t *testing.T) {
	w, ctx := newWorkspace(t)

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	_, err := w.CreateChannel(ctx, model.Channel{Name: "later", CreatedBy: "u1", CreatedAt: late})
	require.NoError(t, err)
	_, err = w.CreateChannel(ctx, model.Channel{Name: "earlier", CreatedBy: "u1", CreatedAt: early})
	require.NoError(t, err)

	channels, err := w.ListChannelsFor(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "earlier", channels[0].Name)
	assert.Equal(t, "later", channels[1].Name)
}
