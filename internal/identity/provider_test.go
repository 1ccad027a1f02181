package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dabubble/internal/docstore/memory"
)

func newRegistry(t *testing.T) (*Registry, context.Context) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store), context.Background()
}

func TestSignInRoundTrip(t *testing.T) {
	r, ctx := newRegistry(t)

	token, err := r.SignIn(ctx, "ann")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	uid, err := r.CurrentUID(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "ann", uid)
}

func TestSignInIssuesDistinctTokens(t *testing.T) {
	r, ctx := newRegistry(t)

	// Two sessions for the same user coexist.
	t1, err := r.SignIn(ctx, "ann")
	require.NoError(t, err)
	t2, err := r.SignIn(ctx, "ann")
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)

	require.NoError(t, r.SignOut(ctx, t1))
	_, err = r.CurrentUID(ctx, t1)
	assert.ErrorIs(t, err, ErrNoSession)
	uid, err := r.CurrentUID(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, "ann", uid)
}

func TestCurrentUIDUnknownToken(t *testing.T) {
	r, ctx := newRegistry(t)

	_, err := r.CurrentUID(ctx, "nope")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = r.CurrentUID(ctx, "")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSignOutInvalidatesAndIsIdempotent(t *testing.T) {
	r, ctx := newRegistry(t)

	token, err := r.SignIn(ctx, "ann")
	require.NoError(t, err)

	require.NoError(t, r.SignOut(ctx, token))
	_, err = r.CurrentUID(ctx, token)
	assert.ErrorIs(t, err, ErrNoSession)

	// Signing out a dead or unknown token is not an error.
	require.NoError(t, r.SignOut(ctx, token))
	require.NoError(t, r.SignOut(ctx, "never-existed"))
}

func TestSignInEmptyUID(t *testing.T) {
	r, ctx := newRegistry(t)
	_, err := r.SignIn(ctx, "")
	assert.Error(t, err)
}

func TestOnAuthStateChange(t *testing.T) {
	r, ctx := newRegistry(t)

	type event struct {
		uid      string
		signedIn bool
	}
	var events []event
	cancel := r.OnAuthStateChange(func(uid string, signedIn bool) {
		events = append(events, event{uid, signedIn})
	})

	token, err := r.SignIn(ctx, "ann")
	require.NoError(t, err)
	require.NoError(t, r.SignOut(ctx, token))

	require.Len(t, events, 2)
	assert.Equal(t, event{"ann", true}, events[0])
	assert.Equal(t, event{"ann", false}, events[1])

	cancel()
	cancel()
	_, err = r.SignIn(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, events, 2, "no events after cancel")
}
