package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dabubble/internal/docstore"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestSubscribeDocumentDeliversInitialAndUpdates(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "users", "u1", mustJSON(t, map[string]string{"name": "Alice"})))

	var snaps []docstore.Snapshot
	cancel, err := s.SubscribeDocument(ctx, "users", "u1", func(snap docstore.Snapshot, err error) {
		require.NoError(t, err)
		snaps = append(snaps, snap)
	})
	require.NoError(t, err)
	defer cancel()

	// Initial state arrives synchronously.
	require.Len(t, snaps, 1)
	assert.True(t, snaps[0].Exists)

	require.NoError(t, s.Set(ctx, "users", "u1", mustJSON(t, map[string]string{"name": "Alicia"})))
	require.Len(t, snaps, 2)
	assert.Contains(t, string(snaps[1].Doc.Data), "Alicia")

	require.NoError(t, s.Delete(ctx, "users", "u1"))
	require.Len(t, snaps, 3)
	assert.False(t, snaps[2].Exists, "deletion is an Exists=false snapshot, not an error")
}

func TestSubscribeDocumentAbsentIsNotAnError(t *testing.T) {
	s := New()
	defer s.Close()

	var got docstore.Snapshot
	cancel, err := s.SubscribeDocument(context.Background(), "users", "missing", func(snap docstore.Snapshot, err error) {
		require.NoError(t, err)
		got = snap
	})
	require.NoError(t, err)
	defer cancel()

	assert.False(t, got.Exists)
}

func TestCancelStopsDeliveryAndIsIdempotent(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	calls := 0
	cancel, err := s.SubscribeDocument(ctx, "users", "u1", func(docstore.Snapshot, error) {
		calls++
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	cancel()
	cancel() // повторная отмена безопасна

	require.NoError(t, s.Set(ctx, "users", "u1", mustJSON(t, map[string]string{"name": "Bob"})))
	assert.Equal(t, 1, calls, "no delivery after cancellation")
}

func TestCollectionQueryFiltering(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "channels", "c1", mustJSON(t, map[string]any{"name": "general", "members": []string{"u1", "u2"}})))
	require.NoError(t, s.Set(ctx, "channels", "c2", mustJSON(t, map[string]any{"name": "random", "members": []string{"u2"}})))

	var last []docstore.Document
	q := docstore.Where("members", docstore.OpContains, "u1")
	cancel, err := s.SubscribeCollection(ctx, "channels", q, func(docs []docstore.Document, err error) {
		require.NoError(t, err)
		last = docs
	})
	require.NoError(t, err)
	defer cancel()

	require.Len(t, last, 1)
	assert.Equal(t, "c1", last[0].ID)

	// u1 joins c2: the subscription now sees both.
	require.NoError(t, s.Set(ctx, "channels", "c2", mustJSON(t, map[string]any{"name": "random", "members": []string{"u1", "u2"}})))
	require.Len(t, last, 2)

	// u1 leaves c1: back to one.
	require.NoError(t, s.Set(ctx, "channels", "c1", mustJSON(t, map[string]any{"name": "general", "members": []string{"u2"}})))
	require.Len(t, last, 1)
	assert.Equal(t, "c2", last[0].ID)
}

func TestCollectionOrdering(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	// Inserted out of order on purpose.
	require.NoError(t, s.Set(ctx, "msgs", "b", mustJSON(t, map[string]string{"created_at": "2026-01-02T00:00:00Z"})))
	require.NoError(t, s.Set(ctx, "msgs", "c", mustJSON(t, map[string]string{"created_at": "2026-01-03T00:00:00Z"})))
	require.NoError(t, s.Set(ctx, "msgs", "a", mustJSON(t, map[string]string{"created_at": "2026-01-01T00:00:00Z"})))

	docs, err := s.List(ctx, "msgs", docstore.Query{OrderBy: "created_at"})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{docs[0].ID, docs[1].ID, docs[2].ID})
}

func TestUpdateMissingDocument(t *testing.T) {
	s := New()
	defer s.Close()

	err := s.Update(context.Background(), "users", "nope", map[string]any{"name": "x"})
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestUpdateMergesTopLevelFields(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "users", "u1", mustJSON(t, map[string]any{"name": "Alice", "online": false})))
	require.NoError(t, s.Update(ctx, "users", "u1", map[string]any{"online": true}))

	snap, err := s.GetOnce(ctx, "users", "u1")
	require.NoError(t, err)
	require.True(t, snap.Exists)
	var u struct {
		Name   string `json:"name"`
		Online bool   `json:"online"`
	}
	require.NoError(t, json.Unmarshal(snap.Doc.Data, &u))
	assert.Equal(t, "Alice", u.Name)
	assert.True(t, u.Online)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, "users", "ghost"))
	require.NoError(t, s.Set(ctx, "users", "u1", mustJSON(t, map[string]string{"name": "Alice"})))
	require.NoError(t, s.Delete(ctx, "users", "u1"))
	require.NoError(t, s.Delete(ctx, "users", "u1"))
}

func TestCloseFailsSubscriptions(t *testing.T) {
	s := New()
	ctx := context.Background()

	var collErr, docErr error
	_, err := s.SubscribeCollection(ctx, "users", docstore.Query{}, func(docs []docstore.Document, err error) {
		collErr = err
	})
	require.NoError(t, err)
	_, err = s.SubscribeDocument(ctx, "users", "u1", func(snap docstore.Snapshot, err error) {
		docErr = err
	})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, collErr, docstore.ErrClosed)
	assert.ErrorIs(t, docErr, docstore.ErrClosed)

	_, err = s.GetOnce(ctx, "users", "u1")
	assert.ErrorIs(t, err, docstore.ErrClosed)
}
