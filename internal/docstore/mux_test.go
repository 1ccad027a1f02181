package docstore_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dabubble/internal/docstore"
	"github.com/dabubble/internal/docstore/memory"
)

// countingStore wraps the memory backend and counts upstream subscriptions,
// so tests can assert that the mux actually deduplicates.
type countingStore struct {
	docstore.Store

	mu       sync.Mutex
	docSubs  int
	collSubs int
}

func (c *countingStore) SubscribeDocument(ctx context.Context, collection, id string, fn docstore.DocumentFunc) (docstore.CancelFunc, error) {
	c.mu.Lock()
	c.docSubs++
	c.mu.Unlock()
	return c.Store.SubscribeDocument(ctx, collection, id, fn)
}

func (c *countingStore) SubscribeCollection(ctx context.Context, collection string, q docstore.Query, fn docstore.CollectionFunc) (docstore.CancelFunc, error) {
	c.mu.Lock()
	c.collSubs++
	c.mu.Unlock()
	return c.Store.SubscribeCollection(ctx, collection, q, fn)
}

func (c *countingStore) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docSubs, c.collSubs
}

func TestMuxSharesDocumentSubscription(t *testing.T) {
	backend := &countingStore{Store: memory.New()}
	m := docstore.NewMux(backend)
	defer m.Close()
	ctx := context.Background()

	data, _ := json.Marshal(map[string]string{"name": "Alice"})
	require.NoError(t, m.Set(ctx, "users", "u1", data))

	var first, second int
	c1, err := m.SubscribeDocument(ctx, "users", "u1", func(docstore.Snapshot, error) { first++ })
	require.NoError(t, err)
	c2, err := m.SubscribeDocument(ctx, "users", "u1", func(docstore.Snapshot, error) { second++ })
	require.NoError(t, err)
	defer c1()
	defer c2()

	docSubs, _ := backend.counts()
	assert.Equal(t, 1, docSubs, "identical subscriptions share one upstream")

	// Both see the initial snapshot (second via replay) and the update.
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)

	data, _ = json.Marshal(map[string]string{"name": "Alicia"})
	require.NoError(t, m.Set(ctx, "users", "u1", data))
	assert.Equal(t, 2, first)
	assert.Equal(t, 2, second)
}

func TestMuxSharesQuerySubscription(t *testing.T) {
	backend := &countingStore{Store: memory.New()}
	m := docstore.NewMux(backend)
	defer m.Close()
	ctx := context.Background()

	q := docstore.Where("members", docstore.OpContains, "u1").Ordered("created_at")
	c1, err := m.SubscribeCollection(ctx, "channels", q, func([]docstore.Document, error) {})
	require.NoError(t, err)
	c2, err := m.SubscribeCollection(ctx, "channels", q, func([]docstore.Document, error) {})
	require.NoError(t, err)
	defer c1()
	defer c2()

	_, collSubs := backend.counts()
	assert.Equal(t, 1, collSubs)

	// A different query gets its own upstream subscription.
	other := docstore.Where("members", docstore.OpContains, "u2")
	c3, err := m.SubscribeCollection(ctx, "channels", other, func([]docstore.Document, error) {})
	require.NoError(t, err)
	defer c3()

	_, collSubs = backend.counts()
	assert.Equal(t, 2, collSubs)
}

func TestMuxSurvivesLastConsumerCancel(t *testing.T) {
	backend := &countingStore{Store: memory.New()}
	m := docstore.NewMux(backend)
	defer m.Close()
	ctx := context.Background()

	cancel, err := m.SubscribeDocument(ctx, "users", "u1", func(docstore.Snapshot, error) {})
	require.NoError(t, err)
	cancel()

	// The shared feed stays attached: a new consumer reuses it.
	c2, err := m.SubscribeDocument(ctx, "users", "u1", func(docstore.Snapshot, error) {})
	require.NoError(t, err)
	defer c2()

	docSubs, _ := backend.counts()
	assert.Equal(t, 1, docSubs)
}

func TestMuxCancelledConsumerGetsNothing(t *testing.T) {
	m := docstore.NewMux(memory.New())
	defer m.Close()
	ctx := context.Background()

	calls := 0
	cancel, err := m.SubscribeDocument(ctx, "users", "u1", func(docstore.Snapshot, error) { calls++ })
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	cancel()
	cancel()

	data, _ := json.Marshal(map[string]string{"name": "Bob"})
	require.NoError(t, m.Set(ctx, "users", "u1", data))
	assert.Equal(t, 1, calls)
}

func TestMuxInvalidateClosesFeed(t *testing.T) {
	m := docstore.NewMux(memory.New())
	defer m.Close()
	ctx := context.Background()

	var lastErr error
	cancel, err := m.SubscribeDocument(ctx, "users", "u1", func(_ docstore.Snapshot, err error) {
		lastErr = err
	})
	require.NoError(t, err)
	defer cancel()

	m.Invalidate("users", "u1")
	assert.ErrorIs(t, lastErr, docstore.ErrClosed)

	// Resubscribing after invalidation works and opens a fresh feed.
	calls := 0
	c2, err := m.SubscribeDocument(ctx, "users", "u1", func(docstore.Snapshot, error) { calls++ })
	require.NoError(t, err)
	defer c2()
	assert.Equal(t, 1, calls)
}

func TestMuxCloseFailsConsumers(t *testing.T) {
	m := docstore.NewMux(memory.New())
	ctx := context.Background()

	var docErr, collErr error
	_, err := m.SubscribeDocument(ctx, "users", "u1", func(_ docstore.Snapshot, err error) {
		docErr = err
	})
	require.NoError(t, err)
	_, err = m.SubscribeCollection(ctx, "channels", docstore.Query{}, func(_ []docstore.Document, err error) {
		collErr = err
	})
	require.NoError(t, err)

	// Shutdown reaches every consumer, exactly like Invalidate does.
	require.NoError(t, m.Close())
	assert.ErrorIs(t, docErr, docstore.ErrClosed)
	assert.ErrorIs(t, collErr, docstore.ErrClosed)
}

func TestMuxClosedRejectsSubscriptions(t *testing.T) {
	m := docstore.NewMux(memory.New())
	require.NoError(t, m.Close())

	_, err := m.SubscribeDocument(context.Background(), "users", "u1", func(docstore.Snapshot, error) {})
	assert.ErrorIs(t, err, docstore.ErrClosed)
}
