// Package postgres backs the docstore with a single JSONB documents table.
// Change push uses LISTEN/NOTIFY: a row trigger notifies "documents_changed"
// with the affected collection and id, and a dedicated listener connection
// re-reads the affected state and fans it out to watchers.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dabubble/internal/docstore"
	"github.com/dabubble/internal/logger"
)

const (
	notifyChannel = "documents_changed"
	queryTimeout  = 5 * time.Second
)

type collWatcher struct {
	mu         sync.Mutex
	collection string
	query      docstore.Query
	fn         docstore.CollectionFunc
	cancelled  bool
}

type docWatcher struct {
	mu         sync.Mutex
	collection string
	id         string
	fn         docstore.DocumentFunc
	cancelled  bool
}

type Store struct {
	pool *pgxpool.Pool

	mu        sync.Mutex
	collWatch map[string]map[*collWatcher]struct{}
	docWatch  map[string]map[*docWatcher]struct{}
	closed    bool

	stop context.CancelFunc
	done chan struct{}
}

// New creates the store and starts the notification listener.
// The pool is owned by the caller and is not closed by Close.
func New(pool *pgxpool.Pool) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:      pool,
		collWatch: make(map[string]map[*collWatcher]struct{}),
		docWatch:  make(map[string]map[*docWatcher]struct{}),
		stop:      cancel,
		done:      make(chan struct{}),
	}
	go s.listen(ctx)
	return s
}

func docKey(collection, id string) string { return collection + "\x00" + id }

func (s *Store) NewID() string { return uuid.New().String() }

// listen holds a dedicated connection on LISTEN and dispatches notifications.
// A broken connection fails all current subscriptions (callers resubscribe)
// and the listener re-attaches with backoff so new subscriptions keep working.
func (s *Store) listen(ctx context.Context) {
	defer close(s.done)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("docstore: acquire listen conn: %v", err)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
			conn.Release()
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("docstore: listen: %v", err)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for {
			note, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				conn.Release()
				if ctx.Err() != nil {
					return
				}
				logger.Errorf("docstore: notification stream broken: %v", err)
				s.failAll(fmt.Errorf("docstore: subscription broken: %w", err))
				break
			}
			s.dispatch(note.Payload)
		}
	}
}

// dispatch handles one "collection|id" notification payload.
func (s *Store) dispatch(payload string) {
	sep := strings.LastIndex(payload, "|")
	if sep < 0 {
		logger.Errorf("docstore: malformed notification payload %q", payload)
		return
	}
	collection, id := payload[:sep], payload[sep+1:]

	s.mu.Lock()
	cws := make([]*collWatcher, 0, len(s.collWatch[collection]))
	for w := range s.collWatch[collection] {
		cws = append(cws, w)
	}
	key := docKey(collection, id)
	dws := make([]*docWatcher, 0, len(s.docWatch[key]))
	for w := range s.docWatch[key] {
		dws = append(dws, w)
	}
	s.mu.Unlock()

	for _, w := range cws {
		s.deliverColl(w)
	}
	for _, w := range dws {
		s.deliverDoc(w)
	}
}

func (s *Store) deliverColl(w *collWatcher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	docs, err := s.List(ctx, w.collection, w.query)
	cancel()
	if err != nil {
		w.cancelled = true
		s.forget(w, nil)
		w.fn(nil, err)
		return
	}
	w.fn(docs, nil)
}

func (s *Store) deliverDoc(w *docWatcher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	snap, err := s.GetOnce(ctx, w.collection, w.id)
	cancel()
	if err != nil {
		w.cancelled = true
		s.forget(nil, w)
		w.fn(docstore.Snapshot{}, err)
		return
	}
	w.fn(snap, nil)
}

// forget removes a watcher from the registry without touching its own mutex.
func (s *Store) forget(cw *collWatcher, dw *docWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cw != nil {
		delete(s.collWatch[cw.collection], cw)
	}
	if dw != nil {
		delete(s.docWatch[docKey(dw.collection, dw.id)], dw)
	}
}

// failAll terminates every live subscription with err.
func (s *Store) failAll(err error) {
	s.mu.Lock()
	var cws []*collWatcher
	for _, set := range s.collWatch {
		for w := range set {
			cws = append(cws, w)
		}
	}
	var dws []*docWatcher
	for _, set := range s.docWatch {
		for w := range set {
			dws = append(dws, w)
		}
	}
	s.collWatch = make(map[string]map[*collWatcher]struct{})
	s.docWatch = make(map[string]map[*docWatcher]struct{})
	s.mu.Unlock()

	for _, w := range cws {
		w.mu.Lock()
		if !w.cancelled {
			w.cancelled = true
			w.fn(nil, err)
		}
		w.mu.Unlock()
	}
	for _, w := range dws {
		w.mu.Lock()
		if !w.cancelled {
			w.cancelled = true
			w.fn(docstore.Snapshot{}, err)
		}
		w.mu.Unlock()
	}
}

func (s *Store) SubscribeCollection(ctx context.Context, collection string, q docstore.Query, fn docstore.CollectionFunc) (docstore.CancelFunc, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	w := &collWatcher{collection: collection, query: q, fn: fn}
	if s.collWatch[collection] == nil {
		s.collWatch[collection] = make(map[*collWatcher]struct{})
	}
	s.collWatch[collection][w] = struct{}{}
	s.mu.Unlock()

	s.deliverColl(w)

	return func() {
		s.forget(w, nil)
		w.mu.Lock()
		w.cancelled = true
		w.mu.Unlock()
	}, nil
}

func (s *Store) SubscribeDocument(ctx context.Context, collection, id string, fn docstore.DocumentFunc) (docstore.CancelFunc, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	w := &docWatcher{collection: collection, id: id, fn: fn}
	key := docKey(collection, id)
	if s.docWatch[key] == nil {
		s.docWatch[key] = make(map[*docWatcher]struct{})
	}
	s.docWatch[key][w] = struct{}{}
	s.mu.Unlock()

	s.deliverDoc(w)

	return func() {
		s.forget(nil, w)
		w.mu.Lock()
		w.cancelled = true
		w.mu.Unlock()
	}, nil
}

func (s *Store) GetOnce(ctx context.Context, collection, id string) (docstore.Snapshot, error) {
	defer logger.DeferLogDuration("docstore.GetOnce", time.Now())()
	var (
		data      []byte
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT data, updated_at FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&data, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return docstore.Snapshot{Doc: docstore.Document{Collection: collection, ID: id}}, nil
	}
	if err != nil {
		return docstore.Snapshot{}, fmt.Errorf("docstore.GetOnce: %w", err)
	}
	return docstore.Snapshot{
		Doc:    docstore.Document{Collection: collection, ID: id, Data: data, UpdatedAt: updatedAt},
		Exists: true,
	}, nil
}

func (s *Store) List(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	defer logger.DeferLogDuration("docstore.List", time.Now())()
	sql, args := buildQuery(collection, q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("docstore.List query: %w", err)
	}
	defer rows.Close()

	docs := make([]docstore.Document, 0, 16)
	for rows.Next() {
		d := docstore.Document{Collection: collection}
		if err := rows.Scan(&d.ID, &d.Data, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("docstore.List scan: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("docstore.List rows: %w", err)
	}
	return docs, nil
}

// buildQuery translates a docstore.Query into SQL over the JSONB column.
// Field names come from compiled-in schema constants, never from user input.
func buildQuery(collection string, q docstore.Query) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT id, data, updated_at FROM documents WHERE collection = $1`)
	args := []any{collection}
	for _, f := range q.Filters {
		args = append(args, f.Value)
		switch f.Op {
		case docstore.OpContains:
			fmt.Fprintf(&b, ` AND data->'%s' ? $%d`, f.Field, len(args))
		default:
			fmt.Fprintf(&b, ` AND data->>'%s' = $%d`, f.Field, len(args))
		}
	}
	if q.OrderBy != "" {
		b.WriteString(` ORDER BY ` + orderExpr(q.OrderBy))
	}
	return b.String(), args
}

// orderExpr returns the ORDER BY expression for a field. Timestamp fields
// must compare chronologically, not lexically: encoding/json strips trailing
// zeros from fractional seconds, so as text "10:00:00.15Z" sorts after
// "10:00:00.150000001Z" and "10:00:00Z" after both.
func orderExpr(field string) string {
	if strings.HasSuffix(field, "_at") {
		return fmt.Sprintf(`(data->>'%s')::timestamptz`, field)
	}
	return fmt.Sprintf(`data->>'%s'`, field)
}

func (s *Store) Set(ctx context.Context, collection, id string, data []byte) error {
	defer logger.DeferLogDuration("docstore.Set", time.Now())()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, data, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		collection, id, data,
	)
	if err != nil {
		return fmt.Errorf("docstore.Set: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	defer logger.DeferLogDuration("docstore.Update", time.Now())()
	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("docstore.Update marshal: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET data = data || $3::jsonb, updated_at = now()
		 WHERE collection = $1 AND id = $2`,
		collection, id, patch,
	)
	if err != nil {
		return fmt.Errorf("docstore.Update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("docstore.Update %s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	defer logger.DeferLogDuration("docstore.Delete", time.Now())()
	_, err := s.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id,
	)
	if err != nil {
		return fmt.Errorf("docstore.Delete: %w", err)
	}
	return nil
}

// Close stops the listener and terminates every live subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stop()
	<-s.done
	s.failAll(docstore.ErrClosed)
	return nil
}
