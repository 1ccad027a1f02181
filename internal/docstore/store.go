// Package docstore abstracts a push-capable document database: collections of
// JSON documents with live, cancellable subscriptions and plain mutations.
// Backends: memory (tests, -dev) and postgres (JSONB + LISTEN/NOTIFY).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by mutations targeting a missing document.
	// Reads never return it: an absent document is a Snapshot with
	// Exists=false, not an error.
	ErrNotFound = errors.New("docstore: not found")
	// ErrClosed is returned once the store has been torn down.
	ErrClosed = errors.New("docstore: closed")
)

// Document is a raw record. Data is the JSON document body; typed decoding
// happens at the consumer boundary.
type Document struct {
	Collection string
	ID         string
	Data       []byte
	UpdatedAt  time.Time
}

// Snapshot is the result of a document read. Exists=false means the document
// is absent (deleted or never created) — this is a value, not a failure.
type Snapshot struct {
	Doc    Document
	Exists bool
}

type Op string

const (
	OpEqual    Op = "=="
	OpContains Op = "array-contains"
)

type Filter struct {
	Field string
	Op    Op
	Value string
}

// Query — фильтры по равенству / вхождению в массив и сортировка по полю
// (по возрастанию). Пустой Query возвращает всю коллекцию в порядке БД.
type Query struct {
	Filters []Filter
	OrderBy string
}

// Where is a convenience constructor for a single-filter query.
func Where(field string, op Op, value string) Query {
	return Query{Filters: []Filter{{Field: field, Op: op, Value: value}}}
}

func (q Query) Ordered(field string) Query {
	q.OrderBy = field
	return q
}

// Key returns a canonical representation used to share one underlying
// subscription between identical queries.
func (q Query) Key() string {
	parts := make([]string, 0, len(q.Filters)+1)
	for _, f := range q.Filters {
		parts = append(parts, f.Field+string(f.Op)+f.Value)
	}
	sort.Strings(parts)
	return strings.Join(parts, "&") + "|order=" + q.OrderBy
}

// Matches evaluates the query filters against a raw JSON document.
// Malformed documents match nothing.
func (q Query) Matches(data []byte) bool {
	if len(q.Filters) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	for _, f := range q.Filters {
		v, ok := fields[f.Field]
		if !ok {
			return false
		}
		switch f.Op {
		case OpEqual:
			s, ok := v.(string)
			if !ok || s != f.Value {
				return false
			}
		case OpContains:
			arr, ok := v.([]any)
			if !ok {
				return false
			}
			found := false
			for _, el := range arr {
				if s, ok := el.(string); ok && s == f.Value {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// SortDocs orders docs ascending by the OrderBy field. RFC3339 timestamps
// compare as timestamps, everything else as strings. No-op without OrderBy.
func (q Query) SortDocs(docs []Document) {
	if q.OrderBy == "" {
		return
	}
	key := func(d Document) string {
		var fields map[string]any
		if err := json.Unmarshal(d.Data, &fields); err != nil {
			return ""
		}
		s, _ := fields[q.OrderBy].(string)
		return s
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := key(docs[i]), key(docs[j])
		ta, errA := time.Parse(time.RFC3339Nano, a)
		tb, errB := time.Parse(time.RFC3339Nano, b)
		if errA == nil && errB == nil {
			return ta.Before(tb)
		}
		return a < b
	})
}

// CancelFunc detaches a live subscription. Idempotent: calling it more than
// once is safe.
type CancelFunc func()

// CollectionFunc receives the full matching snapshot on every change. A
// non-nil err means the subscription is broken and will deliver nothing
// further; the caller must resubscribe.
type CollectionFunc func(docs []Document, err error)

// DocumentFunc receives the current document state on every change, including
// the initial state right after subscribing.
type DocumentFunc func(snap Snapshot, err error)

// Store is the document store contract. Subscriptions deliver an initial
// snapshot synchronously, then push on every relevant mutation. Writes carry
// no automatic retry: a rejected mutation surfaces as an error to the caller.
type Store interface {
	SubscribeCollection(ctx context.Context, collection string, q Query, fn CollectionFunc) (CancelFunc, error)
	SubscribeDocument(ctx context.Context, collection, id string, fn DocumentFunc) (CancelFunc, error)

	// GetOnce is a single-shot read; it does not establish a subscription.
	GetOnce(ctx context.Context, collection, id string) (Snapshot, error)
	// List is a single-shot collection read with the same query semantics
	// as SubscribeCollection.
	List(ctx context.Context, collection string, q Query) ([]Document, error)

	Set(ctx context.Context, collection, id string, data []byte) error
	// Update patches top-level fields of an existing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error

	// NewID returns a fresh unique identifier without writing anything.
	NewID() string
	Close() error
}
