package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/saga"
)

/*
MemoryStore keeps saga documents in process. It applies the same revision checks as the persistent
stores, which makes it suitable for tests and single process endpoints.
*/
type MemoryStore struct {
	mu        sync.RWMutex
	documents map[string]saga.Document
	writes    int
}

func CreateMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: make(map[string]saga.Document),
	}
}

func (store *MemoryStore) Kind() string {
	return "memory"
}

func (store *MemoryStore) Get(ctx context.Context, key string) (*saga.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	doc, ok := store.documents[key]
	if !ok {
		return nil, nil
	}
	return clone(doc), nil
}

func (store *MemoryStore) Find(ctx context.Context, sagaType string, filter saga.Filter) ([]*saga.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	store.mu.RLock()
	defer store.mu.RUnlock()

	var docs []*saga.Document
	for _, doc := range store.documents {
		if doc.Type != sagaType || !filter.Matches(doc.Body) {
			continue
		}
		docs = append(docs, clone(doc))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })
	return docs, nil
}

func (store *MemoryStore) Apply(ctx context.Context, changes []saga.Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	for _, change := range changes {
		if err := store.check(change); err != nil {
			return err
		}
	}

	for _, change := range changes {
		key := change.Document.Key
		switch change.Op {
		case saga.Insert:
			store.documents[key] = *clone(change.Document)
		case saga.Update:
			doc := *clone(change.Document)
			doc.CreatedAt = store.documents[key].CreatedAt
			store.documents[key] = doc
		case saga.Delete:
			delete(store.documents, key)
		}
		store.writes++
	}
	return nil
}

func (store *MemoryStore) check(change saga.Change) error {
	current, exists := store.documents[change.Document.Key]
	switch change.Op {
	case saga.Insert:
		if exists {
			return fmt.Errorf("%w: document %s already exists", saga.ErrStoreConflict, change.Document.Key)
		}
	case saga.Update, saga.Delete:
		if !exists {
			return fmt.Errorf("%w: document %s no longer exists", saga.ErrStoreConflict, change.Document.Key)
		}
		if current.Revision != change.Expected {
			return fmt.Errorf("%w: document %s is at revision %d, expected %d", saga.ErrStoreConflict, change.Document.Key, current.Revision, change.Expected)
		}
	default:
		return fmt.Errorf("unsupported operation %v", change.Op)
	}
	return nil
}

//Number of documents written so far, inserts, updates and deletes alike.
func (store *MemoryStore) Writes() int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.writes
}

func (store *MemoryStore) Len() int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.documents)
}

func clone(doc saga.Document) *saga.Document {
	c := doc
	if doc.Body != nil {
		c.Body = append([]byte(nil), doc.Body...)
	}
	return &c
}
