package saga

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// InsertResult is the outcome of claiming a correlation id with Session.Insert.
type InsertResult int

const (
	Inserted InsertResult = iota + 1
	// RaceLost means another consumer stored the same key first.
	RaceLost
)

func (r InsertResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "race_lost"
}

type entryState int

const (
	tracked entryState = iota
	stored
	deleted
)

type entry struct {
	key           string
	sagaType      string
	correlationId string
	value         interface{}
	revision      int64
	snapshot      []byte
	createdAt     time.Time
	state         entryState
}

/*
Session is a unit of work over a Store. Loaded instances are tracked with the revision they were read
at, so Commit writes back everything that changed and rejects the whole commit when any of them was
changed by someone else in the meantime. A session is not shared between messages, its methods are
safe for the concurrent pipelines of a single query fan-out.
*/
type Session struct {
	store   Store
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewSession(store Store) *Session {
	return &Session{
		store:   store,
		entries: make(map[string]*entry),
	}
}

func (s *Session) Kind() string {
	return s.store.Kind()
}

//Load the instance stored under key. Instances already known to the session are returned as they are.
func (s *Session) Load(ctx context.Context, key string, newValue func() interface{}) (interface{}, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, ErrSessionClosed
	}

	if e, ok := s.entries[key]; ok {
		if e.state == deleted {
			return nil, false, nil
		}
		return e.value, true, nil
	}

	doc, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if doc == nil {
		return nil, false, nil
	}

	value, err := s.track(doc, newValue)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

//Check whether key is known to the session or the store, without tracking it.
func (s *Session) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrSessionClosed
	}

	if e, ok := s.entries[key]; ok {
		return e.state != deleted, nil
	}

	doc, err := s.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

//Query the instances of a saga type matching the filter.
func (s *Session) Query(ctx context.Context, sagaType string, filter Filter, newValue func() interface{}) ([]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	docs, err := s.store.Find(ctx, sagaType, filter)
	if err != nil {
		return nil, err
	}

	values := make([]interface{}, 0, len(docs))
	for _, doc := range docs {
		if e, ok := s.entries[doc.Key]; ok {
			if e.state != deleted {
				values = append(values, e.value)
			}
			continue
		}
		value, err := s.track(doc, newValue)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

func (s *Session) track(doc *Document, newValue func() interface{}) (interface{}, error) {
	value := newValue()
	if err := bson.Unmarshal(doc.Body, value); err != nil {
		return nil, fmt.Errorf("decode saga document %s: %w", doc.Key, err)
	}
	snapshot, err := bson.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode saga document %s: %w", doc.Key, err)
	}

	s.entries[doc.Key] = &entry{
		key:           doc.Key,
		sagaType:      doc.Type,
		correlationId: doc.CorrelationId,
		value:         value,
		revision:      doc.Revision,
		snapshot:      snapshot,
		createdAt:     doc.CreatedAt,
		state:         tracked,
	}
	return value, nil
}

//Stage a store of value under key. It is written on Commit.
func (s *Session) Store(key string, sagaType string, correlationId string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	if e, ok := s.entries[key]; ok {
		e.value = value
		e.state = stored
		return nil
	}

	s.entries[key] = &entry{
		key:           key,
		sagaType:      sagaType,
		correlationId: correlationId,
		value:         value,
		state:         stored,
	}
	return nil
}

//Stage the removal of key. Instances the store has never seen are simply forgotten.
func (s *Session) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.revision == 0 {
		delete(s.entries, key)
		return nil
	}
	e.state = deleted
	return nil
}

/*
Insert writes value under key right away, independent of anything else staged in the session.
A key that already exists is reported as RaceLost, not as an error.
*/
func (s *Session) Insert(ctx context.Context, key string, sagaType string, correlationId string, value interface{}) (InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSessionClosed
	}

	if e, ok := s.entries[key]; ok && e.revision > 0 {
		return RaceLost, nil
	}

	body, err := bson.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("encode saga document %s: %w", key, err)
	}

	now := time.Now().UTC()
	doc := Document{
		Key:           key,
		Type:          sagaType,
		CorrelationId: correlationId,
		Revision:      1,
		Body:          body,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = s.store.Apply(ctx, []Change{{Op: Insert, Document: doc}})
	if IsConflict(err) {
		return RaceLost, nil
	}
	if err != nil {
		return 0, err
	}

	s.entries[key] = &entry{
		key:           key,
		sagaType:      sagaType,
		correlationId: correlationId,
		value:         value,
		revision:      1,
		snapshot:      body,
		createdAt:     now,
		state:         tracked,
	}
	return Inserted, nil
}

//Commit writes every staged and changed instance atomically.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	changes, bodies, err := s.pendingChanges()
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	err = s.store.Apply(ctx, changes)
	if err != nil {
		return err
	}

	for _, change := range changes {
		key := change.Document.Key
		e := s.entries[key]
		switch change.Op {
		case Delete:
			delete(s.entries, key)
		default:
			e.revision = change.Document.Revision
			e.snapshot = bodies[key]
			e.createdAt = change.Document.CreatedAt
			e.state = tracked
		}
	}
	return nil
}

func (s *Session) pendingChanges() ([]Change, map[string][]byte, error) {
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	now := time.Now().UTC()
	changes := make([]Change, 0, len(keys))
	bodies := make(map[string][]byte, len(keys))
	for _, key := range keys {
		e := s.entries[key]
		doc := Document{
			Key:           e.key,
			Type:          e.sagaType,
			CorrelationId: e.correlationId,
			CreatedAt:     e.createdAt,
			UpdatedAt:     now,
		}

		if e.state == deleted {
			doc.Revision = e.revision
			changes = append(changes, Change{Op: Delete, Expected: e.revision, Document: doc})
			continue
		}

		body, err := bson.Marshal(e.value)
		if err != nil {
			return nil, nil, fmt.Errorf("encode saga document %s: %w", key, err)
		}
		doc.Body = body

		switch {
		case e.revision == 0:
			doc.Revision = 1
			doc.CreatedAt = now
			changes = append(changes, Change{Op: Insert, Document: doc})
		case !sameDocument(e.value, body, e.snapshot):
			doc.Revision = e.revision + 1
			changes = append(changes, Change{Op: Update, Expected: e.revision, Document: doc})
		default:
			continue
		}
		bodies[key] = body
	}
	return changes, bodies, nil
}

/*
sameDocument reports whether body and snapshot decode to equal values of value's type. Map fields are
encoded in random order, so differing bytes alone do not mean the instance changed.
*/
func sameDocument(value interface{}, body []byte, snapshot []byte) bool {
	if bytes.Equal(body, snapshot) {
		return true
	}
	t := reflect.TypeOf(value)
	if t == nil || t.Kind() != reflect.Ptr {
		return false
	}
	current := reflect.New(t.Elem()).Interface()
	previous := reflect.New(t.Elem()).Interface()
	if bson.Unmarshal(body, current) != nil || bson.Unmarshal(snapshot, previous) != nil {
		return false
	}
	return reflect.DeepEqual(current, previous)
}

//Close the session. Anything staged and not committed is discarded.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.entries = nil
}
