package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/saga"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
)

const DefaultKeyPrefix = "saga:"

/*
RedisStore keeps each saga document as a bson value under "<prefix>doc:<key>" and indexes the keys of
every saga type in the set "<prefix>type:<type>". Commits WATCH all touched documents and run their
writes in one MULTI/EXEC, so a document changed by someone else fails the whole commit.
*/
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func CreateRedisStore(client redis.UniversalClient, options ...func(*RedisStore)) *RedisStore {
	store := &RedisStore{
		client: client,
		prefix: DefaultKeyPrefix,
	}
	for _, option := range options {
		option(store)
	}
	return store
}

func KeyPrefix(prefix string) func(*RedisStore) {
	return func(store *RedisStore) {
		store.prefix = prefix
	}
}

func (store *RedisStore) Kind() string {
	return "redis"
}

func (store *RedisStore) documentKey(key string) string {
	return store.prefix + "doc:" + key
}

func (store *RedisStore) typeKey(sagaType string) string {
	return store.prefix + "type:" + sagaType
}

func (store *RedisStore) Get(ctx context.Context, key string) (*saga.Document, error) {
	data, err := store.client.Get(ctx, store.documentKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func (store *RedisStore) Find(ctx context.Context, sagaType string, filter saga.Filter) ([]*saga.Document, error) {
	keys, err := store.client.SMembers(ctx, store.typeKey(sagaType)).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	documentKeys := make([]string, len(keys))
	for i, key := range keys {
		documentKeys[i] = store.documentKey(key)
	}

	values, err := store.client.MGet(ctx, documentKeys...).Result()
	if err != nil {
		return nil, err
	}

	var docs []*saga.Document
	for _, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}
		doc, err := decode([]byte(data))
		if err != nil {
			return nil, err
		}
		if doc.Type == sagaType && filter.Matches(doc.Body) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (store *RedisStore) Apply(ctx context.Context, changes []saga.Change) error {
	watched := make([]string, len(changes))
	for i, change := range changes {
		watched[i] = store.documentKey(change.Document.Key)
	}

	err := store.client.Watch(ctx, func(tx *redis.Tx) error {
		for _, change := range changes {
			if err := store.check(ctx, tx, change); err != nil {
				return err
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, change := range changes {
				if err := store.write(ctx, pipe, change); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}, watched...)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: watched saga documents changed during commit", saga.ErrStoreConflict)
	}
	return err
}

func (store *RedisStore) check(ctx context.Context, tx *redis.Tx, change saga.Change) error {
	key := change.Document.Key
	data, err := tx.Get(ctx, store.documentKey(key)).Bytes()
	exists := true
	if errors.Is(err, redis.Nil) {
		exists = false
	} else if err != nil {
		return err
	}

	if change.Op == saga.Insert {
		if exists {
			return fmt.Errorf("%w: document %s already exists", saga.ErrStoreConflict, key)
		}
		return nil
	}

	if !exists {
		return fmt.Errorf("%w: document %s no longer exists", saga.ErrStoreConflict, key)
	}
	current, err := decode(data)
	if err != nil {
		return err
	}
	if current.Revision != change.Expected {
		return fmt.Errorf("%w: document %s is at revision %d, expected %d", saga.ErrStoreConflict, key, current.Revision, change.Expected)
	}
	return nil
}

func (store *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, change saga.Change) error {
	doc := change.Document
	switch change.Op {
	case saga.Insert, saga.Update:
		data, err := bson.Marshal(doc)
		if err != nil {
			return err
		}
		pipe.Set(ctx, store.documentKey(doc.Key), data, 0)
		pipe.SAdd(ctx, store.typeKey(doc.Type), doc.Key)
	case saga.Delete:
		pipe.Del(ctx, store.documentKey(doc.Key))
		pipe.SRem(ctx, store.typeKey(doc.Type), doc.Key)
	default:
		return fmt.Errorf("unsupported operation %v", change.Op)
	}
	return nil
}

func decode(data []byte) (*saga.Document, error) {
	doc := new(saga.Document)
	if err := bson.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decode saga document: %w", err)
	}
	return doc, nil
}
