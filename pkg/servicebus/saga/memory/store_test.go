package memory

import (
	"context"
	"testing"
	"time"

	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func document(t *testing.T, key string, sagaType string, revision int64, body bson.M) saga.Document {
	t.Helper()
	raw, err := bson.Marshal(body)
	require.NoError(t, err)
	return saga.Document{
		Key:       key,
		Type:      sagaType,
		Revision:  revision,
		Body:      raw,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestMemoryStore_InsertGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	store := CreateMemoryStore()
	doc := document(t, "Order/1", "Order", 1, bson.M{"state": "new"})

	require.NoError(t, store.Apply(ctx, []saga.Change{{Op: saga.Insert, Document: doc}}))

	got, err := store.Get(ctx, "Order/1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1), got.Revision)
	assert.Equal(t, "new", got.Body.Lookup("state").StringValue())

	updated := document(t, "Order/1", "Order", 2, bson.M{"state": "paid"})
	require.NoError(t, store.Apply(ctx, []saga.Change{{Op: saga.Update, Expected: 1, Document: updated}}))

	got, err = store.Get(ctx, "Order/1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)
	assert.Equal(t, doc.CreatedAt, got.CreatedAt)

	require.NoError(t, store.Apply(ctx, []saga.Change{{Op: saga.Delete, Expected: 2, Document: updated}}))
	got, err = store.Get(ctx, "Order/1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 3, store.Writes())
}

func TestMemoryStore_Conflicts(t *testing.T) {
	ctx := context.Background()
	store := CreateMemoryStore()
	doc := document(t, "Order/1", "Order", 1, bson.M{"state": "new"})
	require.NoError(t, store.Apply(ctx, []saga.Change{{Op: saga.Insert, Document: doc}}))

	tests := []struct {
		name   string
		change saga.Change
	}{
		{"duplicate insert", saga.Change{Op: saga.Insert, Document: doc}},
		{"stale update", saga.Change{Op: saga.Update, Expected: 3, Document: doc}},
		{"update of missing document", saga.Change{Op: saga.Update, Expected: 1, Document: document(t, "Order/2", "Order", 2, bson.M{})}},
		{"stale delete", saga.Change{Op: saga.Delete, Expected: 2, Document: doc}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Apply(ctx, []saga.Change{tt.change})
			assert.ErrorIs(t, err, saga.ErrStoreConflict)
		})
	}
	assert.Equal(t, 1, store.Writes())
}

func TestMemoryStore_ApplyIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := CreateMemoryStore()
	existing := document(t, "Order/1", "Order", 1, bson.M{})
	require.NoError(t, store.Apply(ctx, []saga.Change{{Op: saga.Insert, Document: existing}}))

	err := store.Apply(ctx, []saga.Change{
		{Op: saga.Insert, Document: document(t, "Order/2", "Order", 1, bson.M{})},
		{Op: saga.Update, Expected: 5, Document: existing},
	})
	require.ErrorIs(t, err, saga.ErrStoreConflict)

	got, err := store.Get(ctx, "Order/2")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryStore_Find(t *testing.T) {
	ctx := context.Background()
	store := CreateMemoryStore()
	require.NoError(t, store.Apply(ctx, []saga.Change{
		{Op: saga.Insert, Document: document(t, "Order/2", "Order", 1, bson.M{"state": "new"})},
		{Op: saga.Insert, Document: document(t, "Order/1", "Order", 1, bson.M{"state": "new"})},
		{Op: saga.Insert, Document: document(t, "Order/3", "Order", 1, bson.M{"state": "paid"})},
		{Op: saga.Insert, Document: document(t, "Shipment/1", "Shipment", 1, bson.M{"state": "new"})},
	}))

	docs, err := store.Find(ctx, "Order", saga.Filter{"state": "new"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Order/1", docs[0].Key)
	assert.Equal(t, "Order/2", docs[1].Key)

	docs, err = store.Find(ctx, "Order", nil)
	require.NoError(t, err)
	assert.Len(t, docs, 3)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := CreateMemoryStore()
	require.NoError(t, store.Apply(ctx, []saga.Change{{Op: saga.Insert, Document: document(t, "Order/1", "Order", 1, bson.M{"state": "new"})}}))

	got, err := store.Get(ctx, "Order/1")
	require.NoError(t, err)
	got.Revision = 42
	got.Body[len(got.Body)-2] = 'X'

	again, err := store.Get(ctx, "Order/1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Revision)
	assert.Equal(t, "new", again.Body.Lookup("state").StringValue())
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := CreateMemoryStore()

	_, err := store.Get(ctx, "Order/1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.Apply(ctx, nil), context.Canceled)
}
