package saga

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Document is the envelope every store persists for one saga instance.
type Document struct {
	Key           string    `bson:"_id"`
	Type          string    `bson:"type"`
	CorrelationId string    `bson:"correlationId"`
	Revision      int64     `bson:"revision"`
	Body          bson.Raw  `bson:"body"`
	CreatedAt     time.Time `bson:"createdAt"`
	UpdatedAt     time.Time `bson:"updatedAt"`
}

type Operation int

const (
	Insert Operation = iota + 1
	Update
	Delete
)

func (op Operation) String() string {
	switch op {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	}
	return "unknown"
}

/*
Change is one staged write of a session commit. For Update and Delete, Expected is the revision the
session read; the store must reject the whole commit when the stored revision differs. For Insert the
store must reject the commit when the key already exists. Document carries the new revision.
*/
type Change struct {
	Op       Operation
	Expected int64
	Document Document
}

/*
Store is the document store driver behind a Session. Apply must be atomic: either every change is
written or none, and a failed revision check or a duplicate insert is reported as ErrStoreConflict.
*/
type Store interface {
	Kind() string
	Get(ctx context.Context, key string) (*Document, error)
	Find(ctx context.Context, sagaType string, filter Filter) ([]*Document, error)
	Apply(ctx context.Context, changes []Change) error
}
