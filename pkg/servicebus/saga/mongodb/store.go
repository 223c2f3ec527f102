package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/saga"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const writeConflictCode = 112

type Index struct {
	Name             string `bson:"name"`
	ExpiresInSeconds *int32 `bson:"expireAfterSeconds,omitempty"`
}

/*
MongoSession is the transaction a commit runs in. Every change of a commit is written inside one
multi-document transaction, so a MongoDB replica set or sharded cluster is required.
*/
type MongoSession struct {
	mongo.Session
	context.Context
}

func (session *MongoSession) Commit() error {
	return session.CommitTransaction(session.Context)
}

func (session *MongoSession) Abort() {
	_ = session.AbortTransaction(session.Context)
}

func (session *MongoSession) Close() {
	session.Session.EndSession(session.Context)
}

// MongoStore stores one document per saga instance, keyed by the saga document key.
type MongoStore struct {
	client        *mongo.Client
	collection    *mongo.Collection
	maxCommitTime time.Duration
}

func (store *MongoStore) ensureCompoundIndex(ctx context.Context) error {
	index := mongo.IndexModel{
		Keys: bson.D{{Key: "correlationId", Value: 1}, {Key: "type", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetName("CorrelationId_Type_Compound"),
	}

	_, err := store.collection.Indexes().CreateOne(ctx, index)
	if err != nil {
		return err
	}
	return nil
}

func CreateMongoStore(ctx context.Context, client *mongo.Client, database string, collection string, options ...func(mongoStore *MongoStore) error) (*MongoStore, error) {
	store := &MongoStore{
		client:        client,
		collection:    client.Database(database).Collection(collection),
		maxCommitTime: 15 * time.Second,
	}
	err := store.ensureCompoundIndex(ctx)
	if err != nil {
		return nil, err
	}
	for _, option := range options {
		err = option(store)
		if err != nil {
			return nil, err
		}
	}
	return store, nil
}

//Limit how long the server may spend committing a transaction.
func MaxCommitTime(d time.Duration) func(*MongoStore) error {
	return func(store *MongoStore) error {
		if d <= 0 {
			return fmt.Errorf("max commit time must be positive, got %v", d)
		}
		store.maxCommitTime = d
		return nil
	}
}

//Remove saga documents the given number of seconds after they were created.
func ExpireInSeconds(seconds int32) func(*MongoStore) error {
	return func(store *MongoStore) error {
		ctx := context.Background()
		cur, err := store.collection.Indexes().List(ctx)
		if err != nil {
			return err
		}
		var results []Index
		err = cur.All(ctx, &results)
		if err != nil {
			return err
		}

		indexName := "ExpireSaga"
		for _, r := range results {
			if r.Name == indexName && r.ExpiresInSeconds != nil && *r.ExpiresInSeconds == seconds {
				return nil
			}
		}

		//Drop in case index exists with different TTL
		_, _ = store.collection.Indexes().DropOne(ctx, indexName)

		index := mongo.IndexModel{
			Keys: bson.D{{Key: "createdAt", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(seconds).
				SetName(indexName),
		}

		_, err = store.collection.Indexes().CreateOne(ctx, index)
		if err != nil {
			return err
		}
		return nil
	}
}

func (store *MongoStore) Kind() string {
	return "mongodb"
}

func (store *MongoStore) Get(ctx context.Context, key string) (*saga.Document, error) {
	doc := new(saga.Document)
	err := store.collection.FindOne(ctx, bson.M{"_id": key}).Decode(doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (store *MongoStore) Find(ctx context.Context, sagaType string, filter saga.Filter) ([]*saga.Document, error) {
	cur, err := store.collection.Find(ctx, queryFilter(sagaType, filter), options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}

	var docs []*saga.Document
	err = cur.All(ctx, &docs)
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func queryFilter(sagaType string, filter saga.Filter) bson.M {
	query := bson.M{"type": sagaType}
	for path, value := range filter {
		query["body."+path] = value
	}
	return query
}

//Apply all changes in one transaction. A failed revision check aborts the transaction.
func (store *MongoStore) Apply(ctx context.Context, changes []saga.Change) error {
	session, err := store.client.StartSession(options.Session().SetDefaultMaxCommitTime(&store.maxCommitTime))
	if err != nil {
		return err
	}
	mongoSession := &MongoSession{session, ctx}
	defer mongoSession.Close()

	txOptions := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	err = session.StartTransaction(txOptions)
	if err != nil {
		return err
	}

	err = mongo.WithSession(ctx, session, func(sc mongo.SessionContext) error {
		for _, change := range changes {
			if err := store.apply(sc, change); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		mongoSession.Abort()
		return classify(err)
	}

	return classify(mongoSession.Commit())
}

func (store *MongoStore) apply(sc mongo.SessionContext, change saga.Change) error {
	doc := change.Document
	switch change.Op {
	case saga.Insert:
		_, err := store.collection.InsertOne(sc, doc)
		return err
	case saga.Update:
		result, err := store.collection.UpdateOne(sc,
			bson.M{"_id": doc.Key, "revision": change.Expected},
			bson.M{"$set": bson.M{"body": doc.Body, "revision": doc.Revision, "updatedAt": doc.UpdatedAt}})
		if err != nil {
			return err
		}
		if result.MatchedCount == 0 {
			return fmt.Errorf("%w: document %s changed since revision %d", saga.ErrStoreConflict, doc.Key, change.Expected)
		}
		return nil
	case saga.Delete:
		result, err := store.collection.DeleteOne(sc, bson.M{"_id": doc.Key, "revision": change.Expected})
		if err != nil {
			return err
		}
		if result.DeletedCount == 0 {
			return fmt.Errorf("%w: document %s changed since revision %d", saga.ErrStoreConflict, doc.Key, change.Expected)
		}
		return nil
	}
	return fmt.Errorf("unsupported operation %v", change.Op)
}

// classify reports duplicate keys and write conflicts as saga.ErrStoreConflict.
func classify(err error) error {
	if err == nil || saga.IsConflict(err) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", saga.ErrStoreConflict, err)
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) && (serverErr.HasErrorCode(writeConflictCode) || serverErr.HasErrorLabel("TransientTransactionError")) {
		return fmt.Errorf("%w: %v", saga.ErrStoreConflict, err)
	}
	return err
}
