package config

import (
	"context"
	"fmt"

	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/saga"
	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/saga/memory"
	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/saga/mongodb"
	sagaredis "github.com/abecu-hub/go-bus-docsaga/pkg/servicebus/saga/redis"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
OpenSagaStore connects to the configured saga store. The returned close function releases the connection,
call it once the endpoint stopped.
*/
func OpenSagaStore(ctx context.Context, cfg SagaConfig) (saga.Store, func(context.Context) error, error) {
	switch cfg.Store {
	case StoreMemory:
		return memory.CreateMemoryStore(), func(context.Context) error { return nil }, nil
	case StoreMongoDB:
		return openMongoStore(ctx, cfg.MongoDB)
	case StoreRedis:
		return openRedisStore(ctx, cfg.Redis)
	}
	return nil, nil, fmt.Errorf("unknown saga store %q", cfg.Store)
}

func openMongoStore(ctx context.Context, cfg MongoDBConfig) (saga.Store, func(context.Context) error, error) {
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongodb: %w", err)
	}

	var storeOptions []func(*mongodb.MongoStore) error
	if cfg.MaxCommitTime > 0 {
		storeOptions = append(storeOptions, mongodb.MaxCommitTime(cfg.MaxCommitTime))
	}
	if cfg.ExpireInSeconds > 0 {
		storeOptions = append(storeOptions, mongodb.ExpireInSeconds(cfg.ExpireInSeconds))
	}

	store, err := mongodb.CreateMongoStore(ctx, client, cfg.Database, cfg.Collection, storeOptions...)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}
	return store, client.Disconnect, nil
}

func openRedisStore(ctx context.Context, cfg RedisConfig) (saga.Store, func(context.Context) error, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	var storeOptions []func(*sagaredis.RedisStore)
	if cfg.KeyPrefix != "" {
		storeOptions = append(storeOptions, sagaredis.KeyPrefix(cfg.KeyPrefix))
	}
	return sagaredis.CreateRedisStore(client, storeOptions...), func(context.Context) error { return client.Close() }, nil
}
