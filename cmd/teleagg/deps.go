package main

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/teleagg/config"
	"github.com/mohammad-safakhou/teleagg/internal/queue/streams"
	"github.com/mohammad-safakhou/teleagg/internal/store"
	"github.com/mohammad-safakhou/teleagg/internal/tasks"
)

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}
	return st, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Storage.Redis.Addr(),
		Password:    cfg.Storage.Redis.Password,
		DB:          cfg.Storage.Redis.DB,
		DialTimeout: cfg.Storage.Redis.Timeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	return rdb, nil
}

func schemaRegistry() (*streams.SchemaRegistry, error) {
	reg := streams.NewSchemaRegistry()
	if err := streams.RegisterBaseSchemas(reg); err != nil {
		return nil, fmt.Errorf("register schemas: %w", err)
	}
	return reg, nil
}

func newDispatcher(cfg *config.Config, rdb redis.UniversalClient, logger *log.Logger) (*tasks.Dispatcher, *tasks.Results, error) {
	reg, err := schemaRegistry()
	if err != nil {
		return nil, nil, err
	}
	results := newResults(cfg, rdb)
	return tasks.NewDispatcher(streams.NewPublisher(rdb, reg), results, cfg.Queue.Stream, cfg.Queue.MaxLen, logger), results, nil
}

func newResults(cfg *config.Config, rdb redis.UniversalClient) *tasks.Results {
	return tasks.NewResults(rdb, cfg.Queue.ResultTTL)
}
