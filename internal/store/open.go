package store

import (
	"context"
	"fmt"

	"github.com/lucasbezerra26/moderated-chat-client/internal/config"
	"github.com/lucasbezerra26/moderated-chat-client/internal/db"
	"github.com/redis/go-redis/v9"
)

// Open 按配置的驱动创建存储。返回的 closer 释放底层连接。
func Open(ctx context.Context, cfg config.Config) (Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.StoreDriver {
	case config.StoreMemory:
		return NewMemoryStore(), noop, nil
	case config.StoreFile, "":
		return NewFileStore(cfg.StorePath), noop, nil
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return NewRedisStore(client, cfg.StoreKey), client.Close, nil
	case config.StorePostgres:
		gdb, err := db.Connect(cfg.DatabaseDSN, 5)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := db.Migrate(gdb); err != nil {
			return nil, nil, fmt.Errorf("db migrate: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, nil, err
		}
		return NewGormStore(gdb, cfg.StoreKey), sqlDB.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
