// Package store opens the cart repository selected by configuration.
package store

import (
	"context"
	"fmt"
	"log"

	"cart-consolidation/internal/config"
	"cart-consolidation/internal/db"
	cartrepo "cart-consolidation/internal/repository/cart"
	"github.com/redis/go-redis/v9"
)

// Store is an open cart repository plus its liveness check and teardown.
type Store struct {
	Carts cartrepo.Repository
	Ping  func(ctx context.Context) error
	close func()
}

func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

// Open connects to the backend named by cfg.Store.
func Open(ctx context.Context, cfg config.Config, logger *log.Logger) (*Store, error) {
	switch cfg.Store {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("connect to db: %w", err)
		}
		return &Store{
			Carts: cartrepo.NewPostgres(pool, logger),
			Ping:  pool.Ping,
			close: pool.Close,
		}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return &Store{
			Carts: cartrepo.NewRedis(client, logger),
			Ping:  func(ctx context.Context) error { return client.Ping(ctx).Err() },
			close: func() { _ = client.Close() },
		}, nil

	case "memory":
		logger.Printf("store: using in-memory carts, data is lost on restart")
		return &Store{Carts: cartrepo.NewMemory()}, nil

	default:
		return nil, fmt.Errorf("unknown cart store %q", cfg.Store)
	}
}
