package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aretw0/waymark/internal/config"
	"github.com/aretw0/waymark/pkg/adapters/badger"
	"github.com/aretw0/waymark/pkg/adapters/file"
	"github.com/aretw0/waymark/pkg/adapters/memory"
	"github.com/aretw0/waymark/pkg/adapters/mongo"
	"github.com/aretw0/waymark/pkg/adapters/redis"
	"github.com/aretw0/waymark/pkg/ports"
)

// OpenedStore is a backend chosen by configuration.
type OpenedStore struct {
	Store ports.SessionStore
	// Locker is set when distributed locks are enabled.
	Locker ports.DistributedLocker
	Close  func() error
}

func nopClose() error { return nil }

// OpenStore connects the configured driver. With distributed locks on, the
// locker shares the store's Redis client, or dials redis_url for other
// drivers.
func OpenStore(ctx context.Context, sc config.StoreConfig, logger *slog.Logger) (*OpenedStore, error) {
	opened, err := openDriver(ctx, sc, logger)
	if err != nil || !sc.DistributedLocks || opened.Locker != nil {
		return opened, err
	}
	client, err := dialRedis(ctx, sc.RedisURL)
	if err != nil {
		_ = opened.Close()
		return nil, err
	}
	opened.Locker = redis.NewLocker(client, sc.RedisPrefix)
	closeStore := opened.Close
	opened.Close = func() error {
		return errors.Join(closeStore(), client.Close())
	}
	return opened, nil
}

func dialRedis(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return client, nil
}

func openDriver(ctx context.Context, sc config.StoreConfig, logger *slog.Logger) (*OpenedStore, error) {
	switch sc.Driver {
	case "memory":
		return &OpenedStore{Store: memory.NewStore(), Close: nopClose}, nil

	case "file":
		return &OpenedStore{Store: file.New(sc.Path), Close: nopClose}, nil

	case "badger":
		cfg := badger.DefaultConfig(filepath.Join(sc.Path, "badger"))
		cfg.BackupDir = filepath.Join(sc.Path, "backups")
		cfg.Logger = logger
		s, err := badger.Open(cfg)
		if err != nil {
			return nil, err
		}
		return &OpenedStore{Store: s, Close: s.Close}, nil

	case "redis":
		client, err := dialRedis(ctx, sc.RedisURL)
		if err != nil {
			return nil, err
		}
		s := redis.NewFromClient(client, redis.WithPrefix(sc.RedisPrefix))
		opened := &OpenedStore{Store: s, Close: s.Close}
		if sc.DistributedLocks {
			opened.Locker = redis.NewLocker(client, sc.RedisPrefix)
		}
		return opened, nil

	case "mongo":
		s, client, err := mongo.Connect(ctx, sc.MongoURI, sc.MongoDatabase, sc.MongoCollection)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		return &OpenedStore{Store: s, Close: func() error { return client.Disconnect(context.Background()) }}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}
