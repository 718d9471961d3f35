package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/gatehouse/config"
	"github.com/jmcleod/gatehouse/storage"
	bboltstorage "github.com/jmcleod/gatehouse/storage/bbolt"
	"github.com/jmcleod/gatehouse/storage/memory"
	"github.com/jmcleod/gatehouse/storage/postgres"
	"github.com/jmcleod/gatehouse/storage/redis"
	"github.com/jmcleod/gatehouse/storage/sqlite"
)

// openStore opens the session backend selected by cfg.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.NewRepository(), nil
	case config.DriverBBolt:
		if err := ensureDir(cfg.Path); err != nil {
			return nil, err
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Path, &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, fmt.Errorf("failed to open bbolt session store: %w", err)
		}
		return repo, nil
	case config.DriverSQLite:
		if err := ensureDir(cfg.Path); err != nil {
			return nil, err
		}
		repo, err := sqlite.NewRepositoryFromFile(ctx, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite session store: %w", err)
		}
		return repo, nil
	case config.DriverPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres session store: %w", err)
		}
		return repo, nil
	case config.DriverRedis:
		if cfg.DSN != "" {
			repo, err := redis.NewRepositoryFromURL(ctx, cfg.DSN, cfg.Redis.Prefix)
			if err != nil {
				return nil, fmt.Errorf("failed to open redis session store: %w", err)
			}
			return repo, nil
		}
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		return redis.NewRepository(client, cfg.Redis.Prefix), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}
