package main

import (
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/BaSui01/secflow/config"
	"github.com/BaSui01/secflow/internal/database"
	"github.com/BaSui01/secflow/internal/tlsutil"
	"github.com/BaSui01/secflow/workflow/persistence"
)

// =============================================================================
// 🗄️ 存储后端选择
// =============================================================================

// openStore opens the configured backend. The returned close function
// releases the store and whatever connection pool backs it.
func openStore(cfg *config.Config, logger *zap.Logger, stats database.StatsRecorder) (persistence.Store, func() error, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory, "":
		store := persistence.NewMemoryStore()
		return store, store.Close, nil

	case config.StoreBackendRedis:
		store, err := persistence.NewRedisStore(redisStoreConfig(cfg.Redis), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, store.Close, nil

	case config.StoreBackendDatabase:
		var opts []database.PoolOption
		if stats != nil {
			opts = append(opts, database.WithStatsRecorder(stats))
		}
		pool, err := database.Open(cfg.Database, logger, opts...)
		if err != nil {
			return nil, nil, err
		}
		if cfg.Store.AutoMigrate {
			if err := pool.DB().AutoMigrate(persistence.Models()...); err != nil {
				_ = pool.Close()
				return nil, nil, fmt.Errorf("auto-migrate: %w", err)
			}
			logger.Info("database schema migrated", zap.String("driver", cfg.Database.Driver))
		}
		store, err := persistence.NewGormStore(pool.DB(), logger)
		if err != nil {
			_ = pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

func redisStoreConfig(rc config.RedisConfig) persistence.RedisConfig {
	out := persistence.DefaultRedisConfig()
	out.Addr = rc.Addr
	out.Password = rc.Password
	out.DB = rc.DB
	out.KeyPrefix = rc.KeyPrefix
	out.RunTTL = rc.RunTTL
	if rc.PoolSize > 0 {
		out.PoolSize = rc.PoolSize
	}
	if rc.MinIdleConns > 0 {
		out.MinIdleConns = rc.MinIdleConns
	}
	if rc.TLS {
		host, _, err := net.SplitHostPort(rc.Addr)
		if err != nil {
			host = rc.Addr
		}
		out.TLSConfig = tlsutil.ClientConfig(host)
	}
	return out
}
