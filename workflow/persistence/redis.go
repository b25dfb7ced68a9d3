package persistence

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/secflow/workflow"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// =============================================================================
// Redis 存储
// =============================================================================

// RedisConfig Redis 存储配置
type RedisConfig struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// KeyPrefix namespaces every key written by the store.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`

	// 运行记录过期时间，0 表示永不过期
	RunTTL time.Duration `yaml:"run_ttl" json:"run_ttl"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`

	// TLSConfig 非空时以 TLS 连接
	TLSConfig *tls.Config `yaml:"-" json:"-"`

	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:                "localhost:6379",
		KeyPrefix:           "secflow:",
		RunTTL:              7 * 24 * time.Hour,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// RedisStore stores definitions and runs as JSON blobs, indexed by sorted
// sets scored by creation time.
type RedisStore struct {
	client *redis.Client
	config RedisConfig
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(config RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		TLSConfig:    config.TLSConfig,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := &RedisStore{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "redis_store")),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	if config.HealthCheckInterval > 0 {
		go s.healthCheckLoop()
	}

	s.logger.Info("redis store initialized",
		zap.String("addr", config.Addr),
		zap.String("key_prefix", config.KeyPrefix),
		zap.Int("pool_size", config.PoolSize))
	return s, nil
}

func (s *RedisStore) definitionKey(id string) string { return s.config.KeyPrefix + "definition:" + id }
func (s *RedisStore) definitionIndex() string { return s.config.KeyPrefix + "definitions" }
func (s *RedisStore) runKey(id string) string { return s.config.KeyPrefix + "run:" + id }
func (s *RedisStore) runIndex() string { return s.config.KeyPrefix + "runs" }
func (s *RedisStore) workflowRunIndex(workflowID string) string {
	return s.config.KeyPrefix + "workflow:" + workflowID + ":runs"
}

func (s *RedisStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("redis store is closed")
	}
	return nil
}

// =============================================================================
// 🎯 定义
// =============================================================================

func (s *RedisStore) SaveDefinition(ctx context.Context, def *Definition) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	var previous *Definition
	if def != nil && def.ID != "" {
		prev, err := s.getDefinition(ctx, def.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		previous = prev
	}
	if err := prepareDefinition(def, previous, uuid.NewString, s.now()); err != nil {
		return err
	}
	data, err := encodeDefinition(def)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.definitionKey(def.ID), data, 0)
		pipe.ZAdd(ctx, s.definitionIndex(), redis.Z{Score: float64(def.CreatedAt.UnixMicro()), Member: def.ID})
		return nil
	})
	if err != nil {
		s.logger.Error("definition save failed", zap.String("id", def.ID), zap.Error(err))
		return fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	return nil
}

func (s *RedisStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.getDefinition(ctx, id)
}

func (s *RedisStore) getDefinition(ctx context.Context, id string) (*Definition, error) {
	data, err := s.client.Get(ctx, s.definitionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get definition %s: %w", id, err)
	}
	return decodeDefinition(data)
}

func (s *RedisStore) ListDefinitions(ctx context.Context, opts ListOptions) ([]*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	blobs, err := s.indexed(ctx, s.definitionIndex(), s.definitionKey, opts, false)
	if err != nil {
		return nil, err
	}
	defs := make([]*Definition, 0, len(blobs))
	for _, b := range blobs {
		def, err := decodeDefinition(b)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (s *RedisStore) DeleteDefinition(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.definitionKey(id))
		pipe.ZRem(ctx, s.definitionIndex(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete definition %s: %w", id, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("definition %s: %w", id, ErrNotFound)
	}
	return nil
}

// =============================================================================
// 🏃 运行记录
// =============================================================================

func (s *RedisStore) SaveRun(ctx context.Context, run *workflow.RunRecord) error {
	if err := validateRun(run); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := encodeRun(run)
	if err != nil {
		return err
	}
	score := float64(run.StartedAt.UnixMicro())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.runKey(run.RunID), data, s.config.RunTTL)
		pipe.ZAdd(ctx, s.runIndex(), redis.Z{Score: score, Member: run.RunID})
		if run.WorkflowID != "" {
			pipe.ZAdd(ctx, s.workflowRunIndex(run.WorkflowID), redis.Z{Score: score, Member: run.RunID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.RunID, err)
	}
	return nil
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*workflow.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return decodeRun(data)
}

func (s *RedisStore) ListRuns(ctx context.Context, workflowID string, opts ListOptions) ([]*workflow.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	index := s.runIndex()
	if workflowID != "" {
		index = s.workflowRunIndex(workflowID)
	}
	blobs, err := s.indexed(ctx, index, s.runKey, opts, true)
	if err != nil {
		return nil, err
	}
	runs := make([]*workflow.RunRecord, 0, len(blobs))
	for _, b := range blobs {
		run, err := decodeRun(b)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// indexed loads a page of blobs through a sorted-set index. Members whose
// blob has expired are dropped from the index.
func (s *RedisStore) indexed(ctx context.Context, index string, key func(string) string, opts ListOptions, newestFirst bool) ([][]byte, error) {
	start := int64(max(opts.Offset, 0))
	stop := int64(-1)
	if opts.Limit > 0 {
		stop = start + int64(opts.Limit) - 1
	}

	var ids []string
	var err error
	if newestFirst {
		ids, err = s.client.ZRevRange(ctx, index, start, stop).Result()
	} else {
		ids, err = s.client.ZRange(ctx, index, start, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", index, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load %d entries: %w", len(keys), err)
	}

	blobs := make([][]byte, 0, len(values))
	var stale []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		blobs = append(blobs, []byte(str))
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, index, stale...).Err(); err != nil {
			s.logger.Warn("failed to drop expired index members", zap.String("index", index), zap.Error(err))
		}
	}
	return blobs, nil
}

// =============================================================================
// 🏥 连接管理
// =============================================================================

// Ping 检查 Redis 连接
func (s *RedisStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close 关闭存储
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	s.logger.Info("closing redis store")
	return s.client.Close()
}

func (s *RedisStore) healthCheckLoop() {
	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Ping(ctx); err != nil {
			s.logger.Error("redis health check failed", zap.Error(err))
		} else {
			s.logger.Debug("redis health check passed")
		}
		cancel()
	}
}
