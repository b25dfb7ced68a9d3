package config

import (
	"time"

	"github.com/BaSui01/secflow/workflow"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Engine:    DefaultEngineConfig(),
		Store:     StoreConfig{Backend: StoreBackendMemory},
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		MaxBodyBytes:    1 << 20,
	}
}

// DefaultEngineConfig mirrors workflow.DefaultExecutorConfig.
func DefaultEngineConfig() EngineConfig {
	exec := workflow.DefaultExecutorConfig()
	breaker := workflow.DefaultCircuitBreakerConfig()
	return EngineConfig{
		MaxConcurrency:     exec.MaxConcurrency,
		ActivityTimeout:    exec.ActivityTimeout,
		MaxAttempts:        exec.RetryPolicy.MaxAttempts,
		InitialInterval:    exec.RetryPolicy.InitialInterval,
		MaxInterval:        exec.RetryPolicy.MaxInterval,
		BackoffCoefficient: exec.RetryPolicy.BackoffCoefficient,
		Jitter:             exec.RetryPolicy.Jitter,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:           true,
			FailureThreshold:  breaker.FailureThreshold,
			RecoveryTimeout:   breaker.RecoveryTimeout,
			HalfOpenMaxProbes: breaker.HalfOpenMaxProbes,
			SuccessThreshold:  breaker.SuccessThreshold,
		},
		SecretEnvPrefix: "SECFLOW_SECRET_",
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "secflow:",
		RunTTL:       7 * 24 * time.Hour,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "secflow",
		Name:            "secflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "secflow",
		SampleRate:   0.1,
	}
}
