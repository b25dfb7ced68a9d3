package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/secflow/api/handlers"
	"github.com/BaSui01/secflow/config"
	"github.com/BaSui01/secflow/internal/metrics"
	"github.com/BaSui01/secflow/internal/server"
	"github.com/BaSui01/secflow/internal/telemetry"
	"github.com/BaSui01/secflow/workflow/persistence"
)

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting SecFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		srv.Shutdown(context.Background())
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srv.Errors():
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	logger.Info("SecFlow stopped")
	return nil
}

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server owns every long-lived component of the serve command.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	registry   *prometheus.Registry
	collector  *metrics.Collector
	otel       *telemetry.Providers
	store      persistence.Store
	closeStore func() error
	engine     *engine

	httpManager    *server.Manager
	metricsManager *server.Manager

	limiterCancel context.CancelFunc
	errs          chan error
	done          chan struct{}
	closeOnce     sync.Once
}

// NewServer wires telemetry, the store and the engine. Nothing listens
// until Start.
func NewServer(cfg *config.Config, logger *zap.Logger, registry *prometheus.Registry) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		errs:     make(chan error, 2),
		done:     make(chan struct{}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.collector = metrics.NewCollector("secflow", registry, logger)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		// 遥测不可用不阻止启动
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		otelProviders = nil
	}
	s.otel = otelProviders

	store, closeStore, err := openStore(cfg, logger, s.collector)
	if err != nil {
		return nil, err
	}
	s.store, s.closeStore = store, closeStore

	eng, err := newEngine(cfg, logger, engineDeps{store: store, collector: s.collector, otel: s.otel})
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	s.engine = eng
	s.collector.ObserveActiveRuns(func() int { return len(eng.runner.Active()) })
	return s, nil
}

// Handler builds the API handler with its middleware chain.
func (s *Server) Handler(ctx context.Context) http.Handler {
	health := handlers.NewHealthHandler(s.logger)
	health.RegisterCheck(handlers.NewPingCheck("store", s.store.Ping))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET /healthz", health.HandleHealth)
	mux.HandleFunc("GET /ready", health.HandleReady)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(Version, BuildTime, GitCommit))

	handlers.NewWorkflowHandler(s.store, s.engine.compiler, s.engine.validator, s.engine.runner, s.logger).Register(mux)
	handlers.NewRunHandler(s.store, s.engine.runner, s.logger).Register(mux)

	sc := s.cfg.Server
	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		OTelTracing(s.otel.Tracer()),
		SecurityHeaders(),
		RequestLogger(s.logger),
		RateLimiter(ctx, sc.RateLimitRPS, sc.RateLimitBurst, s.logger),
		Auth(s.cfg.Auth, s.logger),
		MaxBodyBytes(sc.MaxBodyBytes),
		Metrics(s.collector),
	)
}

// Start 启动 API 与 Metrics 服务器（非阻塞）
func (s *Server) Start() error {
	apiCfg, err := server.APIConfig(s.cfg.Server)
	if err != nil {
		return fmt.Errorf("api listener config: %w", err)
	}
	limiterCtx, cancel := context.WithCancel(context.Background())
	s.limiterCancel = cancel

	s.httpManager = server.NewManager(s.Handler(limiterCtx), apiCfg, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}
	go s.forward(s.httpManager)

	if s.cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
		s.metricsManager = server.NewManager(mux, server.MetricsConfig(s.cfg.Server), s.logger)
		if err := s.metricsManager.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		go s.forward(s.metricsManager)
	}

	s.logger.Info("all servers started",
		zap.String("api_addr", s.httpManager.Addr()),
		zap.Bool("tls", apiCfg.TLS != nil),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("store", s.cfg.Store.Backend),
	)
	return nil
}

func (s *Server) forward(m *server.Manager) {
	select {
	case err := <-m.Errors():
		s.errs <- err
	case <-s.done:
	}
}

// Errors 返回服务器运行期错误
func (s *Server) Errors() <-chan error { return s.errs }

// Shutdown 优雅关闭：先停止接收请求，再取消运行中的工作流，最后释放存储
func (s *Server) Shutdown(ctx context.Context) {
	s.logger.Info("starting graceful shutdown")
	s.closeOnce.Do(func() { close(s.done) })
	var errs []error

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if s.limiterCancel != nil {
		s.limiterCancel()
	}
	if s.engine != nil {
		if err := s.engine.runner.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.closeStore != nil {
		if err := s.closeStore(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := s.otel.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("shutdown completed with errors", zap.Error(err))
		return
	}
	s.logger.Info("graceful shutdown completed")
}
