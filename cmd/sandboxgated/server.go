// Package main provides the AgentFlow server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/agentrelay/sandboxgate/api/handlers"
	"github.com/agentrelay/sandboxgate/config"
	"github.com/agentrelay/sandboxgate/internal/database"
	"github.com/agentrelay/sandboxgate/internal/gateway"
	"github.com/agentrelay/sandboxgate/internal/metrics"
	"github.com/agentrelay/sandboxgate/internal/sandbox"
	"github.com/agentrelay/sandboxgate/internal/server"
	"github.com/agentrelay/sandboxgate/internal/telemetry"
	"github.com/agentrelay/sandboxgate/internal/terminal"
	"github.com/agentrelay/sandboxgate/llm/cache"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🖥️ Server 结构（重构版）
// =============================================================================

// Server 是 AgentFlow 的主服务器
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	otelProviders *telemetry.Providers
	db            *gorm.DB
	dbPool        *database.PoolManager

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// Handlers
	healthHandler   *handlers.HealthHandler
	aiHandler       *handlers.AIGatewayHandler
	executeHandler  *handlers.ExecuteHandler
	terminalHandler *handlers.TerminalHandler
	// TODO: 添加更多 handlers
	// agentHandler  *handlers.AgentHandler

	// AI 网关及其依赖
	redisClient *redis.Client
	aiGateway   *gateway.AIGateway

	// 沙箱执行运行时
	sandboxRunner   *sandbox.Runner
	terminalManager *terminal.SessionManager

	// 指标收集器
	metricsCollector *metrics.Collector

	// 热更新管理器
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	wg sync.WaitGroup
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otelProviders *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:           cfg,
		configPath:    configPath,
		logger:        logger,
		otelProviders: otelProviders,
		db:            db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("agentflow", s.logger)

	// 2. 初始化 Handlers
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 3. 初始化热更新管理器
	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initHandlers 初始化所有 handlers
func (s *Server) initHandlers() error {
	// 健康检查 handler
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	// 持久化连接池：为注入的 *gorm.DB 配置连接限制并挂上周期性健康检查
	if s.db != nil {
		dbPool, err := database.NewPoolManager(s.db, database.DefaultPoolConfig(), s.logger)
		if err != nil {
			return fmt.Errorf("failed to init database pool: %w", err)
		}
		s.dbPool = dbPool
		s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", s.dbPool.Ping))
	}

	// AI 网关：Redis 支撑的响应缓存 + 有韧性的 provider 链 + 离线兜底
	s.redisClient = redis.NewClient(&redis.Options{
		Addr:         s.cfg.Redis.Addr,
		Password:     s.cfg.Redis.Password,
		DB:           s.cfg.Redis.DB,
		PoolSize:     s.cfg.Redis.PoolSize,
		MinIdleConns: s.cfg.Redis.MinIdleConns,
	})
	s.healthHandler.RegisterCheck(handlers.NewRedisHealthCheck("redis", func(ctx context.Context) error {
		return s.redisClient.Ping(ctx).Err()
	}))

	promptCache := cache.NewMultiLevelCache(s.redisClient, cache.DefaultCacheConfig(), s.logger)
	fallbackGen := gateway.NewFallbackGenerator(promptCache, s.logger)
	providerChain := buildProviders(s.cfg.LLM, s.redisClient, s.logger)
	if len(providerChain) == 0 {
		s.logger.Warn("no LLM providers configured; AI gateway will rely entirely on fallback responses")
	}

	s.aiGateway = gateway.NewAIGateway(providerChain, promptCache, fallbackGen, s.logger)
	s.aiGateway.Start(context.Background())

	s.aiHandler = handlers.NewAIGatewayHandler(s.aiGateway, os.Getenv("ADMIN_API_KEY"), s.logger)

	// 沙箱代码执行：目录/运行器/输入规范化器
	catalog := sandbox.DefaultCatalog()
	s.sandboxRunner = sandbox.NewRunner(catalog, s.logger, os.Getenv("SANDBOX_DOCKER_BIN"))
	normalizer := sandbox.NewInputNormalizer(catalog)
	s.executeHandler = handlers.NewExecuteHandler(s.sandboxRunner, catalog, normalizer, s.logger)

	// 交互式终端：WebSocket 会话管理
	s.terminalManager = terminal.NewSessionManager(catalog, s.logger)
	s.terminalHandler = handlers.NewTerminalHandler(s.terminalManager, catalog, s.logger)

	// TODO: 初始化其他 handlers
	// s.agentHandler = handlers.NewAgentHandler(registry, s.logger)

	s.logger.Info("Handlers initialized")
	return nil
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	// 注册配置变更回调
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	// 注册配置重载回调
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
	})

	// 启动热更新管理器
	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	// 创建配置 API 处理器
	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器（使用新的 handlers）
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点（使用新的 HealthHandler）
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// AI 网关路由
	// ========================================
	mux.HandleFunc("/ai/chat", s.aiHandler.HandleChat)
	mux.HandleFunc("/ai/health", s.aiHandler.HandleHealth)
	mux.HandleFunc("/ai/metrics", s.aiHandler.HandleMetrics)
	mux.HandleFunc("/ai/status", s.aiHandler.HandleStatus)
	mux.HandleFunc("/ai/metrics/reset", s.aiHandler.HandleMetricsReset)
	mux.HandleFunc("/ai/health/force", s.aiHandler.HandleHealthForce)

	// ========================================
	// 沙箱执行路由
	// ========================================
	mux.HandleFunc("/api/execute", s.executeHandler.HandleExecute)
	mux.HandleFunc("/api/languages", s.executeHandler.HandleLanguages)
	mux.HandleFunc("/api/system", s.executeHandler.HandleSystem)

	// ========================================
	// 交互式终端 WebSocket 路由
	// ========================================
	mux.HandleFunc("/terminal/ws", s.terminalHandler.HandleWS)

	// ========================================
	// API 路由（TODO: 使用新的 handlers）
	// ========================================
	// chat completions are served by the resilient AIGateway at /ai/chat
	// instead (see api/handlers/ai.go), not a raw single-provider handler.
	// mux.HandleFunc("/v1/agents", s.agentHandler.HandleListAgents)
	// mux.HandleFunc("/v1/agents/execute", s.agentHandler.HandleExecuteAgent)

	// ========================================
	// 配置管理 API
	// ========================================
	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(mux)
		s.logger.Info("Configuration API registered")
	}

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(context.Background(), float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.cfg.Server.AllowQueryAPIKey, s.logger),
	)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout, // 2x ReadTimeout
		MaxHeaderBytes:  1 << 20,                      // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止热更新管理器
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 2. 停止 AI 网关后台重试队列
	if s.aiGateway != nil {
		s.aiGateway.Stop()
	}

	// 2b. 强制清理所有仍在运行的沙箱容器
	if s.sandboxRunner != nil {
		if err := s.sandboxRunner.Cleanup(); err != nil {
			s.logger.Error("Sandbox runner cleanup error", zap.Error(err))
		}
	}

	// 2c. 关闭所有活跃的交互式终端会话
	if s.terminalManager != nil {
		s.terminalManager.Close()
	}

	// 3. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭 Redis 连接
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Redis client shutdown error", zap.Error(err))
		}
	}

	// 5b. 关闭数据库连接池
	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}

	// 6. 关闭遥测 providers
	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 7. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
