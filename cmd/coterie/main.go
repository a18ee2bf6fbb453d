// Package main is the entry point for the Coterie coordination server.
// One binary runs the whole thing: REST API, MCP tool server, the
// WebSocket event feed, and the durable store behind them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	agenthandlers "github.com/coterie-dev/coterie/internal/agent/handlers"
	"github.com/coterie-dev/coterie/internal/agent/launcher"
	"github.com/coterie-dev/coterie/internal/agent/registry"
	"github.com/coterie-dev/coterie/internal/agent/worktree"
	"github.com/coterie-dev/coterie/internal/clock"
	"github.com/coterie-dev/coterie/internal/common/config"
	"github.com/coterie-dev/coterie/internal/common/httpmw"
	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/common/tracing"
	"github.com/coterie-dev/coterie/internal/db"
	"github.com/coterie-dev/coterie/internal/eventlog"
	"github.com/coterie-dev/coterie/internal/events"
	"github.com/coterie-dev/coterie/internal/events/bus"
	gateways "github.com/coterie-dev/coterie/internal/gateway/websocket"
	memoryhandlers "github.com/coterie-dev/coterie/internal/memory/handlers"
	memoryservice "github.com/coterie-dev/coterie/internal/memory/service"
	"github.com/coterie-dev/coterie/internal/mcpserver"
	"github.com/coterie-dev/coterie/internal/persona"
	"github.com/coterie-dev/coterie/internal/store"
	"github.com/coterie-dev/coterie/internal/task/coordinator"
	taskhandlers "github.com/coterie-dev/coterie/internal/task/handlers"
	"github.com/coterie-dev/coterie/internal/wait"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Coterie...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus. Coordination is always in-process; NATS, when
	// configured, is an outbound mirror only.
	eventBus := bus.NewMemoryBus(cfg.Bus.SubscriberBuffer, log)
	defer eventBus.Close()

	var natsBridge *events.NATSBridge
	if cfg.NATS.URL != "" {
		log.Info("Connecting NATS mirror...", zap.String("url", cfg.NATS.URL))
		natsBridge, err = events.NewNATSBridge(eventBus, cfg.NATS, log)
		if err != nil {
			log.Warn("NATS mirror unavailable, continuing without it", zap.Error(err))
		} else {
			defer natsBridge.Close()
		}
	}

	// ============================================
	// STORAGE
	// ============================================
	var pool *db.Pool
	switch cfg.Database.Driver {
	case "postgres":
		pool, err = db.OpenPostgresPool(cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
	default:
		pool, err = db.OpenSQLitePool(cfg.Database.Path, cfg.Database.BusyTimeoutMs)
	}
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err),
			zap.String("driver", cfg.Database.Driver))
	}
	defer pool.Close()

	st, err := store.New(ctx, pool, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	log.Info("Store initialized", zap.String("driver", cfg.Database.Driver))

	// ============================================
	// SERVICES
	// ============================================
	clk := clock.System()
	waiter := wait.New(eventBus, log)

	agentRegistry := registry.New(st, clk, launcher.GroupTerminator{}, log)

	personas, err := buildPersonaResolver(cfg.Personas.Dir)
	if err != nil {
		log.Fatal("Failed to load personas", zap.Error(err))
	}

	var worktreeMgr *worktree.Manager
	if cfg.Worktree.Enabled {
		worktreeMgr = worktree.NewManager(worktree.Config{
			BasePath:     cfg.Worktree.BasePath,
			BranchPrefix: cfg.Worktree.BranchPrefix,
		}, log)
		log.Info("Worktree isolation enabled", zap.String("base_path", cfg.Worktree.BasePath))
	}

	var launchSvc *registry.LaunchService
	if cfg.Launcher.Command != "" {
		launchSvc = registry.NewLaunchService(
			agentRegistry, personas, worktreeMgr, launcher.NewPTY(log),
			registry.LaunchConfig{
				Command:   cfg.Launcher.Command,
				Args:      cfg.Launcher.Args,
				LogDir:    cfg.Launcher.LogDir,
				ServerURL: fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
				YoloFlag:  cfg.Launcher.YoloFlag,
			}, log)
		log.Info("Agent launcher enabled", zap.String("command", cfg.Launcher.Command))
	} else {
		log.Info("Agent launcher disabled (no launcher command configured)")
	}

	taskCoordinator := coordinator.New(st, agentRegistry, waiter, clk, coordinator.PollConfig{
		DefaultTimeout: cfg.Poll.DefaultTimeout(),
		MaxTimeout:     cfg.Poll.MaxTimeout(),
	}, log)

	memorySvc := memoryservice.New(st, waiter, clk, log)

	recorder := eventlog.NewRecorder(st, eventBus, clk, log)
	if err := recorder.Start(ctx); err != nil {
		log.Fatal("Failed to start event recorder", zap.Error(err))
	}
	defer recorder.Stop()
	log.Info("Event recorder started")

	// ============================================
	// WEBSOCKET EVENT FEED
	// ============================================
	hub := gateways.NewHub(eventBus, log)
	go hub.Run(ctx)

	// ============================================
	// HTTP SERVER
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "coterie"))
	router.Use(httpmw.OtelTracing("coterie"))

	hub.RegisterRoutes(router)

	api := router.Group("/api/v1")
	taskhandlers.NewTaskHandlers(taskCoordinator, log).RegisterRoutes(api)
	agenthandlers.NewAgentHandlers(agentRegistry, launchSvc, log).RegisterRoutes(api)
	memoryhandlers.NewMemoryHandlers(memorySvc, log).RegisterRoutes(api)
	recorder.RegisterRoutes(api)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "coterie",
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host), zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// ============================================
	// MCP TOOL SERVER
	// ============================================
	var mcpSrv *mcpserver.Server
	if cfg.MCP.Enabled {
		mcpSrv = mcpserver.New(mcpserver.Config{Port: cfg.MCP.Port}, mcpserver.Services{
			Coordinator: taskCoordinator,
			Registry:    agentRegistry,
			Memory:      memorySvc,
			Launch:      launchSvc,
		}, log)
		if err := mcpSrv.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
	}

	log.Info("Coterie ready",
		zap.String("api", "/api/v1"),
		zap.String("websocket", "/ws"),
		zap.Bool("mcp", cfg.MCP.Enabled))

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Coterie...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Coterie stopped")
}

// buildPersonaResolver layers an optional on-disk persona directory
// over the embedded defaults.
func buildPersonaResolver(dir string) (persona.Resolver, error) {
	embedded, err := persona.Embedded()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return embedded, nil
	}
	return persona.Chain{persona.Dir(dir), embedded}, nil
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
