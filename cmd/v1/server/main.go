package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/parleychat/parley/internal/v1/config"
	"github.com/parleychat/parley/internal/v1/health"
	"github.com/parleychat/parley/internal/v1/logging"
	"github.com/parleychat/parley/internal/v1/middleware"
	"github.com/parleychat/parley/internal/v1/ratelimit"
	"github.com/parleychat/parley/internal/v1/room"
	"github.com/parleychat/parley/internal/v1/server"
	"github.com/parleychat/parley/internal/v1/session"
	"github.com/parleychat/parley/internal/v1/tracing"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.Development(), cfg.LogLevel); err != nil {
		slog.Error("Logger initialization failed", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if cfg.Development() {
		logging.Info(ctx, "running in development mode")
	}

	// --- Tracing (optional) ---
	// A missing collector downgrades to no tracing rather than refusing to boot.
	var tracerProvider *sdktrace.TracerProvider
	if cfg.OTelCollectorAddr != "" {
		tracerProvider, err = tracing.InitTracer(ctx, "parley", cfg.OTelCollectorAddr, cfg.OTelInsecureSkipVerify)
		if err != nil {
			logging.Warn(ctx, "tracing disabled, collector unavailable", zap.Error(err))
			tracerProvider = nil
		} else {
			logging.Info(ctx, "tracing initialized", zap.String("collector", cfg.OTelCollectorAddr))
		}
	}

	// --- Room catalog ---
	// The room set is fixed for the lifetime of the process.
	metas, err := config.LoadRooms(cfg.RoomsFile)
	if err != nil {
		logging.Fatal(ctx, "room seed file unusable", zap.Error(err))
	}

	manager, err := room.NewManager(metas, cfg.BusCapacity)
	if err != nil {
		logging.Fatal(ctx, "room catalog rejected", zap.Error(err))
	}
	logging.Info(ctx, "room catalog seeded", zap.Int("rooms", len(metas)))

	// --- Chat listener (TCP) ---
	srvCfg := server.Config{
		BindAddr:     cfg.BindAddr,
		WriteTimeout: cfg.WriteTimeout,
		Session: session.Config{
			Buffer: cfg.SessionBuffer,
			Rate:   cfg.SessionRate,
			Burst:  cfg.SessionBurst,
		},
	}
	chatSrv := server.New(manager, srvCfg)
	if err := chatSrv.Start(ctx); err != nil {
		logging.Fatal(ctx, "chat listener failed to start", zap.Error(err))
	}

	// --- HTTP sidecar: metrics, health probes, WebSocket gateway ---
	var (
		httpSrv *http.Server
		gateway *server.Gateway
	)
	if cfg.HTTPAddr != "" {
		if !cfg.Development() {
			gin.SetMode(gin.ReleaseMode)
		}
		router := gin.New()
		router.Use(gin.Recovery())
		router.Use(middleware.CorrelationID())
		if tracerProvider != nil {
			router.Use(otelgin.Middleware("parley"))
		}

		// Cors
		corsConfig := cors.DefaultConfig()
		if len(cfg.AllowedOrigins) > 0 {
			corsConfig.AllowOrigins = cfg.AllowedOrigins
		} else {
			corsConfig.AllowOrigins = []string{"http://localhost:3000"}
		}
		router.Use(cors.New(corsConfig))

		// Prometheus metrics endpoint
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))

		// Health check endpoints
		healthHandler := health.NewHandler(manager, chatSrv)
		router.GET("/health/live", healthHandler.Liveness)
		router.GET("/health/ready", healthHandler.Readiness)

		// WebSocket gateway, same sessions as the TCP listener
		if cfg.WSEnabled {
			limiter, err := ratelimit.New(cfg.RateLimitWSIP)
			if err != nil {
				logging.Fatal(ctx, "invalid websocket rate limit", zap.Error(err))
			}
			gateway = server.NewGateway(manager, limiter, cfg.AllowedOrigins, srvCfg)
			router.GET("/ws", gateway.ServeWs)
		}

		httpSrv = &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: router,
		}

		go func() {
			logging.Info(ctx, "http sidecar listening",
				zap.String("addr", cfg.HTTPAddr), zap.Bool("websocket", cfg.WSEnabled))
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error(ctx, "http sidecar failed", zap.Error(err))
				syscall.Kill(os.Getpid(), syscall.SIGTERM)
			}
		}()
	}

	// --- Graceful Shutdown ---
	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Sessions first, so both listeners stop feeding the rooms before the
	// buses close.
	if gateway != nil {
		if err := gateway.Shutdown(shutdownCtx); err != nil {
			logging.Error(shutdownCtx, "websocket gateway shutdown", zap.Error(err))
		}
	}
	if err := chatSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "chat server shutdown", zap.Error(err))
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logging.Error(shutdownCtx, "http sidecar shutdown", zap.Error(err))
		}
	}

	manager.Close()

	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logging.Error(shutdownCtx, "tracer shutdown", zap.Error(err))
		}
	}

	logging.Info(ctx, "server exiting")
}
