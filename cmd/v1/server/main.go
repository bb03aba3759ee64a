package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/agentmesh-dev/agentmesh/internal/v1/api"
	"github.com/agentmesh-dev/agentmesh/internal/v1/auth"
	"github.com/agentmesh-dev/agentmesh/internal/v1/bus"
	"github.com/agentmesh-dev/agentmesh/internal/v1/config"
	"github.com/agentmesh-dev/agentmesh/internal/v1/discussion"
	"github.com/agentmesh-dev/agentmesh/internal/v1/health"
	"github.com/agentmesh-dev/agentmesh/internal/v1/hub"
	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
	"github.com/agentmesh-dev/agentmesh/internal/v1/project"
	"github.com/agentmesh-dev/agentmesh/internal/v1/protocol"
	"github.com/agentmesh-dev/agentmesh/internal/v1/ratelimit"
	"github.com/agentmesh-dev/agentmesh/internal/v1/router"
	"github.com/agentmesh-dev/agentmesh/internal/v1/session"
	"github.com/agentmesh-dev/agentmesh/internal/v1/storage"
	"github.com/agentmesh-dev/agentmesh/internal/v1/tracing"
)

func main() {
	// Load .env for local development; production relies on real env vars.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Configuration invalid", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logging", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	// --- Storage and bus ---
	var store storage.Backend
	var busService *bus.Service
	if cfg.RedisEnabled {
		redisStore, err := storage.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis storage", "error", err)
			os.Exit(1)
		}
		store = redisStore

		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis pub/sub, running single-instance", "error", err)
			busService = nil
		}
	} else {
		slog.Info("Running on in-memory storage (Redis disabled)")
		store = storage.NewMemory()
	}

	// --- Tracing (optional) ---
	tracingEnabled := cfg.OTLPCollectorAddr != ""
	if tracingEnabled {
		tp, err := tracing.InitTracer(ctx, api.ServiceName, cfg.OTLPCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without", "error", err)
			tracingEnabled = false
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					slog.Error("Tracer shutdown failed", "error", err)
				}
			}()
		}
	}

	// --- Core components ---
	projects := project.NewRegistry(project.Config{
		MaxSessions:       1000,
		MaxProtocols:      1000,
		MaxQueueSize:      cfg.QueueCapacity,
		Discoverable:      true,
		AllowCrossProject: false,
	})
	protocols := protocol.NewRegistry(store, projects)

	statusFeed := api.NewStatusFeed()

	sessionOpts := session.DefaultOptions()
	sessionOpts.StaleAfter = time.Duration(cfg.StaleThresholdSeconds) * time.Second
	sessionOpts.DisconnectAfter = time.Duration(cfg.DisconnectThresholdSeconds) * time.Second
	sessionOpts.SweepInterval = time.Duration(cfg.SweepIntervalSeconds) * time.Second
	sessionOpts.QueueWarningThreshold = cfg.QueueWarningThreshold
	sessionOpts.OnLifecycle = statusFeed.SessionLifecycle
	sessions := session.NewManager(store, projects, sessionOpts)

	dlq := router.NewDLQ(0)
	rtr := router.NewRouter(sessions, protocols, dlq)
	rtr.SetObserver(statusFeed.Delivery)
	cross := router.NewCrossProjectRouter(projects, rtr)

	// --- Auth ---
	var validator auth.TokenValidator
	if cfg.AuthIssuerDomain != "" {
		jwksValidator, err := auth.NewJWKSValidator(ctx, cfg.AuthIssuerDomain, cfg.AuthAudience)
		if err != nil {
			slog.Error("Failed to create JWKS validator", "error", err)
			os.Exit(1)
		}
		validator = jwksValidator
	} else if cfg.JWTSecret != "" {
		validator = auth.NewHS256Validator(cfg.JWTSecret, api.ServiceName, cfg.AuthAudience,
			time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute)
	} else {
		slog.Warn("No JWT secret or issuer configured, hub connections require API keys")
	}
	authenticator := auth.NewAuthenticator(validator, projects)

	// --- Hubs and discussions ---
	discussions := api.NewDiscussionService(sessions, nil, discussion.Options{
		ConsensusThreshold: cfg.ConsensusThreshold,
		ResponseTimeout:    time.Duration(cfg.DiscussionTimeoutSeconds) * time.Second,
	})
	hubOpts := hub.Options{AllowedOrigins: cfg.AllowedOrigins, Bus: busService}
	meetingHub := hub.NewHub(hub.KindMeeting, authenticator, hub.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Bus:            busService,
		OnEvent: func(ctx context.Context, roomID string, c *hub.Client, ev *hub.Event) {
			discussions.HubEventHook(ctx, roomID, c, ev)
			statusFeed.MeetingActivity(ctx, roomID, c, ev)
		},
	})
	discussions.SetMeetingHub(meetingHub)
	chatHub := hub.NewHub(hub.KindChat, authenticator, hubOpts)
	statusHub := hub.NewHub(hub.KindStatus, authenticator, hub.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowGuests:    true,
		Bus:            busService,
	})
	statusFeed.SetHub(statusHub)

	// --- Rate limiting ---
	var redisClient *redis.Client
	if busService != nil {
		redisClient = busService.Client()
	}
	limiter, err := ratelimit.New(cfg.RateLimitHTTP, redisClient)
	if err != nil {
		slog.Error("Invalid rate limit configuration", "error", err)
		os.Exit(1)
	}

	server := &api.Server{
		Projects:    projects,
		Protocols:   protocols,
		Sessions:    sessions,
		Router:      rtr,
		CrossRouter: cross,
		Discussions: discussions,
		MeetingHub:  meetingHub,
		ChatHub:     chatHub,
		StatusHub:   statusHub,
		Health: health.NewHandler(
			health.Check{Name: "storage", Pinger: store},
			health.Check{Name: "bus", Pinger: busService},
		),
		Limiter:              limiter,
		AllowDefaultFallback: cfg.AllowDefaultFallback,
		TracingEnabled:       tracingEnabled,
		AllowedOrigins:       cfg.AllowedOrigins,
	}

	// --- Session sweeper ---
	sweepCtx, stopSweeper := context.WithCancel(ctx)
	go sessions.Run(sweepCtx)

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: server.Routes(),
	}

	go func() {
		slog.Info("API server starting", "addr", srv.Addr, "ssl", cfg.SSLEnabled)
		var err error
		if cfg.SSLEnabled {
			err = srv.ListenAndServeTLS(cfg.SSLCertFile, cfg.SSLKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopSweeper()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if err := store.Close(); err != nil {
		slog.Error("Failed to close storage", "error", err)
	}
	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection", "error", err)
		}
	}

	slog.Info("Server exiting")
}
