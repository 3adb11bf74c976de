// Command gateway runs the session gateway: the WebSocket front end that
// multiplexes client connections onto long-lived agent sessions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/agentgateway/internal/agentproc"
	"github.com/ashureev/agentgateway/internal/cleanup"
	"github.com/ashureev/agentgateway/internal/config"
	"github.com/ashureev/agentgateway/internal/domain"
	"github.com/ashureev/agentgateway/internal/gateway"
	"github.com/ashureev/agentgateway/internal/identity"
	"github.com/ashureev/agentgateway/internal/middleware"
	"github.com/ashureev/agentgateway/internal/persistence"
	"github.com/ashureev/agentgateway/internal/sessionactor"
	"github.com/ashureev/agentgateway/internal/sessionmgr"
	"github.com/ashureev/agentgateway/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting gateway", "gateway_id", cfg.GatewayID, "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("failed to close database", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected", "path", cfg.DBPath)

	writer := persistence.New(persistence.Config{
		BatchSize:     cfg.Writer.BatchSize,
		FlushInterval: cfg.Writer.FlushInterval,
		MaxQueueSize:  cfg.Writer.MaxQueueSize,
	}, repo.PersistEvents, func(batch []domain.Event, err error) {
		slog.Error("failed to persist event batch", "size", len(batch), "error", err)
	}, logger)
	writer.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := writer.Stop(shutdownCtx); err != nil {
			slog.Error("persistence writer shutdown incomplete", "error", err)
		}
	}()

	mgr := sessionmgr.New(sessionmgr.Config{
		GatewayID:            cfg.GatewayID,
		LeaseTimeout:         cfg.LeaseTimeout,
		LeaseRefreshInterval: cfg.LeaseRefreshInterval,
		MaxRecentEvents:      cfg.MaxRecentEvents,
		IdleTimeout:          cfg.IdleTimeout,
	}, repo, func(ev domain.Event) {
		if !writer.Enqueue(ev) {
			slog.Warn("persistence queue full, dropped event", "session_id", ev.SessionID, "seq", ev.Seq)
		}
	}, logger)

	leaseCtx, stopLeaseRefresh := context.WithCancel(context.Background())
	mgr.StartLeaseRefresh(leaseCtx)
	defer stopLeaseRefresh()

	cleanupLoop := cleanup.New(cleanup.Config{
		Interval:          cfg.CleanupInterval,
		IdleTimeout:       cfg.IdleTimeout,
		StaleLeaseTimeout: cfg.StaleLeaseTimeout,
		MaxSessionAge:     cfg.MaxSessionAge,
	}, repo, mgr, logger)
	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	cleanupLoop.Start(cleanupCtx)
	defer stopCleanup()

	var supervisor *agentproc.Supervisor
	if os.Getenv("GATEWAY_AGENT_RUNTIME_ENABLED") == "true" {
		supervisor, err = agentproc.NewSupervisor(cfg.ContainerRuntime, logger)
		if err != nil {
			slog.Warn("agent process runtime unavailable, sessions will run without a live agent process", "error", err)
		} else if _, err := supervisor.EnsureNetwork(context.Background()); err != nil {
			slog.Warn("failed to ensure agent network, disabling agent process runtime", "error", err)
			supervisor = nil
		} else {
			slog.Info("agent process runtime ready")
		}
	} else {
		slog.Info("agent process runtime disabled (set GATEWAY_AGENT_RUNTIME_ENABLED=true to launch real agent containers)")
	}

	var runner gateway.AgentRunner
	if supervisor != nil {
		runner = supervisor
	}

	wsHandler := gateway.New(mgr, identity.AnonResolver{}, cfg.HeartbeatInterval, firstOrWildcard(cfg.AllowedOrigins), cfg.IsDevelopment(), runner, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/sessions", func(w http.ResponseWriter, req *http.Request) {
		userID := req.URL.Query().Get("userId")
		if userID == "" {
			http.Error(w, "userId is required", http.StatusBadRequest)
			return
		}
		actors := mgr.ByUser([]string{userID})
		w.Header().Set("Content-Type", "application/json")
		writeSessionsJSON(w, actors)
	})

	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket connections must not be cut by a write deadline
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("gateway forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped successfully")
}

func firstOrWildcard(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return origins[0]
}

type sessionSummary struct {
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
}

func writeSessionsJSON(w http.ResponseWriter, actors []*sessionactor.Actor) {
	summaries := make([]sessionSummary, 0, len(actors))
	for _, a := range actors {
		summaries = append(summaries, sessionSummary{
			SessionID:   a.SessionID(),
			Status:      string(a.Status()),
			Subscribers: a.SubscriberCount(),
		})
	}
	_ = json.NewEncoder(w).Encode(summaries)
}
