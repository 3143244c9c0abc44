package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/deposit-queue/internal/api"
	"github.com/atmx/deposit-queue/internal/audit"
	"github.com/atmx/deposit-queue/internal/engine"
	"github.com/atmx/deposit-queue/internal/metrics"
	"github.com/atmx/deposit-queue/internal/policy"
	"github.com/atmx/deposit-queue/internal/sim"
	"github.com/atmx/deposit-queue/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// --- Policy ---
	cfg := policy.Default()
	if path := os.Getenv("POLICY_FILE"); path != "" {
		loaded, err := policy.Load(path)
		if err != nil {
			slog.Error("policy load failed", "path", path, "err", err)
			os.Exit(1)
		}
		cfg = loaded
		slog.Info("policy loaded", "path", path, "strategy", cfg.Strategy)
	}
	pol := policy.NewStore(cfg)

	// --- Archive store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory archive (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	recorder := store.NewRecorder(st, envInt("ARCHIVE_BUFFER", 1024))
	go recorder.Run(ctx)

	// --- Engine and WebSocket hub ---
	simCfg := sim.DefaultConfig()
	simCfg.Seed = int64(envInt("SIM_SEED", int(time.Now().UnixNano()%1_000_000)))
	simCfg.Tick = envDuration("SIM_TICK", simCfg.Tick)
	simCfg.Traffic = envInt("SIM_TRAFFIC", simCfg.Traffic)

	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	session := uuid.New().String()
	eng := engine.New(engine.Options{
		SessionID: session,
		Policy:    pol,
		Rand:      rand.New(rand.NewSource(simCfg.Seed)),
		Observer:  engine.Observers{recorder, wsHub},
	})
	slog.Info("session started", "session", session, "seed", simCfg.Seed)

	// --- Simulation ---
	runner := sim.NewRunner(eng, simCfg, wsHub)
	go runner.Run(ctx)

	// --- Audit ---
	var gen audit.Generator
	if endpoint := os.Getenv("AUDIT_ENDPOINT"); endpoint != "" {
		gen = audit.NewHTTPGenerator(endpoint, os.Getenv("AUDIT_API_KEY"), os.Getenv("AUDIT_MODEL"))
		slog.Info("audit generator enabled", "endpoint", endpoint)
	}

	svc := api.NewService(eng, pol, st, audit.New(gen), wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the dashboard.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"deposit-queue"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// The WebSocket route must not sit behind the request timeout.
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", wsHub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("deposit-queue listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down deposit-queue...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stop()

	select {
	case <-recorder.Done():
	case <-shutdownCtx.Done():
		slog.Warn("archive flush timed out")
	}
	fmt.Println("deposit-queue stopped")
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ignoring invalid integer env var", "key", key, "value", raw)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("ignoring invalid duration env var", "key", key, "value", raw)
		return def
	}
	return d
}
