package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/subledger-engine/internal/config"
	"github.com/atmx/subledger-engine/internal/ledger"
	"github.com/atmx/subledger-engine/internal/metrics"
	"github.com/atmx/subledger-engine/internal/notify"
	"github.com/atmx/subledger-engine/internal/store"
	"github.com/atmx/subledger-engine/internal/venue"
)

func main() {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			slog.Error("sqlite open failed", "path", cfg.SQLitePath, "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", cfg.SQLitePath)
	default:
		slog.Warn("DATABASE_URL and SQLITE_PATH not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- WebSocket hub ---
	wsHub := notify.NewWSHub()
	go wsHub.Run(ctx)
	publishers := notify.Multi{wsHub}

	// --- Venue transport ---
	var client venue.Client = venue.Offline{}
	var feed *venue.Feed
	var svc *ledger.Service

	if cfg.NATSURL != "" {
		nc, js, err := venue.ConnectNATS(cfg.NATSURL)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)
		client = venue.NewNATSClient(nc, 0)

		if err := notify.EnsureOutboundStream(ctx, js); err != nil {
			slog.Error("outbound stream setup failed", "err", err)
			os.Exit(1)
		}
		out := notify.NewNATSPublisher(js, 0)
		go func() {
			if err := out.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("outbound publisher stopped", "err", err)
			}
		}()
		publishers = append(publishers, out)

		feed = venue.NewFeed(js, cfg.AccountIDs(), func(ctx context.Context, ev venue.Event) error {
			return svc.HandleEvent(ctx, ev)
		})
		if err := feed.EnsureStream(ctx); err != nil {
			slog.Error("venue stream setup failed", "err", err)
			os.Exit(1)
		}
		slog.Info("connected to NATS", "url", cfg.NATSURL)
	} else {
		slog.Warn("NATS_URL not set, order placement disabled and no venue feed")
	}

	// --- Ledger service ---
	svc = ledger.NewService(st, client, publishers, cfg.ReconcileDebounce)
	defer svc.Close()

	if err := svc.SeedExternalPositions(ctx, cfg.AccountIDs()); err != nil {
		slog.Warn("seeding external positions failed", "err", err)
	}
	if feed != nil {
		if err := feed.Start(ctx); err != nil {
			slog.Error("venue feed start failed", "err", err)
			os.Exit(1)
		}
		defer feed.Stop()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for the operator console.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"subledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for ledger events. Registered outside the
		// timeout group so long-lived connections are not cut.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("subledger-engine listening", "port", cfg.Port, "accounts", cfg.AccountIDs())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down subledger-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("subledger-engine stopped")
}
