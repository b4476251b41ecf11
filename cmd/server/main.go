package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"shortlinker/internal/analytics"
	"shortlinker/internal/cache"
	"shortlinker/internal/handler"
	"shortlinker/internal/migrations"
	"shortlinker/internal/repository"
	"shortlinker/internal/service"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded")
	}

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		logger.Error("DATABASE_DSN not set")
		os.Exit(1)
	}

	if err := migrations.Up(dsn); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := db.Ping(); err != nil {
		logger.Error("db ping failed", "error", err)
		os.Exit(1)
	}

	// Redis optional: without it every lookup goes to Postgres and unique
	// clicks stop being counted, but redirects keep working.
	var rdb *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			logger.Warn("redis ping failed, running without cache", "error", err)
			rdb = nil
		} else {
			logger.Info("redis connected")
		}
	}

	repo := repository.NewRepo(db)
	resolutionCache := cache.New(rdb, envDuration("CACHE_TTL", cache.DefaultTTL), logger)
	aggregator := analytics.New(repo, resolutionCache, logger, envInt("CLICK_BUFFER", 1024))
	svc := service.NewService(repo, resolutionCache, aggregator, logger, envInt("SHORT_CODE_LENGTH", 6))
	h := handler.NewHandler(svc, logger)

	r := h.Routes()

	// CORS
	allowed := handlers.AllowedOrigins([]string{"*"})
	allowedHeaders := handlers.AllowedHeaders([]string{"Content-Type", "X-Admin-Token", "X-Owner-Id"})
	allowedMethods := handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"})

	srv := &http.Server{
		Addr:         ":" + envString("PORT", "8080"),
		Handler:      handlers.CORS(allowed, allowedHeaders, allowedMethods)(r),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown", "error", err)
	}

	// Drain queued clicks before the stores go away.
	aggregator.Close()

	if rdb != nil {
		_ = rdb.Close()
	}
	_ = db.Close()
	logger.Info("server stopped")
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
