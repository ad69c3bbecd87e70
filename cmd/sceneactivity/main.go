package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sceneactivity/sceneactivity/internal/cache"
	"github.com/sceneactivity/sceneactivity/internal/database"
	"github.com/sceneactivity/sceneactivity/internal/geoip"
	"github.com/sceneactivity/sceneactivity/internal/server"
	"github.com/sceneactivity/sceneactivity/internal/storage"
	"github.com/sceneactivity/sceneactivity/internal/webhook"
)

func main() {
	slog.SetDefault(newLogger(getEnv("LOG_LEVEL", "info")))

	if err := run(); err != nil {
		slog.Error("sceneactivity: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	port := getEnv("PORT", "8080")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	location, err := loadLocation(getEnv("DISPLAY_TIMEZONE", "UTC"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(databaseURL); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	slog.Info("database migrations applied")

	maxObjectBytes := getEnvInt64("S3_MAX_OBJECT_BYTES", 16*1024*1024)
	store, err := storage.New(ctx, storage.Config{
		Endpoint:       getEnv("S3_ENDPOINT", "http://localhost:3900"),
		PublicEndpoint: os.Getenv("S3_PUBLIC_ENDPOINT"),
		Bucket:         getEnv("S3_BUCKET", "sceneactivity"),
		AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		SecretKey:      os.Getenv("S3_SECRET_KEY"),
		Region:         getEnv("S3_REGION", "eu-central-1"),
		MaxObjectBytes: maxObjectBytes,
	})
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("storage bucket check failed: %w", err)
	}
	slog.Info("storage bucket ready")

	var redisClient *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisClient, err = cache.Connect(ctx, redisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer func() { _ = redisClient.Close() }()
		slog.Info("activity cache enabled")
	}
	activityCache := cache.New(redisClient, time.Duration(getEnvInt64("ACTIVITY_CACHE_TTL_SECONDS", 600))*time.Second)

	geo := geoip.Open(os.Getenv("GEOIP_DB_PATH"))
	defer func() { _ = geo.Close() }()

	baseURL := getEnv("BASE_URL", "http://localhost:"+port)

	srv, err := server.New(server.Config{
		DB:                    db.Pool,
		Pinger:                db,
		Storage:               store,
		Cache:                 activityCache,
		Webhooks:              webhook.New(db.Pool),
		GeoIP:                 geo,
		Location:              location,
		MaxImportBytes:        maxObjectBytes,
		JWTSecret:             jwtSecret,
		BaseURL:               baseURL,
		StoragePublicEndpoint: os.Getenv("S3_PUBLIC_ENDPOINT"),
		AllowedFrameAncestors: os.Getenv("ALLOWED_FRAME_ANCESTORS"),
		EnableDocs:            getEnv("API_DOCS_ENABLED", "false") == "true",
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("sceneactivity listening", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-shutdownCh:
	}
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	slog.Info("shutdown complete")
	return nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func loadLocation(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid DISPLAY_TIMEZONE %q: %w", name, err)
	}
	return loc, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
