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
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/riandyrn/otelchi"

	"github.com/neomorfeo/entitleiq/internal/adapter/fsm"
	"github.com/neomorfeo/entitleiq/internal/adapter/otel"
	"github.com/neomorfeo/entitleiq/internal/adapter/paygate"
	riverq "github.com/neomorfeo/entitleiq/internal/adapter/river"
	"github.com/neomorfeo/entitleiq/internal/adapter/sqlite"
	"github.com/neomorfeo/entitleiq/internal/app"

	handler "github.com/neomorfeo/entitleiq/internal/adapter/http"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env if present; real environments set variables directly.
	_ = godotenv.Load()

	port := envOrDefault("PORT", "8080")
	dbPath := envOrDefault("DATABASE_PATH", "entitleiq.db")

	ctx := context.Background()

	// --- Telemetry ---
	providers, err := otel.Setup(ctx, otel.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(ctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	// --- Storage ---
	db, err := otel.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	if err := sqlite.Migrate(db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// --- Adapters (out) ---
	entitlements := otel.NewTracingRepository(sqlite.NewEntitlementRepository(db, app.GenerateID))
	products := sqlite.NewProductRepository(db)

	checkout := paygate.NewClient(
		envOrDefault("PROCESSOR_API_URL", "https://api.paygate.example"),
		os.Getenv("PROCESSOR_API_KEY"),
	)
	verifier := paygate.NewVerifier(os.Getenv("PROCESSOR_SIGNING_SECRET"))

	dispatcher := riverq.NewDispatcher()

	// --- Application ---
	svc := app.NewEntitlementService(entitlements, products, fsm.New(), otel.NewTracingNotifier(dispatcher), checkout)
	productSvc := app.NewProductService(products)

	// --- Job queue ---
	mailer := riverq.NewSMTPMailer(riverq.SMTPConfig{
		Host:     envOrDefault("SMTP_HOST", "localhost"),
		Port:     envOrDefaultInt("SMTP_PORT", 587),
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     envOrDefault("SMTP_FROM", "noreply@entitleiq.local"),
	})
	links := riverq.NewSignedURLClient(riverq.StorageConfig{
		BaseURL:    os.Getenv("STORAGE_BASE_URL"),
		ServiceKey: os.Getenv("STORAGE_SERVICE_KEY"),
		Bucket:     envOrDefault("STORAGE_BUCKET", "deliverables"),
	})

	queue, err := riverq.Setup(ctx, db, riverq.Deps{
		Mailer:     mailer,
		Links:      links,
		Products:   products,
		Sweeper:    svc,
		AdminEmail: os.Getenv("ADMIN_EMAIL"),
	})
	if err != nil {
		return fmt.Errorf("river: %w", err)
	}
	dispatcher.Bind(queue)

	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("starting river: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := queue.Stop(ctx); err != nil {
			slog.Warn("river shutdown", "error", err)
		}
	}()

	// --- Adapters (in) ---
	router := chi.NewMux()
	router.Use(otelchi.Middleware("entitleiq", otelchi.WithChiRoutes(router)))
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)

	api := humachi.New(router, huma.DefaultConfig("entitleiq", "0.1.0"))
	handler.Register(api, svc, productSvc, verifier)

	// --- Server ---
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("entitleiq listening", "port", port)
		slog.Info("api docs", "url", "http://localhost:"+port+"/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-done:
	}

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	slog.Info("stopped")
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", fallback)
		return fallback
	}
	return n
}
