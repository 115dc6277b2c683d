package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/llmgate/gemini-proxy/config"
	"github.com/llmgate/gemini-proxy/internal/auth"
	"github.com/llmgate/gemini-proxy/internal/billing"
	"github.com/llmgate/gemini-proxy/internal/gateway"
	"github.com/llmgate/gemini-proxy/internal/quota"
	"github.com/llmgate/gemini-proxy/internal/recorder"
	"github.com/llmgate/gemini-proxy/internal/seeder"
	"github.com/llmgate/gemini-proxy/internal/telemetry"
	"github.com/llmgate/gemini-proxy/internal/upstream"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("gemini-proxy", cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init auth
	profileStore := auth.NewPostgresProfileStore(pool)
	verifier := auth.NewHTTPVerifier(cfg.IdentityVerifyURL)
	authMiddleware := auth.NewMiddleware(verifier, profileStore, rdb, cfg.Development())

	// 6. Init billing and quota
	billingStore := billing.NewPostgresStore(pool)
	guard := quota.NewGuard(billingStore)

	// 7. Init usage recorder
	usageRecorder := recorder.New(billingStore, cfg.UsageQueueSize, cfg.UsageDeadLetterSize)
	usageRecorder.Start()
	defer usageRecorder.Close()

	// 8. Init upstream forwarder
	client := upstream.New(cfg.GeminiAPIKey, cfg.GeminiBaseURL)

	// 9. Init handler
	tracer := otel.GetTracerProvider().Tracer("gemini-proxy")
	handler := gateway.NewHandler(client, billingStore, guard, usageRecorder, tracer, cfg.Development())

	// 10. Seed test profile if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestProfile(ctx, profileStore)
	}

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"gemini-proxy"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/models/{model}/generateContent", handler.HandleGenerate)
		r.Post("/v1/models/{model}/streamGenerateContent", handler.HandleGenerateStream)
		r.Post("/v1/models/{model}/countTokens", handler.HandleCountTokens)
		r.Post("/v1/models/{model}/embeddings", handler.HandleEmbed)
		r.Get("/v1/models", handler.HandleListModels)
		r.Get("/v1/usage", handler.HandleUsage)

		// Transparent-forwarding mode: arbitrary provider paths relayed
		// verbatim, no model-specific validation.
		r.HandleFunc("/v1beta/*", handler.HandlePassthrough)
	})

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 150 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Gemini proxy starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
