// ForgeGuard — governed build orchestration.
//
// Process layout: one Orchestrator driving every active build, one
// Broadcaster fanning events to per-user observers, a PostgreSQL
// BuildStore, an optional Redis cache, and a gin control surface. The key
// pool and the cache are created here and injected; their lifetimes
// bracket main.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forgeguard/internal/audit"
	"forgeguard/internal/broadcast"
	"forgeguard/internal/buildstore"
	"forgeguard/internal/cache"
	"forgeguard/internal/config"
	"forgeguard/internal/cost"
	"forgeguard/internal/llm"
	"forgeguard/internal/logging"
	"forgeguard/internal/orchestrator"
	"forgeguard/internal/recovery"
	"forgeguard/internal/server"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		_ = godotenv.Load("../.env")
	}
	logging.Init()
	defer logging.Sync()
	log := logging.L().With(zap.String("component", "main"))

	secrets := config.MustValidateSecrets()
	settings := config.LoadSettings()

	store, err := buildstore.NewFromURL(secrets.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}

	var redisCache *cache.RedisCache
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		redisCache, err = cache.NewRedisCacheFromURL(redisURL, nil)
		if err != nil {
			log.Warn("redis unavailable, using in-memory cache", zap.Error(err))
			redisCache = cache.NewRedisCache(nil)
		}
	} else {
		redisCache = cache.NewRedisCache(nil)
	}

	// Every provider call draws its credential from the pool, so a key
	// hitting an auth or quota error cools down and calls rotate to the
	// paired key without a restart.
	keyPool := llm.NewKeyPool(redisCache, secrets.AnthropicAPIKey, secrets.AnthropicAPIKey2)
	builderClient := llm.NewAnthropicClientWithPool(keyPool)

	bus := broadcast.New(store)
	defer bus.Stop()

	acct := cost.New(store, redisCache, llm.DefaultRateTable())
	auditor := audit.New(builderClient, settings.LLMAuditorModel)
	planner := recovery.New(builderClient, settings.LLMPlannerModel)

	workBase := os.Getenv("WORK_BASE_DIR")
	if workBase == "" {
		workBase = "/var/lib/forgeguard/builds"
	}

	orch, err := orchestrator.New(context.Background(), orchestrator.Options{
		Store:    store,
		Bus:      bus,
		Acct:     acct,
		Builder:  builderClient,
		Auditor:  auditor,
		Planner:  planner,
		GitFor:   orchestrator.NewGitClient(os.Getenv("GITHUB_TOKEN")),
		Settings: settings,
		WorkBase: workBase,
	})
	if err != nil {
		log.Fatal("orchestrator startup failed", zap.Error(err))
	}
	defer orch.Shutdown()

	srv := server.New(orch, bus, store, settings, secrets.JWTSecret)
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
}
