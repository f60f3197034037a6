package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/hemocheck/triage-backend/internal/clients/pinecone"
	"github.com/hemocheck/triage-backend/internal/db"
	"github.com/hemocheck/triage-backend/internal/handlers"
	"github.com/hemocheck/triage-backend/internal/observability"
	"github.com/hemocheck/triage-backend/internal/platform/envutil"
	"github.com/hemocheck/triage-backend/internal/platform/logger"
	"github.com/hemocheck/triage-backend/internal/platform/openai"
	"github.com/hemocheck/triage-backend/internal/repos"
	"github.com/hemocheck/triage-backend/internal/server"
	"github.com/hemocheck/triage-backend/internal/services"
	"github.com/hemocheck/triage-backend/internal/triage/evidence"
	"github.com/hemocheck/triage-backend/internal/triage/guardrails"
	"github.com/hemocheck/triage-backend/internal/triage/steps"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability
	metrics := observability.Init(log)
	shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "hemocheck-triage",
		Environment: envutil.Str("APP_ENV", "development"),
		Version:     envutil.Str("APP_VERSION", "dev"),
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	// Postgres
	log.Info("Setting up Postgres from main...")
	var turnLogRepo repos.TurnLogRepo
	var donorRepo repos.DonorRepo
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Warn("Postgres init failed, running without audit or donor records", "error", err)
	} else {
		if err := postgresService.AutoMigrateAll(); err != nil {
			log.Warn("Postgres auto migration failed", "error", err)
		}
		thePG := postgresService.DB()
		turnLogRepo = repos.NewTurnLogRepo(thePG, log)
		donorRepo = repos.NewDonorRepo(thePG, log)
		if metrics != nil {
			metrics.StartPostgresCollector(ctx, log, thePG)
		}
	}

	// Checkpoints
	log.Info("Setting up checkpoint store from main...")
	var checkpoints services.CheckpointStore
	redisAddr := envutil.Str("REDIS_ADDR", "")
	if redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:        redisAddr,
			Password:    envutil.Str("REDIS_PASSWORD", ""),
			DB:          envutil.Int("REDIS_DB", 0),
			DialTimeout: 5 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("Redis unreachable, falling back to in-memory checkpoints", "error", err)
			checkpoints = services.NewMemoryCheckpointStore()
		} else {
			checkpoints = services.NewRedisCheckpointStore(log, rdb)
			if metrics != nil {
				metrics.StartRedisCollector(ctx, log, redisAddr)
			}
		}
	} else {
		log.Warn("REDIS_ADDR not set, sessions will not survive a restart")
		checkpoints = services.NewMemoryCheckpointStore()
	}

	// Model client
	aiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAI client", "error", err)
		os.Exit(1)
	}

	// Evidence retrieval
	var retriever steps.EvidenceRetriever
	guards, err := guardrails.Load(envutil.Str("GUARDRAILS_PATH", "config/guardrails.yaml"))
	if err != nil {
		log.Warn("Guardrail config load failed, using built-in defaults", "error", err)
		guards, err = guardrails.New(guardrails.Config{})
		if err != nil {
			log.Error("Could not init guardrails", "error", err)
			os.Exit(1)
		}
	}
	pineconeClient, err := pinecone.NewFromEnv(log)
	if err != nil {
		log.Warn("Pinecone unavailable, answering on precheck rules only", "error", err)
	} else {
		r, err := evidence.NewRetriever(log, aiClient, pineconeClient, guards, evidence.ConfigFromEnv())
		if err != nil {
			log.Warn("Evidence retriever init failed, answering on precheck rules only", "error", err)
		} else {
			retriever = r
		}
	}

	// Pipeline and services
	log.Info("Setting up services from main...")
	deps := steps.Deps{
		Log:       log,
		AI:        aiClient,
		Retriever: retriever,
		Guards:    guards,
	}
	triageService := services.NewTriageService(log, deps, checkpoints, turnLogRepo, donorRepo)

	// Handlers
	log.Info("Setting up handlers from main...")
	triageHandler := handlers.NewTriageHandler(log, triageService, turnLogRepo)
	var donorHandler *handlers.DonorHandler
	if donorRepo != nil {
		donorHandler = handlers.NewDonorHandler(log, donorRepo)
	}

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		Log:           log,
		TriageHandler: triageHandler,
		DonorHandler:  donorHandler,
	})

	port := envutil.Str("PORT", "8080")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if metrics != nil {
		metricsAddr := envutil.Str("METRICS_ADDR", "")
		if metricsAddr != "" {
			metrics.StartServer(ctx, log, metricsAddr)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server failed", "error", err)
		os.Exit(1)
	}
	log.Info("Server stopped")
}
