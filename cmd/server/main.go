package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nikhil/eaven-sync/internal/auth"
	"github.com/nikhil/eaven-sync/internal/backend"
	"github.com/nikhil/eaven-sync/internal/blob"
	"github.com/nikhil/eaven-sync/internal/config"
	"github.com/nikhil/eaven-sync/internal/database"
	"github.com/nikhil/eaven-sync/internal/handlers"
	"github.com/nikhil/eaven-sync/internal/logger"
	"github.com/nikhil/eaven-sync/internal/outbox"
	"github.com/nikhil/eaven-sync/internal/ratelimit"
	"github.com/nikhil/eaven-sync/internal/realtime"
	"github.com/nikhil/eaven-sync/internal/routes"
	"github.com/nikhil/eaven-sync/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logger.NewLogger("eaven-gateway")
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: cfg.ServiceName,
		Environment: cfg.AppEnv,
	}, log.Named("telemetry"))
	if err != nil {
		log.Fatal("Failed to initialise tracing", "error", err)
	}

	store, users, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	hub := realtime.NewHub(realtime.DefaultBuffer)
	var pubs backend.Publishers
	if cfg.RedisAddr != "" {
		// Every instance publishes to Redis and relays Redis into its own hub.
		broker := realtime.NewRedisBroker(cfg.RedisAddr, log.Named("redis"))
		if err := broker.Ping(ctx); err != nil {
			log.Fatal("Failed to reach Redis", "addr", cfg.RedisAddr, "error", err)
		}
		go func() {
			if err := broker.Relay(ctx, hub); err != nil {
				log.Error("Realtime relay stopped", "error", err)
			}
		}()
		pubs = append(pubs, broker)
	} else {
		pubs = append(pubs, hub)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := outbox.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log.Named("outbox"))
		defer kp.Close()
		pubs = append(pubs, kp)
	}

	var signer handlers.AttachmentSigner
	if cfg.MinioEndpoint != "" {
		s, err := blob.New(blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, log.Named("blob"))
		if err != nil {
			log.Fatal("Failed to configure attachment storage", "error", err)
		}
		if err := s.EnsureBucket(ctx); err != nil {
			log.Fatal("Failed to prepare attachment bucket", "bucket", cfg.MinioBucket, "error", err)
		}
		signer = s
	}

	limiter := ratelimit.New(cfg.SendRateRPS, cfg.SendRateBurst)
	go limiter.Run(ctx)

	authService := auth.NewAuthService(users, cfg.JWTSecret, log.Named("auth"))
	api := handlers.NewHandler(backend.WithPublisher(store, pubs, log.Named("publish")), users, hub, signer, log.Named("api"))
	router := routes.RegisterAllRoutes(&routes.Deps{
		Auth:            authService,
		API:             api,
		Limiter:         limiter,
		Log:             log.Named("routes"),
		DefaultChannels: cfg.DefaultChannels,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           telemetry.Handler(router, "gateway"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Server is running", "addr", srv.Addr, "storage", cfg.Storage, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Tracer shutdown failed", "error", err)
	}
}

func openStore(ctx context.Context, cfg config.Config, log *logger.Logger) (backend.Store, backend.UserStore, func()) {
	if cfg.Storage == "memory" {
		log.Warn("Using in-memory storage; data is lost on restart")
		mem := backend.NewMemoryStore()
		return mem, mem, func() {}
	}
	db, err := database.Open(ctx, cfg.DSN())
	if err != nil {
		log.Fatal("Failed to open database", "error", err)
	}
	store := database.NewStore(db, log.Named("database"))
	if err := store.Migrate(ctx); err != nil {
		log.Fatal("Failed to migrate database", "error", err)
	}
	log.Info("Database connection established", "host", cfg.DBHost, "name", cfg.DBName)
	return store, store, func() { db.Close() }
}
