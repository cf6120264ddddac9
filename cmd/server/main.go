package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/teresa-solution/agency-provisioning-service/internal/config"
	"github.com/teresa-solution/agency-provisioning-service/internal/crypto"
	"github.com/teresa-solution/agency-provisioning-service/internal/monitoring"
	"github.com/teresa-solution/agency-provisioning-service/internal/provisioning"
	"github.com/teresa-solution/agency-provisioning-service/internal/queue"
	"github.com/teresa-solution/agency-provisioning-service/internal/router"
	"github.com/teresa-solution/agency-provisioning-service/internal/service"
	"github.com/teresa-solution/agency-provisioning-service/internal/store"
	"github.com/teresa-solution/agency-provisioning-service/internal/tenantdb"
	"github.com/teresa-solution/agency-provisioning-service/internal/transport/grpcapi"
	"github.com/teresa-solution/agency-provisioning-service/internal/validator"
	"github.com/teresa-solution/agency-provisioning-service/internal/worker"
)

func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()
	cfg.ApplyEnv("PROVISIONER", os.LookupEnv)
	cfg.Finalize()

	setupLogging(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.ControlPlane.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to control-plane database")
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:                  cfg.Redis.Addr,
		Password:              cfg.Redis.Password,
		DB:                    cfg.Redis.DB,
		ContextTimeoutEnabled: true,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}

	key, err := cfg.SecretKeyBytes()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid secret key")
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize secret cipher")
	}

	engine, err := tenantdb.NewEngine(ctx, cfg.Engine.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to tenant database engine")
	}
	defer engine.Close()

	jobs := store.NewJobRepository(db)
	registry := store.NewRegistryRepository(db, rdb, cfg.RegistryCacheTTL)
	secrets := store.NewSecretRepository(db, cipher)
	q := queue.New(rdb, queue.Options{
		Prefix:        cfg.Queue.Prefix,
		PollInterval:  cfg.Queue.PollInterval,
		LeaseTTL:      cfg.Queue.LeaseTTL,
		KeepCompleted: cfg.Queue.KeepCompleted,
	})

	monitoring.InitMetrics()

	pipeline := provisioning.New(jobs, registry, secrets, engine, cfg.TenantPool)
	pool := worker.New(q, jobs, registry, pipeline, monitoring.NewRecorder(), worker.Options{
		Concurrency:       cfg.Worker.Concurrency,
		RateLimit:         cfg.Worker.RateLimit,
		RateBurst:         cfg.Worker.RateBurst,
		ReconcileInterval: cfg.Worker.ReconcileInterval,
		StaleAfter:        cfg.Queue.LeaseTTL,
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseDelay:   cfg.Queue.BaseDelay,
			MaxDelay:    cfg.Queue.MaxDelay,
			Jitter:      cfg.Queue.Jitter,
		},
	})

	rtr, err := router.New(registry, router.NewPgxConnector(secrets, cfg.Engine.SSLMode), router.Options{
		MaxTenants:     cfg.Router.MaxTenants,
		IdleTTL:        cfg.Router.IdleTTL,
		SweepInterval:  cfg.Router.SweepInterval,
		ConnectTimeout: cfg.Router.ConnectTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create connection router")
	}
	defer rtr.Close()
	if err := prometheus.Register(monitoring.NewRouterGauge(rtr.Live)); err != nil {
		log.Error().Err(err).Msg("Failed to register router metric")
	}

	svc := service.NewProvisioningService(validator.New(cfg.Validator, jobs), jobs, q, registry, rtr, cfg.Plans)

	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start worker pool")
	}
	go monitoring.WatchQueue(ctx, q.Depth, 15*time.Second)

	log.Info().Msgf("Starting Agency Provisioning Service on port %d", cfg.GRPCPort)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to listen")
	}

	server := grpcapi.NewGRPCServer(grpcapi.NewServer(svc))
	go func() {
		log.Info().Msgf("gRPC server listening at %v", lis.Addr())
		if err := server.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("Failed to start gRPC server")
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, ping := range map[string]func(context.Context) error{
			"control-plane": db.PingContext,
			"redis":         func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"engine":        engine.Ping,
		} {
			if err := ping(ctx); err != nil {
				log.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
				http.Error(w, name+" unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Msgf("HTTP server for health checks and metrics started on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	server.GracefulStop()
	if err := pool.Shutdown(cfg.Worker.ShutdownTimeout); err != nil {
		log.Warn().Err(err).Msg("Worker pool did not drain in time")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	log.Info().Msg("Server exiting")
}
