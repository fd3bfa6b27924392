package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"constitutional/internal/jwt_token"
	"constitutional/internal/migration/checkpoint"
	"constitutional/internal/migration/connector"
	"constitutional/internal/migration/events"
	migrationhandler "constitutional/internal/migration/handler"
	"constitutional/internal/migration/metrics"
	"constitutional/internal/migration/orchestrator"
	"constitutional/internal/migration/ports"
	checkpointstore "constitutional/internal/migration/store/checkpoint"
	destinationstore "constitutional/internal/migration/store/destination"
	diffstore "constitutional/internal/migration/store/diff"
	jobstore "constitutional/internal/migration/store/job"
	"constitutional/internal/migration/validate"
	"constitutional/internal/platform/config"
	"constitutional/internal/platform/httpserver"
	"constitutional/internal/platform/logger"
	platformredis "constitutional/internal/platform/redis"
	httptransport "constitutional/internal/transport/http"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	// Durable stores when Postgres is configured, in-memory otherwise.
	var (
		jobs        ports.JobStore
		destination ports.DestinationStore
		diffs       ports.DiffStore
	)
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			log.Error("open postgres", "error", err)
			os.Exit(1)
		}
		if err := db.Ping(); err != nil {
			log.Error("ping postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		jobs = jobstore.NewPostgres(db)
		destination = destinationstore.NewPostgres(db)
		diffs = diffstore.NewPostgres(db)
	} else {
		jobs = jobstore.NewInMemoryStore()
		destination = destinationstore.NewInMemoryStore()
		diffs = diffstore.NewInMemoryStore()
	}

	var checkpoints checkpoint.Store = checkpointstore.NewInMemoryStore()
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		checkpoints = checkpointstore.NewRedisStore(redisClient.Client)
	}

	var publisher ports.EventPublisher = events.NewMemoryPublisher()
	if len(cfg.Kafka.Brokers) > 0 {
		kafka, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			log.Error("connect kafka", "error", err)
			os.Exit(1)
		}
		defer kafka.Close()
		publisher = kafka
	}

	connectors := connector.NewRegistry()
	connectors.Register("api", func() ports.SourceConnector { return connector.NewAPI() })

	engine, err := orchestrator.New(
		jobs,
		checkpoint.NewManager(checkpoints, checkpoint.WithLogger(log)),
		diffs,
		destination,
		connectors,
		validate.New(),
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(metrics.New()),
		orchestrator.WithEventPublisher(publisher),
		orchestrator.WithSourceRateLimit(cfg.SourceRateLimit),
	)
	if err != nil {
		log.Error("build orchestrator", "error", err)
		os.Exit(1)
	}

	jwtService := jwttoken.NewJWTService(cfg.JWTSigningKey, "constitutional", "migration-api")
	handler := migrationhandler.New(engine, log, jwttoken.NewJWTServiceAdapter(jwtService))
	router := httptransport.NewRouter(handler, log)

	srv := httpserver.New(cfg.Addr, router)

	log.Info("starting migration service", "addr", cfg.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	// Stop active runs after the listener drains so in-flight lifecycle
	// requests finish first.
	engine.Close()
}
