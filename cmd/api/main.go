package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/autopool/internal/config"
	"github.com/congo-pay/autopool/internal/events"
	"github.com/congo-pay/autopool/internal/infra"
	"github.com/congo-pay/autopool/internal/logging"
	"github.com/congo-pay/autopool/internal/metrics"
	"github.com/congo-pay/autopool/internal/plan"
	"github.com/congo-pay/autopool/internal/routes"
	"github.com/congo-pay/autopool/internal/server"
	"github.com/congo-pay/autopool/internal/settlement"
	"github.com/congo-pay/autopool/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Options{
		Level:   cfg.LogLevel,
		Service: cfg.AppName,
		Env:     cfg.AppEnv,
		File:    cfg.LogFile,
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracing, err := infra.InitTracing(ctx, infra.TracingConfig{
		ServiceName: cfg.AppName,
		Environment: cfg.AppEnv,
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Error("init tracing", "error", err)
		os.Exit(1)
	}

	p, err := plan.Load(cfg.PlanFile)
	if err != nil {
		logger.Error("load plan", "error", err)
		os.Exit(1)
	}

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := storage.Migrate(ctx, db, logger); err != nil {
			logger.Error("migrate", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	}

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		var producer sarama.SyncProducer
		producer, err = infra.NewKafkaProducer(cfg.KafkaBrokers, cfg.AppName)
		if err != nil {
			logger.Error("connect kafka", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := producer.Close(); err != nil {
				logger.Warn("close kafka producer", "error", err)
			}
		}()
		publisher = events.NewKafkaPublisher(producer, cfg.KafkaTopic)
	}

	var settler settlement.Settler
	if cfg.SettlementURL != "" {
		settler = settlement.Guard(
			settlement.NewHTTPSettler(cfg.SettlementURL, nil),
			cfg.SettlementTimeout,
			cfg.SettlementPerSecond,
		)
	}

	srv, err := server.New(routes.Deps{
		Cfg:       cfg,
		DB:        db,
		Cache:     cache,
		Logger:    logger,
		Metrics:   metrics.New(),
		Plan:      p,
		Publisher: publisher,
		Settler:   settler,
	})
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	if settler != nil {
		go settlement.NewDispatcher(srv.Services.Settlement, cfg.SettlementInterval, logger).Run(ctx)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("flush traces", "error", err)
	}

	logger.Info("server exited cleanly")
}
