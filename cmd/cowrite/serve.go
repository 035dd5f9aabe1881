package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/audit"
	"github.com/MarcoPoloResearchLab/cowrite/internal/auth"
	"github.com/MarcoPoloResearchLab/cowrite/internal/changelog"
	"github.com/MarcoPoloResearchLab/cowrite/internal/config"
	"github.com/MarcoPoloResearchLab/cowrite/internal/database"
	"github.com/MarcoPoloResearchLab/cowrite/internal/documents"
	"github.com/MarcoPoloResearchLab/cowrite/internal/gateway"
	"github.com/MarcoPoloResearchLab/cowrite/internal/logging"
	"github.com/MarcoPoloResearchLab/cowrite/internal/pubsub"
	"github.com/MarcoPoloResearchLab/cowrite/internal/server"
	"github.com/MarcoPoloResearchLab/cowrite/internal/telemetry"
	"github.com/MarcoPoloResearchLab/cowrite/internal/users"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTracing, err := telemetry.InitTracing(serviceName, version, appConfig.JaegerEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := documents.NewStore(documents.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	directory, err := users.NewDirectory(users.DirectoryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(signalCtx)

	retention := changelog.Retention{MaxEntries: appConfig.ChangeLogMaxEntries, TTL: appConfig.ChangeLogTTL}
	changeLog, bus, err := openSharedState(groupCtx, group, appConfig, retention, logger)
	if err != nil {
		return err
	}

	recorder, err := openAudit(groupCtx, group, appConfig, logger)
	if err != nil {
		return err
	}

	collaboration, err := gateway.New(gateway.Config{
		Store:          store,
		Access:         store,
		Tokens:         validator,
		Profiles:       directory,
		Log:            changeLog,
		Bus:            bus,
		Audit:          recorder,
		Strategy:       appConfig.ConflictStrategy,
		ConflictWindow: appConfig.ConflictWindow,
		StoreTimeout:   appConfig.StoreTimeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	group.Go(func() error {
		return collaboration.Relay(groupCtx)
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gateway:        collaboration,
		Sessions:       validator,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group.Go(func() error {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("conflict_strategy", string(appConfig.ConflictStrategy)),
			zap.Bool("redis", appConfig.UsesRedis()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// openSharedState returns the Redis-backed log and bus when redis.addr is set
// and in-process equivalents otherwise.
func openSharedState(ctx context.Context, group *errgroup.Group, appConfig config.AppConfig, retention changelog.Retention, logger *zap.Logger) (changelog.Log, pubsub.Bus, error) {
	if !appConfig.UsesRedis() {
		memoryLog, err := changelog.NewMemoryLog(retention)
		if err != nil {
			return nil, nil, err
		}
		group.Go(func() error {
			return memoryLog.Run(ctx, appConfig.ChangeLogSweepInterval)
		})
		return memoryLog, pubsub.NewLocalBus(0), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddr,
		Password: appConfig.RedisPassword,
		DB:       appConfig.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, appConfig.StoreTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", appConfig.RedisAddr, err)
	}
	group.Go(func() error {
		<-ctx.Done()
		return rdb.Close()
	})

	redisLog, err := changelog.NewRedisLog(rdb, retention, logger)
	if err != nil {
		return nil, nil, err
	}
	redisBus, err := pubsub.NewRedisBus(rdb, logger)
	if err != nil {
		return nil, nil, err
	}
	return redisLog, redisBus, nil
}

// openAudit starts the Kafka dispatcher when brokers are configured.
func openAudit(ctx context.Context, group *errgroup.Group, appConfig config.AppConfig, logger *zap.Logger) (audit.Recorder, error) {
	if len(appConfig.KafkaBrokers) == 0 {
		return audit.NopRecorder{}, nil
	}
	producer, err := audit.NewSyncProducer(appConfig.KafkaBrokers)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	dispatcher := audit.NewKafkaDispatcher(producer, appConfig.KafkaTopic, audit.DispatcherOptions{}, logger)
	group.Go(func() error {
		runErr := dispatcher.Run(ctx)
		if err := producer.Close(); err != nil {
			logger.Warn("kafka producer close failed", zap.Error(err))
		}
		return runErr
	})
	return dispatcher, nil
}
