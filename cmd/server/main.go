package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/example/driver-dispatch/internal/alerting"
	"github.com/example/driver-dispatch/internal/assignment"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/dispatch"
	"github.com/example/driver-dispatch/internal/eta"
	httpapi "github.com/example/driver-dispatch/internal/http"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/payments"
	"github.com/example/driver-dispatch/internal/safetynet"
	"github.com/example/driver-dispatch/internal/storage"
)

const migrationFile = "001_create_dispatch.sql"

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}
	if c, ok := store.(interface{ Close() error }); ok {
		closers = append(closers, c.Close)
	}

	sessions := dispatch.NewWSRegistry()
	channels := []dispatch.Channel{sessions}

	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		channels = append(channels, dispatch.NewRedisPush(rc, cfg.LivePrefix))
		closers = append(closers, rc.Close)
	}

	if cfg.FirebaseCreds != "" {
		app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.FirebaseCreds))
		if err != nil {
			logger.Error("firebase init failed", "error", err)
			os.Exit(1)
		}
		msg, err := app.Messaging(ctx)
		if err != nil {
			logger.Error("firebase messaging init failed", "error", err)
			os.Exit(1)
		}
		tokens := dispatch.TokenFunc(func(ctx context.Context, driverID string) (string, error) {
			p, err := store.GetPresence(ctx, driverID)
			if err != nil {
				return "", err
			}
			return p.DeviceToken, nil
		})
		channels = append(channels, dispatch.NewFCMPush(msg, tokens))
	}

	fanout := dispatch.NewFanout(cfg.ChannelTimeout, logger, channels...)

	m := matcher.NewService(store, cfg.Policy(), cfg.Weights())
	m.Freshness = cfg.Freshness
	m.SearchTimeout = cfg.SearchTimeout
	m.Limit = cfg.CandidateLimit
	m.Logger = logging.Component(logger, "matcher")

	recorder := observability.NewRecorder(store, logging.Component(logger, "recorder"), time.Now)

	alerts := alerting.Multi{alerting.NewLogSink(logging.Component(logger, "alerts"))}
	var heartbeats httpapi.HeartbeatPublisher
	if len(cfg.KafkaBrokers) > 0 {
		ks := alerting.NewKafkaSink(cfg.KafkaBrokers, cfg.AlertTopic)
		alerts = append(alerts, ks)
		closers = append(closers, ks.Close)
		if cfg.PublishToKafka {
			kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
			heartbeats = kp
			closers = append(closers, kp.Close)
		}
	}

	var estimator eta.Estimator = eta.Naive{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator = &eta.Cached{
			Upstream: eta.NewOSRMClient(cfg.OSRMEndpoint),
			Cache:    eta.NewCache(cfg.ETACacheTTL),
			Fallback: eta.Naive{SpeedMps: cfg.DefaultSpeedMps},
		}
	}

	coord := assignment.NewCoordinator(assignment.Deps{
		Store:    store,
		Matcher:  m,
		Notifier: fanout,
		Recorder: recorder,
		Alerts:   alerts,
		ETA:      estimator,
		Settler:  payments.NewStripeClient(cfg.StripeAPIKey, cfg.StripeCurrency),
		Logger:   logger,
	}, assignment.Config{MaxClaimAttempts: cfg.MaxClaimAttempts, SearchRounds: cfg.SearchRounds})

	poller := safetynet.NewPoller(store, m, fanout, safetynet.Config{
		Interval:         cfg.PollInterval,
		SilenceThreshold: cfg.SilenceThreshold,
		ReofferBatch:     cfg.ReofferBatch,
		ReofferFanout:    cfg.ReofferFanout,
	}, logger)
	if err := poller.Start(ctx); err != nil {
		logger.Error("safety net start failed", "error", err)
		os.Exit(1)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Coordinator: coord,
		Fanout:      fanout,
		Recorder:    recorder,
		Presence:    store,
		Heartbeats:  heartbeats,
		Sessions:    sessions,
		Ready: func(ctx context.Context) error {
			if err := store.Ping(ctx); err != nil {
				return err
			}
			if rc != nil {
				return rc.Ping(ctx).Err()
			}
			return nil
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("driver-dispatch listening", "addr", cfg.HTTPAddr, "channels", fanout.Channels())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	poller.Stop()
	fanout.Wait()
	coord.Wait()
	for _, c := range closers {
		if err := c(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		b, err := os.ReadFile(filepath.Join("migrations", migrationFile))
		if err != nil {
			_ = ps.Close()
			return nil, err
		}
		if _, err := ps.DB().ExecContext(ctx, string(b)); err != nil {
			_ = ps.Close()
			return nil, err
		}
		logger.Info("migration applied", "file", migrationFile)
	}
	return ps, nil
}
