package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Wikid82/perimeter/internal/api/routes"
	"github.com/Wikid82/perimeter/internal/cerberus"
	"github.com/Wikid82/perimeter/internal/config"
	"github.com/Wikid82/perimeter/internal/database"
	"github.com/Wikid82/perimeter/internal/logger"
	"github.com/Wikid82/perimeter/internal/metrics"
	"github.com/Wikid82/perimeter/internal/ratelimit"
	"github.com/Wikid82/perimeter/internal/reputation"
	"github.com/Wikid82/perimeter/internal/server"
	"github.com/Wikid82/perimeter/internal/services"
	"github.com/Wikid82/perimeter/internal/session"
	"github.com/Wikid82/perimeter/internal/version"
)

func setupLogging(cfg config.Config) *lumberjack.Logger {
	logDir := cfg.LogDir
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		// fall back to the working directory when the data volume is read-only
		logDir = "logs"
		_ = os.MkdirAll(logDir, 0o755)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "perimeter.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	mw := io.MultiWriter(os.Stdout, rotator)
	log.SetOutput(mw)
	logger.Init(cfg.Debug, mw)
	return rotator
}

func sessionSecret(cfg config.Config) []byte {
	if cfg.SessionSecret != "" {
		return []byte(cfg.SessionSecret)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.Fatalf("generate session secret: %v", err)
	}
	logger.Component("session").Warn("PERIMETER_SESSION_SECRET not set; sessions will not survive a restart")
	return secret
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// the stores fail open, so an unreachable Redis is a degraded start, not a fatal one
		logger.Component("redis").WithError(err).Warn("redis unreachable at startup")
	}
	return client, nil
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	rotator := setupLogging(cfg)
	defer rotator.Close()
	logger.Log().Infof("starting %s %s", version.Name, version.Full())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	policy := cfg.Perimeter
	storeCfg := services.EventStoreConfig{QueueSize: policy.EventQueueSize}
	if len(cfg.KafkaBrokers) > 0 {
		sink, err := services.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Fatalf("kafka sink: %v", err)
		}
		storeCfg.Sink = sink
		logger.Component("events").WithField("topic", cfg.KafkaTopic).Info("forwarding security events to kafka")
	}
	events := services.NewEventStore(db, storeCfg)

	notifications := services.NewNotificationService(db, cfg.AlertURLs)
	alerts := services.NewAlertManager(db, events, notifications, policy.AlertCooldown, nil)

	var feed reputation.ThreatIndicatorFeed
	if cfg.ThreatFeedPath != "" {
		ff, err := reputation.NewFileFeed(cfg.ThreatFeedPath)
		if err != nil {
			log.Fatalf("threat feed: %v", err)
		}
		if err := ff.Watch(ctx); err != nil {
			logger.Component("reputation").WithError(err).Warn("threat feed hot reload disabled")
		}
		defer ff.Close()
		feed = ff
	}

	repCfg := reputation.Config{
		DecayFactor:   policy.ReputationDecayFactor,
		DecayInterval: policy.DecayInterval,
		Retention:     policy.ReputationRetention,
	}
	deps := cerberus.Deps{Events: events, Alerts: alerts}
	if cfg.RedisURL != "" {
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer client.Close()
		deps.Reputation = reputation.NewService(reputation.NewRedisStore(client, repCfg), feed)
		deps.Limiter = ratelimit.NewRedis(client, policy, nil)
	} else {
		deps.Reputation = reputation.NewService(reputation.NewMemoryStore(repCfg), feed)
	}

	deps.Sessions, err = session.NewManager(session.Config{
		MaxIdle:          policy.MaxIdleTime,
		RotationInterval: policy.TokenRotationInterval,
		MaxConcurrent:    policy.MaxConcurrentSessions,
		Secret:           sessionSecret(cfg),
		Issuer:           version.Name,
	})
	if err != nil {
		log.Fatalf("session manager: %v", err)
	}

	engine, err := cerberus.New(policy, deps)
	if err != nil {
		log.Fatalf("perimeter engine: %v", err)
	}
	if err := engine.Start(); err != nil {
		log.Fatalf("start perimeter engine: %v", err)
	}

	srv, err := server.New(cfg, routes.Deps{
		DB:            db,
		Engine:        engine,
		Security:      services.NewSecurityService(db, cfg.AdminTokenHash),
		Notifications: notifications,
		Gatherer:      registry,
		Perimeter: cerberus.MiddlewareOptions{
			SessionCookie:        cfg.SessionCookie,
			TrustIdentityHeaders: cfg.TrustIdentityHeaders,
		},
	})
	if err != nil {
		log.Fatalf("build server: %v", err)
	}
	if cfg.TrustIdentityHeaders && len(cfg.TrustedProxies) == 0 {
		logger.Component("server").Warn("PERIMETER_TRUST_IDENTITY_HEADERS set without PERIMETER_TRUSTED_PROXIES; X-User-* headers are taken from any client")
	}
	if cfg.AdminTokenHash == "" {
		logger.Component("server").Warn("PERIMETER_ADMIN_TOKEN_HASH not set; admin API disabled")
	}

	runErr := srv.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	engine.Stop(stopCtx)
	notifications.Wait()
	logger.Log().Info("shutdown complete")
	return runErr
}
