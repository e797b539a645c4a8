package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sechat/config"
	"sechat/crypto"
	"sechat/keyexchange"
	"sechat/keystore"
	"sechat/logging"
	"sechat/messaging"
	"sechat/metrics"
	"sechat/status"
	"sechat/storage"
	"sechat/transport"
	"sechat/typing"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"})
	if err != nil {
		log.Fatalf("startup failed while building logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, filepath.Dir(cfgPath), logger); err != nil {
		logger.Fatal("sechat stopped", zap.Error(err))
	}
}

func run(cfg *config.ClientConfig, dataDir string, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity, err := crypto.EnsureIdentity(cfg.Ed25519PrivateKeyPath, cfg.X25519PrivateKeyPath)
	if err != nil {
		return err
	}

	store, dbPath, err := storage.Open(dataDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("database close error", zap.Error(err))
		}
	}()

	policy, err := status.ParsePolicy(cfg.TransitionPolicy)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	exchanger, err := keyexchange.NewExchanger(keyexchange.Options{
		Self:      cfg.UserID,
		Identity:  identity,
		Directory: keyexchange.NewRedisDirectory(rdb, 0),
		Contacts:  store,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := exchanger.Publish(ctx); err != nil {
		return err
	}

	keys := keystore.New(keystore.Options{
		Self:      cfg.UserID,
		TTL:       cfg.KeyTTL(),
		Backend:   store,
		Exchanger: exchanger,
		Logger:    logger,
		Metrics:   m,
	})
	tracker := status.NewTracker(status.Options{
		Self:    cfg.UserID,
		Store:   store,
		Policy:  policy,
		Logger:  logger,
		Metrics: m,
	})
	defer tracker.Close()
	bank := typing.NewBank(typing.Options{
		Timeout:      cfg.TypingTimeout(),
		Self:         cfg.UserID,
		SuppressSelf: cfg.SuppressSelfTyping,
		Logger:       logger,
		Metrics:      m,
	})
	defer bank.Close()

	svc, err := messaging.New(messaging.Options{
		Self:      cfg.UserID,
		Store:     store,
		Keys:      keys,
		Tracker:   tracker,
		Typing:    bank,
		Exchanger: exchanger,
		Transport: transport.NewRedisTransport(rdb, logger),
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Recover(); err != nil {
		logger.Warn("recover pending messages", zap.Error(err))
	}

	if cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("sechat running",
		zap.String("user_id", cfg.UserID),
		zap.String("display_name", cfg.DisplayName),
		zap.String("fingerprint", crypto.FormatFingerprint(crypto.KeyFingerprint(identity.VerifyKey))),
		zap.String("database", dbPath),
		zap.String("redis", cfg.RedisAddr))

	err = svc.Run(ctx)
	logger.Info("sechat shutting down")
	return err
}
