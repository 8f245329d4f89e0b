package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"grokchat/internal/audit"
	"grokchat/internal/identity"
	"grokchat/internal/ratelimit"
	"grokchat/internal/util"
	"grokchat/pkg/ai"
	"grokchat/pkg/attachment"
	"grokchat/pkg/events"
	"grokchat/pkg/queue"
	"grokchat/pkg/secret"
	"grokchat/pkg/storage"
	"grokchat/pkg/store"
	"grokchat/services/chat/internal/app"
	"grokchat/services/chat/internal/config"
	"grokchat/services/chat/internal/server"
)

func main() {
	cfgPath := os.Getenv("GROKCHAT_CONFIG")
	if cfgPath == "" {
		cfgPath = config.ConfigPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, cleanup := util.InitLogger(cfg.LogLevel, "chat", cfg.LogsDir)
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStore(cfg, logger)
	if err != nil {
		util.Fatal(logger, "failed to init store", "err", err)
	}
	objects, err := newObjectStore(cfg)
	if err != nil {
		util.Fatal(logger, "failed to init object storage", "err", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			util.Fatal(logger, "failed to connect redis", "addr", cfg.RedisAddr, "err", err)
		}
	} else {
		logger.Warn("redisAddr not set: rate limiting and sweep retries disabled, token revocation is per-process")
	}

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		util.Fatal(logger, "failed to parse jwt leeway", "err", err)
	}
	var revoker identity.TokenRevoker = identity.NewMemoryTokenRevoker()
	if redisClient != nil {
		revoker = identity.NewRedisTokenRevoker(redisClient, "")
	}
	issuer, err := identity.NewIssuer(cfg.IdentitySecret, revoker, identity.Options{
		Issuer:   cfg.IdentityIssuer,
		Audience: cfg.IdentityAudience,
		TTL:      cfg.IdentityTTL(),
		Leeway:   jwtLeeway,
	})
	if err != nil {
		util.Fatal(logger, "failed to init identity issuer", "err", err)
	}

	var (
		identityLimiter *ratelimit.FixedWindowLimiter
		messageLimiter  *ratelimit.FixedWindowLimiter
		alerter         *audit.Alerter
		sweeper         app.Sweeper
	)
	if redisClient != nil {
		alerter = audit.NewAlerter(redisClient, "")
		identityLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "", "identity", orDefault(cfg.IdentityRateLimitPerMin, 10), time.Minute)
		if err != nil {
			util.Fatal(logger, "failed to init identity limiter", "err", err)
		}
		messageLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "", "send", orDefault(cfg.MessageRateLimitPerMin, 30), time.Minute)
		if err != nil {
			util.Fatal(logger, "failed to init message limiter", "err", err)
		}
		sweepQueue, err := queue.NewSweepQueue(redisClient, queue.Config{MaxRetries: cfg.SweepMaxRetries})
		if err != nil {
			util.Fatal(logger, "failed to init sweep queue", "err", err)
		}
		sweepQueue.Start(ctx, cfg.SweepConcurrency, sweepNamespace(objects))
		sweeper = sweepQueue
	}

	publisher, err := newPublisher(cfg)
	if err != nil {
		logger.Warn("event publisher unavailable, events disabled", "err", err)
		publisher = events.NopPublisher{}
	}

	appCore, err := app.New(app.Config{
		Store:          st,
		Objects:        objects,
		Completer:      ai.NewCompletionClient(cfg.CompletionTimeout()),
		Resolver:       attachment.NewResolver(objects, cfg.MaxAttachmentBytes),
		Sweeper:        sweeper,
		Events:         publisher,
		DefaultModel:   cfg.DefaultModel,
		DefaultBaseURL: cfg.DefaultBaseURL,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
	})
	if err != nil {
		util.Fatal(logger, "failed to init app", "err", err)
	}
	defer appCore.Close()

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		util.Fatal(logger, "failed to parse trusted proxies", "err", err)
	}
	httpServer, err := server.New(server.Config{
		App:             appCore,
		Identity:        identity.NewService(st, issuer),
		IdentityLimiter: identityLimiter,
		MessageLimiter:  messageLimiter,
		Alerter:         alerter,
		TrustedProxies:  trusted,
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxUploadBytes:  cfg.MaxUploadBytes,
	})
	if err != nil {
		util.Fatal(logger, "failed to init server", "err", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// a send waits for the completion API
		WriteTimeout: cfg.CompletionTimeout() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "err", err)
		}
	}()

	logger.Info("chat server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func newStore(cfg config.FileConfig, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("databaseURL not set, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	var opts []store.GormStoreOption
	if cfg.SecretKey != "" {
		sealer, err := secret.NewSealer(cfg.SecretKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, store.WithSealer(sealer))
	} else {
		logger.Warn("secretKey not set, api keys are stored unsealed")
	}
	return store.NewGormStore(cfg.DatabaseURL, opts...)
}

func newObjectStore(cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.MinioEndpoint != "" {
		return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
	return storage.NewDiskStore(cfg.StorageDir)
}

func newPublisher(cfg config.FileConfig) (events.Publisher, error) {
	if cfg.AMQPURL == "" {
		return events.NopPublisher{}, nil
	}
	return events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
}

// sweepNamespace retries file removal for projects whose cascade could not
// clear their storage namespace.
func sweepNamespace(objects storage.ObjectStore) func(context.Context, queue.SweepJob) error {
	return func(ctx context.Context, job queue.SweepJob) error {
		removed, err := storage.RemovePrefix(ctx, objects, job.Namespace)
		if err != nil {
			return err
		}
		util.LoggerFromContext(ctx).Info("namespace swept", "job_id", job.ID, "namespace", job.Namespace, "removed", removed)
		return nil
	}
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
