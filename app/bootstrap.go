package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"backoffice-api/internal/audit"
	"backoffice-api/internal/auth"
	"backoffice-api/internal/blog"
	"backoffice-api/internal/config"
	"backoffice-api/internal/db"
	"backoffice-api/internal/maintenance"
	"backoffice-api/internal/media"
	"backoffice-api/internal/middleware"
	"backoffice-api/internal/observability"
	"backoffice-api/internal/ratelimit"
)

type Options struct {
	LoadDotEnv bool
}

type Runtime struct {
	Handler http.Handler
	Config  config.Config
	Logger  *zap.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	cfg, err := config.Load(config.Options{LoadDotEnv: options.LoadDotEnv})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Env); err != nil {
		logger.Error("init_sentry_failed", zap.Error(err))
	}

	database, err := openDatabase(cfg.DatabaseURL, cfg.DB)
	if err != nil {
		return nil, err
	}

	if cfg.DB.RunMigrations {
		if err := db.Migrate(context.Background(), database, logger); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	var redisClient *redis.Client
	windows := ratelimit.Store(ratelimit.NewMemoryStore(nil))
	if cfg.RedisURL != "" {
		redisClient, err = openRedis(cfg.RedisURL)
		if err != nil {
			_ = database.Close()
			return nil, err
		}
		windows = ratelimit.NewRedisStore(redisClient, "")
	}
	limiter := ratelimit.NewLimiter(windows, map[ratelimit.Class]ratelimit.Policy{
		ratelimit.ClassLogin:  policyOf(cfg.RateLimit.Login),
		ratelimit.ClassPublic: policyOf(cfg.RateLimit.Public),
		ratelimit.ClassAdmin:  policyOf(cfg.RateLimit.Admin),
		ratelimit.ClassUpload: policyOf(cfg.RateLimit.Upload),
	})

	closeAll := func() error {
		var errs []error
		if redisClient != nil {
			errs = append(errs, redisClient.Close())
		}
		errs = append(errs, database.Close())
		return errors.Join(errs...)
	}

	clock := auth.SystemClock{}
	tokens, err := auth.NewTokenService(auth.TokenConfig{
		Secret:     []byte(cfg.Auth.JWTSecret),
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	}, clock)
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("init token service: %w", err)
	}

	attempts := auth.NewAttemptTracker(cfg.Auth.MaxLoginAttempts, cfg.Auth.LockoutDuration, clock)
	authRepo := auth.NewRepository(database)
	authService := auth.NewService(
		authRepo,
		tokens,
		auth.NewPasswordHasher(cfg.Auth.BcryptCost),
		attempts,
		clock,
		auth.SecurityConfig{MaxAttempts: cfg.Auth.MaxLoginAttempts, LockoutDuration: cfg.Auth.LockoutDuration},
	)

	if err := authService.BootstrapAdmin(context.Background(), cfg.AdminEmail, cfg.AdminPassword); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	var uploader media.ImageUploader
	if cfg.CloudinaryURL != "" {
		cloudinaryClient, err := media.NewCloudinary(cfg.CloudinaryURL, media.WithFolder("backoffice"))
		if err != nil {
			_ = closeAll()
			return nil, fmt.Errorf("init cloudinary: %w", err)
		}
		uploader = cloudinaryClient
	} else {
		logger.Warn("cloudinary_disabled", zap.String("reason", "CLOUDINARY_URL is empty"))
	}

	auditSink := audit.NewPostgresSink(database)
	dispatcher := audit.NewDispatcher(audit.Config{}, auditSink, logger)

	pipeline := middleware.New(middleware.Config{
		Limiter: limiter,
		Tokens:  tokens,
		Audit:   dispatcher,
		Logger:  logger,
		DevMode: cfg.IsDevelopment(),
	})

	cleanup := maintenance.NewCleanupHandler(maintenance.Config{
		CronSecret:       cfg.CronSecret,
		SessionRetention: cfg.Retention.Sessions,
		AuditRetention:   cfg.Retention.AuditEvents,
		BatchSize:        cfg.Retention.BatchSize,
	}, maintenance.Deps{
		Sessions: authRepo,
		Audit:    auditSink,
		Windows:  limiter,
		Attempts: attempts,
		Logger:   logger,
	})

	checks := []healthCheck{{name: "database", ping: database.PingContext}}
	if redisClient != nil {
		checks = append(checks, healthCheck{name: "redis", ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}

	router := newRouter(pipeline, handlers{
		auth:    auth.NewHandler(authService),
		blog:    blog.NewHandler(blog.NewRepository(database), uploader),
		uploads: media.NewUploadHandler(uploader),
		cleanup: cleanup,
		health:  checks,
	})

	handler := observability.ClientIPMiddleware(cfg.TrustedProxies,
		observability.RecoverMiddleware(logger, cfg.IsDevelopment(),
			observability.RequestLoggingMiddleware(logger, router)))

	return &Runtime{
		Handler: handler,
		Config:  cfg,
		Logger:  logger,
		Close: func() error {
			dispatcher.Close()
			if dropped := dispatcher.Dropped(); dropped > 0 {
				logger.Warn("audit_events_dropped", zap.Uint64("count", dropped))
			}
			observability.FlushSentry()
			err := closeAll()
			_ = logger.Sync()
			return err
		},
	}, nil
}

func openDatabase(databaseURL string, pool config.DBConfig) (*sql.DB, error) {
	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(pool.MaxOpenConns)
	database.SetMaxIdleConns(pool.MaxIdleConns)
	database.SetConnMaxLifetime(pool.ConnMaxLifetime)
	database.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return database, nil
}

func openRedis(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func policyOf(limit config.Limit) ratelimit.Policy {
	return ratelimit.Policy{Max: limit.Max, Window: limit.Window}
}
