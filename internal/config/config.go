package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const MinSecretBytes = 32

var ErrWeakSecret = errors.New("JWT_SECRET must be at least 32 bytes")

type Config struct {
	Env      string
	LogLevel string
	Port     string

	DatabaseURL   string
	CloudinaryURL string
	RedisURL      string
	SentryDSN     string
	CronSecret    string

	AdminEmail    string
	AdminPassword string

	// TrustedProxies are the peers whose X-Forwarded-For is believed. Empty
	// means the socket address is always the client.
	TrustedProxies []netip.Prefix

	Auth      AuthConfig
	DB        DBConfig
	RateLimit RateLimitConfig
	Retention RetentionConfig
}

type AuthConfig struct {
	JWTSecret        string
	Issuer           string
	Audience         string
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
	BcryptCost       int
	MaxLoginAttempts int
	LockoutDuration  time.Duration
}

type DBConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	RunMigrations   bool
}

// Limit is a request quota for one route class.
type Limit struct {
	Max    int
	Window time.Duration
}

type RateLimitConfig struct {
	Login  Limit
	Public Limit
	Admin  Limit
	Upload Limit
}

type RetentionConfig struct {
	Sessions    time.Duration
	AuditEvents time.Duration
	BatchSize   int
}

type Options struct {
	LoadDotEnv bool
}

// Load reads the process environment (and .env when asked) into a Config and
// validates it.
func Load(options Options) (Config, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	trusted, err := parseTrustedProxies(os.Getenv("TRUSTED_PROXIES"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Env:      strings.ToLower(envOrDefault("APP_ENV", "production")),
		LogLevel: envOrDefault("LOG_LEVEL", "info"),
		Port:     envOrDefault("PORT", "8080"),

		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		CloudinaryURL: strings.TrimSpace(os.Getenv("CLOUDINARY_URL")),
		RedisURL:      strings.TrimSpace(os.Getenv("REDIS_URL")),
		SentryDSN:     strings.TrimSpace(os.Getenv("SENTRY_DSN")),
		CronSecret:    strings.TrimSpace(os.Getenv("CRON_SECRET")),

		AdminEmail:    strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPassword: strings.TrimSpace(os.Getenv("ADMIN_PASSWORD")),

		TrustedProxies: trusted,

		Auth: AuthConfig{
			// The secret is taken verbatim; trimming would silently shorten it.
			JWTSecret:        os.Getenv("JWT_SECRET"),
			Issuer:           envOrDefault("JWT_ISSUER", "backoffice-api"),
			Audience:         envOrDefault("JWT_AUDIENCE", "backoffice-web"),
			AccessTTL:        envHoursOrDefault("ACCESS_TOKEN_TTL_HOURS", 24),
			RefreshTTL:       envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 7*24),
			BcryptCost:       envIntOrDefault("BCRYPT_COST", 12),
			MaxLoginAttempts: envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
			LockoutDuration:  envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		},
		DB: DBConfig{
			MaxOpenConns:    envIntOrDefault("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30),
			ConnMaxIdleTime: envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10),
			RunMigrations:   EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", true),
		},
		RateLimit: RateLimitConfig{
			Login:  envLimit("LOGIN", 15, 15*time.Minute),
			Public: envLimit("PUBLIC", 500, 15*time.Minute),
			Admin:  envLimit("ADMIN", 150, 15*time.Minute),
			Upload: envLimit("UPLOAD", 50, time.Hour),
		},
		Retention: RetentionConfig{
			Sessions:    envDaysOrDefault("SESSION_RETENTION_DAYS", 14),
			AuditEvents: envDaysOrDefault("AUDIT_RETENTION_DAYS", 90),
			BatchSize:   envIntOrDefault("CLEANUP_BATCH_SIZE", 500),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("missing required env: DATABASE_URL")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("missing required env: JWT_SECRET")
	}
	if len(c.Auth.JWTSecret) < MinSecretBytes {
		return ErrWeakSecret
	}
	if c.Auth.RefreshTTL <= c.Auth.AccessTTL {
		return fmt.Errorf("REFRESH_TOKEN_TTL_HOURS must exceed ACCESS_TOKEN_TTL_HOURS")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31")
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}
	return nil
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development" || c.Env == "dev" || c.Env == "local"
}

// parseTrustedProxies reads a comma-separated list of IPs and CIDR ranges.
func parseTrustedProxies(raw string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func envLimit(class string, max int, window time.Duration) Limit {
	return Limit{
		Max:    envIntOrDefault("RATE_LIMIT_"+class+"_MAX", max),
		Window: envSecondsOrDefault("RATE_LIMIT_"+class+"_WINDOW_SECONDS", int(window/time.Second)),
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
