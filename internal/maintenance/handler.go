// Package maintenance exposes the cron-triggered cleanup of expired sessions,
// old audit events and stale in-memory throttling state.
package maintenance

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"backoffice-api/internal/apperror"
	"backoffice-api/internal/audit"
	"backoffice-api/internal/auth"
)

type SessionPruner interface {
	DeleteExpiredSessions(ctx context.Context, retention time.Duration, batchSize int) (auth.CleanupResult, error)
}

type AuditPruner interface {
	Prune(ctx context.Context, retention time.Duration, batchSize int) (int64, error)
}

type WindowSweeper interface {
	Sweep(now time.Time) int
}

type AttemptSweeper interface {
	Sweep() int
}

type Config struct {
	CronSecret       string
	SessionRetention time.Duration
	AuditRetention   time.Duration
	BatchSize        int
}

// Deps are optional except Sessions; a nil pruner or sweeper is skipped.
type Deps struct {
	Sessions SessionPruner
	Audit    AuditPruner
	Windows  WindowSweeper
	Attempts AttemptSweeper
	Logger   *zap.Logger
	Now      func() time.Time
}

type Result struct {
	DeletedSessions    int64 `json:"deletedSessions"`
	DeletedAuditEvents int64 `json:"deletedAuditEvents"`
	SweptRateWindows   int   `json:"sweptRateWindows"`
	SweptLoginAttempts int   `json:"sweptLoginAttempts"`
}

type CleanupHandler struct {
	cfg  Config
	deps Deps
}

func NewCleanupHandler(cfg Config, deps Deps) *CleanupHandler {
	cfg.CronSecret = strings.TrimSpace(cfg.CronSecret)
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &CleanupHandler{cfg: cfg, deps: deps}
}

// Handle runs one cleanup pass. It hides itself when no cron secret is
// configured.
func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) error {
	if h.cfg.CronSecret == "" {
		return apperror.NewNotFound("Not found.").WithReason("cron_disabled")
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cfg.CronSecret)) != 1 {
		return apperror.NewUnauthenticated("Authentication required.").WithReason("invalid_cron_secret")
	}
	audit.ScopeFrom(r.Context()).SetActor("", "cron")

	result, err := h.Run(r.Context())
	if err != nil {
		h.deps.Logger.Error("maintenance_cleanup_failed", zap.Error(err))
		return err
	}

	apperror.WriteJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result,
	})
	return nil
}

func (h *CleanupHandler) Run(ctx context.Context) (Result, error) {
	var result Result

	if h.deps.Sessions != nil {
		sessions, err := h.deps.Sessions.DeleteExpiredSessions(ctx, h.cfg.SessionRetention, h.cfg.BatchSize)
		if err != nil {
			return result, fmt.Errorf("prune sessions: %w", err)
		}
		result.DeletedSessions = sessions.DeletedSessions
	}

	if h.deps.Audit != nil {
		deleted, err := h.deps.Audit.Prune(ctx, h.cfg.AuditRetention, h.cfg.BatchSize)
		if err != nil {
			return result, fmt.Errorf("prune audit events: %w", err)
		}
		result.DeletedAuditEvents = deleted
	}

	if h.deps.Windows != nil {
		result.SweptRateWindows = h.deps.Windows.Sweep(h.deps.Now())
	}
	if h.deps.Attempts != nil {
		result.SweptLoginAttempts = h.deps.Attempts.Sweep()
	}

	h.deps.Logger.Info("maintenance_cleanup_completed",
		zap.Int64("deleted_sessions", result.DeletedSessions),
		zap.Int64("deleted_audit_events", result.DeletedAuditEvents),
		zap.Int("swept_rate_windows", result.SweptRateWindows),
		zap.Int("swept_login_attempts", result.SweptLoginAttempts),
	)
	return result, nil
}
