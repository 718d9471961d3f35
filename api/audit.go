package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess      AuditEvent = "login_success"
	AuditLoginFailure      AuditEvent = "login_failure"
	AuditLoginRateLimited  AuditEvent = "login_rate_limited"
	AuditKeepAlive         AuditEvent = "keep_alive"
	AuditKeepAliveFailure  AuditEvent = "keep_alive_failure"
	AuditLogout            AuditEvent = "logout"
	AuditLogoutFailure     AuditEvent = "logout_failure"
	AuditAccessDenied      AuditEvent = "access_denied"
	AuditForbidden         AuditEvent = "forbidden"
	AuditSessionSuperseded AuditEvent = "session_superseded"
)

// auditLogger wraps slog.Logger for structured security audit logging.
type auditLogger struct {
	logger  *slog.Logger
	alerts  *alertCollector
	metrics *Metrics
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(level slog.Level, event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), level, "audit", baseAttrs...)
	al.alerts.recordEvent(event)
	al.metrics.recordEvent(event)
}

// logEvent logs a successful action by userID.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, userID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("user_id", userID),
	}
	attrs = append(attrs, extra...)
	al.log(slog.LevelInfo, event, r, attrs...)
}

// logFailure logs a rejected request. The error text goes to the log only.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, err error, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("error_kind", errorKind(err)),
		slog.String("error", err.Error()),
	}
	attrs = append(attrs, extra...)
	al.log(slog.LevelWarn, event, r, attrs...)
}
