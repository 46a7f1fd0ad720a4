// Package audit registra eventos de seguridad en un logger dedicado
// ("audit") para que puedan rutearse a un sink separado.
package audit

import (
	"context"

	"github.com/dropDatabas3/authguard/internal/observability/logger"
	"go.uber.org/zap"
)

// Eventos de seguridad.
const (
	EventLoginSuccess        = "login_success"
	EventLoginFailure        = "login_failure"
	EventMFARequired         = "mfa_required"
	EventBackupCodeUsed      = "backup_code_used"
	EventAccountLocked       = "account_locked"
	EventIPBlocked           = "ip_blocked"
	EventRateLimited         = "rate_limited"
	EventSessionHijack       = "session_hijack_suspected"
	EventLogout              = "logout"
	EventLogoutEverywhere    = "logout_everywhere"
	EventRefreshRotated      = "refresh_rotated"
	EventAdminUnlock         = "admin_unlock"
	EventAdminUnblock        = "admin_unblock"
	EventSweep               = "sweep"
	EventMFAEnrolled         = "mfa_enrolled"
	EventAuthorizationDenied = "authorization_denied"
)

// Log escribe un evento de auditoría estructurado.
func Log(ctx context.Context, event string, fields ...zap.Field) {
	l := logger.From(ctx).Named("audit")
	l.Info(event, append(fields, zap.String("event", event))...)
}
