// Package auth orquesta login, verificación MFA, refresh, logout y
// autorización sobre TokenManager, MFAManager, SessionStore y ThrottleGuard.
//
// Toda falla de credenciales (cuenta inexistente, password o código MFA
// incorrecto) produce el mismo autherr.InvalidCredentials. Las fallas de
// infraestructura se loguean, se reportan y deniegan el acceso.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/authguard/internal/audit"
	"github.com/dropDatabas3/authguard/internal/cache"
	"github.com/dropDatabas3/authguard/internal/domain/autherr"
	"github.com/dropDatabas3/authguard/internal/domain/repository"
	jwtx "github.com/dropDatabas3/authguard/internal/jwt"
	"github.com/dropDatabas3/authguard/internal/metrics"
	"github.com/dropDatabas3/authguard/internal/mfa"
	"github.com/dropDatabas3/authguard/internal/observability/logger"
	"github.com/dropDatabas3/authguard/internal/observability/sentry"
	tokens "github.com/dropDatabas3/authguard/internal/security/token"
	"github.com/dropDatabas3/authguard/internal/session"
	"github.com/dropDatabas3/authguard/internal/throttle"
	"github.com/dropDatabas3/authguard/internal/util/clock"
)

const (
	flowLogin   = "login"
	flowMFA     = "mfa"
	flowRefresh = "refresh"

	// DefaultChallengeTTL es la vida del challenge entre password y MFA.
	DefaultChallengeTTL = 5 * time.Minute
)

var (
	amrPassword = []string{"pwd"}
	amrMFA      = []string{"pwd", "mfa"}
)

// Deps del Coordinator. Passwords es opcional: sin él solo se acepta
// LoginRequest con PasswordOK ya resuelto.
type Deps struct {
	Tokens    *jwtx.Manager
	MFA       *mfa.Manager
	Sessions  *session.Store
	Throttle  *throttle.Guard
	Directory repository.UserDirectory
	Passwords repository.PasswordVerifier
	// Store guarda los challenges MFA pendientes.
	Store cache.Client
	Rand  tokens.Generator
	Clock clock.Clock

	RotateRefresh bool
	ChallengeTTL  time.Duration
}

// Coordinator es la fachada consumida por la capa de transporte.
type Coordinator struct {
	tokens     *jwtx.Manager
	mfa        *mfa.Manager
	sessions   *session.Store
	throttle   *throttle.Guard
	dir        repository.UserDirectory
	passwords  repository.PasswordVerifier
	challenges *challengeStore
	clk        clock.Clock
	rotate     bool
}

// NewCoordinator valida que estén todas las dependencias obligatorias.
func NewCoordinator(d Deps) (*Coordinator, error) {
	if d.Tokens == nil || d.MFA == nil || d.Sessions == nil || d.Throttle == nil {
		return nil, errors.New("auth: tokens, mfa, sessions and throttle are required")
	}
	if d.Directory == nil {
		return nil, errors.New("auth: user directory is required")
	}
	if d.Store == nil {
		return nil, errors.New("auth: store is required")
	}
	ttl := d.ChallengeTTL
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	clk := clock.OrSystem(d.Clock)
	return &Coordinator{
		tokens:     d.Tokens,
		mfa:        d.MFA,
		sessions:   d.Sessions,
		throttle:   d.Throttle,
		dir:        d.Directory,
		passwords:  d.Passwords,
		challenges: &challengeStore{kv: d.Store, ttl: ttl, rnd: d.Rand, clk: clk, fp: d.Sessions.Fingerprint},
		clk:        clk,
		rotate:     d.RotateRefresh,
	}, nil
}

// Login procesa un intento con el resultado del password ya conocido.
func (c *Coordinator) Login(ctx context.Context, req LoginRequest) (*Result, error) {
	return c.login(ctx, req.Subject, req.UserAgent, req.IP, func(context.Context) (bool, error) {
		return req.PasswordOK, nil
	})
}

// LoginWithPassword verifica el password con el PasswordVerifier después de
// los chequeos de throttling, que son más baratos.
func (c *Coordinator) LoginWithPassword(ctx context.Context, req PasswordLoginRequest) (*Result, error) {
	if c.passwords == nil {
		return nil, errors.New("auth: no password verifier configured")
	}
	return c.login(ctx, req.Subject, req.UserAgent, req.IP, func(ctx context.Context) (bool, error) {
		if req.Password == "" {
			return false, nil
		}
		return c.passwords.VerifyPassword(ctx, req.Subject, req.Password)
	})
}

func (c *Coordinator) login(ctx context.Context, subject, ua, ip string, checkPassword func(context.Context) (bool, error)) (*Result, error) {
	log := logger.From(ctx).With(logger.Component("auth"), logger.Op("Login"))

	if res, err := c.gate(ctx, flowLogin, subject, ip); res != nil || err != nil {
		return res, err
	}

	ok, err := checkPassword(ctx)
	if err != nil {
		return nil, c.infra(ctx, flowLogin, "verify_password", err)
	}
	if !ok || subject == "" {
		return nil, c.fail(ctx, flowLogin, subject, ip, "bad_password")
	}

	enr, err := c.dir.GetMFAEnrollment(ctx, subject)
	if err != nil {
		return nil, c.infra(ctx, flowLogin, "get_mfa_enrollment", err)
	}
	if enr != nil {
		challenge, err := c.challenges.create(ctx, subject, ua, ip)
		if err != nil {
			return nil, c.infra(ctx, flowLogin, "create_challenge", err)
		}
		log.Debug("mfa required", logger.Subject(subject))
		audit.Log(ctx, audit.EventMFARequired, logger.Subject(subject), logger.ClientIP(ip))
		metrics.LoginOutcomes.WithLabelValues(flowLogin, string(StatusMFARequired)).Inc()
		return &Result{Status: StatusMFARequired, MFAChallenge: challenge}, nil
	}

	return c.issue(ctx, flowLogin, subject, ua, ip, amrPassword)
}

// VerifyMFA completa un login pendiente. Un código incorrecto, un challenge
// inexistente o de otro cliente cuentan como fallo de credenciales.
func (c *Coordinator) VerifyMFA(ctx context.Context, req MFARequest) (*Result, error) {
	if res, err := c.gate(ctx, flowMFA, req.Subject, req.IP); res != nil || err != nil {
		return res, err
	}

	pending, err := c.challenges.check(ctx, req.Challenge, req.Subject, req.UserAgent, req.IP)
	if err != nil {
		return nil, c.infra(ctx, flowMFA, "check_challenge", err)
	}
	if !pending {
		return nil, c.fail(ctx, flowMFA, req.Subject, req.IP, "no_challenge")
	}

	enr, err := c.dir.GetMFAEnrollment(ctx, req.Subject)
	if err != nil {
		return nil, c.infra(ctx, flowMFA, "get_mfa_enrollment", err)
	}
	if enr == nil {
		return nil, c.fail(ctx, flowMFA, req.Subject, req.IP, "no_enrollment")
	}

	vr, err := c.mfa.Verify(enr.Secret, req.Code, enr.BackupCodeHashes)
	if err != nil {
		return nil, c.infra(ctx, flowMFA, "verify_code", err)
	}
	if !vr.Valid {
		return nil, c.fail(ctx, flowMFA, req.Subject, req.IP, "bad_code")
	}

	if vr.Method == mfa.MethodTOTP {
		fresh, err := c.challenges.claimStep(ctx, req.Subject, vr.Step)
		if err != nil {
			return nil, c.infra(ctx, flowMFA, "claim_totp_step", err)
		}
		if !fresh {
			return nil, c.fail(ctx, flowMFA, req.Subject, req.IP, "totp_replay")
		}
	}
	if vr.Method == mfa.MethodBackup {
		if err := c.dir.ConsumeBackupCode(ctx, req.Subject, vr.ConsumedHash); err != nil {
			if repository.IsNotFound(err) {
				// otro request consumió el mismo código
				return nil, c.fail(ctx, flowMFA, req.Subject, req.IP, "backup_code_reused")
			}
			return nil, c.infra(ctx, flowMFA, "consume_backup_code", err)
		}
		audit.Log(ctx, audit.EventBackupCodeUsed, logger.Subject(req.Subject), logger.ClientIP(req.IP))
	}

	consumed, err := c.challenges.consume(ctx, req.Challenge)
	if err != nil {
		return nil, c.infra(ctx, flowMFA, "consume_challenge", err)
	}
	if !consumed {
		return nil, c.fail(ctx, flowMFA, req.Subject, req.IP, "challenge_reused")
	}

	return c.issue(ctx, flowMFA, req.Subject, req.UserAgent, req.IP, amrMFA)
}

// gate aplica, en orden, rate limit por IP y lock de cuenta. Retorna un
// Result no nil si el intento se corta acá.
func (c *Coordinator) gate(ctx context.Context, flow, subject, ip string) (*Result, error) {
	d, err := c.throttle.CheckIPRate(ctx, ip)
	if err != nil {
		return nil, c.infra(ctx, flow, "check_ip_rate", err)
	}
	if !d.Allowed {
		metrics.LoginOutcomes.WithLabelValues(flow, string(StatusRateLimited)).Inc()
		return &Result{
			Status:     StatusRateLimited,
			Reason:     d.Reason,
			UnlockAt:   d.UnlockAt,
			RetryAfter: d.RetryAfter,
		}, nil
	}

	if subject == "" {
		return nil, nil
	}
	ls, err := c.throttle.CheckAccountLock(ctx, subject)
	if err != nil {
		return nil, c.infra(ctx, flow, "check_account_lock", err)
	}
	if ls.Locked {
		audit.Log(ctx, audit.EventLoginFailure, logger.Subject(subject), logger.ClientIP(ip),
			logger.Reason("account_locked"), logger.Until(ls.UnlockAt))
		metrics.LoginOutcomes.WithLabelValues(flow, string(StatusLocked)).Inc()
		return &Result{
			Status:     StatusLocked,
			UnlockAt:   ls.UnlockAt,
			RetryAfter: ls.UnlockAt.Sub(c.clk.Now()),
		}, nil
	}
	return nil, nil
}

// fail registra el fallo y devuelve el error genérico. reason solo va al
// audit log, nunca al caller.
func (c *Coordinator) fail(ctx context.Context, flow, subject, ip, reason string) error {
	res, err := c.throttle.RecordFailure(ctx, subject, ip)
	if err != nil {
		return c.infra(ctx, flow, "record_failure", err)
	}
	audit.Log(ctx, audit.EventLoginFailure,
		logger.Subject(subject), logger.ClientIP(ip), logger.Reason(reason),
		logger.Int("failed_attempts", res.FailedAttempts),
		logger.Bool("account_locked", res.AccountLocked),
		logger.Bool("ip_blocked", res.IPBlocked))
	metrics.LoginOutcomes.WithLabelValues(flow, "INVALID_CREDENTIALS").Inc()
	return autherr.New(autherr.InvalidCredentials)
}

// issue crea sesión y tokens, y recién entonces resetea los fallos del
// subject. Si algo falla, lo ya creado se descarta: o se entrega todo o nada.
func (c *Coordinator) issue(ctx context.Context, flow, subject, ua, ip string, amr []string) (*Result, error) {
	sid, err := c.sessions.Create(ctx, subject, ua, ip)
	if err != nil {
		return nil, c.infra(ctx, flow, "create_session", err)
	}
	var refresh string
	rollback := func() {
		if err := c.sessions.Invalidate(ctx, sid); err != nil {
			logger.From(ctx).Error("session rollback failed",
				logger.Component("auth"), logger.SessionID(sid), logger.Err(err))
		}
		if refresh == "" {
			return
		}
		if err := c.tokens.Revoke(ctx, refresh); err != nil {
			logger.From(ctx).Error("refresh token rollback failed",
				logger.Component("auth"), logger.Subject(subject), logger.Err(err))
		}
	}

	access, err := c.tokens.IssueAccessToken(subject, map[string]any{"sid": sid, "amr": amr})
	if err != nil {
		rollback()
		return nil, c.infra(ctx, flow, "issue_access_token", err)
	}
	refresh, err = c.tokens.IssueRefreshToken(ctx, subject)
	if err != nil {
		rollback()
		return nil, c.infra(ctx, flow, "issue_refresh_token", err)
	}
	if err := c.throttle.RecordSuccess(ctx, subject); err != nil {
		rollback()
		return nil, c.infra(ctx, flow, "record_success", err)
	}

	audit.Log(ctx, audit.EventLoginSuccess,
		logger.Subject(subject), logger.ClientIP(ip), logger.UserAgent(ua),
		logger.SessionID(sid), zap.Strings("amr", amr))
	metrics.LoginOutcomes.WithLabelValues(flow, string(StatusSuccess)).Inc()
	return &Result{
		Status:       StatusSuccess,
		AccessToken:  access,
		RefreshToken: refresh,
		SessionID:    sid,
		ExpiresIn:    c.tokens.AccessTTL(),
	}, nil
}

// Refresh emite un access token nuevo. Con rotación habilitada el refresh
// token presentado se consume y se entrega uno nuevo; el viejo se consume
// recién cuando el nuevo par ya existe, así un fallo no deja al cliente sin
// refresh token válido.
func (c *Coordinator) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := c.tokens.Verify(ctx, refreshToken, jwtx.TypeRefresh)
	if err != nil {
		return nil, c.tokenErr(ctx, flowRefresh, err)
	}
	subject := claims.Subject()

	access, err := c.tokens.IssueAccessToken(subject, map[string]any{"amr": []string{"refresh"}})
	if err != nil {
		return nil, c.infra(ctx, flowRefresh, "issue_access_token", err)
	}
	pair := &TokenPair{AccessToken: access, ExpiresIn: c.tokens.AccessTTL()}
	if !c.rotate {
		return pair, nil
	}

	pair.RefreshToken, err = c.tokens.IssueRefreshToken(ctx, subject)
	if err != nil {
		return nil, c.infra(ctx, flowRefresh, "issue_refresh_token", err)
	}
	if _, err := c.tokens.ConsumeRefresh(ctx, refreshToken); err != nil {
		// otro request rotó primero o el store falló: el par nuevo no se entrega
		if rerr := c.tokens.Revoke(ctx, pair.RefreshToken); rerr != nil {
			logger.From(ctx).Error("refresh token rollback failed",
				logger.Component("auth"), logger.Subject(subject), logger.Err(rerr))
		}
		return nil, c.tokenErr(ctx, flowRefresh, err)
	}
	audit.Log(ctx, audit.EventRefreshRotated, logger.Subject(subject))
	return pair, nil
}

// Logout invalida la sesión y los tokens presentados. Tokens inválidos o ya
// revocados se ignoran: el resultado buscado ya se cumple.
func (c *Coordinator) Logout(ctx context.Context, req LogoutRequest) error {
	if err := c.sessions.Invalidate(ctx, req.SessionID); err != nil {
		return c.infra(ctx, "logout", "invalidate_session", err)
	}
	for _, raw := range []string{req.RefreshToken, req.AccessToken} {
		if raw == "" {
			continue
		}
		if err := c.tokens.Revoke(ctx, raw); err != nil {
			if _, ok := autherr.As(err); ok {
				continue
			}
			return c.infra(ctx, "logout", "revoke_token", err)
		}
	}
	audit.Log(ctx, audit.EventLogout, logger.SessionID(req.SessionID))
	return nil
}

// LogoutEverywhere invalida todas las sesiones y refresh tokens del subject.
// Los access tokens ya emitidos siguen válidos hasta su expiración, pero
// Authorize exige una sesión viva.
func (c *Coordinator) LogoutEverywhere(ctx context.Context, subject string) (LogoutCounts, error) {
	var out LogoutCounts
	var err error
	if out.Sessions, err = c.sessions.InvalidateAllForSubject(ctx, subject); err != nil {
		return out, c.infra(ctx, "logout_everywhere", "invalidate_sessions", err)
	}
	if out.RefreshTokens, err = c.tokens.RevokeAllForSubject(ctx, subject); err != nil {
		return out, c.infra(ctx, "logout_everywhere", "revoke_refresh_tokens", err)
	}
	audit.Log(ctx, audit.EventLogoutEverywhere, logger.Subject(subject),
		logger.Int("sessions", out.Sessions), logger.Int("refresh_tokens", out.RefreshTokens))
	return out, nil
}

// Authorize valida access token y sesión, y resuelve los roles del subject.
func (c *Coordinator) Authorize(ctx context.Context, accessToken, sessionID, ua, ip string) (*Principal, error) {
	claims, err := c.tokens.VerifyAccess(ctx, accessToken)
	if err != nil {
		return nil, c.denied(ctx, "token", ip, err)
	}
	sess, err := c.sessions.Validate(ctx, sessionID, ua, ip)
	if err != nil {
		return nil, c.denied(ctx, "session", ip, err)
	}
	if sess.Subject != claims.Subject() {
		return nil, c.denied(ctx, "subject_mismatch", ip, autherr.New(autherr.SessionNotFound))
	}
	if sid, ok := claims.String("sid"); ok && sid != sessionID {
		return nil, c.denied(ctx, "sid_mismatch", ip, autherr.New(autherr.SessionNotFound))
	}

	amr, _ := claims.Strings("amr")
	roles, err := c.dir.GetRoles(ctx, claims.Subject())
	if err != nil {
		return nil, c.infra(ctx, "authorize", "get_roles", err)
	}
	return &Principal{
		Subject:     claims.Subject(),
		Roles:       roles,
		SessionID:   sessionID,
		TokenID:     claims.TokenID(),
		AuthMethods: amr,
		Claims:      claims.Custom,
	}, nil
}

// AdminUnlock desbloquea una cuenta. Idempotente.
func (c *Coordinator) AdminUnlock(ctx context.Context, subject string) error {
	if err := c.throttle.ManualUnlockAccount(ctx, subject); err != nil {
		return c.infra(ctx, "admin", "unlock", err)
	}
	audit.Log(ctx, audit.EventAdminUnlock, logger.Subject(subject))
	return nil
}

// AdminUnblockIP desbloquea una IP. Idempotente.
func (c *Coordinator) AdminUnblockIP(ctx context.Context, ip string) error {
	if err := c.throttle.ManualUnblockIP(ctx, ip); err != nil {
		return c.infra(ctx, "admin", "unblock", err)
	}
	audit.Log(ctx, audit.EventAdminUnblock, logger.ClientIP(ip))
	return nil
}

// ListSessions retorna las sesiones activas del subject.
func (c *Coordinator) ListSessions(ctx context.Context, subject string) ([]session.Session, error) {
	out, err := c.sessions.ListActive(ctx, subject)
	if err != nil {
		return nil, c.infra(ctx, "list_sessions", "list_active", err)
	}
	return out, nil
}

// SecurityStatus expone la foto de throttling de subject/IP.
func (c *Coordinator) SecurityStatus(ctx context.Context, subject, ip string) (throttle.Status, error) {
	st, err := c.throttle.Status(ctx, subject, ip)
	if err != nil {
		return throttle.Status{}, c.infra(ctx, "status", "throttle_status", err)
	}
	return st, nil
}

// tokenErr deja pasar los fallos de auth y trata el resto como infra.
func (c *Coordinator) tokenErr(ctx context.Context, flow string, err error) error {
	if _, ok := autherr.As(err); ok {
		metrics.LoginOutcomes.WithLabelValues(flow, autherr.KindOf(err).String()).Inc()
		return err
	}
	return c.infra(ctx, flow, "verify_token", err)
}

func (c *Coordinator) denied(ctx context.Context, stage, ip string, err error) error {
	if _, ok := autherr.As(err); !ok {
		return c.infra(ctx, "authorize", stage, err)
	}
	audit.Log(ctx, audit.EventAuthorizationDenied, logger.ClientIP(ip),
		logger.String("stage", stage), logger.Reason(autherr.KindOf(err).String()))
	return err
}

// infra loguea y reporta una falla de infraestructura. El request se
// deniega siempre.
func (c *Coordinator) infra(ctx context.Context, flow, op string, err error) error {
	logger.From(ctx).Error("auth infrastructure failure",
		logger.Component("auth"), logger.String("flow", flow), logger.Op(op), logger.Err(err))
	sentry.CaptureInfra("auth."+flow, op, err)
	metrics.LoginOutcomes.WithLabelValues(flow, "ERROR").Inc()
	return fmt.Errorf("auth: %s: %w", op, err)
}
