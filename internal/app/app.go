// Package app construye el núcleo de auth a partir de la configuración y
// corre sus procesos de fondo (sweeper y servidor de operación).
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/authguard/internal/audit"
	"github.com/dropDatabas3/authguard/internal/auth"
	"github.com/dropDatabas3/authguard/internal/cache"
	"github.com/dropDatabas3/authguard/internal/config"
	"github.com/dropDatabas3/authguard/internal/domain/repository"
	jwtx "github.com/dropDatabas3/authguard/internal/jwt"
	"github.com/dropDatabas3/authguard/internal/metrics"
	"github.com/dropDatabas3/authguard/internal/mfa"
	"github.com/dropDatabas3/authguard/internal/observability/logger"
	"github.com/dropDatabas3/authguard/internal/observability/sentry"
	"github.com/dropDatabas3/authguard/internal/ops"
	"github.com/dropDatabas3/authguard/internal/rate"
	"github.com/dropDatabas3/authguard/internal/security/keys"
	tokens "github.com/dropDatabas3/authguard/internal/security/token"
	"github.com/dropDatabas3/authguard/internal/session"
	"github.com/dropDatabas3/authguard/internal/throttle"
	"github.com/dropDatabas3/authguard/internal/util/clock"
)

// Deps son los colaboradores externos. Directory es obligatorio para el
// Coordinator; los comandos de administración pueden omitirlo.
type Deps struct {
	Directory repository.UserDirectory
	Passwords repository.PasswordVerifier
	// Store reemplaza el cliente construido desde cfg.Cache (tests).
	Store    cache.Client
	Registry *prometheus.Registry
	Clock    clock.Clock
	Rand     tokens.Generator
}

// App agrupa los componentes construidos una sola vez al iniciar.
type App struct {
	Config      *config.Config
	Store       cache.Client
	Tokens      *jwtx.Manager
	MFA         *mfa.Manager
	Sessions    *session.Store
	Throttle    *throttle.Guard
	Coordinator *auth.Coordinator

	ops       *ops.Server
	ownsStore bool
}

// New valida la configuración y arma todos los componentes.
func New(cfg *config.Config, deps Deps) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ks, err := keys.Derive([]byte(cfg.JWT.Secret))
	if err != nil {
		return nil, fmt.Errorf("app: derive keys: %w", err)
	}

	a := &App{Config: cfg, Store: deps.Store}
	if a.Store == nil {
		a.Store, err = cache.New(cache.Config{
			Driver:   cfg.Cache.Kind,
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("app: cache: %w", err)
		}
		a.ownsStore = true
	}

	fail := func(err error) (*App, error) {
		_ = a.Close()
		return nil, err
	}

	a.Tokens, err = jwtx.NewManager(a.Store, jwtx.Config{
		SigningKey: ks.TokenSigning,
		Issuer:     cfg.JWT.Issuer,
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
		ClockSkew:  cfg.JWT.ClockSkew,
		Clock:      deps.Clock,
		Rand:       deps.Rand,
	})
	if err != nil {
		return fail(err)
	}

	a.MFA = mfa.NewManager(mfa.Config{
		Issuer:      cfg.MFA.Issuer,
		BackupCodes: cfg.MFA.BackupCodes,
		Clock:       deps.Clock,
		Rand:        deps.Rand,
	})

	a.Sessions, err = session.NewStore(a.Store, session.Config{
		Timeout:        cfg.Session.Timeout,
		MaxPerSubject:  cfg.Session.MaxPerSubject,
		FingerprintKey: ks.SessionFingerprint,
		Clock:          deps.Clock,
		Rand:           deps.Rand,
	})
	if err != nil {
		return fail(err)
	}

	a.Throttle, err = throttle.NewGuard(a.Store, newLimiter(a.Store, cfg, deps.Clock), throttle.Config{
		MaxLoginAttempts: cfg.Throttle.MaxLoginAttempts,
		LockoutDuration:  cfg.Throttle.LockoutDuration,
		MaxFailedPerIP:   cfg.Throttle.MaxFailedPerIP,
		IPBlockDuration:  cfg.Throttle.IPBlockDuration,
		IPFailureWindow:  cfg.Throttle.IPFailureWindow,
		Clock:            deps.Clock,
	})
	if err != nil {
		return fail(err)
	}

	if deps.Directory != nil {
		a.Coordinator, err = auth.NewCoordinator(auth.Deps{
			Tokens:        a.Tokens,
			MFA:           a.MFA,
			Sessions:      a.Sessions,
			Throttle:      a.Throttle,
			Directory:     deps.Directory,
			Passwords:     deps.Passwords,
			Store:         a.Store,
			Rand:          deps.Rand,
			Clock:         deps.Clock,
			RotateRefresh: cfg.JWT.RotateRefresh,
		})
		if err != nil {
			return fail(err)
		}
	}

	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	if deps.Registry != nil {
		gatherer, registerer = deps.Registry, deps.Registry
	}
	if err := metrics.Register(registerer); err != nil {
		return fail(fmt.Errorf("app: metrics: %w", err))
	}
	a.ops = ops.NewServer(ops.Config{
		Addr:     cfg.Ops.Addr,
		Version:  cfg.App.Version,
		Store:    a.Store,
		Gatherer: gatherer,
	})
	return a, nil
}

// newLimiter usa el ZSET + Lua cuando el backend es redis; si no, la
// ventana genérica sobre cache.Update.
func newLimiter(store cache.Client, cfg *config.Config, clk clock.Clock) rate.Limiter {
	limit, window := cfg.Throttle.MaxRequestsPerMinute, time.Minute
	if rc, ok := store.(interface {
		Redis() *rdb.Client
		Prefix() string
	}); ok {
		prefix := "rl:"
		if rc.Prefix() != "" {
			prefix = rc.Prefix() + ":rl:"
		}
		return rate.NewRedisLimiter(rc.Redis(), prefix, limit, window, clk)
	}
	return rate.NewStoreLimiter(store, "rl:", limit, window, clk)
}

// Run corre el sweeper y el servidor de operación hasta que ctx se cancela
// o alguno falla.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sweepLoop(ctx) })
	g.Go(func() error { return a.ops.Run(ctx) })
	return g.Wait()
}

func (a *App) sweepLoop(ctx context.Context) error {
	t := time.NewTicker(a.Config.Sweep.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := a.Sweep(ctx); err != nil && ctx.Err() == nil {
				// un sweep fallido se reintenta en el próximo tick
				logger.L().Error("sweep failed", logger.Component("sweeper"), logger.Err(err))
				sentry.CaptureInfra("sweeper", "sweep", err)
			}
		}
	}
}

// SweepReport resume una pasada del sweeper.
type SweepReport struct {
	Tokens   jwtx.SweepResult
	Sessions int
	Throttle throttle.SweepResult
	Duration time.Duration
}

// Sweep corre una pasada completa. Cada store se barre aunque otro falle.
func (a *App) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	var rep SweepReport
	var errs []error

	tr, err := a.Tokens.SweepExpired(ctx)
	rep.Tokens = tr
	errs = append(errs, err)

	n, err := a.Sessions.SweepExpired(ctx)
	rep.Sessions = n
	errs = append(errs, err)

	th, err := a.Throttle.SweepExpired(ctx)
	rep.Throttle = th
	errs = append(errs, err)

	rep.Duration = time.Since(start)
	metrics.SweepRemoved.WithLabelValues("refresh").Add(float64(tr.Refresh))
	metrics.SweepRemoved.WithLabelValues("blacklist").Add(float64(tr.Blacklist))
	metrics.SweepRemoved.WithLabelValues("sessions").Add(float64(n))
	metrics.SweepRemoved.WithLabelValues("accounts").Add(float64(th.Accounts))
	metrics.SweepRemoved.WithLabelValues("ips").Add(float64(th.IPs))
	metrics.SweepLatency.Observe(float64(rep.Duration.Milliseconds()))

	fields := []zap.Field{
		logger.Int("refresh", tr.Refresh),
		logger.Int("blacklist", tr.Blacklist),
		logger.Int("sessions", n),
		logger.Int("accounts", th.Accounts),
		logger.Int("ips", th.IPs),
		logger.Duration(rep.Duration),
	}
	logger.L().Debug("sweep completed", append(fields, logger.Component("sweeper"))...)
	if tr.Refresh+tr.Blacklist+n+th.Accounts+th.IPs > 0 {
		audit.Log(ctx, audit.EventSweep, fields...)
	}
	return rep, errors.Join(errs...)
}

// Close libera el store (si lo creó New) y vacía logger y Sentry.
func (a *App) Close() error {
	var err error
	if a.ownsStore && a.Store != nil {
		err = a.Store.Close()
	}
	sentry.Flush()
	_ = logger.Sync()
	return err
}
