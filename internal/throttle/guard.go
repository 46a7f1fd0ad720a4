// Package throttle aplica rate limiting por IP, lockout de cuentas y bloqueo
// de IPs por fallos agregados. Cada read-modify-write corre dentro de
// cache.Client.Update, así que es lineal por key (subject o IP).
package throttle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/authguard/internal/audit"
	"github.com/dropDatabas3/authguard/internal/cache"
	"github.com/dropDatabas3/authguard/internal/domain/autherr"
	"github.com/dropDatabas3/authguard/internal/metrics"
	"github.com/dropDatabas3/authguard/internal/observability/logger"
	"github.com/dropDatabas3/authguard/internal/rate"
	"github.com/dropDatabas3/authguard/internal/util/clock"
)

const (
	accountPrefix = "acct:"
	ipPrefix      = "ipst:"

	// stateTTL acota la memoria del backend; SweepExpired limpia antes.
	stateTTL = 24 * time.Hour
)

// Reason de un rechazo en CheckIPRate.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonRateLimited Reason = "RATE_LIMITED"
	ReasonIPBlocked   Reason = "IP_BLOCKED"
)

// Risk es la clasificación informativa de ClassifyRisk.
type Risk string

const (
	RiskNormal Risk = "NORMAL"
	RiskLow    Risk = "LOW_RISK"
	RiskMedium Risk = "MEDIUM_RISK"
	RiskHigh   Risk = "HIGH_RISK"
)

// Decision de CheckIPRate.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
	UnlockAt   time.Time
	Remaining  int64
}

// Err traduce un rechazo al error de auth correspondiente.
func (d Decision) Err() error {
	switch d.Reason {
	case ReasonIPBlocked:
		return autherr.Blocked(d.UnlockAt)
	case ReasonRateLimited:
		return autherr.Limited(d.RetryAfter)
	}
	return nil
}

// LockStatus de CheckAccountLock.
type LockStatus struct {
	Locked   bool
	UnlockAt time.Time
}

// FailureResult de RecordFailure. No indica cuál condición disparó, solo el
// estado resultante.
type FailureResult struct {
	FailedAttempts int
	AccountLocked  bool
	IPBlocked      bool
}

// Status es una foto del estado de un subject/IP. No muta nada.
type Status struct {
	FailedAttempts int
	AccountLocked  bool
	UnlockAt       time.Time
	IPFailures     int
	IPBlocked      bool
	BlockedUntil   time.Time
	Risk           Risk
}

// SweepResult cuenta los locks/blocks vencidos eliminados.
type SweepResult struct {
	Accounts int
	IPs      int
}

type accountState struct {
	Failed        int       `json:"failed"`
	LockUntil     time.Time `json:"lock_until"`
	LastFailureAt time.Time `json:"last_failure_at"`
}

func (a *accountState) locked(now time.Time) bool {
	return !a.LockUntil.IsZero() && now.Before(a.LockUntil)
}

func (a *accountState) lockPassed(now time.Time) bool {
	return !a.LockUntil.IsZero() && !now.Before(a.LockUntil)
}

type ipState struct {
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"last_failure_at"`
	BlockUntil    time.Time `json:"block_until"`
}

func (s *ipState) blocked(now time.Time) bool {
	return !s.BlockUntil.IsZero() && now.Before(s.BlockUntil)
}

func (s *ipState) blockPassed(now time.Time) bool {
	return !s.BlockUntil.IsZero() && !now.Before(s.BlockUntil)
}

// Config de Guard.
type Config struct {
	MaxLoginAttempts int
	LockoutDuration  time.Duration
	MaxFailedPerIP   int
	IPBlockDuration  time.Duration
	// IPFailureWindow: fallos por IP más viejos que esto ya no suman.
	IPFailureWindow time.Duration
	Clock           clock.Clock
}

// Guard implementa las políticas de throttling.
type Guard struct {
	kv      cache.Client
	limiter rate.Limiter
	cfg     Config
	clk     clock.Clock
}

// NewGuard construye el Guard. limiter define la ventana por IP.
func NewGuard(kv cache.Client, limiter rate.Limiter, cfg Config) (*Guard, error) {
	if kv == nil || limiter == nil {
		return nil, errors.New("throttle: store and limiter are required")
	}
	if cfg.MaxLoginAttempts <= 0 || cfg.MaxFailedPerIP <= 0 {
		return nil, errors.New("throttle: attempt limits must be positive")
	}
	if cfg.LockoutDuration <= 0 || cfg.IPBlockDuration <= 0 || cfg.IPFailureWindow <= 0 {
		return nil, errors.New("throttle: durations must be positive")
	}
	return &Guard{kv: kv, limiter: limiter, cfg: cfg, clk: clock.OrSystem(cfg.Clock)}, nil
}

// CheckIPRate rechaza IPs bloqueadas y luego aplica la ventana deslizante.
// Un request permitido queda registrado en la ventana.
func (g *Guard) CheckIPRate(ctx context.Context, ip string) (Decision, error) {
	now := g.clk.Now()

	var st ipState
	var blocked bool
	err := g.kv.Update(ctx, ipPrefix+ip, func(cur []byte, found bool) (cache.Mutation, error) {
		st, blocked = ipState{}, false
		if !found {
			return cache.Keep(), nil
		}
		if json.Unmarshal(cur, &st) != nil {
			return cache.Remove(), nil
		}
		if st.blocked(now) {
			blocked = true
			return cache.Keep(), nil
		}
		if st.blockPassed(now) {
			// block vencido: se limpia junto con sus fallos
			return cache.Remove(), nil
		}
		return cache.Keep(), nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("throttle: ip state: %w", err)
	}
	if blocked {
		metrics.ThrottleDenials.WithLabelValues(string(ReasonIPBlocked)).Inc()
		return Decision{
			Reason:     ReasonIPBlocked,
			RetryAfter: st.BlockUntil.Sub(now),
			UnlockAt:   st.BlockUntil,
		}, nil
	}

	res, err := g.limiter.Allow(ctx, ip)
	if err != nil {
		return Decision{}, fmt.Errorf("throttle: rate window: %w", err)
	}
	if !res.Allowed {
		metrics.ThrottleDenials.WithLabelValues(string(ReasonRateLimited)).Inc()
		audit.Log(ctx, audit.EventRateLimited, logger.ClientIP(ip), logger.Duration(res.RetryAfter))
		return Decision{
			Reason:     ReasonRateLimited,
			RetryAfter: res.RetryAfter,
			UnlockAt:   now.Add(res.RetryAfter),
		}, nil
	}
	return Decision{Allowed: true, Remaining: res.Remaining}, nil
}

// CheckAccountLock reporta si el subject está bloqueado. Un lock vencido se
// limpia y resetea el contador de fallos.
func (g *Guard) CheckAccountLock(ctx context.Context, subject string) (LockStatus, error) {
	now := g.clk.Now()
	var ls LockStatus
	err := g.kv.Update(ctx, accountPrefix+subject, func(cur []byte, found bool) (cache.Mutation, error) {
		ls = LockStatus{}
		if !found {
			return cache.Keep(), nil
		}
		var st accountState
		if json.Unmarshal(cur, &st) != nil {
			return cache.Remove(), nil
		}
		if st.locked(now) {
			ls = LockStatus{Locked: true, UnlockAt: st.LockUntil}
			return cache.Keep(), nil
		}
		if st.lockPassed(now) {
			return cache.Remove(), nil
		}
		return cache.Keep(), nil
	})
	if err != nil {
		return LockStatus{}, fmt.Errorf("throttle: account state: %w", err)
	}
	return ls, nil
}

// RecordFailure suma un fallo al subject y a la IP. Al llegar a
// MaxLoginAttempts bloquea la cuenta; al llegar a MaxFailedPerIP bloquea la
// IP. Mientras la cuenta está bloqueada el contador no sube. Si el paso de
// la IP falla, el fallo de la cuenta se deshace: se aplica todo o nada.
func (g *Guard) RecordFailure(ctx context.Context, subject, ip string) (FailureResult, error) {
	now := g.clk.Now()
	var res FailureResult

	var counted, newlyLocked bool
	if subject != "" {
		err := g.kv.Update(ctx, accountPrefix+subject, func(cur []byte, found bool) (cache.Mutation, error) {
			counted, newlyLocked = false, false
			var st accountState
			if found && json.Unmarshal(cur, &st) != nil {
				st = accountState{}
			}
			if st.locked(now) {
				res.FailedAttempts, res.AccountLocked = st.Failed, true
				return cache.Keep(), nil
			}
			if st.lockPassed(now) {
				st = accountState{}
			}
			st.Failed++
			st.LastFailureAt = now
			if st.Failed >= g.cfg.MaxLoginAttempts {
				st.LockUntil = now.Add(g.cfg.LockoutDuration)
				newlyLocked = true
			}
			counted = true
			res.FailedAttempts, res.AccountLocked = st.Failed, newlyLocked
			b, err := json.Marshal(st)
			if err != nil {
				return cache.Mutation{}, err
			}
			return cache.Put(b, stateTTL), nil
		})
		if err != nil {
			return FailureResult{}, fmt.Errorf("throttle: record account failure: %w", err)
		}
	}

	var newlyBlocked bool
	if ip != "" {
		err := g.kv.Update(ctx, ipPrefix+ip, func(cur []byte, found bool) (cache.Mutation, error) {
			newlyBlocked, res.IPBlocked = false, false
			var st ipState
			if found && json.Unmarshal(cur, &st) != nil {
				st = ipState{}
			}
			if st.blocked(now) {
				res.IPBlocked = true
				return cache.Keep(), nil
			}
			if st.blockPassed(now) || now.Sub(st.LastFailureAt) > g.cfg.IPFailureWindow {
				st = ipState{}
			}
			st.Failures++
			st.LastFailureAt = now
			if st.Failures >= g.cfg.MaxFailedPerIP {
				st.BlockUntil = now.Add(g.cfg.IPBlockDuration)
				newlyBlocked, res.IPBlocked = true, true
			}
			b, err := json.Marshal(st)
			if err != nil {
				return cache.Mutation{}, err
			}
			return cache.Put(b, stateTTL), nil
		})
		if err != nil {
			err = fmt.Errorf("throttle: record ip failure: %w", err)
			if counted {
				if uerr := g.undoAccountFailure(ctx, subject, newlyLocked); uerr != nil {
					logger.From(ctx).Error("account failure not rolled back",
						logger.Component("throttle"), logger.Subject(subject), logger.Err(uerr))
					err = errors.Join(err, uerr)
				}
			}
			return FailureResult{}, err
		}
	}

	if newlyLocked {
		metrics.AccountLocks.Inc()
		audit.Log(ctx, audit.EventAccountLocked, logger.Subject(subject), logger.ClientIP(ip),
			logger.Until(now.Add(g.cfg.LockoutDuration)))
	}
	if newlyBlocked {
		metrics.IPBlocks.Inc()
		audit.Log(ctx, audit.EventIPBlocked, logger.ClientIP(ip), logger.Until(now.Add(g.cfg.IPBlockDuration)))
	}
	return res, nil
}

// undoAccountFailure descuenta un fallo registrado por RecordFailure. Opera
// sobre el estado actual, así no pisa fallos concurrentes del mismo subject.
func (g *Guard) undoAccountFailure(ctx context.Context, subject string, unlock bool) error {
	err := g.kv.Update(ctx, accountPrefix+subject, func(cur []byte, found bool) (cache.Mutation, error) {
		if !found {
			return cache.Keep(), nil
		}
		var st accountState
		if json.Unmarshal(cur, &st) != nil {
			return cache.Remove(), nil
		}
		if st.Failed > 0 {
			st.Failed--
		}
		if unlock && st.Failed < g.cfg.MaxLoginAttempts {
			st.LockUntil = time.Time{}
		}
		if st.Failed == 0 && st.LockUntil.IsZero() {
			return cache.Remove(), nil
		}
		b, err := json.Marshal(st)
		if err != nil {
			return cache.Mutation{}, err
		}
		return cache.Put(b, stateTTL), nil
	})
	if err != nil {
		return fmt.Errorf("throttle: undo account failure: %w", err)
	}
	return nil
}

// RecordSuccess limpia fallos y lock del subject. El estado de la IP es
// independiente (puede ser compartida por NAT).
func (g *Guard) RecordSuccess(ctx context.Context, subject string) error {
	if err := g.kv.Delete(ctx, accountPrefix+subject); err != nil {
		return fmt.Errorf("throttle: reset account: %w", err)
	}
	return nil
}

// Status arma la foto de subject/IP sin limpiar ni registrar nada.
func (g *Guard) Status(ctx context.Context, subject, ip string) (Status, error) {
	now := g.clk.Now()
	var out Status

	if subject != "" {
		var st accountState
		ok, err := g.read(ctx, accountPrefix+subject, &st)
		if err != nil {
			return Status{}, err
		}
		if ok && !st.lockPassed(now) {
			out.FailedAttempts = st.Failed
			out.AccountLocked = st.locked(now)
			if out.AccountLocked {
				out.UnlockAt = st.LockUntil
			}
		}
	}
	if ip != "" {
		var st ipState
		ok, err := g.read(ctx, ipPrefix+ip, &st)
		if err != nil {
			return Status{}, err
		}
		if ok && !st.blockPassed(now) && now.Sub(st.LastFailureAt) <= g.cfg.IPFailureWindow {
			out.IPFailures = st.Failures
		}
		if ok && st.blocked(now) {
			out.IPBlocked, out.BlockedUntil = true, st.BlockUntil
			out.IPFailures = st.Failures
		}
	}

	switch {
	case out.AccountLocked || out.IPBlocked:
		out.Risk = RiskHigh
	case out.FailedAttempts >= 3:
		out.Risk = RiskMedium
	case out.FailedAttempts >= 1:
		out.Risk = RiskLow
	default:
		out.Risk = RiskNormal
	}
	return out, nil
}

// ClassifyRisk es informativo: no se usa como gate.
func (g *Guard) ClassifyRisk(ctx context.Context, subject, ip string) (Risk, error) {
	st, err := g.Status(ctx, subject, ip)
	if err != nil {
		return "", err
	}
	return st.Risk, nil
}

// ManualUnlockAccount elimina lock y fallos del subject. Idempotente.
func (g *Guard) ManualUnlockAccount(ctx context.Context, subject string) error {
	if err := g.kv.Delete(ctx, accountPrefix+subject); err != nil {
		return fmt.Errorf("throttle: unlock: %w", err)
	}
	return nil
}

// ManualUnblockIP elimina el bloqueo y los fallos de la IP. Idempotente.
func (g *Guard) ManualUnblockIP(ctx context.Context, ip string) error {
	if err := g.kv.Delete(ctx, ipPrefix+ip); err != nil {
		return fmt.Errorf("throttle: unblock: %w", err)
	}
	return nil
}

// SweepExpired elimina locks y blocks vencidos, y estados de IP cuyos fallos
// ya salieron de la ventana.
func (g *Guard) SweepExpired(ctx context.Context) (SweepResult, error) {
	now := g.clk.Now()
	var res SweepResult

	keys, err := g.kv.Keys(ctx, accountPrefix)
	if err != nil {
		return res, fmt.Errorf("throttle: sweep list accounts: %w", err)
	}
	for _, k := range keys {
		removed, err := g.removeIf(ctx, k, func(b []byte) bool {
			var st accountState
			return json.Unmarshal(b, &st) != nil || st.lockPassed(now)
		})
		if err != nil {
			return res, err
		}
		if removed {
			res.Accounts++
		}
	}

	keys, err = g.kv.Keys(ctx, ipPrefix)
	if err != nil {
		return res, fmt.Errorf("throttle: sweep list ips: %w", err)
	}
	for _, k := range keys {
		removed, err := g.removeIf(ctx, k, func(b []byte) bool {
			var st ipState
			if json.Unmarshal(b, &st) != nil || st.blockPassed(now) {
				return true
			}
			return !st.blocked(now) && now.Sub(st.LastFailureAt) > g.cfg.IPFailureWindow
		})
		if err != nil {
			return res, err
		}
		if removed {
			res.IPs++
		}
	}
	return res, nil
}

func (g *Guard) removeIf(ctx context.Context, key string, cond func([]byte) bool) (bool, error) {
	var removed bool
	err := g.kv.Update(ctx, key, func(cur []byte, found bool) (cache.Mutation, error) {
		removed = found && cond(cur)
		if removed {
			return cache.Remove(), nil
		}
		return cache.Keep(), nil
	})
	if err != nil {
		return false, fmt.Errorf("throttle: sweep: %w", err)
	}
	return removed, nil
}

func (g *Guard) read(ctx context.Context, key string, v any) (bool, error) {
	b, err := g.kv.Get(ctx, key)
	if cache.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("throttle: read state: %w", err)
	}
	if json.Unmarshal(b, v) != nil {
		return false, nil
	}
	return true, nil
}
