// Package session mantiene las sesiones server-side con fingerprint de
// user-agent + IP. Cualquier discrepancia invalida la sesión: se fuerza un
// nuevo login.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dropDatabas3/authguard/internal/audit"
	"github.com/dropDatabas3/authguard/internal/cache"
	"github.com/dropDatabas3/authguard/internal/domain/autherr"
	"github.com/dropDatabas3/authguard/internal/metrics"
	"github.com/dropDatabas3/authguard/internal/observability/logger"
	tokens "github.com/dropDatabas3/authguard/internal/security/token"
	"github.com/dropDatabas3/authguard/internal/util/clock"
)

const (
	recordPrefix = "sid:"
	indexPrefix  = "sidx:"

	// idBytes da ids de 256 bits.
	idBytes = 32
)

// Session es el registro persistido.
type Session struct {
	ID             string    `json:"id"`
	Subject        string    `json:"sub"`
	Fingerprint    string    `json:"fp"`
	UserAgent      string    `json:"ua"`
	IP             string    `json:"ip"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Active         bool      `json:"active"`
}

type indexEntry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Config de Store.
type Config struct {
	Timeout       time.Duration
	MaxPerSubject int
	// FingerprintKey, si no es nil, convierte el fingerprint en un
	// HMAC-SHA256 con esa clave. Sin clave es SHA-256(ua + ":" + ip).
	FingerprintKey []byte
	Clock          clock.Clock
	Rand           tokens.Generator
}

// Store administra sesiones sobre un cache.Client.
type Store struct {
	kv      cache.Client
	timeout time.Duration
	max     int
	fpKey   []byte
	clk     clock.Clock
	rnd     tokens.Generator
}

// NewStore valida la configuración.
func NewStore(kv cache.Client, cfg Config) (*Store, error) {
	if kv == nil {
		return nil, errors.New("session: store is required")
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("session: timeout must be positive")
	}
	if cfg.MaxPerSubject <= 0 {
		return nil, errors.New("session: max per subject must be positive")
	}
	return &Store{
		kv:      kv,
		timeout: cfg.Timeout,
		max:     cfg.MaxPerSubject,
		fpKey:   cfg.FingerprintKey,
		clk:     clock.OrSystem(cfg.Clock),
		rnd:     cfg.Rand,
	}, nil
}

// Fingerprint calcula el hash de user-agent + IP.
func (s *Store) Fingerprint(userAgent, ip string) string {
	msg := []byte(userAgent + ":" + ip)
	if len(s.fpKey) == 0 {
		sum := sha256.Sum256(msg)
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, s.fpKey)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// Create registra una sesión nueva. Si el subject ya tiene MaxPerSubject
// sesiones, se desalojan las más viejas por CreatedAt.
func (s *Store) Create(ctx context.Context, subject, userAgent, ip string) (string, error) {
	if subject == "" {
		return "", errors.New("session: empty subject")
	}
	id, err := s.rnd.Opaque(idBytes)
	if err != nil {
		return "", fmt.Errorf("session: id: %w", err)
	}
	now := s.clk.Now()
	sess := Session{
		ID:             id,
		Subject:        subject,
		Fingerprint:    s.Fingerprint(userAgent, ip),
		UserAgent:      userAgent,
		IP:             ip,
		CreatedAt:      now,
		LastActivityAt: now,
		Active:         true,
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return "", err
	}

	dead, err := s.deadEntries(ctx, subject, now)
	if err != nil {
		return "", err
	}
	if err := s.kv.Set(ctx, recordPrefix+id, b, s.recordTTL()); err != nil {
		return "", fmt.Errorf("session: store: %w", err)
	}

	var evicted []string
	err = s.kv.Update(ctx, indexPrefix+subject, func(cur []byte, found bool) (cache.Mutation, error) {
		evicted = nil
		var entries []indexEntry
		if found {
			_ = json.Unmarshal(cur, &entries)
		}
		live := entries[:0:0]
		for _, e := range entries {
			if !dead[e.ID] {
				live = append(live, e)
			}
		}
		sort.SliceStable(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })
		for len(live) >= s.max {
			evicted = append(evicted, live[0].ID)
			live = live[1:]
		}
		live = append(live, indexEntry{ID: id, CreatedAt: now})
		out, err := json.Marshal(live)
		if err != nil {
			return cache.Mutation{}, err
		}
		return cache.Put(out, 0), nil
	})
	if err != nil {
		_ = s.kv.Delete(ctx, recordPrefix+id)
		return "", fmt.Errorf("session: index: %w", err)
	}

	for _, old := range evicted {
		if err := s.kv.Delete(ctx, recordPrefix+old); err != nil {
			// Sigue viva hasta el timeout; ya no cuenta para la capacidad.
			logger.From(ctx).Error("evicted session not deleted",
				logger.Component("session"), logger.SessionID(old), logger.Err(err))
			continue
		}
		metrics.SessionEvictions.WithLabelValues("capacity").Inc()
	}
	return id, nil
}

// deadEntries retorna los ids del índice cuyo registro ya no está vivo.
func (s *Store) deadEntries(ctx context.Context, subject string, now time.Time) (map[string]bool, error) {
	entries, err := s.index(ctx, subject)
	if err != nil {
		return nil, err
	}
	dead := map[string]bool{}
	for _, e := range entries {
		sess, err := s.get(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		if sess == nil || !sess.Active || s.timedOut(sess, now) {
			dead[e.ID] = true
		}
	}
	return dead, nil
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeMissing
	outcomeInactive
	outcomeExpired
	outcomeMismatch
)

// Validate verifica existencia, estado activo, timeout de inactividad y
// fingerprint, en ese orden. Si vence o el fingerprint no coincide, la
// sesión queda invalidada. En éxito desliza LastActivityAt.
func (s *Store) Validate(ctx context.Context, id, userAgent, ip string) (*Session, error) {
	if id == "" {
		return nil, autherr.New(autherr.SessionNotFound)
	}
	now := s.clk.Now()
	fp := s.Fingerprint(userAgent, ip)

	var (
		res  outcome
		sess Session
	)
	err := s.kv.Update(ctx, recordPrefix+id, func(cur []byte, found bool) (cache.Mutation, error) {
		sess = Session{}
		if !found || json.Unmarshal(cur, &sess) != nil {
			res = outcomeMissing
			return cache.Keep(), nil
		}
		switch {
		case !sess.Active:
			res = outcomeInactive
			return cache.Keep(), nil
		case s.timedOut(&sess, now):
			res = outcomeExpired
			return cache.Remove(), nil
		case !hmac.Equal([]byte(sess.Fingerprint), []byte(fp)):
			res = outcomeMismatch
			sess.Active = false
		default:
			res = outcomeOK
			sess.LastActivityAt = now
		}
		b, err := json.Marshal(sess)
		if err != nil {
			return cache.Mutation{}, err
		}
		return cache.Put(b, s.recordTTL()), nil
	})
	if err != nil {
		return nil, fmt.Errorf("session: validate: %w", err)
	}

	switch res {
	case outcomeOK:
		return &sess, nil
	case outcomeExpired:
		metrics.SessionEvictions.WithLabelValues("timeout").Inc()
		s.unindex(ctx, sess.Subject, id)
		return nil, autherr.New(autherr.SessionExpired)
	case outcomeMismatch:
		metrics.SessionEvictions.WithLabelValues("fingerprint").Inc()
		s.unindex(ctx, sess.Subject, id)
		audit.Log(ctx, audit.EventSessionHijack,
			logger.Subject(sess.Subject), logger.SessionID(id),
			logger.ClientIP(ip), logger.UserAgent(userAgent),
			logger.String("origin_ip", sess.IP))
		return nil, autherr.New(autherr.SessionFingerprintMismatch)
	}
	return nil, autherr.New(autherr.SessionNotFound)
}

// Invalidate elimina la sesión. Idempotente.
func (s *Store) Invalidate(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	sess, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}
	if err := s.kv.Delete(ctx, recordPrefix+id); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	s.unindex(ctx, sess.Subject, id)
	metrics.SessionEvictions.WithLabelValues("logout").Inc()
	return nil
}

// InvalidateAllForSubject elimina todas las sesiones del subject y retorna
// cuántas seguían activas.
func (s *Store) InvalidateAllForSubject(ctx context.Context, subject string) (int, error) {
	var entries []indexEntry
	err := s.kv.Update(ctx, indexPrefix+subject, func(cur []byte, found bool) (cache.Mutation, error) {
		entries = nil
		if !found {
			return cache.Keep(), nil
		}
		_ = json.Unmarshal(cur, &entries)
		return cache.Remove(), nil
	})
	if err != nil {
		return 0, fmt.Errorf("session: invalidate all: %w", err)
	}

	now := s.clk.Now()
	n := 0
	for _, e := range entries {
		sess, err := s.get(ctx, e.ID)
		if err != nil {
			return n, err
		}
		if sess == nil {
			continue
		}
		if err := s.kv.Delete(ctx, recordPrefix+e.ID); err != nil {
			return n, fmt.Errorf("session: delete: %w", err)
		}
		if sess.Active && !s.timedOut(sess, now) {
			n++
		}
	}
	if n > 0 {
		metrics.SessionEvictions.WithLabelValues("logout").Add(float64(n))
	}
	return n, nil
}

// ListActive retorna las sesiones activas del subject ordenadas por
// CreatedAt. No desliza LastActivityAt.
func (s *Store) ListActive(ctx context.Context, subject string) ([]Session, error) {
	entries, err := s.index(ctx, subject)
	if err != nil {
		return nil, err
	}
	now := s.clk.Now()
	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		sess, err := s.get(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		if sess == nil || !sess.Active || s.timedOut(sess, now) {
			continue
		}
		out = append(out, *sess)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SweepExpired elimina sesiones vencidas o inactivas y compacta los índices.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	now := s.clk.Now()
	keys, err := s.kv.Keys(ctx, recordPrefix)
	if err != nil {
		return 0, fmt.Errorf("session: sweep list: %w", err)
	}
	n := 0
	for _, k := range keys {
		var removed bool
		err := s.kv.Update(ctx, k, func(cur []byte, found bool) (cache.Mutation, error) {
			removed = false
			if !found {
				return cache.Keep(), nil
			}
			var sess Session
			if json.Unmarshal(cur, &sess) == nil && sess.Active && !s.timedOut(&sess, now) {
				return cache.Keep(), nil
			}
			removed = true
			return cache.Remove(), nil
		})
		if err != nil {
			return n, fmt.Errorf("session: sweep: %w", err)
		}
		if removed {
			n++
		}
	}
	if n > 0 {
		metrics.SessionEvictions.WithLabelValues("timeout").Add(float64(n))
	}

	idx, err := s.kv.Keys(ctx, indexPrefix)
	if err != nil {
		return n, fmt.Errorf("session: sweep list index: %w", err)
	}
	for _, k := range idx {
		subject := strings.TrimPrefix(k, indexPrefix)
		dead, err := s.deadEntries(ctx, subject, now)
		if err != nil {
			return n, err
		}
		for id := range dead {
			s.unindex(ctx, subject, id)
		}
	}
	return n, nil
}

// ─── internos ───

// recordTTL acota la memoria del backend; la expiración lógica usa el reloj.
func (s *Store) recordTTL() time.Duration { return 2 * s.timeout }

func (s *Store) timedOut(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastActivityAt) > s.timeout
}

func (s *Store) get(ctx context.Context, id string) (*Session, error) {
	b, err := s.kv.Get(ctx, recordPrefix+id)
	if cache.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, nil
	}
	return &sess, nil
}

func (s *Store) index(ctx context.Context, subject string) ([]indexEntry, error) {
	b, err := s.kv.Get(ctx, indexPrefix+subject)
	if cache.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: index: %w", err)
	}
	var entries []indexEntry
	_ = json.Unmarshal(b, &entries)
	return entries, nil
}

func (s *Store) unindex(ctx context.Context, subject, id string) {
	err := s.kv.Update(ctx, indexPrefix+subject, func(cur []byte, found bool) (cache.Mutation, error) {
		if !found {
			return cache.Keep(), nil
		}
		var entries []indexEntry
		_ = json.Unmarshal(cur, &entries)
		out := entries[:0:0]
		for _, e := range entries {
			if e.ID != id {
				out = append(out, e)
			}
		}
		if len(out) == 0 {
			return cache.Remove(), nil
		}
		b, err := json.Marshal(out)
		if err != nil {
			return cache.Mutation{}, err
		}
		return cache.Put(b, 0), nil
	})
	if err != nil {
		logger.From(ctx).Warn("session index update failed",
			logger.Component("session"), logger.Subject(subject), logger.SessionID(id), logger.Err(err))
	}
}
