// Package jwt emite y verifica los tokens de acceso y refresco (HS256).
//
// Los access tokens son stateless: solo se consulta la blacklist. Los refresh
// tokens viven mientras su jti esté registrado en el store, lo que permite
// revocarlos individualmente o por subject.
package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dropDatabas3/authguard/internal/cache"
	"github.com/dropDatabas3/authguard/internal/domain/autherr"
	"github.com/dropDatabas3/authguard/internal/metrics"
	"github.com/dropDatabas3/authguard/internal/observability/logger"
	tokens "github.com/dropDatabas3/authguard/internal/security/token"
	"github.com/dropDatabas3/authguard/internal/util/clock"
)

const (
	refreshPrefix   = "rt:"
	subjectPrefix   = "rts:"
	blacklistPrefix = "bl:"
)

var errRevokedWhileIssuing = errors.New("jwt: subject revoked while issuing")

// Config de Manager.
type Config struct {
	SigningKey []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// ClockSkew tolera relojes adelantados en iat.
	ClockSkew time.Duration
	Clock     clock.Clock
	Rand      tokens.Generator
}

// Manager implementa emisión, verificación y revocación de tokens.
type Manager struct {
	store  cache.Client
	key    []byte
	iss    string
	accTTL time.Duration
	refTTL time.Duration
	skew   time.Duration
	clk    clock.Clock
	rnd    tokens.Generator
	parser *jwtv5.Parser
}

// NewManager valida la configuración y construye el Manager.
func NewManager(store cache.Client, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("jwt: store is required")
	}
	if len(cfg.SigningKey) < 32 {
		return nil, errors.New("jwt: signing key must be at least 32 bytes")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("jwt: token TTLs must be positive")
	}
	if cfg.ClockSkew < 0 {
		return nil, errors.New("jwt: clock skew must not be negative")
	}
	return &Manager{
		store:  store,
		key:    append([]byte(nil), cfg.SigningKey...),
		iss:    cfg.Issuer,
		accTTL: cfg.AccessTTL,
		refTTL: cfg.RefreshTTL,
		skew:   cfg.ClockSkew,
		clk:    clock.OrSystem(cfg.Clock),
		rnd:    cfg.Rand,
		// La validación temporal se hace a mano contra el reloj inyectado.
		parser: jwtv5.NewParser(
			jwtv5.WithValidMethods([]string{jwtv5.SigningMethodHS256.Alg()}),
			jwtv5.WithJSONNumber(),
			jwtv5.WithoutClaimsValidation(),
		),
	}, nil
}

// AccessTTL expone la vida de los access tokens (para expires_in).
func (m *Manager) AccessTTL() time.Duration { return m.accTTL }

// IssueAccessToken firma un access token con los claims custom dados. Verify
// los devuelve tal como los deja NormalizeClaims.
func (m *Manager) IssueAccessToken(subject string, custom map[string]any) (string, error) {
	if subject == "" {
		return "", errors.New("jwt: empty subject")
	}
	now := m.clk.Now()
	jti, err := m.newID()
	if err != nil {
		return "", err
	}
	wc := m.registered(subject, jti, now, m.accTTL)
	wc.Type = TypeAccess
	if wc.Custom, err = NormalizeClaims(custom); err != nil {
		return "", err
	}
	return m.sign(wc)
}

// IssueRefreshToken firma un refresh token y registra su jti.
func (m *Manager) IssueRefreshToken(ctx context.Context, subject string) (string, error) {
	if subject == "" {
		return "", errors.New("jwt: empty subject")
	}
	now := m.clk.Now()
	jti, err := m.newID()
	if err != nil {
		return "", err
	}
	wc := m.registered(subject, jti, now, m.refTTL)
	wc.Type = TypeRefresh
	raw, err := m.sign(wc)
	if err != nil {
		return "", err
	}

	rec := RefreshRecord{
		Subject:    subject,
		CreatedAt:  now,
		LastUsedAt: now,
		ExpiresAt:  wc.ExpiresAt.Time,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	// índice, registro y re-chequeo del índice: si un RevokeAllForSubject
	// se llevó el jti en el medio, el registro no sobrevive
	if err := m.indexAdd(ctx, subject, jti); err != nil {
		return "", fmt.Errorf("jwt: index refresh: %w", err)
	}
	if err := m.store.Set(ctx, refreshPrefix+jti, b, m.refTTL+m.skew); err != nil {
		m.indexRemove(ctx, subject, jti)
		return "", fmt.Errorf("jwt: store refresh: %w", err)
	}
	jtis, err := m.indexGet(ctx, subject)
	if err == nil && !slices.Contains(jtis, jti) {
		err = errRevokedWhileIssuing
	}
	if err != nil {
		_ = m.store.Delete(ctx, refreshPrefix+jti)
		m.indexRemove(ctx, subject, jti)
		return "", fmt.Errorf("jwt: index refresh: %w", err)
	}
	return raw, nil
}

// Verify valida firma, tipo, ventana temporal y revocación. En refresh
// tokens válidos actualiza LastUsedAt; el camino de error no tiene efectos.
func (m *Manager) Verify(ctx context.Context, raw string, expected TokenType) (Claims, error) {
	wc, err := m.decode(raw)
	if err != nil {
		return nil, err
	}
	now := m.clk.Now()
	if err := m.checkTimes(wc, now); err != nil {
		return nil, err
	}
	if wc.Type != expected {
		return nil, autherr.New(autherr.TokenWrongType)
	}

	switch wc.Type {
	case TypeAccess:
		revoked, err := m.store.Exists(ctx, blacklistPrefix+wc.ID)
		if err != nil {
			return nil, fmt.Errorf("jwt: blacklist lookup: %w", err)
		}
		if revoked {
			return nil, autherr.New(autherr.TokenRevoked)
		}
		return accessFrom(wc), nil
	case TypeRefresh:
		if err := m.touchRefresh(ctx, wc, now); err != nil {
			return nil, err
		}
		return refreshFrom(wc), nil
	}
	return nil, autherr.New(autherr.TokenMalformed)
}

// VerifyAccess es Verify con la variante access ya resuelta.
func (m *Manager) VerifyAccess(ctx context.Context, raw string) (*AccessClaims, error) {
	c, err := m.Verify(ctx, raw, TypeAccess)
	if err != nil {
		return nil, err
	}
	return c.(*AccessClaims), nil
}

// ConsumeRefresh verifica un refresh token y lo invalida en la misma
// operación atómica. Dos rotaciones concurrentes del mismo token: solo una
// gana, la otra recibe TokenRevoked.
func (m *Manager) ConsumeRefresh(ctx context.Context, raw string) (*RefreshClaims, error) {
	wc, err := m.decode(raw)
	if err != nil {
		return nil, err
	}
	if err := m.checkTimes(wc, m.clk.Now()); err != nil {
		return nil, err
	}
	if wc.Type != TypeRefresh {
		return nil, autherr.New(autherr.TokenWrongType)
	}

	var live bool
	err = m.store.Update(ctx, refreshPrefix+wc.ID, func(cur []byte, found bool) (cache.Mutation, error) {
		live = false
		if !found {
			return cache.Keep(), nil
		}
		var rec RefreshRecord
		if json.Unmarshal(cur, &rec) != nil || rec.Subject != wc.Subject {
			return cache.Keep(), nil
		}
		live = true
		return cache.Remove(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwt: consume refresh: %w", err)
	}
	if !live {
		return nil, autherr.New(autherr.TokenRevoked)
	}
	m.indexRemove(ctx, wc.Subject, wc.ID)
	metrics.TokenRevocations.WithLabelValues(string(TypeRefresh)).Inc()
	return refreshFrom(wc), nil
}

// Revoke invalida el token. Es idempotente: revocar un token ya revocado o
// expirado no es error. Tokens con firma inválida o malformados sí lo son.
func (m *Manager) Revoke(ctx context.Context, raw string) error {
	wc, err := m.decode(raw)
	if err != nil {
		return err
	}
	switch wc.Type {
	case TypeAccess:
		remaining := wc.ExpiresAt.Time.Sub(m.clk.Now())
		if remaining <= 0 {
			return nil
		}
		b, _ := json.Marshal(wc.ExpiresAt.Time.Unix())
		if err := m.store.Set(ctx, blacklistPrefix+wc.ID, b, remaining+m.skew); err != nil {
			return fmt.Errorf("jwt: blacklist: %w", err)
		}
	case TypeRefresh:
		if err := m.store.Delete(ctx, refreshPrefix+wc.ID); err != nil {
			return fmt.Errorf("jwt: delete refresh: %w", err)
		}
		m.indexRemove(ctx, wc.Subject, wc.ID)
	default:
		return autherr.New(autherr.TokenMalformed)
	}
	metrics.TokenRevocations.WithLabelValues(string(wc.Type)).Inc()
	return nil
}

// RevokeAllForSubject elimina todos los refresh tokens del subject y retorna
// cuántos estaban vivos. Los access tokens ya emitidos expiran solos.
func (m *Manager) RevokeAllForSubject(ctx context.Context, subject string) (int, error) {
	var jtis []string
	err := m.store.Update(ctx, subjectPrefix+subject, func(cur []byte, found bool) (cache.Mutation, error) {
		jtis = nil
		if !found {
			return cache.Keep(), nil
		}
		_ = json.Unmarshal(cur, &jtis)
		return cache.Remove(), nil
	})
	if err != nil {
		return 0, fmt.Errorf("jwt: revoke all: %w", err)
	}

	n := 0
	for _, jti := range jtis {
		removed, err := m.removeRefresh(ctx, jti, func(RefreshRecord) bool { return true })
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}
	if n > 0 {
		metrics.TokenRevocations.WithLabelValues(string(TypeRefresh)).Add(float64(n))
	}
	return n, nil
}

// ListRefresh retorna los refresh tokens vivos del subject, por jti.
func (m *Manager) ListRefresh(ctx context.Context, subject string) (map[string]RefreshRecord, error) {
	jtis, err := m.indexGet(ctx, subject)
	if err != nil {
		return nil, err
	}
	now := m.clk.Now()
	out := make(map[string]RefreshRecord, len(jtis))
	for _, jti := range jtis {
		b, err := m.store.Get(ctx, refreshPrefix+jti)
		if cache.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("jwt: list refresh: %w", err)
		}
		var rec RefreshRecord
		if json.Unmarshal(b, &rec) != nil || !now.Before(rec.ExpiresAt) {
			continue
		}
		out[jti] = rec
	}
	return out, nil
}

// SweepExpired elimina refresh records vencidos, entradas de blacklist cuyo
// token ya expiró e índices de subject que apuntan a jtis inexistentes.
func (m *Manager) SweepExpired(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := m.clk.Now()

	keys, err := m.store.Keys(ctx, refreshPrefix)
	if err != nil {
		return res, fmt.Errorf("jwt: sweep list refresh: %w", err)
	}
	for _, k := range keys {
		removed, err := m.removeRefresh(ctx, strings.TrimPrefix(k, refreshPrefix), func(r RefreshRecord) bool {
			return !now.Before(r.ExpiresAt)
		})
		if err != nil {
			return res, err
		}
		if removed {
			res.Refresh++
		}
	}

	keys, err = m.store.Keys(ctx, blacklistPrefix)
	if err != nil {
		return res, fmt.Errorf("jwt: sweep list blacklist: %w", err)
	}
	for _, k := range keys {
		var removed bool
		err := m.store.Update(ctx, k, func(cur []byte, found bool) (cache.Mutation, error) {
			removed = false
			if !found {
				return cache.Keep(), nil
			}
			var exp int64
			if json.Unmarshal(cur, &exp) == nil && now.Before(time.Unix(exp, 0).Add(m.skew)) {
				return cache.Keep(), nil
			}
			removed = true
			return cache.Remove(), nil
		})
		if err != nil {
			return res, fmt.Errorf("jwt: sweep blacklist: %w", err)
		}
		if removed {
			res.Blacklist++
		}
	}

	if err := m.compactIndexes(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// ─── internos ───

func (m *Manager) newID() (string, error) {
	id, err := uuid.NewRandomFromReader(m.rnd.Reader())
	if err != nil {
		return "", fmt.Errorf("jwt: token id: %w", err)
	}
	return id.String(), nil
}

func (m *Manager) registered(subject, jti string, now time.Time, ttl time.Duration) wireClaims {
	return wireClaims{RegisteredClaims: jwtv5.RegisteredClaims{
		Issuer:    m.iss,
		Subject:   subject,
		ID:        jti,
		IssuedAt:  jwtv5.NewNumericDate(now),
		ExpiresAt: jwtv5.NewNumericDate(now.Add(ttl)),
	}}
}

func (m *Manager) sign(wc wireClaims) (string, error) {
	s, err := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, wc).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("jwt: sign: %w", err)
	}
	return s, nil
}

// decode verifica firma y estructura, sin mirar tiempos ni el store.
func (m *Manager) decode(raw string) (*wireClaims, error) {
	var wc wireClaims
	_, err := m.parser.ParseWithClaims(raw, &wc, func(*jwtv5.Token) (any, error) {
		return m.key, nil
	})
	if err != nil {
		if errors.Is(err, jwtv5.ErrTokenSignatureInvalid) {
			return nil, autherr.New(autherr.InvalidSignature)
		}
		return nil, autherr.New(autherr.TokenMalformed)
	}
	if wc.Subject == "" || wc.ID == "" || wc.IssuedAt == nil || wc.ExpiresAt == nil {
		return nil, autherr.New(autherr.TokenMalformed)
	}
	if wc.Type != TypeAccess && wc.Type != TypeRefresh {
		return nil, autherr.New(autherr.TokenMalformed)
	}
	if m.iss != "" && wc.Issuer != m.iss {
		return nil, autherr.New(autherr.TokenMalformed)
	}
	if !wc.ExpiresAt.Time.After(wc.IssuedAt.Time) {
		return nil, autherr.New(autherr.TokenMalformed)
	}
	return &wc, nil
}

func (m *Manager) checkTimes(wc *wireClaims, now time.Time) error {
	if wc.IssuedAt.Time.After(now.Add(m.skew)) {
		return autherr.New(autherr.TokenMalformed)
	}
	if !now.Before(wc.ExpiresAt.Time) {
		return autherr.New(autherr.TokenExpired)
	}
	return nil
}

func (m *Manager) touchRefresh(ctx context.Context, wc *wireClaims, now time.Time) error {
	var live bool
	err := m.store.Update(ctx, refreshPrefix+wc.ID, func(cur []byte, found bool) (cache.Mutation, error) {
		live = false
		if !found {
			return cache.Keep(), nil
		}
		var rec RefreshRecord
		if json.Unmarshal(cur, &rec) != nil || rec.Subject != wc.Subject {
			return cache.Keep(), nil
		}
		live = true
		rec.LastUsedAt = now
		b, err := json.Marshal(rec)
		if err != nil {
			return cache.Mutation{}, err
		}
		ttl := rec.ExpiresAt.Sub(now) + m.skew
		return cache.Put(b, ttl), nil
	})
	if err != nil {
		return fmt.Errorf("jwt: refresh lookup: %w", err)
	}
	if !live {
		return autherr.New(autherr.TokenRevoked)
	}
	return nil
}

// removeRefresh elimina rt:<jti> si cond(record) es true. Registros ilegibles
// se eliminan siempre.
func (m *Manager) removeRefresh(ctx context.Context, jti string, cond func(RefreshRecord) bool) (bool, error) {
	var removed bool
	err := m.store.Update(ctx, refreshPrefix+jti, func(cur []byte, found bool) (cache.Mutation, error) {
		removed = false
		if !found {
			return cache.Keep(), nil
		}
		var rec RefreshRecord
		if json.Unmarshal(cur, &rec) == nil && !cond(rec) {
			return cache.Keep(), nil
		}
		removed = true
		return cache.Remove(), nil
	})
	if err != nil {
		return false, fmt.Errorf("jwt: remove refresh: %w", err)
	}
	return removed, nil
}

func (m *Manager) indexGet(ctx context.Context, subject string) ([]string, error) {
	b, err := m.store.Get(ctx, subjectPrefix+subject)
	if cache.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jwt: subject index: %w", err)
	}
	var jtis []string
	if err := json.Unmarshal(b, &jtis); err != nil {
		return nil, nil
	}
	return jtis, nil
}

func (m *Manager) indexAdd(ctx context.Context, subject, jti string) error {
	return m.store.Update(ctx, subjectPrefix+subject, func(cur []byte, found bool) (cache.Mutation, error) {
		var jtis []string
		if found {
			_ = json.Unmarshal(cur, &jtis)
		}
		jtis = append(jtis, jti)
		b, err := json.Marshal(jtis)
		if err != nil {
			return cache.Mutation{}, err
		}
		return cache.Put(b, m.refTTL+m.skew), nil
	})
}

// indexRemove es best effort: un jti huérfano en el índice se limpia en el
// próximo sweep.
func (m *Manager) indexRemove(ctx context.Context, subject, jti string) {
	err := m.store.Update(ctx, subjectPrefix+subject, func(cur []byte, found bool) (cache.Mutation, error) {
		if !found {
			return cache.Keep(), nil
		}
		var jtis []string
		_ = json.Unmarshal(cur, &jtis)
		out := jtis[:0:0]
		for _, j := range jtis {
			if j != jti {
				out = append(out, j)
			}
		}
		if len(out) == 0 {
			return cache.Remove(), nil
		}
		b, err := json.Marshal(out)
		if err != nil {
			return cache.Mutation{}, err
		}
		return cache.Put(b, m.refTTL+m.skew), nil
	})
	if err != nil {
		logger.L().Warn("refresh index update failed",
			logger.Component("jwt"), logger.Subject(subject), logger.TokenID(jti), logger.Err(err))
	}
}

func (m *Manager) compactIndexes(ctx context.Context) error {
	keys, err := m.store.Keys(ctx, subjectPrefix)
	if err != nil {
		return fmt.Errorf("jwt: sweep list index: %w", err)
	}
	for _, k := range keys {
		jtis, err := m.indexGet(ctx, strings.TrimPrefix(k, subjectPrefix))
		if err != nil {
			return err
		}
		for _, jti := range jtis {
			ok, err := m.store.Exists(ctx, refreshPrefix+jti)
			if err != nil {
				return fmt.Errorf("jwt: sweep index: %w", err)
			}
			if !ok {
				m.indexRemove(ctx, strings.TrimPrefix(k, subjectPrefix), jti)
			}
		}
	}
	return nil
}

func accessFrom(wc *wireClaims) *AccessClaims {
	return &AccessClaims{
		Sub:       wc.Subject,
		JTI:       wc.ID,
		IssuedAt:  wc.IssuedAt.Time,
		ExpiresAt: wc.ExpiresAt.Time,
		Custom:    wc.Custom,
	}
}

func refreshFrom(wc *wireClaims) *RefreshClaims {
	return &RefreshClaims{
		Sub:       wc.Subject,
		JTI:       wc.ID,
		IssuedAt:  wc.IssuedAt.Time,
		ExpiresAt: wc.ExpiresAt.Time,
	}
}
