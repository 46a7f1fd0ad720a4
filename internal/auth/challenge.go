package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dropDatabas3/authguard/internal/cache"
	tokens "github.com/dropDatabas3/authguard/internal/security/token"
	"github.com/dropDatabas3/authguard/internal/util/clock"
)

const (
	challengePrefix = "mfa:challenge:"
	totpStepPrefix  = "mfa:step:"
	// cubre la ventana de drift (-1, 0, +1) con margen
	totpStepTTL = 2 * time.Minute
)

// pendingChallenge liga el paso MFA al subject y al cliente que pasó el
// password. Se guarda bajo el SHA-256 del token, nunca el token en claro.
type pendingChallenge struct {
	Subject     string    `json:"sub"`
	Fingerprint string    `json:"fp"`
	ExpiresAt   time.Time `json:"exp"`
}

type challengeStore struct {
	kv  cache.Client
	ttl time.Duration
	rnd tokens.Generator
	clk clock.Clock
	fp  func(userAgent, ip string) string
}

func (s *challengeStore) key(token string) string {
	return challengePrefix + tokens.SHA256Hex(token)
}

func (s *challengeStore) create(ctx context.Context, subject, ua, ip string) (string, error) {
	token, err := s.rnd.Opaque(32)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(pendingChallenge{
		Subject:     subject,
		Fingerprint: s.fp(ua, ip),
		ExpiresAt:   s.clk.Now().Add(s.ttl),
	})
	if err != nil {
		return "", err
	}
	if err := s.kv.Set(ctx, s.key(token), b, s.ttl); err != nil {
		return "", fmt.Errorf("store challenge: %w", err)
	}
	return token, nil
}

// check verifica sin consumir que el challenge exista y corresponda.
func (s *challengeStore) check(ctx context.Context, token, subject, ua, ip string) (bool, error) {
	if token == "" {
		return false, nil
	}
	b, err := s.kv.Get(ctx, s.key(token))
	if cache.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var pc pendingChallenge
	if json.Unmarshal(b, &pc) != nil || !s.clk.Now().Before(pc.ExpiresAt) {
		return false, nil
	}
	okSubject := subtle.ConstantTimeCompare([]byte(pc.Subject), []byte(subject)) == 1
	okFP := subtle.ConstantTimeCompare([]byte(pc.Fingerprint), []byte(s.fp(ua, ip))) == 1
	return okSubject && okFP, nil
}

// consume elimina el challenge. false si otro request ya lo consumió.
func (s *challengeStore) consume(ctx context.Context, token string) (bool, error) {
	var found bool
	err := s.kv.Update(ctx, s.key(token), func(_ []byte, ok bool) (cache.Mutation, error) {
		found = ok
		if !ok {
			return cache.Keep(), nil
		}
		return cache.Remove(), nil
	})
	return found, err
}

// claimStep registra step como el último contador TOTP aceptado del subject.
// false si ya se aceptó ese contador o uno posterior.
func (s *challengeStore) claimStep(ctx context.Context, subject string, step int64) (bool, error) {
	var fresh bool
	err := s.kv.Update(ctx, totpStepPrefix+subject, func(cur []byte, found bool) (cache.Mutation, error) {
		fresh = false
		if found {
			if last, err := strconv.ParseInt(string(cur), 10, 64); err == nil && last >= step {
				return cache.Keep(), nil
			}
		}
		fresh = true
		return cache.Put([]byte(strconv.FormatInt(step, 10)), totpStepTTL), nil
	})
	return fresh, err
}
