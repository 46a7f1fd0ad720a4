package jwt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/authguard/internal/cache"
	"github.com/dropDatabas3/authguard/internal/domain/autherr"
	"github.com/dropDatabas3/authguard/internal/util/clock"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestManager(t *testing.T) (*Manager, *clock.Fake, cache.Client) {
	t.Helper()
	store := cache.NewMemory("test:")
	t.Cleanup(func() { _ = store.Close() })
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	m, err := NewManager(store, Config{
		SigningKey: testKey,
		Issuer:     "authguard",
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		ClockSkew:  5 * time.Second,
		Clock:      clk,
	})
	require.NoError(t, err)
	return m, clk, store
}

// hookStore deja interceptar los Set del store.
type hookStore struct {
	cache.Client
	onSet func(key string) error
}

func (s *hookStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.onSet != nil {
		if err := s.onSet(key); err != nil {
			return err
		}
	}
	return s.Client.Set(ctx, key, value, ttl)
}

func newHookedManager(t *testing.T) (*Manager, *hookStore) {
	t.Helper()
	mem := cache.NewMemory("test:")
	t.Cleanup(func() { _ = mem.Close() })
	hs := &hookStore{Client: mem}
	m, err := NewManager(hs, Config{
		SigningKey: testKey,
		AccessTTL:  30 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
		Clock:      clock.NewFake(time.Unix(1_700_000_000, 0)),
	})
	require.NoError(t, err)
	return m, hs
}

func requireKind(t *testing.T, err error, k autherr.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, k, autherr.KindOf(err), "got %v", err)
}

func TestNewManager_RejectsBadConfig(t *testing.T) {
	store := cache.NewMemory("")
	_, err := NewManager(store, Config{SigningKey: []byte("short"), AccessTTL: time.Minute, RefreshTTL: time.Hour})
	require.Error(t, err)
	_, err = NewManager(store, Config{SigningKey: testKey, RefreshTTL: time.Hour})
	require.Error(t, err)
	_, err = NewManager(nil, Config{SigningKey: testKey, AccessTTL: time.Minute, RefreshTTL: time.Hour})
	require.Error(t, err)
}

func TestAccessToken_RoundTrip(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()

	raw, err := m.IssueAccessToken("alice", map[string]any{"tenant": "acme", "admin": true})
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(raw, "."))

	claims, err := m.VerifyAccess(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject())
	require.NotEmpty(t, claims.TokenID())
	require.Equal(t, "acme", claims.Custom["tenant"])
	require.Equal(t, true, claims.Custom["admin"])
	require.WithinDuration(t, clk.Now(), claims.IssuedAt, 0)
	require.WithinDuration(t, clk.Now().Add(30*time.Minute), claims.ExpiresAt, 0)
}

func TestAccessToken_CustomClaimsKeepTheirShape(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	in := map[string]any{
		"level":  3,
		"ids":    []string{"a", "b"},
		"scope":  map[string]any{"org": "acme", "seats": 12},
		"tenant": "acme",
	}
	raw, err := m.IssueAccessToken("alice", in)
	require.NoError(t, err)

	claims, err := m.VerifyAccess(ctx, raw)
	require.NoError(t, err)

	want, err := NormalizeClaims(in)
	require.NoError(t, err)
	require.Equal(t, want, claims.Custom)

	level, ok := claims.Int64("level")
	require.True(t, ok)
	require.Equal(t, int64(3), level)
	ids, ok := claims.Strings("ids")
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, ids)
	tenant, ok := claims.String("tenant")
	require.True(t, ok)
	require.Equal(t, "acme", tenant)
	_, ok = claims.Strings("level")
	require.False(t, ok)

	// la forma canónica vuelve idéntica
	canonical := map[string]any{"level": json.Number("3"), "ids": []any{"a"}}
	raw, err = m.IssueAccessToken("alice", canonical)
	require.NoError(t, err)
	claims, err = m.VerifyAccess(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, canonical, claims.Custom)
}

func TestIssueAccessToken_RejectsUnencodableClaims(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.IssueAccessToken("alice", map[string]any{"ch": make(chan int)})
	require.Error(t, err)
}

func TestAccessToken_Expiry(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()
	raw, err := m.IssueAccessToken("alice", nil)
	require.NoError(t, err)

	clk.Advance(30*time.Minute - time.Second)
	_, err = m.Verify(ctx, raw, TypeAccess)
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = m.Verify(ctx, raw, TypeAccess)
	requireKind(t, err, autherr.TokenExpired)
}

func TestVerify_WrongType(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	access, err := m.IssueAccessToken("alice", nil)
	require.NoError(t, err)
	refresh, err := m.IssueRefreshToken(ctx, "alice")
	require.NoError(t, err)

	_, err = m.Verify(ctx, access, TypeRefresh)
	requireKind(t, err, autherr.TokenWrongType)
	_, err = m.Verify(ctx, refresh, TypeAccess)
	requireKind(t, err, autherr.TokenWrongType)
	_, err = m.ConsumeRefresh(ctx, access)
	requireKind(t, err, autherr.TokenWrongType)
}

func TestVerify_InvalidSignature(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()

	other, err := NewManager(cache.NewMemory(""), Config{
		SigningKey: []byte("ffffffffffffffffffffffffffffffff"),
		Issuer:     "authguard",
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
		Clock:      clk,
	})
	require.NoError(t, err)
	forged, err := other.IssueAccessToken("alice", nil)
	require.NoError(t, err)

	_, err = m.Verify(ctx, forged, TypeAccess)
	requireKind(t, err, autherr.InvalidSignature)

	raw, err := m.IssueAccessToken("alice", nil)
	require.NoError(t, err)
	tampered := raw[:len(raw)-2] + flip(raw[len(raw)-2:])
	_, err = m.Verify(ctx, tampered, TypeAccess)
	require.Error(t, err)
	require.Contains(t, []autherr.Kind{autherr.InvalidSignature, autherr.TokenMalformed}, autherr.KindOf(err))
}

func flip(s string) string {
	if s[0] == 'A' {
		return "B" + s[1:]
	}
	return "A" + s[1:]
}

func TestVerify_Malformed(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()

	for _, raw := range []string{"", "abc", "a.b.c"} {
		_, err := m.Verify(ctx, raw, TypeAccess)
		requireKind(t, err, autherr.TokenMalformed)
	}

	// alg distinto de HS256
	_, err := m.Verify(ctx, "eyJhbGciOiJub25lIn0.e30.", TypeAccess)
	requireKind(t, err, autherr.InvalidSignature)

	// iat más allá del skew
	future := wireClaims{
		RegisteredClaims: jwtv5.RegisteredClaims{
			Issuer:    "authguard",
			Subject:   "alice",
			ID:        "jti-1",
			IssuedAt:  jwtv5.NewNumericDate(clk.Now().Add(time.Minute)),
			ExpiresAt: jwtv5.NewNumericDate(clk.Now().Add(time.Hour)),
		},
		Type: TypeAccess,
	}
	raw, err := m.sign(future)
	require.NoError(t, err)
	_, err = m.Verify(ctx, raw, TypeAccess)
	requireKind(t, err, autherr.TokenMalformed)

	// dentro del skew se acepta
	future.IssuedAt = jwtv5.NewNumericDate(clk.Now().Add(4 * time.Second))
	raw, err = m.sign(future)
	require.NoError(t, err)
	_, err = m.Verify(ctx, raw, TypeAccess)
	require.NoError(t, err)

	// exp <= iat
	future.IssuedAt = jwtv5.NewNumericDate(clk.Now())
	future.ExpiresAt = jwtv5.NewNumericDate(clk.Now())
	raw, err = m.sign(future)
	require.NoError(t, err)
	_, err = m.Verify(ctx, raw, TypeAccess)
	requireKind(t, err, autherr.TokenMalformed)

	// tipo desconocido
	future.ExpiresAt = jwtv5.NewNumericDate(clk.Now().Add(time.Hour))
	future.Type = "id"
	raw, err = m.sign(future)
	require.NoError(t, err)
	_, err = m.Verify(ctx, raw, TypeAccess)
	requireKind(t, err, autherr.TokenMalformed)
}

func TestRevoke_AccessIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	raw, err := m.IssueAccessToken("alice", nil)
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, raw))
	require.NoError(t, m.Revoke(ctx, raw))

	_, err = m.Verify(ctx, raw, TypeAccess)
	requireKind(t, err, autherr.TokenRevoked)
}

func TestRevoke_ExpiredAccessIsNoop(t *testing.T) {
	m, clk, store := newTestManager(t)
	ctx := context.Background()
	raw, err := m.IssueAccessToken("alice", nil)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	require.NoError(t, m.Revoke(ctx, raw))
	keys, err := store.Keys(ctx, blacklistPrefix)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestRefreshToken_Lifecycle(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()

	raw, err := m.IssueRefreshToken(ctx, "alice")
	require.NoError(t, err)

	clk.Advance(time.Hour)
	c, err := m.Verify(ctx, raw, TypeRefresh)
	require.NoError(t, err)
	require.Equal(t, "alice", c.Subject())

	live, err := m.ListRefresh(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, live, 1)
	require.WithinDuration(t, clk.Now(), live[c.TokenID()].LastUsedAt, 0)

	require.NoError(t, m.Revoke(ctx, raw))
	_, err = m.Verify(ctx, raw, TypeRefresh)
	requireKind(t, err, autherr.TokenRevoked)
	require.NoError(t, m.Revoke(ctx, raw))

	live, err = m.ListRefresh(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, live)
}

func TestRefreshToken_ExpiresAfterTTL(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()
	raw, err := m.IssueRefreshToken(ctx, "alice")
	require.NoError(t, err)

	clk.Advance(7 * 24 * time.Hour)
	_, err = m.Verify(ctx, raw, TypeRefresh)
	requireKind(t, err, autherr.TokenExpired)
}

func TestConsumeRefresh_SingleUse(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	raw, err := m.IssueRefreshToken(ctx, "alice")
	require.NoError(t, err)

	var wins, revoked atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.ConsumeRefresh(ctx, raw)
			switch {
			case err == nil:
				wins.Add(1)
			case autherr.Is(err, autherr.TokenRevoked):
				revoked.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())
	require.EqualValues(t, 15, revoked.Load())
}

func TestRevokeAllForSubject(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	var alice []string
	for i := 0; i < 3; i++ {
		raw, err := m.IssueRefreshToken(ctx, "alice")
		require.NoError(t, err)
		alice = append(alice, raw)
	}
	bob, err := m.IssueRefreshToken(ctx, "bob")
	require.NoError(t, err)

	n, err := m.RevokeAllForSubject(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	for _, raw := range alice {
		_, err := m.Verify(ctx, raw, TypeRefresh)
		requireKind(t, err, autherr.TokenRevoked)
	}
	_, err = m.Verify(ctx, bob, TypeRefresh)
	require.NoError(t, err)

	n, err = m.RevokeAllForSubject(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSweepExpired(t *testing.T) {
	m, clk, store := newTestManager(t)
	ctx := context.Background()

	_, err := m.IssueRefreshToken(ctx, "alice")
	require.NoError(t, err)
	access, err := m.IssueAccessToken("alice", nil)
	require.NoError(t, err)
	require.NoError(t, m.Revoke(ctx, access))

	res, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, res)

	clk.Advance(31 * time.Minute)
	res, err = m.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Blacklist: 1}, res)

	clk.Advance(7 * 24 * time.Hour)
	fresh, err := m.IssueRefreshToken(ctx, "alice")
	require.NoError(t, err)
	res, err = m.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Refresh: 1}, res)

	_, err = m.Verify(ctx, fresh, TypeRefresh)
	require.NoError(t, err)
	idx, err := m.indexGet(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, idx, 1)

	keys, err := store.Keys(ctx, refreshPrefix)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestIssueRefreshToken_StoreFailureLeavesNoIndexEntry(t *testing.T) {
	m, hs := newHookedManager(t)
	ctx := context.Background()
	errDown := errors.New("store down")
	hs.onSet = func(key string) error {
		if strings.HasPrefix(key, refreshPrefix) {
			return errDown
		}
		return nil
	}

	_, err := m.IssueRefreshToken(ctx, "alice")
	require.ErrorIs(t, err, errDown)

	jtis, err := m.indexGet(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, jtis)
}

func TestIssueRefreshToken_RevokeAllDuringIssue(t *testing.T) {
	m, hs := newHookedManager(t)
	ctx := context.Background()
	hs.onSet = func(key string) error {
		if strings.HasPrefix(key, refreshPrefix) {
			_, err := m.RevokeAllForSubject(ctx, "alice")
			return err
		}
		return nil
	}

	_, err := m.IssueRefreshToken(ctx, "alice")
	require.ErrorIs(t, err, errRevokedWhileIssuing)

	keys, err := hs.Keys(ctx, refreshPrefix)
	require.NoError(t, err)
	require.Empty(t, keys)
	live, err := m.ListRefresh(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, live)
}
