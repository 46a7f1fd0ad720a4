package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/authguard/internal/cache"
	"github.com/dropDatabas3/authguard/internal/domain/autherr"
	"github.com/dropDatabas3/authguard/internal/util/clock"
)

const (
	ua = "Mozilla/5.0 (X11; Linux x86_64)"
	ip = "203.0.113.7"
)

func newTestStore(t *testing.T, max int) (*Store, *clock.Fake) {
	t.Helper()
	kv := cache.NewMemory("test")
	t.Cleanup(func() { _ = kv.Close() })
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	s, err := NewStore(kv, Config{Timeout: 2 * time.Hour, MaxPerSubject: max, Clock: clk})
	require.NoError(t, err)
	return s, clk
}

func requireKind(t *testing.T, err error, k autherr.Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, k, autherr.KindOf(err), "got %v", err)
}

func TestFingerprint(t *testing.T) {
	s, _ := newTestStore(t, 5)
	sum := sha256.Sum256([]byte(ua + ":" + ip))
	require.Equal(t, hex.EncodeToString(sum[:]), s.Fingerprint(ua, ip))

	keyed, err := NewStore(cache.NewMemory(""), Config{
		Timeout: time.Hour, MaxPerSubject: 1, FingerprintKey: []byte("k"),
	})
	require.NoError(t, err)
	require.NotEqual(t, s.Fingerprint(ua, ip), keyed.Fingerprint(ua, ip))

	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write([]byte(ua + ":" + ip))
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), keyed.Fingerprint(ua, ip))
}

func TestCreateValidate(t *testing.T) {
	s, clk := newTestStore(t, 5)
	ctx := context.Background()

	id, err := s.Create(ctx, "alice", ua, ip)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(id), 22, "id must carry at least 128 bits")

	clk.Advance(time.Hour)
	sess, err := s.Validate(ctx, id, ua, ip)
	require.NoError(t, err)
	require.Equal(t, "alice", sess.Subject)
	require.True(t, sess.Active)
	require.WithinDuration(t, clk.Now(), sess.LastActivityAt, 0)

	// la actividad desliza el timeout
	clk.Advance(2 * time.Hour)
	_, err = s.Validate(ctx, id, ua, ip)
	require.NoError(t, err)
}

func TestValidate_Timeout(t *testing.T) {
	s, clk := newTestStore(t, 5)
	ctx := context.Background()
	id, err := s.Create(ctx, "alice", ua, ip)
	require.NoError(t, err)

	clk.Advance(2*time.Hour + time.Second)
	_, err = s.Validate(ctx, id, ua, ip)
	requireKind(t, err, autherr.SessionExpired)

	_, err = s.Validate(ctx, id, ua, ip)
	requireKind(t, err, autherr.SessionNotFound)
}

func TestValidate_FingerprintMismatchIsPermanent(t *testing.T) {
	s, _ := newTestStore(t, 5)
	ctx := context.Background()
	id, err := s.Create(ctx, "alice", ua, ip)
	require.NoError(t, err)

	_, err = s.Validate(ctx, id, "curl/8.0", ip)
	requireKind(t, err, autherr.SessionFingerprintMismatch)

	for i := 0; i < 3; i++ {
		_, err = s.Validate(ctx, id, ua, ip)
		requireKind(t, err, autherr.SessionNotFound)
	}

	active, err := s.ListActive(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestValidate_IPChangeIsMismatch(t *testing.T) {
	s, _ := newTestStore(t, 5)
	ctx := context.Background()
	id, err := s.Create(ctx, "alice", ua, ip)
	require.NoError(t, err)

	_, err = s.Validate(ctx, id, ua, "198.51.100.1")
	requireKind(t, err, autherr.SessionFingerprintMismatch)
}

func TestValidate_Unknown(t *testing.T) {
	s, _ := newTestStore(t, 5)
	_, err := s.Validate(context.Background(), "nope", ua, ip)
	requireKind(t, err, autherr.SessionNotFound)
	_, err = s.Validate(context.Background(), "", ua, ip)
	requireKind(t, err, autherr.SessionNotFound)
}

func TestCreate_EvictsOldestAtCapacity(t *testing.T) {
	s, clk := newTestStore(t, 5)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 6; i++ {
		id, err := s.Create(ctx, "alice", ua, ip)
		require.NoError(t, err)
		ids = append(ids, id)
		clk.Advance(time.Second)
	}

	_, err := s.Validate(ctx, ids[0], ua, ip)
	requireKind(t, err, autherr.SessionNotFound)
	for _, id := range ids[1:] {
		_, err := s.Validate(ctx, id, ua, ip)
		require.NoError(t, err)
	}

	active, err := s.ListActive(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, active, 5)
	require.Equal(t, ids[1], active[0].ID)
}

func TestCreate_DeadSessionsDoNotCountTowardCapacity(t *testing.T) {
	s, clk := newTestStore(t, 2)
	ctx := context.Background()

	first, err := s.Create(ctx, "alice", ua, ip)
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, err := s.Create(ctx, "alice", ua, ip)
	require.NoError(t, err)

	_, err = s.Validate(ctx, second, "evil", ip)
	requireKind(t, err, autherr.SessionFingerprintMismatch)

	clk.Advance(time.Second)
	_, err = s.Create(ctx, "alice", ua, ip)
	require.NoError(t, err)

	_, err = s.Validate(ctx, first, ua, ip)
	require.NoError(t, err)
}

func TestCreate_ConcurrentRespectsCapacity(t *testing.T) {
	s, _ := newTestStore(t, 5)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Create(ctx, "alice", ua, ip)
		}()
	}
	wg.Wait()

	active, err := s.ListActive(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, active, 5)
}

func TestInvalidate(t *testing.T) {
	s, _ := newTestStore(t, 5)
	ctx := context.Background()
	id, err := s.Create(ctx, "alice", ua, ip)
	require.NoError(t, err)

	require.NoError(t, s.Invalidate(ctx, id))
	require.NoError(t, s.Invalidate(ctx, id))
	_, err = s.Validate(ctx, id, ua, ip)
	requireKind(t, err, autherr.SessionNotFound)
}

func TestInvalidateAllForSubject(t *testing.T) {
	s, _ := newTestStore(t, 5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, "alice", ua, ip)
		require.NoError(t, err)
	}
	bob, err := s.Create(ctx, "bob", ua, ip)
	require.NoError(t, err)

	n, err := s.InvalidateAllForSubject(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	active, err := s.ListActive(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, active)

	_, err = s.Validate(ctx, bob, ua, ip)
	require.NoError(t, err)

	n, err = s.InvalidateAllForSubject(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSweepExpired(t *testing.T) {
	s, clk := newTestStore(t, 5)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, fmt.Sprintf("user-%d", i), ua, ip)
		require.NoError(t, err)
	}
	clk.Advance(90 * time.Minute)
	fresh, err := s.Create(ctx, "alice", ua, ip)
	require.NoError(t, err)

	n, err := s.SweepExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(time.Hour)
	n, err = s.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	_, err = s.Validate(ctx, fresh, ua, ip)
	require.NoError(t, err)

	entries, err := s.index(ctx, "user-0")
	require.NoError(t, err)
	require.Empty(t, entries)
}
