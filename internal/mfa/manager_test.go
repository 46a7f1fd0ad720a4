package mfa

import (
	"bytes"
	"regexp"
	"testing"
	"time"

	tokens "github.com/dropDatabas3/authguard/internal/security/token"
	"github.com/dropDatabas3/authguard/internal/security/totp"
	"github.com/dropDatabas3/authguard/internal/util/clock"
	"github.com/stretchr/testify/require"
)

var codeFormat = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}$`)

func newManager(t *testing.T, at time.Time) (*Manager, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(at)
	return NewManager(Config{Issuer: "Acme", Clock: clk}), clk
}

func TestEnroll(t *testing.T) {
	m, _ := newManager(t, time.Unix(1_700_000_000, 0))
	e, err := m.Enroll("alice")
	require.NoError(t, err)

	raw, err := totp.DecodeSecret(e.Secret)
	require.NoError(t, err)
	require.Len(t, raw, 20)
	require.Contains(t, e.ProvisioningURI, "otpauth://totp/Acme:alice?")
	require.Len(t, e.BackupCodes, 8)
	require.Len(t, e.BackupCodeHashes, 8)

	seen := map[string]bool{}
	for i, c := range e.BackupCodes {
		require.Regexp(t, codeFormat, c)
		require.Equal(t, HashBackupCode(c), e.BackupCodeHashes[i])
		seen[c] = true
	}
	require.Len(t, seen, 8, "codes should be unique")
}

func TestVerify_TOTP(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m, clk := newManager(t, now)
	e, err := m.Enroll("alice")
	require.NoError(t, err)
	raw, _ := totp.DecodeSecret(e.Secret)

	code := totp.CodeAt(raw, now)
	res, err := m.Verify(e.Secret, code, e.BackupCodeHashes)
	require.NoError(t, err)
	require.Equal(t, Result{Valid: true, Method: MethodTOTP, Step: totp.Counter(now)}, res)

	// período anterior sigue valiendo (drift), dos períodos después no
	clk.Advance(30 * time.Second)
	res, _ = m.Verify(e.Secret, code, nil)
	require.True(t, res.Valid)
	require.Equal(t, totp.Counter(now), res.Step)
	clk.Advance(60 * time.Second)
	res, _ = m.Verify(e.Secret, code, nil)
	require.False(t, res.Valid)
	require.Equal(t, MethodNone, res.Method)
}

func TestVerify_BackupCodeSingleUse(t *testing.T) {
	m, _ := newManager(t, time.Unix(1_700_000_000, 0))
	e, err := m.Enroll("alice")
	require.NoError(t, err)

	hashes := e.BackupCodeHashes
	// el usuario tipea en minúsculas y sin guion
	typed := "  " + e.BackupCodes[3][:4] + e.BackupCodes[3][5:] + " "
	typed = string(bytes.ToLower([]byte(typed)))

	res, err := m.Verify(e.Secret, typed, hashes)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, MethodBackup, res.Method)
	require.Equal(t, e.BackupCodeHashes[3], res.ConsumedHash)

	// el caller remueve el hash consumido: el segundo uso falla
	hashes = RemoveHash(hashes, res.ConsumedHash)
	require.Len(t, hashes, 7)
	res, err = m.Verify(e.Secret, e.BackupCodes[3], hashes)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Empty(t, res.ConsumedHash)
}

func TestVerify_CorruptSecretIsInfraError(t *testing.T) {
	m, _ := newManager(t, time.Now())
	_, err := m.Verify("not*base32", "123456", nil)
	require.Error(t, err)
}

func TestVerify_GarbageNeverMatches(t *testing.T) {
	m, _ := newManager(t, time.Now())
	e, _ := m.Enroll("bob")
	for _, c := range []string{"", "----", "!!!!", "ZZZZ-ZZZZ-ZZZZ"} {
		res, err := m.Verify(e.Secret, c, e.BackupCodeHashes)
		require.NoError(t, err)
		require.False(t, res.Valid, c)
	}
}

func TestGenerateBackupCodes_DeterministicReader(t *testing.T) {
	// bytes 0..35 mapean al alfabeto en orden; 252..255 se descartan
	src := []byte{255, 0, 1, 2, 3, 252, 4, 5, 6, 7}
	codes, err := GenerateBackupCodes(tokens.Generator{Rand: bytes.NewReader(append(src, make([]byte, 64)...))}, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"ABCD-EFGH"}, codes)
}

func TestNormalizeCode(t *testing.T) {
	require.Equal(t, "ABCD1234", NormalizeCode(" abcd-12_34 "))
	require.Equal(t, HashBackupCode("ABCD-1234"), HashBackupCode("abcd1234"))
}
