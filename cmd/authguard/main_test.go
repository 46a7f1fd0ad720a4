package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTOTPCode_FixedTime(t *testing.T) {
	out, err := run(t, "totp", "code", "--secret", "JBSWY3DPEHPK3PXP", "--at", "59")
	require.NoError(t, err)
	require.Contains(t, out, "996554")
}

func TestTOTPCode_JSON(t *testing.T) {
	out, err := run(t, "--out", "json", "totp", "code", "--secret", "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ", "--at", "59")
	require.NoError(t, err)

	var got struct {
		Code      string `json:"code"`
		Counter   int64  `json:"counter"`
		Remaining int64  `json:"remaining_seconds"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, "287082", got.Code)
	require.Equal(t, int64(1), got.Counter)
	require.Equal(t, int64(1), got.Remaining)
}

func TestTOTPCode_RequiresSecret(t *testing.T) {
	_, err := run(t, "totp", "code")
	require.Error(t, err)

	_, err = run(t, "totp", "code", "--secret", "not base32!")
	require.Error(t, err)
}

func TestAdmin_RequiresTarget(t *testing.T) {
	_, err := run(t, "admin", "unlock")
	require.ErrorContains(t, err, "--subject")

	_, err = run(t, "admin", "unblock")
	require.ErrorContains(t, err, "--ip")
}

func TestAdmin_RequiresSharedStore(t *testing.T) {
	t.Setenv("AUTHGUARD_CONFIG", "")
	t.Setenv("AUTHGUARD_CACHE_KIND", "memory")
	t.Setenv("AUTHGUARD_JWT_SECRET", "0123456789abcdef0123456789abcdef")

	for _, args := range [][]string{
		{"admin", "unlock", "--subject", "alice"},
		{"admin", "unblock", "--ip", "192.0.2.1"},
		{"admin", "status", "--subject", "alice"},
	} {
		out, err := run(t, args...)
		require.ErrorContains(t, err, "cache.kind=redis")
		require.NotContains(t, out, "unlocked")
		require.NotContains(t, out, "unblocked")
	}
}
