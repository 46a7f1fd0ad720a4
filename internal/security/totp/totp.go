// Package totp implementa TOTP (RFC 6238) sobre HOTP (RFC 4226) con
// HMAC-SHA1, período de 30s y 6 dígitos.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

const (
	Period     = 30
	Digits     = 6
	SecretSize = 20
	modulo     = 1_000_000
)

// offsets en orden de verificación: período actual primero, luego la
// tolerancia de drift hacia atrás y adelante.
var offsets = [...]int64{0, -1, 1}

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrInvalidSecret: el secreto no es base32 válido o está vacío.
var ErrInvalidSecret = errors.New("totp: invalid secret")

// GenerateSecret lee 20 bytes de rnd y los retorna en base32 sin padding.
func GenerateSecret(rnd io.Reader) (raw []byte, encoded string, err error) {
	raw = make([]byte, SecretSize)
	if _, err = io.ReadFull(rnd, raw); err != nil {
		return nil, "", fmt.Errorf("totp: rng failure: %w", err)
	}
	return raw, b32.EncodeToString(raw), nil
}

// DecodeSecret acepta base32 con o sin padding, espacios y minúsculas.
func DecodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	s = strings.TrimRight(s, "=")
	if s == "" {
		return nil, ErrInvalidSecret
	}
	raw, err := b32.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidSecret
	}
	return raw, nil
}

// OTPAuthURL construye el URI otpauth:// para el QR de provisioning.
func OTPAuthURL(issuer, accountName, secretB32 string) string {
	label := url.PathEscape(fmt.Sprintf("%s:%s", issuer, accountName))
	q := url.Values{}
	q.Set("secret", secretB32)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", fmt.Sprint(Digits))
	q.Set("period", fmt.Sprint(Period))
	return fmt.Sprintf("otpauth://totp/%s?%s", label, q.Encode())
}

// Counter retorna floor(unix/30).
func Counter(t time.Time) int64 {
	return t.Unix() / Period
}

// CodeAt retorna el código de 6 dígitos para el instante t.
func CodeAt(secretRaw []byte, t time.Time) string {
	return HOTP(secretRaw, Counter(t))
}

// HOTP(K, C) con HMAC-SHA1 y dynamic truncation (RFC 4226 §5.3).
func HOTP(secretRaw []byte, counter int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))
	m := hmac.New(sha1.New, secretRaw)
	_, _ = m.Write(msg[:])
	sum := m.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	bin := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", Digits, bin%modulo)
}

// Verify compara code contra los períodos {0, -1, +1} alrededor de t; el
// primer offset que coincide gana y se retorna su contador.
func Verify(secretRaw []byte, code string, t time.Time) (ok bool, counter int64) {
	code = strings.TrimSpace(code)
	if len(code) != Digits || len(secretRaw) == 0 {
		return false, 0
	}
	base := Counter(t)
	for _, off := range offsets {
		c := base + off
		if hmac.Equal([]byte(HOTP(secretRaw, c)), []byte(code)) {
			return true, c
		}
	}
	return false, 0
}
