// Package keys deriva, a partir del secreto maestro configurado, las claves
// independientes que usa cada componente (firma de tokens, fingerprint de
// sesiones). Comprometer una clave derivada no expone las demás.
package keys

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Purposes (info de HKDF).
const (
	PurposeTokenSigning       = "authguard/v1/token-signing"
	PurposeSessionFingerprint = "authguard/v1/session-fingerprint"
)

const keySize = 32

// MinSecretLen es el largo mínimo aceptado del secreto maestro.
const MinSecretLen = 32

var ErrWeakSecret = errors.New("keys: master secret too short")

// Set contiene las claves derivadas.
type Set struct {
	TokenSigning       []byte
	SessionFingerprint []byte
}

// Derive expande secret con HKDF-SHA256 en una clave por propósito.
func Derive(secret []byte) (*Set, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	sign, err := expand(secret, PurposeTokenSigning)
	if err != nil {
		return nil, err
	}
	fp, err := expand(secret, PurposeSessionFingerprint)
	if err != nil {
		return nil, err
	}
	return &Set{TokenSigning: sign, SessionFingerprint: fp}, nil
}

func expand(secret []byte, purpose string) ([]byte, error) {
	out := make([]byte, keySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("keys: derive %s: %w", purpose, err)
	}
	return out, nil
}
