package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// Generator produce identificadores aleatorios a partir de un CSPRNG
// inyectable (crypto/rand por defecto; un reader determinístico en tests).
type Generator struct {
	Rand io.Reader
}

// Default usa crypto/rand.
var Default = Generator{Rand: rand.Reader}

func (g Generator) reader() io.Reader {
	if g.Rand == nil {
		return rand.Reader
	}
	return g.Rand
}

// Bytes lee n bytes aleatorios. Un fallo del RNG es fatal para el request.
func (g Generator) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(g.reader(), b); err != nil {
		return nil, fmt.Errorf("tokens: rng failure: %w", err)
	}
	return b, nil
}

// Opaque genera un token opaco aleatorio (base64url sin padding).
func (g Generator) Opaque(nBytes int) (string, error) {
	b, err := g.Bytes(nBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Reader expone el CSPRNG subyacente (para uuid.NewRandomFromReader).
func (g Generator) Reader() io.Reader { return g.reader() }

// GenerateOpaqueToken genera un token opaco con crypto/rand.
func GenerateOpaqueToken(nBytes int) (string, error) {
	return Default.Opaque(nBytes)
}

// SHA256Hex devuelve sha256(input) en hexadecimal.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
