package jwt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
)

// TokenType discrimina las variantes de token. Viaja en el claim "type".
type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

// Claims es la variante decodificada de un token verificado. Solo la
// implementan *AccessClaims y *RefreshClaims.
type Claims interface {
	Type() TokenType
	Subject() string
	TokenID() string
	sealed()
}

// AccessClaims: token de acceso, stateless salvo la blacklist. Custom está
// en forma JSON canónica (ver NormalizeClaims).
type AccessClaims struct {
	Sub       string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Custom    map[string]any
}

func (c *AccessClaims) Type() TokenType { return TypeAccess }
func (c *AccessClaims) Subject() string { return c.Sub }
func (c *AccessClaims) TokenID() string { return c.JTI }
func (c *AccessClaims) sealed()         {}

// String retorna el claim custom key si es string.
func (c *AccessClaims) String(key string) (string, bool) {
	v, ok := c.Custom[key].(string)
	return v, ok
}

// Strings retorna el claim custom key si es un array de strings.
func (c *AccessClaims) Strings(key string) ([]string, bool) {
	arr, ok := c.Custom[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// Int64 retorna el claim custom key si es un entero.
func (c *AccessClaims) Int64(key string) (int64, bool) {
	n, ok := c.Custom[key].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := n.Int64()
	return v, err == nil
}

// NormalizeClaims lleva los claims custom a la forma en que vuelven de un
// token verificado: números como json.Number, arrays como []any y objetos
// como map[string]any. Falla si algún valor no es serializable a JSON.
func NormalizeClaims(custom map[string]any) (map[string]any, error) {
	if len(custom) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(custom)
	if err != nil {
		return nil, fmt.Errorf("jwt: custom claims: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("jwt: custom claims: %w", err)
	}
	return out, nil
}

// RefreshClaims: token de refresco, vivo mientras su jti esté en el store.
type RefreshClaims struct {
	Sub       string
	JTI       string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (c *RefreshClaims) Type() TokenType { return TypeRefresh }
func (c *RefreshClaims) Subject() string { return c.Sub }
func (c *RefreshClaims) TokenID() string { return c.JTI }
func (c *RefreshClaims) sealed()         {}

// wireClaims es la forma JSON firmada. Los claims custom van anidados para
// que nunca pisen los registrados.
type wireClaims struct {
	jwtv5.RegisteredClaims
	Type   TokenType      `json:"type"`
	Custom map[string]any `json:"custom,omitempty"`
}

// RefreshRecord es el estado de un refresh token vivo, guardado por jti.
type RefreshRecord struct {
	Subject    string    `json:"sub"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// SweepResult cuenta lo eliminado por SweepExpired.
type SweepResult struct {
	Refresh   int
	Blacklist int
}
