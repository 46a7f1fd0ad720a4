// Package autherr define la taxonomía cerrada de fallos de autenticación
// esperables. Son parte del flujo normal: nunca se loguean con stacktrace ni
// con material secreto.
//
// Los fallos de infraestructura (store caído, RNG roto) NO son *Error: viajan
// como errores Go comunes envueltos con %w y se tratan como fatales para el
// request (deny).
package autherr

import (
	"errors"
	"time"
)

// Kind identifica el tipo de fallo.
type Kind int

const (
	// InvalidCredentials es deliberadamente ambiguo: cuenta inexistente,
	// password incorrecto o código MFA inválido producen el mismo Kind.
	InvalidCredentials Kind = iota + 1
	TokenExpired
	TokenRevoked
	TokenMalformed
	TokenWrongType
	InvalidSignature
	SessionNotFound
	SessionExpired
	SessionFingerprintMismatch
	AccountLocked
	IPBlocked
	RateLimited
)

var kindNames = map[Kind]string{
	InvalidCredentials:         "invalid_credentials",
	TokenExpired:               "token_expired",
	TokenRevoked:               "token_revoked",
	TokenMalformed:             "token_malformed",
	TokenWrongType:             "token_wrong_type",
	InvalidSignature:           "invalid_signature",
	SessionNotFound:            "session_not_found",
	SessionExpired:             "session_expired",
	SessionFingerprintMismatch: "session_fingerprint_mismatch",
	AccountLocked:              "account_locked",
	IPBlocked:                  "ip_blocked",
	RateLimited:                "rate_limited",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error es un fallo de autenticación esperado.
// UnlockAt se completa para AccountLocked/IPBlocked; RetryAfter para RateLimited.
type Error struct {
	Kind       Kind
	UnlockAt   time.Time
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return "auth: " + e.Kind.String()
}

// Is permite errors.Is(err, &Error{Kind: X}) comparando solo el Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Recoverable indica si el fallo se resuelve esperando (lockout, block, rate limit).
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case AccountLocked, IPBlocked, RateLimited:
		return true
	}
	return false
}

// New crea un *Error del Kind dado.
func New(k Kind) *Error { return &Error{Kind: k} }

// Locked crea un AccountLocked con su hora de desbloqueo.
func Locked(unlockAt time.Time) *Error {
	return &Error{Kind: AccountLocked, UnlockAt: unlockAt}
}

// Blocked crea un IPBlocked con su hora de desbloqueo.
func Blocked(unlockAt time.Time) *Error {
	return &Error{Kind: IPBlocked, UnlockAt: unlockAt}
}

// Limited crea un RateLimited con el tiempo de espera sugerido.
func Limited(retryAfter time.Duration) *Error {
	return &Error{Kind: RateLimited, RetryAfter: retryAfter}
}

// As extrae el *Error de una cadena de errores.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf retorna el Kind del error, o 0 si no es un fallo de auth
// (es decir, es un fallo de infraestructura o nil).
func KindOf(err error) Kind {
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return 0
}

// Is verifica si err es un fallo de auth del Kind dado.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
