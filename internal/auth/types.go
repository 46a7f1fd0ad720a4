package auth

import (
	"time"

	"github.com/dropDatabas3/authguard/internal/throttle"
)

// Status de un intento de login o verificación MFA.
type Status string

const (
	StatusSuccess     Status = "SUCCESS"
	StatusMFARequired Status = "MFA_REQUIRED"
	StatusLocked      Status = "LOCKED"
	StatusRateLimited Status = "RATE_LIMITED"
)

// LoginRequest: el password ya fue verificado afuera (PasswordOK) o se
// verifica con el PasswordVerifier configurado (Password).
type LoginRequest struct {
	Subject    string
	PasswordOK bool
	UserAgent  string
	IP         string
}

// PasswordLoginRequest delega la verificación al PasswordVerifier.
type PasswordLoginRequest struct {
	Subject   string
	Password  string
	UserAgent string
	IP        string
}

// MFARequest completa un login que devolvió MFA_REQUIRED. Challenge es el
// token opaco entregado en ese resultado.
type MFARequest struct {
	Subject   string
	Challenge string
	Code      string
	UserAgent string
	IP        string
}

// Result de Login y VerifyMFA. Solo los campos del Status correspondiente
// vienen completos.
type Result struct {
	Status Status

	AccessToken  string
	RefreshToken string
	SessionID    string
	ExpiresIn    time.Duration

	// MFA_REQUIRED
	MFAChallenge string

	// LOCKED / RATE_LIMITED
	Reason     throttle.Reason
	UnlockAt   time.Time
	RetryAfter time.Duration
}

// TokenPair de Refresh. RefreshToken solo viene si hubo rotación.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// LogoutRequest: cualquier campo vacío se ignora.
type LogoutRequest struct {
	SessionID    string
	RefreshToken string
	AccessToken  string
}

// Principal es la identidad autorizada de un request.
type Principal struct {
	Subject     string
	Roles       []string
	SessionID   string
	TokenID     string
	AuthMethods []string
	Claims      map[string]any
}

// HasRole verifica si el principal tiene el rol.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// LogoutCounts de LogoutEverywhere.
type LogoutCounts struct {
	Sessions      int
	RefreshTokens int
}
