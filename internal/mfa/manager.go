// Package mfa implementa el segundo factor: enrolamiento TOTP, verificación
// de códigos TOTP con tolerancia de drift y el ciclo de vida de los códigos
// de respaldo de un solo uso.
package mfa

import (
	"crypto/subtle"
	"fmt"

	tokens "github.com/dropDatabas3/authguard/internal/security/token"
	"github.com/dropDatabas3/authguard/internal/security/totp"
	"github.com/dropDatabas3/authguard/internal/util/clock"
)

// Method indica con qué factor se validó un código.
type Method string

const (
	MethodNone   Method = "none"
	MethodTOTP   Method = "totp"
	MethodBackup Method = "backup"
)

// DefaultBackupCodes es la cantidad de códigos de respaldo por enrolamiento.
const DefaultBackupCodes = 8

// Enrollment es el resultado de Enroll. BackupCodes se muestra una sola vez
// al usuario; solo BackupCodeHashes debe persistirse.
type Enrollment struct {
	Subject          string
	Secret           string
	ProvisioningURI  string
	BackupCodes      []string
	BackupCodeHashes []string
}

// Result de Verify. ConsumedHash se completa solo con MethodBackup: el caller
// debe quitarlo del enrolamiento para que el código sea de un solo uso.
// Step es el contador TOTP que coincidió; el caller lo usa para rechazar la
// reutilización del mismo código.
type Result struct {
	Valid        bool
	Method       Method
	ConsumedHash string
	Step         int64
}

// Config del manager.
type Config struct {
	Issuer      string
	BackupCodes int
	Clock       clock.Clock
	Rand        tokens.Generator
}

type Manager struct {
	issuer      string
	backupCodes int
	clock       clock.Clock
	rnd         tokens.Generator
}

func NewManager(cfg Config) *Manager {
	if cfg.BackupCodes <= 0 {
		cfg.BackupCodes = DefaultBackupCodes
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "authguard"
	}
	return &Manager{
		issuer:      cfg.Issuer,
		backupCodes: cfg.BackupCodes,
		clock:       clock.OrSystem(cfg.Clock),
		rnd:         cfg.Rand,
	}
}

// Enroll genera secreto, URI de provisioning y códigos de respaldo.
func (m *Manager) Enroll(subject string) (*Enrollment, error) {
	_, secret, err := totp.GenerateSecret(m.rnd.Reader())
	if err != nil {
		return nil, err
	}
	codes, err := m.GenerateBackupCodes()
	if err != nil {
		return nil, err
	}
	return &Enrollment{
		Subject:          subject,
		Secret:           secret,
		ProvisioningURI:  totp.OTPAuthURL(m.issuer, subject, secret),
		BackupCodes:      codes,
		BackupCodeHashes: HashBackupCodes(codes),
	}, nil
}

// Verify prueba primero TOTP (offsets 0, -1, +1) y, si no coincide, el
// código normalizado contra availableBackupHashes. Un secreto almacenado
// ilegible es un error de infraestructura, no un código inválido.
func (m *Manager) Verify(secret, candidate string, availableBackupHashes []string) (Result, error) {
	raw, err := totp.DecodeSecret(secret)
	if err != nil {
		return Result{Method: MethodNone}, fmt.Errorf("mfa: stored secret: %w", err)
	}
	if ok, step := totp.Verify(raw, candidate, m.clock.Now()); ok {
		return Result{Valid: true, Method: MethodTOTP, Step: step}, nil
	}

	if h, ok := matchBackupCode(candidate, availableBackupHashes); ok {
		return Result{Valid: true, Method: MethodBackup, ConsumedHash: h}, nil
	}
	return Result{Method: MethodNone}, nil
}

// matchBackupCode recorre todos los hashes sin cortar en el primer match
// para no filtrar la posición por timing.
func matchBackupCode(candidate string, hashes []string) (string, bool) {
	if len(hashes) == 0 || NormalizeCode(candidate) == "" {
		return "", false
	}
	h := HashBackupCode(candidate)
	var found string
	for _, stored := range hashes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(stored)) == 1 {
			found = stored
		}
	}
	return found, found != ""
}
