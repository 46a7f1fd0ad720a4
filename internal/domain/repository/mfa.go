package repository

import "time"

// MFAEnrollment es el enrolamiento TOTP activo de un sujeto. Hay como máximo
// uno por sujeto. BackupCodeHashes guarda SHA-256 hex de cada código de
// respaldo aún no usado; los códigos en claro nunca se persisten.
type MFAEnrollment struct {
	Subject          string
	Secret           string // base32 sin padding
	BackupCodeHashes []string
	CreatedAt        time.Time
}

// HasBackupCodes indica si quedan códigos de respaldo disponibles.
func (e *MFAEnrollment) HasBackupCodes() bool {
	return e != nil && len(e.BackupCodeHashes) > 0
}
