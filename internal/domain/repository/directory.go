package repository

import "context"

// PasswordVerifier valida credenciales fuera del núcleo. El algoritmo de
// hashing no es asunto de este módulo: solo consume el booleano.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, subject, plaintext string) (bool, error)
}

// UserDirectory expone lo que el núcleo necesita saber de un usuario.
type UserDirectory interface {
	// GetMFAEnrollment retorna el enrolamiento activo o (nil, nil) si el
	// sujeto no tiene MFA. Un error indica fallo de infraestructura.
	GetMFAEnrollment(ctx context.Context, subject string) (*MFAEnrollment, error)

	// GetRoles retorna los roles del sujeto (puede ser vacío).
	GetRoles(ctx context.Context, subject string) ([]string, error)

	// ConsumeBackupCode elimina el hash de un código de respaldo usado.
	// Debe ser idempotente; retorna ErrNotFound si el hash ya no estaba.
	ConsumeBackupCode(ctx context.Context, subject, hash string) error
}
