package mfa

import (
	"strings"

	tokens "github.com/dropDatabas3/authguard/internal/security/token"
)

const (
	backupAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	backupCodeLen  = 8
	// mayor múltiplo de 36 que entra en un byte: los bytes >= 252 se
	// descartan para que la distribución sea uniforme.
	rejectAbove = 252
)

// GenerateBackupCodes genera los códigos de respaldo en formato XXXX-XXXX.
func (m *Manager) GenerateBackupCodes() ([]string, error) {
	return GenerateBackupCodes(m.rnd, m.backupCodes)
}

// GenerateBackupCodes genera n códigos XXXX-XXXX con alfabeto A-Z0-9.
func GenerateBackupCodes(rnd tokens.Generator, n int) ([]string, error) {
	codes := make([]string, 0, n)
	for len(codes) < n {
		raw, err := randomAlnum(rnd, backupCodeLen)
		if err != nil {
			return nil, err
		}
		codes = append(codes, raw[:4]+"-"+raw[4:])
	}
	return codes, nil
}

func randomAlnum(rnd tokens.Generator, n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)
	for sb.Len() < n {
		buf, err := rnd.Bytes(n)
		if err != nil {
			return "", err
		}
		for _, b := range buf {
			if b >= rejectAbove {
				continue
			}
			sb.WriteByte(backupAlphabet[int(b)%len(backupAlphabet)])
			if sb.Len() == n {
				break
			}
		}
	}
	return sb.String(), nil
}

// NormalizeCode quita todo lo que no sea alfanumérico y pasa a mayúsculas,
// así "abcd-1234", "ABCD 1234" y "ABCD1234" son el mismo código.
func NormalizeCode(code string) string {
	var sb strings.Builder
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z':
			sb.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// HashBackupCode retorna SHA-256 hex del código normalizado.
func HashBackupCode(code string) string {
	return tokens.SHA256Hex(NormalizeCode(code))
}

// HashBackupCodes hashea cada código para persistirlo.
func HashBackupCodes(codes []string) []string {
	out := make([]string, len(codes))
	for i, c := range codes {
		out[i] = HashBackupCode(c)
	}
	return out
}

// RemoveHash retorna hashes sin h (helper para directorios en memoria).
func RemoveHash(hashes []string, h string) []string {
	out := make([]string, 0, len(hashes))
	for _, x := range hashes {
		if x != h {
			out = append(out, x)
		}
	}
	return out
}
