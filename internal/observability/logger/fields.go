package logger

import (
	"time"

	"github.com/dropDatabas3/authguard/internal/util"
	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS - REQUEST
// =================================================================================

// ClientIP crea un campo para la IP del cliente.
func ClientIP(v string) zap.Field {
	return zap.String("client_ip", v)
}

// UserAgent crea un campo para el User-Agent.
func UserAgent(v string) zap.Field {
	return zap.String("user_agent", v)
}

// =================================================================================
// CAMPOS - SEGURIDAD
// =================================================================================

// Subject crea un campo para el sujeto autenticado (user id / username).
func Subject(v string) zap.Field {
	return zap.String("subject", v)
}

// SessionID loguea solo un prefijo del session id.
func SessionID(v string) zap.Field {
	return zap.String("session_id", util.MaskSecret(v))
}

// TokenID loguea solo un prefijo del jti.
func TokenID(v string) zap.Field {
	return zap.String("jti", util.MaskSecret(v))
}

// Reason crea un campo para el motivo de un rechazo (kind de autherr).
func Reason(v string) zap.Field {
	return zap.String("reason", v)
}

// Until crea un campo para el fin de un lock/block.
func Until(v time.Time) zap.Field {
	return zap.Time("until", v)
}

// =================================================================================
// CAMPOS - SISTEMA
// =================================================================================

// Component crea un campo para el componente/módulo.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// Op crea un campo para la operación actual.
func Op(v string) zap.Field {
	return zap.String("op", v)
}

// Layer crea un campo para la capa (coordinator, store, sweeper).
func Layer(v string) zap.Field {
	return zap.String("layer", v)
}

// Err crea un campo para un error.
func Err(err error) zap.Field {
	return zap.Error(err)
}

// Count crea un campo para un conteo.
func Count(v int) zap.Field {
	return zap.Int("count", v)
}

// Duration crea un campo para una duración.
func Duration(v time.Duration) zap.Field {
	return zap.Duration("duration", v)
}

// String crea un campo string genérico.
func String(key, v string) zap.Field {
	return zap.String(key, v)
}

// Int crea un campo int genérico.
func Int(key string, v int) zap.Field {
	return zap.Int(key, v)
}

// Bool crea un campo bool genérico.
func Bool(key string, v bool) zap.Field {
	return zap.Bool(key, v)
}
