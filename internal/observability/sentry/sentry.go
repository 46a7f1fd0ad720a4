// Package sentry reporta fallos de infraestructura (store caído, RNG roto)
// cuando hay un DSN configurado. Los fallos de auth esperados nunca se
// reportan.
package sentry

import (
	"sync/atomic"
	"time"

	sentrygo "github.com/getsentry/sentry-go"
)

var enabled atomic.Bool

// Init configura el cliente global. Con dsn vacío queda deshabilitado.
func Init(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}
	if err := sentrygo.Init(sentrygo.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	}); err != nil {
		return err
	}
	enabled.Store(true)
	return nil
}

// Enabled indica si Init configuró un cliente.
func Enabled() bool { return enabled.Load() }

// CaptureInfra reporta un fallo de infraestructura con la operación como tag.
// El sujeto no se envía: solo la op y el componente.
func CaptureInfra(component, op string, err error) {
	if err == nil || !enabled.Load() {
		return
	}
	sentrygo.WithScope(func(scope *sentrygo.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("op", op)
		sentrygo.CaptureException(err)
	})
}

// Flush espera a que se envíen los eventos pendientes.
func Flush() {
	if enabled.Load() {
		sentrygo.Flush(2 * time.Second)
	}
}
