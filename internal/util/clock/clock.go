// Package clock abstrae la hora actual para poder testear expiraciones,
// ventanas TOTP y lockouts sin dormir.
package clock

import (
	"sync"
	"time"
)

// Clock retorna la hora actual.
type Clock interface {
	Now() time.Time
}

// System usa time.Now en UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fake es un reloj manual para tests. Seguro para uso concurrente.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake crea un reloj detenido en t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance mueve el reloj d hacia adelante (o atrás si d < 0).
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set fija el reloj en t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t.UTC()
	f.mu.Unlock()
}

// OrSystem devuelve c o System si c es nil.
func OrSystem(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
