// Package cache provee el store clave/valor pluggable sobre el que se
// apoyan refresh tokens, blacklist, sesiones y estado de throttling.
//
// Soporta:
//   - Memory (in-process, single instance y tests) sobre go-cache
//   - Redis (multi-instancia)
//
// Update es la primitiva read-modify-write por clave: todas las secuencias
// check-then-set del núcleo pasan por ella, así dos requests concurrentes
// sobre la misma clave se linealizan.
package cache

import (
	"context"
	"errors"
	"time"
)

// Client define las operaciones del store.
type Client interface {
	// Get obtiene un valor. Retorna ErrNotFound si no existe o expiró.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set guarda un valor. Con ttl 0 no expira.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete elimina una key. No falla si no existe.
	Delete(ctx context.Context, key string) error

	// Exists verifica si una key existe.
	Exists(ctx context.Context, key string) (bool, error)

	// Update ejecuta fn con exclusión mutua sobre key y aplica la mutación
	// que retorna. fn puede ejecutarse más de una vez (redis reintenta ante
	// conflicto): debe ser pura.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Keys lista las keys (sin el prefijo del cliente) que empiezan con prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping verifica la conexión.
	Ping(ctx context.Context) error

	// Close libera recursos.
	Close() error

	// Stats retorna estadísticas del store.
	Stats(ctx context.Context) (Stats, error)
}

// UpdateFunc recibe el valor actual (found=false si no existe).
type UpdateFunc func(cur []byte, found bool) (Mutation, error)

// Mutation describe qué hacer con la key tras un Update.
type Mutation struct {
	op    mutationOp
	value []byte
	ttl   time.Duration
}

type mutationOp int

const (
	opKeep mutationOp = iota
	opPut
	opRemove
)

// Keep deja la key como está.
func Keep() Mutation { return Mutation{op: opKeep} }

// Put reemplaza el valor con el ttl dado (0 = sin expiración).
func Put(value []byte, ttl time.Duration) Mutation {
	return Mutation{op: opPut, value: value, ttl: ttl}
}

// Remove elimina la key.
func Remove() Mutation { return Mutation{op: opRemove} }

// Stats contiene estadísticas del store.
type Stats struct {
	Driver     string
	Keys       int64
	UsedMemory string
	Hits       int64
	Misses     int64
}

// Config configuración para crear un cliente.
type Config struct {
	Driver   string // "memory" | "redis"
	Addr     string
	Password string
	DB       int
	Prefix   string
}

var (
	// ErrNotFound: la key no existe.
	ErrNotFound = errors.New("cache: key not found")
	// ErrConflict: Update agotó los reintentos por escrituras concurrentes.
	ErrConflict = errors.New("cache: update conflict")
)

// IsNotFound verifica si el error es porque la key no existe.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// New crea un cliente según la configuración.
func New(cfg Config) (Client, error) {
	switch cfg.Driver {
	case "redis":
		c, err := NewRedis(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "memory", "":
		return NewMemory(cfg.Prefix), nil
	default:
		return nil, errors.New("cache: unknown driver " + cfg.Driver)
	}
}
