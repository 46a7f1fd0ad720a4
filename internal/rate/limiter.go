// Package rate implementa el rate limiting por ventana deslizante usado por
// ThrottleGuard: solo cuentan los eventos de los últimos Window.
package rate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dropDatabas3/authguard/internal/cache"
	"github.com/dropDatabas3/authguard/internal/util/clock"
)

type Result struct {
	Allowed     bool
	Remaining   int64
	RetryAfter  time.Duration
	CurrentHits int64
}

type Limiter interface {
	// Allow desaloja eventos fuera de la ventana, cuenta, y si hay cupo
	// registra el evento actual. Un rechazo no se registra.
	Allow(ctx context.Context, key string) (Result, error)
}

// StoreLimiter: ventana deslizante guardada en un cache.Client como lista
// de timestamps (unix nanos). Funciona con cualquier backend porque la
// secuencia evict-count-record corre dentro de Update.
type StoreLimiter struct {
	Store  cache.Client
	Prefix string
	Max    int64
	Window time.Duration
	Clock  clock.Clock
}

func NewStoreLimiter(store cache.Client, prefix string, max int, window time.Duration, clk clock.Clock) *StoreLimiter {
	if prefix == "" {
		prefix = "rl:"
	}
	return &StoreLimiter{
		Store:  store,
		Prefix: prefix,
		Max:    int64(max),
		Window: window,
		Clock:  clock.OrSystem(clk),
	}
}

func (l *StoreLimiter) Allow(ctx context.Context, key string) (Result, error) {
	var res Result
	err := l.Store.Update(ctx, l.Prefix+key, func(cur []byte, found bool) (cache.Mutation, error) {
		now := l.Clock.Now()
		var hits []int64
		if found {
			if err := json.Unmarshal(cur, &hits); err != nil {
				// estado corrupto: se descarta y se empieza de cero
				hits = nil
			}
		}
		hits = prune(hits, now.Add(-l.Window).UnixNano())

		res = Result{CurrentHits: int64(len(hits))}
		if res.CurrentHits >= l.Max {
			res.RetryAfter = retryAfter(time.Unix(0, hits[0]), l.Window, now)
			return cache.Keep(), nil
		}

		hits = append(hits, now.UnixNano())
		res.Allowed = true
		res.CurrentHits = int64(len(hits))
		res.Remaining = l.Max - res.CurrentHits
		b, err := json.Marshal(hits)
		if err != nil {
			return cache.Keep(), err
		}
		return cache.Put(b, l.Window), nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("rate: allow: %w", err)
	}
	return res, nil
}

// prune deja solo los timestamps estrictamente posteriores a cutoff.
// La lista está ordenada porque solo se agrega al final.
func prune(hits []int64, cutoff int64) []int64 {
	i := 0
	for i < len(hits) && hits[i] <= cutoff {
		i++
	}
	return hits[i:]
}

// retryAfter: tiempo hasta que el evento más viejo salga de la ventana,
// redondeado hacia arriba al segundo y nunca menor a 1s.
func retryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	d := oldest.Add(window).Sub(now)
	if d < time.Second {
		return time.Second
	}
	return (d + time.Second - 1).Truncate(time.Second)
}
