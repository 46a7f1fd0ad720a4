package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register must be a no-op: %v", err)
	}
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(ThrottleDenials.WithLabelValues("rate_limited"))
	ThrottleDenials.WithLabelValues("rate_limited").Inc()
	if got := testutil.ToFloat64(ThrottleDenials.WithLabelValues("rate_limited")); got != before+1 {
		t.Fatalf("counter not incremented: %v", got)
	}
}
