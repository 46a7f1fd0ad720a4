package autherr

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf_WrappedError(t *testing.T) {
	err := fmt.Errorf("verify: %w", New(TokenRevoked))
	if KindOf(err) != TokenRevoked {
		t.Fatalf("want TokenRevoked, got %v", KindOf(err))
	}
	if !errors.Is(err, New(TokenRevoked)) {
		t.Fatalf("errors.Is should match on kind")
	}
	if errors.Is(err, New(TokenExpired)) {
		t.Fatalf("errors.Is should not match other kinds")
	}
}

func TestKindOf_InfraErrorIsZero(t *testing.T) {
	if k := KindOf(errors.New("redis: connection refused")); k != 0 {
		t.Fatalf("infra error must not carry a kind, got %v", k)
	}
	if KindOf(nil) != 0 {
		t.Fatalf("nil must have no kind")
	}
}

func TestRecoverable(t *testing.T) {
	unlock := time.Unix(1000, 0)
	if !Locked(unlock).Recoverable() || !Blocked(unlock).Recoverable() || !Limited(time.Second).Recoverable() {
		t.Fatalf("lock/block/limit must be recoverable")
	}
	if New(InvalidCredentials).Recoverable() {
		t.Fatalf("invalid credentials is terminal")
	}
	if Locked(unlock).UnlockAt != unlock {
		t.Fatalf("unlockAt not carried")
	}
}

func TestErrorString(t *testing.T) {
	if got := New(SessionFingerprintMismatch).Error(); got != "auth: session_fingerprint_mismatch" {
		t.Fatalf("unexpected message %q", got)
	}
	if Kind(99).String() != "unknown" {
		t.Fatalf("unknown kinds stringify as unknown")
	}
}
