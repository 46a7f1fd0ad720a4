package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultsAndYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authguard.yaml")
	yml := `
app:
  env: prod
jwt:
  secret: "0123456789abcdef0123456789abcdef"
  access_ttl: 10m
session:
  max_per_subject: 3
throttle:
  lockout_duration: 5m
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.App.Env != "prod" || c.JWT.AccessTTL != 10*time.Minute || c.Session.MaxPerSubject != 3 {
		t.Fatalf("yaml values not applied: %+v", c)
	}
	if c.JWT.RefreshTTL != 7*24*time.Hour || c.Throttle.MaxRequestsPerMinute != 10 || c.Session.Timeout != 2*time.Hour {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if c.Throttle.LockoutDuration != 5*time.Minute {
		t.Fatalf("lockout: %v", c.Throttle.LockoutDuration)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AUTHGUARD_MAX_LOGIN_ATTEMPTS", "7")
	t.Setenv("AUTHGUARD_ACCESS_TTL", "1m")
	t.Setenv("AUTHGUARD_CACHE_KIND", "redis")
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.Throttle.MaxLoginAttempts != 7 || c.JWT.AccessTTL != time.Minute {
		t.Fatalf("env overrides not applied: %+v", c.Throttle)
	}
	err = c.Validate()
	if err == nil {
		t.Fatalf("expected validation errors (secret, redis addr)")
	}
	if !strings.Contains(err.Error(), "jwt.secret") || !strings.Contains(err.Error(), "redis.addr") {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestLoad_ClockSkewAndWindowOverrides(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.JWT.ClockSkew != DefaultClockSkew {
		t.Fatalf("default skew: %v", c.JWT.ClockSkew)
	}

	t.Setenv("AUTHGUARD_CLOCK_SKEW", "0s")
	t.Setenv("AUTHGUARD_IP_FAILURE_WINDOW", "10m")
	c, err = Load("")
	if err != nil {
		t.Fatal(err)
	}
	if c.JWT.ClockSkew != 0 {
		t.Fatalf("explicit zero skew replaced by %v", c.JWT.ClockSkew)
	}
	if c.Throttle.IPFailureWindow != 10*time.Minute {
		t.Fatalf("ip failure window: %v", c.Throttle.IPFailureWindow)
	}
}

func TestLoad_ZeroSkewFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authguard.yaml")
	if err := os.WriteFile(path, []byte("jwt:\n  clock_skew: 0s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.JWT.ClockSkew != 0 {
		t.Fatalf("skew: %v", c.JWT.ClockSkew)
	}
}

func TestValidate_RejectsBadDurations(t *testing.T) {
	c := Default()
	c.JWT.Secret = "0123456789abcdef0123456789abcdef"
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	c.Sweep.Interval = 0
	c.JWT.ClockSkew = -time.Second
	c.Throttle.IPFailureWindow = 0
	err := c.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"sweep.interval", "clock_skew", "throttle durations"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}
