package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env     string `yaml:"env"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr     string `yaml:"addr"`
			DB       int    `yaml:"db"`
			Password string `yaml:"password"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	JWT struct {
		// Secreto maestro; de él se derivan la clave HMAC de tokens y la de fingerprints.
		Secret        string        `yaml:"secret"`
		Issuer        string        `yaml:"issuer"`
		AccessTTL     time.Duration `yaml:"access_ttl"`
		RefreshTTL    time.Duration `yaml:"refresh_ttl"`
		ClockSkew     time.Duration `yaml:"clock_skew"`
		RotateRefresh bool          `yaml:"rotate_refresh"`
	} `yaml:"jwt"`

	MFA struct {
		Issuer      string `yaml:"issuer"`
		BackupCodes int    `yaml:"backup_codes"`
	} `yaml:"mfa"`

	Session struct {
		Timeout       time.Duration `yaml:"timeout"`
		MaxPerSubject int           `yaml:"max_per_subject"`
	} `yaml:"session"`

	Throttle struct {
		MaxRequestsPerMinute int           `yaml:"max_requests_per_minute"`
		MaxLoginAttempts     int           `yaml:"max_login_attempts"`
		LockoutDuration      time.Duration `yaml:"lockout_duration"`
		MaxFailedPerIP       int           `yaml:"max_failed_per_ip"`
		IPBlockDuration      time.Duration `yaml:"ip_block_duration"`
		IPFailureWindow      time.Duration `yaml:"ip_failure_window"`
	} `yaml:"throttle"`

	Sweep struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"sweep"`

	Ops struct {
		Addr string `yaml:"addr"`
	} `yaml:"ops"`

	Sentry struct {
		DSN string `yaml:"dsn"`
	} `yaml:"sentry"`
}

// DefaultClockSkew se usa cuando ni el YAML ni el entorno fijan jwt.clock_skew.
// Un 0 explícito deshabilita la tolerancia.
const DefaultClockSkew = 5 * time.Second

// Load lee el YAML en path (si path != ""), pisa con variables de entorno
// AUTHGUARD_* y completa defaults.
func Load(path string) (*Config, error) {
	var c Config
	c.JWT.ClockSkew = DefaultClockSkew
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.applyEnvOverrides()
	c.applyDefaults()
	return &c, nil
}

// Default retorna la configuración por defecto (sin secreto).
func Default() *Config {
	var c Config
	c.JWT.ClockSkew = DefaultClockSkew
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "authguard"
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "authguard"
	}
	if c.JWT.AccessTTL == 0 {
		c.JWT.AccessTTL = 30 * time.Minute
	}
	if c.JWT.RefreshTTL == 0 {
		c.JWT.RefreshTTL = 7 * 24 * time.Hour
	}
	if c.MFA.Issuer == "" {
		c.MFA.Issuer = c.JWT.Issuer
	}
	if c.MFA.BackupCodes == 0 {
		c.MFA.BackupCodes = 8
	}
	if c.Session.Timeout == 0 {
		c.Session.Timeout = 2 * time.Hour
	}
	if c.Session.MaxPerSubject == 0 {
		c.Session.MaxPerSubject = 5
	}
	if c.Throttle.MaxRequestsPerMinute == 0 {
		c.Throttle.MaxRequestsPerMinute = 10
	}
	if c.Throttle.MaxLoginAttempts == 0 {
		c.Throttle.MaxLoginAttempts = 5
	}
	if c.Throttle.LockoutDuration == 0 {
		c.Throttle.LockoutDuration = 15 * time.Minute
	}
	if c.Throttle.MaxFailedPerIP == 0 {
		c.Throttle.MaxFailedPerIP = 20
	}
	if c.Throttle.IPBlockDuration == 0 {
		c.Throttle.IPBlockDuration = time.Hour
	}
	if c.Throttle.IPFailureWindow == 0 {
		c.Throttle.IPFailureWindow = time.Hour
	}
	if c.Sweep.Interval == 0 {
		c.Sweep.Interval = time.Minute
	}
	if c.Ops.Addr == "" {
		c.Ops.Addr = ":9090"
	}
}

func getEnvStr(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if v, ok := getEnvStr(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if v, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b, true
		}
	}
	return false, false
}

func getEnvDur(key string) (time.Duration, bool) {
	if v, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d, true
		}
	}
	return 0, false
}

// applyEnvOverrides: pisa el YAML con variables de entorno.
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("AUTHGUARD_ENV"); ok {
		c.App.Env = v
	}
	if v, ok := getEnvStr("AUTHGUARD_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := getEnvStr("AUTHGUARD_CACHE_KIND"); ok {
		c.Cache.Kind = v
	}
	if v, ok := getEnvStr("AUTHGUARD_REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvInt("AUTHGUARD_REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v, ok := getEnvStr("AUTHGUARD_REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}
	if v, ok := getEnvStr("AUTHGUARD_REDIS_PREFIX"); ok {
		c.Cache.Redis.Prefix = v
	}
	if v, ok := getEnvStr("AUTHGUARD_JWT_SECRET"); ok {
		c.JWT.Secret = v
	}
	if v, ok := getEnvStr("AUTHGUARD_JWT_ISSUER"); ok {
		c.JWT.Issuer = v
	}
	if v, ok := getEnvDur("AUTHGUARD_ACCESS_TTL"); ok {
		c.JWT.AccessTTL = v
	}
	if v, ok := getEnvDur("AUTHGUARD_REFRESH_TTL"); ok {
		c.JWT.RefreshTTL = v
	}
	if v, ok := getEnvDur("AUTHGUARD_CLOCK_SKEW"); ok {
		c.JWT.ClockSkew = v
	}
	if v, ok := getEnvBool("AUTHGUARD_ROTATE_REFRESH"); ok {
		c.JWT.RotateRefresh = v
	}
	if v, ok := getEnvDur("AUTHGUARD_SESSION_TIMEOUT"); ok {
		c.Session.Timeout = v
	}
	if v, ok := getEnvInt("AUTHGUARD_MAX_SESSIONS"); ok {
		c.Session.MaxPerSubject = v
	}
	if v, ok := getEnvInt("AUTHGUARD_MAX_REQUESTS_PER_MINUTE"); ok {
		c.Throttle.MaxRequestsPerMinute = v
	}
	if v, ok := getEnvInt("AUTHGUARD_MAX_LOGIN_ATTEMPTS"); ok {
		c.Throttle.MaxLoginAttempts = v
	}
	if v, ok := getEnvDur("AUTHGUARD_LOCKOUT_DURATION"); ok {
		c.Throttle.LockoutDuration = v
	}
	if v, ok := getEnvInt("AUTHGUARD_MAX_FAILED_PER_IP"); ok {
		c.Throttle.MaxFailedPerIP = v
	}
	if v, ok := getEnvDur("AUTHGUARD_IP_BLOCK_DURATION"); ok {
		c.Throttle.IPBlockDuration = v
	}
	if v, ok := getEnvDur("AUTHGUARD_IP_FAILURE_WINDOW"); ok {
		c.Throttle.IPFailureWindow = v
	}
	if v, ok := getEnvDur("AUTHGUARD_SWEEP_INTERVAL"); ok {
		c.Sweep.Interval = v
	}
	if v, ok := getEnvStr("AUTHGUARD_OPS_ADDR"); ok {
		c.Ops.Addr = v
	}
	if v, ok := getEnvStr("SENTRY_DSN"); ok {
		c.Sentry.DSN = v
	}
}

// Validate rechaza configuraciones que dejarían el núcleo inseguro o inútil.
func (c *Config) Validate() error {
	var errs []error
	if len(c.JWT.Secret) < 32 {
		errs = append(errs, errors.New("jwt.secret must be at least 32 bytes"))
	}
	if c.Cache.Kind != "memory" && c.Cache.Kind != "redis" {
		errs = append(errs, fmt.Errorf("cache.kind %q not supported", c.Cache.Kind))
	}
	if c.Cache.Kind == "redis" && c.Cache.Redis.Addr == "" {
		errs = append(errs, errors.New("cache.redis.addr required when cache.kind=redis"))
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		errs = append(errs, errors.New("jwt ttls must be positive"))
	}
	if c.JWT.ClockSkew < 0 {
		errs = append(errs, errors.New("jwt.clock_skew must not be negative"))
	}
	if c.Session.MaxPerSubject <= 0 || c.Session.Timeout <= 0 {
		errs = append(errs, errors.New("session limits must be positive"))
	}
	t := c.Throttle
	if t.MaxRequestsPerMinute <= 0 || t.MaxLoginAttempts <= 0 || t.MaxFailedPerIP <= 0 {
		errs = append(errs, errors.New("throttle limits must be positive"))
	}
	if t.LockoutDuration <= 0 || t.IPBlockDuration <= 0 || t.IPFailureWindow <= 0 {
		errs = append(errs, errors.New("throttle durations must be positive"))
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("sweep.interval must be positive"))
	}
	return errors.Join(errs...)
}
