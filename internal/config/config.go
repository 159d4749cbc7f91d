// Package config loads service settings from STAFFAUTH_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "STAFFAUTH_"

type Config struct {
	HTTPAddr string
	GRPCAddr string
	PGDSN    string

	JWKSURL     string
	HMACSecret  string
	Issuer      string
	ClockSkew   time.Duration
	GroupsClaim string
	RolesClaim  string

	// BootstrapAdmin is a subject granted ADMIN at startup when it exists.
	BootstrapAdmin string

	RateLimitRPS   float64
	RateLimitBurst int
	MaxBodyBytes   int64
	CORSOrigins    []string
	// TrustedProxies are the peers whose X-Forwarded-For header is believed.
	TrustedProxies []netip.Prefix

	SuspiciousThreshold int
	SuspiciousWindow    time.Duration
	StreamBuffer        int

	LogLevel        string
	ShutdownTimeout time.Duration
}

var (
	ErrMissingKeySource = errors.New("one of STAFFAUTH_JWKS_URL or STAFFAUTH_JWT_HMAC_SECRET is required")
	ErrInvalidValue     = errors.New("invalid configuration value")
)

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function; tests pass a map lookup.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(envPrefix + key)); v != "" {
			return v
		}
		return def
	}
	var errs []error
	duration := func(key string, def time.Duration) time.Duration {
		raw := get(key, "")
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%w: %s%s=%q", ErrInvalidValue, envPrefix, key, raw))
			return def
		}
		return d
	}
	integer := func(key string, def int) int {
		raw := get(key, "")
		if raw == "" {
			return def
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%w: %s%s=%q", ErrInvalidValue, envPrefix, key, raw))
			return def
		}
		return n
	}
	float := func(key string, def float64) float64 {
		raw := get(key, "")
		if raw == "" {
			return def
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 {
			errs = append(errs, fmt.Errorf("%w: %s%s=%q", ErrInvalidValue, envPrefix, key, raw))
			return def
		}
		return f
	}
	// prefixes accepts CIDRs and bare addresses, e.g. "10.0.0.0/8,192.0.2.10".
	prefixes := func(key string) []netip.Prefix {
		var out []netip.Prefix
		for _, item := range splitList(get(key, "")) {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				addr, addrErr := netip.ParseAddr(item)
				if addrErr != nil {
					errs = append(errs, fmt.Errorf("%w: %s%s=%q", ErrInvalidValue, envPrefix, key, item))
					continue
				}
				p = netip.PrefixFrom(addr, addr.BitLen())
			}
			out = append(out, p.Masked())
		}
		return out
	}

	cfg := &Config{
		HTTPAddr: get("HTTP_ADDR", ":8080"),
		GRPCAddr: get("GRPC_ADDR", ":9090"),
		PGDSN:    get("PG_DSN", ""),

		JWKSURL:     get("JWKS_URL", ""),
		HMACSecret:  get("JWT_HMAC_SECRET", ""),
		Issuer:      get("JWT_ISSUER", ""),
		ClockSkew:   duration("JWT_CLOCK_SKEW", 5*time.Second),
		GroupsClaim: get("GROUPS_CLAIM", "cognito:groups"),
		RolesClaim:  get("ROLES_CLAIM", "custom:roles"),

		BootstrapAdmin: get("BOOTSTRAP_ADMIN", ""),

		RateLimitRPS:   float("RATE_LIMIT_RPS", 20),
		RateLimitBurst: integer("RATE_LIMIT_BURST", 40),
		MaxBodyBytes:   int64(integer("MAX_BODY_BYTES", 1<<20)),
		CORSOrigins:    splitList(get("CORS_ORIGINS", "")),
		TrustedProxies: prefixes("TRUSTED_PROXIES"),

		SuspiciousThreshold: integer("SUSPICIOUS_THRESHOLD", 5),
		SuspiciousWindow:    duration("SUSPICIOUS_WINDOW", 24*time.Hour),
		StreamBuffer:        integer("STREAM_BUFFER", 64),

		LogLevel:        get("LOG_LEVEL", "info"),
		ShutdownTimeout: duration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if cfg.JWKSURL == "" && cfg.HMACSecret == "" {
		errs = append(errs, ErrMissingKeySource)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
