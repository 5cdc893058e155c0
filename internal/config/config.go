package config

import (
	"errors"
	"fmt"
	"os"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration read from the environment.
type Config struct {
	Env      string
	HTTPAddr string
	GRPCAddr string
	// PostgresDSN selects the Postgres store; empty means in-memory.
	PostgresDSN string

	Auth     AuthConfig
	Limits   LimitsConfig
	Ledger   LedgerConfig
	Tracing  TracingConfig
	Listener ListenerConfig
}

type AuthConfig struct {
	Secret    string
	Issuer    string
	TokenTTL  time.Duration
	DevTokens bool
}

type LimitsConfig struct {
	RatePerSec   float64
	RateBurst    int
	MaxBodyBytes int64
	// TrustedProxies are the peers allowed to set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

type LedgerConfig struct {
	LockTimeout time.Duration
}

type TracingConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

type ListenerConfig struct {
	Channel      string
	MinReconnect time.Duration
	MaxReconnect time.Duration
}

// Load reads an optional .env file and then the BANKCORE_* variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:         getEnv("BANKCORE_ENV", "development"),
		HTTPAddr:    getEnv("BANKCORE_HTTP_ADDR", ":8080"),
		GRPCAddr:    getEnv("BANKCORE_GRPC_ADDR", ""),
		PostgresDSN: getEnv("BANKCORE_PG_DSN", ""),
		Auth: AuthConfig{
			Secret: os.Getenv("BANKCORE_AUTH_SECRET"),
			Issuer: getEnv("BANKCORE_AUTH_ISSUER", "bankcore"),
		},
		Tracing: TracingConfig{
			OTLPEndpoint: getEnv("BANKCORE_OTLP_ENDPOINT", ""),
			ServiceName:  getEnv("BANKCORE_SERVICE_NAME", "bankcore-api"),
		},
		Listener: ListenerConfig{
			Channel: getEnv("BANKCORE_NOTIFY_CHANNEL", "ledger_notifications"),
		},
	}

	var errs []error
	var err error
	if cfg.Auth.TokenTTL, err = durationEnv("BANKCORE_TOKEN_TTL", time.Hour); err != nil {
		errs = append(errs, err)
	}
	if cfg.Auth.DevTokens, err = boolEnv("BANKCORE_DEV_TOKENS", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.Limits.RatePerSec, err = floatEnv("BANKCORE_RATE_PER_SEC", 20); err != nil {
		errs = append(errs, err)
	}
	if cfg.Limits.RateBurst, err = intEnv("BANKCORE_RATE_BURST", 40); err != nil {
		errs = append(errs, err)
	}
	maxBody, err := intEnv("BANKCORE_MAX_BODY_BYTES", 1<<20)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Limits.MaxBodyBytes = int64(maxBody)
	if cfg.Limits.TrustedProxies, err = prefixesEnv("BANKCORE_TRUSTED_PROXIES"); err != nil {
		errs = append(errs, err)
	}
	if cfg.Ledger.LockTimeout, err = durationEnv("BANKCORE_LOCK_TIMEOUT", 5*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.Listener.MinReconnect, err = durationEnv("BANKCORE_LISTEN_MIN_RECONNECT", 10*time.Second); err != nil {
		errs = append(errs, err)
	}
	if cfg.Listener.MaxReconnect, err = durationEnv("BANKCORE_LISTEN_MAX_RECONNECT", time.Minute); err != nil {
		errs = append(errs, err)
	}

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("BANKCORE_AUTH_SECRET is required"))
	} else if len(c.Auth.Secret) < 16 {
		errs = append(errs, errors.New("BANKCORE_AUTH_SECRET must be at least 16 bytes"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("BANKCORE_TOKEN_TTL must be positive"))
	}
	if c.Limits.RatePerSec <= 0 || c.Limits.RateBurst <= 0 {
		errs = append(errs, errors.New("rate limit settings must be positive"))
	}
	if c.Limits.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("BANKCORE_MAX_BODY_BYTES must be positive"))
	}
	if c.Ledger.LockTimeout < 0 {
		errs = append(errs, errors.New("BANKCORE_LOCK_TIMEOUT must not be negative"))
	}
	if c.Listener.MinReconnect <= 0 || c.Listener.MaxReconnect < c.Listener.MinReconnect {
		errs = append(errs, errors.New("listener reconnect interval is invalid"))
	}
	if c.Env == "production" && c.Auth.DevTokens {
		errs = append(errs, errors.New("BANKCORE_DEV_TOKENS must be off in production"))
	}
	return errors.Join(errs...)
}

// UsesPostgres reports whether a database DSN was configured.
func (c *Config) UsesPostgres() bool { return c.PostgresDSN != "" }

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, fallback float64) (float64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// prefixesEnv parses a comma separated list of CIDRs or bare addresses.
func prefixesEnv(key string) ([]netip.Prefix, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return nil, nil
	}
	var out []netip.Prefix
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}
