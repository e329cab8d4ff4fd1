package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// State store backends.
const (
	StateStoreMemory   = "memory"
	StateStoreRedis    = "redis"
	StateStorePostgres = "postgres"
)

const minProductionSecretLen = 32

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	JWTSecret         string        `mapstructure:"JWT_SECRET"`
	JWTTTL            time.Duration `mapstructure:"JWT_TTL"`
	FHIRServerURL     string        `mapstructure:"FHIR_SERVER_URL"`
	SMARTIssuer       string        `mapstructure:"SMART_ISSUER"`
	SMARTClientID     string        `mapstructure:"SMART_CLIENT_ID"`
	SMARTClientSecret string        `mapstructure:"SMART_CLIENT_SECRET"`
	SMARTIssuers      []string      `mapstructure:"SMART_ALLOWED_ISSUERS"`
	BaseURL           string        `mapstructure:"BASE_URL"`
	UpstreamTimeout   time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
	DiscoveryMaxTries int           `mapstructure:"DISCOVERY_MAX_TRIES"`
	StateStore        string        `mapstructure:"STATE_STORE"`
	StateTTL          time.Duration `mapstructure:"STATE_TTL"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	TrustedProxies    []string      `mapstructure:"TRUSTED_PROXIES"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"JWT_SECRET", "JWT_TTL",
	"FHIR_SERVER_URL", "SMART_ISSUER", "SMART_CLIENT_ID", "SMART_CLIENT_SECRET", "SMART_ALLOWED_ISSUERS", "BASE_URL",
	"UPSTREAM_TIMEOUT", "DISCOVERY_MAX_TRIES",
	"STATE_STORE", "STATE_TTL", "REDIS_URL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CORS_ORIGINS", "TRUSTED_PROXIES", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
}

// Load reads the environment and an optional .env file. JWT_SECRET is the
// only key without a default.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("FHIR_SERVER_URL", "https://hapi.fhir.org/baseR4")
	v.SetDefault("BASE_URL", "http://localhost:8000")
	v.SetDefault("UPSTREAM_TIMEOUT", "10s")
	v.SetDefault("DISCOVERY_MAX_TRIES", 3)
	v.SetDefault("STATE_STORE", StateStoreMemory)
	v.SetDefault("STATE_TTL", "10m")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Unmarshal only sees env vars that are bound
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.TrustedProxies = splitList(v.GetString("TRUSTED_PROXIES"))
	cfg.StateStore = strings.ToLower(strings.TrimSpace(cfg.StateStore))
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SMARTIssuer == "" {
		cfg.SMARTIssuer = cfg.FHIRServerURL
	}
	// launches are accepted only from listed issuers
	cfg.SMARTIssuers = splitList(v.GetString("SMART_ALLOWED_ISSUERS"))
	if len(cfg.SMARTIssuers) == 0 {
		cfg.SMARTIssuers = []string{cfg.SMARTIssuer}
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validProxy(s string) bool {
	if _, _, err := net.ParseCIDR(s); err == nil {
		return true
	}
	return net.ParseIP(s) != nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CallbackURL is the redirect URI registered with the SMART authorization
// server.
func (c *Config) CallbackURL() string {
	return c.BaseURL + "/auth/smart/callback"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < minProductionSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes in production, got %d", minProductionSecretLen, len(c.JWTSecret))
	}

	for name, raw := range map[string]string{
		"FHIR_SERVER_URL": c.FHIRServerURL,
		"SMART_ISSUER":    c.SMARTIssuer,
		"BASE_URL":        c.BaseURL,
	} {
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for _, iss := range c.SMARTIssuers {
		if err := validateHTTPURL(iss); err != nil {
			return fmt.Errorf("SMART_ALLOWED_ISSUERS: %q: %w", iss, err)
		}
	}

	for _, p := range c.TrustedProxies {
		if !validProxy(p) {
			return fmt.Errorf("TRUSTED_PROXIES: %q is not an IP address or CIDR", p)
		}
	}

	for name, d := range map[string]time.Duration{
		"JWT_TTL":          c.JWTTTL,
		"UPSTREAM_TIMEOUT": c.UpstreamTimeout,
		"STATE_TTL":        c.StateTTL,
		"REQUEST_TIMEOUT":  c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.DiscoveryMaxTries < 1 {
		return fmt.Errorf("DISCOVERY_MAX_TRIES must be at least 1, got %d", c.DiscoveryMaxTries)
	}

	switch c.StateStore {
	case StateStoreMemory:
	case StateStoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STATE_STORE is %q", StateStoreRedis)
		}
	case StateStorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STATE_STORE is %q", StateStorePostgres)
		}
	default:
		return fmt.Errorf("STATE_STORE must be %q, %q or %q, got %q", StateStoreMemory, StateStoreRedis, StateStorePostgres, c.StateStore)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
