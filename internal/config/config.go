// Package config loads the service configuration from built-in defaults, an
// optional YAML file and GATE_ environment variables, in that order of
// precedence, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is stripped from environment variables; "__" separates sections.
	EnvPrefix = "GATE_"
	// PathEnvVar names the optional YAML config file.
	PathEnvVar = "GATE_CONFIG"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	Roles     RolesConfig     `koanf:"roles"`
	Audit     AuditConfig     `koanf:"audit"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Redis     RedisConfig     `koanf:"redis"`
	Log       LogConfig       `koanf:"log"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	CORS      CORSConfig      `koanf:"cors"`
}

type ServerConfig struct {
	HTTPAddr        string        `koanf:"http_addr" validate:"required"`
	GRPCAddr        string        `koanf:"grpc_addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes" validate:"gt=0"`
	// TrustedProxies lists proxy addresses or CIDR ranges whose
	// X-Forwarded-For header is honoured. Empty means the header is ignored.
	TrustedProxies []string `koanf:"trusted_proxies" validate:"dive,cidr|ip"`
}

type AuthConfig struct {
	Secret           string        `koanf:"secret" validate:"min=32"`
	Issuer           string        `koanf:"issuer" validate:"required"`
	CookieName       string        `koanf:"cookie_name"`
	CookieSecure     bool          `koanf:"cookie_secure"`
	AccessTTL        time.Duration `koanf:"access_ttl" validate:"gt=0"`
	LiveSubjectCheck bool          `koanf:"live_subject_check"`
	UserStore        string        `koanf:"user_store" validate:"oneof=memory postgres"`

	// Bootstrap credentials create a super-admin at startup unless an
	// account with BootstrapEmail already exists.
	BootstrapEmail    string `koanf:"bootstrap_email" validate:"omitempty,email"`
	BootstrapPassword string `koanf:"bootstrap_password"`
}

type RolesConfig struct {
	Hierarchy   []string `koanf:"hierarchy" validate:"min=1,dive,required"`
	SuperAdmins []string `koanf:"super_admins" validate:"dive,required"`
	PolicyPath  string   `koanf:"policy_path"`
}

type AuditConfig struct {
	Backend          string        `koanf:"backend" validate:"oneof=postgres redis log"`
	BufferSize       int           `koanf:"buffer_size" validate:"gt=0"`
	WriteTimeout     time.Duration `koanf:"write_timeout" validate:"gt=0"`
	FailureThreshold uint32        `koanf:"failure_threshold" validate:"gt=0"`
	OpenTimeout      time.Duration `koanf:"open_timeout" validate:"gt=0"`
	RecordAnonymous  bool          `koanf:"record_anonymous"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
	Stream   string `koanf:"stream"`
	MaxLen   int64  `koanf:"max_len" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

type RateLimitConfig struct {
	Enabled   bool    `koanf:"enabled"`
	PerSecond float64 `koanf:"per_second" validate:"gte=0"`
	Burst     int     `koanf:"burst" validate:"gte=0"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Default returns the built-in configuration. It is not valid on its own:
// auth.secret has no default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":9090",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		Auth: AuthConfig{
			Issuer:     "gatekeeper",
			CookieName: "gate_session",
			AccessTTL:  15 * time.Minute,
			UserStore:  "memory",
		},
		Roles: RolesConfig{
			Hierarchy:   []string{"guest", "user", "moderator", "admin"},
			SuperAdmins: []string{"superadmin"},
		},
		Audit: AuditConfig{
			Backend:          "log",
			BufferSize:       1024,
			WriteTimeout:     2 * time.Second,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Stream: "gate:security_events",
			MaxLen: 100_000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerSecond: 20,
			Burst:     40,
		},
	}
}

// Load layers defaults, the YAML file at path (or $GATE_CONFIG when path is
// empty; a missing file is only an error when a path was given) and the
// environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// envKey maps GATE_AUTH__ACCESS_TTL to auth.access_ttl.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

var sliceFields = []string{
	"roles.hierarchy",
	"roles.super_admins",
	"cors.allowed_origins",
	"server.trusted_proxies",
}

// splitSliceFields turns comma-separated env values into lists.
func splitSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceFields {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-section requirements that
// tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%s: failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}
	if (c.Audit.Backend == "postgres" || c.Auth.UserStore == "postgres") && strings.TrimSpace(c.Postgres.DSN) == "" {
		return errors.New("postgres.dsn is required when a postgres backend is selected")
	}
	if c.Audit.Backend == "redis" && strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("redis.addr is required when audit.backend is redis")
	}
	if (c.Auth.BootstrapEmail == "") != (c.Auth.BootstrapPassword == "") {
		return errors.New("auth.bootstrap_email and auth.bootstrap_password must be set together")
	}
	seen := make(map[string]struct{}, len(c.Roles.Hierarchy)+len(c.Roles.SuperAdmins))
	for _, r := range append(append([]string(nil), c.Roles.Hierarchy...), c.Roles.SuperAdmins...) {
		r = strings.ToLower(strings.TrimSpace(r))
		if _, dup := seen[r]; dup {
			return fmt.Errorf("roles: %q listed more than once", r)
		}
		seen[r] = struct{}{}
	}
	return nil
}
