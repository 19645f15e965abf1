// Package config loads service settings from the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"

	"boardsync/bus"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreTables = "tables"

	AuthJWKS  = "jwks"
	AuthHS256 = "hs256"
)

type Config struct {
	Debug      bool   `env:"DEBUG"`
	LogJSON    bool   `env:"LOG_JSON"`
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	Store      string `env:"STORE_BACKEND" envDefault:"memory"`
	SQLitePath string `env:"SQLITE_PATH"   envDefault:"boardsync.db"`
	// SeedFile is a JSON fixture loaded into the store at startup.
	SeedFile string `env:"SEED_FILE"`

	StorageConnectionString string `env:"STORAGE_CONNECTION_STRING"`
	PositionsTable          string `env:"POSITIONS_TABLE" envDefault:"Positions"`
	DirectoryTable          string `env:"DIRECTORY_TABLE" envDefault:"Directory"`
	MembersTable            string `env:"MEMBERS_TABLE"   envDefault:"Members"`
	// NotifyQueue enables the notification queue when set.
	NotifyQueue   string        `env:"NOTIFY_QUEUE"`
	NotifyWorkers int           `env:"NOTIFY_WORKERS" envDefault:"4"`
	NotifyBuffer  int           `env:"NOTIFY_BUFFER"  envDefault:"1024"`
	NotifyTimeout time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"30s"`
	NotifyHandoff time.Duration `env:"NOTIFY_HANDOFF" envDefault:"0s"`

	// RedisConnectionString enables the read cache, the deduper, the
	// distributed lock and the cross-instance relay.
	RedisConnectionString string        `env:"REDIS_CONNECTION_STRING"`
	CacheTTL              time.Duration `env:"CACHE_TTL"      envDefault:"5m"`
	DeduperTTL            time.Duration `env:"DEDUPER_TTL"    envDefault:"24h"`
	RedisLockTTL          time.Duration `env:"REDIS_LOCK_TTL" envDefault:"10s"`
	RelayChannel          string        `env:"RELAY_CHANNEL"  envDefault:"boardsync-events"`
	RelayBuffer           int           `env:"RELAY_BUFFER"   envDefault:"1024"`

	LockTimeout time.Duration `env:"LOCK_TIMEOUT" envDefault:"2s"`

	ConnectionQueueSize int      `env:"CONNECTION_QUEUE_SIZE" envDefault:"256"`
	ConnectionOverflow  string   `env:"CONNECTION_OVERFLOW"   envDefault:"disconnect"`
	AllowedOrigins      []string `env:"ALLOWED_ORIGINS"       envSeparator:","`

	AuthMode      string        `env:"AUTH_MODE"         envDefault:"jwks"`
	Auth0Domain   string        `env:"AUTH0_DOMAIN"`
	Auth0Audience string        `env:"AUTH0_AUDIENCE"`
	JWKSCacheTTL  time.Duration `env:"JWKS_CACHE_TTL"    envDefault:"15m"`
	AuthSecret    string        `env:"AUTH_HS256_SECRET"`
	AuthIssuer    string        `env:"AUTH_ISSUER"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return load(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return load(env.Options{Environment: vars})
}

func load(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings main cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite store"))
		}
	case StoreTables:
		if c.StorageConnectionString == "" {
			errs = append(errs, errors.New("STORAGE_CONNECTION_STRING is required for the tables store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store))
	}
	if c.NotifyQueue != "" && c.StorageConnectionString == "" {
		errs = append(errs, errors.New("NOTIFY_QUEUE needs STORAGE_CONNECTION_STRING"))
	}

	switch c.AuthMode {
	case AuthJWKS:
		if c.Auth0Domain == "" || c.Auth0Audience == "" {
			errs = append(errs, errors.New("missing Auth0 config"))
		}
	case AuthHS256:
		if c.AuthSecret == "" {
			errs = append(errs, errors.New("AUTH_HS256_SECRET is required for hs256 auth"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown AUTH_MODE %q", c.AuthMode))
	}

	if _, err := bus.ParseOverflow(c.ConnectionOverflow); err != nil {
		errs = append(errs, fmt.Errorf("CONNECTION_OVERFLOW: %w", err))
	}
	for name, v := range map[string]int{
		"CONNECTION_QUEUE_SIZE": c.ConnectionQueueSize,
		"NOTIFY_WORKERS":        c.NotifyWorkers,
		"NOTIFY_BUFFER":         c.NotifyBuffer,
		"RELAY_BUFFER":          c.RelayBuffer,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be greater than zero", name))
		}
	}
	for name, d := range map[string]time.Duration{
		"LOCK_TIMEOUT":   c.LockTimeout,
		"CACHE_TTL":      c.CacheTTL,
		"DEDUPER_TTL":    c.DeduperTTL,
		"REDIS_LOCK_TTL": c.RedisLockTTL,
		"NOTIFY_TIMEOUT": c.NotifyTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be greater than zero", name))
		}
	}
	if c.NotifyHandoff < 0 {
		errs = append(errs, errors.New("NOTIFY_HANDOFF must not be negative"))
	}
	if c.RedisConnectionString != "" {
		if _, err := c.RedisOptions(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Overflow returns the parsed connection overflow policy.
func (c Config) Overflow() bus.Overflow {
	o, _ := bus.ParseOverflow(c.ConnectionOverflow)
	return o
}

// JWKSURL is the key set location of the configured Auth0 tenant.
func (c Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth0Domain)
}

// Issuer is the expected token issuer, empty to skip the check.
func (c Config) Issuer() string {
	if c.AuthMode == AuthJWKS {
		return "https://" + c.Auth0Domain + "/"
	}
	return c.AuthIssuer
}

// RedisOptions accepts a redis:// URL or the Azure Cache form
// "host:port,password=...,ssl=true". It returns nil when Redis is off.
func (c Config) RedisOptions() (*redis.Options, error) {
	conn := strings.TrimSpace(c.RedisConnectionString)
	if conn == "" {
		return nil, nil
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if parts[0] == "" || strings.Contains(parts[0], "=") {
		return nil, fmt.Errorf("invalid REDIS_CONNECTION_STRING: missing host")
	}
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "password":
			opts.Password = v
		case "ssl":
			if strings.EqualFold(v, "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
