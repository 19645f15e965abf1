package config

import (
	"strings"
	"testing"
	"time"

	"boardsync/bus"
)

func baseEnv() map[string]string {
	return map[string]string{
		"AUTH_MODE":         "hs256",
		"AUTH_HS256_SECRET": "dev-secret",
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadFrom(baseEnv())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreMemory || cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.LockTimeout != 2*time.Second || cfg.DeduperTTL != 24*time.Hour {
		t.Fatalf("unexpected durations: lock=%v dedupe=%v", cfg.LockTimeout, cfg.DeduperTTL)
	}
	if cfg.ConnectionQueueSize != 256 || cfg.Overflow() != bus.OverflowDisconnect {
		t.Fatalf("unexpected connection settings: %d %v", cfg.ConnectionQueueSize, cfg.Overflow())
	}
	if opts, err := cfg.RedisOptions(); err != nil || opts != nil {
		t.Fatalf("expected redis to be off, got %v %v", opts, err)
	}
}

func TestOverrides(t *testing.T) {
	vars := baseEnv()
	vars["STORE_BACKEND"] = "sqlite"
	vars["SQLITE_PATH"] = "/data/boards.db"
	vars["CONNECTION_OVERFLOW"] = "drop-oldest"
	vars["ALLOWED_ORIGINS"] = "https://a.example,https://b.example"
	vars["LOCK_TIMEOUT"] = "750ms"
	vars["DEBUG"] = "true"
	cfg, err := LoadFrom(vars)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreSQLite || cfg.SQLitePath != "/data/boards.db" {
		t.Fatalf("unexpected store settings: %q %q", cfg.Store, cfg.SQLitePath)
	}
	if cfg.Overflow() != bus.OverflowDropOldest {
		t.Fatalf("expected drop-oldest, got %v", cfg.Overflow())
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if cfg.LockTimeout != 750*time.Millisecond || !cfg.Debug {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]string
		want string
	}{
		{"unknown store", map[string]string{"STORE_BACKEND": "postgres"}, "unknown STORE_BACKEND"},
		{"tables without connection", map[string]string{"STORE_BACKEND": "tables"}, "STORAGE_CONNECTION_STRING"},
		{"queue without connection", map[string]string{"NOTIFY_QUEUE": "events"}, "NOTIFY_QUEUE"},
		{"jwks without tenant", map[string]string{"AUTH_MODE": "jwks"}, "missing Auth0 config"},
		{"hs256 without secret", map[string]string{"AUTH_HS256_SECRET": ""}, "AUTH_HS256_SECRET"},
		{"unknown auth", map[string]string{"AUTH_MODE": "none"}, "unknown AUTH_MODE"},
		{"bad overflow", map[string]string{"CONNECTION_OVERFLOW": "block"}, "CONNECTION_OVERFLOW"},
		{"zero queue", map[string]string{"CONNECTION_QUEUE_SIZE": "0"}, "CONNECTION_QUEUE_SIZE"},
		{"zero lock timeout", map[string]string{"LOCK_TIMEOUT": "0s"}, "LOCK_TIMEOUT"},
		{"bad redis", map[string]string{"REDIS_CONNECTION_STRING": "password=x"}, "REDIS_CONNECTION_STRING"},
		{"unparsable duration", map[string]string{"CACHE_TTL": "soon"}, "parse env"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vars := baseEnv()
			for k, v := range tt.set {
				vars[k] = v
			}
			_, err := LoadFrom(vars)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestRedisOptions(t *testing.T) {
	tests := []struct {
		name     string
		conn     string
		addr     string
		password string
		tls      bool
	}{
		{"url", "redis://:secret@cache:6380/0", "cache:6380", "secret", false},
		{"tls url", "rediss://cache.example:6380", "cache.example:6380", "", true},
		{"azure form", "cache.example:6380,password=secret,ssl=True,abortConnect=False", "cache.example:6380", "secret", true},
		{"plain host", "localhost:6379", "localhost:6379", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := Config{RedisConnectionString: tt.conn}.RedisOptions()
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if opts.Addr != tt.addr || opts.Password != tt.password || (opts.TLSConfig != nil) != tt.tls {
				t.Fatalf("unexpected options addr=%q password=%q tls=%v", opts.Addr, opts.Password, opts.TLSConfig != nil)
			}
		})
	}
}

func TestIssuer(t *testing.T) {
	jwks := Config{AuthMode: AuthJWKS, Auth0Domain: "tenant.auth0.com"}
	if got := jwks.Issuer(); got != "https://tenant.auth0.com/" {
		t.Fatalf("unexpected issuer %q", got)
	}
	if got := jwks.JWKSURL(); got != "https://tenant.auth0.com/.well-known/jwks.json" {
		t.Fatalf("unexpected jwks url %q", got)
	}
	hs := Config{AuthMode: AuthHS256, AuthIssuer: "boardsync-dev"}
	if got := hs.Issuer(); got != "boardsync-dev" {
		t.Fatalf("unexpected issuer %q", got)
	}
}
