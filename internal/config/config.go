// Package config loads RERUM's runtime configuration from environment
// variables under the RERUM_ prefix, with typed accessors and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig reads prefixed environment variables with typed accessors.
type EnvConfig struct {
	prefix string
}

// NewEnvConfig returns a loader that reads <prefix>_<KEY> variables.
func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix == "" {
		return key
	}
	return ec.prefix + "_" + key
}

func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

func (ec *EnvConfig) MustGetString(key string) string {
	full := ec.buildKey(key)
	v := os.Getenv(full)
	if v == "" {
		panic(fmt.Sprintf("required environment variable %s not set", full))
	}
	return v
}

func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	v := os.Getenv(ec.buildKey(key))
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Debug           bool
	ReadOnly        bool
}

func LoadServerConfig(prefix string) ServerConfig {
	env := NewEnvConfig(prefix)
	return ServerConfig{
		Port:            env.GetInt("PORT", 8080),
		Host:            env.GetString("HOST", "0.0.0.0"),
		ReadTimeout:     env.GetDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    env.GetDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		Debug:           env.GetBool("DEBUG", false),
		ReadOnly:        env.GetBool("READONLY", false),
	}
}

// StoreConfig configures the MongoDB-backed document store adapter.
type StoreConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

func LoadStoreConfig(prefix string) StoreConfig {
	env := NewEnvConfig(prefix)
	return StoreConfig{
		URI:        env.GetString("MONGO_URI", "mongodb://localhost:27017"),
		Database:   env.GetString("MONGO_DATABASE", "rerum"),
		Collection: env.GetString("MONGO_COLLECTION", "objects"),
		Timeout:    env.GetDuration("MONGO_TIMEOUT", 10*time.Second),
	}
}

// BusConfig configures the Redis-backed ClusterBus.
type BusConfig struct {
	RedisURL     string
	Deadline     time.Duration
	HeartbeatTTL time.Duration
}

func LoadBusConfig(prefix string) BusConfig {
	env := NewEnvConfig(prefix)
	return BusConfig{
		RedisURL:     env.GetString("BUS_REDIS_URL", "redis://localhost:6379/0"),
		Deadline:     env.GetDuration("BUS_DEADLINE", 100*time.Millisecond),
		HeartbeatTTL: env.GetDuration("BUS_HEARTBEAT_TTL", 5*time.Second),
	}
}

// CacheConfig configures the per-worker Cache Store.
type CacheConfig struct {
	Enabled   bool
	MaxLength int
	MaxBytes  int64
	TTL       time.Duration
}

func LoadCacheConfig(prefix string) CacheConfig {
	env := NewEnvConfig(prefix)
	return CacheConfig{
		Enabled:   env.GetBool("CACHING", true),
		MaxLength: env.GetInt("CACHE_MAX_LENGTH", 10000),
		MaxBytes:  int64(env.GetInt("CACHE_MAX_BYTES", 64*1024*1024)),
		TTL:       env.GetDuration("CACHE_TTL", 5*time.Minute),
	}
}

// AuthConfig configures bearer-token Agent extraction.
type AuthConfig struct {
	IDPrefix   string
	Prefix     string
	AgentClaim string
	BotAgent   string
	JWTSecret  string
}

func LoadAuthConfig(prefix string) AuthConfig {
	env := NewEnvConfig(prefix)
	return AuthConfig{
		IDPrefix:   env.GetString("ID_PREFIX", "http://rerum.io/v1/id/"),
		Prefix:     env.GetString("PREFIX", "http://rerum.io/v1/"),
		AgentClaim: env.GetString("AGENT_CLAIM", "http://devstore.rerum.io/v1/agent"),
		BotAgent:   env.GetString("BOT_AGENT", ""),
		JWTSecret:  env.GetString("JWT_SECRET", ""),
	}
}

// CORSConfig holds the CORS settings read from the environment (fully
// permissive by default). The router in httpapi does not read it: it always
// installs its own fully permissive CORS middleware.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

func LoadCORSConfig(prefix string) CORSConfig {
	env := NewEnvConfig(prefix)
	return CORSConfig{
		AllowedOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		AllowedMethods: env.GetStringSlice("CORS_ALLOWED_METHODS", []string{"*"}),
		AllowedHeaders: env.GetStringSlice("CORS_ALLOWED_HEADERS", []string{"*"}),
	}
}

// ServiceConfig carries process identity used in logs.
type ServiceConfig struct {
	Name      string
	LogLevel  string
	LogFormat string
}

func LoadServiceConfig(prefix string) ServiceConfig {
	env := NewEnvConfig(prefix)
	return ServiceConfig{
		Name:      env.GetString("NAME", "rerumd"),
		LogLevel:  env.GetString("LOG_LEVEL", "info"),
		LogFormat: env.GetString("LOG_FORMAT", "text"),
	}
}

// Validator accumulates human-readable configuration errors.
type Validator struct {
	errors []string
}

func NewValidator() *Validator { return &Validator{} }

func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, fmt.Sprintf("%s must be positive", field))
	}
}

func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

func (v *Validator) IsValid() bool { return len(v.errors) == 0 }

func (v *Validator) Validate() error {
	if v.IsValid() {
		return nil
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(v.errors, "; "))
}

// AllConfig aggregates every configuration group the process needs.
type AllConfig struct {
	Server  ServerConfig
	Store   StoreConfig
	Bus     BusConfig
	Cache   CacheConfig
	Auth    AuthConfig
	CORS    CORSConfig
	Service ServiceConfig
}

// Load reads every configuration group under the given prefix and validates it.
func Load(prefix string) (*AllConfig, error) {
	cfg := &AllConfig{
		Server:  LoadServerConfig(prefix),
		Store:   LoadStoreConfig(prefix),
		Bus:     LoadBusConfig(prefix),
		Cache:   LoadCacheConfig(prefix),
		Auth:    LoadAuthConfig(prefix),
		CORS:    LoadCORSConfig(prefix),
		Service: LoadServiceConfig(prefix),
	}

	v := NewValidator()
	v.RequirePositiveInt("Server.Port", cfg.Server.Port)
	v.RequireString("Store.URI", cfg.Store.URI)
	v.RequireString("Auth.AgentClaim", cfg.Auth.AgentClaim)
	v.RequireOneOf("Service.LogLevel", cfg.Service.LogLevel, []string{"debug", "info", "warn", "error"})
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
