// Package config builds the process configuration once at startup from
// defaults, an optional YAML file and TOOLGATE_* environment overrides. The
// resulting Config is passed down explicitly; no component reads the
// environment after Load returns.
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

type (
	// Config is the complete process configuration.
	Config struct {
		// ClusterName prefixes shared Redis resources. Gateway instances with the
		// same name and Redis form one deployment.
		ClusterName string          `yaml:"clusterName"`
		HTTP        HTTPConfig      `yaml:"http"`
		Redis       RedisConfig     `yaml:"redis"`
		Mongo       MongoConfig     `yaml:"mongo"`
		RateLimit   RateLimitConfig `yaml:"rateLimit"`
		Registry    RegistryConfig  `yaml:"registry"`
		Router      RouterConfig    `yaml:"router"`
		Session     SessionConfig   `yaml:"session"`
		Tenants     []TenantConfig  `yaml:"tenants"`
		Edge        EdgeConfig      `yaml:"edge"`
	}

	// HTTPConfig configures the HTTP listener.
	HTTPConfig struct {
		Addr            string        `yaml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	}

	// RedisConfig configures the shared Redis. Without Addr or URL the
	// in-process backends are used, which is only correct for a single
	// instance.
	RedisConfig struct {
		// URL is a redis:// URL. It takes precedence over the other fields.
		URL      string `yaml:"url"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// MongoConfig configures the optional MongoDB persistence collaborator.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// RateLimitConfig is the admission ceiling applied to HTTP entry points.
	RateLimitConfig struct {
		Max    int           `yaml:"max"`
		Window time.Duration `yaml:"window"`
		// TrustedProxies lists the CIDRs of reverse proxies whose
		// X-Forwarded-For header identifies the client.
		TrustedProxies []string `yaml:"trustedProxies"`
	}

	// RegistryConfig tunes runtime presence.
	RegistryConfig struct {
		StaleDeadline time.Duration `yaml:"staleDeadline"`
		SweepInterval time.Duration `yaml:"sweepInterval"`
	}

	// RouterConfig tunes call routing.
	RouterConfig struct {
		CallTimeout time.Duration `yaml:"callTimeout"`
	}

	// SessionConfig tunes agent sessions.
	SessionConfig struct {
		MaxAge time.Duration `yaml:"maxAge"`
		// Secret signs session tokens. Every instance of a deployment must use
		// the same secret.
		Secret string `yaml:"secret"`
		// CallsPerSecond throttles tools/call per session. Zero disables it.
		CallsPerSecond float64 `yaml:"callsPerSecond"`
		Burst          int     `yaml:"burst"`
	}

	// TenantConfig declares one workspace and its catalog.
	TenantConfig struct {
		ID            string           `yaml:"id"`
		WorkspaceKeys []string         `yaml:"workspaceKeys"`
		Skills        []SkillConfig    `yaml:"skills"`
		Providers     []ProviderConfig `yaml:"providers"`
	}

	// SkillConfig declares a skill: a named selection of providers reachable
	// with its own key or with a workspace key plus the skill name.
	SkillConfig struct {
		ID        string   `yaml:"id"`
		Name      string   `yaml:"name"`
		Key       string   `yaml:"key"`
		Providers []string `yaml:"providers"`
	}

	// ProviderConfig declares a tool provider.
	ProviderConfig struct {
		ID string `yaml:"id"`
		// Transport is STDIO, SSE or STREAM.
		Transport string `yaml:"transport"`
		// Target is EDGE or AGENT-EMBEDDED.
		Target string `yaml:"target"`
		// Command and Args start a STDIO provider.
		Command string            `yaml:"command"`
		Args    []string          `yaml:"args"`
		Env     map[string]string `yaml:"env"`
		// URL locates an SSE or STREAM provider.
		URL     string            `yaml:"url"`
		Headers map[string]string `yaml:"headers"`
		// Builtin names an in-process tool set instead of an external process.
		Builtin string `yaml:"builtin"`
	}

	// EdgeConfig configures `toolgate edge`.
	EdgeConfig struct {
		Name              string        `yaml:"name"`
		WorkspaceKey      string        `yaml:"workspaceKey"`
		Capabilities      []string      `yaml:"capabilities"`
		Roots             []string      `yaml:"roots"`
		HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
		// Providers lists the IDs of tenant providers this runtime hosts.
		Providers []string `yaml:"providers"`
	}
)

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ClusterName: "toolgate",
		HTTP:        HTTPConfig{Addr: ":8080", ShutdownTimeout: 30 * time.Second},
		Mongo:       MongoConfig{Database: "toolgate"},
		RateLimit:   RateLimitConfig{Max: 100, Window: time.Minute},
		Registry:    RegistryConfig{StaleDeadline: 30 * time.Second, SweepInterval: 10 * time.Second},
		Router:      RouterConfig{CallTimeout: 30 * time.Second},
		Session:     SessionConfig{MaxAge: 24 * time.Hour},
	}
}

// Load returns the configuration read from path (optional) with environment
// overrides applied, then validated.
func Load(path string) (*Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an explicit environment lookup.
func LoadWith(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	if c.ClusterName == "" {
		errs = append(errs, errors.New("clusterName is required"))
	}
	if c.RateLimit.Max <= 0 {
		errs = append(errs, errors.New("rateLimit.max must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rateLimit.window must be positive"))
	}
	if c.Registry.StaleDeadline <= 0 {
		errs = append(errs, errors.New("registry.staleDeadline must be positive"))
	}
	if c.Registry.SweepInterval <= 0 {
		errs = append(errs, errors.New("registry.sweepInterval must be positive"))
	}
	if c.Router.CallTimeout <= 0 {
		errs = append(errs, errors.New("router.callTimeout must be positive"))
	}
	if c.Session.MaxAge <= 0 {
		errs = append(errs, errors.New("session.maxAge must be positive"))
	}
	if c.Session.CallsPerSecond < 0 {
		errs = append(errs, errors.New("session.callsPerSecond must not be negative"))
	}
	seen := make(map[string]string)
	for _, t := range c.Tenants {
		if t.ID == "" {
			errs = append(errs, errors.New("tenant id is required"))
		}
		keys := append([]string{}, t.WorkspaceKeys...)
		for _, s := range t.Skills {
			if s.Key != "" {
				keys = append(keys, s.Key)
			}
		}
		for _, k := range keys {
			if other, ok := seen[k]; ok && other != t.ID {
				errs = append(errs, fmt.Errorf("key shared by tenants %q and %q", other, t.ID))
			}
			seen[k] = t.ID
		}
	}
	return errors.Join(errs...)
}

// HeartbeatInterval returns the edge heartbeat period, defaulting to a third
// of the stale deadline so two beats can be lost before the runtime is swept.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.Edge.HeartbeatInterval > 0 {
		return c.Edge.HeartbeatInterval
	}
	return c.Registry.StaleDeadline / 3
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("TOOLGATE_CLUSTER_NAME", &cfg.ClusterName)
	str("TOOLGATE_HTTP_ADDR", &cfg.HTTP.Addr)
	str("REDIS_URL", &cfg.Redis.URL)
	str("TOOLGATE_REDIS_URL", &cfg.Redis.URL)
	str("TOOLGATE_REDIS_ADDR", &cfg.Redis.Addr)
	str("TOOLGATE_REDIS_PASSWORD", &cfg.Redis.Password)
	integer("TOOLGATE_REDIS_DB", &cfg.Redis.DB)
	str("TOOLGATE_MONGO_URI", &cfg.Mongo.URI)
	str("TOOLGATE_MONGO_DATABASE", &cfg.Mongo.Database)
	integer("TOOLGATE_RATE_LIMIT_MAX", &cfg.RateLimit.Max)
	duration("TOOLGATE_RATE_LIMIT_WINDOW", &cfg.RateLimit.Window)
	if v, ok := lookup("TOOLGATE_TRUSTED_PROXIES"); ok && v != "" {
		cfg.RateLimit.TrustedProxies = strings.Split(v, ",")
	}
	duration("TOOLGATE_STALE_DEADLINE", &cfg.Registry.StaleDeadline)
	duration("TOOLGATE_SWEEP_INTERVAL", &cfg.Registry.SweepInterval)
	duration("TOOLGATE_CALL_TIMEOUT", &cfg.Router.CallTimeout)
	duration("TOOLGATE_SESSION_MAX_AGE", &cfg.Session.MaxAge)
	str("TOOLGATE_SESSION_SECRET", &cfg.Session.Secret)
	str("TOOLGATE_EDGE_NAME", &cfg.Edge.Name)
	str("TOOLGATE_EDGE_WORKSPACE_KEY", &cfg.Edge.WorkspaceKey)
	return errors.Join(errs...)
}

// Enabled reports whether a shared Redis is configured.
func (r RedisConfig) Enabled() bool { return r.URL != "" || r.Addr != "" }

// parseDuration accepts Go duration strings and bare integers, which are
// read as milliseconds.
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}
