package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. OFFLINEGATE_CACHE_NAME.
const EnvPrefix = "OFFLINEGATE_"

const (
	BackendMemory = "memory"
	BackendBolt   = "bbolt"
	BackendRedis  = "redis"
)

var validPolicies = map[string]bool{
	"network-first":          true,
	"cache-first":            true,
	"stale-while-revalidate": true,
	"network-only":           true,
}

type Config struct {
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Origin  OriginConfig  `yaml:"origin" envPrefix:"ORIGIN_"`
	Cache   CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`
	Routes  []RouteConfig `yaml:"routes"`
	Offline OfflineConfig `yaml:"offline" envPrefix:"OFFLINE_"`
	Sync    SyncConfig    `yaml:"sync" envPrefix:"SYNC_"`
	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Address      string    `yaml:"address" env:"ADDRESS"`
	TLS          TLSConfig `yaml:"tls" envPrefix:"TLS_"`
	IPBlockCIDRs []string  `yaml:"ipBlockCIDRs" env:"IP_BLOCK_CIDRS" envSeparator:","`

	// TrustedProxyCIDRs are peers whose X-Forwarded-For is believed when
	// finding the client address.
	TrustedProxyCIDRs []string `yaml:"trustedProxyCIDRs" env:"TRUSTED_PROXY_CIDRS" envSeparator:","`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	CertFile string `yaml:"certFile" env:"CERT_FILE"`
	KeyFile  string `yaml:"keyFile" env:"KEY_FILE"`
}

type OriginConfig struct {
	URL                string        `yaml:"url" env:"URL"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify" env:"INSECURE_SKIP_VERIFY"`
	DialTimeout        time.Duration `yaml:"dialTimeout" env:"DIAL_TIMEOUT"`

	// ResponseHeaderTimeout bounds how long the origin may take to answer
	// before the request counts as a network failure. Zero means no bound.
	ResponseHeaderTimeout time.Duration `yaml:"responseHeaderTimeout" env:"RESPONSE_HEADER_TIMEOUT"`
}

type CacheConfig struct {
	// Name is the store of the running version; bump it to roll over.
	Name         string        `yaml:"name" env:"NAME"`
	AllowList    []string      `yaml:"allowList" env:"ALLOW_LIST" envSeparator:","`
	Policy       string        `yaml:"policy" env:"POLICY"`
	SeedURLs     []string      `yaml:"seedURLs" env:"SEED_URLS" envSeparator:","`
	MaxEntries   int           `yaml:"maxEntries" env:"MAX_ENTRIES"`
	MaxAge       time.Duration `yaml:"maxAge" env:"MAX_AGE"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes" env:"MAX_BODY_BYTES"`
	Backend      string        `yaml:"backend" env:"BACKEND"`
	Bolt         BoltConfig    `yaml:"bbolt" envPrefix:"BBOLT_"`
	Redis        RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
}

type BoltConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type RouteConfig struct {
	Name       string `yaml:"name"`
	PathPrefix string `yaml:"pathPrefix"`
	Policy     string `yaml:"policy"`
}

type OfflineConfig struct {
	// Page is served with 503 to navigations that fail with no cached copy.
	Page string `yaml:"page" env:"PAGE"`
}

type SyncConfig struct {
	Tag      string        `yaml:"tag" env:"TAG"`
	FeedPath string        `yaml:"feedPath" env:"FEED_PATH"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Load reads the YAML file at path, applies OFFLINEGATE_* environment
// overrides and fills in defaults. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}

	if cfg.Origin.DialTimeout <= 0 {
		cfg.Origin.DialTimeout = 30 * time.Second
	}

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = "my-cache"
	}

	if cfg.Cache.Policy == "" {
		cfg.Cache.Policy = "network-first"
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = BackendMemory
	}

	if cfg.Cache.MaxBodyBytes <= 0 {
		cfg.Cache.MaxBodyBytes = 1 << 20 // 1 MiB
	}

	if cfg.Cache.Bolt.Path == "" {
		cfg.Cache.Bolt.Path = "offlinegate.db"
	}

	if cfg.Sync.Tag == "" {
		cfg.Sync.Tag = "update-content"
	}

	if cfg.Sync.FeedPath == "" {
		cfg.Sync.FeedPath = "/last-commit"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func (cfg *Config) Validate() error {
	var errs []error

	if cfg.Origin.URL == "" {
		errs = append(errs, errors.New("origin.url is required"))
	} else if u, err := url.Parse(cfg.Origin.URL); err != nil {
		errs = append(errs, fmt.Errorf("origin.url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("origin.url: unsupported scheme %q", u.Scheme))
	}

	if !validPolicies[cfg.Cache.Policy] {
		errs = append(errs, fmt.Errorf("cache.policy: unknown policy %q", cfg.Cache.Policy))
	}

	switch cfg.Cache.Backend {
	case BackendMemory, BackendBolt:
	case BackendRedis:
		if cfg.Cache.Redis.Addr == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q", cfg.Cache.Backend))
	}

	for i, r := range cfg.Routes {
		if r.PathPrefix == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: pathPrefix is required", i))
		}
		if r.Policy != "" && !validPolicies[r.Policy] {
			errs = append(errs, fmt.Errorf("routes[%d]: unknown policy %q", i, r.Policy))
		}
	}

	if cfg.Origin.ResponseHeaderTimeout < 0 {
		errs = append(errs, errors.New("origin.responseHeaderTimeout must not be negative"))
	}

	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls: certFile and keyFile are required when enabled"))
	}

	return errors.Join(errs...)
}

// RoutePolicy returns the route's policy, falling back to the cache default.
func (cfg *Config) RoutePolicy(rc RouteConfig) string {
	if rc.Policy != "" {
		return rc.Policy
	}
	return cfg.Cache.Policy
}

// RouteName returns the route's name, falling back to its prefix.
func (cfg *Config) RouteName(rc RouteConfig) string {
	if rc.Name != "" {
		return rc.Name
	}
	return rc.PathPrefix
}

// AllowList is the set of store names that survive activation: the running
// store plus any configured extras.
func (cfg *Config) AllowList() []string {
	names := []string{cfg.Cache.Name}
	for _, n := range cfg.Cache.AllowList {
		if n != cfg.Cache.Name {
			names = append(names, n)
		}
	}
	return names
}

// RestartRequired lists the sections of next that differ from cfg and are only
// read at startup. A running gateway picks up the rest of next through
// Rollover.
func (cfg *Config) RestartRequired(next *Config) []string {
	var sections []string
	check := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			sections = append(sections, name)
		}
	}
	check("server", cfg.Server, next.Server)
	check("origin", cfg.Origin, next.Origin)
	check("cache.backend", cfg.Cache.Backend, next.Cache.Backend)
	check("cache.bbolt", cfg.Cache.Bolt, next.Cache.Bolt)
	check("cache.redis", cfg.Cache.Redis, next.Cache.Redis)
	check("cache.maxEntries", cfg.Cache.MaxEntries, next.Cache.MaxEntries)
	check("cache.maxAge", cfg.Cache.MaxAge, next.Cache.MaxAge)
	check("routes", cfg.Routes, next.Routes)
	check("offline", cfg.Offline, next.Offline)
	check("sync.interval", cfg.Sync.Interval, next.Sync.Interval)
	check("sync.tag", cfg.Sync.Tag, next.Sync.Tag)
	check("logging", cfg.Logging, next.Logging)
	return sections
}

// Rollover returns the config a running gateway moves to when next names a new
// store: the version fields of next on top of the startup-only sections of cfg.
func (cfg *Config) Rollover(next *Config) *Config {
	applied := *cfg
	applied.Cache.Name = next.Cache.Name
	applied.Cache.AllowList = next.Cache.AllowList
	applied.Cache.Policy = next.Cache.Policy
	applied.Cache.SeedURLs = next.Cache.SeedURLs
	applied.Cache.MaxBodyBytes = next.Cache.MaxBodyBytes
	applied.Sync.FeedPath = next.Sync.FeedPath
	return &applied
}
