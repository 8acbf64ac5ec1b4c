// Package config loads scrapegraph settings from an optional file, the
// environment and built-in defaults, in that order of precedence after
// environment variables.
//
// Environment variables use the SCRAPEGRAPH_ prefix with dots replaced by
// underscores: engine.workers is SCRAPEGRAPH_ENGINE_WORKERS.
package config

import (
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SCRAPEGRAPH"

type Config struct {
	HTTP    HTTP    `mapstructure:"http"`
	Engine  Engine  `mapstructure:"engine"`
	Sink    Sink    `mapstructure:"sink"`
	Store   Store   `mapstructure:"store"`
	Metrics Metrics `mapstructure:"metrics"`
	Log     Log     `mapstructure:"log"`
	Loader  Loader  `mapstructure:"loader"`
	Server  Server  `mapstructure:"server"`
}

type HTTP struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	MaxRedirects    int           `mapstructure:"max_redirects"`
	MaxConnsPerHost int           `mapstructure:"max_conns_per_host"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	Charset         string        `mapstructure:"charset"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type Engine struct {
	Workers         int `mapstructure:"workers"`
	MaxExtendsDepth int `mapstructure:"max_extends_depth"`
	MemoSize        int `mapstructure:"memo_size"`
}

// Sink selects where results go. Kind is a registered sink kind.
type Sink struct {
	Kind  string `mapstructure:"kind"`
	DSN   string `mapstructure:"dsn"`
	Path  string `mapstructure:"path"`
	Index string `mapstructure:"index"`
}

// Store selects the scope store: "memory" or "redis".
type Store struct {
	Kind      string        `mapstructure:"kind"`
	RedisAddr string        `mapstructure:"redis_addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Prefix    string        `mapstructure:"prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// Metrics selects a backend: "none", "pushgateway" or "datadog".
type Metrics struct {
	Backend        string        `mapstructure:"backend"`
	Job            string        `mapstructure:"job"`
	Tags           []string      `mapstructure:"tags"`
	FlushEvery     time.Duration `mapstructure:"flush_every"`
	PushgatewayURL string        `mapstructure:"pushgateway_url"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Loader struct {
	CacheSize int `mapstructure:"cache_size"`
}

// Server configures serve. AllowedSchemes and AllowedHosts limit the
// documents and Load URLs a request may reach; empty allows any.
type Server struct {
	Addr           string   `mapstructure:"addr"`
	AllowedSchemes []string `mapstructure:"allowed_schemes"`
	AllowedHosts   []string `mapstructure:"allowed_hosts"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTP: HTTP{
			Timeout:      60 * time.Second,
			UserAgent:    "scrapegraph/1.0",
			MaxRedirects: 100,
			MaxAttempts:  1,
		},
		Engine:  Engine{Workers: 1, MaxExtendsDepth: 32, MemoSize: 4096},
		Sink:    Sink{Kind: "csv", Path: "-"},
		Store:   Store{Kind: "memory"},
		Metrics: Metrics{Backend: "none", Job: "scrapegraph", FlushEvery: 60 * time.Second},
		Log:     Log{Level: "info", Format: "json"},
		Loader:  Loader{CacheSize: 128},
		Server:  Server{Addr: ":8080", AllowedSchemes: []string{"http", "https"}},
	}
}

// keys lists every setting so environment variables bind even when no file
// mentions them.
var keys = []string{
	"http.timeout", "http.user_agent", "http.max_redirects", "http.max_conns_per_host",
	"http.max_attempts", "http.charset", "http.max_body_bytes",
	"engine.workers", "engine.max_extends_depth", "engine.memo_size",
	"sink.kind", "sink.dsn", "sink.path", "sink.index",
	"store.kind", "store.redis_addr", "store.password", "store.db", "store.prefix", "store.ttl",
	"metrics.backend", "metrics.job", "metrics.tags", "metrics.flush_every", "metrics.pushgateway_url",
	"log.level", "log.format",
	"loader.cache_size",
	"server.addr", "server.allowed_schemes", "server.allowed_hosts",
}

// Options controls Load.
type Options struct {
	// Path is a config file (yaml, json or toml by extension). Empty skips
	// the file.
	Path string
	// EnvFiles are loaded into the process environment first. Missing files
	// are ignored. Nil means ".env".
	EnvFiles []string
	// Environ replaces the process environment lookup. Test seam.
	Environ func(key string) (string, bool)
}

// Load reads configuration. Precedence, highest first: environment, file,
// defaults.
//
// Errors:
//   - The file exists but cannot be read or parsed.
//   - A value cannot be decoded into its field.
func Load(opts Options) (Config, error) {
	envFiles := opts.EnvFiles
	if envFiles == nil {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables already set.
		_ = godotenv.Load(f)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if opts.Environ != nil {
		for _, k := range keys {
			env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(k, ".", "_"))
			if val, ok := opts.Environ(env); ok {
				v.Set(k, val)
			}
		}
	} else {
		v.AutomaticEnv()
		for _, k := range keys {
			if err := v.BindEnv(k); err != nil {
				return Config{}, fmt.Errorf("config: bind %s: %w", k, err)
			}
		}
	}

	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", opts.Path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := mergo.Merge(&cfg, Defaults()); err != nil {
		return Config{}, fmt.Errorf("config: defaults: %w", err)
	}
	return cfg, nil
}
