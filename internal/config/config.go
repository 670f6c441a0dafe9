// Package config loads the YAML service configuration and process
// environment settings.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLoginModes = []string{"guest", "trusted_source", "credentials"}
)

// Config is the root application configuration.
type Config struct {
	Server    ServerConfig
	InfluxDB  InfluxDBConfig
	Cache     CacheConfig
	Clusters  []ClusterConfig
	Telemetry TelemetryConfig
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	ListenAddr      string
	LogLevel        string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// InfluxDBConfig configures the metrics backend.
type InfluxDBConfig struct {
	Server         string
	DB             string
	RequestTimeout time.Duration
}

// CacheConfig configures the authentication cache backend.
type CacheConfig struct {
	Backend                string
	Path                   string
	RedisMode              string
	RedisAddr              string
	RedisMasterSet         string
	RedisSentinelAddrs     []string
	RedisPassword          string
	RedisDB                int
	Namespace              string
	LockTTL                time.Duration
	MetricsRefreshInterval time.Duration
}

// ClusterConfig configures one cluster's scheduler API.
type ClusterConfig struct {
	Name      string
	API       string
	LoginMode string
	Login     string
	Password  string
	// AuthEnabled is nil when the cluster does not pin it.
	AuthEnabled    *bool
	RequestTimeout time.Duration
}

// TelemetryConfig configures OpenTelemetry behavior.
type TelemetryConfig struct {
	OTELEnabled          bool
	OTELTraceMode        string
	OTELTraceSampleRatio float64
}

// Env holds process settings read from JOBMETRICS_* variables.
type Env struct {
	Config     string `envconfig:"CONFIG" default:"/etc/jobmetrics/jobmetrics.yaml"`
	LogLevel   string `envconfig:"LOG_LEVEL"`
	ListenAddr string `envconfig:"LISTEN_ADDR"`
}

// LoadEnv reads the process settings.
func LoadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("jobmetrics", &env); err != nil {
		return Env{}, fmt.Errorf("read environment: %w", err)
	}
	return env, nil
}

// Load reads configuration from YAML and validates the result.
func Load(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("config reader is nil")
	}

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)

	var raw rawConfig
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg := raw.toConfig()
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv applies environment overrides and revalidates.
func (c *Config) ApplyEnv(env Env) error {
	if env.LogLevel != "" {
		c.Server.LogLevel = strings.ToLower(env.LogLevel)
	}
	if env.ListenAddr != "" {
		c.Server.ListenAddr = env.ListenAddr
	}
	return c.Validate()
}

// Cluster returns the configuration of the named cluster.
func (c *Config) Cluster(name string) (ClusterConfig, bool) {
	for _, cluster := range c.Clusters {
		if cluster.Name == name {
			return cluster, true
		}
	}
	return ClusterConfig{}, false
}

// Validate validates configuration values.
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(validLogLevels, c.Server.LogLevel) {
		errs = append(errs, "server.log_level must be one of debug|info|warn|error")
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, "server.listen_addr is required")
	}

	if !isHTTPURL(c.InfluxDB.Server) {
		errs = append(errs, "influxdb.server must be an http(s) URL")
	}
	if c.InfluxDB.DB == "" {
		errs = append(errs, "influxdb.db is required")
	}

	switch c.Cache.Backend {
	case "file":
		if c.Cache.Path == "" {
			errs = append(errs, "cache.path is required when cache.backend=file")
		}
	case "redis":
		switch c.Cache.RedisMode {
		case "standalone":
			if c.Cache.RedisAddr == "" {
				errs = append(errs, "cache.redis_addr is required when cache.redis_mode=standalone")
			}
		case "sentinel":
			if len(c.Cache.RedisSentinelAddrs) == 0 {
				errs = append(errs, "cache.redis_sentinel_addrs is required when cache.redis_mode=sentinel")
			}
			if c.Cache.RedisMasterSet == "" {
				errs = append(errs, "cache.redis_master_set is required when cache.redis_mode=sentinel")
			}
		default:
			errs = append(errs, "cache.redis_mode must be standalone or sentinel")
		}
	default:
		errs = append(errs, "cache.backend must be file or redis")
	}
	if c.Cache.LockTTL <= 0 {
		errs = append(errs, "cache.lock_ttl must be > 0")
	}

	if len(c.Clusters) == 0 {
		errs = append(errs, "clusters must contain at least one cluster")
	}
	seenClusters := make(map[string]struct{}, len(c.Clusters))
	for i, cluster := range c.Clusters {
		prefix := fmt.Sprintf("clusters[%d]", i)
		if cluster.Name == "" {
			errs = append(errs, prefix+".name is required")
		}
		if !isHTTPURL(cluster.API) {
			errs = append(errs, prefix+".api must be an http(s) URL")
		}
		if !slices.Contains(validLoginModes, cluster.LoginMode) {
			errs = append(errs, prefix+".login_mode must be one of guest|trusted_source|credentials")
		}
		if cluster.LoginMode == "credentials" && cluster.Login == "" {
			errs = append(errs, prefix+".login is required when login_mode=credentials")
		}
		if _, ok := seenClusters[cluster.Name]; ok && cluster.Name != "" {
			errs = append(errs, "clusters contains duplicate name: "+cluster.Name)
		}
		seenClusters[cluster.Name] = struct{}{}
	}

	if c.Telemetry.OTELTraceSampleRatio < 0 || c.Telemetry.OTELTraceSampleRatio > 1 {
		errs = append(errs, "telemetry.otel_trace_sample_ratio must be within [0,1]")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func isHTTPURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.RequestTimeout <= 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.InfluxDB.Server == "" {
		cfg.InfluxDB.Server = "http://localhost:8086"
	}
	if cfg.InfluxDB.DB == "" {
		cfg.InfluxDB.DB = "graphite"
	}
	if cfg.InfluxDB.RequestTimeout <= 0 {
		cfg.InfluxDB.RequestTimeout = 30 * time.Second
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "file"
	}
	if cfg.Cache.Backend == "file" && cfg.Cache.Path == "" {
		cfg.Cache.Path = "/var/cache/jobmetrics/jobmetrics.data"
	}
	if cfg.Cache.RedisMode == "" {
		cfg.Cache.RedisMode = "standalone"
	}
	if cfg.Cache.Namespace == "" {
		cfg.Cache.Namespace = "jobmetrics"
	}
	if cfg.Cache.LockTTL <= 0 {
		cfg.Cache.LockTTL = 30 * time.Second
	}
	if cfg.Cache.MetricsRefreshInterval <= 0 {
		cfg.Cache.MetricsRefreshInterval = 30 * time.Second
	}

	for i := range cfg.Clusters {
		cluster := &cfg.Clusters[i]
		if cluster.LoginMode == "" {
			if cluster.Login == "" || cluster.Login == "guest" {
				cluster.LoginMode = "guest"
			} else {
				cluster.LoginMode = "credentials"
			}
		}
		if cluster.RequestTimeout <= 0 {
			cluster.RequestTimeout = 10 * time.Second
		}
	}
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil || value.Kind == 0 || strings.TrimSpace(value.Value) == "" {
		d.Duration = 0
		return nil
	}

	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseFlexibleDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}

	if standard, err := time.ParseDuration(trimmed); err == nil {
		return standard, nil
	}

	if strings.HasSuffix(trimmed, "d") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "d"), 24)
	}
	if strings.HasSuffix(trimmed, "w") {
		return parseDurationWithMultiplier(strings.TrimSuffix(trimmed, "w"), 24*7)
	}

	return 0, fmt.Errorf("parse duration %q: invalid unit", raw)
}

func parseDurationWithMultiplier(numeric string, multiplierHours float64) (time.Duration, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(numeric), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration value %q: %w", numeric, err)
	}

	nanos := value * multiplierHours * float64(time.Hour)
	if nanos > math.MaxInt64 || nanos < math.MinInt64 {
		return 0, fmt.Errorf("parse duration value %q: out of range", numeric)
	}
	return time.Duration(nanos), nil
}

type rawConfig struct {
	Server    rawServer    `yaml:"server"`
	InfluxDB  rawInfluxDB  `yaml:"influxdb"`
	Cache     rawCache     `yaml:"cache"`
	Clusters  []rawCluster `yaml:"clusters"`
	Telemetry rawTelemetry `yaml:"telemetry"`
}

type rawServer struct {
	ListenAddr      string   `yaml:"listen_addr"`
	LogLevel        string   `yaml:"log_level"`
	RequestTimeout  duration `yaml:"request_timeout"`
	ShutdownTimeout duration `yaml:"shutdown_timeout"`
}

type rawInfluxDB struct {
	Server         string   `yaml:"server"`
	DB             string   `yaml:"db"`
	RequestTimeout duration `yaml:"request_timeout"`
}

type rawCache struct {
	Backend                string   `yaml:"backend"`
	Path                   string   `yaml:"path"`
	RedisMode              string   `yaml:"redis_mode"`
	RedisAddr              string   `yaml:"redis_addr"`
	RedisMasterSet         string   `yaml:"redis_master_set"`
	RedisSentinelAddrs     []string `yaml:"redis_sentinel_addrs"`
	RedisPassword          string   `yaml:"redis_password"`
	RedisDB                int      `yaml:"redis_db"`
	Namespace              string   `yaml:"namespace"`
	LockTTL                duration `yaml:"lock_ttl"`
	MetricsRefreshInterval duration `yaml:"metrics_refresh_interval"`
}

type rawCluster struct {
	Name           string   `yaml:"name"`
	API            string   `yaml:"api"`
	LoginMode      string   `yaml:"login_mode"`
	Login          string   `yaml:"login"`
	Password       string   `yaml:"password"`
	AuthEnabled    *bool    `yaml:"auth_enabled"`
	RequestTimeout duration `yaml:"request_timeout"`
}

type rawTelemetry struct {
	OTELEnabled          bool    `yaml:"otel_enabled"`
	OTELTraceMode        string  `yaml:"otel_trace_mode"`
	OTELTraceSampleRatio float64 `yaml:"otel_trace_sample_ratio"`
}

func (r rawConfig) toConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:      r.Server.ListenAddr,
			LogLevel:        strings.ToLower(strings.TrimSpace(r.Server.LogLevel)),
			RequestTimeout:  r.Server.RequestTimeout.Duration,
			ShutdownTimeout: r.Server.ShutdownTimeout.Duration,
		},
		InfluxDB: InfluxDBConfig{
			Server:         strings.TrimRight(r.InfluxDB.Server, "/"),
			DB:             r.InfluxDB.DB,
			RequestTimeout: r.InfluxDB.RequestTimeout.Duration,
		},
		Cache: CacheConfig{
			Backend:                strings.ToLower(strings.TrimSpace(r.Cache.Backend)),
			Path:                   r.Cache.Path,
			RedisMode:              r.Cache.RedisMode,
			RedisAddr:              r.Cache.RedisAddr,
			RedisMasterSet:         r.Cache.RedisMasterSet,
			RedisSentinelAddrs:     r.Cache.RedisSentinelAddrs,
			RedisPassword:          r.Cache.RedisPassword,
			RedisDB:                r.Cache.RedisDB,
			Namespace:              r.Cache.Namespace,
			LockTTL:                r.Cache.LockTTL.Duration,
			MetricsRefreshInterval: r.Cache.MetricsRefreshInterval.Duration,
		},
		Clusters: make([]ClusterConfig, 0, len(r.Clusters)),
		Telemetry: TelemetryConfig{
			OTELEnabled:          r.Telemetry.OTELEnabled,
			OTELTraceMode:        r.Telemetry.OTELTraceMode,
			OTELTraceSampleRatio: r.Telemetry.OTELTraceSampleRatio,
		},
	}

	for _, cluster := range r.Clusters {
		cfg.Clusters = append(cfg.Clusters, ClusterConfig{
			Name:           strings.TrimSpace(cluster.Name),
			API:            strings.TrimRight(cluster.API, "/"),
			LoginMode:      strings.ToLower(strings.TrimSpace(cluster.LoginMode)),
			Login:          cluster.Login,
			Password:       cluster.Password,
			AuthEnabled:    cluster.AuthEnabled,
			RequestTimeout: cluster.RequestTimeout.Duration,
		})
	}
	return cfg
}
