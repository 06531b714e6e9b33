package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/n3tuk/content-sync-lock/internal/controller"
	"github.com/n3tuk/content-sync-lock/internal/store"
)

// Storage and transport drivers.
const (
	DriverOlric    = "olric"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverHTTP     = "http"
	DriverNATS     = "nats"
)

// Config holds all configuration for the service.
type Config struct {
	// API server settings
	APIPort int
	APIHost string

	// Probe server settings
	ProbePort int
	ProbeHost string

	// Metrics server settings
	MetricsPort int
	MetricsHost string

	// TLS settings
	TLSEnabled bool
	TLSCert    string
	TLSKey     string

	// Logging settings
	LogLevel  string
	LogFormat string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Health check settings
	HealthCheckTimeout       time.Duration
	HealthCheckCacheDuration time.Duration

	// Metrics settings
	MetricsNamespace string

	// Site identity; empty generates one and shares it through Olric
	SiteID string

	// Lock settings
	ConflictPolicy string

	// Flow registry settings
	FlowsFile  string
	FlowsWatch bool

	// Entity store settings
	EntityDriver  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// Status store settings
	StatusDriver string
	PostgresDSN  string

	// Push transport settings
	PushDriver      string
	PushEndpoint    string
	PushNATSURL     string
	PushNATSSubject string
	PushTimeout     time.Duration
	PushRate        float64
	PushBurst       int

	// Tracing settings
	TracingEnabled bool

	// Olric settings
	Olric *store.OlricConfig
}

// Load reads configuration from environment variables, config file, and flags.
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.host", "0.0.0.0")
	viper.SetDefault("probe.port", 8081)
	viper.SetDefault("probe.host", "0.0.0.0")
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.host", "0.0.0.0")
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cert", "")
	viper.SetDefault("tls.key", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("shutdown.timeout", "30s")
	viper.SetDefault("health.check_timeout", "5s")
	viper.SetDefault("health.cache_duration", "10s")
	viper.SetDefault("site.id", "")
	viper.SetDefault("lock.conflict_policy", string(controller.ConflictReject))
	viper.SetDefault("flows.file", "/etc/content-sync-lock/flows.yaml")
	viper.SetDefault("flows.watch", true)
	viper.SetDefault("entity.driver", DriverOlric)
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.prefix", "content-sync")
	viper.SetDefault("status.driver", DriverOlric)
	viper.SetDefault("postgres.dsn", "")
	viper.SetDefault("push.driver", DriverHTTP)
	viper.SetDefault("push.endpoint", "http://127.0.0.1:8090/push")
	viper.SetDefault("push.nats_url", "nats://127.0.0.1:4222")
	viper.SetDefault("push.nats_subject", "content-sync.push")
	viper.SetDefault("push.timeout", "30s")
	viper.SetDefault("push.rate", 0)
	viper.SetDefault("push.burst", 1)
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("olric.host", store.DefaultBindAddr)
	viper.SetDefault("olric.port", store.DefaultBindPort)
	viper.SetDefault("olric.advertise_addr", store.DefaultAdvertiseAddr)
	viper.SetDefault("olric.advertise_port", store.DefaultAdvertisePort)
	viper.SetDefault("olric.memberlist_port", store.DefaultMemberlistBindPort)
	viper.SetDefault("olric.join_addrs", []string{})
	viper.SetDefault("olric.replication_mode", store.DefaultReplicationMode)
	viper.SetDefault("olric.replication_factor", store.DefaultReplicationFactor)
	viper.SetDefault("olric.partition_count", store.DefaultPartitionCount)
	viper.SetDefault("olric.backup_count", store.DefaultBackupCount)
	viper.SetDefault("olric.backup_mode", store.DefaultBackupMode)
	viper.SetDefault("olric.member_count_quorum", store.DefaultMemberCountQuorum)
	viper.SetDefault("olric.join_retry_interval", store.DefaultJoinRetryInterval.String())
	viper.SetDefault("olric.max_join_attempts", store.DefaultMaxJoinAttempts)
	viper.SetDefault("olric.log_level", "")
	viper.SetDefault("olric.keep_alive_period", store.DefaultKeepAlivePeriod.String())
	viper.SetDefault("olric.request_timeout", store.DefaultRequestTimeout.String())
	viper.SetDefault("olric.dmap_name", store.DefaultDMapName)

	// Enable environment variable support with automatic replacement
	viper.SetEnvPrefix("CSLOCK")
	viper.AutomaticEnv()
	// Replace . with _ in environment variable names (e.g., api.port -> CSLOCK_API_PORT)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Try to read config file if it exists
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/content-sync-lock/")

	// Reading config file is optional
	_ = viper.ReadInConfig()

	// Parse configuration
	cfg := &Config{
		APIPort:          viper.GetInt("api.port"),
		APIHost:          viper.GetString("api.host"),
		ProbePort:        viper.GetInt("probe.port"),
		ProbeHost:        viper.GetString("probe.host"),
		MetricsPort:      viper.GetInt("metrics.port"),
		MetricsHost:      viper.GetString("metrics.host"),
		TLSEnabled:       viper.GetBool("tls.enabled"),
		TLSCert:          viper.GetString("tls.cert"),
		TLSKey:           viper.GetString("tls.key"),
		LogLevel:         viper.GetString("log.level"),
		LogFormat:        viper.GetString("log.format"),
		MetricsNamespace: "content_sync_lock", // Fixed value, not configurable
		SiteID:           strings.TrimSpace(viper.GetString("site.id")),
		ConflictPolicy:   viper.GetString("lock.conflict_policy"),
		FlowsFile:        viper.GetString("flows.file"),
		FlowsWatch:       viper.GetBool("flows.watch"),
		EntityDriver:     viper.GetString("entity.driver"),
		RedisAddr:        viper.GetString("redis.addr"),
		RedisPassword:    viper.GetString("redis.password"),
		RedisDB:          viper.GetInt("redis.db"),
		RedisPrefix:      viper.GetString("redis.prefix"),
		StatusDriver:     viper.GetString("status.driver"),
		PostgresDSN:      viper.GetString("postgres.dsn"),
		PushDriver:       viper.GetString("push.driver"),
		PushEndpoint:     viper.GetString("push.endpoint"),
		PushNATSURL:      viper.GetString("push.nats_url"),
		PushNATSSubject:  viper.GetString("push.nats_subject"),
		PushRate:         viper.GetFloat64("push.rate"),
		PushBurst:        viper.GetInt("push.burst"),
		TracingEnabled:   viper.GetBool("tracing.enabled"),
	}

	durations := []struct {
		key  string
		name string
		dst  *time.Duration
	}{
		{"shutdown.timeout", "shutdown timeout", &cfg.ShutdownTimeout},
		{"health.check_timeout", "health check timeout", &cfg.HealthCheckTimeout},
		{"health.cache_duration", "health check cache duration", &cfg.HealthCheckCacheDuration},
		{"push.timeout", "push timeout", &cfg.PushTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(viper.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}

	olricCfg, err := loadOlric(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Olric = olricCfg

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadOlric reads the olric.* keys. An empty Olric log level follows the
// service log level.
func loadOlric(serviceLevel string) (*store.OlricConfig, error) {
	oc := store.NewDefaultOlricConfig()
	oc.BindAddr = viper.GetString("olric.host")
	oc.BindPort = viper.GetInt("olric.port")
	oc.AdvertiseAddr = viper.GetString("olric.advertise_addr")
	oc.AdvertisePort = viper.GetInt("olric.advertise_port")
	oc.MemberlistBindPort = viper.GetInt("olric.memberlist_port")
	oc.JoinAddrs = viper.GetStringSlice("olric.join_addrs")
	oc.ReplicationMode = viper.GetString("olric.replication_mode")
	oc.ReplicationFactor = viper.GetInt("olric.replication_factor")
	oc.PartitionCount = viper.GetUint64("olric.partition_count")
	oc.BackupCount = viper.GetInt("olric.backup_count")
	oc.BackupMode = viper.GetString("olric.backup_mode")
	oc.MemberCountQuorum = viper.GetInt("olric.member_count_quorum")
	oc.MaxJoinAttempts = viper.GetInt("olric.max_join_attempts")
	oc.DMapName = viper.GetString("olric.dmap_name")

	oc.LogLevel = strings.ToUpper(viper.GetString("olric.log_level"))
	if oc.LogLevel == "" {
		oc.LogLevel = strings.ToUpper(serviceLevel)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"olric.join_retry_interval", &oc.JoinRetryInterval},
		{"olric.keep_alive_period", &oc.KeepAlivePeriod},
		{"olric.request_timeout", &oc.RequestTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(viper.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = v
	}

	return oc, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", c.APIPort)
	}
	if c.ProbePort < 1 || c.ProbePort > 65535 {
		return fmt.Errorf("invalid probe port: %d", c.ProbePort)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}

	if c.TLSEnabled {
		if c.TLSCert == "" {
			return fmt.Errorf("TLS enabled but no certificate path provided")
		}
		if c.TLSKey == "" {
			return fmt.Errorf("TLS enabled but no key path provided")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.LogFormat)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("invalid shutdown timeout: %s (must be positive)", c.ShutdownTimeout)
	}

	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("invalid health check timeout: %s (must be positive)", c.HealthCheckTimeout)
	}

	if c.HealthCheckCacheDuration < 0 {
		return fmt.Errorf("invalid health check cache duration: %s (must be non-negative, zero disables caching)", c.HealthCheckCacheDuration)
	}

	if c.MetricsNamespace == "" {
		return fmt.Errorf("metrics namespace cannot be empty")
	}

	if _, err := controller.ParseConflictPolicy(c.ConflictPolicy); err != nil {
		return err
	}

	if c.FlowsFile == "" {
		return fmt.Errorf("flow configuration file is required")
	}

	if err := c.validateStores(); err != nil {
		return err
	}

	if err := c.validatePush(); err != nil {
		return err
	}

	if c.Olric == nil {
		return fmt.Errorf("olric configuration is required")
	}
	if err := c.Olric.Validate(); err != nil {
		return fmt.Errorf("invalid olric configuration: %w", err)
	}

	return nil
}

func (c *Config) validateStores() error {
	switch c.EntityDriver {
	case DriverOlric:
	case DriverRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis entity store requires redis.addr")
		}
		if c.RedisDB < 0 {
			return fmt.Errorf("invalid redis database: %d", c.RedisDB)
		}
	default:
		return fmt.Errorf("invalid entity driver: %s (must be olric or redis)", c.EntityDriver)
	}

	switch c.StatusDriver {
	case DriverOlric:
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres status store requires postgres.dsn")
		}
	default:
		return fmt.Errorf("invalid status driver: %s (must be olric or postgres)", c.StatusDriver)
	}

	return nil
}

func (c *Config) validatePush() error {
	switch c.PushDriver {
	case DriverHTTP:
		if c.PushEndpoint == "" {
			return fmt.Errorf("http push transport requires push.endpoint")
		}
		u, err := url.Parse(c.PushEndpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid push endpoint: %s", c.PushEndpoint)
		}
	case DriverNATS:
		if c.PushNATSURL == "" {
			return fmt.Errorf("nats push transport requires push.nats_url")
		}
		if c.PushNATSSubject == "" {
			return fmt.Errorf("nats push transport requires push.nats_subject")
		}
	default:
		return fmt.Errorf("invalid push driver: %s (must be http or nats)", c.PushDriver)
	}

	if c.PushTimeout <= 0 {
		return fmt.Errorf("invalid push timeout: %s (must be positive)", c.PushTimeout)
	}
	if c.PushRate < 0 {
		return fmt.Errorf("invalid push rate: %g (must be non-negative, zero disables pacing)", c.PushRate)
	}
	if c.PushBurst < 1 {
		return fmt.Errorf("invalid push burst: %d (must be at least 1)", c.PushBurst)
	}

	return nil
}
