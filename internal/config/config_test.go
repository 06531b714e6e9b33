package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/n3tuk/content-sync-lock/internal/store"
)

// validConfig returns a configuration that passes Validate.
func validConfig() *Config {
	return &Config{
		APIPort:                  8080,
		ProbePort:                8081,
		MetricsPort:              9090,
		LogLevel:                 "info",
		LogFormat:                "json",
		ShutdownTimeout:          30 * time.Second,
		HealthCheckTimeout:       5 * time.Second,
		HealthCheckCacheDuration: 10 * time.Second,
		MetricsNamespace:         "test",
		ConflictPolicy:           "reject",
		FlowsFile:                "flows.yaml",
		EntityDriver:             DriverOlric,
		StatusDriver:             DriverOlric,
		PushDriver:               DriverHTTP,
		PushEndpoint:             "http://127.0.0.1:8090/push",
		PushTimeout:              30 * time.Second,
		PushBurst:                1,
		Olric:                    store.NewDefaultOlricConfig(),
	}
}

func TestLoad(t *testing.T) {
	// Reset viper state before each test
	defer viper.Reset()

	tests := []struct {
		name    string
		setup   func()
		wantErr bool
		check   func(*testing.T, *Config)
	}{
		{
			name: "default configuration",
			setup: func() {
				viper.Reset()
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if cfg.APIPort != 8080 {
					t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
				}
				if cfg.ProbePort != 8081 {
					t.Errorf("ProbePort = %d, want 8081", cfg.ProbePort)
				}
				if cfg.MetricsPort != 9090 {
					t.Errorf("MetricsPort = %d, want 9090", cfg.MetricsPort)
				}
				if cfg.LogLevel != "info" {
					t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
				}
				if cfg.ShutdownTimeout != 30*time.Second {
					t.Errorf("ShutdownTimeout = %s, want 30s", cfg.ShutdownTimeout)
				}
				if cfg.MetricsNamespace != "content_sync_lock" {
					t.Errorf("MetricsNamespace = %s, want content_sync_lock", cfg.MetricsNamespace)
				}
				if cfg.ConflictPolicy != "reject" {
					t.Errorf("ConflictPolicy = %s, want reject", cfg.ConflictPolicy)
				}
				if cfg.EntityDriver != DriverOlric || cfg.StatusDriver != DriverOlric {
					t.Errorf("Drivers = %s/%s, want olric/olric", cfg.EntityDriver, cfg.StatusDriver)
				}
				if cfg.PushDriver != DriverHTTP {
					t.Errorf("PushDriver = %s, want http", cfg.PushDriver)
				}
				if cfg.PushTimeout != 30*time.Second {
					t.Errorf("PushTimeout = %s, want 30s", cfg.PushTimeout)
				}
				if cfg.Olric == nil {
					t.Fatal("Olric config is nil")
				}
				if cfg.Olric.LogLevel != "INFO" {
					t.Errorf("Olric.LogLevel = %s, want INFO (follows log.level)", cfg.Olric.LogLevel)
				}
				if cfg.Olric.DMapName != store.DefaultDMapName {
					t.Errorf("Olric.DMapName = %s, want %s", cfg.Olric.DMapName, store.DefaultDMapName)
				}
			},
		},
		{
			name: "custom configuration via viper",
			setup: func() {
				viper.Reset()
				viper.Set("api.port", 9000)
				viper.Set("log.level", "debug")
				viper.Set("log.format", "console")
				viper.Set("shutdown.timeout", "60s")
				viper.Set("site.id", " site-a ")
				viper.Set("lock.conflict_policy", "overwrite")
				viper.Set("entity.driver", "redis")
				viper.Set("redis.addr", "redis:6379")
				viper.Set("status.driver", "postgres")
				viper.Set("postgres.dsn", "postgres://localhost/content?sslmode=disable")
				viper.Set("push.driver", "nats")
				viper.Set("push.rate", 2.5)
				viper.Set("push.burst", 5)
				viper.Set("olric.log_level", "error")
				viper.Set("olric.request_timeout", "2s")
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if cfg.APIPort != 9000 {
					t.Errorf("APIPort = %d, want 9000", cfg.APIPort)
				}
				if cfg.LogFormat != "console" {
					t.Errorf("LogFormat = %s, want console", cfg.LogFormat)
				}
				if cfg.ShutdownTimeout != 60*time.Second {
					t.Errorf("ShutdownTimeout = %s, want 60s", cfg.ShutdownTimeout)
				}
				if cfg.SiteID != "site-a" {
					t.Errorf("SiteID = %q, want site-a", cfg.SiteID)
				}
				if cfg.ConflictPolicy != "overwrite" {
					t.Errorf("ConflictPolicy = %s, want overwrite", cfg.ConflictPolicy)
				}
				if cfg.EntityDriver != DriverRedis || cfg.RedisAddr != "redis:6379" {
					t.Errorf("Entity store = %s %s, want redis redis:6379", cfg.EntityDriver, cfg.RedisAddr)
				}
				if cfg.StatusDriver != DriverPostgres {
					t.Errorf("StatusDriver = %s, want postgres", cfg.StatusDriver)
				}
				if cfg.PushDriver != DriverNATS || cfg.PushNATSSubject != "content-sync.push" {
					t.Errorf("Push = %s %s, want nats content-sync.push", cfg.PushDriver, cfg.PushNATSSubject)
				}
				if cfg.PushRate != 2.5 || cfg.PushBurst != 5 {
					t.Errorf("Push pacing = %g/%d, want 2.5/5", cfg.PushRate, cfg.PushBurst)
				}
				if cfg.Olric.LogLevel != "ERROR" {
					t.Errorf("Olric.LogLevel = %s, want ERROR", cfg.Olric.LogLevel)
				}
				if cfg.Olric.RequestTimeout != 2*time.Second {
					t.Errorf("Olric.RequestTimeout = %s, want 2s", cfg.Olric.RequestTimeout)
				}
			},
		},
		{
			name: "TLS configuration",
			setup: func() {
				viper.Reset()
				viper.Set("tls.enabled", true)
				viper.Set("tls.cert", "/path/to/cert.pem")
				viper.Set("tls.key", "/path/to/key.pem")
			},
			wantErr: false,
			check: func(t *testing.T, cfg *Config) {
				if !cfg.TLSEnabled {
					t.Error("TLSEnabled = false, want true")
				}
				if cfg.TLSCert != "/path/to/cert.pem" {
					t.Errorf("TLSCert = %s, want /path/to/cert.pem", cfg.TLSCert)
				}
			},
		},
		{
			name: "invalid shutdown timeout",
			setup: func() {
				viper.Reset()
				viper.Set("shutdown.timeout", "invalid")
			},
			wantErr: true,
		},
		{
			name: "invalid push timeout",
			setup: func() {
				viper.Reset()
				viper.Set("push.timeout", "soon")
			},
			wantErr: true,
		},
		{
			name: "invalid olric duration",
			setup: func() {
				viper.Reset()
				viper.Set("olric.keep_alive_period", "forever")
			},
			wantErr: true,
		},
		{
			name: "unknown conflict policy",
			setup: func() {
				viper.Reset()
				viper.Set("lock.conflict_policy", "last-write-wins")
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if err == nil && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid configuration", func(c *Config) {}, false},
		{"invalid API port - too low", func(c *Config) { c.APIPort = 0 }, true},
		{"invalid API port - too high", func(c *Config) { c.APIPort = 65536 }, true},
		{"invalid probe port", func(c *Config) { c.ProbePort = -1 }, true},
		{"invalid metrics port", func(c *Config) { c.MetricsPort = 70000 }, true},
		{"TLS enabled but no cert", func(c *Config) { c.TLSEnabled, c.TLSKey = true, "/path/to/key" }, true},
		{"TLS enabled but no key", func(c *Config) { c.TLSEnabled, c.TLSCert = true, "/path/to/cert" }, true},
		{"invalid log level", func(c *Config) { c.LogLevel = "invalid" }, true},
		{"invalid log format", func(c *Config) { c.LogFormat = "invalid" }, true},
		{"negative shutdown timeout", func(c *Config) { c.ShutdownTimeout = -1 * time.Second }, true},
		{"zero health check timeout", func(c *Config) { c.HealthCheckTimeout = 0 }, true},
		{"zero health cache disables caching", func(c *Config) { c.HealthCheckCacheDuration = 0 }, false},
		{"empty metrics namespace", func(c *Config) { c.MetricsNamespace = "" }, true},
		{"empty conflict policy means reject", func(c *Config) { c.ConflictPolicy = "" }, false},
		{"overwrite conflict policy", func(c *Config) { c.ConflictPolicy = "overwrite" }, false},
		{"unknown conflict policy", func(c *Config) { c.ConflictPolicy = "merge" }, true},
		{"missing flows file", func(c *Config) { c.FlowsFile = "" }, true},
		{"redis entity store", func(c *Config) { c.EntityDriver, c.RedisAddr = DriverRedis, "127.0.0.1:6379" }, false},
		{"redis entity store without address", func(c *Config) { c.EntityDriver = DriverRedis }, true},
		{"redis negative database", func(c *Config) { c.EntityDriver, c.RedisAddr, c.RedisDB = DriverRedis, "r:6379", -1 }, true},
		{"unknown entity driver", func(c *Config) { c.EntityDriver = "mysql" }, true},
		{"postgres status store", func(c *Config) { c.StatusDriver, c.PostgresDSN = DriverPostgres, "postgres://db/content" }, false},
		{"postgres status store without dsn", func(c *Config) { c.StatusDriver = DriverPostgres }, true},
		{"unknown status driver", func(c *Config) { c.StatusDriver = "redis" }, true},
		{"http push without endpoint", func(c *Config) { c.PushEndpoint = "" }, true},
		{"http push with relative endpoint", func(c *Config) { c.PushEndpoint = "/push" }, true},
		{"http push with non-http endpoint", func(c *Config) { c.PushEndpoint = "ftp://host/push" }, true},
		{"nats push", func(c *Config) { c.PushDriver, c.PushNATSURL, c.PushNATSSubject = DriverNATS, "nats://n:4222", "push" }, false},
		{"nats push without subject", func(c *Config) { c.PushDriver, c.PushNATSURL = DriverNATS, "nats://n:4222" }, true},
		{"unknown push driver", func(c *Config) { c.PushDriver = "kafka" }, true},
		{"zero push timeout", func(c *Config) { c.PushTimeout = 0 }, true},
		{"negative push rate", func(c *Config) { c.PushRate = -1 }, true},
		{"zero push burst", func(c *Config) { c.PushBurst = 0 }, true},
		{"missing olric config", func(c *Config) { c.Olric = nil }, true},
		{"invalid olric config", func(c *Config) { c.Olric.DMapName = "" }, true},
		{"all log levels are valid", func(c *Config) { c.LogLevel = "debug" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	// Save current environment and restore at the end
	oldEnv := make(map[string]string)
	envVars := map[string]string{
		"CSLOCK_API_PORT":             "9000",
		"CSLOCK_PROBE_PORT":           "9001",
		"CSLOCK_METRICS_PORT":         "9002",
		"CSLOCK_LOG_LEVEL":            "debug",
		"CSLOCK_LOG_FORMAT":           "console",
		"CSLOCK_TLS_ENABLED":          "true",
		"CSLOCK_TLS_CERT":             "/test/cert.pem",
		"CSLOCK_TLS_KEY":              "/test/key.pem",
		"CSLOCK_SHUTDOWN_TIMEOUT":     "45s",
		"CSLOCK_SITE_ID":              "site-env",
		"CSLOCK_FLOWS_FILE":           "/tmp/flows.yaml",
		"CSLOCK_PUSH_ENDPOINT":        "https://pusher.example.com/push",
		"CSLOCK_LOCK_CONFLICT_POLICY": "overwrite",
	}

	for key := range envVars {
		oldEnv[key] = os.Getenv(key)
	}

	// Clean up at the end
	defer func() {
		for key, value := range oldEnv {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
		viper.Reset()
	}()

	// Set environment variables
	for key, value := range envVars {
		if err := os.Setenv(key, value); err != nil {
			t.Fatalf("Failed to set env var %s: %v", key, err)
		}
	}

	// Reset viper to pick up environment variables
	viper.Reset()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.APIPort != 9000 {
		t.Errorf("APIPort = %d, want 9000", cfg.APIPort)
	}
	if cfg.ProbePort != 9001 {
		t.Errorf("ProbePort = %d, want 9001", cfg.ProbePort)
	}
	if cfg.MetricsPort != 9002 {
		t.Errorf("MetricsPort = %d, want 9002", cfg.MetricsPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if !cfg.TLSEnabled {
		t.Error("TLSEnabled = false, want true")
	}
	if cfg.ShutdownTimeout != 45*time.Second {
		t.Errorf("ShutdownTimeout = %s, want 45s", cfg.ShutdownTimeout)
	}
	if cfg.SiteID != "site-env" {
		t.Errorf("SiteID = %s, want site-env", cfg.SiteID)
	}
	if cfg.FlowsFile != "/tmp/flows.yaml" {
		t.Errorf("FlowsFile = %s, want /tmp/flows.yaml", cfg.FlowsFile)
	}
	if cfg.PushEndpoint != "https://pusher.example.com/push" {
		t.Errorf("PushEndpoint = %s, want https://pusher.example.com/push", cfg.PushEndpoint)
	}
	if cfg.ConflictPolicy != "overwrite" {
		t.Errorf("ConflictPolicy = %s, want overwrite", cfg.ConflictPolicy)
	}
	if cfg.Olric.LogLevel != "DEBUG" {
		t.Errorf("Olric.LogLevel = %s, want DEBUG", cfg.Olric.LogLevel)
	}
}
