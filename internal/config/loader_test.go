package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jittakal/eventpipe/internal/config/dto"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventpipe.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test config file: %v", err)
	}
	return path
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader()
	if loader == nil {
		t.Fatal("expected non-nil loader")
	}
	if loader.Viper() == nil {
		t.Fatal("expected non-nil viper instance")
	}
}

func TestLoader_LoadWithValidConfig(t *testing.T) {
	path := writeConfig(t, `
application:
  name: test-app

session:
  name: gc
  buffer_size_kb: 4
  max_memory_mb: 1
  policy: circular
  providers:
    - name: Runtime.GC
      level: verbose
      keywords: 0x10
      arguments:
        mode: full
    - name: Runtime.JIT

sink:
  backend: file
  compression: zstd
  base_path: /tmp/traces

archive:
  enabled: true
  format: avro
  compression: snappy
  dir: /tmp/archive
`)

	config, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if config.Application.Name != "test-app" {
		t.Errorf("Application.Name = %s, want test-app", config.Application.Name)
	}
	if config.Session.Name != "gc" || config.Session.BufferSizeKB != 4 || config.Session.Policy != "circular" {
		t.Errorf("Session = %+v", config.Session)
	}
	if len(config.Session.Providers) != 2 {
		t.Fatalf("Providers = %+v, want 2", config.Session.Providers)
	}
	gc := config.Session.Providers[0]
	if gc.Name != "Runtime.GC" || gc.Level != "verbose" || gc.Keywords != 0x10 || gc.Arguments["mode"] != "full" {
		t.Errorf("Providers[0] = %+v", gc)
	}
	if config.Sink.Compression != "zstd" || config.Sink.BasePath != "/tmp/traces" {
		t.Errorf("Sink = %+v", config.Sink)
	}
	if !config.Archive.Enabled || config.Archive.Format != "avro" {
		t.Errorf("Archive = %+v", config.Archive)
	}

	// Defaults survive a partial file.
	if config.Session.SequencePoints.MaxEvents != 10000 {
		t.Errorf("SequencePoints.MaxEvents = %d, want default 10000", config.Session.SequencePoints.MaxEvents)
	}
	if config.Observability.Metrics.Port != 9090 {
		t.Errorf("Metrics.Port = %d, want 9090", config.Observability.Metrics.Port)
	}
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
session:
  providers:
    - name: Runtime.GC
sink:
  backend: s3
  s3:
    bucket: ${TEST_EVENTPIPE_BUCKET}
    region: us-west-2
`)
	t.Setenv("TEST_EVENTPIPE_BUCKET", "traces-bucket")
	t.Setenv("EVENTPIPE_SESSION_NAME", "from-env")

	config, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if config.Sink.S3.Bucket != "traces-bucket" {
		t.Errorf("S3.Bucket = %q, want expanded value", config.Sink.S3.Bucket)
	}
	if config.Session.Name != "from-env" {
		t.Errorf("Session.Name = %q, want from-env", config.Session.Name)
	}
}

func TestLoader_LoadWithoutProviders(t *testing.T) {
	_, err := NewLoader().Load(writeConfig(t, "sink:\n  backend: memory\n"))
	if err == nil || !strings.Contains(err.Error(), "provider") {
		t.Errorf("Load() error = %v, want provider error", err)
	}
}

func TestLoader_LoadWithMissingFile(t *testing.T) {
	// A missing file falls back to defaults, which lack providers.
	if _, err := NewLoader().Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() succeeded without any providers")
	}
}

func validConfig() *dto.ApplicationConfig {
	return &dto.ApplicationConfig{
		Application: dto.ApplicationInfo{Name: "eventpipe"},
		Session: dto.SessionConfig{
			Name:      "gc",
			Policy:    "drop_newest",
			Providers: []dto.ProviderConfig{{Name: "Runtime.GC", Level: "info"}},
		},
		Sink: dto.SinkConfig{Backend: "file", BasePath: "/tmp/traces"},
		Observability: dto.ObservabilityConfig{
			Logging: dto.LoggingConfig{Level: "info"},
			Metrics: dto.MetricsConfig{Port: 9090},
			Health:  dto.HealthConfig{Port: 8080},
		},
	}
}

func TestLoader_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *dto.ApplicationConfig)
		wantErr string
	}{
		{name: "valid file backend config", modify: func(c *dto.ApplicationConfig) {}},
		{name: "memory backend", modify: func(c *dto.ApplicationConfig) { c.Sink.Backend = "memory" }},
		{
			name:    "file backend without base path",
			modify:  func(c *dto.ApplicationConfig) { c.Sink.BasePath = "" },
			wantErr: "sink.base_path",
		},
		{
			name: "valid s3",
			modify: func(c *dto.ApplicationConfig) {
				c.Sink.Backend = "s3"
				c.Sink.S3 = dto.S3Config{Bucket: "b", Region: "us-east-1"}
			},
		},
		{
			name:    "s3 without bucket",
			modify:  func(c *dto.ApplicationConfig) { c.Sink.Backend = "s3"; c.Sink.S3.Region = "r" },
			wantErr: "s3 bucket",
		},
		{
			name:    "gcs without bucket",
			modify:  func(c *dto.ApplicationConfig) { c.Sink.Backend = "gcs" },
			wantErr: "gcs bucket",
		},
		{
			name:    "azure without container",
			modify:  func(c *dto.ApplicationConfig) { c.Sink.Backend = "azure"; c.Sink.Azure.AccountName = "a" },
			wantErr: "azure container",
		},
		{
			name: "valid kafka",
			modify: func(c *dto.ApplicationConfig) {
				c.Sink.Backend = "kafka"
				c.Sink.Kafka = dto.KafkaSinkConfig{BootstrapServers: []string{"localhost:9092"}, Topic: "traces"}
			},
		},
		{
			name: "kafka without topic",
			modify: func(c *dto.ApplicationConfig) {
				c.Sink.Backend = "kafka"
				c.Sink.Kafka.BootstrapServers = []string{"b"}
			},
			wantErr: "kafka topic",
		},
		{
			name:    "unsupported backend",
			modify:  func(c *dto.ApplicationConfig) { c.Sink.Backend = "tape" },
			wantErr: "unsupported sink backend",
		},
		{
			name:    "bad compression",
			modify:  func(c *dto.ApplicationConfig) { c.Sink.Compression = "brotli" },
			wantErr: "sink.compression",
		},
		{
			name:    "bad policy",
			modify:  func(c *dto.ApplicationConfig) { c.Session.Policy = "lru" },
			wantErr: "session.policy",
		},
		{
			name:    "bad provider level",
			modify:  func(c *dto.ApplicationConfig) { c.Session.Providers[0].Level = "loud" },
			wantErr: "session.providers[0].level",
		},
		{
			name: "archive bad format",
			modify: func(c *dto.ApplicationConfig) {
				c.Archive = dto.ArchiveConfig{Enabled: true, Format: "orc", Dir: "/tmp"}
			},
			wantErr: "archive.format",
		},
		{
			name: "archive bad avro compression",
			modify: func(c *dto.ApplicationConfig) {
				c.Archive = dto.ArchiveConfig{Enabled: true, Format: "avro", Compression: "zstd", Dir: "/tmp"}
			},
			wantErr: "archive.compression",
		},
		{
			name:   "disabled archive is not validated",
			modify: func(c *dto.ApplicationConfig) { c.Archive = dto.ArchiveConfig{Format: "orc"} },
		},
		{
			name:    "negative load",
			modify:  func(c *dto.ApplicationConfig) { c.Load.Threads = -1 },
			wantErr: "load",
		},
		{
			name:    "bad log level",
			modify:  func(c *dto.ApplicationConfig) { c.Observability.Logging.Level = "chatty" },
			wantErr: "log level",
		},
		{
			name:    "invalid metrics port",
			modify:  func(c *dto.ApplicationConfig) { c.Observability.Metrics.Port = 70000 },
			wantErr: "metrics port",
		},
		{
			name:    "invalid health port",
			modify:  func(c *dto.ApplicationConfig) { c.Observability.Health.Port = 0 },
			wantErr: "health port",
		},
	}

	loader := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(config)
			err := loader.Validate(config)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoader_setDefaults(t *testing.T) {
	loader := NewLoader()
	loader.setDefaults()

	tests := []struct {
		key  string
		want any
	}{
		{key: "application.name", want: "eventpipe"},
		{key: "session.policy", want: "drop_newest"},
		{key: "session.buffer_size_kb", want: 64},
		{key: "sink.backend", want: "file"},
		{key: "archive.format", want: "parquet"},
		{key: "observability.health.port", want: 8080},
	}
	for _, tt := range tests {
		if got := loader.v.Get(tt.key); got != tt.want {
			t.Errorf("default %s = %v, want %v", tt.key, got, tt.want)
		}
	}
}
