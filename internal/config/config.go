// Package config loads the stagehand server configuration from a YAML file
// with environment overrides.
package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/stagehand/internal/secrets"
)

// Backend modes.
const (
	ModeLocal   = "local"
	ModeCluster = "cluster"
)

// Config is the complete server configuration.
type Config struct {
	Mode     string         `yaml:"mode"`
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Docker   DockerConfig   `yaml:"docker"`
	Kube     KubeConfig     `yaml:"kube"`
	Render   RenderConfig   `yaml:"render"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig holds HTTP listener and logging settings.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// SessionConfig holds sandbox session settings shared by both backends.
type SessionConfig struct {
	GracePeriod   time.Duration     `yaml:"grace_period"`
	ReadyTimeout  time.Duration     `yaml:"ready_timeout"`
	PollInterval  time.Duration     `yaml:"poll_interval"`
	AgentDialWait time.Duration     `yaml:"agent_dial_wait"`
	SyncTimeout   time.Duration     `yaml:"sync_timeout"`
	PreviewPort   int               `yaml:"preview_port"`
	AgentPort     int               `yaml:"agent_port"`
	Image         string            `yaml:"image"`
	SystemPrompt  string            `yaml:"system_prompt"`
	Env           map[string]string `yaml:"env"`
}

// DockerConfig holds local single-host backend settings.
type DockerConfig struct {
	Binary       string `yaml:"binary"`
	WorkspaceDir string `yaml:"workspace_dir"`
	Network      string `yaml:"network"`
}

// KubeConfig holds cluster backend settings.
type KubeConfig struct {
	Kubeconfig    string `yaml:"kubeconfig"`
	Namespace     string `yaml:"namespace"`
	PreviewDomain string `yaml:"preview_domain"`
	HydrateImage  string `yaml:"hydrate_image"`
	SecretName    string `yaml:"secret_name"`
	CPURequest    string `yaml:"cpu_request"`
	MemoryRequest string `yaml:"memory_request"`
	CPULimit      string `yaml:"cpu_limit"`
	MemoryLimit   string `yaml:"memory_limit"`
	ServiceAcct   string `yaml:"service_account"`
}

// RenderConfig holds render job settings.
type RenderConfig struct {
	Image          string        `yaml:"image"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Timeout        time.Duration `yaml:"timeout"`
	DefaultFormat  string        `yaml:"default_format"`
	OutputURLBase  string        `yaml:"output_url_base"`
	TTLAfterFinish time.Duration `yaml:"ttl_after_finish"`
	CPURequest     string        `yaml:"cpu_request"`
	MemoryRequest  string        `yaml:"memory_request"`
	CPULimit       string        `yaml:"cpu_limit"`
	MemoryLimit    string        `yaml:"memory_limit"`
}

// StorageConfig holds durable blob storage settings. An empty bucket selects
// the in-memory store.
type StorageConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// DatabaseConfig holds the project store connection. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// AuditConfig holds the periodic audit schedule.
type AuditConfig struct {
	Schedule      string        `yaml:"schedule"`
	LongLivedWarn time.Duration `yaml:"long_lived_warn"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Mode: ModeLocal,
		Server: ServerConfig{
			Addr:      ":8080",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Session: SessionConfig{
			GracePeriod:   30 * time.Second,
			ReadyTimeout:  5 * time.Minute,
			PollInterval:  2 * time.Second,
			AgentDialWait: 15 * time.Second,
			SyncTimeout:   60 * time.Second,
			PreviewPort:   3000,
			AgentPort:     8787,
			Image:         "stagehand/sandbox:latest",
			Env:           map[string]string{},
		},
		Docker: DockerConfig{
			Binary:       "docker",
			WorkspaceDir: os.TempDir(),
		},
		Kube: KubeConfig{
			Namespace:     "stagehand",
			PreviewDomain: "preview.localhost",
			HydrateImage:  "amazon/aws-cli:2.17.0",
			SecretName:    "stagehand-sandbox",
			CPURequest:    "500m",
			MemoryRequest: "1Gi",
			CPULimit:      "2",
			MemoryLimit:   "4Gi",
		},
		Render: RenderConfig{
			Image:          "stagehand/renderer:latest",
			PollInterval:   5 * time.Second,
			Timeout:        15 * time.Minute,
			DefaultFormat:  "mp4",
			TTLAfterFinish: time.Hour,
			CPURequest:     "2",
			MemoryRequest:  "4Gi",
			CPULimit:       "4",
			MemoryLimit:    "8Gi",
		},
		Storage: StorageConfig{
			Region: "us-east-1",
		},
		Audit: AuditConfig{
			Schedule:      "@every 1m",
			LongLivedWarn: 8 * time.Hour,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// STAGEHAND_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLocal, ModeCluster:
	default:
		return fmt.Errorf("invalid mode %q (want %q or %q)", c.Mode, ModeLocal, ModeCluster)
	}
	if c.Session.PreviewPort <= 0 || c.Session.AgentPort <= 0 {
		return fmt.Errorf("session ports must be positive")
	}
	if c.Session.PreviewPort == c.Session.AgentPort {
		return fmt.Errorf("preview and agent ports must differ")
	}
	if c.Session.PollInterval <= 0 || c.Render.PollInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.Session.ReadyTimeout < c.Session.PollInterval {
		return fmt.Errorf("session ready_timeout must be at least poll_interval")
	}
	if c.Render.Timeout < c.Render.PollInterval {
		return fmt.Errorf("render timeout must be at least poll_interval")
	}
	if c.Mode == ModeCluster && c.Storage.Bucket == "" {
		return fmt.Errorf("cluster mode requires storage.bucket")
	}
	return nil
}

// ResolveSecrets resolves env(...) references in the sandbox environment in
// place and returns the resolved values for log redaction.
func (c *Config) ResolveSecrets(ctx context.Context, r secrets.Resolver) ([]string, error) {
	env, resolved, err := secrets.ResolveMap(ctx, r, c.Session.Env)
	if err != nil {
		return nil, fmt.Errorf("session env: %w", err)
	}
	c.Session.Env = env

	if secrets.IsRef(c.Database.URL) {
		url, err := r.Resolve(ctx, c.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("database url: %w", err)
		}
		c.Database.URL = url
		resolved = append(resolved, url)
	}
	return resolved, nil
}

// applyEnv walks the config sections and overrides scalar fields from
// STAGEHAND_<SECTION>_<KEY> variables, where KEY is the yaml tag uppercased.
// The top-level mode is STAGEHAND_MODE.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup("STAGEHAND_MODE"); ok {
		cfg.Mode = v
	}

	root := reflect.ValueOf(cfg).Elem()
	rt := root.Type()
	for i := 0; i < rt.NumField(); i++ {
		section := root.Field(i)
		if section.Kind() != reflect.Struct {
			continue
		}
		prefix := "STAGEHAND_" + strings.ToUpper(yamlName(rt.Field(i))) + "_"
		st := section.Type()
		for j := 0; j < st.NumField(); j++ {
			key := prefix + strings.ToUpper(yamlName(st.Field(j)))
			val, ok := lookup(key)
			if !ok {
				continue
			}
			if err := setScalar(section.Field(j), val); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return nil
}

func yamlName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name
	}
	return strings.ToLower(f.Name)
}

var durationType = reflect.TypeOf(time.Duration(0))

func setScalar(field reflect.Value, val string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("cannot convert %q to duration: %w", val, err)
		}
		field.SetInt(int64(d))
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(val)
	case reflect.Int:
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("cannot convert %q to int: %w", val, err)
		}
		field.SetInt(int64(n))
	case reflect.Bool:
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("cannot convert %q to bool: %w", val, err)
		}
		field.SetBool(b)
	default:
		// maps are file-only
	}
	return nil
}
