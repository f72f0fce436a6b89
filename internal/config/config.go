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

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Namespace NamespaceConfig `yaml:"namespace"`
	Client    ClientConfig    `yaml:"client"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	PublicURL       string        `yaml:"public_url"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Audience  string `yaml:"audience"`
}

type StorageConfig struct {
	BlobDSN       string        `yaml:"blob_dsn"`
	DocumentDSN   string        `yaml:"document_dsn"`
	IndexDSN      string        `yaml:"index_dsn"`
	PresignSecret string        `yaml:"presign_secret"`
	PresignTTL    time.Duration `yaml:"presign_ttl"`
}

type NamespaceConfig struct {
	RecordsDSN      string        `yaml:"records_dsn"`
	RegistryDSN     string        `yaml:"registry_dsn"`
	NodeID          string        `yaml:"node_id"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	PersistInterval time.Duration `yaml:"persist_interval"`
	InitRetryDelay  time.Duration `yaml:"init_retry_delay"`
	MailboxSize     int           `yaml:"mailbox_size"`
	MaxRestarts     int           `yaml:"max_restarts"`
}

type ClientConfig struct {
	ServerURL     string        `yaml:"server_url"`
	Token         string        `yaml:"token"`
	UserID        string        `yaml:"user_id"`
	DataDir       string        `yaml:"data_dir"`
	WatchDir      string        `yaml:"watch_dir"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	SyncInterval  time.Duration `yaml:"sync_interval"`
	SyncTimeout   time.Duration `yaml:"sync_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			PublicURL:       "http://127.0.0.1:8080",
			MaxBodyBytes:    32 << 20,
			RequestTimeout:  60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret: "dev-secret",
			Audience:  "alem",
		},
		Storage: StorageConfig{
			BlobDSN:       "memory://",
			DocumentDSN:   "memory://",
			IndexDSN:      "memory://",
			PresignSecret: "dev-presign-secret",
			PresignTTL:    15 * time.Minute,
		},
		Namespace: NamespaceConfig{
			RecordsDSN:      "memory://",
			RegistryDSN:     "memory://",
			HealthInterval:  30 * time.Second,
			PersistInterval: 60 * time.Second,
			InitRetryDelay:  5 * time.Second,
			MailboxSize:     64,
			MaxRestarts:     3,
		},
		Client: ClientConfig{
			ServerURL:     "http://127.0.0.1:8080",
			DataDir:       ".alem",
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			SyncInterval:  300 * time.Second,
			SyncTimeout:   60 * time.Second,
			MaxRetries:    3,
			HTTPTimeout:   30 * time.Second,
		},
	}
}

// Load starts from Default, overlays the YAML file at path when it exists and
// then applies ALEM_* environment overrides.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, err
		default:
			if err := yaml.Unmarshal(payload, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var problems []string
	if c.Namespace.HealthInterval <= 0 {
		problems = append(problems, "namespace.health_interval must be positive")
	}
	if c.Namespace.PersistInterval <= 0 {
		problems = append(problems, "namespace.persist_interval must be positive")
	}
	if c.Client.ProbeInterval <= 0 || c.Client.SyncInterval <= 0 {
		problems = append(problems, "client probe and sync intervals must be positive")
	}
	if c.Client.MaxRetries <= 0 {
		problems = append(problems, "client.max_retries must be positive")
	}
	if c.Server.MaxBodyBytes <= 0 {
		problems = append(problems, "server.max_body_bytes must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

type envBinding struct {
	name  string
	apply func(string) error
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	bindings := []envBinding{
		stringEnv("ALEM_ADDR", &cfg.Server.Addr),
		stringEnv("ALEM_PUBLIC_URL", &cfg.Server.PublicURL),
		int64Env("ALEM_MAX_BODY_BYTES", &cfg.Server.MaxBodyBytes),
		durationEnv("ALEM_REQUEST_TIMEOUT", &cfg.Server.RequestTimeout),
		durationEnv("ALEM_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout),
		stringEnv("ALEM_JWT_SECRET", &cfg.Auth.JWTSecret),
		stringEnv("ALEM_JWT_AUDIENCE", &cfg.Auth.Audience),
		stringEnv("ALEM_BLOB_DSN", &cfg.Storage.BlobDSN),
		stringEnv("ALEM_DOCUMENT_DSN", &cfg.Storage.DocumentDSN),
		stringEnv("ALEM_INDEX_DSN", &cfg.Storage.IndexDSN),
		stringEnv("ALEM_PRESIGN_SECRET", &cfg.Storage.PresignSecret),
		durationEnv("ALEM_PRESIGN_TTL", &cfg.Storage.PresignTTL),
		stringEnv("ALEM_NAMESPACE_DSN", &cfg.Namespace.RecordsDSN),
		stringEnv("ALEM_REGISTRY_DSN", &cfg.Namespace.RegistryDSN),
		stringEnv("ALEM_NODE_ID", &cfg.Namespace.NodeID),
		durationEnv("ALEM_HEALTH_INTERVAL", &cfg.Namespace.HealthInterval),
		durationEnv("ALEM_PERSIST_INTERVAL", &cfg.Namespace.PersistInterval),
		durationEnv("ALEM_INIT_RETRY_DELAY", &cfg.Namespace.InitRetryDelay),
		intEnv("ALEM_MAILBOX_SIZE", &cfg.Namespace.MailboxSize),
		intEnv("ALEM_MAX_RESTARTS", &cfg.Namespace.MaxRestarts),
		stringEnv("ALEM_SERVER_URL", &cfg.Client.ServerURL),
		stringEnv("ALEM_TOKEN", &cfg.Client.Token),
		stringEnv("ALEM_USER_ID", &cfg.Client.UserID),
		stringEnv("ALEM_DATA_DIR", &cfg.Client.DataDir),
		stringEnv("ALEM_WATCH_DIR", &cfg.Client.WatchDir),
		durationEnv("ALEM_PROBE_INTERVAL", &cfg.Client.ProbeInterval),
		durationEnv("ALEM_PROBE_TIMEOUT", &cfg.Client.ProbeTimeout),
		durationEnv("ALEM_SYNC_INTERVAL", &cfg.Client.SyncInterval),
		durationEnv("ALEM_SYNC_TIMEOUT", &cfg.Client.SyncTimeout),
		intEnv("ALEM_MAX_RETRIES", &cfg.Client.MaxRetries),
		durationEnv("ALEM_HTTP_TIMEOUT", &cfg.Client.HTTPTimeout),
	}
	for _, binding := range bindings {
		value := strings.TrimSpace(getenv(binding.name))
		if value == "" {
			continue
		}
		if err := binding.apply(value); err != nil {
			return fmt.Errorf("%s: %w", binding.name, err)
		}
	}
	return nil
}

func stringEnv(name string, target *string) envBinding {
	return envBinding{name: name, apply: func(value string) error {
		*target = value
		return nil
	}}
}

func intEnv(name string, target *int) envBinding {
	return envBinding{name: name, apply: func(value string) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}}
}

func int64Env(name string, target *int64) envBinding {
	return envBinding{name: name, apply: func(value string) error {
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}}
}

func durationEnv(name string, target *time.Duration) envBinding {
	return envBinding{name: name, apply: func(value string) error {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}}
}
