package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig points at the remote Postgres instance that owns the
// authoritative copy of orders.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

func (c DatabaseConfig) ConnString() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode)
}

// Configured reports whether remote credentials are present at all.
// When false the agent runs against the local store alone and every
// push/pull fails fast instead of hanging.
func (c DatabaseConfig) Configured() bool {
	return c.Host != "" && c.User != "" && c.Database != ""
}

type RabbitMQConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

func (c RabbitMQConfig) Configured() bool {
	return c.Host != ""
}

// LocalConfig describes the embedded SQLite database backing the local
// store and the change journal.
type LocalConfig struct {
	Path string `yaml:"path"`
}

type SyncConfig struct {
	BusinessID      string        `yaml:"business_id"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PushInterval    time.Duration `yaml:"push_interval"`
	PullWindow      time.Duration `yaml:"pull_window"`
	MaxPushAttempts int           `yaml:"max_push_attempts"`
}

// AdminConfig configures the bidirectional bulk-sync server, which talks
// to two Postgres instances: the hosted cloud one and the on-prem docker
// one.
type AdminConfig struct {
	ListenAddr string         `yaml:"listen_addr"`
	Cloud      DatabaseConfig `yaml:"cloud"`
	Docker     DatabaseConfig `yaml:"docker"`
}

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Local    LocalConfig    `yaml:"local"`
	Sync     SyncConfig     `yaml:"sync"`
	Admin    AdminConfig    `yaml:"admin"`
}

// LoadConfig reads the YAML config at path (if it exists) and then
// applies environment overrides. A missing file is not an error so the
// agent can run from env alone.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{Port: 5432, SSLMode: "disable"},
		RabbitMQ: RabbitMQConfig{Port: 5672},
		Local:    LocalConfig{Path: "kitchen-sync.db"},
		Sync: SyncConfig{
			PollInterval:    15 * time.Second,
			PushInterval:    2 * time.Second,
			PullWindow:      24 * time.Hour,
			MaxPushAttempts: 5,
		},
		Admin: AdminConfig{ListenAddr: ":8081"},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("cannot parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Database.Host, "POSTGRES_HOST")
	setInt(&cfg.Database.Port, "POSTGRES_PORT")
	setString(&cfg.Database.User, "POSTGRES_USER")
	setString(&cfg.Database.Password, "POSTGRES_PASSWORD")
	setString(&cfg.Database.Database, "POSTGRES_DBNAME")

	setString(&cfg.RabbitMQ.Host, "RABBITMQ_HOST")
	setInt(&cfg.RabbitMQ.Port, "RABBITMQ_PORT")
	setString(&cfg.RabbitMQ.User, "RABBITMQ_USER")
	setString(&cfg.RabbitMQ.Password, "RABBITMQ_PASSWORD")

	setString(&cfg.Local.Path, "LOCAL_DB_PATH")
	setString(&cfg.Sync.BusinessID, "BUSINESS_ID")
	setString(&cfg.Admin.ListenAddr, "ADMIN_LISTEN_ADDR")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
