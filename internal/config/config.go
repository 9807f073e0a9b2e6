// Package config loads process configuration from an optional YAML file and
// environment overrides. Defaults match a single-node production deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whisper/chatsync/internal/logging"
)

// Config is the root configuration shared by all binaries.
type Config struct {
	ServerName string         `yaml:"server_name"`
	Server     Server         `yaml:"server"`
	Heartbeat  Heartbeat      `yaml:"heartbeat"`
	Redis      Redis          `yaml:"redis"`
	NATS       NATS           `yaml:"nats"`
	Postgres   Postgres       `yaml:"postgres"`
	Router     Router         `yaml:"router"`
	Notify     Notify         `yaml:"notify"`
	Client     Client         `yaml:"client"`
	Log        logging.Config `yaml:"log"`
}

// Server configures the push endpoint and the HTTP API sharing its listener.
type Server struct {
	ListenAddr     string        `yaml:"listen_addr"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	OutboxSize     int           `yaml:"outbox_size"`
	// AdminToken guards the account-block endpoints. Empty disables them.
	AdminToken string `yaml:"admin_token"`
}

type Heartbeat struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATS struct {
	URL string `yaml:"url"`
}

// Postgres selects the durable store. An empty URL selects the in-memory
// store.
type Postgres struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

type Router struct {
	FilterReadReceipts bool `yaml:"filter_read_receipts"`
}

type Notify struct {
	AccountBlockedGrace time.Duration `yaml:"account_blocked_grace"`
	OfflineDelay        time.Duration `yaml:"offline_delay"`
}

// Client configures cmd/chatclient.
type Client struct {
	URL                  string        `yaml:"url"`
	APIURL               string        `yaml:"api_url"`
	Token                string        `yaml:"token"`
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	TypingTimeout        time.Duration `yaml:"typing_timeout"`
}

// Default returns the production defaults.
func Default() Config {
	name, _ := os.Hostname()
	if name == "" {
		name = "ws-1"
	}
	return Config{
		ServerName: name,
		Server: Server{
			ListenAddr:     ":8080",
			WorkerPoolSize: 256,
			MaxConnections: 100000,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			OutboxSize:     256,
		},
		Heartbeat: Heartbeat{
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
		Redis: Redis{Addr: "localhost:6379"},
		NATS:  NATS{URL: "nats://localhost:4222"},
		Notify: Notify{
			AccountBlockedGrace: time.Second,
			OfflineDelay:        5 * time.Minute,
		},
		Client: Client{
			URL:                  "ws://localhost:8080/ws",
			APIURL:               "http://localhost:8080",
			ReconnectBase:        time.Second,
			MaxReconnectAttempts: 5,
			TypingTimeout:        3 * time.Second,
		},
		Log: logging.Config{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults (an empty path skips the file) and then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. Malformed values are
// ignored and the previous value is kept.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	posInt := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("SERVER_NAME", &c.ServerName)
	str("LISTEN_ADDR", &c.Server.ListenAddr)
	posInt("WORKER_POOL_SIZE", &c.Server.WorkerPoolSize)
	posInt("MAX_CONNECTIONS", &c.Server.MaxConnections)
	dur("READ_TIMEOUT", &c.Server.ReadTimeout)
	dur("WRITE_TIMEOUT", &c.Server.WriteTimeout)
	posInt("OUTBOX_SIZE", &c.Server.OutboxSize)
	str("ADMIN_TOKEN", &c.Server.AdminToken)
	dur("HEARTBEAT_INTERVAL", &c.Heartbeat.Interval)
	dur("HEARTBEAT_TIMEOUT", &c.Heartbeat.Timeout)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("NATS_URL", &c.NATS.URL)
	str("DATABASE_URL", &c.Postgres.URL)
	boolean("DATABASE_MIGRATE", &c.Postgres.Migrate)
	boolean("FILTER_READ_RECEIPTS", &c.Router.FilterReadReceipts)
	dur("ACCOUNT_BLOCKED_GRACE", &c.Notify.AccountBlockedGrace)
	dur("OFFLINE_NOTIFY_DELAY", &c.Notify.OfflineDelay)
	str("CHAT_URL", &c.Client.URL)
	str("CHAT_API_URL", &c.Client.APIURL)
	str("CHAT_TOKEN", &c.Client.Token)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr is required")
	}
	if c.Server.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: server.worker_pool_size must be positive")
	}
	if c.Server.OutboxSize <= 0 {
		return fmt.Errorf("config: server.outbox_size must be positive")
	}
	if c.Client.MaxReconnectAttempts < 0 {
		return fmt.Errorf("config: client.max_reconnect_attempts must not be negative")
	}
	return nil
}
