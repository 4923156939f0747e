// Package config loads agent and server configuration from env and an
// optional .env file using Viper.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// AgentConfig holds the device-agent daemon configuration.
type AgentConfig struct {
	// ListenAddr is the local control-plane bind address.
	ListenAddr string `mapstructure:"AGENT_LISTEN_ADDR"`
	// AgentToken is the shared secret required on every local API request.
	AgentToken string `mapstructure:"AGENT_TOKEN"`
	// DBPath is the outbox sqlite path.
	DBPath string `mapstructure:"AGENT_DB_PATH"`
	// IdentityPath is the JSON device-identity file path.
	IdentityPath string `mapstructure:"AGENT_IDENTITY_PATH"`
	// ServerBaseURL is the ingestion server base, e.g. http://localhost:5000.
	ServerBaseURL string `mapstructure:"AGENT_SERVER_URL"`

	CollectorPollInterval time.Duration `mapstructure:"AGENT_COLLECTOR_POLL"`
	HeartbeatInterval     time.Duration `mapstructure:"AGENT_HEARTBEAT_INTERVAL"`
	SenderTickInterval    time.Duration `mapstructure:"AGENT_SENDER_TICK"`

	OutboxLease      time.Duration `mapstructure:"AGENT_OUTBOX_LEASE"`
	OutboxMaxBackoff time.Duration `mapstructure:"AGENT_OUTBOX_MAX_BACKOFF"`

	AppSessionSendMin  time.Duration `mapstructure:"AGENT_APP_SEND_MIN"`
	AppSessionSendMax  time.Duration `mapstructure:"AGENT_APP_SEND_MAX"`
	IdleSessionSendMin time.Duration `mapstructure:"AGENT_IDLE_SEND_MIN"`
	IdleSessionSendMax time.Duration `mapstructure:"AGENT_IDLE_SEND_MAX"`
	WebSessionSendMin  time.Duration `mapstructure:"AGENT_WEB_SEND_MIN"`
	WebSessionSendMax  time.Duration `mapstructure:"AGENT_WEB_SEND_MAX"`
	WebEventSendMin    time.Duration `mapstructure:"AGENT_WEB_EVENT_SEND_MIN"`
	WebEventSendMax    time.Duration `mapstructure:"AGENT_WEB_EVENT_SEND_MAX"`

	AppSessionBatchSize  int `mapstructure:"AGENT_APP_BATCH_SIZE"`
	IdleSessionBatchSize int `mapstructure:"AGENT_IDLE_BATCH_SIZE"`
	WebSessionBatchSize  int `mapstructure:"AGENT_WEB_BATCH_SIZE"`
	WebEventBatchSize    int `mapstructure:"AGENT_WEB_EVENT_BATCH_SIZE"`
}

// ServerConfig holds the ingestion server configuration.
type ServerConfig struct {
	ListenAddr string `mapstructure:"API_LISTEN_ADDR"`
	DBPath     string `mapstructure:"API_DB_PATH"`
}

// DefaultAgentConfig returns the built-in agent defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ListenAddr:            "127.0.0.1:43121",
		AgentToken:            "dev-token",
		DBPath:                defaultStatePath("outbox.db"),
		IdentityPath:          defaultStatePath("identity.json"),
		ServerBaseURL:         "http://localhost:5000",
		CollectorPollInterval: 1 * time.Second,
		HeartbeatInterval:     60 * time.Second,
		SenderTickInterval:    5 * time.Second,
		OutboxLease:           60 * time.Second,
		OutboxMaxBackoff:      300 * time.Second,
		AppSessionSendMin:     10 * time.Second,
		AppSessionSendMax:     30 * time.Second,
		IdleSessionSendMin:    10 * time.Second,
		IdleSessionSendMax:    30 * time.Second,
		WebSessionSendMin:     10 * time.Second,
		WebSessionSendMax:     30 * time.Second,
		WebEventSendMin:       10 * time.Second,
		WebEventSendMax:       30 * time.Second,
		AppSessionBatchSize:   50,
		IdleSessionBatchSize:  50,
		WebSessionBatchSize:   50,
		WebEventBatchSize:     50,
	}
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr: ":5000",
		DBPath:     defaultStatePath("tracker.db"),
	}
}

// LoadAgent reads .env (if present), then overlays environment variables on
// the defaults. Missing .env is ignored. Returns an error if required
// fields end up empty or inconsistent.
func LoadAgent() (*AgentConfig, error) {
	v := newViper()

	def := DefaultAgentConfig()
	v.SetDefault("AGENT_LISTEN_ADDR", def.ListenAddr)
	v.SetDefault("AGENT_TOKEN", def.AgentToken)
	v.SetDefault("AGENT_DB_PATH", def.DBPath)
	v.SetDefault("AGENT_IDENTITY_PATH", def.IdentityPath)
	v.SetDefault("AGENT_SERVER_URL", def.ServerBaseURL)
	v.SetDefault("AGENT_COLLECTOR_POLL", def.CollectorPollInterval)
	v.SetDefault("AGENT_HEARTBEAT_INTERVAL", def.HeartbeatInterval)
	v.SetDefault("AGENT_SENDER_TICK", def.SenderTickInterval)
	v.SetDefault("AGENT_OUTBOX_LEASE", def.OutboxLease)
	v.SetDefault("AGENT_OUTBOX_MAX_BACKOFF", def.OutboxMaxBackoff)
	v.SetDefault("AGENT_APP_SEND_MIN", def.AppSessionSendMin)
	v.SetDefault("AGENT_APP_SEND_MAX", def.AppSessionSendMax)
	v.SetDefault("AGENT_IDLE_SEND_MIN", def.IdleSessionSendMin)
	v.SetDefault("AGENT_IDLE_SEND_MAX", def.IdleSessionSendMax)
	v.SetDefault("AGENT_WEB_SEND_MIN", def.WebSessionSendMin)
	v.SetDefault("AGENT_WEB_SEND_MAX", def.WebSessionSendMax)
	v.SetDefault("AGENT_WEB_EVENT_SEND_MIN", def.WebEventSendMin)
	v.SetDefault("AGENT_WEB_EVENT_SEND_MAX", def.WebEventSendMax)
	v.SetDefault("AGENT_APP_BATCH_SIZE", def.AppSessionBatchSize)
	v.SetDefault("AGENT_IDLE_BATCH_SIZE", def.IdleSessionBatchSize)
	v.SetDefault("AGENT_WEB_BATCH_SIZE", def.WebSessionBatchSize)
	v.SetDefault("AGENT_WEB_EVENT_BATCH_SIZE", def.WebEventBatchSize)

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadServer reads .env (if present), then overlays environment variables on
// the server defaults.
func LoadServer() (*ServerConfig, error) {
	v := newViper()

	def := DefaultServerConfig()
	v.SetDefault("API_LISTEN_ADDR", def.ListenAddr)
	v.SetDefault("API_DB_PATH", def.DBPath)

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if cfg.ListenAddr == "" {
		return nil, errors.New("config: API_LISTEN_ADDR must be set")
	}
	if cfg.DBPath == "" {
		return nil, errors.New("config: API_DB_PATH must be set")
	}
	return &cfg, nil
}

// Validate checks cross-field consistency of the agent config.
func (c *AgentConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: AGENT_LISTEN_ADDR must be set")
	}
	if c.AgentToken == "" {
		return errors.New("config: AGENT_TOKEN must be set")
	}
	if c.DBPath == "" {
		return errors.New("config: AGENT_DB_PATH must be set")
	}
	for _, iv := range []struct {
		name     string
		min, max time.Duration
	}{
		{"AGENT_APP_SEND", c.AppSessionSendMin, c.AppSessionSendMax},
		{"AGENT_IDLE_SEND", c.IdleSessionSendMin, c.IdleSessionSendMax},
		{"AGENT_WEB_SEND", c.WebSessionSendMin, c.WebSessionSendMax},
		{"AGENT_WEB_EVENT_SEND", c.WebEventSendMin, c.WebEventSendMax},
	} {
		if iv.min <= 0 || iv.max < iv.min {
			return errors.New("config: " + iv.name + "_MIN/_MAX must satisfy 0 < min <= max")
		}
	}
	if c.OutboxLease <= 0 || c.OutboxMaxBackoff <= 0 {
		return errors.New("config: outbox lease and max backoff must be positive")
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound
	v.AutomaticEnv()
	return v
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "tracklet", name)
}
