// Package config loads dmsync configuration from defaults, an optional config
// file, a .env file and DMSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "DMSYNC"
	configName = "dmsync"

	TransportNhooyr = "nhooyr"
	TransportGobwas = "gobwas"
)

// Config holds all configuration for the client and the development server.
type Config struct {
	Server    ServerConfig
	Transport string
	Heartbeat HeartbeatConfig
	Reconnect ReconnectConfig
	History   HistoryConfig
	Receipts  ReceiptsConfig
	Log       LogConfig
	Metrics   MetricsConfig
	DevServer DevServerConfig
}

type ServerConfig struct {
	WSURL  string
	APIURL string
}

type HeartbeatConfig struct {
	Interval time.Duration
}

type ReconnectConfig struct {
	Enabled     bool
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

type HistoryConfig struct {
	PageSize int
}

type ReceiptsConfig struct {
	BufferSize int
}

type LogConfig struct {
	Level  string
	Format string
}

type MetricsConfig struct {
	Addr string
}

type DevServerConfig struct {
	Addr string
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.ws_url", "ws://localhost:8000/api/v1/chat/ws")
	v.SetDefault("server.api_url", "http://localhost:8000/api/v1")
	v.SetDefault("transport", TransportNhooyr)
	v.SetDefault("heartbeat.interval", 25*time.Second)
	v.SetDefault("reconnect.enabled", false)
	v.SetDefault("reconnect.base_delay", time.Second)
	v.SetDefault("reconnect.max_delay", 30*time.Second)
	v.SetDefault("reconnect.max_attempts", 10)
	v.SetDefault("history.page_size", 100)
	v.SetDefault("receipts.buffer_size", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("devserver.addr", ":8000")
}

// Load reads configuration into v. When path is empty the config file is
// searched in the working directory and in $HOME/.config/dmsync; a missing
// file is not an error. A .env file in the working directory is loaded first
// when present.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", configName))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromViper builds a Config from the current values of v.
func FromViper(v *viper.Viper) Config {
	return Config{
		Server: ServerConfig{
			WSURL:  v.GetString("server.ws_url"),
			APIURL: v.GetString("server.api_url"),
		},
		Transport: strings.ToLower(v.GetString("transport")),
		Heartbeat: HeartbeatConfig{
			Interval: v.GetDuration("heartbeat.interval"),
		},
		Reconnect: ReconnectConfig{
			Enabled:     v.GetBool("reconnect.enabled"),
			BaseDelay:   v.GetDuration("reconnect.base_delay"),
			MaxDelay:    v.GetDuration("reconnect.max_delay"),
			MaxAttempts: v.GetInt("reconnect.max_attempts"),
		},
		History: HistoryConfig{
			PageSize: v.GetInt("history.page_size"),
		},
		Receipts: ReceiptsConfig{
			BufferSize: v.GetInt("receipts.buffer_size"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Metrics: MetricsConfig{
			Addr: v.GetString("metrics.addr"),
		},
		DevServer: DevServerConfig{
			Addr: v.GetString("devserver.addr"),
		},
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportNhooyr, TransportGobwas:
	default:
		return fmt.Errorf("invalid transport %q: want %q or %q", c.Transport, TransportNhooyr, TransportGobwas)
	}
	if c.Server.WSURL == "" {
		return errors.New("server.ws_url is required")
	}
	if c.History.PageSize <= 0 {
		return fmt.Errorf("history.page_size must be positive, got %d", c.History.PageSize)
	}
	if c.Receipts.BufferSize <= 0 {
		return fmt.Errorf("receipts.buffer_size must be positive, got %d", c.Receipts.BufferSize)
	}
	if c.Heartbeat.Interval < 0 {
		return fmt.Errorf("heartbeat.interval must not be negative, got %s", c.Heartbeat.Interval)
	}
	if c.Reconnect.Enabled {
		if c.Reconnect.BaseDelay <= 0 {
			return fmt.Errorf("reconnect.base_delay must be positive, got %s", c.Reconnect.BaseDelay)
		}
		if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
			return fmt.Errorf("reconnect.max_delay %s is below reconnect.base_delay %s", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
		}
	}
	return nil
}
