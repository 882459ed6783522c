package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors config/wlmd.yaml.
type Config struct {
	Channels     []Channel       `yaml:"channels"`
	Driver       DriverConfig    `yaml:"driver"`
	Command      CommandConfig   `yaml:"command"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
	Poll         PollConfig      `yaml:"poll"`
	Lock         LockConfig      `yaml:"lock"`
	Limits       LimitsConfig    `yaml:"limits"`
	History      HistoryConfig   `yaml:"history"`
	SettingsPath string          `yaml:"settings_path"`
}

type Channel struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

type DriverConfig struct {
	Mode    string        `yaml:"mode"`    // modbus | sim
	Address string        `yaml:"address"` // host:port for modbus
	Timeout time.Duration `yaml:"timeout"`
}

type CommandConfig struct {
	Listen string `yaml:"listen"`
}

type TelemetryConfig struct {
	Listen string        `yaml:"listen"`
	Period time.Duration `yaml:"period"`
	MQTT   MQTTConfig    `yaml:"mqtt"`
}

// MQTTConfig enables the optional snapshot emitter when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

type PollConfig struct {
	Fast time.Duration `yaml:"fast"`
	Slow time.Duration `yaml:"slow"`
}

type LockConfig struct {
	Tolerance   float64       `yaml:"tolerance"`
	Timeout     time.Duration `yaml:"timeout"`
	Poll        time.Duration `yaml:"poll"`
	Consecutive int           `yaml:"consecutive"`
}

type LimitsConfig struct {
	MinSetpoint float64 `yaml:"min_setpoint"`
}

type HistoryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	DBPath   string        `yaml:"db_path"`
	Queue    int           `yaml:"queue"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// LoadYAML reads the config file, applies defaults, and validates.
func LoadYAML(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a runnable configuration with the standard 8 channels.
func Default() Config {
	cfg := Config{}
	for i := 1; i <= 8; i++ {
		cfg.Channels = append(cfg.Channels, Channel{ID: i, Name: fmt.Sprintf("Ch_%d", i)})
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Driver.Mode == "" {
		c.Driver.Mode = "modbus"
	}
	if c.Driver.Address == "" {
		c.Driver.Address = "127.0.0.1:5020"
	}
	if c.Driver.Timeout <= 0 {
		c.Driver.Timeout = 5 * time.Second
	}
	if c.Command.Listen == "" {
		c.Command.Listen = ":3796"
	}
	if c.Telemetry.Listen == "" {
		c.Telemetry.Listen = ":3797"
	}
	if c.Telemetry.Period <= 0 {
		c.Telemetry.Period = 100 * time.Millisecond
	}
	if c.Telemetry.MQTT.Topic == "" {
		c.Telemetry.MQTT.Topic = "wlm/snapshot"
	}
	if c.Telemetry.MQTT.ClientID == "" {
		c.Telemetry.MQTT.ClientID = "wlmd"
	}
	if c.Poll.Fast <= 0 {
		c.Poll.Fast = 100 * time.Millisecond
	}
	if c.Poll.Slow <= 0 {
		c.Poll.Slow = time.Second
	}
	if c.Lock.Tolerance <= 0 {
		c.Lock.Tolerance = 5e-6
	}
	if c.Lock.Timeout <= 0 {
		c.Lock.Timeout = 60 * time.Second
	}
	if c.Lock.Poll <= 0 {
		c.Lock.Poll = 100 * time.Millisecond
	}
	if c.Lock.Consecutive <= 0 {
		c.Lock.Consecutive = 2
	}
	if c.Limits.MinSetpoint <= 0 {
		c.Limits.MinSetpoint = 1.0
	}
	if c.History.DBPath == "" {
		c.History.DBPath = "data/wlmd.sqlite"
	}
	if c.History.Queue <= 0 {
		c.History.Queue = 1024
	}
	if c.History.CacheTTL <= 0 {
		c.History.CacheTTL = time.Hour
	}
	if c.SettingsPath == "" {
		c.SettingsPath = "wlm_settings.json"
	}
}

func (c *Config) validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("no channels configured")
	}
	seen := make(map[int]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.ID <= 0 {
			return fmt.Errorf("channel id %d must be positive", ch.ID)
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate channel id %d", ch.ID)
		}
		seen[ch.ID] = true
	}
	switch c.Driver.Mode {
	case "modbus", "sim":
	default:
		return fmt.Errorf("driver mode %q not supported (modbus|sim)", c.Driver.Mode)
	}
	return nil
}

// ChannelNames returns the id→name map the state store is seeded with.
func (c *Config) ChannelNames() map[int]string {
	out := make(map[int]string, len(c.Channels))
	for _, ch := range c.Channels {
		name := ch.Name
		if name == "" {
			name = fmt.Sprintf("Ch_%d", ch.ID)
		}
		out[ch.ID] = name
	}
	return out
}
