// Package config loads client and server settings from YAML, the environment
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"roundtrip/internal/domain"
)

// Config is the complete application configuration.
type Config struct {
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// ClientConfig drives the frame client.
type ClientConfig struct {
	Endpoint string `yaml:"endpoint"` // overrides host and port when set
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Source   string `yaml:"source"`
	// TagModes maps a tag to "droppable" or "blocking".
	TagModes            map[string]string `yaml:"tag_modes"`
	CapacityWaitTimeout time.Duration     `yaml:"capacity_wait_timeout"`
	HandshakeTimeout    time.Duration     `yaml:"handshake_timeout"`
	PingInterval        time.Duration     `yaml:"ping_interval"`
	FPS                 int               `yaml:"fps"`
	Width               int               `yaml:"width"`
	Height              int               `yaml:"height"`
	JPEGQuality         int               `yaml:"jpeg_quality"`
	FramesDir           string            `yaml:"frames_dir"`
	ResultsDir          string            `yaml:"results_dir"`
	DBPath              string            `yaml:"db_path"`
	MQTT                MQTTConfig        `yaml:"mqtt"`
}

// MQTTConfig enables publishing result summaries when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// ServerConfig drives the engine server.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Sources        []string `yaml:"sources"`
	Engine         string   `yaml:"engine"`
	InputQueueSize int      `yaml:"input_queue_size"`
	DBPath         string   `yaml:"db_path"`
	GinMode        string   `yaml:"gin_mode"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Host:                "localhost",
			Port:                9099,
			Source:              "roundtrip",
			TagModes:            map[string]string{},
			CapacityWaitTimeout: 5 * time.Second,
			HandshakeTimeout:    10 * time.Second,
			PingInterval:        30 * time.Second,
			FPS:                 30,
			Width:               640,
			Height:              480,
			JPEGQuality:         100,
			DBPath:              "data/results.db",
			MQTT: MQTTConfig{
				Topic:    "roundtrip/results",
				ClientID: "roundtrip-" + uuid.NewString()[:8],
			},
		},
		Server: ServerConfig{
			Port:           9099,
			Sources:        []string{"roundtrip"},
			Engine:         "roundtrip",
			InputQueueSize: 60,
			DBPath:         "data/sessions.db",
			GinMode:        "release",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadEnv loads KEY=VALUE pairs from the given .env files into the process
// environment. Missing files are ignored.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from ROUNDTRIP_* environment variables.
func (c *Config) ApplyEnv() error {
	c.Client.Endpoint = pickFirst(os.Getenv("ROUNDTRIP_ENDPOINT"), c.Client.Endpoint)
	c.Client.Host = pickFirst(os.Getenv("ROUNDTRIP_HOST"), c.Client.Host)
	c.Client.Source = pickFirst(os.Getenv("ROUNDTRIP_SOURCE"), c.Client.Source)
	c.Client.FramesDir = pickFirst(os.Getenv("ROUNDTRIP_FRAMES_DIR"), c.Client.FramesDir)
	c.Client.ResultsDir = pickFirst(os.Getenv("ROUNDTRIP_RESULTS_DIR"), c.Client.ResultsDir)
	c.Client.DBPath = pickFirst(os.Getenv("ROUNDTRIP_DB_PATH"), c.Client.DBPath)
	c.Client.MQTT.Broker = pickFirst(os.Getenv("ROUNDTRIP_MQTT_BROKER"), c.Client.MQTT.Broker)
	c.Client.MQTT.Topic = pickFirst(os.Getenv("ROUNDTRIP_MQTT_TOPIC"), c.Client.MQTT.Topic)
	c.Server.Engine = pickFirst(os.Getenv("ROUNDTRIP_ENGINE"), c.Server.Engine)
	c.Server.DBPath = pickFirst(os.Getenv("ROUNDTRIP_SERVER_DB_PATH"), c.Server.DBPath)
	c.Server.GinMode = pickFirst(os.Getenv("GIN_MODE"), c.Server.GinMode)
	c.Log.Level = pickFirst(os.Getenv("ROUNDTRIP_LOG_LEVEL"), c.Log.Level)
	c.Log.Format = pickFirst(os.Getenv("ROUNDTRIP_LOG_FORMAT"), c.Log.Format)

	var err error
	if c.Client.Port, err = envInt("ROUNDTRIP_PORT", c.Client.Port); err != nil {
		return err
	}
	if c.Server.Port, err = envInt("ROUNDTRIP_SERVER_PORT", c.Server.Port); err != nil {
		return err
	}
	if c.Client.FPS, err = envInt("ROUNDTRIP_FPS", c.Client.FPS); err != nil {
		return err
	}
	if c.Client.CapacityWaitTimeout, err = envDuration("ROUNDTRIP_CAPACITY_WAIT_TIMEOUT", c.Client.CapacityWaitTimeout); err != nil {
		return err
	}
	return nil
}

// URL returns the WebSocket endpoint the client connects to.
func (c ClientConfig) URL() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return fmt.Sprintf("ws://%s:%d/ws", c.Host, c.Port)
}

// Modes converts TagModes into submission modes.
func (c ClientConfig) Modes() (map[string]domain.Mode, error) {
	modes := make(map[string]domain.Mode, len(c.TagModes))
	for tag, raw := range c.TagModes {
		mode, err := domain.ParseMode(raw)
		if err != nil {
			return nil, fmt.Errorf("tag_modes[%s]: %w", tag, err)
		}
		modes[tag] = mode
	}
	return modes, nil
}

func pickFirst(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
