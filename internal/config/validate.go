package config

import (
	"errors"
	"fmt"
	"net/url"

	"roundtrip/internal/logging"
)

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Client.Endpoint != "" {
		u, err := url.Parse(c.Client.Endpoint)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("client.endpoint must be a ws:// or wss:// url, got %q", c.Client.Endpoint))
		}
	} else if c.Client.Host == "" {
		errs = append(errs, errors.New("client.host is required when client.endpoint is empty"))
	}
	if c.Client.Port <= 0 || c.Client.Port > 65535 {
		errs = append(errs, fmt.Errorf("client.port must be in 1..65535, got %d", c.Client.Port))
	}
	if c.Client.Source == "" {
		errs = append(errs, errors.New("client.source is required"))
	}
	if _, err := c.Client.Modes(); err != nil {
		errs = append(errs, err)
	}
	if c.Client.CapacityWaitTimeout < 0 {
		errs = append(errs, errors.New("client.capacity_wait_timeout must be >= 0"))
	}
	if c.Client.FPS <= 0 {
		errs = append(errs, fmt.Errorf("client.fps must be > 0, got %d", c.Client.FPS))
	}
	if c.Client.Width <= 0 || c.Client.Height <= 0 {
		errs = append(errs, fmt.Errorf("client.width and client.height must be > 0, got %dx%d", c.Client.Width, c.Client.Height))
	}
	if c.Client.JPEGQuality < 1 || c.Client.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("client.jpeg_quality must be in 1..100, got %d", c.Client.JPEGQuality))
	}
	if c.Client.MQTT.Broker != "" && c.Client.MQTT.Topic == "" {
		errs = append(errs, errors.New("client.mqtt.topic is required when a broker is set"))
	}
	if c.Client.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("client.mqtt.qos must be 0, 1 or 2, got %d", c.Client.MQTT.QoS))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if len(c.Server.Sources) == 0 {
		errs = append(errs, errors.New("server.sources must list at least one source"))
	}
	if c.Server.InputQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("server.input_queue_size must be > 0, got %d", c.Server.InputQueueSize))
	}
	switch c.Server.GinMode {
	case "", "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("server.gin_mode: unsupported value %q", c.Server.GinMode))
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "console", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format: unsupported value %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
