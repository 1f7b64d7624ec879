package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"roundtrip/internal/domain"
)

const publishTimeout = 2 * time.Second

// Publisher is the part of an MQTT client the sink needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Summary is the JSON document published per result.
type Summary struct {
	RequestID   uint64    `json:"request_id"`
	Tag         string    `json:"tag"`
	Status      string    `json:"status"`
	Results     int       `json:"results"`
	PayloadType string    `json:"payload_type,omitempty"`
	PayloadSize int       `json:"payload_size,omitempty"`
	Text        string    `json:"text,omitempty"`
	RoundTripMS int64     `json:"round_trip_ms"`
	ReceivedAt  time.Time `json:"received_at"`
}

// NewSummary condenses an envelope for publication.
func NewSummary(env domain.ResultEnvelope) Summary {
	s := Summary{
		RequestID:   env.RequestID,
		Tag:         env.Tag,
		Status:      string(env.Status),
		Results:     len(env.Results),
		RoundTripMS: env.RoundTrip().Milliseconds(),
		ReceivedAt:  env.ReceivedAt,
	}
	if len(env.Results) > 0 {
		first := env.Results[0]
		s.PayloadType = string(first.Type)
		s.PayloadSize = len(first.Data)
		if first.Type == domain.PayloadTypeText {
			s.Text = string(first.Data)
		}
	}
	return s
}

// MQTT publishes a Summary of each result to Topic/<tag>.
type MQTT struct {
	Client Publisher
	Topic  string
	QoS    byte
	Logger *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

func (m *MQTT) HandleResult(_ context.Context, env domain.ResultEnvelope) error {
	payload, err := json.Marshal(NewSummary(env))
	if err != nil {
		m.failed.Add(1)
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	topic := fmt.Sprintf("%s/%s", m.Topic, env.Tag)
	token := m.Client.Publish(topic, m.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		m.failed.Add(1)
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		m.failed.Add(1)
		return fmt.Errorf("publish failed: %w", err)
	}

	m.published.Add(1)
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("result published", "topic", topic, "size", len(payload))
	return nil
}

// Counts reports published and failed publications.
func (m *MQTT) Counts() (published, failed uint64) {
	return m.published.Load(), m.failed.Load()
}

// ConnectMQTT connects a paho client to broker (host:port or a full URL).
func ConnectMQTT(broker, clientID string, logger *slog.Logger) (mqtt.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, will auto-reconnect", "broker", broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}
