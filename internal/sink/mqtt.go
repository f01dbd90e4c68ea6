package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

// MQTT errors.
var (
	ErrMQTTConnect = errors.New("mqtt connection failed")
	ErrMQTTPublish = errors.New("mqtt publish failed")
)

const (
	defaultMQTTTimeout = 10 * time.Second
	mqttQuiesceMillis  = 250
	availabilityOnline = "online"
	availabilityGone   = "offline"
)

// MQTTConfig configures the MQTT state publisher.
type MQTTConfig struct {
	// Broker is a URL such as tcp://localhost:1883.
	Broker   string
	ClientID string
	Username string
	Password string
	// Topic is the prefix; samples go to <Topic>/state and presence to
	// <Topic>/availability.
	Topic   string
	QoS     byte
	Timeout time.Duration
}

// MQTT publishes each sample as the retained state of the device.
type MQTT struct {
	client  pahomqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
	logger  *slog.Logger
}

// NewMQTT connects to the broker. The broker announces the device offline
// if the connection drops without a clean Close.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt broker and topic are required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "heatlogd-" + uuid.NewString()[:8]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultMQTTTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	topic := strings.TrimSuffix(cfg.Topic, "/")

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetWill(topic+"/availability", availabilityGone, cfg.QoS, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		c.Publish(topic+"/availability", cfg.QoS, true, availabilityOnline)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("%w: timeout after %s", ErrMQTTConnect, cfg.Timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMQTTConnect, err)
	}

	logger.Info("mqtt publisher enabled", "broker", cfg.Broker, "topic", topic)
	return newMQTT(client, topic, cfg.QoS, cfg.Timeout, logger), nil
}

func newMQTT(client pahomqtt.Client, topic string, qos byte, timeout time.Duration, logger *slog.Logger) *MQTT {
	return &MQTT{client: client, topic: topic, qos: qos, timeout: timeout, logger: logger}
}

// Name implements collector.Sink.
func (m *MQTT) Name() string { return "mqtt" }

// CurrentStateOnly keeps backfilled history out of the retained state.
func (m *MQTT) CurrentStateOnly() {}

// Publish sends s as the retained state message and waits for the broker
// to acknowledge it.
func (m *MQTT) Publish(ctx context.Context, s telemetry.Sample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding sample: %w", err)
	}
	return m.send(ctx, m.topic+"/state", payload)
}

func (m *MQTT) send(ctx context.Context, topic string, payload []byte) error {
	token := m.client.Publish(topic, m.qos, true, payload)

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrMQTTPublish, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: timeout after %s", ErrMQTTPublish, m.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrMQTTPublish, err)
	}
	return nil
}

// Close marks the device offline and disconnects.
func (m *MQTT) Close() error {
	if m.client.IsConnected() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := m.send(ctx, m.topic+"/availability", []byte(availabilityGone)); err != nil {
			m.logger.Warn("mqtt offline announcement failed", "error", err)
		}
	}
	m.client.Disconnect(mqttQuiesceMillis)
	return nil
}
