package notify

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/novakit/opsmon/internal/alerting"
)

// MQTTChannel publishes the payload as JSON to a broker topic with QoS 1.
// The connection is established lazily on first send and reused.
type MQTTChannel struct {
	id          string
	topic       string
	enabled     bool
	minSeverity alerting.Severity
	client      mqtt.Client
}

// NewMQTTChannel creates an MQTT channel for the given broker URL
// (tcp://host:1883) and topic.
func NewMQTTChannel(id, brokerURL, topic string, minSeverity alerting.Severity, enabled bool) *MQTTChannel {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("opsmon-" + id).
		SetAutoReconnect(true).
		SetConnectRetry(false)
	return &MQTTChannel{
		id:          id,
		topic:       topic,
		enabled:     enabled,
		minSeverity: minSeverity,
		client:      mqtt.NewClient(opts),
	}
}

func (c *MQTTChannel) ID() string                     { return c.id }
func (c *MQTTChannel) Type() string                   { return "mqtt" }
func (c *MQTTChannel) Enabled() bool                  { return c.enabled }
func (c *MQTTChannel) MinSeverity() alerting.Severity { return c.minSeverity }

// Send publishes the payload, connecting first if needed. Connect and
// publish waits are bounded so a dead broker degrades to an error instead
// of hanging the dispatcher.
func (c *MQTTChannel) Send(_ context.Context, payload Payload) error {
	if !c.client.IsConnected() {
		token := c.client.Connect()
		if !token.WaitTimeout(sendTimeout) {
			return fmt.Errorf("mqtt connect timed out for channel %s", c.id)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect mqtt channel %s: %w", c.id, err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal mqtt payload: %w", err)
	}
	token := c.client.Publish(c.topic, 1, false, body)
	if !token.WaitTimeout(sendTimeout) {
		return fmt.Errorf("mqtt publish timed out for channel %s", c.id)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", c.topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (c *MQTTChannel) Close() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}
