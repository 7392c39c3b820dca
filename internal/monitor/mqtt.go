package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/morrigan-server/morrigan/internal/config"
	"github.com/morrigan-server/morrigan/internal/events"
)

// MQTTSink publishes events to an MQTT broker. Each send opens a fresh
// connection: event volume is low and a standing connection would need its
// own reconnect supervision.
type MQTTSink struct {
	broker   string
	topic    string
	clientID string
	username string
	password string
	qos      byte
}

type mqttPayload struct {
	Name      string         `json:"name"`
	Detail    map[string]any `json:"detail,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// NewMQTTSink creates an MQTT sink from configuration.
func NewMQTTSink(cfg config.MQTTConfig) *MQTTSink {
	qos := byte(cfg.QoS)
	if qos > 2 {
		qos = 0
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "morrigan"
	}
	return &MQTTSink{
		broker:   cfg.Broker,
		topic:    cfg.Topic,
		clientID: clientID,
		username: cfg.Username,
		password: cfg.Password,
		qos:      qos,
	}
}

// Name returns the sink name for logging.
func (s *MQTTSink) Name() string { return "mqtt" }

// Send publishes one event as a JSON payload.
func (s *MQTTSink) Send(ctx context.Context, evt events.Event) error {
	opts := mqtt.NewClientOptions().
		SetClientID(s.clientID).
		AddBroker(s.broker).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(10 * time.Second)
	if s.username != "" {
		opts.SetUsername(s.username)
		opts.SetPassword(s.password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", tok.Error())
	}
	defer client.Disconnect(250)

	payload := mqttPayload{
		Name:      evt.Name,
		Detail:    evt.Detail,
		Timestamp: evt.Timestamp.UTC().Format(time.RFC3339),
	}
	if evt.Err != nil {
		payload.Error = evt.Err.Error()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal mqtt payload: %w", err)
	}

	pub := client.Publish(s.topic, s.qos, false, body)
	if !pub.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt publish timeout")
	}
	if pub.Error() != nil {
		return fmt.Errorf("mqtt publish: %w", pub.Error())
	}
	return nil
}
