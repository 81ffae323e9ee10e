package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
	"github.com/dshryn/bandwidth-allocator/internal/core/port"
)

const (
	mqttQoS          = 1
	mqttWaitTimeout  = 2 * time.Second
	DefaultMQTTTopic = "sba"
)

// MQTTPublisher forwards tier changes and alerts to a broker under
// <topic>/tier and <topic>/alert.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	log    *slog.Logger
}

var _ port.EventPublisher = (*MQTTPublisher)(nil)

// ConnectMQTT dials broker (e.g. tcp://localhost:1883) with automatic reconnects.
func ConnectMQTT(broker, clientID, topic string, logger *slog.Logger) (mqtt.Client, error) {
	if broker == "" {
		return nil, fmt.Errorf("MQTT broker address not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = DefaultMQTTTopic
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetWill(topic+"/status", `{"status":"offline"}`, mqttQoS, true)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) {
		return nil, fmt.Errorf("MQTT connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect failed: %w", err)
	}
	return client, nil
}

func NewMQTTPublisher(client mqtt.Client, topic string, logger *slog.Logger) *MQTTPublisher {
	if topic == "" {
		topic = DefaultMQTTTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTPublisher{
		client: client,
		topic:  strings.TrimSuffix(topic, "/"),
		log:    logger.With("publisher", "mqtt"),
	}
}

func (p *MQTTPublisher) publish(subtopic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("could not encode payload", "topic", subtopic, "error", err)
		return
	}

	topic := p.topic + "/" + subtopic
	token := p.client.Publish(topic, mqttQoS, false, data)
	// Delivery is confirmed asynchronously so a slow broker cannot stall the cycle.
	go func() {
		if !token.WaitTimeout(mqttWaitTimeout) {
			p.log.Warn("mqtt publish timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			p.log.Warn("mqtt publish failed", "topic", topic, "error", err)
		}
	}()
}

func (p *MQTTPublisher) PublishTierChange(_ context.Context, change domain.TierChange) {
	p.publish("tier", change)
}

func (p *MQTTPublisher) PublishAlert(_ context.Context, alert domain.Alert) {
	p.publish("alert", alert)
}

func (p *MQTTPublisher) PublishCycle(context.Context, domain.CycleSummary) {}

// Close disconnects, waiting up to 250ms for in-flight messages.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
