package publisher

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Availability payloads published on the status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// MQTTPublisher wraps a Paho MQTT client.
type MQTTPublisher struct {
	client      mqtt.Client
	qos         byte
	statusTopic string
}

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker   string
	ClientID string
	QoS      byte
	// StatusTopic receives a retained "online" on connect and is set to
	// "offline" by the broker's last will if the process disappears.
	StatusTopic    string
	ConnectTimeout time.Duration
}

// NewMQTTPublisher creates and connects an MQTT publisher.
func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second)
	if opts.StatusTopic != "" {
		clientOpts.SetWill(opts.StatusTopic, StatusOffline, opts.QoS, true)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to MQTT broker %s: timed out after %s", opts.Broker, opts.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}

	p := &MQTTPublisher{
		client:      client,
		qos:         opts.QoS,
		statusTopic: opts.StatusTopic,
	}
	if p.statusTopic != "" {
		if err := p.Publish(context.Background(), p.statusTopic, []byte(StatusOnline), true); err != nil {
			return nil, fmt.Errorf("publishing online status: %w", err)
		}
	}
	return p, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the bridge offline and disconnects.
func (p *MQTTPublisher) Close() error {
	if p.statusTopic != "" {
		token := p.client.Publish(p.statusTopic, p.qos, true, []byte(StatusOffline))
		token.WaitTimeout(time.Second)
	}
	p.client.Disconnect(1000)
	return nil
}
