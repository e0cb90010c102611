package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTBus wraps a Paho MQTT client.
type MQTTBus struct {
	client mqtt.Client
	qos    byte
	log    zerolog.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

// MQTTOptions configures the MQTT bus.
type MQTTOptions struct {
	Broker   string
	ClientID string
	QoS      byte
	Logger   zerolog.Logger
}

// NewMQTTBus creates and connects an MQTT bus. Subscriptions are restored
// after every reconnect.
func NewMQTTBus(opts MQTTOptions) (*MQTTBus, error) {
	b := &MQTTBus{
		qos:  opts.QoS,
		log:  opts.Logger,
		subs: make(map[string]Handler),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetOnConnectHandler(b.resubscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.log.Warn().Err(err).Msg("mqtt connection lost")
		})

	b.client = mqtt.NewClient(clientOpts)
	token := b.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}
	return b, nil
}

func (b *MQTTBus) Publish(_ context.Context, topic string, payload []byte) error {
	token := b.client.Publish(topic, b.qos, false, payload)
	token.Wait()
	return token.Error()
}

func (b *MQTTBus) Subscribe(topic string, h Handler) error {
	b.mu.Lock()
	b.subs[topic] = h
	b.mu.Unlock()
	return b.subscribe(topic, h)
}

func (b *MQTTBus) subscribe(topic string, h Handler) error {
	token := b.client.Subscribe(topic, b.qos, func(_ mqtt.Client, m mqtt.Message) {
		h(m.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return nil
}

// resubscribe runs on every (re)connect. On the first connect no topics
// are registered yet.
func (b *MQTTBus) resubscribe(_ mqtt.Client) {
	b.mu.Lock()
	subs := make(map[string]Handler, len(b.subs))
	for t, h := range b.subs {
		subs[t] = h
	}
	b.mu.Unlock()
	for t, h := range subs {
		if err := b.subscribe(t, h); err != nil {
			b.log.Warn().Err(err).Str("topic", t).Msg("resubscribe failed")
		}
	}
}

func (b *MQTTBus) Close() error {
	b.client.Disconnect(1000)
	return nil
}
