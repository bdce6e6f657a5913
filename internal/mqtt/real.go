package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sweeney/fmip-tracker/internal/device"
	"github.com/sweeney/fmip-tracker/internal/logger"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Config configures a RealPublisher.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	BufferSize  int
	Log         *zerolog.Logger // nil uses the component logger
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the connection is down are held in an outbox and replayed on reconnect.
type RealPublisher struct {
	client paho.Client
	topics Topics
	log    zerolog.Logger

	mu        sync.Mutex
	connected bool
	outbox    *outbox
	subs      map[string]paho.MessageHandler
}

// NewRealPublisher connects to cfg.Broker. The client id gets a random suffix
// so two instances never kick each other off the broker.
func NewRealPublisher(cfg Config) (*RealPublisher, error) {
	log := logger.WithComponent("mqtt")
	if cfg.Log != nil {
		log = *cfg.Log
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fmip-tracker"
	}

	p := &RealPublisher{
		topics: Topics{Prefix: cfg.TopicPrefix},
		log:    log,
		outbox: newOutbox(cfg.BufferSize, log),
		subs:   make(map[string]paho.MessageHandler),
	}

	will, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "LWT"})

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID + "-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(p.topics.System(), string(will), 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// onConnect replays held messages and restores subscriptions.
func (p *RealPublisher) onConnect(c paho.Client) {
	p.mu.Lock()
	p.connected = true
	pending := p.outbox.flush()
	subs := make(map[string]paho.MessageHandler, len(p.subs))
	for t, h := range p.subs {
		subs[t] = h
	}
	p.mu.Unlock()

	p.log.Info().Int("replay", len(pending)).Msg("connected to broker")

	for topic, h := range subs {
		c.Subscribe(topic, 1, h)
	}
	for _, m := range pending {
		c.Publish(m.topic, m.qos, m.retained, m.payload)
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.log.Warn().Err(err).Msg("connection to broker lost")
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// publish sends a message, or holds it in the outbox while disconnected.
func (p *RealPublisher) publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	if !p.connected {
		p.outbox.add(pendingMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	token := p.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	case <-time.After(publishTimeout):
		return fmt.Errorf("publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// See publishes the retained state of one device.
func (p *RealPublisher) See(ctx context.Context, key string, pos device.Position, attrs map[string]any) error {
	payload, err := FormatDevicePayload(key, pos, attrs)
	if err != nil {
		return fmt.Errorf("format device payload: %w", err)
	}
	return p.publish(ctx, p.topics.Device(accountOf(attrs), key), 1, true, payload)
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(context.Background(), p.topics.System(), 1, event.Retained, payload)
}

// Subscribe registers handler for topic. The subscription is restored after
// every reconnect.
func (p *RealPublisher) Subscribe(topic string, handler func(payload []byte)) error {
	h := func(_ paho.Client, m paho.Message) { handler(m.Payload()) }

	p.mu.Lock()
	p.subs[topic] = h
	connected := p.connected
	p.mu.Unlock()

	if !connected {
		return nil
	}
	token := p.client.Subscribe(topic, 1, h)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
