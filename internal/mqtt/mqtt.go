package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"feinstaub-publisher/internal/config"
)

// Message is one outbound broker publication.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

type Publisher struct {
	client    mqtt.Client
	cfg       config.Config
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewPublisher(cfg config.Config, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)

	// Session settings
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Callbacks keep internal state accurate
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		logger.Warn("mqtt connection lost", "error", err)
	})

	p.client = mqtt.NewClient(opts)
	return p, nil
}

// Connect establishes connection to the MQTT broker.
// This function waits for the initial connection, and respects ctx and Disconnect().
func (p *Publisher) Connect(ctx context.Context) error {
	// Fail fast if already stopped.
	select {
	case <-p.stopCh:
		return fmt.Errorf("publisher stopped")
	default:
	}

	// Fast path.
	if p.IsConnected() {
		return nil
	}

	// Start connect attempt. With ConnectRetry(true), it may keep retrying internally.
	token := p.client.Connect()

	// Wait in a ctx/stop-aware loop.
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			// OnConnectHandler sets connected=true.
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return fmt.Errorf("publisher stopped")
		default:
		}
	}
}

// PublishBatch publishes every message in order. The first failure
// aborts the batch; delivery is fire-and-forget beyond the broker ack.
func (p *Publisher) PublishBatch(messages []Message) error {
	if len(messages) == 0 {
		return nil
	}
	if !p.IsConnected() {
		return fmt.Errorf("mqtt client not connected")
	}

	for _, m := range messages {
		token := p.client.Publish(m.Topic, m.QoS, m.Retain, m.Payload)
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("publish timeout for topic %s", m.Topic)
		}
		if token.Error() != nil {
			p.logger.Error("failed to publish message", "topic", m.Topic, "error", token.Error())
			return fmt.Errorf("publish %s: %w", m.Topic, token.Error())
		}
		p.logger.Debug("published message", "topic", m.Topic, "size", len(m.Payload))
	}
	return nil
}

// IsConnected returns whether the client is connected.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Disconnect stops the publisher and closes the MQTT connection.
// Idempotent and safe to call multiple times.
// After Disconnect, Connect() will return "publisher stopped".
func (p *Publisher) Disconnect() {
	// Signal shutdown once (unblocks any Connect loops).
	p.stopOnce.Do(func() { close(p.stopCh) })

	// Disconnect without holding p.mu to avoid lock contention/deadlocks.
	// Paho Disconnect quiesces in-flight work for the given ms.
	if p.client != nil {
		// Even if already disconnected, this is safe.
		p.client.Disconnect(250)
	}

	// Update our internal state.
	p.setConnected(false)
	p.logger.Info("mqtt disconnected")
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}
