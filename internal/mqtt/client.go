// Package mqtt provides the broker session and the telemetry publisher
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"envnode/internal/logger"
)

var (
	// ErrNotConnected is returned when publishing without a session
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrPayloadTooLarge is returned when topic plus payload exceed the
	// configured buffer size. Messages are never truncated.
	ErrPayloadTooLarge = errors.New("mqtt: message exceeds buffer size")
)

// Availability payloads published on Config.AvailabilityTopic.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Config holds MQTT client configuration
type Config struct {
	ClientID       string        // Client ID; a random suffix is appended
	Username       string        // MQTT username (optional)
	Password       string        // MQTT password (optional)
	UseTLS         bool          // Enable TLS connection
	ConnectTimeout time.Duration // Bound on connect, subscribe and publish
	KeepAlive      time.Duration
	BufferSize     int // Max topic+payload bytes, 0 for no limit
	// AvailabilityTopic carries a retained online/offline flag and the
	// last will. Empty disables it.
	AvailabilityTopic string
}

// Client wraps a paho client. A new paho client is built on every Connect
// so the broker can change between calls.
type Client struct {
	config Config
	log    *logger.Logger

	newClient func(*paho.ClientOptions) paho.Client

	mu       sync.RWMutex
	client   paho.Client
	broker   string
	isActive bool
	onLost   func(error)
}

// New creates a new MQTT client
func New(cfg Config, log *logger.Logger) *Client {
	if cfg.ClientID == "" {
		cfg.ClientID = "envnode"
	}
	// Brokers drop the older session on a duplicate id
	cfg.ClientID = cfg.ClientID + "-" + uuid.NewString()[:8]

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}

	return &Client{
		config:    cfg,
		log:       log,
		newClient: paho.NewClient,
	}
}

// SetConnectionLostHandler registers fn to run when an established session
// drops.
func (c *Client) SetConnectionLostHandler(fn func(error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

// Connect establishes a session with host:port. Auto-reconnect is off; the
// connectivity manager owns the retry policy.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	c.Disconnect()

	scheme := "tcp"
	if c.config.UseTLS {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)))

	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
	}
	if c.config.Password != "" {
		opts.SetPassword(c.config.Password)
	}

	// Configure TLS if enabled
	if c.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	if c.config.AvailabilityTopic != "" {
		opts.SetWill(c.config.AvailabilityTopic, PayloadOffline, 0, true)
	}

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(c.config.ConnectTimeout)
	opts.SetKeepAlive(c.config.KeepAlive)
	opts.SetPingTimeout(c.config.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.mu.Lock()
		c.isActive = false
		onLost := c.onLost
		c.mu.Unlock()

		c.log.Warnw("Connection lost", "broker", broker, "error", err)
		if onLost != nil {
			onLost(err)
		}
	})

	c.log.Debugw("Connecting to broker", "broker", broker, "clientId", c.config.ClientID)

	client := c.newClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", broker, err)
	}

	c.mu.Lock()
	c.client = client
	c.broker = broker
	c.isActive = true
	c.mu.Unlock()

	if c.config.AvailabilityTopic != "" {
		if err := c.Publish(c.config.AvailabilityTopic, []byte(PayloadOnline), true); err != nil {
			c.log.Warnw("Failed to publish availability", "error", err)
		}
	}

	c.log.Infow("Connected to broker", "broker", broker)
	return nil
}

// Subscribe registers handler for topic at QoS 0. The handler runs on a
// paho goroutine and must return quickly.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	c.mu.RLock()
	client, active := c.client, c.isActive
	c.mu.RUnlock()

	if !active || client == nil {
		return ErrNotConnected
	}

	token := client.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("subscribe to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	c.log.Infow("Subscribed", "topic", topic)
	return nil
}

// Publish publishes payload at QoS 0
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if err := c.checkSize(topic, payload); err != nil {
		return err
	}

	c.mu.RLock()
	client, active := c.client, c.isActive
	c.mu.RUnlock()

	if !active || client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	c.log.Debugw("Published", "topic", topic, "bytes", len(payload), "retained", retained)
	return nil
}

// checkSize enforces the buffer limit on topic plus payload
func (c *Client) checkSize(topic string, payload []byte) error {
	if c.config.BufferSize <= 0 {
		return nil
	}
	if size := len(topic) + len(payload); size > c.config.BufferSize {
		return fmt.Errorf("%w: %d bytes on %s (limit %d)", ErrPayloadTooLarge, size, topic, c.config.BufferSize)
	}
	return nil
}

// Disconnect closes the session, announcing offline first
func (c *Client) Disconnect() {
	c.mu.RLock()
	client, active, broker := c.client, c.isActive, c.broker
	c.mu.RUnlock()

	if client == nil {
		return
	}

	if active && c.config.AvailabilityTopic != "" {
		c.Publish(c.config.AvailabilityTopic, []byte(PayloadOffline), true)
	}

	client.Disconnect(250) // Wait up to 250ms for graceful disconnect

	c.mu.Lock()
	c.client = nil
	c.isActive = false
	c.mu.Unlock()

	if active {
		c.log.Infow("Disconnected from broker", "broker", broker)
	}
}

// IsConnected returns true if client is connected to broker
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isActive && c.client != nil && c.client.IsConnectionOpen()
}

// Broker returns the URL of the current or last broker
func (c *Client) Broker() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.broker
}

// ClientID returns the effective client id
func (c *Client) ClientID() string {
	return c.config.ClientID
}
