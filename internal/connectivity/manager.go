// Package connectivity keeps the device on a network and attached to a
// broker. Wi-Fi candidates are cycled until one associates; broker
// sessions are retried a bounded number of times with a fixed delay and a
// cooldown between bursts.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"

	"envnode/internal/config"
	"envnode/internal/events"
	"envnode/internal/logger"
	"envnode/internal/timing"
	"envnode/internal/wifi"
)

// ErrCooldown is returned by EnsureMQTT when the previous connection burst
// was too recent. No attempt is made.
var ErrCooldown = errors.New("mqtt reconnect cooldown active")

// ErrLinkPending is returned in wired mode while the host has no address
// and the next check is not yet due.
var ErrLinkPending = errors.New("network link check pending")

// Session is the broker session the manager drives.
type Session interface {
	IsConnected() bool
	Connect(ctx context.Context, host string, port int) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Disconnect()
}

// Recorder receives connectivity events.
type Recorder interface {
	Add(eventType events.EventType, source string, success bool, details string)
}

// Identity is the network identity of the device.
type Identity struct {
	Hostname string `json:"hostname"`
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
}

// Options configures a Manager.
type Options struct {
	Networks   []config.Network
	StartIndex int
	Hostname   string

	// WiFiEnabled false means the host is wired: EnsureWiFi only resolves
	// the identity.
	WiFiEnabled    bool
	ConnectTimeout time.Duration
	ScanBeforeJoin bool

	// LinkCheckInterval bounds how often an associated radio is queried.
	LinkCheckInterval time.Duration

	CommandTopic      string
	ReconnectDelay    time.Duration
	ReconnectCooldown time.Duration
}

// Status is a point-in-time view of the manager.
type Status struct {
	Identity         Identity `json:"identity"`
	NetworkIndex     int      `json:"networkIndex"`
	SSID             string   `json:"ssid,omitempty"`
	BrokerHost       string   `json:"brokerHost"`
	BrokerPort       int      `json:"brokerPort"`
	WiFiState        string   `json:"wifiState"`
	MQTTConnected    bool     `json:"mqttConnected"`
	WiFiFailures     uint64   `json:"wifiFailures"`
	MQTTAttempts     uint64   `json:"mqttAttempts"`
	MQTTFailedBursts uint64   `json:"mqttFailedBursts"`
	LastError        string   `json:"lastError,omitempty"`
}

// Manager owns the credential index, the device identity and the MQTT
// connection attempt state.
type Manager struct {
	opts    Options
	radio   wifi.Radio
	session Session
	clock   timing.Clock
	log     *logger.Logger
	events  Recorder

	handler     func(topic string, payload []byte)
	onConnected func()

	// sleep pauses after a full pass in which no candidate was visible
	sleep func(ctx context.Context, d time.Duration) error

	mu           sync.RWMutex
	index        int
	identity     Identity
	resolved     bool
	linkUp       bool
	linkChecked  uint32
	wiredTried   bool
	attempted    bool
	lastAttempt  uint32
	wifiFailures uint64
	attempts     uint64
	failedBursts uint64
	lastErr      string
}

// New creates a Manager. The command handler receives every message on
// opts.CommandTopic; onConnected runs after each successful session setup.
func New(opts Options, radio wifi.Radio, session Session, clock timing.Clock, rec Recorder, log *logger.Logger) (*Manager, error) {
	if len(opts.Networks) == 0 {
		return nil, errors.New("connectivity: no networks configured")
	}
	if opts.StartIndex < 0 || opts.StartIndex >= len(opts.Networks) {
		return nil, fmt.Errorf("connectivity: start index %d out of range", opts.StartIndex)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = config.DefaultWiFiConnectTimeout
	}
	if opts.LinkCheckInterval <= 0 {
		opts.LinkCheckInterval = 2 * time.Second
	}

	return &Manager{
		opts:     opts,
		radio:    radio,
		session:  session,
		clock:    clock,
		log:      log,
		events:   rec,
		sleep:    sleepContext,
		index:    opts.StartIndex,
		identity: Identity{Hostname: opts.Hostname},
	}, nil
}

// SetCommandHandler sets the callback subscribed to the command topic.
func (m *Manager) SetCommandHandler(fn func(topic string, payload []byte)) {
	m.handler = fn
}

// OnConnected sets the hook run after a session is established and
// subscribed.
func (m *Manager) OnConnected(fn func()) {
	m.onConnected = fn
}

// EnsureWiFi returns immediately when the radio is associated. Otherwise it
// tries candidates starting at the current index, advancing with
// wraparound after each failure, until one associates or ctx ends.
func (m *Manager) EnsureWiFi(ctx context.Context) error {
	if !m.opts.WiFiEnabled {
		return m.ensureWired()
	}

	now := m.clock.Millis()
	m.mu.RLock()
	fresh := m.linkUp && !timing.Due(now, m.linkChecked, timing.Millis(m.opts.LinkCheckInterval))
	m.mu.RUnlock()
	if fresh {
		return nil
	}

	if m.radio.State(ctx) == wifi.StateConnected {
		m.mu.Lock()
		m.linkUp = true
		m.linkChecked = now
		resolved := m.resolved
		m.mu.Unlock()
		if !resolved {
			m.refreshIdentity()
		}
		return nil
	}

	m.mu.Lock()
	m.linkUp = false
	m.resolved = false
	m.mu.Unlock()

	skipped := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.mu.RLock()
		idx := m.index
		m.mu.RUnlock()
		n := m.opts.Networks[idx]

		if m.opts.ScanBeforeJoin && !m.ssidVisible(ctx, n.SSID) {
			m.log.Infow("SSID not visible, trying next network", "ssid", n.SSID, "index", idx)
			m.events.Add(events.EventWiFiSkipped, "connectivity", false, n.SSID)
			m.advance()

			skipped++
			if skipped >= len(m.opts.Networks) {
				skipped = 0
				if err := m.sleep(ctx, m.opts.ConnectTimeout); err != nil {
					return err
				}
			}
			continue
		}
		skipped = 0

		m.log.Infow("Associating", "ssid", n.SSID, "index", idx, "timeout", m.opts.ConnectTimeout)

		attemptCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
		err := m.radio.Associate(attemptCtx, n.SSID, n.Password)
		cancel()

		if err == nil {
			m.mu.Lock()
			m.linkUp = true
			m.linkChecked = m.clock.Millis()
			m.mu.Unlock()

			m.refreshIdentity()
			id := m.Identity()
			m.log.Infow("Wi-Fi connected", "ssid", n.SSID, "ip", id.IP, "mac", id.MAC,
				"broker", fmt.Sprintf("%s:%d", n.BrokerHost, n.BrokerPort))
			m.events.Add(events.EventWiFiConnected, "connectivity", true, n.SSID)
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		m.log.Warnw("Wi-Fi association failed", "ssid", n.SSID, "index", idx,
			"state", m.radio.State(ctx).String(), "error", err)
		m.events.Add(events.EventWiFiFailed, "connectivity", false, fmt.Sprintf("%s: %v", n.SSID, err))

		m.mu.Lock()
		m.wifiFailures++
		m.lastErr = err.Error()
		m.mu.Unlock()

		m.advance()
	}
}

// ensureWired resolves the identity of a wired host once. Failed lookups
// are retried at most every LinkCheckInterval.
func (m *Manager) ensureWired() error {
	now := m.clock.Millis()
	m.mu.Lock()
	if m.resolved {
		m.mu.Unlock()
		return nil
	}
	if m.wiredTried && !timing.Due(now, m.linkChecked, timing.Millis(m.opts.LinkCheckInterval)) {
		m.mu.Unlock()
		return ErrLinkPending
	}
	m.wiredTried = true
	m.linkChecked = now
	m.mu.Unlock()

	if err := m.refreshIdentity(); err != nil {
		return err
	}
	id := m.Identity()
	m.log.Infow("Network ready", "ip", id.IP, "mac", id.MAC)
	return nil
}

// refreshIdentity reads IP and MAC from the radio's interface.
func (m *Manager) refreshIdentity() error {
	ip, mac, err := m.radio.Addresses()

	m.mu.Lock()
	defer m.mu.Unlock()

	if mac != "" {
		m.identity.MAC = mac
	}
	if err != nil {
		if err.Error() != m.lastErr {
			m.log.Warnw("Failed to resolve addresses", "error", err)
		}
		m.lastErr = err.Error()
		return err
	}
	m.identity.IP = ip
	m.resolved = true
	return nil
}

func (m *Manager) ssidVisible(ctx context.Context, ssid string) bool {
	ssids, err := m.radio.Scan(ctx)
	if err != nil {
		// Without a scan result fall through to association
		m.log.Debugw("Scan failed", "error", err)
		return true
	}
	for _, s := range ssids {
		if s == ssid {
			return true
		}
	}
	return false
}

// advance moves to the next candidate with wraparound.
func (m *Manager) advance() {
	m.mu.Lock()
	m.index = (m.index + 1) % len(m.opts.Networks)
	m.mu.Unlock()
}

// EnsureMQTT returns immediately when the session is up. A call within the
// cooldown of the previous burst returns ErrCooldown without attempting.
// Otherwise up to maxAttempts connections are tried against the active
// candidate's broker with a fixed delay between them. On success the
// command topic is subscribed and the on-connect hook runs.
func (m *Manager) EnsureMQTT(ctx context.Context, maxAttempts int) error {
	if m.session.IsConnected() {
		return nil
	}

	m.mu.Lock()
	now := m.clock.Millis()
	if m.attempted && !timing.Due(now, m.lastAttempt, timing.Millis(m.opts.ReconnectCooldown)) {
		m.mu.Unlock()
		return ErrCooldown
	}
	m.attempted = true
	m.lastAttempt = now
	n := m.opts.Networks[m.index]
	m.mu.Unlock()

	if maxAttempts < 1 {
		maxAttempts = 1
	}

	err := retry.Do(
		func() error {
			m.mu.Lock()
			m.attempts++
			m.mu.Unlock()
			return m.session.Connect(ctx, n.BrokerHost, n.BrokerPort)
		},
		retry.Attempts(uint(maxAttempts)),
		retry.Delay(m.opts.ReconnectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(attempt uint, err error) {
			m.log.Warnw("MQTT connection attempt failed", "attempt", attempt+1, "of", maxAttempts,
				"broker", n.BrokerHost, "port", n.BrokerPort, "error", err)
		}),
	)

	// The cooldown runs from the end of the burst
	m.mu.Lock()
	m.lastAttempt = m.clock.Millis()
	m.mu.Unlock()

	if err != nil {
		m.mu.Lock()
		m.failedBursts++
		m.lastErr = err.Error()
		m.mu.Unlock()

		m.log.Warnw("MQTT connection failed, will retry after cooldown",
			"broker", n.BrokerHost, "port", n.BrokerPort, "attempts", maxAttempts,
			"cooldown", m.opts.ReconnectCooldown, "error", err)
		m.events.Add(events.EventMQTTFailed, "connectivity", false, err.Error())
		return fmt.Errorf("mqtt connect: %w", err)
	}

	if m.handler != nil && m.opts.CommandTopic != "" {
		if err := m.session.Subscribe(m.opts.CommandTopic, m.handler); err != nil {
			m.session.Disconnect()
			m.log.Warnw("Command subscription failed", "topic", m.opts.CommandTopic, "error", err)
			m.events.Add(events.EventMQTTFailed, "connectivity", false, err.Error())
			return fmt.Errorf("mqtt subscribe: %w", err)
		}
	}

	m.events.Add(events.EventMQTTConnected, "connectivity", true, fmt.Sprintf("%s:%d", n.BrokerHost, n.BrokerPort))
	if m.onConnected != nil {
		m.onConnected()
	}
	return nil
}

// Identity returns the device identity.
func (m *Manager) Identity() Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity
}

// RSSI returns the live signal level, or 0 when unavailable.
func (m *Manager) RSSI() int {
	if !m.opts.WiFiEnabled {
		return 0
	}
	rssi, err := m.radio.RSSI()
	if err != nil {
		return 0
	}
	return rssi
}

// Index returns the active candidate index.
func (m *Manager) Index() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index
}

// Network returns the active candidate.
func (m *Manager) Network() config.Network {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts.Networks[m.index]
}

// MQTTConnected reports whether the broker session is up.
func (m *Manager) MQTTConnected() bool {
	return m.session.IsConnected()
}

// Status returns a snapshot for the local API.
func (m *Manager) Status(ctx context.Context) Status {
	wifiState := "wired"
	if m.opts.WiFiEnabled {
		wifiState = m.radio.State(ctx).String()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.opts.Networks[m.index]
	return Status{
		Identity:         m.identity,
		NetworkIndex:     m.index,
		SSID:             n.SSID,
		BrokerHost:       n.BrokerHost,
		BrokerPort:       n.BrokerPort,
		WiFiState:        wifiState,
		MQTTConnected:    m.session.IsConnected(),
		WiFiFailures:     m.wifiFailures,
		MQTTAttempts:     m.attempts,
		MQTTFailedBursts: m.failedBursts,
		LastError:        m.lastErr,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
