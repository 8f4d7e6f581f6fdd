package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"envnode/internal/logger"
	"envnode/internal/sensor"
)

// Transport is the part of the session the publisher needs
type Transport interface {
	IsConnected() bool
	Publish(topic string, payload []byte, retained bool) error
}

// PublisherConfig names the topics and static fields of published messages
type PublisherConfig struct {
	TopicRoot     string
	CombinedTopic string
	StatsTopic    string
	SketchName    string
	Notes         string
	SensorName    string
}

// Report is the device state a telemetry cycle publishes
type Report struct {
	Hostname string
	MAC      string
	IP       string
	RSSI     int
	Uptime   time.Duration
	Sample   sensor.Sample
}

// Telemetry is the combined JSON message
type Telemetry struct {
	Sketch        string   `json:"sketch"`
	Host          string   `json:"host"`
	MAC           string   `json:"mac"`
	IP            string   `json:"ip"`
	RSSI          int      `json:"rssi"`
	PublishCount  uint64   `json:"publishCount"`
	UptimeSeconds int64    `json:"uptime"`
	Notes         string   `json:"notes,omitempty"`
	TempC         *float64 `json:"tempC,omitempty"`
	TempF         *float64 `json:"tempF,omitempty"`
	Humidity      *float64 `json:"humidity,omitempty"`
}

// Stats is the status message published on connect and on request
type Stats struct {
	Sketch              string `json:"sketch"`
	Version             string `json:"version"`
	Host                string `json:"host"`
	MAC                 string `json:"mac"`
	IP                  string `json:"ip"`
	RSSI                int    `json:"rssi"`
	Broker              string `json:"broker"`
	NetworkIndex        int    `json:"networkIndex"`
	Notes               string `json:"notes,omitempty"`
	PublishCount        uint64 `json:"publishCount"`
	BootCount           int    `json:"bootCount"`
	UptimeSeconds       int64  `json:"uptime"`
	BadTempReadings     uint32 `json:"badTempReadings"`
	BadHumidityReadings uint32 `json:"badHumidityReadings"`
	PollIntervalMs      int64  `json:"pollIntervalMs"`
	PublishIntervalMs   int64  `json:"publishIntervalMs"`
}

type scalar struct {
	topic string
	value string
}

// Publisher formats telemetry and status messages and owns the publish
// counter.
type Publisher struct {
	transport Transport
	config    PublisherConfig
	log       *logger.Logger

	count atomic.Uint64
}

// NewPublisher creates a new Publisher instance
func NewPublisher(transport Transport, cfg PublisherConfig, log *logger.Logger) *Publisher {
	if cfg.SensorName == "" {
		cfg.SensorName = "sensor"
	}
	return &Publisher{
		transport: transport,
		config:    cfg,
		log:       log,
	}
}

// Count returns the number of successful telemetry cycles
func (p *Publisher) Count() uint64 {
	return p.count.Load()
}

// Topic returns the full topic for a scalar under the topic root
func (p *Publisher) Topic(name string) string {
	return p.config.TopicRoot + "/" + name
}

// SensorTopic returns the full topic for a sensor quantity
func (p *Publisher) SensorTopic(quantity string) string {
	return p.config.TopicRoot + "/" + sanitizeID(p.config.SensorName) + "/" + quantity
}

// PublishTelemetry publishes the scalar topics and the combined message.
// Without a session nothing is written and ErrNotConnected is returned.
// The counter advances only when the combined message was delivered to
// the client.
func (p *Publisher) PublishTelemetry(r Report) error {
	if !p.transport.IsConnected() {
		return ErrNotConnected
	}

	count := p.count.Load() + 1
	s := r.Sample

	scalars := []scalar{
		{p.Topic("sketch"), p.config.SketchName},
		{p.Topic("mac"), r.MAC},
		{p.Topic("ip"), r.IP},
		{p.Topic("rssi"), strconv.Itoa(r.RSSI)},
		{p.Topic("publishCount"), strconv.FormatUint(count, 10)},
		{p.Topic("notes"), p.config.Notes},
	}
	if s.HasTemp {
		scalars = append(scalars,
			scalar{p.SensorTopic("tempC"), formatFloat(s.TempC)},
			scalar{p.SensorTopic("tempF"), formatFloat(s.TempF)},
		)
	}
	if s.HasHumidity {
		scalars = append(scalars, scalar{p.SensorTopic("humidity"), formatFloat(s.Humidity)})
	}

	var errs []error
	for _, m := range scalars {
		if err := p.transport.Publish(m.topic, []byte(m.value), false); err != nil {
			errs = append(errs, err)
		}
	}

	msg := Telemetry{
		Sketch:        p.config.SketchName,
		Host:          r.Hostname,
		MAC:           r.MAC,
		IP:            r.IP,
		RSSI:          r.RSSI,
		PublishCount:  count,
		UptimeSeconds: int64(r.Uptime / time.Second),
		Notes:         p.config.Notes,
	}
	if s.HasTemp {
		msg.TempC = roundedPtr(s.TempC)
		msg.TempF = roundedPtr(s.TempF)
	}
	if s.HasHumidity {
		msg.Humidity = roundedPtr(s.Humidity)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal telemetry: %w", err)
	}

	if err := p.transport.Publish(p.config.CombinedTopic, payload, false); err != nil {
		errs = append([]error{err}, errs...)
		return errors.Join(errs...)
	}

	p.count.Add(1)

	if len(errs) > 0 {
		p.log.Warnw("Some scalar topics failed", "failed", len(errs), "error", errs[0])
	}
	p.log.Infow("Published telemetry", "publishCount", count, "topic", p.config.CombinedTopic, "bytes", len(payload))
	return nil
}

// PublishStatus publishes the stats message. PublishCount is filled in
// from the publisher's counter.
func (p *Publisher) PublishStatus(s Stats) error {
	if !p.transport.IsConnected() {
		return ErrNotConnected
	}

	s.Sketch = p.config.SketchName
	s.Notes = p.config.Notes
	s.PublishCount = p.count.Load()

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	if err := p.transport.Publish(p.config.StatsTopic, payload, false); err != nil {
		return err
	}

	p.log.Infow("Published stats", "topic", p.config.StatsTopic, "bytes", len(payload))
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func roundedPtr(v float64) *float64 {
	r, _ := strconv.ParseFloat(formatFloat(v), 64)
	return &r
}

// sanitizeID creates a safe ID for MQTT topics
func sanitizeID(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A') // to lowercase
		case c == ' ' || c == '/' || c == '.' || c == '#' || c == '+':
			b[i] = '_'
		default:
			b[i] = c
		}
	}
	return string(b)
}
