// Package device runs the control loop: it drains inbound commands, keeps
// connectivity up and ticks the poll, publish and blink actions.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"envnode/internal/command"
	"envnode/internal/config"
	"envnode/internal/connectivity"
	"envnode/internal/events"
	"envnode/internal/led"
	"envnode/internal/logger"
	"envnode/internal/mqtt"
	"envnode/internal/scheduler"
	"envnode/internal/sensor"
	"envnode/internal/timing"
)

// Action names in check order.
const (
	ActionPoll    = "poll"
	ActionPublish = "publish"
	ActionBlink   = "blink"
)

// DefaultQueueSize is the capacity of the inbound message queue.
const DefaultQueueSize = 16

// Network is the connectivity surface the agent drives.
type Network interface {
	EnsureWiFi(ctx context.Context) error
	EnsureMQTT(ctx context.Context, maxAttempts int) error
	Identity() connectivity.Identity
	RSSI() int
	Index() int
	Network() config.Network
	MQTTConnected() bool
	Status(ctx context.Context) connectivity.Status
	SetCommandHandler(fn func(topic string, payload []byte))
	OnConnected(fn func())
}

// TelemetrySink mirrors each published telemetry cycle.
type TelemetrySink interface {
	WriteTelemetry(ctx context.Context, r mqtt.Report) error
}

// Broadcaster fans samples out to live viewers.
type Broadcaster interface {
	Broadcast(v interface{})
}

// Options configures the agent.
type Options struct {
	PollInterval    time.Duration
	PublishInterval time.Duration
	BlinkInterval   time.Duration
	Tick            time.Duration
	MaxAttempts     int
	QueueSize       int
	Version         string
	BootCount       int
	SensorModel     string

	// AvailabilityTopic is advertised in discovery configs when set.
	AvailabilityTopic string
}

// Deps are the collaborators of the agent. Discovery, Sinks and
// Broadcaster are optional.
type Deps struct {
	Clock       timing.Clock
	Source      *sensor.Source
	LED         led.LED
	Network     Network
	Publisher   *mqtt.Publisher
	Discovery   *mqtt.DiscoveryManager
	Events      *events.Store
	Sinks       []TelemetrySink
	Broadcaster Broadcaster
	Log         *logger.Logger
}

type inbound struct {
	topic   string
	payload []byte
}

// Agent owns the device state. The control loop in Run is its only writer.
type Agent struct {
	opts Options
	Deps

	sched    *scheduler.Scheduler
	commands *command.Handler

	inbox   chan inbound
	dropped atomic.Uint64
	started time.Time
	running atomic.Bool
}

// New builds an agent and registers its actions and connectivity hooks.
func New(opts Options, deps Deps) (*Agent, error) {
	if deps.Source == nil || deps.Network == nil || deps.Publisher == nil {
		return nil, errors.New("device: source, network and publisher are required")
	}
	if deps.Clock == nil {
		deps.Clock = timing.NewSystemClock()
	}
	if deps.LED == nil {
		deps.LED = &led.Noop{}
	}
	if deps.Events == nil {
		deps.Events = events.NewStore(100)
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = config.DefaultMaxAttempts
	}
	if opts.Tick <= 0 {
		opts.Tick = config.DefaultTick
	}

	a := &Agent{
		opts:    opts,
		Deps:    deps,
		sched:   scheduler.New(),
		inbox:   make(chan inbound, opts.QueueSize),
		started: time.Now(),
	}
	a.commands = command.NewHandler(a, deps.Events, deps.Log.Named("command"))

	if err := a.sched.Add(ActionPoll, opts.PollInterval, a.poll); err != nil {
		return nil, err
	}
	if err := a.sched.Add(ActionPublish, opts.PublishInterval, a.publish); err != nil {
		return nil, err
	}
	if err := a.sched.Add(ActionBlink, opts.BlinkInterval, a.blink); err != nil {
		return nil, err
	}

	deps.Network.SetCommandHandler(a.Enqueue)
	deps.Network.OnConnected(a.onConnected)

	return a, nil
}

// Run executes the control loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.running.Store(true)
	defer a.running.Store(false)
	defer a.LED.Set(false)

	a.Log.Infow("Control loop started",
		"poll", a.opts.PollInterval, "publish", a.opts.PublishInterval,
		"blink", a.opts.BlinkInterval, "tick", a.opts.Tick)

	ticker := time.NewTicker(a.opts.Tick)
	defer ticker.Stop()

	for {
		if err := a.Step(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			a.Log.Infow("Control loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step runs one loop iteration. It only fails when ctx is done.
func (a *Agent) Step(ctx context.Context) error {
	a.drain()

	if err := a.Network.EnsureWiFi(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, connectivity.ErrLinkPending) {
			a.Log.Warnw("Network not ready", "error", err)
		}
	}

	if err := a.Network.EnsureMQTT(ctx, a.opts.MaxAttempts); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, connectivity.ErrCooldown) {
			a.Log.Debugw("Broker not connected", "error", err)
		}
	}

	a.sched.Tick(a.Clock.Millis())
	return nil
}

// Enqueue hands an inbound message to the control loop. It never blocks;
// when the queue is full the message is dropped.
func (a *Agent) Enqueue(topic string, payload []byte) {
	msg := inbound{topic: topic, payload: append([]byte(nil), payload...)}
	select {
	case a.inbox <- msg:
	default:
		n := a.dropped.Add(1)
		a.Log.Warnw("Command queue full, message dropped", "topic", topic, "dropped", n)
	}
}

// drain handles every queued message.
func (a *Agent) drain() {
	for {
		select {
		case msg := <-a.inbox:
			a.commands.Handle(msg.topic, msg.payload)
		default:
			return
		}
	}
}

// poll reads the sensor and logs the sample.
func (a *Agent) poll(now uint32) {
	s := a.Source.Poll()

	a.Log.Infow("Telemetry",
		"tempC", s.TempC, "tempF", s.TempF, "humidity", s.Humidity,
		"tempValid", s.TempValid, "humidityValid", s.HumidityValid,
		"badTemp", s.ConsecutiveBadTemp, "badHumidity", s.ConsecutiveBadHumidity)

	// One event per streak of bad readings
	if s.ConsecutiveBadTemp == 1 {
		a.Events.Add(events.EventSensorInvalid, "sensor", false, "temperature")
	}
	if s.ConsecutiveBadHumidity == 1 {
		a.Events.Add(events.EventSensorInvalid, "sensor", false, "humidity")
	}

	if a.Broadcaster != nil {
		a.Broadcaster.Broadcast(s)
	}
}

// publish is the scheduled publish action.
func (a *Agent) publish(now uint32) {
	a.publishTelemetry()
}

func (a *Agent) blink(now uint32) {
	if err := a.LED.Toggle(); err != nil {
		a.Log.Debugw("LED toggle failed", "error", err)
	}
}

// publishTelemetry publishes the current sample and mirrors it to sinks.
func (a *Agent) publishTelemetry() error {
	report := a.report()

	err := a.Publisher.PublishTelemetry(report)
	switch {
	case errors.Is(err, mqtt.ErrNotConnected):
		a.Log.Debugw("Publish skipped, broker not connected")
		return err
	case err != nil:
		a.Log.Warnw("Publish failed", "error", err)
		a.Events.Add(events.EventPublishFailed, "mqtt", false, err.Error())
		return err
	}

	for _, sink := range a.Sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := sink.WriteTelemetry(ctx, report); err != nil {
			a.Log.Warnw("Telemetry mirror failed", "error", err)
		}
		cancel()
	}
	return nil
}

func (a *Agent) report() mqtt.Report {
	id := a.Network.Identity()
	return mqtt.Report{
		Hostname: id.Hostname,
		MAC:      id.MAC,
		IP:       id.IP,
		RSSI:     a.Network.RSSI(),
		Uptime:   a.Uptime(),
		Sample:   a.Source.Sample(),
	}
}

func (a *Agent) stats() mqtt.Stats {
	id := a.Network.Identity()
	n := a.Network.Network()
	s := a.Source.Sample()
	poll, _ := a.sched.Interval(ActionPoll)
	publish, _ := a.sched.Interval(ActionPublish)

	return mqtt.Stats{
		Version:             a.opts.Version,
		Host:                id.Hostname,
		MAC:                 id.MAC,
		IP:                  id.IP,
		RSSI:                a.Network.RSSI(),
		Broker:              fmt.Sprintf("%s:%d", n.BrokerHost, n.BrokerPort),
		NetworkIndex:        a.Network.Index(),
		BootCount:           a.opts.BootCount,
		UptimeSeconds:       int64(a.Uptime() / time.Second),
		BadTempReadings:     s.ConsecutiveBadTemp,
		BadHumidityReadings: s.ConsecutiveBadHumidity,
		PollIntervalMs:      poll.Milliseconds(),
		PublishIntervalMs:   publish.Milliseconds(),
	}
}

// onConnected publishes the stats message and, when configured, the Home
// Assistant discovery configs.
func (a *Agent) onConnected() {
	if err := a.PublishStatusNow(); err != nil {
		a.Log.Warnw("Failed to publish stats", "error", err)
	}

	if a.Discovery == nil {
		return
	}
	id := a.Network.Identity()
	device := &mqtt.DeviceInfo{
		Identifiers:  []string{id.MAC},
		Name:         id.Hostname,
		Model:        a.opts.SensorModel,
		Manufacturer: "envnode",
		SWVersion:    a.opts.Version,
	}
	if id.MAC == "" {
		device.Identifiers = []string{id.Hostname}
	}
	configs := mqtt.TelemetryConfigs(a.Publisher, device, a.opts.AvailabilityTopic)
	if _, err := a.Discovery.Publish(configs); err != nil {
		a.Log.Warnw("Failed to publish discovery", "error", err)
	}
}

// PublishTelemetryNow publishes immediately. The publish timer is left
// alone so the regular cadence is unchanged.
func (a *Agent) PublishTelemetryNow() error {
	return a.publishTelemetry()
}

// PublishStatusNow publishes the stats message.
func (a *Agent) PublishStatusNow() error {
	return a.Publisher.PublishStatus(a.stats())
}

// SetPollInterval changes the sensor poll interval.
func (a *Agent) SetPollInterval(d time.Duration) error {
	return a.sched.SetInterval(ActionPoll, d)
}

// SetPublishInterval changes the publish interval.
func (a *Agent) SetPublishInterval(d time.Duration) error {
	return a.sched.SetInterval(ActionPublish, d)
}

// Uptime returns the time since the agent was created.
func (a *Agent) Uptime() time.Duration {
	return time.Since(a.started)
}
