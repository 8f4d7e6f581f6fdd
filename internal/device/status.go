package device

import (
	"context"
	"time"

	"envnode/internal/connectivity"
	"envnode/internal/scheduler"
	"envnode/internal/sensor"
)

// Status is a point-in-time view of the device for the local API.
type Status struct {
	Version         string                  `json:"version"`
	Running         bool                    `json:"running"`
	UptimeSeconds   int64                   `json:"uptime"`
	BootCount       int                     `json:"bootCount"`
	Sensor          string                  `json:"sensor"`
	Sample          sensor.Sample           `json:"sample"`
	PublishCount    uint64                  `json:"publishCount"`
	RSSI            int                     `json:"rssi"`
	LEDOn           bool                    `json:"ledOn"`
	DroppedMessages uint64                  `json:"droppedMessages"`
	QueuedMessages  int                     `json:"queuedMessages"`
	Schedule        []scheduler.ActionState `json:"schedule"`
	Connectivity    connectivity.Status     `json:"connectivity"`
	GeneratedAt     time.Time               `json:"generatedAt"`
}

// Status returns a snapshot. Safe to call from any goroutine.
func (a *Agent) Status(ctx context.Context) Status {
	return Status{
		Version:         a.opts.Version,
		Running:         a.running.Load(),
		UptimeSeconds:   int64(a.Uptime() / time.Second),
		BootCount:       a.opts.BootCount,
		Sensor:          a.Source.DriverName(),
		Sample:          a.Source.Sample(),
		PublishCount:    a.Publisher.Count(),
		RSSI:            a.Network.RSSI(),
		LEDOn:           a.LED.On(),
		DroppedMessages: a.dropped.Load(),
		QueuedMessages:  len(a.inbox),
		Schedule:        a.sched.Snapshot(),
		Connectivity:    a.Network.Status(ctx),
		GeneratedAt:     time.Now(),
	}
}

// Sample returns the latest telemetry sample.
func (a *Agent) Sample() sensor.Sample {
	return a.Source.Sample()
}
