// Package influx mirrors published telemetry into InfluxDB.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"envnode/internal/mqtt"
)

const measurement = "environment"

// Writer writes telemetry reports to InfluxDB.
type Writer struct {
	client influxdb2.Client
	api    api.WriteAPIBlocking
	sensor string
}

// NewWriter creates an InfluxDB write API client. Caller should call Close() when done.
func NewWriter(url, token, org, bucket, sensorName string) *Writer {
	client := influxdb2.NewClient(url, token)
	writeAPI := client.WriteAPIBlocking(org, bucket)
	return &Writer{client: client, api: writeAPI, sensor: sensorName}
}

// Close releases the InfluxDB client.
func (w *Writer) Close() {
	w.client.Close()
}

// Health checks that InfluxDB is reachable and the token is valid.
func (w *Writer) Health(ctx context.Context) error {
	_, err := w.client.Health(ctx)
	return err
}

// WriteTelemetry saves one report. Quantities without a valid reading
// since start are left out.
func (w *Writer) WriteTelemetry(ctx context.Context, r mqtt.Report) error {
	if err := w.api.WritePoint(ctx, w.point(r)); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

func (w *Writer) point(r mqtt.Report) *write.Point {
	s := r.Sample
	pointTime := s.ReadAt
	if pointTime.IsZero() {
		pointTime = time.Now()
	}

	p := influxdb2.NewPointWithMeasurement(measurement).
		AddTag("host", r.Hostname).
		AddTag("mac", r.MAC).
		AddTag("sensor", w.sensor).
		AddField("rssi", r.RSSI).
		AddField("uptime_s", int64(r.Uptime/time.Second)).
		AddField("bad_temp", int64(s.ConsecutiveBadTemp)).
		AddField("bad_humidity", int64(s.ConsecutiveBadHumidity)).
		SetTime(pointTime)

	if s.HasTemp {
		p.AddField("temp_c", s.TempC).
			AddField("temp_f", s.TempF).
			AddField("temp_valid", s.TempValid)
	}
	if s.HasHumidity {
		p.AddField("humidity", s.Humidity).
			AddField("humidity_valid", s.HumidityValid)
	}
	return p
}
