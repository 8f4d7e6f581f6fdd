package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"envnode/internal/mqtt"
	"envnode/internal/sensor"
)

func TestWriteTelemetry(t *testing.T) {
	var body, query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/write" {
			http.NotFound(w, r)
			return
		}
		query = r.URL.RawQuery
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWriter(srv.URL, "token", "home", "telemetry", "htu21d")
	defer w.Close()

	report := mqtt.Report{
		Hostname: "desk",
		MAC:      "AA:BB:CC:DD:EE:FF",
		RSSI:     -58,
		Uptime:   2 * time.Minute,
		Sample: sensor.Sample{
			TempC: 21.5, TempF: 70.7, TempValid: true, HasTemp: true,
			ConsecutiveBadHumidity: 2,
			ReadAt:                 time.Unix(1700000000, 0),
		},
	}

	if err := w.WriteTelemetry(context.Background(), report); err != nil {
		t.Fatalf("WriteTelemetry: %v", err)
	}

	if !strings.Contains(query, "bucket=telemetry") || !strings.Contains(query, "org=home") {
		t.Errorf("query = %s", query)
	}
	for _, want := range []string{"environment,", "host=desk", "sensor=htu21d", "temp_c=21.5", "rssi=-58i", "bad_humidity=2i", "1700000000000000000"} {
		if !strings.Contains(body, want) {
			t.Errorf("line protocol %q missing %q", body, want)
		}
	}
	if strings.Contains(body, ",humidity=") || strings.Contains(body, " humidity=") {
		t.Errorf("humidity field present: %s", body)
	}
}

func TestWriteTelemetryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"unauthorized","message":"bad token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	w := NewWriter(srv.URL, "bad", "home", "telemetry", "htu21d")
	defer w.Close()

	if err := w.WriteTelemetry(context.Background(), mqtt.Report{}); err == nil {
		t.Fatal("expected error")
	}
}
