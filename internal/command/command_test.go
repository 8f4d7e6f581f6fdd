package command

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"envnode/internal/events"
	"envnode/internal/logger"
	"envnode/internal/mqtt"
)

type recordingActions struct {
	telemetry int
	status    int
	poll      time.Duration
	publish   time.Duration
	err       error
}

func (a *recordingActions) PublishTelemetryNow() error { a.telemetry++; return a.err }
func (a *recordingActions) PublishStatusNow() error    { a.status++; return a.err }
func (a *recordingActions) SetPollInterval(d time.Duration) error {
	a.poll = d
	return nil
}
func (a *recordingActions) SetPublishInterval(d time.Duration) error {
	a.publish = d
	return nil
}

func TestParse(t *testing.T) {
	tests := []struct {
		payload string
		want    Command
		wantErr bool
	}{
		{"publishTelemetry", Command{Name: "publishTelemetry"}, false},
		{"  PUBLISHSTATUS \n", Command{Name: "PUBLISHSTATUS"}, false},
		{"changeTelemetryInterval 5000", Command{"changeTelemetryInterval", "5000"}, false},
		{"changeTelemetryInterval=5000", Command{"changeTelemetryInterval", "5000"}, false},
		{"changeTelemetryInterval: 5000", Command{"changeTelemetryInterval", "5000"}, false},
		{`{"command":"changeTelemetryInterval","value":250}`, Command{"changeTelemetryInterval", "250"}, false},
		{`{"command":"changePublishInterval","value":"30000"}`, Command{"changePublishInterval", "30000"}, false},
		{`{"command":"publishStatus"}`, Command{Name: "publishStatus"}, false},
		{"", Command{}, true},
		{`{"command":`, Command{}, true},
		{`{"value": 5}`, Command{}, true},
	}

	for _, tt := range tests {
		got, err := Parse([]byte(tt.payload))
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q) error = %v; wantErr %v", tt.payload, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v; want %+v", tt.payload, got, tt.want)
		}
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		value   string
		floor   time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"50", MinPollInterval, 100 * time.Millisecond, false},
		{"100", MinPollInterval, 100 * time.Millisecond, false},
		{"2500", MinPollInterval, 2500 * time.Millisecond, false},
		{"0", MinPollInterval, 100 * time.Millisecond, false},
		{"500", MinPublishInterval, time.Second, false},
		{"-5", MinPollInterval, 0, true},
		{"fast", MinPollInterval, 0, true},
		{"", MinPollInterval, 0, true},
	}

	for _, tt := range tests {
		got, err := ParseInterval(tt.value, tt.floor)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseInterval(%q) error = %v", tt.value, err)
			continue
		}
		if tt.wantErr {
			continue
		}
		if got != tt.want {
			t.Errorf("ParseInterval(%q, %v) = %v; want %v", tt.value, tt.floor, got, tt.want)
		}
	}
}

func TestHandleClampsTelemetryInterval(t *testing.T) {
	actions := &recordingActions{}
	h := NewHandler(actions, events.NewStore(10), logger.Nop())

	if err := h.Handle("desk/command", []byte("changeTelemetryInterval 50")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if actions.poll != 100*time.Millisecond {
		t.Errorf("poll interval = %v; want 100ms", actions.poll)
	}
}

func TestHandleDispatch(t *testing.T) {
	actions := &recordingActions{}
	store := events.NewStore(10)
	h := NewHandler(actions, store, logger.Nop())

	h.Handle("c", []byte("publishtelemetry"))
	h.Handle("c", []byte("PublishStatus"))
	h.Handle("c", []byte(`{"command":"changePublishInterval","value":120000}`))

	if actions.telemetry != 1 || actions.status != 1 {
		t.Errorf("telemetry=%d status=%d", actions.telemetry, actions.status)
	}
	if actions.publish != 2*time.Minute {
		t.Errorf("publish interval = %v", actions.publish)
	}
	for _, e := range store.GetAll() {
		if e.Type != events.EventCommand || !e.Success {
			t.Errorf("event = %+v", e)
		}
	}
}

func TestHandleRejects(t *testing.T) {
	actions := &recordingActions{}
	store := events.NewStore(10)
	h := NewHandler(actions, store, logger.Nop())

	if err := h.Handle("c", []byte("reboot")); !errors.Is(err, ErrUnknown) {
		t.Errorf("unknown command err = %v", err)
	}
	if err := h.Handle("c", []byte("changeTelemetryInterval")); !errors.Is(err, ErrBadValue) {
		t.Errorf("missing value err = %v", err)
	}
	if err := h.Handle("c", []byte("   ")); !errors.Is(err, ErrEmpty) {
		t.Errorf("empty err = %v", err)
	}

	if actions.poll != 0 || actions.telemetry != 0 {
		t.Error("rejected commands must not act")
	}
	if store.Count() != 3 {
		t.Fatalf("events = %d", store.Count())
	}
	for _, e := range store.GetAll() {
		if e.Type != events.EventCommandRejected || e.Success {
			t.Errorf("event = %+v", e)
		}
	}
}

func TestHandleActionFailure(t *testing.T) {
	actions := &recordingActions{err: errors.New("publish: broker refused")}
	store := events.NewStore(10)
	h := NewHandler(actions, store, logger.Nop())

	if err := h.Handle("c", []byte("publishTelemetry")); err == nil {
		t.Error("expected action error to surface")
	}
	if store.GetLast(1)[0].Success {
		t.Error("failed action recorded as success")
	}
}

func TestHandlePublishWhileDisconnectedIsSkipped(t *testing.T) {
	for _, name := range []string{PublishStatus, PublishTelemetry} {
		actions := &recordingActions{err: mqtt.ErrNotConnected}
		store := events.NewStore(10)
		h := NewHandler(actions, store, logger.Nop())

		if err := h.Handle("c", []byte(name)); err != nil {
			t.Errorf("%s: Handle = %v; want nil", name, err)
		}
		e := store.GetLast(1)[0]
		if e.Type != events.EventCommand || !e.Success {
			t.Errorf("%s: event = %+v", name, e)
		}
		if !strings.Contains(e.Details, "skipped") {
			t.Errorf("%s: details = %q", name, e.Details)
		}
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	s := strings.Repeat("a", 63) + "°C and more"
	got := truncate(s, 64)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if got != strings.Repeat("a", 63)+"..." {
		t.Errorf("truncate = %q", got)
	}
	if truncate("short", 64) != "short" {
		t.Error("short string changed")
	}
}

func TestRejectedPayloadDetailsAreValidUTF8(t *testing.T) {
	store := events.NewStore(10)
	h := NewHandler(&recordingActions{}, store, logger.Nop())

	h.Handle("c", []byte(strings.Repeat("x", 63)+"ü unknown"))
	if d := store.GetLast(1)[0].Details; !utf8.ValidString(d) {
		t.Errorf("details not valid UTF-8: %q", d)
	}
}
