// Package command interprets messages received on the device's command
// topic.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"envnode/internal/events"
	"envnode/internal/logger"
	"envnode/internal/mqtt"
)

// Command names, matched case-insensitively.
const (
	PublishTelemetry        = "publishTelemetry"
	ChangeTelemetryInterval = "changeTelemetryInterval"
	PublishStatus           = "publishStatus"
	ChangePublishInterval   = "changePublishInterval"
)

// Interval floors.
const (
	MinPollInterval    = 100 * time.Millisecond
	MinPublishInterval = time.Second
)

var (
	// ErrEmpty is returned for a blank payload.
	ErrEmpty = errors.New("empty command")
	// ErrUnknown is returned for an unrecognized command name.
	ErrUnknown = errors.New("unknown command")
	// ErrBadValue is returned when a command's value is missing or invalid.
	ErrBadValue = errors.New("invalid command value")
)

// Command is a parsed command message.
type Command struct {
	Name  string
	Value string
}

// Parse decodes a payload. Accepted forms are a bare name, "name value",
// "name=value", "name:value" and {"command": "name", "value": ...}.
func Parse(payload []byte) (Command, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return Command{}, ErrEmpty
	}

	if strings.HasPrefix(text, "{") {
		return parseJSON(text)
	}

	idx := strings.IndexAny(text, " \t=:")
	if idx < 0 {
		return Command{Name: text}, nil
	}
	return Command{
		Name:  strings.TrimSpace(text[:idx]),
		Value: strings.TrimSpace(text[idx+1:]),
	}, nil
}

func parseJSON(text string) (Command, error) {
	var msg struct {
		Command string          `json:"command"`
		Value   json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return Command{}, fmt.Errorf("malformed JSON command: %w", err)
	}
	if strings.TrimSpace(msg.Command) == "" {
		return Command{}, ErrEmpty
	}

	cmd := Command{Name: strings.TrimSpace(msg.Command)}
	if len(msg.Value) > 0 && string(msg.Value) != "null" {
		var s string
		if err := json.Unmarshal(msg.Value, &s); err == nil {
			cmd.Value = strings.TrimSpace(s)
		} else {
			cmd.Value = string(msg.Value)
		}
	}
	return cmd, nil
}

// ParseInterval parses a millisecond count and applies the floor.
func ParseInterval(value string, floor time.Duration) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("%w: missing interval", ErrBadValue)
	}
	ms, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(ms) || math.IsInf(ms, 0) || ms < 0 {
		return 0, fmt.Errorf("%w: %q is not a millisecond count", ErrBadValue, value)
	}

	d := time.Duration(ms) * time.Millisecond
	if ms > float64(math.MaxUint32) {
		d = time.Duration(math.MaxUint32) * time.Millisecond
	}
	if d < floor {
		d = floor
	}
	return d, nil
}

// Actions are the operations a command can trigger.
type Actions interface {
	// PublishTelemetryNow publishes without touching the publish timer.
	PublishTelemetryNow() error
	PublishStatusNow() error
	SetPollInterval(d time.Duration) error
	SetPublishInterval(d time.Duration) error
}

// Recorder receives command events.
type Recorder interface {
	Add(eventType events.EventType, source string, success bool, details string)
}

// Handler dispatches commands to Actions.
type Handler struct {
	actions Actions
	events  Recorder
	log     *logger.Logger
}

// NewHandler creates a command handler.
func NewHandler(actions Actions, rec Recorder, log *logger.Logger) *Handler {
	return &Handler{actions: actions, events: rec, log: log}
}

// Handle parses and executes one message. Errors are logged and recorded;
// the return value is informational. A publish requested while the broker
// is down is accepted and recorded as skipped.
func (h *Handler) Handle(topic string, payload []byte) error {
	cmd, err := Parse(payload)
	if err == nil {
		err = h.execute(cmd)
	}

	if errors.Is(err, mqtt.ErrNotConnected) {
		h.log.Infow("Command skipped, broker not connected", "command", cmd.Name)
		h.events.Add(events.EventCommand, topic, true, cmd.Name+" (skipped: not connected)")
		return nil
	}
	if err != nil {
		h.log.Warnw("Command rejected", "topic", topic, "payload", truncate(string(payload), 64), "error", err)
		h.events.Add(events.EventCommandRejected, topic, false, fmt.Sprintf("%s: %v", truncate(string(payload), 64), err))
		return err
	}

	h.events.Add(events.EventCommand, topic, true, strings.TrimSpace(cmd.Name+" "+cmd.Value))
	return nil
}

func (h *Handler) execute(cmd Command) error {
	switch {
	case strings.EqualFold(cmd.Name, PublishTelemetry):
		h.log.Infow("Command: publish telemetry")
		return h.actions.PublishTelemetryNow()

	case strings.EqualFold(cmd.Name, PublishStatus):
		h.log.Infow("Command: publish status")
		return h.actions.PublishStatusNow()

	case strings.EqualFold(cmd.Name, ChangeTelemetryInterval):
		d, err := ParseInterval(cmd.Value, MinPollInterval)
		if err != nil {
			return err
		}
		h.log.Infow("Command: change telemetry interval", "requested", cmd.Value, "interval", d)
		return h.actions.SetPollInterval(d)

	case strings.EqualFold(cmd.Name, ChangePublishInterval):
		d, err := ParseInterval(cmd.Value, MinPublishInterval)
		if err != nil {
			return err
		}
		h.log.Infow("Command: change publish interval", "requested", cmd.Value, "interval", d)
		return h.actions.SetPublishInterval(d)

	default:
		return fmt.Errorf("%w: %q", ErrUnknown, cmd.Name)
	}
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
