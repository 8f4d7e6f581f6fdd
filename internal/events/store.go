package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType represents the type of device event
type EventType string

const (
	// Lifecycle events
	EventBoot     EventType = "boot"
	EventShutdown EventType = "shutdown"

	// Connectivity events
	EventWiFiConnected EventType = "wifi_connected"
	EventWiFiFailed    EventType = "wifi_failed"
	EventWiFiSkipped   EventType = "wifi_ssid_missing"
	EventMQTTConnected EventType = "mqtt_connected"
	EventMQTTFailed    EventType = "mqtt_failed"
	EventMQTTDropped   EventType = "mqtt_dropped"

	// Telemetry events
	EventSensorInvalid EventType = "sensor_invalid"
	EventPublishFailed EventType = "publish_failed"

	// Command events
	EventCommand         EventType = "command"
	EventCommandRejected EventType = "command_rejected"

	// Update events
	EventUpdate EventType = "ota_update"
)

// Event represents a device event
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

// Journal persists events across restarts.
type Journal interface {
	SaveEvent(id int64, data []byte) error
	LoadEvents(limit int) ([][]byte, error)
	TrimEvents(max int) error
}

// Store holds events in memory with a fixed capacity (ring buffer)
type Store struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
	nextID  int64
	journal Journal
	now     func() time.Time
}

// NewStore creates a new event store with specified max capacity
func NewStore(maxSize int) *Store {
	return &Store{
		events:  make([]Event, 0, maxSize),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Attach loads the newest journaled events into memory and persists every
// subsequent event. IDs continue from the newest loaded event.
func (s *Store) Attach(j Journal) error {
	raw, err := j.LoadEvents(s.maxSize)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, data := range raw {
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			continue // Skip corrupted entries
		}
		if len(s.events) >= s.maxSize {
			s.events = s.events[1:]
		}
		s.events = append(s.events, e)
		if e.ID > s.nextID {
			s.nextID = e.ID
		}
	}
	s.journal = j
	return nil
}

// Add adds a new event to the store
func (s *Store) Add(eventType EventType, source string, success bool, details string) {
	s.mu.Lock()

	s.nextID++
	event := Event{
		ID:        s.nextID,
		Type:      eventType,
		Timestamp: s.now(),
		Source:    source,
		Success:   success,
		Details:   details,
	}

	// Ring buffer: remove oldest if at max capacity
	if len(s.events) >= s.maxSize {
		s.events = s.events[1:]
	}
	s.events = append(s.events, event)
	journal := s.journal
	s.mu.Unlock()

	if journal == nil {
		return
	}
	if data, err := json.Marshal(event); err == nil {
		// Journal failures only cost history
		if journal.SaveEvent(event.ID, data) == nil && event.ID%int64(s.maxSize) == 0 {
			journal.TrimEvents(s.maxSize)
		}
	}
}

// GetAll returns all events (newest first)
func (s *Store) GetAll() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Return copy in reverse order (newest first)
	result := make([]Event, len(s.events))
	for i, e := range s.events {
		result[len(s.events)-1-i] = e
	}
	return result
}

// GetLast returns the last N events (newest first)
func (s *Store) GetLast(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > len(s.events) {
		n = len(s.events)
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		result[i] = s.events[len(s.events)-1-i]
	}
	return result
}

// GetSince returns events newer than the given ID (newest first)
func (s *Store) GetSince(lastID int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ID > lastID {
			result = append(result, s.events[i])
		} else {
			break
		}
	}
	return result
}

// Count returns the total number of events
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// LastID returns the ID of the most recent event
func (s *Store) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}
