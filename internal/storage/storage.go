// Package storage persists the small amount of state envnode keeps across
// restarts: the boot counter, feature flags, the event journal and the
// firmware update history.
package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("key not found")

// Namespaces used by envnode components.
const (
	NamespaceDevice    = "device"
	NamespaceDiscovery = "discovery"
	NamespaceAuth      = "auth"
)

// UpdateRecord describes one firmware install attempt.
type UpdateRecord struct {
	ID          string    `json:"id"`
	FromVersion string    `json:"fromVersion"`
	ToVersion   string    `json:"toVersion"`
	Source      string    `json:"source"` // "feed" or "upload"
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Storage is the interface for persistent device state.
type Storage interface {
	// Key/value methods, grouped by namespace

	// Get retrieves data by key. Returns ErrNotFound if the key doesn't exist.
	Get(namespace, key string) ([]byte, error)

	// GetString retrieves string data by key
	GetString(namespace, key string) (string, error)

	// GetInt retrieves int data by key
	GetInt(namespace, key string) (int, error)

	// GetBool retrieves bool data by key
	GetBool(namespace, key string) (bool, error)

	// GetJSON retrieves and unmarshals JSON data by key
	GetJSON(namespace, key string, v interface{}) error

	// Set stores data by key
	Set(namespace, key string, value []byte) error

	// SetString stores string data by key
	SetString(namespace, key string, value string) error

	// SetInt stores int data by key
	SetInt(namespace, key string, value int) error

	// SetBool stores bool data by key
	SetBool(namespace, key string, value bool) error

	// SetJSON marshals and stores JSON data by key
	SetJSON(namespace, key string, v interface{}) error

	// Increment atomically adds one to an integer key and returns the new
	// value. A missing key counts as zero.
	Increment(namespace, key string) (int, error)

	// Delete removes data by key
	Delete(namespace, key string) error

	// List returns all keys and values in a namespace
	List(namespace string) (map[string][]byte, error)

	// Event journal

	// SaveEvent stores an encoded event under its sequence id.
	SaveEvent(id int64, data []byte) error

	// LoadEvents returns up to limit encoded events, oldest first.
	LoadEvents(limit int) ([][]byte, error)

	// TrimEvents keeps only the newest max events.
	TrimEvents(max int) error

	// Update history

	// SaveUpdate appends a firmware install record.
	SaveUpdate(rec UpdateRecord) error

	// UpdateHistory returns up to limit records, oldest first.
	UpdateHistory(limit int) ([]UpdateRecord, error)

	// Close closes the storage
	Close() error
}
