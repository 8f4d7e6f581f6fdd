// Package sensor wraps the environmental sensor and tracks reading validity.
package sensor

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cdzombak/libwx"
)

// ErrInvalidReading is returned by drivers when a measurement is out of the
// sensor's physical range or fails its checksum.
var ErrInvalidReading = errors.New("invalid sensor reading")

// Driver reads raw measurements from a sensor.
type Driver interface {
	// Temperature returns degrees Celsius.
	Temperature() (float64, error)
	// Humidity returns relative humidity in percent.
	Humidity() (float64, error)
	// Name identifies the sensor model.
	Name() string
	Close() error
}

// Sample is the latest telemetry. Values are the last known good readings;
// the Valid flags describe the most recent poll.
type Sample struct {
	TempC                  float64   `json:"tempC"`
	TempF                  float64   `json:"tempF"`
	Humidity               float64   `json:"humidity"`
	TempValid              bool      `json:"tempValid"`
	HumidityValid          bool      `json:"humidityValid"`
	HasTemp                bool      `json:"hasTemp"`
	HasHumidity            bool      `json:"hasHumidity"`
	ConsecutiveBadTemp     uint32    `json:"consecutiveBadTemp"`
	ConsecutiveBadHumidity uint32    `json:"consecutiveBadHumidity"`
	Polls                  uint64    `json:"polls"`
	ReadAt                 time.Time `json:"readAt"`
}

// Physical range of the HTU21D/SHT2x family.
const (
	minTempC    = -40.0
	maxTempC    = 125.0
	minHumidity = 0.0
	maxHumidity = 100.0
)

// Source polls a Driver and owns the Sample.
type Source struct {
	driver Driver
	now    func() time.Time

	mu     sync.RWMutex
	sample Sample
}

// NewSource creates a telemetry source around driver.
func NewSource(driver Driver) *Source {
	return &Source{driver: driver, now: time.Now}
}

// Poll reads temperature and humidity once and updates the sample.
// A failed or out-of-range reading keeps the previous value, clears the
// validity flag and bumps the matching consecutive-bad counter; a good one
// resets the counter to zero.
func (s *Source) Poll() Sample {
	tempC, tempErr := s.driver.Temperature()
	if tempErr == nil && !validTemperature(tempC) {
		tempErr = ErrInvalidReading
	}
	humidity, humErr := s.driver.Humidity()
	if humErr == nil && !validHumidity(humidity) {
		humErr = ErrInvalidReading
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tempErr == nil {
		s.sample.TempC = tempC
		s.sample.TempF = CelsiusToFahrenheit(tempC)
		s.sample.TempValid = true
		s.sample.HasTemp = true
		s.sample.ConsecutiveBadTemp = 0
	} else {
		s.sample.TempValid = false
		s.sample.ConsecutiveBadTemp++
	}

	if humErr == nil {
		s.sample.Humidity = humidity
		s.sample.HumidityValid = true
		s.sample.HasHumidity = true
		s.sample.ConsecutiveBadHumidity = 0
	} else {
		s.sample.HumidityValid = false
		s.sample.ConsecutiveBadHumidity++
	}

	s.sample.Polls++
	s.sample.ReadAt = s.now()
	return s.sample
}

// Sample returns a copy of the latest sample.
func (s *Source) Sample() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sample
}

// DriverName returns the sensor model name.
func (s *Source) DriverName() string {
	return s.driver.Name()
}

// Close releases the driver.
func (s *Source) Close() error {
	return s.driver.Close()
}

// CelsiusToFahrenheit converts a temperature.
func CelsiusToFahrenheit(c float64) float64 {
	return float64(libwx.TempC(c).F())
}

func validTemperature(c float64) bool {
	return !math.IsNaN(c) && c >= minTempC && c <= maxTempC
}

func validHumidity(h float64) bool {
	return !math.IsNaN(h) && h >= minHumidity && h <= maxHumidity
}
