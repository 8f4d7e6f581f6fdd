package sensor

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Simulated produces a slow sine wave with noise. It lets the agent run on
// hosts without an I2C bus.
type Simulated struct {
	mu    sync.Mutex
	start time.Time
	rng   *rand.Rand
}

// NewSimulated creates a simulated sensor.
func NewSimulated() *Simulated {
	return &Simulated{
		start: time.Now(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Name implements Driver.
func (s *Simulated) Name() string {
	return "simulated"
}

// Temperature implements Driver.
func (s *Simulated) Temperature() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	phase := time.Since(s.start).Hours() / 24 * 2 * math.Pi
	return 21.0 + 3.0*math.Sin(phase) + s.rng.NormFloat64()*0.1, nil
}

// Humidity implements Driver.
func (s *Simulated) Humidity() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	phase := time.Since(s.start).Hours() / 24 * 2 * math.Pi
	return 45.0 - 10.0*math.Sin(phase) + s.rng.NormFloat64()*0.5, nil
}

// Close implements Driver.
func (s *Simulated) Close() error {
	return nil
}
