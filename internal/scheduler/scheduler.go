// Package scheduler drives independent periodic actions from a single
// cooperative loop.
//
// Each action is Idle until now-LastFired reaches its interval, then fires
// once and records LastFired = now. There is no catch-up: a late tick fires
// an action once, not once per missed interval. Tick runs actions
// synchronously in registration order, so a slow action delays the ones
// checked after it.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"envnode/internal/timing"
)

// Action is one periodic job.
type Action struct {
	Name      string
	Interval  uint32 // milliseconds
	LastFired uint32
	Fires     uint64
	run       func(now uint32)
}

// ActionState is a read-only copy of an action's schedule state.
type ActionState struct {
	Name       string `json:"name"`
	IntervalMs int64  `json:"intervalMs"`
	LastFired  uint32 `json:"lastFired"`
	Fires      uint64 `json:"fires"`
}

// Scheduler holds the ordered set of actions.
// The control loop is the only caller of Tick and SetInterval; the mutex
// lets API goroutines take snapshots.
type Scheduler struct {
	mu      sync.RWMutex
	actions []*Action
	index   map[string]*Action
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		index: make(map[string]*Action),
	}
}

// Add registers an action. Actions are checked in the order they are added.
func (s *Scheduler) Add(name string, interval time.Duration, run func(now uint32)) error {
	if name == "" {
		return fmt.Errorf("action name cannot be empty")
	}
	if run == nil {
		return fmt.Errorf("action %s has no function", name)
	}
	if interval <= 0 {
		return fmt.Errorf("action %s needs a positive interval", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[name]; exists {
		return fmt.Errorf("action %s is already registered", name)
	}

	a := &Action{Name: name, Interval: timing.Millis(interval), run: run}
	s.actions = append(s.actions, a)
	s.index[name] = a
	return nil
}

// Tick fires every action whose interval has elapsed at now, at most once
// each, and returns the names that fired in firing order.
func (s *Scheduler) Tick(now uint32) []string {
	var fired []string

	s.mu.RLock()
	actions := make([]*Action, len(s.actions))
	copy(actions, s.actions)
	s.mu.RUnlock()

	for _, a := range actions {
		s.mu.Lock()
		due := timing.Due(now, a.LastFired, a.Interval)
		if due {
			a.LastFired = now
			a.Fires++
		}
		s.mu.Unlock()

		if !due {
			continue
		}
		a.run(now)
		fired = append(fired, a.Name)
	}

	return fired
}

// SetInterval changes an action's interval. The change takes effect on the
// next Tick; LastFired is kept.
func (s *Scheduler) SetInterval(name string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.index[name]
	if !ok {
		return fmt.Errorf("action %s not found", name)
	}
	a.Interval = timing.Millis(interval)
	return nil
}

// Interval returns the current interval of an action.
func (s *Scheduler) Interval(name string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.index[name]
	if !ok {
		return 0, false
	}
	return timing.Duration(a.Interval), true
}

// Reset marks an action as fired at now without running it.
func (s *Scheduler) Reset(name string, now uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a, ok := s.index[name]; ok {
		a.LastFired = now
	}
}

// Snapshot returns the schedule state of all actions in check order.
func (s *Scheduler) Snapshot() []ActionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]ActionState, 0, len(s.actions))
	for _, a := range s.actions {
		result = append(result, ActionState{
			Name:       a.Name,
			IntervalMs: int64(a.Interval),
			LastFired:  a.LastFired,
			Fires:      a.Fires,
		})
	}
	return result
}
