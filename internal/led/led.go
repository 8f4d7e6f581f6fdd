// Package led drives the status LED.
package led

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// LED is a single on/off indicator.
type LED interface {
	Toggle() error
	Set(on bool) error
	On() bool
}

// GPIO is an LED wired to a GPIO pin.
type GPIO struct {
	mu       sync.Mutex
	pin      gpio.PinOut
	on       bool
	inverted bool
}

// OpenGPIO initializes periph and claims the named pin (for example
// "GPIO17"). Set inverted for LEDs wired active-low.
func OpenGPIO(name string, inverted bool) (*GPIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("initialize periph: %w", err)
	}

	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio pin %s not found", name)
	}
	return NewGPIO(p, inverted)
}

// NewGPIO wraps an output pin and switches the LED off.
func NewGPIO(pin gpio.PinOut, inverted bool) (*GPIO, error) {
	l := &GPIO{pin: pin, inverted: inverted}
	if err := l.Set(false); err != nil {
		return nil, err
	}
	return l, nil
}

// Set switches the LED.
func (l *GPIO) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	level := gpio.Level(on != l.inverted)
	if err := l.pin.Out(level); err != nil {
		return fmt.Errorf("set %s: %w", l.pin, err)
	}
	l.on = on
	return nil
}

// Toggle inverts the LED state.
func (l *GPIO) Toggle() error {
	return l.Set(!l.On())
}

// On reports whether the LED is lit.
func (l *GPIO) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Noop is used when no LED pin is configured. It only tracks state.
type Noop struct {
	mu sync.Mutex
	on bool
}

// Set implements LED.
func (n *Noop) Set(on bool) error {
	n.mu.Lock()
	n.on = on
	n.mu.Unlock()
	return nil
}

// Toggle implements LED.
func (n *Noop) Toggle() error {
	return n.Set(!n.On())
}

// On implements LED.
func (n *Noop) On() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.on
}
