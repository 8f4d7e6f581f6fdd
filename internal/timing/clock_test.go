package timing

import (
	"testing"
	"time"
)

func TestElapsedAcrossWraparound(t *testing.T) {
	tests := []struct {
		name string
		now  uint32
		last uint32
		want uint32
	}{
		{"plain", 1500, 500, 1000},
		{"equal", 42, 42, 0},
		{"wrapped", 0x00000100, 0xFFFFFF00, 0x200},
		{"wrapped to zero", 0, 0xFFFFFFFF, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Elapsed(tt.now, tt.last); got != tt.want {
				t.Errorf("Elapsed(%d, %d) = %d; want %d", tt.now, tt.last, got, tt.want)
			}
		})
	}
}

func TestDue(t *testing.T) {
	if Due(999, 0, 1000) {
		t.Error("999ms after last must not be due for a 1000ms interval")
	}
	if !Due(1000, 0, 1000) {
		t.Error("exactly one interval must be due")
	}
	if !Due(0x10, 0xFFFFFC00, 1000) {
		t.Error("interval spanning the wrap must be due")
	}
}

func TestMillisConversion(t *testing.T) {
	if got := Millis(1500 * time.Millisecond); got != 1500 {
		t.Errorf("Millis(1.5s) = %d; want 1500", got)
	}
	if got := Millis(-time.Second); got != 0 {
		t.Errorf("Millis(-1s) = %d; want 0", got)
	}
	if got := Millis(100 * 24 * time.Hour); got != ^uint32(0) {
		t.Errorf("Millis(100d) = %d; want saturation", got)
	}
	if got := Duration(250); got != 250*time.Millisecond {
		t.Errorf("Duration(250) = %v", got)
	}
}

func TestManualClockWraps(t *testing.T) {
	c := NewManualClock(^uint32(0) - 9)
	c.Advance(20)
	if got := c.Millis(); got != 10 {
		t.Errorf("Millis after wrap = %d; want 10", got)
	}
}
