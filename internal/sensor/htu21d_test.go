package sensor

import (
	"errors"
	"math"
	"testing"
	"time"

	"periph.io/x/conn/v3/i2c/i2ctest"
)

func TestCRC8DatasheetVectors(t *testing.T) {
	tests := []struct {
		data []byte
		want byte
	}{
		{[]byte{0xDC}, 0x79},
		{[]byte{0x68, 0x3A}, 0x7C},
		{[]byte{0x4E, 0x85}, 0x6B},
	}

	for _, tt := range tests {
		if got := crc8(tt.data); got != tt.want {
			t.Errorf("crc8(% x) = 0x%02x; want 0x%02x", tt.data, got, tt.want)
		}
	}
}

func newPlaybackSensor(t *testing.T, ops ...i2ctest.IO) (*HTU21D, *i2ctest.Playback) {
	t.Helper()
	bus := &i2ctest.Playback{
		Ops: append([]i2ctest.IO{{Addr: DefaultAddress, W: []byte{cmdSoftReset}}}, ops...),
	}
	d, err := NewHTU21D(bus, DefaultAddress)
	if err != nil {
		t.Fatalf("NewHTU21D: %v", err)
	}
	d.sleep = func(time.Duration) {}
	return d, bus
}

func TestHTU21DReadsTemperatureAndHumidity(t *testing.T) {
	d, bus := newPlaybackSensor(t,
		i2ctest.IO{Addr: DefaultAddress, W: []byte{cmdTempNoHold}},
		i2ctest.IO{Addr: DefaultAddress, R: []byte{0x68, 0x3A, 0x7C}},
		i2ctest.IO{Addr: DefaultAddress, W: []byte{cmdHumidityNoHold}},
		i2ctest.IO{Addr: DefaultAddress, R: []byte{0x4E, 0x85, 0x6B}},
	)

	temp, err := d.Temperature()
	if err != nil {
		t.Fatalf("Temperature: %v", err)
	}
	if math.Abs(temp-24.6864) > 0.001 {
		t.Errorf("Temperature = %.4f; want 24.6864", temp)
	}

	hum, err := d.Humidity()
	if err != nil {
		t.Fatalf("Humidity: %v", err)
	}
	if math.Abs(hum-32.3377) > 0.001 {
		t.Errorf("Humidity = %.4f; want 32.3377", hum)
	}

	if err := bus.Close(); err != nil {
		t.Errorf("unconsumed bus operations: %v", err)
	}
}

func TestHTU21DRejectsBadChecksum(t *testing.T) {
	d, _ := newPlaybackSensor(t,
		i2ctest.IO{Addr: DefaultAddress, W: []byte{cmdTempNoHold}},
		i2ctest.IO{Addr: DefaultAddress, R: []byte{0x68, 0x3A, 0x00}},
	)

	_, err := d.Temperature()
	if !errors.Is(err, ErrInvalidReading) {
		t.Errorf("err = %v; want ErrInvalidReading", err)
	}
}

func TestHTU21DName(t *testing.T) {
	d, _ := newPlaybackSensor(t)
	if d.Name() != "HTU21D" {
		t.Errorf("Name = %q", d.Name())
	}
}
