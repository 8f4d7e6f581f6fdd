package sensor

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// HTU21D / SHT2x command set (no-hold-master mode).
const (
	DefaultAddress = 0x40

	cmdTempNoHold     = 0xF3
	cmdHumidityNoHold = 0xF5
	cmdSoftReset      = 0xFE

	resetDelay    = 15 * time.Millisecond
	tempDelay     = 50 * time.Millisecond // 14-bit conversion
	humidityDelay = 16 * time.Millisecond // 12-bit conversion
)

// HTU21D reads an HTU21D or SHT2x sensor over I2C.
type HTU21D struct {
	dev   i2c.Dev
	bus   i2c.Bus
	sleep func(time.Duration)
}

// OpenHTU21D initializes periph, opens the named I2C bus and soft-resets
// the sensor. An empty busName selects the first available bus.
func OpenHTU21D(busName string, addr uint16) (*HTU21D, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("initialize periph: %w", err)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open I2C bus %q: %w", busName, err)
	}

	d, err := NewHTU21D(bus, addr)
	if err != nil {
		bus.Close()
		return nil, err
	}
	return d, nil
}

// NewHTU21D binds to an already opened bus and soft-resets the sensor.
func NewHTU21D(bus i2c.Bus, addr uint16) (*HTU21D, error) {
	if addr == 0 {
		addr = DefaultAddress
	}
	d := &HTU21D{
		dev:   i2c.Dev{Bus: bus, Addr: addr},
		bus:   bus,
		sleep: time.Sleep,
	}

	if err := d.dev.Tx([]byte{cmdSoftReset}, nil); err != nil {
		return nil, fmt.Errorf("reset sensor at 0x%02x: %w", addr, err)
	}
	d.sleep(resetDelay)
	return d, nil
}

// Name implements Driver.
func (d *HTU21D) Name() string {
	return "HTU21D"
}

// Temperature implements Driver.
func (d *HTU21D) Temperature() (float64, error) {
	raw, err := d.measure(cmdTempNoHold, tempDelay)
	if err != nil {
		return 0, err
	}
	return -46.85 + 175.72*float64(raw)/65536.0, nil
}

// Humidity implements Driver.
func (d *HTU21D) Humidity() (float64, error) {
	raw, err := d.measure(cmdHumidityNoHold, humidityDelay)
	if err != nil {
		return 0, err
	}
	return -6.0 + 125.0*float64(raw)/65536.0, nil
}

// Close releases the bus if this driver opened it.
func (d *HTU21D) Close() error {
	if c, ok := d.bus.(i2c.BusCloser); ok {
		return c.Close()
	}
	return nil
}

// measure triggers a conversion, waits for it and reads MSB, LSB, CRC.
func (d *HTU21D) measure(cmd byte, wait time.Duration) (uint16, error) {
	if err := d.dev.Tx([]byte{cmd}, nil); err != nil {
		return 0, fmt.Errorf("trigger measurement 0x%02x: %w", cmd, err)
	}
	d.sleep(wait)

	buf := make([]byte, 3)
	if err := d.dev.Tx(nil, buf); err != nil {
		return 0, fmt.Errorf("read measurement 0x%02x: %w", cmd, err)
	}

	if crc8(buf[:2]) != buf[2] {
		return 0, fmt.Errorf("checksum mismatch: %w", ErrInvalidReading)
	}

	// The two low bits carry status, not data.
	raw := (uint16(buf[0])<<8 | uint16(buf[1])) &^ 0x0003
	return raw, nil
}

// crc8 computes the sensor checksum, polynomial x^8+x^5+x^4+1, init 0.
func crc8(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
