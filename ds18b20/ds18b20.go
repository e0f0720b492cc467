// Copyright 2026 The OneWire Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18b20 controls Dallas Semi / Maxim DS18B20 and DS18S20 1-wire
// temperature sensors over any onewire.Bus master.
package ds18b20

import (
	"errors"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/codeallnight/onewire/common"
)

// Family is the device type encoded in the low byte of the 1-wire address.
type Family byte

func (f Family) String() string {
	switch f {
	case DS18S20:
		return "DS18S20"
	case DS18B20:
		return "DS18B20"
	default:
		return "unknown"
	}
}

const (
	DS18B20 Family = 0x28
	DS18S20 Family = 0x10
)

const (
	cmdConvert         = 0x44
	cmdWriteScratchpad = 0x4e
	cmdCopyScratchpad  = 0x48
	cmdReadScratchpad  = 0xbe
	cmdReadPowerSupply = 0xb4
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// ResolutionBits is how many bits of precision conversions have, in the
	// range 9..12. Each extra bit doubles the conversion time: 9 bits takes
	// 94ms, 12 bits 752ms. 10 bits is 0.25°C per step, a reasonable match
	// for the device's inherent ±0.5°C accuracy.
	ResolutionBits int
	// Th and Tl are the alarm thresholds in degrees Celsius. A device whose
	// last conversion fell outside [Tl, Th] answers the alarm search until
	// a conversion back in range clears it. Only written when SetAlarms is
	// set; the thresholds already in the device are kept otherwise.
	Th, Tl    int8
	SetAlarms bool
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{ResolutionBits: 10}

// ConvertAll starts a conversion on every sensor on the bus at once and
// waits for the slowest possible device to finish.
//
// The bus is held in strong pull-up mode for the whole conversion so
// parasitically powered devices get their charge current; the wait is sized
// by maxResolutionBits, the highest resolution configured on any device.
//
// ConvertAll uses time.Sleep to wait, from 94ms to 752ms.
func ConvertAll(o onewire.Bus, maxResolutionBits int) error {
	if maxResolutionBits < 9 || maxResolutionBits > 12 {
		return errors.New("ds18b20: invalid maxResolutionBits")
	}
	if err := o.Tx([]byte{0xcc, cmdConvert}, nil, onewire.StrongPullup); err != nil {
		return err
	}
	conversionSleep(maxResolutionBits)
	return nil
}

// StartAll starts a conversion on every sensor on the bus and returns
// without waiting. Read the results with LastTemp once the conversion time
// has elapsed; the timing is the caller's problem.
func StartAll(o onewire.Bus) error {
	return o.Tx([]byte{0xcc, cmdConvert}, nil, onewire.StrongPullup)
}

// New returns a handle to the sensor with the given 64-bit address.
//
// It reads the scratchpad to confirm the device is reachable, probes how it
// is powered, and rewrites the configuration register when it does not
// match opts, saving the change to EEPROM.
func New(o onewire.Bus, addr onewire.Address, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.ResolutionBits < 9 || opts.ResolutionBits > 12 {
		return nil, errors.New("ds18b20: invalid ResolutionBits")
	}

	d := &Dev{onewire: onewire.Dev{Bus: o, Addr: addr}, resolution: opts.ResolutionBits}

	spad, err := d.readScratchpad()
	if err != nil {
		return nil, err
	}

	parasitic, err := d.readPowerSupply()
	if err != nil {
		return nil, err
	}
	d.parasitic = parasitic

	// The DS18S20 has a fixed 9-bit core and no configuration register.
	if d.Family() == DS18S20 {
		return d, nil
	}

	th, tl := spad[2], spad[3]
	if opts.SetAlarms {
		th, tl = byte(opts.Th), byte(opts.Tl)
	}
	if int(spad[4]>>5) != opts.ResolutionBits-9 || th != spad[2] || tl != spad[3] {
		if err := d.WriteScratchpad(int8(th), int8(tl), opts.ResolutionBits); err != nil {
			return nil, err
		}
		if err := d.CopyScratchpad(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Dev is a handle to one DS18B20 or DS18S20 sensor on a 1-wire bus.
type Dev struct {
	onewire    onewire.Dev
	resolution int  // conversion resolution in bits (9..12)
	parasitic  bool // powered from the data line, probed at init

	mu   sync.Mutex
	stop chan struct{}
	wg   sync.WaitGroup
}

func (d *Dev) Family() Family {
	return Family(d.onewire.Addr & 0xff)
}

func (d *Dev) String() string {
	return d.Family().String() + "{" + d.onewire.String() + "}"
}

// Parasitic reports whether the device draws its power from the data line.
// Parasitic devices need the strong pull-up during conversions and EEPROM
// writes; the handle takes care of that itself.
func (d *Dev) Parasitic() bool {
	return d.parasitic
}

// Halt implements conn.Resource. It stops a SenseContinuous loop if one is
// running.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop == nil {
		return nil
	}
	close(d.stop)
	d.wg.Wait()
	d.stop = nil
	return nil
}

// Sense implements physic.SenseEnv: one full conversion, waiting out the
// conversion time for the configured resolution.
func (d *Dev) Sense(e *physic.Env) error {
	if err := d.startConvert(); err != nil {
		return err
	}
	conversionSleep(d.resolution)
	t, err := d.LastTemp()
	if err != nil {
		return err
	}
	e.Temperature = t
	return nil
}

// SenseContinuous implements physic.SenseEnv. Stop it with Halt.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return nil, errors.New("ds18b20: already sensing continuously")
	}
	d.wg.Add(1)
	sensing := make(chan physic.Env)
	d.stop = make(chan struct{})
	go func() {
		defer d.wg.Done()
		defer close(sensing)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-t.C:
				var e physic.Env
				if err := d.Sense(&e); err != nil {
					continue
				}
				// The consumer may be gone; Halt must still be able to
				// stop the loop while the send is pending.
				select {
				case sensing <- e:
				case <-d.stop:
					return
				}
			}
		}
	}()
	return sensing, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = physic.Kelvin / physic.Temperature(1<<uint(d.resolution-8))
}

// LastTemp reads back the result of the most recent conversion without
// starting a new one, for use after ConvertAll or StartAll.
func (d *Dev) LastTemp() (physic.Temperature, error) {
	spad, err := d.readScratchpad()
	if err != nil {
		return 0, err
	}

	c := d.parseTemperature(spad)

	// The power-on value is 85°C. Reading exactly that almost always means
	// no conversion ran, or it browned out for lack of pull-up current.
	// This trades away reading a true 85°C, which seems right.
	if c == 85*physic.Celsius+physic.ZeroCelsius {
		return 0, busError("ds18b20: has not performed a temperature conversion (insufficient pull-up?)")
	}
	return c, nil
}

// Thresholds reads back the alarm thresholds currently in the scratchpad,
// in degrees Celsius.
func (d *Dev) Thresholds() (th, tl int8, err error) {
	spad, err := d.readScratchpad()
	if err != nil {
		return 0, 0, err
	}
	return int8(spad[2]), int8(spad[3]), nil
}

// WriteScratchpad sets the alarm thresholds and, on the DS18B20, the
// conversion resolution. The values live in scratchpad RAM only until
// CopyScratchpad commits them to EEPROM.
func (d *Dev) WriteScratchpad(th, tl int8, resolutionBits int) error {
	if resolutionBits < 9 || resolutionBits > 12 {
		return errors.New("ds18b20: invalid resolutionBits")
	}
	cfg := byte((resolutionBits-9)<<5) | 0x1f
	if err := d.onewire.Tx([]byte{cmdWriteScratchpad, byte(th), byte(tl), cfg}, nil); err != nil {
		return err
	}
	d.resolution = resolutionBits
	return nil
}

// CopyScratchpad commits the scratchpad configuration to EEPROM. The write
// draws programming current, so the strong pull-up is held for the 10ms the
// cell needs.
func (d *Dev) CopyScratchpad() error {
	if err := d.onewire.TxPower([]byte{cmdCopyScratchpad}, nil); err != nil {
		return err
	}
	sleep(10 * time.Millisecond)
	return nil
}

// startConvert begins a conversion on this device alone. A parasitically
// powered sensor gets the strong pull-up for its conversion current; an
// externally powered one keeps the bus available.
func (d *Dev) startConvert() error {
	if d.parasitic {
		return d.onewire.TxPower([]byte{cmdConvert}, nil)
	}
	return d.onewire.Tx([]byte{cmdConvert}, nil)
}

// readPowerSupply issues Read Power Supply: a parasitically powered device
// pulls the status read low, an externally powered one leaves it high.
func (d *Dev) readPowerSupply() (bool, error) {
	status := make([]byte, 1)
	if err := d.onewire.Tx([]byte{cmdReadPowerSupply}, status); err != nil {
		return false, err
	}
	return status[0]&1 == 0, nil
}

// parseTemperature decodes the raw reading in scratchpad bytes 0..1.
func (d *Dev) parseTemperature(spad []byte) physic.Temperature {
	rawTemp := int16(spad[1])<<8 | int16(spad[0])

	switch {
	case d.Family() == DS18S20 && spad[7] != 0:
		// The DS18S20 reads in 0.5°C steps, but the counter registers allow
		// reconstructing 1/16°C: drop the half-degree bit, scale to
		// sixteenths, then TEMP - 0.25 + (COUNT_PER_C - COUNT_REMAIN) /
		// COUNT_PER_C with COUNT_PER_C fixed at 16 (datasheet p.4).
		rawTemp = (rawTemp&^1)<<3 + 12 - int16(spad[6])
	case d.Family() == DS18B20:
		// Below 12-bit resolution the low bits of the reading are
		// undefined and must be masked out (datasheet p.5).
		rawTemp &^= 1<<uint(12-d.resolutionFrom(spad)) - 1
	}
	// rawTemp is in 1/16°C with 4 fractional bits.
	v := physic.Temperature(rawTemp)
	return v*physic.Kelvin/16 + physic.ZeroCelsius
}

// resolutionFrom decodes the resolution the device actually converted at
// from the configuration register, falling back on the handle's setting.
func (d *Dev) resolutionFrom(spad []byte) int {
	if len(spad) > 4 {
		return int(spad[4]>>5) + 9
	}
	return d.resolution
}

// readScratchpad reads the 9 scratchpad bytes and checks the trailing CRC.
// It returns the 8 data bytes.
func (d *Dev) readScratchpad() ([]byte, error) {
	var spad [9]byte
	if err := d.onewire.Tx([]byte{cmdReadScratchpad}, spad[:]); err != nil {
		return nil, err
	}

	if !common.Check(spad[:]) {
		// All ones means nothing drove the line: the device is absent, not
		// corrupting.
		for _, s := range spad {
			if s != 0xff {
				return nil, busError("ds18b20: incorrect scratchpad CRC")
			}
		}
		return nil, busError("ds18b20: device did not respond")
	}
	return spad[:8], nil
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// conversionSleep waits out a conversion. The time doubles per resolution
// bit: 9 bits 94ms, 10 bits 188ms, 11 bits 376ms, 12 bits 752ms.
func conversionSleep(bits int) {
	sleep((94 << uint(bits-9)) * time.Millisecond)
}

var sleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
