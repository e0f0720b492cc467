// Copyright 2026 The OneWire Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewireuart

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"

	"github.com/codeallnight/onewire/common"
)

// ResetResult classifies what the bus did in response to a reset pulse.
type ResetResult int

const (
	// DevicePresent means at least one device asserted a presence pulse
	// during the recovery window.
	DevicePresent ResetResult = iota
	// NoDevices means the line echoed the reset symbol unmodified: the bus
	// is electrically alive but nobody answered. A legitimate negative
	// result, not a fault.
	NoDevices
	// NoData means no echo arrived within the retry budget, which points at
	// a wiring or hardware problem.
	NoData
)

func (r ResetResult) String() string {
	switch r {
	case DevicePresent:
		return "device present"
	case NoDevices:
		return "no devices"
	case NoData:
		return "no data"
	default:
		return fmt.Sprintf("ResetResult(%d)", int(r))
	}
}

// Opts contains options to pass to the constructor.
type Opts struct {
	// RetryCount is how many times a pending echo is polled for before the
	// operation is reported as no data. The serial read is non-blocking, so
	// this bounded poll stands in for a read deadline.
	RetryCount int
	// RetryInterval is the pause between polls.
	RetryInterval time.Duration
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	RetryCount:    100,
	RetryInterval: time.Millisecond,
}

// Open opens the serial device at the given path and returns a bus master
// driving it. pullup is the GPIO sourcing the strong pull-up current; it is
// driven low before any bus traffic.
func Open(device string, pullup gpio.PinOut, opts *Opts) (*Dev, error) {
	p, err := openSerial(device)
	if err != nil {
		return nil, err
	}
	d, err := New(p, pullup, opts)
	if err != nil {
		p.Close()
		return nil, err
	}
	return d, nil
}

// New returns a bus master driving the given serial channel, with pullup as
// the strong pull-up line.
//
// The channel is configured for the reset symbol rate and the pull-up line
// is parked low before New returns, so a broken hardware path fails here
// rather than mid-slot.
func New(p Port, pullup gpio.PinOut, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.RetryCount <= 0 {
		return nil, errors.New("onewireuart: RetryCount must be positive")
	}
	if pullup == nil {
		return nil, errors.New("onewireuart: a pull-up pin is required")
	}
	d := &Dev{
		port:          p,
		pullup:        pullup,
		retryCount:    opts.RetryCount,
		retryInterval: opts.RetryInterval,
	}
	if err := pullup.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("onewireuart: parking pull-up line: %v", err)
	}
	if err := p.Configure(resetBaud); err != nil {
		return nil, err
	}
	d.baud = resetBaud
	return d, nil
}

// Dev is a handle to a 1-wire bus mastered through a UART. It implements
// onewire.Bus.
//
// Exactly one Dev may be live per physical line. The embedded lock
// serializes whole transactions; the protocol depends on strict temporal
// ordering of slot-level I/O, so callers must not interleave operations on
// the same bus from multiple goroutines outside of it.
//
// The handle owns the 8-byte device address used by MatchROM and filled in
// by the search: family code in byte 0, 48-bit serial in bytes 1..6, CRC in
// byte 7.
type Dev struct {
	sync.Mutex
	port          Port
	pullup        gpio.PinOut
	retryCount    int
	retryInterval time.Duration
	baud          int         // current symbol rate; switched lazily
	rom           [8]byte     // address store shared by search and ROM commands
	state         searchState // discrepancy bookkeeping between search passes
}

func (d *Dev) String() string {
	return fmt.Sprintf("OneWireUART{%v, %s}", d.port, d.pullup)
}

// Halt implements conn.Resource. It releases the strong pull-up, which is
// the only persistent output this master drives.
func (d *Dev) Halt() error {
	return d.DisableStrongPullup()
}

// Close releases the pull-up line and closes the serial channel.
func (d *Dev) Close() error {
	d.Lock()
	defer d.Unlock()
	err := d.pullup.Out(gpio.Low)
	if cerr := d.port.Close(); err == nil {
		err = cerr
	}
	return err
}

// Reset issues a bus reset and classifies the response. A reset must precede
// every ROM-level command; this is the caller's job, the transport never
// resets on its own behalf.
//
// The returned error reports hardware failures (channel cannot be
// configured or written); the classification covers everything the bus
// itself can say.
func (d *Dev) Reset() (ResetResult, error) {
	d.Lock()
	defer d.Unlock()
	return d.reset()
}

// SendByte transmits one byte, LSB first, one write slot per bit.
func (d *Dev) SendByte(b byte) error {
	d.Lock()
	defer d.Unlock()
	return d.sendByte(b, false)
}

// SendByteWithPullup transmits one byte and asserts the strong pull-up
// after the final bit, so a parasitically powered device can draw
// conversion or programming current as soon as the command lands. Release
// it with DisableStrongPullup when the operation completes.
func (d *Dev) SendByteWithPullup(b byte) error {
	d.Lock()
	defer d.Unlock()
	return d.sendByte(b, true)
}

// ReceiveByte reads one byte, LSB first, one read slot per bit.
//
// A timeout anywhere in the byte is reported as ErrNoData with 0xFF as the
// byte value; check the error, not the value, a bus full of ones is a
// legitimate read.
func (d *Dev) ReceiveByte() (byte, error) {
	d.Lock()
	defer d.Unlock()
	return d.receiveByte(false)
}

// DisableStrongPullup releases the strong pull-up line immediately. Call it
// whenever the extra current is no longer needed; a grounded bus with the
// pull-up sourcing into it is a fault path.
func (d *Dev) DisableStrongPullup() error {
	d.Lock()
	defer d.Unlock()
	return d.pullup.Out(gpio.Low)
}

// ROM returns the 8-byte device address currently held by the handle: the
// last address discovered by the search, read by ReadROM, or set by SetROM.
func (d *Dev) ROM() [8]byte {
	d.Lock()
	defer d.Unlock()
	return d.rom
}

// SetROM replaces the held device address, typically to aim MatchROM at a
// previously discovered device.
func (d *Dev) SetROM(rom [8]byte) {
	d.Lock()
	defer d.Unlock()
	d.rom = rom
}

// Addr returns the held address in onewire.Address form, family code in the
// low byte.
func (d *Dev) Addr() onewire.Address {
	d.Lock()
	defer d.Unlock()
	return romToAddr(d.rom)
}

// SetAddr replaces the held device address from its onewire.Address form.
func (d *Dev) SetAddr(addr onewire.Address) {
	d.Lock()
	defer d.Unlock()
	d.rom = addrToROM(addr)
}

// MatchROM resets the bus and addresses the device whose ROM the handle
// currently holds; the next command is executed by that device alone.
func (d *Dev) MatchROM() error {
	d.Lock()
	defer d.Unlock()
	return d.matchROM()
}

// SkipROM resets the bus and addresses every device at once. Only valid
// when at most one reply matters, such as broadcasting a conversion start.
func (d *Dev) SkipROM() error {
	d.Lock()
	defer d.Unlock()
	if err := d.requirePresence(); err != nil {
		return err
	}
	return d.sendByte(cmdSkipROM, false)
}

// ReadROM issues the single-device Read ROM command and, when the CRC
// checks out, stores the returned address in the handle. With more than one
// device on the bus the wired-AND garbles the reply; the CRC gate rejects
// it and the held address is left untouched.
func (d *Dev) ReadROM() ([8]byte, error) {
	d.Lock()
	defer d.Unlock()
	var rom [8]byte
	if err := d.requirePresence(); err != nil {
		return rom, err
	}
	if err := d.sendByte(cmdReadROM, false); err != nil {
		return rom, err
	}
	var crc common.CRC8
	for i := range rom {
		b, err := d.receiveByte(false)
		if err != nil {
			return [8]byte{}, err
		}
		rom[i] = b
		crc.Fold(b)
	}
	if crc.Sum() != 0 {
		return [8]byte{}, busError("onewireuart: ROM CRC mismatch, is exactly one device on the bus?")
	}
	d.rom = rom
	return rom, nil
}

// Tx performs a bus transaction: reset, presence check, transmit w, receive
// into r, ending with the strong pull-up asserted when power is
// onewire.StrongPullup. It implements onewire.Bus, so periph device drivers
// can address devices over this master through onewire.Dev.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	d.Lock()
	defer d.Unlock()
	if err := d.requirePresence(); err != nil {
		return err
	}
	for i, b := range w {
		hold := power == onewire.StrongPullup && len(r) == 0 && i == len(w)-1
		if err := d.sendByte(b, hold); err != nil {
			return err
		}
	}
	for i := range r {
		// On the last byte the strong pull-up goes up with the final slot,
		// so the charge window opens without a gap.
		hold := power == onewire.StrongPullup && i == len(r)-1
		b, err := d.receiveByte(hold)
		if err != nil {
			return err
		}
		r[i] = b
	}
	return nil
}

//

// reset transmits the long low pulse at the slow rate and classifies the
// echo. 0xF0 holds the line low for the start bit plus four data bits,
// ≈520µs at 9600 baud; a presence pulse clears additional bits in the echo.
func (d *Dev) reset() (ResetResult, error) {
	if err := d.setSpeed(resetBaud); err != nil {
		return NoData, err
	}
	if err := d.writeSymbol(symbolReset, false); err != nil {
		return NoData, err
	}
	echo, err := d.readEcho()
	if err == ErrNoData {
		return NoData, nil
	}
	if err != nil {
		return NoData, err
	}
	if echo == symbolReset {
		return NoDevices, nil
	}
	return DevicePresent, nil
}

// requirePresence resets the bus and converts anything but a presence pulse
// into an error, for the commands that are meaningless on an empty bus.
func (d *Dev) requirePresence() error {
	res, err := d.reset()
	if err != nil {
		return err
	}
	switch res {
	case DevicePresent:
		return nil
	case NoDevices:
		return noDevicesError("onewireuart: no devices present")
	default:
		return ErrNoData
	}
}

// writeBit performs one write slot. A zero is a full-width low pulse (start
// bit plus eight low data bits), a one is the start bit alone. The echo
// must match what was sent; nothing else may drive the line during a write
// slot.
func (d *Dev) writeBit(bit byte, holdPullup bool) error {
	if err := d.setSpeed(slotBaud); err != nil {
		return err
	}
	sym := byte(symbolWrite0)
	if bit != 0 {
		sym = symbolWrite1
	}
	if err := d.writeSymbol(sym, holdPullup); err != nil {
		return err
	}
	echo, err := d.readEcho()
	if err != nil {
		return err
	}
	if echo != sym {
		return busError(fmt.Sprintf("onewireuart: write slot echoed %#02x instead of %#02x", echo, sym))
	}
	return nil
}

// readBit performs one read slot: transmit the release symbol, then see
// whether a device stretched the low period. An unmodified echo is a one; a
// dominant device extends the pulse and clears low bits in the echo.
func (d *Dev) readBit(holdPullup bool) (byte, error) {
	if err := d.setSpeed(slotBaud); err != nil {
		return 0, err
	}
	if err := d.writeSymbol(symbolRead, holdPullup); err != nil {
		return 0, err
	}
	echo, err := d.readEcho()
	if err != nil {
		return 0, err
	}
	if echo == symbolRead {
		return 1, nil
	}
	return 0, nil
}

func (d *Dev) sendByte(b byte, holdPullup bool) error {
	for i := 0; i < 8; i++ {
		hold := holdPullup && i == 7
		if err := d.writeBit(b&1, hold); err != nil {
			return err
		}
		b >>= 1
	}
	return nil
}

func (d *Dev) receiveByte(holdPullup bool) (byte, error) {
	var b byte
	for i := uint(0); i < 8; i++ {
		hold := holdPullup && i == 7
		bit, err := d.readBit(hold)
		if err != nil {
			// Not a partial value: the whole byte is void.
			return 0xff, err
		}
		if bit != 0 {
			b |= 1 << i
		}
	}
	return b, nil
}

// setSpeed switches the symbol rate. Redundant switches are no-ops.
func (d *Dev) setSpeed(baud int) error {
	if d.baud == baud {
		return nil
	}
	if err := d.port.Configure(baud); err != nil {
		return err
	}
	d.baud = baud
	return nil
}

// writeSymbol transmits one symbol. The pull-up line must never source
// current while the UART is about to drive the bus low, so it is released
// before every transmission unless the caller asks to hold it for the
// parasitic charge window that follows the slot.
func (d *Dev) writeSymbol(sym byte, holdPullup bool) error {
	if err := d.pullup.Out(gpio.Low); err != nil {
		return fmt.Errorf("onewireuart: releasing pull-up: %v", err)
	}
	if err := d.port.WriteByte(sym); err != nil {
		return fmt.Errorf("onewireuart: serial write: %v", err)
	}
	if holdPullup {
		// The write is buffered: the line reaches the stop bit while this
		// runs, which is the window the charge current is wanted in. The
		// series resistor tolerates the brief overlap with the low pulse.
		if err := d.pullup.Out(gpio.High); err != nil {
			return fmt.Errorf("onewireuart: asserting pull-up: %v", err)
		}
	}
	return nil
}

// readEcho polls the receiver for the echo of the symbol just transmitted,
// within the bounded retry budget.
func (d *Dev) readEcho() (byte, error) {
	for i := 0; i < d.retryCount; i++ {
		b, ok, err := d.port.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("onewireuart: serial read: %v", err)
		}
		if ok {
			return b, nil
		}
		sleep(d.retryInterval)
	}
	return 0, ErrNoData
}

func (d *Dev) matchROM() error {
	if err := d.requirePresence(); err != nil {
		return err
	}
	if err := d.sendByte(cmdMatchROM, false); err != nil {
		return err
	}
	for _, b := range d.rom {
		if err := d.sendByte(b, false); err != nil {
			return err
		}
	}
	return nil
}

func romToAddr(rom [8]byte) onewire.Address {
	var a uint64
	for i := 7; i >= 0; i-- {
		a = a<<8 | uint64(rom[i])
	}
	return onewire.Address(a)
}

func addrToROM(addr onewire.Address) [8]byte {
	var rom [8]byte
	for i := range rom {
		rom[i] = byte(addr >> (8 * uint(i)))
	}
	return rom
}

// ErrNoData is returned when the serial channel produced no echo within the
// retry budget: a wiring or hardware fault, not an idle bus.
var ErrNoData error = busError("onewireuart: no data on bus")

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

// noDevicesError implements error and onewire.NoDevicesError.
type noDevicesError string

func (e noDevicesError) Error() string   { return string(e) }
func (e noDevicesError) NoDevices() bool { return true }
func (e noDevicesError) BusError() bool  { return true }

var sleep = time.Sleep

const (
	resetBaud = 9600   // reset pulse rate, ≈520µs low time
	slotBaud  = 115200 // read/write slot rate, ≈70µs slots

	symbolReset  = 0xf0 // start bit + 4 low data bits at the slow rate
	symbolWrite0 = 0x00 // full-width low pulse
	symbolWrite1 = 0xff // start bit only
	symbolRead   = 0xff // release pattern opening a read slot

	cmdReadROM     = 0x33
	cmdMatchROM    = 0x55
	cmdSkipROM     = 0xcc
	cmdSearchROM   = 0xf0
	cmdAlarmSearch = 0xec
)

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
