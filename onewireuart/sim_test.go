// Copyright 2026 The OneWire Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewireuart

import (
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio/gpiotest"
)

// simPort simulates the UART wired onto a shared 1-wire line with a set of
// slave devices. Every symbol the master transmits is turned into one time
// slot, offered to every device, and echoed back with the wired-AND of
// whatever the devices drove.
type simPort struct {
	baud    int
	devices []*simDevice
	rx      []byte // echoes queued for the master

	deaf     bool         // swallow all echoes: the master sees no data
	ffSlots  int          // ordinal of fast-rate release (0xFF) slots seen
	forceLow map[int]bool // release slots to dominate, by ordinal
}

func (p *simPort) String() string { return "sim" }

func (p *simPort) Configure(baud int) error {
	p.baud = baud
	return nil
}

func (p *simPort) WriteByte(b byte) error {
	if p.deaf {
		return nil
	}
	switch {
	case p.baud == resetBaud && b == symbolReset:
		present := false
		for _, dev := range p.devices {
			if dev.reset() {
				present = true
			}
		}
		if present {
			// The presence pulse stretches the low period, clearing bits
			// the idle line would have left high.
			p.rx = append(p.rx, 0xe0)
		} else {
			p.rx = append(p.rx, symbolReset)
		}
	case p.baud == slotBaud:
		bit := byte(0)
		if b == symbolWrite1 {
			bit = 1
		}
		pulled := false
		for _, dev := range p.devices {
			if dev.slot(bit) {
				pulled = true
			}
		}
		if bit == 1 {
			if p.forceLow[p.ffSlots] {
				pulled = true
			}
			p.ffSlots++
		}
		echo := b
		if bit == 1 && pulled {
			echo = 0xf8 // a dominant zero stretches the low pulse
		}
		p.rx = append(p.rx, echo)
	default:
		p.rx = append(p.rx, b)
	}
	return nil
}

func (p *simPort) ReadByte() (byte, bool, error) {
	if len(p.rx) == 0 {
		return 0, false, nil
	}
	b := p.rx[0]
	p.rx = p.rx[1:]
	return b, true, nil
}

func (p *simPort) Close() error { return nil }

// simDevice is one slave on the simulated bus: a 64-bit ROM, an alarm flag,
// and the slice of the 1-wire protocol the tests exercise (reset/presence,
// both search variants, Match/Skip/Read ROM, and the Read Power Supply
// function command).
type simDevice struct {
	rom       [8]byte
	alarm     bool
	parasitic bool // answers Read Power Supply with a dominant zero

	phase   int
	sub     int // triplet position within a search slot group
	bitPos  int
	cmd     byte
	cmdBits int
}

const (
	phaseIdle = iota // waiting for a reset
	phaseCommand     // assembling the ROM command byte
	phaseSearch      // driving bit/complement pairs, sampling directions
	phaseMatch       // sampling the 64 address bits of Match ROM
	phaseSendROM     // transmitting the ROM for Read ROM
	phaseSelected    // addressed; assembling a function command
	phasePowerStatus // answering Read Power Supply on every read slot
	phaseDropped     // out of this transaction until the next reset
)

func (dev *simDevice) reset() bool {
	dev.phase = phaseCommand
	dev.sub = 0
	dev.bitPos = 0
	dev.cmd = 0
	dev.cmdBits = 0
	return true
}

func (dev *simDevice) romBit(i int) byte {
	return dev.rom[i/8] >> (uint(i) % 8) & 1
}

// slot offers one time slot to the device. masterBit is 1 for the release
// pattern (a write-one or a read slot, electrically identical) and 0 for a
// full-width low pulse. The return value is whether the device pulled the
// line low during the slot.
func (dev *simDevice) slot(masterBit byte) bool {
	switch dev.phase {
	case phaseCommand, phaseSelected:
		dev.cmd |= masterBit << uint(dev.cmdBits)
		dev.cmdBits++
		if dev.cmdBits == 8 {
			if dev.phase == phaseCommand {
				dev.romCommand()
			} else {
				dev.functionCommand()
			}
		}
	case phaseSearch:
		myBit := dev.romBit(dev.bitPos)
		switch dev.sub {
		case 0: // true bit
			dev.sub = 1
			return masterBit == 1 && myBit == 0
		case 1: // complement
			dev.sub = 2
			return masterBit == 1 && myBit == 1
		default: // direction written by the master
			dev.sub = 0
			if masterBit != myBit {
				dev.phase = phaseDropped
				return false
			}
			dev.bitPos++
			if dev.bitPos == 64 {
				dev.enterSelected()
			}
		}
	case phaseMatch:
		if masterBit != dev.romBit(dev.bitPos) {
			dev.phase = phaseDropped
			return false
		}
		dev.bitPos++
		if dev.bitPos == 64 {
			dev.enterSelected()
		}
	case phaseSendROM:
		if masterBit != 1 {
			return false
		}
		bit := dev.romBit(dev.bitPos)
		dev.bitPos++
		if dev.bitPos == 64 {
			dev.enterSelected()
		}
		return bit == 0
	case phasePowerStatus:
		return masterBit == 1 && dev.parasitic
	}
	return false
}

func (dev *simDevice) enterSelected() {
	dev.phase = phaseSelected
	dev.cmd = 0
	dev.cmdBits = 0
	dev.bitPos = 0
}

func (dev *simDevice) romCommand() {
	switch dev.cmd {
	case cmdSearchROM:
		dev.phase = phaseSearch
		dev.sub = 0
		dev.bitPos = 0
	case cmdAlarmSearch:
		if dev.alarm {
			dev.phase = phaseSearch
			dev.sub = 0
			dev.bitPos = 0
		} else {
			dev.phase = phaseDropped
		}
	case cmdMatchROM:
		dev.phase = phaseMatch
		dev.bitPos = 0
	case cmdSkipROM:
		dev.enterSelected()
	case cmdReadROM:
		dev.phase = phaseSendROM
		dev.bitPos = 0
	default:
		dev.phase = phaseDropped
	}
}

func (dev *simDevice) functionCommand() {
	switch dev.cmd {
	case 0xb4: // Read Power Supply
		dev.phase = phasePowerStatus
	default:
		dev.phase = phaseDropped
	}
}

// ROMs with valid trailing CRCs, used across the tests.
var (
	rom28a = [8]byte{0x28, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x29}
	rom28b = [8]byte{0x28, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x70}
	rom28c = [8]byte{0x28, 0xaa, 0x55, 0x11, 0x22, 0x33, 0x44, 0xf9}
	rom10a = [8]byte{0x10, 0x7b, 0x4e, 0x68, 0x02, 0x08, 0x00, 0x65}
	rom10b = [8]byte{0x10, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10}
)

func newTestDev(t *testing.T, port Port) (*Dev, *gpiotest.Pin) {
	t.Helper()
	pin := &gpiotest.Pin{N: "PULLUP", Num: 7}
	d, err := New(port, pin, &Opts{RetryCount: 4, RetryInterval: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return d, pin
}

func init() {
	sleep = func(time.Duration) {}
}
