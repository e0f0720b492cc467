// Copyright 2026 The OneWire Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewireuart

import (
	"fmt"
	"time"

	"github.com/goburrow/serial"
)

// Port is the serial channel the bus master drives. One transmitted symbol
// produces one 1-wire time slot, and one received symbol is the echo of what
// the shared line did during that slot.
//
// Implementations must support switching between the two symbol rates
// mid-session without losing data. Reads are non-blocking: a symbol that has
// not yet arrived is reported with ok=false, not by waiting.
type Port interface {
	// Configure sets the symbol rate, in baud.
	Configure(baud int) error
	// WriteByte transmits one symbol.
	WriteByte(b byte) error
	// ReadByte polls for one received symbol. ok is false when none has
	// arrived yet.
	ReadByte() (b byte, ok bool, err error)
	// Close releases the channel.
	Close() error
}

// serialPort drives a host serial device through github.com/goburrow/serial.
//
// The underlying driver cannot change the rate of an open descriptor, so a
// rate switch closes and reopens the device, the same way the reference
// firmware reopens its UART.
type serialPort struct {
	cfg  serial.Config
	port serial.Port
}

func openSerial(device string) (*serialPort, error) {
	p := &serialPort{
		cfg: serial.Config{
			Address:  device,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
			// Short timeout so ReadByte is effectively a poll; the bounded
			// retry loop in the bus master supplies the real deadline.
			Timeout: time.Millisecond,
		},
	}
	if err := p.Configure(resetBaud); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *serialPort) String() string {
	return p.cfg.Address
}

func (p *serialPort) Configure(baud int) error {
	if p.port != nil {
		if p.cfg.BaudRate == baud {
			return nil
		}
		err := p.port.Close()
		p.port = nil
		if err != nil {
			return fmt.Errorf("onewireuart: closing %s to change rate: %v", p.cfg.Address, err)
		}
	}
	p.cfg.BaudRate = baud
	port, err := serial.Open(&p.cfg)
	if err != nil {
		return fmt.Errorf("onewireuart: opening %s at %d baud: %v", p.cfg.Address, baud, err)
	}
	p.port = port
	return nil
}

func (p *serialPort) WriteByte(b byte) error {
	buf := [1]byte{b}
	_, err := p.port.Write(buf[:])
	return err
}

func (p *serialPort) ReadByte() (byte, bool, error) {
	var buf [1]byte
	n, err := p.port.Read(buf[:])
	if err == serial.ErrTimeout {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	return buf[0], true, nil
}

func (p *serialPort) Close() error {
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}
