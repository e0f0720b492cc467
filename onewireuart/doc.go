// Copyright 2026 The OneWire Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewireuart implements a 1-wire bus master on top of a plain
// asynchronous serial port and one pull-up GPIO, with no dedicated bus
// master chip.
//
// A UART configured for 8N1 makes a serviceable 1-wire pulse generator: the
// start bit plus the low data bits of each transmitted character form the
// bus low pulse, and the stop condition releases the line. One UART
// character therefore produces exactly one 1-wire time slot, and because the
// transmit and receive lines are wired onto the same bus, reading back one
// character samples what the bus actually did during that slot. Two baud
// rates are used: 9600 for the long reset pulse (the 0xF0 character holds
// the line low for ≈520µs) and 115200 for the ≈70µs read and write slots
// (0x00 writes a zero, 0xFF writes a one or opens a read slot). A slave
// that drives a dominant zero stretches the low period, which the UART
// reports as cleared bits in the echoed character.
//
// See Maxim application note 214, "Using a UART to Implement a 1-Wire Bus
// Master", and application note 187 for the ROM search algorithm.
//
// Dev implements onewire.Bus from periph.io/x/conn/v3, so any 1-wire device
// driver written against that interface can run over this master.
//
// The bus is a single shared electrical resource: one Dev per physical line,
// and concurrent callers are serialized by the Dev's own lock, one full
// transaction at a time.
//
// Datasheet
//
// https://www.analog.com/en/resources/technical-articles/using-a-uart-to-implement-a-1wire-bus-master.html
package onewireuart
