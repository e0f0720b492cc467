// Copyright 2026 The OneWire Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains functionality shared by the drivers in this
// repository, such as the CRC8 used by Dallas/Maxim 1-wire devices.
package common

// CRC8 is a running checksum over a byte stream using the reflected form of
// the polynomial x⁸+x⁵+x⁴+1 (0x8C), the variant every 1-wire device uses for
// its 64-bit ROM and scratchpad transfers.
//
// The usage contract is: Reset before a CRC-protected block, Fold every byte
// of the block including the trailing CRC byte supplied by the device, and
// treat Sum()==0 as a valid transfer.
//
// The zero value is ready to use.
type CRC8 struct {
	crc byte
}

// Reset clears the register so a new block can be accumulated.
func (c *CRC8) Reset() {
	c.crc = 0
}

// Fold updates the register with one byte of the stream and returns the new
// register value.
func (c *CRC8) Fold(b byte) byte {
	crc := c.crc
	for i := 0; i < 8; i++ {
		mix := (crc ^ b) & 1
		crc >>= 1
		if mix != 0 {
			crc ^= 0x8c
		}
		b >>= 1
	}
	c.crc = crc
	return crc
}

// Sum returns the current register value.
func (c *CRC8) Sum() byte {
	return c.crc
}

// Check folds an entire block, whose last byte is the CRC produced by the
// sender, and reports whether the block is intact.
func Check(block []byte) bool {
	var c CRC8
	for _, b := range block {
		c.Fold(b)
	}
	return c.Sum() == 0
}
