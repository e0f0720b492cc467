// Copyright 2026 The OneWire Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// ROM search: the binary-tree enumeration from Maxim application note 187.
//
// Every device on the bus answers a search command by driving each of its 64
// address bits and the bit's complement onto the wired-AND line; the master
// reads both, picks a branch, writes it back, and every device that
// disagrees goes passive until the next reset. Bookkeeping about where the
// tree last forked lets repeated passes visit every device exactly once.

package onewireuart

import (
	"periph.io/x/conn/v3/onewire"

	"github.com/codeallnight/onewire/common"
)

// searchState is the discrepancy bookkeeping carried between search passes.
// The zero value is the start of a fresh enumeration. It is replaced
// wholesale, never mutated in place, so every failure path resets the
// enumeration with one assignment.
type searchState struct {
	// lastDiscrepancy is the 1-based bit position of the deepest zero
	// branch deferred during the previous pass; 0 means no branch is
	// pending.
	lastDiscrepancy int
	// lastFamilyDiscrepancy is the deepest deferred zero branch within the
	// family-code byte (positions 1..8), kept for family-scoped rescans.
	lastFamilyDiscrepancy int
	// lastDevice is set when the previous pass took the final branch of
	// the tree.
	lastDevice bool
	// targeted restricts the enumeration to addresses whose family byte is
	// targetFamily, as primed by TargetSetup.
	targeted     bool
	targetFamily byte
}

// ResetSearch clears the enumeration state and the held address so the next
// SearchNext starts a fresh scan of the whole bus.
func (d *Dev) ResetSearch() {
	d.Lock()
	defer d.Unlock()
	d.state = searchState{}
	d.rom = [8]byte{}
}

// TargetSetup primes the search so the next SearchNext calls enumerate only
// devices with the given family code: the held address is seeded with the
// family byte and the walk resumes as if the previous pass had forked at
// bit 64, the first bit past the address ("Target Setup", application note
// 187 Table 4). The scan reports no device once the family is exhausted,
// whatever else is on the bus.
func (d *Dev) TargetSetup(family byte) {
	d.Lock()
	defer d.Unlock()
	d.rom = [8]byte{0: family}
	d.state = searchState{
		lastDiscrepancy: 64,
		targeted:        true,
		targetFamily:    family,
	}
}

// SearchNext runs one pass of the search state machine: one device
// discovered per call, its address left in the handle (ROM, Addr).
//
// A full enumeration is one life-cycle: call SearchNext until it returns
// false, which both reports the tree exhausted and resets the state for the
// next scan. With alarmOnly set, only devices currently in their alarm
// condition answer.
//
// false with a nil error is the legitimate "no further device" result; a
// non-nil error reports a bus fault. Either way the state is reset, so a
// failed pass never strands the enumeration mid-tree.
func (d *Dev) SearchNext(alarmOnly bool) (bool, error) {
	d.Lock()
	defer d.Unlock()
	return d.searchNext(alarmOnly)
}

// Search performs a full enumeration from a fresh state and returns the
// addresses of every device on the bus, or of every device in alarm state
// if alarmOnly is set. It implements onewire.Bus.
//
// If an error occurs mid-scan the already-discovered devices are returned
// with the error.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	d.Lock()
	defer d.Unlock()
	d.state = searchState{}
	var found []onewire.Address
	for {
		ok, err := d.searchNext(alarmOnly)
		if err != nil {
			return found, err
		}
		if !ok {
			return found, nil
		}
		found = append(found, romToAddr(d.rom))
	}
}

// Verify reports whether the device with the given address is currently
// responding on the bus. The enumeration state and the held address are
// saved and restored around the probe, byte for byte, so Verify never
// perturbs an in-progress SearchNext sequence.
func (d *Dev) Verify(addr onewire.Address) (bool, error) {
	d.Lock()
	defer d.Unlock()

	savedROM := d.rom
	savedState := d.state

	// A single-target probe: with the fork position past the last bit, the
	// pass replays every bit of the held address, so only that exact device
	// can come back. Table 4 of application note 187 also zeroes the family
	// discrepancy here while the prose leaves it alone; the zero-valued
	// temporary below matches the table, and the restore discards it either
	// way.
	d.rom = addrToROM(addr)
	d.state = searchState{lastDiscrepancy: 64}

	ok, err := d.searchNext(false)
	if ok && d.rom != addrToROM(addr) {
		ok = false
	}

	d.rom = savedROM
	d.state = savedState
	return ok, err
}

// searchNext is one pass of the application note 187 algorithm.
func (d *Dev) searchNext(alarmOnly bool) (bool, error) {
	// The previous pass took the final branch: this call terminates the
	// scan and rearms for a fresh one.
	if d.state.lastDevice {
		d.state = searchState{}
		return false, nil
	}

	res, err := d.reset()
	if err != nil || res != DevicePresent {
		d.state = searchState{}
		return false, err
	}

	cmd := byte(cmdSearchROM)
	if alarmOnly {
		cmd = cmdAlarmSearch
	}
	if err := d.sendByte(cmd, false); err != nil {
		d.state = searchState{}
		return false, err
	}

	var crc common.CRC8
	bitNumber := 1 // 1-based, matching the application note tables
	lastZero := 0
	familyLastZero := d.state.lastFamilyDiscrepancy
	byteNumber := 0
	byteMask := byte(1)
	var slotErr error

	for byteNumber < 8 {
		// Every participating device drives its address bit and the
		// complement; the line is the AND across all of them.
		idBit, err1 := d.readBit(false)
		cmpBit, err2 := d.readBit(false)
		if err1 != nil {
			slotErr = err1
			break
		}
		if err2 != nil {
			slotErr = err2
			break
		}
		if idBit == 1 && cmpBit == 1 {
			// Nobody drove the slot pair: the pass is void.
			break
		}

		var direction byte
		if idBit != cmpBit {
			// All remaining devices agree on this bit.
			direction = idBit
		} else {
			// Discrepancy. Before the recorded fork, replay the branch
			// taken last pass; at the fork, take the one branch this time;
			// past it, take zero and defer the fork.
			if bitNumber < d.state.lastDiscrepancy {
				if d.rom[byteNumber]&byteMask != 0 {
					direction = 1
				}
			} else if bitNumber == d.state.lastDiscrepancy {
				direction = 1
			}
			if direction == 0 {
				lastZero = bitNumber
				if lastZero < 9 {
					familyLastZero = lastZero
				}
			}
		}

		if direction != 0 {
			d.rom[byteNumber] |= byteMask
		} else {
			d.rom[byteNumber] &^= byteMask
		}
		// Writing the chosen branch prunes every device that disagrees;
		// they sit out until the next reset.
		if err := d.writeBit(direction, false); err != nil {
			slotErr = err
			break
		}

		bitNumber++
		byteMask <<= 1
		if byteMask == 0 {
			crc.Fold(d.rom[byteNumber])
			byteNumber++
			byteMask = 1
		}
	}

	if bitNumber != 65 || crc.Sum() != 0 || d.rom[0] == 0 {
		// Bus error, aborted pass, CRC mismatch or an empty address:
		// nothing trustworthy was discovered and the scan starts over.
		d.state = searchState{}
		return false, slotErr
	}
	if d.state.targeted && d.rom[0] != d.state.targetFamily {
		// Walked past the targeted family: that family is exhausted.
		d.state = searchState{}
		return false, nil
	}

	next := searchState{
		lastDiscrepancy:       lastZero,
		lastFamilyDiscrepancy: familyLastZero,
		targeted:              d.state.targeted,
		targetFamily:          d.state.targetFamily,
	}
	if lastZero == 0 {
		next.lastDevice = true
	}
	d.state = next
	return true, nil
}
