// Copyright 2026 The OneWire Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package onewireuart_test

import (
	"fmt"
	"log"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/codeallnight/onewire/onewireuart"
)

func Example() {
	// Make sure periph is initialized.
	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}

	// The GPIO sourcing the strong pull-up current onto the bus.
	pullup := gpioreg.ByName("GPIO4")
	if pullup == nil {
		log.Fatal("failed to find the pull-up pin")
	}

	// Open the UART wired onto the 1-wire line.
	d, err := onewireuart.Open("/dev/ttyAMA0", pullup, nil)
	if err != nil {
		log.Fatalf("failed to open the bus: %v", err)
	}
	defer d.Close()

	// Enumerate every device on the bus.
	addrs, err := d.Search(false)
	if err != nil {
		log.Fatal(err)
	}
	for _, a := range addrs {
		fmt.Printf("found device %#016x\n", uint64(a))
	}
}
