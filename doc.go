// Copyright 2026 The OneWire Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewire is a container for 1-wire bus drivers built on a plain
// UART and a pull-up GPIO, with no dedicated bus master chip.
package onewire
