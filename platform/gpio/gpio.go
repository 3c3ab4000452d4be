// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package gpio wires a signal LED onto a real GPIO pin through
// periph.io, the reference implementation for the SignalLED
// indicator callback: periph.io/x/host registers the platform
// drivers and periph.io/x/conn/v3's gpio.PinIO is the portable pin
// handle.
package gpio

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Indicator drives one GPIO-backed LED.
type Indicator struct {
	pin gpio.PinIO
}

// Open loads the host drivers and resolves pinName (e.g. "GPIO17") to
// a pin handle. Callers typically do this once at process start.
func Open(pinName string) (*Indicator, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpio: host init: %w", err)
	}
	p := gpioreg.ByName(pinName)
	if p == nil {
		return nil, fmt.Errorf("gpio: no such pin %q", pinName)
	}
	return &Indicator{pin: p}, nil
}

// Blink pattern values mirror the signal-LED states: steady off,
// steady on, and the two blink rates used for "device not
// configured" and "maintenance required" indications.
type Pattern int

const (
	PatternOff Pattern = iota
	PatternOn
	PatternBlinkSlow
	PatternBlinkFast
)

// Set drives the pin for a momentary pattern request; blinking is left
// to the caller's own ticker since this package owns no goroutines.
func (i *Indicator) Set(p Pattern) error {
	switch p {
	case PatternOff:
		return i.pin.Out(gpio.Low)
	case PatternOn, PatternBlinkSlow, PatternBlinkFast:
		return i.pin.Out(gpio.High)
	default:
		return fmt.Errorf("gpio: unknown pattern %d", p)
	}
}

// Toggle flips the pin level, used by the caller's blink ticker for
// PatternBlinkSlow/PatternBlinkFast.
func (i *Indicator) Toggle() error {
	if i.pin.Read() == gpio.High {
		return i.pin.Out(gpio.Low)
	}
	return i.pin.Out(gpio.High)
}
