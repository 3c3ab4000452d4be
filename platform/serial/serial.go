// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package serial provides an optional debug/bench sideband: a serial
// console that echoes device state transitions for a bench harness
// tapping the device over UART. Nothing in the core depends on this
// package; it is wired in only by cmd/pnio-demo when a debug port is
// configured.
package serial

import (
	"fmt"
	"time"

	goserial "github.com/daedaluz/goserial"
)

// Sink is a minimal line-oriented debug sink.
type Sink struct {
	port *goserial.Port
}

// Open puts devicePath into raw mode at the given speed. speed is one
// of goserial's B* constants (e.g. goserial.B115200).
func Open(devicePath string, speed goserial.CFlag) (*Sink, error) {
	p, err := goserial.Open(devicePath, goserial.NewOptions())
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", devicePath, err)
	}
	if err := p.MakeRaw(); err != nil {
		p.Close()
		return nil, fmt.Errorf("serial: raw mode: %w", err)
	}
	attrs, err := p.GetAttr()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("serial: get attrs: %w", err)
	}
	attrs.SetSpeed(speed)
	if err := p.SetAttr(goserial.TCSANOW, attrs); err != nil {
		p.Close()
		return nil, fmt.Errorf("serial: set attrs: %w", err)
	}
	return &Sink{port: p}, nil
}

// Logf writes one timestamped debug line, best-effort (a bench harness
// disconnecting mid-session must never affect device operation).
func (s *Sink) Logf(format string, args ...interface{}) {
	if s == nil || s.port == nil {
		return
	}
	line := fmt.Sprintf("[%s] "+format+"\n", append([]interface{}{time.Now().Format(time.RFC3339Nano)}, args...)...)
	_, _ = s.port.Write([]byte(line))
}

// Close releases the underlying port.
func (s *Sink) Close() error {
	if s == nil || s.port == nil {
		return nil
	}
	return s.port.Close()
}
