// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnio

import (
	"testing"
	"time"
)

func TestValidAppliesDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Valid(); err != nil {
		t.Fatal(err)
	}
	if cfg.MinDeviceInterval != 32 {
		t.Fatalf("MinDeviceInterval default: %d", cfg.MinDeviceInterval)
	}
	if cfg.TickInterval != time.Millisecond {
		t.Fatalf("TickInterval default: %v", cfg.TickInterval)
	}
	if cfg.MaxARs != 2 || cfg.NumPorts != 1 || cfg.MaxDiagItems != 64 {
		t.Fatalf("capacity defaults: %+v", cfg)
	}
	if cfg.RTARetries != 3 || cfg.RTATimeoutFactor != 1 || cfg.AlarmQueueDepth != 3 {
		t.Fatalf("alarm defaults: %+v", cfg)
	}
	if cfg.Callbacks.State == nil || cfg.Callbacks.AlarmInd == nil {
		t.Fatal("callback defaults not filled")
	}
}

func TestValidRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"tick too fast", func(c *Config) { c.TickInterval = 10 * time.Microsecond }},
		{"tick too slow", func(c *Config) { c.TickInterval = time.Second }},
		{"too many ars", func(c *Config) { c.MaxARs = 100 }},
		{"too many ports", func(c *Config) { c.NumPorts = 9 }},
		{"retries low", func(c *Config) { c.RTARetries = 1 }},
		{"retries high", func(c *Config) { c.RTARetries = 99 }},
		{"rta factor high", func(c *Config) { c.RTATimeoutFactor = 1000 }},
		{"negative diag", func(c *Config) { c.MaxDiagItems = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			if err := cfg.Valid(); err == nil {
				t.Fatal("out-of-range value accepted")
			}
		})
	}
}

func TestValidNilPointer(t *testing.T) {
	var cfg *Config
	if err := cfg.Valid(); err == nil {
		t.Fatal("nil config accepted")
	}
}

func TestDerivedCapacities(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.maxSessions() != 2*cfg.MaxARs+1 {
		t.Fatalf("session capacity: %d", cfg.maxSessions())
	}
	if cfg.maxFrameIDs() < 2*cfg.MaxARs*2+6 {
		t.Fatalf("frame-id capacity too small: %d", cfg.maxFrameIDs())
	}
}
