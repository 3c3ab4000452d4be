// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnio

import (
	"errors"
	"time"

	"github.com/rob-gra/pnio/platform"
)

// Wire constants shared by the whole engine.
const (
	// EtherTypeRT carries cyclic RT data, alarms and discovery.
	EtherTypeRT uint16 = 0x8892

	// UDPPortRPC is the well-known RPC endpoint the device listens on.
	UDPPortRPC uint16 = 0x8894

	// FrameIDAlarmHigh / FrameIDAlarmLow are the two alarm lanes.
	FrameIDAlarmHigh uint16 = 0xFC01
	FrameIDAlarmLow  uint16 = 0xFE01

	// VLANPriorityAlarmLow / High per lane; cyclic data uses 6.
	VLANPriorityAlarmLow  uint8 = 5
	VLANPriorityAlarmHigh uint8 = 6
	VLANPriorityCyclic    uint8 = 6
)

// Configuration ranges. The default is applied for each unspecified
// value.
const (
	// RTA retransmission count range [3, 15], default 3.
	RTARetriesMin = 3
	RTARetriesMax = 15

	// RTA timeout factor (x 100ms) range [1, 100], default 1.
	RTATimeoutFactorMin = 1
	RTATimeoutFactorMax = 100

	// Alarm payload length negotiated at Connect, range [200, 1432].
	AlarmPayloadMin = 200
	AlarmPayloadMax = 1432

	// MaxARsLimit bounds the AR arena a single device may carry.
	MaxARsLimit = 8

	// Reserved per-device port submodule count range.
	NumPortsMin = 1
	NumPortsMax = 4
)

// Config defines one device instance. The default is applied for each
// unspecified value; Valid rejects out-of-range settings.
type Config struct {
	// Device identity reported in identification records and DCP.
	VendorID    uint16
	DeviceID    uint16
	OEMVendorID uint16
	OEMDeviceID uint16
	ProductName string

	// IM seeds the writable identification records; zero value means
	// empty records.
	IM IMRecords

	// MinDeviceInterval is the smallest send-clock factor (x 31.25us)
	// the device accepts in a Connect, default 32 (1ms).
	MinDeviceInterval uint16

	// MAC is the device's own hardware address.
	MAC [6]byte

	// StationName, IP, Netmask and Gateway seed the station identity;
	// persisted values, when present, take precedence at Init.
	StationName string
	IP          [4]byte
	Netmask     [4]byte
	Gateway     [4]byte

	// IfaceName is the network interface the raw transport binds to.
	IfaceName string

	// TickInterval is the period HandlePeriodic is called at,
	// default 1ms.
	TickInterval time.Duration

	// NumPorts is the number of physical ports plugged under the
	// device access point, default 1.
	NumPorts int

	// Arena capacities, fixed at Init.
	MaxARs       int
	MaxDiagItems int

	// Alarm retransmission tuning.
	RTATimeoutFactor uint16 // x 100ms
	RTARetries       int
	AlarmQueueDepth  int

	// Platform is the external collaborator bundle: transport,
	// persistence, addressing, clock and buffers.
	Platform platform.Platform

	// Callbacks is the application's capability record; nil behaviors
	// default to success / no-op.
	Callbacks Callbacks
}

// Valid applies the default for each unspecified value and
// range-checks the rest.
func (sf *Config) Valid() error {
	if sf == nil {
		return errors.New("invalid pointer")
	}
	if sf.ProductName == "" {
		sf.ProductName = "pnio device"
	}
	if sf.MinDeviceInterval == 0 {
		sf.MinDeviceInterval = 32
	}
	if sf.TickInterval == 0 {
		sf.TickInterval = time.Millisecond
	} else if sf.TickInterval < 250*time.Microsecond || sf.TickInterval > 128*time.Millisecond {
		return errors.New("TickInterval not in [250us, 128ms]")
	}
	if sf.NumPorts == 0 {
		sf.NumPorts = 1
	} else if sf.NumPorts < NumPortsMin || sf.NumPorts > NumPortsMax {
		return errors.New("NumPorts not in [1, 4]")
	}
	if sf.MaxARs == 0 {
		sf.MaxARs = 2
	} else if sf.MaxARs < 1 || sf.MaxARs > MaxARsLimit {
		return errors.New("MaxARs not in [1, 8]")
	}
	if sf.MaxDiagItems == 0 {
		sf.MaxDiagItems = 64
	} else if sf.MaxDiagItems < 1 {
		return errors.New("MaxDiagItems must be positive")
	}
	if sf.RTATimeoutFactor == 0 {
		sf.RTATimeoutFactor = 1
	} else if sf.RTATimeoutFactor < RTATimeoutFactorMin || sf.RTATimeoutFactor > RTATimeoutFactorMax {
		return errors.New("RTATimeoutFactor not in [1, 100]")
	}
	if sf.RTARetries == 0 {
		sf.RTARetries = RTARetriesMin
	} else if sf.RTARetries < RTARetriesMin || sf.RTARetries > RTARetriesMax {
		return errors.New("RTARetries not in [3, 15]")
	}
	if sf.AlarmQueueDepth == 0 {
		sf.AlarmQueueDepth = 3
	} else if sf.AlarmQueueDepth < 1 {
		return errors.New("AlarmQueueDepth must be positive")
	}
	sf.Callbacks.fill()
	return nil
}

// DefaultConfig returns a config with every tunable at its default;
// identity, MAC and Platform must still be filled in by the caller.
func DefaultConfig() Config {
	c := Config{
		MinDeviceInterval: 32,
		TickInterval:      time.Millisecond,
		NumPorts:          1,
		MaxARs:            2,
		MaxDiagItems:      64,
		RTATimeoutFactor:  1,
		RTARetries:        RTARetriesMin,
		AlarmQueueDepth:   3,
	}
	c.Callbacks.fill()
	return c
}

// Derived capacities. Each AR carries at most two IOCRs; sessions need
// one inbound and one device-originated slot per AR plus one spare for
// an implicit read.
func (sf *Config) maxTimers() int   { return 2*sf.MaxARs*2 + 2*sf.NumPorts + 16 }
func (sf *Config) maxFrameIDs() int { return 2*sf.MaxARs*2 + 6 }
func (sf *Config) maxSessions() int { return 2*sf.MaxARs + 1 }
