// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Command pnio-demo runs a minimal field device with one digital input
// submodule: it answers discovery, accepts a controller connection and
// publishes a counter byte as cyclic input data. A GPIO pin, when
// configured, mirrors the signal-LED indication; a serial port, when
// configured, echoes lifecycle transitions for a bench harness.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goserial "github.com/daedaluz/goserial"
	"github.com/spf13/pflag"

	"github.com/rob-gra/pnio"
	"github.com/rob-gra/pnio/ident"
	"github.com/rob-gra/pnio/platform"
	"github.com/rob-gra/pnio/platform/diskfiles"
	"github.com/rob-gra/pnio/platform/gpio"
	"github.com/rob-gra/pnio/platform/linuxnet"
	"github.com/rob-gra/pnio/platform/serial"
)

func main() {
	iface := pflag.StringP("interface", "i", "eth0", "network interface to bind")
	stationName := pflag.StringP("name", "n", "", "initial station name (empty: wait for DCP set)")
	fileDir := pflag.StringP("dir", "d", "/var/lib/pnio-demo", "directory for persisted state")
	ledPin := pflag.String("led-pin", "", "GPIO pin for the signal LED (e.g. GPIO17)")
	debugPort := pflag.String("debug-port", "", "serial port echoing state transitions (e.g. /dev/ttyUSB0)")
	verbose := pflag.BoolP("verbose", "v", false, "enable engine debug logging")
	pflag.Parse()

	var sink *serial.Sink
	if *debugPort != "" {
		s, err := serial.Open(*debugPort, goserial.B115200)
		if err != nil {
			fmt.Fprintf(os.Stderr, "debug port: %v\n", err)
			os.Exit(1)
		}
		sink = s
		defer sink.Close()
	}

	var led *gpio.Indicator
	if *ledPin != "" {
		l, err := gpio.Open(*ledPin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "led: %v\n", err)
			os.Exit(1)
		}
		led = l
	}

	mac, err := macOf(*iface)
	if err != nil {
		fmt.Fprintf(os.Stderr, "interface %s: %v\n", *iface, err)
		os.Exit(1)
	}

	cfg := pnio.DefaultConfig()
	cfg.VendorID = 0x0493
	cfg.DeviceID = 0x0001
	cfg.ProductName = "pnio-demo"
	cfg.MAC = mac
	cfg.StationName = *stationName
	cfg.IfaceName = *iface
	cfg.Platform = platform.Platform{
		Ethernet: &linuxnet.Opener{IfaceName: *iface},
		UDP:      linuxnet.UDPOpener{},
		Files:    diskfiles.New(*fileDir),
	}
	cfg.Callbacks = pnio.Callbacks{
		State: func(arep pnio.AREP, ev pnio.StateEvent, fault *pnio.Fault) error {
			sink.Logf("ar %d: %s", arep, ev)
			if fault != nil {
				sink.Logf("ar %d: %v", arep, fault)
			}
			return nil
		},
		SignalLED: func(on bool) error {
			if led == nil {
				return nil
			}
			if on {
				return led.Set(gpio.PatternOn)
			}
			return led.Set(gpio.PatternOff)
		},
	}

	dev, err := pnio.Init(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	dev.LogMode(*verbose)
	defer dev.Close()

	// One counter-byte input submodule at slot 1, subslot 1.
	if err := dev.PlugModule(0, 1); err != nil {
		fmt.Fprintf(os.Stderr, "plug: %v\n", err)
		os.Exit(1)
	}
	if err := dev.PlugSubmodule(0, 1, 1, 0x00000101, ident.DirInput, 1, 0); err != nil {
		fmt.Fprintf(os.Stderr, "plug: %v\n", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	tick := time.NewTicker(cfg.TickInterval)
	defer tick.Stop()
	sink.Logf("device up, station name %q", dev.StationName())
	for {
		select {
		case <-tick.C:
			dev.HandlePeriodic()
		case <-stop:
			return
		}
	}
}

func macOf(iface string) ([6]byte, error) {
	var mac [6]byte
	hw, err := linuxnet.HardwareAddr(iface)
	if err != nil {
		return mac, err
	}
	copy(mac[:], hw)
	return mac, nil
}
