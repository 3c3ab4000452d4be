// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package plog provides the internal logging facility shared by every
// protocol-engine component: a pluggable provider behind an atomic
// enable bit, defaulting to a zerolog-backed provider so component
// logs carry structured fields (AREP, IOCR index, frame ID) instead
// of plain printf text.
package plog

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// LogProvider is the pluggable sink. Fields let callers attach
// structured key/value pairs without formatting them into the message.
type LogProvider interface {
	Critical(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Clog is the per-component logger handle. The zero value is usable and
// silent until SetLogProvider/LogMode are called.
type Clog struct {
	provider  LogProvider
	component string
	has       uint32
}

// NewLogger creates a logger for the named component ("ppm", "cmdev",
// "rpc", ...), backed by zerolog writing to stderr.
func NewLogger(component string) Clog {
	return Clog{
		provider:  zerologProvider{zerolog.New(os.Stderr).With().Timestamp().Str("component", component).Logger()},
		component: component,
	}
}

// LogMode enables or disables output. Disabled by default so a
// production device doesn't pay logging cost unless asked.
func (c *Clog) LogMode(enable bool) {
	if enable {
		atomic.StoreUint32(&c.has, 1)
	} else {
		atomic.StoreUint32(&c.has, 0)
	}
}

// SetLogProvider overrides the sink, e.g. to route into the
// application's own logging pipeline.
func (c *Clog) SetLogProvider(p LogProvider) {
	if p != nil {
		c.provider = p
	}
}

func (c Clog) Critical(msg string, fields map[string]interface{}) {
	if atomic.LoadUint32(&c.has) == 1 {
		c.provider.Critical(msg, fields)
	}
}

func (c Clog) Error(msg string, fields map[string]interface{}) {
	if atomic.LoadUint32(&c.has) == 1 {
		c.provider.Error(msg, fields)
	}
}

func (c Clog) Warn(msg string, fields map[string]interface{}) {
	if atomic.LoadUint32(&c.has) == 1 {
		c.provider.Warn(msg, fields)
	}
}

func (c Clog) Debug(msg string, fields map[string]interface{}) {
	if atomic.LoadUint32(&c.has) == 1 {
		c.provider.Debug(msg, fields)
	}
}

type zerologProvider struct {
	logger zerolog.Logger
}

func (z zerologProvider) event(e *zerolog.Event, msg string, fields map[string]interface{}) {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

func (z zerologProvider) Critical(msg string, fields map[string]interface{}) {
	z.event(z.logger.Error(), msg, fields)
}
func (z zerologProvider) Error(msg string, fields map[string]interface{}) {
	z.event(z.logger.Error(), msg, fields)
}
func (z zerologProvider) Warn(msg string, fields map[string]interface{}) {
	z.event(z.logger.Warn(), msg, fields)
}
func (z zerologProvider) Debug(msg string, fields map[string]interface{}) {
	z.event(z.logger.Debug(), msg, fields)
}
