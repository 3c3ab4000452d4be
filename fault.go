// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnio

import (
	"fmt"

	"github.com/rob-gra/pnio/cmdev"
	"github.com/rob-gra/pnio/rpc"
)

// Fault is the structured 4-byte error value embedded in failure
// responses and delivered to the application on AR abort. It
// implements error so call sites can wrap it with fmt.Errorf("%w", ...)
// and recover it with errors.As.
type Fault struct {
	ErrorCode   byte // class, e.g. 0x81 generic, 0xCF RTA-error, 0xDB connect
	ErrorDecode byte // 0x80 read/write, 0x81 protocol, 0x82 manufacturer
	ErrorCode1  byte // component identifier, or read/write category
	ErrorCode2  byte // sub-code within the component
}

func (f Fault) Error() string {
	return fmt.Sprintf("pnio fault %02x/%02x/%02x/%02x",
		f.ErrorCode, f.ErrorDecode, f.ErrorCode1, f.ErrorCode2)
}

// RTA-protocol faults use component identifier 0xFD; sub-code 0x05 is
// the consumer data-hold timer expiring.
const (
	errCode2DHTExpired   byte = 0x05
	errCode2APMSTimeout  byte = 0x02
	errCode2AppRefused   byte = 0x08
	errCode2CtrlTimeout  byte = 0x0A
	errCode2ReleaseByAPI byte = 0x07
)

func faultFromRPC(t rpc.ErrorTuple) Fault {
	return Fault{t.ErrorCode, t.ErrorDecode, t.ErrorCode1, t.ErrorCode2}
}

func (f Fault) toRPC() rpc.ErrorTuple {
	return rpc.ErrorTuple{ErrorCode: f.ErrorCode, ErrorDecode: f.ErrorDecode, ErrorCode1: f.ErrorCode1, ErrorCode2: f.ErrorCode2}
}

func faultFromCMDEV(t cmdev.ErrorTuple) Fault {
	return Fault{t.ErrorCode, t.ErrorDecode, t.ErrorCode1, t.ErrorCode2}
}

func (f Fault) toCMDEV() cmdev.ErrorTuple {
	return cmdev.ErrorTuple{ErrorCode: f.ErrorCode, ErrorDecode: f.ErrorDecode, ErrorCode1: f.ErrorCode1, ErrorCode2: f.ErrorCode2}
}
