// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnio

import (
	"github.com/rob-gra/pnio/alarm"
	"github.com/rob-gra/pnio/cmdev"
	"github.com/rob-gra/pnio/cpm"
	"github.com/rob-gra/pnio/diag"
	"github.com/rob-gra/pnio/ident"
	"github.com/rob-gra/pnio/internal/snapshot"
	"github.com/rob-gra/pnio/ppm"
	"github.com/rob-gra/pnio/rpc"
	"github.com/rob-gra/pnio/wire"
)

// Record indices served internally for the diagnosis list.
const (
	IndexDiagFault uint16 = 0x800A // fault-standard records of one subslot
	IndexDiagAll   uint16 = 0x800C // every record of one subslot
)

// ---- Connect ----

func (d *Device) onConnect(h rpc.Header, body []byte) ([]byte, *rpc.ErrorTuple) {
	req, err := parseConnect(body)
	if err != nil {
		return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeConnect, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMRPC, ErrorCode2: 0x01}
	}
	for _, io := range req.iocrs {
		if io.sendClockFactor < d.cfg.MinDeviceInterval {
			return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeConnect, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMRPC, ErrorCode2: 0x02}
		}
		if io.reductionRatio == 0 || io.dataHoldFactor == 0 {
			return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeConnect, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMRPC, ErrorCode2: 0x03}
		}
	}

	a := d.allocAR()
	if a == nil {
		return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeConnect, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: 0x04}
	}
	a.peerMAC = req.ar.peerMAC
	a.arUUID = req.ar.arUUID
	a.sessionKey = req.ar.sessionKey
	a.activityUUID = ccontrolUUID(req.ar.arUUID)
	a.inputSet = make(map[descKey]bool)
	d.peerMu.Lock()
	a.peerIP, a.peerPort = d.peerIP, d.peerPort
	d.peerMu.Unlock()

	a.cm = cmdev.New(d.stateAdapter(a), func() { d.teardownAR(a) })

	if ft := d.installExpected(a, req.expected); ft != nil {
		d.vacateAR(a)
		return nil, ft
	}
	if ft := d.installIOCRs(a, req.iocrs); ft != nil {
		d.vacateAR(a)
		return nil, ft
	}
	d.installAlarmCR(a, req.alarmCR)

	if err := a.cm.OnConnect(); err != nil {
		return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeConnect, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: errCode2AppRefused}
	}
	if err := d.cfg.Callbacks.Connect(a.arep); err != nil {
		d.abortAR(a, Fault{ErrorCode: rpc.ErrCodeConnect, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: errCode2AppRefused})
		return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeConnect, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: errCode2AppRefused}
	}
	_ = a.cm.OnApplicationAccept()
	_ = a.cm.OnStartupConfirmed()
	_ = a.cm.OnConfirm()

	diff := d.tree(0).Diff()
	d.clog.Debug("connect accepted", map[string]interface{}{"arep": a.arep, "iocrs": len(a.iocrs)})
	return buildConnectResponse(a, d.cfg.MAC, diff), nil
}

// ccontrolUUID derives the activity UUID for the device-originated
// control request from the AR UUID, so the controller's response can
// be matched back without extra bookkeeping.
func ccontrolUUID(u wire.UUID) [16]byte {
	var out [16]byte
	out[0] = byte(u.Data1>>24) ^ 0xFF
	out[1] = byte(u.Data1 >> 16)
	out[2] = byte(u.Data1 >> 8)
	out[3] = byte(u.Data1)
	out[4] = byte(u.Data2 >> 8)
	out[5] = byte(u.Data2)
	out[6] = byte(u.Data3 >> 8)
	out[7] = byte(u.Data3)
	copy(out[8:], u.Node[:])
	return out
}

func (d *Device) allocAR() *ar {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.ars {
		if !d.ars[i].inUse {
			d.ars[i] = ar{inUse: true, arep: AREP(i + 1)}
			return &d.ars[i]
		}
	}
	return nil
}

func (d *Device) vacateAR(a *ar) {
	d.mu.Lock()
	defer d.mu.Unlock()
	*a = ar{}
}

// installExpected stores the controller's expected inventory, invites
// the application to plug missing submodules, and claims ownership of
// the matched ones.
func (d *Device) installExpected(a *ar, exp []expSubmodule) *rpc.ErrorTuple {
	for _, e := range exp {
		t := d.tree(e.api)
		t.SetExpected(e.slot, e.subslot, e.submoduleIdent)
		if _, plugged := t.Lookup(e.slot, e.subslot); !plugged {
			if err := d.cfg.Callbacks.ExpModule(e.api, e.slot, e.moduleIdent); err != nil {
				return &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeConnect, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: errCode2AppRefused}
			}
			if err := d.cfg.Callbacks.ExpSubmodule(e.api, e.slot, e.subslot, e.submoduleIdent); err != nil {
				return &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeConnect, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: errCode2AppRefused}
			}
		}
		if _, plugged := t.Lookup(e.slot, e.subslot); plugged {
			_ = t.SetOwner(e.slot, e.subslot, ident.AREP(a.arep), ident.OwnerControllerOwned)
		}
	}
	return nil
}

func (d *Device) installIOCRs(a *ar, reqs []connIOCRBlock) *rpc.ErrorTuple {
	for i := range reqs {
		io := reqs[i]
		c := &iocr{
			kind:            io.kind,
			ref:             io.ref,
			frameID:         io.frameID,
			sendClockFactor: io.sendClockFactor,
			reductionRatio:  io.reductionRatio,
			dataHoldFactor:  io.dataHoldFactor,
			frameSize:       int(io.dataLength) + 4,
			descs:           io.descs,
			iocs:            io.iocs,
		}
		switch io.kind {
		case iocrInput:
			c.ppm = ppm.New(ppm.Config{
				Scheduler:       d.sched,
				Sender:          &ethTransport{d: d},
				SendClockFactor: io.sendClockFactor,
				ReductionRatio:  io.reductionRatio,
				DestMAC:         a.peerMAC,
				SrcMAC:          d.cfg.MAC,
				VLANPriority:    VLANPriorityCyclic,
				UseVLAN:         true,
				FrameID:         io.frameID,
				FrameSize:       c.frameSize,
			})
		case iocrOutput:
			window := uint32(io.dataHoldFactor) * uint32(io.sendClockFactor) * uint32(io.reductionRatio)
			if window > 0x7FFF {
				window = 0x7FFF
			}
			periodUS := uint64(io.sendClockFactor) * uint64(io.reductionRatio) * sendClockNS / 1000
			target := a
			c.cpm = cpm.New(cpm.Config{
				Scheduler:      d.sched,
				PeerMAC:        a.peerMAC,
				FrameIDs:       [2]uint16{io.frameID, 0},
				NumFrameIDs:    1,
				MinPayloadLen:  c.frameSize,
				Window:         uint16(window),
				DataHoldFactor: io.dataHoldFactor,
				PeriodUS:       periodUS,
				FrameSize:      c.frameSize,
				OnAbort: func() {
					d.abortAR(target, Fault{ErrorCode: rpc.ErrCodeRTA, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompRTAProtocol, ErrorCode2: errCode2DHTExpired})
				},
			})
			reg, err := d.demux.Register(io.frameID, d.onCyclicFrame, a)
			if err != nil {
				return &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeConnect, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMRPC, ErrorCode2: 0x05}
			}
			c.demuxReg = reg
			c.hasDemuxReg = true
		default:
			return &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeConnect, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMRPC, ErrorCode2: 0x06}
		}
		a.iocrs = append(a.iocrs, c)
	}
	return nil
}

func (d *Device) installAlarmCR(a *ar, acr *connAlarmCRBlock) {
	if acr == nil {
		return
	}
	a.alarmRef = 0x0100 + uint16(a.arep)
	a.peerAlarmRef = acr.peerAlarmRef
	a.maxAlarmLen = int(acr.maxAlarmLen)
	if a.maxAlarmLen < AlarmPayloadMin {
		a.maxAlarmLen = AlarmPayloadMin
	}
	if a.maxAlarmLen > AlarmPayloadMax {
		a.maxAlarmLen = AlarmPayloadMax
	}
	rtaFactor := acr.rtaTimeoutFactor
	if rtaFactor == 0 {
		rtaFactor = d.cfg.RTATimeoutFactor
	}
	retries := int(acr.rtaRetries)
	if retries < RTARetriesMin || retries > RTARetriesMax {
		retries = d.cfg.RTARetries
	}
	target := a
	sender := &alarmSender{d: d, peerMAC: a.peerMAC}
	for _, prio := range []alarm.Priority{alarm.PriorityLow, alarm.PriorityHigh} {
		a.lanes[prio] = alarm.New(alarm.Config{
			Priority:         prio,
			Scheduler:        d.sched,
			Sender:           sender,
			SrcRef:           a.alarmRef,
			DstRef:           acr.peerAlarmRef,
			RTATimeoutFactor: rtaFactor,
			RTARetries:       retries,
			QueueCapacity:    d.cfg.AlarmQueueDepth,
			OnConfirm: func(err error) {
				d.cfg.Callbacks.AlarmCnf(target.arep, err)
			},
			OnAck: func(n alarm.Notification) error {
				err := d.cfg.Callbacks.AlarmInd(target.arep, n)
				if _, deferred := err.(alarm.ErrDeferAck); err != nil && !deferred {
					d.abortAR(target, Fault{ErrorCode: rpc.ErrCodeAlarmAck, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: errCode2AppRefused})
				}
				return err
			},
			OnAbort: func(err error) {
				d.abortAR(target, Fault{ErrorCode: rpc.ErrCodeRTA, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompAPMS, ErrorCode2: errCode2APMSTimeout})
			},
		})
	}
}

func (d *Device) stateAdapter(a *ar) cmdev.StateCallback {
	return func(ev cmdev.CallbackEvent, ft *cmdev.ErrorTuple) error {
		var sev StateEvent
		switch ev {
		case cmdev.EventStartup:
			sev = StateStartup
		case cmdev.EventPrmEnd:
			sev = StatePrmEnd
		case cmdev.EventApplRdy:
			sev = StateApplRdy
		case cmdev.EventData:
			sev = StateData
		case cmdev.EventAbort:
			sev = StateAbort
		}
		var pf *Fault
		if a.fault != nil {
			pf = a.fault
		} else if ft != nil {
			f := faultFromCMDEV(*ft)
			pf = &f
		}
		return d.cfg.Callbacks.State(a.arep, sev, pf)
	}
}

// abortAR records the cause and drives the lifecycle machine to ABORT,
// which in turn runs teardownAR and the application's state callback.
func (d *Device) abortAR(a *ar, f Fault) {
	if a == nil || !a.inUse {
		return
	}
	a.fault = &f
	d.clog.Warn("ar abort", map[string]interface{}{"arep": a.arep, "fault": f.Error()})
	a.cm.Abort(f.toCMDEV())
}

// teardownAR cancels every subordinate machine and vacates the AR
// slot. Runs inside cmdev.Abort, before the application's abort
// callback.
func (d *Device) teardownAR(a *ar) {
	for _, c := range a.iocrs {
		if c.ppm != nil {
			c.ppm.Deactivate()
		}
		if c.cpm != nil {
			c.cpm.Deactivate()
		}
		if c.hasDemuxReg {
			d.demux.Deregister(c.demuxReg)
			c.hasDemuxReg = false
		}
	}
	d.mu.Lock()
	for _, t := range d.trees {
		t.ClearExpected()
	}
	d.mu.Unlock()
	d.releaseOwnership(a)

	d.mu.Lock()
	i := int(a.arep) - 1
	if i >= 0 && i < len(d.ars) {
		d.ars[i].inUse = false
	}
	d.mu.Unlock()
}

func (d *Device) releaseOwnership(a *ar) {
	// Ownership release walks every tree the AR might have claimed in.
	d.mu.Lock()
	trees := make([]*ident.Tree, 0, len(d.trees))
	for _, t := range d.trees {
		trees = append(trees, t)
	}
	d.mu.Unlock()
	for _, t := range trees {
		t.ReleaseOwner(ident.AREP(a.arep))
	}
}

// ---- Control / Release ----

func (d *Device) onControl(h rpc.Header, body []byte) ([]byte, *rpc.ErrorTuple) {
	b, err := parseControl(body)
	if err != nil {
		return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeControl, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMRPC, ErrorCode2: 0x01}
	}
	a := d.lookupARByUUID(b.arUUID)
	if a == nil {
		return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeControl, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: 0x02}
	}
	if b.command&controlPrmEnd != 0 {
		if err := d.cfg.Callbacks.DControl(a.arep); err != nil {
			d.abortAR(a, Fault{ErrorCode: rpc.ErrCodeControl, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: errCode2AppRefused})
			return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeControl, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: errCode2AppRefused}
		}
		if err := a.cm.OnParamEnd(); err != nil {
			return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeControl, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: 0x03}
		}
	}
	return buildControl(wire.BlockIODControlRes, b.arUUID, b.sessionKey, b.command|controlDone), nil
}

func (d *Device) onRelease(h rpc.Header, body []byte) ([]byte, *rpc.ErrorTuple) {
	b, err := parseRelease(body)
	if err != nil {
		return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeRelease, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMRPC, ErrorCode2: 0x01}
	}
	a := d.lookupARByUUID(b.arUUID)
	if a == nil {
		return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeRelease, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: 0x02}
	}
	_ = d.cfg.Callbacks.Release(a.arep)
	d.abortAR(a, Fault{ErrorCode: rpc.ErrCodeRelease, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: errCode2ReleaseByAPI})
	return buildReleaseResponse(b.arUUID, b.sessionKey), nil
}

// ---- Read / Write records ----

func (d *Device) onRead(h rpc.Header, body []byte) ([]byte, *rpc.ErrorTuple) {
	r, _, err := parseRecordHeader(body, wire.BlockIODReadReqHeader)
	if err != nil {
		return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeRead, ErrorDecode: rpc.ErrDecodeReadWrite, ErrorCode1: 0xB0, ErrorCode2: 0x01}
	}
	var arep AREP
	if a := d.lookupARByUUID(r.arUUID); a != nil {
		arep = a.arep
	}

	if data, ok := d.im.readRecord(r.index); ok {
		return buildRecordResponse(wire.BlockIODReadResHeader, r, data), nil
	}
	if data, ok := d.ports.readRecord(r.subslot, r.index); ok {
		return buildRecordResponse(wire.BlockIODReadResHeader, r, data), nil
	}
	switch r.index {
	case IndexDiagFault, IndexDiagAll:
		filter := diag.FilterAll
		if r.index == IndexDiagFault {
			filter = diag.FilterFaultStandard
		}
		items := d.diag.Traverse(diag.SubslotKey{API: r.api, Slot: r.slot, Subslot: r.subslot}, filter)
		return buildRecordResponse(wire.BlockIODReadResHeader, r, encodeDiagItems(items)), nil
	}

	data, rerr := d.cfg.Callbacks.Read(arep, r.api, r.slot, r.subslot, r.index)
	if rerr != nil {
		d.abortAR(d.lookupARByUUID(r.arUUID), Fault{ErrorCode: rpc.ErrCodeRead, ErrorDecode: rpc.ErrDecodeReadWrite, ErrorCode1: 0xB0, ErrorCode2: 0x00})
		return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeRead, ErrorDecode: rpc.ErrDecodeReadWrite, ErrorCode1: 0xB0, ErrorCode2: 0x00}
	}
	return buildRecordResponse(wire.BlockIODReadResHeader, r, data), nil
}

func (d *Device) onWrite(h rpc.Header, body []byte) ([]byte, *rpc.ErrorTuple) {
	r, data, err := parseRecordHeader(body, wire.BlockIODWriteReqHeader)
	if err != nil {
		return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeWrite, ErrorDecode: rpc.ErrDecodeReadWrite, ErrorCode1: 0xB1, ErrorCode2: 0x01}
	}
	if int(r.length) < len(data) {
		data = data[:r.length]
	}
	var arep AREP
	if a := d.lookupARByUUID(r.arUUID); a != nil {
		arep = a.arep
	}

	if ok, werr := d.im.writeRecord(r.index, data); ok {
		if werr != nil {
			return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeWrite, ErrorDecode: rpc.ErrDecodeReadWrite, ErrorCode1: 0xB1, ErrorCode2: 0x02}
		}
		return buildRecordResponse(wire.BlockIODWriteResHeader, r, nil), nil
	}
	if ok := d.ports.writeRecord(r.subslot, r.index, data); ok {
		return buildRecordResponse(wire.BlockIODWriteResHeader, r, nil), nil
	}
	if werr := d.cfg.Callbacks.Write(arep, r.api, r.slot, r.subslot, r.index, data); werr != nil {
		d.abortAR(d.lookupARByUUID(r.arUUID), Fault{ErrorCode: rpc.ErrCodeWrite, ErrorDecode: rpc.ErrDecodeReadWrite, ErrorCode1: 0xB1, ErrorCode2: 0x00})
		return nil, &rpc.ErrorTuple{ErrorCode: rpc.ErrCodeWrite, ErrorDecode: rpc.ErrDecodeReadWrite, ErrorCode1: 0xB1, ErrorCode2: 0x00}
	}
	return buildRecordResponse(wire.BlockIODWriteResHeader, r, nil), nil
}

// ---- diagnosis wire shapes ----

// usiStandard is the discriminator for the standard layout inside
// diagnosis alarm payloads and read responses; manufacturer payloads
// use their own USI in [0, 0x7FFF].
const usiStandard uint16 = 0x8000

func encodeDiagItem(e *wire.Encoder, it diag.Item) {
	if it.Kind == diag.KindStandard {
		s := it.Standard
		e.PutU16(usiStandard)
		e.PutU16(s.Channel)
		e.PutU16(diag.PackChannelProperties(s.Properties))
		e.PutU16(s.ErrorType)
		e.PutU16(s.ExtErrorType)
		e.PutU32(s.ExtValue)
		e.PutU32(s.Qualifier)
		return
	}
	e.PutU16(it.USI.USI)
	e.PutU16(uint16(len(it.USI.Bytes)))
	e.PutBytes(it.USI.Bytes)
}

func encodeDiagItems(items []diag.Item) []byte {
	e := wire.NewEncoder(nil)
	pos := e.PutHeader(wire.BlockDiagnosisData, wire.DefaultVersion)
	e.PutU16(uint16(len(items)))
	for _, it := range items {
		encodeDiagItem(e, it)
	}
	e.PatchLength(pos)
	return e.Bytes()
}

// emitDiagAlarm sends one diagnosis alarm on the low lane of the AR
// owning the subslot; subslots without a controller owner change
// silently.
func (d *Device) emitDiagAlarm(key diag.SubslotKey, it diag.Item) {
	sub, ok := d.tree(key.API).Lookup(key.Slot, key.Subslot)
	if !ok || sub.Owner == ident.NoAREP {
		return
	}
	a := d.lookupAR(AREP(sub.Owner))
	if a == nil || a.lanes[alarm.PriorityLow] == nil {
		return
	}
	e := wire.NewEncoder(nil)
	encodeDiagItem(e, it)
	payload := e.Bytes()
	if a.maxAlarmLen > 0 && len(payload) > a.maxAlarmLen {
		payload = payload[:a.maxAlarmLen]
	}
	err := a.lanes[alarm.PriorityLow].Enqueue(alarm.Notification{
		API:     key.API,
		Slot:    uint32(key.Slot),
		Subslot: uint32(key.Subslot),
		USI:     alarm.USIDiagnosis,
		Payload: payload,
	})
	if err != nil {
		d.clog.Warn("diagnosis alarm dropped", map[string]interface{}{"arep": a.arep, "err": err.Error()})
	}
}

// ---- diagnosis snapshot persistence ----

func (d *Device) saveDiagSnapshot() {
	files := d.cfg.Platform.Files
	if files == nil {
		return
	}
	var s snapshot.Snapshot
	for _, ki := range d.diag.Dump() {
		if ki.Item.Kind == diag.KindStandard {
			st := ki.Item.Standard
			s.Standard = append(s.Standard, snapshot.StandardRecord{
				API: ki.Key.API, Slot: uint32(ki.Key.Slot), Subslot: uint32(ki.Key.Subslot),
				Channel: st.Channel, ErrorType: st.ErrorType, ExtErrorType: st.ExtErrorType,
				ExtValue: st.ExtValue, Qualifier: st.Qualifier,
			})
			continue
		}
		s.USI = append(s.USI, snapshot.USIRecord{
			API: ki.Key.API, Slot: uint32(ki.Key.Slot), Subslot: uint32(ki.Key.Subslot),
			USI: ki.Item.USI.USI, Bytes: ki.Item.USI.Bytes,
		})
	}
	if b, err := snapshot.Encode(s); err == nil {
		_ = files.Save(diagFileName, b)
	}
}

func (d *Device) loadDiagSnapshot() {
	files := d.cfg.Platform.Files
	if files == nil {
		return
	}
	b, err := files.Load(diagFileName)
	if err != nil || len(b) == 0 {
		return
	}
	s, err := snapshot.Decode(b)
	if err != nil {
		return
	}
	for _, r := range s.Standard {
		key := diag.SubslotKey{API: r.API, Slot: uint16(r.Slot), Subslot: uint16(r.Subslot)}
		_, _ = d.diag.AddStandard(key, diag.Standard{
			Channel: r.Channel, ErrorType: r.ErrorType, ExtErrorType: r.ExtErrorType,
			ExtValue: r.ExtValue, Qualifier: r.Qualifier,
		})
	}
	for _, r := range s.USI {
		key := diag.SubslotKey{API: r.API, Slot: uint16(r.Slot), Subslot: uint16(r.Subslot)}
		_, _ = d.diag.AddUSI(key, diag.USI{USI: r.USI, Bytes: r.Bytes})
	}
}
