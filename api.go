// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package pnio

import (
	"github.com/rob-gra/pnio/alarm"
	"github.com/rob-gra/pnio/diag"
	"github.com/rob-gra/pnio/discovery"
	"github.com/rob-gra/pnio/ident"
	"github.com/rob-gra/pnio/ppm"
	"github.com/rob-gra/pnio/rpc"
	"github.com/rob-gra/pnio/wire"
)

// ---- plug / pull ----

// PlugModule reserves a slot for submodules.
func (d *Device) PlugModule(api uint32, slot uint16) error {
	return d.tree(api).PlugModule(slot)
}

// PlugSubmodule adds one submodule to the real inventory. Direction
// and sizes are fixed until the submodule is pulled.
func (d *Device) PlugSubmodule(api uint32, slot, subslot uint16, identNumber uint32, dir ident.Direction, inputSize, outputSize int) error {
	return d.tree(api).PlugSubmodule(slot, subslot, identNumber, dir, inputSize, outputSize)
}

// PullSubmodule removes one submodule.
func (d *Device) PullSubmodule(api uint32, slot, subslot uint16) error {
	return d.tree(api).PullSubmodule(slot, subslot)
}

// PullModule pulls every submodule in the slot, then the slot itself.
func (d *Device) PullModule(api uint32, slot uint16) {
	d.tree(api).PullModule(slot)
}

// ---- cyclic data plane ----

// InputSetDataAndIOPS writes the outgoing process data and provider
// status for one input submodule.
func (d *Device) InputSetDataAndIOPS(arep AREP, api uint32, slot, subslot uint16, data []byte, iops byte) error {
	a := d.lookupAR(arep)
	if a == nil {
		return ErrNoSuchAR{arep}
	}
	p := a.provider()
	if p == nil {
		return ErrNoSuchSubslot{}
	}
	desc, ok := p.findDesc(api, slot, subslot)
	if !ok {
		return ErrNoSuchSubslot{}
	}
	if len(data) > desc.dataLen {
		data = data[:desc.dataLen]
	}
	p.ppm.WriteDataAndIOPS(ppm.IODataDesc{
		DataOffset: desc.dataOffset,
		DataLen:    desc.dataLen,
		IOPSOffset: desc.iopsOffset,
	}, data, iops)
	d.mu.Lock()
	a.inputSet[descKey{api, slot, subslot}] = true
	d.mu.Unlock()
	return nil
}

// InputGetIOCS reads the consumer status the controller reported for
// one input submodule.
func (d *Device) InputGetIOCS(arep AREP, api uint32, slot, subslot uint16) (byte, error) {
	a := d.lookupAR(arep)
	if a == nil {
		return 0, ErrNoSuchAR{arep}
	}
	c := a.consumer()
	if c == nil {
		return 0, ErrNoSuchSubslot{}
	}
	cs, ok := c.findIOCS(api, slot, subslot)
	if !ok {
		return 0, ErrNoSuchSubslot{}
	}
	b, _ := c.cpm.GetDataAndIOPS(cs.iocsOffset, 1)
	if len(b) != 1 {
		return 0, ErrNoSuchSubslot{}
	}
	return b[0], nil
}

// OutputGetDataAndIOPS reads the latest received process data and
// provider status for one output submodule, plus a flag reporting
// whether a new frame arrived since the previous call.
func (d *Device) OutputGetDataAndIOPS(arep AREP, api uint32, slot, subslot uint16) (data []byte, iops byte, isNew bool, err error) {
	a := d.lookupAR(arep)
	if a == nil {
		return nil, 0, false, ErrNoSuchAR{arep}
	}
	c := a.consumer()
	if c == nil {
		return nil, 0, false, ErrNoSuchSubslot{}
	}
	desc, ok := c.findDesc(api, slot, subslot)
	if !ok {
		return nil, 0, false, ErrNoSuchSubslot{}
	}
	data, isNew = c.cpm.GetDataAndIOPS(desc.dataOffset, desc.dataLen)
	st, _ := c.cpm.GetDataAndIOPS(desc.iopsOffset, 1)
	if len(st) == 1 {
		iops = st[0]
	}
	return data, iops, isNew, nil
}

// OutputSetIOCS writes the consumer status this device reports for one
// output submodule into the outgoing cyclic frame.
func (d *Device) OutputSetIOCS(arep AREP, api uint32, slot, subslot uint16, iocs byte) error {
	a := d.lookupAR(arep)
	if a == nil {
		return ErrNoSuchAR{arep}
	}
	p := a.provider()
	if p == nil {
		return ErrNoSuchSubslot{}
	}
	cs, ok := p.findIOCS(api, slot, subslot)
	if !ok {
		return ErrNoSuchSubslot{}
	}
	p.ppm.WriteIOCS(cs.iocsOffset, iocs)
	return nil
}

// ---- lifecycle ----

// ApplicationReady reports parameterization done. All input submodules
// must have had data and IOPS set at least once; otherwise
// cmdev.ErrNotAllReady is returned and the call may be retried. On
// success the device emits its application-ready request to the
// controller and arms the cyclic machines.
func (d *Device) ApplicationReady(arep AREP) error {
	a := d.lookupAR(arep)
	if a == nil {
		return ErrNoSuchAR{arep}
	}
	if err := a.cm.ApplicationReady(a.allInputsSet()); err != nil {
		return err
	}

	target := a
	body := buildControl(wire.BlockIODControlReq, a.arUUID, a.sessionKey, controlApplicationReady)
	d.peerMu.Lock()
	d.peerIP, d.peerPort = a.peerIP, a.peerPort
	d.peerMu.Unlock()
	d.disp.DeviceOriginatedSend(a.activityUUID, rpc.OpnumControl, body, func() {
		d.abortAR(target, Fault{ErrorCode: rpc.ErrCodeControl, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMRPC, ErrorCode2: errCode2CtrlTimeout})
	})
	_ = a.cm.OnApplicationReadySent()

	if p := a.provider(); p != nil {
		d.mu.Lock()
		ds := d.dataStatus
		d.mu.Unlock()
		p.ppm.SetDataStatus(ds)
		p.ppm.Activate()
	}
	if c := a.consumer(); c != nil {
		c.cpm.Activate()
	}
	return nil
}

// ARAbort aborts one AR on the application's initiative.
func (d *Device) ARAbort(arep AREP) error {
	a := d.lookupAR(arep)
	if a == nil {
		return ErrNoSuchAR{arep}
	}
	d.abortAR(a, Fault{ErrorCode: rpc.ErrCodeGeneric, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: errCode2ReleaseByAPI})
	return nil
}

// FactoryReset erases persisted state, clears the station name, aborts
// active ARs and drops the device back to setup.
func (d *Device) FactoryReset() error {
	return d.dcp.FactoryReset(discovery.ResetFull)
}

// ---- alarms ----

// AlarmSendProcessAlarm emits one process alarm on the high-priority
// lane. Returns alarm.ErrBusy while a prior alarm on the lane awaits
// its ACK; the application retries later.
func (d *Device) AlarmSendProcessAlarm(arep AREP, api uint32, slot, subslot uint16, usi uint16, payload []byte) error {
	a := d.lookupAR(arep)
	if a == nil {
		return ErrNoSuchAR{arep}
	}
	l := a.lanes[alarm.PriorityHigh]
	if l == nil {
		return ErrNoSuchSubslot{}
	}
	if a.maxAlarmLen > 0 && len(payload) > a.maxAlarmLen {
		payload = payload[:a.maxAlarmLen]
	}
	return l.Send(alarm.Notification{
		API:     api,
		Slot:    uint32(slot),
		Subslot: uint32(subslot),
		USI:     alarm.USI(usi),
		Payload: payload,
	})
}

// AlarmSendAck releases the ACK for an inbound alarm the application
// deferred by returning alarm.ErrDeferAck from its AlarmInd callback.
func (d *Device) AlarmSendAck(arep AREP) error {
	a := d.lookupAR(arep)
	if a == nil {
		return ErrNoSuchAR{arep}
	}
	for _, l := range a.lanes {
		if l != nil {
			l.AckPending()
		}
	}
	d.cfg.Callbacks.AlarmAckCnf(arep, nil)
	return nil
}

// ---- diagnosis ----

// DiagStdAdd upserts a standard diagnosis record and emits the
// corresponding diagnosis alarm on the owning AR.
func (d *Device) DiagStdAdd(api uint32, slot, subslot, channel uint16, props diag.ChannelProperties, errorType, extErrorType uint16, extValue, qualifier uint32) error {
	key := diag.SubslotKey{API: api, Slot: slot, Subslot: subslot}
	rec := diag.Standard{
		Channel: channel, Properties: props,
		ErrorType: errorType, ExtErrorType: extErrorType,
		ExtValue: extValue, Qualifier: qualifier,
	}
	if _, err := d.diag.AddStandard(key, rec); err != nil {
		return err
	}
	d.saveDiagSnapshot()
	d.emitDiagAlarm(key, diag.Item{Kind: diag.KindStandard, Standard: rec})
	return nil
}

// DiagStdUpdate updates an existing record; absent records are
// refused.
func (d *Device) DiagStdUpdate(api uint32, slot, subslot, channel uint16, props diag.ChannelProperties, errorType, extErrorType uint16, extValue, qualifier uint32) error {
	key := diag.SubslotKey{API: api, Slot: slot, Subslot: subslot}
	rec := diag.Standard{
		Channel: channel, Properties: props,
		ErrorType: errorType, ExtErrorType: extErrorType,
		ExtValue: extValue, Qualifier: qualifier,
	}
	if err := d.diag.UpdateStandard(key, rec); err != nil {
		return err
	}
	d.saveDiagSnapshot()
	d.emitDiagAlarm(key, diag.Item{Kind: diag.KindStandard, Standard: rec})
	return nil
}

// DiagStdRemove removes a record and emits a disappearing diagnosis
// alarm.
func (d *Device) DiagStdRemove(api uint32, slot, subslot, channel, errorType, extErrorType uint16) error {
	key := diag.SubslotKey{API: api, Slot: slot, Subslot: subslot}
	if err := d.diag.RemoveStandard(key, channel, errorType, extErrorType); err != nil {
		return err
	}
	d.saveDiagSnapshot()
	d.emitDiagAlarm(key, diag.Item{Kind: diag.KindStandard, Standard: diag.Standard{
		Channel: channel, ErrorType: errorType, ExtErrorType: extErrorType,
		Properties: diag.ChannelProperties{Specifier: diag.AppearanceDisappears},
	}})
	return nil
}

// DiagUSIAdd upserts a manufacturer diagnosis record keyed by USI.
func (d *Device) DiagUSIAdd(api uint32, slot, subslot, usi uint16, data []byte) error {
	key := diag.SubslotKey{API: api, Slot: slot, Subslot: subslot}
	rec := diag.USI{USI: usi, Bytes: data}
	if _, err := d.diag.AddUSI(key, rec); err != nil {
		return err
	}
	d.saveDiagSnapshot()
	d.emitDiagAlarm(key, diag.Item{Kind: diag.KindUSI, USI: rec})
	return nil
}

// DiagUSIUpdate updates an existing USI record; absent records are
// refused.
func (d *Device) DiagUSIUpdate(api uint32, slot, subslot, usi uint16, data []byte) error {
	key := diag.SubslotKey{API: api, Slot: slot, Subslot: subslot}
	rec := diag.USI{USI: usi, Bytes: data}
	if err := d.diag.UpdateUSI(key, rec); err != nil {
		return err
	}
	d.saveDiagSnapshot()
	d.emitDiagAlarm(key, diag.Item{Kind: diag.KindUSI, USI: rec})
	return nil
}

// DiagUSIRemove removes a USI record.
func (d *Device) DiagUSIRemove(api uint32, slot, subslot, usi uint16) error {
	key := diag.SubslotKey{API: api, Slot: slot, Subslot: subslot}
	if err := d.diag.RemoveUSI(key, usi); err != nil {
		return err
	}
	d.saveDiagSnapshot()
	d.emitDiagAlarm(key, diag.Item{Kind: diag.KindUSI, USI: diag.USI{USI: usi}})
	return nil
}

// DiagSeverity reports the subslot's current severity summary.
func (d *Device) DiagSeverity(api uint32, slot, subslot uint16) diag.Severity {
	return d.diag.Severity(diag.SubslotKey{API: api, Slot: slot, Subslot: subslot})
}

// ---- outgoing data status ----

func (d *Device) applyDataStatus() {
	d.mu.Lock()
	ds := d.dataStatus
	d.mu.Unlock()
	for _, a := range d.snapshotARs() {
		if p := a.provider(); p != nil {
			p.ppm.SetDataStatus(ds)
		}
	}
}

// SetState switches the primary/backup bit of the outgoing data
// status across all providers.
func (d *Device) SetState(primary bool) {
	d.mu.Lock()
	d.dataStatus.State = primary
	d.mu.Unlock()
	d.applyDataStatus()
}

// SetRedundancyState switches the redundancy bit.
func (d *Device) SetRedundancyState(redundant bool) {
	d.mu.Lock()
	d.dataStatus.Redundancy = redundant
	d.mu.Unlock()
	d.applyDataStatus()
}

// SetProviderState switches the provider run/stop bit.
func (d *Device) SetProviderState(run bool) {
	d.mu.Lock()
	d.dataStatus.ProviderStateRun = run
	d.mu.Unlock()
	d.applyDataStatus()
}
