// Copyright 2020 thinkgos (thinkgo@aliyun.com).  All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package pnio is the device-side protocol engine for cyclic I/O
// exchange with a programmable controller: discovery and naming,
// application-relation establishment, per-cycle input/output data,
// diagnosis and alarms. The application constructs a Device with Init,
// drives it with HandlePeriodic from a single tick thread, and talks
// to it through the plug/pull, data, alarm and diagnosis calls below;
// everything else happens through the Callbacks capability record.
package pnio

import (
	"sync"

	"github.com/rob-gra/pnio/alarm"
	"github.com/rob-gra/pnio/cmdev"
	"github.com/rob-gra/pnio/cpm"
	"github.com/rob-gra/pnio/diag"
	"github.com/rob-gra/pnio/discovery"
	"github.com/rob-gra/pnio/frameid"
	"github.com/rob-gra/pnio/ident"
	"github.com/rob-gra/pnio/platform"
	"github.com/rob-gra/pnio/plog"
	"github.com/rob-gra/pnio/ppm"
	"github.com/rob-gra/pnio/rpc"
	"github.com/rob-gra/pnio/sched"
	"github.com/rob-gra/pnio/wire"
)

// CMINAState is the naming/addressing state of the device as a whole:
// SETUP until a station name is assigned, RUN afterwards.
type CMINAState int

const (
	CMINASetup CMINAState = iota
	CMINARun
)

const (
	nameFileName = "pnio_name.bin"
	ipFileName   = "pnio_ip.bin"
	diagFileName = "pnio_diag.bin"
)

// Fixed submodule identifiers for the device access point at slot 0.
const (
	dapModuleIdent    uint32 = 0x00000001
	dapInterfaceIdent uint32 = 0x00008000
	dapPortIdentBase  uint32 = 0x00008001
)

const sendClockNS = 31250 // 31.25us in nanoseconds

// Device is one protocol-engine instance. All state hangs off it;
// there are no package-level statics, so tests can run several
// devices side by side.
type Device struct {
	cfg  Config
	clog plog.Clog

	sched   *sched.Scheduler
	demux   *frameid.Table
	diag    *diag.Store
	disp    *rpc.Dispatcher
	dcp     *discovery.Engine
	im      *imStore
	ports   *portStore
	station *discovery.Station

	mu    sync.Mutex
	trees map[uint32]*ident.Tree
	ars   []ar
	cmina CMINAState

	dataStatus ppm.DataStatus

	tickUS uint64
	nowUS  uint64

	rng uint64

	eth platform.EthernetHandle
	udp platform.UDPHandle

	peerMu   sync.Mutex
	peerIP   [4]byte
	peerPort uint16
}

// Init validates cfg, builds the engine, opens the transport handles
// and starts discovery. It never blocks; cyclic work begins with the
// first HandlePeriodic call.
func Init(cfg Config) (*Device, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	d := &Device{
		cfg:    cfg,
		clog:   plog.NewLogger("pnio"),
		sched:  sched.New(cfg.maxTimers()),
		demux:  frameid.NewTable(cfg.maxFrameIDs()),
		diag:   diag.New(cfg.MaxDiagItems),
		trees:  map[uint32]*ident.Tree{0: ident.New(0)},
		ars:    make([]ar, cfg.MaxARs),
		tickUS: uint64(cfg.TickInterval.Microseconds()),
		dataStatus: ppm.DataStatus{
			State:                   true,
			DataValid:               true,
			ProviderStateRun:        true,
			StationProblemIndicator: true,
		},
	}
	for _, b := range cfg.MAC {
		d.rng = d.rng<<8 | uint64(b)
	}
	d.rng |= 1

	if err := d.trees[0].PlugDAP(dapInterfaceIdent, dapPortIdentBase, cfg.NumPorts); err != nil {
		return nil, err
	}

	files := cfg.Platform.Files
	d.im = newIMStore(IM0{
		VendorID:    cfg.VendorID,
		OrderID:     cfg.ProductName,
		IMVersion:   0x0101,
		IMSupported: 0x001E,
	}, cfg.IM, files)
	d.ports = newPortStore(files)

	name, ip, mask, gw := cfg.StationName, cfg.IP, cfg.Netmask, cfg.Gateway
	if files != nil {
		if b, err := files.Load(nameFileName); err == nil && len(b) > 0 {
			name = string(b)
		}
		if b, err := files.Load(ipFileName); err == nil && len(b) >= 12 {
			copy(ip[:], b[0:4])
			copy(mask[:], b[4:8])
			copy(gw[:], b[8:12])
		}
	}
	d.station = discovery.NewStation(name, cfg.MAC, ip, mask, gw, cfg.VendorID, cfg.DeviceID)
	d.cmina = CMINASetup
	if name != "" {
		d.cmina = CMINARun
	}

	d.disp = rpc.NewDispatcher(cfg.maxSessions(), d.sched, &udpTransport{d: d})
	d.disp.Register(rpc.OpnumConnect, d.onConnect)
	d.disp.Register(rpc.OpnumRelease, d.onRelease)
	d.disp.Register(rpc.OpnumControl, d.onControl)
	d.disp.Register(rpc.OpnumRead, d.onRead)
	d.disp.Register(rpc.OpnumWrite, d.onWrite)
	d.disp.Register(rpc.OpnumReadImplicit, d.onRead)

	d.dcp = discovery.NewEngine(d.sched, &ethTransport{d: d}, &persist{d: d},
		d.randomDelay, d.raiseNameCollisionDiag, d.onFactoryReset, d.station)
	d.dcp.SetSignalHandler(func() { _ = d.cfg.Callbacks.SignalLED(true) })

	for id := discovery.FrameIDGetSet; id <= discovery.FrameIDIdentifyResponse; id++ {
		if _, err := d.demux.Register(id, d.onDiscoveryFrame, nil); err != nil {
			return nil, err
		}
	}
	if _, err := d.demux.Register(FrameIDAlarmHigh, d.onAlarmFrame, alarm.PriorityHigh); err != nil {
		return nil, err
	}
	if _, err := d.demux.Register(FrameIDAlarmLow, d.onAlarmFrame, alarm.PriorityLow); err != nil {
		return nil, err
	}

	if cfg.Platform.Ethernet != nil {
		h, err := cfg.Platform.Ethernet.OpenEthernet(cfg.IfaceName, EtherTypeRT, d.OnRawFrame)
		if err != nil {
			return nil, err
		}
		d.eth = h
	}
	if cfg.Platform.UDP != nil {
		h, err := cfg.Platform.UDP.OpenUDP(ip, UDPPortRPC, d.OnUDPDatagram)
		if err != nil {
			return nil, err
		}
		d.udp = h
	}

	d.loadDiagSnapshot()
	d.dcp.StartHelloIfUnnamed()
	return d, nil
}

// Close releases the transport handles. ARs are aborted first.
func (d *Device) Close() error {
	for _, a := range d.snapshotARs() {
		d.abortAR(a, Fault{ErrorCode: rpc.ErrCodeGeneric, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: errCode2ReleaseByAPI})
	}
	if d.eth != nil {
		d.eth.Close()
	}
	if d.udp != nil {
		d.udp.Close()
	}
	return nil
}

// LogMode toggles the engine's debug logging.
func (d *Device) LogMode(enable bool) {
	d.clog.LogMode(enable)
	d.dcp.LogMode(enable)
}

// CMINA reports the naming/addressing state.
func (d *Device) CMINA() CMINAState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cmina
}

// StationName reports the current station name.
func (d *Device) StationName() string { return d.dcp.Name() }

// HandlePeriodic is the device's single clock source. It must be
// called from one thread at the configured tick interval; each call
// advances the scheduler and runs any state bookkeeping that follows
// from expired timers.
func (d *Device) HandlePeriodic() {
	d.mu.Lock()
	d.nowUS += d.tickUS
	now := d.nowUS
	d.mu.Unlock()

	d.sched.Tick(now)

	// Promote ARs whose first cyclic exchange completed this tick.
	for _, a := range d.snapshotARs() {
		if a.cm.State() != cmdev.StateWData {
			continue
		}
		ready := true
		if p := a.provider(); p != nil {
			if p.ppm.CycleCounter() == 0 {
				ready = false
			}
		}
		if c := a.consumer(); c != nil {
			if c.cpm.State() != cpm.StateRun {
				ready = false
			}
		}
		if ready {
			_ = a.cm.OnFirstCyclicExchange()
		}
	}
}

// snapshotARs returns the in-use ARs without holding the device lock
// across callbacks.
func (d *Device) snapshotARs() []*ar {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*ar
	for i := range d.ars {
		if d.ars[i].inUse {
			out = append(out, &d.ars[i])
		}
	}
	return out
}

func (d *Device) lookupAR(arep AREP) *ar {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := int(arep) - 1
	if i < 0 || i >= len(d.ars) || !d.ars[i].inUse {
		return nil
	}
	return &d.ars[i]
}

func (d *Device) lookupARByUUID(u wire.UUID) *ar {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.ars {
		if d.ars[i].inUse && d.ars[i].arUUID == u {
			return &d.ars[i]
		}
	}
	return nil
}

func (d *Device) tree(api uint32) *ident.Tree {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.trees[api]
	if !ok {
		t = ident.New(api)
		d.trees[api] = t
	}
	return t
}

// randomDelay is a xorshift64 over device-local state; the engine only
// needs storm-avoidance spread, not cryptographic quality.
func (d *Device) randomDelay(maxUS uint64) uint64 {
	d.mu.Lock()
	x := d.rng
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	d.rng = x
	d.mu.Unlock()
	if maxUS == 0 {
		return 0
	}
	return x % maxUS
}

// ErrNoSuchAR is returned by AR-scoped calls on a stale handle.
type ErrNoSuchAR struct{ AREP AREP }

func (e ErrNoSuchAR) Error() string { return "no such application relation" }

// ErrNoSuchSubslot is returned by data-plane calls when the addressed
// subslot is not mapped into the AR's cyclic frames.
type ErrNoSuchSubslot struct{}

func (ErrNoSuchSubslot) Error() string { return "subslot not mapped in any iocr" }

// ---- frame reception ----

// splitRTFrame splits a raw Ethernet frame into its addressing, frame
// ID and payload, skipping an optional VLAN tag.
func splitRTFrame(frame []byte) (dst, src [6]byte, fid uint16, payload []byte, ok bool) {
	if len(frame) < 16 {
		return
	}
	copy(dst[:], frame[0:6])
	copy(src[:], frame[6:12])
	rest := frame[12:]
	if rest[0] == 0x81 && rest[1] == 0x00 {
		if len(rest) < 8 {
			return
		}
		rest = rest[4:]
	}
	et := uint16(rest[0])<<8 | uint16(rest[1])
	if et != EtherTypeRT {
		return
	}
	if len(rest) < 4 {
		return
	}
	fid = uint16(rest[2])<<8 | uint16(rest[3])
	payload = rest[4:]
	ok = true
	return
}

// OnRawFrame is the Ethernet receive entry point; the platform layer
// invokes it with a zero-copy buffer. Frames with an unknown frame ID
// are dropped silently.
func (d *Device) OnRawFrame(frame []byte) {
	_, _, fid, _, ok := splitRTFrame(frame)
	if !ok {
		return
	}
	d.demux.Dispatch(fid, frame)
}

func (d *Device) onDiscoveryFrame(fid uint16, _ interface{}, frame []byte) {
	_, src, _, payload, ok := splitRTFrame(frame)
	if !ok {
		return
	}
	d.dcp.OnFrame(src, fid, payload)
}

func (d *Device) onAlarmFrame(fid uint16, arg interface{}, frame []byte) {
	_, _, _, payload, ok := splitRTFrame(frame)
	if !ok {
		return
	}
	pdu, ok := alarm.DecodePDU(payload)
	if !ok {
		return
	}
	prio := arg.(alarm.Priority)
	for _, a := range d.snapshotARs() {
		if l := a.lanes[prio]; l != nil {
			l.OnReceive(pdu)
		}
	}
}

// onCyclicFrame handles one inbound cyclic data frame for a consumer
// IOCR. The trailer is the last four payload bytes: cycle counter,
// data status, transfer status.
func (d *Device) onCyclicFrame(fid uint16, arg interface{}, frame []byte) {
	a := arg.(*ar)
	c := a.consumer()
	if c == nil {
		return
	}
	_, src, _, payload, ok := splitRTFrame(frame)
	if !ok || len(payload) < 4 {
		return
	}
	cycle := uint16(payload[len(payload)-4])<<8 | uint16(payload[len(payload)-3])
	status := payload[len(payload)-2]
	if !c.cpm.OnFrame(src, fid, payload, cycle, status) {
		return
	}
	if st, changed := c.cpm.DataStatusChanged(); changed {
		d.cfg.Callbacks.NewDataStatus(a.arep, st)
	}
}

// OnUDPDatagram is the RPC receive entry point. Responses to
// device-originated requests are matched to their AR; everything else
// goes through the dispatcher.
func (d *Device) OnUDPDatagram(srcIP [4]byte, srcPort uint16, data []byte) {
	h, body, ok := rpc.DecodePDU(data)
	if !ok {
		return
	}
	d.peerMu.Lock()
	d.peerIP = srcIP
	d.peerPort = srcPort
	d.peerMu.Unlock()

	if h.PacketType == rpc.PTResponse || h.PacketType == rpc.PTAck || h.PacketType == rpc.PTFault {
		d.onDeviceOriginatedResponse(h, body)
		return
	}
	d.disp.OnPacket(h, body)
}

func (d *Device) onDeviceOriginatedResponse(h rpc.Header, body []byte) {
	var target *ar
	for _, a := range d.snapshotARs() {
		if a.activityUUID == h.ActivityUUID {
			target = a
			break
		}
	}
	if target == nil {
		return
	}
	d.disp.AckDeviceOriginated(h.ActivityUUID)
	if h.PacketType == rpc.PTFault {
		// the controller refused the application-ready request; its
		// fault body carries the 4-byte error tuple.
		t := rpc.ErrorTuple{ErrorCode: rpc.ErrCodeControl, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMRPC, ErrorCode2: errCode2CtrlTimeout}
		if len(body) >= 4 {
			t = rpc.ErrorTuple{ErrorCode: body[0], ErrorDecode: body[1], ErrorCode1: body[2], ErrorCode2: body[3]}
		}
		d.abortAR(target, faultFromRPC(t))
		return
	}
	if err := target.cm.OnControllerConfirm(); err == nil {
		if cerr := d.cfg.Callbacks.CControl(target.arep); cerr != nil {
			d.abortAR(target, Fault{ErrorCode: rpc.ErrCodeControl, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMDEV, ErrorCode2: errCode2AppRefused})
		}
	}
}

// ---- transport adapters ----

type ethTransport struct{ d *Device }

func (t *ethTransport) SendRawFrame(frame []byte) error {
	if t.d.eth == nil {
		return nil
	}
	return t.d.eth.Send(frame)
}

type udpTransport struct{ d *Device }

func (t *udpTransport) SendRPC(frame []byte) error {
	if t.d.udp == nil {
		return nil
	}
	t.d.peerMu.Lock()
	ip, port := t.d.peerIP, t.d.peerPort
	t.d.peerMu.Unlock()
	return t.d.udp.SendTo(ip, port, frame)
}

// alarmSender frames one RTA PDU for a lane onto raw Ethernet with the
// lane's frame ID and VLAN priority.
type alarmSender struct {
	d       *Device
	peerMAC [6]byte
}

func (s *alarmSender) SendAlarmPDU(prio alarm.Priority, pdu alarm.PDU) error {
	fid, vprio := FrameIDAlarmLow, VLANPriorityAlarmLow
	if prio == alarm.PriorityHigh {
		fid, vprio = FrameIDAlarmHigh, VLANPriorityAlarmHigh
	}
	frame := make([]byte, 0, 32)
	frame = append(frame, s.peerMAC[:]...)
	frame = append(frame, s.d.cfg.MAC[:]...)
	frame = append(frame, 0x81, 0x00)
	tci := uint16(vprio&0x7) << 13
	frame = append(frame, byte(tci>>8), byte(tci))
	frame = append(frame, byte(EtherTypeRT>>8), byte(EtherTypeRT&0xFF))
	frame = append(frame, byte(fid>>8), byte(fid))
	frame = append(frame, alarm.EncodePDU(pdu)...)
	if s.d.eth == nil {
		return nil
	}
	return s.d.eth.Send(frame)
}

// persist adapts the platform file store to the discovery engine.
type persist struct{ d *Device }

func (p *persist) SaveName(name string) error {
	d := p.d
	d.mu.Lock()
	if name != "" {
		d.cmina = CMINARun
	} else {
		d.cmina = CMINASetup
	}
	d.mu.Unlock()
	if d.cfg.Platform.Files == nil {
		return nil
	}
	return d.cfg.Platform.Files.Save(nameFileName, []byte(name))
}

func (p *persist) SaveIP(ip, netmask, gateway [4]byte) error {
	d := p.d
	if d.cfg.Platform.Address != nil {
		_ = d.cfg.Platform.Address.SetIP(ip, netmask, gateway)
	}
	if d.cfg.Platform.Files == nil {
		return nil
	}
	b := make([]byte, 0, 12)
	b = append(b, ip[:]...)
	b = append(b, netmask[:]...)
	b = append(b, gateway[:]...)
	return d.cfg.Platform.Files.Save(ipFileName, b)
}

func (p *persist) ClearAll() error {
	d := p.d
	if d.cfg.Platform.Files == nil {
		return nil
	}
	_ = d.cfg.Platform.Files.Clear(nameFileName)
	_ = d.cfg.Platform.Files.Clear(ipFileName)
	_ = d.cfg.Platform.Files.Clear(diagFileName)
	return nil
}

// onFactoryReset finishes a factory reset after persisted state has
// been cleared: abort every AR, on a full reset also wipe the writable
// identification and port records, and drop back to setup.
func (d *Device) onFactoryReset(mode discovery.ResetMode) {
	for _, a := range d.snapshotARs() {
		d.abortAR(a, Fault{ErrorCode: rpc.ErrCodeGeneric, ErrorDecode: rpc.ErrDecodePNIOFault, ErrorCode1: rpc.CompCMINA, ErrorCode2: 0x01})
	}
	if mode == discovery.ResetFull {
		_ = d.im.reset()
		d.ports.reset()
	}
	d.mu.Lock()
	d.cmina = CMINASetup
	d.mu.Unlock()
	_ = d.cfg.Callbacks.Reset(mode)
}

// raiseNameCollisionDiag turns a duplicate-station-name detection into
// a standard diagnosis on the interface submodule.
func (d *Device) raiseNameCollisionDiag(string) {
	_ = d.DiagStdAdd(0, 0, 0x8000, 0, diag.ChannelProperties{
		Fault:     true,
		Specifier: diag.AppearanceAppears,
	}, chErrRemoteMismatch, 0, 0, 0)
}

// chErrRemoteMismatch is the channel error type for a remote-station
// mismatch (here: duplicate name on the segment).
const chErrRemoteMismatch uint16 = 0x8001
