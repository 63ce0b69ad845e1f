package coproc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/coproc/internal/cfg"
	"github.com/tinyrange/coproc/internal/errkind"
	"github.com/tinyrange/coproc/internal/hwsim"
	"github.com/tinyrange/coproc/internal/iommu"
	"github.com/tinyrange/coproc/internal/mmio"
	"github.com/tinyrange/coproc/internal/mqcopy"
	"github.com/tinyrange/coproc/internal/rproc"
	"github.com/tinyrange/coproc/internal/virtqueue"
)

const (
	dspProc    = 0
	testIntID  = 77
	sharedBase = 0x9F000000

	// The shared carveout: transport region plus one page for the
	// firmware's published idle flag.
	flagOffset   = mqcopy.RegionSize
	carveoutSize = mqcopy.RegionSize + 0x1000

	sharedSlaveVirt = 0x60000000
	flagSlaveVirt   = sharedSlaveVirt + flagOffset
)

// modelRig is a full model platform with one DSP remote.
type modelRig struct {
	t *testing.T

	mboxHW *hwsim.Mailbox
	intc   *hwsim.IntC
	prcmHW *hwsim.PRCM
	mmuHW  *hwsim.MMU
	ctrl   *hwsim.RegFile
	gptHW  *hwsim.GPT
	mem    *hwsim.Carveout

	mod    *Module
	remote *modelRemote
}

// modelRemote stands in for the DSP firmware: it serves the device side
// of both rings and talks through the same mailbox block as the host.
type modelRemote struct {
	t      *testing.T
	mbox   *hwsim.Mailbox
	mem    *hwsim.Carveout
	rxPeer *virtqueue.Peer // device side of the host receive ring
	txPeer *virtqueue.Peer // device side of the host transmit ring

	received []remoteMsg
}

type remoteMsg struct {
	src, dst uint32
	data     []byte
}

func newModelRig(t *testing.T, config *cfg.Config) *modelRig {
	t.Helper()

	rig := &modelRig{
		t:      t,
		mboxHW: hwsim.NewMailbox(),
		intc:   hwsim.NewIntC(),
		prcmHW: hwsim.NewPRCM(),
		mmuHW:  hwsim.NewMMU(),
		ctrl:   hwsim.NewRegFile(),
		gptHW:  hwsim.NewGPT(),
		mem:    hwsim.NewCarveout(sharedBase, carveoutSize),
	}
	rig.mboxHW.ConnectLine(HostUserID, rig.intc.Line(testIntID))

	platform := &Platform{
		Interrupts: rig.intc,
		PRCM:       rig.prcmHW,
		Procs: map[int]ProcResources{
			dspProc: {
				Mailbox:       rig.mboxHW,
				MMU:           rig.mmuHW,
				Ctrl:          rig.ctrl,
				Watchdog:      rig.gptHW,
				SharedMem:     rig.mem,
				SharedBase:    sharedBase,
				PageTableBase: 0x9F100000,
			},
		},
	}

	mod, err := Setup(config, platform)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() {
		if err := Destroy(); err != nil {
			t.Errorf("destroy: %v", err)
		}
	})
	rig.mod = mod

	rig.remote = &modelRemote{
		t:      t,
		mbox:   rig.mboxHW,
		mem:    rig.mem,
		rxPeer: virtqueue.NewPeer(rig.mem, mqcopy.RxRingOff),
		txPeer: virtqueue.NewPeer(rig.mem, mqcopy.TxRingOff),
	}
	return rig
}

func testConfig() *cfg.Config {
	return &cfg.Config{
		IntID:    testIntID,
		NumProcs: 1,
		Remotes: []cfg.RemoteConfig{{
			Name:      "dsp0",
			Family:    "dsp",
			MMUEnable: true,
			BootMode:  "boot",
		}},
	}
}

func testImage() *cfg.StaticImage {
	return &cfg.StaticImage{
		Entry: 0x20000000,
		Flag:  flagSlaveVirt,
		MapList: []rproc.Mapping{{
			MasterPhys: sharedBase,
			SlaveVirt:  sharedSlaveVirt,
			Size:       carveoutSize,
			MapMask:    rproc.MaskMasterPhys | rproc.MaskSlaveVirt,
		}},
	}
}

func (rig *modelRig) attachAndStart() {
	rig.t.Helper()
	if err := rig.mod.Attach(dspProc, testImage()); err != nil {
		rig.t.Fatalf("attach: %v", err)
	}
	if err := rig.mod.Start(dspProc); err != nil {
		rig.t.Fatalf("start: %v", err)
	}
	rig.remote.process() // consume the attach-time kicks
}

// process drains the host->remote mailbox FIFO and consumes everything
// published on the host transmit ring, as the firmware main loop would.
func (r *modelRemote) process() {
	for r.mbox.Pending(4) > 0 {
		r.mbox.Read32(mmio.MailboxMessage(4))
	}
	for {
		d, ok, err := r.txPeer.Next()
		if err != nil {
			r.t.Fatalf("model remote: tx next: %v", err)
		}
		if !ok {
			return
		}
		addr, length, err := r.txPeer.Desc(d)
		if err != nil {
			r.t.Fatalf("model remote: tx desc: %v", err)
		}
		buf := make([]byte, length)
		if _, err := r.mem.ReadAt(buf, int64(addr-sharedBase)); err != nil {
			r.t.Fatalf("model remote: tx read: %v", err)
		}
		src := binary.LittleEndian.Uint32(buf[0:4])
		dst := binary.LittleEndian.Uint32(buf[4:8])
		n := binary.LittleEndian.Uint16(buf[12:14])
		r.received = append(r.received, remoteMsg{
			src: src, dst: dst,
			data: append([]byte{}, buf[16:16+int(n)]...),
		})
		if err := r.txPeer.Complete(d, 0); err != nil {
			r.t.Fatalf("model remote: tx complete: %v", err)
		}
	}
}

// drainOne completes a single host transmit buffer without reading it.
func (r *modelRemote) drainOne() {
	d, ok, err := r.txPeer.Next()
	if err != nil || !ok {
		r.t.Fatalf("model remote: nothing to drain (ok=%t err=%v)", ok, err)
	}
	if err := r.txPeer.Complete(d, 0); err != nil {
		r.t.Fatalf("model remote: complete: %v", err)
	}
}

// send frames a message into a host receive buffer and kicks the host.
func (r *modelRemote) send(src, dst uint32, payload []byte) {
	d, ok, err := r.rxPeer.Next()
	if err != nil || !ok {
		r.t.Fatalf("model remote: no rx buffer (ok=%t err=%v)", ok, err)
	}
	addr, _, err := r.rxPeer.Desc(d)
	if err != nil {
		r.t.Fatalf("model remote: rx desc: %v", err)
	}
	buf := make([]byte, 16+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], src)
	binary.LittleEndian.PutUint32(buf[4:8], dst)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(payload)))
	copy(buf[16:], payload)
	if _, err := r.mem.WriteAt(buf, int64(addr-sharedBase)); err != nil {
		r.t.Fatalf("model remote: rx write: %v", err)
	}
	if err := r.rxPeer.Complete(d, uint32(len(buf))); err != nil {
		r.t.Fatalf("model remote: rx complete: %v", err)
	}
	r.kick(0x2)
}

// announce publishes a name-service record for one firmware endpoint.
func (r *modelRemote) announce(addr uint32, name string, destroy bool) {
	rec := make([]byte, 40)
	binary.LittleEndian.PutUint32(rec[0:4], addr)
	if destroy {
		binary.LittleEndian.PutUint32(rec[4:8], 1)
	}
	copy(rec[8:], name)
	r.send(addr, 53, rec)
}

// kick raises the host's mailbox interrupt with the given word.
func (r *modelRemote) kick(word uint32) {
	r.mbox.Write32(mmio.MailboxMessage(1), word)
}

// setIdleFlag publishes the firmware's idle flag in shared memory.
func (r *modelRemote) setIdleFlag(idle bool) {
	var buf [4]byte
	if idle {
		binary.LittleEndian.PutUint32(buf[:], 1)
	}
	if _, err := r.mem.WriteAt(buf[:], flagOffset); err != nil {
		r.t.Fatalf("model remote: flag write: %v", err)
	}
}

func TestMapTranslateUnmapOneMegabyte(t *testing.T) {
	rig := newModelRig(t, testConfig())
	rig.attachAndStart()

	proc, err := rig.mod.Proc(dspProc)
	if err != nil {
		t.Fatalf("proc: %v", err)
	}
	if err := proc.Map(0x80000000, 0x70000000, 0x00100000, iommu.MapAttrs{ElemSize: iommu.Elem32}); err != nil {
		t.Fatalf("map: %v", err)
	}
	pa, err := proc.Translate(0x70081234)
	if err != nil || pa != 0x80081234 {
		t.Fatalf("translate = 0x%08x (%v), want 0x80081234", pa, err)
	}
	if err := proc.Unmap(0x70000000, 0x00100000); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if _, err := proc.Translate(0x70081234); !errors.Is(err, errkind.ErrNotMapped) {
		t.Fatalf("translate after unmap: %v", err)
	}
}

func TestMixedPageSizes(t *testing.T) {
	rig := newModelRig(t, testConfig())
	rig.attachAndStart()

	proc, err := rig.mod.Proc(dspProc)
	if err != nil {
		t.Fatalf("proc: %v", err)
	}
	// 17 MiB at 16M-aligned addresses: a supersection plus a section.
	if err := proc.Map(0x81000000, 0x71000000, 0x01100000, iommu.MapAttrs{ElemSize: iommu.Elem32}); err != nil {
		t.Fatalf("map: %v", err)
	}
	spans := iommu.PageSpans(0x81000000, 0x71000000, 0x01100000)
	if len(spans) != 2 || spans[0] != iommu.PageSize16M || spans[1] != iommu.PageSize1M {
		t.Fatalf("page spans = %#x", spans)
	}

	for _, tc := range []struct{ va, want uint32 }{
		{0x71100000, 0x81100000},
		{0x71FFF000, 0x81FFF000},
		{0x72000000, 0x82000000},
	} {
		pa, err := proc.Translate(tc.va)
		if err != nil || pa != tc.want {
			t.Fatalf("translate 0x%08x = 0x%08x (%v), want 0x%08x", tc.va, pa, err, tc.want)
		}
	}
}

func TestNameServiceRoundTrip(t *testing.T) {
	rig := newModelRig(t, testConfig())
	rig.attachAndStart()

	ep, err := rig.mod.CreateEndpoint(AddrAny, "telemetry", func(int, uint32, []byte, any) {}, nil, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rig.remote.process()
	if len(rig.remote.received) != 1 {
		t.Fatalf("remote saw %d messages, want 1", len(rig.remote.received))
	}
	ns := rig.remote.received[0]
	if ns.dst != 53 || len(ns.data) != 40 {
		t.Fatalf("announce = dst %d, %d bytes", ns.dst, len(ns.data))
	}
	if binary.LittleEndian.Uint32(ns.data[4:8]) != 0 {
		t.Fatal("announce flags != CREATE")
	}
	if !bytes.Equal(ns.data[8:18], []byte("telemetry\x00")) {
		t.Fatalf("announce name = %q", ns.data[8:18])
	}

	type note struct {
		proc  int
		addr  uint32
		event NotifyEvent
	}
	var notes []note
	if err := rig.mod.RegisterNotify(ep, func(proc int, addr uint32, event NotifyEvent) {
		notes = append(notes, note{proc, addr, event})
	}); err != nil {
		t.Fatalf("register notify: %v", err)
	}

	// The firmware answers with its own telemetry endpoint.
	rig.remote.announce(81, "telemetry", false)
	if len(notes) != 1 || notes[0] != (note{dspProc, 81, NotifyCreated}) {
		t.Fatalf("notes = %+v", notes)
	}

	// Deleting the host endpoint puts a DESTROY on the wire and cancels
	// the observer synchronously.
	rig.remote.received = nil
	if err := rig.mod.DeleteEndpoint(ep); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rig.remote.process()
	if len(rig.remote.received) != 1 {
		t.Fatalf("remote saw %d messages on delete, want 1", len(rig.remote.received))
	}
	destroy := rig.remote.received[0]
	if destroy.dst != 53 || binary.LittleEndian.Uint32(destroy.data[4:8]) != 1 {
		t.Fatalf("destroy record = dst %d flags %d",
			destroy.dst, binary.LittleEndian.Uint32(destroy.data[4:8]))
	}
	if len(notes) != 2 || notes[1].event != NotifyCanceled {
		t.Fatalf("notes after delete = %+v", notes)
	}
}

func TestSendReceiveEndToEnd(t *testing.T) {
	rig := newModelRig(t, testConfig())
	rig.attachAndStart()

	var got []byte
	ep, err := rig.mod.CreateEndpoint(AddrAny, "echo", func(proc int, src uint32, data []byte, priv any) {
		got = append([]byte{}, data...)
	}, nil, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rig.remote.process()
	rig.remote.announce(90, "echo", false)

	if err := rig.mod.Send(dspProc, 90, ep.Addr(), []byte("ping"), false); err != nil {
		t.Fatalf("send: %v", err)
	}
	rig.remote.process()
	last := rig.remote.received[len(rig.remote.received)-1]
	if last.dst != 90 || !bytes.Equal(last.data, []byte("ping")) {
		t.Fatalf("remote got %+v", last)
	}

	rig.remote.send(90, ep.Addr(), []byte("pong"))
	if !bytes.Equal(got, []byte("pong")) {
		t.Fatalf("host got %q, want pong", got)
	}
}

func TestSuspendResumePreservesState(t *testing.T) {
	rig := newModelRig(t, testConfig())
	rig.attachAndStart()

	proc, err := rig.mod.Proc(dspProc)
	if err != nil {
		t.Fatalf("proc: %v", err)
	}
	attrs := iommu.MapAttrs{ElemSize: iommu.Elem32, Preserved: true}
	if err := proc.Map(0x80000000, 0x70000000, 0x00100000, attrs); err != nil {
		t.Fatalf("map: %v", err)
	}

	tlbBefore := rig.mmuHW.TLBWords()
	enableBefore := rig.mboxHW.Read32(mmio.MailboxIRQEnableSet(HostUserID))

	if err := rig.mod.Suspend(dspProc); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if s, _ := rig.mod.State(dspProc); s != rproc.Suspended {
		t.Fatalf("state = %s, want suspended", s)
	}

	// Power gating wipes both blocks.
	rig.mmuHW.Write32(mmio.MMUSysconfig, 1)
	rig.mboxHW.Write32(mmio.MailboxSysconfig, mmio.MailboxSoftReset)

	if err := rig.mod.Resume(dspProc); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if s, _ := rig.mod.State(dspProc); s != rproc.Running {
		t.Fatalf("state = %s, want running", s)
	}

	pa, err := proc.Translate(0x70081234)
	if err != nil || pa != 0x80081234 {
		t.Fatalf("translate after resume = 0x%08x (%v)", pa, err)
	}
	if rig.mmuHW.TLBWords() != tlbBefore {
		t.Fatal("hardware TLB differs from pre-suspend state")
	}
	if after := rig.mboxHW.Read32(mmio.MailboxIRQEnableSet(HostUserID)); after != enableBefore {
		t.Fatalf("mailbox enables = 0x%x after resume, want 0x%x", after, enableBefore)
	}
}

func TestMailboxWordWakesSuspendedCore(t *testing.T) {
	rig := newModelRig(t, testConfig())
	rig.attachAndStart()

	var got []byte
	ep, err := rig.mod.CreateEndpoint(AddrAny, "wake", func(proc int, src uint32, data []byte, priv any) {
		got = append([]byte{}, data...)
	}, nil, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rig.remote.process()
	rig.remote.announce(91, "wake", false)

	if err := rig.mod.Suspend(dspProc); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	// An inbound message resumes the core before delivery.
	rig.remote.send(91, ep.Addr(), []byte("up"))
	if s, _ := rig.mod.State(dspProc); s != rproc.Running {
		t.Fatalf("state = %s after mailbox word, want running", s)
	}
	if !bytes.Equal(got, []byte("up")) {
		t.Fatalf("host got %q, want up", got)
	}
}

func TestWatchdogFire(t *testing.T) {
	rig := newModelRig(t, testConfig())
	rig.gptHW.ConnectLine(hwsim.LineFunc(func(high bool) {
		if high {
			rig.mod.WatchdogFired(dspProc)
		}
	}))
	rig.attachAndStart()

	var seen []rproc.State
	rig.mod.WatchState(func(procID int, s rproc.State) {
		if procID == dspProc {
			seen = append(seen, s)
		}
	})

	if err := rig.mod.StartWatchdog(dspProc, 1000); err != nil {
		t.Fatalf("start watchdog: %v", err)
	}
	rig.gptHW.Tick(1000)

	if s, _ := rig.mod.State(dspProc); s != rproc.Watchdog {
		t.Fatalf("state = %s, want watchdog", s)
	}
	if len(seen) == 0 || seen[len(seen)-1] != rproc.Watchdog {
		t.Fatalf("observer saw %v", seen)
	}
}

func TestSendBackPressureEndToEnd(t *testing.T) {
	rig := newModelRig(t, testConfig())
	rig.attachAndStart()

	ep, err := rig.mod.CreateEndpoint(AddrAny, "bulk", func(int, uint32, []byte, any) {}, nil, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rig.remote.process()
	rig.remote.announce(92, "bulk", false)

	payload := make([]byte, 64)
	sent := 0
	for i := 0; i < virtqueue.NumBufs; i++ {
		if err := rig.mod.Send(dspProc, 92, ep.Addr(), payload, false); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		sent++
	}
	err = rig.mod.Send(dspProc, 92, ep.Addr(), payload, false)
	if !errors.Is(err, errkind.ErrNoBuffer) {
		t.Fatalf("send %d: got %v, want ErrNoBuffer", sent, err)
	}

	rig.remote.drainOne()
	if err := rig.mod.Send(dspProc, 92, ep.Addr(), payload, false); err != nil {
		t.Fatalf("send after drain: %v", err)
	}
}

func TestHibernation(t *testing.T) {
	config := testConfig()
	config.HibEnable = true
	config.HibTimeoutMS = 20
	rig := newModelRig(t, config)
	rig.attachAndStart()

	rig.remote.setIdleFlag(true)
	rig.remote.kick(CmdRemoteIdle)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if s, _ := rig.mod.State(dspProc); s == rproc.Suspended {
			break
		}
		if time.Now().After(deadline) {
			s, _ := rig.mod.State(dspProc)
			t.Fatalf("core never hibernated, state = %s", s)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Fresh traffic wakes it back up.
	rig.remote.send(53, 53, make([]byte, 40))
	if s, _ := rig.mod.State(dspProc); s != rproc.Running {
		t.Fatalf("state = %s after wake, want running", s)
	}
}

func TestAttachDetachAttach(t *testing.T) {
	rig := newModelRig(t, testConfig())

	if err := rig.mod.Attach(dspProc, testImage()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := rig.mod.Detach(dspProc); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := rig.mod.Attach(dspProc, testImage()); err != nil {
		t.Fatalf("second attach: %v", err)
	}
	if s, _ := rig.mod.State(dspProc); s != rproc.Loaded {
		t.Fatalf("state = %s, want loaded", s)
	}
}

func TestSetupRefcounting(t *testing.T) {
	rig := newModelRig(t, testConfig())

	again, err := Setup(testConfig(), nil)
	if err != nil {
		t.Fatalf("second setup: %v", err)
	}
	if again != rig.mod {
		t.Fatal("second setup returned a different module")
	}
	// The extra reference needs its own destroy; the cleanup handler
	// drops the first one.
	if err := Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
}
