package gateway

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/bristlemouth/bm-sbc/internal/device"
)

// fakeUnderlay records every call; behavior is table-driven per test.
type fakeUnderlay struct {
	mu        sync.Mutex
	numPorts  uint8
	sends     []fakeSend
	sendErr   error
	enabled   bool
	cbs       device.Callbacks
	portOps   []string
	renegPort uint8
}

type fakeSend struct {
	frame []byte
	port  uint8
}

func newFakeUnderlay(numPorts uint8) *fakeUnderlay {
	return &fakeUnderlay{numPorts: numPorts}
}

func (f *fakeUnderlay) NumPorts() uint8 { return f.numPorts }

func (f *fakeUnderlay) Send(frame []byte, port uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sends = append(f.sends, fakeSend{cp, port})
	return nil
}

func (f *fakeUnderlay) Enable() error  { f.enabled = true; return nil }
func (f *fakeUnderlay) Disable() error { f.enabled = false; return nil }

func (f *fakeUnderlay) EnablePort(port uint8) error {
	f.portOps = append(f.portOps, "enable")
	return nil
}

func (f *fakeUnderlay) DisablePort(port uint8) error {
	f.portOps = append(f.portOps, "disable")
	return nil
}

func (f *fakeUnderlay) RetryNegotiation(port uint8) (bool, error) {
	f.renegPort = port
	return true, nil
}

func (f *fakeUnderlay) PortStats(port uint8) (device.PortStats, error) {
	return device.PortStats{TxFrames: 7}, nil
}

func (f *fakeUnderlay) HandleInterrupt() error { return nil }

func (f *fakeUnderlay) SetCallbacks(cbs device.Callbacks) { f.cbs = cbs }

func (f *fakeUnderlay) sentTo() []fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeSend(nil), f.sends...)
}

// fakeLink is an in-process serial side.
type fakeLink struct {
	mu      sync.Mutex
	frames  [][]byte
	sendErr error
	closed  bool
}

func (l *fakeLink) Send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	l.frames = append(l.frames, cp)
	return nil
}

func (l *fakeLink) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *fakeLink) sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.frames...)
}

// edgeRecorder captures link edges.
type edgeRecorder struct {
	mu    sync.Mutex
	edges []struct {
		port uint8
		up   bool
	}
}

func (r *edgeRecorder) cb(port uint8, up bool) {
	r.mu.Lock()
	r.edges = append(r.edges, struct {
		port uint8
		up   bool
	}{port, up})
	r.mu.Unlock()
}

func newTestGateway(numPorts uint8) (*Device, *fakeUnderlay, *fakeLink) {
	underlay := newFakeUnderlay(numPorts)
	link := &fakeLink{}
	d := newDevice(underlay)
	d.serial = link
	return d, underlay, link
}

func frameOf(n int) []byte {
	frame := make([]byte, n)
	for i := range frame {
		frame[i] = byte(i)
	}
	return frame
}

func TestNumPortsAddsSerial(t *testing.T) {
	d, _, _ := newTestGateway(15)
	if d.NumPorts() != 16 {
		t.Fatalf("NumPorts = %d, want 16", d.NumPorts())
	}
}

func TestSendRouting(t *testing.T) {
	d, underlay, link := newTestGateway(15)
	frame := frameOf(64)

	if err := d.Send(frame, 3); err != nil {
		t.Fatalf("Send port 3: %v", err)
	}
	if sends := underlay.sentTo(); len(sends) != 1 || sends[0].port != 3 {
		t.Errorf("underlay sends = %v, want one on port 3", sends)
	}
	if len(link.sent()) != 0 {
		t.Error("unicast on an IPC port reached the serial link")
	}

	if err := d.Send(frame, 16); err != nil {
		t.Fatalf("Send serial port: %v", err)
	}
	if sent := link.sent(); len(sent) != 1 || !bytes.Equal(sent[0], frame) {
		t.Errorf("serial link got %d frames, want the frame once", len(sent))
	}

	if err := d.Send(frame, 17); !errors.Is(err, device.ErrInvalidArgument) {
		t.Errorf("Send port 17 = %v, want ErrInvalidArgument", err)
	}
	if err := d.Send(frameOf(1600), 3); !errors.Is(err, device.ErrInvalidArgument) {
		t.Errorf("Send oversize = %v, want ErrInvalidArgument", err)
	}
}

func TestFloodReachesBothTransports(t *testing.T) {
	d, underlay, link := newTestGateway(15)
	frame := frameOf(32)

	if err := d.Send(frame, device.FloodPort); err != nil {
		t.Fatalf("flood: %v", err)
	}
	if sends := underlay.sentTo(); len(sends) != 1 || sends[0].port != device.FloodPort {
		t.Errorf("underlay did not get the flood: %v", sends)
	}
	if len(link.sent()) != 1 {
		t.Error("serial link did not get the flood")
	}
}

// TestFloodPartialFailure pins the aggregation rule: one accepting
// transport makes the flood a success; only total failure propagates.
func TestFloodPartialFailure(t *testing.T) {
	d, underlay, link := newTestGateway(15)
	frame := frameOf(32)

	underlay.sendErr = errors.New("underlay down")
	if err := d.Send(frame, device.FloodPort); err != nil {
		t.Errorf("flood with serial alive = %v, want success", err)
	}

	link.sendErr = errors.New("serial down")
	if err := d.Send(frame, device.FloodPort); err == nil {
		t.Error("flood with both transports down reported success")
	}
}

func TestCallbackSharing(t *testing.T) {
	d, underlay, _ := newTestGateway(15)

	var rec edgeRecorder
	var gotFrames []uint8
	d.SetCallbacks(device.Callbacks{
		Receive:    func(port uint8, frame []byte) { gotFrames = append(gotFrames, port) },
		LinkChange: rec.cb,
	})

	if underlay.cbs.Receive == nil || underlay.cbs.LinkChange == nil {
		t.Fatal("callback block was not shared with the underlay")
	}

	// A frame decoded off the serial stream arrives as ingress N+1.
	d.deliverSerial(frameOf(20))
	if len(gotFrames) != 1 || gotFrames[0] != 16 {
		t.Errorf("serial ingress ports = %v, want [16]", gotFrames)
	}
}

func TestEnableDisableEdges(t *testing.T) {
	d, underlay, link := newTestGateway(15)

	var rec edgeRecorder
	d.SetCallbacks(device.Callbacks{LinkChange: rec.cb})

	if err := d.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !underlay.enabled {
		t.Error("underlay was not enabled")
	}
	if len(rec.edges) != 1 || rec.edges[0].port != 16 || !rec.edges[0].up {
		t.Errorf("edges after enable = %v, want serial link-up", rec.edges)
	}

	if err := d.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if underlay.enabled {
		t.Error("underlay still enabled")
	}
	if !link.closed {
		t.Error("serial transport was not torn down")
	}
	last := rec.edges[len(rec.edges)-1]
	if last.port != 16 || last.up {
		t.Errorf("last edge = %v, want serial link-down", last)
	}
}

func TestPerPortOpsRouting(t *testing.T) {
	d, underlay, _ := newTestGateway(15)

	if err := d.EnablePort(4); err != nil || len(underlay.portOps) != 1 {
		t.Errorf("EnablePort(4) did not forward: %v", err)
	}
	if err := d.EnablePort(16); err != nil {
		t.Errorf("EnablePort on the serial port = %v, want no-op success", err)
	}
	if err := d.DisablePort(16); err != nil {
		t.Errorf("DisablePort on the serial port = %v, want no-op success", err)
	}
	if err := d.EnablePort(17); !errors.Is(err, device.ErrInvalidArgument) {
		t.Errorf("EnablePort(17) = %v, want ErrInvalidArgument", err)
	}

	up, err := d.RetryNegotiation(2)
	if err != nil || !up || underlay.renegPort != 2 {
		t.Errorf("RetryNegotiation(2) did not forward")
	}
	up, err = d.RetryNegotiation(16)
	if err != nil || up {
		t.Errorf("RetryNegotiation(serial) = (%v, %v), want (false, nil)", up, err)
	}
}

func TestPortStatsRouting(t *testing.T) {
	d, _, _ := newTestGateway(15)

	stats, err := d.PortStats(5)
	if err != nil || stats.TxFrames != 7 {
		t.Errorf("underlay stats = %+v, %v", stats, err)
	}

	frame := frameOf(30)
	if err := d.Send(frame, 16); err != nil {
		t.Fatal(err)
	}
	stats, err = d.PortStats(16)
	if err != nil || stats.TxFrames != 1 {
		t.Errorf("serial stats = %+v, %v; want one tx frame", stats, err)
	}

	if _, err := d.PortStats(17); !errors.Is(err, device.ErrInvalidArgument) {
		t.Errorf("PortStats(17) = %v, want ErrInvalidArgument", err)
	}
}
