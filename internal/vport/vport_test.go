package vport

import (
	"bytes"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bristlemouth/bm-sbc/internal/device"
)

// recorder captures upward callbacks for assertions.
type recorder struct {
	mu     sync.Mutex
	frames []receivedFrame
	edges  []linkEdge
}

type receivedFrame struct {
	port  uint8
	frame []byte
}

type linkEdge struct {
	port uint8
	up   bool
}

func (r *recorder) callbacks() device.Callbacks {
	return device.Callbacks{
		Receive: func(port uint8, frame []byte) {
			cp := make([]byte, len(frame))
			copy(cp, frame)
			r.mu.Lock()
			r.frames = append(r.frames, receivedFrame{port, cp})
			r.mu.Unlock()
		},
		LinkChange: func(port uint8, up bool) {
			r.mu.Lock()
			r.edges = append(r.edges, linkEdge{port, up})
			r.mu.Unlock()
		},
	}
}

func (r *recorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *recorder) frameAt(i int) receivedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[i]
}

func (r *recorder) edgeList() []linkEdge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]linkEdge(nil), r.edges...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testFrame builds a minimal Ethernet-sized frame with a marker byte.
func testFrame(marker byte) []byte {
	frame := make([]byte, device.MinFrameSize)
	for i := range frame {
		frame[i] = marker
	}
	return frame
}

// bringUp enables a device and negotiates the given ports up.
func bringUp(t *testing.T, d *Device, ports ...uint8) {
	t.Helper()
	if err := d.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	t.Cleanup(func() { d.Disable() })
	for _, p := range ports {
		up, err := d.RetryNegotiation(p)
		if err != nil {
			t.Fatalf("RetryNegotiation(%d): %v", p, err)
		}
		if !up {
			t.Fatalf("RetryNegotiation(%d): link did not come up", p)
		}
	}
}

func TestNumPortsConstant(t *testing.T) {
	d := New(0x10, t.TempDir(), []uint64{0x20})
	if d.NumPorts() != MaxPeers {
		t.Fatalf("NumPorts = %d, want %d", d.NumPorts(), MaxPeers)
	}
	if err := d.Enable(); err != nil {
		t.Fatal(err)
	}
	if d.NumPorts() != MaxPeers {
		t.Errorf("NumPorts changed after enable")
	}
	d.Disable()
	if d.NumPorts() != MaxPeers {
		t.Errorf("NumPorts changed after disable")
	}
}

func TestPeerCapDropsExtras(t *testing.T) {
	ids := make([]uint64, MaxPeers+1)
	for i := range ids {
		ids[i] = uint64(i + 1)
	}
	d := New(0x99, t.TempDir(), ids)

	if got := d.PeerID(MaxPeers); got != uint64(MaxPeers) {
		t.Errorf("slot 15 holds %x, want %x", got, MaxPeers)
	}
}

// TestEnableFiresNoLinkChange pins the race contract: even with the peer
// endpoint already present, enable itself delivers no edges.
func TestEnableFiresNoLinkChange(t *testing.T) {
	dir := t.TempDir()

	b := New(2, dir, []uint64{1})
	if err := b.Enable(); err != nil {
		t.Fatal(err)
	}
	defer b.Disable()

	var rec recorder
	a := New(1, dir, []uint64{2})
	a.SetCallbacks(rec.callbacks())
	if err := a.Enable(); err != nil {
		t.Fatal(err)
	}
	defer a.Disable()

	time.Sleep(50 * time.Millisecond)
	if edges := rec.edgeList(); len(edges) != 0 {
		t.Fatalf("enable delivered link edges: %v", edges)
	}

	up, err := a.RetryNegotiation(1)
	if err != nil || !up {
		t.Fatalf("RetryNegotiation = (%v, %v), want (true, nil)", up, err)
	}
	edges := rec.edgeList()
	if len(edges) != 1 || edges[0] != (linkEdge{1, true}) {
		t.Fatalf("edges after negotiation = %v, want exactly one up edge on port 1", edges)
	}

	// A second pass reports nothing new.
	up, err = a.RetryNegotiation(1)
	if err != nil || up {
		t.Fatalf("second RetryNegotiation = (%v, %v), want (false, nil)", up, err)
	}
	if len(rec.edgeList()) != 1 {
		t.Fatalf("second negotiation delivered a spurious edge")
	}
}

func TestRetryNegotiationAbsentPeer(t *testing.T) {
	var rec recorder
	a := New(1, t.TempDir(), []uint64{2})
	a.SetCallbacks(rec.callbacks())
	if err := a.Enable(); err != nil {
		t.Fatal(err)
	}
	defer a.Disable()

	up, err := a.RetryNegotiation(1)
	if err != nil || up {
		t.Fatalf("RetryNegotiation with absent peer = (%v, %v), want (false, nil)", up, err)
	}
	if len(rec.edgeList()) != 0 {
		t.Fatal("absent peer produced a link edge")
	}
}

func TestUnicastDelivery(t *testing.T) {
	dir := t.TempDir()

	var recB recorder
	b := New(2, dir, []uint64{1})
	b.SetCallbacks(recB.callbacks())
	bringUp(t, b)

	a := New(1, dir, []uint64{2})
	bringUp(t, a, 1)

	frame := testFrame(0xAB)
	if err := a.Send(frame, 1); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, func() bool { return recB.frameCount() == 1 }, "unicast delivery")
	got := recB.frameAt(0)
	if got.port != 1 {
		t.Errorf("ingress port = %d, want 1", got.port)
	}
	if !bytes.Equal(got.frame, frame) {
		t.Errorf("frame mismatch")
	}

	stats, err := a.PortStats(1)
	if err != nil || stats.TxFrames != 1 {
		t.Errorf("PortStats = %+v, %v; want one tx frame", stats, err)
	}
}

// TestFloodDelivery checks that a flood reaches every up link exactly once
// and that each receiver sees the sender's egress index as its ingress
// port.
func TestFloodDelivery(t *testing.T) {
	dir := t.TempDir()

	var recB, recC recorder
	b := New(2, dir, []uint64{1})
	b.SetCallbacks(recB.callbacks())
	bringUp(t, b)

	c := New(3, dir, []uint64{1})
	c.SetCallbacks(recC.callbacks())
	bringUp(t, c)

	a := New(1, dir, []uint64{2, 3})
	bringUp(t, a, 1, 2)

	frame := testFrame(0xF0)
	if err := a.Send(frame, device.FloodPort); err != nil {
		t.Fatalf("flood: %v", err)
	}

	waitFor(t, func() bool { return recB.frameCount() == 1 && recC.frameCount() == 1 }, "flood delivery")
	time.Sleep(20 * time.Millisecond) // no duplicates trailing in
	if recB.frameCount() != 1 || recC.frameCount() != 1 {
		t.Fatalf("duplicate flood delivery: B=%d C=%d", recB.frameCount(), recC.frameCount())
	}

	if got := recB.frameAt(0).port; got != 1 {
		t.Errorf("B ingress port = %d, want 1 (A's egress to B)", got)
	}
	if got := recC.frameAt(0).port; got != 2 {
		t.Errorf("C ingress port = %d, want 2 (A's egress to C)", got)
	}
}

func TestSendArgumentErrors(t *testing.T) {
	dir := t.TempDir()
	a := New(1, dir, []uint64{2})
	bringUp(t, a)

	testCases := []struct {
		name  string
		frame []byte
		port  uint8
		want  error
	}{
		{"oversize frame", make([]byte, 1600), 1, device.ErrInvalidArgument},
		{"empty frame", nil, 1, device.ErrInvalidArgument},
		{"port out of range", testFrame(1), 16, device.ErrInvalidArgument},
		{"down port", testFrame(1), 1, device.ErrIO},
		{"unconfigured port", testFrame(1), 9, device.ErrIO},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := a.Send(tc.frame, tc.port); !errors.Is(err, tc.want) {
				t.Errorf("Send = %v, want %v", err, tc.want)
			}
		})
	}
}

// TestOversizeEmitsNoDatagram verifies the rejected send never reaches the
// peer socket.
func TestOversizeEmitsNoDatagram(t *testing.T) {
	dir := t.TempDir()

	var recB recorder
	b := New(2, dir, []uint64{1})
	b.SetCallbacks(recB.callbacks())
	bringUp(t, b)

	a := New(1, dir, []uint64{2})
	bringUp(t, a, 1)

	if err := a.Send(make([]byte, 1600), 1); !errors.Is(err, device.ErrInvalidArgument) {
		t.Fatalf("Send oversize = %v, want ErrInvalidArgument", err)
	}

	time.Sleep(50 * time.Millisecond)
	if recB.frameCount() != 0 {
		t.Fatal("oversize frame reached the peer")
	}
}

// TestInvalidDatagramsDropped injects malformed datagrams straight onto the
// receive socket: bad port bytes and short payloads must never surface.
func TestInvalidDatagramsDropped(t *testing.T) {
	dir := t.TempDir()

	var rec recorder
	a := New(1, dir, []uint64{2})
	a.SetCallbacks(rec.callbacks())
	bringUp(t, a)

	raw, err := net.DialUnix("unixgram", nil,
		&net.UnixAddr{Name: SockPath(dir, 1), Net: "unixgram"})
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	valid := testFrame(0x55)

	// Port byte 0 (flood is API-only), port byte 16, short datagram.
	for _, datagram := range [][]byte{
		append([]byte{0}, valid...),
		append([]byte{16}, valid...),
		{1, 0xAA, 0xBB},
	} {
		if _, err := raw.Write(datagram); err != nil {
			t.Fatal(err)
		}
	}
	// Then one valid datagram as a fence.
	if _, err := raw.Write(append([]byte{3}, valid...)); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return rec.frameCount() == 1 }, "fence datagram")
	if got := rec.frameAt(0).port; got != 3 {
		t.Errorf("fence ingress port = %d, want 3", got)
	}
}

func TestStaleSocketRecovery(t *testing.T) {
	dir := t.TempDir()
	stale := SockPath(dir, 1)
	if err := os.WriteFile(stale, []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	a := New(1, dir, nil)
	if err := a.Enable(); err != nil {
		t.Fatalf("Enable with stale socket artifact: %v", err)
	}
	defer a.Disable()
}

// TestDisable verifies teardown: bounded join, link-down edges for every
// up port, socket artifact removal, idempotence.
func TestDisable(t *testing.T) {
	dir := t.TempDir()

	b := New(2, dir, []uint64{1})
	bringUp(t, b)
	c := New(3, dir, []uint64{1})
	bringUp(t, c)

	var rec recorder
	a := New(1, dir, []uint64{2, 3})
	a.SetCallbacks(rec.callbacks())
	bringUp(t, a, 1, 2)

	start := time.Now()
	if err := a.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("Disable took %v, want ≤1s plus margin", elapsed)
	}

	downs := map[uint8]int{}
	for _, e := range rec.edgeList() {
		if !e.up {
			downs[e.port]++
		}
	}
	if downs[1] != 1 || downs[2] != 1 || len(downs) != 2 {
		t.Errorf("link-down edges = %v, want exactly one for ports 1 and 2", downs)
	}

	if _, err := os.Stat(SockPath(dir, 1)); !os.IsNotExist(err) {
		t.Error("receive socket artifact still present after disable")
	}

	if err := a.Disable(); err != nil {
		t.Errorf("second Disable: %v", err)
	}
}

func TestEnableDisablePort(t *testing.T) {
	dir := t.TempDir()

	b := New(2, dir, []uint64{1})
	bringUp(t, b)

	var rec recorder
	a := New(1, dir, []uint64{2})
	a.SetCallbacks(rec.callbacks())
	bringUp(t, a)

	if err := a.EnablePort(1); err != nil {
		t.Fatalf("EnablePort: %v", err)
	}
	if err := a.DisablePort(1); err != nil {
		t.Fatalf("DisablePort: %v", err)
	}

	want := []linkEdge{{1, true}, {1, false}}
	got := rec.edgeList()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("edges = %v, want %v", got, want)
	}

	if err := a.EnablePort(5); !errors.Is(err, device.ErrInvalidArgument) {
		t.Errorf("EnablePort on unconfigured slot = %v, want ErrInvalidArgument", err)
	}
}
