// Package vport implements the local-IPC network device: up to fifteen
// virtual ports, each wired to one statically configured peer over a Unix
// SOCK_DGRAM socket. Port i maps to peer slot i-1. Each datagram on the
// wire is one egress-port byte (1..15) followed by the raw L2 frame.
package vport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bristlemouth/bm-sbc/internal/device"
	"github.com/bristlemouth/bm-sbc/internal/util"
)

const (
	// MaxPeers is the fixed port count: every device exposes fifteen
	// ports whether or not all slots are configured.
	MaxPeers = 15

	// maxDatagram bounds a wire datagram: port byte + largest L2 frame.
	maxDatagram = 1 + device.MaxFrameSize

	// recvTimeout bounds each blocking read so disable can join the
	// receive goroutine within a second.
	recvTimeout = time.Second
)

// SockPath derives the receive-endpoint path for a node identity.
func SockPath(dir string, nodeID uint64) string {
	return fmt.Sprintf("%s/bm_sbc_%016x.sock", dir, nodeID)
}

// peerEntry is one slot in the peer table. Slots are indexed 0..14; port
// numbers are slot index + 1.
type peerEntry struct {
	nodeID uint64
	path   string
	active bool

	// conn is the outbound datagram socket connected to the peer's
	// receive endpoint. nil while unopened; non-nil means the link is up.
	conn *net.UnixConn

	stats device.PortStats
}

// Device is a local-IPC NetworkDevice instance. All state is per-instance
// so multiple devices can coexist in one process.
type Device struct {
	mu sync.Mutex

	ownID   uint64
	ownPath string
	peers   [MaxPeers]peerEntry

	recv    *net.UnixConn // bound receive endpoint, nil until enabled
	enabled bool
	running bool
	wg      sync.WaitGroup

	cbs device.Callbacks
}

var _ device.NetworkDevice = (*Device)(nil)

// New builds a device from the launch configuration. Peer identities beyond
// the fifteen-slot cap are dropped with a diagnostic. Paths are computed up
// front; no sockets are touched until Enable.
func New(ownID uint64, socketDir string, peerIDs []uint64) *Device {
	d := &Device{
		ownID:   ownID,
		ownPath: SockPath(socketDir, ownID),
	}

	if len(peerIDs) > MaxPeers {
		util.LogWarning("vport: %d peers configured, keeping the first %d",
			len(peerIDs), MaxPeers)
		peerIDs = peerIDs[:MaxPeers]
	}

	for i, id := range peerIDs {
		d.peers[i] = peerEntry{
			nodeID: id,
			path:   SockPath(socketDir, id),
			active: true,
		}
	}
	return d
}

// NodeID returns the device's own node identity.
func (d *Device) NodeID() uint64 { return d.ownID }

// PeerID returns the configured peer identity for a port, or 0 when the
// slot is inactive or the port is out of range.
func (d *Device) PeerID(port uint8) uint64 {
	if port < 1 || port > MaxPeers {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers[port-1].nodeID
}

// NumPorts returns the fixed port count.
func (d *Device) NumPorts() uint8 { return MaxPeers }

// SetCallbacks installs the upward callback block.
func (d *Device) SetCallbacks(cbs device.Callbacks) {
	d.mu.Lock()
	d.cbs = cbs
	d.mu.Unlock()
}

// Enable binds the receive endpoint and starts the receive goroutine. It
// deliberately opens no outbound sockets and fires no link_change edges:
// the stack's first renegotiation pass does both once its per-port timers
// are armed.
func (d *Device) Enable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled {
		return nil
	}

	// A previous instance may have died without unlinking its socket.
	_ = os.Remove(d.ownPath)

	addr := &net.UnixAddr{Name: d.ownPath, Net: "unixgram"}
	recv, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("%w: bind %s: %s", device.ErrIO, d.ownPath, err)
	}
	d.recv = recv

	// Outbound sockets stay unopened here: connecting is the reachability
	// probe, and probing belongs to the renegotiation pass so link-up
	// edges never race the stack arming its per-port timers.

	d.enabled = true
	d.running = true
	d.wg.Add(1)
	go d.rxLoop(recv)

	return nil
}

// Disable stops the receive goroutine, unlinks the receive endpoint, closes
// every outbound socket, and reports link-down for each previously-up port.
// Idempotent; completes within one bounded receive timeout.
func (d *Device) Disable() error {
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return nil
	}
	d.enabled = false
	d.running = false
	recv := d.recv
	d.recv = nil
	d.mu.Unlock()

	// Closing the fd unblocks a read in progress; the deadline bounds the
	// join regardless.
	recv.Close()
	_ = os.Remove(d.ownPath)
	d.wg.Wait()

	d.mu.Lock()
	var downs []uint8
	for i := range d.peers {
		if d.peers[i].conn != nil {
			d.peers[i].conn.Close()
			d.peers[i].conn = nil
			downs = append(downs, uint8(i+1))
		}
	}
	linkChange := d.cbs.LinkChange
	d.mu.Unlock()

	if linkChange != nil {
		for _, port := range downs {
			linkChange(port, false)
		}
	}
	return nil
}

// EnablePort opens the outbound socket for a configured slot and reports
// the link-up edge.
func (d *Device) EnablePort(port uint8) error {
	if port < 1 || port > MaxPeers {
		return fmt.Errorf("%w: port %d", device.ErrInvalidArgument, port)
	}

	d.mu.Lock()
	p := &d.peers[port-1]
	if !p.active {
		d.mu.Unlock()
		return fmt.Errorf("%w: port %d not configured", device.ErrInvalidArgument, port)
	}
	if p.conn != nil {
		d.mu.Unlock()
		return nil
	}
	conn, err := dialPeer(p.path)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: open port %d: %s", device.ErrIO, port, err)
	}
	p.conn = conn
	linkChange := d.cbs.LinkChange
	d.mu.Unlock()

	if linkChange != nil {
		linkChange(port, true)
	}
	return nil
}

// DisablePort closes the outbound socket for a slot and reports the
// link-down edge.
func (d *Device) DisablePort(port uint8) error {
	if port < 1 || port > MaxPeers {
		return fmt.Errorf("%w: port %d", device.ErrInvalidArgument, port)
	}

	d.mu.Lock()
	p := &d.peers[port-1]
	if p.conn == nil {
		d.mu.Unlock()
		return nil
	}
	p.conn.Close()
	p.conn = nil
	linkChange := d.cbs.LinkChange
	d.mu.Unlock()

	if linkChange != nil {
		linkChange(port, false)
	}
	return nil
}

// RetryNegotiation probes a down port. Datagram sockets carry no handshake,
// so negotiation reduces to "does the peer's receive endpoint exist": when
// the connect succeeds the link is declared up.
func (d *Device) RetryNegotiation(port uint8) (bool, error) {
	if port < 1 || port > MaxPeers {
		return false, fmt.Errorf("%w: port %d", device.ErrInvalidArgument, port)
	}

	d.mu.Lock()
	p := &d.peers[port-1]
	if !d.enabled || !p.active || p.conn != nil {
		d.mu.Unlock()
		return false, nil
	}
	conn, err := dialPeer(p.path)
	if err != nil {
		d.mu.Unlock()
		return false, nil
	}
	p.conn = conn
	linkChange := d.cbs.LinkChange
	d.mu.Unlock()

	if linkChange != nil {
		linkChange(port, true)
	}
	return true, nil
}

// Send transmits a frame on one port, or on every up link when port is
// device.FloodPort. The egress port byte written to the wire is, by
// construction, the receiver's ingress port number; the flood indicator
// itself never appears on the wire.
func (d *Device) Send(frame []byte, port uint8) error {
	if len(frame) == 0 || len(frame) > device.MaxFrameSize {
		return fmt.Errorf("%w: frame length %d", device.ErrInvalidArgument, len(frame))
	}
	if port > MaxPeers {
		return fmt.Errorf("%w: port %d", device.ErrInvalidArgument, port)
	}

	if port == device.FloodPort {
		return d.flood(frame)
	}

	d.mu.Lock()
	p := &d.peers[port-1]
	active, conn := p.active, p.conn
	d.mu.Unlock()

	if !active || conn == nil {
		return fmt.Errorf("%w: port %d is down", device.ErrIO, port)
	}

	if err := writeDatagram(conn, port, frame); err != nil {
		d.mu.Lock()
		d.peers[port-1].stats.TxErrors++
		d.mu.Unlock()
		util.Stats.AddTxFailed()
		return fmt.Errorf("%w: send port %d: %s", device.ErrIO, port, err)
	}

	d.mu.Lock()
	d.peers[port-1].stats.TxFrames++
	d.mu.Unlock()
	util.Stats.AddSent(len(frame))
	return nil
}

// flood sends the frame once to every up link, each datagram tagged with
// that slot's egress port number.
func (d *Device) flood(frame []byte) error {
	type target struct {
		port uint8
		conn *net.UnixConn
	}

	d.mu.Lock()
	var targets []target
	for i := range d.peers {
		if d.peers[i].active && d.peers[i].conn != nil {
			targets = append(targets, target{uint8(i + 1), d.peers[i].conn})
		}
	}
	d.mu.Unlock()

	var failed int
	for _, t := range targets {
		if err := writeDatagram(t.conn, t.port, frame); err != nil {
			failed++
			util.Stats.AddTxFailed()
			d.mu.Lock()
			d.peers[t.port-1].stats.TxErrors++
			d.mu.Unlock()
			continue
		}
		d.mu.Lock()
		d.peers[t.port-1].stats.TxFrames++
		d.mu.Unlock()
		util.Stats.AddSent(len(frame))
	}

	if failed > 0 {
		return fmt.Errorf("%w: flood failed on %d of %d ports", device.ErrIO, failed, len(targets))
	}
	return nil
}

// PortStats returns the per-port traffic counters.
func (d *Device) PortStats(port uint8) (device.PortStats, error) {
	if port < 1 || port > MaxPeers {
		return device.PortStats{}, fmt.Errorf("%w: port %d", device.ErrInvalidArgument, port)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers[port-1].stats, nil
}

// HandleInterrupt is part of the contract; nothing to do on this host.
func (d *Device) HandleInterrupt() error { return nil }

// rxLoop is the receive goroutine: one bounded blocking read per iteration,
// re-checking the running flag on timeout. Invalid datagrams are dropped.
// The callback pointer is snapshotted under the lock and invoked outside it.
func (d *Device) rxLoop(recv *net.UnixConn) {
	defer d.wg.Done()

	buf := make([]byte, maxDatagram+1)
	for {
		d.mu.Lock()
		running := d.running
		d.mu.Unlock()
		if !running {
			return
		}

		recv.SetReadDeadline(time.Now().Add(recvTimeout))
		n, _, err := recv.ReadFromUnix(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			d.mu.Lock()
			running = d.running
			d.mu.Unlock()
			if running {
				// Fatal receive error: the device goes passive until
				// the stack disables it.
				util.LogError("vport: receive loop terminated: %v", err)
			}
			return
		}

		if n < 1+device.MinFrameSize || n > maxDatagram {
			util.Stats.AddRxDropped()
			continue
		}
		port := buf[0]
		if port < 1 || port > MaxPeers {
			util.Stats.AddRxDropped()
			continue
		}

		d.mu.Lock()
		receive := d.cbs.Receive
		d.peers[port-1].stats.RxFrames++
		d.mu.Unlock()

		if receive != nil {
			frame := make([]byte, n-1)
			copy(frame, buf[1:n])
			receive(port, frame)
		}
		util.Stats.AddRecv(n - 1)
	}
}

// dialPeer opens an unbound datagram socket connected to a peer's receive
// endpoint. The connect fails while the endpoint does not exist, which is
// exactly the down state.
func dialPeer(path string) (*net.UnixConn, error) {
	return net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
}

// writeDatagram writes [egress-port byte || frame] as one datagram.
func writeDatagram(conn *net.UnixConn, port uint8, frame []byte) error {
	datagram := make([]byte, 0, 1+len(frame))
	datagram = append(datagram, port)
	datagram = append(datagram, frame...)
	_, err := conn.Write(datagram)
	return err
}
