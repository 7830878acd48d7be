package stack

import (
	"fmt"
	"sync"
	"time"

	"github.com/bristlemouth/bm-sbc/internal/device"
	"github.com/bristlemouth/bm-sbc/internal/util"
)

// renegotiationInterval is the cadence of the per-port reachability probe
// on down ports. The first tick after enable reports the initial link-up
// edges, so the timers are armed before any edge can arrive.
const renegotiationInterval = 100 * time.Millisecond

// handlerFunc consumes one delivered stack message.
type handlerFunc func(ingress uint8, hdr msgHeader, body []byte)

// L2 owns the network device: it installs the device callbacks, runs the
// renegotiation ticker, tracks per-port link state, delivers local traffic
// to the registered protocol handlers, and re-floods mesh-scoped traffic
// out every other up port.
type L2 struct {
	dev      device.NetworkDevice
	numPorts uint8
	selfMAC  MAC
	nodeID   uint64

	mu       sync.Mutex
	portUp   []bool // index port-1
	handlers map[uint8]handlerFunc
	watchers []func(port uint8, up bool)

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewL2 wires the switch to dev. The device is not enabled yet; Start does
// that once the rest of the stack has registered its handlers.
func NewL2(dev device.NetworkDevice, nodeID uint64) *L2 {
	l := &L2{
		dev:      dev,
		numPorts: dev.NumPorts(),
		selfMAC:  NodeMAC(nodeID),
		nodeID:   nodeID,
		portUp:   make([]bool, dev.NumPorts()),
		handlers: make(map[uint8]handlerFunc),
		stop:     make(chan struct{}),
	}
	dev.SetCallbacks(device.Callbacks{
		Receive:    l.onReceive,
		LinkChange: l.onLinkChange,
	})
	return l
}

// NumPorts returns the device's fixed port count.
func (l *L2) NumPorts() uint8 { return l.numPorts }

// registerHandler installs the consumer for one message type. Called by the
// protocol layers during stack init, before Start.
func (l *L2) registerHandler(msgType uint8, fn handlerFunc) {
	l.mu.Lock()
	l.handlers[msgType] = fn
	l.mu.Unlock()
}

// watchLinks registers a link-state observer, invoked after the port-up
// table has been updated.
func (l *L2) watchLinks(fn func(port uint8, up bool)) {
	l.mu.Lock()
	l.watchers = append(l.watchers, fn)
	l.mu.Unlock()
}

// Start enables the device and starts the renegotiation ticker. The IPC
// device delivers no link edges from Enable, so every IPC link-up edge
// comes from the ticker started here; the composite device reports its
// serial link up from inside Enable.
func (l *L2) Start() error {
	if err := l.dev.Enable(); err != nil {
		return fmt.Errorf("enable device: %w", err)
	}
	l.wg.Add(1)
	go l.renegotiationLoop()
	return nil
}

// Stop halts the ticker and disables the device.
func (l *L2) Stop() error {
	close(l.stop)
	l.wg.Wait()
	return l.dev.Disable()
}

// PortUp reports the current link state of a port.
func (l *L2) PortUp(port uint8) bool {
	if port < 1 || port > l.numPorts {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.portUp[port-1]
}

// ---------------------------------------------------------------------------
// Sending
// ---------------------------------------------------------------------------

// sendLinkScope floods a message to every directly attached neighbor; the
// receiving switch never forwards it further.
func (l *L2) sendLinkScope(msgType uint8, body []byte) error {
	payload := encodeHeader(msgType, 1, l.nodeID, body)
	frame := buildEthFrame(macLinkScope, l.selfMAC, payload)
	return l.dev.Send(frame, device.FloodPort)
}

// sendMeshScope floods a message to the whole mesh; receiving switches
// re-flood it until the hop limit runs out.
func (l *L2) sendMeshScope(msgType uint8, body []byte) error {
	payload := encodeHeader(msgType, hopLimitDefault, l.nodeID, body)
	frame := buildEthFrame(macMeshScope, l.selfMAC, payload)
	return l.dev.Send(frame, device.FloodPort)
}

// sendTo addresses a message to one node, first hop on the given port.
func (l *L2) sendTo(port uint8, dstNode uint64, msgType uint8, body []byte) error {
	payload := encodeHeader(msgType, hopLimitDefault, l.nodeID, body)
	frame := buildEthFrame(NodeMAC(dstNode), l.selfMAC, payload)
	return l.dev.Send(frame, port)
}

// ---------------------------------------------------------------------------
// Device callbacks
// ---------------------------------------------------------------------------

// onReceive classifies one ingress frame: local delivery, forwarding, or
// both. Runs on the device receive goroutine; handlers must not block.
func (l *L2) onReceive(port uint8, frame []byte) {
	dst, src, etherType, payload, ok := parseEthFrame(frame)
	if !ok || etherType != EtherTypeBM {
		util.Stats.AddRxDropped()
		return
	}
	if src == l.selfMAC {
		// Own flood echoed back through a loop.
		return
	}

	hdr, body, err := decodeHeader(payload)
	if err != nil {
		util.Stats.AddRxDropped()
		util.LogDebug("l2: dropped frame on port %d: %v", port, err)
		return
	}

	switch {
	case dst == macLinkScope:
		l.deliver(port, hdr, body)
	case dst == macMeshScope:
		l.deliver(port, hdr, body)
		l.forward(frame, port, hdr.HopLimit)
	case dst == l.selfMAC:
		l.deliver(port, hdr, body)
	case !dst.IsMulticast():
		// Unicast in transit.
		l.forward(frame, port, hdr.HopLimit)
	default:
		util.Stats.AddRxDropped()
	}
}

// deliver hands a message to its registered handler.
func (l *L2) deliver(port uint8, hdr msgHeader, body []byte) {
	l.mu.Lock()
	fn := l.handlers[hdr.Type]
	l.mu.Unlock()
	if fn == nil {
		util.LogDebug("l2: no handler for message type 0x%02x", hdr.Type)
		return
	}
	fn(port, hdr, body)
}

// forward re-sends a transit frame out every up port except the ingress,
// with the hop limit decremented. Frames out of hops are dropped.
func (l *L2) forward(frame []byte, ingress uint8, hopLimit uint8) {
	if hopLimit <= 1 {
		return
	}

	fwd := make([]byte, len(frame))
	copy(fwd, frame)
	fwd[EthHeaderSize+offHopLimit] = hopLimit - 1

	l.mu.Lock()
	up := make([]bool, len(l.portUp))
	copy(up, l.portUp)
	l.mu.Unlock()

	for p := uint8(1); p <= l.numPorts; p++ {
		if p == ingress || !up[p-1] {
			continue
		}
		if err := l.dev.Send(fwd, p); err != nil {
			util.LogDebug("l2: forward on port %d: %v", p, err)
		}
	}
}

// onLinkChange updates the port table and notifies the observers.
func (l *L2) onLinkChange(port uint8, up bool) {
	if port < 1 || port > l.numPorts {
		return
	}
	l.mu.Lock()
	l.portUp[port-1] = up
	watchers := make([]func(uint8, bool), len(l.watchers))
	copy(watchers, l.watchers)
	l.mu.Unlock()

	util.LogDebug("l2: port %d link %s", port, map[bool]string{true: "up", false: "down"}[up])
	for _, fn := range watchers {
		fn(port, up)
	}
}

// renegotiationLoop probes every down port on a fixed cadence. Reachable
// peers produce the link-up edge here, never inside device enable.
func (l *L2) renegotiationLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(renegotiationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			for p := uint8(1); p <= l.numPorts; p++ {
				if l.PortUp(p) {
					continue
				}
				if _, err := l.dev.RetryNegotiation(p); err != nil {
					util.LogDebug("l2: renegotiation on port %d: %v", p, err)
				}
			}
		}
	}
}
