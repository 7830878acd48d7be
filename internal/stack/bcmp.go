package stack

import (
	"fmt"
	"sync"
	"time"

	"github.com/bristlemouth/bm-sbc/internal/util"
)

const (
	// heartbeatInterval is the per-link neighbor announcement cadence.
	heartbeatInterval = time.Second

	// neighborTimeout declares a silent neighbor offline.
	neighborTimeout = 5 * time.Second
)

// DiscoveryFunc observes neighbor table edges: discovered=true on first
// contact, false when the neighbor times out or its link drops.
type DiscoveryFunc func(discovered bool, nodeID uint64, port uint8)

// neighbor is one live entry in the neighbor table, keyed by port: a port
// carries at most one direct neighbor.
type neighbor struct {
	nodeID   uint64
	lastSeen time.Time
}

// BCMP implements the control-message protocol: link-scoped heartbeats
// announce the node on every up link, first contact populates the neighbor
// table and the topology, and a mesh-scoped echo exercises reachability.
type BCMP struct {
	l2   *L2
	topo *Topology

	mu         sync.Mutex
	neighbors  map[uint8]*neighbor
	discovered []DiscoveryFunc
	echoSeq    uint32

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewBCMP registers the protocol's message handlers and link watcher with
// the switch. Ticking starts with Start, after the stack is assembled.
func NewBCMP(l2 *L2) *BCMP {
	b := &BCMP{
		l2:        l2,
		neighbors: make(map[uint8]*neighbor),
		stop:      make(chan struct{}),
	}
	l2.registerHandler(msgHeartbeat, b.onHeartbeat)
	l2.registerHandler(msgEchoRequest, b.onEchoRequest)
	l2.registerHandler(msgEchoReply, b.onEchoReply)
	l2.watchLinks(b.onLinkChange)
	return b
}

// AttachTopology points the protocol at the port→neighbor table it keeps
// current. Called once during stack init.
func (b *BCMP) AttachTopology(topo *Topology) {
	b.mu.Lock()
	b.topo = topo
	b.mu.Unlock()
}

// RegisterDiscoveryCallback adds an observer for neighbor edges.
func (b *BCMP) RegisterDiscoveryCallback(fn DiscoveryFunc) {
	b.mu.Lock()
	b.discovered = append(b.discovered, fn)
	b.mu.Unlock()
}

// Neighbors returns a port→node snapshot of the live neighbor table.
func (b *BCMP) Neighbors() map[uint8]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint8]uint64, len(b.neighbors))
	for port, n := range b.neighbors {
		out[port] = n.nodeID
	}
	return out
}

// Start begins heartbeat emission and the timeout sweep.
func (b *BCMP) Start() {
	b.wg.Add(1)
	go b.tickLoop()
}

// Stop halts the ticker.
func (b *BCMP) Stop() {
	close(b.stop)
	b.wg.Wait()
}

// Ping sends a mesh-scoped echo request. target 0 addresses every node.
func (b *BCMP) Ping(target uint64, payload []byte) error {
	b.mu.Lock()
	b.echoSeq++
	seq := b.echoSeq
	b.mu.Unlock()

	return b.l2.sendMeshScope(msgEchoRequest, encodeEcho(&echoBody{
		Target:  target,
		Seq:     seq,
		Payload: payload,
	}))
}

// ---------------------------------------------------------------------------
// Tickers
// ---------------------------------------------------------------------------

func (b *BCMP) tickLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if err := b.l2.sendLinkScope(msgHeartbeat, nil); err != nil {
				util.LogDebug("bcmp: heartbeat: %v", err)
			}
			b.sweep()
		}
	}
}

// sweep drops neighbors that have stopped heartbeating.
func (b *BCMP) sweep() {
	now := time.Now()

	b.mu.Lock()
	var lost []struct {
		port uint8
		id   uint64
	}
	for port, n := range b.neighbors {
		if now.Sub(n.lastSeen) > neighborTimeout {
			lost = append(lost, struct {
				port uint8
				id   uint64
			}{port, n.nodeID})
			delete(b.neighbors, port)
		}
	}
	cbs := b.callbacksLocked()
	b.mu.Unlock()

	for _, l := range lost {
		if t := b.topology(); t != nil {
			t.Clear(l.port)
		}
		for _, fn := range cbs {
			fn(false, l.id, l.port)
		}
	}
}

// ---------------------------------------------------------------------------
// Message handlers (run on the device receive goroutine)
// ---------------------------------------------------------------------------

func (b *BCMP) onHeartbeat(port uint8, hdr msgHeader, _ []byte) {
	b.mu.Lock()
	n := b.neighbors[port]
	isNew := n == nil || n.nodeID != hdr.SrcNode
	b.neighbors[port] = &neighbor{nodeID: hdr.SrcNode, lastSeen: time.Now()}
	cbs := b.callbacksLocked()
	b.mu.Unlock()

	if !isNew {
		return
	}
	if t := b.topology(); t != nil {
		t.Set(port, hdr.SrcNode)
	}
	for _, fn := range cbs {
		if n != nil {
			// The port changed hands without a link edge.
			fn(false, n.nodeID, port)
		}
		fn(true, hdr.SrcNode, port)
	}
}

func (b *BCMP) onEchoRequest(port uint8, hdr msgHeader, body []byte) {
	echo, err := decodeEcho(body)
	if err != nil {
		util.LogDebug("bcmp: %v", err)
		return
	}
	if echo.Target != 0 && echo.Target != b.l2.nodeID {
		return
	}

	reply := encodeEcho(&echoBody{
		Target:  hdr.SrcNode,
		Seq:     echo.Seq,
		Payload: echo.Payload,
	})
	if err := b.l2.sendTo(port, hdr.SrcNode, msgEchoReply, reply); err != nil {
		util.LogDebug("bcmp: echo reply to %016x: %v", hdr.SrcNode, err)
	}
}

func (b *BCMP) onEchoReply(_ uint8, hdr msgHeader, body []byte) {
	echo, err := decodeEcho(body)
	if err != nil {
		util.LogDebug("bcmp: %v", err)
		return
	}

	// Contract line for observing harnesses; the glyph marks a ping reply.
	fmt.Printf("[%016x] 🏓 ping reply from=%016x bcmp_seq=%d len=%d\n",
		b.l2.nodeID, hdr.SrcNode, echo.Seq, len(echo.Payload))
}

// onLinkChange drops the neighbor on a downed port immediately rather than
// waiting out the heartbeat timeout.
func (b *BCMP) onLinkChange(port uint8, up bool) {
	if up {
		return
	}

	b.mu.Lock()
	n := b.neighbors[port]
	delete(b.neighbors, port)
	cbs := b.callbacksLocked()
	b.mu.Unlock()

	if n == nil {
		return
	}
	if t := b.topology(); t != nil {
		t.Clear(port)
	}
	for _, fn := range cbs {
		fn(false, n.nodeID, port)
	}
}

func (b *BCMP) topology() *Topology {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topo
}

// callbacksLocked snapshots the discovery observers; callers invoke them
// outside the lock.
func (b *BCMP) callbacksLocked() []DiscoveryFunc {
	return append([]DiscoveryFunc(nil), b.discovered...)
}
