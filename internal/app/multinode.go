package app

import (
	"fmt"
	"time"

	"github.com/bristlemouth/bm-sbc/internal/runtime"
	"github.com/bristlemouth/bm-sbc/internal/stack"
)

// Multinode is the reference validation application. It watches neighbor
// discovery and a shared pub/sub topic, and — once after a short startup
// delay — sends one mesh-wide ping and one test publication. Every event
// is printed with a stable token so an observing harness can grep the
// combined stdout of several nodes.
//
// Tokens: NEIGHBOR_UP, NEIGHBOR_DOWN, PUBSUB_RX, and the ping-reply glyph.
type Multinode struct {
	rt *runtime.Runtime

	started time.Time
	done    bool
}

const (
	testTopic    = "bm_sbc/test"
	testPayload  = "hello_from_multinode"
	startupDelay = 3 * time.Second
)

// NewMultinode binds the application to an initialized runtime.
func NewMultinode(rt *runtime.Runtime) *Multinode {
	return &Multinode{rt: rt}
}

// Setup registers the discovery and pub/sub observers.
func (m *Multinode) Setup() {
	self := m.rt.Cfg.NodeID

	m.rt.BCMP.RegisterDiscoveryCallback(func(discovered bool, nodeID uint64, port uint8) {
		state := "UP"
		if !discovered {
			state = "DOWN"
		}
		fmt.Printf("[%016x] NEIGHBOR_%s node=%016x port=%d\n", self, state, nodeID, port)
	})

	m.rt.PS.Subscribe(testTopic, func(src uint64, topic string, data []byte, _, _ uint8) {
		fmt.Printf("[%016x] PUBSUB_RX from=%016x topic=%s data=%s\n", self, src, topic, data)
	})

	fmt.Printf("[%016x] multinode app: setup\n", self)
}

// Loop waits out the startup delay, then performs the one-shot actions.
func (m *Multinode) Loop() {
	if m.done {
		return
	}
	if m.started.IsZero() {
		m.started = time.Now()
		return
	}
	if time.Since(m.started) < startupDelay {
		return
	}
	m.done = true

	self := m.rt.Cfg.NodeID

	if err := m.rt.BCMP.Ping(0, nil); err != nil {
		fmt.Printf("[%016x] multinode app: ping failed: %v\n", self, err)
	}
	if err := m.rt.MW.Publish(testTopic, []byte(testPayload), 0, stack.PubSubVersion); err != nil {
		fmt.Printf("[%016x] multinode app: publish failed: %v\n", self, err)
	}

	fmt.Printf("[%016x] multinode app: ping + pub sent\n", self)
}
