// Package status serves a live node-status feed for observers: an HTTP
// endpoint whose /ws WebSocket streams periodic JSON snapshots of the node
// identity and address, uptime, traffic counters, and port→neighbor table.
// Per-port link state is not included. It carries no mesh traffic.
package status

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bristlemouth/bm-sbc/internal/stack"
	"github.com/bristlemouth/bm-sbc/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// snapshotInterval is the feed cadence per connected client.
const snapshotInterval = time.Second

// Snapshot is one status report pushed to every connected client.
type Snapshot struct {
	NodeID    string                `json:"node_id"`
	Address   string                `json:"address"`
	UptimeSec int64                 `json:"uptime_sec"`
	Stats     util.Snapshot         `json:"stats"`
	Topology  []stack.PortNeighbor  `json:"topology"`
}

// Server streams node status over WebSocket.
type Server struct {
	nodeID   string
	address  string
	topo     *stack.Topology
	started  time.Time
	listener net.Listener
}

// Start begins serving on addr. Returns immediately; the HTTP server runs
// on its own goroutine.
func Start(addr, nodeID, address string, topo *stack.Topology) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		nodeID:   nodeID,
		address:  address,
		topo:     topo,
		started:  time.Now(),
		listener: listener,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	util.LogInfo("status: listening on %s", listener.Addr())
	return s, nil
}

// Close shuts down the listener so no new clients connect. Streams already
// in progress are not stopped; each runs until its client disconnects.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for range ticker.C {
		snap := Snapshot{
			NodeID:    s.nodeID,
			Address:   s.address,
			UptimeSec: int64(time.Since(s.started).Seconds()),
			Stats:     util.Stats.Snapshot(),
			Topology:  s.topo.Snapshot(),
		}
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}
