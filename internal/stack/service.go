package stack

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/bristlemouth/bm-sbc/internal/util"
)

// Services is a request/reply registry riding on the pub/sub layer. A
// service named S listens on topic "svc/S/req" and answers on "svc/S/rep".
// Request data is [requester BE64][request id BE32][payload]; replies echo
// the requester and id so callers can match their own responses out of the
// shared reply topic.
type Services struct {
	mw     *Middleware
	ps     *PubSub
	nodeID uint64

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan []byte
	replied map[string]bool // reply topics already subscribed
}

// ServiceHandler produces the reply payload for one request.
type ServiceHandler func(payload []byte) ([]byte, error)

const svcHeaderLen = 12

// NewServices creates the registry and registers the default echo service.
func NewServices(mw *Middleware, ps *PubSub, nodeID uint64) *Services {
	s := &Services{
		mw:      mw,
		ps:      ps,
		nodeID:  nodeID,
		pending: make(map[uint32]chan []byte),
		replied: make(map[string]bool),
	}
	s.Register("echo", func(payload []byte) ([]byte, error) {
		return payload, nil
	})
	return s
}

// Register exposes a named service.
func (s *Services) Register(name string, handler ServiceHandler) {
	reqTopic := "svc/" + name + "/req"
	repTopic := "svc/" + name + "/rep"

	s.ps.Subscribe(reqTopic, func(src uint64, _ string, data []byte, _, _ uint8) {
		if len(data) < svcHeaderLen {
			util.LogDebug("service %s: short request from %016x", name, src)
			return
		}
		requester := binary.BigEndian.Uint64(data[0:8])
		reqID := binary.BigEndian.Uint32(data[8:12])

		out, err := handler(data[svcHeaderLen:])
		if err != nil {
			util.LogWarning("service %s: request %d failed: %v", name, reqID, err)
			return
		}

		reply := make([]byte, svcHeaderLen, svcHeaderLen+len(out))
		binary.BigEndian.PutUint64(reply[0:8], requester)
		binary.BigEndian.PutUint32(reply[8:12], reqID)
		reply = append(reply, out...)
		if err := s.mw.Publish(repTopic, reply, 0, PubSubVersion); err != nil {
			util.LogWarning("service %s: reply %d: %v", name, reqID, err)
		}
	})
}

// Call sends one request to a named service anywhere in the mesh and waits
// for the first reply.
func (s *Services) Call(name string, payload []byte, timeout time.Duration) ([]byte, error) {
	repTopic := "svc/" + name + "/rep"

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ch := make(chan []byte, 1)
	s.pending[id] = ch
	if !s.replied[repTopic] {
		s.replied[repTopic] = true
		s.ps.Subscribe(repTopic, s.onReply)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	req := make([]byte, svcHeaderLen, svcHeaderLen+len(payload))
	binary.BigEndian.PutUint64(req[0:8], s.nodeID)
	binary.BigEndian.PutUint32(req[8:12], id)
	req = append(req, payload...)
	if err := s.mw.Publish("svc/"+name+"/req", req, 0, PubSubVersion); err != nil {
		return nil, err
	}

	select {
	case out := <-ch:
		return out, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("service %s: request %d timed out", name, id)
	}
}

func (s *Services) onReply(_ uint64, _ string, data []byte, _, _ uint8) {
	if len(data) < svcHeaderLen {
		return
	}
	if binary.BigEndian.Uint64(data[0:8]) != s.nodeID {
		return
	}
	id := binary.BigEndian.Uint32(data[8:12])

	s.mu.Lock()
	ch := s.pending[id]
	s.mu.Unlock()
	if ch == nil {
		return
	}

	out := make([]byte, len(data)-svcHeaderLen)
	copy(out, data[svcHeaderLen:])
	select {
	case ch <- out:
	default:
	}
}
