package stack

import (
	"sync"

	"github.com/bristlemouth/bm-sbc/internal/util"
)

// PubSubVersion is the pub/sub protocol version stamped on publications.
const PubSubVersion uint8 = 1

// SubFunc consumes one publication delivered from a remote node.
type SubFunc func(srcNode uint64, topic string, data []byte, msgType, version uint8)

// PubSub is the topic table: exact-match topic strings mapped to local
// subscriber callbacks. Transport is the middleware's concern.
type PubSub struct {
	mu   sync.Mutex
	subs map[string][]SubFunc
}

// NewPubSub creates an empty topic table.
func NewPubSub() *PubSub {
	return &PubSub{subs: make(map[string][]SubFunc)}
}

// Subscribe registers a callback for a topic.
func (p *PubSub) Subscribe(topic string, fn SubFunc) {
	p.mu.Lock()
	p.subs[topic] = append(p.subs[topic], fn)
	p.mu.Unlock()
}

// deliver fans a publication out to the topic's subscribers.
func (p *PubSub) deliver(srcNode uint64, pb *publishBody) {
	p.mu.Lock()
	subs := append([]SubFunc(nil), p.subs[pb.Topic]...)
	p.mu.Unlock()

	if len(subs) == 0 {
		util.LogDebug("pubsub: no subscriber for topic %q", pb.Topic)
		return
	}
	for _, fn := range subs {
		fn(srcNode, pb.Topic, pb.Data, pb.MsgType, pb.Version)
	}
}

// Middleware glues the topic table to the switch: publications leave as
// mesh-scoped floods and arriving publish messages land in the table.
type Middleware struct {
	l2 *L2
	ps *PubSub
}

// NewMiddleware binds ps to l2's transport.
func NewMiddleware(l2 *L2, ps *PubSub) *Middleware {
	m := &Middleware{l2: l2, ps: ps}
	l2.registerHandler(msgPublish, m.onPublish)
	return m
}

// Publish floods one publication to the mesh. Remote subscribers receive
// it; local subscribers do not (a node does not echo its own traffic).
func (m *Middleware) Publish(topic string, data []byte, msgType, version uint8) error {
	return m.l2.sendMeshScope(msgPublish, encodePublish(&publishBody{
		MsgType: msgType,
		Version: version,
		Topic:   topic,
		Data:    data,
	}))
}

func (m *Middleware) onPublish(_ uint8, hdr msgHeader, body []byte) {
	pb, err := decodePublish(body)
	if err != nil {
		util.LogDebug("pubsub: %v", err)
		return
	}
	m.ps.deliver(hdr.SrcNode, pb)
}
