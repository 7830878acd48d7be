package stack

import (
	"encoding/binary"
	"fmt"
)

// Stack message layout inside an L2 frame payload:
//
//	[0]    protocol version
//	[1]    message type
//	[2]    hop limit (decremented on every re-flood, dropped at zero)
//	[3]    reserved
//	[4:12] source node identity, big-endian
//	[12:]  type-specific body
//
// The hop limit lives in the common header so the switch can forward
// mesh-scoped traffic without knowing message internals.

const (
	protoVersion = 1
	msgHeaderLen = 12

	// hopLimitDefault bounds flooding in miscabled loops.
	hopLimitDefault = 8
)

// Message types.
const (
	msgHeartbeat   uint8 = 0x01
	msgEchoRequest uint8 = 0x02
	msgEchoReply   uint8 = 0x03
	msgPublish     uint8 = 0x10
)

// header offsets
const (
	offVersion  = 0
	offMsgType  = 1
	offHopLimit = 2
	offSrcNode  = 4
)

// msgHeader is the decoded common header.
type msgHeader struct {
	Version  uint8
	Type     uint8
	HopLimit uint8
	SrcNode  uint64
}

func encodeHeader(msgType, hopLimit uint8, srcNode uint64, body []byte) []byte {
	payload := make([]byte, msgHeaderLen, msgHeaderLen+len(body))
	payload[offVersion] = protoVersion
	payload[offMsgType] = msgType
	payload[offHopLimit] = hopLimit
	binary.BigEndian.PutUint64(payload[offSrcNode:], srcNode)
	return append(payload, body...)
}

func decodeHeader(payload []byte) (msgHeader, []byte, error) {
	if len(payload) < msgHeaderLen {
		return msgHeader{}, nil, fmt.Errorf("stack: payload too short: %d bytes", len(payload))
	}
	h := msgHeader{
		Version:  payload[offVersion],
		Type:     payload[offMsgType],
		HopLimit: payload[offHopLimit],
		SrcNode:  binary.BigEndian.Uint64(payload[offSrcNode:msgHeaderLen]),
	}
	if h.Version != protoVersion {
		return msgHeader{}, nil, fmt.Errorf("stack: unknown protocol version %d", h.Version)
	}
	return h, payload[msgHeaderLen:], nil
}

// ---------------------------------------------------------------------------
// Echo bodies
// ---------------------------------------------------------------------------

// echoBody is shared by request and reply. Target 0 in a request addresses
// every node.
type echoBody struct {
	Target  uint64
	Seq     uint32
	Payload []byte
}

func encodeEcho(b *echoBody) []byte {
	out := make([]byte, 0, 14+len(b.Payload))
	out = binary.BigEndian.AppendUint64(out, b.Target)
	out = binary.BigEndian.AppendUint32(out, b.Seq)
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.Payload)))
	return append(out, b.Payload...)
}

func decodeEcho(body []byte) (*echoBody, error) {
	if len(body) < 14 {
		return nil, fmt.Errorf("stack: echo body too short: %d bytes", len(body))
	}
	n := int(binary.BigEndian.Uint16(body[12:14]))
	if len(body) < 14+n {
		return nil, fmt.Errorf("stack: echo payload truncated: want %d, have %d", n, len(body)-14)
	}
	return &echoBody{
		Target:  binary.BigEndian.Uint64(body[0:8]),
		Seq:     binary.BigEndian.Uint32(body[8:12]),
		Payload: body[14 : 14+n],
	}, nil
}

// ---------------------------------------------------------------------------
// Publish body
// ---------------------------------------------------------------------------

// publishBody carries one pub/sub publication.
type publishBody struct {
	MsgType uint8 // application-defined
	Version uint8 // pub/sub protocol version
	Topic   string
	Data    []byte
}

func encodePublish(b *publishBody) []byte {
	out := make([]byte, 0, 6+len(b.Topic)+len(b.Data))
	out = append(out, b.MsgType, b.Version)
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.Topic)))
	out = append(out, b.Topic...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.Data)))
	return append(out, b.Data...)
}

func decodePublish(body []byte) (*publishBody, error) {
	if len(body) < 6 {
		return nil, fmt.Errorf("stack: publish body too short: %d bytes", len(body))
	}
	topicLen := int(binary.BigEndian.Uint16(body[2:4]))
	if len(body) < 4+topicLen+2 {
		return nil, fmt.Errorf("stack: publish topic truncated")
	}
	dataOff := 4 + topicLen + 2
	dataLen := int(binary.BigEndian.Uint16(body[4+topicLen : dataOff]))
	if len(body) < dataOff+dataLen {
		return nil, fmt.Errorf("stack: publish data truncated")
	}
	return &publishBody{
		MsgType: body[0],
		Version: body[1],
		Topic:   string(body[4 : 4+topicLen]),
		Data:    body[dataOff : dataOff+dataLen],
	}, nil
}
