// Package stack is the minimal upper protocol stack: an L2 switch over a
// NetworkDevice, node addressing, neighbor discovery and echo (BCMP), a
// topology table, pub/sub middleware, and a request/reply service registry.
// Its messages ride inside ordinary L2 Ethernet frames; the transport
// substrate below it is untouched.
package stack

import "encoding/binary"

// EtherTypeBM is the local-experimental ethertype carrying stack messages.
const EtherTypeBM uint16 = 0x88B5

// EthHeaderSize is destination MAC + source MAC + ethertype.
const EthHeaderSize = 14

// MAC is a 6-byte Ethernet address.
type MAC [6]byte

// Multicast group addresses. Link-scoped traffic is never forwarded off the
// ingress node; mesh-scoped traffic is re-flooded hop by hop (the same
// split the ff02::/ff03:: scopes give the full stack).
var (
	macLinkScope = MAC{0x33, 0x33, 0x42, 0x4D, 0x00, 0x01}
	macMeshScope = MAC{0x33, 0x33, 0x42, 0x4D, 0x00, 0x02}
)

// NodeMAC derives a locally-administered unicast MAC from a node identity
// (low 40 bits of the identity, locally-administered bit set).
func NodeMAC(nodeID uint64) MAC {
	var m MAC
	m[0] = 0x02
	m[1] = byte(nodeID >> 32)
	m[2] = byte(nodeID >> 24)
	m[3] = byte(nodeID >> 16)
	m[4] = byte(nodeID >> 8)
	m[5] = byte(nodeID)
	return m
}

// IsMulticast reports whether the group bit is set.
func (m MAC) IsMulticast() bool { return m[0]&0x01 != 0 }

// buildEthFrame prepends an Ethernet II header to payload.
func buildEthFrame(dst, src MAC, payload []byte) []byte {
	frame := make([]byte, 0, EthHeaderSize+len(payload))
	frame = append(frame, dst[:]...)
	frame = append(frame, src[:]...)
	frame = binary.BigEndian.AppendUint16(frame, EtherTypeBM)
	return append(frame, payload...)
}

// parseEthFrame splits a frame into header fields and payload. ok is false
// when the frame is shorter than the header.
func parseEthFrame(frame []byte) (dst, src MAC, etherType uint16, payload []byte, ok bool) {
	if len(frame) < EthHeaderSize {
		return MAC{}, MAC{}, 0, nil, false
	}
	copy(dst[:], frame[0:6])
	copy(src[:], frame[6:12])
	etherType = binary.BigEndian.Uint16(frame[12:14])
	return dst, src, etherType, frame[EthHeaderSize:], true
}
