package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FrameOverhead is the pre-stuffing overhead: 2-byte length + 4-byte CRC.
	FrameOverhead = 6

	// MaxL2Size is the largest L2 frame the serial layer carries
	// (1500-byte MTU + 14-byte header + 4-byte VLAN tag + 4-byte FCS,
	// slightly looser than the IPC path's 1514).
	MaxL2Size = 1522

	// Sentinel terminates every wire record. The stuffed body never
	// contains it.
	Sentinel byte = 0x00
)

// MaxWireSize is the largest possible encoded record including the sentinel.
var MaxWireSize = StuffedMax(MaxL2Size+FrameOverhead) + 1

// EncodeFrame / DecodeFrame errors.
var (
	ErrFrameSize      = errors.New("codec: frame size out of range")
	ErrShortRecord    = errors.New("codec: record shorter than framing overhead")
	ErrLengthMismatch = errors.New("codec: length field does not match record")
	ErrChecksum       = errors.New("codec: crc mismatch")
)

// EncodeFrame encodes an L2 frame into its wire record: the byte-stuffed
// form of [len-BE16 || frame || crc32c-BE32], terminated by one sentinel.
// The CRC covers length and frame bytes.
func EncodeFrame(frame []byte) ([]byte, error) {
	if len(frame) == 0 || len(frame) > MaxL2Size {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameSize, len(frame))
	}

	payload := make([]byte, 0, FrameOverhead+len(frame))
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(frame)))
	payload = append(payload, frame...)
	payload = binary.BigEndian.AppendUint32(payload, CRC32C(payload))

	wire := Stuff(payload)
	return append(wire, Sentinel), nil
}

// DecodeFrame decodes a wire record into the original L2 frame. The input
// must not include the trailing sentinel — the receive loop strips it when
// delimiting records. Any corruption surfaces as an error; the caller drops
// the record.
func DecodeFrame(wire []byte) ([]byte, error) {
	payload, err := Unstuff(wire)
	if err != nil {
		return nil, err
	}
	if len(payload) < FrameOverhead {
		return nil, ErrShortRecord
	}

	frameLen := int(binary.BigEndian.Uint16(payload[:2]))
	if frameLen == 0 || frameLen > MaxL2Size {
		return nil, fmt.Errorf("%w: length field %d", ErrFrameSize, frameLen)
	}
	if len(payload) != 2+frameLen+4 {
		return nil, ErrLengthMismatch
	}

	crcRecv := binary.BigEndian.Uint32(payload[2+frameLen:])
	if CRC32C(payload[:2+frameLen]) != crcRecv {
		return nil, ErrChecksum
	}

	frame := make([]byte, frameLen)
	copy(frame, payload[2:2+frameLen])
	return frame, nil
}
