// Package codec implements the serial wire format: COBS byte-stuffing,
// CRC-32C, and the framed record layout
// [len-BE16 || frame || crc32c-BE32] + 0x00 sentinel.
package codec

import "errors"

// Byte-stuffing removes every 0x00 from the body so a single zero byte can
// unambiguously terminate a record on the wire. The encoder emits one code
// byte followed by a run of at most 254 nonzero bytes; the code byte is
// run_length + 1. A source zero ends the current run. A run reaching 254
// bytes is flushed with code 0xFF; a new code slot is reserved only when
// more input remains.

// Unstuff errors.
var (
	ErrEmptyInput = errors.New("codec: empty stuffed input")
	ErrZeroCode   = errors.New("codec: zero code byte in stuffed data")
	ErrShortRun   = errors.New("codec: run exceeds stuffed input")
	ErrZeroInRun  = errors.New("codec: zero byte inside a run")
)

// StuffedMax returns the worst-case stuffed size for n source bytes:
// one overhead byte per 254 source bytes, plus the leading code byte.
func StuffedMax(n int) int {
	return n + n/254 + 1
}

// Stuff encodes src so that the result contains no 0x00 bytes.
func Stuff(src []byte) []byte {
	dst := make([]byte, 1, StuffedMax(len(src)))
	codeIdx := 0 // position of the current code byte, -1 when none is open
	code := byte(1)

	for i := 0; i < len(src); i++ {
		if src[i] == 0 {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}

		dst = append(dst, src[i])
		code++
		if code == 0xFF {
			// Maximum run: 254 data bytes + 1 code byte.
			dst[codeIdx] = code
			code = 1
			if i+1 < len(src) {
				codeIdx = len(dst)
				dst = append(dst, 0)
			} else {
				codeIdx = -1
			}
		}
	}

	if codeIdx >= 0 {
		dst[codeIdx] = code
	}
	return dst
}

// Unstuff decodes a stuffed block (without the trailing 0x00 sentinel).
func Unstuff(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, ErrEmptyInput
	}

	dst := make([]byte, 0, len(src))
	i := 0
	for i < len(src) {
		code := src[i]
		i++
		if code == 0 {
			return nil, ErrZeroCode
		}

		run := int(code) - 1
		if i+run > len(src) {
			return nil, ErrShortRun
		}
		for j := 0; j < run; j++ {
			if src[i] == 0 {
				return nil, ErrZeroInRun
			}
			dst = append(dst, src[i])
			i++
		}

		// A code below 0xFF marks an implicit zero, except at end of input.
		if code < 0xFF && i < len(src) {
			dst = append(dst, 0)
		}
	}

	return dst, nil
}
