package codec

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

// TestStuffRoundTrip verifies encode/decode are inverses across the
// boundary cases of the run-length encoding.
func TestStuffRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		src  []byte
	}{
		{"single byte", []byte{0x42}},
		{"single zero", []byte{0x00}},
		{"three zeros", []byte{0x00, 0x00, 0x00}},
		{"leading zero", []byte{0x00, 0x01, 0x02}},
		{"trailing zero", []byte{0x01, 0x02, 0x00}},
		{"253 nonzero bytes", nonZero(253)},
		{"254 nonzero bytes", nonZero(254)},
		{"255 nonzero bytes", nonZero(255)},
		{"508 nonzero bytes", nonZero(508)},
		{"509 nonzero bytes", nonZero(509)},
		{"zero after full run", append(nonZero(254), 0x00)},
		{"alternating", []byte{0x00, 0x01, 0x00, 0x01, 0x00}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			stuffed := Stuff(tc.src)
			for i, b := range stuffed {
				if b == 0 {
					t.Fatalf("stuffed output contains zero at offset %d", i)
				}
			}

			got, err := Unstuff(stuffed)
			if err != nil {
				t.Fatalf("Unstuff failed: %v", err)
			}
			if !bytes.Equal(got, tc.src) {
				t.Errorf("round trip mismatch: got %v, want %v", got, tc.src)
			}
		})
	}
}

// TestStuffRoundTripRandom drives the round trip over random inputs of
// every interesting size class.
func TestStuffRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(1522)
		src := make([]byte, n)
		rng.Read(src)

		stuffed := Stuff(src)
		if len(stuffed) > StuffedMax(n) {
			t.Fatalf("stuffed %d bytes into %d, above the %d bound", n, len(stuffed), StuffedMax(n))
		}
		if bytes.IndexByte(stuffed, 0) >= 0 {
			t.Fatalf("stuffed output contains a zero (input len %d)", n)
		}

		got, err := Unstuff(stuffed)
		if err != nil {
			t.Fatalf("Unstuff failed (input len %d): %v", n, err)
		}
		if !bytes.Equal(got, src) {
			t.Fatalf("round trip mismatch at input len %d", n)
		}
	}
}

// TestUnstuffErrors verifies every malformed-input class is rejected.
func TestUnstuffErrors(t *testing.T) {
	testCases := []struct {
		name string
		src  []byte
		want error
	}{
		{"empty", nil, ErrEmptyInput},
		{"zero code byte", []byte{0x00}, ErrZeroCode},
		{"zero code mid-stream", []byte{0x02, 0x41, 0x00}, ErrZeroCode},
		{"run past end", []byte{0x05, 0x41, 0x42}, ErrShortRun},
		{"zero inside run", []byte{0x03, 0x41, 0x00}, ErrZeroInRun},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unstuff(tc.src)
			if !errors.Is(err, tc.want) {
				t.Errorf("Unstuff(%v) = %v, want %v", tc.src, err, tc.want)
			}
		})
	}
}

// nonZero builds n bytes with no zeros.
func nonZero(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i%255) + 1
	}
	return out
}
