// Package uart carries raw L2 frames over a serial byte stream using the
// framed wire format from internal/codec. One transport owns the serial
// port, a background receive goroutine, and a mutex-serialized send path.
package uart

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"

	"github.com/bristlemouth/bm-sbc/internal/codec"
	"github.com/bristlemouth/bm-sbc/internal/device"
	"github.com/bristlemouth/bm-sbc/internal/util"
)

// DefaultBaud is used when the launch configuration does not name a rate.
const DefaultBaud = 115200

// readTimeout bounds each blocking read so Close can join the receive
// goroutine within a second.
const readTimeout = time.Second

// supportedBauds is the fixed whitelist of serial line rates.
var supportedBauds = map[int]bool{
	9600:   true,
	19200:  true,
	38400:  true,
	57600:  true,
	115200: true,
	230400: true,
}

// SupportedBaud reports whether rate is on the whitelist.
func SupportedBaud(rate int) bool { return supportedBauds[rate] }

// Config names the serial device and line rate.
type Config struct {
	Path string
	Baud int
}

// RxFunc is invoked by the receive goroutine for every complete, valid L2
// frame decoded from the stream. The slice is only valid during the call.
type RxFunc func(frame []byte)

// serialPort is the slice of the serial driver the transport needs; tests
// substitute an in-memory stream.
type serialPort interface {
	io.ReadWriteCloser
}

// Transport is one open serial link.
type Transport struct {
	mu      sync.Mutex // guards port handle, running flag, rx pointer
	txMu    sync.Mutex // serializes encoded writes onto the wire
	port    serialPort
	running bool
	rx      RxFunc
	wg      sync.WaitGroup
}

// Open configures the serial device for raw 8N1 operation with no flow
// control, starts the receive goroutine, and returns the transport.
func Open(cfg Config, rx RxFunc) (*Transport, error) {
	if !SupportedBaud(cfg.Baud) {
		return nil, fmt.Errorf("%w: unsupported baud rate %d", device.ErrInvalidArgument, cfg.Baud)
	}

	port, err := serial.Open(&serial.Config{
		Address:  cfg.Path,
		BaudRate: cfg.Baud,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %s", device.ErrIO, cfg.Path, err)
	}

	util.LogInfo("uart: %s up at %d baud", cfg.Path, cfg.Baud)
	return newTransport(port, rx), nil
}

// newTransport wraps an open port and starts the receive goroutine.
func newTransport(port serialPort, rx RxFunc) *Transport {
	t := &Transport{
		port:    port,
		running: true,
		rx:      rx,
	}
	t.wg.Add(1)
	go t.rxLoop(port)
	return t
}

// Send encodes one L2 frame and writes the complete wire record. Concurrent
// callers never interleave their encoded bytes.
func (t *Transport) Send(frame []byte) error {
	wire, err := codec.EncodeFrame(frame)
	if err != nil {
		return fmt.Errorf("%w: %s", device.ErrInvalidArgument, err)
	}

	t.mu.Lock()
	port, running := t.port, t.running
	t.mu.Unlock()
	if !running {
		return fmt.Errorf("%w: transport closed", device.ErrIO)
	}

	t.txMu.Lock()
	defer t.txMu.Unlock()
	for len(wire) > 0 {
		n, err := port.Write(wire)
		if err != nil {
			util.Stats.AddTxFailed()
			return fmt.Errorf("%w: serial write: %s", device.ErrIO, err)
		}
		wire = wire[n:]
	}

	util.Stats.AddSent(len(frame))
	return nil
}

// Close stops the receive goroutine, closes the serial device (unblocking
// any read in progress), and clears the receive callback.
func (t *Transport) Close() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	port := t.port
	t.mu.Unlock()

	port.Close()
	t.wg.Wait()

	t.mu.Lock()
	t.rx = nil
	t.mu.Unlock()
}

// rxLoop accumulates stream bytes until the sentinel, then attempts a
// decode. Corrupt records are dropped silently; accumulator overflow
// discards the partial record and resynchronizes at the next sentinel.
func (t *Transport) rxLoop(port serialPort) {
	defer t.wg.Done()

	accum := make([]byte, 0, codec.MaxWireSize)
	buf := make([]byte, 256)
	discarding := false // skipping the rest of an overflowed record

	for {
		t.mu.Lock()
		running := t.running
		t.mu.Unlock()
		if !running {
			return
		}

		n, err := port.Read(buf)
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			t.mu.Lock()
			running = t.running
			t.mu.Unlock()
			if running {
				util.LogError("uart: receive loop terminated: %v", err)
			}
			return
		}

		for _, b := range buf[:n] {
			if b == codec.Sentinel {
				if len(accum) > 0 && !discarding {
					t.deliver(accum)
				}
				accum = accum[:0]
				discarding = false
				continue
			}
			if discarding {
				continue
			}
			if len(accum) >= codec.MaxWireSize {
				// Overflow: discard and wait for the next sentinel.
				util.Stats.AddRxDropped()
				accum = accum[:0]
				discarding = true
				continue
			}
			accum = append(accum, b)
		}
	}
}

// deliver decodes one accumulated record and hands the frame up.
func (t *Transport) deliver(wire []byte) {
	frame, err := codec.DecodeFrame(wire)
	if err != nil {
		util.Stats.AddRxDropped()
		util.LogDebug("uart: dropped record: %v", err)
		return
	}

	t.mu.Lock()
	rx := t.rx
	t.mu.Unlock()
	if rx != nil {
		rx(frame)
	}
	util.Stats.AddRecv(len(frame))
}
