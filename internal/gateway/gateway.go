// Package gateway combines the local-IPC device and the serial transport
// behind one port abstraction. Ports 1..N delegate to the IPC underlay;
// port N+1 is the serial link; flood routes to both.
package gateway

import (
	"fmt"
	"sync"

	"github.com/bristlemouth/bm-sbc/internal/device"
	"github.com/bristlemouth/bm-sbc/internal/uart"
)

// serialLink is the slice of the serial transport the gateway drives;
// tests substitute a loopback.
type serialLink interface {
	Send(frame []byte) error
	Close()
}

// Device is a composite NetworkDevice. It shares one callback block with
// its IPC underlay: the stack installs callbacks once and frames from
// either transport arrive through the same pair.
type Device struct {
	mu sync.Mutex

	underlay      device.NetworkDevice
	underlayPorts uint8
	serial        serialLink
	serialPort    uint8

	cbs         device.Callbacks
	serialStats device.PortStats
}

var _ device.NetworkDevice = (*Device)(nil)

// New wraps underlay and opens the serial transport described by cfg. The
// serial receive path starts immediately; frames are dropped until the
// stack installs callbacks.
func New(underlay device.NetworkDevice, cfg uart.Config) (*Device, error) {
	d := newDevice(underlay)
	serial, err := uart.Open(cfg, d.deliverSerial)
	if err != nil {
		return nil, err
	}
	d.serial = serial
	return d, nil
}

// newDevice builds the composite shell without a serial link attached.
func newDevice(underlay device.NetworkDevice) *Device {
	d := &Device{
		underlay:      underlay,
		underlayPorts: underlay.NumPorts(),
	}
	d.serialPort = d.underlayPorts + 1
	return d
}

// NumPorts returns the underlay port count plus the serial port.
func (d *Device) NumPorts() uint8 { return d.underlayPorts + 1 }

// SetCallbacks installs the shared callback block on the gateway and its
// underlay.
func (d *Device) SetCallbacks(cbs device.Callbacks) {
	d.mu.Lock()
	d.cbs = cbs
	d.mu.Unlock()
	d.underlay.SetCallbacks(cbs)
}

// Send routes a frame: flood goes to both transports (success if at least
// one accepted it), 1..N to the underlay, N+1 to the serial link.
func (d *Device) Send(frame []byte, port uint8) error {
	if len(frame) == 0 || len(frame) > device.MaxFrameSize {
		return fmt.Errorf("%w: frame length %d", device.ErrInvalidArgument, len(frame))
	}

	switch {
	case port == device.FloodPort:
		underlayErr := d.underlay.Send(frame, device.FloodPort)
		serialErr := d.serial.Send(frame)
		if serialErr == nil {
			d.mu.Lock()
			d.serialStats.TxFrames++
			d.mu.Unlock()
		}
		if underlayErr != nil && serialErr != nil {
			return underlayErr
		}
		return nil

	case port <= d.underlayPorts:
		return d.underlay.Send(frame, port)

	case port == d.serialPort:
		if err := d.serial.Send(frame); err != nil {
			d.mu.Lock()
			d.serialStats.TxErrors++
			d.mu.Unlock()
			return err
		}
		d.mu.Lock()
		d.serialStats.TxFrames++
		d.mu.Unlock()
		return nil

	default:
		return fmt.Errorf("%w: port %d", device.ErrInvalidArgument, port)
	}
}

// Enable enables the underlay, then signals link-up on the serial port
// (the transport itself has been running since New).
func (d *Device) Enable() error {
	if err := d.underlay.Enable(); err != nil {
		return err
	}

	d.mu.Lock()
	linkChange := d.cbs.LinkChange
	d.mu.Unlock()
	if linkChange != nil {
		linkChange(d.serialPort, true)
	}
	return nil
}

// Disable signals serial link-down, tears down the serial transport, then
// disables the underlay.
func (d *Device) Disable() error {
	d.mu.Lock()
	linkChange := d.cbs.LinkChange
	d.mu.Unlock()
	if linkChange != nil {
		linkChange(d.serialPort, false)
	}

	d.serial.Close()
	return d.underlay.Disable()
}

// EnablePort forwards to the underlay; the serial port needs no per-port
// open and is a no-op.
func (d *Device) EnablePort(port uint8) error {
	if port >= 1 && port <= d.underlayPorts {
		return d.underlay.EnablePort(port)
	}
	if port == d.serialPort {
		return nil
	}
	return fmt.Errorf("%w: port %d", device.ErrInvalidArgument, port)
}

// DisablePort forwards to the underlay; no-op on the serial port.
func (d *Device) DisablePort(port uint8) error {
	if port >= 1 && port <= d.underlayPorts {
		return d.underlay.DisablePort(port)
	}
	if port == d.serialPort {
		return nil
	}
	return fmt.Errorf("%w: port %d", device.ErrInvalidArgument, port)
}

// RetryNegotiation forwards to the underlay; the serial link needs no
// negotiation and reports no change.
func (d *Device) RetryNegotiation(port uint8) (bool, error) {
	if port >= 1 && port <= d.underlayPorts {
		return d.underlay.RetryNegotiation(port)
	}
	if port == d.serialPort {
		return false, nil
	}
	return false, fmt.Errorf("%w: port %d", device.ErrInvalidArgument, port)
}

// PortStats forwards to the underlay for its ports and reports the serial
// counters for port N+1.
func (d *Device) PortStats(port uint8) (device.PortStats, error) {
	if port >= 1 && port <= d.underlayPorts {
		return d.underlay.PortStats(port)
	}
	if port == d.serialPort {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.serialStats, nil
	}
	return device.PortStats{}, fmt.Errorf("%w: port %d", device.ErrInvalidArgument, port)
}

// HandleInterrupt forwards to the underlay.
func (d *Device) HandleInterrupt() error { return d.underlay.HandleInterrupt() }

// deliverSerial hands a decoded serial frame up as ingress on port N+1.
func (d *Device) deliverSerial(frame []byte) {
	d.mu.Lock()
	receive := d.cbs.Receive
	d.serialStats.RxFrames++
	d.mu.Unlock()

	if receive != nil && len(frame) > 0 {
		receive(d.serialPort, frame)
	}
}
