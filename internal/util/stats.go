package util

import "sync/atomic"

// Stats is the process-wide traffic counter block. Devices bump it on every
// frame that crosses a transport boundary; the status endpoint snapshots it.
var Stats = &stats{}

type stats struct {
	FramesSent atomic.Int64 // frames written to any transport
	FramesRecv atomic.Int64 // valid frames delivered upward
	BytesSent  atomic.Int64 // payload bytes written to any transport
	BytesRecv  atomic.Int64 // payload bytes delivered upward
	RxDropped  atomic.Int64 // datagrams/records discarded on the receive path
	TxFailed   atomic.Int64 // send attempts rejected by the underlying handle
}

func (s *stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.FramesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddRxDropped() { s.RxDropped.Add(1) }
func (s *stats) AddTxFailed()  { s.TxFailed.Add(1) }

// Snapshot is a point-in-time copy of the counters, safe to serialize.
type Snapshot struct {
	FramesSent int64 `json:"frames_sent"`
	FramesRecv int64 `json:"frames_recv"`
	BytesSent  int64 `json:"bytes_sent"`
	BytesRecv  int64 `json:"bytes_recv"`
	RxDropped  int64 `json:"rx_dropped"`
	TxFailed   int64 `json:"tx_failed"`
}

// Snapshot returns the current counter values.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		FramesSent: s.FramesSent.Load(),
		FramesRecv: s.FramesRecv.Load(),
		BytesSent:  s.BytesSent.Load(),
		BytesRecv:  s.BytesRecv.Load(),
		RxDropped:  s.RxDropped.Load(),
		TxFailed:   s.TxFailed.Load(),
	}
}
