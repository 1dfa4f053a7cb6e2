package media

import (
	"sync/atomic"
	"time"
)

// RelayState is the lifecycle state of a call's media relay.
type RelayState int32

const (
	RelayStateNew     RelayState = iota // socket bound, not yet reading
	RelayStateActive                    // reading and forwarding
	RelayStateStopped                   // stopped, socket released
)

func (s RelayState) String() string {
	switch s {
	case RelayStateNew:
		return "new"
	case RelayStateActive:
		return "active"
	case RelayStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time copy of a relay's counters.
type Stats struct {
	PacketsFromTelephony uint64    `json:"packets_from_telephony"`
	PacketsFromPlatform  uint64    `json:"packets_from_platform"`
	PacketsToPlatform    uint64    `json:"packets_to_platform"`
	PacketsToTelephony   uint64    `json:"packets_to_telephony"`
	SilencePackets       uint64    `json:"silence_packets"`
	STUNPackets          uint64    `json:"stun_packets"`
	STUNSuccesses        uint64    `json:"stun_successes"`
	DecryptFailures      uint64    `json:"decrypt_failures"`
	PacketsDropped       uint64    `json:"packets_dropped"`
	LastActivity         time.Time `json:"last_activity"`
}

// Add accumulates o into s. LastActivity keeps the later of the two.
func (s *Stats) Add(o Stats) {
	s.PacketsFromTelephony += o.PacketsFromTelephony
	s.PacketsFromPlatform += o.PacketsFromPlatform
	s.PacketsToPlatform += o.PacketsToPlatform
	s.PacketsToTelephony += o.PacketsToTelephony
	s.SilencePackets += o.SilencePackets
	s.STUNPackets += o.STUNPackets
	s.STUNSuccesses += o.STUNSuccesses
	s.DecryptFailures += o.DecryptFailures
	s.PacketsDropped += o.PacketsDropped
	if o.LastActivity.After(s.LastActivity) {
		s.LastActivity = o.LastActivity
	}
}

type counters struct {
	fromTelephony   atomic.Uint64
	fromPlatform    atomic.Uint64
	toPlatform      atomic.Uint64
	toTelephony     atomic.Uint64
	silence         atomic.Uint64
	stun            atomic.Uint64
	stunSuccess     atomic.Uint64
	decryptFailures atomic.Uint64
	dropped         atomic.Uint64
	lastActivity    atomic.Int64
}

func (c *counters) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *counters) snapshot() Stats {
	s := Stats{
		PacketsFromTelephony: c.fromTelephony.Load(),
		PacketsFromPlatform:  c.fromPlatform.Load(),
		PacketsToPlatform:    c.toPlatform.Load(),
		PacketsToTelephony:   c.toTelephony.Load(),
		SilencePackets:       c.silence.Load(),
		STUNPackets:          c.stun.Load(),
		STUNSuccesses:        c.stunSuccess.Load(),
		DecryptFailures:      c.decryptFailures.Load(),
		PacketsDropped:       c.dropped.Load(),
	}
	if ns := c.lastActivity.Load(); ns != 0 {
		s.LastActivity = time.Unix(0, ns)
	}
	return s
}
