package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/callgate/internal/bridge"
)

// BridgeStatsProvider exposes bridge counters and aggregate media stats.
type BridgeStatsProvider interface {
	Totals() bridge.Totals
}

// SessionCounter returns the number of live platform call sessions.
type SessionCounter interface {
	ActiveCount() int
}

// TrunkStatusProvider reports trunk registration and call state.
type TrunkStatusProvider interface {
	Registered() bool
	ActiveCallCount() int
}

// PortPoolProvider reports media socket usage.
type PortPoolProvider interface {
	Capacity() int
	AllocatedCount() int
}

// Collector is a prometheus.Collector that gathers callgate metrics at
// scrape time.
type Collector struct {
	bridges   BridgeStatsProvider
	sessions  SessionCounter
	trunk     TrunkStatusProvider
	ports     PortPoolProvider
	startTime time.Time

	activeBridgesDesc   *prometheus.Desc
	bridgesTotalDesc    *prometheus.Desc
	sessionsDesc        *prometheus.Desc
	trunkCallsDesc      *prometheus.Desc
	trunkRegisteredDesc *prometheus.Desc
	mediaPacketsDesc    *prometheus.Desc
	mediaDroppedDesc    *prometheus.Desc
	silencePacketsDesc  *prometheus.Desc
	stunSuccessDesc     *prometheus.Desc
	decryptFailDesc     *prometheus.Desc
	portsDesc           *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a collector. Any provider may be nil.
func NewCollector(
	bridges BridgeStatsProvider,
	sessions SessionCounter,
	trunk TrunkStatusProvider,
	ports PortPoolProvider,
	startTime time.Time,
) *Collector {
	return &Collector{
		bridges:   bridges,
		sessions:  sessions,
		trunk:     trunk,
		ports:     ports,
		startTime: startTime,

		activeBridgesDesc: prometheus.NewDesc(
			"callgate_active_bridges",
			"Number of platform calls currently bridged to the trunk",
			nil, nil,
		),
		bridgesTotalDesc: prometheus.NewDesc(
			"callgate_bridges_total",
			"Bridges by outcome since start",
			[]string{"outcome"}, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"callgate_signaling_sessions",
			"Number of live platform call sessions",
			nil, nil,
		),
		trunkCallsDesc: prometheus.NewDesc(
			"callgate_trunk_calls",
			"Number of outbound trunk calls ringing or answered",
			nil, nil,
		),
		trunkRegisteredDesc: prometheus.NewDesc(
			"callgate_trunk_registered",
			"Trunk registration status (1=registered, 0=other)",
			nil, nil,
		),
		mediaPacketsDesc: prometheus.NewDesc(
			"callgate_media_packets_total",
			"Media packets forwarded by direction",
			[]string{"direction"}, nil,
		),
		mediaDroppedDesc: prometheus.NewDesc(
			"callgate_media_packets_dropped_total",
			"Media packets dropped for lack of keys or destination",
			nil, nil,
		),
		silencePacketsDesc: prometheus.NewDesc(
			"callgate_silence_packets_total",
			"Opus silence frames injected toward the platform",
			nil, nil,
		),
		stunSuccessDesc: prometheus.NewDesc(
			"callgate_stun_successes_total",
			"STUN binding success responses from platform relays",
			nil, nil,
		),
		decryptFailDesc: prometheus.NewDesc(
			"callgate_srtp_decrypt_failures_total",
			"SRTP packets from platform relays that failed to decrypt",
			nil, nil,
		),
		portsDesc: prometheus.NewDesc(
			"callgate_media_ports",
			"Media sockets by state",
			[]string{"state"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callgate_uptime_seconds",
			"Seconds since the callgate process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeBridgesDesc
	ch <- c.bridgesTotalDesc
	ch <- c.sessionsDesc
	ch <- c.trunkCallsDesc
	ch <- c.trunkRegisteredDesc
	ch <- c.mediaPacketsDesc
	ch <- c.mediaDroppedDesc
	ch <- c.silencePacketsDesc
	ch <- c.stunSuccessDesc
	ch <- c.decryptFailDesc
	ch <- c.portsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.bridges != nil {
		t := c.bridges.Totals()
		ch <- prometheus.MustNewConstMetric(c.activeBridgesDesc, prometheus.GaugeValue, float64(t.Active))
		for outcome, v := range map[string]uint64{
			"created": t.Created,
			"ended":   t.Ended,
			"failed":  t.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(c.bridgesTotalDesc, prometheus.CounterValue, float64(v), outcome)
		}

		m := t.Media
		for dir, v := range map[string]uint64{
			"from_telephony": m.PacketsFromTelephony,
			"from_platform":  m.PacketsFromPlatform,
			"to_platform":    m.PacketsToPlatform,
			"to_telephony":   m.PacketsToTelephony,
		} {
			ch <- prometheus.MustNewConstMetric(c.mediaPacketsDesc, prometheus.CounterValue, float64(v), dir)
		}
		ch <- prometheus.MustNewConstMetric(c.mediaDroppedDesc, prometheus.CounterValue, float64(m.PacketsDropped))
		ch <- prometheus.MustNewConstMetric(c.silencePacketsDesc, prometheus.CounterValue, float64(m.SilencePackets))
		ch <- prometheus.MustNewConstMetric(c.stunSuccessDesc, prometheus.CounterValue, float64(m.STUNSuccesses))
		ch <- prometheus.MustNewConstMetric(c.decryptFailDesc, prometheus.CounterValue, float64(m.DecryptFailures))
	}

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(c.sessions.ActiveCount()))
	}

	if c.trunk != nil {
		registered := 0.0
		if c.trunk.Registered() {
			registered = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.trunkRegisteredDesc, prometheus.GaugeValue, registered)
		ch <- prometheus.MustNewConstMetric(c.trunkCallsDesc, prometheus.GaugeValue, float64(c.trunk.ActiveCallCount()))
	}

	if c.ports != nil {
		allocated := c.ports.AllocatedCount()
		ch <- prometheus.MustNewConstMetric(c.portsDesc, prometheus.GaugeValue, float64(allocated), "allocated")
		if capacity := c.ports.Capacity(); capacity > 0 {
			ch <- prometheus.MustNewConstMetric(c.portsDesc, prometheus.GaugeValue, float64(capacity-allocated), "free")
		}
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
