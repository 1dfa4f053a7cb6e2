package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
	"golang.org/x/time/rate"

	"github.com/flowpbx/callgate/internal/extract"
	"github.com/flowpbx/callgate/internal/stun"
)

const (
	// RTP payload types the outbound path accepts.
	PayloadPCMU    = 0
	PayloadPCMA    = 8
	PayloadDynamic = 96
	PayloadOpus    = 111

	// maxRTPPacket is the largest datagram read from the socket.
	maxRTPPacket = 1500

	// readTimeout bounds each socket read so the loop notices Stop.
	readTimeout = 100 * time.Millisecond
)

var (
	errNoKeys        = errors.New("media keys not set")
	errNoActiveRelay = errors.New("no active relay")
	errKeysSet       = errors.New("media keys already set")
	errSilenceEnded  = errors.New("silence superseded by telephony audio")
)

// STUNHandler receives STUN datagrams demultiplexed from the media socket.
type STUNHandler func(pkt []byte, from *net.UDPAddr)

type activeRelay struct {
	addr     *net.UDPAddr
	endpoint extract.RelayEndpoint
}

// Relay owns one call's UDP socket. It demultiplexes STUN from media,
// decrypts platform SRTP toward the telephony leg, and encrypts telephony
// RTP and injected silence toward the active platform relay.
type Relay struct {
	callID string
	sock   *Socket
	pool   *Pool
	logger *slog.Logger

	mu         sync.Mutex
	keys       *extract.MediaKeys
	inbound    *srtp.Context
	outbound   *srtp.Context
	candidates []extract.RelayEndpoint
	active     *activeRelay
	telIP      net.IP
	telPort    int

	// outbound RTP state
	seq         uint16
	ssrc        uint32
	lastTS      uint32
	tsOffset    uint32
	tsOffsetSet bool

	// silence injection
	silenceStarted bool
	telephonySeen  bool
	silenceStop    chan struct{}

	stunHandler atomic.Pointer[STUNHandler]

	state    atomic.Int32
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	noRelayWarn rate.Sometimes
	counters    counters
}

// NewRelay wraps a socket allocated from pool. pool may be nil, in which
// case Stop just closes the socket.
func NewRelay(callID string, sock *Socket, pool *Pool, logger *slog.Logger) *Relay {
	return &Relay{
		callID:      callID,
		sock:        sock,
		pool:        pool,
		logger:      logger.With("subsystem", "media-relay", "call_id", callID, "local_port", sock.Port),
		seq:         randomUint16(),
		ssrc:        randomUint32(),
		lastTS:      randomUint32(),
		done:        make(chan struct{}),
		noRelayWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// LocalPort returns the bound UDP port.
func (r *Relay) LocalPort() int {
	return r.sock.Port
}

// SSRC returns the fixed SSRC used for outbound packets.
func (r *Relay) SSRC() uint32 {
	return r.ssrc
}

// State returns the relay lifecycle state.
func (r *Relay) State() RelayState {
	return RelayState(r.state.Load())
}

// SetSTUNHandler installs the receiver for STUN datagrams.
func (r *Relay) SetSTUNHandler(h STUNHandler) {
	r.stunHandler.Store(&h)
}

// SetKeys creates the inbound and outbound SRTP contexts. Both use the
// same master key and salt.
func (r *Relay) SetKeys(keys *extract.MediaKeys) error {
	if keys == nil {
		return errNoKeys
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keys != nil {
		return errKeysSet
	}

	in, err := srtp.CreateContext(keys.MasterKey[:], keys.MasterSalt[:], srtp.ProtectionProfileAes128CmHmacSha1_80)
	if err != nil {
		return fmt.Errorf("creating inbound srtp context: %w", err)
	}
	out, err := srtp.CreateContext(keys.MasterKey[:], keys.MasterSalt[:], srtp.ProtectionProfileAes128CmHmacSha1_80)
	if err != nil {
		return fmt.Errorf("creating outbound srtp context: %w", err)
	}
	r.keys, r.inbound, r.outbound = keys, in, out
	r.logger.Info("srtp initialized")
	return nil
}

// Keys returns the media keys, or nil before SetKeys.
func (r *Relay) Keys() *extract.MediaKeys {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys
}

// SetTelephonyEndpoint sets the telephony leg's RTP address. A zero port
// is learned from the first packet received from ip.
func (r *Relay) SetTelephonyEndpoint(ip string, port int) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("invalid telephony address %q", ip)
	}
	r.mu.Lock()
	r.telIP, r.telPort = parsed, port
	r.mu.Unlock()
	r.logger.Info("telephony endpoint set", "remote_ip", ip, "remote_port", port)
	return nil
}

// SetTelephonyPort updates only the telephony RTP port.
func (r *Relay) SetTelephonyPort(port int) {
	r.mu.Lock()
	r.telPort = port
	r.mu.Unlock()
	r.logger.Info("telephony port updated", "remote_port", port)
}

// TelephonyAddr returns the telephony leg address, or nil when the address
// or port is not yet known.
func (r *Relay) TelephonyAddr() *net.UDPAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.telephonyAddrLocked()
}

func (r *Relay) telephonyAddrLocked() *net.UDPAddr {
	if r.telIP == nil || r.telPort == 0 {
		return nil
	}
	return &net.UDPAddr{IP: r.telIP, Port: r.telPort}
}

// UpdateCandidates merges incoming relay candidates into the known set and
// returns the merged set.
func (r *Relay) UpdateCandidates(incoming []extract.RelayEndpoint) []extract.RelayEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates = extract.MergeRelays(r.candidates, incoming)
	if r.active != nil {
		if ep, ok := r.lookupLocked(r.active.addr); ok {
			r.active.endpoint = ep
		}
	}
	out := make([]extract.RelayEndpoint, len(r.candidates))
	copy(out, r.candidates)
	return out
}

// Candidates returns the known relays with the active relay first.
func (r *Relay) Candidates() []extract.RelayEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]extract.RelayEndpoint, 0, len(r.candidates)+1)
	if r.active != nil {
		out = append(out, r.active.endpoint)
	}
	for _, c := range r.candidates {
		if r.active != nil && c.IP == r.active.endpoint.IP && c.Port == r.active.endpoint.Port {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ActiveRelay returns the relay currently receiving outbound media.
func (r *Relay) ActiveRelay() (extract.RelayEndpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return extract.RelayEndpoint{}, false
	}
	return r.active.endpoint, true
}

func (r *Relay) lookupLocked(addr *net.UDPAddr) (extract.RelayEndpoint, bool) {
	for _, c := range r.candidates {
		if c.Port == uint16(addr.Port) && net.ParseIP(c.IP).Equal(addr.IP) {
			return c, true
		}
	}
	return extract.RelayEndpoint{}, false
}

// setActive makes addr the active relay. With onlyIfNone it leaves an
// existing active relay in place.
func (r *Relay) setActive(addr *net.UDPAddr, onlyIfNone bool) {
	r.mu.Lock()
	if r.active != nil {
		if onlyIfNone || (r.active.addr.IP.Equal(addr.IP) && r.active.addr.Port == addr.Port) {
			r.mu.Unlock()
			return
		}
	}
	ep, known := r.lookupLocked(addr)
	if !known {
		ep = extract.RelayEndpoint{IP: addr.IP.String(), Port: uint16(addr.Port)}
	}
	r.active = &activeRelay{addr: addr, endpoint: ep}
	r.mu.Unlock()

	r.logger.Info("active relay selected",
		"relay", addr.String(),
		"known_candidate", known,
		"has_token", ep.HasToken(),
	)
}

// Start begins reading the socket. It is non-blocking.
func (r *Relay) Start() {
	if !r.state.CompareAndSwap(int32(RelayStateNew), int32(RelayStateActive)) {
		return
	}
	r.wg.Add(1)
	go r.readLoop()
	r.logger.Info("media relay started", "ssrc", r.ssrc)
}

// Stop ends silence injection and the read loop and releases the socket.
// It is safe to call more than once.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.state.Store(int32(RelayStateStopped))
		close(r.done)

		r.mu.Lock()
		if r.silenceStop != nil {
			close(r.silenceStop)
			r.silenceStop = nil
		}
		r.mu.Unlock()

		if r.pool != nil {
			r.pool.Release(r.sock)
		} else {
			r.sock.Close()
		}
		r.wg.Wait()

		s := r.Stats()
		r.logger.Info("media relay stopped",
			"packets_from_telephony", s.PacketsFromTelephony,
			"packets_from_platform", s.PacketsFromPlatform,
			"packets_to_platform", s.PacketsToPlatform,
			"packets_to_telephony", s.PacketsToTelephony,
			"silence_packets", s.SilencePackets,
			"stun_packets", s.STUNPackets,
			"decrypt_failures", s.DecryptFailures,
			"packets_dropped", s.PacketsDropped,
		)
	})
}

func (r *Relay) stopped() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return r.counters.snapshot()
}

// WriteTo sends a raw datagram from the relay socket.
func (r *Relay) WriteTo(b []byte, addr *net.UDPAddr) error {
	if r.stopped() {
		return net.ErrClosed
	}
	_, err := r.sock.Conn.WriteToUDP(b, addr)
	return err
}

func (r *Relay) readLoop() {
	defer r.wg.Done()

	buf := make([]byte, maxRTPPacket)
	for {
		if r.stopped() {
			return
		}

		r.sock.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := r.sock.Conn.ReadFromUDP(buf)
		if err != nil {
			if r.stopped() {
				return
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			r.logger.Debug("media read error", "error", err)
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		r.handle(pkt, from)
	}
}

func (r *Relay) handle(pkt []byte, from *net.UDPAddr) {
	r.counters.touch()

	if stun.IsSTUN(pkt) {
		r.counters.stun.Add(1)
		if h := r.stunHandler.Load(); h != nil && *h != nil {
			(*h)(pkt, from)
		}
		return
	}

	if r.isTelephony(from) {
		r.fromTelephony(pkt)
		return
	}
	r.fromPlatform(pkt, from)
}

// isTelephony reports whether from is the telephony leg, learning the port
// on the first packet from the telephony host when it is not yet known.
func (r *Relay) isTelephony(from *net.UDPAddr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.telIP == nil || !r.telIP.Equal(from.IP) {
		return false
	}
	if r.telPort == 0 {
		r.telPort = from.Port
		r.logger.Info("learned telephony rtp port", "remote_port", from.Port)
		return true
	}
	return r.telPort == from.Port
}

func (r *Relay) fromTelephony(pkt []byte) {
	var p rtp.Packet
	if err := p.Unmarshal(pkt); err != nil {
		r.counters.dropped.Add(1)
		r.logger.Debug("dropping malformed telephony rtp", "error", err)
		return
	}
	r.counters.fromTelephony.Add(1)
	r.stopSilence()

	if p.PayloadType == PayloadTelephoneEvent {
		r.counters.dropped.Add(1)
		if ev := ParseDTMFEvent(p.Payload); ev != nil && ev.End {
			r.logger.Debug("telephony dtmf not forwarded", "digit", DTMFEventName(ev.Event))
		}
		return
	}

	ts := r.telephonyTimestamp(p.Timestamp)
	if err := r.sendToPlatform(p.Payload, PayloadOpus, p.Marker, ts, false); err != nil {
		r.logger.Debug("telephony packet not forwarded", "error", err)
	}
}

// telephonyTimestamp maps a telephony timestamp onto the outbound timeline
// so it continues from the last silence frame.
func (r *Relay) telephonyTimestamp(ts uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.tsOffsetSet {
		r.tsOffset = r.lastTS + silenceTimestampStep - ts
		r.tsOffsetSet = true
	}
	return ts + r.tsOffset
}

func (r *Relay) fromPlatform(pkt []byte, from *net.UDPAddr) {
	r.mu.Lock()
	dec := r.inbound
	r.mu.Unlock()
	if dec == nil {
		r.counters.dropped.Add(1)
		return
	}

	var hdr rtp.Header
	plain, err := dec.DecryptRTP(nil, pkt, &hdr)
	if err != nil {
		r.counters.decryptFailures.Add(1)
		r.logger.Debug("srtp decrypt failed", "from", from.String(), "error", err)
		return
	}
	r.counters.fromPlatform.Add(1)
	r.setActive(from, false)

	var p rtp.Packet
	if err := p.Unmarshal(plain); err != nil {
		r.counters.dropped.Add(1)
		return
	}
	p.PayloadType = PayloadOpus
	out, err := p.Marshal()
	if err != nil {
		r.counters.dropped.Add(1)
		return
	}

	dst := r.TelephonyAddr()
	if dst == nil {
		r.counters.dropped.Add(1)
		return
	}
	if _, err := r.sock.Conn.WriteToUDP(out, dst); err != nil {
		if !r.stopped() {
			r.logger.Debug("telephony write error", "error", err)
		}
		return
	}
	r.counters.toTelephony.Add(1)
}
