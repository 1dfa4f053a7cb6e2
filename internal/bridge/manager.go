package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/callgate/internal/extract"
	"github.com/flowpbx/callgate/internal/media"
	"github.com/flowpbx/callgate/internal/signaling"
	"github.com/flowpbx/callgate/internal/sip"
	"github.com/flowpbx/callgate/internal/stanza"
)

// End reasons recorded on bridge.ended events.
const (
	ReasonPlatformEnded  = "platform_ended"
	ReasonTelephonyEnded = "telephony_ended"
	ReasonOriginateFail  = "originate_failed"
	ReasonNoMediaKeys    = "no_media_keys"
	ReasonMediaSetup     = "media_setup_failed"
	ReasonShutdown       = "shutdown"
)

// Signaling is the platform call control the bridge drives.
type Signaling interface {
	Accept(ctx context.Context, callID string) error
	Terminate(ctx context.Context, callID, reason string) error
	Reject(ctx context.Context, callID, reason string) error
	SetMediaPort(callID string, port uint16)
}

// Telephony is the trunk call control the bridge drives.
type Telephony interface {
	MakeCall(ctx context.Context, destination, sessionID string, opts sip.CallOptions) (*sip.CallResult, error)
	Hangup(ctx context.Context, sessionID string) error
}

// EventType names a bridge lifecycle event.
type EventType string

const (
	EventCreated EventType = "bridge.created"
	EventEnded   EventType = "bridge.ended"
)

// Event describes a bridge lifecycle change.
type Event struct {
	Type        EventType     `json:"type"`
	CallID      string        `json:"call_id"`
	SessionID   string        `json:"session_id,omitempty"`
	Destination string        `json:"destination"`
	Reason      string        `json:"reason,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Time        time.Time     `json:"time"`
}

// EventHandler receives bridge events. It is called synchronously and must
// not block.
type EventHandler func(Event)

// Config tunes the manager.
type Config struct {
	// RequireMediaKeys ends bridges whose offer yields no SRTP keys.
	RequireMediaKeys bool
	// KeepAliveInterval and NominateDelay are passed to each STUN client.
	KeepAliveInterval time.Duration
	NominateDelay     time.Duration
	// OriginateTimeout bounds the telephony call from INVITE to answer.
	OriginateTimeout time.Duration
	// TeardownTimeout bounds hangup and terminate requests on bridge end.
	TeardownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = media.DefaultKeepAliveInterval
	}
	if c.NominateDelay <= 0 {
		c.NominateDelay = media.DefaultNominateDelay
	}
	if c.OriginateTimeout <= 0 {
		c.OriginateTimeout = 60 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 5 * time.Second
	}
}

// Totals are cumulative manager counters.
type Totals struct {
	Active  int         `json:"active"`
	Created uint64      `json:"created"`
	Ended   uint64      `json:"ended"`
	Failed  uint64      `json:"failed"`
	Media   media.Stats `json:"media"`
}

// Manager owns the bridge registry. It implements signaling.Listener and
// sip.Listener.
type Manager struct {
	pool      *media.Pool
	signaling Signaling
	telephony Telephony
	cfg       Config
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	bridges    map[string]*Bridge
	bySession  map[string]*Bridge
	onEvent    EventHandler
	endedMedia media.Stats
	// pending holds transport stanzas that arrived before the call's
	// bridge was registered.
	pending map[string]*pendingTransports

	created atomic.Uint64
	ended   atomic.Uint64
	failed  atomic.Uint64
}

const (
	maxPendingTransports = 8
	pendingTransportTTL  = time.Minute
)

type pendingTransports struct {
	nodes []*stanza.Node
	since time.Time
}

// ErrBridgeNotFound is returned when no active bridge has the call ID.
var ErrBridgeNotFound = errors.New("bridge not found")

var (
	_ signaling.Listener = (*Manager)(nil)
	_ sip.Listener       = (*Manager)(nil)
)

// NewManager creates a manager that allocates media sockets from pool.
func NewManager(pool *media.Pool, sig Signaling, tel Telephony, cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		pool:      pool,
		signaling: sig,
		telephony: tel,
		cfg:       cfg,
		logger:    logger.With("subsystem", "bridge"),
		ctx:       ctx,
		cancel:    cancel,
		bridges:   make(map[string]*Bridge),
		bySession: make(map[string]*Bridge),
		pending:   make(map[string]*pendingTransports),
	}
}

// SetEventHandler registers h for bridge events.
func (m *Manager) SetEventHandler(h EventHandler) {
	m.mu.Lock()
	m.onEvent = h
	m.mu.Unlock()
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	h := m.onEvent
	m.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Get returns the bridge for callID.
func (m *Manager) Get(callID string) (*Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[callID]
	return b, ok
}

func (m *Manager) bySessionID(sessionID string) (*Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bySession[sessionID]
	return b, ok
}

// ActiveCount returns the number of live bridges.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bridges)
}

// Snapshot returns every live bridge, oldest first.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	list := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		list = append(list, b)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(list))
	for _, b := range list {
		out = append(out, b.Info())
	}
	slices.SortFunc(out, func(a, b Info) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// Totals returns cumulative counters with media stats summed over live and
// ended bridges.
func (m *Manager) Totals() Totals {
	m.mu.Lock()
	t := Totals{Active: len(m.bridges), Media: m.endedMedia}
	live := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		live = append(live, b)
	}
	m.mu.Unlock()

	for _, b := range live {
		t.Media.Add(b.relay.Stats())
	}
	t.Created = m.created.Load()
	t.Ended = m.ended.Load()
	t.Failed = m.failed.Load()
	return t
}

// IncomingCall builds a bridge for a newly offered platform call.
func (m *Manager) IncomingCall(sess *signaling.CallSession) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.setup(sess)
	}()
}

func (m *Manager) setup(sess *signaling.CallSession) {
	ctx := m.ctx
	logger := m.logger.With("call_id", sess.CallID)

	if _, ok := m.Get(sess.CallID); ok {
		logger.Debug("bridge already exists")
		return
	}

	destination := DestinationFromJID(sess.RemoteJID)
	if destination == "" {
		logger.Warn("cannot derive destination", "remote_jid", sess.RemoteJID)
		m.dropPending(sess.CallID)
		m.failed.Add(1)
		m.rejectCall(sess.CallID, signaling.ReasonUnavailable)
		return
	}

	sock, err := m.pool.Allocate()
	if err != nil {
		logger.Error("allocating media socket", "error", err)
		m.dropPending(sess.CallID)
		m.failed.Add(1)
		m.rejectCall(sess.CallID, signaling.ReasonUnavailable)
		return
	}

	relay := media.NewRelay(sess.CallID, sock, m.pool, m.logger)
	stunClient := media.NewSTUNClient(relay, sess.CallID, sess.CallCreator, m.logger)
	stunClient.SetIntervals(m.cfg.KeepAliveInterval, m.cfg.NominateDelay)

	b := &Bridge{
		CallID:      sess.CallID,
		RemoteJID:   sess.RemoteJID,
		CallCreator: sess.CallCreator,
		Destination: destination,
		CreatedAt:   time.Now(),
		relay:       relay,
		stun:        stunClient,
	}

	m.mu.Lock()
	if _, ok := m.bridges[b.CallID]; ok {
		m.mu.Unlock()
		relay.Stop()
		return
	}
	m.bridges[b.CallID] = b
	var early []*stanza.Node
	if p, ok := m.pending[b.CallID]; ok {
		early = p.nodes
		delete(m.pending, b.CallID)
	}
	m.mu.Unlock()

	m.signaling.SetMediaPort(b.CallID, uint16(relay.LocalPort()))
	relay.Start()
	stunClient.Start()

	res := extract.FromOffer(sess.OfferSources()...)
	if res.Keys != nil {
		if err := relay.SetKeys(res.Keys); err != nil {
			logger.Error("initializing srtp", "error", err)
			m.failed.Add(1)
			m.endAndTerminate(b, ReasonMediaSetup)
			return
		}
		b.mu.Lock()
		b.keySource = res.KeySource
		b.mu.Unlock()

		relay.UpdateCandidates(withUsername(res.Relays, b.CallID))
		replayed := m.replayTransports(b, early)
		probes := stunClient.Probe()
		if replayed > 0 {
			stunClient.Nominate()
		}
		relay.StartSilence()
		logger.Info("media keys initialized",
			"key_source", res.KeySource,
			"relays", len(res.Relays),
			"early_transports", replayed,
			"stun_requests", probes,
			"orphan_token", res.OrphanTokenApplied,
		)
	} else {
		relay.UpdateCandidates(res.Relays)
		m.replayTransports(b, early)
		if m.cfg.RequireMediaKeys {
			logger.Warn("no media keys in offer, ending bridge", "relays", len(res.Relays))
			m.failed.Add(1)
			m.endAndTerminate(b, ReasonNoMediaKeys)
			return
		}
		logger.Warn("no media keys in offer, bridging without platform audio", "relays", len(res.Relays))
	}

	m.created.Add(1)
	logger.Info("bridge created",
		"destination", destination,
		"local_port", relay.LocalPort(),
		"active_bridges", m.ActiveCount(),
	)
	m.emit(Event{
		Type:        EventCreated,
		CallID:      b.CallID,
		Destination: destination,
		Time:        b.CreatedAt,
	})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.signaling.Accept(ctx, b.CallID); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("accept flow failed", "error", err)
		}
	}()

	m.originate(ctx, b, logger)
}

// originate places the telephony call for b and ties the two legs together.
func (m *Manager) originate(ctx context.Context, b *Bridge, logger *slog.Logger) {
	sessionID := uuid.NewString()
	b.setSessionID(sessionID)
	m.mu.Lock()
	m.bySession[sessionID] = b
	m.mu.Unlock()

	if b.Ended() {
		m.mu.Lock()
		delete(m.bySession, sessionID)
		m.mu.Unlock()
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.OriginateTimeout)
	defer cancel()

	logger = logger.With("session_id", sessionID)
	res, err := m.telephony.MakeCall(callCtx, b.Destination, sessionID, sip.CallOptions{
		LocalRTPPort: b.relay.LocalPort(),
	})
	if err != nil {
		if b.Ended() {
			logger.Debug("telephony call aborted after bridge end", "error", err)
			return
		}
		logger.Warn("telephony origination failed", "error", err)
		m.failed.Add(1)
		m.endAndTerminate(b, ReasonOriginateFail)
		return
	}

	if err := b.relay.SetTelephonyEndpoint(res.RemoteRTPIP, res.RemoteRTPPort); err != nil {
		logger.Warn("unusable telephony media endpoint", "error", err)
		m.failed.Add(1)
		m.end(b, ReasonOriginateFail)
		m.hangup(sessionID)
		m.terminateCall(b.CallID, signaling.ReasonUnavailable)
		return
	}

	b.mu.Lock()
	b.answered = true
	b.mu.Unlock()

	if b.Ended() {
		// The platform call ended while the trunk was answering.
		m.hangup(sessionID)
		return
	}
	logger.Info("telephony leg answered",
		"remote_rtp_ip", res.RemoteRTPIP,
		"remote_rtp_port", res.RemoteRTPPort,
	)
}

// TransportUpdate merges relay candidates from a transport stanza and
// nominates them. A stanza for a call whose bridge is still being set up
// is held and applied once the bridge exists.
func (m *Manager) TransportUpdate(callID string, node *stanza.Node) {
	m.mu.Lock()
	b, ok := m.bridges[callID]
	if !ok {
		m.bufferTransportLocked(callID, node)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.mergeTransport(b, node) > 0 && b.relay.Keys() != nil {
		b.stun.Nominate()
	}
}

// mergeTransport folds the relays in node into b's candidates and returns
// how many it carried.
func (m *Manager) mergeTransport(b *Bridge, node *stanza.Node) int {
	tr := extract.FromTransport(node)
	if len(tr.Relays) == 0 {
		return 0
	}
	merged := b.relay.UpdateCandidates(withUsername(tr.Relays, b.CallID))
	m.logger.Debug("relay candidates updated",
		"call_id", b.CallID,
		"incoming", len(tr.Relays),
		"known", len(merged),
	)
	return len(tr.Relays)
}

// replayTransports applies transports buffered before b was registered and
// returns how many carried relays.
func (m *Manager) replayTransports(b *Bridge, nodes []*stanza.Node) int {
	n := 0
	for _, node := range nodes {
		if m.mergeTransport(b, node) > 0 {
			n++
		}
	}
	return n
}

func (m *Manager) bufferTransportLocked(callID string, node *stanza.Node) {
	now := time.Now()
	for id, p := range m.pending {
		if now.Sub(p.since) > pendingTransportTTL {
			delete(m.pending, id)
		}
	}
	p, ok := m.pending[callID]
	if !ok {
		p = &pendingTransports{since: now}
		m.pending[callID] = p
	}
	if len(p.nodes) >= maxPendingTransports {
		m.logger.Warn("dropping early transport, buffer full", "call_id", callID)
		return
	}
	p.nodes = append(p.nodes, node)
	m.logger.Debug("transport held until bridge setup", "call_id", callID, "held", len(p.nodes))
}

func (m *Manager) dropPending(callID string) {
	m.mu.Lock()
	delete(m.pending, callID)
	m.mu.Unlock()
}

// CallEnded tears down the bridge after the platform ended the call.
func (m *Manager) CallEnded(callID, reason string) {
	b, ok := m.Get(callID)
	if !ok {
		m.dropPending(callID)
		return
	}
	if !m.end(b, ReasonPlatformEnded+":"+reason) {
		return
	}
	if sessionID := b.SessionID(); sessionID != "" {
		m.hangup(sessionID)
	}
}

// CallEstablished records the telephony leg's RTP port.
func (m *Manager) CallEstablished(sessionID string, remoteRTPPort int) {
	b, ok := m.bySessionID(sessionID)
	if !ok {
		return
	}
	b.relay.SetTelephonyPort(remoteRTPPort)
}

// CallTerminated tears down the bridge after the trunk hung up.
func (m *Manager) CallTerminated(sessionID string) {
	b, ok := m.bySessionID(sessionID)
	if !ok {
		return
	}
	if m.end(b, ReasonTelephonyEnded) {
		m.terminateCall(b.CallID, signaling.ReasonHangup)
	}
}

// Hangup ends the bridge for callID from the gateway side, clearing both
// legs.
func (m *Manager) Hangup(callID string) error {
	b, ok := m.Get(callID)
	if !ok {
		return fmt.Errorf("bridge %s: %w", callID, ErrBridgeNotFound)
	}
	if !m.end(b, "hangup") {
		return nil
	}
	if sessionID := b.SessionID(); sessionID != "" {
		m.hangup(sessionID)
	}
	m.terminateCall(callID, signaling.ReasonHangup)
	return nil
}

func (m *Manager) endAndTerminate(b *Bridge, reason string) {
	if m.end(b, reason) {
		m.terminateCall(b.CallID, signaling.ReasonUnavailable)
	}
}

// end stops b's media and removes it from the registry. It is safe to call
// from every teardown path; only the first call has any effect.
func (m *Manager) end(b *Bridge, reason string) bool {
	if !b.markEnded(reason) {
		return false
	}

	b.stun.Stop()
	b.relay.Stop()
	stats := b.relay.Stats()
	sessionID := b.SessionID()

	m.mu.Lock()
	if cur, ok := m.bridges[b.CallID]; ok && cur == b {
		delete(m.bridges, b.CallID)
	}
	if sessionID != "" {
		if cur, ok := m.bySession[sessionID]; ok && cur == b {
			delete(m.bySession, sessionID)
		}
	}
	m.endedMedia.Add(stats)
	active := len(m.bridges)
	m.mu.Unlock()

	m.ended.Add(1)
	duration := b.Duration()
	m.logger.Info("bridge ended",
		"call_id", b.CallID,
		"session_id", sessionID,
		"reason", reason,
		"duration", duration.Round(time.Millisecond).String(),
		"packets_to_platform", stats.PacketsToPlatform,
		"packets_to_telephony", stats.PacketsToTelephony,
		"active_bridges", active,
	)
	m.emit(Event{
		Type:        EventEnded,
		CallID:      b.CallID,
		SessionID:   sessionID,
		Destination: b.Destination,
		Reason:      reason,
		Duration:    duration,
		Time:        time.Now(),
	})
	return true
}

func (m *Manager) hangup(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout)
	defer cancel()
	if err := m.telephony.Hangup(ctx, sessionID); err != nil && !errors.Is(err, sip.ErrCallNotFound) {
		m.logger.Warn("telephony hangup failed", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) terminateCall(callID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout)
	defer cancel()
	if err := m.signaling.Terminate(ctx, callID, reason); err != nil && !errors.Is(err, signaling.ErrUnknownCall) {
		m.logger.Warn("platform terminate failed", "call_id", callID, "error", err)
	}
}

func (m *Manager) rejectCall(callID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout)
	defer cancel()
	if err := m.signaling.Reject(ctx, callID, reason); err != nil && !errors.Is(err, signaling.ErrUnknownCall) {
		m.logger.Warn("platform reject failed", "call_id", callID, "error", err)
	}
}

// Shutdown ends every bridge, clearing both legs, and waits for setup
// goroutines until ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	m.mu.Lock()
	list := make([]*Bridge, 0, len(m.bridges))
	for _, b := range m.bridges {
		list = append(list, b)
	}
	m.mu.Unlock()

	for _, b := range list {
		if !m.end(b, ReasonShutdown) {
			continue
		}
		if sessionID := b.SessionID(); sessionID != "" {
			m.hangup(sessionID)
		}
		m.terminateCall(b.CallID, signaling.ReasonUnavailable)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for bridge setup: %w", ctx.Err())
	}
}

// withUsername tags relays that lack a username with the call ID.
func withUsername(relays []extract.RelayEndpoint, callID string) []extract.RelayEndpoint {
	out := make([]extract.RelayEndpoint, len(relays))
	copy(out, relays)
	for i := range out {
		if out[i].Username == "" {
			out[i].Username = callID
		}
	}
	return out
}
