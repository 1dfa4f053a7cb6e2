// Package signaling implements the per-call stanza state machine toward the
// messaging platform: offer handling, transport and relay-latency
// choreography, and the accept and terminate flows.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/callgate/internal/extract"
	"github.com/flowpbx/callgate/internal/stanza"
)

var (
	// ErrUnknownCall is returned for operations on a call id with no session.
	ErrUnknownCall = errors.New("unknown call")

	// ErrVideoRejected is returned by Accept for video calls.
	ErrVideoRejected = errors.New("video calls are not supported")

	// ErrPayloadPending is returned by Transport.Decrypt when the decrypted
	// payload is not available yet. The offer flow polls on it.
	ErrPayloadPending = errors.New("decrypted payload not yet available")
)

// Termination reasons sent to the platform.
const (
	ReasonTimeout     = "timeout"
	ReasonUnavailable = "unavailable"
	ReasonHangup      = "hangup"
	ReasonVideo       = "video"
)

// Transport is the platform collaborator.
type Transport interface {
	// Send writes one outbound stanza.
	Send(ctx context.Context, node *stanza.Node) error
	// Decrypt opens an encrypted offer payload from jid.
	Decrypt(ctx context.Context, jid, encType string, ciphertext []byte) ([]byte, error)
}

// Decoder turns decrypted call-payload plaintext into the structured offer.
type Decoder func(plaintext []byte) (*extract.DecodedOffer, error)

// Listener receives call lifecycle notifications. Callbacks run on the
// goroutine that processed the stanza and must not block.
type Listener interface {
	IncomingCall(sess *CallSession)
	TransportUpdate(callID string, node *stanza.Node)
	CallEnded(callID, reason string)
}

// Config holds the state machine's timing and addressing parameters.
type Config struct {
	// SettleDelay is the pause between PREACCEPT and ACCEPT.
	SettleDelay time.Duration
	// DecryptAttempts and DecryptInterval bound the offer decrypt poll.
	DecryptAttempts int
	DecryptInterval time.Duration
	// DecryptTimeout bounds the whole offer decrypt and decode step.
	DecryptTimeout time.Duration
	// DefaultIP and DefaultPort are advertised in transport responses until a
	// reflexive address is learned.
	DefaultIP   string
	DefaultPort uint16
	// RelayLatency is the latency claimed in relaylatency responses.
	RelayLatency string
}

// DefaultConfig returns the stock timing values.
func DefaultConfig() Config {
	return Config{
		SettleDelay:     time.Second,
		DecryptAttempts: 5,
		DecryptInterval: 200 * time.Millisecond,
		DecryptTimeout:  10 * time.Second,
		RelayLatency:    "20",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.DecryptAttempts <= 0 {
		c.DecryptAttempts = d.DecryptAttempts
	}
	if c.DecryptInterval <= 0 {
		c.DecryptInterval = d.DecryptInterval
	}
	if c.DecryptTimeout <= 0 {
		c.DecryptTimeout = d.DecryptTimeout
	}
	if c.RelayLatency == "" {
		c.RelayLatency = d.RelayLatency
	}
}

// Machine owns every CallSession and processes inbound call stanzas.
type Machine struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*CallSession
	listener Listener
	decoder  Decoder

	// Public endpoint learned from reflexive transport endpoints.
	publicIP   string
	publicPort uint16

	wg sync.WaitGroup
}

// New creates a state machine sending through transport.
func New(transport Transport, cfg Config, logger *slog.Logger) *Machine {
	cfg.applyDefaults()
	return &Machine{
		transport: transport,
		cfg:       cfg,
		logger:    logger.With("subsystem", "signaling"),
		sessions:  make(map[string]*CallSession),
		decoder:   decodeCallPayload,
	}
}

func decodeCallPayload(plaintext []byte) (*extract.DecodedOffer, error) {
	key, err := extract.DecodeCallPayload(plaintext)
	if err != nil {
		return nil, err
	}
	return &extract.DecodedOffer{Call: &extract.DecodedCall{CallKey: key}}, nil
}

// SetListener registers the receiver of lifecycle notifications.
func (m *Machine) SetListener(l Listener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// SetDecoder replaces the call-payload decoder.
func (m *Machine) SetDecoder(d Decoder) {
	if d == nil {
		d = decodeCallPayload
	}
	m.mu.Lock()
	m.decoder = d
	m.mu.Unlock()
}

func (m *Machine) getListener() Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener
}

// Session returns the session for callID.
func (m *Machine) Session(callID string) (*CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// ActiveCount returns the number of live sessions.
func (m *Machine) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of every live session.
func (m *Machine) Sessions() []SessionInfo {
	m.mu.Lock()
	list := make([]*CallSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		out = append(out, s.Info())
	}
	return out
}

// PublicEndpoint returns the address advertised in transport responses.
func (m *Machine) PublicEndpoint() (string, uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip := m.publicIP
	if ip == "" {
		ip = m.cfg.DefaultIP
	}
	return ip, m.publicPort
}

// SetMediaPort records the local media port bound for callID. Transport
// responses for that call advertise it.
func (m *Machine) SetMediaPort(callID string, port uint16) {
	if s, ok := m.Session(callID); ok {
		s.mu.Lock()
		s.mediaPort = port
		s.mu.Unlock()
	}
}

func (m *Machine) remove(callID string) (*CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if ok {
		delete(m.sessions, callID)
		s.setState(StateEnded)
	}
	return s, ok
}

func (m *Machine) send(ctx context.Context, node *stanza.Node) error {
	if err := m.transport.Send(ctx, node); err != nil {
		return fmt.Errorf("sending %s: %w", describe(node), err)
	}
	return nil
}

// describe names an outbound stanza for errors and logs.
func describe(n *stanza.Node) string {
	if n.Kind() == stanza.KindCall {
		if c := n.FirstChild(); c != nil {
			return c.Tag
		}
	}
	return n.Tag
}

// HandleCall processes one inbound call stanza. It returns an error only
// when a required outbound stanza could not be sent.
func (m *Machine) HandleCall(ctx context.Context, node *stanza.Node) error {
	if node == nil || node.Kind() != stanza.KindCall {
		return nil
	}
	child := node.FirstChild()
	if child == nil {
		m.logger.Debug("call stanza without content", "id", node.Attr("id"))
		return nil
	}

	if child.Kind() == stanza.KindOffer {
		return m.handleOffer(ctx, node, child)
	}

	// Every other call stanza is acknowledged before anything else, known
	// call or not.
	from := node.Attr("from")
	if err := m.send(ctx, stanza.Ack(from, node.Attr("id"), "call", child.Tag)); err != nil {
		m.logger.Warn("failed to ack call stanza", "type", child.Tag, "from", from, "error", err)
	}

	callID := child.Attr("call-id")
	switch child.Kind() {
	case stanza.KindTransport:
		return m.handleTransport(ctx, from, child)
	case stanza.KindRelayLatency:
		return m.handleRelayLatency(ctx, from, child)
	case stanza.KindTerminate, stanza.KindReject, stanza.KindTimeout:
		m.handleEnded(callID, child)
	case stanza.KindAccept, stanza.KindPreAccept, stanza.KindAck, stanza.KindReceipt, stanza.KindRinging:
		m.logger.Debug("remote call stanza", "type", child.Tag, "call_id", callID)
	default:
		m.logger.Debug("unhandled call stanza", "type", child.Tag, "call_id", callID)
	}
	return nil
}

func (m *Machine) handleOffer(ctx context.Context, node, offer *stanza.Node) error {
	from := node.Attr("from")
	callID := offer.Attr("call-id")
	if callID == "" {
		m.logger.Warn("offer without call-id", "from", from)
		return nil
	}
	creator := offer.Attr("call-creator")
	if creator == "" {
		creator = from
	}

	m.mu.Lock()
	existing, dup := m.sessions[callID]
	if !dup {
		sess := &CallSession{
			CallID:      callID,
			RemoteJID:   from,
			CallCreator: creator,
			IsVideo:     offer.Child("video") != nil,
			IsGroup:     offer.HasAttr("group-jid") || offer.Child("group-info") != nil,
			MessageID:   node.Attr("id"),
			CreatedAt:   time.Now(),
			offerNode:   offer,
			state:       StateOffered,
		}
		m.sessions[callID] = sess
		existing = sess
	}
	m.mu.Unlock()
	sess := existing

	logger := m.logger.With("call_id", callID)

	if err := m.send(ctx, stanza.Receipt(sess.Ref(), node.Attr("id"))); err != nil {
		logger.Warn("failed to send receipt", "error", err)
	}
	if dup {
		logger.Debug("duplicate offer, receipt resent")
		return nil
	}

	logger.Info("incoming call offer",
		"remote_jid", sess.RemoteJID,
		"call_creator", sess.CallCreator,
		"video", sess.IsVideo,
		"group", sess.IsGroup,
	)

	if sess.IsVideo {
		m.remove(callID)
		if err := m.send(ctx, stanza.Reject(sess.Ref(), ReasonVideo)); err != nil {
			return err
		}
		logger.Info("video call rejected")
		return nil
	}

	if err := m.send(ctx, stanza.Ringing(sess.Ref())); err != nil {
		logger.Warn("failed to send ringing", "error", err)
	} else {
		sess.advance(StateRingingSent)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DecryptTimeout)
		defer cancel()
		m.resolveOffer(octx, sess, offer, logger)

		if _, ok := m.Session(callID); !ok {
			logger.Debug("call ended before offer resolved")
			return
		}
		if l := m.getListener(); l != nil {
			l.IncomingCall(sess)
		}
	}()
	return nil
}

// resolveOffer decrypts and decodes the offer's encrypted payload. Failures
// leave the session without a decoded offer.
func (m *Machine) resolveOffer(ctx context.Context, sess *CallSession, offer *stanza.Node, logger *slog.Logger) {
	enc := offer.Child("enc")
	if enc == nil || len(enc.Data) == 0 {
		logger.Debug("offer carries no encrypted payload")
		return
	}

	plaintext, err := m.decryptWithRetry(ctx, sess.RemoteJID, enc.Attr("type"), enc.Data)
	if err != nil {
		logger.Warn("offer decrypt failed, continuing without payload", "error", err)
		return
	}

	m.mu.Lock()
	decode := m.decoder
	m.mu.Unlock()

	decoded, err := decode(plaintext)
	sess.mu.Lock()
	sess.plaintext = plaintext
	if err == nil {
		sess.offer = decoded
	}
	sess.mu.Unlock()
	if err != nil {
		logger.Warn("offer payload decode failed", "error", err, "bytes", len(plaintext))
		return
	}
	logger.Debug("offer payload decoded", "bytes", len(plaintext))
}

func (m *Machine) decryptWithRetry(ctx context.Context, jid, encType string, ct []byte) ([]byte, error) {
	var err error
	for attempt := 1; attempt <= m.cfg.DecryptAttempts; attempt++ {
		var pt []byte
		pt, err = m.transport.Decrypt(ctx, jid, encType, ct)
		if err == nil {
			return pt, nil
		}
		if !errors.Is(err, ErrPayloadPending) || attempt == m.cfg.DecryptAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.cfg.DecryptInterval):
		}
	}
	return nil, fmt.Errorf("decrypting offer payload: %w", err)
}

func (m *Machine) handleTransport(ctx context.Context, from string, tr *stanza.Node) error {
	callID := tr.Attr("call-id")
	sess, ok := m.Session(callID)
	if !ok {
		m.logger.Debug("transport for unknown call", "call_id", callID, "from", from)
		return nil
	}

	sess.mu.Lock()
	sess.gotTransport = true
	port := sess.learnedPort
	if port == 0 {
		port = sess.mediaPort
	}
	sess.mu.Unlock()
	sess.advance(StateTransportExchanging)

	ip, learned := m.PublicEndpoint()
	if port == 0 {
		port = learned
	}
	if port == 0 {
		port = m.cfg.DefaultPort
	}

	var sendErr error
	if err := m.send(ctx, stanza.TransportResponse(sess.Ref(), ip, port)); err != nil {
		sendErr = err
		m.logger.Warn("failed to send transport response", "call_id", callID, "error", err)
	}

	if rte := tr.Child("rte"); rte != nil {
		if rip, rport, _, ok := stanza.DecodeEndpoint(rte.Data); ok && rport != 0 {
			m.mu.Lock()
			m.publicIP, m.publicPort = rip, rport
			m.mu.Unlock()
			sess.mu.Lock()
			sess.learnedPort = rport
			sess.mu.Unlock()
			m.logger.Debug("learned reflexive endpoint", "call_id", callID, "ip", rip, "port", rport)
		}
	}

	if l := m.getListener(); l != nil {
		l.TransportUpdate(callID, tr)
	}
	return sendErr
}

func (m *Machine) handleRelayLatency(ctx context.Context, from string, rl *stanza.Node) error {
	callID := rl.Attr("call-id")
	ref := stanza.CallRef{To: from, CallID: callID, CallCreator: rl.Attr("call-creator")}
	if sess, ok := m.Session(callID); ok {
		sess.mu.Lock()
		sess.gotRelay = true
		sess.mu.Unlock()
		ref = sess.Ref()
	}

	var firstErr error
	for _, te := range rl.ChildrenByTag("te") {
		if err := m.send(ctx, stanza.RelayLatencyResponse(ref, te, m.cfg.RelayLatency)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		m.logger.Warn("failed to echo relay latency", "call_id", callID, "error", firstErr)
	}
	return firstErr
}

func (m *Machine) handleEnded(callID string, child *stanza.Node) {
	if _, ok := m.remove(callID); !ok {
		m.logger.Debug("end for unknown call", "call_id", callID, "type", child.Tag)
		return
	}
	reason := child.Attr("reason")
	if reason == "" {
		reason = child.Tag
	}
	m.logger.Info("call ended by remote", "call_id", callID, "type", child.Tag, "reason", reason)
	if l := m.getListener(); l != nil {
		l.CallEnded(callID, reason)
	}
}

// Accept runs the preaccept, settle, accept, ready sequence once per call.
// A second call while the first is running or after it completed returns nil.
func (m *Machine) Accept(ctx context.Context, callID string) error {
	sess, ok := m.Session(callID)
	if !ok {
		return fmt.Errorf("accepting %s: %w", callID, ErrUnknownCall)
	}
	if sess.IsVideo {
		return ErrVideoRejected
	}

	sess.mu.Lock()
	if sess.accepted || sess.accepting {
		sess.mu.Unlock()
		return nil
	}
	sess.accepting = true
	sess.mu.Unlock()

	err := m.acceptSequence(ctx, sess)

	sess.mu.Lock()
	sess.accepting = false
	if err == nil {
		sess.accepted = true
	}
	sess.mu.Unlock()
	return err
}

func (m *Machine) acceptSequence(ctx context.Context, sess *CallSession) error {
	logger := m.logger.With("call_id", sess.CallID)

	if err := m.send(ctx, stanza.PreAccept(sess.Ref())); err != nil {
		return err
	}

	if m.cfg.SettleDelay > 0 {
		t := time.NewTimer(m.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}

	if _, ok := m.Session(sess.CallID); !ok {
		return fmt.Errorf("accepting %s: %w", sess.CallID, ErrUnknownCall)
	}

	if err := m.send(ctx, stanza.Accept(sess.Ref())); err != nil {
		return err
	}
	sess.advance(StateAccepted)

	if err := m.send(ctx, stanza.Ready(sess.Ref())); err != nil {
		return err
	}
	sess.advance(StateReady)

	logger.Info("call accepted",
		"got_transport", sess.GotTransport(),
		"got_relay", sess.GotRelay(),
	)
	return nil
}

// Terminate sends a terminate stanza and removes the session. The session is
// removed even when the send fails.
func (m *Machine) Terminate(ctx context.Context, callID, reason string) error {
	sess, ok := m.remove(callID)
	if !ok {
		return fmt.Errorf("terminating %s: %w", callID, ErrUnknownCall)
	}
	if reason == "" {
		reason = ReasonHangup
	}
	m.logger.Info("terminating call", "call_id", callID, "reason", reason)
	return m.send(ctx, stanza.Terminate(sess.Ref(), reason))
}

// Reject declines a call that has not been accepted and removes the session.
func (m *Machine) Reject(ctx context.Context, callID, reason string) error {
	sess, ok := m.remove(callID)
	if !ok {
		return fmt.Errorf("rejecting %s: %w", callID, ErrUnknownCall)
	}
	if reason == "" {
		reason = ReasonUnavailable
	}
	m.logger.Info("rejecting call", "call_id", callID, "reason", reason)
	return m.send(ctx, stanza.Reject(sess.Ref(), reason))
}

// Wait blocks until in-flight offer resolution has finished.
func (m *Machine) Wait() {
	m.wg.Wait()
}
