package signaling

import (
	"sync"
	"time"

	"github.com/flowpbx/callgate/internal/extract"
	"github.com/flowpbx/callgate/internal/stanza"
)

// State is a call's position in the signaling sequence.
type State int

const (
	StateOffered State = iota
	StateRingingSent
	StateTransportExchanging
	StateAccepted
	StateReady
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateOffered:
		return "offered"
	case StateRingingSent:
		return "ringing_sent"
	case StateTransportExchanging:
		return "transport_exchanging"
	case StateAccepted:
		return "accepted"
	case StateReady:
		return "ready"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// CallSession is one inbound platform call. The identity fields are set at
// offer time and never change.
type CallSession struct {
	CallID string
	// RemoteJID is the sender address exactly as received, device suffix
	// included.
	RemoteJID   string
	CallCreator string
	IsVideo     bool
	IsGroup     bool
	MessageID   string
	CreatedAt   time.Time

	offerNode *stanza.Node

	mu           sync.Mutex
	state        State
	offer        *extract.DecodedOffer
	plaintext    []byte
	gotTransport bool
	gotRelay     bool
	accepted     bool
	accepting    bool
	mediaPort    uint16
	learnedPort  uint16
}

// SessionInfo is a read-only copy of a session for reporting.
type SessionInfo struct {
	CallID       string    `json:"call_id"`
	RemoteJID    string    `json:"remote_jid"`
	CallCreator  string    `json:"call_creator"`
	IsVideo      bool      `json:"is_video"`
	IsGroup      bool      `json:"is_group"`
	State        string    `json:"state"`
	HasOffer     bool      `json:"has_offer"`
	GotTransport bool      `json:"got_transport"`
	GotRelay     bool      `json:"got_relay"`
	Accepted     bool      `json:"accepted"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ref addresses outbound stanzas for this call.
func (s *CallSession) Ref() stanza.CallRef {
	return stanza.CallRef{To: s.RemoteJID, CallID: s.CallID, CallCreator: s.CallCreator}
}

// State returns the current signaling state.
func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// advance moves the state forward to st unless the call is already past it.
func (s *CallSession) advance(st State) {
	s.mu.Lock()
	if s.state < st {
		s.state = st
	}
	s.mu.Unlock()
}

// Offer returns the decoded offer payload, or nil when decryption or
// decoding failed.
func (s *CallSession) Offer() *extract.DecodedOffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offer
}

// Accepted reports whether the accept sequence completed.
func (s *CallSession) Accepted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// GotTransport reports whether a transport stanza has been seen.
func (s *CallSession) GotTransport() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gotTransport
}

// GotRelay reports whether a relaylatency stanza has been seen.
func (s *CallSession) GotRelay() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gotRelay
}

// OfferSources returns every representation of the offer for key and relay
// extraction. A decoded call key is added as a call-key element so it takes
// precedence over key-like elements in the raw stanza.
func (s *CallSession) OfferSources() []extract.OfferSource {
	s.mu.Lock()
	offer, plaintext := s.offer, s.plaintext
	s.mu.Unlock()

	root := s.offerNode
	if offer != nil && offer.Call != nil && len(offer.Call.CallKey) >= extract.KeyBlobLen {
		root = &stanza.Node{
			Tag: "offer",
			Children: []*stanza.Node{
				s.offerNode,
				{Tag: "call-key", Data: offer.Call.CallKey},
			},
		}
	}

	sources := []extract.OfferSource{extract.OfferNode{Node: root}}
	if offer != nil {
		sources = append(sources, *offer)
	}
	if len(plaintext) > 0 {
		sources = append(sources, extract.RawPayload(plaintext))
	}
	return sources
}

// Info returns a snapshot for reporting.
func (s *CallSession) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		CallID:       s.CallID,
		RemoteJID:    s.RemoteJID,
		CallCreator:  s.CallCreator,
		IsVideo:      s.IsVideo,
		IsGroup:      s.IsGroup,
		State:        s.state.String(),
		HasOffer:     s.offer != nil,
		GotTransport: s.gotTransport,
		GotRelay:     s.gotRelay,
		Accepted:     s.accepted,
		CreatedAt:    s.CreatedAt,
	}
}
