// Package stun builds ICE-style STUN Binding Requests for relay
// authentication and classifies inbound datagrams and STUN responses.
package stun

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	pionstun "github.com/pion/stun/v3"
)

// Message types the gateway distinguishes.
const (
	TypeBindingRequest = 0x0001
	TypeBindingSuccess = 0x0101
	TypeBindingError   = 0x0111
)

// CandidatePriority is the fixed PRIORITY attribute value sent on every
// binding request.
const CandidatePriority uint32 = 1853824767

const headerSize = 20

// ErrNotSTUN is returned when a datagram is not a STUN message.
var ErrNotSTUN = errors.New("not a STUN message")

// IsSTUN reports whether a datagram on the media socket is STUN. STUN
// messages start with a byte in 0..3; RTP and SRTP start at 0x80.
func IsSTUN(b []byte) bool {
	return len(b) > 0 && b[0] <= 3
}

// BindingRequest describes one outbound Binding Request.
type BindingRequest struct {
	TransactionID [pionstun.TransactionIDSize]byte
	Username      string
	// Token keys MESSAGE-INTEGRITY. Empty omits the attribute.
	Token []byte
	// Nominate adds USE-CANDIDATE.
	Nominate bool
	// TieBreaker is the ICE-CONTROLLED value. Nil picks 8 random bytes.
	TieBreaker []byte
}

// NewTransactionID returns a random transaction id.
func NewTransactionID() [pionstun.TransactionIDSize]byte {
	var id [pionstun.TransactionIDSize]byte
	_, _ = rand.Read(id[:])
	return id
}

type rawAttr struct {
	typ   pionstun.AttrType
	value []byte
}

func (a rawAttr) AddTo(m *pionstun.Message) error {
	m.Add(a.typ, a.value)
	return nil
}

// Build encodes the request. Attribute order is USERNAME, ICE-CONTROLLED,
// PRIORITY, USE-CANDIDATE, MESSAGE-INTEGRITY, FINGERPRINT.
func (r BindingRequest) Build() ([]byte, error) {
	tieBreaker := r.TieBreaker
	if tieBreaker == nil {
		tieBreaker = make([]byte, 8)
		if _, err := rand.Read(tieBreaker); err != nil {
			return nil, fmt.Errorf("generating tie breaker: %w", err)
		}
	}
	priority := make([]byte, 4)
	binary.BigEndian.PutUint32(priority, CandidatePriority)

	setters := []pionstun.Setter{
		pionstun.BindingRequest,
		pionstun.NewTransactionIDSetter(r.TransactionID),
	}
	if r.Username != "" {
		setters = append(setters, pionstun.NewUsername(r.Username))
	}
	setters = append(setters,
		rawAttr{pionstun.AttrICEControlled, tieBreaker},
		rawAttr{pionstun.AttrPriority, priority},
	)
	if r.Nominate {
		setters = append(setters, rawAttr{pionstun.AttrUseCandidate, nil})
	}
	if len(r.Token) > 0 {
		setters = append(setters, pionstun.NewShortTermIntegrity(string(r.Token)))
	}
	setters = append(setters, pionstun.Fingerprint)

	m, err := pionstun.Build(setters...)
	if err != nil {
		return nil, fmt.Errorf("building binding request: %w", err)
	}
	return m.Raw, nil
}

// ResponseKind classifies a parsed STUN message.
type ResponseKind int

const (
	ResponseSuccess ResponseKind = iota + 1
	ResponseError
	// ResponseUnrecognized is any other message type below 0x0200.
	ResponseUnrecognized
	// ResponseIgnored covers the remaining types.
	ResponseIgnored
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseSuccess:
		return "success"
	case ResponseError:
		return "error"
	case ResponseUnrecognized:
		return "unrecognized"
	case ResponseIgnored:
		return "ignored"
	}
	return "unknown"
}

// Response is a classified inbound STUN message.
type Response struct {
	Kind          ResponseKind
	Type          uint16
	TransactionID [pionstun.TransactionIDSize]byte

	// Mapped address from a success response.
	IP   net.IP
	Port int

	// ErrorCode from an error response, or 0 when absent.
	ErrorCode int
	Reason    string
}

// Addr returns the mapped address as host:port, or "" when unknown.
func (r Response) Addr() string {
	if r.IP == nil {
		return ""
	}
	return net.JoinHostPort(r.IP.String(), fmt.Sprint(r.Port))
}

// ParseResponse classifies b. It returns ErrNotSTUN when b cannot be a STUN
// message. Missing attributes leave the matching fields zero.
func ParseResponse(b []byte) (Response, error) {
	if !IsSTUN(b) || len(b) < headerSize {
		return Response{}, ErrNotSTUN
	}

	var resp Response
	resp.Type = binary.BigEndian.Uint16(b[0:2])
	copy(resp.TransactionID[:], b[8:headerSize])

	switch {
	case resp.Type == TypeBindingSuccess:
		resp.Kind = ResponseSuccess
		m := &pionstun.Message{Raw: append([]byte(nil), b...)}
		if err := m.Decode(); err != nil {
			return resp, fmt.Errorf("decoding binding success: %w", err)
		}
		var xor pionstun.XORMappedAddress
		if err := xor.GetFrom(m); err == nil {
			resp.IP, resp.Port = xor.IP, xor.Port
			break
		}
		var mapped pionstun.MappedAddress
		if err := mapped.GetFrom(m); err == nil {
			resp.IP, resp.Port = mapped.IP, mapped.Port
		}

	case resp.Type == TypeBindingError:
		resp.Kind = ResponseError
		if len(b) >= 28 {
			resp.ErrorCode = int(b[26]&0x07)*100 + int(b[27])
		}
		m := &pionstun.Message{Raw: append([]byte(nil), b...)}
		if err := m.Decode(); err == nil {
			var ec pionstun.ErrorCodeAttribute
			if err := ec.GetFrom(m); err == nil {
				resp.Reason = string(ec.Reason)
			}
		}

	case resp.Type < 0x0200:
		resp.Kind = ResponseUnrecognized

	default:
		resp.Kind = ResponseIgnored
	}
	return resp, nil
}
