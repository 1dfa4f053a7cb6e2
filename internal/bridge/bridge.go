// Package bridge pairs a platform call with a telephony call and owns the
// media relay that carries audio between them.
package bridge

import (
	"strings"
	"sync"
	"time"

	"github.com/flowpbx/callgate/internal/extract"
	"github.com/flowpbx/callgate/internal/media"
)

// Bridge is one platform call joined to one telephony call.
type Bridge struct {
	CallID      string
	RemoteJID   string
	CallCreator string
	Destination string
	CreatedAt   time.Time

	relay *media.Relay
	stun  *media.STUNClient

	mu        sync.Mutex
	sessionID string
	keySource extract.KeySource
	answered  bool
	ended     bool
	endReason string
	endedAt   time.Time
}

// Info is a JSON snapshot of a bridge.
type Info struct {
	CallID        string      `json:"call_id"`
	SessionID     string      `json:"session_id,omitempty"`
	Destination   string      `json:"destination"`
	CallCreator   string      `json:"call_creator,omitempty"`
	LocalPort     int         `json:"local_port"`
	KeySource     string      `json:"key_source,omitempty"`
	Answered      bool        `json:"answered"`
	ActiveRelay   string      `json:"active_relay,omitempty"`
	TelephonyAddr string      `json:"telephony_addr,omitempty"`
	Relays        int         `json:"relays"`
	Silence       bool        `json:"silence"`
	CreatedAt     time.Time   `json:"created_at"`
	Duration      string      `json:"duration"`
	Stats         media.Stats `json:"stats"`
}

// SessionID returns the telephony session ID, or "" before origination.
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

func (b *Bridge) setSessionID(id string) {
	b.mu.Lock()
	b.sessionID = id
	b.mu.Unlock()
}

// Ended reports whether the bridge has been torn down.
func (b *Bridge) Ended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended
}

// markEnded records the end exactly once. It returns false when the bridge
// had already ended.
func (b *Bridge) markEnded(reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return false
	}
	b.ended = true
	b.endReason = reason
	b.endedAt = time.Now()
	return true
}

// Duration returns the time from creation to end, or to now while active.
func (b *Bridge) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return b.endedAt.Sub(b.CreatedAt)
	}
	return time.Since(b.CreatedAt)
}

// Info returns a snapshot of the bridge.
func (b *Bridge) Info() Info {
	b.mu.Lock()
	info := Info{
		CallID:      b.CallID,
		SessionID:   b.sessionID,
		Destination: b.Destination,
		CallCreator: b.CallCreator,
		KeySource:   string(b.keySource),
		Answered:    b.answered,
		CreatedAt:   b.CreatedAt,
	}
	b.mu.Unlock()

	info.Duration = b.Duration().Round(time.Second).String()
	info.LocalPort = b.relay.LocalPort()
	info.Relays = len(b.relay.Candidates())
	info.Silence = b.relay.SilenceActive()
	info.Stats = b.relay.Stats()
	if ep, ok := b.relay.ActiveRelay(); ok {
		info.ActiveRelay = ep.Addr()
	}
	if addr := b.relay.TelephonyAddr(); addr != nil {
		info.TelephonyAddr = addr.String()
	}
	return info
}

// DestinationFromJID returns the phone number portion of a platform JID:
// everything before '@', without a ":device" suffix.
func DestinationFromJID(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}
