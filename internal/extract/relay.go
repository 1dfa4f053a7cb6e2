package extract

import (
	"bytes"

	"github.com/flowpbx/callgate/internal/stanza"
)

// RelayEndpoint is one relay server offered for the call's media.
type RelayEndpoint struct {
	IP          string `json:"ip"`
	Port        uint16 `json:"port"`
	Token       []byte `json:"-"`
	Username    string `json:"username,omitempty"`
	CallCreator string `json:"call_creator,omitempty"`
}

// Addr returns the endpoint as host:port.
func (r RelayEndpoint) Addr() string {
	return stanza.JoinHostPort(r.IP, r.Port)
}

// HasToken reports whether an access token is known for this relay.
func (r RelayEndpoint) HasToken() bool {
	return len(r.Token) > 0
}

func (r RelayEndpoint) sameAddr(o RelayEndpoint) bool {
	return r.IP == o.IP && r.Port == o.Port
}

// MergeRelays folds incoming into existing. Entries are matched on ip:port.
// A matched entry takes the incoming token, username and call creator only
// where the incoming entry has one; otherwise the existing value is kept.
// Unmatched incoming entries are appended in order. existing is not modified.
func MergeRelays(existing, incoming []RelayEndpoint) []RelayEndpoint {
	out := make([]RelayEndpoint, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	for _, in := range incoming {
		idx := -1
		for i := range out {
			if out[i].sameAddr(in) {
				idx = i
				break
			}
		}
		if idx < 0 {
			out = append(out, in)
			continue
		}
		cur := &out[idx]
		if in.HasToken() && !bytes.Equal(cur.Token, in.Token) {
			cur.Token = in.Token
		}
		if in.Username != "" {
			cur.Username = in.Username
		}
		if in.CallCreator != "" {
			cur.CallCreator = in.CallCreator
		}
	}
	return out
}

// applyToken sets token on every relay that has none and returns how many
// were updated.
func applyToken(relays []RelayEndpoint, token []byte) int {
	if len(token) == 0 {
		return 0
	}
	n := 0
	for i := range relays {
		if !relays[i].HasToken() {
			relays[i].Token = token
			n++
		}
	}
	return n
}
