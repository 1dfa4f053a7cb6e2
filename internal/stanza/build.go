package stanza

import "strconv"

// Audio codec declarations sent in preaccept and accept.
var audioCodecs = []struct {
	enc  string
	rate int
}{
	{"opus", 16000},
	{"opus", 8000},
}

// capabilityBits is the opaque capability bitset advertised with
// preaccept/accept. Video bits are left clear.
var capabilityBits = []byte{0x01, 0x05, 0xf7, 0x09, 0xe4, 0xbb, 0x07}

// CallRef identifies the peer and call a stanza is addressed to.
type CallRef struct {
	To          string
	CallID      string
	CallCreator string
}

func (r CallRef) attrs(extra ...string) map[string]string {
	m := map[string]string{
		"call-id":      r.CallID,
		"call-creator": r.CallCreator,
	}
	for i := 0; i+1 < len(extra); i += 2 {
		m[extra[i]] = extra[i+1]
	}
	return m
}

// wrapCall places content inside a <call> envelope addressed to ref.To.
func wrapCall(ref CallRef, content *Node) *Node {
	return &Node{
		Tag: "call",
		Attrs: map[string]string{
			"to": ref.To,
			"id": NewMessageID(),
		},
		Children: []*Node{content},
	}
}

func codecNodes() []*Node {
	nodes := make([]*Node, 0, len(audioCodecs)+1)
	for _, c := range audioCodecs {
		nodes = append(nodes, &Node{
			Tag:   "audio",
			Attrs: map[string]string{"enc": c.enc, "rate": strconv.Itoa(c.rate)},
		})
	}
	caps := make([]byte, len(capabilityBits))
	copy(caps, capabilityBits)
	nodes = append(nodes, &Node{
		Tag:   "capability",
		Attrs: map[string]string{"ver": "1"},
		Data:  caps,
	})
	return nodes
}

// Receipt acknowledges delivery of the offer stanza with the given message
// id. It stops the caller-side ring timeout.
func Receipt(ref CallRef, messageID string) *Node {
	return &Node{
		Tag: "receipt",
		Attrs: map[string]string{
			"to": ref.To,
			"id": messageID,
		},
		Children: []*Node{{Tag: "offer", Attrs: ref.attrs()}},
	}
}

// Ack is the protocol-level acknowledgement for an inbound stanza.
func Ack(to, messageID, class, typ string) *Node {
	attrs := map[string]string{
		"to":    to,
		"id":    messageID,
		"class": class,
	}
	if typ != "" {
		attrs["type"] = typ
	}
	return &Node{Tag: "ack", Attrs: attrs}
}

// Ringing tells the caller the call is alerting on this side.
func Ringing(ref CallRef) *Node {
	return wrapCall(ref, &Node{Tag: "ringing", Attrs: ref.attrs()})
}

// PreAccept declares audio-only codec support ahead of the accept.
func PreAccept(ref CallRef) *Node {
	return wrapCall(ref, &Node{
		Tag:      "preaccept",
		Attrs:    ref.attrs(),
		Children: codecNodes(),
	})
}

// Accept answers the call with the same codec declaration as PreAccept.
func Accept(ref CallRef) *Node {
	return wrapCall(ref, &Node{
		Tag:      "accept",
		Attrs:    ref.attrs(),
		Children: codecNodes(),
	})
}

// Ready signals that media may flow.
func Ready(ref CallRef) *Node {
	return wrapCall(ref, &Node{Tag: "ready", Attrs: ref.attrs()})
}

// TransportResponse advertises ip:port as this gateway's host candidate.
func TransportResponse(ref CallRef, ip string, port uint16) *Node {
	te := &Node{
		Tag:   "te",
		Attrs: map[string]string{"priority": "1"},
		Data:  EncodeEndpoint(ip, port),
	}
	return wrapCall(ref, &Node{
		Tag:      "transport",
		Attrs:    ref.attrs(),
		Children: []*Node{te},
	})
}

// RelayLatencyResponse echoes one relay candidate back with the given
// latency claim. The candidate's attributes and opaque content are preserved.
func RelayLatencyResponse(ref CallRef, candidate *Node, latency string) *Node {
	attrs := make(map[string]string, len(candidate.Attrs)+1)
	for k, v := range candidate.Attrs {
		attrs[k] = v
	}
	attrs["latency"] = latency

	te := &Node{Tag: "te", Attrs: attrs}
	if len(candidate.Data) > 0 {
		te.Data = append([]byte(nil), candidate.Data...)
	}
	return wrapCall(ref, &Node{
		Tag:      "relaylatency",
		Attrs:    ref.attrs(),
		Children: []*Node{te},
	})
}

// Reject declines the call.
func Reject(ref CallRef, reason string) *Node {
	return wrapCall(ref, &Node{
		Tag:   "reject",
		Attrs: ref.attrs("count", "0", "reason", reason),
	})
}

// Terminate ends an established or ringing call.
func Terminate(ref CallRef, reason string) *Node {
	return wrapCall(ref, &Node{
		Tag:   "terminate",
		Attrs: ref.attrs("reason", reason),
	})
}
