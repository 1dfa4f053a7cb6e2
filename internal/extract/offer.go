package extract

import (
	"github.com/flowpbx/callgate/internal/stanza"
)

// OfferSource is one representation of a call offer the extractor can read.
// The concrete types are OfferNode, DecodedOffer and RawPayload.
type OfferSource interface {
	offerSource()
}

// OfferNode is the offer stanza tree as received.
type OfferNode struct {
	Node *stanza.Node
}

// DecodedOffer is the structured call payload produced by the platform
// collaborator's decoder.
type DecodedOffer struct {
	Call *DecodedCall `json:"call,omitempty"`
}

// DecodedCall holds the fields of the decoded call payload the gateway uses.
type DecodedCall struct {
	CallKey CallKey `json:"callKey,omitempty"`
}

// RawPayload is decrypted call-payload plaintext that has not been decoded.
type RawPayload []byte

func (OfferNode) offerSource()    {}
func (DecodedOffer) offerSource() {}
func (RawPayload) offerSource()   {}

// KeySource records where the adopted key material came from.
type KeySource string

const (
	KeyFromNone     KeySource = ""
	KeyFromCallKey  KeySource = "call-key"
	KeyFromElement  KeySource = "element"
	KeyFromDecoded  KeySource = "decoded"
	KeyFromProtobuf KeySource = "protobuf"
)

// Result is the canonical output of offer extraction.
type Result struct {
	Keys      *MediaKeys
	KeySource KeySource
	Relays    []RelayEndpoint

	// OrphanTokenApplied is set when relays without a token received the
	// first unreferenced token from the tree.
	OrphanTokenApplied bool
}

// TransportResult is the output of transport stanza extraction.
type TransportResult struct {
	Relays      []RelayEndpoint
	GlobalToken []byte
}

type token struct {
	data       []byte
	referenced bool
}

// tokenTable maps declared token ids to their content in declaration order.
type tokenTable struct {
	byID  map[string]*token
	order []string
}

func (t *tokenTable) add(id string, data []byte) {
	if t.byID == nil {
		t.byID = make(map[string]*token)
	}
	if _, ok := t.byID[id]; !ok {
		t.order = append(t.order, id)
	}
	t.byID[id] = &token{data: data}
}

func (t *tokenTable) resolve(id string) []byte {
	tok, ok := t.byID[id]
	if !ok {
		return nil
	}
	tok.referenced = true
	return tok.data
}

func (t *tokenTable) firstOrphan() []byte {
	for _, id := range t.order {
		if tok := t.byID[id]; !tok.referenced && len(tok.data) > 0 {
			return tok.data
		}
	}
	return nil
}

// collectTokens is the first pass: every token element anywhere in the tree,
// keyed by its id attribute.
func collectTokens(root *stanza.Node, table *tokenTable) {
	stanza.Walk(root, func(n *stanza.Node, _ int) bool {
		if n.Kind() == stanza.KindToken && len(n.Data) > 0 {
			table.add(n.Attr("id"), n.Data)
		}
		return true
	})
}

// tokenRef returns the token id a relay candidate refers to, if any.
func tokenRef(n *stanza.Node) (string, bool) {
	for _, name := range []string{"token_id", "token-id", "token"} {
		if n.HasAttr(name) {
			return n.Attr(name), true
		}
	}
	return "", false
}

// candidateFrom decodes a relay candidate element. ok is false when the
// element does not carry a packed endpoint.
func candidateFrom(n *stanza.Node, table *tokenTable) (RelayEndpoint, bool) {
	ip, port, rest, ok := stanza.DecodeEndpoint(n.Data)
	if !ok || port == 0 {
		return RelayEndpoint{}, false
	}
	ep := RelayEndpoint{IP: ip, Port: port}
	if len(rest) > 0 {
		ep.Token = append([]byte(nil), rest...)
	} else if id, ok := tokenRef(n); ok {
		ep.Token = table.resolve(id)
	}
	return ep, true
}

func addCandidate(relays []RelayEndpoint, ep RelayEndpoint) []RelayEndpoint {
	return MergeRelays(relays, []RelayEndpoint{ep})
}

// FromOffer runs the two-pass extraction over every source. Key precedence:
// a call-key element, then the last other key-bearing element, then the
// decoded callKey, then a protobuf-decoded raw payload. Relays are returned
// even when no key material is found.
func FromOffer(sources ...OfferSource) Result {
	var (
		res        Result
		table      tokenTable
		callKey    []byte
		elementKey []byte
		creator    string
	)

	for _, src := range sources {
		if on, ok := src.(OfferNode); ok && on.Node != nil {
			collectTokens(on.Node, &table)
		}
	}

	for _, src := range sources {
		on, ok := src.(OfferNode)
		if !ok || on.Node == nil {
			continue
		}
		stanza.Walk(on.Node, func(n *stanza.Node, _ int) bool {
			if creator == "" {
				creator = n.Attr("call-creator")
			}
			switch n.Kind() {
			case stanza.KindRelayCandidate, stanza.KindRelay:
				if ep, ok := candidateFrom(n, &table); ok {
					res.Relays = addCandidate(res.Relays, ep)
				}
			case stanza.KindKey, stanza.KindEnc:
				if len(n.Data) < KeyBlobLen {
					break
				}
				if n.Tag == "call-key" {
					callKey = n.Data
				} else {
					elementKey = n.Data
				}
			}
			return true
		})
	}

	switch {
	case callKey != nil:
		res.Keys, res.KeySource = ExtractKeys(callKey), KeyFromCallKey
	case elementKey != nil:
		res.Keys, res.KeySource = ExtractKeys(elementKey), KeyFromElement
	}

	if res.Keys == nil {
		for _, src := range sources {
			var blob []byte
			var from KeySource
			switch s := src.(type) {
			case DecodedOffer:
				if s.Call != nil {
					blob, from = s.Call.CallKey, KeyFromDecoded
				}
			case *DecodedOffer:
				if s != nil && s.Call != nil {
					blob, from = s.Call.CallKey, KeyFromDecoded
				}
			case RawPayload:
				if k, err := DecodeCallPayload(s); err == nil {
					blob, from = k, KeyFromProtobuf
				}
			}
			if k := ExtractKeys(blob); k != nil {
				res.Keys, res.KeySource = k, from
				break
			}
		}
	}

	if len(res.Relays) > 0 && !anyToken(res.Relays) {
		if orphan := table.firstOrphan(); orphan != nil {
			applyToken(res.Relays, orphan)
			res.OrphanTokenApplied = true
		}
	}

	if creator != "" {
		for i := range res.Relays {
			res.Relays[i].CallCreator = creator
		}
	}
	return res
}

func anyToken(relays []RelayEndpoint) bool {
	for _, r := range relays {
		if r.HasToken() {
			return true
		}
	}
	return false
}

// FromTransport extracts relay candidates from a transport stanza. A token
// element that is not inside a relay element is the global token and is
// applied to every candidate without its own token.
func FromTransport(root *stanza.Node) TransportResult {
	var (
		res   TransportResult
		table tokenTable
	)
	if root == nil {
		return res
	}
	collectTokens(root, &table)

	var visit func(n *stanza.Node, inRelay bool)
	visit = func(n *stanza.Node, inRelay bool) {
		switch n.Kind() {
		case stanza.KindToken:
			if !inRelay && res.GlobalToken == nil && len(n.Data) > 0 {
				res.GlobalToken = n.Data
			}
		case stanza.KindRelayCandidate, stanza.KindRelay:
			if ep, ok := candidateFrom(n, &table); ok {
				res.Relays = addCandidate(res.Relays, ep)
			}
			inRelay = true
		}
		for _, c := range n.Children {
			if c != nil {
				visit(c, inRelay)
			}
		}
	}
	visit(root, false)

	applyToken(res.Relays, res.GlobalToken)
	return res
}
