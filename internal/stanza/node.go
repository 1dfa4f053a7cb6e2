package stanza

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Node is one element of a signaling stanza tree. A node carries either an
// ordered list of child nodes or a raw byte payload, never both.
type Node struct {
	Tag      string            `json:"tag"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Children []*Node           `json:"children,omitempty"`
	Data     []byte            `json:"data,omitempty"`
}

// ErrMixedContent is returned by Validate when a node has both children and
// a byte payload.
var ErrMixedContent = errors.New("stanza node has both children and byte content")

// Kind classifies a node by its tag. Tags the gateway does not act on map
// to KindUnknown.
type Kind int

const (
	KindUnknown Kind = iota
	KindCall
	KindOffer
	KindTransport
	KindRelayLatency
	KindPreAccept
	KindAccept
	KindReject
	KindTerminate
	KindRinging
	KindReady
	KindAck
	KindReceipt
	KindRelay
	KindRelayCandidate
	KindToken
	KindKey
	KindReflexiveEndpoint
	KindAudio
	KindVideo
	KindEnc
	KindTimeout
)

var kindByTag = map[string]Kind{
	"call":         KindCall,
	"offer":        KindOffer,
	"transport":    KindTransport,
	"relaylatency": KindRelayLatency,
	"preaccept":    KindPreAccept,
	"accept":       KindAccept,
	"reject":       KindReject,
	"terminate":    KindTerminate,
	"ringing":      KindRinging,
	"ready":        KindReady,
	"ack":          KindAck,
	"receipt":      KindReceipt,
	"relay":        KindRelay,
	"te":           KindRelayCandidate,
	"token":        KindToken,
	"hbh_key":      KindKey,
	"call-key":     KindKey,
	"enc":          KindEnc,
	"rte":          KindReflexiveEndpoint,
	"audio":        KindAudio,
	"video":        KindVideo,
	"timeout":      KindTimeout,
}

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindCall:              "call",
	KindOffer:             "offer",
	KindTransport:         "transport",
	KindRelayLatency:      "relaylatency",
	KindPreAccept:         "preaccept",
	KindAccept:            "accept",
	KindReject:            "reject",
	KindTerminate:         "terminate",
	KindRinging:           "ringing",
	KindReady:             "ready",
	KindAck:               "ack",
	KindReceipt:           "receipt",
	KindRelay:             "relay",
	KindRelayCandidate:    "te",
	KindToken:             "token",
	KindKey:               "key",
	KindReflexiveEndpoint: "rte",
	KindAudio:             "audio",
	KindVideo:             "video",
	KindEnc:               "enc",
	KindTimeout:           "timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// KindOf returns the kind for a tag name.
func KindOf(tag string) Kind {
	return kindByTag[strings.ToLower(tag)]
}

// Kind returns the node's classification. A nil node is KindUnknown.
func (n *Node) Kind() Kind {
	if n == nil {
		return KindUnknown
	}
	return KindOf(n.Tag)
}

// Attr returns the named attribute, or "" when absent.
func (n *Node) Attr(name string) string {
	if n == nil || n.Attrs == nil {
		return ""
	}
	return n.Attrs[name]
}

// HasAttr reports whether the attribute is present, even if empty.
func (n *Node) HasAttr(name string) bool {
	if n == nil || n.Attrs == nil {
		return false
	}
	_, ok := n.Attrs[name]
	return ok
}

// Child returns the first direct child with the given tag, or nil.
func (n *Node) Child(tag string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c != nil && c.Tag == tag {
			return c
		}
	}
	return nil
}

// ChildrenByTag returns every direct child with the given tag.
func (n *Node) ChildrenByTag(tag string) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for _, c := range n.Children {
		if c != nil && c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// FirstChild returns the first non-nil child, or nil.
func (n *Node) FirstChild() *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c != nil {
			return c
		}
	}
	return nil
}

// Validate checks the content invariant on the whole tree.
func (n *Node) Validate() error {
	var err error
	Walk(n, func(node *Node, depth int) bool {
		if node.Tag == "" {
			err = fmt.Errorf("stanza node at depth %d has empty tag", depth)
			return false
		}
		if len(node.Children) > 0 && len(node.Data) > 0 {
			err = fmt.Errorf("%w: <%s>", ErrMixedContent, node.Tag)
			return false
		}
		return true
	})
	return err
}

// Walk visits n and its descendants depth-first, pre-order. Returning false
// from fn stops the walk.
func Walk(n *Node, fn func(node *Node, depth int) bool) {
	walk(n, 0, fn)
}

func walk(n *Node, depth int, fn func(*Node, int) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n, depth) {
		return false
	}
	for _, c := range n.Children {
		if !walk(c, depth+1, fn) {
			return false
		}
	}
	return true
}

// String renders the node in a compact XML-like form for logging. Byte
// payloads are shown by length only.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	var b strings.Builder
	n.render(&b)
	return b.String()
}

func (n *Node) render(b *strings.Builder) {
	b.WriteByte('<')
	b.WriteString(n.Tag)
	for _, k := range sortedKeys(n.Attrs) {
		fmt.Fprintf(b, " %s=%q", k, n.Attrs[k])
	}
	switch {
	case len(n.Children) > 0:
		b.WriteByte('>')
		for _, c := range n.Children {
			if c != nil {
				c.render(b)
			}
		}
		fmt.Fprintf(b, "</%s>", n.Tag)
	case len(n.Data) > 0:
		fmt.Fprintf(b, ">[%d bytes]</%s>", len(n.Data), n.Tag)
	default:
		b.WriteString("/>")
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
