package stanza

import (
	"bytes"
	"strings"
	"testing"
)

var testRef = CallRef{
	To:          "15551234567@s.example",
	CallID:      "CALL42",
	CallCreator: "15551234567@s.example",
}

func checkEnvelope(t *testing.T, n *Node, tag string) *Node {
	t.Helper()
	if n.Tag != "call" {
		t.Fatalf("envelope tag = %q, want call", n.Tag)
	}
	if n.Attr("to") != testRef.To {
		t.Errorf("envelope to = %q, want %q", n.Attr("to"), testRef.To)
	}
	if !strings.HasPrefix(n.Attr("id"), messageIDPrefix) {
		t.Errorf("envelope id = %q, want %s prefix", n.Attr("id"), messageIDPrefix)
	}
	inner := n.FirstChild()
	if inner == nil || inner.Tag != tag {
		t.Fatalf("inner = %v, want <%s>", inner, tag)
	}
	if inner.Attr("call-id") != testRef.CallID || inner.Attr("call-creator") != testRef.CallCreator {
		t.Errorf("inner call attrs = %v", inner.Attrs)
	}
	if err := n.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	return inner
}

func TestAcceptDeclaresAudioOnly(t *testing.T) {
	for name, build := range map[string]func(CallRef) *Node{
		"preaccept": PreAccept,
		"accept":    Accept,
	} {
		t.Run(name, func(t *testing.T) {
			inner := checkEnvelope(t, build(testRef), name)
			audio := inner.ChildrenByTag("audio")
			if len(audio) != 2 {
				t.Fatalf("audio declarations = %d, want 2", len(audio))
			}
			if audio[0].Attr("rate") != "16000" || audio[1].Attr("rate") != "8000" {
				t.Errorf("audio rates = %s, %s", audio[0].Attr("rate"), audio[1].Attr("rate"))
			}
			if inner.Child("video") != nil {
				t.Error("accept must not declare video")
			}
			caps := inner.Child("capability")
			if caps == nil || !bytes.Equal(caps.Data, capabilityBits) {
				t.Errorf("capability = %v", caps)
			}
		})
	}
}

func TestSimpleCallStanzas(t *testing.T) {
	checkEnvelope(t, Ringing(testRef), "ringing")
	checkEnvelope(t, Ready(testRef), "ready")

	rej := checkEnvelope(t, Reject(testRef, "busy"), "reject")
	if rej.Attr("reason") != "busy" {
		t.Errorf("reject reason = %q", rej.Attr("reason"))
	}
	term := checkEnvelope(t, Terminate(testRef, "timeout"), "terminate")
	if term.Attr("reason") != "timeout" {
		t.Errorf("terminate reason = %q", term.Attr("reason"))
	}
}

func TestReceipt(t *testing.T) {
	n := Receipt(testRef, "MSG1")
	if n.Tag != "receipt" || n.Attr("id") != "MSG1" || n.Attr("to") != testRef.To {
		t.Fatalf("receipt = %s", n)
	}
	offer := n.Child("offer")
	if offer == nil || offer.Attr("call-id") != testRef.CallID {
		t.Errorf("receipt offer child = %v", offer)
	}
}

func TestAck(t *testing.T) {
	n := Ack("peer@s.example", "MSG2", "call", "transport")
	if n.Attr("class") != "call" || n.Attr("type") != "transport" || n.Attr("id") != "MSG2" {
		t.Errorf("ack attrs = %v", n.Attrs)
	}
	if Ack("peer@s.example", "MSG3", "call", "").HasAttr("type") {
		t.Error("empty type should be omitted")
	}
}

func TestTransportResponse(t *testing.T) {
	inner := checkEnvelope(t, TransportResponse(testRef, "203.0.113.9", 40000), "transport")
	te := inner.Child("te")
	if te == nil {
		t.Fatal("missing te")
	}
	ip, port, _, ok := DecodeEndpoint(te.Data)
	if !ok || ip != "203.0.113.9" || port != 40000 {
		t.Errorf("endpoint = %s:%d ok=%v", ip, port, ok)
	}
}

func TestRelayLatencyResponsePreservesCandidate(t *testing.T) {
	cand := &Node{
		Tag:   "te",
		Attrs: map[string]string{"relay_name": "fra1", "latency": "120"},
		Data:  EncodeEndpoint("10.1.1.1", 3480),
	}
	inner := checkEnvelope(t, RelayLatencyResponse(testRef, cand, "20"), "relaylatency")
	te := inner.Child("te")
	if te.Attr("relay_name") != "fra1" {
		t.Errorf("relay_name = %q", te.Attr("relay_name"))
	}
	if te.Attr("latency") != "20" {
		t.Errorf("latency = %q, want 20", te.Attr("latency"))
	}
	if !bytes.Equal(te.Data, cand.Data) {
		t.Error("candidate content not preserved")
	}

	te.Data[0] = 0
	if cand.Data[0] == 0 {
		t.Error("response must not alias candidate content")
	}
	if cand.Attr("latency") != "120" {
		t.Error("candidate attrs were modified")
	}
}

func TestEndpointRoundTripAndTrailer(t *testing.T) {
	b := append(EncodeEndpoint("192.0.2.1", 3478), 0xAA, 0xBB)
	ip, port, rest, ok := DecodeEndpoint(b)
	if !ok || ip != "192.0.2.1" || port != 3478 {
		t.Fatalf("decode = %s:%d ok=%v", ip, port, ok)
	}
	if !bytes.Equal(rest, []byte{0xAA, 0xBB}) {
		t.Errorf("rest = %x", rest)
	}
	if _, _, _, ok := DecodeEndpoint([]byte{1, 2, 3}); ok {
		t.Error("short input should fail")
	}
	if got := EncodeEndpoint("::1", 1); !bytes.Equal(got[:4], []byte{0, 0, 0, 0}) {
		t.Errorf("ipv6 encode = %x", got)
	}
}

func TestNewMessageIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewMessageID()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		if len(id) != len(messageIDPrefix)+16 {
			t.Errorf("id length = %d", len(id))
		}
	}
}
