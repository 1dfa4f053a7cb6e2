package signaling

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/callgate/internal/extract"
	"github.com/flowpbx/callgate/internal/stanza"
)

const (
	testFrom    = "15551234567:3@s.whatsapp.net"
	testCallID  = "CALL42"
	testCreator = "15551234567@s.whatsapp.net"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []*stanza.Node
	failSend map[string]bool

	plaintext []byte
	pending   int
	decrypts  int
	decErr    error
}

func (f *fakeTransport) Send(_ context.Context, n *stanza.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	if f.failSend[describe(n)] {
		return errors.New("socket closed")
	}
	return nil
}

func (f *fakeTransport) Decrypt(_ context.Context, jid, encType string, ct []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decrypts++
	if f.pending > 0 {
		f.pending--
		return nil, ErrPayloadPending
	}
	if f.decErr != nil {
		return nil, f.decErr
	}
	return f.plaintext, nil
}

// types returns the content tag of every sent stanza in order.
func (f *fakeTransport) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, n := range f.sent {
		out = append(out, describe(n))
	}
	return out
}

func (f *fakeTransport) count(typ string) int {
	n := 0
	for _, t := range f.types() {
		if t == typ {
			n++
		}
	}
	return n
}

func (f *fakeTransport) find(typ string) *stanza.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.sent {
		if describe(n) == typ {
			return n
		}
	}
	return nil
}

type fakeListener struct {
	mu        sync.Mutex
	incoming  chan *CallSession
	transport []string
	ended     []string
}

func newFakeListener() *fakeListener {
	return &fakeListener{incoming: make(chan *CallSession, 4)}
}

func (l *fakeListener) IncomingCall(s *CallSession) { l.incoming <- s }

func (l *fakeListener) TransportUpdate(callID string, _ *stanza.Node) {
	l.mu.Lock()
	l.transport = append(l.transport, callID)
	l.mu.Unlock()
}

func (l *fakeListener) CallEnded(callID, reason string) {
	l.mu.Lock()
	l.ended = append(l.ended, callID+":"+reason)
	l.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		SettleDelay:     10 * time.Millisecond,
		DecryptAttempts: 5,
		DecryptInterval: time.Millisecond,
		DefaultIP:       "198.51.100.10",
		DefaultPort:     3480,
	}
}

func offerStanza(video bool, children ...*stanza.Node) *stanza.Node {
	offer := &stanza.Node{
		Tag:   "offer",
		Attrs: map[string]string{"call-id": testCallID, "call-creator": testCreator},
		Children: append([]*stanza.Node{
			{Tag: "audio", Attrs: map[string]string{"enc": "opus", "rate": "16000"}},
		}, children...),
	}
	if video {
		offer.Children = append(offer.Children, &stanza.Node{Tag: "video", Attrs: map[string]string{"enc": "vp8"}})
	}
	return &stanza.Node{
		Tag:      "call",
		Attrs:    map[string]string{"from": testFrom, "id": "MSG1"},
		Children: []*stanza.Node{offer},
	}
}

func callStanza(id string, child *stanza.Node) *stanza.Node {
	return &stanza.Node{
		Tag:      "call",
		Attrs:    map[string]string{"from": testFrom, "id": id},
		Children: []*stanza.Node{child},
	}
}

func testKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i + 1)
	}
	return k
}

func waitIncoming(t *testing.T, l *fakeListener) *CallSession {
	t.Helper()
	select {
	case s := <-l.incoming:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming call notification")
		return nil
	}
}

func TestVideoOfferRejected(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr, testConfig(), testLogger())
	l := newFakeListener()
	m.SetListener(l)

	if err := m.HandleCall(context.Background(), offerStanza(true)); err != nil {
		t.Fatalf("HandleCall: %v", err)
	}
	m.Wait()

	if tr.count("reject") != 1 {
		t.Errorf("sent %v, want one reject", tr.types())
	}
	if tr.count("preaccept") != 0 {
		t.Error("preaccept sent for a video call")
	}
	if _, ok := m.Session(testCallID); ok {
		t.Error("video session still registered")
	}
	if err := m.Accept(context.Background(), testCallID); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("Accept after reject err = %v, want ErrUnknownCall", err)
	}
	if tr.count("preaccept") != 0 {
		t.Error("preaccept sent after accept attempt")
	}
	select {
	case <-l.incoming:
		t.Error("listener notified of a video call")
	default:
	}
}

func TestOfferAndAcceptSequence(t *testing.T) {
	key := testKey()
	enc := &stanza.Node{Tag: "enc", Attrs: map[string]string{"type": "msg"}, Data: []byte("ciphertext")}
	tr := &fakeTransport{plaintext: []byte("plain"), pending: 2}
	m := New(tr, testConfig(), testLogger())
	m.SetDecoder(func(b []byte) (*extract.DecodedOffer, error) {
		if !bytes.Equal(b, []byte("plain")) {
			t.Errorf("decoder got %q", b)
		}
		return &extract.DecodedOffer{Call: &extract.DecodedCall{CallKey: key}}, nil
	})
	l := newFakeListener()
	m.SetListener(l)

	if err := m.HandleCall(context.Background(), offerStanza(false, enc)); err != nil {
		t.Fatalf("HandleCall: %v", err)
	}
	sess := waitIncoming(t, l)

	if sess.RemoteJID != testFrom {
		t.Errorf("remote jid = %q, want exact sender %q", sess.RemoteJID, testFrom)
	}
	if sess.CallCreator != testCreator {
		t.Errorf("call creator = %q", sess.CallCreator)
	}
	if tr.decrypts != 3 {
		t.Errorf("decrypt attempts = %d, want 3", tr.decrypts)
	}
	if sess.Offer() == nil {
		t.Fatal("offer not decoded")
	}

	receipt := tr.find("receipt")
	if receipt == nil || receipt.Attr("id") != "MSG1" {
		t.Errorf("receipt = %v", receipt)
	}
	if tr.count("ringing") != 1 {
		t.Errorf("sent %v, want ringing", tr.types())
	}

	res := extract.FromOffer(sess.OfferSources()...)
	if res.Keys == nil || res.KeySource != extract.KeyFromCallKey {
		t.Fatalf("keys = %v source = %q", res.Keys, res.KeySource)
	}
	if !bytes.Equal(res.Keys.MasterKey[:], key[:16]) {
		t.Errorf("master key = %x", res.Keys.MasterKey)
	}

	start := time.Now()
	if err := m.Accept(context.Background(), testCallID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("accept did not wait for the settle delay")
	}

	want := []string{"receipt", "ringing", "preaccept", "accept", "ready"}
	if got := tr.types(); !equalStrings(got, want) {
		t.Errorf("sent %v, want %v", got, want)
	}
	if !sess.Accepted() || sess.State() != StateReady {
		t.Errorf("accepted = %v state = %s", sess.Accepted(), sess.State())
	}

	pre := tr.find("preaccept").FirstChild()
	if len(pre.ChildrenByTag("audio")) != 2 || pre.Child("video") != nil {
		t.Errorf("preaccept content = %s", pre)
	}
}

func TestAcceptIdempotent(t *testing.T) {
	tr := &fakeTransport{decErr: errors.New("no session")}
	m := New(tr, testConfig(), testLogger())
	l := newFakeListener()
	m.SetListener(l)

	enc := &stanza.Node{Tag: "enc", Data: []byte{1}}
	if err := m.HandleCall(context.Background(), offerStanza(false, enc)); err != nil {
		t.Fatal(err)
	}
	sess := waitIncoming(t, l)
	if sess.Offer() != nil {
		t.Error("offer set despite decrypt failure")
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Accept(context.Background(), testCallID); err != nil {
				t.Errorf("Accept: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := m.Accept(context.Background(), testCallID); err != nil {
		t.Errorf("Accept again: %v", err)
	}

	if tr.count("accept") != 1 || tr.count("ready") != 1 || tr.count("preaccept") != 1 {
		t.Errorf("sent %v, want exactly one preaccept/accept/ready", tr.types())
	}
}

func TestAcceptFailureNotMarked(t *testing.T) {
	tr := &fakeTransport{failSend: map[string]bool{"accept": true}}
	m := New(tr, testConfig(), testLogger())
	l := newFakeListener()
	m.SetListener(l)

	if err := m.HandleCall(context.Background(), offerStanza(false)); err != nil {
		t.Fatal(err)
	}
	sess := waitIncoming(t, l)

	if err := m.Accept(context.Background(), testCallID); err == nil {
		t.Fatal("Accept succeeded despite send failure")
	}
	if sess.Accepted() {
		t.Error("session marked accepted after failure")
	}
	if tr.count("ready") != 0 {
		t.Error("ready sent after failed accept")
	}
}

func TestTransportForUnknownCallIsAcked(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr, testConfig(), testLogger())
	l := newFakeListener()
	m.SetListener(l)

	node := callStanza("T1", &stanza.Node{
		Tag:   "transport",
		Attrs: map[string]string{"call-id": "NOPE", "call-creator": testCreator},
	})
	if err := m.HandleCall(context.Background(), node); err != nil {
		t.Fatalf("HandleCall: %v", err)
	}

	got := tr.types()
	if len(got) != 1 || got[0] != "ack" {
		t.Fatalf("sent %v, want a single ack", got)
	}
	ack := tr.sent[0]
	if ack.Attr("to") != testFrom || ack.Attr("id") != "T1" || ack.Attr("class") != "call" || ack.Attr("type") != "transport" {
		t.Errorf("ack = %s", ack)
	}
	if len(l.transport) != 0 {
		t.Error("listener notified for unknown call")
	}
}

func TestTransportExchange(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr, testConfig(), testLogger())
	l := newFakeListener()
	m.SetListener(l)

	if err := m.HandleCall(context.Background(), offerStanza(false)); err != nil {
		t.Fatal(err)
	}
	sess := waitIncoming(t, l)

	transport := func(id string, rte *stanza.Node) *stanza.Node {
		tn := &stanza.Node{
			Tag:   "transport",
			Attrs: map[string]string{"call-id": testCallID, "call-creator": testCreator},
		}
		if rte != nil {
			tn.Children = []*stanza.Node{rte}
		}
		return callStanza(id, tn)
	}

	// First response falls back to the configured default.
	if err := m.HandleCall(context.Background(), transport("T1", nil)); err != nil {
		t.Fatal(err)
	}
	resp := tr.find("transport")
	if resp == nil {
		t.Fatalf("sent %v, want transport response", tr.types())
	}
	ip, port, _, ok := stanza.DecodeEndpoint(resp.FirstChild().Child("te").Data)
	if !ok || ip != "198.51.100.10" || port != 3480 {
		t.Errorf("advertised %s:%d", ip, port)
	}
	if !sess.GotTransport() || sess.State() != StateTransportExchanging {
		t.Errorf("got transport = %v state = %s", sess.GotTransport(), sess.State())
	}

	// A reflexive endpoint is adopted for later responses.
	rte := &stanza.Node{Tag: "rte", Data: stanza.EncodeEndpoint("203.0.113.9", 40000)}
	if err := m.HandleCall(context.Background(), transport("T2", rte)); err != nil {
		t.Fatal(err)
	}
	if err := m.HandleCall(context.Background(), transport("T3", nil)); err != nil {
		t.Fatal(err)
	}

	tr.mu.Lock()
	last := tr.sent[len(tr.sent)-1]
	tr.mu.Unlock()
	ip, port, _, _ = stanza.DecodeEndpoint(last.FirstChild().Child("te").Data)
	if ip != "203.0.113.9" || port != 40000 {
		t.Errorf("after rte advertised %s:%d", ip, port)
	}
	if tr.count("ack") != 3 {
		t.Errorf("acks = %d, want 3", tr.count("ack"))
	}
	if len(l.transport) != 3 {
		t.Errorf("transport updates = %d, want 3", len(l.transport))
	}
}

func TestRelayLatencyEcho(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr, testConfig(), testLogger())
	l := newFakeListener()
	m.SetListener(l)

	if err := m.HandleCall(context.Background(), offerStanza(false)); err != nil {
		t.Fatal(err)
	}
	sess := waitIncoming(t, l)

	te1 := &stanza.Node{Tag: "te", Attrs: map[string]string{"latency": "33554520", "relay_id": "0"}, Data: []byte{157, 240, 1, 1, 13, 150, 0xaa}}
	te2 := &stanza.Node{Tag: "te", Attrs: map[string]string{"latency": "33554600", "relay_id": "1"}, Data: []byte{157, 240, 1, 2, 13, 150, 0xbb}}
	node := callStanza("R1", &stanza.Node{
		Tag:      "relaylatency",
		Attrs:    map[string]string{"call-id": testCallID, "call-creator": testCreator},
		Children: []*stanza.Node{te1, te2},
	})
	if err := m.HandleCall(context.Background(), node); err != nil {
		t.Fatal(err)
	}

	if !sess.GotRelay() {
		t.Error("got relay not recorded")
	}
	if tr.count("relaylatency") != 2 {
		t.Fatalf("sent %v, want two relaylatency responses", tr.types())
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var echoed [][]byte
	for _, n := range tr.sent {
		if describe(n) != "relaylatency" {
			continue
		}
		te := n.FirstChild().Child("te")
		if te.Attr("latency") != "20" {
			t.Errorf("latency = %q", te.Attr("latency"))
		}
		echoed = append(echoed, te.Data)
	}
	if !bytes.Equal(echoed[0], te1.Data) || !bytes.Equal(echoed[1], te2.Data) {
		t.Errorf("echoed %x", echoed)
	}
}

func TestRemoteTerminate(t *testing.T) {
	tests := []struct {
		tag    string
		reason string
		want   string
	}{
		{"terminate", "", "terminate"},
		{"terminate", "busy", "busy"},
		{"reject", "declined", "declined"},
		{"timeout", "", "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.tag+"/"+tt.want, func(t *testing.T) {
			tr := &fakeTransport{}
			m := New(tr, testConfig(), testLogger())
			l := newFakeListener()
			m.SetListener(l)
			if err := m.HandleCall(context.Background(), offerStanza(false)); err != nil {
				t.Fatal(err)
			}
			waitIncoming(t, l)

			attrs := map[string]string{"call-id": testCallID}
			if tt.reason != "" {
				attrs["reason"] = tt.reason
			}
			if err := m.HandleCall(context.Background(), callStanza("E1", &stanza.Node{Tag: tt.tag, Attrs: attrs})); err != nil {
				t.Fatal(err)
			}
			if m.ActiveCount() != 0 {
				t.Error("session not removed")
			}
			if len(l.ended) != 1 || l.ended[0] != testCallID+":"+tt.want {
				t.Errorf("ended = %v", l.ended)
			}
		})
	}
}

func TestTerminateClearsOnSendFailure(t *testing.T) {
	tr := &fakeTransport{failSend: map[string]bool{"terminate": true}}
	m := New(tr, testConfig(), testLogger())
	l := newFakeListener()
	m.SetListener(l)
	if err := m.HandleCall(context.Background(), offerStanza(false)); err != nil {
		t.Fatal(err)
	}
	sess := waitIncoming(t, l)

	if err := m.Terminate(context.Background(), testCallID, ""); err == nil {
		t.Error("Terminate returned nil despite send failure")
	}
	if m.ActiveCount() != 0 {
		t.Error("session leaked after failed terminate")
	}
	if sess.State() != StateEnded {
		t.Errorf("state = %s", sess.State())
	}
	if err := m.Terminate(context.Background(), testCallID, ""); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("second Terminate err = %v", err)
	}
}

func TestDuplicateOffer(t *testing.T) {
	tr := &fakeTransport{}
	m := New(tr, testConfig(), testLogger())
	l := newFakeListener()
	m.SetListener(l)

	for i := 0; i < 2; i++ {
		if err := m.HandleCall(context.Background(), offerStanza(false)); err != nil {
			t.Fatal(err)
		}
	}
	waitIncoming(t, l)
	m.Wait()

	if tr.count("receipt") != 2 || tr.count("ringing") != 1 {
		t.Errorf("sent %v", tr.types())
	}
	select {
	case <-l.incoming:
		t.Error("duplicate offer notified twice")
	default:
	}
}

func TestOfferSourcesPreferDecodedKey(t *testing.T) {
	decoded := testKey()
	elem := bytes.Repeat([]byte{0xee}, 40)
	sess := &CallSession{
		CallID: testCallID,
		offerNode: &stanza.Node{Tag: "offer", Children: []*stanza.Node{
			{Tag: "enc", Data: elem},
		}},
		offer: &extract.DecodedOffer{Call: &extract.DecodedCall{CallKey: decoded}},
	}

	res := extract.FromOffer(sess.OfferSources()...)
	if res.Keys == nil || !bytes.Equal(res.Keys.MasterKey[:], decoded[:16]) {
		t.Errorf("keys = %+v, want decoded call key", res.Keys)
	}

	sess.offer = nil
	res = extract.FromOffer(sess.OfferSources()...)
	if res.Keys == nil || res.KeySource != extract.KeyFromElement {
		t.Errorf("without decoded offer source = %q", res.KeySource)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
