package sip

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testInvite() *sip.Request {
	recipient := sip.Uri{Scheme: "sip", User: "15551234567", Host: "trunk.example.com", Port: 5060}
	req := sip.NewRequest(sip.INVITE, recipient)

	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "192.0.2.10",
		Port:            5060,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)

	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "gw", Host: "trunk.example.com"},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", "local-tag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	callID := sip.CallIDHeader("session-1")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "gw", Host: "192.0.2.10", Port: 5060}})
	return req
}

func testAnswer(req *sip.Request) *sip.Response {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.To().Params.Add("tag", "remote-tag")
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "b", Host: "203.0.113.50", Port: 5080}})
	res.AppendHeader(&sip.RecordRouteHeader{Address: sip.Uri{Scheme: "sip", Host: "proxy1.example.com"}})
	res.AppendHeader(&sip.RecordRouteHeader{Address: sip.Uri{Scheme: "sip", Host: "proxy2.example.com"}})
	return res
}

func toTag(t *testing.T, req *sip.Request) string {
	t.Helper()
	to := req.To()
	if to == nil {
		t.Fatal("missing To header")
	}
	tag, _ := to.Params.Get("tag")
	return tag
}

func TestBuildACKFor2xx(t *testing.T) {
	inv := testInvite()
	ack := buildACKFor2xx(inv, testAnswer(inv))

	if ack.Method != sip.ACK {
		t.Fatalf("method = %s", ack.Method)
	}
	if ack.Recipient.Host != "203.0.113.50" || ack.Recipient.Port != 5080 {
		t.Errorf("request uri = %s, want the answer's contact", ack.Recipient.String())
	}
	if cseq := ack.CSeq(); cseq == nil || cseq.SeqNo != 7 || cseq.MethodName != sip.ACK {
		t.Errorf("cseq = %v", cseq)
	}
	if got := toTag(t, ack); got != "remote-tag" {
		t.Errorf("to tag = %q", got)
	}
	if callIDOf(ack) != "session-1" {
		t.Errorf("call-id = %q", callIDOf(ack))
	}
}

func TestBuildBYE(t *testing.T) {
	inv := testInvite()
	bye := buildBYE(inv, testAnswer(inv))

	if bye.Method != sip.BYE {
		t.Fatalf("method = %s", bye.Method)
	}
	if bye.Recipient.Host != "203.0.113.50" {
		t.Errorf("request uri = %s", bye.Recipient.String())
	}
	if cseq := bye.CSeq(); cseq == nil || cseq.SeqNo != 8 || cseq.MethodName != sip.BYE {
		t.Errorf("cseq = %v, want 8 BYE", cseq)
	}
	if got := toTag(t, bye); got != "remote-tag" {
		t.Errorf("to tag = %q", got)
	}

	routes := bye.GetHeaders("Route")
	if len(routes) != 2 {
		t.Fatalf("route headers = %d, want 2", len(routes))
	}
	for i, want := range []string{"proxy2.example.com", "proxy1.example.com"} {
		r, ok := routes[i].(*sip.RouteHeader)
		if !ok {
			t.Fatalf("route[%d] is %T", i, routes[i])
		}
		if r.Address.Host != want {
			t.Errorf("route[%d] = %s, want %s", i, r.Address.Host, want)
		}
	}
}

func TestBuildCancel(t *testing.T) {
	inv := testInvite()
	c := buildCancel(inv)

	if c.Method != sip.CANCEL {
		t.Fatalf("method = %s", c.Method)
	}
	if c.Recipient.String() != inv.Recipient.String() {
		t.Errorf("request uri = %s, want %s", c.Recipient.String(), inv.Recipient.String())
	}
	if cseq := c.CSeq(); cseq == nil || cseq.SeqNo != 7 || cseq.MethodName != sip.CANCEL {
		t.Errorf("cseq = %v", cseq)
	}
	invBranch, _ := inv.Via().Params.Get("branch")
	cBranch, _ := c.Via().Params.Get("branch")
	if invBranch == "" || cBranch != invBranch {
		t.Errorf("branch = %q, want %q", cBranch, invBranch)
	}
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		challenge string
		authz     string
		wantErr   bool
	}{
		{name: "www-authenticate", status: 401, challenge: "WWW-Authenticate", authz: "Authorization"},
		{name: "proxy-authenticate", status: 407, challenge: "Proxy-Authenticate", authz: "Proxy-Authorization"},
		{name: "missing challenge header", status: 401, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := testInvite()
			res := sip.NewResponseFromRequest(inv, tt.status, "Auth Required", nil)
			if tt.challenge != "" {
				res.AppendHeader(sip.NewHeader(tt.challenge,
					`Digest realm="trunk.example.com", nonce="4b2c9e", algorithm=MD5`))
			}
			if !isChallenge(res) {
				t.Fatalf("isChallenge(%d) = false", tt.status)
			}

			authReq, err := authorize(inv, res, "sip:15551234567@trunk.example.com:5060", "acct", "secret")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("authorize: %v", err)
			}
			h := authReq.GetHeader(tt.authz)
			if h == nil {
				t.Fatalf("missing %s header", tt.authz)
			}
			for _, want := range []string{`username="acct"`, `realm="trunk.example.com"`, `nonce="4b2c9e"`} {
				if !strings.Contains(h.Value(), want) {
					t.Errorf("%s = %q, missing %s", tt.authz, h.Value(), want)
				}
			}
			if authReq.Via() != nil {
				t.Error("authorized request still carries a Via")
			}
			if inv.GetHeader(tt.authz) != nil {
				t.Error("original request was modified")
			}
		})
	}
}

func TestCallErrorCause(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{486, "busy"},
		{600, "busy"},
		{480, "no_answer"},
		{408, "no_answer"},
		{404, "invalid_number"},
		{603, "declined"},
		{503, "trunk_error"},
		{403, "rejected"},
	}
	for _, tt := range tests {
		err := error(&CallError{StatusCode: tt.status, Reason: "x"})
		var ce *CallError
		if !errors.As(err, &ce) {
			t.Fatal("errors.As failed")
		}
		if got := ce.Cause(); got != tt.want {
			t.Errorf("Cause(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestDialogLifecycle(t *testing.T) {
	dm := NewDialogManager(testLogger())
	cancelled := false
	d := &Dialog{
		SessionID: "session-1",
		State:     CallStateRinging,
		cancel:    func() { cancelled = true },
	}
	if !dm.Create(d) {
		t.Fatal("Create returned false")
	}
	if dm.Create(&Dialog{SessionID: "session-1"}) {
		t.Error("duplicate session accepted")
	}
	if dm.ActiveCallCount() != 1 {
		t.Errorf("active = %d", dm.ActiveCallCount())
	}

	inv := testInvite()
	if !dm.answer("session-1", inv, testAnswer(inv), "203.0.113.50", 40000) {
		t.Fatal("answer returned false")
	}
	got, ok := dm.Get("session-1")
	if !ok || got.State != CallStateAnswered || got.RemoteRTPPort != 40000 || got.AnswerTime == nil {
		t.Errorf("after answer: %+v", got)
	}

	removed, ok := dm.Remove("session-1")
	if !ok || removed.State != CallStateAnswered || removed.EndTime == nil {
		t.Errorf("removed = %+v ok=%v", removed, ok)
	}
	if _, ok := dm.Remove("session-1"); ok {
		t.Error("second Remove succeeded")
	}
	if dm.answer("session-1", inv, testAnswer(inv), "203.0.113.50", 40000) {
		t.Error("answer after remove succeeded")
	}
	if cancelled {
		t.Error("cancel invoked by the dialog table")
	}
}

func TestHangupUnknown(t *testing.T) {
	c := &Client{dialogs: NewDialogManager(testLogger()), logger: testLogger()}
	if err := c.Hangup(context.Background(), "nope"); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("err = %v, want ErrCallNotFound", err)
	}
}

func TestHangupRingingCancels(t *testing.T) {
	c := &Client{dialogs: NewDialogManager(testLogger()), logger: testLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	c.dialogs.Create(&Dialog{SessionID: "s", State: CallStateRinging, cancel: cancel})

	if err := c.Hangup(context.Background(), "s"); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if ctx.Err() == nil {
		t.Error("ringing invite context not cancelled")
	}
	if c.ActiveCallCount() != 0 {
		t.Errorf("active = %d", c.ActiveCallCount())
	}
}
