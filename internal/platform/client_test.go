package platform

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowpbx/callgate/internal/signaling"
	"github.com/flowpbx/callgate/internal/stanza"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sidecar is a scripted websocket peer. Every frame the client writes is
// delivered on frames; serve drives the connection.
type sidecar struct {
	srv    *httptest.Server
	frames chan Frame
	conns  chan *websocket.Conn
}

func newSidecar(t *testing.T) *sidecar {
	t.Helper()
	s := &sidecar{
		frames: make(chan Frame, 16),
		conns:  make(chan *websocket.Conn, 1),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			s.frames <- f
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sidecar) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *sidecar) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func (s *sidecar) next(t *testing.T) Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame from client")
		return Frame{}
	}
}

func startClient(t *testing.T, s *sidecar) (*Client, *websocket.Conn) {
	t.Helper()
	c := NewClient(Config{URL: s.url(), ReconnectMin: 10 * time.Millisecond}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	conn := s.conn(t)
	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client not marked connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c, conn
}

func TestSendWritesFrame(t *testing.T) {
	s := newSidecar(t)
	c, _ := startClient(t, s)

	node := &stanza.Node{Tag: "call", Attrs: map[string]string{"to": "x@s.whatsapp.net"}}
	if err := c.Send(context.Background(), node); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f := s.next(t)
	if f.Type != FrameSend || f.Node == nil || f.Node.Attr("to") != "x@s.whatsapp.net" {
		t.Errorf("frame = %+v", f)
	}
}

func TestInboundStanzasInOrder(t *testing.T) {
	s := newSidecar(t)
	c := NewClient(Config{URL: s.url()}, testLogger())
	got := make(chan string, 4)
	c.SetHandler(func(_ context.Context, n *stanza.Node) { got <- n.Attr("id") })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	conn := s.conn(t)

	for _, id := range []string{"1", "2", "3"} {
		if err := conn.WriteJSON(Frame{Type: FrameStanza, Node: &stanza.Node{Tag: "call", Attrs: map[string]string{"id": id}}}); err != nil {
			t.Fatal(err)
		}
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	for _, want := range []string{"1", "2", "3"} {
		select {
		case id := <-got:
			if id != want {
				t.Errorf("stanza %s arrived, want %s", id, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("stanza %s not dispatched", want)
		}
	}
}

func TestDecrypt(t *testing.T) {
	tests := []struct {
		name    string
		reply   Frame
		want    []byte
		wantErr error
	}{
		{name: "plaintext", reply: Frame{Plaintext: []byte{1, 2, 3}}, want: []byte{1, 2, 3}},
		{name: "pending", reply: Frame{Pending: true}, wantErr: signaling.ErrPayloadPending},
		{name: "error", reply: Frame{Error: "no session"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSidecar(t)
			c, conn := startClient(t, s)

			type result struct {
				b   []byte
				err error
			}
			res := make(chan result, 1)
			go func() {
				b, err := c.Decrypt(context.Background(), "peer@s.whatsapp.net", "msg", []byte("ct"))
				res <- result{b, err}
			}()

			req := s.next(t)
			if req.Type != FrameDecrypt || req.ID == "" || req.JID != "peer@s.whatsapp.net" ||
				req.EncType != "msg" || !bytes.Equal(req.Ciphertext, []byte("ct")) {
				t.Fatalf("request = %+v", req)
			}
			reply := tt.reply
			reply.Type, reply.ID = FrameDecryptResult, req.ID
			if err := conn.WriteJSON(reply); err != nil {
				t.Fatal(err)
			}

			r := <-res
			switch {
			case tt.wantErr != nil:
				if !errors.Is(r.err, tt.wantErr) {
					t.Errorf("err = %v, want %v", r.err, tt.wantErr)
				}
			case tt.reply.Error != "":
				if r.err == nil || !strings.Contains(r.err.Error(), tt.reply.Error) {
					t.Errorf("err = %v", r.err)
				}
			default:
				if r.err != nil || !bytes.Equal(r.b, tt.want) {
					t.Errorf("plaintext = %v err = %v", r.b, r.err)
				}
			}
		})
	}
}

func TestDecryptFailsOnDisconnect(t *testing.T) {
	s := newSidecar(t)
	c, conn := startClient(t, s)

	errc := make(chan error, 1)
	go func() {
		_, err := c.Decrypt(context.Background(), "peer@s.whatsapp.net", "msg", []byte("ct"))
		errc <- err
	}()
	s.next(t)
	conn.Close()

	select {
	case err := <-errc:
		if err == nil {
			t.Error("Decrypt succeeded after disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Decrypt did not return after disconnect")
	}
}

func TestNotConnected(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1/ws"}, testLogger())
	if err := c.Send(context.Background(), &stanza.Node{Tag: "call"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send err = %v", err)
	}
	if _, err := c.Decrypt(context.Background(), "j", "msg", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Decrypt err = %v", err)
	}
}

func TestReconnects(t *testing.T) {
	s := newSidecar(t)
	c, conn := startClient(t, s)
	conn.Close()

	second := s.conn(t)
	defer second.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := c.Send(context.Background(), &stanza.Node{Tag: "call"}); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client did not reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
