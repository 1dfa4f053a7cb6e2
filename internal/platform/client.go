// Package platform connects to the messaging-platform session sidecar over a
// websocket. The sidecar owns the platform connection and end-to-end
// encryption; the gateway exchanges call stanzas and decrypt requests with
// it.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flowpbx/callgate/internal/signaling"
	"github.com/flowpbx/callgate/internal/stanza"
)

// Frame types on the sidecar websocket.
const (
	FrameStanza        = "stanza"
	FrameSend          = "send"
	FrameDecrypt       = "decrypt"
	FrameDecryptResult = "decrypt_result"
)

var (
	// ErrNotConnected is returned when no sidecar connection is open.
	ErrNotConnected = errors.New("platform sidecar not connected")
	errDisconnected = errors.New("platform sidecar disconnected")
)

// Frame is one JSON message on the sidecar websocket.
type Frame struct {
	Type string       `json:"type"`
	ID   string       `json:"id,omitempty"`
	Node *stanza.Node `json:"node,omitempty"`

	JID        string `json:"jid,omitempty"`
	EncType    string `json:"enc_type,omitempty"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	Plaintext  []byte `json:"plaintext,omitempty"`
	Pending    bool   `json:"pending,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Handler processes an inbound stanza. Calls are serialized in arrival
// order.
type Handler func(ctx context.Context, node *stanza.Node)

// Config tunes the connection.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 2 * c.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// Client is the gateway's sidecar connection. It implements
// signaling.Transport.
type Client struct {
	cfg    Config
	dialer websocket.Dialer
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler Handler
	pending map[string]chan Frame

	writeMu   sync.Mutex
	connected atomic.Bool
}

var _ signaling.Transport = (*Client)(nil)

// NewClient creates an unconnected client for cfg.URL.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		dialer:  websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:  logger.With("subsystem", "platform", "url", cfg.URL),
		pending: make(map[string]chan Frame),
	}
}

// SetHandler registers the inbound stanza handler.
func (c *Client) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connected reports whether a sidecar connection is open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run keeps a sidecar connection open until ctx is cancelled, reconnecting
// with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectMin
	for {
		start := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMin
		}

		wait := delay + time.Duration(float64(delay)*0.2*(2*rand.Float64()-1))
		c.logger.Warn("platform connection lost, reconnecting",
			"error", err,
			"retry_in", wait.Round(time.Millisecond).String(),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		delay = min(delay*2, c.cfg.ReconnectMax)
	}
}

// session dials once and reads until the connection fails or ctx ends.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing platform sidecar: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
	c.logger.Info("platform sidecar connected")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepAlive(conn, done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			conn.Close()
		case <-done:
		}
	}()

	err = c.readLoop(ctx, conn)

	close(done)
	wg.Wait()
	c.connected.Store(false)
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan Frame)
	c.mu.Unlock()
	conn.Close()

	for _, ch := range pending {
		close(ch)
	}
	return err
}

func (c *Client) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("platform ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading platform frame: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("discarding malformed platform frame", "error", err, "bytes", len(data))
			continue
		}
		c.dispatch(ctx, f)
	}
}

func (c *Client) dispatch(ctx context.Context, f Frame) {
	switch f.Type {
	case FrameStanza:
		if f.Node == nil {
			c.logger.Warn("stanza frame without node")
			return
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(ctx, f.Node)
		}

	case FrameDecryptResult:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("decrypt result for unknown request", "id", f.ID)
			return
		}
		ch <- f

	default:
		c.logger.Debug("ignoring platform frame", "type", f.Type)
	}
}

func (c *Client) write(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s frame: %w", f.Type, err)
	}
	return nil
}

// Send delivers an outbound stanza to the platform.
func (c *Client) Send(ctx context.Context, node *stanza.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(Frame{Type: FrameSend, Node: node})
}

// Decrypt asks the sidecar to decrypt an end-to-end encrypted payload from
// jid. It returns signaling.ErrPayloadPending when the sidecar does not yet
// hold the session needed to decrypt it.
func (c *Client) Decrypt(ctx context.Context, jid, encType string, ciphertext []byte) ([]byte, error) {
	id := uuid.NewString()
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(Frame{
		Type:       FrameDecrypt,
		ID:         id,
		JID:        jid,
		EncType:    encType,
		Ciphertext: ciphertext,
	}); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case f, ok := <-ch:
		if !ok {
			return nil, errDisconnected
		}
		switch {
		case f.Pending:
			return nil, signaling.ErrPayloadPending
		case f.Error != "":
			return nil, fmt.Errorf("platform decrypt: %s", f.Error)
		}
		return f.Plaintext, nil
	}
}
