package sip

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Listener receives telephony call events.
type Listener interface {
	// CallEstablished fires once the trunk answers and the ACK is sent.
	CallEstablished(sessionID string, remoteRTPPort int)
	// CallTerminated fires when the trunk ends an answered call with BYE.
	CallTerminated(sessionID string)
}

// Client is the gateway's user agent toward the SIP trunk: registration,
// outbound INVITE, and in-dialog BYE.
type Client struct {
	ua      *sipgo.UserAgent
	client  *sipgo.Client
	trunk   Trunk
	mediaIP string
	dialogs *DialogManager
	logger  *slog.Logger

	mu         sync.Mutex
	trunkState TrunkState
	listener   Listener
}

// NewClient creates a trunk client on ua. mediaIP is the address offered in
// SDP for call media.
func NewClient(ua *sipgo.UserAgent, trunk Trunk, mediaIP string, logger *slog.Logger) (*Client, error) {
	l := logger.With("subsystem", "trunk-client", "trunk", trunk.Host)
	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(l))
	if err != nil {
		return nil, fmt.Errorf("creating sip client for trunk %q: %w", trunk.Host, err)
	}
	return &Client{
		ua:         ua,
		client:     client,
		trunk:      trunk,
		mediaIP:    mediaIP,
		dialogs:    NewDialogManager(l),
		logger:     l,
		trunkState: TrunkState{Status: TrunkStatusUnregistered},
	}, nil
}

// SetListener registers the receiver of call events.
func (c *Client) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

func (c *Client) getListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// contactURI is where the trunk reaches this gateway for user.
func (c *Client) contactURI(user string) sip.Uri {
	return sip.Uri{Scheme: "sip", User: user, Host: c.mediaIP, Port: c.trunk.LocalPort}
}

// ActiveCallCount returns the number of outbound calls in progress.
func (c *Client) ActiveCallCount() int {
	return c.dialogs.ActiveCallCount()
}

// Close releases the client's transaction layer resources.
func (c *Client) Close() {
	c.client.Close()
}
