package media

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/callgate/internal/extract"
	"github.com/flowpbx/callgate/internal/stun"
)

const (
	// DefaultKeepAliveInterval is the STUN keep-alive period per relay.
	DefaultKeepAliveInterval = 2 * time.Second
	// DefaultNominateDelay separates the plain and USE-CANDIDATE requests.
	DefaultNominateDelay = 100 * time.Millisecond

	// pendingTTL is how long an unanswered transaction is remembered.
	pendingTTL = 10 * time.Second
)

type credential struct {
	username string
	key      []byte
}

type pendingProbe struct {
	relay    string
	username string
	nominate bool
	sent     time.Time
}

// STUNClient keeps the platform relay paths alive with Binding Requests
// and nominates candidates when asked.
type STUNClient struct {
	relay       *Relay
	callID      string
	callCreator string
	logger      *slog.Logger

	interval      time.Duration
	nominateDelay time.Duration

	mu      sync.Mutex
	pending map[[12]byte]pendingProbe

	successes atomic.Uint64
	failures  atomic.Uint64

	started  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSTUNClient attaches a client to relay's socket. callCreator may be
// empty.
func NewSTUNClient(relay *Relay, callID, callCreator string, logger *slog.Logger) *STUNClient {
	c := &STUNClient{
		relay:         relay,
		callID:        callID,
		callCreator:   callCreator,
		logger:        logger.With("subsystem", "stun-client", "call_id", callID),
		interval:      DefaultKeepAliveInterval,
		nominateDelay: DefaultNominateDelay,
		pending:       make(map[[12]byte]pendingProbe),
		done:          make(chan struct{}),
	}
	relay.SetSTUNHandler(c.handle)
	return c
}

// SetIntervals overrides the keep-alive period and nomination gap. Must be
// called before Start.
func (c *STUNClient) SetIntervals(keepAlive, nominateDelay time.Duration) {
	if keepAlive > 0 {
		c.interval = keepAlive
	}
	if nominateDelay > 0 {
		c.nominateDelay = nominateDelay
	}
}

// Start runs the keep-alive loop until Stop. It is non-blocking and
// idempotent.
func (c *STUNClient) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.keepAliveLoop()
}

// Stop ends the keep-alive loop and any pending nomination.
func (c *STUNClient) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.logger.Debug("stun client stopped",
			"successes", c.successes.Load(),
			"errors", c.failures.Load(),
		)
	})
}

// Successes returns the number of Binding Success responses received.
func (c *STUNClient) Successes() uint64 {
	return c.successes.Load()
}

func (c *STUNClient) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *STUNClient) keepAliveLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.Probe()
		}
	}
}

// Probe sends one round of Binding Requests to every known relay, active
// relay first.
func (c *STUNClient) Probe() int {
	return c.sendRound(false)
}

// Nominate sends a plain Binding Request round followed, after the
// nomination delay, by a USE-CANDIDATE round.
func (c *STUNClient) Nominate() {
	c.sendRound(false)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		t := time.NewTimer(c.nominateDelay)
		defer t.Stop()
		select {
		case <-c.done:
		case <-t.C:
			n := c.sendRound(true)
			c.logger.Debug("nomination sent", "requests", n)
		}
	}()
}

func (c *STUNClient) sendRound(nominate bool) int {
	if c.stopped() {
		return 0
	}
	c.prunePending()

	keys := c.relay.Keys()
	sent := 0
	for _, cand := range c.relay.Candidates() {
		addr := &net.UDPAddr{IP: net.ParseIP(cand.IP), Port: int(cand.Port)}
		if addr.IP == nil || addr.Port == 0 {
			continue
		}
		for _, cred := range c.credentials(cand, keys) {
			if c.send(addr, cred, nominate) {
				sent++
			}
		}
	}
	return sent
}

// credentials lists every username and key pairing worth trying against a
// relay. The right pairing is not known in advance.
func (c *STUNClient) credentials(cand extract.RelayEndpoint, keys *extract.MediaKeys) []credential {
	var usernames []string
	seen := make(map[string]bool)
	for _, u := range []string{cand.Username, c.callID, c.callCreator, cand.CallCreator} {
		if u != "" && !seen[u] {
			seen[u] = true
			usernames = append(usernames, u)
		}
	}

	var secrets [][]byte
	if cand.HasToken() {
		secrets = append(secrets, cand.Token)
	}
	if keys != nil {
		secrets = append(secrets, keys.MasterKey[:])
	}
	if len(secrets) == 0 {
		secrets = [][]byte{nil}
	}

	creds := make([]credential, 0, len(usernames)*len(secrets))
	for _, u := range usernames {
		for _, k := range secrets {
			creds = append(creds, credential{username: u, key: k})
		}
	}
	return creds
}

func (c *STUNClient) send(addr *net.UDPAddr, cred credential, nominate bool) bool {
	req := stun.BindingRequest{
		TransactionID: stun.NewTransactionID(),
		Username:      cred.username,
		Token:         cred.key,
		Nominate:      nominate,
	}
	raw, err := req.Build()
	if err != nil {
		c.logger.Debug("building binding request failed", "error", err)
		return false
	}

	c.mu.Lock()
	c.pending[req.TransactionID] = pendingProbe{
		relay:    addr.String(),
		username: cred.username,
		nominate: nominate,
		sent:     time.Now(),
	}
	c.mu.Unlock()

	if err := c.relay.WriteTo(raw, addr); err != nil {
		c.logger.Debug("binding request send failed", "relay", addr.String(), "error", err)
		return false
	}
	return true
}

func (c *STUNClient) prunePending() {
	cutoff := time.Now().Add(-pendingTTL)
	c.mu.Lock()
	for id, p := range c.pending {
		if p.sent.Before(cutoff) {
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()
}

// handle receives STUN datagrams from the relay's read loop.
func (c *STUNClient) handle(pkt []byte, from *net.UDPAddr) {
	resp, err := stun.ParseResponse(pkt)
	if err != nil {
		c.logger.Debug("unparseable stun datagram", "from", from.String(), "error", err)
		return
	}

	c.mu.Lock()
	probe, matched := c.pending[resp.TransactionID]
	delete(c.pending, resp.TransactionID)
	c.mu.Unlock()

	switch resp.Kind {
	case stun.ResponseSuccess:
		n := c.successes.Add(1)
		c.relay.counters.stunSuccess.Add(1)
		c.relay.setActive(from, true)
		level := slog.LevelDebug
		if n == 1 {
			level = slog.LevelInfo
		}
		c.logger.Log(context.Background(), level, "stun binding success",
			"relay", from.String(),
			"mapped", resp.Addr(),
			"username", probe.username,
			"nominated", probe.nominate,
			"matched", matched,
		)
	case stun.ResponseError:
		c.failures.Add(1)
		c.logger.Debug("stun binding error",
			"relay", from.String(),
			"code", resp.ErrorCode,
			"reason", resp.Reason,
			"username", probe.username,
		)
	case stun.ResponseUnrecognized:
		c.logger.Debug("unrecognized stun method", "relay", from.String(), "type", resp.Type)
	}
}
