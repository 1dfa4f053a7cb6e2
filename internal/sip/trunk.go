package sip

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Trunk describes the upstream SIP provider the gateway originates calls to.
type Trunk struct {
	Host           string
	Port           int
	Transport      string // udp, tcp or tls
	Username       string
	AuthUsername   string // digest username, Username when empty
	Password       string
	RegisterExpiry int    // requested REGISTER expiry in seconds
	CallerID       string // From user on outbound INVITEs
	LocalPort      int    // SIP listen port advertised in Contact
}

func (t Trunk) authUser() string {
	if t.AuthUsername != "" {
		return t.AuthUsername
	}
	return t.Username
}

func (t Trunk) fromUser() string {
	if t.CallerID != "" {
		return t.CallerID
	}
	return t.Username
}

func (t Trunk) transport() string {
	return strings.ToUpper(t.Transport)
}

func (t Trunk) uri(user string) string {
	if user == "" {
		return fmt.Sprintf("sip:%s:%d", t.Host, t.Port)
	}
	return fmt.Sprintf("sip:%s@%s:%d", user, t.Host, t.Port)
}

// TrunkStatus represents the registration state of the trunk.
type TrunkStatus string

const (
	TrunkStatusRegistered   TrunkStatus = "registered"
	TrunkStatusFailed       TrunkStatus = "failed"
	TrunkStatusUnregistered TrunkStatus = "unregistered"
	TrunkStatusRegistering  TrunkStatus = "registering"
)

// TrunkState holds the trunk's registration state.
type TrunkState struct {
	Status       TrunkStatus `json:"status"`
	LastError    string      `json:"last_error,omitempty"`
	RetryAttempt int         `json:"retry_attempt,omitempty"`
	RegisteredAt *time.Time  `json:"registered_at,omitempty"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
}

// TrunkState returns a copy of the current registration state.
func (c *Client) TrunkState() TrunkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trunkState
}

// Registered reports whether the last REGISTER succeeded.
func (c *Client) Registered() bool {
	return c.TrunkState().Status == TrunkStatusRegistered
}

func (c *Client) updateTrunkState(fn func(*TrunkState)) {
	c.mu.Lock()
	fn(&c.trunkState)
	c.mu.Unlock()
}

// Register sends one REGISTER with the configured expiry and returns the
// server-granted expiry.
func (c *Client) Register(ctx context.Context) (int, error) {
	return c.sendRegister(ctx, c.registerExpiry())
}

func (c *Client) registerExpiry() int {
	if c.trunk.RegisterExpiry <= 0 {
		return 300
	}
	return c.trunk.RegisterExpiry
}

// RunRegistration keeps the trunk registered until ctx is cancelled, then
// un-registers with a short timeout.
func (c *Client) RunRegistration(ctx context.Context) {
	expiry := c.registerExpiry()

	c.logger.Info("starting trunk registration",
		"host", c.trunk.Host,
		"port", c.trunk.Port,
		"transport", c.trunk.Transport,
		"expiry", expiry,
	)
	c.updateTrunkState(func(s *TrunkState) { s.Status = TrunkStatusRegistering })

	defer c.unregister()

	backoff := newBackoff()

	for {
		grantedExpiry, err := c.sendRegister(ctx, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := backoff.next()
			c.logger.Error("trunk registration failed",
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)
			c.updateTrunkState(func(s *TrunkState) {
				s.Status = TrunkStatusFailed
				s.LastError = err.Error()
				s.RetryAttempt = backoff.attempt
			})

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(grantedExpiry) * time.Second)
		c.updateTrunkState(func(s *TrunkState) {
			*s = TrunkState{
				Status:       TrunkStatusRegistered,
				RegisteredAt: &now,
				ExpiresAt:    &expiresAt,
			}
		})

		if grantedExpiry != expiry {
			c.logger.Info("trunk registered (server adjusted expiry)",
				"requested_expiry", expiry,
				"granted_expiry", grantedExpiry,
			)
		} else {
			c.logger.Info("trunk registered", "expires_in", grantedExpiry)
		}

		// Refresh at 80% of the granted expiry.
		refreshInterval := time.Duration(float64(grantedExpiry)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval):
			c.logger.Debug("re-registering trunk")
		}
	}
}

func (c *Client) unregister() {
	if !c.Registered() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.sendRegister(ctx, 0); err != nil {
		c.logger.Warn("failed to un-register trunk", "error", err)
	}
	c.updateTrunkState(func(s *TrunkState) {
		*s = TrunkState{Status: TrunkStatusUnregistered}
	})
}

// sendRegister sends a REGISTER, answering one digest challenge. It returns
// the expiry granted in the 200 OK, or the requested expiry when the
// response carries none.
func (c *Client) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := c.trunk.uri("")
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(c.trunk.transport())

	aor := fmt.Sprintf("<sip:%s@%s>", c.trunk.Username, c.trunk.Host)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	contact := c.contactURI(c.trunk.Username)
	req.AppendHeader(sip.NewHeader("Contact", "<"+contact.String()+">"))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := c.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if isChallenge(res) {
		authReq, err := authorize(req, res, recipientStr, c.trunk.authUser(), c.trunk.Password)
		if err != nil {
			return 0, err
		}
		tx2, err := c.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	grantedExpiry := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	}
	return grantedExpiry, nil
}

// SendOptions pings the trunk and fails on anything but a 2xx.
func (c *Client) SendOptions(ctx context.Context) error {
	var recipient sip.Uri
	if err := sip.ParseUri(c.trunk.uri(""), &recipient); err != nil {
		return fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(c.trunk.transport())

	tx, err := c.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as <sip:user@host>;expires=3600. It returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value. It returns 0 on error.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff is exponential backoff with ±20% jitter for registration retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
