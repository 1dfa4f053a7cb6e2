package sip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/callgate/internal/media"
)

// ErrCallNotFound is returned by Hangup for an unknown session.
var ErrCallNotFound = errors.New("call not found")

// CallOptions carries per-call origination parameters.
type CallOptions struct {
	// LocalRTPPort is the gateway's media port offered in SDP.
	LocalRTPPort int
}

// CallResult is the trunk's answered media endpoint.
type CallResult struct {
	RemoteRTPIP   string
	RemoteRTPPort int
	Codecs        []media.Codec
}

// CallError is a final non-2xx response to an INVITE.
type CallError struct {
	StatusCode int
	Reason     string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call rejected with status %d %s", e.StatusCode, e.Reason)
}

// Cause maps the status to a short termination cause.
func (e *CallError) Cause() string {
	switch {
	case e.StatusCode == 486 || e.StatusCode == 600:
		return "busy"
	case e.StatusCode == 480 || e.StatusCode == 408:
		return "no_answer"
	case e.StatusCode == 404 || e.StatusCode == 484:
		return "invalid_number"
	case e.StatusCode == 603:
		return "declined"
	case e.StatusCode >= 500:
		return "trunk_error"
	default:
		return "rejected"
	}
}

// inviteTimeout bounds a single INVITE from send to final response.
const inviteTimeout = 90 * time.Second

// MakeCall originates a call to destination through the trunk, offering
// the local media port. It blocks until the call is answered or fails. The
// session ID becomes the SIP Call-ID.
func (c *Client) MakeCall(ctx context.Context, destination, sessionID string, opts CallOptions) (*CallResult, error) {
	if destination == "" {
		return nil, errors.New("empty destination")
	}

	recipientStr := c.trunk.uri(destination)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("parsing trunk uri: %w", err)
	}

	offer, err := media.BuildOffer(uint64(time.Now().UnixNano()), c.mediaIP, opts.LocalRTPPort)
	if err != nil {
		return nil, fmt.Errorf("building sdp offer: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(c.trunk.transport())

	from := &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: c.trunk.fromUser(), Host: c.trunk.Host},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: recipient, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{Address: c.contactURI(c.trunk.fromUser())})
	callID := sip.CallIDHeader(sessionID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	contentType := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&contentType)
	req.SetBody(offer)

	callCtx, cancel := context.WithTimeout(ctx, inviteTimeout)
	defer cancel()

	if !c.dialogs.Create(&Dialog{
		SessionID:   sessionID,
		Destination: destination,
		State:       CallStateRinging,
		StartTime:   time.Now(),
		cancel:      cancel,
	}) {
		return nil, fmt.Errorf("session %s already has a call", sessionID)
	}

	logger := c.logger.With("session_id", sessionID, "destination", destination)
	logger.Info("originating call", "local_rtp_port", opts.LocalRTPPort)

	sent, res, err := c.invite(callCtx, req, recipientStr)
	if err != nil {
		c.dialogs.Remove(sessionID)
		return nil, err
	}

	ack := buildACKFor2xx(sent, res)
	if err := c.client.WriteRequest(ack); err != nil {
		c.dialogs.Remove(sessionID)
		return nil, fmt.Errorf("sending ack: %w", err)
	}

	answer, err := media.ParseAnswer(res.Body())
	if err != nil {
		c.dialogs.Remove(sessionID)
		c.sendBye(context.WithoutCancel(ctx), sent, res)
		return nil, fmt.Errorf("parsing sdp answer: %w", err)
	}

	if !c.dialogs.answer(sessionID, sent, res, answer.IP, answer.Port) {
		// Hung up while the INVITE was in flight.
		c.sendBye(context.WithoutCancel(ctx), sent, res)
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrCallNotFound)
	}

	logger.Info("call answered",
		"remote_rtp_ip", answer.IP,
		"remote_rtp_port", answer.Port,
		"active_calls", c.dialogs.ActiveCallCount(),
	)

	if l := c.getListener(); l != nil {
		l.CallEstablished(sessionID, answer.Port)
	}

	return &CallResult{
		RemoteRTPIP:   answer.IP,
		RemoteRTPPort: answer.Port,
		Codecs:        answer.Codecs,
	}, nil
}

// invite sends req and collects responses until a final one, answering a
// single digest challenge. It returns the request as last sent and the 2xx.
func (c *Client) invite(ctx context.Context, req *sip.Request, uri string) (*sip.Request, *sip.Response, error) {
	sent := req
	tx, err := c.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, nil, fmt.Errorf("sending invite to trunk: %w", err)
	}

	authed := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			c.sendCancel(sent)
			tx.Terminate()
			return nil, nil, fmt.Errorf("invite aborted: %w", ctx.Err())
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				return nil, nil, fmt.Errorf("trunk transaction error: %w", txErr)
			}
			return nil, nil, errors.New("trunk transaction ended without final response")
		case res = <-tx.Responses():
		}

		c.logger.Debug("trunk invite response",
			"call_id", callIDOf(sent),
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode < 200:
			continue

		case isChallenge(res) && !authed:
			tx.Terminate()
			authReq, err := authorize(sent, res, uri, c.trunk.authUser(), c.trunk.Password)
			if err != nil {
				return nil, nil, err
			}
			authed = true
			sent = authReq
			tx, err = c.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				return nil, nil, fmt.Errorf("sending authenticated invite to trunk: %w", err)
			}

		case res.StatusCode < 300:
			tx.Terminate()
			return sent, res, nil

		default:
			tx.Terminate()
			return nil, nil, &CallError{StatusCode: res.StatusCode, Reason: res.Reason}
		}
	}
}

// Hangup ends the call for sessionID: CANCEL while ringing, BYE once
// answered.
func (c *Client) Hangup(ctx context.Context, sessionID string) error {
	d, ok := c.dialogs.Remove(sessionID)
	if !ok {
		return fmt.Errorf("hangup %s: %w", sessionID, ErrCallNotFound)
	}

	if d.State == CallStateRinging {
		c.logger.Info("cancelling ringing call", "session_id", sessionID)
		d.cancel()
		return nil
	}

	c.logger.Info("hanging up call",
		"session_id", sessionID,
		"duration", d.Duration().String(),
	)
	return c.sendBye(ctx, d.inviteReq, d.inviteRes)
}

func (c *Client) sendBye(ctx context.Context, inviteReq *sip.Request, inviteRes *sip.Response) error {
	bye := buildBYE(inviteReq, inviteRes)

	byeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := c.client.TransactionRequest(byeCtx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	res, err := getResponse(byeCtx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for bye response: %w", err)
	}
	if res.StatusCode >= 300 {
		return fmt.Errorf("bye returned status %d %s", res.StatusCode, res.Reason)
	}
	return nil
}

func (c *Client) sendCancel(inviteReq *sip.Request) {
	cancelReq := buildCancel(inviteReq)
	tx, err := c.client.TransactionRequest(context.Background(), cancelReq)
	if err != nil {
		c.logger.Debug("failed to send cancel", "call_id", callIDOf(inviteReq), "error", err)
		return
	}
	tx.Terminate()
}

// handleBye processes an inbound BYE. It returns false when the Call-ID is
// not one of ours.
func (c *Client) handleBye(req *sip.Request, tx sip.ServerTransaction) bool {
	sessionID := callIDOf(req)
	d, ok := c.dialogs.Remove(sessionID)

	code, reason := 200, "OK"
	if !ok {
		code, reason = 481, "Call/Transaction Does Not Exist"
	}
	if err := tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil)); err != nil {
		c.logger.Error("failed to respond to bye", "session_id", sessionID, "error", err)
	}
	if !ok {
		c.logger.Debug("bye for unknown call", "call_id", sessionID, "source", req.Source())
		return false
	}

	c.logger.Info("call ended by trunk",
		"session_id", sessionID,
		"duration", d.Duration().String(),
	)
	if d.State == CallStateRinging {
		d.cancel()
	}
	if l := c.getListener(); l != nil {
		l.CallTerminated(sessionID)
	}
	return true
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

// buildACKFor2xx creates the ACK for a 2xx response to an INVITE. The
// Request-URI is the response's Contact when present.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.ACK})
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())
	return ack
}

// buildBYE creates the in-dialog BYE for an answered INVITE. Route headers
// come from the response's Record-Route in reverse order.
func buildBYE(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = inviteReq.SipVersion

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	recordRoutes := inviteResp.GetHeaders("Record-Route")
	for i := len(recordRoutes) - 1; i >= 0; i-- {
		if rr, ok := recordRoutes[i].(*sip.RecordRouteHeader); ok {
			bye.AppendHeader(&sip.RouteHeader{Address: *rr.Address.Clone()})
		}
	}

	if h := inviteReq.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResp.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		bye.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo + 1, MethodName: sip.BYE})
	}
	if h := inviteReq.Contact(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}

	bye.SetTransport(inviteReq.Transport())
	return bye
}

// buildCancel creates a CANCEL matching a pending INVITE: same Request-URI,
// top Via, From, To, Call-ID and CSeq number.
func buildCancel(inviteReq *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, *inviteReq.Recipient.Clone())
	cancelReq.SipVersion = inviteReq.SipVersion

	if h := inviteReq.Via(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	if h := inviteReq.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}

	cancelReq.SetTransport(inviteReq.Transport())
	return cancelReq
}
