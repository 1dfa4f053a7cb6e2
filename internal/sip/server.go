package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/flowpbx/callgate/internal/config"
	"github.com/flowpbx/callgate/internal/media"
)

// Server wraps the sipgo stack: listeners for in-dialog requests from the
// trunk plus the outbound trunk client.
type Server struct {
	cfg    *config.Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *Client
	tracer *MessageTracer
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewServer creates the SIP stack for cfg with all handlers registered.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("callgate"),
		sipgo.WithUserAgentHostname(cfg.UserAgentHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	trunk := Trunk{
		Host:           cfg.TrunkHost,
		Port:           cfg.TrunkPort,
		Transport:      cfg.TrunkTransport,
		Username:       cfg.TrunkUsername,
		AuthUsername:   cfg.TrunkAuthUsername,
		Password:       cfg.TrunkPassword,
		RegisterExpiry: cfg.RegisterExpiry,
		CallerID:       cfg.CallerUser(),
		LocalPort:      cfg.SIPPort,
	}
	client, err := NewClient(ua, trunk, cfg.MediaIP(), logger)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		tracer: NewMessageTracer(logger, ParseTraceLevel(cfg.SIPTrace)),
		logger: logger,
	}
	s.tracer.Install()

	s.registerHandlers()
	return s, nil
}

func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnBye(s.handleBye)
	s.srv.OnAck(s.handleACK)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnInfo(s.handleInfo)
}

// Start begins listening on UDP and TCP and, when enabled, keeps the trunk
// registered. It returns once the listeners are launched.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	for _, network := range []string{"udp", "tcp"} {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", network, "addr", addr)
			if err := s.srv.ListenAndServe(ctx, network, addr); err != nil {
				s.logger.Error("sip listener stopped", "transport", network, "error", err)
			}
		}()
	}

	if s.cfg.Register {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.client.RunRegistration(ctx)
		}()
	} else {
		s.logger.Info("trunk registration disabled, probing with options")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.client.SendOptions(ctx); err != nil {
				s.logger.Warn("trunk options probe failed", "error", err)
			}
		}()
	}

	return nil
}

// Stop shuts down the listeners and waits for registration to unwind.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// Client returns the trunk client for call origination.
func (s *Server) Client() *Client {
	return s.client
}

// Tracer returns the SIP message tracer for runtime verbosity changes.
func (s *Server) Tracer() *MessageTracer {
	return s.tracer
}

// handleInvite declines inbound calls; the gateway only originates toward
// the trunk.
func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Info("declining inbound invite",
		"call_id", callIDOf(req),
		"from", req.From().Address.User,
		"source", req.Source(),
	)
	res := sip.NewResponseFromRequest(req, 603, "Decline", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to invite", "error", err)
	}
}

func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	s.client.handleBye(req, tx)
}

// handleACK logs ACKs. ACK has no response.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip ack received",
		"call_id", callIDOf(req),
		"source", req.Source(),
	)
}

// handleOptions answers keepalive pings from the trunk.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo logs DTMF sent via SIP INFO and acknowledges every INFO.
// Digits are not forwarded to the platform side.
func (s *Server) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)

	if ct := req.ContentType(); ct != nil {
		if info, err := media.ParseSIPInfoDTMF(ct.Value(), req.Body()); err == nil {
			s.logger.Info("sip info dtmf received",
				"signal", info.Signal,
				"duration", info.Duration,
				"call_id", callID,
			)
		} else {
			s.logger.Debug("sip info with unsupported content type",
				"content_type", ct.Value(),
				"call_id", callID,
			)
		}
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to info", "error", err)
	}
}
