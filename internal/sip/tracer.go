package sip

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
)

// TraceLevel controls how much of each SIP message is logged.
type TraceLevel int32

const (
	TraceOff TraceLevel = iota
	// TraceHeaders logs the start line and headers without the SDP body.
	TraceHeaders
	TraceFull
)

// ParseTraceLevel maps the sip-trace setting to a level. Unknown values
// disable tracing.
func ParseTraceLevel(s string) TraceLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return TraceHeaders
	case "full":
		return TraceFull
	}
	return TraceOff
}

func (l TraceLevel) String() string {
	switch l {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	}
	return "off"
}

// MessageTracer logs raw SIP traffic. Each entry carries the start line and
// Call-ID so trunk messages can be matched to a bridge's session_id.
type MessageTracer struct {
	logger *slog.Logger
	level  atomic.Int32

	sent     atomic.Uint64
	received atomic.Uint64
}

func NewMessageTracer(logger *slog.Logger, level TraceLevel) *MessageTracer {
	t := &MessageTracer{logger: logger.With("subsystem", "sip-trace")}
	t.level.Store(int32(level))
	return t
}

// Install registers t as the sipgo transport tracer.
func (t *MessageTracer) Install() {
	sip.SIPDebugTracer(t)
	sip.SIPDebug = true
}

// SetLevel changes the level at runtime.
func (t *MessageTracer) SetLevel(l TraceLevel) {
	t.level.Store(int32(l))
	t.logger.Info("sip trace level changed", "level", l.String())
}

func (t *MessageTracer) Level() TraceLevel {
	return TraceLevel(t.level.Load())
}

// Counts returns how many messages were written and read since start,
// whether or not tracing was on.
func (t *MessageTracer) Counts() (sent, received uint64) {
	return t.sent.Load(), t.received.Load()
}

func (t *MessageTracer) SIPTraceRead(transport, laddr, raddr string, sipmsg []byte) {
	t.received.Add(1)
	t.trace("recv", transport, raddr, sipmsg)
}

func (t *MessageTracer) SIPTraceWrite(transport, laddr, raddr string, sipmsg []byte) {
	t.sent.Add(1)
	t.trace("send", transport, raddr, sipmsg)
}

func (t *MessageTracer) trace(direction, transport, raddr string, sipmsg []byte) {
	l := t.Level()
	if l == TraceOff {
		return
	}
	startLine, callID := summarize(sipmsg)
	t.logger.Info("sip "+direction,
		"transport", transport,
		"remote_addr", raddr,
		"start_line", startLine,
		"session_id", callID,
		"message", formatMessage(sipmsg, l),
	)
}

// summarize returns the first line and the Call-ID header value.
func summarize(sipmsg []byte) (startLine, callID string) {
	head := sipmsg
	if idx := bytes.Index(head, []byte("\r\n\r\n")); idx >= 0 {
		head = head[:idx]
	}
	for i, line := range strings.Split(string(head), "\r\n") {
		if i == 0 {
			startLine = line
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if strings.EqualFold(name, "Call-ID") || name == "i" {
			callID = strings.TrimSpace(value)
			break
		}
	}
	return startLine, callID
}

// formatMessage trims sipmsg to what l allows.
func formatMessage(sipmsg []byte, l TraceLevel) string {
	if l == TraceFull {
		return string(sipmsg)
	}
	if idx := bytes.Index(sipmsg, []byte("\r\n\r\n")); idx >= 0 {
		return string(sipmsg[:idx])
	}
	return string(sipmsg)
}
