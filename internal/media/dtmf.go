package media

import (
	"errors"
	"mime"
	"strconv"
	"strings"
)

// DTMFEvent is an RFC 4733 telephone-event payload. Digits are not carried
// to the platform leg; the relay decodes them for logging only.
type DTMFEvent struct {
	Event    uint8
	End      bool
	Volume   uint8
	Duration uint16
}

// ParseDTMFEvent decodes a 4-byte telephone-event payload, or returns nil
// when the payload is short.
func ParseDTMFEvent(payload []byte) *DTMFEvent {
	if len(payload) < 4 {
		return nil
	}
	return &DTMFEvent{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}
}

// DTMFEventName maps an event code to its key: 0-9, *, #, A-D.
func DTMFEventName(event uint8) string {
	switch {
	case event <= 9:
		return string(rune('0' + event))
	case event == 10:
		return "*"
	case event == 11:
		return "#"
	case event <= 15:
		return string(rune('A' + event - 12))
	}
	return "?"
}

// ErrInvalidDTMFInfo is returned when a SIP INFO body is not DTMF.
var ErrInvalidDTMFInfo = errors.New("invalid dtmf info body")

// DTMFInfo is a digit received by SIP INFO.
type DTMFInfo struct {
	Signal   string
	Duration int
}

func validSignal(s string) bool {
	return len(s) == 1 && strings.Contains("0123456789*#ABCD", s)
}

// ParseSIPInfoDTMF parses application/dtmf-relay ("Signal=5\r\nDuration=160")
// and application/dtmf ("5") bodies.
func ParseSIPInfoDTMF(contentType string, body []byte) (*DTMFInfo, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, ErrInvalidDTMFInfo
	}

	switch mediaType {
	case "application/dtmf":
		sig := strings.ToUpper(strings.TrimSpace(string(body)))
		if !validSignal(sig) {
			return nil, ErrInvalidDTMFInfo
		}
		return &DTMFInfo{Signal: sig}, nil

	case "application/dtmf-relay":
		info := &DTMFInfo{}
		for _, line := range strings.Split(string(body), "\n") {
			key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			switch strings.ToLower(strings.TrimSpace(key)) {
			case "signal":
				info.Signal = strings.ToUpper(value)
			case "duration":
				if d, err := strconv.Atoi(value); err == nil && d >= 0 {
					info.Duration = d
				}
			}
		}
		if !validSignal(info.Signal) {
			return nil, ErrInvalidDTMFInfo
		}
		return info, nil
	}
	return nil, ErrInvalidDTMFInfo
}
