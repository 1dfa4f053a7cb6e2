package media

import (
	"errors"
	"fmt"
	"strconv"

	psdp "github.com/pion/sdp/v3"
)

// PayloadTelephoneEvent is the RFC 4733 telephone-event payload type
// offered to the trunk.
const PayloadTelephoneEvent = 101

// Codec is one rtpmap entry. Channels of zero omits the channel count.
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    uint16
	Fmtp        string
}

// TelephonyCodecs is the fixed codec list offered to the trunk, in
// preference order.
var TelephonyCodecs = []Codec{
	{PayloadType: PayloadOpus, Name: "opus", ClockRate: 48000, Channels: 2, Fmtp: "minptime=10;useinbandfec=1"},
	{PayloadType: PayloadPCMU, Name: "PCMU", ClockRate: 8000},
	{PayloadType: PayloadPCMA, Name: "PCMA", ClockRate: 8000},
	{PayloadType: PayloadTelephoneEvent, Name: "telephone-event", ClockRate: 8000, Fmtp: "0-16"},
}

var errNoAudio = errors.New("sdp has no audio media")

// BuildOffer returns an SDP offer advertising ip:port with TelephonyCodecs.
func BuildOffer(sessionID uint64, ip string, port int) ([]byte, error) {
	sd := &psdp.SessionDescription{
		Version: 0,
		Origin: psdp.Origin{
			Username:       "callgate",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: "callgate",
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: ip},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	md := &psdp.MediaDescription{
		MediaName: psdp.MediaName{
			Media:  "audio",
			Port:   psdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	formats := make([]string, 0, len(TelephonyCodecs))
	for _, c := range TelephonyCodecs {
		md = md.WithCodec(c.PayloadType, c.Name, c.ClockRate, c.Channels, c.Fmtp)
		formats = append(formats, strconv.Itoa(int(c.PayloadType)))
	}
	md.MediaName.Formats = formats
	md = md.WithValueAttribute("ptime", "20").WithPropertyAttribute("sendrecv")
	sd.MediaDescriptions = []*psdp.MediaDescription{md}

	b, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp offer: %w", err)
	}
	return b, nil
}

// Answer is the part of the trunk's SDP answer the relay needs.
type Answer struct {
	IP     string
	Port   int
	Codecs []Codec
}

// ParseAnswer extracts the audio address and accepted codecs from an SDP
// answer. A media-level c= line takes precedence over the session one.
func ParseAnswer(body []byte) (*Answer, error) {
	var sd psdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp answer: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}

		ans := &Answer{Port: md.MediaName.Port.Value}
		switch {
		case md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil:
			ans.IP = md.ConnectionInformation.Address.Address
		case sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil:
			ans.IP = sd.ConnectionInformation.Address.Address
		}
		if ans.IP == "" {
			return nil, errors.New("sdp answer has no connection address")
		}

		for _, f := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(f, 10, 8)
			if err != nil {
				continue
			}
			c, err := sd.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				ans.Codecs = append(ans.Codecs, Codec{PayloadType: uint8(pt)})
				continue
			}
			ans.Codecs = append(ans.Codecs, Codec{
				PayloadType: c.PayloadType,
				Name:        c.Name,
				ClockRate:   c.ClockRate,
				Fmtp:        c.Fmtp,
			})
		}
		return ans, nil
	}
	return nil, errNoAudio
}
