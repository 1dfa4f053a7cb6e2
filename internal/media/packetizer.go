package media

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// normalizePayloadType maps pt onto the payload types the platform leg
// accepts. Anything else is sent as Opus.
func normalizePayloadType(pt uint8) uint8 {
	switch pt {
	case PayloadOpus, PayloadPCMU, PayloadPCMA, PayloadDynamic:
		return pt
	}
	return PayloadOpus
}

// nextSeqLocked advances the outbound sequence number. It wraps at 65536.
func (r *Relay) nextSeqLocked() uint16 {
	r.seq++
	return r.seq
}

// sendToPlatform builds, encrypts and sends one outbound RTP packet to the
// active relay. Without keys or an active relay the packet is dropped. A
// silence frame is dropped once telephony audio has been seen.
func (r *Relay) sendToPlatform(payload []byte, pt uint8, marker bool, ts uint32, silence bool) error {
	r.mu.Lock()
	if silence && r.telephonySeen {
		r.mu.Unlock()
		return errSilenceEnded
	}
	r.lastTS = ts
	enc := r.outbound
	if enc == nil {
		r.mu.Unlock()
		r.counters.dropped.Add(1)
		return errNoKeys
	}
	if r.active == nil {
		r.mu.Unlock()
		r.counters.dropped.Add(1)
		r.noRelayWarn.Do(func() {
			r.logger.Warn("dropping outbound media, no active relay yet")
		})
		return errNoActiveRelay
	}
	dst := r.active.addr

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    normalizePayloadType(pt),
			SequenceNumber: r.nextSeqLocked(),
			Timestamp:      ts,
			SSRC:           r.ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		r.mu.Unlock()
		r.counters.dropped.Add(1)
		return fmt.Errorf("marshaling rtp: %w", err)
	}
	out, err := enc.EncryptRTP(nil, raw, &pkt.Header)
	r.mu.Unlock()
	if err != nil {
		r.counters.dropped.Add(1)
		return fmt.Errorf("encrypting rtp: %w", err)
	}

	if _, err := r.sock.Conn.WriteToUDP(out, dst); err != nil {
		return fmt.Errorf("writing to relay %s: %w", dst, err)
	}
	r.counters.toPlatform.Add(1)
	return nil
}

func randomUint16() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
