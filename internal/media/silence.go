package media

import (
	"errors"
	"time"
)

const (
	silenceInterval      = 20 * time.Millisecond
	silenceTimestampStep = 320
)

// opusSilence is a single Opus DTX silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StartSilence begins sending an Opus silence frame every 20ms toward the
// active relay. It runs at most once per relay and never after telephony
// audio has been seen. It reports whether injection started.
func (r *Relay) StartSilence() bool {
	r.mu.Lock()
	if r.silenceStarted || r.telephonySeen || r.stopped() {
		r.mu.Unlock()
		return false
	}
	r.silenceStarted = true
	stop := make(chan struct{})
	r.silenceStop = stop
	r.mu.Unlock()

	r.wg.Add(1)
	go r.silenceLoop(stop)
	r.logger.Info("silence injection started")
	return true
}

// SilenceActive reports whether silence frames are still being sent.
func (r *Relay) SilenceActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.silenceStop != nil
}

// stopSilence ends injection permanently. Called on the first telephony
// packet.
func (r *Relay) stopSilence() {
	r.mu.Lock()
	if r.telephonySeen {
		r.mu.Unlock()
		return
	}
	r.telephonySeen = true
	stop := r.silenceStop
	r.silenceStop = nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		r.logger.Info("silence injection stopped, telephony audio flowing")
	}
}

func (r *Relay) silenceLoop(stop <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(silenceInterval)
	defer ticker.Stop()

	first := true
	for {
		select {
		case <-stop:
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.telephonySeen {
				r.mu.Unlock()
				return
			}
			ts := r.lastTS + silenceTimestampStep
			r.mu.Unlock()

			err := r.sendToPlatform(opusSilence, PayloadOpus, first, ts, true)
			if errors.Is(err, errSilenceEnded) {
				return
			}
			if err != nil {
				continue
			}
			first = false
			r.counters.silence.Add(1)
		}
	}
}
