// Package vad segments a PCM stream into utterances.
//
// The detector scores each 10ms frame by smoothed RMS and runs a four state
// machine (quiet, starting, speaking, stopping). It is not safe for
// concurrent use; one goroutine feeds it.
package vad

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	frameDur       = 10 * time.Millisecond
	smoothingAlpha = 0.3
	pcmMaxAmp      = 32768.0
	// maxExpectedRMS maps to probability 1.
	maxExpectedRMS = 0.25
)

type state int

const (
	stateQuiet state = iota
	stateStarting
	stateSpeaking
	stateStopping
)

// Detector turns PCM into Events.
type Detector struct {
	cfg        Config
	frameBytes int

	remainder []byte
	offset    time.Duration
	smoothed  float64

	st         state
	stateSince time.Duration
	preRoll    [][]byte
	preRollN   int
	buf        []byte
	segStart   time.Duration
	voiced     time.Duration
}

// NewDetector validates cfg and returns a quiet detector.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:        cfg,
		frameBytes: cfg.SampleRate / 100 * 2,
		preRollN:   int(cfg.PreRoll / frameDur),
	}, nil
}

// Speaking reports whether the detector is inside a confirmed utterance.
func (d *Detector) Speaking() bool {
	return d.st == stateSpeaking || d.st == stateStopping
}

// Feed consumes PCM16LE of any length and returns the events it caused.
func (d *Detector) Feed(pcm []byte) []Event {
	if len(d.remainder) > 0 {
		pcm = append(d.remainder, pcm...)
		d.remainder = nil
	}
	var events []Event
	off := 0
	for ; off+d.frameBytes <= len(pcm); off += d.frameBytes {
		frame := make([]byte, d.frameBytes)
		copy(frame, pcm[off:off+d.frameBytes])
		if ev, ok := d.onFrame(frame); ok {
			events = append(events, ev)
		}
	}
	if off < len(pcm) {
		d.remainder = append([]byte(nil), pcm[off:]...)
	}
	return events
}

// Reset returns the detector to quiet and drops buffered audio.
func (d *Detector) Reset() {
	d.remainder = nil
	d.smoothed = 0
	d.st = stateQuiet
	d.stateSince = d.offset
	d.preRoll = nil
	d.buf = nil
	d.voiced = 0
}

func (d *Detector) onFrame(frame []byte) (Event, bool) {
	d.smoothed = smoothingAlpha*frameRMS(frame) + (1-smoothingAlpha)*d.smoothed
	above := d.probability(d.smoothed) >= d.cfg.Threshold
	now := d.offset
	d.offset += frameDur
	inState := d.offset - d.stateSince

	switch d.st {
	case stateQuiet:
		if above {
			d.buf = d.buf[:0]
			for _, f := range d.preRoll {
				d.buf = append(d.buf, f...)
			}
			d.segStart = now - time.Duration(len(d.preRoll))*frameDur
			d.preRoll = nil
			d.buf = append(d.buf, frame...)
			d.voiced = frameDur
			d.enter(stateStarting, now)
			if d.cfg.StartWindow <= frameDur {
				d.enter(stateSpeaking, d.offset)
				return Event{Type: SpeechStart, At: d.offset}, true
			}
			return Event{}, false
		}
		d.pushPreRoll(frame)

	case stateStarting:
		if !above {
			// Noise spike: fold what we buffered back into the pre-roll.
			d.refillPreRoll(frame)
			d.enter(stateQuiet, d.offset)
			return Event{}, false
		}
		d.buf = append(d.buf, frame...)
		d.voiced += frameDur
		if inState >= d.cfg.StartWindow {
			d.enter(stateSpeaking, d.offset)
			return Event{Type: SpeechStart, At: d.offset}, true
		}

	case stateSpeaking:
		d.buf = append(d.buf, frame...)
		if above {
			d.voiced += frameDur
		} else {
			d.enter(stateStopping, now)
		}

	case stateStopping:
		d.buf = append(d.buf, frame...)
		if above {
			d.voiced += frameDur
			d.enter(stateSpeaking, d.offset)
		} else if inState >= d.cfg.Hangover {
			return d.finalize(), true
		}
	}

	if d.Speaking() && d.cfg.MaxSegment > 0 && d.offset-d.segStart >= d.cfg.MaxSegment {
		return d.finalize(), true
	}
	return Event{}, false
}

func (d *Detector) finalize() Event {
	seg := &Segment{
		PCM:        d.buf,
		SampleRate: d.cfg.SampleRate,
		Start:      d.segStart,
		End:        d.offset,
		Voiced:     d.voiced,
	}
	d.buf = nil
	d.voiced = 0
	d.enter(stateQuiet, d.offset)
	if seg.Voiced < d.cfg.MinSegment {
		return Event{Type: SegmentDiscarded, At: d.offset, Segment: seg}
	}
	return Event{Type: SpeechEnd, At: d.offset, Segment: seg}
}

func (d *Detector) enter(s state, at time.Duration) {
	d.st = s
	d.stateSince = at
}

func (d *Detector) pushPreRoll(frame []byte) {
	if d.preRollN == 0 {
		return
	}
	d.preRoll = append(d.preRoll, frame)
	if len(d.preRoll) > d.preRollN {
		d.preRoll = d.preRoll[len(d.preRoll)-d.preRollN:]
	}
}

func (d *Detector) refillPreRoll(frame []byte) {
	d.preRoll = nil
	for off := 0; off+d.frameBytes <= len(d.buf); off += d.frameBytes {
		d.pushPreRoll(d.buf[off : off+d.frameBytes])
	}
	d.pushPreRoll(frame)
	d.buf = nil
	d.voiced = 0
}

func (d *Detector) probability(rms float64) float64 {
	if rms <= d.cfg.MinVolume {
		return 0
	}
	p := (rms - d.cfg.MinVolume) / (maxExpectedRMS - d.cfg.MinVolume)
	if p > 1 {
		return 1
	}
	return p
}

func frameRMS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / pcmMaxAmp
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
