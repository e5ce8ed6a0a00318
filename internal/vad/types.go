package vad

import (
	"errors"
	"time"
)

// Config holds the detector thresholds. Durations are measured in audio
// time (samples fed), not wall clock.
type Config struct {
	SampleRate int // 16000 or 8000; input is PCM16LE mono
	// Threshold is the activation level on the 0..1 voice probability.
	Threshold float64
	// MinVolume is the normalised RMS below which a frame is silence.
	MinVolume float64
	// StartWindow is how long speech must be sustained before SpeechStart.
	// It doubles as the barge-in confirmation window.
	StartWindow time.Duration
	// Hangover is the silence that finalizes a segment.
	Hangover time.Duration
	// MinSegment drops segments with less voiced audio than this.
	MinSegment time.Duration
	// MaxSegment force-finalizes a segment that never goes quiet.
	MaxSegment time.Duration
	// PreRoll is audio kept from before the start and prepended.
	PreRoll time.Duration
}

// DefaultConfig is tuned for a close-talking child voice at 16kHz.
func DefaultConfig() Config {
	return Config{
		SampleRate:  16000,
		Threshold:   0.5,
		MinVolume:   0.01,
		StartWindow: 200 * time.Millisecond,
		Hangover:    700 * time.Millisecond,
		MinSegment:  250 * time.Millisecond,
		MaxSegment:  15 * time.Second,
		PreRoll:     220 * time.Millisecond,
	}
}

// Validate rejects settings the detector cannot run with.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0 || c.SampleRate%100 != 0:
		return errors.New("vad: sample rate must be a positive multiple of 100")
	case c.Threshold < 0 || c.Threshold > 1:
		return errors.New("vad: threshold must be between 0 and 1")
	case c.MinVolume < 0 || c.MinVolume >= maxExpectedRMS:
		return errors.New("vad: min volume out of range")
	case c.StartWindow < 0 || c.Hangover < 0 || c.MinSegment < 0 || c.PreRoll < 0:
		return errors.New("vad: durations must be non-negative")
	}
	return nil
}

// EventType is what the detector reports.
type EventType int

const (
	// SpeechStart fires once speech has been sustained for StartWindow.
	SpeechStart EventType = iota
	// SpeechEnd carries a finalized segment.
	SpeechEnd
	// SegmentDiscarded fires instead of SpeechEnd for too-short segments.
	SegmentDiscarded
)

func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	case SegmentDiscarded:
		return "segment_discarded"
	default:
		return "unknown"
	}
}

// Event is one detector output. At is the stream offset.
type Event struct {
	Type    EventType
	At      time.Duration
	Segment *Segment
}

// Segment is a finalized span of PCM16LE mono audio.
type Segment struct {
	PCM        []byte
	SampleRate int
	Start      time.Duration
	End        time.Duration
	// Voiced is the audio time spent above threshold.
	Voiced time.Duration
}

// Duration returns the audio length of the segment.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(s.PCM)/2) * time.Second / time.Duration(s.SampleRate)
}
