package vad

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func pcmSine(sr int, hz float64, durMs int) []byte {
	n := sr * durMs / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*hz*float64(i)/float64(sr)))
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

func pcmSilence(sr int, durMs int) []byte {
	return make([]byte, sr*durMs/1000*2)
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(DefaultConfig())
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	return d
}

func collect(d *Detector, chunks ...[]byte) []Event {
	var out []Event
	for _, c := range chunks {
		// feed in 20ms packets like a transport would
		for off := 0; off < len(c); off += 640 {
			end := off + 640
			if end > len(c) {
				end = len(c)
			}
			out = append(out, d.Feed(c[off:end])...)
		}
	}
	return out
}

func TestDetector_SegmentsUtterance(t *testing.T) {
	d := newTestDetector(t)
	events := collect(d,
		pcmSilence(16000, 300),
		pcmSine(16000, 220, 800),
		pcmSilence(16000, 1000),
	)
	if len(events) != 2 {
		t.Fatalf("expected start and end, got %d events: %+v", len(events), events)
	}
	if events[0].Type != SpeechStart || events[1].Type != SpeechEnd {
		t.Fatalf("unexpected sequence %v, %v", events[0].Type, events[1].Type)
	}
	seg := events[1].Segment
	if seg == nil {
		t.Fatalf("expected segment on speech end")
	}
	if seg.Voiced < 700*time.Millisecond {
		t.Fatalf("voiced too short: %v", seg.Voiced)
	}
	// pre-roll reaches back before the first voiced frame
	if seg.Start >= 300*time.Millisecond {
		t.Fatalf("expected pre-roll before 300ms, start=%v", seg.Start)
	}
	if seg.Duration() < 800*time.Millisecond {
		t.Fatalf("segment shorter than speech: %v", seg.Duration())
	}
}

func TestDetector_StartNeedsConfirmationWindow(t *testing.T) {
	d := newTestDetector(t)
	// 120ms burst is shorter than the 200ms window
	events := collect(d, pcmSilence(16000, 200), pcmSine(16000, 220, 120), pcmSilence(16000, 1000))
	for _, ev := range events {
		if ev.Type == SpeechStart {
			t.Fatalf("short burst must not confirm speech")
		}
	}

	events = collect(d, pcmSine(16000, 220, 260))
	if len(events) != 1 || events[0].Type != SpeechStart {
		t.Fatalf("expected speech start after sustained speech, got %+v", events)
	}
	if !d.Speaking() {
		t.Fatalf("detector should report speaking")
	}
}

func TestDetector_DiscardsShortSegments(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSegment = time.Second
	d, err := NewDetector(cfg)
	if err != nil {
		t.Fatal(err)
	}
	events := collect(d, pcmSine(16000, 220, 400), pcmSilence(16000, 1000))
	if len(events) != 2 || events[1].Type != SegmentDiscarded {
		t.Fatalf("expected discard, got %+v", events)
	}
}

func TestDetector_MaxSegmentForcesEnd(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSegment = 500 * time.Millisecond
	d, err := NewDetector(cfg)
	if err != nil {
		t.Fatal(err)
	}
	events := collect(d, pcmSine(16000, 220, 700))
	var ends int
	for _, ev := range events {
		if ev.Type == SpeechEnd {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("expected one forced end, got %+v", events)
	}
}

func TestDetector_OddChunkSizes(t *testing.T) {
	d := newTestDetector(t)
	speech := append(pcmSine(16000, 220, 600), pcmSilence(16000, 900)...)
	var events []Event
	for off := 0; off < len(speech); off += 333 {
		end := off + 333
		if end > len(speech) {
			end = len(speech)
		}
		events = append(events, d.Feed(speech[off:end])...)
	}
	if len(events) != 2 || events[1].Type != SpeechEnd {
		t.Fatalf("expected one segment from odd chunks, got %+v", events)
	}
}

func TestConfig_Validate(t *testing.T) {
	bad := DefaultConfig()
	bad.Threshold = 1.5
	if bad.Validate() == nil {
		t.Fatalf("expected threshold error")
	}
	bad = DefaultConfig()
	bad.SampleRate = 44101
	if bad.Validate() == nil {
		t.Fatalf("expected sample rate error")
	}
}
