package rtc

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
)

type fakeTrack struct {
	mu      sync.Mutex
	writes  int32
	samples []media.Sample
}

func (f *fakeTrack) WriteSample(s media.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	f.mu.Lock()
	f.samples = append(f.samples, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeTrack) snapshot() []media.Sample {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]media.Sample(nil), f.samples...)
}

func idleWriter(out sampleWriter) *PacedWriter {
	return &PacedWriter{
		encode:       func(frame []int16) []byte { return []byte{byte(len(frame) >> 8), byte(len(frame))} },
		out:          out,
		frameSamples: frameSamples48k,
		frames:       make(chan []byte, 64),
		stopCh:       make(chan struct{}),
	}
}

func TestPacedWriter_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := idleWriter(ft)
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01, 0x02})
	}

	time.Sleep(100 * time.Millisecond)
	close(w.stopCh)
	<-done

	if atomic.LoadInt32(&ft.writes) == 0 {
		t.Fatalf("expected pacer to write at least one frame")
	}
	for _, s := range ft.snapshot() {
		if s.Duration != frameDuration {
			t.Fatalf("sample duration %v, want %v", s.Duration, frameDuration)
		}
	}
}

func TestPacedWriter_ResetDrains(t *testing.T) {
	w := idleWriter(&fakeTrack{})
	w.pcmBuf = []int16{1, 2, 3}
	w.frames <- []byte{0x01}
	w.frames <- []byte{0x02}
	w.Reset()
	select {
	case <-w.frames:
		t.Fatalf("expected frames channel to be drained")
	default:
	}
	if len(w.pcmBuf) != 0 {
		t.Fatalf("expected pcmBuf to be reset, got len=%d", len(w.pcmBuf))
	}
}

func TestPacedWriter_CutsWholeFrames(t *testing.T) {
	w := idleWriter(&fakeTrack{})
	// 1.5 frames
	w.WritePCM(make([]byte, frameSamples48k*3))
	if got := len(w.frames); got != 1 {
		t.Fatalf("queued %d frames, want 1", got)
	}
	if got := len(w.pcmBuf); got != frameSamples48k/2 {
		t.Fatalf("buffered %d samples, want %d", got, frameSamples48k/2)
	}

	w.FlushTail()
	// padded remainder plus 10 silence frames
	if got := len(w.frames); got != 12 {
		t.Fatalf("queued %d frames after flush, want 12", got)
	}
	if len(w.pcmBuf) != 0 {
		t.Fatalf("flush left %d samples", len(w.pcmBuf))
	}
}

func TestPCMPacedWriter_EmitsLittleEndianFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := NewPCMPacedWriter(ft)
	defer w.Close()

	pcm := make([]byte, frameSamples48k*2)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(1234))
	binary.LittleEndian.PutUint16(pcm[len(pcm)-2:], uint16(0xfffe))
	w.WritePCM(pcm)

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&ft.writes) == 0 {
		select {
		case <-deadline:
			t.Fatalf("no frame written")
		case <-time.After(5 * time.Millisecond):
		}
	}
	got := ft.snapshot()[0].Data
	if len(got) != len(pcm) {
		t.Fatalf("frame has %d bytes, want %d", len(got), len(pcm))
	}
	if binary.LittleEndian.Uint16(got) != 1234 || binary.LittleEndian.Uint16(got[len(got)-2:]) != 0xfffe {
		t.Fatalf("frame bytes changed in transit")
	}
}

func TestPacedWriter_CloseIsIdempotent(t *testing.T) {
	w := NewPCMPacedWriter(&fakeTrack{})
	w.Close()
	w.Close()
	// pushFrame must not block once stopped
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			w.pushFrame([]byte{1})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("pushFrame blocked after Close")
	}
}
