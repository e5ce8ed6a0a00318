package rtc

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	frameDuration = 20 * time.Millisecond
	// 20ms at 48kHz
	frameSamples48k = 960
)

// sampleWriter is the part of webrtc.TrackLocalStaticSample the pacer uses.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// frameEncoder turns one 20ms frame of samples into a packet.
type frameEncoder func(frame []int16) []byte

// PacedWriter buffers 48kHz PCM mono, cuts it into 20ms frames, encodes
// each frame and hands them to the output one per tick so playback runs in
// real time and Reset can drop what has not been played yet.
type PacedWriter struct {
	encode       frameEncoder
	out          sampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

func newPacedWriter(out sampleWriter, encode frameEncoder) *PacedWriter {
	w := &PacedWriter{
		encode:       encode,
		out:          out,
		frameSamples: frameSamples48k,
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w
}

// NewOpusPacedWriter encodes to Opus for a WebRTC track.
func NewOpusPacedWriter(track sampleWriter) (*PacedWriter, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	opusBuf := make([]byte, 4000)
	return newPacedWriter(track, func(frame []int16) []byte {
		n, err := enc.Encode(frame, opusBuf)
		if err != nil || n <= 0 {
			return nil
		}
		pkt := make([]byte, n)
		copy(pkt, opusBuf[:n])
		return pkt
	}), nil
}

// NewPCMPacedWriter emits raw PCM16LE frames, for transports that carry
// uncompressed audio.
func NewPCMPacedWriter(out sampleWriter) *PacedWriter {
	return newPacedWriter(out, func(frame []int16) []byte {
		pkt := make([]byte, len(frame)*2)
		for i, s := range frame {
			binary.LittleEndian.PutUint16(pkt[i*2:], uint16(s))
		}
		return pkt
	})
}

// WritePCM buffers PCM 48kHz mono data and queues encoded frames.
func (w *PacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	need := len(pcmBytes) / 2
	startLen := len(w.pcmBuf)
	if cap(w.pcmBuf)-startLen < need {
		tmp := make([]int16, startLen, startLen+need+2048)
		copy(tmp, w.pcmBuf)
		w.pcmBuf = tmp
	}
	w.pcmBuf = w.pcmBuf[:startLen+need]
	for i := 0; i < need; i++ {
		w.pcmBuf[startLen+i] = int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
	}

	for len(w.pcmBuf) >= w.frameSamples {
		if pkt := w.encode(w.pcmBuf[:w.frameSamples]); len(pkt) > 0 {
			w.pushFrame(pkt)
		}
		copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-w.frameSamples]
	}
}

// FlushTail pads the remaining PCM to a full frame and adds a short silence tail to avoid clipping.
func (w *PacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		if pkt := w.encode(pad); len(pkt) > 0 {
			w.pushFrame(pkt)
		}
		w.pcmBuf = w.pcmBuf[:0]
	}
	// ~200ms of silence
	silence := make([]int16, w.frameSamples)
	for i := 0; i < 10; i++ {
		if pkt := w.encode(silence); len(pkt) > 0 {
			w.pushFrame(pkt)
		}
	}
}

// Reset clears any queued frames to support immediate barge-in.
func (w *PacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}

// Close stops the pacer.
func (w *PacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *PacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.out.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *PacedWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}
