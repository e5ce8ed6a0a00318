package agent

import (
	"context"

	"github.com/chadiek/companion/internal/capability"
	"github.com/chadiek/companion/internal/vad"
)

// Transcriber turns one finalized voice segment into text. An empty string
// with a nil error means nothing intelligible was said.
type Transcriber interface {
	Transcribe(ctx context.Context, seg vad.Segment, languageHint string) (string, error)
}

// Reasoner produces the next assistant move for the conversation so far.
type Reasoner interface {
	Respond(ctx context.Context, history []Turn, tools []capability.Definition) (Reply, error)
}

// Reply is either final text or a single capability request.
type Reply struct {
	Text string
	Call *capability.Request
}

// TTS streams 48kHz PCM mono audio for the given text. Cancelling ctx
// stops the stream.
type TTS interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// PCM48kSink consumes 48kHz PCM bytes and performs delivery (e.g., Opus encode to WebRTC).
// Implementations should buffer internally and pace delivery.
type PCM48kSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops any queued frames immediately (used for barge-in).
	Reset()
}

type nopSink struct{}

func (nopSink) WritePCM(_ []byte) {}
func (nopSink) FlushTail()        {}
func (nopSink) Reset()            {}
