package agent

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chadiek/companion/internal/apperr"
)

// chunkReply splits an assistant reply into sentence-like chunks so that
// only chunks whose audio was fully emitted count as spoken.
// Splits on ASCII and CJK sentence punctuation and newlines, keeping the
// punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	flush := func() {
		if chunk := strings.TrimSpace(b.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?', '。', '！', '？':
			b.WriteRune(r)
			flush()
		case '\n', '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return chunks
}

// joinChunks rejoins spoken chunks, spacing only after ASCII text.
func joinChunks(chunks []string) string {
	var b strings.Builder
	for i, c := range chunks {
		if i > 0 {
			last, _ := utf8.DecodeLastRuneInString(chunks[i-1])
			if last < utf8.RuneSelf {
				b.WriteByte(' ')
			}
		}
		b.WriteString(c)
	}
	return b.String()
}

// interruptedText is what history records for an utterance cut short.
func interruptedText(spoken string) string {
	if spoken = strings.TrimSpace(spoken); spoken == "" {
		return InterruptedMarker
	}
	return spoken + " " + InterruptedMarker
}

type speechKind int

const (
	speechReply speechKind = iota
	speechGreeting
	speechApology
	speechFallback
)

// speech is one assistant utterance in flight. Writes to the sink happen
// under mu so that once stop returns no further audio reaches the sink.
type speech struct {
	id            uint64
	kind          speechKind
	text          string
	chunks        []string
	interruptible bool
	cancel        context.CancelFunc

	mu      sync.Mutex
	stopped bool
	spoken  int
}

func newSpeech(id uint64, kind speechKind, text string, interruptible bool, cancel context.CancelFunc) *speech {
	return &speech{
		id:            id,
		kind:          kind,
		text:          strings.TrimSpace(text),
		chunks:        chunkReply(text),
		interruptible: interruptible,
		cancel:        cancel,
	}
}

// stop halts the utterance. After it returns the speech never writes again.
func (sp *speech) stop() {
	sp.mu.Lock()
	sp.stopped = true
	sp.mu.Unlock()
	sp.cancel()
}

func (sp *speech) isStopped() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.stopped
}

func (sp *speech) write(sink PCM48kSink, pcm []byte) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.stopped {
		return false
	}
	sink.WritePCM(pcm)
	return true
}

func (sp *speech) markSpoken() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.stopped {
		return false
	}
	sp.spoken++
	return true
}

func (sp *speech) flush(sink PCM48kSink) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if !sp.stopped {
		sink.FlushTail()
	}
}

// spokenText is the text of every chunk whose audio was fully emitted.
func (sp *speech) spokenText() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return joinChunks(sp.chunks[:sp.spoken])
}

// run streams every chunk through tts into sink. Each chunk gets its own
// timeout. A synthesis error abandons the remaining chunks.
func (sp *speech) run(ctx context.Context, tts TTS, sink PCM48kSink, timeout time.Duration) error {
	defer sp.cancel()
	for _, chunk := range sp.chunks {
		if sp.isStopped() {
			return nil
		}
		cctx, cancel := context.WithCancel(ctx)
		if timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := sp.streamChunk(cctx, tts, sink, chunk)
		cancel()
		if err != nil {
			if sp.isStopped() {
				return nil
			}
			return apperr.New(apperr.KindSynthesis, "tts.stream", err)
		}
		if !sp.markSpoken() {
			return nil
		}
	}
	sp.flush(sink)
	return nil
}

func (sp *speech) streamChunk(ctx context.Context, tts TTS, sink PCM48kSink, chunk string) error {
	pcmCh, errCh := tts.StreamPCM48k(ctx, chunk)
	var streamErr error
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				pcmCh = nil
				continue
			}
			if len(b) > 0 && !sp.write(sink, b) {
				return nil
			}
		case e, ok := <-errCh:
			if !ok {
				openErr = false
				errCh = nil
				continue
			}
			if e != nil && streamErr == nil {
				streamErr = e
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return streamErr
}
