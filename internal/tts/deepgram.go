package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// speakConn is the part of the Deepgram speak websocket client a stream uses.
type speakConn interface {
	Connect() bool
	SpeakWithText(text string) error
	Flush() error
	Stop()
}

// speakDialer opens a speak socket whose frames are delivered to cb.
type speakDialer func(ctx context.Context, cb *speakCallback) (speakConn, error)

// DeepgramClient speaks over the Deepgram speak websocket. The socket has
// no end-of-audio marker, so a stream ends after IdleWindow without audio.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
	dial       speakDialer

	IdleWindow time.Duration
	// MaxDuration caps a single stream when ctx carries no deadline.
	MaxDuration time.Duration
}

func NewDeepgramClient(apiKey, model string) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	d := &DeepgramClient{
		apiKey:      apiKey,
		model:       model,
		sampleRate:  48000,
		encoding:    "linear16",
		IdleWindow:  400 * time.Millisecond,
		MaxDuration: 12 * time.Second,
	}
	d.dial = d.dialSDK
	return d
}

func (d *DeepgramClient) dialSDK(ctx context.Context, cb *speakCallback) (speakConn, error) {
	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   d.encoding,
		SampleRate: d.sampleRate,
	}
	return speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
}

// StreamPCM48k streams mono PCM16LE at 48kHz for text. A Deepgram error
// frame is reported on the error channel.
func (d *DeepgramClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: API key missing")
			return
		}
		if text == "" {
			return
		}

		var lastRecvUnix int64
		var seenAudio int32
		remoteErr := make(chan error, 1)

		cb := &speakCallback{onError: func(er *msginterfaces.ErrorResponse) {
			select {
			case remoteErr <- fmt.Errorf("deepgram: remote error %+v", *er):
			default:
			}
		}, onBinary: func(data []byte) error {
			if len(data) == 0 {
				return nil
			}
			atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
			atomic.StoreInt32(&seenAudio, 1)
			b := make([]byte, len(data))
			copy(b, data)
			select {
			case pcmCh <- b:
			default:
				slog.Warn("deepgram: audio buffer full, dropping chunk", "bytes", len(b))
			}
			return nil
		}}

		dg, err := d.dial(ctx, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}

		var stopped atomic.Bool
		stopClient := func() {
			if stopped.CompareAndSwap(false, true) {
				dg.Stop()
			}
		}
		defer stopClient()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("deepgram: connect failed")
			return
		}

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				stopClient()
			case <-done:
			}
		}()

		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			slog.Warn("deepgram: flush error", "err", err)
		}

		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(d.MaxDuration)
		if dl, ok := ctx.Deadline(); ok {
			deadline = dl
		}
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-remoteErr:
				errCh <- err
				return
			case <-ticker.C:
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
					if time.Since(last) > d.IdleWindow {
						return
					}
				}
				if time.Now().After(deadline) {
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct {
	onBinary func([]byte) error
	onError  func(*msginterfaces.ErrorResponse)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }

func (s *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	if s.onError != nil && er != nil {
		s.onError(er)
	}
	return nil
}

func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
