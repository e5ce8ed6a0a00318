// Package stt turns finalized voice segments into text with a batch
// transcription model.
package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/azure"
	"github.com/openai/openai-go/v3/option"

	"github.com/chadiek/companion/internal/apperr"
	"github.com/chadiek/companion/internal/vad"
)

// WhisperTranscriber posts each segment as a WAV file.
type WhisperTranscriber struct {
	client openai.Client
	model  string
}

// NewWhisperTranscriber targets the OpenAI API or a compatible base URL.
func NewWhisperTranscriber(apiKey, baseURL, model string, opts ...option.RequestOption) *WhisperTranscriber {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	reqOpts = append(reqOpts, opts...)
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &WhisperTranscriber{client: openai.NewClient(reqOpts...), model: model}
}

// NewAzureWhisperTranscriber targets an Azure whisper deployment.
func NewAzureWhisperTranscriber(endpoint, apiVersion, apiKey, deployment string) *WhisperTranscriber {
	client := openai.NewClient(
		azure.WithEndpoint(endpoint, apiVersion),
		azure.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	return &WhisperTranscriber{client: client, model: deployment}
}

// Model is the model or Azure deployment segments are sent to.
func (w *WhisperTranscriber) Model() string { return w.model }

// Transcribe returns the recognised text, possibly empty. languageHint is
// an ISO-639-1 code or "".
func (w *WhisperTranscriber) Transcribe(ctx context.Context, seg vad.Segment, languageHint string) (string, error) {
	if len(seg.PCM) < 2 {
		return "", nil
	}
	wavBytes, err := EncodeWAV(seg.PCM, seg.SampleRate)
	if err != nil {
		return "", apperr.New(apperr.KindTranscription, "stt.encode", err)
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wavBytes), "segment.wav", "audio/wav"),
		Model: openai.AudioModel(w.model),
	}
	if languageHint != "" {
		params.Language = openai.String(languageHint)
	}
	resp, err := w.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", apperr.New(apperr.KindTranscription, "stt.transcribe", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// EncodeWAV wraps PCM16LE mono samples in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	out := &seekBuffer{}
	enc := wav.NewEncoder(out, sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("wav write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("wav close: %w", err)
	}
	return out.buf, nil
}

// seekBuffer is an in-memory io.WriteSeeker; the encoder patches the RIFF
// header sizes on Close.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	end := s.pos + len(p)
	if end > len(s.buf) {
		s.buf = append(s.buf, make([]byte, end-len(s.buf))...)
	}
	copy(s.buf[s.pos:end], p)
	s.pos = end
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = s.pos
	case io.SeekEnd:
		base = len(s.buf)
	default:
		return 0, errors.New("seek: invalid whence")
	}
	next := base + int(offset)
	if next < 0 {
		return 0, errors.New("seek: negative position")
	}
	s.pos = next
	return int64(next), nil
}
