package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/companion/internal/apperr"
	"github.com/chadiek/companion/internal/vad"
)

func pcmRamp(n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(i*10)))
	}
	return out
}

func TestEncodeWAV_RoundTrips(t *testing.T) {
	pcm := pcmRamp(1600)
	data, err := EncodeWAV(pcm, 16000)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data[:4]))

	dec := wav.NewDecoder(bytes.NewReader(data))
	require.True(t, dec.IsValidFile())
	pb, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 16000, pb.Format.SampleRate)
	require.Len(t, pb.Data, 1600)
	assert.Equal(t, 10, pb.Data[1])
}

func TestEncodeWAV_RejectsBadRate(t *testing.T) {
	_, err := EncodeWAV(pcmRamp(10), 0)
	assert.Error(t, err)
}

func TestTranscribe_PostsWAVWithLanguage(t *testing.T) {
	var gotLang, gotModel string
	var gotFile []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotLang = r.FormValue("language")
		gotModel = r.FormValue("model")
		f, _, err := r.FormFile("file")
		if err == nil {
			gotFile, _ = io.ReadAll(f)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"  这是什么？ "}`))
	}))
	defer srv.Close()

	tr := NewWhisperTranscriber("test-key", srv.URL+"/", "whisper-1")
	text, err := tr.Transcribe(context.Background(), vad.Segment{PCM: pcmRamp(3200), SampleRate: 16000}, "zh")
	require.NoError(t, err)
	assert.Equal(t, "这是什么？", text)
	assert.Equal(t, "zh", gotLang)
	assert.Equal(t, "whisper-1", gotModel)
	assert.Equal(t, "RIFF", string(gotFile[:4]))
}

func TestTranscribe_ErrorIsTranscriptionFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewWhisperTranscriber("test-key", srv.URL+"/", "")
	_, err := tr.Transcribe(context.Background(), vad.Segment{PCM: pcmRamp(320), SampleRate: 16000}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTranscription))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTranscribe_EmptySegmentSkipsCall(t *testing.T) {
	tr := NewWhisperTranscriber("k", "http://127.0.0.1:1/", "")
	text, err := tr.Transcribe(context.Background(), vad.Segment{SampleRate: 16000}, "en")
	require.NoError(t, err)
	assert.Empty(t, text)
}
