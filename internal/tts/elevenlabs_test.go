package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func drain(t *testing.T, pcmCh <-chan []byte, errCh <-chan error) ([]byte, error) {
	t.Helper()
	var out []byte
	var err error
	timeout := time.After(2 * time.Second)
	for pcmCh != nil || errCh != nil {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				pcmCh = nil
				continue
			}
			if len(b)%2 != 0 {
				t.Fatalf("chunk of %d bytes splits a sample", len(b))
			}
			out = append(out, b...)
		case e, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			err = e
		case <-timeout:
			t.Fatalf("stream did not finish")
		}
	}
	return out, err
}

func TestElevenLabs_StreamsWholeSamples(t *testing.T) {
	var gotText, gotKey, gotFormat string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("xi-api-key")
		gotFormat = r.URL.Query().Get("output_format")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotText, _ = body["text"].(string)
		fl := w.(http.Flusher)
		_, _ = w.Write([]byte{1, 2, 3})
		fl.Flush()
		_, _ = w.Write([]byte{4, 5, 6, 7})
		fl.Flush()
		_, _ = w.Write([]byte{8})
	}))
	defer srv.Close()

	c := NewElevenLabsClient("key", "voice")
	c.BaseURL = srv.URL
	pcm, err := drain(t, c.StreamPCM48k(context.Background(), "你好"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pcm) != 8 || pcm[0] != 1 || pcm[7] != 8 {
		t.Fatalf("unexpected pcm %v", pcm)
	}
	if gotText != "你好" || gotKey != "key" || gotFormat != "pcm_48000" {
		t.Fatalf("request not as expected: text=%q key=%q format=%q", gotText, gotKey, gotFormat)
	}
}

func TestElevenLabs_Failures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"bad key"}`))
	}))
	defer srv.Close()

	c := NewElevenLabsClient("key", "voice")
	c.BaseURL = srv.URL
	if _, err := drain(t, c.StreamPCM48k(context.Background(), "hi")); err == nil {
		t.Fatalf("expected status error")
	}

	missing := NewElevenLabsClient("", "")
	if _, err := drain(t, missing.StreamPCM48k(context.Background(), "hi")); err == nil {
		t.Fatalf("expected error with missing key")
	}
}

func TestElevenLabs_CancelIsNotAnError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{1, 0})
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewElevenLabsClient("key", "voice")
	c.BaseURL = srv.URL
	ctx, cancel := context.WithCancel(context.Background())
	pcmCh, errCh := c.StreamPCM48k(ctx, "long story")
	<-pcmCh
	cancel()
	if _, err := drain(t, pcmCh, errCh); err != nil {
		t.Fatalf("cancel should end the stream quietly, got %v", err)
	}
}
