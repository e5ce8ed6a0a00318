package vision

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/companion/internal/apperr"
	"github.com/chadiek/companion/internal/snapshot"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

type fakeService struct {
	reply string
	err   error
	delay time.Duration
	calls int
	last  Prompt
}

func (f *fakeService) Describe(ctx context.Context, p Prompt) (string, error) {
	f.calls++
	f.last = p
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func TestPipeline_Scenario(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewMemoryStore()
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc := &fakeService{reply: "cucumber\n"}
	p := NewPipeline(svc, store, WithClock(func() time.Time { return t1 }))

	rec, err := store.Read(ctx)
	require.NoError(t, err)
	assert.False(t, rec.Present())

	res, err := p.Analyze(ctx, Image{Data: pngHeader, Filename: "a.png"})
	require.NoError(t, err)
	assert.Equal(t, "cucumber", res.Description)
	assert.Equal(t, t1, res.Timestamp)

	age, ok, err := snapshot.Age(ctx, store, t1.Add(2*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2.0, age.Seconds())

	svc.err = errors.New("service unavailable")
	_, err = p.Analyze(ctx, Image{Data: pngHeader})
	assert.ErrorIs(t, err, apperr.ErrExternalService)

	rec, err = store.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cucumber", rec.Description)
	assert.Equal(t, t1, rec.CapturedAt)
}

func TestPipeline_TimeoutDoesNotWrite(t *testing.T) {
	store := snapshot.NewMemoryStore()
	svc := &fakeService{reply: "apple", delay: time.Second}
	p := NewPipeline(svc, store, WithTimeout(20*time.Millisecond))

	_, err := p.Analyze(context.Background(), Image{Data: pngHeader})
	assert.ErrorIs(t, err, apperr.ErrExternalService)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, svc.calls, "no retry after a timeout")

	rec, _ := store.Read(context.Background())
	assert.False(t, rec.Present())
}

func TestPipeline_EmptyDescriptionIsFailure(t *testing.T) {
	store := snapshot.NewMemoryStore()
	p := NewPipeline(&fakeService{reply: "   "}, store)

	_, err := p.Analyze(context.Background(), Image{Data: pngHeader})
	assert.ErrorIs(t, err, apperr.ErrExternalService)
	rec, _ := store.Read(context.Background())
	assert.False(t, rec.Present())
}

func TestPipeline_EmptyImageIsClientError(t *testing.T) {
	svc := &fakeService{reply: "apple"}
	p := NewPipeline(svc, snapshot.NewMemoryStore())

	_, err := p.Analyze(context.Background(), Image{})
	assert.ErrorIs(t, err, apperr.ErrClientInput)
	assert.Zero(t, svc.calls)
}

func TestPipeline_PromptCarriesFixedInstructions(t *testing.T) {
	svc := &fakeService{reply: "apple"}
	p := NewPipeline(svc, snapshot.NewMemoryStore(), WithSampling(Sampling{Temperature: 0.2, TopP: 0.5, MaxTokens: 16}))

	_, err := p.Analyze(context.Background(), Image{Data: pngHeader, Filename: "frame.jpg"})
	require.NoError(t, err)
	assert.Equal(t, SystemInstruction, svc.last.System)
	assert.Equal(t, UserInstruction, svc.last.User)
	assert.Equal(t, "image/jpeg", svc.last.MediaType)
	assert.Equal(t, 16, svc.last.Sampling.MaxTokens)
}

func TestMediaType(t *testing.T) {
	cases := []struct {
		name string
		img  Image
		want string
	}{
		{"declared", Image{MediaType: "image/webp", Data: pngHeader}, "image/webp"},
		{"extension", Image{Filename: "x.PNG", Data: []byte("zz")}, "image/png"},
		{"sniffed", Image{MediaType: "application/octet-stream", Data: pngHeader}, "image/png"},
		{"fallback", Image{Data: []byte{0x00, 0x01}}, "application/octet-stream"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, mediaType(tc.img))
		})
	}
}

func TestOpenAIService_Describe(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":0,"model":"gpt-4o",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"teddy bear"}}]}`))
	}))
	defer srv.Close()

	svc := NewOpenAIService("key", srv.URL+"/", "gpt-4o")
	out, err := svc.Describe(context.Background(), Prompt{
		System: SystemInstruction, User: UserInstruction,
		Image: pngHeader, MediaType: "image/png", Sampling: DefaultSampling(),
	})
	require.NoError(t, err)
	assert.Equal(t, "teddy bear", out)

	assert.Equal(t, "gpt-4o", body["model"])
	assert.InDelta(t, 0.7, body["temperature"], 1e-9)
	assert.InDelta(t, 0.95, body["top_p"], 1e-9)
	raw, _ := json.Marshal(body["messages"])
	assert.True(t, strings.Contains(string(raw), "data:image/png;base64,"))
}

func TestOpenAIService_ErrorIsNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	svc := NewOpenAIService("key", srv.URL+"/", "gpt-4o")
	_, err := svc.Describe(context.Background(), Prompt{Image: pngHeader, MediaType: "image/png"})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
