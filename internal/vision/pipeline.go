// Package vision turns a camera frame into a short subject label and
// publishes it to the snapshot store.
package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/chadiek/companion/internal/apperr"
	"github.com/chadiek/companion/internal/metrics"
	"github.com/chadiek/companion/internal/snapshot"
)

const (
	// SystemInstruction keeps the answer to the subject's name.
	SystemInstruction = "You are an assistant that helps blind people identify the main subject of a picture. Reply with the name of the most important subject only, with no explanation and no prefix."
	// UserInstruction accompanies the image.
	UserInstruction = "Name the main subject of this image."

	defaultMediaType = "application/octet-stream"
	defaultTimeout   = 30 * time.Second
)

// Sampling holds the fixed request constants of the multimodal call.
type Sampling struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// DefaultSampling mirrors the values the device has always used.
func DefaultSampling() Sampling {
	return Sampling{Temperature: 0.7, TopP: 0.95, MaxTokens: 800}
}

// Prompt is one single-turn multimodal request.
type Prompt struct {
	System    string
	User      string
	Image     []byte
	MediaType string
	Sampling  Sampling
}

// MultimodalService answers a prompt with one text completion.
type MultimodalService interface {
	Describe(ctx context.Context, p Prompt) (string, error)
}

// Image is an uploaded frame. MediaType may be empty; it is then guessed
// from the filename and finally from the bytes.
type Image struct {
	Data      []byte
	Filename  string
	MediaType string
}

// Result is what Analyze returns to the caller.
type Result struct {
	Description string
	Timestamp   time.Time
}

// Pipeline runs one analysis per call. It never retries and never writes
// to the store unless the service answered.
type Pipeline struct {
	service  MultimodalService
	store    snapshot.Store
	sampling Sampling
	timeout  time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithSampling(s Sampling) Option { return func(p *Pipeline) { p.sampling = s } }

// WithTimeout bounds the external call. A timeout is a failure.
func WithTimeout(d time.Duration) Option { return func(p *Pipeline) { p.timeout = d } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.log = l } }

// NewPipeline wires a service to a store.
func NewPipeline(service MultimodalService, store snapshot.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		service:  service,
		store:    store,
		sampling: DefaultSampling(),
		timeout:  defaultTimeout,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Analyze describes img and, on success only, writes the description to
// the store before returning it.
func (p *Pipeline) Analyze(ctx context.Context, img Image) (Result, error) {
	if len(img.Data) == 0 {
		return Result{}, apperr.New(apperr.KindClientInput, "analyze", errors.New("empty image"))
	}

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	desc, err := p.service.Describe(callCtx, Prompt{
		System:    SystemInstruction,
		User:      UserInstruction,
		Image:     img.Data,
		MediaType: mediaType(img),
		Sampling:  p.sampling,
	})
	if err == nil {
		desc = strings.TrimSpace(desc)
		if desc == "" {
			err = errors.New("empty description")
		}
	}
	metrics.RecordAnalyze(time.Since(start).Seconds(), err)
	if err != nil {
		p.log.Error("image analysis failed", "bytes", len(img.Data), "err", err)
		return Result{}, apperr.New(apperr.KindExternalService, "describe", err)
	}

	ts := p.now()
	if err := p.store.Write(ctx, desc, ts); err != nil {
		return Result{}, fmt.Errorf("publish snapshot: %w", err)
	}
	p.log.Info("snapshot updated", "description", desc)
	return Result{Description: desc, Timestamp: ts}, nil
}

func mediaType(img Image) string {
	if img.MediaType != "" && img.MediaType != defaultMediaType {
		return img.MediaType
	}
	if ext := filepath.Ext(img.Filename); ext != "" {
		if mt := mime.TypeByExtension(strings.ToLower(ext)); mt != "" {
			return mt
		}
	}
	if mt := http.DetectContentType(img.Data); strings.HasPrefix(mt, "image/") {
		return mt
	}
	return defaultMediaType
}
