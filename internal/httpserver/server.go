// Package httpserver exposes the vision endpoints, the voice transports and
// the operational routes over HTTP.
package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chadiek/companion/internal/apperr"
	"github.com/chadiek/companion/internal/metrics"
	"github.com/chadiek/companion/internal/rtc"
	"github.com/chadiek/companion/internal/snapshot"
	"github.com/chadiek/companion/internal/vision"
)

// DefaultMaxUpload bounds one uploaded frame.
const DefaultMaxUpload = 10 << 20

// Analyzer describes an uploaded frame and publishes the result.
type Analyzer interface {
	Analyze(ctx context.Context, img vision.Image) (vision.Result, error)
}

// Deps are what the routes serve. Voice and Metrics may be nil; their
// routes are then not mounted.
type Deps struct {
	Analyzer  Analyzer
	Snapshots snapshot.Store
	Voice     *rtc.Handler
	Metrics   http.Handler

	// AnalyzeRatePerSec limits /analyze per client address. Zero disables.
	AnalyzeRatePerSec float64
	MaxUploadBytes    int64
	Log               *slog.Logger
	Now               func() time.Time
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router *echo.Echo
	deps   Deps
}

type errorBody struct {
	Error string `json:"error"`
}

type analyzeResponse struct {
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

type latestResponse struct {
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	AgeSeconds  float64   `json:"age_seconds"`
}

// New constructs the HTTP server with routes.
func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = DefaultMaxUpload
	}
	s := &Server{Router: newEcho(d.Log), deps: d}
	e := s.Router

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}

	e.POST("/analyze", s.analyze, rateLimit(d.AnalyzeRatePerSec))
	e.GET("/latest", s.latest)

	if d.Voice != nil {
		// browser demos post offers cross-origin
		e.POST("/call", s.call, middleware.CORS())
		e.OPTIONS("/call", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, middleware.CORS())
		e.GET("/ws", echo.WrapHandler(http.HandlerFunc(d.Voice.ServePCM)))
		e.GET("/rtc/ws", echo.WrapHandler(http.HandlerFunc(d.Voice.ServeSignaling)))
	}
	return s
}

// ServeHTTP makes the server usable as an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.Router.ServeHTTP(w, r) }

func (s *Server) analyze(c echo.Context) error {
	log := s.deps.Log
	log.Info("analyze request received", "bytes", c.Request().ContentLength)

	fh, err := c.FormFile("image")
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "no image file received"})
	}
	if fh.Filename == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "empty file name"})
	}
	f, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "unreadable upload"})
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.deps.MaxUploadBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "unreadable upload"})
	}
	if int64(len(data)) > s.deps.MaxUploadBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, errorBody{Error: "image too large"})
	}

	res, err := s.deps.Analyzer.Analyze(c.Request().Context(), vision.Image{
		Data:      data,
		Filename:  fh.Filename,
		MediaType: fh.Header.Get("Content-Type"),
	})
	if err != nil {
		if errors.Is(err, apperr.ErrClientInput) {
			return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		}
		return c.JSON(http.StatusBadGateway, errorBody{Error: "analysis failed: " + err.Error()})
	}
	return c.JSON(http.StatusOK, analyzeResponse{Description: res.Description, Timestamp: res.Timestamp})
}

func (s *Server) latest(c echo.Context) error {
	rec, err := s.deps.Snapshots.Read(c.Request().Context())
	if err != nil {
		s.deps.Log.Error("snapshot read failed", "err", err)
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "snapshot store unavailable"})
	}
	age, ok := rec.Age(s.deps.Now())
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody{Error: "no analysis result available"})
	}
	metrics.ObserveSnapshotAge(age.Seconds())
	return c.JSON(http.StatusOK, latestResponse{
		Description: rec.Description,
		Timestamp:   rec.CapturedAt,
		AgeSeconds:  age.Seconds(),
	})
}

func (s *Server) call(c echo.Context) error {
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		s.deps.Log.Warn("invalid offer", "err", err)
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid offer"})
	}
	answer, err := s.deps.Voice.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		s.deps.Log.Error("webrtc handle offer failed", "err", err)
		if offer.Type != "offer" || offer.SDP == "" {
			return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "could not start call"})
	}
	return c.JSON(http.StatusOK, answer)
}
