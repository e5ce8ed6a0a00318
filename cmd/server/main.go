package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/companion/internal/agent"
	"github.com/chadiek/companion/internal/archive"
	"github.com/chadiek/companion/internal/capability"
	"github.com/chadiek/companion/internal/config"
	"github.com/chadiek/companion/internal/httpserver"
	"github.com/chadiek/companion/internal/llm"
	"github.com/chadiek/companion/internal/metrics"
	"github.com/chadiek/companion/internal/persona"
	"github.com/chadiek/companion/internal/rtc"
	"github.com/chadiek/companion/internal/snapshot"
	"github.com/chadiek/companion/internal/stt"
	"github.com/chadiek/companion/internal/tts"
	"github.com/chadiek/companion/internal/vision"
)

var logLevelMap = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

const archiveTimeout = 30 * time.Second

func setLogger(level slog.Level) {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000000",
	})))
}

func main() {
	setLogger(slog.LevelInfo)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	setLogger(logLevelMap[cfg.LogLevel])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log := slog.Default()

	p, err := loadPersona(cfg)
	if err != nil {
		return err
	}

	var store snapshot.Store = snapshot.NewMemoryStore()
	if cfg.RedisURL != "" {
		rs, err := snapshot.NewRedisStoreFromURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rs.Close()
		store = rs
		log.Info("snapshot slot shared through redis")
	}

	env := capability.NewEnvironmentQuery(store)
	env.MaxAge = cfg.SnapshotMaxAge
	caps, err := capability.NewRegistry(env)
	if err != nil {
		return err
	}

	svc, err := newVisionService(ctx, cfg)
	if err != nil {
		return err
	}
	pipeline := vision.NewPipeline(svc, store,
		vision.WithSampling(vision.Sampling{
			Temperature: cfg.VisionTemperature,
			TopP:        cfg.VisionTopP,
			MaxTokens:   cfg.VisionMaxTokens,
		}),
		vision.WithTimeout(cfg.VisionTimeout),
		vision.WithLogger(log.With("component", "vision")),
	)

	arch, closeArchive, err := newArchiver(cfg)
	if err != nil {
		return err
	}
	defer closeArchive()

	scfg := agent.DefaultConfig(p)
	scfg.VAD.Threshold = cfg.VADThreshold
	scfg.VAD.StartWindow = cfg.VADStartWindow
	scfg.VAD.Hangover = cfg.VADHangover
	scfg.MaxCapabilityRounds = cfg.MaxCapabilityRounds
	scfg.ReasoningTimeout = cfg.ReasoningTimeout
	scfg.SynthesisTimeout = cfg.SynthesisTimeout
	scfg.GreetingInterruptible = cfg.GreetingInterruptible
	if err := scfg.VAD.Validate(); err != nil {
		return fmt.Errorf("vad: %w", err)
	}

	transcriber := newTranscriber(cfg)
	log.Info("transcription configured", "model", transcriber.Model(), "azure", cfg.UseAzureSTT())
	deps := agent.Deps{
		Transcriber:  transcriber,
		Reasoner:     newReasoner(cfg),
		TTS:          newTTS(cfg),
		Capabilities: caps,
	}
	onEnd := archive.Hook(arch, p.Name, archiveTimeout, log.With("component", "archive"))
	factory := func(sink agent.PCM48kSink, opts ...agent.Option) (*agent.Session, error) {
		d := deps
		d.Sink = sink
		base := []agent.Option{agent.WithLogger(log.With("component", "session")), agent.OnEnd(onEnd)}
		return agent.NewSession(scfg, d, append(base, opts...)...)
	}

	voice := rtc.NewHandler(factory, cfg.ICEServersJSON, log.With("component", "rtc"))
	voice.AuthToken = cfg.AuthToken

	srv := httpserver.New(httpserver.Deps{
		Analyzer:          pipeline,
		Snapshots:         store,
		Voice:             voice,
		Metrics:           metrics.Handler(metrics.NewRegistry()),
		AnalyzeRatePerSec: cfg.AnalyzeRatePerSec,
		Log:               log.With("component", "http"),
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", "addr", cfg.HTTPAddress, "persona", p.Name)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", "err", err)
			return server.Close()
		}
		return nil
	})
	return g.Wait()
}

func loadPersona(cfg config.Config) (persona.Persona, error) {
	var (
		cat persona.Catalog
		err error
	)
	if cfg.PersonaFile != "" {
		cat, err = persona.LoadFile(cfg.PersonaFile)
	} else {
		cat, err = persona.Builtin()
	}
	if err != nil {
		return persona.Persona{}, err
	}
	return cat.Get(cfg.Persona)
}

func newVisionService(ctx context.Context, cfg config.Config) (vision.MultimodalService, error) {
	switch cfg.VisionBackend {
	case "gemini":
		model := cfg.VisionModel
		if model == "" {
			model = "gemini-2.5-flash"
		}
		return vision.NewGeminiService(ctx, cfg.GeminiKey, model)
	default:
		if cfg.UseAzure() {
			return vision.NewAzureService(cfg.AzureEndpoint, cfg.AzureAPIVersion, cfg.OpenAIKey, cfg.AzureDeployment), nil
		}
		model := cfg.VisionModel
		if model == "" {
			model = "gpt-4o"
		}
		return vision.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIBaseURL, model), nil
	}
}

// newTranscriber sends speech to the Azure whisper deployment when one is
// configured. The Azure chat deployment never serves transcription.
func newTranscriber(cfg config.Config) *stt.WhisperTranscriber {
	if cfg.UseAzureSTT() {
		return stt.NewAzureWhisperTranscriber(cfg.AzureEndpoint, cfg.AzureAPIVersion, cfg.OpenAIKey, cfg.AzureSTTDeployment)
	}
	return stt.NewWhisperTranscriber(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.STTModel)
}

func newReasoner(cfg config.Config) agent.Reasoner {
	if cfg.UseAzure() {
		return llm.NewAzureReasoner(cfg.AzureEndpoint, cfg.AzureAPIVersion, cfg.OpenAIKey, cfg.AzureDeployment)
	}
	return llm.NewOpenAIReasoner(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.ReasoningModel)
}

func newTTS(cfg config.Config) agent.TTS {
	if cfg.TTSProvider == "deepgram" {
		return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel)
	}
	return tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
}

func newArchiver(cfg config.Config) (archive.Archiver, func(), error) {
	switch cfg.ArchiveBackend {
	case "supabase":
		a, err := archive.NewSupabaseArchiver(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket)
		if err != nil {
			return nil, nil, err
		}
		return a, func() {}, nil
	case "sqlite":
		a, err := archive.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return a, func() { _ = a.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}
