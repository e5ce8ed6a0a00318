package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	ICEServersJSON string
	Persona        string
	PersonaFile    string

	// Reasoning and speech-to-text share an OpenAI-compatible account unless
	// Azure is configured. Azure needs a separate whisper deployment for
	// speech-to-text; without one transcription stays on OpenAI.
	OpenAIKey          string
	OpenAIBaseURL      string
	ReasoningModel     string
	STTModel           string
	AzureEndpoint      string
	AzureAPIVersion    string
	AzureDeployment    string
	AzureSTTDeployment string

	TTSProvider       string // elevenlabs | deepgram
	ElevenLabsKey     string
	ElevenLabsVoiceID string
	DeepgramKey       string
	DeepgramModel     string

	VisionBackend     string // openai | gemini
	VisionModel       string // empty picks the backend default
	GeminiKey         string
	VisionTemperature float64
	VisionTopP        float64
	VisionMaxTokens   int

	ReasoningTimeout time.Duration
	SynthesisTimeout time.Duration
	VisionTimeout    time.Duration

	VADThreshold   float64
	VADStartWindow time.Duration
	VADHangover    time.Duration

	MaxCapabilityRounds   int
	SnapshotMaxAge        time.Duration
	GreetingInterruptible bool

	RedisURL string

	ArchiveBackend string // supabase | sqlite | none
	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string
	SQLitePath     string

	AnalyzeRatePerSec float64

	// AuthToken, when set, guards the websocket endpoints.
	AuthToken string
	LogLevel  string // debug | info | warn | error
}

var (
	ttsProviders   = []string{"elevenlabs", "deepgram"}
	visionBackends = []string{"openai", "gemini"}
	archives       = []string{"supabase", "sqlite", "none"}
	logLevels      = []string{"debug", "info", "warn", "error"}
)

// Load reads the .env file and environment, then applies command line
// flags on top. args excludes the program name.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config: no .env file loaded", "err", err)
	}

	cfg := Config{
		HTTPAddress:    getenv("HTTP_ADDRESS", ":8080"),
		ICEServersJSON: getenv("ICE_SERVERS_JSON", `[{"urls":["stun:stun.l.google.com:19302"]}]`),
		AuthToken:      os.Getenv("AUTH_TOKEN"),
		Persona:        getenv("PERSONA", "zh"),
		PersonaFile:    os.Getenv("PERSONA_FILE"),

		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:      os.Getenv("OPENAI_BASE_URL"),
		ReasoningModel:     getenv("REASONING_MODEL", "gpt-4o-mini"),
		STTModel:           getenv("STT_MODEL", "whisper-1"),
		AzureEndpoint:      os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AzureAPIVersion:    getenv("AZURE_OPENAI_API_VERSION", "2024-06-01"),
		AzureDeployment:    os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
		AzureSTTDeployment: os.Getenv("AZURE_OPENAI_STT_DEPLOYMENT"),

		TTSProvider:       getenv("TTS_PROVIDER", "elevenlabs"),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		DeepgramKey:       os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:     getenv("DEEPGRAM_MODEL", "aura-2-thalia-en"),

		VisionBackend:     getenv("VISION_BACKEND", "openai"),
		VisionModel:       os.Getenv("VISION_MODEL"),
		GeminiKey:         os.Getenv("GEMINI_API_KEY"),
		VisionTemperature: getenvFloat("VISION_TEMPERATURE", 0.7),
		VisionTopP:        getenvFloat("VISION_TOP_P", 0.95),
		VisionMaxTokens:   getenvInt("VISION_MAX_TOKENS", 800),

		ReasoningTimeout: getenvDuration("REASONING_TIMEOUT", 20*time.Second),
		SynthesisTimeout: getenvDuration("SYNTHESIS_TIMEOUT", 15*time.Second),
		VisionTimeout:    getenvDuration("VISION_TIMEOUT", 30*time.Second),

		VADThreshold:   getenvFloat("VAD_THRESHOLD", 0.5),
		VADStartWindow: getenvDuration("VAD_START_WINDOW", 200*time.Millisecond),
		VADHangover:    getenvDuration("VAD_HANGOVER", 700*time.Millisecond),

		MaxCapabilityRounds:   getenvInt("MAX_CAPABILITY_ROUNDS", 1),
		SnapshotMaxAge:        getenvDuration("SNAPSHOT_MAX_AGE", 0),
		GreetingInterruptible: getenvBool("GREETING_INTERRUPTIBLE", true),

		RedisURL: os.Getenv("REDIS_URL"),

		ArchiveBackend: getenv("ARCHIVE_BACKEND", "none"),
		SupabaseURL:    os.Getenv("SUPABASE_URL"),
		SupabaseKey:    os.Getenv("SUPABASE_KEY"),
		SupabaseBucket: getenv("SUPABASE_BUCKET", "transcripts"),
		SQLitePath:     getenv("SQLITE_PATH", "companion.db"),

		AnalyzeRatePerSec: getenvFloat("ANALYZE_RATE_PER_SEC", 2),
		LogLevel:          getenv("LOG_LEVEL", "info"),
	}

	fs := pflag.NewFlagSet("companion", pflag.ContinueOnError)
	fs.StringVarP(&cfg.LogLevel, "log", "l", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.HTTPAddress, "addr", cfg.HTTPAddress, "HTTP listen address")
	fs.StringVar(&cfg.Persona, "persona", cfg.Persona, "persona name (zh, en)")
	fs.StringVar(&cfg.PersonaFile, "persona-file", cfg.PersonaFile, "YAML persona catalogue replacing the built-in one")
	fs.StringVar(&cfg.TTSProvider, "tts", cfg.TTSProvider, "TTS provider (elevenlabs, deepgram)")
	fs.StringVar(&cfg.VisionBackend, "vision", cfg.VisionBackend, "vision backend (openai, gemini)")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "share the snapshot slot through Redis")
	fs.StringVar(&cfg.ArchiveBackend, "archive", cfg.ArchiveBackend, "transcript archive (supabase, sqlite, none)")
	fs.IntVar(&cfg.MaxCapabilityRounds, "max-capability-rounds", cfg.MaxCapabilityRounds, "capability requests allowed per user turn")
	fs.DurationVar(&cfg.SnapshotMaxAge, "snapshot-max-age", cfg.SnapshotMaxAge, "treat older snapshots as unavailable (0 disables)")
	fs.Float64Var(&cfg.VADThreshold, "vad-threshold", cfg.VADThreshold, "voice activation threshold 0..1")
	fs.BoolVar(&cfg.GreetingInterruptible, "greeting-interruptible", cfg.GreetingInterruptible, "allow the child to talk over the greeting")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.warnMissing()
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	if !oneOf(c.TTSProvider, ttsProviders) {
		errs = append(errs, fmt.Errorf("tts provider %q not one of %s", c.TTSProvider, strings.Join(ttsProviders, ", ")))
	}
	if !oneOf(c.VisionBackend, visionBackends) {
		errs = append(errs, fmt.Errorf("vision backend %q not one of %s", c.VisionBackend, strings.Join(visionBackends, ", ")))
	}
	if !oneOf(c.ArchiveBackend, archives) {
		errs = append(errs, fmt.Errorf("archive %q not one of %s", c.ArchiveBackend, strings.Join(archives, ", ")))
	}
	if !oneOf(c.LogLevel, logLevels) {
		errs = append(errs, fmt.Errorf("log level %q not one of %s", c.LogLevel, strings.Join(logLevels, ", ")))
	}
	if c.MaxCapabilityRounds < 0 {
		errs = append(errs, errors.New("max capability rounds must be >= 0"))
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		errs = append(errs, errors.New("vad threshold must be between 0 and 1"))
	}
	if c.ReasoningTimeout <= 0 || c.SynthesisTimeout <= 0 || c.VisionTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.SnapshotMaxAge < 0 {
		errs = append(errs, errors.New("snapshot max age must be >= 0"))
	}
	if c.AnalyzeRatePerSec < 0 {
		errs = append(errs, errors.New("analyze rate must be >= 0"))
	}
	return errors.Join(errs...)
}

// UseAzure reports whether reasoning goes through an Azure deployment.
func (c Config) UseAzure() bool { return c.AzureEndpoint != "" && c.AzureDeployment != "" }

// UseAzureSTT reports whether transcription goes through an Azure whisper
// deployment.
func (c Config) UseAzureSTT() bool { return c.AzureEndpoint != "" && c.AzureSTTDeployment != "" }

func (c Config) warnMissing() {
	if c.OpenAIKey == "" {
		slog.Warn("config: OPENAI_API_KEY not set - reasoning and transcription will not work")
	}
	if c.UseAzure() && !c.UseAzureSTT() {
		slog.Warn("config: AZURE_OPENAI_STT_DEPLOYMENT not set - transcription uses OpenAI whisper")
	}
	switch c.TTSProvider {
	case "elevenlabs":
		if c.ElevenLabsKey == "" || c.ElevenLabsVoiceID == "" {
			slog.Warn("config: ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - TTS will not work")
		}
	case "deepgram":
		if c.DeepgramKey == "" {
			slog.Warn("config: DEEPGRAM_API_KEY not set - TTS will not work")
		}
	}
	if c.VisionBackend == "gemini" && c.GeminiKey == "" {
		slog.Warn("config: GEMINI_API_KEY not set - /analyze will fail")
	}
	if c.ArchiveBackend == "supabase" && (c.SupabaseURL == "" || c.SupabaseKey == "") {
		slog.Warn("config: SUPABASE_URL or SUPABASE_KEY not set - transcripts will not be archived")
	}
	if c.AuthToken == "" {
		slog.Warn("config: AUTH_TOKEN not set - websocket endpoints are open")
	}
	slog.Info("config loaded", "addr", c.HTTPAddress, "persona", c.Persona, "tts", c.TTSProvider, "vision", c.VisionBackend, "archive", c.ArchiveBackend, "redis", c.RedisURL != "")
}

func oneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("config: ignoring invalid integer", "key", key, "value", v)
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("config: ignoring invalid number", "key", key, "value", v)
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		slog.Warn("config: ignoring invalid bool", "key", key, "value", v)
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("config: ignoring invalid duration", "key", key, "value", v)
	}
	return def
}
