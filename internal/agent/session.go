package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/companion/internal/apperr"
	"github.com/chadiek/companion/internal/capability"
	"github.com/chadiek/companion/internal/metrics"
	"github.com/chadiek/companion/internal/persona"
	"github.com/chadiek/companion/internal/vad"
)

// Config tunes one session.
type Config struct {
	Persona persona.Persona
	VAD     vad.Config

	// MaxCapabilityRounds bounds capability requests per user turn.
	MaxCapabilityRounds int

	TranscriptionTimeout time.Duration
	ReasoningTimeout     time.Duration
	// SynthesisTimeout applies to each spoken chunk.
	SynthesisTimeout time.Duration

	GreetingInterruptible bool
	// QuietWait is how long a ready reply waits for the child to stop
	// talking before it is spoken anyway. Zero speaks immediately.
	QuietWait time.Duration
}

// DefaultConfig returns the production timeouts for p.
func DefaultConfig(p persona.Persona) Config {
	return Config{
		Persona:               p,
		VAD:                   vad.DefaultConfig(),
		MaxCapabilityRounds:   1,
		TranscriptionTimeout:  15 * time.Second,
		ReasoningTimeout:      20 * time.Second,
		SynthesisTimeout:      15 * time.Second,
		GreetingInterruptible: true,
		QuietWait:             3 * time.Second,
	}
}

// Deps are the backends a session talks to.
type Deps struct {
	Transcriber  Transcriber
	Reasoner     Reasoner
	TTS          TTS
	Sink         PCM48kSink
	Capabilities *capability.Registry
}

// Option customises a Session.
type Option func(*Session)

// WithLogger sets the base logger; the session adds its id.
func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.log = l } }

// WithClock overrides time.Now for turn timestamps.
func WithClock(now func() time.Time) Option { return func(s *Session) { s.now = now } }

// OnStateChange is called from the session goroutine on every transition.
func OnStateChange(fn func(from, to State)) Option { return func(s *Session) { s.onState = fn } }

// OnTurn is called from the session goroutine after each appended turn.
func OnTurn(fn func(Turn)) Option { return func(s *Session) { s.onTurn = fn } }

// OnEnd is called once with the final history when the session ends.
func OnEnd(fn func(id string, turns []Turn)) Option { return func(s *Session) { s.onEnd = fn } }

// Session is the turn controller for one connected device. All state
// changes happen on a single goroutine that drains the event queue in
// arrival order.
type Session struct {
	id      string
	cfg     Config
	deps    Deps
	log     *slog.Logger
	now     func() time.Time
	history *History
	det     *vad.Detector

	onState func(from, to State)
	onTurn  func(Turn)
	onEnd   func(string, []Turn)

	state  atomic.Int32
	events chan any
	audio  chan []byte
	done   chan struct{}

	lifeMu  sync.Mutex
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc

	// owned by the loop goroutine
	speech       *speech
	speechSeq    uint64
	gen          uint64
	rounds       int
	transcribing bool
	userTalking  bool
	pending      string
	pendingKind  speechKind
	quietTimer   *time.Timer
}

// ErrNoSystemPrompt rejects a persona without a system prompt; every
// history must open with one.
var ErrNoSystemPrompt = errors.New("agent: persona system prompt is required")

// NewSession builds an idle session. Start must be called before use.
func NewSession(cfg Config, deps Deps, opts ...Option) (*Session, error) {
	if strings.TrimSpace(cfg.Persona.Prompt) == "" {
		return nil, ErrNoSystemPrompt
	}
	det, err := vad.NewDetector(cfg.VAD)
	if err != nil {
		return nil, err
	}
	if deps.Transcriber == nil || deps.Reasoner == nil || deps.TTS == nil {
		return nil, errors.New("agent: transcriber, reasoner and tts are required")
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if cfg.MaxCapabilityRounds < 0 {
		cfg.MaxCapabilityRounds = 0
	}
	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		deps:   deps,
		log:    slog.Default(),
		now:    time.Now,
		det:    det,
		events: make(chan any, 64),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("session", s.id)
	s.history = NewHistory(cfg.Persona.Prompt, s.now())
	return s, nil
}

// ID is the session's uuid.
func (s *Session) ID() string { return s.id }

// State reports the current state. Safe from any goroutine.
func (s *Session) State() State { return State(s.state.Load()) }

// History returns a copy of the conversation so far.
func (s *Session) History() []Turn { return s.history.Turns() }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// IsSpeaking reports whether assistant audio is being produced.
func (s *Session) IsSpeaking() bool { return s.State() == StateSpeaking }

// Start launches the session goroutines. The session ends when ctx is
// cancelled or Close is called. Start after Close does nothing.
func (s *Session) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	metrics.SessionStarted()
	s.log.Info("session started", "persona", s.cfg.Persona.Name)
	go s.audioLoop()
	go s.run()
}

// Connect reports that the device joined; the greeting follows.
func (s *Session) Connect() { s.post(connectEvent{}) }

// BargeIn stops the assistant as if the child had started talking.
func (s *Session) BargeIn() { s.post(stopEvent{}) }

// FeedPCM16KLE queues mono 16kHz PCM16LE microphone audio. It never blocks;
// audio is dropped when the queue is full.
func (s *Session) FeedPCM16KLE(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	select {
	case s.audio <- pcm:
	case <-s.done:
	default:
		s.log.Warn("audio queue full, dropping packet", "bytes", len(pcm))
	}
}

// Close ends the session and waits for it to wind down. Closing a session
// that was never started ends it in place; Done is closed either way.
func (s *Session) Close() {
	s.lifeMu.Lock()
	if s.closed {
		s.lifeMu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	if !s.started {
		s.setState(StateEnded)
		close(s.done)
		s.lifeMu.Unlock()
		return
	}
	cancel := s.cancel
	s.lifeMu.Unlock()
	cancel()
	<-s.done
}

func (s *Session) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) audioLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case pcm := <-s.audio:
			for _, ev := range s.det.Feed(pcm) {
				s.post(ev)
			}
		}
	}
}

func (s *Session) run() {
	defer s.finish()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

func (s *Session) finish() {
	if s.speech != nil {
		s.speech.stop()
		s.deps.Sink.Reset()
		s.speech = nil
	}
	if s.quietTimer != nil {
		s.quietTimer.Stop()
	}
	s.setState(StateEnded)
	metrics.SessionEnded()
	turns := s.history.Turns()
	for _, t := range turns {
		if t.Role == RoleSystem {
			continue
		}
		s.log.Info("transcript", "role", t.Role, "text", t.Text)
	}
	if s.onEnd != nil {
		s.onEnd(s.id, turns)
	}
	close(s.done)
	s.log.Info("session ended", "turns", len(turns))
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case connectEvent:
		s.onConnect()
	case vad.Event:
		s.onVoice(ev)
	case stopEvent:
		if s.State() == StateSpeaking {
			s.interrupt("stop requested")
		}
	case transcribedEvent:
		s.onTranscribed(ev)
	case reasonedEvent:
		s.onReasoned(ev)
	case quietDeadlineEvent:
		if ev.gen == s.gen {
			s.releasePending()
		}
	case spokenEvent:
		s.onSpoken(ev)
	}
}

func (s *Session) onConnect() {
	if s.State() != StateIdle {
		return
	}
	s.setState(StateListening)
	greeting := strings.TrimSpace(s.cfg.Persona.Greeting)
	if greeting == "" {
		return
	}
	s.speak(greeting, speechGreeting)
}

func (s *Session) onVoice(ev vad.Event) {
	switch ev.Type {
	case vad.SpeechStart:
		s.userTalking = true
		if s.State() == StateSpeaking && s.speech != nil && s.speech.interruptible {
			s.interrupt("voice")
		}
	case vad.SegmentDiscarded:
		s.userTalking = false
		s.releasePending()
	case vad.SpeechEnd:
		s.userTalking = false
		s.releasePending()
		if ev.Segment == nil {
			return
		}
		if s.State() != StateListening || s.transcribing {
			s.log.Debug("segment dropped", "state", s.State(), "transcribing", s.transcribing, "dur", ev.Segment.Duration())
			return
		}
		s.transcribe(*ev.Segment)
	}
}

func (s *Session) transcribe(seg vad.Segment) {
	s.transcribing = true
	lang := s.cfg.Persona.STTLanguage
	go func() {
		ctx, cancel := s.withTimeout(s.cfg.TranscriptionTimeout)
		defer cancel()
		text, err := s.deps.Transcriber.Transcribe(ctx, seg, lang)
		s.post(transcribedEvent{text: text, err: err})
	}()
}

func (s *Session) onTranscribed(ev transcribedEvent) {
	s.transcribing = false
	if s.State() != StateListening {
		return
	}
	if ev.err != nil {
		s.log.Warn("transcription failed", "err", ev.err)
		metrics.RecordTurnFailure(apperr.KindTranscription.String())
		return
	}
	text := strings.TrimSpace(ev.text)
	if text == "" {
		return
	}
	s.log.Info("heard", "text", text)
	if !s.appendTurn(Turn{Role: RoleUser, Text: text}) {
		return
	}
	s.rounds = 0
	s.setState(StateThinking)
	s.reason()
}

func (s *Session) reason() {
	s.gen++
	gen := s.gen
	turns := s.history.Turns()
	tools := s.deps.Capabilities.Definitions()
	go func() {
		ctx, cancel := s.withTimeout(s.cfg.ReasoningTimeout)
		defer cancel()
		reply, err := s.deps.Reasoner.Respond(ctx, turns, tools)
		s.post(reasonedEvent{gen: gen, reply: reply, err: err})
	}()
}

func (s *Session) onReasoned(ev reasonedEvent) {
	if s.State() != StateThinking || ev.gen != s.gen {
		return
	}
	if ev.err != nil || (ev.reply.Call == nil && strings.TrimSpace(ev.reply.Text) == "") {
		err := ev.err
		if err == nil {
			err = errors.New("empty reply")
		}
		s.log.Warn("reasoning failed", "err", err)
		metrics.RecordTurnFailure(apperr.KindReasoning.String())
		s.respond(s.cfg.Persona.Apology, speechApology)
		return
	}
	if call := ev.reply.Call; call != nil {
		if s.rounds >= s.cfg.MaxCapabilityRounds {
			s.log.Warn("capability round limit reached", "name", call.Name, "rounds", s.rounds)
			s.respond(s.cfg.Persona.Fallback, speechFallback)
			return
		}
		s.rounds++
		s.resolve(*call)
		s.reason()
		return
	}
	s.respond(ev.reply.Text, speechReply)
}

// resolve runs a capability synchronously and records its outcome as a
// context turn.
func (s *Session) resolve(call capability.Request) {
	ctx, cancel := s.withTimeout(s.cfg.ReasoningTimeout)
	out, err := s.deps.Capabilities.Resolve(ctx, call)
	cancel()
	turn := Turn{Role: RoleContext, Text: out, Call: &call}
	if err != nil {
		s.log.Info("capability unavailable", "name", call.Name, "err", err)
		turn.Text = err.Error()
		turn.Failed = true
	}
	s.appendTurn(turn)
}

func (s *Session) respond(text string, kind speechKind) {
	if s.userTalking && s.cfg.QuietWait > 0 {
		s.pending = text
		s.pendingKind = kind
		gen := s.gen
		s.quietTimer = time.AfterFunc(s.cfg.QuietWait, func() { s.post(quietDeadlineEvent{gen: gen}) })
		return
	}
	s.speak(text, kind)
}

func (s *Session) releasePending() {
	if s.pending == "" || s.State() != StateThinking {
		return
	}
	if s.quietTimer != nil {
		s.quietTimer.Stop()
		s.quietTimer = nil
	}
	text, kind := s.pending, s.pendingKind
	s.pending = ""
	s.speak(text, kind)
}

func (s *Session) speak(text string, kind speechKind) {
	s.speechSeq++
	ctx, cancel := context.WithCancel(s.ctx)
	interruptible := kind != speechGreeting || s.cfg.GreetingInterruptible
	sp := newSpeech(s.speechSeq, kind, text, interruptible, cancel)
	s.speech = sp
	s.setState(StateSpeaking)
	go func() {
		err := sp.run(ctx, s.deps.TTS, s.deps.Sink, s.cfg.SynthesisTimeout)
		s.post(spokenEvent{id: sp.id, err: err})
	}()
}

func (s *Session) onSpoken(ev spokenEvent) {
	sp := s.speech
	if sp == nil || sp.id != ev.id {
		return
	}
	if ev.err != nil {
		s.log.Warn("synthesis failed", "err", ev.err)
		metrics.RecordTurnFailure(apperr.KindSynthesis.String())
	}
	s.speech = nil
	s.appendTurn(Turn{Role: RoleAssistant, Text: sp.text})
	s.setState(StateListening)
}

// interrupt stops playback before anything else so no further audio
// reaches the sink, then records only what was actually heard.
func (s *Session) interrupt(reason string) {
	sp := s.speech
	if sp == nil {
		return
	}
	sp.stop()
	s.deps.Sink.Reset()
	s.speech = nil
	metrics.RecordInterruption()
	spoken := sp.spokenText()
	s.log.Info("interrupted", "reason", reason, "spoken", spoken)
	s.appendTurn(Turn{Role: RoleAssistant, Text: interruptedText(spoken)})
	s.setState(StateListening)
}

func (s *Session) appendTurn(t Turn) bool {
	if t.At.IsZero() {
		t.At = s.now()
	}
	if err := s.history.Append(t); err != nil {
		s.log.Error("history append rejected", "role", t.Role, "err", err)
		return false
	}
	if s.onTurn != nil {
		s.onTurn(t)
	}
	return true
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	metrics.RecordTransition(from.String(), to.String())
	s.log.Debug("state", "from", from, "to", to)
	if s.onState != nil {
		s.onState(from, to)
	}
}

func (s *Session) withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(s.ctx)
	}
	return context.WithTimeout(s.ctx, d)
}
