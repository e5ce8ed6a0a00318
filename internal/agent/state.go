package agent

// State is where a session is in the conversation.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// events drained by the session loop
type (
	connectEvent     struct{}
	stopEvent        struct{}
	transcribedEvent struct {
		text string
		err  error
	}
	reasonedEvent struct {
		gen   uint64
		reply Reply
		err   error
	}
	spokenEvent struct {
		id  uint64
		err error
	}
	quietDeadlineEvent struct{ gen uint64 }
)
