package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chadiek/companion/internal/capability"
)

// Role is who produced a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleContext marks a capability result injected between a user turn
	// and the assistant reply.
	RoleContext Role = "context"
)

// InterruptedMarker ends an assistant turn the child talked over.
const InterruptedMarker = "[interrupted]"

// Turn is one entry in the conversation.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
	// Call is the request a context turn answers.
	Call *capability.Request `json:"call,omitempty"`
	// Failed marks a context turn that carries an error instead of a result.
	Failed bool `json:"failed,omitempty"`
}

var (
	ErrSystemTurn  = errors.New("history: system turn only allowed first")
	ErrAlternation = errors.New("history: user and assistant turns must alternate")
	ErrOrphanCall  = errors.New("history: context turn must follow a user turn")
)

// History is the append-only conversation log of one session. The session
// goroutine appends; anyone may read a copy.
type History struct {
	mu    sync.RWMutex
	turns []Turn
	// last user or assistant role, "" before the first one
	lastSpoken Role
}

// NewHistory starts a history with the system prompt, if any.
func NewHistory(systemPrompt string, at time.Time) *History {
	h := &History{}
	if systemPrompt != "" {
		h.turns = append(h.turns, Turn{Role: RoleSystem, Text: systemPrompt, At: at})
	}
	return h
}

// Append adds t, enforcing turn order.
func (h *History) Append(t Turn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch t.Role {
	case RoleSystem:
		return ErrSystemTurn
	case RoleContext:
		if h.lastSpoken != RoleUser {
			return ErrOrphanCall
		}
	case RoleUser, RoleAssistant:
		if h.lastSpoken == t.Role {
			return fmt.Errorf("%w: two %s turns in a row", ErrAlternation, t.Role)
		}
		h.lastSpoken = t.Role
	default:
		return fmt.Errorf("history: unknown role %q", t.Role)
	}
	h.turns = append(h.turns, t)
	return nil
}

// Turns returns a copy of the log.
func (h *History) Turns() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Last returns the newest turn.
func (h *History) Last() (Turn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.turns) == 0 {
		return Turn{}, false
	}
	return h.turns[len(h.turns)-1], true
}
