// Package archive keeps finished conversations after the device hangs up.
package archive

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/chadiek/companion/internal/agent"
)

// Transcript is one finished session.
type Transcript struct {
	SessionID string       `json:"session_id"`
	Persona   string       `json:"persona"`
	EndedAt   time.Time    `json:"ended_at"`
	Turns     []agent.Turn `json:"turns"`
}

// Archiver stores transcripts.
type Archiver interface {
	Save(ctx context.Context, t Transcript) error
}

// Hook returns an agent.OnEnd callback that archives each finished session
// in the background. A nil archiver returns a hook that does nothing.
func Hook(a Archiver, persona string, timeout time.Duration, log *slog.Logger) func(id string, turns []agent.Turn) {
	if log == nil {
		log = slog.Default()
	}
	return func(id string, turns []agent.Turn) {
		if a == nil || len(turns) == 0 {
			return
		}
		t := Transcript{SessionID: id, Persona: persona, EndedAt: time.Now().UTC(), Turns: turns}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := a.Save(ctx, t); err != nil {
				log.Error("archive transcript failed", "session", id, "err", err)
				return
			}
			log.Info("transcript archived", "session", id, "turns", len(turns))
		}()
	}
}

func encode(t Transcript) ([]byte, error) { return json.MarshalIndent(t, "", "  ") }
