package rtc

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/chadiek/companion/internal/agent"
)

// pcmEvent is a text frame sent alongside the audio on the PCM websocket.
type pcmEvent struct {
	Type  string      `json:"type"`
	From  string      `json:"from,omitempty"`
	To    string      `json:"to,omitempty"`
	Turn  *agent.Turn `json:"turn,omitempty"`
	Error string      `json:"error,omitempty"`
}

// binarySamples sends each paced frame as one binary websocket message.
type binarySamples struct{ conn *wsConn }

func (b binarySamples) WriteSample(s media.Sample) error { return b.conn.writeBinary(s.Data) }

// ServePCM runs a session over a websocket that carries raw audio: binary
// frames from the device are 16kHz mono PCM16LE, binary frames to the device
// are 48kHz mono PCM16LE in 20ms frames. Text frames carry control messages
// ("stop", "bye") in and state and turn events out.
func (h *Handler) ServePCM(w http.ResponseWriter, r *http.Request) {
	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade error", "err", err)
		return
	}
	conn := &wsConn{Conn: raw}
	defer func() { _ = conn.Close() }()

	if !h.authorize(r, conn) {
		return
	}
	log := h.log.With("transport", "pcm-ws")

	paced := NewPCMPacedWriter(binarySamples{conn: conn})
	defer paced.Close()

	sess, err := h.newSession(paced,
		agent.OnStateChange(func(from, to agent.State) {
			_ = conn.writeJSON(pcmEvent{Type: "state", From: from.String(), To: to.String()})
		}),
		agent.OnTurn(func(t agent.Turn) {
			_ = conn.writeJSON(pcmEvent{Type: "turn", Turn: &t})
		}),
	)
	if err != nil {
		log.Error("session setup failed", "err", err)
		conn.writeError(err)
		return
	}
	sess.Start(r.Context())
	sess.Connect()
	log.Info("session started", "session", sess.ID())

	go func() {
		<-sess.Done()
		paced.FlushTail()
		// unblock the read loop once the tail has played
		time.AfterFunc(400*time.Millisecond, func() { _ = conn.Close() })
	}()

	readPCM(conn, sess)
	sess.Close()
	<-sess.Done()
}

// readPCM feeds device audio to the session until the socket closes or the
// device says bye.
func readPCM(conn *wsConn, sess *agent.Session) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			sess.FeedPCM16KLE(data)
		case websocket.TextMessage:
			var m pcmEvent
			if json.Unmarshal(data, &m) != nil {
				m.Type = string(data)
			}
			switch strings.TrimSpace(strings.ToLower(m.Type)) {
			case "stop", "stop-speaking", "barge-in":
				sess.BargeIn()
			case "bye":
				return
			}
		}
	}
}
