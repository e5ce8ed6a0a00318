package rtc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the signaling format on the websocket.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type string `json:"type"`
	// auth
	Token string `json:"token,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Error         string  `json:"error,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	// devices connect from native clients without an Origin header
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (c *wsConn) writeBinary(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.BinaryMessage, b)
}

func (c *wsConn) writeError(err error) {
	_ = c.writeJSON(signalMessage{Type: "error", Error: err.Error()})
}

// ServeSignaling upgrades to a websocket and performs offer/answer with
// trickle ICE. Expected sequence: auth (when required), offer, candidates.
func (h *Handler) ServeSignaling(w http.ResponseWriter, r *http.Request) {
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

	var offerSDP string
	for {
		mt, data, rerr := conn.ReadMessage()
		if rerr != nil {
			h.log.Debug("ws read error before offer", "err", rerr)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if strings.ToLower(m.Type) == "offer" && m.SDP != "" {
			offerSDP = m.SDP
			break
		}
		if strings.ToLower(m.Type) == "bye" {
			return
		}
	}

	pc, outTrack, err := h.newPeer()
	if err != nil {
		conn.writeError(err)
		return
	}
	defer func() { _ = pc.Close() }()

	closed := make(chan struct{})
	var closeOnce sync.Once
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.writeJSON(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.writeJSON(signalMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})
	h.attachMedia(pc, outTrack, func() { closeOnce.Do(func() { close(closed) }) })

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		conn.writeError(err)
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		conn.writeError(err)
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		conn.writeError(err)
		return
	}
	local := pc.LocalDescription()
	if local == nil {
		conn.writeError(errors.New("no local description"))
		return
	}
	if err := conn.writeJSON(signalMessage{Type: "answer", SDP: local.SDP}); err != nil {
		h.log.Warn("ws write answer error", "err", err)
		return
	}

	// Remote trickle candidates until bye or socket close.
	go func() {
		defer closeOnce.Do(func() { close(closed) })
		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			var m signalMessage
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				_ = pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex})
			case "bye":
				return
			}
		}
	}()
	<-closed
}

// authorize checks the token from the Authorization header, the token query
// parameter, or a first "auth" message.
func (h *Handler) authorize(r *http.Request, conn *wsConn) bool {
	if h.AuthToken == "" || checkAuthHeaderOrQuery(r, h.AuthToken) {
		return true
	}
	mt, data, err := conn.ReadMessage()
	if err != nil || mt != websocket.TextMessage {
		conn.writeError(errors.New("auth required"))
		return false
	}
	var m signalMessage
	if err := json.Unmarshal(data, &m); err != nil || strings.ToLower(m.Type) != "auth" || m.Token != h.AuthToken {
		conn.writeError(errors.New("unauthorized"))
		return false
	}
	return true
}

func checkAuthHeaderOrQuery(r *http.Request, token string) bool {
	if r == nil || token == "" {
		return false
	}
	if q := r.URL.Query().Get("token"); q != "" && q == token {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == token {
			return true
		}
	}
	return false
}
