// Package rtc carries device audio between the network and a turn
// controller session: WebRTC (HTTP offer or websocket signaling) with Opus,
// or a plain websocket with raw PCM.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/chadiek/companion/internal/agent"
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// SessionFactory builds a turn controller whose audio goes to sink.
type SessionFactory func(sink agent.PCM48kSink, opts ...agent.Option) (*agent.Session, error)

// Handler manages peer connections and binds each to a new session.
type Handler struct {
	newSession SessionFactory
	iceServers []webrtc.ICEServer
	log        *slog.Logger
	// AuthToken, when set, is required by the websocket endpoints.
	AuthToken string
}

func NewHandler(factory SessionFactory, iceServersJSON string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{newSession: factory, iceServers: parseICEServers(iceServersJSON), log: log}
}

// HandleOffer accepts an SDP offer and returns an SDP answer once ICE
// gathering is complete.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errors.New("invalid offer")
	}
	pc, outTrack, err := h.newPeer()
	if err != nil {
		return SessionDescription{}, err
	}
	h.attachMedia(pc, outTrack, nil)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = pc.Close()
		return SessionDescription{}, errors.New("no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// newPeer prepares a PeerConnection with codecs, interceptors and the
// outgoing agent audio track.
func (h *Handler) newPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// attachMedia starts a session when the device's audio track arrives and
// ends it when the peer goes away. onClosed, if set, runs after that.
func (h *Handler) attachMedia(pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample, onClosed func()) {
	var sessPtr atomic.Pointer[agent.Session]
	log := h.log.With("transport", "webrtc")

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			if s := sessPtr.Load(); s != nil {
				s.Close()
			}
			_ = pc.Close()
			if onClosed != nil {
				onClosed()
			}
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug("ice state", "state", state.String())
	})

	// Control channel: the device can stop the assistant or hang up.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "control" {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			switch strings.TrimSpace(strings.ToLower(string(msg.Data))) {
			case "stop", "stop-speaking", "cancel", "barge-in":
				if s := sessPtr.Load(); s != nil {
					s.BargeIn()
				}
			case "bye":
				_ = pc.Close()
			}
		})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		if sessPtr.Load() != nil {
			return
		}
		log.Info("remote audio track received", "codec", remote.Codec().MimeType)

		paced, err := NewOpusPacedWriter(outTrack)
		if err != nil {
			log.Error("opus encoder error", "err", err)
			return
		}
		dec, err := newMicDecoder()
		if err != nil {
			log.Error("opus decoder error", "err", err)
			paced.Close()
			return
		}
		sess, err := h.newSession(paced)
		if err != nil {
			log.Error("session setup failed", "err", err)
			paced.Close()
			_ = pc.Close()
			return
		}
		sessPtr.Store(sess)
		sess.Start(context.Background())
		sess.Connect()

		go readMic(log, trackPayloads(remote), dec, sess.FeedPCM16KLE)
		go func() {
			<-sess.Done()
			paced.FlushTail()
			// let queued frames drain before stopping the pacer
			time.AfterFunc(400*time.Millisecond, paced.Close)
		}()
	})
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
