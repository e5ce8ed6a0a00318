package rtc

import (
	"encoding/binary"
	"log/slog"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
)

// payloadReader returns the next RTP payload of the remote track.
type payloadReader func() ([]byte, error)

func trackPayloads(remote *webrtc.TrackRemote) payloadReader {
	return func() ([]byte, error) {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return nil, err
		}
		return pkt.Payload, nil
	}
}

// opusDecoder decodes one packet into samples and returns the count.
type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// pcm16kChunkBytes is 100ms of 16kHz mono PCM16.
const pcm16kChunkBytes = 3200

// readMic decodes the remote Opus track at 16kHz mono and hands PCM16LE to
// feed in 100ms chunks until the track ends.
func readMic(log *slog.Logger, next payloadReader, dec opusDecoder, feed func([]byte)) {
	pcm16kBuf := make([]byte, 0, pcm16kChunkBytes*4)
	samples := make([]int16, 1920)
	for {
		payload, err := next()
		if err != nil {
			log.Debug("rtp read ended", "err", err)
			return
		}
		if len(payload) == 0 {
			continue
		}
		n, err := dec.Decode(payload, samples)
		if err != nil {
			log.Debug("opus decode error", "err", err)
			continue
		}
		for i := 0; i < n; i++ {
			pcm16kBuf = binary.LittleEndian.AppendUint16(pcm16kBuf, uint16(samples[i]))
		}
		for len(pcm16kBuf) >= pcm16kChunkBytes {
			chunk := make([]byte, pcm16kChunkBytes)
			copy(chunk, pcm16kBuf[:pcm16kChunkBytes])
			feed(chunk)
			pcm16kBuf = append(pcm16kBuf[:0], pcm16kBuf[pcm16kChunkBytes:]...)
		}
	}
}

func newMicDecoder() (*opus.Decoder, error) { return opus.NewDecoder(16000, 1) }
