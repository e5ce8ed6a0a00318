package rtc

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
)

// fixedDecoder turns every packet into 320 samples (20ms at 16kHz) whose
// value is the first payload byte.
type fixedDecoder struct{ failOn byte }

func (d fixedDecoder) Decode(data []byte, pcm []int16) (int, error) {
	if d.failOn != 0 && data[0] == d.failOn {
		return 0, errors.New("corrupt packet")
	}
	for i := 0; i < 320; i++ {
		pcm[i] = int16(data[0])
	}
	return 320, nil
}

func payloads(pkts ...[]byte) payloadReader {
	i := 0
	return func() ([]byte, error) {
		if i >= len(pkts) {
			return nil, io.EOF
		}
		p := pkts[i]
		i++
		return p, nil
	}
}

func TestReadMic_ChunksDecodedAudio(t *testing.T) {
	var pkts [][]byte
	for i := 1; i <= 12; i++ {
		pkts = append(pkts, []byte{byte(i)})
	}
	// empty payloads and undecodable packets are skipped
	pkts = append(pkts, nil, []byte{0xee})

	var chunks [][]byte
	readMic(slog.New(slog.NewTextHandler(io.Discard, nil)), payloads(pkts...), fixedDecoder{failOn: 0xee}, func(b []byte) {
		chunks = append(chunks, b)
	})

	// 12 packets x 640 bytes = 7680 bytes, two whole 3200 byte chunks
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for _, c := range chunks {
		if len(c) != pcm16kChunkBytes {
			t.Fatalf("chunk has %d bytes", len(c))
		}
	}
	if v := binary.LittleEndian.Uint16(chunks[0]); v != 1 {
		t.Fatalf("first sample %d, want 1", v)
	}
	// second chunk starts at byte 3200, inside packet 6
	if v := binary.LittleEndian.Uint16(chunks[1]); v != 6 {
		t.Fatalf("second chunk first sample %d, want 6", v)
	}
}

func TestParseICEServers(t *testing.T) {
	got := parseICEServers(`[{"urls":["turn:turn.example.org:3478"],"username":"u","credential":"p"}]`)
	if len(got) != 1 || got[0].URLs[0] != "turn:turn.example.org:3478" || got[0].Username != "u" {
		t.Fatalf("unexpected servers %+v", got)
	}
	for _, in := range []string{"", "not json", "[]"} {
		def := parseICEServers(in)
		if len(def) != 1 || def[0].URLs[0] != "stun:stun.l.google.com:19302" {
			t.Fatalf("%q: expected default stun server, got %+v", in, def)
		}
	}
}

func TestCheckAuthHeaderOrQuery(t *testing.T) {
	cases := []struct {
		name   string
		target string
		header string
		want   bool
	}{
		{"query", "/ws?token=secret", "", true},
		{"bearer", "/ws", "Bearer secret", true},
		{"lowercase bearer", "/ws", "bearer secret", true},
		{"wrong query", "/ws?token=nope", "", false},
		{"wrong bearer", "/ws", "Bearer nope", false},
		{"missing", "/ws", "", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", tc.target, nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		if got := checkAuthHeaderOrQuery(r, "secret"); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
	if checkAuthHeaderOrQuery(httptest.NewRequest("GET", "/ws?token=", nil), "") {
		t.Errorf("empty token must never authorize")
	}
}
