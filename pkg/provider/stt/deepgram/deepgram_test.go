package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/hearth/pkg/provider/stt"
)

func TestListenURL(t *testing.T) {
	t.Parallel()

	boosts := []stt.KeywordBoost{{Keyword: "Hearth", Boost: 2}, {Keyword: "Ana", Boost: 1.5}}
	tests := []struct {
		name  string
		opts  []Option
		cfg   stt.StreamConfig
		want  map[string]string
		multi map[string][]string
	}{
		{
			name: "defaults",
			cfg:  stt.StreamConfig{SampleRate: 16000, Channels: 1},
			want: map[string]string{
				"model": "nova-3", "language": "en", "interim_results": "true", "endpointing": "false",
				"sample_rate": "16000", "channels": "1", "encoding": "linear16", "smart_format": "",
			},
		},
		{
			name: "provider options",
			opts: []Option{WithModel("nova-2"), WithLanguage("de-DE"), WithSampleRate(48000), WithEndpointing(300 * time.Millisecond), WithSmartFormat(true)},
			want: map[string]string{"model": "nova-2", "language": "de-DE", "sample_rate": "48000", "endpointing": "300", "smart_format": "true"},
		},
		{
			name: "stream language wins",
			opts: []Option{WithLanguage("en")},
			cfg:  stt.StreamConfig{Language: "fr-FR"},
			want: map[string]string{"language": "fr-FR"},
		},
		{
			name:  "nova-3 key terms",
			cfg:   stt.StreamConfig{Keywords: boosts},
			multi: map[string][]string{"keyterm": {"Hearth", "Ana"}, "keywords": nil},
		},
		{
			name:  "weighted keywords",
			opts:  []Option{WithModel("nova-2")},
			cfg:   stt.StreamConfig{Keywords: boosts},
			multi: map[string][]string{"keywords": {"Hearth:2", "Ana:1.5"}, "keyterm": nil},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := New("key", tc.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			raw, err := p.listenURL(tc.cfg)
			if err != nil {
				t.Fatalf("listenURL: %v", err)
			}
			u, _ := url.Parse(raw)
			q := u.Query()
			for k, want := range tc.want {
				if got := q.Get(k); got != want {
					t.Errorf("%s: want %q, got %q", k, want, got)
				}
			}
			for k, want := range tc.multi {
				if got := q[k]; !slices.Equal(got, want) {
					t.Errorf("%s: want %v, got %v", k, want, got)
				}
			}
		})
	}
}

func TestListenURL_BadEndpoint(t *testing.T) {
	t.Parallel()

	p, _ := New("key", WithEndpoint("://nowhere"))
	if _, err := p.StartStream(context.Background(), stt.StreamConfig{}); err == nil {
		t.Fatal("want error for unparsable endpoint")
	}
}

func TestDecodeResult(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"type": "Results", "is_final": true, "start": 1.5, "duration": 0.75,
		"channel": {"alternatives": [{
			"transcript": "hello world", "confidence": 0.95,
			"words": [{"word": "hello", "start": 1.5, "end": 1.8, "confidence": 0.9}]
		}]}
	}`)
	tr, ok := decodeResult(raw)
	if !ok {
		t.Fatal("want ok for Results frame")
	}
	if !tr.IsFinal || tr.Text != "hello world" || tr.Confidence != 0.95 {
		t.Errorf("want final %q at 0.95, got %+v", "hello world", tr)
	}
	if tr.Start != 1500*time.Millisecond || tr.End != 2250*time.Millisecond {
		t.Errorf("want range 1.5s-2.25s, got %v-%v", tr.Start, tr.End)
	}
	if len(tr.Words) != 1 || tr.Words[0].End != 1800*time.Millisecond {
		t.Errorf("want one word ending at 1.8s, got %+v", tr.Words)
	}

	for _, bad := range []string{
		`{"type":"Metadata","request_id":"r1"}`,
		`{"type":"SpeechStarted","timestamp":0.5}`,
		`{"type":"Results","channel":{"alternatives":[]}}`,
		`{invalid`,
	} {
		if _, ok := decodeResult([]byte(bad)); ok {
			t.Errorf("want ok=false for %s", bad)
		}
	}
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("want error for empty api key")
	}
}

// fakeServer accepts one socket, records control frame types and sends
// replies.
type fakeServer struct {
	control chan string
	replies chan string
	drop    chan struct{}
}

func newFakeServer(t *testing.T) (*fakeServer, string) {
	t.Helper()
	fs := &fakeServer{
		control: make(chan string, 16),
		replies: make(chan string, 16),
		drop:    make(chan struct{}),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		go func() {
			for {
				select {
				case msg := <-fs.replies:
					_ = conn.Write(ctx, websocket.MessageText, []byte(msg))
				case <-fs.drop:
					conn.Close(websocket.StatusGoingAway, "bye")
					return
				case <-ctx.Done():
					return
				}
			}
		}()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var c control
			if typ == websocket.MessageText && json.Unmarshal(data, &c) == nil {
				fs.control <- c.Type
			}
		}
	}))
	t.Cleanup(srv.Close)
	return fs, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSession_ControlMessages(t *testing.T) {
	t.Parallel()

	fs, endpoint := newFakeServer(t)
	p, _ := New("key", WithEndpoint(endpoint))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	if err := h.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if err := h.KeepAlive(); err != nil {
		t.Fatalf("KeepAlive: %v", err)
	}
	for _, want := range []string{controlFinalize, controlKeepAlive} {
		select {
		case got := <-fs.control:
			if got != want {
				t.Errorf("want control %s, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("server never received %s", want)
		}
	}

	fs.replies <- `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hi"}]}}`
	select {
	case tr := <-h.Partials():
		if tr.Text != "hi" {
			t.Errorf("want partial %q, got %q", "hi", tr.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no partial delivered")
	}

	fs.replies <- `{"type":"Metadata","request_id":"r1"}`
	fs.replies <- `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hi there"}]}}`
	select {
	case tr := <-h.Finals():
		if tr.Text != "hi there" || !tr.IsFinal {
			t.Errorf("want final %q, got %+v", "hi there", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no final delivered")
	}
}

func TestSession_KeepAliveFailsAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	fs, endpoint := newFakeServer(t)
	p, _ := New("key", WithEndpoint(endpoint))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	close(fs.drop)
	// Finals closes once the read loop noticed the loss.
	select {
	case _, ok := <-h.Finals():
		if ok {
			t.Fatal("want finals closed after connection loss")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read loop never noticed the lost connection")
	}
	if err := h.KeepAlive(); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("want ErrSessionClosed, got %v", err)
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	_, endpoint := newFakeServer(t)
	p, _ := New("key", WithEndpoint(endpoint))
	h, err := p.StartStream(context.Background(), stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("want ErrSessionClosed after Close, got %v", err)
	}
}
