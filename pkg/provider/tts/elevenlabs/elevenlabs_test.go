package elevenlabs

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/hearth/pkg/audio"
	"github.com/MrWong99/hearth/pkg/provider/tts"
)

// fakeServer records every text frame and answers the flush with reply.
// When fail is set it answers the first fragment with an error frame.
type fakeServer struct {
	reply []byte
	fail  bool

	mu     sync.Mutex
	path   string
	query  url.Values
	frames []textFrame
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.path, f.query = r.URL.Path, r.URL.Query()
	f.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := r.Context()
	for {
		var frame textFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return
		}
		f.mu.Lock()
		f.frames = append(f.frames, frame)
		n := len(f.frames)
		f.mu.Unlock()

		switch {
		case f.fail && n == 2:
			_ = wsjson.Write(ctx, conn, audioFrame{Error: "quota_exceeded", Message: "out of characters"})
			return
		case frame.Flush:
			_ = wsjson.Write(ctx, conn, audioFrame{Audio: base64.StdEncoding.EncodeToString(f.reply)})
			_ = wsjson.Write(ctx, conn, audioFrame{IsFinal: true})
			return
		}
	}
}

func (f *fakeServer) recorded() (string, url.Values, []textFrame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.path, f.query, append([]textFrame(nil), f.frames...)
}

func startFake(t *testing.T, f *fakeServer, opts ...Option) *Provider {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	p, err := New("xi-key", append([]Option{WithEndpoint("ws" + strings.TrimPrefix(srv.URL, "http") + "/")}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		apiKey   string
		opts     []Option
		wantRate int
		wantErr  bool
	}{
		{name: "defaults", apiKey: "k", wantRate: 16000},
		{name: "24k", apiKey: "k", opts: []Option{WithOutputFormat("pcm_24000")}, wantRate: 24000},
		{name: "44.1k", apiKey: "k", opts: []Option{WithOutputFormat("pcm_44100")}, wantRate: 44100},
		{name: "mp3 rejected", apiKey: "k", opts: []Option{WithOutputFormat("mp3_44100_128")}, wantErr: true},
		{name: "rate not a number", apiKey: "k", opts: []Option{WithOutputFormat("pcm_fast")}, wantErr: true},
		{name: "zero rate", apiKey: "k", opts: []Option{WithOutputFormat("pcm_0")}, wantErr: true},
		{name: "no key", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tc.apiKey, tc.opts...)
			if tc.wantErr {
				if err == nil {
					t.Fatal("want error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if want := (audio.Format{SampleRate: tc.wantRate, Channels: 1}); p.Format() != want {
				t.Errorf("want format %v, got %v", want, p.Format())
			}
		})
	}
}

func TestWithVoiceSettings_ZeroKeepsDefault(t *testing.T) {
	t.Parallel()

	p, err := New("k", WithVoiceSettings(0.3, 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.stability != 0.3 || p.similarity != defaultSimilarity {
		t.Errorf("want stability 0.3 similarity %v, got %v %v", defaultSimilarity, p.stability, p.similarity)
	}
}

func TestSynthesizeStream_VoiceRequired(t *testing.T) {
	t.Parallel()

	p, _ := New("k")
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.VoiceProfile{}); !errors.Is(err, ErrVoiceRequired) {
		t.Fatalf("want ErrVoiceRequired, got %v", err)
	}
}

func TestSynthesizeStream(t *testing.T) {
	t.Parallel()

	f := &fakeServer{reply: []byte{1, 2, 3, 4}}
	p := startFake(t, f, WithModel("eleven_turbo_v2"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pcm, err := tts.Synthesize(ctx, p, "Hello.", tts.VoiceProfile{ID: "voice-1", SpeedFactor: 1.1})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(pcm) != 4 {
		t.Errorf("want 4 PCM bytes, got %d", len(pcm))
	}

	path, query, frames := f.recorded()
	if path != "/v1/text-to-speech/voice-1/stream-input" {
		t.Errorf("unexpected path %q", path)
	}
	if got := query.Get("model_id"); got != "eleven_turbo_v2" {
		t.Errorf("model_id: want eleven_turbo_v2, got %q", got)
	}
	if got := query.Get("output_format"); got != defaultOutputFormat {
		t.Errorf("output_format: want %s, got %q", defaultOutputFormat, got)
	}
	if len(frames) != 3 {
		t.Fatalf("want open, fragment and flush frames, got %d: %+v", len(frames), frames)
	}

	open := frames[0]
	if open.APIKey != "xi-key" || open.VoiceSettings == nil {
		t.Fatalf("open frame must carry key and settings, got %+v", open)
	}
	if open.VoiceSettings.Speed != 1.1 || open.VoiceSettings.Stability != defaultStability {
		t.Errorf("unexpected voice settings %+v", *open.VoiceSettings)
	}
	if frames[1].Text != "Hello. " || frames[1].APIKey != "" {
		t.Errorf("want bare fragment %q, got %+v", "Hello. ", frames[1])
	}
	if frames[2].Text != "" || !frames[2].Flush {
		t.Errorf("want empty flush frame, got %+v", frames[2])
	}
}

func TestSynthesizeStream_ServerError(t *testing.T) {
	t.Parallel()

	p := startFake(t, &fakeServer{fail: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := tts.Synthesize(ctx, p, "Hello.", tts.VoiceProfile{ID: "voice-1"}); !errors.Is(err, tts.ErrNoAudio) {
		t.Fatalf("want ErrNoAudio, got %v", err)
	}
}

func TestSynthesizeStream_Cancel(t *testing.T) {
	t.Parallel()

	p := startFake(t, &fakeServer{reply: []byte{1, 2}})
	ctx, cancel := context.WithCancel(context.Background())
	text := make(chan string)

	out, err := p.SynthesizeStream(ctx, text, tts.VoiceProfile{ID: "voice-1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("want no audio after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("audio channel not closed after cancel")
	}
}
