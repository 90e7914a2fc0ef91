package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/hearth/internal/app"
	"github.com/MrWong99/hearth/internal/config"
	"github.com/MrWong99/hearth/internal/health"
	"github.com/MrWong99/hearth/internal/observe"
	audiomock "github.com/MrWong99/hearth/pkg/audio/mock"
	"github.com/MrWong99/hearth/pkg/memory"
	memorymock "github.com/MrWong99/hearth/pkg/memory/mock"
	"github.com/MrWong99/hearth/pkg/provider/llm"
	llmmock "github.com/MrWong99/hearth/pkg/provider/llm/mock"
	"github.com/MrWong99/hearth/pkg/provider/stt"
	sttmock "github.com/MrWong99/hearth/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/hearth/pkg/provider/tts/mock"
)

// testConfig returns a defaulted config with fast turn timings.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server:    config.ServerConfig{LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{LLM: config.ProviderEntry{Name: "mock"}, TTS: config.ProviderEntry{Name: "mock"}},
		Session:   config.SessionConfig{ChannelID: "voice-1"},
		Turn: config.TurnConfig{
			LLMDelay:    20 * time.Millisecond,
			TTSDelay:    40 * time.Millisecond,
			CommitDelay: 60 * time.Millisecond,
		},
		Assistant: config.AssistantConfig{SystemPrompt: "Be brief."},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

type fixture struct {
	cfg       *config.Config
	providers *app.Providers
	llm       *llmmock.Provider
	sess      *sttmock.Session
	stt       *sttmock.Provider
	platform  *audiomock.Platform
	store     *memorymock.SessionStore
}

func newFixture() *fixture {
	f := &fixture{
		cfg:      testConfig(),
		llm:      &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "It is noon."}},
		sess:     sttmock.NewSession(),
		platform: &audiomock.Platform{ConnectResult: &audiomock.Connection{}},
		store:    &memorymock.SessionStore{},
	}
	f.stt = &sttmock.Provider{Sessions: []stt.SessionHandle{f.sess}}
	f.providers = &app.Providers{
		LLM:   f.llm,
		STT:   f.stt,
		TTS:   &ttsmock.Provider{SynthesizeChunks: [][]byte{make([]byte, 64)}},
		Audio: f.platform,
	}
	return f
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func (f *fixture) newApp(t *testing.T, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{
		app.WithSessionStore(f.store),
		app.WithMetrics(testMetrics(t)),
		app.WithLogger(slog.New(slog.DiscardHandler)),
	}, opts...)
	a, err := app.New(context.Background(), f.cfg, f.providers, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

// run starts a on a loopback listener and returns its address.
func (f *fixture) run(t *testing.T) (*app.App, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	a := f.newApp(t, app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-runErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := a.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})

	addr := ln.Addr().String()
	waitFor(t, "readiness", func() bool {
		resp, err := http.Get("http://" + addr + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	return a, addr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), &app.Providers{LLM: &llmmock.Provider{}})
	if err == nil {
		t.Fatal("expected error for missing providers, got nil")
	}
	for _, want := range []string{"stt", "tts", "audio"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestNew_SeedsHistoryFromLog(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.cfg.Memory.RecentWindow = time.Hour
	f.store.GetRecentResult = []memory.TranscriptEntry{
		{Role: memory.RoleUser, Text: "my name is Ada"},
		{Role: memory.RoleAssistant, Text: "Nice to meet you, Ada."},
	}
	f.run(t)

	f.sess.FinalsCh <- stt.Transcript{Text: "what is my name", IsFinal: true}
	waitFor(t, "llm call", func() bool { return len(f.llm.Calls()) > 0 })

	msgs := f.llm.Calls()[0].Req.Messages
	if len(msgs) != 3 {
		t.Fatalf("want 3 messages (2 seeded + 1 new), got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Content != "my name is Ada" || msgs[1].Role != llm.RoleAssistant {
		t.Errorf("seeded history not first: %+v", msgs)
	}
	if msgs[2].Content != "what is my name" {
		t.Errorf("want new utterance last, got %q", msgs[2].Content)
	}
	if got := f.store.CallCount("GetRecent"); got != 1 {
		t.Errorf("want 1 GetRecent call, got %d", got)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

func TestRun_TurnReachesUIAndLog(t *testing.T) {
	t.Parallel()
	f := newFixture()
	_, addr := f.run(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+f.cfg.UI.Path, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	f.sess.FinalsCh <- stt.Transcript{Text: "what time is it", IsFinal: true}

	seen := map[string]string{}
	for seen["ai_response"] == "" {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v (seen %v)", err, seen)
		}
		var ev map[string]any
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Unmarshal %s: %v", data, err)
		}
		typ, _ := ev["type"].(string)
		text, _ := ev["text"].(string)
		seen[typ] = text
	}
	if seen["user_message"] != "what time is it" {
		t.Errorf("want user_message %q, got %q", "what time is it", seen["user_message"])
	}
	if seen["ai_response"] != "It is noon." {
		t.Errorf("want ai_response %q, got %q", "It is noon.", seen["ai_response"])
	}

	waitFor(t, "log entries", func() bool { return len(f.store.Entries()) == 2 })
	entries := f.store.Entries()
	if entries[0].Role != memory.RoleUser || entries[1].Role != memory.RoleAssistant {
		t.Errorf("want user then assistant entries, got %+v", entries)
	}
}

func TestRun_ColdStartFailure(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.platform.ConnectError = errors.New("no such channel")
	a := f.newApp(t)

	err := a.Run(context.Background())
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "no such channel") {
		t.Errorf("error should carry the cause, got %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestRun_MetricsAndHealth(t *testing.T) {
	t.Parallel()
	f := newFixture()
	_, addr := f.run(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: want 200, got %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get("http://" + addr + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	var rep health.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	for _, name := range []string{"session", "llm/mock", "tts/mock"} {
		if c, ok := rep.Checks[name]; !ok || c.Status != health.StatusOK {
			t.Errorf("check %q: want ok, got %+v (present %v)", name, c, ok)
		}
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

func TestReload_UpdatesTimingsAndLevel(t *testing.T) {
	t.Parallel()
	f := newFixture()
	var level slog.LevelVar
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	a := f.newApp(t, app.WithLevelVar(&level), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = a.Run(ctx) }()
	defer func() {
		cancel()
		<-done
		_ = a.Shutdown(context.Background())
	}()

	next := *f.cfg
	next.Server.LogLevel = config.LogDebug
	next.Turn.CommitDelay = 90 * time.Millisecond
	a.Reload(f.cfg, &next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("want debug level, got %v", level.Level())
	}
	waitFor(t, "new timings", func() bool {
		return a.Timings().CommitDelay == 90*time.Millisecond
	})
}

// Reload with invalid timings keeps the running ones.
func TestReload_RejectsInvalidTimings(t *testing.T) {
	t.Parallel()
	f := newFixture()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	a := f.newApp(t, app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = a.Run(ctx) }()
	defer func() {
		cancel()
		<-done
		_ = a.Shutdown(context.Background())
	}()

	next := *f.cfg
	next.Turn.CommitDelay = 10 * time.Millisecond
	a.Reload(f.cfg, &next)

	time.Sleep(50 * time.Millisecond)
	if got := a.Timings().CommitDelay; got != f.cfg.Turn.CommitDelay {
		t.Errorf("want commit delay to stay %v, got %v", f.cfg.Turn.CommitDelay, got)
	}
}

func TestRun_StopCommandFromUI(t *testing.T) {
	t.Parallel()
	f := newFixture()
	block := make(chan struct{})
	defer close(block)
	f.llm.CompleteFunc = func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &llm.CompletionResponse{Content: "late"}, nil
	}
	a, addr := f.run(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+f.cfg.UI.Path, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	f.sess.FinalsCh <- stt.Transcript{Text: "tell me a story", IsFinal: true}
	waitFor(t, "pipeline start", func() bool { return a.Snapshot().IsPipelineActive })
	before := a.Snapshot().PipelineEpoch

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, "epoch bump", func() bool { return a.Snapshot().PipelineEpoch > before })
	if a.Snapshot().IsPipelineActive {
		t.Error("stop command must end the pipeline")
	}
}
