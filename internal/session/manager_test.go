package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/hearth/internal/observe"
	"github.com/MrWong99/hearth/internal/transcript"
	"github.com/MrWong99/hearth/pkg/audio"
	audiomock "github.com/MrWong99/hearth/pkg/audio/mock"
	"github.com/MrWong99/hearth/pkg/provider/stt"
	sttmock "github.com/MrWong99/hearth/pkg/provider/stt/mock"
)

// fixture bundles a manager with its mocks.
type fixture struct {
	m        *Manager
	platform *audiomock.Platform
	conn     *audiomock.Connection
	provider *sttmock.Provider
	sessions []*sttmock.Session
	mic      chan audio.AudioFrame
}

func newFixture(t *testing.T, sessions int) *fixture {
	t.Helper()

	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{mic: make(chan audio.AudioFrame, 16)}
	f.conn = &audiomock.Connection{
		InputStreamsResult: map[string]<-chan audio.AudioFrame{"user-1": f.mic},
	}
	f.platform = &audiomock.Platform{ConnectResult: f.conn}
	f.provider = &sttmock.Provider{}
	for i := 0; i < sessions; i++ {
		s := sttmock.NewSession()
		f.sessions = append(f.sessions, s)
		f.provider.Sessions = append(f.provider.Sessions, s)
	}
	f.m = New(Config{
		Platform:  f.platform,
		ChannelID: "voice-1",
		STT:       f.provider,
		Retry:     RetryPolicy{Backoff: time.Millisecond},
		Metrics:   metrics,
	})
	t.Cleanup(func() { _ = f.m.Shutdown() })
	return f
}

func nextEvent(t *testing.T, m *Manager) transcript.Event {
	t.Helper()
	select {
	case ev, ok := <-m.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transcript event")
		return transcript.Event{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func pcmFrame() audio.AudioFrame {
	return audio.AudioFrame{Data: make([]byte, 640), SampleRate: 16000, Channels: 1}
}

func TestManager_StartIsColdOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	id, err := f.m.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id == "" {
		t.Fatal("want a stream ID, got empty")
	}

	again, err := f.m.Start(ctx)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if again != id {
		t.Errorf("want same stream ID %s, got %s", id, again)
	}
	if got := f.platform.Connects(); got != 1 {
		t.Errorf("want 1 platform connect, got %d", got)
	}
	if got := f.provider.Starts(); got != 1 {
		t.Errorf("want 1 engine start, got %d", got)
	}

	ev := nextEvent(t, f.m)
	if ev.Kind != transcript.KindSwap || ev.StreamID != id {
		t.Errorf("want opening marker for %s, got %+v", id, ev)
	}
	if f.m.StreamID() != id || !f.m.Started() {
		t.Errorf("want started on %s, got started=%v on %s", id, f.m.Started(), f.m.StreamID())
	}
}

func TestManager_StartFailures(t *testing.T) {
	t.Parallel()

	t.Run("platform", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 1)
		f.platform.ConnectError = errors.New("no voice gateway")

		_, err := f.m.Start(context.Background())
		if !errors.Is(err, ErrEngineUnavailable) {
			t.Fatalf("want ErrEngineUnavailable, got %v", err)
		}
		if f.provider.Starts() != 0 {
			t.Error("engine must not start without audio")
		}
	})

	t.Run("engine", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, 1)
		f.provider.SetStartStreamErr(errors.New("model missing"))

		_, err := f.m.Start(context.Background())
		if !errors.Is(err, ErrEngineUnavailable) {
			t.Fatalf("want ErrEngineUnavailable, got %v", err)
		}
		if got := f.conn.Disconnects(); got != 1 {
			t.Errorf("want connection released, got %d disconnects", got)
		}
		if f.m.Started() {
			t.Error("manager reports started after failure")
		}
	})
}

func TestManager_AudioReachesEngine(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)

	if _, err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.mic <- pcmFrame()
	waitFor(t, "audio at engine", func() bool { return f.sessions[0].AudioChunks() == 1 })
}

func TestManager_FollowsJoiningParticipants(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.conn.SetInputStreams(nil)

	if _, err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	late := make(chan audio.AudioFrame, 1)
	f.conn.SetInputStreams(map[string]<-chan audio.AudioFrame{"user-2": late})
	f.conn.EmitEvent(audio.Event{Type: audio.EventJoin, UserID: "user-2"})

	late <- pcmFrame()
	waitFor(t, "late participant audio", func() bool { return f.sessions[0].AudioChunks() == 1 })
}

func TestManager_SwapResetsSequence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	first, err := f.m.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	nextEvent(t, f.m)

	sess := f.sessions[0]
	sess.PartialsCh <- stt.Transcript{Text: "what is"}
	sess.FinalsCh <- stt.Transcript{Text: "what is the time"}
	nextEvent(t, f.m)
	if ev := nextEvent(t, f.m); ev.Sequence != 1 {
		t.Fatalf("want sequence 1 before swap, got %d", ev.Sequence)
	}

	second, err := f.m.SwapInput(ctx)
	if err != nil {
		t.Fatalf("SwapInput: %v", err)
	}
	if second == first {
		t.Fatal("swap must produce a new stream ID")
	}

	marker := nextEvent(t, f.m)
	if marker.Kind != transcript.KindSwap || marker.StreamID != second {
		t.Fatalf("want swap marker for %s, got %+v", second, marker)
	}

	sess.PartialsCh <- stt.Transcript{Text: "thanks"}
	ev := nextEvent(t, f.m)
	if ev.StreamID != second || ev.Sequence != 0 {
		t.Errorf("want sequence 0 on %s, got %d on %s", second, ev.Sequence, ev.StreamID)
	}

	// A swap reuses the warm engine.
	if f.provider.Starts() != 1 || f.platform.Connects() != 1 {
		t.Errorf("want no reconnect, got %d engine starts and %d connects", f.provider.Starts(), f.platform.Connects())
	}
	if sess.Closes() != 0 {
		t.Error("swap closed the session")
	}

	// Audio keeps flowing into the same session through the new input.
	f.mic <- pcmFrame()
	waitFor(t, "audio after swap", func() bool { return sess.AudioChunks() == 1 })
}

func TestManager_SwapKeepsAudioOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()
	sess := f.sessions[0]

	gate := make(chan struct{})
	var once sync.Once
	sess.SetOnSendAudio(func([]byte) { once.Do(func() { <-gate }) })

	frame := func(mark byte) audio.AudioFrame {
		fr := pcmFrame()
		fr.Data[0] = mark
		return fr
	}
	published := func() {
		waitFor(t, "tap to read the microphone", func() bool { return len(f.mic) == 0 })
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := f.m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// The first chunk stalls the engine so the old input builds a backlog.
	for _, mark := range []byte{1, 2, 3} {
		f.mic <- frame(mark)
	}
	published()

	if _, err := f.m.SwapInput(ctx); err != nil {
		t.Fatalf("SwapInput: %v", err)
	}
	f.mic <- frame(9)
	published()
	close(gate)

	waitFor(t, "all chunks", func() bool { return sess.AudioChunks() == 4 })
	var got []byte
	for _, chunk := range sess.Audio() {
		got = append(got, chunk[0])
	}
	if want := []byte{1, 2, 3, 9}; !bytes.Equal(got, want) {
		t.Errorf("want chunks in order %v, got %v", want, got)
	}
}

func TestManager_SwapRetriesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	if _, err := f.m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.sessions[0].SetKeepAliveErrs(errors.New("blip"))

	if _, err := f.m.SwapInput(ctx); err != nil {
		t.Fatalf("want swap to succeed on retry, got %v", err)
	}
	if got := f.sessions[0].KeepAlives(); got != 2 {
		t.Errorf("want 2 keep-alive checks, got %d", got)
	}
}

func TestManager_EngineRestartFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	ctx := context.Background()

	first, err := f.m.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	nextEvent(t, f.m)

	broken := f.sessions[0]
	broken.SetKeepAliveErrs(stt.ErrSessionClosed, stt.ErrSessionClosed)

	_, err = f.m.SwapInput(ctx)
	if !errors.Is(err, ErrSessionDegraded) {
		t.Fatalf("want ErrSessionDegraded, got %v", err)
	}
	if !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("want cause preserved, got %v", err)
	}
	if f.provider.Starts() != 1 {
		t.Fatal("a degraded swap must not restart on its own")
	}

	id, err := f.m.Restart(ctx)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if id == first {
		t.Error("restart must open a new stream")
	}
	if got := f.provider.Starts(); got != 2 {
		t.Errorf("want 2 engine starts, got %d", got)
	}
	if got := f.platform.Connects(); got != 2 {
		t.Errorf("want 2 platform connects, got %d", got)
	}
	if broken.Closes() != 1 {
		t.Errorf("want broken session closed once, got %d", broken.Closes())
	}

	// The feed continues on the same channel without an error event.
	marker := nextEvent(t, f.m)
	if marker.Kind != transcript.KindSwap || marker.StreamID != id {
		t.Fatalf("want marker for restarted stream %s, got %+v", id, marker)
	}
	f.sessions[1].FinalsCh <- stt.Transcript{Text: "still here"}
	if ev := nextEvent(t, f.m); ev.StreamID != id || ev.Text != "still here" {
		t.Errorf("want transcript on %s, got %+v", id, ev)
	}
}

func TestManager_LostEngineSurfacesError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)

	if _, err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	nextEvent(t, f.m)

	close(f.sessions[0].FinalsCh)
	ev := nextEvent(t, f.m)
	if ev.Kind != transcript.KindError || !errors.Is(ev.Err, transcript.ErrSourceClosed) {
		t.Errorf("want terminal error event, got %+v", ev)
	}
}

func TestManager_FinalizeCurrentInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)

	// No engine yet: nothing to flush, nothing to panic about.
	f.m.FinalizeCurrentInput()

	if _, err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.sessions[0].FinalizeErr = errors.New("ignored")
	f.m.FinalizeCurrentInput()
	if got := f.sessions[0].Finalizes(); got != 1 {
		t.Errorf("want 1 finalize, got %d", got)
	}
	if f.sessions[0].Closes() != 0 {
		t.Error("finalize closed the session")
	}
}

func TestManager_ShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ctx := context.Background()

	if _, err := f.m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.m.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	if got := f.sessions[0].Closes(); got != 1 {
		t.Errorf("want session closed once, got %d", got)
	}
	if got := f.conn.Disconnects(); got != 1 {
		t.Errorf("want one disconnect, got %d", got)
	}

	// Drain the opening marker, then the channel must be closed.
	for range f.m.Events() {
	}

	if _, err := f.m.Start(ctx); !errors.Is(err, ErrShutdown) {
		t.Errorf("Start after Shutdown: want ErrShutdown, got %v", err)
	}
	if _, err := f.m.SwapInput(ctx); !errors.Is(err, ErrShutdown) {
		t.Errorf("SwapInput after Shutdown: want ErrShutdown, got %v", err)
	}
	if _, err := f.m.Restart(ctx); !errors.Is(err, ErrShutdown) {
		t.Errorf("Restart after Shutdown: want ErrShutdown, got %v", err)
	}
}

func TestManager_SwapBeforeStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)

	if _, err := f.m.SwapInput(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("want ErrNotStarted, got %v", err)
	}
}

func TestManager_WriteOutput(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	out := make(chan audio.AudioFrame, 1)
	f.conn.OutputStreamResult = out

	// Dropped while no engine runs.
	f.m.WriteOutput(pcmFrame())
	if len(out) != 0 {
		t.Fatal("frame written before Start")
	}

	if _, err := f.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.m.WriteOutput(pcmFrame())
	if len(out) != 1 {
		t.Errorf("want 1 frame on output, got %d", len(out))
	}
}
