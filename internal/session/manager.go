// Package session keeps a single speech recognition session warm for the
// whole conversation.
//
// A [Manager] performs the expensive cold start once: it joins the voice
// channel, opens the recognition engine and starts the first input stream.
// Turn boundaries afterwards only flush the current segment
// ([Manager.FinalizeCurrentInput]) and swap to a fresh logical input
// ([Manager.SwapInput]). Both keep the engine connection and the loaded model.
// Only [Manager.Restart], the fallback after [ErrSessionDegraded], and
// [Manager.Shutdown] tear the engine down.
//
// Transcripts of every input, across swaps and restarts, arrive in order on
// the single channel returned by [Manager.Events].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/hearth/internal/observe"
	"github.com/MrWong99/hearth/internal/transcript"
	"github.com/MrWong99/hearth/pkg/audio"
	"github.com/MrWong99/hearth/pkg/provider/stt"
)

// defaultEventBuffer is the capacity of the transcript feed.
const defaultEventBuffer = 64

// Config configures a [Manager].
type Config struct {
	// Platform joins the voice channel. Required.
	Platform audio.Platform

	// ChannelID is the voice channel to join.
	ChannelID string

	// UserID, when set, restricts the captured audio to one participant.
	UserID string

	// STT opens the recognition session. Required.
	STT stt.Provider

	// Stream is passed to [stt.Provider.StartStream]. A zero SampleRate
	// selects 16 kHz and zero Channels selects mono.
	Stream stt.StreamConfig

	// Corrector, when set, rewrites every transcript before it is emitted.
	Corrector transcript.Corrector

	// Retry controls the warm-session check during a swap.
	Retry RetryPolicy

	// EventBuffer is the capacity of the transcript feed. Defaults to 64.
	EventBuffer int

	// Metrics receives session metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// engine is everything a cold start creates and a restart tears down.
type engine struct {
	conn    audio.Connection
	sess    stt.SessionHandle
	adapter *transcript.Adapter
	tap     *tap
}

// Manager owns the audio platform connection and the recognition session of
// one conversation.
//
// All methods are safe for concurrent use. Lifecycle operations are
// serialised.
type Manager struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	events  chan transcript.Event

	// opMu serialises Start, SwapInput, Restart and Shutdown.
	opMu sync.Mutex

	// mu guards the fields below for quick readers.
	mu       sync.Mutex
	eng      *engine
	streamID string
	closed   bool

	done chan struct{}
}

// New creates a Manager. Nothing is started until [Manager.Start].
func New(cfg Config) *Manager {
	if cfg.Stream.SampleRate <= 0 {
		cfg.Stream.SampleRate = 16000
	}
	if cfg.Stream.Channels <= 0 {
		cfg.Stream.Channels = 1
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Manager{
		cfg:     cfg,
		log:     log,
		metrics: m,
		events:  make(chan transcript.Event, cfg.EventBuffer),
		done:    make(chan struct{}),
	}
}

// Events returns the ordered transcript feed. It carries a [transcript.KindSwap]
// marker before the first event of every input and a [transcript.KindError]
// event if the engine connection is lost. The channel is closed by
// [Manager.Shutdown].
func (m *Manager) Events() <-chan transcript.Event {
	return m.events
}

// StreamID returns the ID of the current input stream, or "" before Start.
func (m *Manager) StreamID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamID
}

// Started reports whether the engine is up.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eng != nil
}

// Start performs the cold start: it connects the audio platform, opens the
// recognition session and starts the first input stream. Calling Start on a
// running manager returns the current stream ID without side effects.
// Failures wrap [ErrEngineUnavailable].
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	closed, running, id := m.closed, m.eng != nil, m.streamID
	m.mu.Unlock()

	if closed {
		return "", fmt.Errorf("session: start: %w", ErrShutdown)
	}
	if running {
		return id, nil
	}
	return m.coldStart(ctx, "initial")
}

// FinalizeCurrentInput asks the engine to flush its results for the current
// segment. The session stays open. Errors are logged, never returned.
func (m *Manager) FinalizeCurrentInput() {
	m.mu.Lock()
	eng, id := m.eng, m.streamID
	m.mu.Unlock()
	if eng == nil {
		return
	}
	if err := eng.sess.Finalize(); err != nil {
		m.log.Warn("session: finalize failed", "stream_id", id, "error", err)
	}
}

// SwapInput verifies the warm session and switches to a fresh input stream.
// The connection and the engine are reused. A failed check is retried
// according to [Config.Retry]; if it keeps failing the error wraps
// [ErrSessionDegraded] and the caller should fall back to [Manager.Restart].
func (m *Manager) SwapInput(ctx context.Context) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	eng, closed, oldID := m.eng, m.closed, m.streamID
	m.mu.Unlock()

	if closed {
		return "", fmt.Errorf("session: swap input: %w", ErrShutdown)
	}
	if eng == nil {
		return "", fmt.Errorf("session: swap input: %w", ErrNotStarted)
	}

	start := time.Now()
	attempts, err := retry(ctx, m.cfg.Retry, m.log, "swap input", eng.sess.KeepAlive)
	if err != nil {
		m.metrics.RecordSwap(ctx, "degraded", time.Since(start))
		m.log.Warn("session: warm session unusable", "stream_id", oldID, "attempts", attempts, "error", err)
		return "", fmt.Errorf("session: swap input: %w: %w", ErrSessionDegraded, err)
	}

	id := newStreamID()
	if !eng.adapter.Swap(id) {
		m.metrics.RecordSwap(ctx, "degraded", time.Since(start))
		return "", fmt.Errorf("session: swap input: %w: %w", ErrSessionDegraded, transcript.ErrSourceClosed)
	}
	in := newInput(id)
	prev := eng.tap.swap(in)
	go feed(eng.sess, in, prev, m.log)

	m.mu.Lock()
	m.streamID = id
	m.mu.Unlock()

	status := "ok"
	if attempts > 1 {
		status = "retried"
	}
	m.metrics.RecordSwap(ctx, status, time.Since(start))
	m.log.Debug("session: input swapped", "from", oldID, "to", id, "attempts", attempts)
	return id, nil
}

// Restart tears the current engine down and performs a cold start. It is
// the explicit fallback after [ErrSessionDegraded] or a lost engine
// connection. Failures wrap [ErrEngineUnavailable].
func (m *Manager) Restart(ctx context.Context) (string, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	closed, eng, oldID := m.closed, m.eng, m.streamID
	m.eng = nil
	m.mu.Unlock()

	if closed {
		return "", fmt.Errorf("session: restart: %w", ErrShutdown)
	}

	m.log.Warn("session: cold restart", "stream_id", oldID)
	if eng != nil {
		if err := m.teardown(eng); err != nil {
			m.log.Warn("session: teardown before restart", "error", err)
		}
	}
	return m.coldStart(ctx, "restart")
}

// Shutdown closes the recognition session and disconnects the audio
// platform. It is the only call that does so. Afterwards the events channel
// is closed and every other method fails with [ErrShutdown]. Repeated calls
// return nil.
func (m *Manager) Shutdown() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	eng := m.eng
	m.eng = nil
	m.mu.Unlock()

	var err error
	if eng != nil {
		err = m.teardown(eng)
	}
	close(m.events)
	close(m.done)
	m.log.Info("session: shut down")
	return err
}

// Done is closed after Shutdown.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// WriteOutput delivers a frame to the current connection's output stream. It
// blocks while the output buffer is full and drops frames while no engine is
// running. Its signature fits [playback.New].
func (m *Manager) WriteOutput(frame audio.AudioFrame) {
	m.mu.Lock()
	eng := m.eng
	m.mu.Unlock()
	if eng == nil {
		return
	}
	out := eng.conn.OutputStream()
	if out == nil {
		return
	}
	select {
	case out <- frame:
	case <-m.done:
	}
}

// coldStart must be called with opMu held.
func (m *Manager) coldStart(ctx context.Context, reason string) (string, error) {
	start := time.Now()

	conn, err := m.cfg.Platform.Connect(ctx, m.cfg.ChannelID)
	if err != nil {
		return "", fmt.Errorf("session: connect %q: %w: %w", m.cfg.ChannelID, ErrEngineUnavailable, err)
	}

	sess, err := m.cfg.STT.StartStream(ctx, m.cfg.Stream)
	if err != nil {
		_ = conn.Disconnect()
		return "", fmt.Errorf("session: start recognition: %w: %w", ErrEngineUnavailable, err)
	}

	id := newStreamID()
	opts := []transcript.Option{transcript.WithLogger(m.log)}
	if m.cfg.Corrector != nil {
		opts = append(opts, transcript.WithCorrector(m.cfg.Corrector))
	}
	target := audio.Format{SampleRate: m.cfg.Stream.SampleRate, Channels: m.cfg.Stream.Channels}
	eng := &engine{
		conn:    conn,
		sess:    sess,
		adapter: transcript.NewAdapter(sess, m.events, id, opts...),
		tap:     newTap(target, m.cfg.UserID, m.log),
	}
	in := newInput(id)
	eng.tap.swap(in)
	go feed(sess, in, nil, m.log)
	eng.tap.attach(conn)

	m.mu.Lock()
	m.eng = eng
	m.streamID = id
	m.mu.Unlock()

	d := time.Since(start)
	m.metrics.RecordColdStart(ctx, reason, d)
	m.metrics.ActiveSessions.Add(ctx, 1)
	m.log.Info("session: engine started",
		"channel_id", m.cfg.ChannelID,
		"stream_id", id,
		"reason", reason,
		"duration", d,
	)
	return id, nil
}

// teardown stops the adapter before closing the session so a deliberate
// close never surfaces as a lost-connection event.
func (m *Manager) teardown(eng *engine) error {
	eng.adapter.Stop()
	eng.tap.close()

	var errs []error
	if err := eng.sess.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close recognition: %w", err))
	}
	if err := eng.conn.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("session: disconnect: %w", err))
	}
	m.metrics.ActiveSessions.Add(context.Background(), -1)
	return errors.Join(errs...)
}

func newStreamID() string {
	return uuid.NewString()
}
