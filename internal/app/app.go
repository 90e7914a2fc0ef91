// Package app wires the hearth subsystems into a running assistant.
//
// [New] builds everything from the config and the providers created by main:
// the session manager, the turn engine with its playback controller, the UI
// hub and the conversation log. [App.Run] starts the recognition session and
// serves until ctx is cancelled; [App.Shutdown] tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithSessionStore,
// WithMetrics, ...). When an option is not given, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/hearth/internal/config"
	"github.com/MrWong99/hearth/internal/health"
	"github.com/MrWong99/hearth/internal/observe"
	"github.com/MrWong99/hearth/internal/resilience"
	"github.com/MrWong99/hearth/internal/session"
	"github.com/MrWong99/hearth/internal/transcript"
	"github.com/MrWong99/hearth/internal/turn"
	"github.com/MrWong99/hearth/internal/ui"
	"github.com/MrWong99/hearth/pkg/audio"
	"github.com/MrWong99/hearth/pkg/audio/playback"
	"github.com/MrWong99/hearth/pkg/memory"
	"github.com/MrWong99/hearth/pkg/memory/postgres"
	"github.com/MrWong99/hearth/pkg/provider/llm"
	"github.com/MrWong99/hearth/pkg/provider/stt"
	"github.com/MrWong99/hearth/pkg/provider/tts"
)

// serverShutdownTimeout bounds the graceful HTTP shutdown in Run.
const serverShutdownTimeout = 5 * time.Second

// Providers holds one interface value per provider slot. Populated by main
// via the config registry. All four are required.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	Audio audio.Platform
}

// App owns all subsystem lifetimes of one conversation.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	level     *slog.LevelVar
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store    memory.SessionStore
	recorder *memory.Recorder
	history  *session.History
	manager  *session.Manager
	player   *playback.Controller
	engine   *turn.Engine
	hub      *ui.Hub
	health   *health.Handler
	checkers []health.Checker
	mux      *http.ServeMux

	// listener, when set, replaces listening on cfg.Server.ListenAddr.
	listener net.Listener

	// closers run in order at the end of Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects the conversation log instead of connecting to
// memory.postgres_dsn.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger used by every subsystem.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.Reload] change the log level of the handler that
// reads lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithListener makes Run serve on l instead of cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing connects to
// the voice channel until [App.Run].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := providers.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	for _, p := range []any{providers.STT, providers.Audio} {
		if c, ok := p.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}

	// ── 1. Conversation log ─────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("app: init memory: %w", err), a.close())
	}

	// ── 2. History ──────────────────────────────────────────────────────
	a.history = session.NewHistory(cfg.Assistant.HistoryTokens, providers.LLM)
	a.seedHistory(ctx)

	// ── 3. Session manager ──────────────────────────────────────────────
	var corrector transcript.Corrector
	if cfg.Session.CorrectKeywords && len(cfg.Session.Keywords) > 0 {
		corrector = transcript.NewKeywordCorrector(cfg.Session.Keywords)
	}
	a.manager = session.New(session.Config{
		Platform:  providers.Audio,
		ChannelID: cfg.Session.ChannelID,
		UserID:    cfg.Session.UserID,
		STT:       providers.STT,
		Stream: stt.StreamConfig{
			Language: cfg.Session.Language,
			Keywords: keywordBoosts(cfg.Session.Keywords),
		},
		Corrector: corrector,
		Retry: session.RetryPolicy{
			Attempts: cfg.Session.SwapAttempts,
			Backoff:  cfg.Session.SwapBackoff,
		},
		Metrics: a.metrics,
		Logger:  a.log,
	})
	a.checkers = append(a.checkers, health.SessionStarted(a.manager.Started))

	// ── 4. Turn engine ──────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, errors.Join(fmt.Errorf("app: init turn engine: %w", err), a.close())
	}

	// ── 5. HTTP surface ─────────────────────────────────────────────────
	a.health = health.New(a.checkers...)
	a.mux = http.NewServeMux()
	a.health.Register(a.mux)
	a.mux.Handle("GET /metrics", promhttp.Handler())
	a.mux.Handle(cfg.UI.Path, a.hub)
	if a.store != nil {
		a.mux.HandleFunc("GET /transcripts", a.searchTranscripts)
	}

	return a, nil
}

func (p *Providers) validate() error {
	var errs []error
	if p == nil {
		return errors.New("providers are required")
	}
	if p.LLM == nil {
		errs = append(errs, errors.New("an llm provider is required"))
	}
	if p.STT == nil {
		errs = append(errs, errors.New("an stt provider is required"))
	}
	if p.TTS == nil {
		errs = append(errs, errors.New("a tts provider is required"))
	}
	if p.Audio == nil {
		errs = append(errs, errors.New("an audio platform is required"))
	}
	return errors.Join(errs...)
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory connects the PostgreSQL log unless one was injected. An empty
// DSN disables the log.
func (a *App) initMemory(ctx context.Context) error {
	if a.store == nil && a.cfg.Memory.PostgresDSN != "" {
		store, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN, postgres.WithMaxConns(a.cfg.Memory.MaxConns))
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}
	if a.store == nil {
		return nil
	}
	if p, ok := a.store.(health.Pinger); ok {
		// A lost log does not stop the conversation.
		a.checkers = append(a.checkers, health.Optional(health.Ping("memory", p)))
	}

	a.recorder = memory.NewRecorder(a.store, a.cfg.Memory.SessionID, memory.WithRecorderLogger(a.log))
	// The recorder flushes before the store closes.
	a.closers = append([]func() error{func() error {
		a.recorder.Close()
		return nil
	}}, a.closers...)
	return nil
}

// seedHistory loads the recent part of the log into the history so that a
// restarted process picks the conversation up where it left off.
func (a *App) seedHistory(ctx context.Context) {
	if a.store == nil || a.cfg.Memory.RecentWindow <= 0 {
		return
	}
	entries, err := a.store.GetRecent(ctx, a.cfg.Memory.SessionID, a.cfg.Memory.RecentWindow)
	if err != nil {
		a.log.Warn("app: could not seed history from the log", "err", err)
		return
	}
	msgs := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		msgs = append(msgs, llm.Message{Role: string(e.Role), Content: e.Text})
	}
	a.history.Add(msgs...)
	a.log.Info("app: seeded history", "messages", a.history.Len(), "tokens", a.history.Tokens())
}

// initEngine builds the pipeline, the playback controller, the UI hub and
// the turn engine.
func (a *App) initEngine() error {
	cfg := a.cfg
	breaker := func(name string) *resilience.CircuitBreaker {
		cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         name,
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			Logger:       a.log,
		})
		a.checkers = append(a.checkers, health.Breaker(name, func() bool {
			return cb.State() == resilience.StateOpen
		}))
		return cb
	}

	pipeline := turn.NewPipeline(turn.PipelineConfig{
		LLM:          resilience.GuardLLM(a.providers.LLM, breaker("llm/"+cfg.Providers.LLM.Name)),
		TTS:          resilience.GuardTTS(a.providers.TTS, breaker("tts/"+cfg.Providers.TTS.Name)),
		Voice:        voiceProfile(cfg.Providers.TTS.Name, cfg.Assistant.Voice),
		SystemPrompt: cfg.Assistant.SystemPrompt,
		Temperature:  cfg.Assistant.Temperature,
		MaxTokens:    cfg.Assistant.MaxTokens,
		LLMTimeout:   cfg.Turn.LLMTimeout,
		TTSTimeout:   cfg.Turn.TTSTimeout,
		LLMName:      cfg.Providers.LLM.Name,
		TTSName:      cfg.Providers.TTS.Name,
		Metrics:      a.metrics,
	})

	// The engine, the player and the hub refer to each other; the closures
	// below only run after all three exist.
	var eng *turn.Engine
	a.player = playback.New(a.manager.WriteOutput,
		playback.WithOnFinished(func(tag uint64) { eng.PlaybackFinished(tag) }),
	)
	a.closers = append([]func() error{a.player.Close}, a.closers...)

	hubOpts := []ui.Option{ui.WithLogger(a.log)}
	if len(cfg.UI.AllowedOrigins) > 0 {
		hubOpts = append(hubOpts, ui.WithOriginPatterns(cfg.UI.AllowedOrigins...))
	}
	a.hub = ui.NewHub(controllerFunc(func() { eng.StopResponse() }), hubOpts...)

	var echo *transcript.EchoFilter
	if cfg.Turn.EchoSuppression {
		echo = transcript.NewEchoFilter()
	}

	sinks := turn.MultiSink{a.hub}
	if a.recorder != nil {
		sinks = append(sinks, recorderSink(a.recorder))
	}

	var err error
	eng, err = turn.New(turn.Config{
		Events:   a.manager.Events(),
		Session:  a.manager,
		Pipeline: pipeline,
		Player:   a.player,
		Sink:     sinks,
		History:  a.history,
		Timings:  timings(cfg.Turn),
		Echo:     echo,
		Metrics:  a.metrics,
		Logger:   a.log,
	})
	if err != nil {
		return err
	}
	a.engine = eng
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the recognition session, the turn engine and the HTTP server,
// and blocks until ctx is cancelled or one of them fails. A failed cold start
// is returned immediately and wraps [session.ErrEngineUnavailable].
func (a *App) Run(ctx context.Context) error {
	streamID, err := a.manager.Start(ctx)
	if err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}

	ln := a.listener
	if ln == nil {
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	srv := &http.Server{
		Handler:           observe.Middleware(a.metrics, a.log)(a.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.engine.Run(gctx)
		if err == nil && gctx.Err() == nil {
			return errors.New("app: turn engine stopped")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve http: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	a.log.Info("app: running",
		"addr", ln.Addr().String(),
		"ui_path", a.cfg.UI.Path,
		"stream_id", streamID,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Reload applies a changed config to the running app. Log level and turn
// timings take effect immediately; every other change is logged as needing
// a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.TurnChanged {
		if err := a.engine.UpdateTimings(timings(d.NewTurn)); err != nil {
			a.log.Warn("app: rejected new turn timings", "err", err)
		} else {
			a.log.Info("app: turn timings updated",
				"llm_delay", d.NewTurn.LLMDelay,
				"tts_delay", d.NewTurn.TTSDelay,
				"commit_delay", d.NewTurn.CommitDelay,
			)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("app: config changes need a restart", "sections", d.RestartRequired)
	}
}

// Handler returns the HTTP handler Run serves.
func (a *App) Handler() http.Handler { return a.mux }

// Snapshot returns the current turn state.
func (a *App) Snapshot() turn.SessionState { return a.engine.Snapshot() }

// Timings returns the turn detector delays in effect.
func (a *App) Timings() turn.Timings { return a.engine.Timings() }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the turn engine, leaves the voice channel and closes every
// subsystem. It respects the ctx deadline: closers still pending when ctx
// expires are skipped and ctx.Err() is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "closers", len(a.closers))

		a.engine.Stop()
		a.hub.Close()
		if err := a.manager.Shutdown(); err != nil {
			a.log.Warn("app: session shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				a.log.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = err
				return
			}
			if err := closer(); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}
		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}

// close runs the closers registered so far. Used when New fails halfway.
func (a *App) close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// controllerFunc adapts a function to [ui.Controller].
type controllerFunc func()

func (f controllerFunc) StopResponse() { f() }

// recorderSink logs committed user turns and spoken replies.
func recorderSink(r *memory.Recorder) turn.Sink {
	return turn.SinkFunc(func(ev turn.Event) {
		var role memory.Role
		switch ev.Type {
		case turn.EventUserMessage:
			role = memory.RoleUser
		case turn.EventAIResponse:
			role = memory.RoleAssistant
		default:
			return
		}
		r.Record(memory.TranscriptEntry{
			Role:      role,
			Text:      ev.Text,
			Epoch:     ev.Epoch,
			Timestamp: ev.Timestamp,
		})
	})
}

func timings(t config.TurnConfig) turn.Timings {
	return turn.Timings{
		LLMDelay:           t.LLMDelay,
		TTSDelay:           t.TTSDelay,
		CommitDelay:        t.CommitDelay,
		VeryShortExtension: t.VeryShortExtension,
		ShortExtension:     t.ShortExtension,
	}
}

func voiceProfile(provider string, vc config.VoiceConfig) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:          vc.VoiceID,
		Provider:    provider,
		PitchShift:  vc.PitchShift,
		SpeedFactor: vc.SpeedFactor,
	}
}

func keywordBoosts(words []string) []stt.KeywordBoost {
	if len(words) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, len(words))
	for i, w := range words {
		out[i] = stt.KeywordBoost{Keyword: w, Boost: 1}
	}
	return out
}
