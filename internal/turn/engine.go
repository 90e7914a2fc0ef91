// Package turn decides when the user has finished speaking and drives the
// speculative reply for that turn.
//
// A single goroutine ([Engine.Run]) owns the [SessionState]. It consumes the
// ordered transcript feed, the detector's timer firings, worker results,
// playback completions and control commands from one queue. LLM and TTS calls
// run on worker goroutines and post their results back tagged with the
// pipeline epoch they were started under; any result whose epoch is no
// longer current is dropped. Cancellation is nothing more than an epoch bump.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/hearth/internal/observe"
	"github.com/MrWong99/hearth/internal/session"
	"github.com/MrWong99/hearth/internal/transcript"
	"github.com/MrWong99/hearth/pkg/audio"
	"github.com/MrWong99/hearth/pkg/provider/llm"
)

// queueSize is the capacity of the engine's input queue.
const queueSize = 64

// Session is the part of the session continuity manager the engine uses at
// turn boundaries. [session.Manager] satisfies it.
type Session interface {
	FinalizeCurrentInput()
	SwapInput(ctx context.Context) (string, error)
	Restart(ctx context.Context) (string, error)
}

var _ Session = (*session.Manager)(nil)

// Config configures an [Engine].
type Config struct {
	// Events is the ordered transcript feed. Required.
	Events <-chan transcript.Event

	// Session swaps the input at turn boundaries. Required.
	Session Session

	// Pipeline performs the stage calls. Required.
	Pipeline *Pipeline

	// Player owns audio output. Required.
	Player audio.Player

	// Sink receives UI events. Optional.
	Sink Sink

	// History receives committed user turns and spoken replies and provides
	// the LLM context. Defaults to an empty history.
	History *session.History

	// Timings defaults to [DefaultTimings].
	Timings Timings

	// Echo, when set, suppresses transcripts that repeat the reply being
	// played instead of treating them as interruptions.
	Echo *transcript.EchoFilter

	// Clock defaults to [SystemClock].
	Clock Clock

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ─── Queue messages ──────────────────────────────────────────────────────────

type replyResult struct {
	epoch uint64
	text  string
	err   error
}

type speechResult struct {
	epoch uint64
	clip  audio.Clip
	err   error
}

type playbackDone struct {
	tag uint64
}

type swapDone struct {
	streamID  string
	restarted bool
	err       error
}

type stopCommand struct{}

type timingsUpdate struct {
	timings Timings
}

// call runs on the actor once everything queued before it was handled.
type call func()

// ─── Engine ──────────────────────────────────────────────────────────────────

// Engine is the turn-management actor.
//
// Run must be called exactly once. All other exported methods are safe for
// concurrent use and never block on the actor for long.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	clock   Clock
	sink    Sink
	history *session.History

	queue   chan any
	closing chan struct{}
	done    chan struct{}
	stop    chan struct{}

	stopOnce  sync.Once
	closeOnce sync.Once
	workers   sync.WaitGroup
	snap      atomic.Pointer[SessionState]
	timings   atomic.Pointer[Timings]

	// ctx is the Run context, used by worker calls.
	ctx context.Context

	// Everything below is owned by the Run goroutine.
	state      SessionState
	det        *Detector
	cand       *Candidate
	llmCache   *CachedResult
	ttsCache   *CachedResult
	utt        utterance
	speaking   string
	ttsWanted  bool
	playWanted bool
	swapping   bool

	// restartPending records a lost feed reported while a swap was running.
	restartPending bool

	// residue holds the words of the segment still open at the last commit
	// and the stream they were heard on. The recognizer flushes a final for
	// them after the boundary; it must not count as new speech.
	residue       []string
	residueStream string
}

// New creates an Engine. It returns an error if a required dependency is
// missing or the timings are invalid.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Events == nil:
		return nil, errors.New("turn: events feed is required")
	case cfg.Session == nil:
		return nil, errors.New("turn: session is required")
	case cfg.Pipeline == nil:
		return nil, errors.New("turn: pipeline is required")
	case cfg.Player == nil:
		return nil, errors.New("turn: player is required")
	}
	if cfg.Timings == (Timings{}) {
		cfg.Timings = DefaultTimings()
	}
	if err := cfg.Timings.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		sink:    cfg.Sink,
		history: cfg.History,
		queue:   make(chan any, queueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.sink == nil {
		e.sink = discardSink{}
	}
	if e.history == nil {
		e.history = session.NewHistory(0, nil)
	}
	e.det = NewDetector(cfg.Timings, e.clock, func(f Firing) { e.post(f) })
	e.timings.Store(&cfg.Timings)
	e.publish()
	return e, nil
}

// Run processes the engine's inputs until ctx is cancelled, [Engine.Stop]
// is called or the transcript feed is closed. It waits for in-flight
// workers before returning.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.ctx = ctx
	defer close(e.done)
	defer e.workers.Wait()
	defer cancel()
	defer e.shutdown()

	e.log.Info("turn: engine running", "timings", e.det.Timings())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stop:
			return nil
		case ev, ok := <-e.cfg.Events:
			if !ok {
				e.log.Info("turn: transcript feed closed")
				return nil
			}
			e.handleTranscript(ev)
		case msg := <-e.queue:
			// Speech that is already waiting wins over anything queued.
			if !e.drainTranscripts() {
				return nil
			}
			e.handle(msg)
		}
		e.publish()
	}
}

// Stop ends Run. Safe to call multiple times.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Snapshot returns a copy of the current session state.
func (e *Engine) Snapshot() SessionState {
	return *e.snap.Load()
}

// StopResponse cancels the current reply as if the user had interrupted it.
// It is the UI's stop command.
func (e *Engine) StopResponse() {
	e.post(stopCommand{})
}

// PlaybackFinished reports that the clip tagged with tag played to its end.
// It never blocks, so it can be wired to [playback.WithOnFinished] directly.
func (e *Engine) PlaybackFinished(tag uint64) {
	msg := playbackDone{tag: tag}
	select {
	case e.queue <- msg:
	case <-e.closing:
	default:
		// The actor may be waiting on the player that called us.
		go e.post(msg)
	}
}

// Timings returns the detector delays currently in effect.
func (e *Engine) Timings() Timings {
	return *e.timings.Load()
}

// UpdateTimings validates t and applies it from the next speech on.
func (e *Engine) UpdateTimings(t Timings) error {
	if err := t.Validate(); err != nil {
		return err
	}
	e.post(timingsUpdate{timings: t})
	return nil
}

// post hands msg to the actor. It gives up once the engine is shutting down.
func (e *Engine) post(msg any) {
	select {
	case e.queue <- msg:
	case <-e.closing:
	}
}

// publish stores a snapshot for readers.
func (e *Engine) publish() {
	s := e.state
	e.snap.Store(&s)
}

func (e *Engine) shutdown() {
	e.closeOnce.Do(func() { close(e.closing) })
	e.det.Reset()
	if e.state.IsPlaybackActive {
		e.cfg.Player.StopImmediately()
	}
	e.state.IsPlaybackActive = false
	e.state.IsPipelineActive = false
	e.publish()
	e.log.Info("turn: engine stopped", "epoch", e.state.PipelineEpoch)
}

// drainTranscripts processes every transcript event that is already
// waiting. It returns false if the feed was closed.
func (e *Engine) drainTranscripts() bool {
	for {
		select {
		case ev, ok := <-e.cfg.Events:
			if !ok {
				return false
			}
			e.handleTranscript(ev)
		default:
			return true
		}
	}
}

func (e *Engine) handle(msg any) {
	switch m := msg.(type) {
	case Firing:
		e.handleFiring(m)
	case replyResult:
		e.handleReply(m)
	case speechResult:
		e.handleSpeech(m)
	case playbackDone:
		e.handlePlaybackDone(m)
	case swapDone:
		e.handleSwapDone(m)
	case stopCommand:
		if !e.state.IsPipelineActive && !e.state.IsPlaybackActive {
			e.log.Debug("turn: stop command with nothing to stop")
			return
		}
		e.utt.reset()
		e.interrupt("stop")
	case timingsUpdate:
		e.det.SetTimings(m.timings)
		e.timings.Store(&m.timings)
		e.log.Info("turn: timings updated", "timings", m.timings)
	case call:
		m()
	default:
		e.log.Error("turn: unknown queue message", "type", fmt.Sprintf("%T", msg))
	}
}

// ─── Transcripts ─────────────────────────────────────────────────────────────

func (e *Engine) handleTranscript(ev transcript.Event) {
	switch ev.Kind {
	case transcript.KindSwap:
		e.state.ActiveStreamID = ev.StreamID
		e.residue = nil
		e.log.Debug("turn: input stream active", "stream_id", ev.StreamID)
		return

	case transcript.KindError:
		e.log.Warn("turn: recognition feed lost", "stream_id", ev.StreamID, "error", ev.Err)
		e.restart()
		return
	}

	if ev.StreamID != e.state.ActiveStreamID {
		e.log.Debug("turn: dropping transcript from inactive stream",
			"stream_id", ev.StreamID, "active", e.state.ActiveStreamID, "seq", ev.Sequence)
		return
	}

	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	if e.flushed(ev.StreamID, text, ev.IsFinal) {
		e.log.Debug("turn: dropping flushed transcript of committed turn", "text", text)
		return
	}

	if e.state.IsPlaybackActive && e.cfg.Echo != nil && e.cfg.Echo.IsEcho(text, e.speaking) {
		e.log.Debug("turn: ignoring echo of own reply", "text", text)
		return
	}

	// Interruption runs before the detector sees the event.
	if e.state.IsPipelineActive || e.state.IsPlaybackActive {
		e.interrupt("speech")
	}

	e.utt.add(text, ev.IsFinal)
	e.emit(Event{Type: EventTranscriptionUpdate, Text: text, IsFinal: ev.IsFinal})

	if e.det.Speech(e.utt.text(), e.state.PipelineEpoch) {
		e.cand = &Candidate{CreatedAtEpoch: e.state.PipelineEpoch, Stage: StageArmed}
		e.log.Debug("turn: candidate armed", "epoch", e.state.PipelineEpoch)
	}
	e.cand.TranscriptSoFar = e.utt.text()
}

// flushed reports whether text repeats the residue of the last commit: same
// stream, and its words are a leading run of the residue's words. A
// matching final consumes the residue, anything else clears it.
func (e *Engine) flushed(streamID, text string, final bool) bool {
	residue := e.residue
	if len(residue) == 0 {
		return false
	}
	words := strings.Fields(normalize(text))
	match := streamID == e.residueStream &&
		len(words) > 0 && len(words) <= len(residue) &&
		slices.Equal(words, residue[:len(words)])
	if !match || final {
		e.residue = nil
	}
	return match
}

// interrupt invalidates everything downstream of the user's speech.
func (e *Engine) interrupt(source string) {
	old := e.state.PipelineEpoch
	e.bumpEpoch()
	e.cfg.Player.StopImmediately()
	e.det.Reset()
	e.metrics.RecordInterruption(context.Background(), source)
	if e.cand != nil && e.cand.CreatedAtEpoch == old && e.cand.Stage != StageCancelled {
		e.metrics.RecordTurn(context.Background(), "cancelled")
	}
	e.cand = nil
	e.emit(Event{Type: EventInterruption})
	e.log.Info("turn: interrupted", "source", source, "epoch", e.state.PipelineEpoch)
}

// bumpEpoch advances the epoch and drops all per-candidate state.
func (e *Engine) bumpEpoch() {
	e.state.PipelineEpoch++
	e.state.IsPipelineActive = false
	e.state.IsPlaybackActive = false
	e.llmCache = nil
	e.ttsCache = nil
	e.ttsWanted = false
	e.playWanted = false
	e.speaking = ""
}

// ─── Detector firings ────────────────────────────────────────────────────────

func (e *Engine) handleFiring(f Firing) {
	if f.Epoch != e.state.PipelineEpoch || !e.det.Fired(f) {
		e.log.Debug("turn: ignoring outdated firing", "action", f.Action, "epoch", f.Epoch)
		return
	}

	switch f.Action {
	case ActionLLM:
		e.requestReply(e.cand.TranscriptSoFar)
	case ActionTTS:
		if e.llmCache != nil {
			e.requestSynthesis(e.llmCache.Text)
		} else {
			e.ttsWanted = true
		}
	case ActionCommit:
		e.commit()
	}
}

// requestReply starts the speculative LLM call for the current candidate.
func (e *Engine) requestReply(text string) {
	epoch := e.state.PipelineEpoch
	if e.cand == nil || e.cand.CreatedAtEpoch != epoch {
		return
	}
	e.cand.Stage = StageLLMRequested
	e.state.IsPipelineActive = true

	msgs := append(e.history.Messages(), llm.Message{Role: llm.RoleUser, Content: text})
	e.log.Debug("turn: requesting reply", "epoch", epoch, "transcript", text)
	e.spawn(func(ctx context.Context) {
		reply, err := e.cfg.Pipeline.Reply(ctx, epoch, msgs)
		e.post(replyResult{epoch: epoch, text: reply, err: err})
	})
}

// requestSynthesis starts the TTS call for the cached reply.
func (e *Engine) requestSynthesis(text string) {
	epoch := e.state.PipelineEpoch
	if e.cand == nil || e.cand.CreatedAtEpoch != epoch {
		return
	}
	if e.cand.Stage < StageTTSRequested {
		e.cand.Stage = StageTTSRequested
	}
	e.ttsWanted = false

	e.log.Debug("turn: requesting synthesis", "epoch", epoch)
	e.spawn(func(ctx context.Context) {
		clip, err := e.cfg.Pipeline.Synthesize(ctx, epoch, text)
		e.post(speechResult{epoch: epoch, clip: clip, err: err})
	})
}

// commit ends the user's turn.
func (e *Engine) commit() {
	text := e.cand.TranscriptSoFar
	e.cand.Stage = StagePlaybackCommitted
	e.emit(Event{Type: EventUserMessage, Text: text})
	e.history.Add(llm.Message{Role: llm.RoleUser, Content: text})
	e.residue = strings.Fields(normalize(e.utt.partial))
	e.residueStream = e.state.ActiveStreamID
	e.utt.reset()
	e.log.Info("turn: committed", "epoch", e.state.PipelineEpoch, "transcript", text)

	e.swapInput()

	if e.ttsCache != nil {
		e.commitPlayback(e.ttsCache.Clip)
		return
	}
	e.playWanted = true
}

// commitPlayback starts the reply for the current epoch.
func (e *Engine) commitPlayback(clip audio.Clip) {
	epoch := e.state.PipelineEpoch
	if e.cand == nil || e.cand.CreatedAtEpoch != epoch || e.ttsCache == nil {
		return
	}
	clip.Tag = epoch
	e.cfg.Player.Play(clip)

	e.playWanted = false
	e.state.IsPipelineActive = false
	e.state.IsPlaybackActive = true
	e.speaking = e.ttsCache.Text

	e.emit(Event{Type: EventAIResponse, Text: e.speaking})
	e.history.Add(llm.Message{Role: llm.RoleAssistant, Content: e.speaking})
	e.metrics.TurnLatency.Record(context.Background(), e.clock.Now().Sub(e.det.Anchor()).Seconds())
	e.log.Info("turn: playing reply", "epoch", epoch, "duration", clip.Duration())
}

// ─── Worker results ──────────────────────────────────────────────────────────

// current reports whether a result for epoch may still be used. Stale
// results are counted and dropped.
func (e *Engine) current(kind ResultKind, epoch uint64) bool {
	if epoch == e.state.PipelineEpoch && e.cand != nil && e.cand.Stage != StageCancelled {
		return true
	}
	e.metrics.RecordStaleResult(context.Background(), kind.String())
	e.log.Debug("turn: discarding result",
		"stage", kind.String(),
		"epoch", epoch,
		"current", e.state.PipelineEpoch,
		"error", ErrStaleResult,
	)
	return false
}

func (e *Engine) handleReply(r replyResult) {
	if !e.current(ResultLLM, r.epoch) {
		return
	}
	if r.err != nil {
		e.fail(r.err)
		return
	}
	e.llmCache = &CachedResult{Kind: ResultLLM, Epoch: r.epoch, Text: r.text}
	if e.ttsWanted {
		e.requestSynthesis(r.text)
	}
}

func (e *Engine) handleSpeech(r speechResult) {
	if !e.current(ResultTTS, r.epoch) {
		return
	}
	if r.err != nil {
		e.fail(r.err)
		return
	}
	e.ttsCache = &CachedResult{Kind: ResultTTS, Epoch: r.epoch, Text: e.llmCache.Text, Clip: r.clip}
	if e.playWanted {
		e.commitPlayback(r.clip)
	}
}

// fail cancels the candidate after a stage failure. Nothing is retried.
func (e *Engine) fail(err error) {
	e.log.Warn("turn: stage failed", "epoch", e.state.PipelineEpoch, "error", err)
	e.cand.Stage = StageCancelled
	e.det.Cancel()
	e.bumpEpoch()
	e.metrics.RecordTurn(context.Background(), "failed")
	e.emit(Event{Type: EventTurnFailed, Err: err})
}

func (e *Engine) handlePlaybackDone(m playbackDone) {
	if m.tag != e.state.PipelineEpoch || !e.state.IsPlaybackActive {
		return
	}
	e.log.Debug("turn: reply finished", "epoch", m.tag)
	e.bumpEpoch()
	e.det.Reset()
	e.cand = nil
	e.metrics.RecordTurn(context.Background(), "spoken")
}

// ─── Session ─────────────────────────────────────────────────────────────────

// swapInput flushes the finished turn and moves to a fresh input on a
// worker. A degraded session falls back to a cold restart.
func (e *Engine) swapInput() {
	if e.swapping {
		e.log.Debug("turn: swap already in progress")
		return
	}
	e.swapping = true
	e.spawn(func(ctx context.Context) {
		e.cfg.Session.FinalizeCurrentInput()
		id, err := e.cfg.Session.SwapInput(ctx)
		restarted := false
		if errors.Is(err, session.ErrSessionDegraded) {
			e.log.Warn("turn: session degraded, falling back to cold start", "error", err)
			restarted = true
			id, err = e.cfg.Session.Restart(ctx)
		}
		e.post(swapDone{streamID: id, restarted: restarted, err: err})
	})
}

// restart replaces a lost recognition engine on a worker. While a swap is
// running the restart is deferred until the swap reports back.
func (e *Engine) restart() {
	if e.swapping {
		e.restartPending = true
		e.log.Debug("turn: restart deferred until swap completes")
		return
	}
	e.swapping = true
	e.spawn(func(ctx context.Context) {
		id, err := e.cfg.Session.Restart(ctx)
		e.post(swapDone{streamID: id, restarted: true, err: err})
	})
}

func (e *Engine) handleSwapDone(m swapDone) {
	e.swapping = false
	pending := e.restartPending
	e.restartPending = false

	if m.err != nil {
		e.log.Error("turn: listening failed", "error", m.err)
		e.emit(Event{Type: EventListeningFailed, Err: m.err})
	} else {
		e.log.Debug("turn: input ready", "stream_id", m.streamID, "restarted", m.restarted)
	}
	// A cold restart already replaced the engine that reported the loss.
	if pending && !m.restarted {
		e.restart()
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// spawn runs fn on a worker goroutine with the Run context.
func (e *Engine) spawn(fn func(ctx context.Context)) {
	ctx := e.ctx
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		fn(ctx)
	}()
}

func (e *Engine) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock.Now()
	}
	ev.Epoch = e.state.PipelineEpoch
	e.sink.Emit(ev)
}

// utterance accumulates the user's words since the last commit. Finals are
// kept; the latest partial covers the segment still being recognised.
type utterance struct {
	finals  []string
	partial string
}

func (u *utterance) add(text string, final bool) {
	if final {
		u.finals = append(u.finals, text)
		u.partial = ""
		return
	}
	u.partial = text
}

func (u *utterance) text() string {
	parts := u.finals
	if u.partial != "" {
		parts = append(parts[:len(parts):len(parts)], u.partial)
	}
	return strings.Join(parts, " ")
}

func (u *utterance) reset() {
	u.finals = nil
	u.partial = ""
}

// normalize lowercases text and collapses it to space-separated words.
func normalize(text string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r > 127 || r == '\'')
	}), " ")
}
