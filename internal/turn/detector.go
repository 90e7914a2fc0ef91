package turn

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default stage delays, measured from the last speech.
const (
	DefaultLLMDelay    = 500 * time.Millisecond
	DefaultTTSDelay    = 1500 * time.Millisecond
	DefaultCommitDelay = 2000 * time.Millisecond
)

// Word limits for the short-utterance extensions.
const (
	veryShortWords = 3
	shortWords     = 6
)

// Timings holds the detector's delays. All three stage delays are measured
// from the same last-speech anchor.
type Timings struct {
	LLMDelay    time.Duration
	TTSDelay    time.Duration
	CommitDelay time.Duration

	// VeryShortExtension is added to every stage for utterances of at most
	// three words. Zero disables it.
	VeryShortExtension time.Duration

	// ShortExtension is added to every stage for utterances of four to six
	// words. Zero disables it.
	ShortExtension time.Duration
}

// DefaultTimings returns the 0.5s / 1.5s / 2.0s staging without extensions.
func DefaultTimings() Timings {
	return Timings{
		LLMDelay:    DefaultLLMDelay,
		TTSDelay:    DefaultTTSDelay,
		CommitDelay: DefaultCommitDelay,
	}
}

// Validate requires 0 < LLMDelay < TTSDelay < CommitDelay and non-negative
// extensions.
func (t Timings) Validate() error {
	var errs []error
	if t.LLMDelay <= 0 {
		errs = append(errs, fmt.Errorf("llm delay must be positive, got %v", t.LLMDelay))
	}
	if t.TTSDelay <= t.LLMDelay {
		errs = append(errs, fmt.Errorf("tts delay %v must exceed llm delay %v", t.TTSDelay, t.LLMDelay))
	}
	if t.CommitDelay <= t.TTSDelay {
		errs = append(errs, fmt.Errorf("commit delay %v must exceed tts delay %v", t.CommitDelay, t.TTSDelay))
	}
	if t.VeryShortExtension < 0 || t.ShortExtension < 0 {
		errs = append(errs, errors.New("extensions must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTimings, errors.Join(errs...))
	}
	return nil
}

// extension returns the extra delay for an utterance of the given length.
func (t Timings) extension(words int) time.Duration {
	switch {
	case words <= veryShortWords:
		return t.VeryShortExtension
	case words <= shortWords:
		return t.ShortExtension
	default:
		return 0
	}
}

// DetectorState is the state of the turn boundary detector.
type DetectorState int

const (
	Idle DetectorState = iota
	Armed
	Probing
	Confirming
	Committed
	Cancelled
)

// String returns a human-readable label.
func (s DetectorState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Probing:
		return "probing"
	case Confirming:
		return "confirming"
	case Committed:
		return "committed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Action is one of the detector's delayed actions.
type Action int

const (
	ActionLLM Action = iota
	ActionTTS
	ActionCommit
)

// String returns a human-readable label.
func (a Action) String() string {
	switch a {
	case ActionLLM:
		return "llm"
	case ActionTTS:
		return "tts"
	case ActionCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Firing is a delayed action that came due. It carries the epoch and the
// schedule generation it was created under so the engine can drop firings
// that were overtaken by new speech or an interruption.
type Firing struct {
	Action Action
	Epoch  uint64
	Gen    uint64
}

// Detector is the cascading, cancelable turn-boundary timer. It is owned by
// the engine goroutine and not safe for concurrent use; its timers only post
// [Firing] values through the fire callback.
type Detector struct {
	timings Timings
	clock   Clock
	fire    func(Firing)

	state  DetectorState
	anchor time.Time
	gen    uint64
	timers []Timer
}

// NewDetector creates an idle detector. fire is called from timer goroutines
// and must hand the firing to the owner without blocking for long.
func NewDetector(t Timings, clock Clock, fire func(Firing)) *Detector {
	return &Detector{timings: t, clock: clock, fire: fire}
}

// State returns the current state.
func (d *Detector) State() DetectorState { return d.state }

// Anchor returns the time of the last speech that (re)scheduled the timers.
func (d *Detector) Anchor() time.Time { return d.anchor }

// SetTimings replaces the delays. Running timers keep their schedule; the
// next speech uses the new values.
func (d *Detector) SetTimings(t Timings) { d.timings = t }

// Timings returns the current delays.
func (d *Detector) Timings() Timings { return d.timings }

// Speech records non-empty speech under epoch. From a resting state it arms
// the detector; while armed it moves the anchor. Either way all three
// actions are (re)scheduled from now. It reports whether the call armed a
// new candidate.
func (d *Detector) Speech(text string, epoch uint64) bool {
	armed := d.state != Armed && d.state != Probing && d.state != Confirming
	d.stopTimers()
	d.state = Armed
	d.anchor = d.clock.Now()
	d.gen++

	ext := d.timings.extension(len(strings.Fields(text)))
	gen := d.gen
	for _, s := range []struct {
		action Action
		delay  time.Duration
	}{
		{ActionLLM, d.timings.LLMDelay},
		{ActionTTS, d.timings.TTSDelay},
		{ActionCommit, d.timings.CommitDelay},
	} {
		f := Firing{Action: s.action, Epoch: epoch, Gen: gen}
		d.timers = append(d.timers, d.clock.AfterFunc(s.delay+ext, func() { d.fire(f) }))
	}
	return armed
}

// Fired validates a firing against the current schedule and advances the
// state. It returns false for firings from an older schedule or a state the
// action cannot follow.
func (d *Detector) Fired(f Firing) bool {
	if f.Gen != d.gen {
		return false
	}
	switch {
	case f.Action == ActionLLM && d.state == Armed:
		d.state = Probing
	case f.Action == ActionTTS && d.state == Probing:
		d.state = Confirming
	case f.Action == ActionCommit && d.state == Confirming:
		d.state = Committed
		d.timers = nil
	default:
		return false
	}
	return true
}

// Cancel stops all timers. A committed detector stays committed.
func (d *Detector) Cancel() {
	d.stopTimers()
	d.gen++
	if d.state != Committed {
		d.state = Cancelled
	}
}

// Reset stops all timers and returns to Idle.
func (d *Detector) Reset() {
	d.stopTimers()
	d.gen++
	d.state = Idle
}

func (d *Detector) stopTimers() {
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = nil
}
