// Package transcript turns the raw partial and final feeds of a speech-to-text
// session into one ordered stream of [Event] values.
//
// Each event carries the ID of the input stream it was recognised on and a
// sequence number that restarts at zero whenever the input is swapped. The
// swap marker travels on the same channel as the transcripts, so a consumer
// that sees a [KindSwap] event knows every later event belongs to the new
// stream. An adapter opens its feed with a marker for its first stream too.
package transcript

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/hearth/pkg/provider/stt"
)

// ErrSourceClosed is carried by the terminal [KindError] event when the
// recognition session stops delivering results without being asked to.
var ErrSourceClosed = errors.New("transcript: recognition feed closed")

// Kind discriminates the items on the adapter's output channel.
type Kind int

const (
	// KindTranscript is a partial or final recognition result.
	KindTranscript Kind = iota

	// KindSwap marks the start of a new input stream. StreamID names it.
	KindSwap

	// KindError is the last event an adapter emits after its source failed.
	KindError
)

// String returns a human-readable label.
func (k Kind) String() string {
	switch k {
	case KindTranscript:
		return "transcript"
	case KindSwap:
		return "swap"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of the ordered transcript stream. Values are immutable
// once emitted.
type Event struct {
	Kind Kind

	// Text is the recognised text. Empty for markers.
	Text string

	// IsFinal reports whether the engine committed this text.
	IsFinal bool

	// AudioTimestamp is the end of the audio this result covers. It never
	// decreases within one stream.
	AudioTimestamp time.Duration

	// Sequence increases by one per transcript within a stream and restarts
	// at zero after every swap.
	Sequence uint64

	// StreamID identifies the input stream the event belongs to.
	StreamID string

	// Err is set on KindError events.
	Err error
}

// Source is the part of a recognition session the adapter reads from.
type Source interface {
	Partials() <-chan stt.Transcript
	Finals() <-chan stt.Transcript
}

var _ Source = (stt.SessionHandle)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		a.log = l
	}
}

// WithCorrector rewrites the text of every transcript before it is emitted.
func WithCorrector(c Corrector) Option {
	return func(a *Adapter) {
		a.fix = c
	}
}

// Adapter reads one recognition session and writes events to a channel it
// does not own, so a replacement adapter can continue the same feed after a
// cold restart.
//
// All exported methods are safe for concurrent use.
type Adapter struct {
	src Source
	out chan<- Event
	log *slog.Logger
	fix Corrector

	swapCh chan string
	stop   chan struct{}
	done   chan struct{}

	stopOnce sync.Once
}

// NewAdapter starts an adapter reading src and emitting to out, beginning
// with a [KindSwap] marker for stream streamID. Events are sent with blocking sends; the consumer
// must keep reading out until the adapter is stopped.
func NewAdapter(src Source, out chan<- Event, streamID string, opts ...Option) *Adapter {
	a := &Adapter{
		src:    src,
		out:    out,
		log:    slog.Default(),
		swapCh: make(chan string),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.run(streamID)
	return a
}

// Swap switches the adapter to streamID. The swap marker is emitted before
// any later result, and the sequence restarts at zero. Swap returns false if
// the adapter has already stopped.
func (a *Adapter) Swap(streamID string) bool {
	select {
	case a.swapCh <- streamID:
		return true
	case <-a.done:
		return false
	}
}

// Stop ends the adapter without emitting an error event and waits for its
// goroutine to exit. Safe to call multiple times.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
	<-a.done
}

// Done is closed when the adapter has exited, either through Stop or after
// emitting its terminal error.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

func (a *Adapter) run(streamID string) {
	defer close(a.done)

	var (
		seq    uint64
		maxTS  time.Duration
		fresh  = true
		parts  = a.src.Partials()
		finals = a.src.Finals()
	)

	emit := func(ev Event) bool {
		select {
		case a.out <- ev:
			return true
		case <-a.stop:
			return false
		}
	}

	result := func(t stt.Transcript) bool {
		ts := t.End
		if ts < maxTS {
			ts = maxTS
		}
		maxTS = ts
		if !fresh {
			seq++
		}
		fresh = false
		text := t.Text
		if a.fix != nil {
			text = a.fix.Correct(text)
		}
		return emit(Event{
			Kind:           KindTranscript,
			Text:           text,
			IsFinal:        t.IsFinal,
			AudioTimestamp: ts,
			Sequence:       seq,
			StreamID:       streamID,
		})
	}

	fail := func() {
		select {
		case <-a.stop:
			return
		default:
		}
		a.log.Warn("transcript: recognition feed closed", "stream_id", streamID)
		emit(Event{Kind: KindError, StreamID: streamID, Err: ErrSourceClosed})
	}

	if !emit(Event{Kind: KindSwap, StreamID: streamID}) {
		return
	}

	for {
		select {
		case <-a.stop:
			return

		case id := <-a.swapCh:
			streamID = id
			seq, maxTS, fresh = 0, 0, true
			if !emit(Event{Kind: KindSwap, StreamID: id}) {
				return
			}

		case t, ok := <-parts:
			if !ok {
				fail()
				return
			}
			t.IsFinal = false
			if !result(t) {
				return
			}

		case t, ok := <-finals:
			if !ok {
				fail()
				return
			}
			t.IsFinal = true
			if !result(t) {
				return
			}
		}
	}
}
