// Package playback provides the [audio.Player] that owns hearth's audio
// output. A single dispatch goroutine slices clips into fixed-size frames and
// hands them to an output callback; StopImmediately is a synchronisation
// point with that goroutine.
package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/hearth/pkg/audio"
)

var _ audio.Player = (*Controller)(nil)

const (
	// DefaultFrameDuration matches the 20 ms Opus frames of the voice transport.
	DefaultFrameDuration = 20 * time.Millisecond
)

// DefaultFormat is the output format of the Discord transport.
var DefaultFormat = audio.Format{SampleRate: 48000, Channels: 2}

// Option configures a [Controller].
type Option func(*Controller)

// WithFormat sets the format frames are converted to before output.
func WithFormat(f audio.Format) Option {
	return func(c *Controller) {
		c.format = f
	}
}

// WithFrameDuration sets the frame size. Frames are paced at this interval
// unless pacing is disabled with [WithoutPacing].
func WithFrameDuration(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.frameDur = d
		}
	}
}

// WithoutPacing writes frames as fast as the output callback accepts them.
func WithoutPacing() Option {
	return func(c *Controller) {
		c.paced = false
	}
}

// WithOnFinished registers a callback invoked with [audio.Clip.Tag] when a
// clip plays to its end. It is not called for stopped or replaced clips.
// The callback runs on the dispatch goroutine and must not block.
func WithOnFinished(fn func(tag uint64)) Option {
	return func(c *Controller) {
		c.onFinished = fn
	}
}

// Controller is a concrete [audio.Player].
//
// All exported methods are safe for concurrent use.
type Controller struct {
	output     func(audio.AudioFrame)
	format     audio.Format
	frameDur   time.Duration
	paced      bool
	onFinished func(uint64)

	mu      sync.Mutex
	pending *audio.Clip
	playing bool

	notify  chan struct{}      // signalled when a clip is submitted
	stopReq chan chan struct{} // StopImmediately hands its ack channel here
	done    chan struct{}
	once    sync.Once
}

// New creates a Controller that delivers frames to output and starts its
// dispatch goroutine. output is called sequentially and should not block for
// longer than one frame. Call [Controller.Close] to release the goroutine.
func New(output func(audio.AudioFrame), opts ...Option) *Controller {
	c := &Controller{
		output:   output,
		format:   DefaultFormat,
		frameDur: DefaultFrameDuration,
		paced:    true,
		notify:   make(chan struct{}, 1),
		stopReq:  make(chan chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.dispatch()
	return c
}

// Play starts clip as soon as the dispatch goroutine picks it up, replacing
// whatever is playing. It never blocks.
func (c *Controller) Play(clip audio.Clip) {
	c.mu.Lock()
	c.pending = &clip
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// StopImmediately drops any pending clip and halts the current one. It
// returns after the dispatch goroutine acknowledged the stop, so no frame of
// the stopped clip is written afterwards. Calling it while idle is a no-op.
func (c *Controller) StopImmediately() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()

	ack := make(chan struct{})
	select {
	case c.stopReq <- ack:
		<-ack
	case <-c.done:
	}
}

// IsPlaying reports whether a clip is currently being written.
func (c *Controller) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Close stops playback and the dispatch goroutine. It is idempotent.
func (c *Controller) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *Controller) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case ack := <-c.stopReq:
			close(ack)
		case <-c.notify:
			c.drainPending()
		}
	}
}

// drainPending plays pending clips until none is left or a stop arrives.
func (c *Controller) drainPending() {
	for {
		c.mu.Lock()
		clip := c.pending
		c.pending = nil
		c.playing = clip != nil
		c.mu.Unlock()
		if clip == nil {
			return
		}

		finished := c.play(clip)

		c.mu.Lock()
		c.playing = false
		c.mu.Unlock()

		if finished && c.onFinished != nil {
			c.onFinished(clip.Tag)
		}
	}
}

// play writes the frames of clip. It returns true when the clip ended
// naturally and false when it was stopped or superseded.
func (c *Controller) play(clip *audio.Clip) bool {
	frames := c.slice(clip)

	var tick <-chan time.Time
	if c.paced {
		ticker := time.NewTicker(c.frameDur)
		defer ticker.Stop()
		tick = ticker.C
	}

	for i, frame := range frames {
		if i > 0 && tick != nil {
			select {
			case <-c.done:
				return false
			case ack := <-c.stopReq:
				close(ack)
				return false
			case <-tick:
			}
		}
		select {
		case <-c.done:
			return false
		case ack := <-c.stopReq:
			close(ack)
			return false
		case <-c.notify:
			// A newer clip replaced this one; the caller picks it up.
			c.mu.Lock()
			superseded := c.pending != nil
			c.mu.Unlock()
			if superseded {
				return false
			}
		default:
		}
		c.output(frame)
	}
	return true
}

// slice converts clip to the output format and cuts it into frames, padding
// the last one with silence.
func (c *Controller) slice(clip *audio.Clip) []audio.AudioFrame {
	src := audio.Format{SampleRate: clip.SampleRate, Channels: clip.Channels}
	data := clip.Data
	if src != c.format && src.SampleRate > 0 && src.Channels > 0 {
		data = audio.Reshape(data, src, c.format)
	}

	size := c.format.SampleRate * c.format.Channels * 2 * int(c.frameDur/time.Millisecond) / 1000
	if size <= 0 {
		size = len(data)
	}
	var frames []audio.AudioFrame
	for off := 0; off < len(data); off += size {
		end := min(off+size, len(data))
		chunk := make([]byte, size)
		copy(chunk, data[off:end])
		frames = append(frames, audio.AudioFrame{
			Data:       chunk,
			SampleRate: c.format.SampleRate,
			Channels:   c.format.Channels,
			Timestamp:  time.Duration(len(frames)) * c.frameDur,
		})
	}
	return frames
}
