package session

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/hearth/pkg/audio"
	"github.com/MrWong99/hearth/pkg/provider/stt"
)

// inputBuffer is the number of converted chunks an input holds before the
// tap starts dropping audio for it.
const inputBuffer = 64

// input is one logical input stream: the PCM the recognition engine hears
// between two swaps. fed is closed once its feeder delivered everything.
type input struct {
	id  string
	ch  chan []byte
	fed chan struct{}
}

func newInput(id string) *input {
	return &input{id: id, ch: make(chan []byte, inputBuffer), fed: make(chan struct{})}
}

// tap reads the participant capture channels of a connection, converts the
// frames to the engine format and publishes them to whichever input is
// current. Consumers never touch the connection directly.
type tap struct {
	target audio.Format
	user   string
	log    *slog.Logger

	mu      sync.Mutex
	cur     *input
	readers map[<-chan audio.AudioFrame]struct{}
	stopped bool

	stop    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
}

// newTap creates a tap converting to target. When user is non-empty only that
// participant's audio is published.
func newTap(target audio.Format, user string, log *slog.Logger) *tap {
	return &tap{
		target:  target,
		user:    user,
		log:     log,
		readers: make(map[<-chan audio.AudioFrame]struct{}),
		stop:    make(chan struct{}),
	}
}

// attach starts reading every current participant of conn and follows new
// ones as they join.
func (t *tap) attach(conn audio.Connection) {
	conn.OnParticipantChange(func(ev audio.Event) {
		if ev.Type == audio.EventJoin {
			t.follow(conn.InputStreams())
		}
	})
	t.follow(conn.InputStreams())
}

// follow starts a reader for every stream not already being read. Streams are
// tracked by channel identity because a transport may re-key a stream once it
// learns the speaker's ID.
func (t *tap) follow(streams map[string]<-chan audio.AudioFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	for participant, ch := range streams {
		if t.user != "" && participant != t.user {
			continue
		}
		if _, ok := t.readers[ch]; ok {
			continue
		}
		t.readers[ch] = struct{}{}
		t.wg.Add(1)
		go t.read(participant, ch)
	}
}

func (t *tap) read(participant string, ch <-chan audio.AudioFrame) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.readers, ch)
		t.mu.Unlock()
	}()

	conv := &audio.Converter{Target: t.target}
	t.log.Debug("session: reading participant audio", "participant", participant)
	for {
		select {
		case <-t.stop:
			return
		case frame, ok := <-ch:
			if !ok {
				t.log.Debug("session: participant stream closed", "participant", participant)
				return
			}
			out := conv.Convert(frame)
			if len(out.Data) == 0 {
				continue
			}
			t.publish(out.Data)
		}
	}
}

// publish hands pcm to the current input without blocking. Audio is dropped
// while no input is current or the engine falls behind.
func (t *tap) publish(pcm []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return
	}
	select {
	case t.cur.ch <- pcm:
	default:
		if t.dropped.Add(1)%100 == 1 {
			t.log.Warn("session: engine falling behind, dropping audio", "input", t.cur.id, "dropped", t.dropped.Load())
		}
	}
}

// swap makes in the current input and closes the previous one, which ends its
// feeder once the buffered audio has been delivered. The previous input is
// returned so the next feeder can wait for it.
func (t *tap) swap(in *input) (prev *input) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		close(in.ch)
		return nil
	}
	prev = t.cur
	if prev != nil {
		close(prev.ch)
	}
	t.cur = in
	return prev
}

// close stops every reader and closes the current input. Safe to call more
// than once.
func (t *tap) close() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	close(t.stop)
	if t.cur != nil {
		close(t.cur.ch)
		t.cur = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// feed forwards an input to the recognition session until the input is
// closed. It starts only after prev, if any, was fed completely, so audio of
// two inputs never interleaves. Send errors are expected while the session
// shuts down and are only logged.
func feed(sess stt.SessionHandle, in, prev *input, log *slog.Logger) {
	defer close(in.fed)
	if prev != nil {
		<-prev.fed
	}
	var failed bool
	for pcm := range in.ch {
		if err := sess.SendAudio(pcm); err != nil && !failed {
			failed = true
			log.Debug("session: send audio failed", "input", in.id, "error", err)
		}
	}
}
