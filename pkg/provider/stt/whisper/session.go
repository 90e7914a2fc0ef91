package whisper

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/hearth/pkg/provider/stt"
)

var _ stt.SessionHandle = (*session)(nil)

type segmenterConfig struct {
	sampleRate  int
	channels    int
	silenceMs   int
	maxBufferMs int
	rms         float64
}

// session buffers speech and transcribes a segment whenever it closes. All
// buffering state is confined to the process goroutine.
type session struct {
	cfg        segmenterConfig
	transcribe func([]float32) (string, error)

	audio    chan []byte
	flush    chan chan struct{}
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newSession(cfg segmenterConfig, transcribe func([]float32) (string, error)) *session {
	s := &session{
		cfg:        cfg,
		transcribe: transcribe,
		audio:      make(chan []byte, 256),
		flush:      make(chan chan struct{}),
		partials:   make(chan stt.Transcript, 64),
		finals:     make(chan stt.Transcript, 64),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.process()
	return s
}

func (s *session) SendAudio(chunk []byte) error {
	if err := s.KeepAlive(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case s.audio <- chunk:
		return nil
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// Finalize transcribes whatever speech is buffered and returns once the
// segment has been handed to inference. Queued audio is consumed first.
func (s *session) Finalize() error {
	ack := make(chan struct{})
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case s.flush <- ack:
	}
	select {
	case <-ack:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// KeepAlive succeeds while the session is open; the model is local.
func (s *session) KeepAlive() error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
		return nil
	}
}

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) process() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer    []byte
		hadSpeech bool
		silence   time.Duration
		clock     time.Duration // audio received so far
		segStart  time.Duration
	)
	maxBuffer := time.Duration(s.cfg.maxBufferMs) * time.Millisecond
	silenceLimit := time.Duration(s.cfg.silenceMs) * time.Millisecond

	emit := func() {
		pcm, speech := buffer, hadSpeech
		buffer, hadSpeech, silence = nil, false, 0
		if len(pcm) == 0 || !speech {
			return
		}
		text, err := s.transcribe(toFloat32Mono(pcm, s.cfg.channels))
		if err != nil {
			slog.Error("whisper: inference failed", "err", err)
			return
		}
		if text == "" {
			return
		}
		t := stt.Transcript{Text: text, Start: segStart, End: clock}
		select {
		case s.partials <- t:
		default:
		}
		t.IsFinal = true
		select {
		case s.finals <- t:
		case <-s.done:
		}
	}

	consume := func(chunk []byte) {
		d := pcmDuration(chunk, s.cfg.sampleRate, s.cfg.channels)
		if rms(chunk) < s.cfg.rms {
			if hadSpeech {
				buffer = append(buffer, chunk...)
				silence += d
			}
			clock += d
			if hadSpeech && silence >= silenceLimit {
				emit()
			}
			return
		}
		if !hadSpeech {
			segStart = clock
		}
		hadSpeech = true
		silence = 0
		buffer = append(buffer, chunk...)
		clock += d
		if maxBuffer > 0 && pcmDuration(buffer, s.cfg.sampleRate, s.cfg.channels) >= maxBuffer {
			emit()
		}
	}

	for {
		select {
		case <-s.done:
			return
		case chunk := <-s.audio:
			consume(chunk)
		case ack := <-s.flush:
			for drained := false; !drained; {
				select {
				case chunk := <-s.audio:
					consume(chunk)
				default:
					drained = true
				}
			}
			emit()
			close(ack)
		}
	}
}
