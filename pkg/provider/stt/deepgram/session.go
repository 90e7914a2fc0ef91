package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/hearth/pkg/provider/stt"
)

const controlTimeout = 2 * time.Second

// Control frame types understood by the listen socket.
const (
	controlFinalize    = "Finalize"
	controlKeepAlive   = "KeepAlive"
	controlCloseStream = "CloseStream"
)

type control struct {
	Type string `json:"type"`
}

// result is a "Results" frame. Other frame types only fill Type.
type result struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []alternative `json:"alternatives"`
	} `json:"channel"`
}

type alternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Words      []word  `json:"words"`
}

type word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// session is one open listen socket. Audio goes through a single writer
// goroutine; control frames are written directly, which coder/websocket
// allows concurrently with other writes.
type session struct {
	conn     *websocket.Conn
	stop     context.CancelFunc
	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	closed chan struct{}
	once   sync.Once
	lost   atomic.Bool
	wg     sync.WaitGroup
}

func newSession(conn *websocket.Conn) *session {
	ctx, stop := context.WithCancel(context.Background())
	s := &session{
		conn:     conn,
		stop:     stop,
		audio:    make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		closed:   make(chan struct{}),
	}
	s.wg.Add(2)
	go s.pump(ctx)
	go s.listen(ctx)
	return s
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// SendAudio queues one PCM chunk for the writer.
func (s *session) SendAudio(chunk []byte) error {
	if err := s.usable(); err != nil {
		return err
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closed:
		return stt.ErrSessionClosed
	}
}

// Finalize flushes the current segment. Its final arrives on Finals.
func (s *session) Finalize() error { return s.send(controlFinalize) }

// KeepAlive doubles as a liveness probe: it fails once the socket is gone.
func (s *session) KeepAlive() error { return s.send(controlKeepAlive) }

// Close sends CloseStream, stops both goroutines and closes the socket.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.closed)
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		_ = wsjson.Write(ctx, s.conn, control{Type: controlCloseStream})
		cancel()
		s.stop()
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (s *session) usable() error {
	select {
	case <-s.closed:
		return stt.ErrSessionClosed
	default:
	}
	if s.lost.Load() {
		return fmt.Errorf("deepgram: connection lost: %w", stt.ErrSessionClosed)
	}
	return nil
}

func (s *session) send(typ string) error {
	if err := s.usable(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, s.conn, control{Type: typ}); err != nil {
		return fmt.Errorf("deepgram: %s: %w", typ, err)
	}
	return nil
}

// pump writes queued audio as binary frames.
func (s *session) pump(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		}
	}
}

// listen routes results to Partials or Finals until the socket ends. An end
// not caused by Close marks the session as lost.
func (s *session) listen(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.lost.Store(true)
			}
			return
		}
		t, ok := decodeResult(data)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.closed:
			return
		}
	}
}

// decodeResult converts a Results frame. Metadata, speech events and
// malformed frames report false.
func decodeResult(data []byte) (stt.Transcript, bool) {
	var r result
	if err := json.Unmarshal(data, &r); err != nil || r.Type != "Results" {
		return stt.Transcript{}, false
	}
	if len(r.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	best := r.Channel.Alternatives[0]
	t := stt.Transcript{
		Text:       best.Transcript,
		IsFinal:    r.IsFinal,
		Confidence: best.Confidence,
		Start:      seconds(r.Start),
		End:        seconds(r.Start + r.Duration),
		Words:      make([]stt.WordDetail, len(best.Words)),
	}
	for i, w := range best.Words {
		t.Words[i] = stt.WordDetail{Word: w.Word, Start: seconds(w.Start), End: seconds(w.End), Confidence: w.Confidence}
	}
	return t, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
