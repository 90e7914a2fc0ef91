package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultRecorderBuffer  = 128
	defaultRecorderBatch   = 32
	defaultRecorderTimeout = 5 * time.Second
)

// RecorderOption configures a [Recorder].
type RecorderOption func(*Recorder)

// WithRecorderBuffer sets how many entries may wait for the store.
// Entries beyond that are dropped. Defaults to 128.
func WithRecorderBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithRecorderBatch caps how many queued entries go to the store in one
// Append. Defaults to 32.
func WithRecorderBatch(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithWriteTimeout caps each Append call. Defaults to 5s.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRecorderLogger sets the logger. Defaults to slog.Default().
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) { r.log = l }
}

// Recorder writes entries to a [SessionStore] on its own goroutine so that
// callers on a latency-sensitive path never wait for the database.
type Recorder struct {
	store     SessionStore
	sessionID string
	buffer    int
	batch     int
	timeout   time.Duration
	log       *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan TranscriptEntry
	done   chan struct{}
}

// NewRecorder starts a Recorder that appends to the log of sessionID.
func NewRecorder(store SessionStore, sessionID string, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		buffer:    defaultRecorderBuffer,
		batch:     defaultRecorderBatch,
		timeout:   defaultRecorderTimeout,
		log:       slog.Default(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.queue = make(chan TranscriptEntry, r.buffer)
	go r.run()
	return r
}

// Record queues entry without blocking. It reports false if the entry was
// dropped because the queue is full or the Recorder is closed.
func (r *Recorder) Record(entry TranscriptEntry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- entry:
		return true
	default:
		r.log.Warn("memory: recorder queue full, dropping entry", "session_id", r.sessionID, "role", entry.Role)
		return false
	}
}

// Close stops accepting entries and waits until the queued ones are written.
// Safe to call multiple times.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	batch := make([]TranscriptEntry, 0, r.batch)
	for entry := range r.queue {
		batch = append(batch[:0], entry)
		batch = r.drain(batch)

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.store.Append(ctx, r.sessionID, batch...)
		cancel()
		if err != nil {
			r.log.Error("memory: failed to write entries", "session_id", r.sessionID, "entries", len(batch), "error", err)
		}
	}
}

// drain adds already queued entries to batch without waiting for more.
func (r *Recorder) drain(batch []TranscriptEntry) []TranscriptEntry {
	for len(batch) < r.batch {
		select {
		case entry, ok := <-r.queue:
			if !ok {
				return batch
			}
			batch = append(batch, entry)
		default:
			return batch
		}
	}
	return batch
}
