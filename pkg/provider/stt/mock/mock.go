// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to count cold starts and hand out prepared sessions. Use
// Session to feed transcripts and to script KeepAlive failures.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Sessions: []stt.SessionHandle{sess}}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.PartialsCh <- stt.Transcript{Text: "hello"}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hearth/pkg/provider/stt"
)

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are returned by successive StartStream calls. Once exhausted,
	// a fresh [NewSession] is returned.
	Sessions []stt.SessionHandle

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	// StartStreamCalls records the config of every StartStream call.
	StartStreamCalls []stt.StreamConfig

	next int
}

// StartStream records the call and returns the next prepared session.
func (p *Provider) StartStream(_ context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, cfg)
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.next < len(p.Sessions) {
		s := p.Sessions[p.next]
		p.next++
		return s, nil
	}
	return NewSession(), nil
}

// SetStartStreamErr changes the StartStream error under the lock.
func (p *Provider) SetStartStreamErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamErr = err
}

// Starts returns how many times StartStream was called.
func (p *Provider) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Session is a mock implementation of stt.SessionHandle. Tests own PartialsCh
// and FinalsCh: send to them to simulate results and close them to simulate a
// lost engine connection. Close does not close the channels.
type Session struct {
	mu sync.Mutex

	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	// SendAudioErr is returned by every SendAudio call.
	SendAudioErr error

	// OnSendAudio, if set, runs at the start of every SendAudio call,
	// before the chunk is recorded and outside the lock.
	OnSendAudio func(chunk []byte)

	// FinalizeErr is returned by every Finalize call.
	FinalizeErr error

	// KeepAliveErrs are returned by successive KeepAlive calls; once
	// exhausted KeepAlive returns KeepAliveErr.
	KeepAliveErrs []error
	KeepAliveErr  error

	// Call records.
	SendAudioCalls [][]byte
	FinalizeCount  int
	KeepAliveCount int
	CloseCount     int
}

// NewSession returns a Session with buffered result channels.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
	}
}

// SendAudio runs OnSendAudio and records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	hook := s.OnSendAudio
	s.mu.Unlock()
	if hook != nil {
		hook(chunk)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = append(s.SendAudioCalls, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript { return s.FinalsCh }

// Finalize records the call and returns FinalizeErr.
func (s *Session) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FinalizeCount++
	return s.FinalizeErr
}

// KeepAlive records the call and returns the next scripted error.
func (s *Session) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeepAliveCount++
	if len(s.KeepAliveErrs) > 0 {
		err := s.KeepAliveErrs[0]
		s.KeepAliveErrs = s.KeepAliveErrs[1:]
		return err
	}
	return s.KeepAliveErr
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return nil
}

// Finalizes returns the number of Finalize calls.
func (s *Session) Finalizes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalizeCount
}

// Closes returns the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCount
}

// AudioChunks returns the number of SendAudio calls.
func (s *Session) AudioChunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Audio returns copies of the chunks received so far, in order.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.SendAudioCalls...)
}

// SetOnSendAudio changes OnSendAudio under the lock.
func (s *Session) SetOnSendAudio(fn func(chunk []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OnSendAudio = fn
}

// SetKeepAliveErrs scripts the next KeepAlive results.
func (s *Session) SetKeepAliveErrs(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.KeepAliveErrs = errs
}

// KeepAlives returns the number of KeepAlive calls.
func (s *Session) KeepAlives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.KeepAliveCount
}
