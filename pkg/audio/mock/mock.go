// Package mock provides in-memory implementations of [audio.Platform],
// [audio.Connection] and [audio.Player] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose fields to control results.
//
// Typical usage:
//
//	in := make(chan audio.AudioFrame, 16)
//	conn := &mock.Connection{
//	    InputStreamsResult: map[string]<-chan audio.AudioFrame{"user-1": in},
//	}
//	platform := &mock.Platform{ConnectResult: conn}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/hearth/pkg/audio"
)

var (
	_ audio.Platform   = (*Platform)(nil)
	_ audio.Connection = (*Connection)(nil)
	_ audio.Player     = (*Player)(nil)
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection].
type Connection struct {
	mu sync.Mutex

	// InputStreamsResult is returned by InputStreams. Nil yields an empty map.
	InputStreamsResult map[string]<-chan audio.AudioFrame

	// OutputStreamResult is returned by OutputStream.
	OutputStreamResult chan<- audio.AudioFrame

	// DisconnectError is returned by Disconnect.
	DisconnectError error

	CallCountInputStreams  int
	CallCountOutputStream  int
	CallCountDisconnect    int
	CallCountOnParticipant int

	// RecordedCallbacks holds the callbacks registered via OnParticipantChange.
	RecordedCallbacks []func(audio.Event)
}

// InputStreams implements [audio.Connection].
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountInputStreams++
	snap := make(map[string]<-chan audio.AudioFrame, len(c.InputStreamsResult))
	for k, v := range c.InputStreamsResult {
		snap[k] = v
	}
	return snap
}

// SetInputStreams replaces the input map, e.g. to simulate a speaker joining.
func (c *Connection) SetInputStreams(streams map[string]<-chan audio.AudioFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InputStreamsResult = streams
}

// OutputStream implements [audio.Connection].
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOutputStream++
	return c.OutputStreamResult
}

// OnParticipantChange implements [audio.Connection].
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountOnParticipant++
	c.RecordedCallbacks = append(c.RecordedCallbacks, cb)
}

// Disconnect implements [audio.Connection].
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	return c.DisconnectError
}

// Disconnects returns how many times Disconnect was called.
func (c *Connection) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountDisconnect
}

// EmitEvent invokes every registered participant callback with ev.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cbs := make([]func(audio.Event), len(c.RecordedCallbacks))
	copy(cbs, c.RecordedCallbacks)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is returned by Connect.
	ConnectError error

	// ConnectCalls records the channel ID of every Connect call.
	ConnectCalls []string
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, channelID)
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	return p.ConnectResult, nil
}

// Connects returns how many times Connect was called.
func (p *Platform) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// ─── Player ───────────────────────────────────────────────────────────────────

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu sync.Mutex

	// OnPlay, if set, is called synchronously from Play.
	OnPlay func(audio.Clip)

	// PlayCalls records every clip passed to Play.
	PlayCalls []audio.Clip

	// StopCount records how many times StopImmediately was called.
	StopCount int
}

// Play implements [audio.Player].
func (p *Player) Play(clip audio.Clip) {
	p.mu.Lock()
	p.PlayCalls = append(p.PlayCalls, clip)
	hook := p.OnPlay
	p.mu.Unlock()
	if hook != nil {
		hook(clip)
	}
}

// StopImmediately implements [audio.Player].
func (p *Player) StopImmediately() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StopCount++
}

// Plays returns a copy of the recorded Play calls.
func (p *Player) Plays() []audio.Clip {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.Clip(nil), p.PlayCalls...)
}

// Stops returns how many times StopImmediately was called.
func (p *Player) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.StopCount
}

// Reset clears all recorded calls.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlayCalls = nil
	p.StopCount = 0
}
