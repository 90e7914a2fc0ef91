// Package stt defines the Provider interface for streaming speech-to-text
// engines.
//
// An engine session is meant to stay warm for a whole conversation: the
// caller feeds PCM through [SessionHandle.SendAudio], reads partial and final
// results, and marks turn boundaries with [SessionHandle.Finalize]. Only
// [SessionHandle.Close] ends the session. The two calls have very different
// cost and must never be used interchangeably.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SessionHandle methods after Close or after
// the engine connection was lost.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a session.
type StreamConfig struct {
	// SampleRate in Hz of the PCM passed to SendAudio. 16000 for most engines.
	SampleRate int

	// Channels of the PCM passed to SendAudio. 1 = mono.
	Channels int

	// Language is a BCP-47 tag. Empty lets the engine choose.
	Language string

	// Keywords boosts uncommon vocabulary such as names.
	Keywords []KeywordBoost
}

// SessionHandle is an open streaming recognition session.
//
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers PCM matching the agreed StreamConfig.
	SendAudio(chunk []byte) error

	// Partials emits interim results. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed results. Closed when the session ends.
	Finals() <-chan Transcript

	// Finalize asks the engine to flush results for the audio received so far
	// and start a new segment. The session, its model and its connection stay
	// up. It must be cheap.
	Finalize() error

	// KeepAlive verifies the session can still accept audio, without sending
	// any. It returns an error when the engine connection is gone.
	KeepAlive() error

	// Close terminates the session and releases the engine. Partials and
	// Finals are closed afterwards. Repeated calls return nil.
	Close() error
}

// Provider starts recognition sessions.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a session. This is the expensive cold path: it may
	// dial a remote service or load a model. ctx bounds the setup only.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
