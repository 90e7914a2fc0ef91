// Package audio defines the audio types shared by hearth's voice transport,
// speech-to-text input and playback output.
//
// A [Platform] joins a voice channel and hands back a [Connection]: the
// "audio hardware" of a conversation. Capture arrives as per-participant
// input streams, output leaves through a single write-only stream. A
// [Player] sits in front of that output stream and owns what is audible.
//
// This package lives under pkg/ so third-party transports can implement
// [Platform] and [Connection].
package audio

import (
	"context"
)

// EventType classifies participant lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a participant joining or leaving the channel.
type Event struct {
	Type     EventType
	UserID   string
	Username string
}

// Connection is a live voice channel session.
//
// All input channels are closed when the connection terminates. The output
// channel is owned by the writer and is never closed by the connection.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// InputStreams returns a snapshot of the per-participant capture channels
	// keyed by participant ID. Call it again after an [EventJoin] to pick up
	// new speakers.
	InputStreams() map[string]<-chan AudioFrame

	// OutputStream returns the buffered channel that reaches every listener.
	// Writes after Disconnect are dropped.
	OutputStream() chan<- AudioFrame

	// OnParticipantChange registers the single join/leave callback. It runs on
	// an internal goroutine and must not block.
	OnParticipantChange(cb func(Event))

	// Disconnect tears the session down. Repeated calls return nil.
	Disconnect() error
}

// Platform connects to voice channels.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID. ctx bounds the connection attempt only.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
