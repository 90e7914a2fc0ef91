package session

import "errors"

var (
	// ErrEngineUnavailable is returned when the audio platform or the
	// recognition engine cannot be brought up. It is user-visible.
	ErrEngineUnavailable = errors.New("session: engine unavailable")

	// ErrSessionDegraded is returned when the warm session failed a swap
	// twice. The caller is expected to fall back to [Manager.Restart].
	ErrSessionDegraded = errors.New("session: degraded")

	// ErrNotStarted is returned by operations that need a running engine.
	ErrNotStarted = errors.New("session: not started")

	// ErrShutdown is returned by every operation after [Manager.Shutdown].
	ErrShutdown = errors.New("session: shut down")
)
