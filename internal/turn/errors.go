package turn

import "errors"

var (
	// ErrStageFailure wraps an LLM or TTS error or timeout. The candidate is
	// cancelled and nothing is retried.
	ErrStageFailure = errors.New("turn: stage failure")

	// ErrStaleResult marks a stage result that arrived after the pipeline
	// epoch moved on. It is discarded, never surfaced.
	ErrStaleResult = errors.New("turn: stale result")

	// ErrInvalidTimings is returned by [Timings.Validate].
	ErrInvalidTimings = errors.New("turn: invalid timings")
)
