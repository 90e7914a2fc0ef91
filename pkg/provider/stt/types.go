package stt

import "time"

// Transcript is one recognition result. Partials and finals share this type.
type Transcript struct {
	Text    string
	IsFinal bool

	// Confidence is in [0,1]; zero when the engine does not report it.
	Confidence float64

	// Words carries per-word timing when the engine provides it.
	Words []WordDetail

	// Start and End bound the audio this result covers, relative to the start
	// of the engine session.
	Start time.Duration
	End   time.Duration
}

// WordDetail holds per-word timing.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost raises the recognition probability of Keyword.
type KeywordBoost struct {
	Keyword string

	// Boost is the engine-specific intensity.
	Boost float64
}
