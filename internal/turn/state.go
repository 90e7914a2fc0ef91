package turn

import "github.com/MrWong99/hearth/pkg/audio"

// SessionState is the turn-management state of one conversation. The engine
// goroutine is its only writer; everybody else reads copies from
// [Engine.Snapshot].
type SessionState struct {
	// ActiveStreamID is the input stream transcripts are accepted from.
	ActiveStreamID string

	// PipelineEpoch only ever increases. Every candidate, timer and stage
	// result carries the epoch it was created under and is void once the
	// epoch moves on.
	PipelineEpoch uint64

	// IsPlaybackActive is true while a reply is audible.
	IsPlaybackActive bool

	// IsPipelineActive is true from the speculative LLM kick-off until the
	// reply starts playing or the candidate ends.
	IsPipelineActive bool
}

// Stage is the progress of a [Candidate] through the response pipeline.
type Stage int

const (
	StageArmed Stage = iota
	StageLLMRequested
	StageTTSRequested
	StagePlaybackCommitted
	StageCancelled
)

// String returns a human-readable label.
func (s Stage) String() string {
	switch s {
	case StageArmed:
		return "armed"
	case StageLLMRequested:
		return "llm_requested"
	case StageTTSRequested:
		return "tts_requested"
	case StagePlaybackCommitted:
		return "playback_committed"
	case StageCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Candidate is a possible end of the user's turn. It is live only while
// CreatedAtEpoch equals the current pipeline epoch.
type Candidate struct {
	CreatedAtEpoch  uint64
	TranscriptSoFar string
	Stage           Stage
}

// ResultKind identifies the stage that produced a [CachedResult].
type ResultKind int

const (
	ResultLLM ResultKind = iota
	ResultTTS
)

// String returns "llm" or "tts".
func (k ResultKind) String() string {
	if k == ResultTTS {
		return "tts"
	}
	return "llm"
}

// CachedResult holds a finished stage result for one epoch. It is read only
// while Epoch matches the current pipeline epoch.
type CachedResult struct {
	Kind  ResultKind
	Epoch uint64

	// Text is the reply text. Set for both kinds.
	Text string

	// Clip is the synthesized reply. Set for ResultTTS.
	Clip audio.Clip
}
