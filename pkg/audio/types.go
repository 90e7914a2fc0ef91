package audio

import "time"

// AudioFrame is one chunk of PCM audio moving between the voice transport,
// the speech-to-text engine and the playback controller.
type AudioFrame struct {
	// Data holds little-endian int16 PCM samples, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (48000 on the Discord transport, 16000 for STT input).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Clip is a complete synthesized utterance ready for playback.
type Clip struct {
	// Data holds little-endian int16 PCM samples.
	Data []byte

	SampleRate int
	Channels   int

	// Tag is an opaque caller value echoed back when the clip finishes
	// playing. The turn engine stores the pipeline epoch here.
	Tag uint64
}

// Duration returns the playing time of the clip. A clip with an unknown
// format reports zero.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := len(c.Data) / (2 * c.Channels)
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// Player owns audio output. Implementations must be safe for concurrent use.
type Player interface {
	// Play starts the clip immediately, replacing anything already playing.
	// It never blocks on the output device.
	Play(clip Clip)

	// StopImmediately halts playback. It is a no-op when nothing is playing
	// and returns only once no further frame of the stopped clip can reach
	// the output.
	StopImmediately()
}
