package tts

// VoiceProfile selects the voice a reply is spoken with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// PitchShift adjusts pitch in semitones (-10 to +10). Providers without
	// pitch control ignore it.
	PitchShift float64

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default). Zero means
	// the provider default.
	SpeedFactor float64
}
