package tts

// VoiceProfile identifies a synthesis voice and its delivery parameters.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider names the backend this voice belongs to (e.g. "elevenlabs").
	Provider string

	// Speed is the playback rate multiplier. 1.0 is normal speed; zero
	// means provider default.
	Speed float64

	// Stability and SimilarityBoost tune synthesis consistency for backends
	// that support them. Zero values mean provider defaults.
	Stability       float64
	SimilarityBoost float64

	// Metadata carries provider-specific labels such as accent or age.
	Metadata map[string]string
}
