// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns reply text into raw PCM audio. The pipeline plays one
// reply at a time, so the primary call is a blocking Synthesize that returns
// the full utterance; implementations that stream internally collect the
// chunks before returning.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into one complete utterance of raw 16-bit
	// little-endian PCM audio using the given voice. It blocks until the
	// audio is fully available or ctx is cancelled.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)

	// ListVoices returns the voices available to the configured credentials.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
