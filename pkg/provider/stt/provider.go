// Package stt defines the Provider interface for batch speech-to-text
// backends.
//
// An STT provider wraps a transcription service (a local whisper server, the
// OpenAI transcription API, or similar) behind a single blocking call: the
// caller hands over one complete utterance of PCM audio and receives the
// recognised text. Utterance segmentation happens upstream in the voice
// activity detector, so providers never see partial or overlapping audio.
//
// Implementations must be safe for concurrent use; the session layer may
// transcribe utterances from several sessions at once.
package stt

import "context"

// Transcript is the result of transcribing one utterance.
type Transcript struct {
	// Text is the recognised text. Providers return it verbatim; filler
	// filtering and deduplication are the orchestrator's concern.
	Text string

	// Language is the BCP-47 tag of the detected or configured language
	// (e.g. "en", "ru"). Empty when the provider does not report one.
	Language string

	// Duration is how long the source audio was, in seconds. Zero when the
	// provider does not report it.
	Duration float64
}

// AudioConfig describes the PCM format of audio passed to Transcribe.
// All providers expect 16-bit signed little-endian samples.
type AudioConfig struct {
	// SampleRate is the sample rate in Hz. 16000 is the value every
	// supported backend accepts natively.
	SampleRate int

	// Channels is the channel count. Backends require mono; the capture
	// pipeline downmixes before audio reaches a provider.
	Channels int
}

// Provider is the abstraction over any batch STT backend.
type Provider interface {
	// Transcribe submits one complete utterance of raw PCM audio and blocks
	// until the backend returns text or fails. The audio format must match
	// the AudioConfig the provider was constructed with.
	//
	// Errors that carry an HTTP status implement interface{ HTTPStatus() int }
	// so callers can distinguish retryable failures from permanent ones.
	Transcribe(ctx context.Context, pcm []byte) (*Transcript, error)
}
