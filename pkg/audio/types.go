// Package audio defines the shared audio data structures used across the
// duplex pipeline: PCM frames, derived spectral features, and the format
// conversion helpers capture adapters rely on.
//
// Frames are the atomic unit of audio transport: delivered by a capture
// stream, analysed by the VAD engine, and accumulated into utterance buffers.
// All PCM data is 16-bit signed little-endian.
package audio

import "time"

// Frame represents a single block of captured audio flowing through the
// pipeline. Capture adapters deliver frames at a roughly fixed cadence
// (≈100 ms by default).
type Frame struct {
	// Data is raw little-endian int16 PCM. Sample rate and channel count are
	// described by the fields below.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT-optimised mono, 48000 for device
	// native capture).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	// Monotonic within a stream.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame's PCM payload.
// Returns 0 for frames with an invalid format.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
