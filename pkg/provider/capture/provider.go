// Package capture defines the Source interface for audio input backends.
//
// A capture source delivers the caller's microphone or line audio as a
// stream of fixed-size PCM frames. The session layer reads frames from the
// stream, converts them to the pipeline format, and feeds them to the voice
// activity detector.
package capture

import (
	"context"

	"github.com/nvolker/duplex/pkg/audio"
)

// Stream is an open audio input stream.
//
// Callers must call Close when the stream is no longer needed; failing to do
// so may leak goroutines inside the source implementation.
type Stream interface {
	// Frames returns a read-only channel emitting captured audio frames in
	// order. The channel is closed when the stream ends or Close is called.
	Frames() <-chan audio.Frame

	// Close stops capture and releases all associated resources. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Source is the abstraction over any audio input backend.
type Source interface {
	// Open starts capturing and returns a Stream ready to deliver frames.
	// Cancelling ctx ends the stream.
	Open(ctx context.Context) (Stream, error)
}
