// Package mock provides test doubles for the capture package interfaces.
//
// Use Source to feed scripted audio frames into a session:
//
//	src := &mock.Source{Frames: []audio.Frame{f1, f2}}
//	stream, _ := src.Open(ctx)
//	for f := range stream.Frames() { ... }
package mock

import (
	"context"
	"sync"

	"github.com/nvolker/duplex/pkg/audio"
	"github.com/nvolker/duplex/pkg/provider/capture"
)

// Source is a mock implementation of capture.Source.
type Source struct {
	// Frames are emitted in order by the opened stream, after which the
	// stream's channel stays open until Close (or closes immediately when
	// AutoClose is set).
	Frames []audio.Frame

	// AutoClose closes the frame channel once all scripted frames have been
	// delivered.
	AutoClose bool

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error
}

// Ensure Source implements capture.Source at compile time.
var _ capture.Source = (*Source)(nil)

// Open returns a Stream that emits the scripted frames.
func (s *Source) Open(ctx context.Context) (capture.Stream, error) {
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	st := &Stream{ch: make(chan audio.Frame, len(s.Frames)+1)}
	for _, f := range s.Frames {
		st.ch <- f
	}
	if s.AutoClose {
		close(st.ch)
		st.closed = true
	}
	return st, nil
}

// Stream is the mock capture.Stream returned by Source.Open. Frames may also
// be pushed mid-test via Push.
type Stream struct {
	mu     sync.Mutex
	ch     chan audio.Frame
	closed bool
}

// Ensure Stream implements capture.Stream at compile time.
var _ capture.Stream = (*Stream)(nil)

// Frames returns the frame channel.
func (s *Stream) Frames() <-chan audio.Frame { return s.ch }

// Push delivers one more frame to the stream. It is a no-op after Close.
func (s *Stream) Push(f audio.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- f
}

// Close closes the frame channel. Calling Close more than once is safe.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.ch)
		s.closed = true
	}
	return nil
}
