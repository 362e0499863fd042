// Package mock provides a test double for the stt package interfaces.
//
// Use Provider to feed controlled Transcript values and inspect which
// utterances were submitted for transcription.
//
// Example:
//
//	p := &mock.Provider{
//	    Transcripts: []*stt.Transcript{{Text: "hello"}},
//	}
//	tr, _ := p.Transcribe(ctx, pcm)
package mock

import (
	"context"
	"sync"

	"github.com/nvolker/duplex/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is a copy of the audio bytes that were passed to Transcribe.
	PCM []byte
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Transcripts are returned in order, one per Transcribe call. When the
	// list is exhausted the last entry is repeated. If empty and Errs is
	// also empty, Transcribe returns an empty Transcript.
	Transcripts []*stt.Transcript

	// Errs are returned in order, one per Transcribe call, interleaved with
	// Transcripts by call index. A nil entry means the call succeeds.
	Errs []error

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall

	calls int
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the scripted transcript or error
// for the current call index.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte) (*stt.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, PCM: cp})

	idx := p.calls
	p.calls++

	if idx < len(p.Errs) && p.Errs[idx] != nil {
		return nil, p.Errs[idx]
	}

	if len(p.Transcripts) == 0 {
		return &stt.Transcript{}, nil
	}
	if idx >= len(p.Transcripts) {
		idx = len(p.Transcripts) - 1
	}
	return p.Transcripts[idx], nil
}

// CallCount returns how many times Transcribe has been invoked. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Reset clears all recorded calls and the call index. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
	p.calls = 0
}
