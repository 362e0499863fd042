// Package mock provides a test double for the respond package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/nvolker/duplex/pkg/provider/respond"
)

// Provider is a mock implementation of respond.Provider.
type Provider struct {
	mu sync.Mutex

	// Reply is the content returned by Respond and streamed by Stream.
	Reply string

	// Chunks, when non-empty, is streamed by Stream instead of Reply.
	// The last chunk should carry a FinishReason.
	Chunks []respond.Chunk

	// Err, if non-nil, is returned as the error from Respond and Stream.
	Err error

	// Requests records every Request passed to Respond or Stream.
	Requests []respond.Request
}

// Ensure Provider implements respond.Provider at compile time.
var _ respond.Provider = (*Provider)(nil)

// Respond records the call and returns Reply or Err.
func (p *Provider) Respond(ctx context.Context, req respond.Request) (*respond.Response, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}
	return &respond.Response{Content: p.Reply}, nil
}

// Stream records the call and emits Chunks, or Reply as a single chunk
// followed by a "stop" finish.
func (p *Provider) Stream(ctx context.Context, req respond.Request) (<-chan respond.Chunk, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	p.mu.Unlock()

	if p.Err != nil {
		return nil, p.Err
	}

	ch := make(chan respond.Chunk, len(p.Chunks)+2)
	if len(p.Chunks) > 0 {
		for _, c := range p.Chunks {
			ch <- c
		}
	} else {
		ch <- respond.Chunk{Text: p.Reply}
		ch <- respond.Chunk{FinishReason: "stop"}
	}
	close(ch)
	return ch, nil
}

// RequestCount returns how many calls were recorded. Thread-safe.
func (p *Provider) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}
