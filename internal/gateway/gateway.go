// Package gateway exposes the voice pipeline over a WebSocket audio
// transport.
//
// A client connects, streams raw little-endian int16 PCM as binary messages,
// and receives synthesized replies as binary messages on the same
// connection. Each connection is bound to exactly one session: the
// connection's inbound frames become the session's capture source and its
// outbound side becomes the session's player.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nvolker/duplex/internal/session"
	"github.com/nvolker/duplex/pkg/audio"
	"github.com/nvolker/duplex/pkg/provider/capture"
)

// stopTimeout bounds how long a disconnecting handler waits for the session
// event loop to drain.
const stopTimeout = 5 * time.Second

// ─── Options ─────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway)

// WithFormat sets the PCM format the gateway stamps on inbound frames.
// Defaults to 16 kHz mono.
func WithFormat(sampleRate, channels int) Option {
	return func(g *Gateway) {
		g.sampleRate = sampleRate
		g.channels = channels
	}
}

// WithAcceptOptions overrides the WebSocket accept options, for example to
// restrict allowed origins.
func WithAcceptOptions(opts *websocket.AcceptOptions) Option {
	return func(g *Gateway) { g.acceptOpts = opts }
}

// ─── Gateway ─────────────────────────────────────────────────────────────────

// Gateway upgrades HTTP requests to WebSocket audio connections and runs one
// session per connection through the manager.
type Gateway struct {
	manager    *session.Manager
	sampleRate int
	channels   int
	acceptOpts *websocket.AcceptOptions
}

// New creates a Gateway that starts sessions on mgr.
func New(mgr *session.Manager, opts ...Option) *Gateway {
	g := &Gateway{
		manager:    mgr,
		sampleRate: 16000,
		channels:   1,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Register attaches the gateway route to mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.Handle("GET /v1/audio", g)
}

// ServeHTTP upgrades the request and runs the audio connection until the
// client disconnects or the request context is cancelled.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, g.acceptOpts)
	if err != nil {
		return
	}

	src := newConnSource(g.sampleRate, g.channels)
	player := &connPlayer{conn: conn}

	if err := g.manager.Start(r.Context(), src, player); err != nil {
		conn.Close(websocket.StatusTryAgainLater, "another session is active")
		return
	}
	sessionDone := g.manager.Done()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		g.readLoop(r.Context(), conn, src)
	}()

	select {
	case <-readDone:
	case <-sessionDone:
		// The session ended on its own, most likely an unrecoverable turn
		// failure. Closing the connection unblocks the read loop.
		conn.Close(websocket.StatusInternalError, "session ended")
		<-readDone
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), stopTimeout)
	defer cancel()
	_ = g.manager.Stop(stopCtx)

	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// readLoop forwards binary messages into the capture source until the
// connection fails or closes. Non-binary messages are ignored.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, src *connSource) {
	defer src.end()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		src.push(data)
	}
}

// ─── Connection-backed source and player ─────────────────────────────────────

// connSource adapts the inbound half of a WebSocket connection to a capture
// source. It is its own stream: Open returns the source itself, and pushed
// messages become frames with monotonic timestamps.
type connSource struct {
	sampleRate int
	channels   int

	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once

	// elapsed is touched only by the read loop goroutine.
	elapsed time.Duration
}

var _ capture.Source = (*connSource)(nil)
var _ capture.Stream = (*connSource)(nil)

func newConnSource(sampleRate, channels int) *connSource {
	return &connSource{
		sampleRate: sampleRate,
		channels:   channels,
		frames:     make(chan audio.Frame, 64),
		done:       make(chan struct{}),
	}
}

// Open implements capture.Source.
func (s *connSource) Open(ctx context.Context) (capture.Stream, error) {
	return s, nil
}

// Frames implements capture.Stream.
func (s *connSource) Frames() <-chan audio.Frame { return s.frames }

// Close implements capture.Stream. It unblocks push without closing the
// frame channel; only the read loop closes that via end.
func (s *connSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// push delivers one PCM payload as a frame. Drops the payload once the
// session has closed the stream.
func (s *connSource) push(data []byte) {
	frame := audio.Frame{
		Data:       data,
		SampleRate: s.sampleRate,
		Channels:   s.channels,
		Timestamp:  s.elapsed,
	}
	s.elapsed += frame.Duration()
	select {
	case s.frames <- frame:
	case <-s.done:
	}
}

// end closes the frame channel, signalling a normal end of capture to the
// session. Called exactly once, by the read loop.
func (s *connSource) end() {
	close(s.frames)
}

// connPlayer writes synthesized audio back to the client as binary messages.
type connPlayer struct {
	conn *websocket.Conn
}

var _ session.Player = (*connPlayer)(nil)

// Play implements session.Player.
func (p *connPlayer) Play(ctx context.Context, pcm []byte) error {
	if err := p.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("gateway: write playback audio: %w", err)
	}
	return nil
}
