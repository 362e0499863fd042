package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nvolker/duplex/internal/observe"
	"github.com/nvolker/duplex/pkg/provider/capture"
)

// Info holds metadata about the active session.
type Info struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// Factory builds a Session for the given id over the capture source and
// player of one caller connection, together with the closers that release
// its resources. Closers are run in reverse order when the session stops.
type Factory func(id string, src capture.Source, player Player) (*Session, []func() error, error)

// Manager owns the lifecycle of voice sessions. Only one session can be
// active at a time. All exported methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	active  bool
	info    Info
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}

	// closers are called in reverse order during Stop.
	closers []func() error

	factory Factory
	metrics *observe.Metrics
	now     func() time.Time
}

// NewManager creates a Manager that builds sessions through factory.
// metrics may be nil.
func NewManager(factory Factory, metrics *observe.Metrics) *Manager {
	return &Manager{
		factory: factory,
		metrics: metrics,
		now:     time.Now,
	}
}

// Start begins a new voice session over src and player and runs it on a
// background goroutine until Stop is called or the capture stream ends.
//
// Returns an error if a session is already active.
func (m *Manager) Start(ctx context.Context, src capture.Source, player Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return fmt.Errorf("session: a session is already active (id=%s)", m.info.SessionID)
	}

	now := m.now().UTC()
	id := fmt.Sprintf("session-%s", now.Format("20060102T150405Z"))

	sess, closers, err := m.factory(id, src, player)
	if err != nil {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return fmt.Errorf("session: build session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	m.active = true
	m.session = sess
	m.cancel = cancel
	m.done = done
	m.closers = closers
	m.info = Info{SessionID: id, StartedAt: now}

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}

	go func() {
		defer close(done)
		if err := sess.Run(runCtx); err != nil {
			slog.Error("session ended with error", "session_id", id, "error", err)
		}
	}()

	slog.Info("session started", "session_id", id)
	return nil
}

// Stop gracefully ends the active session: it cancels the run context, waits
// for the event loop to drain, and runs the closers in reverse order.
//
// Returns an error if no session is active.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return fmt.Errorf("session: no active session to stop")
	}

	id := m.info.SessionID

	m.cancel()
	select {
	case <-m.done:
	case <-ctx.Done():
		slog.Warn("session stop timed out waiting for event loop", "session_id", id)
	}

	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			slog.Warn("session closer error", "session_id", id, "index", i, "error", err)
		}
	}

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}

	stats := m.session.Stats()
	m.active = false
	m.session = nil
	m.cancel = nil
	m.done = nil
	m.closers = nil
	m.info = Info{}

	slog.Info("session stopped",
		"session_id", id,
		"utterances", stats.Utterances,
		"accepted", stats.Accepted,
		"echoes_rejected", stats.EchoesRejected,
		"skipped", stats.Skipped,
		"turns_completed", stats.TurnsCompleted,
		"errors", stats.Errors,
	)
	return nil
}

// Done returns a channel that is closed when the active session's run loop
// exits, whether by Stop, stream end, or an unrecoverable turn failure.
// Returns nil when no session is active.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// IsActive reports whether a session is currently running.
func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Info returns metadata about the active session. Zero value when no session
// is active.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// Active returns the running session, or nil when none is active.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}
