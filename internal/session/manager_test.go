package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nvolker/duplex/internal/orchestrator"
	"github.com/nvolker/duplex/pkg/provider/capture"
	"github.com/nvolker/duplex/pkg/provider/tts"

	capmock "github.com/nvolker/duplex/pkg/provider/capture/mock"
	respondmock "github.com/nvolker/duplex/pkg/provider/respond/mock"
	sttmock "github.com/nvolker/duplex/pkg/provider/stt/mock"
	ttsmock "github.com/nvolker/duplex/pkg/provider/tts/mock"
)

// testFactory builds idle sessions whose capture stream stays open until the
// manager cancels the run context.
func testFactory(t *testing.T, closers []func() error) Factory {
	t.Helper()
	return func(id string, src capture.Source, player Player) (*Session, []func() error, error) {
		orch := orchestrator.New(&sttmock.Provider{}, &respondmock.Provider{},
			&ttsmock.Provider{}, tts.VoiceProfile{}, fastRetryer(3))
		sess, err := New(Config{
			ID:           id,
			Source:       src,
			Player:       player,
			Orchestrator: orch,
		})
		if err != nil {
			return nil, nil, err
		}
		return sess, closers, nil
	}
}

func TestManagerStartStop(t *testing.T) {
	var mu sync.Mutex
	var order []int
	closers := []func() error{
		func() error { mu.Lock(); order = append(order, 0); mu.Unlock(); return nil },
		func() error { mu.Lock(); order = append(order, 1); mu.Unlock(); return nil },
	}

	mgr := NewManager(testFactory(t, closers), nil)

	if err := mgr.Start(context.Background(), &capmock.Source{}, &recordingPlayer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !mgr.IsActive() {
		t.Error("IsActive = false after Start")
	}
	info := mgr.Info()
	if !strings.HasPrefix(info.SessionID, "session-") {
		t.Errorf("SessionID = %q, want session- prefix", info.SessionID)
	}
	if mgr.Active() == nil {
		t.Error("Active returned nil for a running session")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := mgr.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if mgr.IsActive() {
		t.Error("IsActive = true after Stop")
	}
	if mgr.Active() != nil {
		t.Error("Active returned a session after Stop")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 0 {
		t.Errorf("closer order = %v, want reverse registration order [1 0]", order)
	}
}

func TestManagerSecondStartFails(t *testing.T) {
	mgr := NewManager(testFactory(t, nil), nil)

	if err := mgr.Start(context.Background(), &capmock.Source{}, &recordingPlayer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx)
	}()

	if err := mgr.Start(context.Background(), &capmock.Source{}, &recordingPlayer{}); err == nil {
		t.Error("second Start succeeded, want error while a session is active")
	}
}

func TestManagerStopWithoutActiveSession(t *testing.T) {
	mgr := NewManager(testFactory(t, nil), nil)
	if err := mgr.Stop(context.Background()); err == nil {
		t.Error("Stop succeeded with no active session, want error")
	}
}

func TestManagerFactoryError(t *testing.T) {
	mgr := NewManager(func(id string, src capture.Source, player Player) (*Session, []func() error, error) {
		return nil, nil, context.DeadlineExceeded
	}, nil)

	if err := mgr.Start(context.Background(), &capmock.Source{}, &recordingPlayer{}); err == nil {
		t.Fatal("Start succeeded despite factory error")
	}
	if mgr.IsActive() {
		t.Error("IsActive = true after a failed Start")
	}
}
