package gateway_test

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nvolker/duplex/internal/gateway"
	"github.com/nvolker/duplex/internal/orchestrator"
	"github.com/nvolker/duplex/internal/resilience"
	"github.com/nvolker/duplex/internal/session"
	"github.com/nvolker/duplex/internal/vad"
	"github.com/nvolker/duplex/pkg/provider/capture"
	"github.com/nvolker/duplex/pkg/provider/stt"
	"github.com/nvolker/duplex/pkg/provider/tts"

	respondmock "github.com/nvolker/duplex/pkg/provider/respond/mock"
	sttmock "github.com/nvolker/duplex/pkg/provider/stt/mock"
	ttsmock "github.com/nvolker/duplex/pkg/provider/tts/mock"
)

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// toneFrame returns 100 ms of 16 kHz mono PCM at a constant amplitude.
func toneFrame(amp int16) []byte {
	const samples = 1600
	buf := make([]byte, samples*2)
	for i := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amp))
	}
	return buf
}

// sendUtterance writes enough speech and trailing silence for the VAD to
// finalize one utterance.
func sendUtterance(t *testing.T, ctx context.Context, conn *websocket.Conn) {
	t.Helper()
	for range 2 {
		if err := conn.Write(ctx, websocket.MessageBinary, toneFrame(3000)); err != nil {
			t.Fatalf("write speech frame: %v", err)
		}
	}
	for range 3 {
		if err := conn.Write(ctx, websocket.MessageBinary, toneFrame(0)); err != nil {
			t.Fatalf("write silence frame: %v", err)
		}
	}
}

// newTestServer wires a gateway over a manager whose sessions use mock
// providers. Returned audio is always replyAudio bytes long.
func newTestServer(t *testing.T, replyAudio int) (*httptest.Server, *session.Manager) {
	t.Helper()
	sttP := &sttmock.Provider{Transcripts: []*stt.Transcript{{Text: "What is the weather like?"}}}
	return newServerWithSTT(t, sttP, replyAudio)
}

// newServerWithSTT is newTestServer with a caller-supplied STT backend.
func newServerWithSTT(t *testing.T, sttP stt.Provider, replyAudio int) (*httptest.Server, *session.Manager) {
	t.Helper()

	retryer := resilience.NewRetryer(resilience.RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Factor:      2.0,
	})

	factory := func(id string, src capture.Source, player session.Player) (*session.Session, []func() error, error) {
		orch := orchestrator.New(
			sttP,
			&respondmock.Provider{Reply: "Sunny all week."},
			&ttsmock.Provider{Audio: make([]byte, replyAudio)},
			tts.VoiceProfile{ID: "test-voice"},
			retryer,
		)
		sess, err := session.New(session.Config{
			ID:           id,
			Source:       src,
			Player:       player,
			Orchestrator: orch,
			VAD: vad.Config{
				SilenceGap:        200 * time.Millisecond,
				MinSpeechDuration: 50 * time.Millisecond,
			},
		})
		if err != nil {
			return nil, nil, err
		}
		return sess, nil, nil
	}

	mgr := session.NewManager(factory, nil)
	g := gateway.New(mgr, gateway.WithAcceptOptions(&websocket.AcceptOptions{
		InsecureSkipVerify: true,
	}))

	mux := http.NewServeMux()
	g.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func TestGatewayRoundTrip(t *testing.T) {
	srv, mgr := newTestServer(t, 640)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"/v1/audio", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	sendUtterance(t, ctx, conn)

	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read playback: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Errorf("playback message type = %v, want MessageBinary", typ)
	}
	if len(data) != 640 {
		t.Errorf("playback payload = %d bytes, want 640", len(data))
	}

	if !mgr.IsActive() {
		t.Error("IsActive = false while the connection is open")
	}
}

func TestGatewayStopsSessionOnDisconnect(t *testing.T) {
	srv, mgr := newTestServer(t, 640)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"/v1/audio", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := conn.Close(websocket.StatusNormalClosure, "hanging up"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mgr.IsActive() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.IsActive() {
		t.Error("session still active after the client disconnected")
	}
}

func TestGatewayRejectsSecondConnection(t *testing.T) {
	srv, _ := newTestServer(t, 640)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := websocket.Dial(ctx, wsURL(srv)+"/v1/audio", nil)
	if err != nil {
		t.Fatalf("Dial first: %v", err)
	}
	defer first.Close(websocket.StatusNormalClosure, "done")

	second, _, err := websocket.Dial(ctx, wsURL(srv)+"/v1/audio", nil)
	if err != nil {
		t.Fatalf("Dial second: %v", err)
	}
	defer second.Close(websocket.StatusNormalClosure, "done")

	// The gateway closes the second connection immediately.
	_, _, err = second.Read(ctx)
	if err == nil {
		t.Fatal("second connection stayed open, want close")
	}
	if websocket.CloseStatus(err) != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v, want StatusTryAgainLater", websocket.CloseStatus(err))
	}
}

func TestGatewayClosesConnectionWhenSessionFails(t *testing.T) {
	sttP := &sttmock.Provider{Errs: []error{stt.NewAPIError(401, []byte("bad key"))}}
	srv, mgr := newServerWithSTT(t, sttP, 640)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"/v1/audio", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	sendUtterance(t, ctx, conn)

	// The permanent provider error ends the session; the gateway must close
	// the connection rather than leave the client streaming into the void.
	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("connection stayed open after the session failed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for mgr.IsActive() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.IsActive() {
		t.Error("session still active after an unrecoverable turn failure")
	}
}

func TestGatewayIgnoresTextMessages(t *testing.T) {
	srv, _ := newTestServer(t, 320)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv)+"/v1/audio", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := conn.Write(ctx, websocket.MessageText, []byte("ping")); err != nil {
		t.Fatalf("write text: %v", err)
	}
	sendUtterance(t, ctx, conn)

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read playback: %v", err)
	}
	if len(data) != 320 {
		t.Errorf("playback payload = %d bytes, want 320", len(data))
	}
}
