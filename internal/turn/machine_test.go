package turn

import (
	"errors"
	"strings"
	"testing"
)

// advance drives the machine through the given events, failing the test on
// any rejected transition.
func advance(t *testing.T, m *Machine, events ...Event) {
	t.Helper()
	for _, ev := range events {
		if err := m.Transition(ev); err != nil {
			t.Fatalf("Transition(%s) from %s: %v", ev, m.State(), err)
		}
	}
}

func TestHappyPathCycle(t *testing.T) {
	m := NewMachine()
	steps := []struct {
		event Event
		want  State
	}{
		{EventStartListening, StateListening},
		{EventSpeechEnded, StateProcessingSpeech},
		{EventTranscriptReceived, StateGeneratingResponse},
		{EventResponseGenerated, StateSpeaking},
		{EventSpeechCompleted, StateIdle},
	}
	for _, s := range steps {
		if !m.CanTransition(s.event) {
			t.Fatalf("CanTransition(%s) = false in %s", s.event, m.State())
		}
		if err := m.Transition(s.event); err != nil {
			t.Fatalf("Transition(%s): %v", s.event, err)
		}
		if m.State() != s.want {
			t.Fatalf("state after %s = %s, want %s", s.event, m.State(), s.want)
		}
	}
}

func TestIllegalTransitionRejectedWithoutMutation(t *testing.T) {
	m := NewMachine()
	advance(t, m, EventStartListening)

	stateBefore := m.State()
	ctxBefore := m.Context()
	historyBefore := len(m.History())

	err := m.Transition(EventResponseGenerated)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Transition error = %v, want ErrInvalidTransition", err)
	}
	if m.State() != stateBefore {
		t.Errorf("state mutated by rejected transition: %s -> %s", stateBefore, m.State())
	}
	if m.Context() != ctxBefore {
		t.Errorf("context mutated by rejected transition")
	}
	if len(m.History()) != historyBefore {
		t.Errorf("rejected transition appended to history")
	}
}

func TestGenerationFenceIncrements(t *testing.T) {
	m := NewMachine()

	runCycle := func() uint64 {
		advance(t, m,
			EventStartListening,
			EventSpeechEnded,
			EventTranscriptReceived,
		)
		id := m.GenerationID()
		advance(t, m, EventResponseGenerated, EventSpeechCompleted)
		return id
	}

	first := runCycle()
	second := runCycle()
	if second != first+1 {
		t.Errorf("generation id went %d -> %d, want an increase of exactly 1", first, second)
	}

	// A result fenced with the first id is stale once the second cycle began.
	if first == m.GenerationID() {
		t.Error("stale generation id still matches the live fence")
	}
}

func TestEnteringIdleIsTheFullReset(t *testing.T) {
	m := NewMachine()
	advance(t, m, EventStartListening, EventSpeechEnded, EventTranscriptReceived)
	m.RecordRetry()
	m.RecordRetry()
	advance(t, m, EventResponseGenerated)

	ctx := m.Context()
	if !ctx.Speaking || ctx.RetryCount != 2 {
		t.Fatalf("unexpected pre-idle context: %+v", ctx)
	}

	advance(t, m, EventSpeechCompleted)
	ctx = m.Context()
	if ctx.Recording || ctx.Transcribing || ctx.Generating || ctx.Speaking {
		t.Errorf("transient flags survived entering Idle: %+v", ctx)
	}
	if ctx.RetryCount != 0 {
		t.Errorf("RetryCount = %d after entering Idle, want 0", ctx.RetryCount)
	}
	if ctx.GenerationID == 0 {
		t.Errorf("GenerationID was reset entering Idle; the fence must only grow")
	}
}

func TestTranscriptAndResponsePayloads(t *testing.T) {
	m := NewMachine()
	advance(t, m, EventStartListening, EventSpeechEnded)

	if err := m.Transition(EventTranscriptReceived, WithTranscript("turn on the lights")); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := m.Transition(EventResponseGenerated, WithResponse("Done, lights are on.")); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	ctx := m.Context()
	if ctx.LastTranscript != "turn on the lights" {
		t.Errorf("LastTranscript = %q", ctx.LastTranscript)
	}
	if ctx.ResponseText != "Done, lights are on." {
		t.Errorf("ResponseText = %q", ctx.ResponseText)
	}
}

func TestErrorRequiresExplicitReset(t *testing.T) {
	m := NewMachine()
	advance(t, m, EventStartListening)

	failure := errors.New("stream torn down")
	if err := m.Transition(EventErrorOccurred, WithError(failure)); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if m.State() != StateError {
		t.Fatalf("state = %s, want %s", m.State(), StateError)
	}
	if !errors.Is(m.Context().LastError, failure) {
		t.Errorf("LastError = %v, want the recorded failure", m.Context().LastError)
	}

	// No speech-cycle event may leave Error.
	for _, ev := range []Event{EventStartListening, EventSpeechEnded, EventSpeechCompleted} {
		if m.CanTransition(ev) {
			t.Errorf("CanTransition(%s) = true in Error", ev)
		}
	}

	advance(t, m, EventReset)
	if m.State() != StateIdle {
		t.Errorf("state after reset = %s, want %s", m.State(), StateIdle)
	}
}

func TestCallLifecycle(t *testing.T) {
	m := NewMachine()
	advance(t, m, EventCallInitiated, EventCallConnected)
	if m.State() != StateCallActive {
		t.Fatalf("state = %s, want %s", m.State(), StateCallActive)
	}

	// The speech cycle runs inside an active call.
	advance(t, m, EventStartListening, EventSpeechEnded, EventTranscriptReceived,
		EventResponseGenerated, EventSpeechCompleted)

	// Back in Idle; the call can also end from its own track.
	advance(t, m, EventCallInitiated, EventCallEnded)
	if m.State() != StateCallEnded {
		t.Fatalf("state = %s, want %s", m.State(), StateCallEnded)
	}
	advance(t, m, EventReset)
	if m.State() != StateIdle {
		t.Errorf("state = %s, want %s", m.State(), StateIdle)
	}
}

func TestHistoryRecordsTransitions(t *testing.T) {
	m := NewMachine()
	advance(t, m, EventStartListening, EventSpeechEnded, EventTranscriptReceived)

	h := m.History()
	if len(h) != 3 {
		t.Fatalf("history holds %d entries, want 3", len(h))
	}
	last := h[2]
	if last.From != StateProcessingSpeech || last.To != StateGeneratingResponse {
		t.Errorf("last transition = %s -> %s", last.From, last.To)
	}
	if last.Event != EventTranscriptReceived {
		t.Errorf("last event = %s", last.Event)
	}
	if last.Timestamp.IsZero() {
		t.Error("transition timestamp not set")
	}
	if !strings.Contains(last.Delta, "generation_id: 0->1") {
		t.Errorf("delta %q does not record the fence increment", last.Delta)
	}
}

func TestHistoryBounded(t *testing.T) {
	m := NewMachine(WithHistoryLimit(4))
	for i := 0; i < 5; i++ {
		advance(t, m, EventStartListening, EventSpeechEnded, EventTranscriptReceived,
			EventResponseGenerated, EventSpeechCompleted)
	}
	if got := len(m.History()); got != 4 {
		t.Errorf("history holds %d entries, want 4", got)
	}
}
