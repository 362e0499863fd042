// Package turn implements the finite-state machine that sequences one voice
// conversation: listening, transcribing, generating, speaking, and the call
// lifecycle around them.
//
// The machine is the control plane every other pipeline component reports
// to. Components never mutate conversation state directly; they submit
// events, and only the transition handlers touch the Context. Interrupt and
// cancel semantics rest entirely on the generation fence: entering
// GeneratingResponse increments GenerationID, async operations capture the
// id when they start, and a completion whose captured id no longer matches
// is stale and must be discarded.
//
// The Machine is not safe for concurrent use. A session owns one machine and
// drives it from a single goroutine (the single-writer invariant).
package turn

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// State is one position in the conversation lifecycle.
type State string

const (
	StateIdle               State = "idle"
	StateListening          State = "listening"
	StateProcessingSpeech   State = "processing_speech"
	StateGeneratingResponse State = "generating_response"
	StateSpeaking           State = "speaking"
	StateError              State = "error"
	StateCallConnecting     State = "call_connecting"
	StateCallActive         State = "call_active"
	StateCallEnded          State = "call_ended"
)

// Event is an input to the machine.
type Event string

const (
	EventStartListening     Event = "start_listening"
	EventSpeechEnded        Event = "speech_ended"
	EventTranscriptReceived Event = "transcript_received"
	EventResponseGenerated  Event = "response_generated"
	EventSpeechCompleted    Event = "speech_completed"
	EventErrorOccurred      Event = "error_occurred"
	EventReset              Event = "reset"
	EventCallInitiated      Event = "call_initiated"
	EventCallConnected      Event = "call_connected"
	EventCallEnded          Event = "call_ended"
)

// ErrInvalidTransition is returned by Transition when the event is not legal
// in the current state. The machine is left unchanged.
var ErrInvalidTransition = errors.New("turn: invalid transition")

// transitions is the legal (state, event) table. EventErrorOccurred and
// EventReset are legal from every state and handled separately.
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventStartListening: StateListening,
		EventCallInitiated:  StateCallConnecting,
	},
	StateListening: {
		EventSpeechEnded: StateProcessingSpeech,
	},
	StateProcessingSpeech: {
		EventTranscriptReceived: StateGeneratingResponse,
	},
	StateGeneratingResponse: {
		EventResponseGenerated: StateSpeaking,
	},
	StateSpeaking: {
		EventSpeechCompleted: StateIdle,
	},
	StateError: {},
	StateCallConnecting: {
		EventCallConnected: StateCallActive,
		EventCallEnded:     StateCallEnded,
	},
	StateCallActive: {
		EventCallEnded:      StateCallEnded,
		EventStartListening: StateListening,
	},
	StateCallEnded: {},
}

// Context is the mutable conversation record attached to the machine. It is
// mutated only by transition handlers.
type Context struct {
	// Transient phase flags, cleared on entering Idle.
	Recording    bool
	Transcribing bool
	Generating   bool
	Speaking     bool

	// LastTranscript is the most recently accepted transcript.
	LastTranscript string

	// ResponseText is the reply currently being generated or spoken.
	ResponseText string

	// GenerationID is the cancellation fence. It increases by exactly one
	// each time a response-generation cycle begins.
	GenerationID uint64

	// RetryCount tracks network retries within the current turn, reset on
	// entering Idle.
	RetryCount int

	// LastError is the error that moved the machine to the Error state.
	LastError error
}

// Transition is one recorded state change.
type Transition struct {
	From      State
	To        State
	Event     Event
	Timestamp time.Time
	// Delta summarizes the Context fields the transition changed.
	Delta string
}

// defaultHistoryLimit bounds the recorded transition history.
const defaultHistoryLimit = 100

// Machine is the per-session turn state machine.
type Machine struct {
	state        State
	ctx          Context
	history      []Transition
	historyLimit int
	logger       *slog.Logger
	now          func() time.Time
}

// Option is a functional option for configuring a Machine.
type Option func(*Machine)

// WithLogger sets the structured logger used for transition logging.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = l
	}
}

// WithHistoryLimit bounds the retained transition history.
func WithHistoryLimit(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.historyLimit = n
		}
	}
}

// NewMachine creates a Machine in the Idle state.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		state:        StateIdle,
		historyLimit: defaultHistoryLimit,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Context returns a copy of the conversation context.
func (m *Machine) Context() Context { return m.ctx }

// GenerationID returns the current cancellation fence value. Async
// operations capture it at start and compare on completion.
func (m *Machine) GenerationID() uint64 { return m.ctx.GenerationID }

// History returns a copy of the recorded transitions, oldest first.
func (m *Machine) History() []Transition {
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// CanTransition reports whether ev is legal in the current state.
func (m *Machine) CanTransition(ev Event) bool {
	if ev == EventErrorOccurred || ev == EventReset {
		return true
	}
	_, ok := transitions[m.state][ev]
	return ok
}

// TransitionOption attaches a payload to a transition.
type TransitionOption func(*payload)

type payload struct {
	transcript *string
	response   *string
	err        error
}

// WithTranscript records the accepted transcript alongside
// EventTranscriptReceived.
func WithTranscript(text string) TransitionOption {
	return func(p *payload) {
		p.transcript = &text
	}
}

// WithResponse records the generated reply alongside EventResponseGenerated.
func WithResponse(text string) TransitionOption {
	return func(p *payload) {
		p.response = &text
	}
}

// WithError records the failure alongside EventErrorOccurred.
func WithError(err error) TransitionOption {
	return func(p *payload) {
		p.err = err
	}
}

// Transition applies ev to the machine. An illegal event returns an error
// wrapping ErrInvalidTransition and leaves both the state and the Context
// unchanged.
func (m *Machine) Transition(ev Event, opts ...TransitionOption) error {
	var next State
	switch ev {
	case EventErrorOccurred:
		next = StateError
	case EventReset:
		next = StateIdle
	default:
		var ok bool
		next, ok = transitions[m.state][ev]
		if !ok {
			return fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, m.state)
		}
	}

	var p payload
	for _, o := range opts {
		o(&p)
	}

	from := m.state
	before := m.ctx

	m.state = next
	m.applyEntry(next, p)
	m.record(from, next, ev, before)

	m.logger.Debug("turn transition",
		"from", string(from),
		"to", string(next),
		"event", string(ev),
		"generation_id", m.ctx.GenerationID,
	)
	return nil
}

// applyEntry runs the entry action of the target state. Entering Idle is the
// sole full-reset point; entering GeneratingResponse is the sole place the
// generation fence advances.
func (m *Machine) applyEntry(next State, p payload) {
	switch next {
	case StateIdle:
		m.ctx.Recording = false
		m.ctx.Transcribing = false
		m.ctx.Generating = false
		m.ctx.Speaking = false
		m.ctx.RetryCount = 0
	case StateListening:
		m.ctx.Recording = true
	case StateProcessingSpeech:
		m.ctx.Recording = false
		m.ctx.Transcribing = true
	case StateGeneratingResponse:
		m.ctx.GenerationID++
		m.ctx.Transcribing = false
		m.ctx.Generating = true
		if p.transcript != nil {
			m.ctx.LastTranscript = *p.transcript
		}
	case StateSpeaking:
		m.ctx.Generating = false
		m.ctx.Speaking = true
		if p.response != nil {
			m.ctx.ResponseText = *p.response
		}
	case StateError:
		if p.err != nil {
			m.ctx.LastError = p.err
		}
	}
}

// RecordRetry increments the retry counter for the current turn.
func (m *Machine) RecordRetry() {
	m.ctx.RetryCount++
}

// record appends the transition to the bounded history.
func (m *Machine) record(from, to State, ev Event, before Context) {
	m.history = append(m.history, Transition{
		From:      from,
		To:        to,
		Event:     ev,
		Timestamp: m.now(),
		Delta:     contextDelta(before, m.ctx),
	})
	if len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}
}

// contextDelta renders the changed Context fields as "field: old->new" pairs
// for the history record.
func contextDelta(before, after Context) string {
	var parts []string
	boolDelta := func(name string, b, a bool) {
		if b != a {
			parts = append(parts, fmt.Sprintf("%s: %t->%t", name, b, a))
		}
	}
	boolDelta("recording", before.Recording, after.Recording)
	boolDelta("transcribing", before.Transcribing, after.Transcribing)
	boolDelta("generating", before.Generating, after.Generating)
	boolDelta("speaking", before.Speaking, after.Speaking)

	if before.GenerationID != after.GenerationID {
		parts = append(parts, fmt.Sprintf("generation_id: %d->%d", before.GenerationID, after.GenerationID))
	}
	if before.RetryCount != after.RetryCount {
		parts = append(parts, fmt.Sprintf("retry_count: %d->%d", before.RetryCount, after.RetryCount))
	}
	if before.LastTranscript != after.LastTranscript {
		parts = append(parts, "last_transcript updated")
	}
	if before.ResponseText != after.ResponseText {
		parts = append(parts, "response_text updated")
	}
	if !errors.Is(before.LastError, after.LastError) && after.LastError != nil {
		parts = append(parts, fmt.Sprintf("last_error: %v", after.LastError))
	}
	return strings.Join(parts, ", ")
}
