// Package session runs one live voice conversation: it pulls frames from a
// capture source, segments them into utterances, drives the turn state
// machine, and hands each pipeline stage to the orchestrator.
//
// The event loop goroutine is the single writer of the turn machine and the
// VAD engine. The capture loop and the per-stage network calls run on their
// own goroutines and report back through the event channel; a result whose
// turn tag no longer matches the loop's current turn is stale (the user
// interrupted, or the session reset) and is discarded without touching the
// machine.
//
// The orchestrator is not safe for concurrent use, so stage goroutines
// serialize through a mutex, and an interrupted turn's context is cancelled
// before the next turn starts: the stale call unwinds at its next context
// check and the new turn's stage cannot overlap it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nvolker/duplex/internal/echo"
	"github.com/nvolker/duplex/internal/observe"
	"github.com/nvolker/duplex/internal/orchestrator"
	"github.com/nvolker/duplex/internal/turn"
	"github.com/nvolker/duplex/internal/vad"
	"github.com/nvolker/duplex/pkg/audio"
	"github.com/nvolker/duplex/pkg/provider/capture"
)

// Player renders synthesized speech to the caller. Play blocks until the
// audio has been fully delivered or ctx is cancelled. The core never opens
// audio devices itself; playback backends live behind this interface.
type Player interface {
	Play(ctx context.Context, pcm []byte) error
}

// TranscriptRecorder receives the accepted transcripts and spoken replies of
// a session, for an optional persistent log. Recording is best effort; a
// recorder error never fails the turn.
type TranscriptRecorder interface {
	Record(ctx context.Context, sessionID, role, text string) error
}

// recordTimeout bounds one best-effort recorder call.
const recordTimeout = 5 * time.Second

// Stats is a snapshot of per-session pipeline counters.
type Stats struct {
	Utterances     int // finalized by the VAD
	Accepted       int // transcripts that reached response generation
	EchoesRejected int
	Skipped        int // hallucination filter and dedup suppressions
	Interrupted    int // turns cancelled by a barge-in utterance
	Fallbacks      int // turns that spoke a fallback phrase
	Errors         int
	TurnsCompleted int
}

// Config holds the dependencies of one Session. Source, Player and
// Orchestrator are required.
type Config struct {
	ID           string
	Source       capture.Source
	Player       Player
	Orchestrator *orchestrator.Orchestrator

	// Detector is consulted once per accepted transcript. May be nil.
	Detector *echo.Detector

	// VAD configures the segmentation engine. Zero fields use defaults.
	VAD vad.Config

	// SampleRate and Channels describe the pipeline processing format.
	// Frames arriving in another format are converted. Zero means
	// 16 kHz mono.
	SampleRate int
	Channels   int

	// Metrics receives stage latencies and counters. May be nil.
	Metrics *observe.Metrics

	// Recorder receives transcripts and replies. May be nil.
	Recorder TranscriptRecorder
}

// event is a message into the session loop.
type event interface{ isEvent() }

type frameEvent struct {
	frame audio.Frame
}

type transcriptEvent struct {
	turnID  uint64
	outcome *orchestrator.TranscriptOutcome
	feats   *audio.Features
	elapsed time.Duration
	err     error
}

type responseEvent struct {
	turnID  uint64
	outcome *orchestrator.ResponseOutcome
	elapsed time.Duration
	err     error
}

type speechEvent struct {
	turnID  uint64
	outcome *orchestrator.SpeechOutcome
	elapsed time.Duration
	err     error
}

type playbackEvent struct {
	turnID uint64
	err    error
}

func (frameEvent) isEvent()      {}
func (transcriptEvent) isEvent() {}
func (responseEvent) isEvent()   {}
func (speechEvent) isEvent()     {}
func (playbackEvent) isEvent()   {}

// Session is one live voice conversation.
type Session struct {
	id      string
	source  capture.Source
	player  Player
	orch    *orchestrator.Orchestrator
	det     *echo.Detector
	machine *turn.Machine
	engine  *vad.Engine
	conv    *audio.FormatConverter
	metrics *observe.Metrics
	rec     TranscriptRecorder

	// state mirrors the machine state for readers outside the loop.
	state atomic.Value

	sampleRate int

	events chan event

	// turnID tags every async stage result with the utterance that started
	// the turn. The loop bumps it on each accepted utterance, so a result
	// arriving after an interrupt or reset carries a stale tag.
	turnID    uint64
	turnStart time.Time

	// turnCtx scopes the in-flight turn's stage calls. cancelTurn aborts
	// them when the turn is abandoned, so the stale stage unwinds before
	// the next turn's stage acquires stageMu.
	turnCtx    context.Context
	turnCancel context.CancelFunc

	// stageMu serializes orchestrator calls; the orchestrator keeps dedup
	// and history state that is not safe for concurrent use, and a
	// cancelled stage may still be unwinding when the next turn starts.
	stageMu sync.Mutex

	// fatal is set by fail and ends the event loop.
	fatal error

	mu    sync.Mutex
	stats Stats
}

// New creates a Session from cfg. Returns an error when a required
// dependency is missing.
func New(cfg Config) (*Session, error) {
	if cfg.Source == nil {
		return nil, errors.New("session: capture source is required")
	}
	if cfg.Player == nil {
		return nil, errors.New("session: player is required")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("session: orchestrator is required")
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	s := &Session{
		id:         cfg.ID,
		source:     cfg.Source,
		player:     cfg.Player,
		orch:       cfg.Orchestrator,
		det:        cfg.Detector,
		machine:    turn.NewMachine(),
		engine:     vad.NewEngine(cfg.VAD),
		conv:       &audio.FormatConverter{Target: audio.Format{SampleRate: rate, Channels: channels}},
		metrics:    cfg.Metrics,
		sampleRate: rate,
		events:     make(chan event, 64),
	}
	s.state.Store(turn.StateIdle)
	s.rec = cfg.Recorder
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current turn machine state. Safe to call from any
// goroutine; the value may be stale by the time it is observed.
func (s *Session) State() turn.State { return s.state.Load().(turn.State) }

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run opens the capture stream and processes events until ctx is cancelled,
// the stream ends, or a turn fails with no safe fallback. It blocks for the
// lifetime of the session.
func (s *Session) Run(ctx context.Context) error {
	s.transition(ctx, turn.EventCallInitiated)

	stream, err := s.source.Open(ctx)
	if err != nil {
		s.transition(ctx, turn.EventCallEnded)
		return fmt.Errorf("session: open capture stream: %w", err)
	}

	s.transition(ctx, turn.EventCallConnected)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer stream.Close()
		return s.captureLoop(gctx, stream)
	})
	g.Go(func() error {
		return s.eventLoop(gctx)
	})

	err = g.Wait()
	s.cancelTurn()
	s.transition(context.Background(), turn.EventReset)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errCaptureEnded) {
		return err
	}
	return nil
}

// captureLoop forwards converted frames into the event channel until the
// stream closes.
func (s *Session) captureLoop(ctx context.Context, stream capture.Stream) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-stream.Frames():
			if !ok {
				return errCaptureEnded
			}
			select {
			case s.events <- frameEvent{frame: s.conv.Convert(frame)}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// errCaptureEnded signals a normal end of the audio stream.
var errCaptureEnded = errors.New("session: capture stream ended")

// eventLoop is the single writer of the machine and the VAD engine.
func (s *Session) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.events:
			switch e := ev.(type) {
			case frameEvent:
				s.handleFrame(ctx, e)
			case transcriptEvent:
				s.handleTranscript(ctx, e)
			case responseEvent:
				s.handleResponse(ctx, e)
			case speechEvent:
				s.handleSpeech(ctx, e)
			case playbackEvent:
				s.handlePlayback(ctx, e)
			}
			if s.fatal != nil {
				return fmt.Errorf("session: turn failed: %w", s.fatal)
			}
		}
	}
}

// ─── Event handlers ───

func (s *Session) handleFrame(ctx context.Context, e frameEvent) {
	if s.machine.State() == turn.StateIdle || s.machine.State() == turn.StateCallActive {
		s.transition(ctx, turn.EventStartListening)
	}

	utt := s.engine.PushFrame(e.frame)
	if utt == nil {
		return
	}

	s.bump(func(st *Stats) { st.Utterances++ })

	switch s.machine.State() {
	case turn.StateListening:
		// Normal case: start a new turn.
	case turn.StateProcessingSpeech, turn.StateGeneratingResponse:
		// Barge-in: the user spoke over an in-flight turn. Cancel its
		// stage and abandon it; any result that still arrives carries a
		// stale turn tag.
		slog.Info("utterance interrupts in-flight turn",
			"session_id", s.id, "state", string(s.machine.State()))
		s.bump(func(st *Stats) { st.Interrupted++ })
		s.cancelTurn()
		s.transition(ctx, turn.EventReset)
		s.transition(ctx, turn.EventStartListening)
	default:
		slog.Debug("utterance discarded outside listening states",
			"session_id", s.id, "state", string(s.machine.State()))
		return
	}

	s.cancelTurn()
	s.turnID++
	s.turnStart = time.Now()
	s.turnCtx, s.turnCancel = context.WithCancel(ctx)
	s.transition(ctx, turn.EventSpeechEnded)

	id := s.turnID
	pcm := utt.PCM
	tctx := s.turnCtx
	go func() {
		sctx, span := observe.StartSpan(tctx, "pipeline.transcribe")
		defer span.End()
		start := time.Now()
		s.stageMu.Lock()
		outcome, err := s.orch.Transcribe(sctx, pcm)
		s.stageMu.Unlock()
		if err != nil {
			span.RecordError(err)
		}
		feats, ferr := audio.ComputeFeatures(pcm, s.sampleRate)
		if ferr != nil {
			feats = nil
		}
		s.deliver(ctx, transcriptEvent{
			turnID:  id,
			outcome: outcome,
			feats:   feats,
			elapsed: time.Since(start),
			err:     err,
		})
	}()
}

func (s *Session) handleTranscript(ctx context.Context, e transcriptEvent) {
	if e.turnID != s.turnID || s.machine.State() != turn.StateProcessingSpeech {
		slog.Debug("stale transcription result discarded", "session_id", s.id, "turn", e.turnID)
		return
	}
	if s.metrics != nil {
		s.metrics.STTDuration.Record(ctx, e.elapsed.Seconds())
	}
	if e.err != nil {
		s.fail(ctx, fmt.Errorf("transcription: %w", e.err))
		return
	}

	out := e.outcome
	if out.Skipped {
		s.recordUtterance(ctx, "skipped")
		s.recordDedupSkip(ctx, "transcript", out.Reason)
		s.bump(func(st *Stats) { st.Skipped++ })
		s.endTurn(ctx)
		return
	}
	if out.Fallback != "" {
		// Transcription exhausted its retries; speak the fallback phrase
		// without consulting the model.
		s.recordUtterance(ctx, "fallback")
		s.bump(func(st *Stats) { st.Fallbacks++ })
		s.transition(ctx, turn.EventTranscriptReceived)
		s.transition(ctx, turn.EventResponseGenerated, turn.WithResponse(out.Fallback))
		s.startSynthesis(ctx, out.Fallback)
		return
	}

	if s.det != nil {
		verdict := s.det.Detect(out.Text, e.feats)
		if s.metrics != nil {
			s.metrics.RecordEchoVerdict(ctx, verdict.Method, verdict.IsEcho)
		}
		if verdict.IsEcho {
			slog.Info("echo rejected",
				"session_id", s.id,
				"confidence", verdict.Confidence,
				"method", verdict.Method,
			)
			s.recordUtterance(ctx, "echo")
			s.bump(func(st *Stats) { st.EchoesRejected++ })
			s.endTurn(ctx)
			return
		}
	}

	s.recordUtterance(ctx, "accepted")
	s.bump(func(st *Stats) { st.Accepted++ })
	s.record(ctx, "user", out.Text)
	s.transition(ctx, turn.EventTranscriptReceived, turn.WithTranscript(out.Text))

	id := s.turnID
	transcript := out.Text
	tctx := s.turnCtx
	go func() {
		sctx, span := observe.StartSpan(tctx, "pipeline.respond")
		defer span.End()
		start := time.Now()
		s.stageMu.Lock()
		outcome, err := s.orch.Respond(sctx, transcript)
		s.stageMu.Unlock()
		if err != nil {
			span.RecordError(err)
		}
		s.deliver(ctx, responseEvent{
			turnID:  id,
			outcome: outcome,
			elapsed: time.Since(start),
			err:     err,
		})
	}()
}

func (s *Session) handleResponse(ctx context.Context, e responseEvent) {
	if e.turnID != s.turnID || s.machine.State() != turn.StateGeneratingResponse {
		slog.Debug("stale response result discarded", "session_id", s.id, "turn", e.turnID)
		return
	}
	if s.metrics != nil {
		s.metrics.RespondDuration.Record(ctx, e.elapsed.Seconds())
	}
	if e.err != nil {
		s.fail(ctx, fmt.Errorf("response generation: %w", e.err))
		return
	}

	if e.outcome.Fallback {
		s.bump(func(st *Stats) { st.Fallbacks++ })
	}
	s.transition(ctx, turn.EventResponseGenerated, turn.WithResponse(e.outcome.Text))
	s.startSynthesis(ctx, e.outcome.Text)
}

// startSynthesis launches the synthesis stage for the current turn. The
// machine must already be in the Speaking state.
func (s *Session) startSynthesis(ctx context.Context, text string) {
	id := s.turnID
	tctx := s.turnCtx
	go func() {
		sctx, span := observe.StartSpan(tctx, "pipeline.synthesize")
		defer span.End()
		start := time.Now()
		s.stageMu.Lock()
		outcome, err := s.orch.Synthesize(sctx, text)
		s.stageMu.Unlock()
		if err != nil {
			span.RecordError(err)
		}
		s.deliver(ctx, speechEvent{
			turnID:  id,
			outcome: outcome,
			elapsed: time.Since(start),
			err:     err,
		})
	}()
}

func (s *Session) handleSpeech(ctx context.Context, e speechEvent) {
	if e.turnID != s.turnID || s.machine.State() != turn.StateSpeaking {
		slog.Debug("stale synthesis result discarded", "session_id", s.id, "turn", e.turnID)
		return
	}
	if s.metrics != nil {
		s.metrics.TTSDuration.Record(ctx, e.elapsed.Seconds())
	}
	if e.err != nil {
		s.fail(ctx, fmt.Errorf("synthesis: %w", e.err))
		return
	}

	out := e.outcome
	if out.Skipped {
		s.recordDedupSkip(ctx, "synthesis", out.Reason)
		s.bump(func(st *Stats) { st.Skipped++ })
		s.endTurn(ctx)
		return
	}
	if out.Failed {
		// All synthesis attempts failed. The turn still completes; the
		// reply simply goes unspoken.
		s.bump(func(st *Stats) { st.Fallbacks++ })
		s.endTurn(ctx)
		return
	}

	s.record(ctx, "assistant", s.machine.Context().ResponseText)

	// Playback would re-enter the microphone as input; suspend
	// segmentation until it finishes.
	s.engine.SetBlocked(true)

	id := s.turnID
	pcm := out.Audio
	go func() {
		err := s.player.Play(ctx, pcm)
		s.deliver(ctx, playbackEvent{turnID: id, err: err})
	}()
}

func (s *Session) handlePlayback(ctx context.Context, e playbackEvent) {
	if e.turnID != s.turnID || s.machine.State() != turn.StateSpeaking {
		s.engine.SetBlocked(false)
		return
	}
	s.engine.SetBlocked(false)
	if e.err != nil && !errors.Is(e.err, context.Canceled) {
		slog.Warn("playback error", "session_id", s.id, "error", e.err)
	}
	s.endTurn(ctx)
}

// ─── Loop helpers ───

// endTurn completes the current turn and returns the machine to Idle.
func (s *Session) endTurn(ctx context.Context) {
	if s.metrics != nil && !s.turnStart.IsZero() {
		s.metrics.TurnDuration.Record(ctx, time.Since(s.turnStart).Seconds())
	}
	s.turnStart = time.Time{}
	s.cancelTurn()
	s.bump(func(st *Stats) { st.TurnsCompleted++ })

	switch s.machine.State() {
	case turn.StateSpeaking:
		s.transition(ctx, turn.EventSpeechCompleted)
	default:
		s.transition(ctx, turn.EventReset)
	}
}

// cancelTurn aborts the in-flight turn's stage call, if any.
func (s *Session) cancelTurn() {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
}

// fail latches the machine in the Error state and ends the session. A turn
// that failed past its fallbacks has no safe reply to offer; the machine
// stays in Error until the teardown reset, and the client reconnects to
// start a fresh session.
func (s *Session) fail(ctx context.Context, err error) {
	slog.Error("turn failed", "session_id", s.id, "error", err)
	s.bump(func(st *Stats) { st.Errors++ })
	s.recordUtterance(ctx, "error")
	s.cancelTurn()
	s.transition(ctx, turn.EventErrorOccurred, turn.WithError(err))
	s.fatal = err
}

// transition applies ev to the machine, recording the state change. The
// events the loop submits are legal by construction; an error here is a
// logic bug and is logged, not propagated.
func (s *Session) transition(ctx context.Context, ev turn.Event, opts ...turn.TransitionOption) {
	from := s.machine.State()
	if err := s.machine.Transition(ev, opts...); err != nil {
		slog.Error("illegal machine transition", "session_id", s.id, "event", string(ev), "error", err)
		return
	}
	s.state.Store(s.machine.State())
	if s.metrics != nil {
		s.metrics.RecordTransition(ctx, string(from), string(s.machine.State()))
	}
}

// deliver sends an event into the loop unless the session is shutting down.
func (s *Session) deliver(ctx context.Context, ev event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) bump(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

func (s *Session) recordUtterance(ctx context.Context, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordUtterance(ctx, outcome)
	}
}

func (s *Session) recordDedupSkip(ctx context.Context, stage, reason string) {
	if s.metrics != nil {
		s.metrics.RecordDedupSkip(ctx, stage, reason)
	}
}

// record hands text to the transcript recorder, best effort.
func (s *Session) record(ctx context.Context, role, text string) {
	if s.rec == nil || text == "" {
		return
	}
	id := s.id
	rec := s.rec
	go func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancel()
		if err := rec.Record(rctx, id, role, text); err != nil {
			slog.Warn("transcript record failed", "session_id", id, "role", role, "error", err)
		}
	}()
}
