// Package orchestrator coordinates the network-bound half of a
// conversation turn: transcription, response generation and speech
// synthesis, with hallucination filtering, duplicate suppression and
// bounded retries around each call.
//
// The orchestrator owns the dedup pointers, the conversation history and
// the registration of synthesized speech with the echo detector. It never
// touches the turn state machine: the session's event loop drives state
// transitions from the outcomes the stage methods return, preserving the
// single-writer rule for the machine.
//
// An Orchestrator is not safe for concurrent use. The state machine's
// transition rules guarantee at most one turn cycle is in flight per
// session, so every stage method is called from that one cycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nvolker/duplex/internal/echo"
	"github.com/nvolker/duplex/internal/observe"
	"github.com/nvolker/duplex/internal/resilience"
	"github.com/nvolker/duplex/pkg/audio"
	"github.com/nvolker/duplex/pkg/provider/respond"
	"github.com/nvolker/duplex/pkg/provider/stt"
	"github.com/nvolker/duplex/pkg/provider/tts"
)

const (
	defaultTranscribeTimeout = 30 * time.Second
	defaultRespondTimeout    = 60 * time.Second
	defaultSynthesizeTimeout = 30 * time.Second
	defaultSynthesisAttempts = 2
	defaultHistoryLimit      = 20
	defaultSampleRate        = 16000

	defaultTranscriptFallback = "Sorry, I did not catch that. Could you say it again?"
	defaultResponseFallback   = "I am having technical difficulties right now. Give me a moment and try again."
)

// callTimeoutError marks a per-call timeout as distinct from a caller
// cancellation. It does not unwrap to context.DeadlineExceeded, which the
// retry policy classifies as permanent.
type callTimeoutError struct{ op string }

func (e *callTimeoutError) Error() string { return e.op + ": call timed out" }

// Orchestrator runs the transcribe, respond and synthesize stages of a
// turn against the injected providers.
type Orchestrator struct {
	sttP  stt.Provider
	llmP  respond.Provider
	ttsP  tts.Provider
	voice tts.VoiceProfile

	retryer      *resilience.Retryer
	synthRetryer *resilience.Retryer
	filter       *hallucinationFilter
	transcripts  *transcriptDedup
	speech       *speechDedup
	detector     *echo.Detector
	metrics      *observe.Metrics

	systemPrompt string
	history      []respond.Message
	historyLimit int
	sampleRate   int

	transcribeTimeout time.Duration
	respondTimeout    time.Duration
	synthesizeTimeout time.Duration

	transcriptFallback string
	responseFallback   string
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithEchoDetector registers det to receive a TTS profile for every
// successfully synthesized reply.
func WithEchoDetector(det *echo.Detector) Option {
	return func(o *Orchestrator) { o.detector = det }
}

// WithMetrics records provider errors on m, labelled with the stage that
// failed and the provider family behind it.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSystemPrompt sets the system message prepended to every
// response-generation request.
func WithSystemPrompt(prompt string) Option {
	return func(o *Orchestrator) { o.systemPrompt = prompt }
}

// WithHallucinationConfig overrides the transcript filter bounds.
func WithHallucinationConfig(cfg HallucinationConfig) Option {
	return func(o *Orchestrator) { o.filter = newHallucinationFilter(cfg) }
}

// WithDedupConfig overrides the transcript and speech dedup thresholds.
func WithDedupConfig(cfg DedupConfig) Option {
	return func(o *Orchestrator) {
		o.transcripts = newTranscriptDedup(cfg)
		o.speech = newSpeechDedup(cfg)
	}
}

// WithSynthesisRetryer overrides the retryer guarding Synthesize. The
// default allows two attempts with a short backoff.
func WithSynthesisRetryer(r *resilience.Retryer) Option {
	return func(o *Orchestrator) { o.synthRetryer = r }
}

// WithTranscribeTimeout sets the per-attempt upper bound on a
// transcription call. Default 30s.
func WithTranscribeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.transcribeTimeout = d }
}

// WithRespondTimeout sets the per-attempt upper bound on a
// response-generation call. Default 60s.
func WithRespondTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.respondTimeout = d }
}

// WithSynthesizeTimeout sets the per-attempt upper bound on a synthesis
// call. Default 30s.
func WithSynthesizeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.synthesizeTimeout = d }
}

// WithFallbackPhrases sets the localized phrases spoken when transcription
// or response generation fails after all retries.
func WithFallbackPhrases(transcript, response string) Option {
	return func(o *Orchestrator) {
		if transcript != "" {
			o.transcriptFallback = transcript
		}
		if response != "" {
			o.responseFallback = response
		}
	}
}

// WithHistoryLimit bounds the retained conversation history in messages.
// Default 20.
func WithHistoryLimit(n int) Option {
	return func(o *Orchestrator) { o.historyLimit = n }
}

// WithSampleRate sets the PCM sample rate assumed for synthesized audio
// when computing echo profiles. Default 16000.
func WithSampleRate(rate int) Option {
	return func(o *Orchestrator) { o.sampleRate = rate }
}

// New constructs an Orchestrator over the given providers. retryer guards
// the transcription and response-generation calls; nil selects the default
// backoff policy.
func New(sttP stt.Provider, llmP respond.Provider, ttsP tts.Provider, voice tts.VoiceProfile, retryer *resilience.Retryer, opts ...Option) *Orchestrator {
	if retryer == nil {
		retryer = resilience.NewRetryer(resilience.DefaultRetryConfig())
	}
	o := &Orchestrator{
		sttP:  sttP,
		llmP:  llmP,
		ttsP:  ttsP,
		voice: voice,

		retryer: retryer,
		synthRetryer: resilience.NewRetryer(resilience.RetryConfig{
			MaxAttempts: defaultSynthesisAttempts,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Factor:      2.0,
			JitterFrac:  0.10,
		}),
		filter:      newHallucinationFilter(HallucinationConfig{}),
		transcripts: newTranscriptDedup(DedupConfig{}),
		speech:      newSpeechDedup(DedupConfig{}),

		historyLimit: defaultHistoryLimit,
		sampleRate:   defaultSampleRate,

		transcribeTimeout: defaultTranscribeTimeout,
		respondTimeout:    defaultRespondTimeout,
		synthesizeTimeout: defaultSynthesizeTimeout,

		transcriptFallback: defaultTranscriptFallback,
		responseFallback:   defaultResponseFallback,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ─── Transcription stage ───

// TranscriptOutcome is the result of the transcription stage.
type TranscriptOutcome struct {
	// Text is the accepted transcript. Empty when Skipped or when
	// Fallback is set.
	Text string

	// Skipped reports that the utterance was absorbed by the
	// hallucination filter or the dedup check and the turn should end
	// without a response.
	Skipped bool

	// Reason explains a skip, for logging.
	Reason string

	// Fallback, when non-empty, is the phrase to speak in place of a
	// generated response because transcription retries were exhausted.
	Fallback string
}

// Transcribe runs the STT call under the retry policy, then the
// hallucination filter and the transcript dedup. Retry exhaustion is
// absorbed into a fallback phrase; permanent provider errors and caller
// cancellation are returned.
func (o *Orchestrator) Transcribe(ctx context.Context, pcm []byte) (*TranscriptOutcome, error) {
	if len(pcm) == 0 {
		return nil, errors.New("orchestrator: empty utterance")
	}

	var tr *stt.Transcript
	err := o.call(ctx, o.retryer, "transcribe", o.transcribeTimeout, func(ctx context.Context) error {
		var err error
		tr, err = o.sttP.Transcribe(ctx, pcm)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, resilience.ErrAttemptsExhausted) {
			slog.Warn("transcription exhausted retries, speaking fallback", "error", err)
			return &TranscriptOutcome{Fallback: o.transcriptFallback}, nil
		}
		return nil, fmt.Errorf("orchestrator: transcribe: %w", err)
	}

	// A cancelled turn must not stamp the dedup pointer; the next
	// utterance would look like a duplicate of text it never spoke about.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := strings.TrimSpace(tr.Text)
	if reason, rejected := o.filter.Reject(text); rejected {
		slog.Debug("transcript rejected", "reason", reason, "text", text)
		return &TranscriptOutcome{Skipped: true, Reason: reason}, nil
	}
	if reason, dup := o.transcripts.check(text); dup {
		slog.Debug("transcript deduplicated", "reason", reason, "text", text)
		return &TranscriptOutcome{Skipped: true, Reason: reason}, nil
	}
	return &TranscriptOutcome{Text: text}, nil
}

// ─── Response stage ───

// ResponseOutcome is the result of the response-generation stage.
type ResponseOutcome struct {
	// Text is the reply to synthesize.
	Text string

	// Fallback reports that Text is the technical-difficulty phrase
	// rather than a generated reply.
	Fallback bool
}

// Respond generates the reply to transcript, streaming and reassembling
// the model output under the retry policy. Retry exhaustion is absorbed
// into the localized fallback phrase so the turn still speaks something.
func (o *Orchestrator) Respond(ctx context.Context, transcript string) (*ResponseOutcome, error) {
	req := respond.Request{
		SystemPrompt: o.systemPrompt,
		Messages: append(slices.Clone(o.history),
			respond.Message{Role: "user", Content: transcript}),
	}

	var reply string
	err := o.call(ctx, o.retryer, "respond", o.respondTimeout, func(ctx context.Context) error {
		text, err := o.streamReply(ctx, req)
		if err != nil {
			return err
		}
		reply = text
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, resilience.ErrAttemptsExhausted) {
			slog.Warn("response generation exhausted retries, speaking fallback", "error", err)
			return &ResponseOutcome{Text: o.responseFallback, Fallback: true}, nil
		}
		return nil, fmt.Errorf("orchestrator: respond: %w", err)
	}

	// Keep a cancelled turn's exchange out of the history.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reply = strings.TrimSpace(reply)
	if reply == "" {
		slog.Warn("model returned empty reply, speaking fallback")
		return &ResponseOutcome{Text: o.responseFallback, Fallback: true}, nil
	}
	o.remember(transcript, reply)
	return &ResponseOutcome{Text: reply}, nil
}

// streamReply collects a streamed response into one string.
func (o *Orchestrator) streamReply(ctx context.Context, req respond.Request) (string, error) {
	chunks, err := o.llmP.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for ch := range chunks {
		if ch.Err != nil {
			return "", ch.Err
		}
		b.WriteString(ch.Text)
	}
	return b.String(), nil
}

func (o *Orchestrator) remember(user, assistant string) {
	o.history = append(o.history,
		respond.Message{Role: "user", Content: user},
		respond.Message{Role: "assistant", Content: assistant})
	if o.historyLimit > 0 && len(o.history) > o.historyLimit {
		o.history = o.history[len(o.history)-o.historyLimit:]
	}
}

// ─── Synthesis stage ───

// SpeechOutcome is the result of the synthesis stage.
type SpeechOutcome struct {
	// Audio is the synthesized PCM, nil when Skipped or Failed.
	Audio []byte

	// Skipped reports that the speech dedup suppressed the synthesis.
	Skipped bool

	// Reason explains a skip, for logging.
	Reason string

	// Failed reports that synthesis exhausted its retries. The turn
	// still completes, silently.
	Failed bool
}

// Synthesize runs text through the speech dedup and, if it survives, the
// TTS provider. A successful synthesis is registered with the echo
// detector so the pipeline recognizes its own voice coming back.
func (o *Orchestrator) Synthesize(ctx context.Context, text string) (*SpeechOutcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return &SpeechOutcome{Skipped: true, Reason: "empty"}, nil
	}
	if reason, skip := o.speech.check(text); skip {
		slog.Debug("synthesis skipped", "reason", reason, "text", text)
		return &SpeechOutcome{Skipped: true, Reason: reason}, nil
	}

	var pcm []byte
	err := o.call(ctx, o.synthRetryer, "synthesize", o.synthesizeTimeout, func(ctx context.Context) error {
		var err error
		pcm, err = o.ttsP.Synthesize(ctx, text, o.voice)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("synthesis failed, completing turn without audio", "error", err)
		return &SpeechOutcome{Failed: true}, nil
	}

	o.registerProfile(text, pcm)
	return &SpeechOutcome{Audio: pcm}, nil
}

// registerProfile hands the spoken text and its audio features to the echo
// detector.
func (o *Orchestrator) registerProfile(text string, pcm []byte) {
	if o.detector == nil || len(pcm) == 0 {
		return
	}
	feats, err := audio.ComputeFeatures(pcm, o.sampleRate)
	if err != nil {
		slog.Debug("echo profile features unavailable", "error", err)
		feats = nil
	}
	dur := time.Duration(len(pcm)/2) * time.Second / time.Duration(o.sampleRate)
	o.detector.Profile(text, feats, dur)
}

// ─── Shared plumbing ───

// call wraps fn with a per-attempt timeout under r. A timeout of the inner
// deadline while the caller's context is still live is reported as a
// transient failure so the retry policy applies.
func (o *Orchestrator) call(ctx context.Context, r *resilience.Retryer, op string, timeout time.Duration, fn func(context.Context) error) error {
	err := r.Do(ctx, op, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := fn(cctx)
		if err != nil && cctx.Err() != nil && ctx.Err() == nil {
			return &callTimeoutError{op: op}
		}
		return err
	})
	if err != nil && o.metrics != nil && ctx.Err() == nil {
		o.metrics.RecordProviderError(ctx, op, stageKind(op))
	}
	return err
}

// stageKind maps a stage op to the provider family label on metrics.
func stageKind(op string) string {
	switch op {
	case "transcribe":
		return "stt"
	case "respond":
		return "llm"
	default:
		return "tts"
	}
}

// Reset clears the conversation history, the dedup pointers and the echo
// profile ring. Used when a session restarts.
func (o *Orchestrator) Reset() {
	o.history = nil
	o.transcripts.reset()
	o.speech.reset()
	if o.detector != nil {
		o.detector.Reset()
	}
}
