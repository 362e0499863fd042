// Package vad implements voice activity detection over a stream of PCM audio
// frames.
//
// The Engine consumes frames one at a time, classifies each as speech or
// silence against an adaptive energy threshold, and emits a finalized
// Utterance once a span of speech is closed by trailing silence or by the
// long-utterance guard. The adaptive threshold tracks a rolling window of
// speech energies within the current span, so a loud speaker raises the bar
// and background hum does not keep a span alive.
//
// The Engine is not safe for concurrent use; the session layer owns one
// engine per call and pushes frames from a single goroutine.
package vad

import (
	"math"
	"time"

	"github.com/nvolker/duplex/pkg/audio"
)

// Config holds the segmentation parameters. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	// FallbackThreshold is the energy level (in 16-bit PCM units, 0-32767)
	// used as the speech threshold before any speech frame has been seen
	// in the current span.
	FallbackThreshold float64

	// AdaptiveRatio scales the running average speech energy into the
	// adaptive threshold.
	AdaptiveRatio float64

	// PeakRatio is the fraction of the span's peak energy below which a
	// frame no longer counts as speech.
	PeakRatio float64

	// HysteresisFrames is the number of consecutive low-energy frames
	// required before the engine treats speech as paused.
	HysteresisFrames int

	// SilenceGap is the trailing silence duration that finalizes a span.
	SilenceGap time.Duration

	// MinSpeechDuration discards spans shorter than this instead of
	// finalizing them.
	MinSpeechDuration time.Duration

	// MaxSpanDuration force-finalizes a span that has been speaking this
	// long, regardless of silence.
	MaxSpanDuration time.Duration

	// EnergyWindow is how many recent speech energies feed the running
	// average behind the adaptive threshold.
	EnergyWindow int

	// MaxBufferBytes caps the retained raw PCM per span. When exceeded the
	// oldest bytes are dropped.
	MaxBufferBytes int
}

// DefaultConfig returns the segmentation parameters tuned for 16 kHz mono
// frames arriving at a roughly 100 ms cadence.
func DefaultConfig() Config {
	return Config{
		FallbackThreshold: 300,
		AdaptiveRatio:     0.30,
		PeakRatio:         0.40,
		HysteresisFrames:  3,
		SilenceGap:        1200 * time.Millisecond,
		MinSpeechDuration: 100 * time.Millisecond,
		MaxSpanDuration:   5 * time.Second,
		EnergyWindow:      20,
		MaxBufferBytes:    10 * 16000 * 2, // ten seconds at 16 kHz mono
	}
}

// Utterance is one finalized span of captured speech, handed off to the
// orchestrator. It is immutable after finalization.
type Utterance struct {
	// PCM is the raw 16-bit little-endian audio of the span.
	PCM []byte

	// Duration is the length of the speech portion of the span.
	Duration time.Duration

	// EnergyPeak is the highest frame energy seen during the span.
	EnergyPeak float64

	// AverageEnergy is the mean energy of the speech frames in the span.
	AverageEnergy float64
}

// Engine segments a frame stream into utterances.
type Engine struct {
	cfg Config

	blocked bool
	elapsed time.Duration // stream time, advanced per frame

	// current span state, valid only while speaking
	speaking     bool
	spanStart    time.Duration
	speechEnd    time.Duration // stream time just after the last speech frame
	peak         float64
	energySum    float64
	energyCount  int
	window       []float64 // rolling speech energies, len <= cfg.EnergyWindow
	buffer       []byte
	speechBytes  int // buffer length at the last speech frame
	lowFrames    int // consecutive frames failing the speech condition
	trailingGap  time.Duration
}

// NewEngine creates an Engine with the given configuration. Zero or negative
// fields fall back to their defaults.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.FallbackThreshold <= 0 {
		cfg.FallbackThreshold = def.FallbackThreshold
	}
	if cfg.AdaptiveRatio <= 0 {
		cfg.AdaptiveRatio = def.AdaptiveRatio
	}
	if cfg.PeakRatio <= 0 {
		cfg.PeakRatio = def.PeakRatio
	}
	if cfg.HysteresisFrames <= 0 {
		cfg.HysteresisFrames = def.HysteresisFrames
	}
	if cfg.SilenceGap <= 0 {
		cfg.SilenceGap = def.SilenceGap
	}
	if cfg.MinSpeechDuration <= 0 {
		cfg.MinSpeechDuration = def.MinSpeechDuration
	}
	if cfg.MaxSpanDuration <= 0 {
		cfg.MaxSpanDuration = def.MaxSpanDuration
	}
	if cfg.EnergyWindow <= 0 {
		cfg.EnergyWindow = def.EnergyWindow
	}
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = def.MaxBufferBytes
	}
	return &Engine{cfg: cfg}
}

// PushFrame feeds one frame into the engine. It returns a non-nil Utterance
// when the frame closes a span, either through trailing silence or the
// long-utterance guard. Frames pushed while the engine is blocked are
// discarded.
func (e *Engine) PushFrame(frame audio.Frame) *Utterance {
	if e.blocked {
		return nil
	}

	frameDur := frame.Duration()
	e.elapsed += frameDur
	energy := frameEnergy(frame.Data)

	if !e.speaking {
		if energy > e.threshold() {
			e.beginSpan(frame, energy, frameDur)
		}
		return nil
	}

	isSpeech := energy > e.threshold() && energy >= e.cfg.PeakRatio*e.peak

	if isSpeech {
		e.lowFrames = 0
		e.trailingGap = 0
		e.appendFrame(frame.Data)
		e.speechBytes = len(e.buffer)
		e.speechEnd = e.elapsed
		e.recordEnergy(energy)
	} else {
		e.lowFrames++
		e.trailingGap += frameDur
		e.appendFrame(frame.Data)
		if e.lowFrames >= e.cfg.HysteresisFrames && e.trailingGap >= e.cfg.SilenceGap {
			return e.finalize()
		}
	}

	// Long-utterance guard.
	if e.elapsed-e.spanStart >= e.cfg.MaxSpanDuration {
		return e.finalize()
	}
	return nil
}

// SetBlocked suspends or resumes classification. Blocking clears any
// partially accumulated span so the engine cannot hand the system's own
// playback to the echo detector as half an utterance.
func (e *Engine) SetBlocked(blocked bool) {
	e.blocked = blocked
	if blocked {
		e.clearSpan()
	}
}

// Reset discards all span state. The stream clock keeps running.
func (e *Engine) Reset() {
	e.clearSpan()
}

// ─── span lifecycle ──────────────────────────────────────────────────────────

func (e *Engine) beginSpan(frame audio.Frame, energy float64, frameDur time.Duration) {
	e.speaking = true
	e.spanStart = e.elapsed - frameDur
	e.speechEnd = e.elapsed
	e.peak = energy
	e.lowFrames = 0
	e.trailingGap = 0
	e.buffer = append(e.buffer[:0], frame.Data...)
	e.speechBytes = len(e.buffer)
	e.recordEnergy(energy)
}

// finalize closes the current span. Spans shorter than the minimum speech
// duration are discarded.
func (e *Engine) finalize() *Utterance {
	speechDur := e.speechEnd - e.spanStart
	if speechDur < e.cfg.MinSpeechDuration {
		e.clearSpan()
		return nil
	}

	pcm := make([]byte, e.speechBytes)
	copy(pcm, e.buffer[:e.speechBytes])

	var avg float64
	if e.energyCount > 0 {
		avg = e.energySum / float64(e.energyCount)
	}
	u := &Utterance{
		PCM:           pcm,
		Duration:      speechDur,
		EnergyPeak:    e.peak,
		AverageEnergy: avg,
	}
	e.clearSpan()
	return u
}

func (e *Engine) clearSpan() {
	e.speaking = false
	e.spanStart = 0
	e.speechEnd = 0
	e.peak = 0
	e.energySum = 0
	e.energyCount = 0
	e.window = e.window[:0]
	e.buffer = nil
	e.speechBytes = 0
	e.lowFrames = 0
	e.trailingGap = 0
}

// ─── energy tracking ─────────────────────────────────────────────────────────

// threshold returns the current adaptive threshold: a fraction of the running
// average speech energy of this span, seeded from the fallback before any
// speech has been recorded.
func (e *Engine) threshold() float64 {
	if len(e.window) == 0 {
		return e.cfg.FallbackThreshold
	}
	var sum float64
	for _, v := range e.window {
		sum += v
	}
	return e.cfg.AdaptiveRatio * sum / float64(len(e.window))
}

// recordEnergy tracks the energy of a speech frame in the rolling window and
// the span aggregates.
func (e *Engine) recordEnergy(energy float64) {
	if energy > e.peak {
		e.peak = energy
	}
	e.energySum += energy
	e.energyCount++
	e.window = append(e.window, energy)
	if len(e.window) > e.cfg.EnergyWindow {
		e.window = e.window[1:]
	}
}

// appendFrame accumulates raw PCM, dropping the oldest bytes when the buffer
// guard is exceeded.
func (e *Engine) appendFrame(data []byte) {
	e.buffer = append(e.buffer, data...)
	if over := len(e.buffer) - e.cfg.MaxBufferBytes; over > 0 {
		e.buffer = e.buffer[over:]
		e.speechBytes -= over
		if e.speechBytes < 0 {
			e.speechBytes = 0
		}
	}
}

// frameEnergy returns the RMS energy of 16-bit little-endian PCM in sample
// units (0-32767).
func frameEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
