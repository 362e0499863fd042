// Package echo decides whether a captured utterance is the microphone
// hearing the system's own synthesized speech.
//
// Every time the system speaks, the session records a TTSProfile of the
// spoken text and its audio features. When the VAD later finalizes an
// utterance, the Detector scores it against the retained profiles with three
// independent estimators (text correlation, frequency correlation, and a
// lightweight classifier) and fuses them into one verdict.
//
// The detector fails open: when an estimator cannot run it contributes zero,
// and a detector with no retained profiles reports not-an-echo. A broken
// diagnostic must never swallow a real user utterance.
//
// The Detector is not safe for concurrent use; the session layer calls it
// from its event loop only.
package echo

import (
	"time"

	"github.com/nvolker/duplex/pkg/audio"
)

// Fusion weights and decision threshold.
const (
	defaultTextWeight       = 0.5
	defaultFrequencyWeight  = 0.3
	defaultClassifierWeight = 0.2
	defaultThreshold        = 0.6

	defaultMaxProfiles = 10
	defaultMaxAge      = 30 * time.Second
)

// Method names reported as the dominant contributor of a verdict.
const (
	MethodText       = "text"
	MethodFrequency  = "frequency"
	MethodClassifier = "classifier"
	MethodNone       = "none"
)

// Config holds the fusion parameters. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// TextWeight, FrequencyWeight, and ClassifierWeight are the fusion
	// shares of the three estimators. They should sum to 1.
	TextWeight       float64
	FrequencyWeight  float64
	ClassifierWeight float64

	// Threshold is the fused score above which a candidate is an echo.
	Threshold float64

	// MaxProfiles bounds the TTS profile ring.
	MaxProfiles int

	// MaxProfileAge prunes profiles older than this.
	MaxProfileAge time.Duration
}

// DefaultConfig returns the standard fusion parameters.
func DefaultConfig() Config {
	return Config{
		TextWeight:       defaultTextWeight,
		FrequencyWeight:  defaultFrequencyWeight,
		ClassifierWeight: defaultClassifierWeight,
		Threshold:        defaultThreshold,
		MaxProfiles:      defaultMaxProfiles,
		MaxProfileAge:    defaultMaxAge,
	}
}

// Result is the verdict for one candidate utterance.
type Result struct {
	// IsEcho reports whether the fused score exceeded the threshold.
	IsEcho bool

	// Confidence is the fused score in [0, 1].
	Confidence float64

	// Method names the estimator that contributed the largest sub-score,
	// for diagnostics.
	Method string
}

// Detector fuses the three estimators over the retained TTS profiles.
type Detector struct {
	cfg  Config
	ring *profileRing
	clf  *classifier
}

// NewDetector creates a Detector. Zero or negative config fields fall back
// to their defaults.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.TextWeight <= 0 {
		cfg.TextWeight = def.TextWeight
	}
	if cfg.FrequencyWeight <= 0 {
		cfg.FrequencyWeight = def.FrequencyWeight
	}
	if cfg.ClassifierWeight <= 0 {
		cfg.ClassifierWeight = def.ClassifierWeight
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxProfiles <= 0 {
		cfg.MaxProfiles = def.MaxProfiles
	}
	if cfg.MaxProfileAge <= 0 {
		cfg.MaxProfileAge = def.MaxProfileAge
	}
	return &Detector{
		cfg:  cfg,
		ring: newProfileRing(cfg.MaxProfiles, cfg.MaxProfileAge),
		clf:  newClassifier(),
	}
}

// Profile records one block of synthesized speech for later comparison.
// feats may be nil; text correlation alone still catches most echoes.
func (d *Detector) Profile(text string, feats *audio.Features, duration time.Duration) {
	if text == "" {
		return
	}
	d.ring.add(TTSProfile{
		Text:          text,
		Features:      feats,
		SynthesizedAt: d.ring.now(),
		Duration:      duration,
	})
}

// Detect scores a candidate utterance against the retained profiles. The
// candidate's features may be nil; the frequency estimator then contributes
// zero.
func (d *Detector) Detect(candidateText string, candidateFeats *audio.Features) Result {
	profiles := d.ring.recent()
	if len(profiles) == 0 {
		return Result{IsEcho: false, Confidence: 0, Method: MethodNone}
	}

	// Each estimator takes its best score across the retained profiles.
	var textScore, freqScore float64
	for _, p := range profiles {
		if s := textCorrelation(candidateText, p.Text); s > textScore {
			textScore = s
		}
		if s := frequencyCorrelation(candidateFeats, p.Features); s > freqScore {
			freqScore = s
		}
	}
	clfScore := d.clf.Predict(candidateText, candidateFeats)

	combined := d.cfg.TextWeight*textScore +
		d.cfg.FrequencyWeight*freqScore +
		d.cfg.ClassifierWeight*clfScore

	method := MethodText
	best := textScore
	if freqScore > best {
		method, best = MethodFrequency, freqScore
	}
	if clfScore > best {
		method = MethodClassifier
	}

	return Result{
		IsEcho:     combined > d.cfg.Threshold,
		Confidence: combined,
		Method:     method,
	}
}

// Train feeds one ground-truth label into the classifier. Optional; the
// default weights work untrained.
func (d *Detector) Train(text string, feats *audio.Features, isEcho bool) {
	d.clf.Train(text, feats, isEcho)
}

// Reset drops all retained profiles.
func (d *Detector) Reset() {
	d.ring.clear()
}
