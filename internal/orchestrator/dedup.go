package orchestrator

import (
	"strings"
	"time"

	"github.com/antzucaro/matchr"
)

// Defaults for transcript and speech deduplication.
const (
	defaultExtensionChars  = 10
	defaultExtensionWindow = 10 * time.Second
	defaultRephraseRatio   = 0.20
	defaultRephraseChars   = 100
)

// DedupConfig tunes the transcript and speech duplicate suppression. The
// zero value selects the defaults.
type DedupConfig struct {
	// ExtensionChars is the rune threshold that separates a trivial
	// re-finalization from an interim expansion of the previous text.
	// Default 10.
	ExtensionChars int

	// ExtensionWindow bounds how long prefix-extension matching applies
	// after the last accepted transcript. Past the window an extension is
	// treated as a new utterance. Default 10s.
	ExtensionWindow time.Duration

	// RephraseRatio is the maximum edit distance relative to the longer
	// text for a reply to count as a minor rephrase. Default 0.20.
	RephraseRatio float64

	// RephraseChars is the absolute edit-distance cap for the minor
	// rephrase rule. Default 100.
	RephraseChars int
}

func (c DedupConfig) withDefaults() DedupConfig {
	if c.ExtensionChars <= 0 {
		c.ExtensionChars = defaultExtensionChars
	}
	if c.ExtensionWindow <= 0 {
		c.ExtensionWindow = defaultExtensionWindow
	}
	if c.RephraseRatio <= 0 {
		c.RephraseRatio = defaultRephraseRatio
	}
	if c.RephraseChars <= 0 {
		c.RephraseChars = defaultRephraseChars
	}
	return c
}

// ─── Transcript dedup ───

// transcriptDedup suppresses repeated and incrementally extended
// transcripts. STT backends re-deliver a finalized utterance, or deliver
// the previous one with a few trailing words appended when the speaker
// resumes quickly; neither may trigger a second response cycle.
//
// The tracked pointer advances on every check, including skips, so a
// later, genuinely different utterance is never blocked by a stale entry.
type transcriptDedup struct {
	extensionChars  int
	extensionWindow time.Duration
	now             func() time.Time

	last   string
	lastAt time.Time
}

func newTranscriptDedup(cfg DedupConfig) *transcriptDedup {
	cfg = cfg.withDefaults()
	return &transcriptDedup{
		extensionChars:  cfg.ExtensionChars,
		extensionWindow: cfg.ExtensionWindow,
		now:             time.Now,
	}
}

// check reports whether text duplicates the previously seen transcript,
// with a short reason for logging.
func (d *transcriptDedup) check(text string) (string, bool) {
	now := d.now()
	prev, prevAt := d.last, d.lastAt
	d.last, d.lastAt = text, now

	if prev == "" {
		return "", false
	}
	if text == prev {
		return "exact duplicate", true
	}
	if now.Sub(prevAt) > d.extensionWindow {
		return "", false
	}
	if strings.HasPrefix(text, prev) {
		delta := len([]rune(text)) - len([]rune(prev))
		if delta > d.extensionChars {
			// An interim expansion: the previous transcript was already
			// answered, the extension arrives too late to matter.
			return "interim expansion", true
		}
		return "near duplicate", true
	}
	return "", false
}

func (d *transcriptDedup) reset() {
	d.last = ""
	d.lastAt = time.Time{}
}

// ─── Speech dedup ───

// speechDedup prevents the same reply from being synthesized twice in a
// row. As with transcripts, the pointer advances on every check.
type speechDedup struct {
	extensionChars int
	rephraseRatio  float64
	rephraseChars  int

	last string
}

func newSpeechDedup(cfg DedupConfig) *speechDedup {
	cfg = cfg.withDefaults()
	return &speechDedup{
		extensionChars: cfg.ExtensionChars,
		rephraseRatio:  cfg.RephraseRatio,
		rephraseChars:  cfg.RephraseChars,
	}
}

// check reports whether text duplicates the previously spoken reply.
func (d *speechDedup) check(text string) (string, bool) {
	prev := d.last
	d.last = text

	if prev == "" {
		return "", false
	}
	if text == prev {
		return "exact duplicate", true
	}
	if strings.HasPrefix(text, prev) {
		delta := len([]rune(text)) - len([]rune(prev))
		if delta > d.extensionChars {
			// A streaming continuation that arrived after the shorter
			// version was already spoken.
			return "late continuation", true
		}
		return "near duplicate", true
	}

	dist := matchr.Levenshtein(prev, text)
	longer := len([]rune(prev))
	if n := len([]rune(text)); n > longer {
		longer = n
	}
	if longer > 0 && dist < d.rephraseChars &&
		float64(dist)/float64(longer) < d.rephraseRatio {
		return "minor rephrase", true
	}
	return "", false
}

func (d *speechDedup) reset() {
	d.last = ""
}
