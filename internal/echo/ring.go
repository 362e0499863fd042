package echo

import (
	"time"

	"github.com/nvolker/duplex/pkg/audio"
)

// TTSProfile is a snapshot of one block of synthesized speech, captured right
// after synthesis so later utterances can be compared against it. Read-only
// after creation.
type TTSProfile struct {
	// Text is the text that was synthesized.
	Text string

	// Features is the spectral snapshot of the synthesized audio. May be
	// nil when feature extraction failed; text correlation still works.
	Features *audio.Features

	// SynthesizedAt is when the speech was produced.
	SynthesizedAt time.Time

	// Duration is the length of the synthesized audio.
	Duration time.Duration
}

// profileRing keeps the most recent TTS profiles, bounded by count and age.
// Oldest entries are evicted first. Not safe for concurrent use; the detector
// confines access to its caller's goroutine.
type profileRing struct {
	profiles []TTSProfile
	maxSize  int
	maxAge   time.Duration
	now      func() time.Time
}

func newProfileRing(maxSize int, maxAge time.Duration) *profileRing {
	return &profileRing{
		maxSize: maxSize,
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// add appends a profile, evicting by size.
func (r *profileRing) add(p TTSProfile) {
	r.profiles = append(r.profiles, p)
	if len(r.profiles) > r.maxSize {
		r.profiles = r.profiles[len(r.profiles)-r.maxSize:]
	}
}

// recent returns the retained profiles newest-last, after pruning entries
// older than the age bound.
func (r *profileRing) recent() []TTSProfile {
	cutoff := r.now().Add(-r.maxAge)
	kept := r.profiles[:0]
	for _, p := range r.profiles {
		if p.SynthesizedAt.After(cutoff) {
			kept = append(kept, p)
		}
	}
	r.profiles = kept
	return r.profiles
}

// clear drops all profiles.
func (r *profileRing) clear() {
	r.profiles = nil
}
