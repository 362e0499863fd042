package echo

import (
	"math"

	"github.com/nvolker/duplex/pkg/audio"
)

const (
	// dominantFreqTolerance is how far apart (Hz) two dominant frequencies
	// may lie and still count as the same spectral peak. Room acoustics
	// shift peaks by far less than this.
	dominantFreqTolerance = 250.0

	// centroidScale normalizes the spectral centroid distance; differences
	// beyond this many Hz score zero.
	centroidScale = 1000.0
)

// frequencyCorrelation scores the spectral similarity of a candidate
// utterance against one TTS profile, in [0, 1]. Returns 0 when either side
// has no features.
func frequencyCorrelation(cand, prof *audio.Features) float64 {
	if cand == nil || prof == nil {
		return 0
	}

	dom := dominantOverlap(cand.DominantFrequencies, prof.DominantFrequencies)
	centroid := 1 - math.Min(1, math.Abs(cand.SpectralCentroid-prof.SpectralCentroid)/centroidScale)
	rms := rmsCloseness(cand.RMS, prof.RMS)

	return 0.5*dom + 0.3*centroid + 0.2*rms
}

// dominantOverlap returns the fraction of candidate dominant frequencies that
// have a counterpart within tolerance in the profile's list.
func dominantOverlap(cand, prof []float64) float64 {
	if len(cand) == 0 || len(prof) == 0 {
		return 0
	}
	hits := 0
	for _, cf := range cand {
		for _, pf := range prof {
			if math.Abs(cf-pf) <= dominantFreqTolerance {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(cand))
}

// rmsCloseness scores how similar two RMS levels are relative to the louder
// of the two.
func rmsCloseness(a, b float64) float64 {
	max := math.Max(a, b)
	if max == 0 {
		return 1
	}
	return 1 - math.Min(1, math.Abs(a-b)/max)
}
