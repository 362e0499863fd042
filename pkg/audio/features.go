package audio

import (
	"errors"
	"math"
	"sort"
)

// Features is an immutable spectral snapshot of one utterance or one block of
// synthesised speech. It is computed once via [ComputeFeatures] and compared
// by the echo detector; no field is mutated after creation.
type Features struct {
	// RMS is the root-mean-square energy normalised to [0, 1]
	// (1.0 corresponds to a full-scale int16 signal).
	RMS float64

	// SpectralCentroid is the magnitude-weighted mean frequency in Hz.
	SpectralCentroid float64

	// DominantFrequencies holds up to 5 spectral peaks in Hz, strongest first.
	DominantFrequencies []float64

	// ZeroCrossings is the number of sign changes across the analysed PCM.
	ZeroCrossings int

	// PeakAmplitude is the largest absolute sample normalised to [0, 1].
	PeakAmplitude float64
}

// ErrEmptyPCM is returned by [ComputeFeatures] when the input holds no
// complete sample.
var ErrEmptyPCM = errors.New("audio: pcm buffer holds no samples")

// maxDominantFrequencies caps the number of spectral peaks reported.
const maxDominantFrequencies = 5

// analysisBands is the set of candidate frequencies (Hz) probed by the
// Goertzel bank in [ComputeFeatures]. The range covers the voiced-speech
// band; synthesised voices and their acoustic reflections keep most of their
// energy well below 4 kHz.
var analysisBands = buildAnalysisBands(80, 4000, 64)

// ComputeFeatures derives a [Features] snapshot from little-endian int16 PCM
// at the given sample rate. The spectral fields are estimated with a Goertzel
// filter bank over [analysisBands] rather than a full FFT, which is cheap
// enough to run once per utterance.
//
// Frequencies above the Nyquist limit of sampleRate are skipped.
func ComputeFeatures(pcm []byte, sampleRate int) (*Features, error) {
	n := len(pcm) / 2
	if n == 0 {
		return nil, ErrEmptyPCM
	}
	if sampleRate <= 0 {
		return nil, errors.New("audio: sample rate must be positive")
	}

	samples := make([]float64, n)
	var (
		sumSquares float64
		peak       float64
		crossings  int
	)
	prevSign := 0
	for i := range n {
		s := float64(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
		samples[i] = s
		sumSquares += s * s
		if a := math.Abs(s); a > peak {
			peak = a
		}
		sign := 0
		if s > 0 {
			sign = 1
		} else if s < 0 {
			sign = -1
		}
		if sign != 0 && prevSign != 0 && sign != prevSign {
			crossings++
		}
		if sign != 0 {
			prevSign = sign
		}
	}

	f := &Features{
		RMS:           math.Sqrt(sumSquares/float64(n)) / 32768.0,
		ZeroCrossings: crossings,
		PeakAmplitude: peak / 32768.0,
	}

	nyquist := float64(sampleRate) / 2
	type band struct {
		freq float64
		mag  float64
	}
	bands := make([]band, 0, len(analysisBands))
	var magSum, weighted float64
	for _, freq := range analysisBands {
		if freq >= nyquist {
			continue
		}
		mag := goertzel(samples, freq, sampleRate)
		bands = append(bands, band{freq: freq, mag: mag})
		magSum += mag
		weighted += mag * freq
	}
	if magSum > 0 {
		f.SpectralCentroid = weighted / magSum
	}

	// Peak picking: a band is a peak when it exceeds both neighbours.
	var peaks []band
	for i, b := range bands {
		if i > 0 && bands[i-1].mag >= b.mag {
			continue
		}
		if i < len(bands)-1 && bands[i+1].mag > b.mag {
			continue
		}
		if b.mag > 0 {
			peaks = append(peaks, b)
		}
	}
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].mag > peaks[j].mag })
	if len(peaks) > maxDominantFrequencies {
		peaks = peaks[:maxDominantFrequencies]
	}
	for _, p := range peaks {
		f.DominantFrequencies = append(f.DominantFrequencies, p.freq)
	}

	return f, nil
}

// goertzel returns the magnitude of the signal at targetFreq using the
// Goertzel algorithm, normalised by the sample count.
func goertzel(samples []float64, targetFreq float64, sampleRate int) float64 {
	omega := 2 * math.Pi * targetFreq / float64(sampleRate)
	coeff := 2 * math.Cos(omega)

	var s0, s1, s2 float64
	for _, x := range samples {
		s0 = x + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}
	power := s1*s1 + s2*s2 - coeff*s1*s2
	if power < 0 {
		power = 0
	}
	return math.Sqrt(power) / float64(len(samples))
}

// buildAnalysisBands returns count frequencies log-spaced over [lo, hi].
// Log spacing gives the perceptually relevant lower bands finer resolution.
func buildAnalysisBands(lo, hi float64, count int) []float64 {
	bands := make([]float64, count)
	ratio := math.Log(hi / lo)
	for i := range count {
		bands[i] = lo * math.Exp(ratio*float64(i)/float64(count-1))
	}
	return bands
}
