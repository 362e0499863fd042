package echo

import (
	"math"
	"strings"
	"unicode"

	"github.com/nvolker/duplex/pkg/audio"
)

// featureCount is the size of the classifier's input vector.
const featureCount = 6

// classifier is a logistic model over a small hand-picked feature vector.
// The default weights work with zero training; Train nudges them online when
// ground-truth labels are available.
type classifier struct {
	weights [featureCount]float64
	bias    float64
	rate    float64
}

// newClassifier returns a classifier with the default fixed weights. The
// bias keeps the untrained probability for ordinary short text well below
// 0.5, so the classifier's fusion share cannot flip a verdict on its own.
func newClassifier() *classifier {
	return &classifier{
		weights: [featureCount]float64{
			0.8, // normalized text length
			0.6, // normalized word count
			0.4, // non-Latin script ratio
			0.5, // sentence-terminal punctuation
			0.7, // RMS
			0.4, // normalized spectral centroid
		},
		bias: -1.8,
		rate: 0.05,
	}
}

// Predict returns the probability in [0, 1] that the candidate is an echo.
func (c *classifier) Predict(text string, feats *audio.Features) float64 {
	x := featurize(text, feats)
	z := c.bias
	for i, w := range c.weights {
		z += w * x[i]
	}
	return sigmoid(z)
}

// Train applies one online update toward the given label (true = echo).
func (c *classifier) Train(text string, feats *audio.Features, isEcho bool) {
	x := featurize(text, feats)
	target := 0.0
	if isEcho {
		target = 1.0
	}
	err := target - c.Predict(text, feats)
	for i := range c.weights {
		c.weights[i] += c.rate * err * x[i]
	}
	c.bias += c.rate * err
}

// featurize builds the input vector. Audio features contribute zero when
// absent rather than failing the call.
func featurize(text string, feats *audio.Features) [featureCount]float64 {
	var x [featureCount]float64

	runes := []rune(text)
	x[0] = math.Min(1, float64(len(runes))/100)
	x[1] = math.Min(1, float64(len(strings.Fields(text)))/20)
	x[2] = nonLatinRatio(runes)
	if t := strings.TrimSpace(text); t != "" {
		if r := []rune(t); strings.ContainsRune(".!?", r[len(r)-1]) {
			x[3] = 1
		}
	}
	if feats != nil {
		x[4] = feats.RMS
		x[5] = math.Min(1, feats.SpectralCentroid/4000)
	}
	return x
}

// nonLatinRatio is the share of letters outside the Latin script. Synthesis
// in the session language leaves a recognizable script signature in echoes.
func nonLatinRatio(runes []rune) float64 {
	letters, nonLatin := 0, 0
	for _, r := range runes {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if !unicode.Is(unicode.Latin, r) {
			nonLatin++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(nonLatin) / float64(letters)
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
