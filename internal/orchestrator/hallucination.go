package orchestrator

import (
	"strings"
	"unicode"
)

// Defaults for the hallucination filter.
const (
	defaultMaxTranscriptLen = 150
	defaultMaxSentences     = 3
)

// fillerPatterns are substrings that speech-to-text models are known to
// hallucinate from silence or background noise: channel sign-offs, subtitle
// credits and similar broadcast boilerplate from their training data.
// Matching is case-insensitive on the trimmed transcript.
var fillerPatterns = []string{
	"подписывайтесь на канал",
	"подписывайтесь на наш канал",
	"спасибо за просмотр",
	"до новых встреч",
	"продолжение следует",
	"редактор субтитров",
	"субтитры сделал",
	"субтитры подготовлены",
	"thanks for watching",
	"thank you for watching",
	"please subscribe",
	"like and subscribe",
}

// fillerSounds are standalone hesitation noises. A transcript made up
// entirely of these words carries no content.
var fillerSounds = map[string]bool{
	"э": true, "ээ": true, "эм": true, "мм": true, "хм": true,
	"ага": true, "угу": true, "ну": true,
	"uh": true, "um": true, "er": true, "eh": true, "ah": true,
	"oh": true, "hm": true, "hmm": true, "mm": true, "mhm": true,
}

// HallucinationConfig bounds what the filter accepts as a genuine
// transcript. The zero value selects the defaults.
type HallucinationConfig struct {
	// MaxLength is the maximum transcript length in runes. Transcripts
	// beyond it are treated as runaway generation. Default 150.
	MaxLength int

	// MaxSentences caps the number of sentences. Default 3.
	MaxSentences int

	// ExtraPatterns extends the built-in filler pattern list. Entries are
	// matched case-insensitively as substrings.
	ExtraPatterns []string
}

// hallucinationFilter rejects transcripts that match the known failure
// modes of STT models on non-speech input.
type hallucinationFilter struct {
	maxLength    int
	maxSentences int
	patterns     []string
}

func newHallucinationFilter(cfg HallucinationConfig) *hallucinationFilter {
	f := &hallucinationFilter{
		maxLength:    cfg.MaxLength,
		maxSentences: cfg.MaxSentences,
		patterns:     fillerPatterns,
	}
	if f.maxLength <= 0 {
		f.maxLength = defaultMaxTranscriptLen
	}
	if f.maxSentences <= 0 {
		f.maxSentences = defaultMaxSentences
	}
	for _, p := range cfg.ExtraPatterns {
		f.patterns = append(f.patterns, strings.ToLower(strings.TrimSpace(p)))
	}
	return f
}

// Reject reports whether text should be discarded as a likely
// hallucination, with a short reason for logging.
func (f *hallucinationFilter) Reject(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "empty", true
	}

	lower := strings.ToLower(trimmed)
	for _, p := range f.patterns {
		if p != "" && strings.Contains(lower, p) {
			return "filler pattern", true
		}
	}

	letters := 0
	for _, r := range lower {
		if unicode.IsLetter(r) {
			letters++
		}
	}
	if letters <= 2 {
		return "too short", true
	}
	if onlyFillerSounds(lower) {
		return "filler sounds", true
	}

	if n := len([]rune(trimmed)); n > f.maxLength {
		return "too long", true
	}
	if countSentences(trimmed) > f.maxSentences {
		return "too many sentences", true
	}
	return "", false
}

// onlyFillerSounds reports whether every word of the lowercased text is a
// hesitation noise.
func onlyFillerSounds(lower string) bool {
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if !fillerSounds[w] {
			return false
		}
	}
	return true
}

// countSentences counts maximal runs of content characters separated by
// terminal punctuation, so an ellipsis still ends a single sentence.
func countSentences(s string) int {
	n := 0
	inSentence := false
	for _, r := range s {
		switch r {
		case '.', '!', '?', '…':
			if inSentence {
				n++
				inSentence = false
			}
		default:
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				inSentence = true
			}
		}
	}
	if inSentence {
		n++
	}
	return n
}
