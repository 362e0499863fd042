package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":     {"whisper", "openai"},
	"respond": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":     {"elevenlabs"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	if fb := cfg.Providers.STTFallback; fb != nil {
		validateProviderName("stt", fb.Name)
		if fb.Name == "" {
			errs = append(errs, errors.New("providers.stt_fallback.name is required when the block is present"))
		}
	}
	validateProviderName("respond", cfg.Providers.Respond.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be 1 or 2", cfg.Audio.Channels))
	}

	if cfg.VAD.SilenceGap <= 0 {
		errs = append(errs, errors.New("vad.silence_gap must be positive"))
	}
	if cfg.VAD.MinSpeechDuration <= 0 {
		errs = append(errs, errors.New("vad.min_speech_duration must be positive"))
	}
	if cfg.VAD.MaxSpanDuration <= cfg.VAD.MinSpeechDuration {
		errs = append(errs, errors.New("vad.max_span_duration must exceed vad.min_speech_duration"))
	}
	if r := cfg.VAD.AdaptiveRatio; r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("vad.adaptive_ratio %.2f is out of range (0, 1]", r))
	}
	if r := cfg.VAD.PeakRatio; r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("vad.peak_ratio %.2f is out of range (0, 1]", r))
	}
	if cfg.VAD.HysteresisFrames < 1 {
		errs = append(errs, errors.New("vad.hysteresis_frames must be at least 1"))
	}
	if cfg.VAD.EnergyWindow < 1 {
		errs = append(errs, errors.New("vad.energy_window must be at least 1"))
	}

	if t := cfg.Echo.Threshold; t <= 0 || t > 1 {
		errs = append(errs, fmt.Errorf("echo.threshold %.2f is out of range (0, 1]", t))
	}
	if cfg.Echo.TextWeight < 0 || cfg.Echo.FrequencyWeight < 0 || cfg.Echo.ClassifierWeight < 0 {
		errs = append(errs, errors.New("echo weights must not be negative"))
	}
	if cfg.Echo.MaxProfiles < 1 {
		errs = append(errs, errors.New("echo.max_profiles must be at least 1"))
	}

	if cfg.Hallucination.MaxLength < 1 {
		errs = append(errs, errors.New("hallucination.max_length must be at least 1"))
	}
	if cfg.Hallucination.MaxSentences < 1 {
		errs = append(errs, errors.New("hallucination.max_sentences must be at least 1"))
	}

	if r := cfg.Dedup.RephraseRatio; r <= 0 || r >= 1 {
		errs = append(errs, fmt.Errorf("dedup.rephrase_ratio %.2f is out of range (0, 1)", r))
	}

	if cfg.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if cfg.Retry.Factor <= 1 {
		errs = append(errs, fmt.Errorf("retry.factor %.2f must exceed 1", cfg.Retry.Factor))
	}
	if cfg.Retry.BaseDelay <= 0 || cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		errs = append(errs, errors.New("retry delays must satisfy 0 < base_delay <= max_delay"))
	}
	if j := cfg.Retry.Jitter; j < 0 || j > 0.5 {
		errs = append(errs, fmt.Errorf("retry.jitter %.2f is out of range [0, 0.5]", j))
	}

	if s := cfg.Assistant.Voice.Speed; s != 0 && (s < 0.5 || s > 2.0) {
		errs = append(errs, fmt.Errorf("assistant.voice.speed %.2f is out of range [0.5, 2.0]", s))
	}
	for name, v := range map[string]float64{
		"stability":        cfg.Assistant.Voice.Stability,
		"similarity_boost": cfg.Assistant.Voice.SimilarityBoost,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("assistant.voice.%s %.2f is out of range [0, 1]", name, v))
		}
	}

	if cfg.Providers.TTS.Name == "elevenlabs" && cfg.Providers.TTS.APIKey == "" {
		slog.Warn("providers.tts.api_key is empty; elevenlabs requests will be rejected")
	}
	if cfg.TranscriptLog.PostgresDSN == "" {
		slog.Warn("transcript_log.postgres_dsn is empty; conversations will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
