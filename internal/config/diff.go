package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded without restarting the session are tracked;
// provider and server changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AssistantChanged covers the system prompt, language, voice and
	// fallback phrases.
	AssistantChanged bool

	VADChanged           bool
	EchoChanged          bool
	HallucinationChanged bool
	DedupChanged         bool
	RetryChanged         bool
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.AssistantChanged || d.VADChanged ||
		d.EchoChanged || d.HallucinationChanged || d.DedupChanged ||
		d.RetryChanged
}

// Diff compares old and new configs and returns what changed among the
// hot-reloadable sections.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.AssistantChanged = !reflect.DeepEqual(old.Assistant, new.Assistant)
	d.VADChanged = old.VAD != new.VAD
	d.EchoChanged = old.Echo != new.Echo
	d.HallucinationChanged = !reflect.DeepEqual(old.Hallucination, new.Hallucination)
	d.DedupChanged = old.Dedup != new.Dedup
	d.RetryChanged = old.Retry != new.Retry

	return d
}
