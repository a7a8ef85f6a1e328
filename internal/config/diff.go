package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; provider,
// history and listen address changes need one.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any session default changed. The new values
	// apply from the next talk onward.
	SessionChanged bool
	NewSession     SessionConfig

	AssessmentChanged bool
	NewAssessment     AssessmentConfig

	// RestartRequired lists top-level sections whose changes were ignored.
	RestartRequired []string
}

// Empty reports whether d carries no applicable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.AssessmentChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session != new.Session {
		d.SessionChanged = true
		d.NewSession = new.Session
	}
	if old.Assessment != new.Assessment {
		d.AssessmentChanged = true
		d.NewAssessment = new.Assessment
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.TraceExporter != new.Server.TraceExporter {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProvider(old.Providers.Live, new.Providers.Live) || !sameProvider(old.Providers.LLM, new.Providers.LLM) ||
		!slices.EqualFunc(old.Providers.LiveFallbacks, new.Providers.LiveFallbacks, sameProvider) ||
		!slices.EqualFunc(old.Providers.LLMFallbacks, new.Providers.LLMFallbacks, sameProvider) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	return d
}

// sameProvider compares the scalar fields of two entries. Options are not
// compared.
func sameProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
