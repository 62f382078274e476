package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log
// level takes effect immediately, while coaching and audio tuning apply
// to rooms created after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CoachingChanged bool
	AudioChanged    bool
}

// Changed reports whether anything hot-reloadable differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CoachingChanged || d.AudioChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oc, nc := old.Coaching, new.Coaching
	if oc.ConfidenceFloor != nc.ConfidenceFloor ||
		oc.MaxPerSession != nc.MaxPerSession ||
		oc.CooldownSeconds != nc.CooldownSeconds ||
		oc.Cadence != nc.Cadence ||
		oc.CulturalContext != nc.CulturalContext ||
		!slices.Equal(oc.Topics, nc.Topics) {
		d.CoachingChanged = true
	}

	if old.Audio != new.Audio {
		d.AudioChanged = true
	}

	return d
}
