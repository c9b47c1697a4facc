package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the VAD block and the log level are applied without a restart.
type ConfigDiff struct {
	VADChanged bool
	NewVAD     VADConfig

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.VAD.Detector() != new.VAD.Detector() {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"database", old.Database, new.Database},
		{"catalog", old.Catalog, new.Catalog},
		{"audio", old.Audio, new.Audio},
		{"session", old.Session, new.Session},
		{"sweeper", old.Sweeper, new.Sweeper},
		{"inference", old.Inference, new.Inference},
		{"blob", old.Blob, new.Blob},
		{"feedback", old.Feedback, new.Feedback},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
