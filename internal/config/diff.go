package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TurnChanged is true if any detector delay changed. These are applied
	// to the running engine.
	TurnChanged bool
	NewTurn     TurnConfig

	// RestartRequired lists the top-level sections that changed but only
	// take effect after a restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if timingsOf(old.Turn) != timingsOf(new.Turn) {
		d.TurnChanged = true
		d.NewTurn = new.Turn
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	restart := []struct {
		name    string
		changed bool
	}{
		{"server", !reflect.DeepEqual(oldServer, newServer)},
		{"providers", !reflect.DeepEqual(old.Providers, new.Providers)},
		{"session", !reflect.DeepEqual(old.Session, new.Session)},
		{"turn", withoutTimings(old.Turn) != withoutTimings(new.Turn)},
		{"assistant", old.Assistant != new.Assistant},
		{"memory", old.Memory != new.Memory},
		{"resilience", old.Resilience != new.Resilience},
		{"ui", !reflect.DeepEqual(old.UI, new.UI)},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}
	return d
}

// timings is the hot-reloadable part of a TurnConfig.
type timings struct {
	llm, tts, commit, veryShort, short int64
}

func timingsOf(t TurnConfig) timings {
	return timings{
		llm:       int64(t.LLMDelay),
		tts:       int64(t.TTSDelay),
		commit:    int64(t.CommitDelay),
		veryShort: int64(t.VeryShortExtension),
		short:     int64(t.ShortExtension),
	}
}

// withoutTimings clears the hot-reloadable fields of t.
func withoutTimings(t TurnConfig) TurnConfig {
	t.LLMDelay, t.TTSDelay, t.CommitDelay = 0, 0, 0
	t.VeryShortExtension, t.ShortExtension = 0, 0
	return t
}
