package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionsChanged is set when settings applied to new calls changed:
	// session, recognition, dialogue or handoff.
	SessionsChanged bool

	// RestartRequired names changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionsChanged = !reflect.DeepEqual(old.Session, new.Session) ||
		!reflect.DeepEqual(old.Recognition, new.Recognition) ||
		!reflect.DeepEqual(old.Dialogue, new.Dialogue) ||
		!reflect.DeepEqual(old.Handoff, new.Handoff)

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	restart := []struct {
		name string
		a, b any
	}{
		{"server", oldServer, newServer},
		{"providers", old.Providers, new.Providers},
		{"database", old.Database, new.Database},
		{"redis", old.Redis, new.Redis},
		{"telephony", old.Telephony, new.Telephony},
		{"speech", old.Speech, new.Speech},
		{"workers", old.Workers, new.Workers},
	}
	for _, s := range restart {
		if !reflect.DeepEqual(s.a, s.b) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
