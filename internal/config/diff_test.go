package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/hostline/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	a, b := config.Defaults(), config.Defaults()
	d := config.Diff(a, b)
	if d.LogLevelChanged || d.SessionsChanged || len(d.RestartRequired) != 0 {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	a, b := config.Defaults(), config.Defaults()
	b.Server.LogLevel = config.LogDebug
	d := config.Diff(a, b)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("got %+v, want log level change to debug", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone must not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_SessionsChanged(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"greeting", func(c *config.Config) { c.Session.DefaultGreeting = "Hallo" }},
		{"keyterms", func(c *config.Config) { c.Recognition.Keyterms = []string{"Tisch"} }},
		{"dialogue", func(c *config.Config) { c.Dialogue.MaxToolRounds = 2 }},
		{"handoff phrases", func(c *config.Config) {
			c.Handoff.Policy.RequestPhrases = append(slices.Clone(c.Handoff.Policy.RequestPhrases), "chefin")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, b := config.Defaults(), config.Defaults()
			tt.mutate(b)
			d := config.Diff(a, b)
			if !d.SessionsChanged {
				t.Error("SessionsChanged = false, want true")
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	a, b := config.Defaults(), config.Defaults()
	b.Server.ListenAddr = ":9999"
	b.Providers.LLM.Model = "other"
	b.Redis.Addr = "redis:6379"
	d := config.Diff(a, b)
	want := []string{"server", "providers", "redis"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.SessionsChanged {
		t.Error("SessionsChanged = true, want false")
	}
}
