package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/hostline/internal/dialogue"
	"github.com/MrWong99/hostline/internal/handoff"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs"},
}

// Defaults returns a config holding every default value. Decoding YAML on top
// of it keeps defaults for omitted keys.
func Defaults() *Config {
	cfg := &Config{
		Dialogue: dialogue.DefaultConfig(),
		Handoff: HandoffConfig{
			Policy:  handoff.DefaultPolicy(),
			Phrases: handoff.DefaultPhrases(),
		},
		Telephony: TelephonyConfig{ValidateSignature: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads the YAML configuration file at path, overlays HOSTLINE_*
// environment variables and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, nil)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// The environment is not consulted. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parse decodes data, applies the environment overlay from environ (the
// process environment when nil) and validates.
func parse(data []byte, environ map[string]string) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, environ); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute http(s) URL", cfg.Server.PublicURL))
		}
	} else {
		slog.Warn("server.public_url is empty; the media stream URL falls back to the request host")
	}
	if _, err := time.LoadLocation(cfg.Server.DefaultTimeZone); err != nil {
		errs = append(errs, fmt.Errorf("server.default_time_zone %q: %w", cfg.Server.DefaultTimeZone, err))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Datastore
	if cfg.Database.PostgresDSN == "" {
		slog.Warn("database.postgres_dsn is empty; using the in-memory store, data is lost on restart")
	}

	// Telephony
	if cfg.Telephony.ValidateSignature && cfg.Telephony.AuthToken == "" {
		errs = append(errs, errors.New("telephony.validate_signature requires telephony.auth_token"))
	}
	if cfg.Telephony.StreamTokenSecret == "" {
		slog.Warn("telephony.stream_token_secret is empty; media streams are not authenticated")
	}

	// Session
	if p := cfg.Session.LowLatencyPercent; p < 0 || p > 100 {
		errs = append(errs, fmt.Errorf("session.low_latency_percent %d is out of range [0, 100]", p))
	}
	if c := cfg.Session.Coalesce; c.MaxWait > 0 && c.CoalesceWait > c.MaxWait {
		errs = append(errs, fmt.Errorf("session.coalesce.coalesce_wait %s exceeds max_wait %s", c.CoalesceWait, c.MaxWait))
	}

	// Dialogue
	if t := cfg.Dialogue.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("dialogue.temperature %.2f is out of range [0, 2]", t))
	}
	if cfg.Dialogue.HangupMin > cfg.Dialogue.HangupMax {
		errs = append(errs, fmt.Errorf("dialogue.hangup_min %s exceeds hangup_max %s", cfg.Dialogue.HangupMin, cfg.Dialogue.HangupMax))
	}

	// Handoff
	if cfg.Handoff.Policy.MisunderstandingThreshold < 0 {
		errs = append(errs, errors.New("handoff.policy.misunderstanding_threshold must not be negative"))
	}
	if cfg.Handoff.Policy.ToolErrorThreshold < 0 {
		errs = append(errs, errors.New("handoff.policy.tool_error_threshold must not be negative"))
	}

	// Workers
	if n := cfg.Workers.Notifier.URL; n != "" {
		if u, err := url.Parse(n); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("workers.notifier.url %q must be an absolute URL", n))
		}
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
	slog.Warn("unknown provider name, may be a typo or a provider registered at runtime",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
