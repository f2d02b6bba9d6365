// Package config provides the configuration schema, loader, environment
// overlay and provider registry for the hostline voice agent.
package config

import (
	"time"

	"github.com/MrWong99/hostline/internal/dialogue"
	"github.com/MrWong99/hostline/internal/handoff"
)

// LogLevel controls log verbosity for the hostline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for hostline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Telephony   TelephonyConfig   `yaml:"telephony"`
	Session     SessionConfig     `yaml:"session"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Dialogue    dialogue.Config   `yaml:"dialogue"`
	Handoff     HandoffConfig     `yaml:"handoff"`
	Speech      SpeechConfig      `yaml:"speech"`
	Workers     WorkersConfig     `yaml:"workers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// PublicURL is the externally reachable base URL (e.g.,
	// "https://agent.example.com"). Twilio signs webhooks against it and the
	// media stream URL is derived from it.
	PublicURL string `yaml:"public_url"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// DefaultTimeZone is used for tenants without a time zone.
	DefaultTimeZone string `yaml:"default_time_zone"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the
// [Registry].
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when the primary language model fails
	// or its circuit breaker is open.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`

	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// DatabaseConfig configures the datastore. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int32  `yaml:"max_conns"`

	// Migrate applies the schema on startup.
	Migrate bool `yaml:"migrate"`
}

// RedisConfig configures the shared tenant settings cache. An empty Addr
// selects the in-process cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// TenantTTL is how long tenant settings stay cached.
	TenantTTL time.Duration `yaml:"tenant_ttl"`
}

// TelephonyConfig configures the Twilio boundary.
type TelephonyConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`

	// ValidateSignature rejects webhooks without a valid X-Twilio-Signature.
	ValidateSignature bool `yaml:"validate_signature"`

	// StreamTokenSecret signs the media stream token. Empty disables tokens.
	StreamTokenSecret string        `yaml:"stream_token_secret"`
	StreamTokenTTL    time.Duration `yaml:"stream_token_ttl"`
}

// SessionConfig tunes call sessions.
type SessionConfig struct {
	GreetingDelay     time.Duration  `yaml:"greeting_delay"`
	DefaultGreeting   string         `yaml:"default_greeting"`
	QueueSize         int            `yaml:"queue_size"`
	ChunkSize         int            `yaml:"chunk_size"`
	LowLatencyPercent int            `yaml:"low_latency_percent"`
	Coalesce          CoalesceConfig `yaml:"coalesce"`
	PlaybackPerWord   time.Duration  `yaml:"playback_per_word"`
	PlaybackMin       time.Duration  `yaml:"playback_min"`
	PlaybackMax       time.Duration  `yaml:"playback_max"`
}

// CoalesceConfig holds the opening-turn coalescing windows.
type CoalesceConfig struct {
	FirstChunkWait time.Duration `yaml:"first_chunk_wait"`
	CoalesceWait   time.Duration `yaml:"coalesce_wait"`
	MaxWait        time.Duration `yaml:"max_wait"`
}

// RecognitionConfig configures the streaming transcription.
type RecognitionConfig struct {
	Language     string        `yaml:"language"`
	Endpointing  time.Duration `yaml:"endpointing"`
	UtteranceEnd time.Duration `yaml:"utterance_end"`
	Keyterms     []string      `yaml:"keyterms"`
}

// HandoffConfig holds the escalation thresholds, trigger phrases and the
// phrases spoken by the handoff state machine.
type HandoffConfig struct {
	Policy  handoff.Policy  `yaml:"policy"`
	Phrases handoff.Phrases `yaml:"phrases"`
}

// SpeechConfig configures speech synthesis.
type SpeechConfig struct {
	// CacheSize is the number of cached utterances.
	CacheSize int           `yaml:"cache_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// WorkersConfig configures the background reliability workers.
type WorkersConfig struct {
	Transcripts TranscriptQueueConfig `yaml:"transcripts"`
	Notifier    NotifierConfig        `yaml:"notifier"`
}

// TranscriptQueueConfig configures the low-latency transcript queue.
type TranscriptQueueConfig struct {
	QueueSize int           `yaml:"queue_size"`
	Attempts  int           `yaml:"attempts"`
	Backoff   time.Duration `yaml:"backoff"`
	Timeout   time.Duration `yaml:"timeout"`
}

// NotifierConfig configures the reservation webhook. An empty URL disables
// notifications.
type NotifierConfig struct {
	URL         string        `yaml:"url"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.DefaultTimeZone == "" {
		c.Server.DefaultTimeZone = "Europe/Berlin"
	}
	if c.Redis.TenantTTL <= 0 {
		c.Redis.TenantTTL = 5 * time.Minute
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	if c.Telephony.StreamTokenTTL <= 0 {
		c.Telephony.StreamTokenTTL = 2 * time.Minute
	}
	if c.Recognition.Language == "" {
		c.Recognition.Language = "de"
	}
	if c.Recognition.Endpointing <= 0 {
		c.Recognition.Endpointing = 300 * time.Millisecond
	}
	if c.Recognition.UtteranceEnd <= 0 {
		c.Recognition.UtteranceEnd = time.Second
	}
	if c.Speech.CacheSize <= 0 {
		c.Speech.CacheSize = 512
	}
	c.Dialogue = c.Dialogue.WithDefaults()
}
