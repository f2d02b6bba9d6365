package config

import (
	"strings"
	"testing"
)

func TestParse_EnvironmentOverlay(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: info
providers:
  llm:
    name: openai
    api_key: from-file
  stt:
    name: deepgram
  tts:
    name: elevenlabs
telephony:
  auth_token: file-token
`
	cfg, err := parse([]byte(yaml), map[string]string{
		"HOSTLINE_LOG_LEVEL":           "debug",
		"HOSTLINE_LLM_API_KEY":         "from-env",
		"HOSTLINE_DATABASE_URL":        "postgres://db/hostline",
		"HOSTLINE_TWILIO_AUTH_TOKEN":   "env-token",
		"HOSTLINE_STREAM_TOKEN_SECRET": "s3cret",
		"UNPREFIXED_LLM_API_KEY":       "ignored",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Providers.LLM.APIKey != "from-env" {
		t.Errorf("llm api_key = %q, want from-env", cfg.Providers.LLM.APIKey)
	}
	if cfg.Database.PostgresDSN != "postgres://db/hostline" {
		t.Errorf("postgres_dsn = %q", cfg.Database.PostgresDSN)
	}
	if cfg.Telephony.AuthToken != "env-token" {
		t.Errorf("auth_token = %q, want env-token", cfg.Telephony.AuthToken)
	}
	if cfg.Telephony.StreamTokenSecret != "s3cret" {
		t.Errorf("stream_token_secret = %q", cfg.Telephony.StreamTokenSecret)
	}
}

func TestParse_EnvironmentKeepsFileValues(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm: {name: openai, api_key: from-file}
  stt: {name: deepgram}
  tts: {name: elevenlabs}
telephony:
  validate_signature: false
`
	cfg, err := parse([]byte(yaml), map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.LLM.APIKey != "from-file" {
		t.Errorf("api_key = %q, want from-file", cfg.Providers.LLM.APIKey)
	}
}

func TestParse_EnvironmentInvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm: {name: openai}
  stt: {name: deepgram}
  tts: {name: elevenlabs}
telephony:
  validate_signature: false
`
	_, err := parse([]byte(yaml), map[string]string{"HOSTLINE_LOG_LEVEL": "chatty"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}
