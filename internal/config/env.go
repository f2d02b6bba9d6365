package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by [Load].
const EnvPrefix = "HOSTLINE_"

// envOverlay holds the settings that may come from the environment. Set
// variables override the YAML file; secrets are expected to live here.
type envOverlay struct {
	ListenAddr        string `env:"LISTEN_ADDR"`
	LogLevel          string `env:"LOG_LEVEL"`
	PublicURL         string `env:"PUBLIC_URL"`
	PostgresDSN       string `env:"DATABASE_URL"`
	RedisAddr         string `env:"REDIS_ADDR"`
	RedisPassword     string `env:"REDIS_PASSWORD"`
	TwilioAccountSID  string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken   string `env:"TWILIO_AUTH_TOKEN"`
	StreamTokenSecret string `env:"STREAM_TOKEN_SECRET"`
	LLMAPIKey         string `env:"LLM_API_KEY"`
	STTAPIKey         string `env:"STT_API_KEY"`
	TTSAPIKey         string `env:"TTS_API_KEY"`
	NotifierURL       string `env:"NOTIFY_URL"`
}

// applyEnv overlays HOSTLINE_* variables from environ onto cfg. A nil
// environ reads the process environment.
func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverlay
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("config: parse environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Server.ListenAddr, o.ListenAddr)
	if o.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(o.LogLevel)
	}
	set(&cfg.Server.PublicURL, o.PublicURL)
	set(&cfg.Database.PostgresDSN, o.PostgresDSN)
	set(&cfg.Redis.Addr, o.RedisAddr)
	set(&cfg.Redis.Password, o.RedisPassword)
	set(&cfg.Telephony.AccountSID, o.TwilioAccountSID)
	set(&cfg.Telephony.AuthToken, o.TwilioAuthToken)
	set(&cfg.Telephony.StreamTokenSecret, o.StreamTokenSecret)
	set(&cfg.Providers.LLM.APIKey, o.LLMAPIKey)
	set(&cfg.Providers.STT.APIKey, o.STTAPIKey)
	set(&cfg.Providers.TTS.APIKey, o.TTSAPIKey)
	set(&cfg.Workers.Notifier.URL, o.NotifierURL)
	return nil
}
