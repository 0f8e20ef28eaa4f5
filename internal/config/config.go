// Package config loads the service configuration from a JSON config
// file with environment-variable overrides.
package config

import (
	"fmt"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Gemini    GeminiConfig
	Resend    ResendConfig
	Notify    NotifyConfig
	Scheduler SchedulerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

type ResendConfig struct {
	APIKey string
	From   string
}

type NotifyConfig struct {
	DashboardURL string
}

type SchedulerConfig struct {
	PollInterval string
	Concurrency  int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Gemini: GeminiConfig{
			Model: "gemini-2.5-flash",
		},
		Resend: ResendConfig{
			From: "Debug Partner <noreply@debugpartner.dev>",
		},
		Notify: NotifyConfig{
			DashboardURL: "http://localhost:4000",
		},
		Scheduler: SchedulerConfig{
			PollInterval: "1s",
			Concurrency:  4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON config file at
// $XDG_CONFIG_HOME/debugpartner/config.json, then applies environment
// variable (DEBUGPARTNER_*) overrides. Secrets are env-only.
//
// The Gemini API key is required; everything else has a default.
// The Resend API key is optional: without it email delivery is disabled
// and notifications are logged instead.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Gemini.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: Gemini API key. " +
			"Set it via environment variable DEBUGPARTNER_GEMINI_API_KEY")
	}

	return cfg, nil
}
