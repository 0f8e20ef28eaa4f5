package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DEBUGPARTNER_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "DEBUGPARTNER_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DEBUGPARTNER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "gemini.api_key", typ: kString, env: "DEBUGPARTNER_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "gemini.model", typ: kString, env: "DEBUGPARTNER_GEMINI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Gemini.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.Model },
	},
	{
		key: "resend.api_key", typ: kString, env: "DEBUGPARTNER_RESEND_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Resend.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Resend.APIKey },
	},
	{
		key: "resend.from", typ: kString, env: "DEBUGPARTNER_RESEND_FROM",
		apply:   func(cfg *Config, v any) { cfg.Resend.From = v.(string) },
		extract: func(cfg Config) any { return cfg.Resend.From },
	},
	{
		key: "notify.dashboard_url", typ: kString, env: "DEBUGPARTNER_NOTIFY_DASHBOARD_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.DashboardURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.DashboardURL },
	},
	{
		key: "scheduler.poll_interval", typ: kString, env: "DEBUGPARTNER_SCHEDULER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Scheduler.PollInterval },
	},
	{
		key: "scheduler.concurrency", typ: kInt, env: "DEBUGPARTNER_SCHEDULER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Scheduler.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Scheduler.Concurrency },
	},
	{
		key: "log.level", typ: kString, env: "DEBUGPARTNER_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
