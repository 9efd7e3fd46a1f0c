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
		key: "backend.base_url", typ: kString, env: "SESH_BACKEND_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.BaseURL },
	},
	{
		key: "backend.user_id", typ: kString, env: "SESH_BACKEND_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.Backend.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.UserID },
	},
	{
		key: "backend.timeout_seconds", typ: kInt, env: "SESH_BACKEND_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Backend.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Backend.TimeoutSeconds },
	},
	{
		key: "backend.api_token", typ: kString, env: "SESH_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Backend.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SESH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.retention_days", typ: kInt, env: "SESH_STORAGE_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Storage.RetentionDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.RetentionDays },
	},
	{
		key: "cache.max_sessions", typ: kInt, env: "SESH_CACHE_MAX_SESSIONS",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxSessions = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxSessions },
	},
	{
		key: "cache.eviction_slack", typ: kInt, env: "SESH_CACHE_EVICTION_SLACK",
		apply:   func(cfg *Config, v any) { cfg.Cache.EvictionSlack = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.EvictionSlack },
	},
	{
		key: "cache.history_limit", typ: kInt, env: "SESH_CACHE_HISTORY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Cache.HistoryLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.HistoryLimit },
	},
	{
		key: "cache.stale_after_days", typ: kInt, env: "SESH_CACHE_STALE_AFTER_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Cache.StaleAfterDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.StaleAfterDays },
	},
	{
		key: "log.level", typ: kString, env: "SESH_LOG_LEVEL",
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
