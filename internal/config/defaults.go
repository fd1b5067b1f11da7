package config

import (
	"os"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppLogFormat       = "text"
	defaultAppHTTPAddr        = ":9992"
	defaultDataRoot           = "data/candles"
	defaultBinanceREST        = "https://fapi.binance.com"
	defaultBinanceRate        = 1200
	defaultBinanceBurst       = 5
	defaultTwelveDataURL      = "https://api.twelvedata.com"
	defaultTwelveDataRate     = 8
	defaultFeedTimeout        = 20
	defaultFeedRetries        = 3
	defaultFeedBackoff        = 2.0
	defaultBreakerThreshold   = 5
	defaultBreakerCooldown    = 60
	defaultSyncPageSize       = 1000
	defaultSyncMaxConcurrent  = 2
	defaultSyncMaxPages       = 1000
	defaultSessionDBPath      = "data/sessions.db"
	defaultAssetsPath         = "configs/assets.yaml"
	defaultReplayBalance      = 10000
	defaultReplaySpeed        = 1
	defaultReplayFrameMs      = 100
	defaultReplayMaxCandles   = 50000
	envTwelveDataAPIKey       = "TWELVEDATA_API_KEY"
)

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Data.applyDefaults(keys)
	c.Feed.applyDefaults(keys)
	c.Sync.applyDefaults(keys)
	c.Session.applyDefaults(keys)
	c.Assets.applyDefaults(keys)
	c.Replay.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
	a.LogLevel = strings.ToLower(strings.TrimSpace(a.LogLevel))
	a.LogFormat = strings.ToLower(strings.TrimSpace(a.LogFormat))
}

func (d *DataConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("data.root", &d.Root, defaultDataRoot))
}

func (f *FeedConfig) applyDefaults(keys keySet) {
	b := &f.Binance
	t := &f.TwelveData
	applyFieldDefaults(keys,
		boolFieldDefault("feed.binance.enabled", &b.Enabled, true),
		stringFieldDefault("feed.binance.rest_base_url", &b.RESTBaseURL, defaultBinanceREST),
		intFieldDefault("feed.binance.timeout_seconds", &b.TimeoutSeconds, defaultFeedTimeout),
		intFieldDefault("feed.binance.rate_per_minute", &b.RatePerMinute, defaultBinanceRate),
		intFieldDefault("feed.binance.burst", &b.Burst, defaultBinanceBurst),
		stringFieldDefault("feed.twelvedata.base_url", &t.BaseURL, defaultTwelveDataURL),
		intFieldDefault("feed.twelvedata.timeout_seconds", &t.TimeoutSeconds, defaultFeedTimeout),
		intFieldDefault("feed.twelvedata.rate_per_minute", &t.RatePerMinute, defaultTwelveDataRate),
		intFieldDefault("feed.twelvedata.burst", &t.Burst, 1),
		intFieldDefault("feed.max_retries", &f.MaxRetries, defaultFeedRetries),
		intFieldDefault("feed.breaker_threshold", &f.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("feed.breaker_cooldown_seconds", &f.BreakerCooldownSeconds, defaultBreakerCooldown),
		fieldDefault{
			key:   "feed.retry_backoff_seconds",
			need:  func() bool { return f.RetryBackoffSeconds <= 0 },
			apply: func() { f.RetryBackoffSeconds = defaultFeedBackoff },
		},
	)
	if strings.TrimSpace(t.APIKey) == "" {
		t.APIKey = os.Getenv(envTwelveDataAPIKey)
	}
	f.DefaultSource = strings.ToLower(strings.TrimSpace(f.DefaultSource))
	if f.DefaultSource == "" {
		if enabled := f.EnabledSources(); len(enabled) > 0 {
			f.DefaultSource = enabled[0]
		}
	}
}

func (s *SyncConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("sync.page_size", &s.PageSize, defaultSyncPageSize),
		intFieldDefault("sync.max_concurrent", &s.MaxConcurrent, defaultSyncMaxConcurrent),
		intFieldDefault("sync.max_pages", &s.MaxPages, defaultSyncMaxPages),
	)
}

func (s *SessionConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("session.db_path", &s.DBPath, defaultSessionDBPath))
}

func (a *AssetsConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("assets.path", &a.Path, defaultAssetsPath),
		boolFieldDefault("assets.watch", &a.Watch, true),
	)
}

func (r *ReplayConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "replay.initial_balance",
			need:  func() bool { return r.InitialBalance <= 0 },
			apply: func() { r.InitialBalance = defaultReplayBalance },
		},
		fieldDefault{
			key:   "replay.speed",
			need:  func() bool { return r.Speed <= 0 },
			apply: func() { r.Speed = defaultReplaySpeed },
		},
		boolFieldDefault("replay.auto_pause", &r.AutoPause, true),
		intFieldDefault("replay.frame_interval_ms", &r.FrameIntervalMs, defaultReplayFrameMs),
		intFieldDefault("replay.max_candles", &r.MaxCandles, defaultReplayMaxCandles),
	)
}

// Helper functions

// applyFieldDefaults 只对配置文件中未出现的键应用默认值。
func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

// boolFieldDefault 仅在键缺失时生效，显式的 false 会被保留。
func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}
