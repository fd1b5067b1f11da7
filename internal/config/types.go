package config

import "strings"

// Config 是 replaydesk 的主配置载体。
type Config struct {
	App     AppConfig     `toml:"app"`
	Data    DataConfig    `toml:"data"`
	Feed    FeedConfig    `toml:"feed"`
	Sync    SyncConfig    `toml:"sync"`
	Session SessionConfig `toml:"session"`
	Assets  AssetsConfig  `toml:"assets"`
	Replay  ReplayConfig  `toml:"replay"`
}

type AppConfig struct {
	Env           string `toml:"env"`
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`
	LogPath       string `toml:"log_path"`
	HTTPAddr      string `toml:"http_addr"`
	JournalPath   string `toml:"journal_path"`
	JournalDetail bool   `toml:"journal_detail"`
}

// DataConfig 指定本地 K 线库根目录（每个 SYMBOL/tf 一个 sqlite 文件）。
type DataConfig struct {
	Root string `toml:"root"`
}

type FeedConfig struct {
	DefaultSource          string           `toml:"default_source"`
	Binance                BinanceConfig    `toml:"binance"`
	TwelveData             TwelveDataConfig `toml:"twelvedata"`
	MaxRetries             int              `toml:"max_retries"`
	RetryBackoffSeconds    float64          `toml:"retry_backoff_seconds"`
	BreakerThreshold       int              `toml:"breaker_threshold"`
	BreakerCooldownSeconds int              `toml:"breaker_cooldown_seconds"`
}

type BinanceConfig struct {
	Enabled        bool   `toml:"enabled"`
	RESTBaseURL    string `toml:"rest_base_url"`
	ProxyURL       string `toml:"proxy_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	RatePerMinute  int    `toml:"rate_per_minute"`
	Burst          int    `toml:"burst"`
}

type TwelveDataConfig struct {
	Enabled        bool   `toml:"enabled"`
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	RatePerMinute  int    `toml:"rate_per_minute"`
	Burst          int    `toml:"burst"`
}

type SyncConfig struct {
	PageSize      int `toml:"page_size"`
	MaxConcurrent int `toml:"max_concurrent"`
	MaxPages      int `toml:"max_pages"`
}

type SessionConfig struct {
	DBPath string `toml:"db_path"`
}

type AssetsConfig struct {
	Path  string `toml:"path"`
	Watch bool   `toml:"watch"`
}

// ReplayConfig 是新建会话时的默认参数。
type ReplayConfig struct {
	InitialBalance  float64 `toml:"initial_balance"`
	Speed           float64 `toml:"speed"`
	AutoPause       bool    `toml:"auto_pause"`
	FrameIntervalMs int     `toml:"frame_interval_ms"`
	MaxCandles      int     `toml:"max_candles"`
}

// EnabledSources lists the enabled feed names in a stable order.
func (f FeedConfig) EnabledSources() []string {
	var out []string
	if f.Binance.Enabled {
		out = append(out, "binance")
	}
	if f.TwelveData.Enabled {
		out = append(out, "twelvedata")
	}
	return out
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}
