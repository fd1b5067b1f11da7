package config

import (
	"fmt"
	"strings"

	"replaydesk/internal/replay"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Feed.validate(); err != nil {
		return err
	}
	if err := c.Sync.validate(); err != nil {
		return err
	}
	if err := c.Replay.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Data.Root) == "" {
		return fmt.Errorf("data.root cannot be empty")
	}
	if strings.TrimSpace(c.Session.DBPath) == "" {
		return fmt.Errorf("session.db_path cannot be empty")
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch a.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("app.log_level must be one of debug/info/warn/error, got %q", a.LogLevel)
	}
	switch a.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("app.log_format must be text or json, got %q", a.LogFormat)
	}
	if strings.TrimSpace(a.HTTPAddr) == "" {
		return fmt.Errorf("app.http_addr cannot be empty")
	}
	return nil
}

func (f *FeedConfig) validate() error {
	enabled := f.EnabledSources()
	if len(enabled) == 0 {
		return fmt.Errorf("feed requires at least one enabled source")
	}
	found := false
	for _, name := range enabled {
		if name == f.DefaultSource {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("feed.default_source %q is not an enabled source (%s)", f.DefaultSource, strings.Join(enabled, ","))
	}
	if f.TwelveData.Enabled && strings.TrimSpace(f.TwelveData.APIKey) == "" {
		return fmt.Errorf("feed.twelvedata.api_key is required when twelvedata is enabled (or set %s)", envTwelveDataAPIKey)
	}
	if f.MaxRetries < 0 {
		return fmt.Errorf("feed.max_retries must be >= 0")
	}
	return nil
}

func (s *SyncConfig) validate() error {
	if s.PageSize <= 0 || s.PageSize > 5000 {
		return fmt.Errorf("sync.page_size must be in (0, 5000]")
	}
	if s.MaxConcurrent <= 0 {
		return fmt.Errorf("sync.max_concurrent must be > 0")
	}
	return nil
}

func (r *ReplayConfig) validate() error {
	if r.InitialBalance <= 0 {
		return fmt.Errorf("replay.initial_balance must be > 0")
	}
	if r.Speed < replay.MinSpeed || r.Speed > replay.MaxSpeed {
		return fmt.Errorf("replay.speed must be within [%g, %g]", replay.MinSpeed, replay.MaxSpeed)
	}
	if r.FrameIntervalMs <= 0 {
		return fmt.Errorf("replay.frame_interval_ms must be > 0")
	}
	if r.MaxCandles < 2 {
		return fmt.Errorf("replay.max_candles must be >= 2")
	}
	return nil
}
