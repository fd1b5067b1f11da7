package app

import (
	"fmt"
	"time"

	"replaydesk/internal/config"
	"replaydesk/internal/feed"
	"replaydesk/internal/logger"
)

// buildFeeds 为每个启用的数据源包一层限流/重试/熔断。
func buildFeeds(cfg config.FeedConfig) ([]*feed.Feed, error) {
	var feeds []*feed.Feed
	if cfg.Binance.Enabled {
		src, err := feed.NewBinanceSource(feed.BinanceConfig{
			RESTBaseURL: cfg.Binance.RESTBaseURL,
			HTTPTimeout: seconds(float64(cfg.Binance.TimeoutSeconds)),
			ProxyURL:    cfg.Binance.ProxyURL,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 binance 数据源失败: %w", err)
		}
		feeds = append(feeds, feed.NewFeed(src, feedOptions(cfg, cfg.Binance.RatePerMinute, cfg.Binance.Burst)))
	}
	if cfg.TwelveData.Enabled {
		src := feed.NewTwelveDataSource(feed.TwelveDataConfig{
			BaseURL:     cfg.TwelveData.BaseURL,
			APIKey:      cfg.TwelveData.APIKey,
			HTTPTimeout: seconds(float64(cfg.TwelveData.TimeoutSeconds)),
		})
		feeds = append(feeds, feed.NewFeed(src, feedOptions(cfg, cfg.TwelveData.RatePerMinute, cfg.TwelveData.Burst)))
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("没有启用任何数据源")
	}
	for _, f := range feeds {
		logger.Infof("✓ 数据源 %s 已启用", f.Name())
	}
	return feeds, nil
}

func feedOptions(cfg config.FeedConfig, ratePerMinute, burst int) feed.Options {
	return feed.Options{
		RatePerMinute:    ratePerMinute,
		Burst:            burst,
		MaxRetries:       cfg.MaxRetries,
		RetryBackoff:     seconds(cfg.RetryBackoffSeconds),
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  seconds(float64(cfg.BreakerCooldownSeconds)),
	}
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
