package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"replaydesk/internal/asset"
	"replaydesk/internal/candlestore"
	"replaydesk/internal/config"
	"replaydesk/internal/desk"
	"replaydesk/internal/feed"
	"replaydesk/internal/logger"
	"replaydesk/internal/sessionstore"
	replayhttp "replaydesk/internal/transport/http/replay"
)

type AppBuilder struct {
	cfg *config.Config

	assetsFn func(config.AssetsConfig) (*asset.Registry, error)
	feedsFn  func(config.FeedConfig) ([]*feed.Feed, error)
}

type AppBuilderOption func(*AppBuilder)

// WithFeeds replaces the remote providers, e.g. with fakes in tests.
func WithFeeds(fn func(config.FeedConfig) ([]*feed.Feed, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.feedsFn = fn
		}
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:      cfg,
		assetsFn: buildAssetRegistry,
		feedsFn:  buildFeeds,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg

	app = &App{cfg: cfg}
	defer func() {
		if err != nil {
			_ = app.Close()
			app = nil
		}
	}()

	app.journal, err = setupJournal(cfg.App)
	if err != nil {
		return nil, err
	}

	assets, err := b.assetsFn(cfg.Assets)
	if err != nil {
		return nil, err
	}
	logger.Infof("✓ 资产目录已加载：%d 个品种", len(assets.List()))

	app.candles, err = candlestore.NewStore(cfg.Data.Root)
	if err != nil {
		return nil, fmt.Errorf("初始化 K 线库失败: %w", err)
	}
	app.sessions, err = sessionstore.NewStore(cfg.Session.DBPath)
	if err != nil {
		return nil, fmt.Errorf("初始化会话库失败: %w", err)
	}
	app.saver = sessionstore.NewAsyncSaver(app.sessions)

	feeds, err := b.feedsFn(cfg.Feed)
	if err != nil {
		return nil, err
	}
	sources := make(map[string]feed.Source, len(feeds))
	for _, f := range feeds {
		sources[f.Name()] = f
	}
	app.sync, err = feed.NewSyncService(feed.SyncConfig{
		Store:         app.candles,
		Sources:       sources,
		DefaultSource: cfg.Feed.DefaultSource,
		PageSize:      cfg.Sync.PageSize,
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		MaxPages:      cfg.Sync.MaxPages,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化数据同步失败: %w", err)
	}

	app.desk, err = desk.New(desk.Config{
		Candles:  app.candles,
		Sessions: app.sessions,
		Assets:   assets,
		Saver:    app.saver,
		Defaults: desk.Defaults{
			InitialBalance: cfg.Replay.InitialBalance,
			Speed:          cfg.Replay.Speed,
			AutoPause:      cfg.Replay.AutoPause,
			MaxCandles:     cfg.Replay.MaxCandles,
		},
	})
	if err != nil {
		return nil, err
	}

	app.http, err = replayhttp.NewServer(replayhttp.Config{
		Addr:    cfg.App.HTTPAddr,
		Desk:    app.desk,
		Sync:    app.sync,
		Candles: app.candles,
		Assets:  assets,
		Feeds:   feeds,
	})
	if err != nil {
		return nil, err
	}

	stored, err := app.sessions.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取会话列表失败: %w", err)
	}
	app.Summary = newStartupSummary(cfg, assets, feeds, len(stored))
	return app, nil
}

func buildAssetRegistry(cfg config.AssetsConfig) (*asset.Registry, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return asset.NewStaticRegistry(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warnf("资产目录 %s 不存在，使用内置默认合约参数", path)
		return asset.NewStaticRegistry(), nil
	}
	reg, err := asset.NewRegistry(path, cfg.Watch)
	if err != nil {
		return nil, fmt.Errorf("加载资产目录失败: %w", err)
	}
	if cfg.Watch {
		reg.OnChange(func(snap asset.Snapshot) {
			logger.Infof("资产目录已热更新：%d 个品种", len(snap.Assets))
		})
	}
	return reg, nil
}

// setupJournal 打开成交日志文件；路径为空时关闭成交日志。
func setupJournal(cfg config.AppConfig) (*os.File, error) {
	logger.EnableJournalDetail(cfg.JournalDetail)
	path := strings.TrimSpace(cfg.JournalPath)
	if path == "" {
		logger.SetJournalWriter(nil)
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("初始化成交日志失败: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("初始化成交日志失败: %w", err)
	}
	logger.SetJournalWriter(f)
	return f, nil
}
