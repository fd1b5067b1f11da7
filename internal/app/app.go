package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"replaydesk/internal/candlestore"
	"replaydesk/internal/config"
	"replaydesk/internal/desk"
	"replaydesk/internal/feed"
	"replaydesk/internal/logger"
	"replaydesk/internal/sessionstore"
	replayhttp "replaydesk/internal/transport/http/replay"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 与回放时钟。
type App struct {
	cfg      *config.Config
	desk     *desk.Desk
	http     *replayhttp.Server
	sync     *feed.SyncService
	candles  *candlestore.Store
	sessions *sessionstore.Store
	saver    *sessionstore.AsyncSaver
	journal  *os.File
	Summary  *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务与帧循环，ctx 取消后依次落盘并关闭存储。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.sync != nil {
		a.sync.SetContext(ctx)
	}

	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		interval := time.Duration(a.cfg.Replay.FrameIntervalMs) * time.Millisecond
		return a.desk.Run(ctx, interval)
	})

	err := group.Wait()
	if a.sync != nil {
		a.sync.Wait()
	}
	return err
}

// Close flushes pending snapshots and releases both databases. Safe to call
// more than once.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.desk != nil {
		a.desk.Unload()
	}
	if a.saver != nil {
		errs = append(errs, a.saver.Close())
	}
	if a.sessions != nil {
		errs = append(errs, a.sessions.Close())
	}
	if a.candles != nil {
		errs = append(errs, a.candles.Close())
	}
	if a.journal != nil {
		logger.SetJournalWriter(nil)
		errs = append(errs, a.journal.Close())
		a.journal = nil
	}
	return errors.Join(errs...)
}

// Desk exposes the session owner, mainly for tests.
func (a *App) Desk() *desk.Desk {
	if a == nil {
		return nil
	}
	return a.desk
}

// HTTPServer exposes the API server.
func (a *App) HTTPServer() *replayhttp.Server {
	if a == nil {
		return nil
	}
	return a.http
}
