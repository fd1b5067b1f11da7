package app

import (
	"fmt"
	"strings"

	"replaydesk/internal/asset"
	"replaydesk/internal/config"
	"replaydesk/internal/feed"
)

type StartupSummary struct {
	Env      string
	HTTPAddr string
	Data     DataSummary
	Feeds    []string
	Assets   []string
	Replay   ReplaySummary
}

type DataSummary struct {
	CandleRoot    string
	SessionDB     string
	StoredSession int
}

type ReplaySummary struct {
	InitialBalance float64
	Speed          float64
	AutoPause      bool
	FrameMs        int
	MaxCandles     int
}

func newStartupSummary(cfg *config.Config, assets *asset.Registry, feeds []*feed.Feed, stored int) *StartupSummary {
	s := &StartupSummary{
		Env:      cfg.App.Env,
		HTTPAddr: cfg.App.HTTPAddr,
		Data: DataSummary{
			CandleRoot:    cfg.Data.Root,
			SessionDB:     cfg.Session.DBPath,
			StoredSession: stored,
		},
		Replay: ReplaySummary{
			InitialBalance: cfg.Replay.InitialBalance,
			Speed:          cfg.Replay.Speed,
			AutoPause:      cfg.Replay.AutoPause,
			FrameMs:        cfg.Replay.FrameIntervalMs,
			MaxCandles:     cfg.Replay.MaxCandles,
		},
	}
	for _, f := range feeds {
		s.Feeds = append(s.Feeds, f.Name())
	}
	if assets != nil {
		for _, a := range assets.List() {
			s.Assets = append(s.Assets, a.Symbol)
		}
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[服务 (SERVICE)]")
	fmt.Printf("  环境: %s\n", s.Env)
	fmt.Printf("  HTTP: %s\n", s.HTTPAddr)
	fmt.Println()

	fmt.Println("[数据 (DATA)]")
	fmt.Printf("  K线目录: %s\n", s.Data.CandleRoot)
	fmt.Printf("  会话库: %s（已保存 %d 个会话）\n", s.Data.SessionDB, s.Data.StoredSession)
	fmt.Printf("  数据源: %s\n", formatList(s.Feeds))
	fmt.Printf("  资产目录: %s\n", formatList(s.Assets))
	fmt.Println()

	fmt.Println("[回放默认值 (REPLAY DEFAULTS)]")
	fmt.Printf("  初始资金: %.2f\n", s.Replay.InitialBalance)
	fmt.Printf("  默认倍速: %gx\n", s.Replay.Speed)
	fmt.Printf("  出场自动暂停: %v\n", s.Replay.AutoPause)
	fmt.Printf("  帧间隔: %dms\n", s.Replay.FrameMs)
	fmt.Printf("  单会话最多K线: %d\n", s.Replay.MaxCandles)
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "(无)"
	}
	return strings.Join(items, ", ")
}
