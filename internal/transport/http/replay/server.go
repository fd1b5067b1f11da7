package replayhttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"replaydesk/internal/asset"
	"replaydesk/internal/candlestore"
	"replaydesk/internal/desk"
	"replaydesk/internal/feed"
	"replaydesk/internal/logger"
	"replaydesk/internal/market"
	"replaydesk/internal/replay"
	"replaydesk/internal/sessionstore"

	"github.com/gin-gonic/gin"
)

// CandleStore is the read side of the local candle database.
type CandleStore interface {
	GetRange(ctx context.Context, symbol, timeframe string, start, end int64) ([]market.Candle, error)
	GetOlderPage(ctx context.Context, symbol, timeframe string, before int64, limit int) ([]market.Candle, error)
	GetStats(ctx context.Context, symbol, timeframe string) (candlestore.Stats, error)
	CheckIntegrity(ctx context.Context, symbol string, tf market.Timeframe, start, end int64) (candlestore.IntegrityReport, error)
}

// Server 提供回放终端的 HTTP API。
type Server struct {
	addr    string
	router  *gin.Engine
	desk    *desk.Desk
	sync    *feed.SyncService
	candles CandleStore
	assets  *asset.Registry
	feeds   []*feed.Feed
}

// Config 描述 HTTP Server 的依赖。
type Config struct {
	Addr    string
	Desk    *desk.Desk
	Sync    *feed.SyncService
	Candles CandleStore
	Assets  *asset.Registry
	Feeds   []*feed.Feed
}

// NewServer 构建 HTTP Server。
func NewServer(cfg Config) (*Server, error) {
	if cfg.Desk == nil {
		return nil, errors.New("desk 不能为空")
	}
	if cfg.Candles == nil {
		return nil, errors.New("candle store 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9992"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		addr:    cfg.Addr,
		router:  router,
		desk:    cfg.Desk,
		sync:    cfg.Sync,
		candles: cfg.Candles,
		assets:  cfg.Assets,
		feeds:   cfg.Feeds,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	api := s.router.Group("/api")

	sessions := api.Group("/sessions")
	sessions.POST("", s.handleSessionStart)
	sessions.GET("", s.handleSessionList)
	sessions.POST("/import", s.handleSessionImport)
	sessions.GET("/:id", s.handleSessionGet)
	sessions.DELETE("/:id", s.handleSessionDelete)
	sessions.POST("/:id/resume", s.handleSessionResume)
	sessions.GET("/:id/report", s.handleSessionReport)

	rp := api.Group("/replay")
	rp.GET("", s.handleView)
	rp.GET("/candles", s.handleVisibleCandles)
	rp.GET("/indicators", s.handleIndicator)
	rp.POST("/play", s.handlePlay)
	rp.POST("/pause", s.handlePause)
	rp.POST("/toggle", s.handleToggle)
	rp.POST("/step", s.handleStep)
	rp.POST("/seek", s.handleSeek)
	rp.POST("/speed", s.handleSpeed)
	rp.DELETE("/triggered", s.handleClearTriggered)
	rp.POST("/orders", s.handleSubmitDraft)
	rp.POST("/orders/size", s.handleSizeDraft)
	rp.POST("/positions", s.handleOpenPosition)
	rp.POST("/positions/:id/close", s.handleClosePosition)
	rp.POST("/positions/:id/partial", s.handlePartialClose)
	rp.PATCH("/positions/:id", s.handleUpdatePosition)
	rp.DELETE("/positions/:id", s.handleDeletePosition)

	api.POST("/risk/lots", s.handleRiskLots)
	api.GET("/assets", s.handleAssets)

	data := api.Group("/data")
	data.GET("/sources", s.handleSources)
	data.POST("/sync", s.handleSyncSubmit)
	data.GET("/sync", s.handleSyncJobs)
	data.GET("/sync/:id", s.handleSyncStatus)
	data.DELETE("/sync/:id", s.handleSyncCancel)
	data.GET("/stats", s.handleDataStats)
	data.GET("/integrity", s.handleDataIntegrity)
	data.GET("/candles", s.handleCandles)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return s.addr }

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("HTTP 服务监听 %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// requestLogger 记录接口调用。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s",
			c.Request.Method, c.Request.URL.RequestURI(), c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, desk.ErrNoSession):
		status = http.StatusConflict
	case errors.Is(err, sessionstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, replay.ErrInsufficientData):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, feed.ErrUnknownSource):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// active aborts with 409 when no session is loaded.
func (s *Server) active(c *gin.Context) (*replay.Session, bool) {
	sess, err := s.desk.Active()
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return sess, true
}
