package replayhttp

import (
	"math"
	"net/http"
	"strconv"

	"replaydesk/internal/asset"
	"replaydesk/internal/feed"
	"replaydesk/internal/market"
	"replaydesk/internal/risk"

	"github.com/gin-gonic/gin"
)

type lotsRequest struct {
	Symbol    string  `json:"symbol" binding:"required"`
	Entry     float64 `json:"entry" binding:"required"`
	Stop      float64 `json:"stop" binding:"required"`
	RiskMode  string  `json:"riskMode"`
	RiskValue float64 `json:"riskValue" binding:"required"`
	Balance   float64 `json:"balance"`
}

// handleRiskLots sizes a trade without touching any session. Balance defaults
// to the active session's balance.
func (s *Server) handleRiskLots(c *gin.Context) {
	var req lotsRequest
	if !bindRequired(c, &req) {
		return
	}
	balance := req.Balance
	if balance <= 0 {
		if sess, err := s.desk.Active(); err == nil {
			balance = sess.View().Balance
		}
	}
	if balance <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "balance 必填（或先载入会话）"})
		return
	}
	a := s.lookupAsset(req.Symbol)
	mode := risk.ParseMode(req.RiskMode)
	c.JSON(http.StatusOK, gin.H{
		"lots":        risk.ComputeLotSize(req.Entry, req.Stop, req.RiskValue, mode, balance, a),
		"riskAmount":  risk.RiskAmount(req.RiskValue, mode, balance),
		"pipDistance": risk.PipDistance(req.Entry, req.Stop, a),
		"asset":       a,
	})
}

func (s *Server) lookupAsset(symbol string) asset.Asset {
	if s.assets == nil {
		return asset.Default(symbol)
	}
	return s.assets.Lookup(symbol)
}

func (s *Server) handleAssets(c *gin.Context) {
	if symbol := c.Query("symbol"); symbol != "" {
		c.JSON(http.StatusOK, gin.H{"asset": s.lookupAsset(symbol)})
		return
	}
	list := []asset.Asset{}
	if s.assets != nil {
		list = s.assets.List()
	}
	c.JSON(http.StatusOK, gin.H{"assets": list})
}

type sourceStatus struct {
	Name    string `json:"name"`
	Breaker string `json:"breaker"`
}

func (s *Server) handleSources(c *gin.Context) {
	out := make([]sourceStatus, 0, len(s.feeds))
	for _, f := range s.feeds {
		out = append(out, sourceStatus{Name: f.Name(), Breaker: f.Breaker().State().String()})
	}
	c.JSON(http.StatusOK, gin.H{"sources": out})
}

func (s *Server) syncService(c *gin.Context) (*feed.SyncService, bool) {
	if s.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "数据同步未启用"})
		return nil, false
	}
	return s.sync, true
}

func (s *Server) handleSyncSubmit(c *gin.Context) {
	svc, ok := s.syncService(c)
	if !ok {
		return
	}
	var req struct {
		Symbol    string `json:"symbol" binding:"required"`
		Timeframe string `json:"timeframe" binding:"required"`
		Start     int64  `json:"start" binding:"required"`
		End       int64  `json:"end" binding:"required"`
		Source    string `json:"source"`
	}
	if !bindRequired(c, &req) {
		return
	}
	job, err := svc.Submit(feed.SyncParams{
		Symbol:    asset.NormalizeSymbol(req.Symbol),
		Timeframe: req.Timeframe,
		Start:     req.Start,
		End:       req.End,
		Source:    req.Source,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *Server) handleSyncJobs(c *gin.Context) {
	svc, ok := s.syncService(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": svc.Jobs(), "sources": svc.Sources()})
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	svc, ok := s.syncService(c)
	if !ok {
		return
	}
	job, found := svc.JobSnapshot(c.Param("id"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleSyncCancel(c *gin.Context) {
	svc, ok := s.syncService(c)
	if !ok {
		return
	}
	if !svc.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found or already finished"})
		return
	}
	c.Status(http.StatusAccepted)
}

// seriesQuery reads symbol/timeframe query parameters.
func seriesQuery(c *gin.Context) (string, market.Timeframe, bool) {
	symbol := asset.NormalizeSymbol(c.Query("symbol"))
	if symbol == "" || c.Query("timeframe") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return "", market.Timeframe{}, false
	}
	tf, err := market.ParseTimeframe(c.Query("timeframe"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", market.Timeframe{}, false
	}
	return symbol, tf, true
}

func queryInt64(c *gin.Context, key string) (int64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " 非法"})
		return 0, false
	}
	return v, true
}

func (s *Server) handleDataStats(c *gin.Context) {
	symbol, tf, ok := seriesQuery(c)
	if !ok {
		return
	}
	stats, err := s.candles.GetStats(c.Request.Context(), symbol, tf.Key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (s *Server) handleDataIntegrity(c *gin.Context) {
	symbol, tf, ok := seriesQuery(c)
	if !ok {
		return
	}
	start, ok1 := queryInt64(c, "start")
	end, ok2 := queryInt64(c, "end")
	if !ok1 || !ok2 {
		return
	}
	if start <= 0 || end <= start {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start/end 非法"})
		return
	}
	report, err := s.candles.CheckIntegrity(c.Request.Context(), symbol, tf, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// handleCandles serves either an explicit [start,end] range or the page of
// candles older than before.
func (s *Server) handleCandles(c *gin.Context) {
	symbol, tf, ok := seriesQuery(c)
	if !ok {
		return
	}
	start, ok1 := queryInt64(c, "start")
	end, ok2 := queryInt64(c, "end")
	before, ok3 := queryInt64(c, "before")
	if !ok1 || !ok2 || !ok3 {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "500"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	ctx := c.Request.Context()
	var candles []market.Candle
	if start > 0 && end > 0 {
		candles, err = s.candles.GetRange(ctx, symbol, tf.Key, start, end)
	} else {
		if before <= 0 {
			before = math.MaxInt64
		}
		candles, err = s.candles.GetOlderPage(ctx, symbol, tf.Key, before, limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if candles == nil {
		candles = []market.Candle{}
	}
	c.JSON(http.StatusOK, gin.H{"candles": candles})
}
