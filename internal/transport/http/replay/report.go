package replayhttp

import (
	"errors"
	"net/http"
	"strconv"

	"replaydesk/internal/analysis/indicator"
	"replaydesk/internal/analysis/report"

	"github.com/gin-gonic/gin"
)

// handleSessionReport renders the session chart up to its cursor as an HTML
// page, or as a PNG when headless Chrome is available.
func (s *Server) handleSessionReport(c *gin.Context) {
	ctx := c.Request.Context()
	snap, candles, a, err := s.desk.History(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	in := report.Input{Snapshot: snap, Candles: candles, ContractSize: a.ContractSize, Digits: a.Digits}
	switch c.DefaultQuery("format", "html") {
	case "html":
		html, err := report.RenderHTML(in)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", html)
	case "png":
		png, err := report.RenderPNG(ctx, in)
		if err != nil {
			var headless *report.HeadlessError
			if errors.As(err, &headless) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "image/png", png)
	case "json":
		c.JSON(http.StatusOK, gin.H{
			"session": snap,
			"equity":  report.EquityCurve(candles, snap.Positions, snap.InitialBalance, a.ContractSize),
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "format 仅支持 html/png/json"})
	}
}

// handleIndicator computes an overlay on the visible candles only.
func (s *Server) handleIndicator(c *gin.Context) {
	kind, ok := indicator.ParseKind(c.Query("kind"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind 仅支持 sma/ema/rsi/macd/atr/bbands"})
		return
	}
	period, err := strconv.Atoi(c.DefaultQuery("period", "0"))
	if err != nil || period < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "period 非法"})
		return
	}
	sess, ok := s.active(c)
	if !ok {
		return
	}
	res, err := indicator.Compute(sess.VisibleCandles(0), indicator.Request{Kind: kind, Period: period})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"indicator": res})
}
