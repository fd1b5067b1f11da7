package replayhttp

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"replaydesk/internal/replay"
	"replaydesk/internal/risk"

	"github.com/gin-gonic/gin"
)

type stepRequest struct {
	Dir int `json:"dir"`
}

type seekRequest struct {
	Time *int64 `json:"time" binding:"required"`
}

type speedRequest struct {
	Speed  float64 `json:"speed"`
	Preset string  `json:"preset"`
}

type openRequest struct {
	Side       string   `json:"side" binding:"required"`
	OrderType  string   `json:"orderType"`
	Size       float64  `json:"size" binding:"required"`
	EntryPrice float64  `json:"entryPrice"`
	SL         *float64 `json:"sl"`
	TP         *float64 `json:"tp"`
	Comment    string   `json:"comment"`
}

type draftRequest struct {
	Side      string   `json:"side" binding:"required"`
	OrderType string   `json:"orderType"`
	Entry     float64  `json:"entry"`
	SL        *float64 `json:"sl"`
	TP        *float64 `json:"tp"`
	RiskMode  string   `json:"riskMode"`
	RiskValue float64  `json:"riskValue"`
	Size      float64  `json:"size"`
	Comment   string   `json:"comment"`
}

type closeRequest struct {
	Price float64 `json:"price"`
}

type partialRequest struct {
	Size  float64 `json:"size" binding:"required"`
	Price float64 `json:"price"`
}

type patchRequest struct {
	SL         *float64 `json:"sl"`
	TP         *float64 `json:"tp"`
	EntryPrice *float64 `json:"entryPrice"`
	ClearSL    bool     `json:"clearSl"`
	ClearTP    bool     `json:"clearTp"`
}

// bindOptional accepts an empty body.
func bindOptional(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func bindRequired(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func (s *Server) handleView(c *gin.Context) {
	sess, ok := s.active(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"view": sess.View()})
}

func (s *Server) handleVisibleCandles(c *gin.Context) {
	sess, ok := s.active(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "500"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": sess.VisibleCandles(limit)})
}

// clockCommand runs a clock control and answers with the fresh view.
func (s *Server) clockCommand(c *gin.Context, fn func(*replay.Session) bool) {
	sess, ok := s.active(c)
	if !ok {
		return
	}
	done := fn(sess)
	c.JSON(http.StatusOK, gin.H{"ok": done, "view": sess.View()})
}

func (s *Server) handlePlay(c *gin.Context) {
	s.clockCommand(c, (*replay.Session).Play)
}

func (s *Server) handlePause(c *gin.Context) {
	s.clockCommand(c, (*replay.Session).Pause)
}

func (s *Server) handleToggle(c *gin.Context) {
	s.clockCommand(c, (*replay.Session).Toggle)
}

func (s *Server) handleStep(c *gin.Context) {
	var req stepRequest
	if !bindOptional(c, &req) {
		return
	}
	dir := 1
	if req.Dir < 0 {
		dir = -1
	}
	s.clockCommand(c, func(sess *replay.Session) bool { return sess.Step(dir) })
}

func (s *Server) handleSeek(c *gin.Context) {
	var req seekRequest
	if !bindRequired(c, &req) {
		return
	}
	s.clockCommand(c, func(sess *replay.Session) bool { return sess.Seek(*req.Time) })
}

func (s *Server) handleSpeed(c *gin.Context) {
	var req speedRequest
	if !bindRequired(c, &req) {
		return
	}
	switch req.Preset {
	case "faster":
		s.clockCommand(c, func(sess *replay.Session) bool { sess.Faster(); return true })
	case "slower":
		s.clockCommand(c, func(sess *replay.Session) bool { sess.Slower(); return true })
	case "":
		if req.Speed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "speed 必须大于 0"})
			return
		}
		s.clockCommand(c, func(sess *replay.Session) bool { return sess.SetSpeed(req.Speed) })
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "preset 仅支持 faster/slower"})
	}
}

func (s *Server) handleClearTriggered(c *gin.Context) {
	s.clockCommand(c, func(sess *replay.Session) bool { sess.ClearTriggered(); return true })
}

func (s *Server) handleOpenPosition(c *gin.Context) {
	var req openRequest
	if !bindRequired(c, &req) {
		return
	}
	side, ok := replay.ParseSide(req.Side)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side 仅支持 BUY/SELL"})
		return
	}
	orderType, ok := replay.ParseOrderType(req.OrderType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "orderType 仅支持 MARKET/LIMIT/STOP"})
		return
	}
	sess, ok := s.active(c)
	if !ok {
		return
	}
	id := sess.OpenPosition(replay.OpenRequest{
		Side:       side,
		OrderType:  orderType,
		Size:       req.Size,
		EntryPrice: req.EntryPrice,
		SL:         req.SL,
		TP:         req.TP,
		Comment:    req.Comment,
	})
	s.positionCreated(c, sess, id)
}

func (s *Server) parseDraft(c *gin.Context) (replay.OrderDraft, bool) {
	var req draftRequest
	if !bindRequired(c, &req) {
		return replay.OrderDraft{}, false
	}
	side, ok := replay.ParseSide(req.Side)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "side 仅支持 BUY/SELL"})
		return replay.OrderDraft{}, false
	}
	orderType, ok := replay.ParseOrderType(req.OrderType)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "orderType 仅支持 MARKET/LIMIT/STOP"})
		return replay.OrderDraft{}, false
	}
	return replay.OrderDraft{
		Side:      side,
		OrderType: orderType,
		Entry:     req.Entry,
		SL:        req.SL,
		TP:        req.TP,
		RiskMode:  risk.ParseMode(req.RiskMode),
		RiskValue: req.RiskValue,
		Size:      req.Size,
		Comment:   req.Comment,
	}, true
}

func (s *Server) handleSizeDraft(c *gin.Context) {
	draft, ok := s.parseDraft(c)
	if !ok {
		return
	}
	sess, ok := s.active(c)
	if !ok {
		return
	}
	sized := sess.SizeDraft(draft)
	view := sess.View()
	price := 0.0
	if view.Candle != nil {
		price = view.Candle.Close
	}
	c.JSON(http.StatusOK, gin.H{"draft": sized, "rewardRatio": sized.RewardRatio(price)})
}

func (s *Server) handleSubmitDraft(c *gin.Context) {
	draft, ok := s.parseDraft(c)
	if !ok {
		return
	}
	sess, ok := s.active(c)
	if !ok {
		return
	}
	s.positionCreated(c, sess, sess.Submit(draft))
}

func (s *Server) positionCreated(c *gin.Context, sess *replay.Session, id string) {
	if id == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "订单被拒绝：请检查方向、手数与价格"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id, "view": sess.View()})
}

// positionResult answers position commands; false means the id is unknown or
// the position is in a state the command does not apply to.
func positionResult(c *gin.Context, sess *replay.Session, ok bool) {
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "仓位不存在或状态不允许该操作"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"view": sess.View()})
}

func (s *Server) handleClosePosition(c *gin.Context) {
	var req closeRequest
	if !bindOptional(c, &req) {
		return
	}
	sess, ok := s.active(c)
	if !ok {
		return
	}
	positionResult(c, sess, sess.ClosePosition(c.Param("id"), req.Price))
}

func (s *Server) handlePartialClose(c *gin.Context) {
	var req partialRequest
	if !bindRequired(c, &req) {
		return
	}
	sess, ok := s.active(c)
	if !ok {
		return
	}
	fragID, done := sess.PartialClose(c.Param("id"), req.Size, req.Price)
	if !done {
		positionResult(c, sess, false)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": fragID, "view": sess.View()})
}

func (s *Server) handleUpdatePosition(c *gin.Context) {
	var req patchRequest
	if !bindRequired(c, &req) {
		return
	}
	sess, ok := s.active(c)
	if !ok {
		return
	}
	patch := replay.PositionPatch{
		SL:         req.SL,
		TP:         req.TP,
		EntryPrice: req.EntryPrice,
		ClearSL:    req.ClearSL,
		ClearTP:    req.ClearTP,
	}
	positionResult(c, sess, sess.UpdatePosition(c.Param("id"), patch))
}

func (s *Server) handleDeletePosition(c *gin.Context) {
	sess, ok := s.active(c)
	if !ok {
		return
	}
	positionResult(c, sess, sess.DeletePosition(c.Param("id")))
}
