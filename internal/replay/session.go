package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"replaydesk/internal/asset"
	"replaydesk/internal/logger"
	"replaydesk/internal/market"
)

// ErrInsufficientData is returned when a session is started on fewer than two
// candles.
var ErrInsufficientData = errors.New("replay: 至少需要两根K线")

// SessionConfig describes a replay session. Positions and Cursor are set when
// resuming a snapshot.
type SessionConfig struct {
	ID             string
	Name           string
	Symbol         string
	Timeframe      market.Timeframe
	Asset          asset.Asset
	Start          int64
	End            int64
	InitialBalance float64
	AutoPause      bool
	Speed          float64
	Saver          Saver

	Positions []Position
	Cursor    int64
	Created   int64

	Now         func() time.Time
	IDGenerator func() string
}

// ConfigFromSnapshot rebuilds the session config a snapshot was saved from.
func ConfigFromSnapshot(snap Snapshot, tf market.Timeframe, a asset.Asset) SessionConfig {
	return SessionConfig{
		ID:             snap.ID,
		Name:           snap.Name,
		Symbol:         snap.Symbol,
		Timeframe:      tf,
		Asset:          a,
		Start:          snap.StartDate,
		End:            snap.EndDate,
		InitialBalance: snap.InitialBalance,
		Positions:      clonePositions(snap.Positions),
		Cursor:         snap.Cursor,
		Created:        snap.Created,
	}
}

// View is the read model handed to the UI after every frame or command.
type View struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Symbol         string         `json:"symbol"`
	Timeframe      string         `json:"timeframe"`
	State          ClockState     `json:"state"`
	Speed          float64        `json:"speed"`
	Cursor         int64          `json:"cursor"`
	End            int64          `json:"end"`
	VisibleIndex   int            `json:"visibleIndex"`
	Candle         *market.Candle `json:"candle,omitempty"`
	Positions      []Position     `json:"positions"`
	Balance        float64        `json:"balance"`
	Equity         float64        `json:"equity"`
	InitialBalance float64        `json:"initialBalance"`
	Triggered      []TriggerEvent `json:"triggered,omitempty"`
	Stats          Stats          `json:"stats"`
}

// Session wires the clock to the engine. Every public method runs under one
// mutex so a frame's advance, locate and evaluate steps are atomic.
type Session struct {
	mu        sync.Mutex
	cfg       SessionConfig
	candles   []market.Candle
	clock     *Clock
	engine    *Engine
	evaluated int
	triggered []TriggerEvent
	savedRev  uint64
	created   int64
	updated   int64
	now       func() time.Time
}

func NewSession(cfg SessionConfig, candles []market.Candle) (*Session, error) {
	if len(candles) < 2 {
		return nil, ErrInsufficientData
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Asset.Symbol == "" {
		cfg.Asset = asset.Default(cfg.Symbol)
	}
	if cfg.Symbol == "" {
		cfg.Symbol = cfg.Asset.Symbol
	}
	var opts []EngineOption
	if cfg.IDGenerator != nil {
		opts = append(opts, WithIDGenerator(cfg.IDGenerator))
	}
	s := &Session{
		cfg:       cfg,
		candles:   candles,
		clock:     NewClock(),
		engine:    NewEngine(cfg.Asset, cfg.InitialBalance, opts...),
		evaluated: -1,
		now:       cfg.Now,
	}
	s.created = cfg.Created
	if s.created == 0 {
		s.created = s.now().UnixMilli()
	}
	s.updated = s.created

	candleMs := cfg.Timeframe.DurationMillis()
	if candleMs <= 0 {
		candleMs = candles[1].Time - candles[0].Time
	}
	start := cfg.Start
	if cfg.Cursor > 0 {
		start = cfg.Cursor
	}
	s.clock.Load(candles, candleMs, start, cfg.End)
	if cfg.Speed > 0 {
		s.clock.SetSpeed(cfg.Speed)
	}
	if len(cfg.Positions) > 0 {
		s.engine.Load(cfg.Positions)
	}
	s.syncLocked(false)
	s.savedRev = s.engine.Revision()
	logger.Infof("[replay] session %s loaded %s %s candles=%d positions=%d",
		s.cfg.ID, s.cfg.Symbol, s.cfg.Timeframe.Key, len(candles), len(cfg.Positions))
	return s, nil
}

func (s *Session) ID() string { return s.cfg.ID }

// Frame advances the clock by elapsed wall time and evaluates the candle now
// under the cursor. A frame arriving while another is still running is
// skipped and reports false.
func (s *Session) Frame(elapsedWallMs float64) bool {
	if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()
	// Tick 在到达终点时会先切到 PAUSED，播放状态必须在此之前取
	playing := s.clock.State() == ClockPlaying
	if _, changed := s.clock.Tick(elapsedWallMs); !changed {
		return false
	}
	s.syncLocked(playing)
	s.persistLocked(false)
	return true
}

func (s *Session) Play() bool {
	return s.command(func() bool { return s.clock.Play() })
}

func (s *Session) Pause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.clock.Pause()
	s.syncLocked(false)
	// the cursor is worth keeping even when no position moved
	s.persistLocked(ok)
	return ok
}

func (s *Session) Toggle() bool {
	return s.command(func() bool { return s.clock.Toggle() })
}

func (s *Session) Step(dir int) bool {
	return s.command(func() bool { return s.clock.Step(dir) })
}

func (s *Session) Seek(t int64) bool {
	return s.command(func() bool { return s.clock.Seek(t) })
}

func (s *Session) SetSpeed(x float64) bool {
	return s.command(func() bool { return s.clock.SetSpeed(x) })
}

func (s *Session) Faster() float64 {
	var v float64
	s.command(func() bool { v = s.clock.FasterPreset(); return true })
	return v
}

func (s *Session) Slower() float64 {
	var v float64
	s.command(func() bool { v = s.clock.SlowerPreset(); return true })
	return v
}

func (s *Session) OpenPosition(req OpenRequest) string {
	var id string
	s.command(func() bool { id = s.engine.OpenPosition(req); return id != "" })
	if id != "" {
		s.journal("OPEN", id)
	}
	return id
}

// Submit sizes a draft from its risk settings and opens it.
func (s *Session) Submit(d OrderDraft) string {
	var id string
	s.command(func() bool { id = d.Submit(s.engine); return id != "" })
	if id != "" {
		s.journal("OPEN", id)
	}
	return id
}

// SizeDraft fills in the draft's lot size without submitting it.
func (s *Session) SizeDraft(d OrderDraft) OrderDraft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.Sized(s.engine)
}

func (s *Session) ClosePosition(id string, exitPrice float64) bool {
	ok := s.command(func() bool { return s.engine.ClosePosition(id, exitPrice) })
	if ok {
		s.journal("CLOSE", id)
	}
	return ok
}

func (s *Session) PartialClose(id string, size, exitPrice float64) (string, bool) {
	var (
		fragID string
		ok     bool
	)
	s.command(func() bool {
		fragID, ok = s.engine.PartialClose(id, size, exitPrice)
		return ok
	})
	if ok {
		s.journal("PARTIAL", fragID)
	}
	return fragID, ok
}

func (s *Session) UpdatePosition(id string, patch PositionPatch) bool {
	return s.command(func() bool { return s.engine.UpdatePosition(id, patch) })
}

func (s *Session) DeletePosition(id string) bool {
	return s.command(func() bool { return s.engine.DeletePosition(id) })
}

// ClearTriggered drops the recorded auto-pause events.
func (s *Session) ClearTriggered() {
	s.mu.Lock()
	s.triggered = nil
	s.mu.Unlock()
}

func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		ID:             s.cfg.ID,
		Name:           s.cfg.Name,
		Symbol:         s.cfg.Symbol,
		Timeframe:      s.cfg.Timeframe.Key,
		State:          s.clock.State(),
		Speed:          s.clock.Speed(),
		Cursor:         s.clock.Cursor(),
		End:            s.clock.End(),
		VisibleIndex:   s.clock.VisibleIndex(),
		Positions:      s.engine.Positions(),
		Balance:        s.engine.Balance(),
		InitialBalance: s.engine.InitialBalance(),
		Triggered:      append([]TriggerEvent(nil), s.triggered...),
		Stats:          s.engine.Stats(),
	}
	if v.Positions == nil {
		v.Positions = []Position{}
	}
	v.Equity = v.Balance
	if v.VisibleIndex >= 0 {
		c := s.candles[v.VisibleIndex]
		v.Candle = &c
		v.Equity = s.engine.Equity(c.Close)
	}
	return v
}

// VisibleCandles returns up to limit candles ending at the visible one; the
// future is never exposed.
func (s *Session) VisibleCandles(limit int) []market.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.clock.VisibleIndex()
	if idx < 0 {
		return nil
	}
	from := 0
	if limit > 0 && idx+1 > limit {
		from = idx + 1 - limit
	}
	return append([]market.Candle(nil), s.candles[from:idx+1]...)
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Restore replaces positions and cursor with those of snap, which must
// belong to this session.
func (s *Session) Restore(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.ID != "" && snap.ID != s.cfg.ID {
		return fmt.Errorf("replay: snapshot %s does not belong to session %s", snap.ID, s.cfg.ID)
	}
	s.engine.Load(snap.Positions)
	if snap.Cursor > 0 {
		s.clock.Seek(snap.Cursor)
	}
	s.clock.Pause()
	s.triggered = nil
	s.evaluated = -1
	s.syncLocked(false)
	s.persistLocked(true)
	return nil
}

// Close stops the clock and flushes a final snapshot.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock.Pause()
	s.persistLocked(true)
	s.clock.Unload()
}

func (s *Session) command(fn func() bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := fn()
	if ok {
		s.syncLocked(s.clock.State() == ClockPlaying)
		s.persistLocked(false)
	}
	return ok
}

// syncLocked evaluates the engine up to the visible candle. Moving forward
// evaluates every skipped candle in order; moving backward evaluates only the
// target and relies on the engine's rewind rules. playing is the clock state
// the move started from; triggers only auto-pause when it is set.
func (s *Session) syncLocked(playing bool) {
	idx := s.clock.VisibleIndex()
	if idx < 0 {
		return
	}
	from := idx
	if s.evaluated >= 0 && idx > s.evaluated {
		from = s.evaluated + 1
	}
	for i := from; i <= idx; i++ {
		c := s.candles[i]
		s.setMarkLocked(i)
		events := s.engine.Evaluate(c)
		s.evaluated = i
		for _, ev := range events {
			s.journalEventLocked(ev)
		}
		if len(events) > 0 && s.cfg.AutoPause && playing {
			s.triggered = append(s.triggered, events...)
			if i < idx {
				s.clock.Seek(c.Time)
			}
			s.clock.Pause()
			logger.Debugf("[replay] session %s auto-paused at %s with %d trigger(s)",
				s.cfg.ID, c.TimeString(), len(events))
			break
		}
	}
	s.setMarkLocked(s.clock.VisibleIndex())
}

func (s *Session) setMarkLocked(idx int) {
	if idx < 0 || idx >= len(s.candles) {
		return
	}
	c := s.candles[idx]
	cursor := s.clock.Cursor()
	if cursor < c.Time {
		cursor = c.Time
	}
	s.engine.SetMark(Mark{Cursor: cursor, CandleTime: c.Time, Price: c.Close})
}

// persistLocked hands a snapshot to the saver when the position list changed
// since the last save, or unconditionally when force is set.
func (s *Session) persistLocked(force bool) {
	rev := s.engine.Revision()
	if !force && rev == s.savedRev {
		return
	}
	s.savedRev = rev
	s.updated = s.now().UnixMilli()
	if s.cfg.Saver == nil {
		return
	}
	s.cfg.Saver.Save(s.snapshotLocked())
}

func (s *Session) snapshotLocked() Snapshot {
	positions := s.engine.Positions()
	if positions == nil {
		positions = []Position{}
	}
	return Snapshot{
		ID:             s.cfg.ID,
		Name:           s.cfg.Name,
		Symbol:         s.cfg.Symbol,
		Timeframe:      s.cfg.Timeframe.Key,
		StartDate:      s.cfg.Start,
		EndDate:        s.cfg.End,
		Created:        s.created,
		LastUpdated:    s.updated,
		Positions:      positions,
		Balance:        s.engine.Balance(),
		InitialBalance: s.engine.InitialBalance(),
		Cursor:         s.clock.Cursor(),
	}
}

func (s *Session) journal(kind, id string) {
	s.mu.Lock()
	p, ok := s.engine.Position(id)
	s.mu.Unlock()
	if !ok {
		return
	}
	summary := fmt.Sprintf("%s %s %s size=%.2f entry=%g", p.Type, p.OrderType, p.Status, p.Size, p.EntryPrice)
	logger.LogTrade(kind, s.cfg.ID, s.cfg.Symbol, summary, positionJSON(p))
}

func (s *Session) journalEventLocked(ev TriggerEvent) {
	summary := fmt.Sprintf("%s %s @ %g", ev.Side, ev.Kind, ev.Price)
	detail := ""
	if p, ok := s.engine.Position(ev.PositionID); ok {
		detail = positionJSON(p)
	}
	logger.LogTrade(string(ev.Kind), s.cfg.ID, s.cfg.Symbol, summary, detail)
}

func positionJSON(p Position) string {
	raw, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(raw)
}
