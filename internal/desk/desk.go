// Package desk owns the one active replay session: it loads candles for new
// sessions, resumes persisted ones and drives the frame loop.
package desk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"replaydesk/internal/asset"
	"replaydesk/internal/logger"
	"replaydesk/internal/market"
	"replaydesk/internal/replay"
	"replaydesk/internal/sessionstore"

	"github.com/google/uuid"
)

// ErrNoSession is returned by commands issued while no session is loaded.
var ErrNoSession = errors.New("desk: no active session")

// CandleReader is the part of the candle store a session needs.
type CandleReader interface {
	GetRange(ctx context.Context, symbol, timeframe string, start, end int64) ([]market.Candle, error)
}

// SessionRepo persists snapshots.
type SessionRepo interface {
	Save(ctx context.Context, snap replay.Snapshot) error
	Get(ctx context.Context, id string) (replay.Snapshot, error)
	LoadAll(ctx context.Context) ([]replay.Snapshot, error)
	Delete(ctx context.Context, id string) error
}

// AssetLookup resolves contract terms for a symbol.
type AssetLookup interface {
	Lookup(symbol string) asset.Asset
}

// Saver is the asynchronous snapshot sink shared by all sessions.
type Saver interface {
	replay.Saver
	Discard(id string)
}

// Defaults 是新建会话未指定时使用的参数。
type Defaults struct {
	InitialBalance float64
	Speed          float64
	AutoPause      bool
	MaxCandles     int
}

type Config struct {
	Candles  CandleReader
	Sessions SessionRepo
	Assets   AssetLookup
	Saver    Saver
	Defaults Defaults
}

// StartRequest describes a new session. Zero values fall back to Defaults.
type StartRequest struct {
	Name           string  `json:"name"`
	Symbol         string  `json:"symbol" binding:"required"`
	Timeframe      string  `json:"timeframe" binding:"required"`
	Start          int64   `json:"start" binding:"required"`
	End            int64   `json:"end" binding:"required"`
	InitialBalance float64 `json:"initialBalance"`
	Speed          float64 `json:"speed"`
	AutoPause      *bool   `json:"autoPause"`
}

type Desk struct {
	candles  CandleReader
	sessions SessionRepo
	assets   AssetLookup
	saver    Saver
	defaults Defaults

	mu     sync.RWMutex
	active *replay.Session
	gate   *sessionGate
}

func New(cfg Config) (*Desk, error) {
	if cfg.Candles == nil {
		return nil, fmt.Errorf("candle store 不能为空")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store 不能为空")
	}
	if cfg.Saver == nil {
		return nil, fmt.Errorf("saver 不能为空")
	}
	def := cfg.Defaults
	if def.InitialBalance <= 0 {
		def.InitialBalance = 10000
	}
	if def.MaxCandles <= 0 {
		def.MaxCandles = 50000
	}
	return &Desk{
		candles:  cfg.Candles,
		sessions: cfg.Sessions,
		assets:   cfg.Assets,
		saver:    cfg.Saver,
		defaults: def,
	}, nil
}

// Start loads candles for the requested range and makes the new session the
// active one. A previously active session is closed first.
func (d *Desk) Start(ctx context.Context, req StartRequest) (*replay.Session, error) {
	symbol := asset.NormalizeSymbol(req.Symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol 不能为空")
	}
	tf, err := market.ParseTimeframe(req.Timeframe)
	if err != nil {
		return nil, err
	}
	start, end := tf.AlignRange(req.Start, req.End)
	candles, err := d.load(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, err
	}
	balance := req.InitialBalance
	if balance <= 0 {
		balance = d.defaults.InitialBalance
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("%s %s %s", symbol, tf.Key, time.UnixMilli(start).UTC().Format("2006-01-02"))
	}
	cfg := replay.SessionConfig{
		ID:             uuid.NewString(),
		Name:           name,
		Symbol:         symbol,
		Timeframe:      tf,
		Asset:          d.lookup(symbol),
		Start:          start,
		End:            end,
		InitialBalance: balance,
	}
	d.applyRuntime(&cfg, req.Speed, req.AutoPause)
	return d.activate(cfg, candles)
}

// Resume reloads a persisted session and its candles.
func (d *Desk) Resume(ctx context.Context, id string) (*replay.Session, error) {
	snap, err := d.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tf, err := market.ParseTimeframe(snap.Timeframe)
	if err != nil {
		return nil, err
	}
	candles, err := d.load(ctx, snap.Symbol, tf, snap.StartDate, snap.EndDate)
	if err != nil {
		return nil, err
	}
	cfg := replay.ConfigFromSnapshot(snap, tf, d.lookup(snap.Symbol))
	d.applyRuntime(&cfg, 0, nil)
	return d.activate(cfg, candles)
}

// Import validates an exported snapshot and stores it so it can be resumed.
func (d *Desk) Import(ctx context.Context, raw []byte) (replay.Snapshot, error) {
	snap, err := sessionstore.DecodeSnapshot(raw)
	if err != nil {
		return replay.Snapshot{}, err
	}
	if _, err := market.ParseTimeframe(snap.Timeframe); err != nil {
		return replay.Snapshot{}, err
	}
	if cur, ok := d.current(); ok && cur.ID() == snap.ID {
		return replay.Snapshot{}, fmt.Errorf("session %s 正在回放中，无法覆盖", snap.ID)
	}
	if err := d.sessions.Save(ctx, snap); err != nil {
		return replay.Snapshot{}, err
	}
	return snap, nil
}

func (d *Desk) List(ctx context.Context) ([]replay.Snapshot, error) {
	return d.sessions.LoadAll(ctx)
}

// Get returns the live snapshot for the active session and the stored one
// otherwise.
func (d *Desk) Get(ctx context.Context, id string) (replay.Snapshot, error) {
	if cur, ok := d.current(); ok && cur.ID() == id {
		return cur.Snapshot(), nil
	}
	return d.sessions.Get(ctx, id)
}

// History returns a session's snapshot with the candles it has revealed so
// far and its contract terms. Nothing past the cursor is included.
func (d *Desk) History(ctx context.Context, id string) (replay.Snapshot, []market.Candle, asset.Asset, error) {
	if cur, ok := d.current(); ok && cur.ID() == id {
		snap := cur.Snapshot()
		return snap, cur.VisibleCandles(0), d.lookup(snap.Symbol), nil
	}
	snap, err := d.sessions.Get(ctx, id)
	if err != nil {
		return replay.Snapshot{}, nil, asset.Asset{}, err
	}
	tf, err := market.ParseTimeframe(snap.Timeframe)
	if err != nil {
		return replay.Snapshot{}, nil, asset.Asset{}, err
	}
	// 未推进过的会话停在起点
	end := min(max(snap.Cursor, snap.StartDate), snap.EndDate)
	candles, err := d.candles.GetRange(ctx, snap.Symbol, tf.Key, snap.StartDate, end)
	if err != nil {
		return replay.Snapshot{}, nil, asset.Asset{}, err
	}
	return snap, candles, d.lookup(snap.Symbol), nil
}

// Delete removes a stored session, unloading it first when it is active.
func (d *Desk) Delete(ctx context.Context, id string) error {
	d.mu.Lock()
	if d.active != nil && d.active.ID() == id {
		d.gate.detach()
		d.active.Close()
		d.active, d.gate = nil, nil
	}
	d.mu.Unlock()
	d.saver.Discard(id)
	return d.sessions.Delete(ctx, id)
}

// Active returns the loaded session.
func (d *Desk) Active() (*replay.Session, error) {
	if s, ok := d.current(); ok {
		return s, nil
	}
	return nil, ErrNoSession
}

// Unload closes the active session, flushing its snapshot.
func (d *Desk) Unload() {
	d.mu.Lock()
	s := d.active
	d.active, d.gate = nil, nil
	d.mu.Unlock()
	if s != nil {
		s.Close()
		logger.Infof("[replay] session %s unloaded", s.ID())
	}
}

// Run drives the active session's clock with wall time until ctx ends.
func (d *Desk) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			d.Unload()
			return nil
		case now := <-ticker.C:
			elapsed := now.Sub(last)
			last = now
			if s, ok := d.current(); ok {
				s.Frame(float64(elapsed) / float64(time.Millisecond))
			}
		}
	}
}

func (d *Desk) current() (*replay.Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active, d.active != nil
}

func (d *Desk) activate(cfg replay.SessionConfig, candles []market.Candle) (*replay.Session, error) {
	gate := &sessionGate{next: d.saver}
	cfg.Saver = gate
	s, err := replay.NewSession(cfg, candles)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	prev := d.active
	d.active, d.gate = s, gate
	d.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	// 新会话立即落库，便于列表与恢复
	d.saver.Save(s.Snapshot())
	return s, nil
}

func (d *Desk) load(ctx context.Context, symbol string, tf market.Timeframe, start, end int64) ([]market.Candle, error) {
	if end <= start {
		return nil, fmt.Errorf("end 必须晚于 start")
	}
	if n := tf.ExpectedCandles(start, end); n > int64(d.defaults.MaxCandles) {
		return nil, fmt.Errorf("区间包含 %d 根 %s K线，超过上限 %d", n, tf.Key, d.defaults.MaxCandles)
	}
	candles, err := d.candles.GetRange(ctx, symbol, tf.Key, start, end)
	if err != nil {
		return nil, err
	}
	if len(candles) < 2 {
		return nil, fmt.Errorf("%w: %s %s 本地仅有 %d 根，请先同步数据", replay.ErrInsufficientData, symbol, tf.Key, len(candles))
	}
	return candles, nil
}

func (d *Desk) lookup(symbol string) asset.Asset {
	if d.assets == nil {
		return asset.Default(symbol)
	}
	return d.assets.Lookup(symbol)
}

func (d *Desk) applyRuntime(cfg *replay.SessionConfig, speed float64, autoPause *bool) {
	cfg.Speed = speed
	if cfg.Speed <= 0 {
		cfg.Speed = d.defaults.Speed
	}
	cfg.AutoPause = d.defaults.AutoPause
	if autoPause != nil {
		cfg.AutoPause = *autoPause
	}
}

// sessionGate forwards one session's snapshots until the session is deleted.
type sessionGate struct {
	next     replay.Saver
	detached atomic.Bool
}

func (g *sessionGate) Save(snap replay.Snapshot) {
	if g.detached.Load() {
		return
	}
	g.next.Save(snap)
}

func (g *sessionGate) detach() {
	if g != nil {
		g.detached.Store(true)
	}
}
