// Package candlestore keeps downloaded candles in one sqlite file per
// symbol and timeframe.
package candlestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"replaydesk/internal/asset"
	"replaydesk/internal/market"

	_ "modernc.org/sqlite"
)

const (
	defaultPageLimit = 500
	maxPageLimit     = 5000
)

// Stats 记录某个 symbol@timeframe 文件的统计信息。
type Stats struct {
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	Count      int64  `json:"count"`
	MinTime    int64  `json:"minTime"`
	MaxTime    int64  `json:"maxTime"`
	LastSyncAt int64  `json:"lastSyncAt"`
	Path       string `json:"path"`
}

type Store struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("data root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

func (s *Store) db(symbol, timeframe string) (*sql.DB, string, error) {
	symbol = asset.NormalizeSymbol(symbol)
	if symbol == "" || timeframe == "" {
		return nil, "", fmt.Errorf("symbol/timeframe 不能为空")
	}
	tf, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return nil, "", err
	}
	key := symbol + "@" + tf.Key
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.dbPath(symbol, tf.Key)
	if db, ok := s.dbs[key]; ok && db != nil {
		return db, path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db, symbol, tf.Key); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	s.dbs[key] = db
	return db, path, nil
}

func (s *Store) dbPath(symbol, timeframe string) string {
	return filepath.Join(s.root, symbol, timeframe+".db")
}

// InsertCandles 批量写入 K 线：先对齐到周期网格并去重，重复 time 覆盖旧值。
func (s *Store) InsertCandles(ctx context.Context, symbol, timeframe string, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	tf, err := market.ParseTimeframe(timeframe)
	if err != nil {
		return 0, err
	}
	db, _, err := s.db(symbol, tf.Key)
	if err != nil {
		return 0, err
	}
	candles = market.Normalize(tf, candles)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(time) DO UPDATE SET
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	count := 0
	for _, c := range candles {
		if !c.Valid() {
			continue
		}
		if _, err := stmt.ExecContext(ctx, c.Time, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := s.refreshManifest(ctx, db); err != nil {
		return count, err
	}
	return count, nil
}

// GetRange 返回 [start,end] 闭区间内的 K 线，按时间升序。
func (s *Store) GetRange(ctx context.Context, symbol, timeframe string, start, end int64) ([]market.Candle, error) {
	db, _, err := s.db(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	if end < start {
		start, end = end, start
	}
	rows, err := db.QueryContext(ctx, `
		SELECT time, open, high, low, close, volume
		FROM candles WHERE time BETWEEN ? AND ?
		ORDER BY time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	return scanCandles(rows, false)
}

// GetOlderPage returns up to limit candles strictly before the given time,
// oldest first. It backs lazy loading of history to the left of the chart.
func (s *Store) GetOlderPage(ctx context.Context, symbol, timeframe string, before int64, limit int) ([]market.Candle, error) {
	db, _, err := s.db(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	rows, err := db.QueryContext(ctx, `
		SELECT time, open, high, low, close, volume
		FROM candles WHERE time < ?
		ORDER BY time DESC LIMIT ?`, before, limit)
	if err != nil {
		return nil, err
	}
	return scanCandles(rows, true)
}

// LoadTimes 返回指定区间内已有的 time。
func (s *Store) LoadTimes(ctx context.Context, symbol, timeframe string, start, end int64) ([]int64, error) {
	db, _, err := s.db(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT time FROM candles WHERE time BETWEEN ? AND ? ORDER BY time`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *Store) GetStats(ctx context.Context, symbol, timeframe string) (Stats, error) {
	db, path, err := s.db(symbol, timeframe)
	if err != nil {
		return Stats{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT symbol, timeframe, min_time, max_time, rows, last_sync_at FROM manifest WHERE id=1`)
	var (
		st       Stats
		minT, maxT sql.NullInt64
		lastSync sql.NullInt64
	)
	if err := row.Scan(&st.Symbol, &st.Timeframe, &minT, &maxT, &st.Count, &lastSync); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Stats{Symbol: asset.NormalizeSymbol(symbol), Timeframe: timeframe, Path: path}, nil
		}
		return Stats{}, err
	}
	st.MinTime = minT.Int64
	st.MaxTime = maxT.Int64
	st.LastSyncAt = lastSync.Int64
	st.Path = path
	return st, nil
}

func (s *Store) refreshManifest(ctx context.Context, db *sql.DB) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		UPDATE manifest
		SET min_time = (SELECT COALESCE(MIN(time), 0) FROM candles),
		    max_time = (SELECT COALESCE(MAX(time), 0) FROM candles),
		    rows = (SELECT COUNT(1) FROM candles),
		    last_sync_at = ?
		WHERE id = 1`, now)
	return err
}

func ensureSchema(db *sql.DB, symbol, timeframe string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS candles (
			time   INTEGER PRIMARY KEY,
			open   REAL NOT NULL,
			high   REAL NOT NULL,
			low    REAL NOT NULL,
			close  REAL NOT NULL,
			volume INTEGER NOT NULL DEFAULT 0,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
		);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			min_time INTEGER,
			max_time INTEGER,
			rows INTEGER DEFAULT 0,
			last_sync_at INTEGER
		);`,
		`INSERT INTO manifest (id, symbol, timeframe) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET symbol=excluded.symbol, timeframe=excluded.timeframe;`,
	}
	for i, stmt := range stmts {
		var err error
		if i == len(stmts)-1 {
			_, err = db.Exec(stmt, symbol, timeframe)
		} else {
			_, err = db.Exec(stmt)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func scanCandles(rows *sql.Rows, reverse bool) ([]market.Candle, error) {
	defer rows.Close()
	var list []market.Candle
	for rows.Next() {
		var c market.Candle
		if err := rows.Scan(&c.Time, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if reverse {
		for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
			list[i], list[j] = list[j], list[i]
		}
	}
	return list, nil
}
