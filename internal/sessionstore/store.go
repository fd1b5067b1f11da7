package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"replaydesk/internal/replay"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when no snapshot is stored under the given id.
var ErrNotFound = errors.New("sessionstore: session not found")

// Store keeps one row per replay session in sqlite via gorm.
type Store struct {
	db *gorm.DB
}

func NewStore(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sessionstore: 数据库路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewStoreFromDB(db)
}

// NewStoreFromDB migrates the schema on an existing connection.
func NewStoreFromDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&sessionModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save upserts the snapshot by id. LastUpdated is stamped when empty.
func (s *Store) Save(ctx context.Context, snap replay.Snapshot) error {
	if strings.TrimSpace(snap.ID) == "" {
		return fmt.Errorf("session id 不能为空")
	}
	if snap.LastUpdated == 0 {
		snap.LastUpdated = time.Now().UnixMilli()
	}
	if snap.Created == 0 {
		snap.Created = snap.LastUpdated
	}
	m, err := newSessionModel(snap)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "symbol", "timeframe", "start_date", "end_date", "cursor",
			"balance", "initial_balance", "positions_json", "last_updated",
		}),
	}).Create(&m).Error
}

func (s *Store) Get(ctx context.Context, id string) (replay.Snapshot, error) {
	var m sessionModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return replay.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return replay.Snapshot{}, err
	}
	return m.toSnapshot()
}

// LoadAll returns every stored session, most recently updated first.
func (s *Store) LoadAll(ctx context.Context) ([]replay.Snapshot, error) {
	var models []sessionModel
	if err := s.db.WithContext(ctx).Order("last_updated DESC").Order("id").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]replay.Snapshot, 0, len(models))
	for _, m := range models {
		snap, err := m.toSnapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&sessionModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
