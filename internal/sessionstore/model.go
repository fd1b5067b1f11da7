package sessionstore

import (
	"encoding/json"
	"fmt"

	"replaydesk/internal/replay"

	"gorm.io/datatypes"
)

type sessionModel struct {
	ID             string         `gorm:"column:id;primaryKey"`
	Name           string         `gorm:"column:name"`
	Symbol         string         `gorm:"column:symbol;index"`
	Timeframe      string         `gorm:"column:timeframe"`
	StartDate      int64          `gorm:"column:start_date"`
	EndDate        int64          `gorm:"column:end_date"`
	Cursor         int64          `gorm:"column:cursor"`
	Balance        float64        `gorm:"column:balance"`
	InitialBalance float64        `gorm:"column:initial_balance"`
	PositionsJSON  datatypes.JSON `gorm:"column:positions_json;type:TEXT"`
	CreatedUnix    int64          `gorm:"column:created"`
	UpdatedUnix    int64          `gorm:"column:last_updated;index"`
}

func (sessionModel) TableName() string { return "replay_sessions" }

func newSessionModel(snap replay.Snapshot) (sessionModel, error) {
	positions := snap.Positions
	if positions == nil {
		positions = []replay.Position{}
	}
	raw, err := json.Marshal(positions)
	if err != nil {
		return sessionModel{}, fmt.Errorf("编码持仓失败: %w", err)
	}
	return sessionModel{
		ID:             snap.ID,
		Name:           snap.Name,
		Symbol:         snap.Symbol,
		Timeframe:      snap.Timeframe,
		StartDate:      snap.StartDate,
		EndDate:        snap.EndDate,
		Cursor:         snap.Cursor,
		Balance:        snap.Balance,
		InitialBalance: snap.InitialBalance,
		PositionsJSON:  datatypes.JSON(raw),
		CreatedUnix:    snap.Created,
		UpdatedUnix:    snap.LastUpdated,
	}, nil
}

func (m sessionModel) toSnapshot() (replay.Snapshot, error) {
	snap := replay.Snapshot{
		ID:             m.ID,
		Name:           m.Name,
		Symbol:         m.Symbol,
		Timeframe:      m.Timeframe,
		StartDate:      m.StartDate,
		EndDate:        m.EndDate,
		Created:        m.CreatedUnix,
		LastUpdated:    m.UpdatedUnix,
		Balance:        m.Balance,
		InitialBalance: m.InitialBalance,
		Cursor:         m.Cursor,
		Positions:      []replay.Position{},
	}
	if len(m.PositionsJSON) > 0 {
		if err := json.Unmarshal(m.PositionsJSON, &snap.Positions); err != nil {
			return replay.Snapshot{}, fmt.Errorf("session %s 持仓解析失败: %w", m.ID, err)
		}
	}
	return snap, nil
}
