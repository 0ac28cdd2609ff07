// Package gormstore is the SQLite-backed SnapshotStore built on gorm. The
// latest snapshot lives in one upserted row; a bounded history is kept next
// to it for post-mortems.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tradeloop/internal/resilience"
	"tradeloop/internal/store"
)

const currentSlot = "current"

type snapshotModel struct {
	Slot          string         `gorm:"column:slot;primaryKey"`
	StateJSON     datatypes.JSON `gorm:"column:state_json;type:TEXT"`
	IsRunning     bool           `gorm:"column:is_running"`
	Positions     int            `gorm:"column:positions"`
	SavedAtUnix   int64          `gorm:"column:saved_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (snapshotModel) TableName() string { return "system_snapshots" }

type snapshotHistoryModel struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement"`
	StateJSON   datatypes.JSON `gorm:"column:state_json;type:TEXT"`
	SavedAtUnix int64          `gorm:"column:saved_at;index"`
}

func (snapshotHistoryModel) TableName() string { return "system_snapshot_history" }

// GormStore implements store.SnapshotStore using gorm + SQLite.
type GormStore struct {
	db          *gorm.DB
	keepHistory int
	nowFn       func() time.Time
}

var _ store.SnapshotStore = (*GormStore)(nil)

// NewGormStore opens path. keepHistory bounds the history table; zero
// disables history.
func NewGormStore(path string, keepHistory int) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&snapshotModel{}, &snapshotHistoryModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if keepHistory < 0 {
		keepHistory = 0
	}
	return &GormStore{db: db, keepHistory: keepHistory, nowFn: time.Now}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) SaveSnapshot(ctx context.Context, state resilience.SystemState) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	savedAt := state.LastSaveTime
	if savedAt.IsZero() {
		savedAt = s.nowFn()
	}
	row := snapshotModel{
		Slot:          currentSlot,
		StateJSON:     datatypes.JSON(raw),
		IsRunning:     state.IsRunning,
		Positions:     len(state.ActivePositions),
		SavedAtUnix:   savedAt.UnixMilli(),
		UpdatedAtUnix: s.nowFn().UnixMilli(),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "slot"}},
			DoUpdates: clause.AssignmentColumns([]string{"state_json", "is_running", "positions", "saved_at", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
		if s.keepHistory == 0 {
			return nil
		}
		if err := tx.Create(&snapshotHistoryModel{StateJSON: datatypes.JSON(raw), SavedAtUnix: row.SavedAtUnix}).Error; err != nil {
			return err
		}
		return s.trimHistory(tx)
	})
}

func (s *GormStore) trimHistory(tx *gorm.DB) error {
	var cutoff snapshotHistoryModel
	err := tx.Order("id DESC").Offset(s.keepHistory).Limit(1).Take(&cutoff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return tx.Where("id <= ?", cutoff.ID).Delete(&snapshotHistoryModel{}).Error
}

func (s *GormStore) LoadSnapshot(ctx context.Context) (*resilience.SystemState, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	var row snapshotModel
	err := s.db.WithContext(ctx).Where("slot = ?", currentSlot).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st resilience.SystemState
	if err := json.Unmarshal(row.StateJSON, &st); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &st, nil
}

// History returns up to limit past snapshots, newest first.
func (s *GormStore) History(ctx context.Context, limit int) ([]resilience.SystemState, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []snapshotHistoryModel
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]resilience.SystemState, 0, len(rows))
	for _, r := range rows {
		var st resilience.SystemState
		if err := json.Unmarshal(r.StateJSON, &st); err != nil {
			return nil, fmt.Errorf("decode snapshot %d: %w", r.ID, err)
		}
		out = append(out, st)
	}
	return out, nil
}
