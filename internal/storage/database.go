package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"shelly-monitor/internal/model"
)

// Length of one bulk history row.
const RowIntervalSeconds = 60

type energyAggregate struct {
	TotalWh  float64 `gorm:"column:total_wh"`
	MaxTS    int64   `gorm:"column:max_ts"`
	RowCount int64   `gorm:"column:row_count"`
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(path string) (*Database, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&SyncCursorRecord{}, &EnergyRow{}, &ChunkLog{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db}, nil
}

// LoadCursor returns nil when the device has never completed a chunk.
func (d *Database) LoadCursor(deviceKey string) (*int64, error) {
	var rec SyncCursorRecord
	err := d.db.Where("device_key = ?", deviceKey).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	end := rec.EndTS
	return &end, nil
}

func (d *Database) SaveCursor(deviceKey string, endTS int64) error {
	rec := SyncCursorRecord{DeviceKey: deviceKey, EndTS: endTS, UpdatedAt: time.Now()}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"end_ts", "updated_at"}),
	}).Create(&rec).Error
}

func (d *Database) Cursors() ([]model.SyncCursor, error) {
	var recs []SyncCursorRecord
	if err := d.db.Order("device_key").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.SyncCursor, 0, len(recs))
	for _, r := range recs {
		end := r.EndTS
		out = append(out, model.SyncCursor{
			DeviceKey:                 r.DeviceKey,
			LastConfirmedEndTimestamp: &end,
			UpdatedAt:                 r.UpdatedAt.Unix(),
		})
	}
	return out, nil
}

// SaveChunk parses a downloaded history chunk and upserts its rows.
func (d *Database) SaveChunk(ctx context.Context, dev model.Device, start, end int64, body []byte) error {
	rows, err := ParseEnergyCSV(dev.Key, body)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	now := time.Now()
	for i := range rows {
		rows[i].UpdatedAt = now
	}

	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_key"}, {Name: "ts"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"energy_wh", "returned_energy_wh", "avg_power_w", "max_power_w", "updated_at",
		}),
	}).CreateInBatches(rows, 500).Error
}

func (d *Database) CountRows(deviceKey string) (int64, error) {
	var n int64
	err := d.db.Model(&EnergyRow{}).Where("device_key = ?", deviceKey).Count(&n).Error
	return n, err
}

func (d *Database) GetRowsByRange(deviceKey string, from, to int64) ([]EnergyRow, error) {
	var rows []EnergyRow
	result := d.db.Where("device_key = ? AND ts >= ? AND ts < ?", deviceKey, from, to).
		Order("ts asc").
		Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}
	return rows, nil
}

// TodayBaseline sums stored energy for rows starting at or after dayStart.
// lastTS is the end of the newest row; ok is false when no row exists.
func (d *Database) TodayBaseline(deviceKey string, dayStart int64) (kwh float64, lastTS int64, ok bool, err error) {
	var agg energyAggregate
	err = d.db.Model(&EnergyRow{}).
		Select("COALESCE(SUM(energy_wh), 0) AS total_wh, COALESCE(MAX(ts), 0) AS max_ts, COUNT(*) AS row_count").
		Where("device_key = ? AND ts >= ?", deviceKey, dayStart).
		Scan(&agg).Error
	if err != nil {
		return 0, 0, false, err
	}
	if agg.RowCount == 0 {
		return 0, 0, false, nil
	}
	return agg.TotalWh / 1000.0, agg.MaxTS + RowIntervalSeconds, true, nil
}

// GetDailyEnergy returns per-day totals for the last days days, oldest first.
func (d *Database) GetDailyEnergy(deviceKey string, now time.Time, days int) ([]DailyEnergy, error) {
	if days <= 0 {
		days = 7
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	out := make([]DailyEnergy, 0, days)
	for i := days - 1; i >= 0; i-- {
		dayStart := today.AddDate(0, 0, -i)
		dayEnd := dayStart.AddDate(0, 0, 1)

		var agg energyAggregate
		err := d.db.Model(&EnergyRow{}).
			Select("COALESCE(SUM(energy_wh), 0) AS total_wh, COUNT(*) AS row_count").
			Where("device_key = ? AND ts >= ? AND ts < ?", deviceKey, dayStart.Unix(), dayEnd.Unix()).
			Scan(&agg).Error
		if err != nil {
			return nil, err
		}
		out = append(out, DailyEnergy{
			DeviceKey: deviceKey,
			Day:       dayStart.Format("2006-01-02"),
			EnergyKWh: agg.TotalWh / 1000.0,
			Rows:      agg.RowCount,
		})
	}
	return out, nil
}

// SaveRunLog stores one row per chunk of a finished sync run.
func (d *Database) SaveRunLog(run model.SyncRunResult) error {
	if len(run.Chunks) == 0 {
		return nil
	}
	started := time.Unix(run.StartedAt, 0)
	logs := make([]ChunkLog, 0, len(run.Chunks))
	for _, c := range run.Chunks {
		logs = append(logs, ChunkLog{
			DeviceKey:    run.DeviceKey,
			RunStartedAt: started,
			StartTS:      c.StartTS,
			EndTS:        c.EndTS,
			OK:           c.OK,
			Error:        c.Error,
		})
	}
	return d.db.Create(&logs).Error
}

func (d *Database) RecentChunks(deviceKey string, limit int) ([]ChunkLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []ChunkLog
	q := d.db.Order("id desc").Limit(limit)
	if deviceKey != "" {
		q = q.Where("device_key = ?", deviceKey)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func (d *Database) CleanOldChunkLogs(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	return d.db.Unscoped().Where("run_started_at < ?", cutoff).Delete(&ChunkLog{}).Error
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
