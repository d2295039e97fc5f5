package storage

import (
	"time"

	"gorm.io/gorm"
)

// SyncCursorRecord is the durable high-water mark of a device's history sync.
type SyncCursorRecord struct {
	DeviceKey string    `gorm:"primaryKey" json:"device_key"`
	EndTS     int64     `json:"last_confirmed_end_ts"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (SyncCursorRecord) TableName() string { return "sync_cursors" }

// EnergyRow is one interval row of a device's bulk history. Rows are keyed by
// (device, interval start) so re-downloaded overlaps overwrite instead of duplicating.
type EnergyRow struct {
	ID        uint   `gorm:"primaryKey" json:"-"`
	DeviceKey string `gorm:"uniqueIndex:idx_energy_device_ts" json:"device_key"`
	TS        int64  `gorm:"uniqueIndex:idx_energy_device_ts" json:"ts"`

	// Energy
	EnergyWh         float64 `json:"energy_wh"`
	ReturnedEnergyWh float64 `json:"returned_energy_wh"`

	// Power
	AvgPowerW float64 `json:"avg_power_w"`
	MaxPowerW float64 `json:"max_power_w"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (EnergyRow) TableName() string { return "energy_rows" }

// ChunkLog records the outcome of one chunk of a sync run.
type ChunkLog struct {
	gorm.Model
	DeviceKey    string    `gorm:"index" json:"device_key"`
	RunStartedAt time.Time `gorm:"index" json:"run_started_at"`
	StartTS      int64     `json:"start_ts"`
	EndTS        int64     `json:"end_ts"`
	OK           bool      `json:"ok"`
	Error        string    `json:"error,omitempty"`
}

func (ChunkLog) TableName() string { return "chunk_logs" }

type DailyEnergy struct {
	DeviceKey string  `json:"device_key"`
	Day       string  `json:"day"`
	EnergyKWh float64 `json:"energy_kwh"`
	Rows      int64   `json:"rows"`
}
