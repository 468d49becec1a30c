package config

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ChannelRow is the one "channels" table §6.2 names: channel_id, name,
// protocol, enabled, config-json.
type ChannelRow struct {
	ChannelID  uint16 `gorm:"primaryKey;column:channel_id"`
	Name       string
	Protocol   string
	Enabled    bool
	ConfigJSON string `gorm:"column:config_json;type:text"`
}

// TelemetryPointRow, SignalPointRow, ControlPointRow, and
// AdjustmentPointRow are §6.2's four point tables: one per point type,
// each keyed by (channel_id, point_id) and carrying signal_name,
// scale, offset, unit plus the Modbus-specific columns the spec names
// (slave, fc, register, data_type, byte_order, bit_position, reverse).
type pointRow struct {
	ChannelID   uint16 `gorm:"primaryKey;column:channel_id"`
	PointID     uint32 `gorm:"primaryKey;column:point_id"`
	SignalName  string
	Scale       float64
	Offset      float64
	Unit        string
	Slave       uint8
	FC          uint8
	Register    uint16
	DataType    string `gorm:"column:data_type"`
	ByteOrder   string `gorm:"column:byte_order"`
	BitPosition uint8  `gorm:"column:bit_position"`
	Reverse     bool
}

type TelemetryPointRow struct{ pointRow }
type SignalPointRow struct{ pointRow }
type ControlPointRow struct{ pointRow }
type AdjustmentPointRow struct{ pointRow }

func (TelemetryPointRow) TableName() string  { return "telemetry_points" }
func (SignalPointRow) TableName() string     { return "signal_points" }
func (ControlPointRow) TableName() string    { return "control_points" }
func (AdjustmentPointRow) TableName() string { return "adjustment_points" }

// SQLStore is a read-mostly relational mirror of §6.2's channel/point
// schema: a reference store configuration tooling can read from and
// write to directly (SQL migrations, an admin UI), independent of the
// YAML manifest gatewayd actually boots from. It is not part of the
// runtime hot path; nothing in combase, model, or dispatch opens one.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLStore opens (creating if necessary) a SQLite-backed
// SQLStore at path, following db/postgres.go's gorm.Open/connection-pool
// pattern with the driver swapped from Postgres to SQLite, since the
// gateway's relational mirror is a single-file embedded store, not a
// clustered service.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("config: open sqlite store %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("config: underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(8)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &SQLStore{db: db}, nil
}

// Migrate creates or updates the channels table and the four point
// tables.
func (s *SQLStore) Migrate() error {
	return s.db.AutoMigrate(
		&ChannelRow{},
		&TelemetryPointRow{},
		&SignalPointRow{},
		&ControlPointRow{},
		&AdjustmentPointRow{},
	)
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertChannel inserts or updates one channel row.
func (s *SQLStore) UpsertChannel(row ChannelRow) error {
	return s.db.Save(&row).Error
}

// Channels returns every configured channel.
func (s *SQLStore) Channels() ([]ChannelRow, error) {
	var rows []ChannelRow
	if err := s.db.Order("channel_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// UpsertTelemetryPoint, UpsertSignalPoint, UpsertControlPoint, and
// UpsertAdjustmentPoint insert or update one row of the matching point
// table.
func (s *SQLStore) UpsertTelemetryPoint(row TelemetryPointRow) error {
	return s.db.Save(&row).Error
}

func (s *SQLStore) UpsertSignalPoint(row SignalPointRow) error {
	return s.db.Save(&row).Error
}

func (s *SQLStore) UpsertControlPoint(row ControlPointRow) error {
	return s.db.Save(&row).Error
}

func (s *SQLStore) UpsertAdjustmentPoint(row AdjustmentPointRow) error {
	return s.db.Save(&row).Error
}

// TelemetryPoints, SignalPoints, ControlPoints, and AdjustmentPoints
// return every point row configured for channelID in the matching table.
func (s *SQLStore) TelemetryPoints(channelID uint16) ([]TelemetryPointRow, error) {
	var rows []TelemetryPointRow
	err := s.db.Where("channel_id = ?", channelID).Order("point_id").Find(&rows).Error
	return rows, err
}

func (s *SQLStore) SignalPoints(channelID uint16) ([]SignalPointRow, error) {
	var rows []SignalPointRow
	err := s.db.Where("channel_id = ?", channelID).Order("point_id").Find(&rows).Error
	return rows, err
}

func (s *SQLStore) ControlPoints(channelID uint16) ([]ControlPointRow, error) {
	var rows []ControlPointRow
	err := s.db.Where("channel_id = ?", channelID).Order("point_id").Find(&rows).Error
	return rows, err
}

func (s *SQLStore) AdjustmentPoints(channelID uint16) ([]AdjustmentPointRow, error) {
	var rows []AdjustmentPointRow
	err := s.db.Where("channel_id = ?", channelID).Order("point_id").Find(&rows).Error
	return rows, err
}
