// Package sqlstore keeps measurement history in a relational database
// through gorm. Postgres is the production target; sqlite serves local runs.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"hydroconsumer/internal/keylock"
	"hydroconsumer/internal/model"
	"hydroconsumer/internal/state"
)

type measurementRow struct {
	ID                       uint64     `gorm:"primaryKey;autoIncrement"`
	StationID                string     `gorm:"column:station_id;not null;index:idx_measurements_key,priority:1;uniqueIndex:uq_measurements_current,priority:1,where:is_current = true"`
	MeasurementPointNumber   int        `gorm:"column:measurement_point_number;not null;index:idx_measurements_key,priority:2;uniqueIndex:uq_measurements_current,priority:2"`
	ExaminationTypeSc        int        `gorm:"column:examination_type_sc;not null;index:idx_measurements_key,priority:3;uniqueIndex:uq_measurements_current,priority:3"`
	MeasurementDateTime      time.Time  `gorm:"column:measurement_date_time;not null;index:idx_measurements_key,priority:4;uniqueIndex:uq_measurements_current,priority:4"`
	SourceEventTimestamp     *time.Time `gorm:"column:source_event_timestamp"`
	Result                   *float64   `gorm:"column:result"`
	ResultElevationCorrected *float64   `gorm:"column:result_elevation_corrected"`
	IsCurrent                bool       `gorm:"column:is_current;not null;default:false"`
	CreatedAt                time.Time  `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_measurements_key,priority:5"`
}

func (measurementRow) TableName() string { return "measurements" }

// Models lists the row types for AutoMigrate.
func Models() []any { return []any{&measurementRow{}} }

func fromRecord(r model.VersionRecord) measurementRow {
	return measurementRow{
		StationID:                r.Key.StationID,
		MeasurementPointNumber:   r.Key.MeasurementPointNumber,
		ExaminationTypeSc:        r.Key.ExaminationTypeSc,
		MeasurementDateTime:      r.Key.MeasurementDateTime,
		SourceEventTimestamp:     r.SourceEventTimestamp,
		Result:                   r.Value,
		ResultElevationCorrected: r.ValueElevationCorrected,
		IsCurrent:                r.IsCurrent,
		CreatedAt:                r.CreatedAt,
	}
}

func (row measurementRow) toRecord() model.VersionRecord {
	rec := model.VersionRecord{
		Key:                     model.NewMeasurementKey(row.StationID, row.MeasurementPointNumber, row.ExaminationTypeSc, row.MeasurementDateTime),
		Value:                   row.Result,
		ValueElevationCorrected: row.ResultElevationCorrected,
		IsCurrent:               row.IsCurrent,
		CreatedAt:               model.NormalizeTime(row.CreatedAt),
	}
	if row.SourceEventTimestamp != nil {
		rec.SourceEventTimestamp = model.Time(*row.SourceEventTimestamp)
	}
	return rec
}

func whereKey(db *gorm.DB, k model.MeasurementKey) *gorm.DB {
	return db.Where("station_id = ? AND measurement_point_number = ? AND examination_type_sc = ? AND measurement_date_time = ?",
		k.StationID, k.MeasurementPointNumber, k.ExaminationTypeSc, k.MeasurementDateTime)
}

func wherePrefix(db *gorm.DB, p model.KeyPrefix) *gorm.DB {
	db = db.Where("station_id = ?", p.StationID)
	if p.MeasurementPointNumber != nil {
		db = db.Where("measurement_point_number = ?", *p.MeasurementPointNumber)
	}
	if p.ExaminationTypeSc != nil {
		db = db.Where("examination_type_sc = ?", *p.ExaminationTypeSc)
	}
	if p.MeasurementDateTime != nil {
		db = db.Where("measurement_date_time = ?", model.NormalizeTime(*p.MeasurementDateTime))
	}
	return db
}

// Store implements state.Store on a gorm connection.
type Store struct {
	db     *gorm.DB
	locker keylock.Locker
	now    func() time.Time
}

func New(db *gorm.DB, opts ...state.Option) *Store {
	locker, now := state.BuildOptions(opts...)
	return &Store{db: db, locker: locker, now: now}
}

var _ state.Store = (*Store)(nil)

func (s *Store) WithinKey(ctx context.Context, key model.MeasurementKey, fn func(tx state.KeyTx) error) error {
	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return err
	}
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&keyTx{db: tx, key: key, now: s.now})
	})
}

func (s *Store) History(ctx context.Context, key model.MeasurementKey) ([]model.VersionRecord, error) {
	return history(s.db.WithContext(ctx), key)
}

func (s *Store) Current(ctx context.Context, key model.MeasurementKey) (model.VersionRecord, bool, error) {
	return current(s.db.WithContext(ctx), key)
}

func (s *Store) IsDelayed(ctx context.Context, key model.MeasurementKey, ts time.Time) (bool, error) {
	return isDelayed(s.db.WithContext(ctx), key, ts)
}

func (s *Store) InvalidateCurrent(ctx context.Context, key model.MeasurementKey) (int, error) {
	var n int
	err := s.WithinKey(ctx, key, func(tx state.KeyTx) error {
		var err error
		n, err = tx.InvalidateCurrent()
		return err
	})
	return n, err
}

func (s *Store) Append(ctx context.Context, rec model.VersionRecord) (model.VersionRecord, error) {
	var out model.VersionRecord
	err := s.WithinKey(ctx, rec.Key, func(tx state.KeyTx) error {
		var err error
		out, err = tx.Append(rec)
		return err
	})
	return out, err
}

func (s *Store) DeleteAll(ctx context.Context, p model.KeyPrefix) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	res := wherePrefix(s.db.WithContext(ctx), p).Delete(&measurementRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete measurements: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// CountHistory returns how many records the key holds.
func (s *Store) CountHistory(ctx context.Context, key model.MeasurementKey) (int64, error) {
	var n int64
	err := whereKey(s.db.WithContext(ctx).Model(&measurementRow{}), key).Count(&n).Error
	return n, err
}

func history(db *gorm.DB, key model.MeasurementKey) ([]model.VersionRecord, error) {
	var rows []measurementRow
	if err := whereKey(db, key).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]model.VersionRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toRecord()
	}
	return out, nil
}

func current(db *gorm.DB, key model.MeasurementKey) (model.VersionRecord, bool, error) {
	var row measurementRow
	err := whereKey(db, key).Where("is_current = ?", true).Order("created_at DESC, id DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.VersionRecord{}, false, nil
	}
	if err != nil {
		return model.VersionRecord{}, false, fmt.Errorf("read current: %w", err)
	}
	return row.toRecord(), true, nil
}

func isDelayed(db *gorm.DB, key model.MeasurementKey, ts time.Time) (bool, error) {
	var n int64
	err := whereKey(db.Model(&measurementRow{}), key).
		Where("COALESCE(source_event_timestamp, created_at) >= ?", model.NormalizeTime(ts)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("delay check: %w", err)
	}
	return n > 0, nil
}

type keyTx struct {
	db  *gorm.DB
	key model.MeasurementKey
	now func() time.Time
}

func (t *keyTx) Current() (model.VersionRecord, bool, error) { return current(t.db, t.key) }

func (t *keyTx) IsDelayed(ts time.Time) (bool, error) { return isDelayed(t.db, t.key, ts) }

func (t *keyTx) InvalidateCurrent() (int, error) {
	res := whereKey(t.db.Model(&measurementRow{}), t.key).
		Where("is_current = ?", true).
		Update("is_current", false)
	if res.Error != nil {
		return 0, fmt.Errorf("invalidate current: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (t *keyTx) Append(rec model.VersionRecord) (model.VersionRecord, error) {
	if !rec.Key.Equal(t.key) {
		return model.VersionRecord{}, fmt.Errorf("%w: %s != %s", state.ErrKeyMismatch, rec.Key, t.key)
	}
	var last []measurementRow
	if err := whereKey(t.db, t.key).Order("created_at DESC, id DESC").Limit(1).Find(&last).Error; err != nil {
		return model.VersionRecord{}, fmt.Errorf("read last version: %w", err)
	}
	var lastAt time.Time
	if len(last) > 0 {
		lastAt = model.NormalizeTime(last[0].CreatedAt)
	}
	rec.Key = t.key
	if rec.SourceEventTimestamp != nil {
		rec.SourceEventTimestamp = model.Time(*rec.SourceEventTimestamp)
	}
	rec.CreatedAt = state.NextCreatedAt(t.now(), lastAt)

	row := fromRecord(rec)
	if err := t.db.Create(&row).Error; err != nil {
		return model.VersionRecord{}, fmt.Errorf("insert version: %w", err)
	}
	return rec, nil
}
