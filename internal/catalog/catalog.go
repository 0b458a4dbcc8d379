// Package catalog is the measurement type reference table keyed by
// examination type code.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("measurement type not found")

// MeasurementType describes what an examination type code measures.
type MeasurementType struct {
	ExaminationTypeSc int     `gorm:"column:examination_type_sc;primaryKey;autoIncrement:false" json:"examinationTypeSc"`
	ExaminationType   string  `gorm:"column:examination_type;not null" json:"examinationType"`
	ParameterSc       *int    `gorm:"column:parameter_sc" json:"parameterSc,omitempty"`
	Parameter         *string `gorm:"column:parameter" json:"parameter,omitempty"`
	UnitSc            *int    `gorm:"column:unit_sc" json:"unitSc,omitempty"`
	Unit              *string `gorm:"column:unit" json:"unit,omitempty"`
}

func (MeasurementType) TableName() string { return "measurement_types" }

// Lookup answers whether an examination type is known.
type Lookup interface {
	Exists(ctx context.Context, examinationTypeSc int) (bool, error)
}

// Catalog is a Lookup that can also be maintained.
type Catalog interface {
	Lookup
	Get(ctx context.Context, examinationTypeSc int) (MeasurementType, error)
	List(ctx context.Context) ([]MeasurementType, error)
	Upsert(ctx context.Context, mt MeasurementType) error
}

// Memory is an in-process Catalog.
type Memory struct {
	mu    sync.RWMutex
	types map[int]MeasurementType
}

func NewMemory(types ...MeasurementType) *Memory {
	m := &Memory{types: make(map[int]MeasurementType, len(types))}
	for _, t := range types {
		m.types[t.ExaminationTypeSc] = t
	}
	return m
}

func (m *Memory) Exists(_ context.Context, sc int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.types[sc]
	return ok, nil
}

func (m *Memory) Get(_ context.Context, sc int) (MeasurementType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.types[sc]
	if !ok {
		return MeasurementType{}, fmt.Errorf("%w: %d", ErrNotFound, sc)
	}
	return t, nil
}

func (m *Memory) List(_ context.Context) ([]MeasurementType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MeasurementType, 0, len(m.types))
	for _, t := range m.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExaminationTypeSc < out[j].ExaminationTypeSc })
	return out, nil
}

func (m *Memory) Upsert(_ context.Context, mt MeasurementType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[mt.ExaminationTypeSc] = mt
	return nil
}

// DB is a Catalog backed by the measurement_types table.
type DB struct {
	db *gorm.DB
}

func NewDB(db *gorm.DB) *DB { return &DB{db: db} }

// Models lists the row types for AutoMigrate.
func Models() []any { return []any{&MeasurementType{}} }

func (c *DB) Exists(ctx context.Context, sc int) (bool, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&MeasurementType{}).Where("examination_type_sc = ?", sc).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("lookup measurement type: %w", err)
	}
	return n > 0, nil
}

func (c *DB) Get(ctx context.Context, sc int) (MeasurementType, error) {
	var t MeasurementType
	err := c.db.WithContext(ctx).Where("examination_type_sc = ?", sc).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return MeasurementType{}, fmt.Errorf("%w: %d", ErrNotFound, sc)
	}
	return t, err
}

func (c *DB) List(ctx context.Context) ([]MeasurementType, error) {
	var out []MeasurementType
	err := c.db.WithContext(ctx).Order("examination_type_sc").Find(&out).Error
	return out, err
}

func (c *DB) Upsert(ctx context.Context, mt MeasurementType) error {
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "examination_type_sc"}},
		UpdateAll: true,
	}).Create(&mt).Error
}

// Cached remembers positive lookups. Types are only ever added, so a
// known code never needs to be re-checked.
type Cached struct {
	next  Lookup
	mu    sync.RWMutex
	known map[int]struct{}
}

func NewCached(next Lookup) *Cached {
	return &Cached{next: next, known: make(map[int]struct{})}
}

func (c *Cached) Exists(ctx context.Context, sc int) (bool, error) {
	c.mu.RLock()
	_, ok := c.known[sc]
	c.mu.RUnlock()
	if ok {
		return true, nil
	}
	ok, err := c.next.Exists(ctx, sc)
	if err != nil || !ok {
		return ok, err
	}
	c.mu.Lock()
	c.known[sc] = struct{}{}
	c.mu.Unlock()
	return true, nil
}

// Seed upserts every type listed in the JSON array file at path.
func Seed(ctx context.Context, c Catalog, path string) (int, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, fmt.Errorf("read catalog file: %w", err)
	}
	var types []MeasurementType
	if err := json.Unmarshal(raw, &types); err != nil {
		return 0, fmt.Errorf("decode catalog file: %w", err)
	}
	for i, t := range types {
		if t.ExaminationType == "" {
			return i, fmt.Errorf("catalog file entry %d: examinationType is required", i)
		}
		if err := c.Upsert(ctx, t); err != nil {
			return i, err
		}
	}
	return len(types), nil
}
