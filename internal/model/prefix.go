package model

import (
	"errors"
	"time"
)

var ErrInvalidPrefix = errors.New("invalid key prefix")

// KeyPrefix selects keys for maintenance purges. Fields narrow the
// selection in key order: a field may only be set when every field before
// it is set.
type KeyPrefix struct {
	StationID              string
	MeasurementPointNumber *int
	ExaminationTypeSc      *int
	MeasurementDateTime    *time.Time
}

// StationPrefix selects every key of a station.
func StationPrefix(stationID string) KeyPrefix {
	return KeyPrefix{StationID: stationID}
}

// ExactPrefix selects exactly one key.
func ExactPrefix(k MeasurementKey) KeyPrefix {
	point, exam, at := k.MeasurementPointNumber, k.ExaminationTypeSc, k.MeasurementDateTime
	return KeyPrefix{
		StationID:              k.StationID,
		MeasurementPointNumber: &point,
		ExaminationTypeSc:      &exam,
		MeasurementDateTime:    &at,
	}
}

func (p KeyPrefix) Validate() error {
	if p.StationID == "" {
		return errors.Join(ErrInvalidPrefix, errors.New("station id is required"))
	}
	if p.ExaminationTypeSc != nil && p.MeasurementPointNumber == nil {
		return errors.Join(ErrInvalidPrefix, errors.New("examination type requires point number"))
	}
	if p.MeasurementDateTime != nil && p.ExaminationTypeSc == nil {
		return errors.Join(ErrInvalidPrefix, errors.New("measurement time requires examination type"))
	}
	return nil
}

// Matches reports whether k falls under the prefix.
func (p KeyPrefix) Matches(k MeasurementKey) bool {
	if k.StationID != p.StationID {
		return false
	}
	if p.MeasurementPointNumber != nil && *p.MeasurementPointNumber != k.MeasurementPointNumber {
		return false
	}
	if p.ExaminationTypeSc != nil && *p.ExaminationTypeSc != k.ExaminationTypeSc {
		return false
	}
	if p.MeasurementDateTime != nil && !NormalizeTime(*p.MeasurementDateTime).Equal(k.MeasurementDateTime) {
		return false
	}
	return true
}
