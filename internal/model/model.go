package model

import (
	"fmt"
	"time"
)

// MeasurementKey identifies one reading of one time series.
type MeasurementKey struct {
	StationID              string    `json:"stationId"`
	MeasurementPointNumber int       `json:"measurementPointNumber"`
	ExaminationTypeSc      int       `json:"examinationTypeSc"`
	MeasurementDateTime    time.Time `json:"measurementDateTime"`
}

// NewMeasurementKey normalizes the timestamp to UTC microseconds, the
// precision every store keeps.
func NewMeasurementKey(stationID string, point int, examinationTypeSc int, at time.Time) MeasurementKey {
	return MeasurementKey{
		StationID:              stationID,
		MeasurementPointNumber: point,
		ExaminationTypeSc:      examinationTypeSc,
		MeasurementDateTime:    NormalizeTime(at),
	}
}

// String returns station#point#examination#datetime.
func (k MeasurementKey) String() string {
	return fmt.Sprintf("%s#%d#%d#%s", k.StationID, k.MeasurementPointNumber, k.ExaminationTypeSc,
		k.MeasurementDateTime.UTC().Format(time.RFC3339Nano))
}

// Equal compares keys by value; time.Time needs Equal rather than ==.
func (k MeasurementKey) Equal(o MeasurementKey) bool {
	return k.StationID == o.StationID &&
		k.MeasurementPointNumber == o.MeasurementPointNumber &&
		k.ExaminationTypeSc == o.ExaminationTypeSc &&
		k.MeasurementDateTime.Equal(o.MeasurementDateTime)
}

// VersionRecord is one row of a key's append-only history.
type VersionRecord struct {
	Key                     MeasurementKey `json:"key"`
	Value                   *float64       `json:"value,omitempty"`
	ValueElevationCorrected *float64       `json:"valueElevationCorrected,omitempty"`
	SourceEventTimestamp    *time.Time     `json:"sourceEventTimestamp,omitempty"`
	IsCurrent               bool           `json:"isCurrent"`
	CreatedAt               time.Time      `json:"createdAt"`
}

// EffectiveTimestamp is the source event time when known, else the insert time.
func (r VersionRecord) EffectiveTimestamp() time.Time {
	if r.SourceEventTimestamp != nil {
		return *r.SourceEventTimestamp
	}
	return r.CreatedAt
}

// IsTombstone reports whether the record marks a deletion. A tombstone is
// never current, which sets it apart from a current record without a result.
func (r VersionRecord) IsTombstone() bool {
	return !r.IsCurrent && r.Value == nil && r.ValueElevationCorrected == nil
}

// NormalizeTime converts to UTC and truncates to microseconds.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Time returns a pointer to the normalized t.
func Time(t time.Time) *time.Time {
	n := NormalizeTime(t)
	return &n
}
