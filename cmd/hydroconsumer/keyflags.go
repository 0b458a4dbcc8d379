package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hydroconsumer/internal/model"
)

// keyFlags are the measurement key selectors shared by history and purge.
type keyFlags struct {
	station string
	point   int
	exam    int
	at      string
}

func (k *keyFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&k.station, "station", "", "station id")
	f.IntVar(&k.point, "point", 0, "measurement point number")
	f.IntVar(&k.exam, "exam", 0, "examination type code")
	f.StringVar(&k.at, "at", "", "measurement date time")
}

// prefix builds a KeyPrefix from the flags the user actually set.
func (k *keyFlags) prefix(cmd *cobra.Command) (model.KeyPrefix, error) {
	p := model.KeyPrefix{StationID: k.station}
	f := cmd.Flags()
	if f.Changed("point") {
		point := k.point
		p.MeasurementPointNumber = &point
	}
	if f.Changed("exam") {
		exam := k.exam
		p.ExaminationTypeSc = &exam
	}
	if f.Changed("at") {
		at, err := model.ParseFlexibleTime(k.at)
		if err != nil {
			return model.KeyPrefix{}, fmt.Errorf("--at: %w", err)
		}
		p.MeasurementDateTime = &at
	}
	return p, p.Validate()
}

// key requires every selector.
func (k *keyFlags) key(cmd *cobra.Command) (model.MeasurementKey, error) {
	p, err := k.prefix(cmd)
	if err != nil {
		return model.MeasurementKey{}, err
	}
	if p.MeasurementPointNumber == nil || p.ExaminationTypeSc == nil || p.MeasurementDateTime == nil {
		return model.MeasurementKey{}, fmt.Errorf("--station, --point, --exam and --at are all required")
	}
	return model.NewMeasurementKey(p.StationID, *p.MeasurementPointNumber, *p.ExaminationTypeSc, *p.MeasurementDateTime), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
