package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EventKind is one of the three change kinds carried on the topic.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindAdded
	KindUpdated
	KindDeleted
)

// Wire names of the event kinds.
const (
	EventMeasurementAdded   = "MeasurementAdded"
	EventMeasurementUpdated = "MeasurementUpdated"
	EventMeasurementDeleted = "MeasurementDeleted"
)

func (k EventKind) String() string {
	switch k {
	case KindAdded:
		return EventMeasurementAdded
	case KindUpdated:
		return EventMeasurementUpdated
	case KindDeleted:
		return EventMeasurementDeleted
	default:
		return "Unknown"
	}
}

// Short returns the single letter used by the event-type allow-list.
func (k EventKind) Short() string {
	switch k {
	case KindAdded:
		return "a"
	case KindUpdated:
		return "u"
	case KindDeleted:
		return "d"
	default:
		return "?"
	}
}

var (
	ErrDecode           = errors.New("decode event")
	ErrUnknownEventType = errors.New("unknown event type")
)

// ParseEventKind maps the wire name to a kind.
func ParseEventKind(s string) (EventKind, error) {
	switch s {
	case EventMeasurementAdded:
		return KindAdded, nil
	case EventMeasurementUpdated:
		return KindUpdated, nil
	case EventMeasurementDeleted:
		return KindDeleted, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
}

// DeliveryMeta describes where the broker delivered a message from.
type DeliveryMeta struct {
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is one raw delivery from the broker client.
type Message struct {
	Key       []byte
	Payload   []byte
	Partition int
	Offset    int64
	Timestamp time.Time
}

// Meta returns the delivery coordinates of the message.
func (m Message) Meta() DeliveryMeta {
	return DeliveryMeta{Partition: m.Partition, Offset: m.Offset, Timestamp: m.Timestamp}
}

// Detail holds the fields that are only legal for one event kind.
type Detail interface {
	Kind() EventKind
}

// Provenance fields are shared by all kinds.
type Provenance struct {
	OperatorStationID string `json:"operatorStationId,omitempty"`
	ReasonCodeSc      *int   `json:"reasonCodeSc,omitempty"`
	LoggerID          string `json:"loggerId,omitempty"`
}

type AddedDetail struct {
	Provenance
	UnitSc      *int `json:"unitSc,omitempty"`
	ParameterSc *int `json:"parameterSc,omitempty"`
}

func (AddedDetail) Kind() EventKind { return KindAdded }

type UpdatedDetail struct {
	Provenance
}

func (UpdatedDetail) Kind() EventKind { return KindUpdated }

type DeletedDetail struct {
	Provenance
}

func (DeletedDetail) Kind() EventKind { return KindDeleted }

// ChangeEvent is a decoded, immutable unit of work.
type ChangeEvent struct {
	Key                  MeasurementKey
	Value                *float64
	SourceEventTimestamp time.Time
	Delivery             DeliveryMeta
	Detail               Detail
}

// Kind returns the event kind carried by the detail.
func (e ChangeEvent) Kind() EventKind {
	if e.Detail == nil {
		return KindUnknown
	}
	return e.Detail.Kind()
}

// wireEvent mirrors the JSON payload. Pointers mark optional fields.
type wireEvent struct {
	EventType              string   `json:"EventType"`
	StationID              string   `json:"StationId"`
	OperatorStationID      *string  `json:"OperatorStationId,omitempty"`
	MeasurementPointNumber *int     `json:"MeasurementPointNumber"`
	UnitSc                 *int     `json:"UnitSc,omitempty"`
	ParameterSc            *int     `json:"ParameterSc,omitempty"`
	ExaminationTypeSc      *int     `json:"ExaminationTypeSc"`
	ReasonCodeSc           *int     `json:"ReasonCodeSc,omitempty"`
	Result                 *float64 `json:"Result,omitempty"`
	MeasurementDateTime    string   `json:"MeasurementDateTime"`
	LoggerID               *string  `json:"LoggerId,omitempty"`
}

// Decode turns one delivered message into a ChangeEvent. The source event
// timestamp comes from the delivery timestamp, never from the payload.
func Decode(msg Message) (ChangeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(msg.Payload, &w); err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	kind, err := ParseEventKind(w.EventType)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	var missing []string
	if strings.TrimSpace(w.StationID) == "" {
		missing = append(missing, "StationId")
	}
	if w.MeasurementPointNumber == nil {
		missing = append(missing, "MeasurementPointNumber")
	}
	if w.ExaminationTypeSc == nil {
		missing = append(missing, "ExaminationTypeSc")
	}
	if w.MeasurementDateTime == "" {
		missing = append(missing, "MeasurementDateTime")
	}
	if len(missing) > 0 {
		return ChangeEvent{}, fmt.Errorf("%w: missing %s", ErrDecode, strings.Join(missing, ", "))
	}
	at, err := ParseFlexibleTime(w.MeasurementDateTime)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("%w: MeasurementDateTime: %v", ErrDecode, err)
	}
	if msg.Timestamp.IsZero() {
		return ChangeEvent{}, fmt.Errorf("%w: delivery timestamp missing", ErrDecode)
	}

	prov := Provenance{
		OperatorStationID: deref(w.OperatorStationID),
		ReasonCodeSc:      w.ReasonCodeSc,
		LoggerID:          deref(w.LoggerID),
	}
	ev := ChangeEvent{
		Key:                  NewMeasurementKey(w.StationID, *w.MeasurementPointNumber, *w.ExaminationTypeSc, at),
		SourceEventTimestamp: NormalizeTime(msg.Timestamp),
		Delivery:             msg.Meta(),
	}
	switch kind {
	case KindAdded:
		ev.Value = w.Result
		ev.Detail = AddedDetail{Provenance: prov, UnitSc: w.UnitSc, ParameterSc: w.ParameterSc}
	case KindUpdated:
		ev.Value = w.Result
		ev.Detail = UpdatedDetail{Provenance: prov}
	case KindDeleted:
		ev.Detail = DeletedDetail{Provenance: prov}
	}
	return ev, nil
}

// Encode renders an event back to the wire format. Used by the generator.
func Encode(e ChangeEvent) ([]byte, error) {
	point, exam := e.Key.MeasurementPointNumber, e.Key.ExaminationTypeSc
	w := wireEvent{
		EventType:              e.Kind().String(),
		StationID:              e.Key.StationID,
		MeasurementPointNumber: &point,
		ExaminationTypeSc:      &exam,
		MeasurementDateTime:    e.Key.MeasurementDateTime.UTC().Format(time.RFC3339Nano),
	}
	var prov Provenance
	switch d := e.Detail.(type) {
	case AddedDetail:
		prov = d.Provenance
		w.UnitSc, w.ParameterSc = d.UnitSc, d.ParameterSc
		w.Result = e.Value
	case UpdatedDetail:
		prov = d.Provenance
		w.Result = e.Value
	case DeletedDetail:
		prov = d.Provenance
	default:
		return nil, ErrUnknownEventType
	}
	if prov.OperatorStationID != "" {
		w.OperatorStationID = &prov.OperatorStationID
	}
	if prov.LoggerID != "" {
		w.LoggerID = &prov.LoggerID
	}
	w.ReasonCodeSc = prov.ReasonCodeSc
	return json.Marshal(&w)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
