package streaming

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/batman-mesh/livemap/pkg/core"
)

// Message type constants matching the viewer protocol.
const (
	TypeInitialState     = "initial_state"
	TypePositionUpdate   = "position_update"
	TypeRequestPositions = "request_positions"
	TypeUpdatePosition   = "update_position"
	TypeProximityAlert   = "proximity_alert"
)

// TimestampLayout is used for every timestamp sent to viewers.
const TimestampLayout = time.RFC3339Nano

// ErrMalformed is returned when a client message cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// Envelope wraps typed server messages and is the first decode step for client messages.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RecordPayload is the wire shape of one vehicle position.
type RecordPayload struct {
	ID        core.VehicleID `json:"id"`
	Position  [2]float64     `json:"position"`
	Timestamp string         `json:"timestamp"`
}

// NewRecordPayload converts a record, stamping it with ts instead of the
// record's own timestamp when ts is non-zero.
func NewRecordPayload(r core.Record, ts time.Time) RecordPayload {
	if ts.IsZero() {
		ts = r.Timestamp
	}
	return RecordPayload{
		ID:        r.ID,
		Position:  r.Position.Pair(),
		Timestamp: FormatTimestamp(ts),
	}
}

// FormatTimestamp renders t in UTC with TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// UpdatePositionPayload is the data of an update_position client message.
type UpdatePositionPayload struct {
	ID        core.VehicleID `json:"id"`
	Latitude  *float64       `json:"latitude"`
	Longitude *float64       `json:"longitude"`
}

// ProximityAlertPayload reports two vehicles closer than the configured threshold.
type ProximityAlertPayload struct {
	Vehicles  [2]core.VehicleID `json:"vehicles"`
	Distance  float64           `json:"distance"`
	Timestamp string            `json:"timestamp"`
}

// MarshalSnapshot encodes an initial_state or position_update message.
func MarshalSnapshot(msgType string, records []core.Record) ([]byte, error) {
	payload := make([]RecordPayload, 0, len(records))
	for _, r := range records {
		payload = append(payload, NewRecordPayload(r, time.Time{}))
	}
	return marshalEnvelope(msgType, payload)
}

// MarshalPeriodic encodes the bare per-vehicle message sent on each tick.
func MarshalPeriodic(r core.Record, tickTime time.Time) ([]byte, error) {
	data, err := json.Marshal(NewRecordPayload(r, tickTime))
	if err != nil {
		return nil, fmt.Errorf("marshal periodic update for %s: %w", r.ID, err)
	}
	return data, nil
}

// MarshalProximityAlert encodes a proximity_alert message.
func MarshalProximityAlert(p ProximityAlertPayload) ([]byte, error) {
	return marshalEnvelope(TypeProximityAlert, p)
}

func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	data, err := json.Marshal(Envelope{Type: msgType, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}
