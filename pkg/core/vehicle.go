// pkg/core/vehicle.go
package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrInvalidPosition is returned for coordinates outside the WGS84 range or non-finite values.
var ErrInvalidPosition = errors.New("invalid position")

// ErrEmptyVehicleID is returned when an update carries no vehicle identifier.
var ErrEmptyVehicleID = errors.New("empty vehicle id")

// ErrVehicleIDTooLong is returned for ids longer than MaxVehicleIDLen bytes.
var ErrVehicleIDTooLong = errors.New("vehicle id too long")

// MaxVehicleIDLen matches the width of the checkpoint vehicle_id column.
const MaxVehicleIDLen = 64

// VehicleID identifies a tracked vehicle. Simulator and mesh ids are small
// integers, browser clients send strings; both are kept in their decimal/string form.
type VehicleID string

// VehicleIDFromInt returns the canonical id for an integer identifier.
func VehicleIDFromInt(n int64) VehicleID {
	return VehicleID(strconv.FormatInt(n, 10))
}

// Int reports the id as an integer when it is in canonical decimal form.
func (id VehicleID) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil || strconv.FormatInt(n, 10) != string(id) {
		return 0, false
	}
	return n, true
}

// Validate rejects empty ids and ids longer than MaxVehicleIDLen.
func (id VehicleID) Validate() error {
	switch {
	case id == "":
		return ErrEmptyVehicleID
	case len(id) > MaxVehicleIDLen:
		return fmt.Errorf("%w: %d bytes", ErrVehicleIDTooLong, len(id))
	}
	return nil
}

// Less orders numeric ids numerically ahead of string ids, and string ids lexically.
func (id VehicleID) Less(other VehicleID) bool {
	a, aok := id.Int()
	b, bok := other.Int()
	switch {
	case aok && bok:
		return a < b
	case aok:
		return true
	case bok:
		return false
	default:
		return id < other
	}
}

// MarshalJSON emits integer ids as JSON numbers and everything else as strings.
func (id VehicleID) MarshalJSON() ([]byte, error) {
	if _, ok := id.Int(); ok {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts a JSON string or an integral JSON number.
func (id *VehicleID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = VehicleID(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("vehicle id must be a string or integer: %w", err)
	}
	n, err := num.Int64()
	if err != nil {
		return fmt.Errorf("vehicle id must be an integer: %w", err)
	}
	*id = VehicleIDFromInt(n)
	return nil
}

// Position is a WGS84 latitude/longitude pair in degrees.
type Position struct {
	Lat float64
	Lon float64
}

// Validate checks that both coordinates are finite and in range.
func (p Position) Validate() error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lon) || math.IsInf(p.Lon, 0) {
		return fmt.Errorf("%w: non-finite coordinate", ErrInvalidPosition)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidPosition, p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidPosition, p.Lon)
	}
	return nil
}

// Pair returns the position as [lat, long], the order viewers expect.
func (p Position) Pair() [2]float64 {
	return [2]float64{p.Lat, p.Lon}
}

// Record is the latest known position of one vehicle.
type Record struct {
	ID        VehicleID
	Position  Position
	Timestamp time.Time
}

// Update is an inbound position before the store stamps it.
// Source names the producer ("mesh", "feed", "viewer", "simulator").
type Update struct {
	ID       VehicleID
	Position Position
	Source   string
}

// Validate checks the id and the coordinates.
func (u Update) Validate() error {
	if err := u.ID.Validate(); err != nil {
		return err
	}
	return u.Position.Validate()
}

// WaypointPath is a cyclic, non-empty sequence of positions for one vehicle.
type WaypointPath []Position
