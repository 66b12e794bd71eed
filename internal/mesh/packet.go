package mesh

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/batman-mesh/livemap/pkg/core"
)

// ErrBadPacket is returned when a mesh payload cannot be turned into an update.
var ErrBadPacket = errors.New("bad mesh packet")

// Source tags updates that arrived over the mesh.
const Source = "mesh"

// packet is the mesh wire format: {"id": ..., "lat": ..., "long": ...}.
type packet struct {
	ID   core.VehicleID `json:"id,omitempty"`
	Lat  *float64       `json:"lat"`
	Long *float64       `json:"long"`
}

// DecodePacket parses a mesh payload. When the packet carries no id the
// sender address identifies the vehicle.
func DecodePacket(payload []byte, sender string) (core.Update, error) {
	var p packet
	if err := json.Unmarshal(payload, &p); err != nil {
		return core.Update{}, fmt.Errorf("%w: %v", ErrBadPacket, err)
	}
	if p.Lat == nil || p.Long == nil {
		return core.Update{}, fmt.Errorf("%w: missing lat or long", ErrBadPacket)
	}
	id := p.ID
	if id == "" {
		id = core.VehicleID(sender)
	}
	u := core.Update{
		ID:       id,
		Position: core.Position{Lat: *p.Lat, Lon: *p.Long},
		Source:   Source,
	}
	if err := u.Validate(); err != nil {
		return core.Update{}, fmt.Errorf("%w: %v", ErrBadPacket, err)
	}
	return u, nil
}

// EncodePacket renders a record in the mesh wire format.
func EncodePacket(r core.Record) ([]byte, error) {
	lat, long := r.Position.Lat, r.Position.Lon
	data, err := json.Marshal(packet{ID: r.ID, Lat: &lat, Long: &long})
	if err != nil {
		return nil, fmt.Errorf("encode mesh packet for %s: %w", r.ID, err)
	}
	return data, nil
}
