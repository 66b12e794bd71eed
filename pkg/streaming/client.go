package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/batman-mesh/livemap/pkg/core"
)

// ClientMessage is one decoded viewer request. The set of implementations is
// closed: RequestPositions, UpdatePosition and Unknown.
type ClientMessage interface {
	clientMessage()
}

// RequestPositions asks for a full snapshot reply.
type RequestPositions struct{}

// UpdatePosition submits a position for one vehicle.
type UpdatePosition struct {
	Update core.Update
}

// Unknown is a well-formed message whose type is not handled.
type Unknown struct {
	Type string
}

func (RequestPositions) clientMessage() {}
func (UpdatePosition) clientMessage()   {}
func (Unknown) clientMessage()          {}

// DecodeClientMessage parses a raw text frame from a viewer. Any error wraps ErrMalformed.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeRequestPositions:
		return RequestPositions{}, nil

	case TypeUpdatePosition:
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("%w: update_position without data", ErrMalformed)
		}
		var p UpdatePositionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: update_position data: %v", ErrMalformed, err)
		}
		if p.Latitude == nil || p.Longitude == nil {
			return nil, fmt.Errorf("%w: update_position needs latitude and longitude", ErrMalformed)
		}
		u := core.Update{
			ID:       p.ID,
			Position: core.Position{Lat: *p.Latitude, Lon: *p.Longitude},
			Source:   "viewer",
		}
		if err := u.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return UpdatePosition{Update: u}, nil

	default:
		return Unknown{Type: env.Type}, nil
	}
}
