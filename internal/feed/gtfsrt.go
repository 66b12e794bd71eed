// Package feed polls external vehicle position feeds and forwards the
// positions to the ingestion dispatcher.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/batman-mesh/livemap/pkg/core"
)

// Source is the update source tag for GTFS-RT positions.
const Source = "gtfsrt"

// maxFeedBytes caps a single feed download.
const maxFeedBytes = 32 << 20

// ErrStatus is returned when the feed answers with a non-200 status.
var ErrStatus = errors.New("gtfs-rt: unexpected http status")

// VehicleSource fetches the current vehicle positions from a feed.
type VehicleSource interface {
	Fetch(ctx context.Context) ([]core.Update, error)
}

// GTFSRTSource reads a GTFS-Realtime VehiclePositions protobuf feed.
type GTFSRTSource struct {
	url        string
	httpClient *http.Client
}

// NewGTFSRTSource creates a source for url with a per-request timeout.
func NewGTFSRTSource(url string, timeout time.Duration) *GTFSRTSource {
	return &GTFSRTSource{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Fetch downloads and decodes the feed. Entities without a vehicle
// position, an id, or valid coordinates are skipped.
func (s *GTFSRTSource) Fetch(ctx context.Context) ([]core.Update, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-protobuf")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, err
	}
	var msg gtfs.FeedMessage
	if err := proto.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("gtfs-rt decode: %w", err)
	}
	return Updates(&msg), nil
}

// Updates extracts position updates from a decoded feed message.
func Updates(msg *gtfs.FeedMessage) []core.Update {
	out := make([]core.Update, 0, len(msg.GetEntity()))
	for _, ent := range msg.GetEntity() {
		vp := ent.GetVehicle()
		if vp == nil || vp.GetPosition() == nil {
			continue
		}
		id := vp.GetVehicle().GetId()
		if id == "" {
			// the entity id is required by GTFS-RT and identifies the vehicle
			// when the descriptor has none
			id = ent.GetId()
		}
		pos := vp.GetPosition()
		u := core.Update{
			ID:       core.VehicleID(id),
			Position: core.Position{Lat: float64(pos.GetLatitude()), Lon: float64(pos.GetLongitude())},
			Source:   Source,
		}
		if u.Validate() != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}
