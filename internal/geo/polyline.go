package geo

import (
	"fmt"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/batman-mesh/livemap/pkg/core"
)

// PathGeometry converts a waypoint path into a WGS84 geometry for GeoJSON output.
// A single-waypoint path becomes a Point, anything longer a LineString.
func PathGeometry(path core.WaypointPath) (geom.Geometry, error) {
	if len(path) == 0 {
		return geom.Geometry{}, fmt.Errorf("path must have at least 1 point")
	}
	for i, p := range path {
		if err := p.Validate(); err != nil {
			return geom.Geometry{}, fmt.Errorf("coordinate %d: %w", i, err)
		}
	}

	if len(path) == 1 {
		pt, err := geom.NewPoint(geom.Coordinates{
			XY:   geom.XY{X: path[0].Lon, Y: path[0].Lat},
			Type: geom.DimXY,
		})
		if err != nil {
			return geom.Geometry{}, fmt.Errorf("path point: %w", err)
		}
		return pt.AsGeometry(), nil
	}

	// GeoJSON order is long,lat
	flatCoords := make([]float64, 0, len(path)*2)
	for _, p := range path {
		flatCoords = append(flatCoords, p.Lon, p.Lat)
	}
	ls, err := geom.NewLineString(geom.NewSequence(flatCoords, geom.DimXY))
	if err != nil {
		return geom.Geometry{}, fmt.Errorf("path line: %w", err)
	}
	return ls.AsGeometry(), nil
}
