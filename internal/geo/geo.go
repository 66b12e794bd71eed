package geo

import (
	"errors"
	"fmt"
	"math"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"

	"github.com/batman-mesh/livemap/pkg/core"
)

// GEO POINTS
// Positions arrive as EPSG:4326 lat/long. Anything measured or stored as
// geometry is projected to EPSG:3857 first; geometry is serialized as WKB.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

var to3857 = wgs84.EPSG().Transform(4326, 3857)

// Project3857 returns Web Mercator x/y in meters for a WGS84 position.
func Project3857(p core.Position) (x, y float64) {
	x, y, _ = to3857(p.Lon, p.Lat, 0)
	return x, y
}

// Point3857 creates a projected point for a WGS84 position.
func Point3857(p core.Position) (geom.Point, error) {
	if err := p.Validate(); err != nil {
		return geom.NewEmptyPoint(geom.DimXY), ErrInvalidCoordinates
	}
	x, y := Project3857(p)
	pt, err := geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: x, Y: y},
		Type: geom.DimXY,
	})
	if err != nil {
		return geom.NewEmptyPoint(geom.DimXY), fmt.Errorf("%w: %v", ErrInvalidCoordinates, err)
	}
	return pt, nil
}

// WKB returns the projected point as well-known binary.
func WKB(p core.Position) ([]byte, error) {
	pt, err := Point3857(p)
	if err != nil {
		return nil, err
	}
	return pt.AsBinary(), nil
}

// Distance returns the approximate ground distance in meters between two
// positions. Mercator distances are scaled by cos(latitude) at the midpoint,
// which is accurate for the short ranges vehicles are compared over.
func Distance(a, b core.Position) float64 {
	ax, ay := Project3857(a)
	bx, by := Project3857(b)
	midLat := (a.Lat + b.Lat) / 2 * math.Pi / 180
	return math.Hypot(bx-ax, by-ay) * math.Cos(midLat)
}
