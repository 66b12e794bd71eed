package geo

import (
	"encoding/binary"
	"fmt"

	gogeom "github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkbhex"

	"github.com/batman-mesh/livemap/pkg/core"
)

// SRIDWebMercator is the SRID embedded in EWKB output.
const SRIDWebMercator = 3857

// EWKBHex returns the projected point as hex EWKB carrying SRID 3857, the
// form PostGIS accepts for a geometry column.
func EWKBHex(p core.Position) (string, error) {
	if err := p.Validate(); err != nil {
		return "", ErrInvalidCoordinates
	}
	x, y := Project3857(p)
	pt := gogeom.NewPointFlat(gogeom.XY, []float64{x, y}).SetSRID(SRIDWebMercator)
	return ewkbhex.Encode(pt, binary.LittleEndian)
}

// ParseEWKBHex decodes a point written by EWKBHex, returning its projected
// coordinates and SRID.
func ParseEWKBHex(s string) (x, y float64, srid int, err error) {
	g, err := ewkbhex.Decode(s)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("decode ewkb: %w", err)
	}
	pt, ok := g.(*gogeom.Point)
	if !ok {
		return 0, 0, 0, fmt.Errorf("decode ewkb: want point, got %T", g)
	}
	return pt.X(), pt.Y(), pt.SRID(), nil
}
