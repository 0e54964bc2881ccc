// Package geospatial derives the published spatial artifacts from the cached
// snapshot: the merged GeoJSON collection, the summary index, and the
// vector tile archive.
package geospatial

import (
	"bytes"
	"encoding/json"
	"math"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/xy"
)

// ErrInvalidGeometry marks a project whose area of interest cannot be used.
var ErrInvalidGeometry = eris.New("geospatial: invalid geometry")

// ParseGeometry decodes and validates an area of interest. Only Polygon and
// MultiPolygon are accepted. Every ring needs at least 4 positions, must be
// closed, and must lie within lon ±180 / lat ±90.
func ParseGeometry(raw json.RawMessage) (geom.T, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil, eris.Wrap(ErrInvalidGeometry, "geospatial: geometry is absent")
	}

	var g geom.T
	if err := geojson.Unmarshal(raw, &g); err != nil {
		return nil, eris.Wrapf(ErrInvalidGeometry, "geospatial: decode: %v", err)
	}

	var polys []*geom.Polygon
	switch t := g.(type) {
	case *geom.Polygon:
		polys = []*geom.Polygon{t}
	case *geom.MultiPolygon:
		for i := range t.NumPolygons() {
			polys = append(polys, t.Polygon(i))
		}
	default:
		return nil, eris.Wrapf(ErrInvalidGeometry, "geospatial: unsupported type %T", g)
	}

	if len(polys) == 0 {
		return nil, eris.Wrap(ErrInvalidGeometry, "geospatial: no polygons")
	}
	for pi, p := range polys {
		if p.NumLinearRings() == 0 {
			return nil, eris.Wrapf(ErrInvalidGeometry, "geospatial: polygon %d has no rings", pi)
		}
		for ri := range p.NumLinearRings() {
			if err := validateRing(p.LinearRing(ri).Coords()); err != nil {
				return nil, eris.Wrapf(ErrInvalidGeometry, "geospatial: polygon %d ring %d: %v", pi, ri, err)
			}
		}
	}
	return g, nil
}

func validateRing(coords []geom.Coord) error {
	if len(coords) < 4 {
		return eris.Errorf("%d positions, need 4", len(coords))
	}
	for _, c := range coords {
		x, y := c.X(), c.Y()
		if math.IsNaN(x) || math.IsNaN(y) || math.IsInf(x, 0) || math.IsInf(y, 0) {
			return eris.New("non-finite coordinate")
		}
		if x < -180 || x > 180 || y < -90 || y > 90 {
			return eris.Errorf("coordinate (%g, %g) out of range", x, y)
		}
	}
	first, last := coords[0], coords[len(coords)-1]
	if first.X() != last.X() || first.Y() != last.Y() {
		return eris.New("ring is not closed")
	}
	return nil
}

// Centroid returns the planar area-weighted centroid rounded to 4 decimals.
func Centroid(g geom.T) (lon, lat float64, err error) {
	c, err := xy.Centroid(g)
	if err != nil {
		return 0, 0, eris.Wrap(err, "geospatial: centroid")
	}
	if len(c) < 2 || math.IsNaN(c.X()) || math.IsNaN(c.Y()) {
		return 0, 0, eris.New("geospatial: degenerate centroid")
	}
	return round(c.X(), 4), round(c.Y(), 4), nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	r := math.Round(v*p) / p
	if r == 0 {
		return 0 // drop negative zero
	}
	return r
}
