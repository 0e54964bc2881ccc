package geospatial

import (
	"github.com/rotisserie/eris"
	"github.com/tidwall/geodesic"
	"github.com/twpayne/go-geom"
)

// AreaSqKm returns the geodesic area on the WGS84 ellipsoid in km², rounded
// to 2 decimals. Holes are subtracted from their shell.
func AreaSqKm(g geom.T) (float64, error) {
	var polys []*geom.Polygon
	switch t := g.(type) {
	case *geom.Polygon:
		polys = []*geom.Polygon{t}
	case *geom.MultiPolygon:
		for i := range t.NumPolygons() {
			polys = append(polys, t.Polygon(i))
		}
	default:
		return 0, eris.Wrapf(ErrInvalidGeometry, "geospatial: area of %T", g)
	}

	var total float64
	for _, p := range polys {
		for ri := range p.NumLinearRings() {
			a := ringArea(p.LinearRing(ri).Coords())
			if ri == 0 {
				total += a
			} else {
				total -= a
			}
		}
	}
	if total < 0 {
		total = 0
	}
	return round(total/1e6, 2), nil
}

// ringArea is the unsigned ellipsoidal area of a ring in m². The closing
// position is implied.
func ringArea(coords []geom.Coord) float64 {
	n := len(coords)
	if n > 1 && coords[0].X() == coords[n-1].X() && coords[0].Y() == coords[n-1].Y() {
		n--
	}
	if n < 3 {
		return 0
	}

	p := geodesic.WGS84.PolygonInit(false)
	for _, c := range coords[:n] {
		p.AddPoint(c.Y(), c.X())
	}
	// signed, so a clockwise ring gives -A rather than the rest of the globe
	var area, perimeter float64
	p.Compute(false, true, &area, &perimeter)
	if area < 0 {
		area = -area
	}
	return area
}
