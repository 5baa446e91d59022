package geo

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID of every boundary handled here (WGS 84 lon/lat).
const SRID = 4326

// Contains reports whether (lon, lat) lies inside mp. Points inside a hole
// are outside; points exactly on an edge may fall either way.
func Contains(mp *geom.MultiPolygon, lon, lat float64) bool {
	if mp == nil || mp.Empty() {
		return false
	}
	b := mp.Bounds()
	if lon < b.Min(0) || lon > b.Max(0) || lat < b.Min(1) || lat > b.Max(1) {
		return false
	}
	for i := 0; i < mp.NumPolygons(); i++ {
		if polygonContains(mp.Polygon(i), lon, lat) {
			return true
		}
	}
	return false
}

func polygonContains(p *geom.Polygon, x, y float64) bool {
	if p.NumLinearRings() == 0 || !ringContains(p.LinearRing(0), x, y) {
		return false
	}
	for j := 1; j < p.NumLinearRings(); j++ {
		if ringContains(p.LinearRing(j), x, y) {
			return false
		}
	}
	return true
}

// ringContains is the even-odd ray cast.
func ringContains(r *geom.LinearRing, x, y float64) bool {
	flat, stride := r.FlatCoords(), r.Stride()
	n := len(flat) / stride
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := flat[i*stride], flat[i*stride+1]
		xj, yj := flat[j*stride], flat[j*stride+1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// signedArea is positive for counter-clockwise rings.
func signedArea(flat []float64) float64 {
	var a float64
	n := len(flat) / 2
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		a += flat[i*2]*flat[j*2+1] - flat[j*2]*flat[i*2+1]
	}
	return a / 2
}

// EncodeEWKB serializes a boundary for storage.
func EncodeEWKB(mp *geom.MultiPolygon) ([]byte, error) {
	if mp == nil {
		return nil, nil
	}
	data, err := ewkb.Marshal(mp.SetSRID(SRID), ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "geo: encode EWKB")
	}
	return data, nil
}

// DecodeEWKB parses a stored boundary. Polygons are promoted to MultiPolygons.
func DecodeEWKB(data []byte) (*geom.MultiPolygon, error) {
	if len(data) == 0 {
		return nil, nil
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "geo: decode EWKB")
	}
	switch t := g.(type) {
	case *geom.MultiPolygon:
		return t, nil
	case *geom.Polygon:
		mp := geom.NewMultiPolygon(geom.XY).SetSRID(SRID)
		if err := mp.Push(t); err != nil {
			return nil, eris.Wrap(err, "geo: promote polygon")
		}
		return mp, nil
	default:
		return nil, eris.Errorf("geo: boundary must be a polygon, got %T", g)
	}
}
