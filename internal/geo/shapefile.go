package geo

import (
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
)

// ReadShapefile loads submarket boundaries keyed by the normalized value of
// nameField. Names are resolved through cw when given, so vendor aliases in
// the attribute table land on the canonical key.
func ReadShapefile(path, nameField string, cw *Crosswalk) (map[string]*geom.MultiPolygon, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geo: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	nameIdx := -1
	for i, f := range reader.Fields() {
		if strings.EqualFold(strings.TrimRight(f.String(), "\x00"), nameField) {
			nameIdx = i
			break
		}
	}
	if nameIdx < 0 {
		return nil, eris.Errorf("geo: shapefile %s has no %s field", path, nameField)
	}

	log := zap.L().With(zap.String("component", "geo.shapefile"))
	out := make(map[string]*geom.MultiPolygon)
	var skipped int
	for reader.Next() {
		n, shape := reader.Shape()
		name := strings.TrimSpace(strings.TrimRight(reader.Attribute(nameIdx), "\x00"))

		poly, ok := shape.(*shp.Polygon)
		if !ok || name == "" {
			skipped++
			continue
		}
		mp := polygonToMultiPolygon(poly)
		if mp == nil {
			skipped++
			continue
		}

		key := NormalizeKey(name)
		if cw != nil {
			key, _ = cw.Lookup(name)
		}
		if prev, dup := out[key]; dup {
			for i := 0; i < mp.NumPolygons(); i++ {
				_ = prev.Push(mp.Polygon(i))
			}
			continue
		}
		out[key] = mp
		log.Debug("loaded boundary", zap.Int("record", n), zap.String("submarket", key))
	}

	if skipped > 0 {
		log.Warn("skipped shapefile records", zap.String("path", path), zap.Int("skipped", skipped))
	}
	return out, nil
}

// polygonToMultiPolygon groups shapefile rings into polygons. Shapefile outer
// rings run clockwise and holes counter-clockwise; each hole attaches to the
// outer ring before it.
func polygonToMultiPolygon(p *shp.Polygon) *geom.MultiPolygon {
	if p == nil || p.NumParts == 0 || len(p.Points) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY).SetSRID(SRID)
	var current *geom.Polygon
	flush := func() {
		if current != nil {
			if err := mp.Push(current); err != nil {
				zap.L().Debug("geo: skipping malformed polygon", zap.Error(err))
			}
		}
	}

	for i := int32(0); i < p.NumParts; i++ {
		start, end := p.Parts[i], int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if end-start < 4 {
			continue
		}
		flat := make([]float64, 0, (end-start)*2)
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}

		ring := geom.NewLinearRingFlat(geom.XY, flat)
		if signedArea(flat) <= 0 || current == nil {
			flush()
			current = geom.NewPolygon(geom.XY)
		}
		if err := current.Push(ring); err != nil {
			zap.L().Debug("geo: skipping malformed ring", zap.Int32("part", i), zap.Error(err))
		}
	}
	flush()

	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}
